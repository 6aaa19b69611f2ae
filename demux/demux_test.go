package demux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/rover-link/protocol"
)

type recordedTransfer struct {
	events []string
	seqs   []protocol.Seq
	metas  []protocol.Meta
}

func (r *recordedTransfer) OnBegin(seq protocol.Seq) {
	r.events = append(r.events, "begin")
	r.seqs = append(r.seqs, seq)
}
func (r *recordedTransfer) OnMeta(m protocol.Meta) {
	r.events = append(r.events, "meta")
	r.metas = append(r.metas, m)
}
func (r *recordedTransfer) OnDone() { r.events = append(r.events, "done") }
func (r *recordedTransfer) OnEnd(seq protocol.Seq) {
	r.events = append(r.events, "end")
	r.seqs = append(r.seqs, seq)
}
func (r *recordedTransfer) OnBusy() { r.events = append(r.events, "busy") }

func TestDirectionLineProducesTextAndEcho(t *testing.T) {
	d := New()
	var lines []protocol.Line
	var echoes []protocol.Direction
	var chunks int
	d.OnText(func(l protocol.Line) { lines = append(lines, l) })
	d.OnDirection(func(dir protocol.Direction) { echoes = append(echoes, dir) })
	d.OnChunk(func(protocol.ChunkFrame) { chunks++ })

	d.Dispatch([]byte("U\n"))
	d.Dispatch([]byte("L"))

	require.Len(t, lines, 2)
	assert.Equal(t, protocol.KindDirection, lines[0].Kind)
	assert.Equal(t, []protocol.Direction{protocol.Forward, protocol.Left}, echoes)
	assert.Zero(t, chunks)
}

func TestChunkGoesOnlyToChunkSubscriber(t *testing.T) {
	d := New()
	var texts int
	var frames []protocol.ChunkFrame
	d.OnText(func(protocol.Line) { texts++ })
	d.OnChunk(func(f protocol.ChunkFrame) { frames = append(frames, f) })

	d.Dispatch(protocol.EncodeChunk(3, []byte{1, 2, 3}))

	assert.Zero(t, texts)
	require.Len(t, frames, 1)
	assert.Equal(t, uint16(3), frames[0].Seq)
	assert.Equal(t, uint64(1), d.Stats().Chunks)
}

func TestTransferControlRouting(t *testing.T) {
	d := New()
	rec := &recordedTransfer{}
	d.OnTransfer(rec)

	for _, l := range []string{"PHOTO:BEGIN:4", "META:size=10,chunks=1,seq=4", "PHOTO:END:4", "PHOTO:START", "DONE", "PHOTO:DONE", "BUSY", "DHT:T=1,H=2"} {
		d.Dispatch([]byte(l))
	}

	assert.Equal(t, []string{"begin", "meta", "end", "begin", "done", "done", "busy"}, rec.events)
	assert.Equal(t, protocol.SomeSeq(4), rec.seqs[0])
	assert.Equal(t, protocol.SomeSeq(4), rec.seqs[1])
	assert.False(t, rec.seqs[2].IsSet())
	assert.Equal(t, 10, rec.metas[0].Size)
}

func TestSubscribersAreSingleSlot(t *testing.T) {
	d := New()
	var first, second int
	d.OnText(func(protocol.Line) { first++ })
	d.OnText(func(protocol.Line) { second++ })

	d.Dispatch([]byte("hello"))
	assert.Zero(t, first)
	assert.Equal(t, 1, second)

	d.Clear()
	assert.NotPanics(t, func() { d.Dispatch([]byte("hello")) })
}

func TestMalformedBuffersDropped(t *testing.T) {
	d := New()
	var texts, chunks int
	d.OnText(func(protocol.Line) { texts++ })
	d.OnChunk(func(protocol.ChunkFrame) { chunks++ })

	d.Dispatch([]byte{'C', 'H', 0})
	d.Dispatch([]byte{0xC3, 0x28})
	d.Dispatch(nil)

	assert.Equal(t, 1, texts, "a 3-byte CH buffer is short text, not a chunk")
	assert.Zero(t, chunks)
	assert.Equal(t, uint64(2), d.Stats().Dropped)
}
