// Package demux splits the link's raw notification stream into text lines,
// direction echoes, transfer control events and binary chunk frames.
package demux

import (
	"sync"
	"sync/atomic"

	"github.com/user/rover-link/logger"
	"github.com/user/rover-link/protocol"
)

// TransferEvents receives the photo-transfer control lines
type TransferEvents interface {
	OnBegin(seq protocol.Seq)  // PHOTO:START (no seq) or PHOTO:BEGIN:<seq>
	OnMeta(meta protocol.Meta) // META:...
	OnDone()                   // DONE or PHOTO:DONE
	OnEnd(seq protocol.Seq)    // PHOTO:END:<seq>
	OnBusy()                   // BUSY
}

// Stats counts what the demux has seen
type Stats struct {
	Lines   uint64 `json:"lines"`
	Chunks  uint64 `json:"chunks"`
	Dropped uint64 `json:"dropped"`
}

// Demux routes classified notifications to single-slot subscribers.
// Registering a subscriber replaces the previous one.
type Demux struct {
	mu        sync.RWMutex
	text      func(protocol.Line)
	direction func(protocol.Direction)
	chunk     func(protocol.ChunkFrame)
	transfer  TransferEvents

	lines   atomic.Uint64
	chunks  atomic.Uint64
	dropped atomic.Uint64
}

// New creates a demux with no subscribers
func New() *Demux {
	return &Demux{}
}

// OnText sets the generic text-line subscriber. Every text line is
// delivered, classified or not.
func (d *Demux) OnText(fn func(protocol.Line)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.text = fn
}

// OnDirection sets the last-direction subscriber. It receives the
// effective code (U reported as F, D as B).
func (d *Demux) OnDirection(fn func(protocol.Direction)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.direction = fn
}

// OnChunk sets the binary chunk subscriber
func (d *Demux) OnChunk(fn func(protocol.ChunkFrame)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chunk = fn
}

// OnTransfer sets the transfer control subscriber
func (d *Demux) OnTransfer(t TransferEvents) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transfer = t
}

// Clear removes every subscriber (session teardown)
func (d *Demux) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.text, d.direction, d.chunk, d.transfer = nil, nil, nil, nil
}

// Stats returns the counters
func (d *Demux) Stats() Stats {
	return Stats{Lines: d.lines.Load(), Chunks: d.chunks.Load(), Dropped: d.dropped.Load()}
}

// Dispatch classifies one raw buffer and delivers it. Malformed buffers
// are dropped silently.
func (d *Demux) Dispatch(buf []byte) {
	n, ok := protocol.DecodeNotification(buf)
	if !ok {
		d.dropped.Add(1)
		logger.Trace("demux", "dropped %d-byte notification", len(buf))
		return
	}

	d.mu.RLock()
	text, direction, chunk, transfer := d.text, d.direction, d.chunk, d.transfer
	d.mu.RUnlock()

	if n.Chunk != nil {
		d.chunks.Add(1)
		logger.Trace("demux", "chunk seq=%d len=%d", n.Chunk.Seq, len(n.Chunk.Payload))
		if chunk != nil {
			chunk(*n.Chunk)
		}
		return
	}

	line := *n.Line
	d.lines.Add(1)
	logger.Debug("demux", "📥 %s: %q", line.Kind, line.Text)
	if text != nil {
		text(line)
	}
	if line.Kind == protocol.KindDirection && direction != nil {
		direction(line.Direction.Effective())
	}
	if transfer != nil {
		routeTransfer(transfer, line)
	}
}

func routeTransfer(t TransferEvents, line protocol.Line) {
	switch line.Kind {
	case protocol.KindPhotoStart, protocol.KindPhotoBegin:
		t.OnBegin(line.Seq)
	case protocol.KindMeta:
		t.OnMeta(line.Meta)
	case protocol.KindDone, protocol.KindPhotoDone:
		t.OnDone()
	case protocol.KindPhotoEnd:
		t.OnEnd(line.Seq)
	case protocol.KindBusy:
		t.OnBusy()
	}
}
