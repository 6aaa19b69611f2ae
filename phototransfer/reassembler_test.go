package phototransfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/rover-link/protocol"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) Send(_ context.Context, cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return f.err
}

type memStore struct {
	mu    sync.Mutex
	fail  error
	saved [][]byte
	metas []AssetMeta
}

func (s *memStore) Save(_ context.Context, data []byte, meta AssetMeta) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return "", s.fail
	}
	s.saved = append(s.saved, data)
	s.metas = append(s.metas, meta)
	return fmt.Sprintf("asset-%d", len(s.saved)), nil
}

func (s *memStore) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func newTestReassembler(t *testing.T, opts ...Option) (*Reassembler, *fakeSender, *memStore, chan Result) {
	t.Helper()
	sender := &fakeSender{}
	store := &memStore{}
	r := New(sender, store, opts...)
	results := make(chan Result, 8)
	r.OnResult(func(res Result) { results <- res })
	t.Cleanup(r.Cancel)
	return r, sender, store, results
}

func waitResult(t *testing.T, results chan Result) Result {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no transfer result")
		return Result{}
	}
}

func chunk(seq uint16, n int, fill byte) protocol.ChunkFrame {
	return protocol.ChunkFrame{Seq: seq, Payload: bytes.Repeat([]byte{fill}, n)}
}

func TestRequestedTransferCompletes(t *testing.T) {
	r, sender, store, results := newTestReassembler(t)

	require.NoError(t, r.Request(context.Background()))
	assert.Equal(t, Requesting, r.State())
	assert.Equal(t, []string{protocol.CmdCapture}, sender.sent)

	r.OnMeta(protocol.Meta{Size: 120, Chunks: 2})
	assert.Equal(t, Receiving, r.State())
	r.OnChunk(chunk(0, 60, 'a'))
	r.OnChunk(chunk(1, 60, 'b'))
	assert.Equal(t, Progress{Received: 2, Total: 2, Bytes: 120}, r.Progress())
	r.OnDone()

	res := waitResult(t, results)
	require.NoError(t, res.Err)
	assert.NoError(t, res.Warning)
	assert.Equal(t, "asset-1", res.Handle)
	assert.Len(t, res.Asset.Data, 120)
	assert.Equal(t, Done, r.State())
	assert.Equal(t, SourceManual, store.metas[0].Source)
	assert.Equal(t, append(bytes.Repeat([]byte{'a'}, 60), bytes.Repeat([]byte{'b'}, 60)...), store.saved[0])
}

func TestMissingChunkFailsClosed(t *testing.T) {
	r, _, store, results := newTestReassembler(t)

	require.NoError(t, r.Request(context.Background()))
	r.OnMeta(protocol.Meta{Size: 120, Chunks: 2})
	r.OnChunk(chunk(0, 60, 'a'))
	r.OnDone()

	res := waitResult(t, results)
	assert.ErrorIs(t, res.Err, ErrIncompleteTransfer)
	assert.Nil(t, res.Asset)
	assert.Equal(t, Error, r.State())
	assert.Equal(t, Progress{}, r.Progress())
	assert.Empty(t, store.saved)
}

func TestDuplicateAndOutOfOrderChunks(t *testing.T) {
	r, _, _, results := newTestReassembler(t)

	require.NoError(t, r.Request(context.Background()))
	r.OnMeta(protocol.Meta{Chunks: 3})
	r.OnChunk(chunk(2, 3, 'c'))
	r.OnChunk(chunk(0, 3, 'a'))
	r.OnChunk(chunk(0, 5, 'x'))
	r.OnChunk(chunk(1, 3, 'b'))
	r.OnChunk(chunk(9, 3, 'z'))
	r.OnDone()

	res := waitResult(t, results)
	require.NoError(t, res.Err)
	assert.Equal(t, []byte("aaabbbccc"), res.Asset.Data)
}

func TestOneBasedLastChunkAccepted(t *testing.T) {
	r, _, _, results := newTestReassembler(t)

	require.NoError(t, r.Request(context.Background()))
	r.OnMeta(protocol.Meta{Size: 4, Chunks: 2})
	r.OnChunk(chunk(0, 2, 'a'))
	r.OnChunk(chunk(2, 2, 'b'))
	r.OnDone()

	res := waitResult(t, results)
	require.NoError(t, res.Err)
	assert.Equal(t, []byte("aabb"), res.Asset.Data)
}

func TestChunkBeforeMetaIgnored(t *testing.T) {
	r, _, _, results := newTestReassembler(t)

	require.NoError(t, r.Request(context.Background()))
	r.OnChunk(chunk(0, 2, 'a'))
	r.OnMeta(protocol.Meta{Chunks: 1})
	assert.Equal(t, 0, r.Progress().Received)
	r.OnDone()

	res := waitResult(t, results)
	assert.ErrorIs(t, res.Err, ErrIncompleteTransfer)
}

func TestInactivityTimeout(t *testing.T) {
	r, _, _, results := newTestReassembler(t, WithTimeout(50*time.Millisecond))

	require.NoError(t, r.Request(context.Background()))
	r.OnMeta(protocol.Meta{Chunks: 2})
	r.OnChunk(chunk(0, 1, 'a'))

	res := waitResult(t, results)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.Equal(t, Error, r.State())

	// late traffic for the dead transfer is dropped
	r.OnChunk(chunk(1, 1, 'b'))
	r.OnDone()
	assert.Equal(t, Progress{}, r.Progress())
	assert.Equal(t, Error, r.State())
}

func TestChunksRefreshDeadline(t *testing.T) {
	r, _, _, results := newTestReassembler(t, WithTimeout(120*time.Millisecond))

	require.NoError(t, r.Request(context.Background()))
	r.OnMeta(protocol.Meta{Chunks: 5})
	for i := 0; i < 5; i++ {
		time.Sleep(50 * time.Millisecond)
		r.OnChunk(chunk(uint16(i), 1, byte('a'+i)))
	}
	r.OnDone()

	res := waitResult(t, results)
	require.NoError(t, res.Err)
	assert.Equal(t, []byte("abcde"), res.Asset.Data)
}

func TestBeginForOtherSeqIgnored(t *testing.T) {
	r, _, _, results := newTestReassembler(t)

	r.OnBegin(protocol.SomeSeq(1))
	assert.Equal(t, Receiving, r.State())
	r.OnBegin(protocol.SomeSeq(2))
	r.OnMeta(protocol.Meta{Chunks: 1, Seq: protocol.SomeSeq(2)})
	assert.Equal(t, Progress{}, r.Progress(), "META for the other seq must not size the buffer")

	r.OnMeta(protocol.Meta{Chunks: 1, Seq: protocol.SomeSeq(1)})
	r.OnChunk(chunk(0, 4, 'q'))
	r.OnBegin(protocol.SomeSeq(1))
	assert.Equal(t, 1, r.Progress().Received, "a repeated BEGIN keeps buffered chunks")

	r.OnEnd(protocol.SomeSeq(2))
	assert.Equal(t, Receiving, r.State())
	r.OnEnd(protocol.SomeSeq(1))

	res := waitResult(t, results)
	require.NoError(t, res.Err)
	assert.Equal(t, protocol.SomeSeq(1), res.Asset.Meta.Seq)
	assert.Equal(t, SourceAuto, res.Asset.Meta.Source)
}

func TestRequestAdoptsFirstBeginSeq(t *testing.T) {
	r, _, _, results := newTestReassembler(t)

	require.NoError(t, r.Request(context.Background()))
	r.OnBegin(protocol.SomeSeq(7))
	r.OnMeta(protocol.Meta{Chunks: 1})
	r.OnChunk(chunk(0, 1, 'x'))
	r.OnEnd(protocol.SomeSeq(7))

	res := waitResult(t, results)
	require.NoError(t, res.Err)
	assert.Equal(t, SourceManual, res.Asset.Meta.Source)
}

func TestBusyFailsTransfer(t *testing.T) {
	r, _, _, results := newTestReassembler(t)

	r.OnBusy()
	assert.Equal(t, Idle, r.State(), "BUSY with nothing open is ignored")

	require.NoError(t, r.Request(context.Background()))
	r.OnBusy()

	res := waitResult(t, results)
	assert.ErrorIs(t, res.Err, ErrDeviceBusy)
	assert.Equal(t, "device busy", res.Err.Error())
	assert.Equal(t, Error, r.State())

	require.NoError(t, r.Request(context.Background()), "a new request starts from Error")
	assert.Equal(t, Requesting, r.State())
}

func TestCancelEmitsNothing(t *testing.T) {
	r, _, store, results := newTestReassembler(t, WithTimeout(30*time.Millisecond))

	var states []State
	r.OnStateChange(func(s State, _ Progress) { states = append(states, s) })

	require.NoError(t, r.Request(context.Background()))
	r.OnMeta(protocol.Meta{Chunks: 1})
	r.Cancel()
	r.OnChunk(chunk(0, 1, 'a'))
	r.OnDone()

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, results)
	assert.Empty(t, store.saved)
	assert.Equal(t, []State{Requesting, Receiving, Idle}, states)
}

func TestSizeMismatchIsWarning(t *testing.T) {
	r, _, store, results := newTestReassembler(t)

	require.NoError(t, r.Request(context.Background()))
	r.OnMeta(protocol.Meta{Size: 10, Chunks: 1, Width: 320, Height: 240})
	r.OnChunk(chunk(0, 8, 'a'))
	r.OnDone()

	res := waitResult(t, results)
	require.NoError(t, res.Err)
	assert.ErrorIs(t, res.Warning, ErrSizeMismatch)
	assert.Equal(t, Done, r.State())
	require.Len(t, store.metas, 1)
	assert.Equal(t, 8, store.metas[0].Size)
	assert.Equal(t, 320, store.metas[0].Width)
	assert.Equal(t, 240, store.metas[0].Height)
}

func TestSaveFailureRetry(t *testing.T) {
	r, _, store, results := newTestReassembler(t)
	store.setFail(errors.New("disk full"))

	require.NoError(t, r.Request(context.Background()))
	r.OnMeta(protocol.Meta{Size: 3, Chunks: 1})
	r.OnChunk(chunk(0, 3, 'z'))
	r.OnDone()

	res := waitResult(t, results)
	assert.ErrorIs(t, res.Err, ErrSaveFailed)
	assert.Equal(t, "save failed: disk full", res.Err.Error())
	require.NotNil(t, res.Asset)
	assert.Equal(t, []byte("zzz"), res.Asset.Data)
	assert.Equal(t, Error, r.State())

	store.setFail(nil)
	require.NoError(t, r.RetrySave(context.Background()))
	res = waitResult(t, results)
	require.NoError(t, res.Err)
	assert.Equal(t, Done, r.State())
	assert.Equal(t, [][]byte{[]byte("zzz")}, store.saved)

	assert.ErrorIs(t, r.RetrySave(context.Background()), ErrNoPendingSave)
}

func TestRequestRejectedWhileActive(t *testing.T) {
	r, _, _, _ := newTestReassembler(t)

	require.NoError(t, r.Request(context.Background()))
	assert.ErrorIs(t, r.Request(context.Background()), ErrTransferActive)
}

func TestRequestSendFailureReturnsToIdle(t *testing.T) {
	r, sender, _, results := newTestReassembler(t)
	sender.err = errors.New("not connected")

	err := r.Request(context.Background())
	require.Error(t, err)
	assert.Equal(t, Idle, r.State())
	assert.Empty(t, results)
}

func TestInvalidMetaFails(t *testing.T) {
	r, _, _, results := newTestReassembler(t)

	require.NoError(t, r.Request(context.Background()))
	r.OnMeta(protocol.Meta{Size: 10, Chunks: 0})

	res := waitResult(t, results)
	assert.ErrorIs(t, res.Err, ErrInvalidMeta)
}

func TestSnapshotAttached(t *testing.T) {
	temp, hum := 21.5, 40.0
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	r, _, store, results := newTestReassembler(t,
		WithSnapshot(func() Snapshot {
			return Snapshot{MissionID: "m-1", Telemetry: &protocol.SensorReading{TemperatureC: &temp, HumidityPct: &hum, OK: true}}
		}),
		WithClock(func() time.Time { return at }),
	)

	r.OnBegin(protocol.NoSeq)
	r.OnMeta(protocol.Meta{Chunks: 1})
	r.OnChunk(chunk(0, 2, 'p'))
	r.OnDone()

	waitResult(t, results)
	require.Len(t, store.metas, 1)
	meta := store.metas[0]
	assert.Equal(t, "m-1", meta.MissionID)
	assert.Equal(t, at, meta.CapturedAt)
	require.NotNil(t, meta.Telemetry)
	assert.Equal(t, 21.5, *meta.Telemetry.TemperatureC)
}

func TestDeadlineFiresWhileListenerRuns(t *testing.T) {
	r, _, _, results := newTestReassembler(t, WithTimeout(10*time.Millisecond))

	var (
		mu     sync.Mutex
		states []State
		calls  int
	)
	r.OnStateChange(func(s State, _ Progress) {
		mu.Lock()
		calls++
		first := calls == 1
		states = append(states, s)
		mu.Unlock()
		if first {
			// the deadline expires while this listener still runs
			time.Sleep(50 * time.Millisecond)
		}
		r.Progress()
		r.State()
	})

	done := make(chan error, 1)
	go func() { done <- r.Request(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Request blocked behind its own state listener")
	}

	res := waitResult(t, results)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.Equal(t, Error, r.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Requesting, Error}, states)
}

func TestListenerMayCallBackIn(t *testing.T) {
	r, _, _, results := newTestReassembler(t)

	var progress []Progress
	r.OnStateChange(func(s State, p Progress) {
		progress = append(progress, p)
		if s == Error {
			r.Reset()
		}
	})

	require.NoError(t, r.Request(context.Background()))
	r.OnMeta(protocol.Meta{Size: 2, Chunks: 2})
	r.OnChunk(chunk(0, 1, 'a'))
	r.OnBusy()

	res := waitResult(t, results)
	assert.ErrorIs(t, res.Err, ErrDeviceBusy)
	assert.Equal(t, Idle, r.State(), "reset from inside the listener is applied")
	require.Len(t, progress, 4)
	assert.Equal(t, Progress{}, progress[0])
	assert.Equal(t, Progress{Total: 2}, progress[1])
	assert.Equal(t, Progress{}, progress[2], "the failed transfer is already closed")
}
