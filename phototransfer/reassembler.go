package phototransfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/rover-link/logger"
	"github.com/user/rover-link/protocol"
)

// DefaultTimeout is the inactivity deadline of an open transfer
const DefaultTimeout = 6 * time.Second

// Sender issues the capture request
type Sender interface {
	Send(ctx context.Context, cmd string) error
}

// Store persists a finished photo and returns its handle
type Store interface {
	Save(ctx context.Context, data []byte, meta AssetMeta) (string, error)
}

type options struct {
	timeout  time.Duration
	snapshot func() Snapshot
	now      func() time.Time
}

// Option configures a Reassembler
type Option func(*options)

// WithTimeout sets the inactivity deadline (default 6s)
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithSnapshot supplies the mission id and last telemetry reading stored
// alongside each photo
func WithSnapshot(fn func() Snapshot) Option {
	return func(o *options) { o.snapshot = fn }
}

// WithClock overrides the capture timestamp source
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type transfer struct {
	seq      protocol.Seq
	source   Source
	meta     *protocol.Meta
	slots    [][]byte
	received int
	bytes    int
}

// stateNotice is one transition with the progress at that moment
type stateNotice struct {
	state    State
	progress Progress
}

// notice collects callbacks to run once the lock is released
type notice struct {
	states []stateNotice
	result *Result
}

func (n notice) empty() bool { return len(n.states) == 0 && n.result == nil }

// Reassembler is the per-link photo transfer state machine. At most one
// transfer is open at a time. All event methods are safe to call from
// the notification path and never panic on unexpected input.
type Reassembler struct {
	sender Sender
	store  Store
	opts   options
	tracer trace.Tracer

	mu      sync.Mutex
	state   State
	err     error
	cur     *transfer
	gen     uint64 // bumped whenever the open transfer or pending save changes
	token   uint64 // identifies the armed deadline
	timer   *time.Timer
	pending *Asset
	warning error

	stateFn  func(State, Progress)
	resultFn func(Result)

	// notices wait here until the goroutine that is draining delivers them;
	// mu is never held while a listener runs
	queue    []notice
	draining bool
}

// New creates a reassembler that requests photos through sender and
// saves them to store
func New(sender Sender, store Store, opts ...Option) *Reassembler {
	o := options{timeout: DefaultTimeout, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Reassembler{
		sender: sender,
		store:  store,
		opts:   o,
		tracer: otel.Tracer("github.com/user/rover-link/phototransfer"),
	}
}

// OnStateChange sets the single state listener. Transitions are delivered
// in order with the progress at the time of the transition. A listener may
// call back into the reassembler; anything it triggers is delivered after
// it returns.
func (r *Reassembler) OnStateChange(fn func(State, Progress)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateFn = fn
}

// OnResult sets the single result listener
func (r *Reassembler) OnResult(fn func(Result)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resultFn = fn
}

// State returns the current state
func (r *Reassembler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error that put the reassembler in Error
func (r *Reassembler) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Progress reports chunk progress of the open transfer
func (r *Reassembler) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progressLocked()
}

func (r *Reassembler) progressLocked() Progress {
	if r.cur == nil || r.cur.meta == nil {
		return Progress{}
	}
	return Progress{Received: r.cur.received, Total: len(r.cur.slots), Bytes: r.cur.bytes}
}

// Request opens a transfer and asks the rover for a photo
func (r *Reassembler) Request(ctx context.Context) error {
	r.mu.Lock()
	if r.state.Active() || r.state == Saving {
		st := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransferActive, st)
	}
	var n notice
	r.openLocked(&n, protocol.NoSeq, SourceManual, Requesting)
	gen := r.gen
	r.unlockAndEmit(n)

	logger.Info("photo", "📸 requesting photo")
	if err := r.sender.Send(ctx, protocol.CmdCapture); err != nil {
		r.mu.Lock()
		var n notice
		if r.gen == gen {
			r.closeLocked()
			r.setStateLocked(&n, Idle)
		}
		r.unlockAndEmit(n)
		return fmt.Errorf("request photo: %w", err)
	}
	return nil
}

// OnBegin opens a transfer keyed by seq (PHOTO:START or PHOTO:BEGIN).
// A begin for a different seq than the open transfer is ignored; a
// matching one refreshes the deadline.
func (r *Reassembler) OnBegin(seq protocol.Seq) {
	r.mu.Lock()
	var n notice
	switch {
	case r.cur != nil && r.cur.seq == seq:
		r.armLocked()
	case r.cur != nil && !r.cur.seq.IsSet() && r.cur.meta == nil:
		// a requested transfer learns its seq from the first BEGIN
		r.cur.seq = seq
		r.setStateLocked(&n, Receiving)
		r.armLocked()
	case r.cur != nil:
		logger.Debug("photo", "ignoring BEGIN %s while transfer %s is open", seq, r.cur.seq)
	case r.state == Saving:
		logger.Warn("photo", "ignoring BEGIN %s while saving", seq)
	default:
		r.openLocked(&n, seq, SourceAuto, Receiving)
		logger.Info("photo", "rover began transfer %s", seq)
	}
	r.unlockAndEmit(n)
}

// OnMeta sizes the receive buffer of the open transfer
func (r *Reassembler) OnMeta(meta protocol.Meta) {
	r.mu.Lock()
	var n notice
	cur := r.cur
	switch {
	case cur == nil:
		logger.Debug("photo", "ignoring META with no open transfer")
	case meta.Seq.IsSet() && cur.seq.IsSet() && meta.Seq != cur.seq:
		logger.Debug("photo", "ignoring META for seq %s, open transfer is %s", meta.Seq, cur.seq)
	case meta.Chunks <= 0 || meta.Chunks > protocol.MaxChunks:
		r.failLocked(&n, fmt.Errorf("%w: chunks=%d", ErrInvalidMeta, meta.Chunks))
	default:
		if !cur.seq.IsSet() {
			cur.seq = meta.Seq
		}
		m := meta
		cur.meta = &m
		cur.slots = make([][]byte, meta.Chunks)
		cur.received, cur.bytes = 0, 0
		r.setStateLocked(&n, Receiving)
		r.armLocked()
		logger.Debug("photo", "META size=%d chunks=%d", meta.Size, meta.Chunks)
	}
	r.unlockAndEmit(n)
}

// OnChunk stores one chunk payload. Chunks before META, out of range or
// already received are ignored. A seq one past the last slot is taken as
// 1-based numbering and stored one slot lower.
func (r *Reassembler) OnChunk(frame protocol.ChunkFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.cur
	if cur == nil || cur.meta == nil {
		return
	}
	idx, total := int(frame.Seq), len(cur.slots)
	if idx >= total && idx-1 >= 0 && idx-1 < total {
		idx--
	}
	if idx >= total || cur.slots[idx] != nil {
		return
	}
	payload := make([]byte, len(frame.Payload))
	copy(payload, frame.Payload)
	cur.slots[idx] = payload
	cur.received++
	cur.bytes += len(payload)
	r.armLocked()
	logger.Trace("photo", "chunk %d/%d (%d bytes)", cur.received, total, len(payload))
}

// OnDone completes the open transfer whatever its seq (DONE, PHOTO:DONE)
func (r *Reassembler) OnDone() {
	r.mu.Lock()
	if r.cur == nil {
		r.mu.Unlock()
		return
	}
	r.completeLocked()
}

// OnEnd completes the open transfer if seq matches it (PHOTO:END)
func (r *Reassembler) OnEnd(seq protocol.Seq) {
	r.mu.Lock()
	if r.cur == nil || r.cur.seq != seq {
		r.mu.Unlock()
		return
	}
	r.completeLocked()
}

// OnBusy fails the open transfer: the rover refused the capture
func (r *Reassembler) OnBusy() {
	r.mu.Lock()
	var n notice
	if r.cur != nil {
		r.failLocked(&n, ErrDeviceBusy)
	}
	r.unlockAndEmit(n)
}

// Cancel drops any open transfer or pending save and returns to Idle
// without reporting a result
func (r *Reassembler) Cancel() {
	r.mu.Lock()
	var n notice
	r.closeLocked()
	r.pending, r.warning, r.err = nil, nil, nil
	r.gen++
	r.setStateLocked(&n, Idle)
	r.unlockAndEmit(n)
}

// Reset clears a finished transfer (Done or Error) back to Idle
func (r *Reassembler) Reset() {
	r.mu.Lock()
	var n notice
	if r.state == Done || r.state == Error {
		r.pending, r.warning, r.err = nil, nil, nil
		r.gen++
		r.setStateLocked(&n, Idle)
	}
	r.unlockAndEmit(n)
}

// RetrySave saves the bytes of a transfer whose save failed
func (r *Reassembler) RetrySave(ctx context.Context) error {
	r.mu.Lock()
	if r.state != Error || r.pending == nil {
		r.mu.Unlock()
		return ErrNoPendingSave
	}
	var n notice
	r.gen++
	gen := r.gen
	r.err = nil
	r.setStateLocked(&n, Saving)
	r.unlockAndEmit(n)
	return r.save(ctx, gen)
}

// completeLocked assembles the open transfer and starts the save.
// Called with mu held; releases it.
func (r *Reassembler) completeLocked() {
	var n notice
	cur := r.cur
	if cur.meta == nil || cur.received < len(cur.slots) {
		received, total := cur.received, len(cur.slots)
		r.failLocked(&n, fmt.Errorf("%w: %d of %d chunks", ErrIncompleteTransfer, received, total))
		r.unlockAndEmit(n)
		return
	}

	data := make([]byte, 0, cur.bytes)
	for _, s := range cur.slots {
		data = append(data, s...)
	}
	var warning error
	if cur.meta.Size > 0 && len(data) != cur.meta.Size {
		warning = fmt.Errorf("%w: got %d bytes, META said %d", ErrSizeMismatch, len(data), cur.meta.Size)
		logger.Warn("photo", "%v", warning)
	}

	meta := AssetMeta{
		Seq:        cur.seq,
		Size:       len(data),
		Width:      cur.meta.Width,
		Height:     cur.meta.Height,
		CapturedAt: r.opts.now(),
		Source:     cur.source,
	}
	if r.opts.snapshot != nil {
		snap := r.opts.snapshot()
		meta.MissionID, meta.ObstacleID, meta.Telemetry = snap.MissionID, snap.ObstacleID, snap.Telemetry
	}

	r.closeLocked()
	r.pending = &Asset{Data: data, Meta: meta}
	r.warning = warning
	r.gen++
	gen := r.gen
	r.setStateLocked(&n, Saving)
	r.unlockAndEmit(n)

	logger.Info("photo", "✅ received %d bytes in %d chunks", len(data), len(cur.slots))
	go r.save(context.Background(), gen)
}

func (r *Reassembler) save(ctx context.Context, gen uint64) error {
	r.mu.Lock()
	asset := r.pending
	if asset == nil || r.gen != gen {
		r.mu.Unlock()
		return ErrNoPendingSave
	}
	r.mu.Unlock()

	ctx, span := r.tracer.Start(ctx, "phototransfer.save", trace.WithAttributes(
		attribute.Int("photo.bytes", len(asset.Data)),
		attribute.String("photo.source", string(asset.Meta.Source)),
	))
	handle, err := r.store.Save(ctx, asset.Data, asset.Meta)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	r.mu.Lock()
	if r.gen != gen || r.pending != asset {
		r.mu.Unlock()
		return err
	}
	var n notice
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSaveFailed, err)
		logger.Error("photo", "%v", err)
		r.err = err
		r.setStateLocked(&n, Error)
		n.result = &Result{Asset: asset, Err: err}
	} else {
		logger.Info("photo", "💾 saved photo as %s", handle)
		r.pending = nil
		r.setStateLocked(&n, Done)
		n.result = &Result{Handle: handle, Asset: asset, Warning: r.warning}
	}
	r.unlockAndEmit(n)
	return err
}

func (r *Reassembler) openLocked(n *notice, seq protocol.Seq, src Source, st State) {
	r.closeLocked()
	r.pending, r.warning, r.err = nil, nil, nil
	r.gen++
	r.cur = &transfer{seq: seq, source: src}
	r.setStateLocked(n, st)
	r.armLocked()
}

func (r *Reassembler) closeLocked() {
	r.cur = nil
	r.token++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Reassembler) failLocked(n *notice, err error) {
	logger.Warn("photo", "❌ transfer failed: %v", err)
	r.closeLocked()
	r.gen++
	r.err = err
	r.setStateLocked(n, Error)
	n.result = &Result{Err: err}
}

func (r *Reassembler) armLocked() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.token++
	token := r.token
	r.timer = time.AfterFunc(r.opts.timeout, func() { r.expire(token) })
}

func (r *Reassembler) expire(token uint64) {
	r.mu.Lock()
	var n notice
	if r.token == token && r.cur != nil {
		r.failLocked(&n, ErrTimeout)
	}
	r.unlockAndEmit(n)
}

func (r *Reassembler) setStateLocked(n *notice, s State) {
	if r.state == s {
		return
	}
	logger.Debug("photo", "state %s → %s", r.state, s)
	r.state = s
	n.states = append(n.states, stateNotice{state: s, progress: r.progressLocked()})
}

// unlockAndEmit queues n and releases mu. The first caller to find the
// queue idle delivers everything queued, in order, dropping mu around each
// listener call; later callers return at once.
func (r *Reassembler) unlockAndEmit(n notice) {
	if !n.empty() {
		r.queue = append(r.queue, n)
	}
	if r.draining || len(r.queue) == 0 {
		r.mu.Unlock()
		return
	}
	r.draining = true
	for len(r.queue) > 0 {
		next := r.queue[0]
		r.queue = r.queue[1:]
		stateFn, resultFn := r.stateFn, r.resultFn
		r.mu.Unlock()
		deliver(next, stateFn, resultFn)
		r.mu.Lock()
	}
	r.queue = nil
	r.draining = false
	r.mu.Unlock()
}

func deliver(n notice, stateFn func(State, Progress), resultFn func(Result)) {
	defer func() {
		if v := recover(); v != nil {
			logger.Error("photo", "💥 listener panicked: %v", v)
		}
	}()
	if stateFn != nil {
		for _, sn := range n.states {
			stateFn(sn.state, sn.progress)
		}
	}
	if n.result != nil && resultFn != nil {
		resultFn(*n.result)
	}
}
