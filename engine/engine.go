// Package engine composes the rover link: it routes notifications from the
// connection manager through the demultiplexer to the photo reassembler,
// command channel, telemetry tracker and mission runner, and tears the
// session state down when the link goes away.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/rover-link/command"
	"github.com/user/rover-link/demux"
	"github.com/user/rover-link/link"
	"github.com/user/rover-link/logger"
	"github.com/user/rover-link/metrics"
	"github.com/user/rover-link/mission"
	"github.com/user/rover-link/phototransfer"
	"github.com/user/rover-link/protocol"
	"github.com/user/rover-link/telemetry"
	"github.com/user/rover-link/wire"
)

var allLinkStates = []string{
	link.Idle.String(),
	link.Scanning.String(),
	link.Connecting.String(),
	link.Connected.String(),
	link.Disconnected.String(),
	link.Reconnecting.String(),
}

// Status is a point-in-time view of every component
type Status struct {
	Link          string                 `json:"link"`
	Remote        *link.Device           `json:"remote,omitempty"`
	MTU           int                    `json:"mtu,omitempty"`
	LastDirection string                 `json:"last_direction,omitempty"`
	KeepAlive     string                 `json:"keepalive,omitempty"`
	Photo         string                 `json:"photo"`
	Progress      phototransfer.Progress `json:"progress"`
	Mission       string                 `json:"mission"`
	MissionID     string                 `json:"mission_id,omitempty"`
	Telemetry     *telemetry.Reading     `json:"telemetry,omitempty"`
	Notifications demux.Stats            `json:"notifications"`
	Commands      command.Stats          `json:"commands"`
	DroppedEvents uint64                 `json:"dropped_events"`
}

// Engine owns one rover session and everything that hangs off it
type Engine struct {
	link      *link.Manager
	demux     *demux.Demux
	commands  *command.Channel
	photos    *phototransfer.Reassembler
	telemetry *telemetry.Tracker
	mission   *mission.Runner
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	events    *hub

	mu            sync.Mutex
	prevState     link.State
	transferStart time.Time
	waiters       []chan phototransfer.Result

	closeOnce sync.Once
}

// New builds an engine over radio, saving photos to store
func New(radio wire.Radio, store phototransfer.Store, opts ...Option) *Engine {
	o := options{transferTimeout: phototransfer.DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		link:      link.NewManager(radio, o.linkOpts...),
		demux:     demux.New(),
		telemetry: telemetry.NewTracker(),
		metrics:   o.metrics,
		tracer:    otel.Tracer("github.com/user/rover-link/engine"),
		events:    newHub(),
	}
	e.commands = command.NewChannel(e.link)
	e.photos = phototransfer.New(e.commands, store,
		phototransfer.WithTimeout(o.transferTimeout),
		phototransfer.WithSnapshot(e.snapshot),
	)
	e.mission = mission.NewRunner(e.commands, e.photos, o.missionOpts...)

	e.link.SetNotificationHandler(e.demux.Dispatch)
	e.link.OnStateChange(e.handleLinkState)
	e.demux.OnText(e.handleLine)
	e.demux.OnDirection(e.handleDirection)
	e.demux.OnChunk(e.photos.OnChunk)
	e.demux.OnTransfer(e.photos)
	e.photos.OnStateChange(e.handleTransferState)
	e.photos.OnResult(e.handleResult)
	e.telemetry.OnReading(e.handleReading)
	e.mission.OnEnded(e.handleMissionEnded)

	if e.metrics != nil {
		e.metrics.SetLinkState(link.Idle.String(), allLinkStates)
	}
	return e
}

func (e *Engine) Link() *link.Manager                { return e.link }
func (e *Engine) Commands() *command.Channel         { return e.commands }
func (e *Engine) Photos() *phototransfer.Reassembler { return e.photos }
func (e *Engine) Telemetry() *telemetry.Tracker      { return e.telemetry }
func (e *Engine) Mission() *mission.Runner           { return e.mission }

// Subscribe returns a feed of engine events and a function that ends it.
// Events are dropped for a subscriber whose buffer is full.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.events.subscribe(buffer)
}

func (e *Engine) emit(kind Kind, data map[string]interface{}) {
	e.events.publish(Event{Kind: kind, At: time.Now(), Data: data})
}

// snapshot is taken by the reassembler under its lock; the runner and
// tracker locks nest inside it
func (e *Engine) snapshot() phototransfer.Snapshot {
	missionID, obstacleID := e.mission.Snapshot()
	return phototransfer.Snapshot{
		MissionID:  missionID,
		ObstacleID: obstacleID,
		Telemetry:  e.telemetry.Snapshot(),
	}
}

func (e *Engine) handleLinkState(s link.State) {
	e.mu.Lock()
	prev := e.prevState
	e.prevState = s
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SetLinkState(s.String(), allLinkStates)
		if s == link.Connected && prev == link.Reconnecting {
			e.metrics.Reconnects.Inc()
		}
	}

	// session teardown: nothing from the old session may act on a new one
	if prev == link.Connected && s != link.Connected {
		e.commands.Halt()
		e.photos.Cancel()
		e.mission.Reset()
		if e.metrics != nil {
			e.metrics.KeepAliveActive.Set(0)
		}
		e.failWaiters(link.ErrNotConnected)
	}

	data := map[string]interface{}{"state": s.String(), "previous": prev.String()}
	if s == link.Connected {
		if info, ok := e.link.Session(); ok {
			data["address"] = info.Remote.Address
			data["name"] = info.Remote.Name
			data["mtu"] = info.MTU
		}
	}
	if s == link.Reconnecting {
		data["attempt"] = e.link.ReconnectAttempts() + 1
	}
	e.emit(KindState, data)
}

func (e *Engine) handleLine(line protocol.Line) {
	if e.metrics != nil {
		e.metrics.Notifications.WithLabelValues(line.Kind.String()).Inc()
	}
	e.telemetry.Observe(line)
	e.mission.Observe(line)
	if line.Kind == protocol.KindMission {
		e.emit(KindMission, map[string]interface{}{"event": line.Mission.Name, "text": line.Text})
	}
	e.emit(KindLine, map[string]interface{}{"kind": line.Kind.String(), "text": line.Text})
}

func (e *Engine) handleDirection(d protocol.Direction) {
	e.commands.ObserveEcho(d)
	e.emit(KindDirection, map[string]interface{}{"direction": d.String()})
}

func (e *Engine) handleTransferState(s phototransfer.State, p phototransfer.Progress) {
	if s.Active() {
		e.mu.Lock()
		if e.transferStart.IsZero() {
			e.transferStart = time.Now()
		}
		e.mu.Unlock()
	}
	if s == phototransfer.Idle {
		e.mu.Lock()
		e.transferStart = time.Time{}
		e.mu.Unlock()
	}
	e.emit(KindTransfer, map[string]interface{}{
		"state":    s.String(),
		"received": p.Received,
		"total":    p.Total,
	})
}

func (e *Engine) handleResult(res phototransfer.Result) {
	e.mission.PhotoSaved(res)

	e.mu.Lock()
	started := e.transferStart
	e.transferStart = time.Time{}
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.Transfers.WithLabelValues(resultLabel(res)).Inc()
		if !started.IsZero() {
			e.metrics.TransferDuration.Observe(time.Since(started).Seconds())
		}
		if res.Err == nil && res.Asset != nil {
			e.metrics.PhotoBytes.Add(float64(len(res.Asset.Data)))
		}
	}

	data := map[string]interface{}{"result": resultLabel(res)}
	if res.Handle != "" {
		data["id"] = res.Handle
	}
	if res.Asset != nil {
		m := res.Asset.Meta
		data["size"] = m.Size
		data["source"] = string(m.Source)
		if m.MissionID != "" {
			data["mission_id"] = m.MissionID
		}
		if m.ObstacleID != "" {
			data["obstacle_id"] = m.ObstacleID
		}
	}
	if res.Err != nil {
		data["error"] = res.Err.Error()
	}
	if res.Warning != nil {
		data["warning"] = res.Warning.Error()
	}
	e.emit(KindPhoto, data)

	for _, w := range waiters {
		w <- res
	}
}

func resultLabel(res phototransfer.Result) string {
	switch {
	case res.Err == nil && res.Warning != nil:
		return "warning"
	case res.Err == nil:
		return "ok"
	case errors.Is(res.Err, phototransfer.ErrTimeout):
		return "timeout"
	case errors.Is(res.Err, phototransfer.ErrDeviceBusy):
		return "busy"
	case errors.Is(res.Err, phototransfer.ErrIncompleteTransfer):
		return "incomplete"
	case errors.Is(res.Err, phototransfer.ErrInvalidMeta):
		return "invalid_meta"
	case errors.Is(res.Err, phototransfer.ErrSaveFailed):
		return "save_failed"
	}
	return "error"
}

func (e *Engine) failWaiters(err error) {
	e.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()
	for _, w := range waiters {
		w <- phototransfer.Result{Err: err}
	}
}

func (e *Engine) handleReading(r telemetry.Reading) {
	data := map[string]interface{}{"ok": r.OK}
	if r.TemperatureC != nil {
		data["temperature_c"] = *r.TemperatureC
		if e.metrics != nil {
			e.metrics.Temperature.Set(*r.TemperatureC)
		}
	}
	if r.HumidityPct != nil {
		data["humidity_pct"] = *r.HumidityPct
		if e.metrics != nil {
			e.metrics.Humidity.Set(*r.HumidityPct)
		}
	}
	e.emit(KindTelemetry, data)
}

func (e *Engine) handleMissionEnded(s mission.Summary) {
	e.emit(KindMission, map[string]interface{}{
		"event":      "ended",
		"mission_id": s.MissionID,
		"reason":     s.Reason,
		"obstacles":  s.Obstacles,
		"photos":     s.Photos,
		"duration":   s.Duration.String(),
	})
}

// Scan looks for rovers for the configured scan window
func (e *Engine) Scan(ctx context.Context, filter link.ScanFilter, onFound func(link.Device)) ([]link.Device, error) {
	return e.link.Scan(ctx, filter, onFound)
}

// Connect opens a session to dev
func (e *Engine) Connect(ctx context.Context, dev link.Device) error {
	return e.link.Connect(ctx, dev)
}

// Disconnect ends the session; the link listener tears the rest down
func (e *Engine) Disconnect(ctx context.Context) {
	e.commands.Halt()
	e.link.Disconnect(ctx)
}

// Send writes one command and records the outcome
func (e *Engine) Send(ctx context.Context, cmd string) error {
	err := e.commands.Send(ctx, cmd)
	if e.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		e.metrics.CommandsSent.WithLabelValues(outcome).Inc()
	}
	return err
}

// Servo points a camera servo
func (e *Engine) Servo(ctx context.Context, ch protocol.ServoChannel, angle int) error {
	return e.commands.Servo(ctx, ch, angle)
}

// StartKeepAlive repeats cmd every interval (0 for the default)
func (e *Engine) StartKeepAlive(ctx context.Context, cmd string, interval time.Duration) error {
	if err := e.commands.StartKeepAlive(ctx, cmd, interval); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.KeepAliveActive.Set(1)
	}
	return nil
}

// StopKeepAlive stops the repeater and sends a stop
func (e *Engine) StopKeepAlive(ctx context.Context) error {
	if e.metrics != nil {
		e.metrics.KeepAliveActive.Set(0)
	}
	return e.commands.StopKeepAlive(ctx)
}

// Capture asks the rover for a photo; the result arrives as a photo event
func (e *Engine) Capture(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.capture")
	defer span.End()
	if e.link.State() != link.Connected {
		span.SetStatus(codes.Error, link.ErrNotConnected.Error())
		return link.ErrNotConnected
	}
	if err := e.photos.Request(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// CaptureAndWait requests a photo and blocks until its result or ctx ends
func (e *Engine) CaptureAndWait(ctx context.Context) (phototransfer.Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.capture_and_wait")
	defer span.End()

	w := make(chan phototransfer.Result, 1)
	e.mu.Lock()
	e.waiters = append(e.waiters, w)
	e.mu.Unlock()

	if err := e.Capture(ctx); err != nil {
		e.dropWaiter(w)
		return phototransfer.Result{}, err
	}

	select {
	case res := <-w:
		if res.Handle != "" {
			span.SetAttributes(attribute.String("photo.id", res.Handle))
		}
		return res, res.Err
	case <-ctx.Done():
		e.dropWaiter(w)
		return phototransfer.Result{}, fmt.Errorf("waiting for photo: %w", ctx.Err())
	}
}

func (e *Engine) dropWaiter(w chan phototransfer.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, c := range e.waiters {
		if c == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

// StartMission puts the rover in autonomous mode
func (e *Engine) StartMission(ctx context.Context, id string) error {
	if err := e.mission.Start(ctx, id); err != nil {
		return err
	}
	e.emit(KindMission, map[string]interface{}{"event": "started", "mission_id": id})
	return nil
}

// StopMission pauses the rover and ends the mission
func (e *Engine) StopMission(ctx context.Context) error {
	return e.mission.Stop(ctx)
}

// Status collects the current view of every component
func (e *Engine) Status() Status {
	st := Status{
		Link:          e.link.State().String(),
		Photo:         e.photos.State().String(),
		Progress:      e.photos.Progress(),
		Mission:       e.mission.State().String(),
		Notifications: e.demux.Stats(),
		Commands:      e.commands.Stats(),
		DroppedEvents: e.events.dropped.Load(),
	}
	if info, ok := e.link.Session(); ok {
		remote := info.Remote
		st.Remote = &remote
		st.MTU = info.MTU
	}
	if d := e.commands.LastDirection(); d != 0 {
		st.LastDirection = d.String()
	}
	if cmd, ok := e.commands.KeepAliveActive(); ok {
		st.KeepAlive = cmd
	}
	st.MissionID, _ = e.mission.Snapshot()
	if r, ok := e.telemetry.Last(); ok {
		st.Telemetry = &r
	}
	return st
}

// Close disconnects and ends every event feed. The engine is unusable afterwards.
func (e *Engine) Close(ctx context.Context) {
	e.closeOnce.Do(func() {
		if err := e.mission.Stop(ctx); err != nil {
			logger.Debug("engine", "stopping mission on close: %v", err)
		}
		e.link.Disconnect(ctx)
		e.commands.Halt()
		e.photos.Cancel()
		e.demux.Clear()
		e.link.SetNotificationHandler(nil)
		e.events.close()
		logger.Info("engine", "🛑 engine closed")
	})
}
