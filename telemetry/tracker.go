// Package telemetry keeps the last sensor reading reported by the rover
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/user/rover-link/logger"
	"github.com/user/rover-link/protocol"
)

// Reading is a sensor reading and when it arrived
type Reading struct {
	protocol.SensorReading
	At time.Time `json:"at"`
}

// Sender issues the sensor request
type Sender interface {
	Send(ctx context.Context, cmd string) error
}

// Tracker holds the most recent reading
type Tracker struct {
	mu   sync.RWMutex
	last *Reading
	fn   func(Reading)
	now  func() time.Time
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// OnReading sets the single reading listener
func (t *Tracker) OnReading(fn func(Reading)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fn = fn
}

// Observe records line if it is a sensor line and reports whether it was
func (t *Tracker) Observe(line protocol.Line) bool {
	if line.Kind != protocol.KindSensor {
		return false
	}
	sr, ok := protocol.ParseSensor(line.Text)
	if !ok {
		return false
	}

	t.mu.Lock()
	r := Reading{SensorReading: sr, At: t.now()}
	t.last = &r
	fn := t.fn
	t.mu.Unlock()

	logger.Debug("telemetry", "🌡️  %s", line.Text)
	if fn != nil {
		fn(r)
	}
	return true
}

// Last returns the most recent reading
func (t *Tracker) Last() (Reading, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.last == nil {
		return Reading{}, false
	}
	return *t.last, true
}

// Snapshot returns a copy of the last reading for attaching to a photo,
// or nil when none arrived yet
func (t *Tracker) Snapshot() *protocol.SensorReading {
	r, ok := t.Last()
	if !ok {
		return nil
	}
	sr := r.SensorReading
	return &sr
}

// Poll asks for a reading every interval until ctx ends. Failed requests
// are logged at debug level; the link may simply be down.
func (t *Tracker) Poll(ctx context.Context, s Sender, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Send(ctx, protocol.CmdHumidity); err != nil {
				logger.Debug("telemetry", "sensor request failed: %v", err)
			}
		}
	}
}
