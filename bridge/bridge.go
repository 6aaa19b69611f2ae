// Package bridge mirrors a rover session onto shared infrastructure:
// events go out on NATS, commands come back in on NATS, and Redis holds a
// session registry entry plus a shadow of the rover's last known state.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/user/rover-link/engine"
	"github.com/user/rover-link/logger"
)

const (
	// SessionTTL is how long the session key lives without events
	SessionTTL = 300 * time.Second
	// ShadowTTL is how long the shadow hash outlives the last event
	ShadowTTL = 24 * time.Hour
)

// Conn is the part of *nats.Conn the bridge uses
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// KV is the part of *redis.Client the bridge uses
type KV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Option configures a Bridge
type Option func(*Bridge)

// WithNATS publishes events and accepts commands over nc
func WithNATS(nc Conn) Option {
	return func(b *Bridge) { b.nc = nc }
}

// WithRedis keeps the session registry and shadow in kv
func WithRedis(kv KV) Option {
	return func(b *Bridge) { b.kv = kv }
}

// WithController routes downlink commands to c
func WithController(c Controller) Option {
	return func(b *Bridge) { b.ctrl = c }
}

// Bridge forwards engine events for one rover
type Bridge struct {
	roverID string
	nc      Conn
	kv      KV
	ctrl    Controller
	seq     atomic.Uint64

	mu        sync.Mutex
	sub       *nats.Subscription
	connected bool
}

// New creates a bridge for roverID. Without NATS or Redis options the
// corresponding side is skipped.
func New(roverID string, opts ...Option) *Bridge {
	b := &Bridge{roverID: roverID}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subject returns the NATS subject for kind
func (b *Bridge) Subject(kind string) string {
	return fmt.Sprintf("rover.%s.%s", b.roverID, kind)
}

// SessionKey is the Redis key of the session registry entry
func (b *Bridge) SessionKey() string {
	return fmt.Sprintf("rover:sess:%s", b.roverID)
}

// ShadowKey is the Redis key of the state shadow hash
func (b *Bridge) ShadowKey() string {
	return fmt.Sprintf("rover:shadow:%s", b.roverID)
}

// Start subscribes to the command subject when NATS and a controller are set
func (b *Bridge) Start() error {
	if b.nc == nil || b.ctrl == nil {
		return nil
	}
	sub, err := b.nc.Subscribe(b.Subject("command"), b.handleCommand)
	if err != nil {
		return fmt.Errorf("failed to subscribe to commands: %w", err)
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	logger.Info("bridge", "📡 listening for commands on %s", b.Subject("command"))
	return nil
}

// Run forwards events until ctx ends or the feed closes
func (b *Bridge) Run(ctx context.Context, events <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := b.HandleEvent(ctx, ev); err != nil {
				logger.Warn("bridge", "⚠️  %s event: %v", ev.Kind, err)
			}
		}
	}
}

// HandleEvent publishes ev and updates the Redis view
func (b *Bridge) HandleEvent(ctx context.Context, ev engine.Event) error {
	var firstErr error
	if b.nc != nil {
		if err := b.publish(ev); err != nil {
			firstErr = err
		}
	}
	if b.kv != nil {
		if err := b.record(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Bridge) publish(ev engine.Event) error {
	msg, err := EncodeEnvelope(b.roverID, b.seq.Add(1), ev)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.Subject(string(ev.Kind)), msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	if err := b.nc.Publish("rover.all", msg); err != nil {
		return fmt.Errorf("publish rover.all: %w", err)
	}
	logger.Trace("bridge", "published %s", ev.Kind)
	return nil
}

func (b *Bridge) record(ctx context.Context, ev engine.Event) error {
	shadow := []interface{}{"ts", ev.At.Unix()}

	switch ev.Kind {
	case engine.KindState:
		state, _ := ev.Data["state"].(string)
		shadow = append(shadow, "link", state)
		switch state {
		case "connected":
			if err := b.registerSession(ctx, ev); err != nil {
				return err
			}
		case "idle":
			b.mu.Lock()
			b.connected = false
			b.mu.Unlock()
			if err := b.kv.Del(ctx, b.SessionKey()).Err(); err != nil {
				return fmt.Errorf("failed to remove session: %w", err)
			}
		}
	case engine.KindTelemetry:
		for _, k := range []string{"temperature_c", "humidity_pct"} {
			if v, ok := ev.Data[k]; ok {
				shadow = append(shadow, k, v)
			}
		}
		shadow = append(shadow, "telemetry_at", ev.At.Unix())
	case engine.KindPhoto:
		shadow = append(shadow, "last_photo_result", ev.Data["result"])
		if id, ok := ev.Data["id"]; ok {
			shadow = append(shadow, "last_photo", id, "last_photo_at", ev.At.Unix())
		}
	case engine.KindMission:
		shadow = append(shadow, "mission", ev.Data["event"])
	case engine.KindDirection:
		shadow = append(shadow, "direction", ev.Data["direction"])
	}

	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if connected {
		b.kv.Expire(ctx, b.SessionKey(), SessionTTL)
	}

	if err := b.kv.HSet(ctx, b.ShadowKey(), shadow...).Err(); err != nil {
		return fmt.Errorf("failed to update shadow: %w", err)
	}
	b.kv.Expire(ctx, b.ShadowKey(), ShadowTTL)
	return nil
}

func (b *Bridge) registerSession(ctx context.Context, ev engine.Event) error {
	value, err := json.Marshal(map[string]interface{}{
		"rover":        b.roverID,
		"address":      ev.Data["address"],
		"name":         ev.Data["name"],
		"mtu":          ev.Data["mtu"],
		"connected_at": ev.At.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if err := b.kv.Set(ctx, b.SessionKey(), value, SessionTTL).Err(); err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	logger.Info("bridge", "📝 session registered: %s", b.SessionKey())
	return nil
}

// Stop drops the command subscription and the session entry
func (b *Bridge) Stop(ctx context.Context) {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.connected = false
	b.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			logger.Debug("bridge", "unsubscribe: %v", err)
		}
	}
	if b.kv != nil {
		b.kv.Del(ctx, b.SessionKey())
	}
}
