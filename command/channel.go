// Package command sends motion and control commands to the rover and keeps
// the rover's fail-safe fed with a repeating keep-alive.
package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/rover-link/link"
	"github.com/user/rover-link/logger"
	"github.com/user/rover-link/protocol"
)

const (
	// DefaultKeepAliveInterval keeps well inside the rover's fail-safe window
	DefaultKeepAliveInterval = 100 * time.Millisecond
	// MaxKeepAliveInterval is the rover's fail-safe window; intervals must be below it
	MaxKeepAliveInterval = protocol.FailSafeWindow * time.Millisecond
	// ServoMinGap limits servo commands to 10 per second
	ServoMinGap = 100 * time.Millisecond
)

var (
	ErrWriteFailed     = errors.New("write failed")
	ErrInvalidInterval = errors.New("keep-alive interval must be between 0 and the fail-safe window")
	ErrRateLimited     = errors.New("servo command dropped by rate limit")
)

// Link is the session write primitive (satisfied by *link.Manager)
type Link interface {
	WriteWithoutResponse(data []byte) error
	Write(ctx context.Context, data []byte) error
}

// Stats counts outbound traffic
type Stats struct {
	Sent           uint64 `json:"sent"`
	Fallbacks      uint64 `json:"fallbacks"`
	Failed         uint64 `json:"failed"`
	KeepAliveTicks uint64 `json:"keepalive_ticks"`
	TickFailures   uint64 `json:"tick_failures"`
}

type keepAlive struct {
	cmd      string
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// Channel serializes commands onto the link
type Channel struct {
	link Link

	// kaMu guards the keep-alive lifecycle
	kaMu sync.Mutex
	ka   *keepAlive

	mu        sync.Mutex
	last      protocol.Direction
	lastServo time.Time
	now       func() time.Time

	sent, fallbacks, failed, ticks, tickFailures atomic.Uint64
}

// NewChannel creates a channel writing to l
func NewChannel(l Link) *Channel {
	return &Channel{link: l, now: time.Now}
}

// Send encodes cmd with the terminator rule and writes it. The write goes
// out without response first and falls back to an acknowledged write.
// link.ErrNotConnected is returned as is; any other failure of both
// writes is ErrWriteFailed.
func (c *Channel) Send(ctx context.Context, cmd string) error {
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	werr := c.link.WriteWithoutResponse(data)
	if errors.Is(werr, link.ErrNotConnected) {
		return werr
	}
	if werr != nil {
		c.fallbacks.Add(1)
		logger.Trace("command", "write without response failed (%v), retrying with response", werr)
		if ferr := c.link.Write(ctx, data); ferr != nil {
			if errors.Is(ferr, link.ErrNotConnected) {
				return ferr
			}
			c.failed.Add(1)
			return fmt.Errorf("%w: %q: %v; fallback: %w", ErrWriteFailed, cmd, werr, ferr)
		}
	}

	c.sent.Add(1)
	if d, ok := protocol.ParseDirection(cmd); ok {
		c.ObserveEcho(d)
	}
	logger.Trace("command", "📤 %q", cmd)
	return nil
}

// ObserveEcho records a direction code, either sent by us or echoed by
// the rover
func (c *Channel) ObserveEcho(d protocol.Direction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = d.Effective()
}

// LastDirection returns the last direction sent or echoed
func (c *Channel) LastDirection() protocol.Direction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Servo sends a clamped servo angle. Calls faster than ServoMinGap are
// dropped with ErrRateLimited.
func (c *Channel) Servo(ctx context.Context, ch protocol.ServoChannel, angle int) error {
	c.mu.Lock()
	now := c.now()
	if !c.lastServo.IsZero() && now.Sub(c.lastServo) < ServoMinGap {
		c.mu.Unlock()
		return ErrRateLimited
	}
	c.lastServo = now
	c.mu.Unlock()
	return c.Send(ctx, protocol.ServoCommand(ch, angle))
}

// StartKeepAlive replaces any running keep-alive: it sends cmd at once and
// then every interval until stopped. A zero interval means the default.
// Tick failures are logged and the repeat continues.
func (c *Channel) StartKeepAlive(ctx context.Context, cmd string, interval time.Duration) error {
	if interval == 0 {
		interval = DefaultKeepAliveInterval
	}
	if interval < 0 || interval >= MaxKeepAliveInterval {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}

	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	c.stopLocked()

	if err := c.Send(ctx, cmd); err != nil {
		return err
	}

	kctx, cancel := context.WithCancel(context.Background())
	ka := &keepAlive{cmd: cmd, interval: interval, cancel: cancel, done: make(chan struct{})}
	c.ka = ka
	go c.repeat(kctx, ka)
	logger.Debug("command", "keep-alive %q every %s", cmd, interval)
	return nil
}

func (c *Channel) repeat(ctx context.Context, ka *keepAlive) {
	defer close(ka.done)
	ticker := time.NewTicker(ka.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ticks.Add(1)
			if err := c.Send(ctx, ka.cmd); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.tickFailures.Add(1)
				logger.Warn("command", "keep-alive tick %q failed: %v", ka.cmd, err)
			}
		}
	}
}

// StopKeepAlive cancels the keep-alive and sends one final stop. It does
// nothing when no keep-alive is running.
func (c *Channel) StopKeepAlive(ctx context.Context) error {
	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	if !c.stopLocked() {
		return nil
	}
	logger.Debug("command", "keep-alive stopped, sending %s", protocol.CmdStop)
	return c.Send(ctx, protocol.CmdStop)
}

// Halt cancels the keep-alive without sending anything. Used when the
// session is already gone.
func (c *Channel) Halt() {
	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	c.stopLocked()
}

// KeepAliveActive reports whether a keep-alive is running, and its command
func (c *Channel) KeepAliveActive() (string, bool) {
	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	if c.ka == nil {
		return "", false
	}
	return c.ka.cmd, true
}

// Stats returns traffic counters
func (c *Channel) Stats() Stats {
	return Stats{
		Sent:           c.sent.Load(),
		Fallbacks:      c.fallbacks.Load(),
		Failed:         c.failed.Load(),
		KeepAliveTicks: c.ticks.Load(),
		TickFailures:   c.tickFailures.Load(),
	}
}

// stopLocked ends the running keep-alive and waits for its goroutine, so
// no tick can be written after it returns
func (c *Channel) stopLocked() bool {
	ka := c.ka
	if ka == nil {
		return false
	}
	c.ka = nil
	ka.cancel()
	<-ka.done
	return true
}
