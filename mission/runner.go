// Package mission drives an autonomous mission: it starts and pauses the
// rover's mission mode, photographs obstacles and reports when the rover
// ends the session.
package mission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/rover-link/logger"
	"github.com/user/rover-link/phototransfer"
	"github.com/user/rover-link/protocol"
)

// State of the runner
type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

var ErrAlreadyRunning = errors.New("mission already running")

const (
	// DefaultCaptureDelay is the pause between an obstacle report and the capture request
	DefaultCaptureDelay = 200 * time.Millisecond
	// DefaultPhotosPerObstacle caps captures for one obstacle
	DefaultPhotosPerObstacle = 1
)

// Commands is the part of the command channel the runner drives
type Commands interface {
	Send(ctx context.Context, cmd string) error
	// Halt cancels any keep-alive without sending a stop of its own
	Halt()
}

// Camera requests photos
type Camera interface {
	Request(ctx context.Context) error
	State() phototransfer.State
}

// Summary describes a finished mission
type Summary struct {
	MissionID string        `json:"mission_id"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Obstacles int           `json:"obstacles"`
	Photos    int           `json:"photos"`
	Reason    string        `json:"reason"`
	Duration  time.Duration `json:"duration"`
}

// Option configures a Runner
type Option func(*Runner)

// WithCaptureDelay overrides the obstacle-to-capture delay
func WithCaptureDelay(d time.Duration) Option {
	return func(r *Runner) { r.captureDelay = d }
}

// WithPhotosPerObstacle overrides the per-obstacle capture cap
func WithPhotosPerObstacle(n int) Option {
	return func(r *Runner) { r.perObstacle = n }
}

// Runner reacts to mission lines from the rover
type Runner struct {
	cmds         Commands
	camera       Camera
	captureDelay time.Duration
	perObstacle  int

	mu             sync.Mutex
	state          State
	missionID      string
	startedAt      time.Time
	obstacleID     string
	obstaclePhotos int
	obstacles      int
	photos         int
	captureTimer   *time.Timer
	onEnded        func(Summary)
}

// NewRunner creates an idle runner
func NewRunner(cmds Commands, camera Camera, opts ...Option) *Runner {
	r := &Runner{
		cmds:         cmds,
		camera:       camera,
		captureDelay: DefaultCaptureDelay,
		perObstacle:  DefaultPhotosPerObstacle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnEnded sets the single session-ended listener
func (r *Runner) OnEnded(fn func(Summary)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEnded = fn
}

// State returns the runner state
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Snapshot returns the ids attached to photos taken now; both are empty
// outside a mission
func (r *Runner) Snapshot() (missionID, obstacleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Running {
		return "", ""
	}
	return r.missionID, r.obstacleID
}

// Start puts the rover in autonomous mode
func (r *Runner) Start(ctx context.Context, missionID string) error {
	r.mu.Lock()
	if r.state == Running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.mu.Unlock()

	if err := r.cmds.Send(ctx, protocol.MissionStartCommand(missionID)); err != nil {
		return fmt.Errorf("start mission: %w", err)
	}

	r.mu.Lock()
	r.state = Running
	r.missionID = missionID
	r.startedAt = time.Now()
	r.obstacleID, r.obstaclePhotos, r.obstacles, r.photos = "", 0, 0, 0
	r.mu.Unlock()
	logger.Info("mission", "🤖 mission %q started", missionID)
	return nil
}

// Stop pauses the rover and ends the mission from the controller side
func (r *Runner) Stop(ctx context.Context) error {
	if r.State() != Running {
		return nil
	}
	return r.end(ctx, "stopped by controller")
}

// Observe handles one classified line. Only mission lines are used.
func (r *Runner) Observe(line protocol.Line) {
	if line.Kind != protocol.KindMission {
		return
	}
	switch line.Mission.Type {
	case protocol.MissionObstacle:
		r.obstacle()
	case protocol.MissionTurnAck:
		r.mu.Lock()
		r.obstacleID, r.obstaclePhotos = "", 0
		r.mu.Unlock()
	case protocol.MissionEnded:
		if r.State() != Running {
			return
		}
		go func() {
			if err := r.end(context.Background(), "rover reported "+line.Mission.Name); err != nil {
				logger.Warn("mission", "ending mission: %v", err)
			}
		}()
	}
}

// PhotoSaved counts a photo delivered during the mission
func (r *Runner) PhotoSaved(res phototransfer.Result) {
	if res.Err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Running {
		r.photos++
	}
}

// Reset drops mission state without talking to the rover (link lost)
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopTimerLocked()
	r.state = Idle
	r.obstacleID, r.obstaclePhotos = "", 0
}

func (r *Runner) obstacle() {
	// lock order is camera before runner
	busy := r.camera.State().Active()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.obstacleID = uuid.NewString()
	r.obstaclePhotos = 0
	r.obstacles++
	logger.Info("mission", "🚧 obstacle %s", r.obstacleID[:8])

	if r.state != Running || r.captureTimer != nil || busy {
		return
	}
	obstacle := r.obstacleID
	r.captureTimer = time.AfterFunc(r.captureDelay, func() { r.capture(obstacle) })
}

func (r *Runner) capture(obstacle string) {
	r.mu.Lock()
	r.captureTimer = nil
	if r.state != Running || r.obstacleID != obstacle || r.obstaclePhotos >= r.perObstacle {
		r.mu.Unlock()
		return
	}
	r.obstaclePhotos++
	r.mu.Unlock()

	if st := r.camera.State(); st.Active() || st == phototransfer.Saving {
		logger.Debug("mission", "skipping obstacle capture, camera is %s", st)
		return
	}
	if err := r.camera.Request(context.Background()); err != nil {
		logger.Warn("mission", "obstacle capture failed: %v", err)
	}
}

func (r *Runner) end(ctx context.Context, reason string) error {
	r.mu.Lock()
	if r.state != Running {
		r.mu.Unlock()
		return nil
	}
	r.state = Idle
	r.stopTimerLocked()
	now := time.Now()
	summary := Summary{
		MissionID: r.missionID,
		StartedAt: r.startedAt,
		EndedAt:   now,
		Obstacles: r.obstacles,
		Photos:    r.photos,
		Reason:    reason,
		Duration:  now.Sub(r.startedAt),
	}
	r.obstacleID, r.obstaclePhotos = "", 0
	fn := r.onEnded
	r.mu.Unlock()

	r.cmds.Halt()
	var errs []error
	if err := r.cmds.Send(ctx, protocol.CmdMissionPause); err != nil {
		errs = append(errs, err)
	}
	if err := r.cmds.Send(ctx, protocol.CmdStop); err != nil {
		errs = append(errs, err)
	}

	logger.Info("mission", "🏁 mission %q ended (%s): %d obstacles, %d photos", summary.MissionID, reason, summary.Obstacles, summary.Photos)
	if fn != nil {
		fn(summary)
	}
	return errors.Join(errs...)
}

func (r *Runner) stopTimerLocked() {
	if r.captureTimer != nil {
		r.captureTimer.Stop()
		r.captureTimer = nil
	}
}
