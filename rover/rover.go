// Package rover is a simulated rover: a Nordic UART GATT server on the
// socket radio that answers the controller the way the real firmware does.
package rover

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/user/rover-link/logger"
	"github.com/user/rover-link/protocol"
	"github.com/user/rover-link/wire"
)

// Config describes the simulated rover
type Config struct {
	ID      string
	Name    string
	DataDir string

	Photo         []byte // served on PHOTO; a synthetic JPEG when nil
	Width, Height int
	ChunkSize     int           // payload bytes per chunk; 0 fills the notify MTU
	ChunkDelay    time.Duration // pause between chunks
	// OneBasedLastChunk numbers the final chunk one past its slot, like
	// older firmware did
	OneBasedLastChunk bool

	FailSafe    time.Duration // default 220ms
	Temperature float64
	Humidity    float64
}

// Rover is a running simulated rover
type Rover struct {
	cfg    Config
	server *wire.GATTServer
	rx, tx uint16

	mu            sync.Mutex
	motion        protocol.Direction
	commands      []string
	failSafeStops int
	failSafeToken uint64
	failSafeTimer *time.Timer
	busy          bool
	forcedBusy    bool
	mission       bool
	missionID     string
	seq           uint32
	servo         map[protocol.ServoChannel]int

	wg sync.WaitGroup
}

// New builds a rover from cfg, filling defaults
func New(cfg Config) *Rover {
	if cfg.Name == "" {
		cfg.Name = "ROVER-" + strings.ToUpper(cfg.ID)
	}
	if cfg.FailSafe == 0 {
		cfg.FailSafe = protocol.FailSafeWindow * time.Millisecond
	}
	if cfg.Photo == nil {
		cfg.Photo = SyntheticJPEG(4096, 1)
	}
	if cfg.Width == 0 && cfg.Height == 0 {
		cfg.Width, cfg.Height = 320, 240
	}
	if cfg.Temperature == 0 && cfg.Humidity == 0 {
		cfg.Temperature, cfg.Humidity = 24.5, 51.0
	}

	services := []wire.GATTService{{
		UUID: protocol.ServiceUUID,
		Characteristics: []wire.GATTCharacteristic{
			{UUID: protocol.RxCharUUID, Properties: []string{wire.PropWrite, wire.PropWriteWithoutResponse}},
			{UUID: protocol.TxCharUUID, Properties: []string{wire.PropNotify}},
		},
	}}
	server := wire.NewGATTServer(cfg.ID, cfg.DataDir, wire.AdvertisingData{
		DeviceName:   cfg.Name,
		ServiceUUIDs: []string{protocol.ServiceUUID},
	}, services)

	table := server.Table()
	rx, _ := table.Find(protocol.ServiceUUID, protocol.RxCharUUID)
	tx, _ := table.Find(protocol.ServiceUUID, protocol.TxCharUUID)

	r := &Rover{
		cfg:    cfg,
		server: server,
		rx:     rx.Handle,
		tx:     tx.Handle,
		motion: protocol.Stop,
		servo:  map[protocol.ServoChannel]int{protocol.ServoPan: 90, protocol.ServoTilt: 90},
	}
	server.SetWriteHandler(r.handleWrite)
	server.SetConnectionHandler(r.handleConnection)
	return r
}

// SyntheticJPEG returns size bytes framed by JPEG start and end markers
func SyntheticJPEG(size int, seed int64) []byte {
	if size < 4 {
		size = 4
	}
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(seed))
	rng.Read(data)
	data[0], data[1] = 0xFF, 0xD8
	data[size-2], data[size-1] = 0xFF, 0xD9
	return data
}

func (r *Rover) tag() string {
	return r.cfg.Name
}

// ID is the rover's radio address
func (r *Rover) ID() string { return r.cfg.ID }

// Start begins advertising
func (r *Rover) Start() error {
	return r.server.Start()
}

// Stop ends every link and withdraws the rover
func (r *Rover) Stop() {
	r.server.Stop()
	r.wg.Wait()
	r.mu.Lock()
	r.stopFailSafeLocked()
	r.mu.Unlock()
}

// DropLink closes the current links as if the rover went out of range
func (r *Rover) DropLink() {
	logger.Info(r.tag(), "📴 dropping link")
	r.server.DropConnections()
}

// Motion returns the current motion code
func (r *Rover) Motion() protocol.Direction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.motion
}

// FailSafeStops counts how often the fail-safe halted the rover
func (r *Rover) FailSafeStops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failSafeStops
}

// Commands returns every command received, in order
func (r *Rover) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

// Servo returns the current angle of ch
func (r *Rover) Servo(ch protocol.ServoChannel) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.servo[ch]
}

// MissionActive reports whether an autonomous mission is running, and its id
func (r *Rover) MissionActive() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.missionID, r.mission
}

// SetBusy makes capture requests answer BUSY
func (r *Rover) SetBusy(busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forcedBusy = busy
}

// TriggerObstacle reports an obstacle and halts, as the firmware does
// during a mission
func (r *Rover) TriggerObstacle() error {
	r.mu.Lock()
	r.motion = protocol.Stop
	r.stopFailSafeLocked()
	r.mu.Unlock()
	return r.send("MISSION:OBSTACLE")
}

// EndMission reports the end of the autonomous mission
func (r *Rover) EndMission() error {
	r.mu.Lock()
	r.mission = false
	r.mu.Unlock()
	return r.send("MISSION:END")
}

// Begin starts an unsolicited photo transfer
func (r *Rover) Begin() error {
	if !r.claim() {
		return errors.New("rover busy")
	}
	r.wg.Add(1)
	go r.streamPhoto(true)
	return nil
}

func (r *Rover) handleConnection(peerID string, connected bool) {
	if connected {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.motion.IsMotion() {
		logger.Info(r.tag(), "🛑 link lost, stopping")
	}
	r.motion = protocol.Stop
	r.stopFailSafeLocked()
}

func (r *Rover) handleWrite(peerID string, handle uint16, value []byte, withResponse bool) error {
	if handle != r.rx {
		return nil
	}
	cmd := protocol.DecodeCommand(value)
	if cmd == "" {
		return nil
	}

	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()
	logger.Trace(r.tag(), "📥 %q", cmd)

	if d, ok := protocol.ParseDirection(cmd); ok {
		r.drive(d)
		r.send(string(d))
		return nil
	}
	r.feedFailSafe()

	switch {
	case cmd == protocol.CmdCapture:
		if !r.claim() {
			r.send("BUSY")
			return nil
		}
		r.mu.Lock()
		mission := r.mission
		r.mu.Unlock()
		r.wg.Add(1)
		go r.streamPhoto(mission)

	case cmd == protocol.CmdHumidity:
		r.send(protocol.SensorLine(r.cfg.Temperature, r.cfg.Humidity))

	case strings.HasPrefix(cmd, "SV"):
		ch, angle, ok := protocol.ParseServoCommand(cmd)
		if !ok {
			r.send("ERR:" + cmd)
			return nil
		}
		r.mu.Lock()
		r.servo[ch] = angle
		r.mu.Unlock()
		r.send(fmt.Sprintf("OK:SV%d:%d", ch, angle))

	case cmd == protocol.CmdMissionAuto || strings.HasPrefix(cmd, "MISSION:START:"):
		id := strings.TrimPrefix(cmd, "MISSION:START:AUTONOMOUS:")
		if id == cmd {
			id = ""
		}
		r.mu.Lock()
		r.mission, r.missionID = true, id
		r.mu.Unlock()
		logger.Info(r.tag(), "🤖 autonomous mission started %s", id)
		r.send("ACK:MISSION")

	case cmd == protocol.CmdMissionPause:
		r.mu.Lock()
		r.mission = false
		r.motion = protocol.Stop
		r.stopFailSafeLocked()
		r.mu.Unlock()
		r.send("ACK:PAUSE")

	default:
		r.send("ERR:" + cmd)
	}
	return nil
}

func (r *Rover) drive(d protocol.Direction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.motion = d
	if d.IsMotion() {
		r.armFailSafeLocked()
	} else {
		r.stopFailSafeLocked()
	}
}

// feedFailSafe counts any command as proof the controller is alive
func (r *Rover) feedFailSafe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.motion.IsMotion() {
		r.armFailSafeLocked()
	}
}

func (r *Rover) armFailSafeLocked() {
	if r.failSafeTimer != nil {
		r.failSafeTimer.Stop()
	}
	r.failSafeToken++
	token := r.failSafeToken
	r.failSafeTimer = time.AfterFunc(r.cfg.FailSafe, func() {
		r.mu.Lock()
		if r.failSafeToken != token || !r.motion.IsMotion() {
			r.mu.Unlock()
			return
		}
		r.motion = protocol.Stop
		r.failSafeStops++
		r.mu.Unlock()
		logger.Warn(r.tag(), "⚠️  fail-safe stop: no command for %s", r.cfg.FailSafe)
	})
}

func (r *Rover) stopFailSafeLocked() {
	r.failSafeToken++
	if r.failSafeTimer != nil {
		r.failSafeTimer.Stop()
		r.failSafeTimer = nil
	}
}

func (r *Rover) claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy || r.forcedBusy {
		return false
	}
	r.busy = true
	return true
}

func (r *Rover) send(line string) error {
	err := r.server.Notify(r.tx, []byte(line))
	if err != nil && !errors.Is(err, wire.ErrNoSubscribers) {
		logger.Warn(r.tag(), "❌ notify %q failed: %v", line, err)
	}
	return err
}

func (r *Rover) sendRaw(buf []byte) error {
	return r.server.Notify(r.tx, buf)
}

// streamPhoto sends the photo. Mission transfers are framed by
// PHOTO:BEGIN/PHOTO:END with a seq and followed by ACK:TURN; manual ones
// use META..DONE.
func (r *Rover) streamPhoto(mission bool) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		r.busy = false
		r.mu.Unlock()
	}()

	size := r.cfg.ChunkSize
	if size <= 0 {
		size = r.server.MaxNotifyPayload() - protocol.ChunkHeaderSize
	}
	chunks := protocol.SplitIntoChunks(r.cfg.Photo, size)

	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	meta := protocol.Meta{Size: len(r.cfg.Photo), Chunks: len(chunks), Width: r.cfg.Width, Height: r.cfg.Height}
	if mission {
		meta.Seq = protocol.SomeSeq(seq)
		if err := r.send(fmt.Sprintf("PHOTO:BEGIN:%d", seq)); err != nil {
			return
		}
	}
	if err := r.send(meta.String()); err != nil {
		return
	}

	logger.Debug(r.tag(), "📸 streaming %d bytes in %d chunks of %d", len(r.cfg.Photo), len(chunks), size)
	for i, payload := range chunks {
		idx := uint16(i)
		if r.cfg.OneBasedLastChunk && i == len(chunks)-1 {
			idx++
		}
		if err := r.sendRaw(protocol.EncodeChunk(idx, payload)); err != nil {
			logger.Warn(r.tag(), "❌ chunk %d: %v", i, err)
			return
		}
		if r.cfg.ChunkDelay > 0 {
			time.Sleep(r.cfg.ChunkDelay)
		}
	}

	if mission {
		r.send(fmt.Sprintf("PHOTO:END:%d", seq))
		r.send("ACK:TURN")
		return
	}
	r.send("DONE")
}
