// Package phototransfer reassembles a chunked photo streamed by the rover
// and hands the finished bytes to a gallery store.
package phototransfer

import (
	"errors"
	"time"

	"github.com/user/rover-link/protocol"
)

// State of the reassembler
type State int

const (
	Idle State = iota
	Requesting
	Receiving
	Saving
	Done
	Error
)

var stateNames = [...]string{
	Idle:       "idle",
	Requesting: "requesting",
	Receiving:  "receiving",
	Saving:     "saving",
	Done:       "done",
	Error:      "error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Active reports whether a transfer session is open
func (s State) Active() bool {
	return s == Requesting || s == Receiving
}

var (
	ErrTimeout            = errors.New("timeout")
	ErrDeviceBusy         = errors.New("device busy")
	ErrIncompleteTransfer = errors.New("incomplete")
	ErrSizeMismatch       = errors.New("size mismatch")
	ErrSaveFailed         = errors.New("save failed")
	ErrInvalidMeta        = errors.New("invalid meta")
	ErrNoPendingSave      = errors.New("no pending save")
	ErrTransferActive     = errors.New("transfer already in progress")
)

// Source records who started a transfer
type Source string

const (
	SourceManual Source = "manual" // Request from the controller
	SourceAuto   Source = "auto"   // rover began the transfer on its own
)

// Snapshot is the application state attached to a saved photo
type Snapshot struct {
	MissionID  string
	ObstacleID string
	Telemetry  *protocol.SensorReading
}

// AssetMeta describes a reassembled photo for the gallery
type AssetMeta struct {
	Seq        protocol.Seq
	Size       int
	Width      int // 0 when unknown
	Height     int // 0 when unknown
	CapturedAt time.Time
	Source     Source
	MissionID  string
	ObstacleID string
	Telemetry  *protocol.SensorReading
}

// Asset is a complete photo
type Asset struct {
	Data []byte
	Meta AssetMeta
}

// Result is reported once per finished transfer. Err is set when the
// transfer or the save failed; Warning carries ErrSizeMismatch when the
// photo was delivered despite disagreeing with META.
type Result struct {
	Handle  string
	Asset   *Asset
	Warning error
	Err     error
}

// Progress of the open transfer
type Progress struct {
	Received int `json:"received"`
	Total    int `json:"total"`
	Bytes    int `json:"bytes"`
}
