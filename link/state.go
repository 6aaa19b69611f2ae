package link

import (
	"errors"
	"time"
)

// State is the connection manager's lifecycle state
type State int

const (
	Idle State = iota
	Scanning
	Connecting
	Connected
	Disconnected
	Reconnecting
)

var stateNames = [...]string{
	Idle:         "idle",
	Scanning:     "scanning",
	Connecting:   "connecting",
	Connected:    "connected",
	Disconnected: "disconnected",
	Reconnecting: "reconnecting",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

var (
	// ErrTransportUnavailable means the radio could not be initialised
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrConnectFailed covers connect, service discovery and subscribe failures
	ErrConnectFailed = errors.New("connect failed")
	// ErrNotConnected is returned by writes when no session is active
	ErrNotConnected = errors.New("not connected")
	// ErrBusy rejects a scan or connect that would interleave with another operation
	ErrBusy = errors.New("link busy")
)

// DefaultReconnectDelays is the escalating wait before each reconnect attempt
var DefaultReconnectDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// ReconnectDelay picks the delay for attempt n, holding at the last entry
func ReconnectDelay(delays []time.Duration, attempt int) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(delays) {
		attempt = len(delays) - 1
	}
	return delays[attempt]
}
