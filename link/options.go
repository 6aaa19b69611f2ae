package link

import (
	"time"

	"github.com/user/rover-link/protocol"
)

// Profile names the GATT service and characteristics a session binds to
type Profile struct {
	ServiceUUID string
	RxUUID      string // written by the controller
	TxUUID      string // notified by the rover
}

// NordicUART is the rover's profile
var NordicUART = Profile{
	ServiceUUID: protocol.ServiceUUID,
	RxUUID:      protocol.RxCharUUID,
	TxUUID:      protocol.TxCharUUID,
}

type options struct {
	scanWindow      time.Duration
	connectTimeout  time.Duration
	reconnectDelays []time.Duration
	profile         Profile
}

// Option configures a Manager
type Option func(*options)

// WithScanWindow sets how long Scan runs (default 15s)
func WithScanWindow(d time.Duration) Option {
	return func(o *options) { o.scanWindow = d }
}

// WithConnectTimeout bounds connect + discovery + subscribe (default 10s)
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithReconnectDelays replaces the reconnect backoff table
func WithReconnectDelays(delays ...time.Duration) Option {
	return func(o *options) { o.reconnectDelays = delays }
}

// WithProfile binds sessions to a different service layout
func WithProfile(p Profile) Option {
	return func(o *options) { o.profile = p }
}

func defaultOptions() options {
	return options{
		scanWindow:      15 * time.Second,
		connectTimeout:  10 * time.Second,
		reconnectDelays: DefaultReconnectDelays,
		profile:         NordicUART,
	}
}
