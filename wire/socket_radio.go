package wire

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/user/rover-link/logger"
	"github.com/user/rover-link/wire/att"
)

// SocketRadio is a simulated BLE central backed by Unix domain sockets.
// Peers are GATTServers sharing the same data dir.
type SocketRadio struct {
	localID string
	dataDir string

	minLatency time.Duration
	maxLatency time.Duration
	mtu        uint16

	mu      sync.Mutex
	enabled bool
}

// RadioOption configures a SocketRadio
type RadioOption func(*SocketRadio)

// WithLatency overrides the simulated connect/discovery latency range
func WithLatency(min, max time.Duration) RadioOption {
	return func(r *SocketRadio) {
		r.minLatency, r.maxLatency = min, max
	}
}

// WithMTU sets the MTU the central asks for during connect
func WithMTU(mtu uint16) RadioOption {
	return func(r *SocketRadio) {
		r.mtu = mtu
	}
}

// NewSocketRadio creates a central radio identified by localID
func NewSocketRadio(localID, dataDir string, opts ...RadioOption) *SocketRadio {
	r := &SocketRadio{
		localID:    localID,
		dataDir:    dataDir,
		minLatency: MinConnectionDelay,
		maxLatency: MaxConnectionDelay,
		mtu:        PreferredMTU,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enable checks the socket directory can be used
func (r *SocketRadio) Enable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled {
		return nil
	}
	if err := os.MkdirAll(SocketDir(r.dataDir), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrRadioUnavailable, err)
	}
	r.enabled = true
	return nil
}

// Scan polls the socket directory and reports every advertising device on
// each pass until ctx ends.
func (r *SocketRadio) Scan(ctx context.Context, found func(Advertisement)) error {
	if err := r.Enable(); err != nil {
		return err
	}
	ticker := time.NewTicker(ScanPollInterval)
	defer ticker.Stop()

	for {
		for _, id := range ListAvailableDevices(r.dataDir) {
			if id == r.localID {
				continue
			}
			adv, err := ReadAdvertisingData(r.dataDir, id)
			if err != nil || !adv.IsConnectable {
				continue
			}
			rssi := adv.RSSI
			if rssi == 0 {
				rssi = DefaultRSSI
			}
			found(Advertisement{
				Address:      id,
				LocalName:    adv.DeviceName,
				ServiceUUIDs: adv.ServiceUUIDs,
				RSSI:         rssi,
			})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Connect dials the peer's socket, performs the handshake and MTU exchange
func (r *SocketRadio) Connect(ctx context.Context, address string, onDisconnect func(string)) (Peripheral, error) {
	if err := r.Enable(); err != nil {
		return nil, err
	}

	select {
	case <-time.After(simulatedLatency(r.minLatency, r.maxLatency)):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath(r.dataDir, address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", shortID(address), err)
	}
	if err := writeHandshake(conn, r.localID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s failed: %w", shortID(address), err)
	}

	p := &socketPeripheral{
		radio:        r,
		address:      address,
		conn:         conn,
		mtu:          DefaultMTU,
		tracker:      att.NewRequestTracker(ATTTimeout),
		handlers:     make(map[uint16]func([]byte)),
		onDisconnect: onDisconnect,
		closed:       make(chan struct{}),
	}
	go p.readLoop()

	if err := p.exchangeMTU(ctx, r.mtu); err != nil {
		p.Disconnect()
		return nil, fmt.Errorf("MTU exchange with %s failed: %w", shortID(address), err)
	}

	logger.Debug(shortID(r.localID)+" Wire", "🔗 Connected to %s (mtu=%d)", shortID(address), p.MTU())
	return p, nil
}
