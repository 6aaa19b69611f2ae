package link

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/rover-link/logger"
	"github.com/user/rover-link/protocol"
	"github.com/user/rover-link/wire"
)

const tracerName = "github.com/user/rover-link/link"

// Device is a remote found while scanning
type Device struct {
	Address      string   `json:"address"`
	Name         string   `json:"name"`
	RSSI         int      `json:"rssi"`
	ServiceUUIDs []string `json:"service_uuids,omitempty"`
}

// ScanFilter narrows scan results. IncludeAll disables filtering; otherwise
// ByServiceID requires the rover service in the advertisement, and a
// non-empty NamePrefix requires a matching local name.
type ScanFilter struct {
	NamePrefix  string
	ByServiceID bool
	IncludeAll  bool
}

// SessionInfo describes the active session
type SessionInfo struct {
	Remote      Device
	RxHandle    uint16
	TxHandle    uint16
	MTU         int
	ConnectedAt time.Time
}

type session struct {
	id         uint64
	info       SessionInfo
	peripheral wire.Peripheral
}

// Manager owns the transport session: scanning, connecting, subscribing,
// disconnecting and reconnecting with backoff. It is the only component
// that touches the radio.
type Manager struct {
	radio  wire.Radio
	opts   options
	tracer trace.Tracer

	// opMu serializes connect, reconnect, link-loss handling and disconnect
	opMu sync.Mutex

	mu            sync.RWMutex
	state         State
	session       *session
	nextSessionID uint64
	known         *Device
	attempts      int
	epoch         uint64
	timer         *time.Timer
	cancelAttempt context.CancelFunc
	notify        func([]byte)
	listeners     map[int]func(State)
	nextListener  int

	// transitions not yet delivered to listeners; one goroutine drains at a
	// time so listeners see them in order without mu held
	pending  []State
	draining bool
}

// NewManager creates a manager over radio
func NewManager(radio wire.Radio, opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		radio:     radio,
		opts:      o,
		tracer:    otel.Tracer(tracerName),
		listeners: make(map[int]func(State)),
	}
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Session returns the active session, if any
func (m *Manager) Session() (SessionInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return SessionInfo{}, false
	}
	return m.session.info, true
}

// ReconnectAttempts returns the current reconnect attempt counter
func (m *Manager) ReconnectAttempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts
}

// OnStateChange registers a listener for every transition and returns a
// function that removes it. Listeners run in transition order and may read
// the manager; they must not call Connect or Disconnect.
func (m *Manager) OnStateChange(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// SetNotificationHandler installs the single consumer of raw notifications.
// Passing nil clears it.
func (m *Manager) SetNotificationHandler(fn func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	logger.Debug("link", "state %s → %s", m.state, s)
	m.state = s
	m.pending = append(m.pending, s)
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		listeners := make([]func(State), 0, len(m.listeners))
		for _, l := range m.listeners {
			listeners = append(listeners, l)
		}
		m.mu.Unlock()
		for _, l := range listeners {
			l(next)
		}
		m.mu.Lock()
	}
	m.pending = nil
	m.draining = false
	m.mu.Unlock()
}

// transition moves to s only if the current state is one of from
func (m *Manager) transition(s State, from ...State) error {
	m.mu.Lock()
	current := m.state
	allowed := false
	for _, f := range from {
		if current == f {
			allowed = true
			break
		}
	}
	m.mu.Unlock()
	if !allowed {
		return fmt.Errorf("%w: %s", ErrBusy, current)
	}
	m.setState(s)
	return nil
}

// Scan runs for the scan window (or until ctx ends), reporting each new
// device once through onFound, then returns everything found. The manager
// is back in Idle when Scan returns.
func (m *Manager) Scan(ctx context.Context, filter ScanFilter, onFound func(Device)) ([]Device, error) {
	if st := m.State(); st != Idle {
		return nil, fmt.Errorf("%w: %s", ErrBusy, st)
	}
	if err := m.radio.Enable(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	if err := m.transition(Scanning, Idle); err != nil {
		return nil, err
	}
	defer m.transition(Idle, Scanning)

	ctx, cancel := context.WithTimeout(ctx, m.opts.scanWindow)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]bool)
	var found []Device

	err := m.radio.Scan(ctx, func(adv wire.Advertisement) {
		if !m.matches(filter, adv) {
			return
		}
		mu.Lock()
		if seen[adv.Address] {
			mu.Unlock()
			return
		}
		seen[adv.Address] = true
		name := adv.LocalName
		if name == "" {
			name = "Unknown"
		}
		dev := Device{Address: adv.Address, Name: name, RSSI: adv.RSSI, ServiceUUIDs: adv.ServiceUUIDs}
		found = append(found, dev)
		mu.Unlock()

		logger.Info("link", "🔍 Found %s (%s, rssi %d)", dev.Name, dev.Address, dev.RSSI)
		if onFound != nil {
			onFound(dev)
		}
	})
	if err != nil {
		return found, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	mu.Lock()
	defer mu.Unlock()
	return found, nil
}

func (m *Manager) matches(f ScanFilter, adv wire.Advertisement) bool {
	if f.IncludeAll {
		return true
	}
	if f.ByServiceID {
		for _, u := range adv.ServiceUUIDs {
			if strings.EqualFold(u, m.opts.profile.ServiceUUID) {
				return true
			}
		}
		return false
	}
	if f.NamePrefix != "" {
		return strings.HasPrefix(adv.LocalName, f.NamePrefix)
	}
	return true
}

// Connect opens a session to dev. It never retries: any failure returns the
// manager to Idle and is reported as ErrConnectFailed. A connect while
// another operation owns the link is rejected with ErrBusy.
func (m *Manager) Connect(ctx context.Context, dev Device) error {
	if err := m.transition(Connecting, Idle); err != nil {
		return err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	ctx, span := m.tracer.Start(ctx, "link.connect", trace.WithAttributes(
		attribute.String("rover.address", dev.Address),
		attribute.String("rover.name", dev.Name),
	))
	defer span.End()

	sess, err := m.establish(ctx, dev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("link", "❌ Connect to %s failed: %v", dev.Address, err)
		m.setState(Idle)
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	m.mu.Lock()
	m.session = sess
	known := dev
	m.known = &known
	m.attempts = 0
	m.mu.Unlock()

	logger.Info("link", "✅ Connected to %s (mtu %d)", dev.Address, sess.info.MTU)
	m.setState(Connected)
	return nil
}

// establish runs radio connect, service discovery and TX subscription.
// Called with opMu held.
func (m *Manager) establish(ctx context.Context, dev Device) (*session, error) {
	if err := m.radio.Enable(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.connectTimeout)
	defer cancel()

	m.mu.Lock()
	m.nextSessionID++
	id := m.nextSessionID
	m.mu.Unlock()

	p, err := m.radio.Connect(ctx, dev.Address, func(string) {
		go m.handleLinkLoss(id)
	})
	if err != nil {
		return nil, err
	}

	profile := m.opts.profile
	table, err := p.DiscoverServices(ctx)
	if err != nil {
		p.Disconnect()
		return nil, fmt.Errorf("service discovery: %w", err)
	}
	rx, okRx := table.Find(profile.ServiceUUID, profile.RxUUID)
	tx, okTx := table.Find(profile.ServiceUUID, profile.TxUUID)
	if !okRx || !okTx {
		p.Disconnect()
		return nil, fmt.Errorf("service discovery: %w: rover profile missing", wire.ErrCharacteristicNotFound)
	}

	if err := p.EnableNotifications(ctx, profile.ServiceUUID, profile.TxUUID, m.dispatch); err != nil {
		p.Disconnect()
		return nil, err
	}

	return &session{
		id:         id,
		peripheral: p,
		info: SessionInfo{
			Remote:      dev,
			RxHandle:    rx.Handle,
			TxHandle:    tx.Handle,
			MTU:         p.MTU(),
			ConnectedAt: time.Now(),
		},
	}, nil
}

// dispatch forwards one notification to the registered handler. A panicking
// handler is logged and must not take down the link's read loop.
func (m *Manager) dispatch(data []byte) {
	m.mu.RLock()
	fn := m.notify
	m.mu.RUnlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("link", "💥 notification handler panicked: %v", r)
		}
	}()
	fn(data)
}

// handleLinkLoss runs when the radio reports the link gone. Only the
// transport can move Connected to Disconnected.
func (m *Manager) handleLinkLoss(id uint64) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.session == nil || m.session.id != id {
		m.mu.Unlock()
		return
	}
	remote := m.session.info.Remote
	m.session = nil
	haveKnown := m.known != nil
	m.mu.Unlock()

	logger.Warn("link", "⚠️  Link to %s lost", remote.Address)
	m.setState(Disconnected)
	if !haveKnown {
		m.setState(Idle)
		return
	}
	m.setState(Reconnecting)
	m.armReconnect()
}

// armReconnect schedules the next attempt. A new attempt is only armed
// after the previous one has concluded.
func (m *Manager) armReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.known == nil {
		return
	}
	delay := ReconnectDelay(m.opts.reconnectDelays, m.attempts)
	epoch := m.epoch
	logger.Info("link", "🔄 Reconnecting to %s in %v (attempt %d)", m.known.Address, delay, m.attempts+1)
	m.timer = time.AfterFunc(delay, func() { m.reconnect(epoch) })
}

func (m *Manager) reconnect(epoch uint64) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.epoch != epoch || m.known == nil || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	dev := *m.known
	attempt := m.attempts
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelAttempt = cancel
	m.timer = nil
	m.mu.Unlock()
	defer cancel()

	ctx, span := m.tracer.Start(ctx, "link.reconnect", trace.WithAttributes(
		attribute.String("rover.address", dev.Address),
		attribute.Int("rover.reconnect_attempt", attempt+1),
	))
	defer span.End()

	sess, err := m.establish(ctx, dev)

	m.mu.Lock()
	m.cancelAttempt = nil
	if m.epoch != epoch {
		m.mu.Unlock()
		if sess != nil {
			sess.peripheral.Disconnect()
		}
		return
	}
	if err != nil {
		m.attempts++
		m.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("link", "❌ Reconnect attempt %d to %s failed: %v", attempt+1, dev.Address, err)
		m.armReconnect()
		return
	}
	m.session = sess
	m.attempts = 0
	m.mu.Unlock()

	logger.Info("link", "✅ Reconnected to %s", dev.Address)
	m.setState(Connected)
}

// Disconnect ends the session on the user's behalf. It cancels any pending
// reconnect, forgets the remote, sends a best-effort stop and always
// leaves the manager Idle. Teardown errors are logged, not returned.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	m.epoch++
	m.known = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancelAttempt != nil {
		m.cancelAttempt()
	}
	m.mu.Unlock()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	sess := m.session
	m.session = nil
	m.known = nil
	m.attempts = 0
	m.mu.Unlock()

	if sess != nil {
		profile := m.opts.profile
		stop, _ := protocol.EncodeCommand(protocol.CmdStop)
		if err := sess.peripheral.WriteWithoutResponse(profile.ServiceUUID, profile.RxUUID, stop); err != nil {
			wctx, cancel := context.WithTimeout(ctx, time.Second)
			if err2 := sess.peripheral.Write(wctx, profile.ServiceUUID, profile.RxUUID, stop); err2 != nil {
				logger.Warn("link", "⚠️  Stop before disconnect failed: %v / %v", err, err2)
			}
			cancel()
		}
		if err := sess.peripheral.Disconnect(); err != nil {
			logger.Warn("link", "⚠️  Disconnect from %s: %v", sess.info.Remote.Address, err)
		}
		logger.Info("link", "👋 Disconnected from %s", sess.info.Remote.Address)
	}
	m.setState(Idle)
}

func (m *Manager) current() *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// WriteWithoutResponse writes data to the rover's RX characteristic
// without waiting for an acknowledgement.
func (m *Manager) WriteWithoutResponse(data []byte) error {
	sess := m.current()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.peripheral.WriteWithoutResponse(m.opts.profile.ServiceUUID, m.opts.profile.RxUUID, data)
}

// Write writes data to the RX characteristic and waits for the acknowledgement
func (m *Manager) Write(ctx context.Context, data []byte) error {
	sess := m.current()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.peripheral.Write(ctx, m.opts.profile.ServiceUUID, m.opts.profile.RxUUID, data)
}
