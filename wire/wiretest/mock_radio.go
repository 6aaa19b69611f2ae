// Package wiretest provides in-memory Radio and Peripheral fakes for tests
// that should not depend on sockets or timing of the simulated radio.
package wiretest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/user/rover-link/protocol"
	"github.com/user/rover-link/wire"
)

// RoverTable returns the rover's Nordic UART attribute table with handles assigned
func RoverTable() *wire.GATTTable {
	table := &wire.GATTTable{Services: []wire.GATTService{{
		UUID: protocol.ServiceUUID,
		Characteristics: []wire.GATTCharacteristic{
			{UUID: protocol.RxCharUUID, Properties: []string{wire.PropWrite, wire.PropWriteWithoutResponse}},
			{UUID: protocol.TxCharUUID, Properties: []string{wire.PropNotify}},
		},
	}}}
	table.AssignHandles()
	return table
}

// MockRadio implements wire.Radio without any I/O
type MockRadio struct {
	mu           sync.Mutex
	enableErr    error
	adverts      []wire.Advertisement
	connectErrs  []error
	subscribeErr error
	gate         chan struct{}
	connectCalls int
	table        *wire.GATTTable
	peripherals  []*MockPeripheral
}

// NewMockRadio creates a radio whose peripherals expose the rover profile
func NewMockRadio() *MockRadio {
	return &MockRadio{table: RoverTable()}
}

// SetEnableError makes Enable fail
func (r *MockRadio) SetEnableError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enableErr = err
}

// SetAdvertisements sets what every scan pass reports, in order
func (r *MockRadio) SetAdvertisements(adverts ...wire.Advertisement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adverts = adverts
}

// FailNextConnects queues errors for upcoming Connect calls; nil entries succeed
func (r *MockRadio) FailNextConnects(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectErrs = append(r.connectErrs, errs...)
}

// SetSubscribeError makes EnableNotifications fail on new peripherals
func (r *MockRadio) SetSubscribeError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribeErr = err
}

// BlockConnects holds Connect calls until the returned release func runs
func (r *MockRadio) BlockConnects() (release func()) {
	gate := make(chan struct{})
	r.mu.Lock()
	r.gate = gate
	r.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// ConnectCalls returns how many times Connect was called
func (r *MockRadio) ConnectCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectCalls
}

// LastPeripheral returns the most recently connected peripheral
func (r *MockRadio) LastPeripheral() *MockPeripheral {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.peripherals) == 0 {
		return nil
	}
	return r.peripherals[len(r.peripherals)-1]
}

func (r *MockRadio) Enable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enableErr
}

func (r *MockRadio) Scan(ctx context.Context, found func(wire.Advertisement)) error {
	if err := r.Enable(); err != nil {
		return err
	}
	for {
		r.mu.Lock()
		adverts := append([]wire.Advertisement(nil), r.adverts...)
		r.mu.Unlock()
		for _, a := range adverts {
			found(a)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (r *MockRadio) Connect(ctx context.Context, address string, onDisconnect func(string)) (wire.Peripheral, error) {
	r.mu.Lock()
	r.connectCalls++
	gate := r.gate
	var err error
	if len(r.connectErrs) > 0 {
		err = r.connectErrs[0]
		r.connectErrs = r.connectErrs[1:]
	}
	subscribeErr := r.subscribeErr
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	p := &MockPeripheral{
		address:      address,
		table:        r.table,
		subscribeErr: subscribeErr,
		onDisconnect: onDisconnect,
	}
	r.mu.Lock()
	r.peripherals = append(r.peripherals, p)
	r.mu.Unlock()
	return p, nil
}

// Write is one recorded write to the peripheral
type Write struct {
	Data         []byte
	WithResponse bool
	At           time.Time
}

// ErrMockClosed is returned by a dropped MockPeripheral
var ErrMockClosed = errors.New("mock link closed")

// MockPeripheral implements wire.Peripheral and records writes
type MockPeripheral struct {
	mu            sync.Mutex
	address       string
	table         *wire.GATTTable
	notify        func([]byte)
	onDisconnect  func(string)
	subscribeErr  error
	noResponseErr error
	responseErr   error
	closed        bool
	writes        []Write
	onWrite       func(Write)
}

func (p *MockPeripheral) Address() string { return p.address }

func (p *MockPeripheral) MTU() int { return wire.PreferredMTU }

func (p *MockPeripheral) DiscoverServices(ctx context.Context) (*wire.GATTTable, error) {
	return p.table, nil
}

func (p *MockPeripheral) EnableNotifications(ctx context.Context, serviceUUID, charUUID string, fn func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscribeErr != nil {
		return p.subscribeErr
	}
	p.notify = fn
	return nil
}

func (p *MockPeripheral) record(data []byte, withResponse bool, failWith error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrMockClosed
	}
	if failWith != nil {
		p.mu.Unlock()
		return failWith
	}
	w := Write{Data: append([]byte(nil), data...), WithResponse: withResponse, At: time.Now()}
	p.writes = append(p.writes, w)
	hook := p.onWrite
	p.mu.Unlock()
	if hook != nil {
		hook(w)
	}
	return nil
}

func (p *MockPeripheral) WriteWithoutResponse(serviceUUID, charUUID string, data []byte) error {
	p.mu.Lock()
	err := p.noResponseErr
	p.mu.Unlock()
	return p.record(data, false, err)
}

func (p *MockPeripheral) Write(ctx context.Context, serviceUUID, charUUID string, data []byte) error {
	p.mu.Lock()
	err := p.responseErr
	p.mu.Unlock()
	return p.record(data, true, err)
}

func (p *MockPeripheral) Disconnect() error {
	p.Drop()
	return nil
}

// SetWriteErrors makes the two write modes fail
func (p *MockPeripheral) SetWriteErrors(withoutResponse, withResponse error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.noResponseErr, p.responseErr = withoutResponse, withResponse
}

// OnWrite installs a hook that sees every successful write
func (p *MockPeripheral) OnWrite(fn func(Write)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWrite = fn
}

// Writes returns a copy of the recorded writes
func (p *MockPeripheral) Writes() []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Write(nil), p.writes...)
}

// Notify delivers data to the subscribed handler on the caller's goroutine
func (p *MockPeripheral) Notify(data []byte) bool {
	p.mu.Lock()
	fn := p.notify
	closed := p.closed
	p.mu.Unlock()
	if fn == nil || closed {
		return false
	}
	fn(data)
	return true
}

// Drop simulates the link going away and fires onDisconnect once
func (p *MockPeripheral) Drop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	cb := p.onDisconnect
	p.mu.Unlock()
	if cb != nil {
		cb(p.address)
	}
}

// Closed reports whether the link has been dropped
func (p *MockPeripheral) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
