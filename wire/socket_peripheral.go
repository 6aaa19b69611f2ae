package wire

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/user/rover-link/logger"
	"github.com/user/rover-link/wire/att"
)

// socketPeripheral is the central's view of one open link
type socketPeripheral struct {
	radio   *SocketRadio
	address string
	conn    net.Conn
	sendMu  sync.Mutex
	reqMu   sync.Mutex // one outstanding ATT request; later callers queue
	tracker *att.RequestTracker

	mu       sync.RWMutex
	mtu      int
	table    *GATTTable
	handlers map[uint16]func([]byte)

	onDisconnect func(string)
	closeOnce    sync.Once
	closed       chan struct{}
}

func (p *socketPeripheral) Address() string {
	return p.address
}

func (p *socketPeripheral) MTU() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mtu
}

func (p *socketPeripheral) tag() string {
	return shortID(p.radio.localID) + " Wire"
}

// readLoop delivers responses to the request tracker and notifications to
// their handlers, one PDU at a time.
func (p *socketPeripheral) readLoop() {
	defer func() {
		p.tracker.CancelPending()
		p.shutdown()
		logger.Debug(p.tag(), "🔌 Link to %s closed", shortID(p.address))
		if p.onDisconnect != nil {
			p.onDisconnect(p.address)
		}
	}()

	for {
		pdu, err := readFrame(p.conn)
		if err != nil {
			return
		}
		pkt, err := att.DecodePacket(pdu)
		if err != nil {
			logger.Warn(p.tag(), "❌ Failed to decode ATT packet from %s: %v", shortID(p.address), err)
			continue
		}

		switch v := pkt.(type) {
		case *att.HandleValueNotification:
			p.mu.RLock()
			fn := p.handlers[v.Handle]
			p.mu.RUnlock()
			if fn == nil {
				logger.Trace(p.tag(), "notification on unsubscribed handle 0x%04X dropped", v.Handle)
				continue
			}
			fn(v.Value)
		case *att.ErrorResponse:
			p.completeRequest(att.OpErrorResponse, v)
		case *att.WriteResponse:
			p.completeRequest(att.OpWriteResponse, v)
		case *att.ExchangeMTUResponse:
			p.completeRequest(att.OpExchangeMTUResponse, v)
		default:
			logger.Warn(p.tag(), "⚠️  Unexpected PDU 0x%02X from %s", pdu[0], shortID(p.address))
		}
	}
}

func (p *socketPeripheral) completeRequest(opcode byte, pkt interface{}) {
	if err := p.tracker.Complete(opcode, pkt); err != nil {
		logger.Warn(p.tag(), "⚠️  %v", err)
	}
}

func (p *socketPeripheral) shutdown() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.conn.Close()
	})
}

func (p *socketPeripheral) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *socketPeripheral) send(pkt interface{}) error {
	if p.isClosed() {
		return ErrLinkClosed
	}
	pdu, err := att.EncodePacket(pkt)
	if err != nil {
		return err
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := writeFrame(p.conn, pdu); err != nil {
		return fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}
	return nil
}

// request sends a PDU that expects a response and waits for it
func (p *socketPeripheral) request(ctx context.Context, opcode byte, handle uint16, pkt interface{}) (interface{}, error) {
	p.reqMu.Lock()
	defer p.reqMu.Unlock()

	responseC, err := p.tracker.Start(opcode, handle)
	if err != nil {
		return nil, err
	}
	if err := p.send(pkt); err != nil {
		p.tracker.CancelPending()
		<-responseC
		return nil, err
	}
	return p.tracker.Await(ctx, responseC)
}

func (p *socketPeripheral) exchangeMTU(ctx context.Context, mtu uint16) error {
	resp, err := p.request(ctx, att.OpExchangeMTURequest, 0, &att.ExchangeMTURequest{ClientRxMTU: mtu})
	if err != nil {
		return err
	}
	server := resp.(*att.ExchangeMTUResponse).ServerRxMTU
	negotiated := int(mtu)
	if int(server) < negotiated {
		negotiated = int(server)
	}
	if negotiated < DefaultMTU {
		negotiated = DefaultMTU
	}
	p.mu.Lock()
	p.mtu = negotiated
	p.mu.Unlock()
	return nil
}

// DiscoverServices reads the peer's published attribute table
func (p *socketPeripheral) DiscoverServices(ctx context.Context) (*GATTTable, error) {
	select {
	case <-time.After(simulatedLatency(p.radio.minLatency, p.radio.maxLatency)):
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrLinkClosed
	}

	table, err := ReadGATTTable(p.radio.dataDir, p.address)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.table = table
	p.mu.Unlock()
	return table, nil
}

func (p *socketPeripheral) characteristic(serviceUUID, charUUID string) (GATTCharacteristic, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.table == nil {
		return GATTCharacteristic{}, fmt.Errorf("%w: services not discovered", ErrCharacteristicNotFound)
	}
	c, ok := p.table.Find(serviceUUID, charUUID)
	if !ok {
		return GATTCharacteristic{}, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, charUUID)
	}
	return c, nil
}

// EnableNotifications registers fn and writes the CCCD
func (p *socketPeripheral) EnableNotifications(ctx context.Context, serviceUUID, charUUID string, fn func([]byte)) error {
	c, err := p.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if !c.HasProperty(PropNotify) {
		return fmt.Errorf("characteristic %s does not support notifications", charUUID)
	}

	p.mu.Lock()
	p.handlers[c.Handle] = fn
	p.mu.Unlock()

	_, err = p.request(ctx, att.OpWriteRequest, c.CCCDHandle(), &att.WriteRequest{
		Handle: c.CCCDHandle(),
		Value:  CCCDEnableNotifications,
	})
	if err != nil {
		p.mu.Lock()
		delete(p.handlers, c.Handle)
		p.mu.Unlock()
		return fmt.Errorf("subscribe to %s failed: %w", charUUID, err)
	}
	return nil
}

// WriteWithoutResponse sends an ATT Write Command
func (p *socketPeripheral) WriteWithoutResponse(serviceUUID, charUUID string, data []byte) error {
	c, err := p.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if !c.HasProperty(PropWriteWithoutResponse) {
		return ErrWriteTypeUnsupported
	}
	if max := p.MTU() - ATTHeaderLen; len(data) > max {
		return fmt.Errorf("value of %d bytes exceeds MTU payload %d", len(data), max)
	}
	return p.send(&att.WriteCommand{Handle: c.Handle, Value: data})
}

// Write sends an ATT Write Request and waits for the response
func (p *socketPeripheral) Write(ctx context.Context, serviceUUID, charUUID string, data []byte) error {
	c, err := p.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if !c.HasProperty(PropWrite) {
		return ErrWriteTypeUnsupported
	}
	if max := p.MTU() - ATTHeaderLen; len(data) > max {
		return fmt.Errorf("value of %d bytes exceeds MTU payload %d", len(data), max)
	}
	_, err = p.request(ctx, att.OpWriteRequest, c.Handle, &att.WriteRequest{Handle: c.Handle, Value: data})
	return err
}

// Disconnect closes the link; the read loop fires onDisconnect
func (p *socketPeripheral) Disconnect() error {
	if p.isClosed() {
		return nil
	}
	p.shutdown()
	return nil
}
