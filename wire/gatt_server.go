package wire

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/user/rover-link/logger"
	"github.com/user/rover-link/wire/att"
)

// WriteHandler receives writes to a characteristic value. withResponse is
// true for Write Requests; a returned error becomes an ATT Error Response.
type WriteHandler func(peerID string, handle uint16, value []byte, withResponse bool) error

// ErrNoSubscribers is returned by Notify when no central has enabled the CCCD
var ErrNoSubscribers = errors.New("no subscribed centrals")

// GATTServer is the peripheral side of the simulated radio. It publishes
// advertising.json and gatt.json, accepts centrals on its socket and serves
// writes, CCCD subscriptions and notifications.
type GATTServer struct {
	id         string
	dataDir    string
	socketPath string
	adv        AdvertisingData
	table      GATTTable
	maxMTU     uint16

	listener net.Listener
	mu       sync.RWMutex
	conns    map[string]*serverConn
	onWrite  WriteHandler
	onConn   func(peerID string, connected bool)

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

type serverConn struct {
	peerID     string
	conn       net.Conn
	sendMu     sync.Mutex
	mu         sync.Mutex
	mtu        int
	subscribed map[uint16]bool
}

// NewGATTServer creates a server for deviceID publishing services.
// Handles are assigned here.
func NewGATTServer(deviceID, dataDir string, adv AdvertisingData, services []GATTService) *GATTServer {
	table := GATTTable{Services: services}
	table.AssignHandles()
	return &GATTServer{
		id:         deviceID,
		dataDir:    dataDir,
		socketPath: socketPath(dataDir, deviceID),
		adv:        adv,
		table:      table,
		maxMTU:     PreferredMTU,
		conns:      make(map[string]*serverConn),
		stopped:    make(chan struct{}),
	}
}

// Table returns the server's attribute table with handles assigned. The
// table is fixed at construction and must not be modified.
func (s *GATTServer) Table() *GATTTable {
	return &s.table
}

// SetWriteHandler installs the characteristic write handler
func (s *GATTServer) SetWriteHandler(fn WriteHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWrite = fn
}

// SetConnectionHandler is told when centrals connect and disconnect
func (s *GATTServer) SetConnectionHandler(fn func(peerID string, connected bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConn = fn
}

func (s *GATTServer) tag() string {
	return shortID(s.id) + " GATT"
}

// Start publishes the device files and begins accepting centrals
func (s *GATTServer) Start() error {
	if err := os.MkdirAll(SocketDir(s.dataDir), 0755); err != nil {
		return fmt.Errorf("failed to create socket dir: %w", err)
	}
	if err := WriteGATTTable(s.dataDir, s.id, &s.table); err != nil {
		return err
	}
	os.Remove(s.socketPath)
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.listener = listener

	adv := s.adv
	adv.IsConnectable = true
	if err := WriteAdvertisingData(s.dataDir, s.id, &adv); err != nil {
		listener.Close()
		return err
	}

	s.wg.Add(1)
	go s.acceptConnections()
	logger.Info(s.tag(), "📡 Advertising as %q", s.adv.DeviceName)
	return nil
}

// Stop closes every link and removes the socket (idempotent)
func (s *GATTServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		if s.listener != nil {
			s.listener.Close()
		}
		s.DropConnections()
		s.wg.Wait()
		removeDeviceFiles(s.dataDir, s.id)
	})
}

// DropConnections closes all current links without stopping the server,
// like the remote walking out of range.
func (s *GATTServer) DropConnections() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.conn.Close()
	}
}

// ConnectedPeers returns the ids of connected centrals
func (s *GATTServer) ConnectedPeers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make([]string, 0, len(s.conns))
	for id := range s.conns {
		peers = append(peers, id)
	}
	return peers
}

func (s *GATTServer) acceptConnections() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopped:
				return
			default:
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *GATTServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	peerID, err := readHandshake(conn)
	if err != nil {
		logger.Warn(s.tag(), "❌ Handshake failed: %v", err)
		conn.Close()
		return
	}

	sc := &serverConn{peerID: peerID, conn: conn, mtu: DefaultMTU, subscribed: make(map[uint16]bool)}
	s.mu.Lock()
	if old, exists := s.conns[peerID]; exists {
		old.conn.Close()
	}
	s.conns[peerID] = sc
	onConn := s.onConn
	s.mu.Unlock()

	logger.Debug(s.tag(), "🔗 Central %s connected", shortID(peerID))
	if onConn != nil {
		onConn(peerID, true)
	}

	defer func() {
		conn.Close()
		s.mu.Lock()
		if s.conns[peerID] == sc {
			delete(s.conns, peerID)
		}
		onConn := s.onConn
		s.mu.Unlock()
		logger.Debug(s.tag(), "🔌 Central %s disconnected", shortID(peerID))
		if onConn != nil {
			onConn(peerID, false)
		}
	}()

	for {
		pdu, err := readFrame(conn)
		if err != nil {
			return
		}
		pkt, err := att.DecodePacket(pdu)
		if err != nil {
			logger.Warn(s.tag(), "❌ Bad PDU from %s: %v", shortID(peerID), err)
			sc.send(&att.ErrorResponse{RequestOpcode: pdu[0], ErrorCode: att.ErrRequestNotSupported})
			continue
		}
		s.handlePacket(sc, pkt)
	}
}

func (s *GATTServer) handlePacket(sc *serverConn, pkt interface{}) {
	switch p := pkt.(type) {
	case *att.ExchangeMTURequest:
		mtu := p.ClientRxMTU
		if mtu > s.maxMTU {
			mtu = s.maxMTU
		}
		if mtu < DefaultMTU {
			mtu = DefaultMTU
		}
		sc.mu.Lock()
		sc.mtu = int(mtu)
		sc.mu.Unlock()
		sc.send(&att.ExchangeMTUResponse{ServerRxMTU: s.maxMTU})

	case *att.WriteRequest:
		if err := s.handleWrite(sc, p.Handle, p.Value, true); err != nil {
			code := uint8(att.ErrWriteRequestRejected)
			var attErr *att.Error
			if errors.As(err, &attErr) {
				code = attErr.Code
			}
			sc.send(&att.ErrorResponse{RequestOpcode: att.OpWriteRequest, Handle: p.Handle, ErrorCode: code})
			return
		}
		sc.send(&att.WriteResponse{})

	case *att.WriteCommand:
		if err := s.handleWrite(sc, p.Handle, p.Value, false); err != nil {
			logger.Trace(s.tag(), "write command on 0x%04X dropped: %v", p.Handle, err)
		}

	default:
		logger.Warn(s.tag(), "⚠️  Unsupported PDU %T from %s", pkt, shortID(sc.peerID))
	}
}

func (s *GATTServer) handleWrite(sc *serverConn, handle uint16, value []byte, withResponse bool) error {
	c, isCCCD, ok := s.table.byHandle(handle)
	if !ok {
		return att.NewError(att.ErrInvalidHandle, att.OpWriteRequest, handle)
	}
	if isCCCD {
		if !withResponse {
			return att.NewError(att.ErrWriteNotPermitted, att.OpWriteCommand, handle)
		}
		if len(value) != 2 {
			return att.NewError(att.ErrInvalidAttributeValueLength, att.OpWriteRequest, handle)
		}
		sc.mu.Lock()
		sc.subscribed[c.Handle] = value[0]&0x01 != 0
		sc.mu.Unlock()
		return nil
	}

	required := PropWrite
	if !withResponse {
		required = PropWriteWithoutResponse
	}
	if !c.HasProperty(required) {
		return att.NewError(att.ErrWriteNotPermitted, att.OpWriteRequest, handle)
	}

	s.mu.RLock()
	fn := s.onWrite
	s.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(sc.peerID, c.Handle, value, withResponse)
}

// Notify sends value on handle to every subscribed central
func (s *GATTServer) Notify(handle uint16, value []byte) error {
	s.mu.RLock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	sent := 0
	var lastErr error
	for _, c := range conns {
		c.mu.Lock()
		subscribed, mtu := c.subscribed[handle], c.mtu
		c.mu.Unlock()
		if !subscribed {
			continue
		}
		if len(value) > mtu-ATTHeaderLen {
			lastErr = fmt.Errorf("notification of %d bytes exceeds MTU payload %d", len(value), mtu-ATTHeaderLen)
			continue
		}
		if err := c.send(&att.HandleValueNotification{Handle: handle, Value: value}); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		if lastErr != nil {
			return lastErr
		}
		return ErrNoSubscribers
	}
	return nil
}

// MaxNotifyPayload is the largest value every subscribed central can take
func (s *GATTServer) MaxNotifyPayload() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	smallest := 0
	for _, c := range s.conns {
		c.mu.Lock()
		mtu := c.mtu
		c.mu.Unlock()
		if smallest == 0 || mtu < smallest {
			smallest = mtu
		}
	}
	if smallest == 0 {
		smallest = DefaultMTU
	}
	return smallest - ATTHeaderLen
}

func (c *serverConn) send(pkt interface{}) error {
	pdu, err := att.EncodePacket(pkt)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return writeFrame(c.conn, pdu)
}
