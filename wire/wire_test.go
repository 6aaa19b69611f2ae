package wire

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/rover-link/wire/att"
)

const (
	testService = "0000aaaa-0000-1000-8000-00805f9b34fb"
	testRx      = "0000aaab-0000-1000-8000-00805f9b34fb"
	testTx      = "0000aaac-0000-1000-8000-00805f9b34fb"
	testRxAck   = "0000aaad-0000-1000-8000-00805f9b34fb"
)

func startTestServer(t *testing.T, dataDir string) *GATTServer {
	t.Helper()
	srv := NewGATTServer("rover-test", dataDir, AdvertisingData{
		DeviceName:   "ROVER-TEST",
		ServiceUUIDs: []string{testService},
	}, []GATTService{{
		UUID: testService,
		Characteristics: []GATTCharacteristic{
			{UUID: testRx, Properties: []string{PropWriteWithoutResponse}},
			{UUID: testTx, Properties: []string{PropNotify}},
			{UUID: testRxAck, Properties: []string{PropWrite}},
		},
	}})
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func connectTestPeripheral(t *testing.T, dataDir string, onDisconnect func(string)) Peripheral {
	t.Helper()
	radio := NewSocketRadio("controller", dataDir, WithLatency(0, 0))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := radio.Connect(ctx, "rover-test", onDisconnect)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { p.Disconnect() })
	if _, err := p.DiscoverServices(ctx); err != nil {
		t.Fatalf("DiscoverServices failed: %v", err)
	}
	return p
}

// TestScanFindsAdvertisingServer verifies scanning reads advertising data from the socket dir
func TestScanFindsAdvertisingServer(t *testing.T) {
	dir := t.TempDir()
	startTestServer(t, dir)

	radio := NewSocketRadio("controller", dir, WithLatency(0, 0))
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var found []Advertisement
	if err := radio.Scan(ctx, func(a Advertisement) { found = append(found, a) }); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(found) == 0 {
		t.Fatal("Expected at least one advertisement")
	}
	if found[0].LocalName != "ROVER-TEST" || found[0].RSSI != DefaultRSSI {
		t.Errorf("Unexpected advertisement: %+v", found[0])
	}
}

// TestNotificationsAndWriteCommands verifies the subscribe, notify and write-command round trip
func TestNotificationsAndWriteCommands(t *testing.T) {
	dir := t.TempDir()
	srv := startTestServer(t, dir)

	writes := make(chan []byte, 4)
	srv.SetWriteHandler(func(peerID string, handle uint16, value []byte, withResponse bool) error {
		writes <- value
		return nil
	})

	p := connectTestPeripheral(t, dir, nil)
	if p.MTU() != PreferredMTU {
		t.Errorf("Expected negotiated MTU %d, got %d", PreferredMTU, p.MTU())
	}

	notes := make(chan []byte, 4)
	ctx := context.Background()
	if err := p.EnableNotifications(ctx, testService, testTx, func(b []byte) { notes <- b }); err != nil {
		t.Fatalf("EnableNotifications failed: %v", err)
	}

	if err := p.WriteWithoutResponse(testService, testRx, []byte("F")); err != nil {
		t.Fatalf("WriteWithoutResponse failed: %v", err)
	}
	select {
	case got := <-writes:
		if string(got) != "F" {
			t.Errorf("Server received %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Server never received the write command")
	}

	tx, _ := srv.Table().Find(testService, testTx)
	if err := srv.Notify(tx.Handle, []byte("BUSY")); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	select {
	case got := <-notes:
		if string(got) != "BUSY" {
			t.Errorf("Central received %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Central never received the notification")
	}
}

// TestWriteTypeEnforcement verifies characteristic properties gate each write type
func TestWriteTypeEnforcement(t *testing.T) {
	dir := t.TempDir()
	srv := startTestServer(t, dir)
	srv.SetWriteHandler(func(string, uint16, []byte, bool) error { return nil })
	p := connectTestPeripheral(t, dir, nil)

	if err := p.WriteWithoutResponse(testService, testRxAck, []byte("PHOTO\n")); !errors.Is(err, ErrWriteTypeUnsupported) {
		t.Errorf("Expected ErrWriteTypeUnsupported, got %v", err)
	}
	if err := p.Write(context.Background(), testService, testRxAck, []byte("PHOTO\n")); err != nil {
		t.Errorf("Write with response failed: %v", err)
	}
	if err := p.Write(context.Background(), testService, testRx, []byte("F")); !errors.Is(err, ErrWriteTypeUnsupported) {
		t.Errorf("Expected ErrWriteTypeUnsupported, got %v", err)
	}
}

// TestWriteRequestRejected verifies handler errors come back as ATT error responses
func TestWriteRequestRejected(t *testing.T) {
	dir := t.TempDir()
	srv := startTestServer(t, dir)
	srv.SetWriteHandler(func(string, uint16, []byte, bool) error {
		return errors.New("busy")
	})
	p := connectTestPeripheral(t, dir, nil)

	err := p.Write(context.Background(), testService, testRxAck, []byte("X1"))
	if !att.IsATTError(err, att.ErrWriteRequestRejected) {
		t.Errorf("Expected write request rejected, got %v", err)
	}
}

// TestNotifyWithoutSubscribers verifies notifications need an enabled CCCD
func TestNotifyWithoutSubscribers(t *testing.T) {
	dir := t.TempDir()
	srv := startTestServer(t, dir)
	connectTestPeripheral(t, dir, nil)

	tx, _ := srv.Table().Find(testService, testTx)
	if err := srv.Notify(tx.Handle, []byte("DONE")); !errors.Is(err, ErrNoSubscribers) {
		t.Errorf("Expected ErrNoSubscribers, got %v", err)
	}
}

// TestDropConnectionsFiresDisconnect verifies remote link loss reaches the central's callback
func TestDropConnectionsFiresDisconnect(t *testing.T) {
	dir := t.TempDir()
	srv := startTestServer(t, dir)

	var once sync.Once
	dropped := make(chan string, 1)
	p := connectTestPeripheral(t, dir, func(addr string) {
		once.Do(func() { dropped <- addr })
	})

	srv.DropConnections()
	select {
	case addr := <-dropped:
		if addr != "rover-test" {
			t.Errorf("Unexpected address %q", addr)
		}
	case <-time.After(time.Second):
		t.Fatal("onDisconnect never fired")
	}

	if err := p.WriteWithoutResponse(testService, testRx, []byte("F")); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("Expected ErrLinkClosed after drop, got %v", err)
	}
}

// TestAssignHandles verifies the handle layout reserves CCCDs after notifying values
func TestAssignHandles(t *testing.T) {
	table := GATTTable{Services: []GATTService{{
		UUID: testService,
		Characteristics: []GATTCharacteristic{
			{UUID: testRx, Properties: []string{PropWriteWithoutResponse}},
			{UUID: testTx, Properties: []string{PropNotify}},
			{UUID: testRxAck, Properties: []string{PropWrite}},
		},
	}}}
	table.AssignHandles()

	want := []uint16{0x0003, 0x0005, 0x0008}
	for i, c := range table.Services[0].Characteristics {
		if c.Handle != want[i] {
			t.Errorf("characteristic %d: handle 0x%04X, want 0x%04X", i, c.Handle, want[i])
		}
	}
	if _, isCCCD, ok := table.byHandle(0x0006); !ok || !isCCCD {
		t.Error("Expected 0x0006 to be the TX CCCD")
	}
}

// TestServerTableLookup verifies the server exposes its assigned handles through Find
func TestServerTableLookup(t *testing.T) {
	srv := NewGATTServer("rover-test", t.TempDir(), AdvertisingData{DeviceName: "ROVER-TEST"}, []GATTService{{
		UUID: testService,
		Characteristics: []GATTCharacteristic{
			{UUID: testRx, Properties: []string{PropWriteWithoutResponse}},
			{UUID: testTx, Properties: []string{PropNotify}},
		},
	}})

	tx, ok := srv.Table().Find(testService, testTx)
	if !ok {
		t.Fatal("TX characteristic not found")
	}
	if tx.Handle != 0x0005 {
		t.Errorf("TX handle 0x%04X, want 0x0005", tx.Handle)
	}
	if _, ok := srv.Table().Find(testService, testRxAck); ok {
		t.Error("Found a characteristic the server does not publish")
	}
}
