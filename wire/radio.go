package wire

import (
	"context"
	"errors"
)

var (
	// ErrRadioUnavailable means the radio could not be powered on
	ErrRadioUnavailable = errors.New("radio unavailable")
	// ErrLinkClosed is returned for operations on a dropped link
	ErrLinkClosed = errors.New("link closed")
	// ErrWriteTypeUnsupported means the characteristic lacks the requested write property
	ErrWriteTypeUnsupported = errors.New("write type not supported by characteristic")
	// ErrCharacteristicNotFound means discovery did not find the characteristic
	ErrCharacteristicNotFound = errors.New("characteristic not found")
)

// Advertisement is one observation of a connectable device while scanning
type Advertisement struct {
	Address      string
	LocalName    string
	ServiceUUIDs []string
	RSSI         int
}

// Radio is the central side of the physical transport. The link manager is
// its only user.
type Radio interface {
	// Enable powers the radio on. Called before every scan and connect.
	Enable() error
	// Scan reports advertisements until ctx ends. Repeated observations of
	// the same device are expected.
	Scan(ctx context.Context, found func(Advertisement)) error
	// Connect opens a link. onDisconnect fires once when the link drops for
	// any reason, including a local Disconnect.
	Connect(ctx context.Context, address string, onDisconnect func(address string)) (Peripheral, error)
}

// Peripheral is one open link to a remote device
type Peripheral interface {
	Address() string
	DiscoverServices(ctx context.Context) (*GATTTable, error)
	// EnableNotifications subscribes to charUUID; fn runs on the link's read
	// goroutine in arrival order.
	EnableNotifications(ctx context.Context, serviceUUID, charUUID string, fn func([]byte)) error
	WriteWithoutResponse(serviceUUID, charUUID string, data []byte) error
	Write(ctx context.Context, serviceUUID, charUUID string, data []byte) error
	MTU() int
	Disconnect() error
}
