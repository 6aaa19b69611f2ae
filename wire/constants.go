package wire

import "time"

// BLE timing constants for realistic behavior
const (
	// Connection establishment takes time in real BLE
	MinConnectionDelay = 30 * time.Millisecond
	MaxConnectionDelay = 100 * time.Millisecond

	// Service discovery is not instant
	MinServiceDiscoveryDelay = 50 * time.Millisecond
	MaxServiceDiscoveryDelay = 200 * time.Millisecond

	// How often a scanning radio re-reads the socket directory
	ScanPollInterval = 200 * time.Millisecond

	// ATT transaction timeout for write requests and MTU exchange
	ATTTimeout = 5 * time.Second
)

// MTU limits
const (
	DefaultMTU   = 23  // BLE 4.0 default: 20 bytes of value + 3 byte ATT header
	PreferredMTU = 185 // what phones typically negotiate
	MaxMTU       = 512
	ATTHeaderLen = 3
)

// DefaultRSSI is reported when a device does not publish one
const DefaultRSSI = -45
