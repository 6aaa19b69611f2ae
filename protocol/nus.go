// Package protocol translates between raw notification/write buffers and the
// rover's line protocol: text control lines, binary chunk frames and commands.
package protocol

// Nordic UART Service profile exposed by the rover
const (
	ServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	RxCharUUID  = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E" // controller -> rover (write)
	TxCharUUID  = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E" // rover -> controller (notify)
)

// FailSafeWindow is how long the rover keeps moving without hearing a command
const FailSafeWindow = 220 // ms
