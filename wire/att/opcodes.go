package att

// ATT opcodes used by the rover link (Bluetooth Core Spec v5.3 Vol 3, Part F, 3.4)
const (
	OpErrorResponse           = 0x01
	OpExchangeMTURequest      = 0x02
	OpExchangeMTUResponse     = 0x03
	OpWriteRequest            = 0x12
	OpWriteResponse           = 0x13
	OpWriteCommand            = 0x52
	OpHandleValueNotification = 0x1B
)

// OpcodeNames maps opcodes to human-readable names for logs
var OpcodeNames = map[uint8]string{
	OpErrorResponse:           "Error Response",
	OpExchangeMTURequest:      "Exchange MTU Request",
	OpExchangeMTUResponse:     "Exchange MTU Response",
	OpWriteRequest:            "Write Request",
	OpWriteResponse:           "Write Response",
	OpWriteCommand:            "Write Command",
	OpHandleValueNotification: "Handle Value Notification",
}

// GetResponseOpcode returns the response opcode for a request, or 0
func GetResponseOpcode(requestOpcode uint8) uint8 {
	switch requestOpcode {
	case OpExchangeMTURequest:
		return OpExchangeMTUResponse
	case OpWriteRequest:
		return OpWriteResponse
	default:
		return 0
	}
}

// IsResponse returns true if the opcode answers a request
func IsResponse(opcode uint8) bool {
	return opcode == OpErrorResponse || opcode == OpExchangeMTUResponse || opcode == OpWriteResponse
}
