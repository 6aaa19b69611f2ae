package att

import (
	"encoding/binary"
	"fmt"
)

// Error Response (0x01)
type ErrorResponse struct {
	RequestOpcode uint8
	Handle        uint16
	ErrorCode     uint8
}

// Exchange MTU Request/Response (0x02/0x03)
type ExchangeMTURequest struct {
	ClientRxMTU uint16
}

type ExchangeMTUResponse struct {
	ServerRxMTU uint16
}

// Write Request/Response (0x12/0x13)
type WriteRequest struct {
	Handle uint16
	Value  []byte
}

type WriteResponse struct{}

// Write Command (0x52), no response
type WriteCommand struct {
	Handle uint16
	Value  []byte
}

// Handle Value Notification (0x1B), no confirmation
type HandleValueNotification struct {
	Handle uint16
	Value  []byte
}

// EncodePacket encodes an ATT PDU to its binary form
func EncodePacket(pkt interface{}) ([]byte, error) {
	switch p := pkt.(type) {
	case *ErrorResponse:
		buf := make([]byte, 5)
		buf[0] = OpErrorResponse
		buf[1] = p.RequestOpcode
		binary.LittleEndian.PutUint16(buf[2:4], p.Handle)
		buf[4] = p.ErrorCode
		return buf, nil

	case *ExchangeMTURequest:
		buf := make([]byte, 3)
		buf[0] = OpExchangeMTURequest
		binary.LittleEndian.PutUint16(buf[1:3], p.ClientRxMTU)
		return buf, nil

	case *ExchangeMTUResponse:
		buf := make([]byte, 3)
		buf[0] = OpExchangeMTUResponse
		binary.LittleEndian.PutUint16(buf[1:3], p.ServerRxMTU)
		return buf, nil

	case *WriteRequest:
		return encodeHandleValue(OpWriteRequest, p.Handle, p.Value), nil

	case *WriteResponse:
		return []byte{OpWriteResponse}, nil

	case *WriteCommand:
		return encodeHandleValue(OpWriteCommand, p.Handle, p.Value), nil

	case *HandleValueNotification:
		return encodeHandleValue(OpHandleValueNotification, p.Handle, p.Value), nil

	default:
		return nil, fmt.Errorf("unsupported ATT packet type %T", pkt)
	}
}

func encodeHandleValue(opcode uint8, handle uint16, value []byte) []byte {
	buf := make([]byte, 3+len(value))
	buf[0] = opcode
	binary.LittleEndian.PutUint16(buf[1:3], handle)
	copy(buf[3:], value)
	return buf
}

// DecodePacket decodes a binary ATT PDU into one of the packet structs
func DecodePacket(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty ATT packet")
	}

	opcode := data[0]
	switch opcode {
	case OpErrorResponse:
		if len(data) < 5 {
			return nil, fmt.Errorf("error response too short: %d bytes", len(data))
		}
		return &ErrorResponse{
			RequestOpcode: data[1],
			Handle:        binary.LittleEndian.Uint16(data[2:4]),
			ErrorCode:     data[4],
		}, nil

	case OpExchangeMTURequest, OpExchangeMTUResponse:
		if len(data) < 3 {
			return nil, fmt.Errorf("MTU exchange too short: %d bytes", len(data))
		}
		mtu := binary.LittleEndian.Uint16(data[1:3])
		if opcode == OpExchangeMTURequest {
			return &ExchangeMTURequest{ClientRxMTU: mtu}, nil
		}
		return &ExchangeMTUResponse{ServerRxMTU: mtu}, nil

	case OpWriteResponse:
		return &WriteResponse{}, nil

	case OpWriteRequest, OpWriteCommand, OpHandleValueNotification:
		if len(data) < 3 {
			return nil, fmt.Errorf("%s too short: %d bytes", OpcodeNames[opcode], len(data))
		}
		handle := binary.LittleEndian.Uint16(data[1:3])
		value := make([]byte, len(data)-3)
		copy(value, data[3:])
		switch opcode {
		case OpWriteRequest:
			return &WriteRequest{Handle: handle, Value: value}, nil
		case OpWriteCommand:
			return &WriteCommand{Handle: handle, Value: value}, nil
		default:
			return &HandleValueNotification{Handle: handle, Value: value}, nil
		}

	default:
		return nil, fmt.Errorf("unsupported ATT opcode 0x%02X", opcode)
	}
}
