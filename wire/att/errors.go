package att

import (
	"errors"
	"fmt"
)

// ATT error codes (Bluetooth Core Spec v5.3 Vol 3, Part F, 3.4.1.1)
const (
	ErrInvalidHandle               = 0x01
	ErrWriteNotPermitted           = 0x03
	ErrInvalidPDU                  = 0x04
	ErrRequestNotSupported         = 0x06
	ErrInvalidAttributeValueLength = 0x0D
	ErrUnlikelyError               = 0x0E
	ErrInsufficientResources       = 0x11
	ErrWriteRequestRejected        = 0xFC
	ErrCCCDImproperlyConfigured    = 0xFD
)

// ErrorNames maps error codes to human-readable names
var ErrorNames = map[uint8]string{
	ErrInvalidHandle:               "Invalid Handle",
	ErrWriteNotPermitted:           "Write Not Permitted",
	ErrInvalidPDU:                  "Invalid PDU",
	ErrRequestNotSupported:         "Request Not Supported",
	ErrInvalidAttributeValueLength: "Invalid Attribute Value Length",
	ErrUnlikelyError:               "Unlikely Error",
	ErrInsufficientResources:       "Insufficient Resources",
	ErrWriteRequestRejected:        "Write Request Rejected",
	ErrCCCDImproperlyConfigured:    "CCCD Improperly Configured",
}

// Error is an ATT Error Response surfaced as a Go error
type Error struct {
	Code          uint8
	RequestOpcode uint8
	Handle        uint16
}

func (e *Error) Error() string {
	name, ok := ErrorNames[e.Code]
	if !ok {
		name = fmt.Sprintf("Unknown Error (0x%02X)", e.Code)
	}
	opcodeName, ok := OpcodeNames[e.RequestOpcode]
	if !ok {
		opcodeName = fmt.Sprintf("0x%02X", e.RequestOpcode)
	}
	return fmt.Sprintf("ATT Error: %s (handle 0x%04X, request %s)", name, e.Handle, opcodeName)
}

// NewError creates a new ATT error
func NewError(code uint8, requestOpcode uint8, handle uint16) *Error {
	return &Error{Code: code, RequestOpcode: requestOpcode, Handle: handle}
}

// FromResponse converts a decoded Error Response into an *Error
func FromResponse(resp *ErrorResponse) *Error {
	return NewError(resp.ErrorCode, resp.RequestOpcode, resp.Handle)
}

// IsATTError checks if err wraps an ATT error with a specific code
func IsATTError(err error, code uint8) bool {
	var attErr *Error
	if errors.As(err, &attErr) {
		return attErr.Code == code
	}
	return false
}
