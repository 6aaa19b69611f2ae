package att

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRequestCancelled is delivered to a waiting request when the link closes
var ErrRequestCancelled = errors.New("ATT request cancelled (connection closed)")

// RequestTracker enforces ATT's one-outstanding-request rule per connection
// and matches responses to the waiting caller.
type RequestTracker struct {
	mu      sync.Mutex
	pending *pendingRequest
	timeout time.Duration
}

type pendingRequest struct {
	opcode    byte
	handle    uint16
	responseC chan Response
	sentAt    time.Time
}

// Response is an ATT response packet or the error that ended the request
type Response struct {
	Packet interface{}
	Err    error
}

// NewRequestTracker creates a tracker; zero timeout means the ATT default of 30s
func NewRequestTracker(timeout time.Duration) *RequestTracker {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RequestTracker{timeout: timeout}
}

// Start registers a request. It fails if another request is still pending.
func (rt *RequestTracker) Start(opcode byte, handle uint16) (<-chan Response, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending != nil {
		return nil, fmt.Errorf("ATT request already pending (opcode 0x%02X on handle 0x%04X)",
			rt.pending.opcode, rt.pending.handle)
	}
	rt.pending = &pendingRequest{
		opcode:    opcode,
		handle:    handle,
		responseC: make(chan Response, 1),
		sentAt:    time.Now(),
	}
	return rt.pending.responseC, nil
}

// Await blocks until the response arrives, ctx ends, or the ATT timeout fires.
// On ctx end or timeout the pending slot is released.
func (rt *RequestTracker) Await(ctx context.Context, responseC <-chan Response) (interface{}, error) {
	timer := time.NewTimer(rt.timeout)
	defer timer.Stop()

	select {
	case resp := <-responseC:
		if resp.Err != nil {
			return nil, resp.Err
		}
		if errResp, ok := resp.Packet.(*ErrorResponse); ok {
			return nil, FromResponse(errResp)
		}
		return resp.Packet, nil
	case <-timer.C:
		opcode, handle := rt.release(responseC)
		return nil, fmt.Errorf("ATT request timeout: opcode 0x%02X, handle 0x%04X", opcode, handle)
	case <-ctx.Done():
		rt.release(responseC)
		return nil, ctx.Err()
	}
}

func (rt *RequestTracker) release(responseC <-chan Response) (byte, uint16) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.pending == nil || (<-chan Response)(rt.pending.responseC) != responseC {
		return 0, 0
	}
	p := rt.pending
	rt.pending = nil
	return p.opcode, p.handle
}

// Complete delivers a response to the pending request
func (rt *RequestTracker) Complete(responseOpcode byte, packet interface{}) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending == nil {
		return fmt.Errorf("no pending ATT request for response opcode 0x%02X", responseOpcode)
	}
	expected := GetResponseOpcode(rt.pending.opcode)
	if responseOpcode != expected && responseOpcode != OpErrorResponse {
		return fmt.Errorf("unexpected response opcode 0x%02X for request 0x%02X (expected 0x%02X)",
			responseOpcode, rt.pending.opcode, expected)
	}
	rt.pending.responseC <- Response{Packet: packet}
	rt.pending = nil
	return nil
}

// CancelPending fails any pending request (used during disconnection)
func (rt *RequestTracker) CancelPending() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.pending == nil {
		return
	}
	rt.pending.responseC <- Response{Err: ErrRequestCancelled}
	rt.pending = nil
}

// HasPending returns true if there is a pending request
func (rt *RequestTracker) HasPending() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.pending != nil
}
