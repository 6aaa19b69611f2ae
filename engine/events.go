package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies what an Event reports
type Kind string

const (
	KindState     Kind = "state"     // link state transition
	KindLine      Kind = "line"      // inbound text line
	KindDirection Kind = "direction" // direction echo
	KindTransfer  Kind = "transfer"  // photo transfer state change
	KindPhoto     Kind = "photo"     // finished transfer result
	KindTelemetry Kind = "telemetry" // sensor reading
	KindMission   Kind = "mission"   // mission started or ended
)

// Event is one observable change in the engine, shaped for JSON consumers
type Event struct {
	Kind Kind                   `json:"kind"`
	At   time.Time              `json:"at"`
	Data map[string]interface{} `json:"data"`
}

// hub fans events out to subscribers. Slow subscribers lose events
// rather than stall the notification path.
type hub struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	closed  bool
	dropped atomic.Uint64
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

func (h *hub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *hub) publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
