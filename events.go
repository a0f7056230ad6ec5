package keep

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/GeceGibi/keep/internal/telemetry/logger"
	"github.com/GeceGibi/keep/internal/telemetry/metric"
)

// Op names what happened to a key in a change event.
type Op string

const (
	// OpSet means the key's value was written.
	OpSet Op = "set"

	// OpRemove means the key's value was deleted.
	OpRemove Op = "remove"

	// OpClear means the key was dropped by a store-wide clear.
	OpClear Op = "clear"
)

// Event is one change notification. ID is a ULID, so events sort by
// emission time. Key is the logical key name, except for secure
// entries swept in bulk, where only the stored name is known.
type Event struct {
	ID  string
	Key string
	Op  Op
}

// hub fans change events out to subscribers. Delivery is best-effort:
// a subscriber that stops draining its channel loses events rather
// than blocking writers.
type hub struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	entropy *ulid.MonotonicEntropy
	closed  bool

	log     logger.Logger
	metrics *metric.Registry
}

func newHub(log logger.Logger, metrics *metric.Registry) *hub {
	return &hub{
		subs:    make(map[int]chan Event),
		entropy: ulid.Monotonic(rand.Reader, 0),
		log:     log,
		metrics: metrics,
	}
}

// defaultSubscriberBuffer holds events for a subscriber that has not
// yet drained; beyond it events drop.
const defaultSubscriberBuffer = 16

// subscribe returns a channel of future events and a cancel function.
// The channel closes on cancel or when the hub shuts down.
func (h *hub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	ch := make(chan Event, buffer)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// publish delivers one event to every subscriber without blocking.
func (h *hub) publish(key string, op Op) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || len(h.subs) == 0 {
		return
	}

	id, err := ulid.New(ulid.Timestamp(time.Now()), h.entropy)
	if err != nil {
		h.log.Error("cannot generate event id", "error", err)
		return
	}
	ev := Event{ID: id.String(), Key: key, Op: op}

	for _, sub := range h.subs {
		select {
		case sub <- ev:
			h.metrics.IncEventPublished()
		default:
			h.metrics.IncEventDropped()
		}
	}
}

// close shuts the hub down and closes every subscriber channel.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub)
	}
}

// count returns the number of active subscribers.
func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
