package status

import (
	"sync"
	"sync/atomic"
	"time"

	"Rigger/internal/fleet"
)

// UpdateKind tags what a bus update carries.
type UpdateKind string

const (
	KindTransition UpdateKind = "transition"
	KindScaling    UpdateKind = "scaling"
)

// Update is one push to the status channel: either an instance state
// transition or a scaling event. Delivery to live subscribers is
// best-effort; the durable event log is the replay source, so consumers
// get at-least-once overall and must tolerate duplicates.
type Update struct {
	Kind       UpdateKind   `json:"kind"`
	Repo       string       `json:"repo"`
	InstanceID string       `json:"instance_id,omitempty"`
	From       fleet.State  `json:"from,omitempty"`
	To         fleet.State  `json:"to,omitempty"`
	Event      *fleet.Event `json:"event,omitempty"`
	At         time.Time    `json:"at"`
}

// Bus fans updates out to subscribers without ever blocking a control loop.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Update
	nextID  int
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Update)}
}

// Subscribe registers a consumer with the given channel buffer. The
// returned cancel func must be called when the consumer goes away.
func (b *Bus) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Update, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers to every subscriber that has buffer room and counts the
// rest as dropped.
func (b *Bus) Publish(u Update) {
	if u.At.IsZero() {
		u.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- u:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of updates not delivered to a subscriber.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
