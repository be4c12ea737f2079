package events

import (
	"sync"

	"github.com/flightline/fleet/pkg/models"
)

// StreamKey addresses one stream for notification purposes.
type StreamKey struct {
	Type models.StreamType
	ID   string
}

// Notifier is the in-process wakeup fabric: mailbox long-polls and websocket
// streams subscribe to a stream key and get a copy of every event appended to
// it. Delivery is best-effort; a slow subscriber misses the wakeup and picks
// the events up from the log on its next query.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[StreamKey]map[chan models.Event]struct{}
	global map[chan models.Event]struct{}
}

// NewNotifier returns an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		subs:   make(map[StreamKey]map[chan models.Event]struct{}),
		global: make(map[chan models.Event]struct{}),
	}
}

// Subscribe registers interest in a stream. The returned channel is buffered;
// cancel must be called to release it.
func (n *Notifier) Subscribe(key StreamKey) (<-chan models.Event, func()) {
	ch := make(chan models.Event, 16)

	n.mu.Lock()
	set, ok := n.subs[key]
	if !ok {
		set = make(map[chan models.Event]struct{})
		n.subs[key] = set
	}
	set[ch] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if set, ok := n.subs[key]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(n.subs, key)
			}
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

// SubscribeAll registers interest in every appended event, used by the
// websocket fan-out pump.
func (n *Notifier) SubscribeAll() (<-chan models.Event, func()) {
	ch := make(chan models.Event, 64)

	n.mu.Lock()
	n.global[ch] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		delete(n.global, ch)
		n.mu.Unlock()
	}
	return ch, cancel
}

// Notify fans an event out to the stream's subscribers without blocking.
func (n *Notifier) Notify(e models.Event) {
	key := StreamKey{Type: e.StreamType, ID: e.StreamID}

	n.mu.RLock()
	defer n.mu.RUnlock()
	for ch := range n.subs[key] {
		select {
		case ch <- e:
		default:
			// Full buffer: the subscriber recovers via a log query.
		}
	}
	for ch := range n.global {
		select {
		case ch <- e:
		default:
		}
	}
}
