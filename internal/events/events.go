// Package events implements the minimal request-outcome broadcast needed to
// exercise spec.md §6's subscribe_events() callback end-to-end: a bounded,
// lossy pub/sub where a slow subscriber drops events rather than blocking
// the publisher. A full fan-out system is out of scope per spec.md §1.
//
// Grounded on original_source/privaxy/src/server/lib.rs's
// broadcast::Sender<Event>.
package events

import "sync"

// Kind names the four outcomes a request can have, mirrored from the
// metrics counters (spec.md §3 "Statistics counters").
type Kind string

// The four request outcome kinds broadcast over /events.
const (
	Proxied   Kind = "request"
	Blocked   Kind = "block"
	Modified  Kind = "modify"
	Exception Kind = "exception"
)

// Event is one broadcast notification of a request outcome.
type Event struct {
	Kind      Kind   `json:"kind"`
	URL       string `json:"url"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster fans out events to zero or more subscribers.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

// Publish delivers ev to every current subscriber. A subscriber whose
// buffered channel is full simply misses the event; Publish never blocks.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function the caller must invoke when done.
func (b *Broadcaster) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}
}
