// Package notifier broadcasts "identity updated" events to interested
// subscribers without ever blocking the publisher.
package notifier

import (
	"errors"
	"sync"

	"tangled.org/replica/identity"
)

// Capacity is the number of undelivered updates each subscriber can hold.
const Capacity = 32

var (
	// ErrInactive is returned by Publish when nobody is subscribed.
	ErrInactive = errors.New("no subscribers")
	// ErrFull is returned by Publish when at least one subscriber missed the
	// update because its buffer was full.
	ErrFull = errors.New("subscriber buffer full")
)

type Notifier struct {
	subscribers map[chan identity.Revision]struct{}
	mu          sync.Mutex
}

func New() *Notifier {
	return &Notifier{
		subscribers: make(map[chan identity.Revision]struct{}),
	}
}

// Subscribe returns a channel that receives every update published from now
// on.
func (n *Notifier) Subscribe() chan identity.Revision {
	ch := make(chan identity.Revision, Capacity)
	n.mu.Lock()
	n.subscribers[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

func (n *Notifier) Unsubscribe(ch chan identity.Revision) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subscribers[ch]; !ok {
		return
	}
	delete(n.subscribers, ch)
	close(ch)
}

func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subscribers)
}

// Publish delivers rev to every subscriber with room in its buffer.
func (n *Notifier) Publish(rev identity.Revision) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.subscribers) == 0 {
		return ErrInactive
	}

	var err error
	for ch := range n.subscribers {
		select {
		case ch <- rev:
		default:
			err = ErrFull
		}
	}
	return err
}

// TypeProjectUpdated marks an Event announcing new data for an identity.
const TypeProjectUpdated = "projectUpdated"

// Event is the wire form of an update, shared by every outbound stream.
type Event struct {
	Type string `json:"type"`
	Urn  string `json:"urn"`
}

func ProjectUpdated(rev identity.Revision) Event {
	return Event{Type: TypeProjectUpdated, Urn: rev.Urn()}
}
