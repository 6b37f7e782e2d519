// Package patch records patch status changes as upstream notes and infers a
// patch's status from them.
package patch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"tangled.org/replica/identity"
	"tangled.org/replica/notes"
	"tangled.org/replica/replica/git"
)

var (
	ErrInvalidID    = errors.New("invalid patch id")
	ErrInvalidEvent = errors.New("invalid patch event")
)

type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

type EventType string

const (
	EventSetStatus EventType = "setStatus"
)

// ID names a patch by the peer that opened it and the patch name,
// "<peer>/<name>".
type ID struct {
	Peer identity.PeerID
	Name string
}

func ParseID(s string) (ID, error) {
	peer, name, ok := strings.Cut(s, "/")
	if !ok {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	id := ID{Peer: identity.PeerID(peer), Name: name}
	if err := id.Validate(); err != nil {
		return ID{}, err
	}
	return id, nil
}

func (id ID) Validate() error {
	if err := id.Peer.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidID, err)
	}
	if id.Name == "" || strings.Contains(id.Name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id.Name)
	}
	return nil
}

func (id ID) String() string {
	return string(id.Peer) + "/" + id.Name
}

// LogName is the upstream notes log holding the patch's events.
func (id ID) LogName() string {
	return "patches/" + id.String()
}

type SetStatusData struct {
	Status Status `json:"status"`
}

// Event is a single patch event as stored in the log.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func SetStatus(s Status) Event {
	data, _ := json.Marshal(SetStatusData{Status: s})
	return Event{Type: EventSetStatus, Data: data}
}

// Validate checks the event against the known event types.
func (e Event) Validate() error {
	switch e.Type {
	case EventSetStatus:
		var d SetStatusData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		if d.Status != StatusOpen && d.Status != StatusClosed {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, d.Status)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
}

// StatusData returns the data of a setStatus event.
func (e Event) StatusData() (SetStatusData, bool) {
	if e.Type != EventSetStatus {
		return SetStatusData{}, false
	}
	var d SetStatusData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return SetStatusData{}, false
	}
	return d, true
}

// Stored is an event together with the peer that published it.
type Stored struct {
	PeerID identity.PeerID `json:"peer_id"`
	Event  Event           `json:"event"`
}

func Publish(ctx context.Context, repo *git.Repo, peer identity.PeerID, rev identity.Revision, id ID, ev Event) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	return notes.Append(ctx, repo, peer, rev, id.LogName(), ev)
}

// Events returns the events of a patch, newest first. Entries that do not
// decode as a known patch event are skipped.
func Events(ctx context.Context, repo *git.Repo, rev identity.Revision, id ID) ([]Stored, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	envs, err := notes.Read(ctx, repo, rev, id.LogName())
	if err != nil {
		return nil, err
	}

	events := make([]Stored, 0, len(envs))
	for _, env := range envs {
		var ev Event
		if err := env.Into(&ev); err != nil {
			continue
		}
		if ev.Validate() != nil {
			continue
		}
		events = append(events, Stored{PeerID: env.PeerID, Event: ev})
	}
	return events, nil
}

// InferStatus returns the status set by the newest setStatus event
// published by the patch author or a delegate. Patches are open until
// someone with authority closes them.
func InferStatus(events []Stored, author identity.PeerID, delegates []identity.PeerID) Status {
	for _, e := range events {
		if e.PeerID != author && !slices.Contains(delegates, e.PeerID) {
			continue
		}
		if d, ok := e.Event.StatusData(); ok {
			return d.Status
		}
	}
	return StatusOpen
}
