package notes

import (
	"encoding/json"
	"fmt"

	"tangled.org/replica/identity"
)

// Envelope is one logged event together with the peer that wrote it. The
// event is kept as raw JSON; every reader knows its own schema and decodes it
// with Into.
type Envelope struct {
	PeerID identity.PeerID `json:"peer_id"`
	Event  json.RawMessage `json:"event"`
}

// Encode serialises payload and its author into a commit message body.
func Encode(author identity.PeerID, payload any) ([]byte, error) {
	event, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	return json.Marshal(Envelope{PeerID: author, Event: event})
}

// Decode parses a commit message body back into an envelope.
func Decode(data []byte) (Envelope, error) {
	var raw struct {
		PeerID *identity.PeerID `json:"peer_id"`
		Event  json.RawMessage  `json:"event"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if raw.PeerID == nil || *raw.PeerID == "" {
		return Envelope{}, fmt.Errorf("%w: missing peer_id", ErrMalformedEnvelope)
	}
	if len(raw.Event) == 0 {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformedEnvelope)
	}
	return Envelope{PeerID: *raw.PeerID, Event: raw.Event}, nil
}

// Into decodes the event into v.
func (e Envelope) Into(v any) error {
	if err := json.Unmarshal(e.Event, v); err != nil {
		return fmt.Errorf("%w: %w", ErrEventSchema, err)
	}
	return nil
}
