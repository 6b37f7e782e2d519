package notes

import "errors"

var (
	// ErrMalformedEnvelope means a log commit does not hold a valid envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrEventSchema means the envelope is valid but its event does not fit
	// the type the reader asked for.
	ErrEventSchema = errors.New("event does not match schema")
	// ErrConflict means the log reference kept moving underneath the writer.
	ErrConflict = errors.New("log reference updated concurrently")
	// ErrStore wraps object store failures.
	ErrStore = errors.New("object store unavailable")

	ErrInvalidLogName = errors.New("invalid log name")
)
