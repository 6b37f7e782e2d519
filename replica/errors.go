package replica

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// APIError is the JSON body of every failed request.
type APIError struct {
	Tag     string `json:"error"`
	Message string `json:"message"`
}

func (e APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Tag, e.Message)
	}
	return e.Tag
}

type ErrOpt = func(e *APIError)

func NewAPIError(opts ...ErrOpt) APIError {
	e := APIError{}
	for _, o := range opts {
		o(&e)
	}
	return e
}

func WithTag(tag string) ErrOpt {
	return func(e *APIError) {
		e.Tag = tag
	}
}

func WithMessage[S ~string](s S) ErrOpt {
	return func(e *APIError) {
		e.Message = string(s)
	}
}

func WithError(err error) ErrOpt {
	return func(e *APIError) {
		e.Message = err.Error()
	}
}

var InvalidUrnError = func(err error) APIError {
	return NewAPIError(
		WithTag("InvalidUrn"),
		WithError(err),
	)
}

var InvalidPatchError = func(err error) APIError {
	return NewAPIError(
		WithTag("InvalidPatch"),
		WithError(err),
	)
}

var InvalidEventError = func(err error) APIError {
	return NewAPIError(
		WithTag("InvalidEvent"),
		WithError(err),
	)
}

var IdentityNotFoundError = func(urn string) APIError {
	return NewAPIError(
		WithTag("IdentityNotFound"),
		WithError(fmt.Errorf("identity not found: %s", urn)),
	)
}

var NoSeedError = func(urn string) APIError {
	return NewAPIError(
		WithTag("NoSeed"),
		WithError(fmt.Errorf("no seed known for %s", urn)),
	)
}

var ConflictError = func(err error) APIError {
	return NewAPIError(
		WithTag("Conflict"),
		WithError(err),
	)
}

var GitError = func(err error) APIError {
	return NewAPIError(
		WithTag("Git"),
		WithError(fmt.Errorf("git error: %w", err)),
	)
}

func GenericError(err error) APIError {
	return NewAPIError(
		WithTag("Generic"),
		WithError(err),
	)
}

func writeError(w http.ResponseWriter, e APIError, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(e)
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
