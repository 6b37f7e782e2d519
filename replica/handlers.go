package replica

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"tangled.org/replica/identity"
	"tangled.org/replica/metrics"
	"tangled.org/replica/notes"
	"tangled.org/replica/patch"
	"tangled.org/replica/queue"
)

func (s *Server) revision(w http.ResponseWriter, r *http.Request) (identity.Revision, bool) {
	rev, err := identity.ParseUrn(chi.URLParam(r, "urn"))
	if err != nil {
		writeError(w, InvalidUrnError(err), http.StatusBadRequest)
		return identity.Revision{}, false
	}
	return rev, true
}

func (s *Server) patchID(w http.ResponseWriter, r *http.Request) (patch.ID, bool) {
	id := patch.ID{
		Peer: identity.PeerID(chi.URLParam(r, "peer")),
		Name: chi.URLParam(r, "name"),
	}
	if err := id.Validate(); err != nil {
		writeError(w, InvalidPatchError(err), http.StatusBadRequest)
		return patch.ID{}, false
	}
	return id, true
}

func (s *Server) PublishPatchEvent(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "PublishPatchEvent")

	rev, ok := s.revision(w, r)
	if !ok {
		return
	}
	id, ok := s.patchID(w, r)
	if !ok {
		return
	}

	var ev patch.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, InvalidEventError(err), http.StatusBadRequest)
		return
	}

	err := patch.Publish(r.Context(), s.repo, s.self, rev, id, ev)
	switch {
	case err == nil:
		metrics.NotesAppended.WithLabelValues("ok").Inc()
	case errors.Is(err, patch.ErrInvalidEvent):
		writeError(w, InvalidEventError(err), http.StatusBadRequest)
		return
	case errors.Is(err, notes.ErrConflict):
		metrics.NotesAppended.WithLabelValues("conflict").Inc()
		writeError(w, ConflictError(err), http.StatusConflict)
		return
	default:
		metrics.NotesAppended.WithLabelValues("error").Inc()
		l.Error("failed to publish patch event", "urn", rev.Urn(), "patch", id.String(), "err", err)
		writeError(w, GitError(err), http.StatusInternalServerError)
		return
	}

	s.schedulePush(rev)
	w.WriteHeader(http.StatusNoContent)
}

// schedulePush pushes the notes of rev in the background. A failed or
// skipped push is picked up by the next publish or an explicit push.
func (s *Server) schedulePush(rev identity.Revision) {
	if s.push == nil {
		return
	}

	ok := s.push.Enqueue(queue.Job{
		Run: func() error {
			_, err := s.handle.PushUpstreamNotes(context.Background(), rev)
			return err
		},
		OnFail: func(err error) {
			s.l.Warn("failed to push upstream notes", "urn", rev.Urn(), "err", err)
		},
	})
	if !ok {
		s.l.Warn("push queue full, skipping push", "urn", rev.Urn())
	}
}

func (s *Server) PatchEvents(w http.ResponseWriter, r *http.Request) {
	rev, ok := s.revision(w, r)
	if !ok {
		return
	}
	id, ok := s.patchID(w, r)
	if !ok {
		return
	}

	events, err := patch.Events(r.Context(), s.repo, rev, id)
	if err != nil {
		s.l.Error("failed to read patch events", "urn", rev.Urn(), "patch", id.String(), "err", err)
		writeError(w, GitError(err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, events, http.StatusOK)
}

func (s *Server) PatchStatus(w http.ResponseWriter, r *http.Request) {
	rev, ok := s.revision(w, r)
	if !ok {
		return
	}
	id, ok := s.patchID(w, r)
	if !ok {
		return
	}

	doc, err := identity.Load(s.repo, rev)
	if errors.Is(err, identity.ErrNoIdentity) {
		writeError(w, IdentityNotFoundError(rev.Urn()), http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, GitError(err), http.StatusInternalServerError)
		return
	}

	delegates, err := identity.DelegateKeys(s.repo, doc)
	if err != nil {
		writeError(w, GitError(err), http.StatusInternalServerError)
		return
	}

	events, err := patch.Events(r.Context(), s.repo, rev, id)
	if err != nil {
		writeError(w, GitError(err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]patch.Status{
		"status": patch.InferStatus(events, id.Peer, delegates),
	}, http.StatusOK)
}

func (s *Server) RequestFetch(w http.ResponseWriter, r *http.Request) {
	rev, ok := s.revision(w, r)
	if !ok {
		return
	}

	s.handle.Add(rev)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) Seed(w http.ResponseWriter, r *http.Request) {
	rev, ok := s.revision(w, r)
	if !ok {
		return
	}

	seed := s.handle.GetSeed(r.Context(), rev)
	if seed == nil {
		writeError(w, NoSeedError(rev.Urn()), http.StatusNotFound)
		return
	}

	writeJSON(w, map[string]string{"seed": seed.String()}, http.StatusOK)
}

func (s *Server) PushNotes(w http.ResponseWriter, r *http.Request) {
	rev, ok := s.revision(w, r)
	if !ok {
		return
	}

	pushed, err := s.handle.PushUpstreamNotes(r.Context(), rev)
	if err != nil {
		s.l.Error("failed to push upstream notes", "urn", rev.Urn(), "err", err)
		writeError(w, GitError(err), http.StatusBadGateway)
		return
	}
	if !pushed {
		writeError(w, NoSeedError(rev.Urn()), http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
