package replica

import (
	"log/slog"
	"net/http"

	"github.com/carlmjohnson/versioninfo"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tangled.org/replica/fetcher"
	"tangled.org/replica/identity"
	"tangled.org/replica/queue"
	"tangled.org/replica/replica/git"
)

// Server exposes the local peer over HTTP.
type Server struct {
	self   identity.PeerID
	repo   *git.Repo
	handle *fetcher.Handle
	push   *queue.Queue
	l      *slog.Logger
}

func NewServer(self identity.PeerID, repo *git.Repo, handle *fetcher.Handle, push *queue.Queue, l *slog.Logger) *Server {
	return &Server{
		self:   self,
		repo:   repo,
		handle: handle,
		push:   push,
		l:      l,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.RequestLogger)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("This is a replica node. It replicates projects from seeds and keeps upstream notes."))
	})

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"version": versioninfo.Short()}, http.StatusOK)
	})

	r.Route("/projects/{urn}", func(r chi.Router) {
		r.Post("/fetch", s.RequestFetch)
		r.Get("/seed", s.Seed)
		r.Post("/push", s.PushNotes)

		r.Route("/patches/{peer}/{name}", func(r chi.Router) {
			r.Put("/events", s.PublishPatchEvent)
			r.Get("/events", s.PatchEvents)
			r.Get("/status", s.PatchStatus)
		})
	})

	// Socket that streams project updates
	r.Get("/events", s.Events)

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func chiRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}
