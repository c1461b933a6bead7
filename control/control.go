// Package control exposes the gateway's command surface over HTTP:
// status reporting, cache clearing, forced activation, connectivity
// signalling and Prometheus metrics.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	pokedexcache "github.com/kolbylandon/pokedex-cache"
)

// Engine is the part of the gateway the control API drives.
type Engine interface {
	Status(ctx context.Context) (pokedexcache.Status, error)
	ClearAll(ctx context.Context) error
	ForceActivate()
	Reconnect()
}

var _ Engine = (*pokedexcache.Gateway)(nil)

// reply is the envelope common to all JSON replies. The id correlates the
// reply to its request and matches the Request-Id response header.
type reply struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Error   string `json:"error,omitempty"`
}

type statusReply struct {
	reply
	pokedexcache.Status
}

type server struct {
	engine Engine
}

// Handler returns the control API router. A nil gatherer serves the default
// Prometheus registry at /metrics.
func Handler(engine Engine, logger zerolog.Logger, gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &server{engine: engine}

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("reqId", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", status).
			Dur("duration", duration).
			Msg("Control request")
	}))

	r.Get("/status", s.status)
	r.Post("/clear", s.clear)
	r.Post("/activate", s.activate)
	r.Post("/reconnect", s.reconnect)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	id := requestID(r)
	status, err := s.engine.Status(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not report status")
		writeJSON(w, http.StatusInternalServerError, reply{ID: id, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusReply{
		reply:  reply{Success: true, ID: id},
		Status: status,
	})
}

func (s *server) clear(w http.ResponseWriter, r *http.Request) {
	id := requestID(r)
	if err := s.engine.ClearAll(r.Context()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not clear cache")
		writeJSON(w, http.StatusInternalServerError, reply{ID: id, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, reply{Success: true, ID: id})
}

// activate asks a held generation to take over immediately. The handoff is
// asynchronous, so the reply is an acknowledgement, not a completion.
func (s *server) activate(w http.ResponseWriter, r *http.Request) {
	s.engine.ForceActivate()
	w.WriteHeader(http.StatusAccepted)
}

// reconnect tells the gateway connectivity is restored, triggering an
// immediate reconciliation pass instead of waiting for the next interval.
func (s *server) reconnect(w http.ResponseWriter, r *http.Request) {
	s.engine.Reconnect()
	w.WriteHeader(http.StatusAccepted)
}

// requestID returns the correlation id assigned by the request-id
// middleware, generating one when the handler is mounted without it.
func requestID(r *http.Request) string {
	if id, ok := hlog.IDFromRequest(r); ok {
		return id.String()
	}
	return xid.New().String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
