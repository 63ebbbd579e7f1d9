// Package api is the operator control surface: a thin HTTP layer over the
// supervisor's public operations. Channel CRUD, lifecycle commands, logs,
// stats, input analysis, capability inspection, and the two subscription
// verbs (follow one / follow all) as server-sent event streams.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/streamforge/supervisor/internal/capability"
	"github.com/streamforge/supervisor/internal/fanout"
	"github.com/streamforge/supervisor/internal/ffprobe"
	"github.com/streamforge/supervisor/internal/log"
	"github.com/streamforge/supervisor/internal/osstats"
	"github.com/streamforge/supervisor/internal/store"
	"github.com/streamforge/supervisor/internal/supervisor"
)

// Server bundles the core components the HTTP surface fronts.
type Server struct {
	store   *store.Store
	sup     *supervisor.Supervisor
	fan     *fanout.Fanout
	probe   *capability.Probe
	prober  *ffprobe.Prober
	stats   *osstats.Collector
	logger  zerolog.Logger

	// probeLimiter bounds how often operators can trigger input analysis;
	// each probe shells out for up to 30 s.
	probeLimiter *rate.Limiter
}

// New constructs the Server.
func New(st *store.Store, sup *supervisor.Supervisor, fan *fanout.Fanout, probe *capability.Probe, prober *ffprobe.Prober, stats *osstats.Collector) *Server {
	return &Server{
		store:        st,
		sup:          sup,
		fan:          fan,
		probe:        probe,
		prober:       prober,
		stats:        stats,
		logger:       log.WithComponent("api"),
		probeLimiter: rate.NewLimiter(rate.Every(2*time.Second), 5),
	}
}

// Handler builds the routed, traced, rate-limited handler tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(log.Middleware())

	r.Route("/api", func(r chi.Router) {
		r.Get("/channels", s.handleListChannels)
		r.Get("/channels/follow", s.handleFollowAll)
		r.Get("/channels/{id}", s.handleGetChannel)
		r.Get("/channels/{id}/status", s.handleGetStatus)
		r.Get("/channels/{id}/logs", s.handleGetLogs)
		r.Get("/channels/{id}/stats", s.handleGetStats)
		r.Get("/channels/{id}/follow", s.handleFollowChannel)
		r.Get("/capabilities", s.handleCapabilities)
		r.Post("/analyze", s.handleAnalyze)

		// Mutating operations are rate limited per client address.
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(60, time.Minute))
			r.Post("/channels", s.handleCreateChannel)
			r.Put("/channels/{id}", s.handleUpdateChannel)
			r.Delete("/channels/{id}", s.handleDeleteChannel)
			r.Post("/channels/{id}/start", s.handleStart)
			r.Post("/channels/{id}/stop", s.handleStop)
			r.Post("/channels/{id}/restart", s.handleRestart)
			r.Delete("/channels/{id}/logs", s.handleDeleteLogs)
		})
	})

	return otelhttp.NewHandler(r, "api")
}
