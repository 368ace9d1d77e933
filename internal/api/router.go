package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Service BookingService
	Health  []Pinger
	Logger  *zap.Logger
	Env     string
	Version string
	// RateLimitPerMinute caps check-in and card verification per client IP.
	RateLimitPerMinute int
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log.Named("http")))
	r.Use(RecoverMiddleware(log.Named("http")))

	health := NewHealthHandler(cfg.Health, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	limited := func(next http.Handler) http.Handler { return next }
	if cfg.RateLimitPerMinute > 0 {
		limited = httprate.Limit(cfg.RateLimitPerMinute, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			}),
		)
	}

	r.Route("/exams", func(r chi.Router) {
		r.Post("/", createExamHandler(cfg.Service))
		r.Get("/", listExamsHandler(cfg.Service))
		r.With(limited).Post("/check-in", checkInHandler(cfg.Service))
		r.Get("/{id}", getExamHandler(cfg.Service))
	})
	r.Get("/slots/availability", availabilityHandler(cfg.Service))
	r.With(limited).Post("/insurance/verify", verifyCardHandler(cfg.Service))

	return r
}
