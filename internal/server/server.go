package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"parking-ledger/internal/logging"
	"parking-ledger/internal/reconcile"
)

type Options struct {
	Port           string
	ServiceName    string
	RateLimitRPS   float64
	RateLimitBurst int
	Journal        JournalReader
	// BreakerState reports the backend circuit state on /health when set.
	BreakerState func() string
}

type Server struct {
	httpServer *http.Server
	handler    *Handler
}

func NewServer(svc *reconcile.Service, opts Options) *Server {
	handler := NewHandler(svc, opts)

	httpServer := &http.Server{
		Addr:              ":" + opts.Port,
		Handler:           NewRouter(handler, opts),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		handler:    handler,
	}
}

func NewRouter(handler *Handler, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(RecoveryMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(OTelHTTP(opts.ServiceName))
	r.Use(LoggingMiddleware)
	r.Use(CORSMiddleware())

	r.Get("/health", handler.HealthCheck)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	limiter := NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)

	r.Route("/api", func(r chi.Router) {
		r.Use(limiter.Limit)

		r.Get("/zones", handler.ListZones)
		r.Get("/zones/{zoneID}", handler.GetZone)
		r.Get("/zones/{zoneID}/slots", handler.ListZoneSlots)

		r.Get("/slots", handler.QuerySlots)
		r.Post("/slots/{slotID}/book", handler.BookSlot)
		r.Post("/slots/{slotID}/release", handler.ReleaseSlot)
		r.Get("/slots/{slotID}/journal", handler.ListSlotJournal)

		r.Post("/fare/quote", handler.QuoteFare)
		r.Get("/bookings/pending", handler.ListPending)
		r.Get("/journal", handler.ListJournal)
		r.Post("/sync", handler.Sync)
	})

	return r
}

func (s *Server) Start() error {
	logging.Logger().Info().Str("addr", s.httpServer.Addr).Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	logging.Logger().Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) GetAddress() string {
	return fmt.Sprintf("http://localhost%s", s.httpServer.Addr)
}
