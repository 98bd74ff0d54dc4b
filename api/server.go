/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     zap request log, tagged with the request ID
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the back-office UI

ROUTE GROUPS:
  /api/customers/*  Customer balances and point movements
  /api/sales/*      Sale lifecycle hooks (referral, cancel, promotions)
  /api/admin/*      Sweep, audit and dashboard
  /api/scenarios/*  Demo data (development only)
  /metrics          Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. Deploy behind the POS gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cli/serve.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/customers", func(r chi.Router) {
			r.Post("/", h.RegisterCustomer)
			r.Get("/{id}", h.GetCustomer)
			r.Get("/{id}/entries", h.ListEntries)
			r.Post("/{id}/accruals", h.Accrue)
			r.Post("/{id}/purchases", h.AccruePurchase)
			r.Post("/{id}/redemptions", h.Redeem)
			r.Get("/{id}/redemption-limit", h.RedemptionLimit)
			r.Post("/{id}/birthday-bonus", h.BirthdayBonus)
			r.Post("/{id}/adjustments", h.Adjust)
		})

		r.Route("/sales", func(r chi.Router) {
			r.Post("/{ref}/referral-bonus", h.ReferralBonus)
			r.Post("/{ref}/cancel", h.CancelSale)
			r.Post("/{ref}/promotions", h.ModifySale)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
			r.Get("/sweep/runs", h.ListSweepRuns)
			r.Get("/validate", h.ValidateAll)
			r.Get("/customers/{id}/validate", h.ValidateCustomer)
			r.Post("/customers/{id}/reconcile", h.ReconcileCustomer)
			r.Get("/metrics", h.Metrics)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
