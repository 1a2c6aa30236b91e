/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging (zap)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the operator console

ROUTE GROUPS:
  /api/clients/{clientID}/units/*         Unit registry, payments, bills, credit
  /api/clients/{clientID}/transactions/*  Reversals
  /api/clients/{clientID}/years/*         Aggregated views
  /api/clients/{clientID}/penalties/*     Penalty recalculation
  /api/scenarios/*                        Demo scenarios
  /api/admin/*                            Nightly batch trigger
  /health, /metrics                       Liveness, Prometheus

SECURITY NOTE:
  No authentication middleware. Deploy behind a gateway that authenticates
  callers and maps them to a client id.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
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

	"github.com/warp/utility-ledger/logging"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	MetricsPath    string // empty disables /metrics
	Logger         *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logging.OrNop(opts.Logger)))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.MetricsPath != "" {
		r.Handle(opts.MetricsPath, promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/clients/{clientID}", func(r chi.Router) {
			// Unit routes
			r.Route("/units", func(r chi.Router) {
				r.Get("/", h.ListUnits)
				r.Post("/", h.CreateUnit)
				r.Post("/{unitID}/payments", h.ApplyPayment)
				r.Get("/{unitID}/unpaid", h.GetUnpaidSummary)
				r.Get("/{unitID}/bills", h.ListBills)
				r.Get("/{unitID}/credit", h.GetCredit)
			})

			r.Post("/bills", h.RecordBill)

			// Transaction routes
			r.Route("/transactions", func(r chi.Router) {
				r.Post("/{txID}/reverse", h.ReverseTransaction)
				r.Delete("/{txID}", h.ReverseTransaction)
			})

			// View routes
			r.Route("/years/{year}", func(r chi.Router) {
				r.Get("/view", h.GetYearView)
				r.Post("/rebuild", h.RebuildYearView)
			})

			r.Post("/penalties/recalculate", h.RecalculatePenalties)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/nightly", h.TriggerNightly)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
