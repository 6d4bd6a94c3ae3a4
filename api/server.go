/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. requestLogger: Structured request logging (logrus)
  2. Recoverer:     Panic recovery (500 instead of crash)
  3. RequestID:     Unique ID per request for tracing
  4. CORS:          Cross-origin requests for the local UI

ROUTE GROUPS:
  /api/transactions/*   Ledger recording and history
  /api/counts           Physical count reconciliation
  /api/items/*          Catalog, metrics, balances, batches
  /api/alerts           Alert classification
  /api/balances/*       Balance rebuild
  /api/rrfs/*           Report-and-requisition forms
  /api/sync/*           Outbox inspection and manual drain
  /api/admin/*          Admin operations (dev only)

SECURITY NOTE:
  No authentication middleware; this service fronts a single facility's
  local database and trusts its callers.

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
	"github.com/sirupsen/logrus"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Ledger routes
		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.RecordTransaction)
			r.Get("/", h.ListTransactions)
		})

		r.Post("/counts", h.PostCount)

		// Catalog and metric routes
		r.Route("/items", func(r chi.Router) {
			r.Get("/", h.ListItems)
			r.Post("/", h.UpsertItems)
			r.Get("/{id}/metrics", h.GetItemMetrics)
			r.Get("/{id}/amc", h.GetItemAMC)
			r.Get("/{id}/mos", h.GetItemMOS)
			r.Get("/{id}/balances", h.GetItemBalances)
			r.Get("/{id}/batches", h.ListItemBatches)
		})

		r.Get("/alerts", h.ListAlerts)

		r.Route("/balances", func(r chi.Router) {
			r.Post("/rebuild", h.RebuildBalance)
		})

		// RRF routes
		r.Route("/rrfs", func(r chi.Router) {
			r.Post("/", h.CreateRrfDraft)
			r.Get("/", h.ListRrfs)
			r.Get("/{id}", h.GetRrf)
			r.Post("/{id}/transition", h.TransitionRrf)
		})

		// Sync routes
		r.Route("/sync", func(r chi.Router) {
			r.Get("/queue", h.ListSyncQueue)
			r.Post("/drain", h.DrainSyncQueue)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/reset", h.ResetDatabase)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// requestLogger logs method, path, status and latency per request.
func requestLogger(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":  r.Method,
				"path":    r.URL.Path,
				"status":  ww.Status(),
				"elapsed": time.Since(start).String(),
			}).Info("request")
		})
	}
}
