/**
 * @description
 * This file sets up the HTTP router for the wallet service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * middleware for logging, recovery, CORS and session authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the mobile client.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the wallet routes.
// metrics may be nil.
func NewRouter(h *Handlers, verifier TokenVerifier, metrics http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyKeyHeader},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("healthy"))
	})
	r.Get("/ready", h.ReadyHandler)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Post("/auth/register", h.RegisterHandler)
		r.Post("/auth/login", h.LoginHandler)

		r.Group(func(r chi.Router) {
			r.Use(SessionMiddleware(verifier))

			r.Get("/wallets/{identifier}", h.ResolveHandler)
			r.Post("/transfers", h.TransferHandler)
			r.Post("/topups", h.TopUpHandler)
			r.Get("/me", h.MeHandler)
			r.Get("/me/transactions", h.ListTransactionsHandler)
			r.Get("/me/transactions/{id}", h.GetTransactionHandler)
		})
	})

	// The stream outlives the request timeout.
	r.Group(func(r chi.Router) {
		r.Use(SessionMiddleware(verifier))
		r.Get("/me/stream", h.StreamHandler)
	})

	return r
}
