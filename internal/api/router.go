// Package api exposes the credential store and the logon operations of an
// STS node over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the handlers into a chi router
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	r.Route("/pins", func(r chi.Router) {
		r.Post("/", h.IssuePin)
		r.Post("/verify", h.VerifyPin)
	})
	r.Route("/trusted-pins", func(r chi.Router) {
		r.Post("/", h.IssueTrustedPin)
		r.Post("/verify", h.VerifyTrustedPin)
	})
	r.Get("/trusted/{clientID}/{phone}", h.TrustedBinding)

	r.Route("/logon", func(r chi.Router) {
		r.Post("/pin", h.LogonPin)
		r.Post("/pin/create", h.CreateAndLogonPin)
		r.Post("/trusted", h.LogonTrusted)
		r.Post("/shared-secret", h.LogonSharedSecret)
	})

	r.Post("/sms/dlr", h.DeliveryReport)

	r.Route("/diagnostics", func(r chi.Router) {
		r.Use(h.requireDiagnosticsKey)
		r.Get("/pins/{phone}", h.PinDiagnostics)
	})
	return r
}

// requestLogger logs one line per request through slog
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
