package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tutorly/session-broker/internal/config"
	"github.com/tutorly/session-broker/internal/handler"
	"github.com/tutorly/session-broker/internal/httputil"
	"github.com/tutorly/session-broker/internal/metrics"
	"github.com/tutorly/session-broker/internal/middleware"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type routerDeps struct {
	db           pinger
	registry     prometheus.Gatherer
	isProduction bool

	sessionLimit *middleware.IPRateLimitMiddleware
	paymentLimit *middleware.IPRateLimitMiddleware
	credential   *middleware.CredentialMiddleware
	accountAuth  *middleware.CredentialMiddleware
	adminKey     *middleware.AdminKeyMiddleware

	sessionHandler *handler.SessionHandler
	eventsHandler  *handler.EventsHandler
	paymentHandler *handler.PaymentHandler
	accountHandler *handler.AccountHandler
	adminHandler   *handler.AdminHandler
}

func newRouter(d routerDeps) chi.Router {
	bodyLimit := middleware.NewBodyLimitMiddleware(middleware.DefaultMaxBodySize)
	webhookLimit := middleware.NewBodyLimitMiddleware(middleware.WebhookMaxBodySize)
	securityHeaders := middleware.NewSecurityHeadersMiddleware(d.isProduction)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeaders.Handler)
	r.Use(bodyLimit.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
		defer cancel()
		status, code := "ok", http.StatusOK
		if err := d.db.Ping(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, code, map[string]any{
			"status":    status,
			"timestamp": time.Now().UnixMilli(),
		})
	})
	r.Handle("/metrics", metrics.Handler(d.registry))

	// The event stream is long-lived and stays outside the request timeout.
	r.With(d.credential.Handler).Get("/sessions/{id}/events", d.eventsHandler.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

		r.With(d.sessionLimit.Handler, d.accountAuth.Handler).Post("/sessions", d.sessionHandler.Create)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Use(d.credential.Handler)
			r.Mount("/", d.sessionHandler.Routes())
		})

		r.With(d.paymentLimit.Handler).Post("/payments", d.paymentHandler.Create)
		r.Get("/payments/{reference}", d.paymentHandler.Get)
		r.With(webhookLimit.Handler).Post("/webhooks/payment", d.paymentHandler.Webhook)

		r.With(d.accountAuth.Handler).Get("/accounts/{id}/balance", d.accountHandler.Balance)

		r.Route("/admin", func(r chi.Router) {
			r.Use(d.adminKey.Handler)
			r.Mount("/", d.adminHandler.Routes())
		})
	})

	return r
}
