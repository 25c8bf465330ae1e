// Package http assembles the REST surface: the admin API, the recipient pull
// API, both push transports and the health probe.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/webitel/broadcast-delivery-service/config"
	"github.com/webitel/broadcast-delivery-service/internal/domain/registry"
	"github.com/webitel/broadcast-delivery-service/internal/handler/lp"
	"github.com/webitel/broadcast-delivery-service/internal/handler/ws"
	"github.com/webitel/broadcast-delivery-service/internal/service"
	"github.com/webitel/broadcast-delivery-service/internal/storage/postgres"
	"go.uber.org/fx"
)

func NewRouter(
	admin *AdminHandler,
	recipient *RecipientHandler,
	health *HealthHandler,
	wsHandler *ws.WSHandler,
	lpHandler *lp.LPHandler,
) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", health.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(30 * time.Second))
		admin.Routes(r)
		recipient.Routes(r)
	})

	// Push transports sit outside the API timeout: both hold connections
	// open far longer than a regular request.
	r.Get("/ws/{recipientID}", wsHandler.ServeHTTP)
	r.Get("/poll/{recipientID}", lpHandler.Poll)

	return r
}

var Module = fx.Module("http-handler",
	fx.Provide(
		NewAdminHandler,
		NewRecipientHandler,
		func(cfg *config.Config, hub registry.Hubber, locator service.SessionLocator, outbox *postgres.Outbox) *HealthHandler {
			return NewHealthHandler(cfg.Node.ID, hub, locator, outbox)
		},
		ws.NewWSHandler,
		lp.NewLPHandler,
		NewRouter,
	),
	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, router chi.Router, logger *slog.Logger) {
		srv := &http.Server{
			Addr:    cfg.HTTP.Addr,
			Handler: router,
		}
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					logger.Info("http server listening", slog.String("addr", cfg.HTTP.Addr))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("http server failed", slog.Any("err", err))
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
		})
	}),
)
