package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/julienschmidt/httprouter"

	"mongomigrate/pkg/config"
	"mongomigrate/pkg/contracts"
	"mongomigrate/pkg/middleware"
)

// Application serves one router of admin endpoints behind the logging,
// recovery and timeout middleware.
type Application struct {
	cfg    *config.Config
	server *http.Server
}

func NewApplication(cfg *config.Config, handlers ...contracts.Handler) *Application {
	a := &Application{cfg: cfg}
	a.setServer(a.buildHandler(handlers))
	return a
}

func (a *Application) buildHandler(handlers []contracts.Handler) http.Handler {
	router := httprouter.New()
	for _, h := range handlers {
		h.RegisterRoutes(router)
	}

	var handler http.Handler = router
	handler = middleware.RequestTimeout(a.cfg.RequestTimeout)(handler)
	handler = middleware.RequestLogging(a.cfg.Log)(handler)
	handler = middleware.Recovery(a.cfg.Log)(handler)
	return handler
}

func (a *Application) setServer(handler http.Handler) {
	a.server = &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      handler,
		ReadTimeout:  a.cfg.ReadTimeout,
		WriteTimeout: a.cfg.WriteTimeout,
		IdleTimeout:  a.cfg.IdleTimeout,
	}
	a.cfg.Log.Info("HTTP server configured", "port", a.cfg.Port)
}

// Handler exposes the full middleware chain, mainly for tests.
func (a *Application) Handler() http.Handler {
	return a.server.Handler
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts the
// server down within ShutdownTimeout.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErrors := make(chan error, 1)
	go func() {
		a.cfg.Log.Info("Starting HTTP server", "address", a.server.Addr)
		serverErrors <- a.server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		a.cfg.Log.Info("Shutdown signal received")
		return a.gracefulShutdown()
	}
}

func (a *Application) gracefulShutdown() error {
	a.cfg.Log.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.cfg.Log.Error("Server shutdown failed", "error", err)
		return a.server.Close()
	}

	a.cfg.Log.Info("Server stopped gracefully")
	return nil
}
