package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"a2a/internal/admin"
	"a2a/internal/config"
	"a2a/internal/constants"
	"a2a/internal/logger"
	"a2a/internal/node"
	"a2a/pkg/ratelimit"
	"a2a/pkg/tracing"
)

type App struct {
	config         *config.Config
	logger         logger.Logger
	node           *node.Node
	limiter        *ratelimit.Store
	router         *gin.Engine
	server         *http.Server
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		config: cfg,
		logger: log,
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.config.Tracing, a.config.Service)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	a.node = node.New(a.config, a.logger)
	if err := a.node.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize node: %w", err)
	}

	if a.config.Server.Enabled {
		a.initRouter()
		a.initServer()
	}
	return nil
}

func (a *App) initRouter() {
	if a.config.RateLimit.Enabled {
		a.limiter = ratelimit.NewStore(a.config.RateLimit)
		a.logger.Infow("Rate limiting enabled", "rps", a.config.RateLimit.RPS, "burst", a.config.RateLimit.Burst)
	}
	handler := admin.NewHandler(a.node, a.logger.Named("admin"))
	a.router = admin.NewRouter(handler, a.config, a.limiter)
}

func (a *App) initServer() {
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.config.Server.ReadTimeout,
		WriteTimeout: a.config.Server.WriteTimeout,
	}
}

// Run serves the admin API until ctx is cancelled or the server fails, then
// shuts everything down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			a.logger.InfowCtx(gctx, "Server listening", "port", a.config.Server.Port)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
	}
	if a.limiter != nil {
		g.Go(func() error {
			a.limiter.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(ctx)
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.InfowCtx(ctx, "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}

	if a.node != nil {
		if err := a.node.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}

	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.logger.InfowCtx(ctx, "Node exited successfully")
	return nil
}
