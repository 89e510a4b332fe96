package bootstrap

import (
	"context"
	"fmt"

	"a2a/internal/config"
	"a2a/internal/logger"
	"a2a/internal/transport"
)

type Base struct {
	Config *config.Config
	Logger logger.Logger
	Bus    transport.Bus
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

func (b *Base) InitTransport() error {
	bus, err := transport.New(b.Config.Transport, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	b.Bus = bus
	b.Logger.Infow("Transport connected", "type", b.Config.Transport.Type)
	return nil
}

func (b *Base) ShutdownTransport() []error {
	var errs []error

	if b.Bus != nil {
		if err := b.Bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transport close error: %w", err))
		}
		b.Bus = nil
	}

	return errs
}

// Shutdown runs additionalShutdown first so components can still publish their
// farewells, then closes the transport.
func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.Info("Shutting down node...")

	var errs []error

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	errs = append(errs, b.ShutdownTransport()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.Info("Node exited successfully")
	return nil
}
