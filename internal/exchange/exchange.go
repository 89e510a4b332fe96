// Package exchange implements request/response and chunked streaming between
// services over the bus.
package exchange

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"a2a/internal/config"
	"a2a/internal/constants"
	"a2a/internal/logger"
	"a2a/internal/transport"
	"a2a/pkg/errors"
	"a2a/pkg/events"
)

type Option func(*Exchange)

// WithRecorder feeds sent, received and failed traffic to r.
func WithRecorder(r Recorder) Option {
	return func(e *Exchange) {
		if r != nil {
			e.recorder = r
		}
	}
}

type Exchange struct {
	bus       transport.Bus
	serviceID string
	cfg       config.ExchangeConfig
	log       logger.Logger
	recorder  Recorder
	events    *events.Feed[Event]
	sem       *semaphore.Weighted

	mu      sync.RWMutex
	data    map[string]DataProvider
	streams map[string]StreamProvider
	subs    []transport.SubscriptionID

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(bus transport.Bus, serviceID string, cfg config.ExchangeConfig, log logger.Logger, opts ...Option) *Exchange {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = constants.DefaultRequestTimeout
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = constants.DefaultStreamTimeout
	}
	if cfg.MaxConcurrentProviders <= 0 {
		cfg.MaxConcurrentProviders = constants.DefaultMaxConcurrentProviders
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e := &Exchange{
		bus:       bus,
		serviceID: serviceID,
		cfg:       cfg,
		log:       log.Named("exchange"),
		recorder:  nopRecorder{},
		events:    events.NewFeed[Event](),
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentProviders),
		data:      make(map[string]DataProvider),
		streams:   make(map[string]StreamProvider),
		runCtx:    runCtx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Initialize starts answering data and stream requests for registered providers.
func (e *Exchange) Initialize(ctx context.Context) error {
	for subject, handler := range map[string]transport.Handler{
		transport.SubjectDataRequest:   e.handleDataRequest,
		transport.SubjectStreamRequest: e.handleStreamRequest,
	} {
		id, err := e.bus.Subscribe(ctx, subject, handler)
		if err != nil {
			e.unsubscribeAll()
			return err
		}
		e.mu.Lock()
		e.subs = append(e.subs, id)
		e.mu.Unlock()
	}

	e.log.InfowCtx(ctx, "Data exchange initialized",
		"service_id", e.serviceID,
		"max_concurrent_providers", e.cfg.MaxConcurrentProviders,
	)
	return nil
}

// Shutdown stops accepting requests and waits for running providers until ctx
// expires.
func (e *Exchange) Shutdown(ctx context.Context) error {
	e.unsubscribeAll()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.ErrTimeout.WithMessage("providers still running at shutdown").WithCause(ctx.Err())
		e.log.WarnwCtx(ctx, "Shutdown timed out waiting for providers")
	}
	e.events.Close()
	return err
}

func (e *Exchange) unsubscribeAll() {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()
	for _, id := range subs {
		if err := e.bus.Unsubscribe(id); err != nil {
			e.log.Debugw("Unsubscribe failed", "subscription_id", id, "error", err)
		}
	}
}

func (e *Exchange) Events() *events.Feed[Event] {
	return e.events
}

func (e *Exchange) RegisterDataProvider(dataType string, p DataProvider) error {
	if dataType == "" || p == nil {
		return errors.ErrValidation.WithMessage("data type and provider are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.data[dataType]; ok {
		return errors.ErrConflict.WithMessage("data provider already registered").WithDetail("data_type", dataType)
	}
	e.data[dataType] = p
	e.log.Infow("Data provider registered", "data_type", dataType)
	return nil
}

func (e *Exchange) UnregisterDataProvider(dataType string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.data[dataType]
	delete(e.data, dataType)
	return ok
}

func (e *Exchange) RegisterStreamProvider(dataType string, p StreamProvider) error {
	if dataType == "" || p == nil {
		return errors.ErrValidation.WithMessage("data type and provider are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.streams[dataType]; ok {
		return errors.ErrConflict.WithMessage("stream provider already registered").WithDetail("data_type", dataType)
	}
	e.streams[dataType] = p
	e.log.Infow("Stream provider registered", "data_type", dataType)
	return nil
}

func (e *Exchange) UnregisterStreamProvider(dataType string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.streams[dataType]
	delete(e.streams, dataType)
	return ok
}

// Providers lists the registered data and stream types, sorted.
func (e *Exchange) Providers() (data, streams []string) {
	e.mu.RLock()
	for t := range e.data {
		data = append(data, t)
	}
	for t := range e.streams {
		streams = append(streams, t)
	}
	e.mu.RUnlock()
	sort.Strings(data)
	sort.Strings(streams)
	return data, streams
}

func (e *Exchange) timeout(opt, def time.Duration) time.Duration {
	if opt > 0 {
		return opt
	}
	return def
}
