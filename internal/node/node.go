// Package node assembles the transport and the six A2A components into one
// process-level unit with a single lifecycle.
package node

import (
	"context"
	"fmt"

	"a2a/internal/collector"
	"a2a/internal/config"
	"a2a/internal/discovery"
	"a2a/internal/exchange"
	"a2a/internal/filter"
	"a2a/internal/logger"
	"a2a/internal/priority"
	"a2a/internal/storage"
	"a2a/internal/storage/persistence"
	"a2a/internal/transport"
	"a2a/pkg/bootstrap"
	"a2a/pkg/envelope"
	"a2a/pkg/errors"
	"a2a/pkg/health"
	"a2a/pkg/metrics"
)

type Option func(*Node)

// WithBus runs the node on an existing bus instead of building one from the
// transport configuration. The node does not close a bus it was given.
func WithBus(bus transport.Bus) Option {
	return func(n *Node) {
		n.Bus = bus
		n.ownsBus = false
	}
}

// WithPersistence overrides the configured persistence backend.
func WithPersistence(p storage.Persistence) Option {
	return func(n *Node) { n.persistence = p }
}

// lifecycle is the start/stop contract every component shares.
type lifecycle interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

type Node struct {
	*bootstrap.Base

	ownsBus     bool
	dbConnector *bootstrap.DatabaseConnector
	conns       *bootstrap.Connections
	persistence storage.Persistence
	kafka       *collector.KafkaExporter
	health      *health.CheckerRegistry

	collector *collector.Collector
	filter    *filter.Filter
	discovery *discovery.Manager
	storage   *storage.Manager
	exchange  *exchange.Exchange
	priority  *priority.Manager

	started []lifecycle
}

func New(cfg *config.Config, log logger.Logger, opts ...Option) *Node {
	n := &Node{
		Base:        bootstrap.NewBase(cfg, log.Named("node")),
		ownsBus:     true,
		dbConnector: bootstrap.NewDatabaseConnector(cfg.Database, log.Named("database")),
		health:      health.NewCheckerRegistry(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Initialize connects the transport and any database the persistence backend
// needs, then starts the components leaves first. A failure stops whatever
// already started.
func (n *Node) Initialize(ctx context.Context) error {
	cfg := n.Config
	metrics.RegisterAll()

	if n.Bus == nil {
		if err := n.InitTransport(); err != nil {
			return err
		}
	}
	n.health.Register(health.NewBusChecker(n.Bus))

	if err := n.initPersistence(ctx); err != nil {
		n.abort(ctx)
		return err
	}

	var exporters []collector.Option
	switch cfg.Metrics.Exporter.Type {
	case "bus":
		exporters = append(exporters, collector.WithExporter(collector.NewBusExporter(n.Bus, cfg.Service.ID)))
	case "kafka":
		n.kafka = collector.NewKafkaExporter(cfg.Transport.Kafka.Brokers, cfg.Metrics.Exporter.KafkaTopic, cfg.Transport.Kafka)
		exporters = append(exporters, collector.WithExporter(n.kafka))
	}
	n.collector = collector.New(cfg.Metrics, cfg.Service.ID, n.Logger, exporters...)

	f, err := filter.New(n.Logger)
	if err != nil {
		n.abort(ctx)
		return fmt.Errorf("failed to create filter: %w", err)
	}
	if err := f.SetRules(filter.RulesFromConfig(cfg.Filter.Rules)); err != nil {
		n.abort(ctx)
		return fmt.Errorf("failed to load filter rules: %w", err)
	}
	n.filter = f

	n.discovery = discovery.New(n.Bus, cfg.Service, cfg.Discovery, n.Logger)

	var storageOpts []storage.Option
	if n.persistence != nil {
		storageOpts = append(storageOpts, storage.WithPersistence(n.persistence))
	}
	n.storage = storage.New(n.Bus, cfg.Service.ID, cfg.Storage, n.Logger, storageOpts...)
	n.exchange = exchange.New(n.Bus, cfg.Service.ID, cfg.Exchange, n.Logger, exchange.WithRecorder(n.collector))
	n.priority = priority.New(n.Bus, cfg.Priority, n.Logger, priority.WithGate(n.admit))

	for _, c := range []lifecycle{n.collector, n.filter, n.storage, n.exchange, n.priority, n.discovery} {
		if err := c.Initialize(ctx); err != nil {
			n.abort(ctx)
			return err
		}
		n.started = append(n.started, c)
	}

	n.Logger.InfowCtx(ctx, "Node initialized",
		"service_id", cfg.Service.ID,
		"service_type", cfg.Service.Type,
		"transport", cfg.Transport.Type,
		"persistence", cfg.Storage.Persistence.Type,
	)
	return nil
}

func (n *Node) initPersistence(ctx context.Context) error {
	if n.persistence != nil {
		return nil
	}
	pcfg := n.Config.Storage.Persistence
	conns, err := n.dbConnector.Connect(ctx, pcfg.Type)
	if err != nil {
		return fmt.Errorf("failed to connect persistence database: %w", err)
	}
	n.conns = conns

	p, err := persistence.New(pcfg, persistence.Clients{
		Redis:    conns.Redis,
		Postgres: conns.Postgres,
		Mongo:    conns.MongoDB,
	}, n.Config.CircuitBreaker)
	if err != nil {
		return err
	}
	n.persistence = p

	if conns.Redis != nil {
		n.health.Register(health.NewRedisChecker(conns.Redis))
	}
	if conns.Postgres != nil {
		n.health.Register(health.NewPostgreSQLChecker(conns.Postgres))
	}
	if conns.Mongo != nil {
		n.health.Register(health.NewMongoDBChecker(conns.Mongo))
	}
	if b, ok := p.(*persistence.Breaker); ok {
		n.health.RegisterOptional(health.NewFuncChecker("storage_breaker", func(context.Context) error {
			if b.Open() {
				return errors.ErrServiceUnavailable.WithMessage("persistence circuit breaker is open")
			}
			return nil
		}))
	}
	return nil
}

// Shutdown stops components in reverse start order, then closes databases and
// the transport.
func (n *Node) Shutdown(ctx context.Context) error {
	return n.Base.Shutdown(ctx, n.shutdownComponents)
}

func (n *Node) abort(ctx context.Context) {
	if errs := n.shutdownComponents(ctx); len(errs) > 0 {
		n.Logger.WarnwCtx(ctx, "Errors while unwinding failed start", "errors", errs)
	}
	if n.ownsBus {
		n.ShutdownTransport()
	}
}

func (n *Node) shutdownComponents(ctx context.Context) []error {
	var errs []error
	for i := len(n.started) - 1; i >= 0; i-- {
		if err := n.started[i].Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	n.started = nil

	if n.kafka != nil {
		if err := n.kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka exporter close error: %w", err))
		}
		n.kafka = nil
	}
	errs = append(errs, n.dbConnector.ShutdownDatabases(ctx, n.conns)...)
	n.conns = nil

	if !n.ownsBus {
		// Keep Base from closing a bus the caller owns.
		n.Bus = nil
	}
	return errs
}

// Handle subscribes handler to subject behind the priority queue. Inbound
// envelopes pass the message filter before they are queued.
func (n *Node) Handle(ctx context.Context, subject string, handler transport.Handler, defaultPriority priority.Priority) (transport.SubscriptionID, error) {
	if handler == nil {
		return "", errors.ErrValidation.WithMessage("handler is required")
	}
	return n.priority.SubscribePrioritized(ctx, subject, func(ctx context.Context, env *envelope.Envelope) error {
		n.collector.RecordMessageReceived(env)
		return handler(ctx, env)
	}, defaultPriority)
}

// admit runs the message filter on an inbound prioritized envelope. A
// set_priority transform therefore decides the band it is queued in.
func (n *Node) admit(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, bool) {
	result := n.filter.FilterMessage(ctx, env)
	if !result.Passed {
		n.Logger.DebugwCtx(ctx, "Envelope filtered out",
			"type", env.Type,
			"source", env.Headers.Source,
			"excluded_by", result.ExcludedBy,
		)
		return nil, false
	}
	return result.Message, true
}

func (n *Node) ServiceID() string { return n.Config.Service.ID }
func (n *Node) Collector() *collector.Collector { return n.collector }
func (n *Node) Filter() *filter.Filter { return n.filter }
func (n *Node) Discovery() *discovery.Manager { return n.discovery }
func (n *Node) Storage() *storage.Manager { return n.storage }
func (n *Node) Exchange() *exchange.Exchange { return n.exchange }
func (n *Node) Priority() *priority.Manager { return n.priority }
func (n *Node) Health() *health.CheckerRegistry { return n.health }
