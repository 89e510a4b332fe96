// Package discovery announces this service on the bus, emits heartbeats and
// tracks the liveness of peers.
package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"a2a/internal/config"
	"a2a/internal/constants"
	"a2a/internal/logger"
	"a2a/internal/transport"
	"a2a/pkg/codec"
	"a2a/pkg/envelope"
	"a2a/pkg/errors"
	"a2a/pkg/events"
	"a2a/pkg/metrics"
)

const (
	reasonTimeout      = "liveness_timeout"
	reasonUnregistered = "unregistered"
	reasonSignal       = "signal"
)

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type Manager struct {
	bus    transport.Bus
	cfg    config.DiscoveryConfig
	log    logger.Logger
	now    func() time.Time
	events *events.Feed[Event]

	mu    sync.RWMutex
	self  ServiceInfo
	peers map[string]*ServiceInfo
	subs  []transport.SubscriptionID

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(bus transport.Bus, svc config.ServiceConfig, cfg config.DiscoveryConfig, log logger.Logger, opts ...Option) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = constants.DefaultHeartbeatInterval
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = constants.DefaultLivenessTimeout
	}

	m := &Manager{
		bus:    bus,
		cfg:    cfg,
		log:    log.Named("discovery"),
		now:    time.Now,
		events: events.NewFeed[Event](),
		peers:  make(map[string]*ServiceInfo),
	}
	for _, opt := range opts {
		opt(m)
	}

	now := m.now()
	m.self = ServiceInfo{
		ServiceID:    svc.ID,
		ServiceType:  svc.Type,
		Version:      svc.Version,
		Capabilities: append([]string(nil), svc.Capabilities...),
		Status:       StatusStarting,
		LastSeen:     now,
		Metadata:     svc.Metadata,
		RegisteredAt: now,
	}
	return m
}

// Initialize subscribes to peer traffic, announces this service and starts the
// heartbeat and liveness timers.
func (m *Manager) Initialize(ctx context.Context) error {
	handlers := map[string]transport.Handler{
		transport.SubjectServiceRegister:   m.handleSignal,
		transport.SubjectServiceHeartbeat:  m.handleSignal,
		transport.SubjectServiceUnregister: m.handleUnregister,
		transport.SubjectServiceStatus:     m.handleStatus,
	}
	for _, subject := range []string{
		transport.SubjectServiceRegister,
		transport.SubjectServiceHeartbeat,
		transport.SubjectServiceUnregister,
		transport.SubjectServiceStatus,
	} {
		id, err := m.bus.Subscribe(ctx, subject, handlers[subject])
		if err != nil {
			m.unsubscribeAll()
			return err
		}
		m.mu.Lock()
		m.subs = append(m.subs, id)
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.self.Status = StatusOnline
	m.mu.Unlock()

	if err := m.announce(ctx, envelope.TypeServiceRegister, transport.SubjectServiceRegister); err != nil {
		m.unsubscribeAll()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(2)
	go m.every(runCtx, m.cfg.HeartbeatInterval, func() { m.heartbeat(runCtx) })
	go m.every(runCtx, m.cfg.HeartbeatInterval, func() { m.CheckLiveness(runCtx) })

	m.log.InfowCtx(ctx, "Service registered",
		"service_id", m.self.ServiceID,
		"service_type", m.self.ServiceType,
		"heartbeat_interval", m.cfg.HeartbeatInterval,
		"liveness_timeout", m.cfg.LivenessTimeout,
	)
	return nil
}

// Shutdown stops the timers, broadcasts the unregistration and unsubscribes.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.self.Status = StatusStopping
	m.mu.Unlock()

	err := m.announce(ctx, envelope.TypeServiceUnregister, transport.SubjectServiceUnregister)
	if err != nil {
		m.log.WarnwCtx(ctx, "Failed to broadcast unregistration", "error", err)
	}
	m.unsubscribeAll()
	m.events.Close()
	return err
}

func (m *Manager) every(ctx context.Context, interval time.Duration, fn func()) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (m *Manager) unsubscribeAll() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, id := range subs {
		if err := m.bus.Unsubscribe(id); err != nil {
			m.log.Debugw("Unsubscribe failed", "subscription_id", id, "error", err)
		}
	}
}

func (m *Manager) Events() *events.Feed[Event] {
	return m.events
}

func (m *Manager) Self() ServiceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.self.clone()
}

// SetStatus changes the status this service reports and broadcasts it.
func (m *Manager) SetStatus(ctx context.Context, status Status) error {
	if !status.Valid() {
		return errors.ErrValidation.WithMessage("invalid status").WithDetail("status", string(status))
	}

	m.mu.Lock()
	previous := m.self.Status
	m.self.Status = status
	self := m.self.clone()
	m.mu.Unlock()

	if previous == status {
		return nil
	}
	m.events.Emit(Event{Kind: EventStatusChanged, Service: self, Previous: previous, Current: status, Reason: reasonSignal})
	return m.broadcastStatus(ctx, self, previous, reasonSignal)
}

func (m *Manager) GetService(id string) (ServiceInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	if !ok {
		return ServiceInfo{}, false
	}
	return p.clone(), true
}

// ListServices returns tracked peers sorted by id.
func (m *Manager) ListServices(f Filter) []ServiceInfo {
	m.mu.RLock()
	out := make([]ServiceInfo, 0, len(m.peers))
	for _, p := range m.peers {
		if f.match(*p) {
			out = append(out, p.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}

// FindByCapability returns peers that are not OFFLINE and declare capability.
func (m *Manager) FindByCapability(capability string) []ServiceInfo {
	return m.reachable(Filter{Capability: capability})
}

func (m *Manager) FindByType(serviceType string) []ServiceInfo {
	return m.reachable(Filter{ServiceType: serviceType})
}

func (m *Manager) reachable(f Filter) []ServiceInfo {
	all := m.ListServices(f)
	out := all[:0]
	for _, s := range all {
		if s.Status != StatusOffline {
			out = append(out, s)
		}
	}
	return out
}

// CheckLiveness runs one sweep: every peer silent for longer than the liveness
// timeout goes OFFLINE. Peers already OFFLINE are not reported again.
func (m *Manager) CheckLiveness(ctx context.Context) {
	now := m.now()
	var expired []ServiceInfo
	var previous []Status

	m.mu.Lock()
	for _, p := range m.peers {
		if p.Status == StatusOffline || now.Sub(p.LastSeen) <= m.cfg.LivenessTimeout {
			continue
		}
		previous = append(previous, p.Status)
		p.Status = StatusOffline
		expired = append(expired, p.clone())
	}
	m.mu.Unlock()

	for i, p := range expired {
		m.log.WarnwCtx(ctx, "Peer went offline",
			"peer_id", p.ServiceID,
			"last_seen", p.LastSeen,
		)
		m.transition(ctx, p, previous[i], StatusOffline, reasonTimeout)
	}
	if len(expired) > 0 {
		m.updatePeerGauge()
	}
}

func (m *Manager) heartbeat(ctx context.Context) {
	if err := m.announce(ctx, envelope.TypeServiceHeartbeat, transport.SubjectServiceHeartbeat); err != nil {
		metrics.IncHeartbeat("error")
		m.log.WarnwCtx(ctx, "Heartbeat failed, retrying next tick", "error", err)
		return
	}
	metrics.IncHeartbeat("success")
}

func (m *Manager) announce(ctx context.Context, msgType, subject string) error {
	self := m.Self()
	payload, err := codec.Convert[map[string]interface{}](announcement{
		ServiceID:    self.ServiceID,
		ServiceType:  self.ServiceType,
		Version:      self.Version,
		Capabilities: self.Capabilities,
		Status:       self.Status,
		Metadata:     self.Metadata,
	})
	if err != nil {
		return errors.ErrInternal.WithCause(err)
	}
	env := envelope.New(msgType, self.ServiceID).WithPayload(payload).Build()
	return m.bus.Publish(ctx, subject, env)
}

func (m *Manager) broadcastStatus(ctx context.Context, svc ServiceInfo, previous Status, reason string) error {
	payload, err := codec.Convert[map[string]interface{}](announcement{
		ServiceID:      svc.ServiceID,
		ServiceType:    svc.ServiceType,
		Status:         svc.Status,
		PreviousStatus: previous,
		Reason:         reason,
	})
	if err != nil {
		return errors.ErrInternal.WithCause(err)
	}
	env := envelope.New(envelope.TypeServiceStatus, m.selfID()).WithPayload(payload).Build()
	return m.bus.Publish(ctx, transport.SubjectServiceStatus, env)
}

// transition raises the local notification and re-broadcasts the change.
func (m *Manager) transition(ctx context.Context, svc ServiceInfo, from, to Status, reason string) {
	metrics.IncDiscoveryTransition(string(from), string(to))
	m.events.Emit(Event{Kind: EventStatusChanged, Service: svc, Previous: from, Current: to, Reason: reason})

	svc.Status = to
	if err := m.broadcastStatus(ctx, svc, from, reason); err != nil {
		m.log.WarnwCtx(ctx, "Failed to broadcast status change",
			"peer_id", svc.ServiceID,
			"status", to,
			"error", err,
		)
	}
}

func (m *Manager) selfID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.self.ServiceID
}

func (m *Manager) updatePeerGauge() {
	counts := map[Status]int{StatusOnline: 0, StatusOffline: 0, StatusDegraded: 0, StatusStarting: 0, StatusStopping: 0}
	m.mu.RLock()
	for _, p := range m.peers {
		counts[p.Status]++
	}
	m.mu.RUnlock()
	for status, n := range counts {
		metrics.SetDiscoveryPeers(string(status), n)
	}
}
