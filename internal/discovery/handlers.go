package discovery

import (
	"context"

	"a2a/pkg/codec"
	"a2a/pkg/envelope"
	"a2a/pkg/errors"
)

func decodeAnnouncement(env *envelope.Envelope) (announcement, error) {
	a, err := codec.Convert[announcement](env.Payload)
	if err != nil {
		return announcement{}, errors.ErrValidation.WithMessage("malformed service payload").WithCause(err)
	}
	if a.ServiceID == "" {
		a.ServiceID = env.Headers.Source
	}
	if a.ServiceID == "" {
		return announcement{}, errors.ErrValidation.WithMessage("service payload without id")
	}
	return a, nil
}

// handleSignal processes registrations and heartbeats. Both refresh lastSeen;
// an unknown or OFFLINE peer comes back ONLINE (or whatever status it reports).
func (m *Manager) handleSignal(ctx context.Context, env *envelope.Envelope) error {
	a, err := decodeAnnouncement(env)
	if err != nil {
		return err
	}
	if a.ServiceID == m.selfID() {
		return nil
	}

	reported := a.Status
	if !reported.Valid() || reported == StatusOffline {
		reported = StatusOnline
	}

	now := m.now()
	m.mu.Lock()
	peer, known := m.peers[a.ServiceID]
	previous := StatusUnknown
	if !known {
		peer = &ServiceInfo{ServiceID: a.ServiceID, RegisteredAt: now}
		m.peers[a.ServiceID] = peer
	} else {
		previous = peer.Status
	}
	if a.ServiceType != "" {
		peer.ServiceType = a.ServiceType
	}
	if a.Version != "" {
		peer.Version = a.Version
	}
	if a.Capabilities != nil {
		peer.Capabilities = append([]string(nil), a.Capabilities...)
	}
	if a.Metadata != nil {
		peer.Metadata = a.Metadata
	}
	peer.LastSeen = now
	peer.Status = reported
	snapshot := peer.clone()
	m.mu.Unlock()

	if previous == reported {
		return nil
	}
	if !known {
		m.log.InfowCtx(ctx, "Discovered peer",
			"peer_id", snapshot.ServiceID,
			"service_type", snapshot.ServiceType,
			"capabilities", snapshot.Capabilities,
		)
	}
	m.transition(ctx, snapshot, previous, reported, reasonSignal)
	m.updatePeerGauge()
	return nil
}

func (m *Manager) handleUnregister(ctx context.Context, env *envelope.Envelope) error {
	a, err := decodeAnnouncement(env)
	if err != nil {
		return err
	}
	if a.ServiceID == m.selfID() {
		return nil
	}

	m.mu.Lock()
	peer, ok := m.peers[a.ServiceID]
	if ok {
		delete(m.peers, a.ServiceID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	snapshot := peer.clone()
	m.log.InfowCtx(ctx, "Peer unregistered", "peer_id", snapshot.ServiceID)
	m.transition(ctx, snapshot, snapshot.Status, StatusUnknown, reasonUnregistered)
	m.updatePeerGauge()
	return nil
}

// handleStatus applies status changes a peer reports about itself. Claims about
// third parties are surfaced as observations and never change local state.
func (m *Manager) handleStatus(ctx context.Context, env *envelope.Envelope) error {
	a, err := decodeAnnouncement(env)
	if err != nil {
		return err
	}
	self := m.selfID()
	if env.Headers.Source == self || a.ServiceID == self {
		return nil
	}

	if a.ServiceID != env.Headers.Source {
		m.mu.RLock()
		var svc ServiceInfo
		if p, ok := m.peers[a.ServiceID]; ok {
			svc = p.clone()
		} else {
			svc = ServiceInfo{ServiceID: a.ServiceID, ServiceType: a.ServiceType}
		}
		m.mu.RUnlock()

		m.events.Emit(Event{
			Kind:     EventObserved,
			Service:  svc,
			Previous: a.PreviousStatus,
			Current:  a.Status,
			Reporter: env.Headers.Source,
			Reason:   a.Reason,
		})
		return nil
	}

	if !a.Status.Valid() {
		return errors.ErrValidation.WithMessage("invalid status").WithDetail("status", string(a.Status))
	}

	now := m.now()
	m.mu.Lock()
	peer, known := m.peers[a.ServiceID]
	previous := StatusUnknown
	if !known {
		peer = &ServiceInfo{ServiceID: a.ServiceID, ServiceType: a.ServiceType, RegisteredAt: now}
		m.peers[a.ServiceID] = peer
	} else {
		previous = peer.Status
	}
	peer.LastSeen = now
	peer.Status = a.Status
	snapshot := peer.clone()
	m.mu.Unlock()

	if previous == a.Status {
		return nil
	}
	m.transition(ctx, snapshot, previous, a.Status, reasonSignal)
	m.updatePeerGauge()
	return nil
}
