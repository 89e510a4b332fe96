package storage

import (
	"context"
	"time"

	"a2a/internal/transport"
	"a2a/pkg/codec"
	"a2a/pkg/envelope"
	"a2a/pkg/errors"
	"a2a/pkg/ids"
	"a2a/pkg/metrics"
)

// lookupRemote broadcasts a value request and waits for the first peer that
// holds the key. Silence until the lookup timeout is a miss, not an error.
func (m *Manager) lookupRemote(ctx context.Context, ns, key string, version int64) (*Value, error) {
	requestID := ids.RequestID()
	reply := transport.ReplySubject(m.serviceID, transport.DomainStorage, transport.KindResponse, requestID)

	sub, err := m.bus.Subscribe(ctx, reply, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := m.bus.Unsubscribe(sub); err != nil {
			m.log.Debugw("Failed to drop lookup subscription", "subject", reply, "error", err)
		}
	}()

	payload, err := codec.Convert[map[string]interface{}](lookupRequest{
		RequestID: requestID,
		Namespace: ns,
		Key:       key,
		Version:   version,
	})
	if err != nil {
		return nil, errors.ErrInternal.WithCause(err)
	}
	req := envelope.New(envelope.TypeStorageRequest, m.serviceID).
		WithCorrelationID(requestID).
		WithReplyTo(reply).
		WithPayload(payload).
		Build()
	if err := m.bus.Publish(ctx, transport.SubjectStorageRequest, req); err != nil {
		metrics.IncStorageRemoteLookup("error")
		return nil, err
	}

	deadline := time.Now().Add(m.cfg.LookupTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			metrics.IncStorageRemoteLookup("miss")
			return nil, nil
		}
		env, err := m.bus.WaitForMessage(ctx, sub, remaining)
		if errors.IsTimeout(err) {
			metrics.IncStorageRemoteLookup("miss")
			m.log.DebugwCtx(ctx, "No peer answered value lookup", "namespace", ns, "key", key)
			return nil, nil
		}
		if err != nil {
			metrics.IncStorageRemoteLookup("error")
			return nil, err
		}

		resp, err := codec.Convert[lookupResponse](env.Payload)
		if err != nil || resp.RequestID != requestID || !resp.Found || resp.Value == nil {
			m.log.DebugwCtx(ctx, "Ignoring lookup reply", "subject", reply, "source", env.Headers.Source)
			continue
		}
		if version != 0 && resp.Value.Version != version {
			continue
		}

		metrics.IncStorageRemoteLookup("hit")
		v := resp.Value
		v.Namespace = ns
		v.Key = key
		return v, nil
	}
}

// handleLookup answers a peer's value request from the local cache only.
// Requests for keys this node does not hold go unanswered.
func (m *Manager) handleLookup(ctx context.Context, env *envelope.Envelope) error {
	if env.Headers.Source == m.serviceID {
		return nil
	}
	req, err := codec.Convert[lookupRequest](env.Payload)
	if err != nil {
		return errors.ErrValidation.WithMessage("malformed storage request").WithCause(err)
	}
	if env.Headers.ReplyTo == "" || req.Key == "" {
		m.log.DebugwCtx(ctx, "Dropping unaddressable storage request", "source", env.Headers.Source)
		return nil
	}
	if req.RequestID == "" {
		req.RequestID = env.Headers.CorrelationID
	}

	v := m.cached(m.namespace(req.Namespace), req.Key)
	if v == nil || m.expired(v) || (req.Version != 0 && v.Version != req.Version) {
		return nil
	}

	payload, err := codec.Convert[map[string]interface{}](lookupResponse{
		RequestID: req.RequestID,
		Found:     true,
		Value:     v,
	})
	if err != nil {
		return errors.ErrInternal.WithCause(err)
	}
	resp := envelope.New(envelope.TypeStorageResponse, m.serviceID).
		WithCorrelationID(env.Headers.CorrelationID).
		WithDestination(env.Headers.Source).
		WithPayload(payload).
		Build()
	return m.bus.Publish(ctx, env.Headers.ReplyTo, resp)
}
