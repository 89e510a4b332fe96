package exchange

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"a2a/internal/collector"
	"a2a/internal/transport"
	"a2a/pkg/codec"
	"a2a/pkg/envelope"
	"a2a/pkg/errors"
	"a2a/pkg/ids"
	"a2a/pkg/logging"
	"a2a/pkg/metrics"
	"a2a/pkg/tracing"
)

// RequestData broadcasts a data request and returns the first correlated
// answer. A failed publish is returned at once as a transport error; silence
// until the timeout is a TIMEOUT error; a failing remote provider surfaces as
// HANDLER_ERROR.
func (e *Exchange) RequestData(ctx context.Context, dataType string, params map[string]interface{}, opts RequestOptions) (interface{}, error) {
	if dataType == "" {
		return nil, errors.ErrValidation.WithMessage("data type is required")
	}
	timeout := e.timeout(opts.Timeout, e.cfg.RequestTimeout)
	requestID := ids.RequestID()

	ctx, span := tracing.GetTracer("a2a-exchange").Start(ctx, "exchange.request_data",
		trace.WithAttributes(
			attribute.String("a2a.data_type", dataType),
			attribute.String("a2a.request_id", requestID),
		),
	)
	defer span.End()
	ctx = logging.WithCorrelationID(ctx, requestID)

	reply := transport.ReplySubject(e.serviceID, transport.DomainData, transport.KindResponse, requestID)
	sub, err := e.bus.Subscribe(ctx, reply, nil)
	if err != nil {
		return nil, err
	}
	defer e.dropReply(sub, reply)

	req, err := e.buildRequest(envelope.TypeDataRequest, requestID, reply, dataType, params, timeout, opts.Destination)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := e.bus.Publish(ctx, transport.SubjectDataRequest, req); err != nil {
		e.requestFailed(ctx, span, req, "data", dataType, err)
		return nil, err
	}
	e.requested(req, "data", dataType, opts.Destination)

	deadline := start.Add(timeout)
	for {
		env, err := e.bus.WaitForMessage(ctx, sub, time.Until(deadline))
		if err != nil {
			if errors.IsTimeout(err) {
				err = errors.ErrTimeout.WithMessage("no response to data request").
					WithDetail("data_type", dataType).
					WithDetail("request_id", requestID).
					WithDetail("timeout", timeout.String())
			}
			e.requestFailed(ctx, span, req, "data", dataType, err)
			return nil, err
		}
		if replyRequestID(env) != requestID {
			e.log.DebugwCtx(ctx, "Dropping uncorrelated reply", "type", env.Type, "source", env.Headers.Source)
			continue
		}

		switch env.Type {
		case envelope.TypeDataResponse:
			resp, err := codec.Convert[dataResponse](env.Payload)
			if err != nil {
				e.log.WarnwCtx(ctx, "Malformed data response", "source", env.Headers.Source, "error", err)
				continue
			}
			elapsed := time.Since(start)
			e.recorder.RecordMessageReceived(env)
			e.recorder.RecordLatency(elapsed, map[string]string{"dataType": dataType, "kind": "request"})
			metrics.IncExchangeRequest("data", dataType, "success")
			metrics.ObserveExchangeRequestDuration("data", dataType, elapsed)
			return resp.Data, nil

		case envelope.TypeDataError:
			remoteErr := remoteError(env)
			e.requestFailed(ctx, span, env, "data", dataType, remoteErr)
			return nil, remoteErr
		}
	}
}

// RequestStream asks a provider for a stream and hands every chunk to onChunk
// in arrival order. It returns once the end envelope arrives, the stream fails,
// onChunk returns an error, or the stream goes silent for longer than the
// timeout. The returned StreamInfo reflects what was received in every case.
func (e *Exchange) RequestStream(ctx context.Context, dataType string, params map[string]interface{}, onChunk ChunkHandler, opts RequestOptions) (*StreamInfo, error) {
	if dataType == "" {
		return nil, errors.ErrValidation.WithMessage("data type is required")
	}
	timeout := e.timeout(opts.Timeout, e.cfg.StreamTimeout)
	requestID := ids.RequestID()

	ctx, span := tracing.GetTracer("a2a-exchange").Start(ctx, "exchange.request_stream",
		trace.WithAttributes(
			attribute.String("a2a.data_type", dataType),
			attribute.String("a2a.request_id", requestID),
		),
	)
	defer span.End()
	ctx = logging.WithCorrelationID(ctx, requestID)

	reply := transport.ReplySubject(e.serviceID, transport.DomainStream, transport.KindResponse, requestID)
	sub, err := e.bus.Subscribe(ctx, reply, nil)
	if err != nil {
		return nil, err
	}
	defer e.dropReply(sub, reply)

	req, err := e.buildRequest(envelope.TypeStreamRequest, requestID, reply, dataType, params, timeout, opts.Destination)
	if err != nil {
		return nil, err
	}

	info := &StreamInfo{RequestID: requestID, DataType: dataType, Chunks: make(map[int]interface{})}
	fail := func(env *envelope.Envelope, err error) (*StreamInfo, error) {
		info.Error = err
		info.EndTime = time.Now()
		e.requestFailed(ctx, span, env, "stream", dataType, err)
		return info, err
	}

	start := time.Now()
	if err := e.bus.Publish(ctx, transport.SubjectStreamRequest, req); err != nil {
		info.Error = err
		e.requestFailed(ctx, span, req, "stream", dataType, err)
		return info, err
	}
	e.requested(req, "stream", dataType, opts.Destination)

	for {
		env, err := e.bus.WaitForMessage(ctx, sub, timeout)
		if err != nil {
			if errors.IsTimeout(err) {
				err = errors.ErrTimeout.WithMessage("stream inactive").
					WithDetail("data_type", dataType).
					WithDetail("request_id", requestID).
					WithDetail("chunks_received", len(info.Chunks)).
					WithDetail("timeout", timeout.String())
			}
			return fail(req, err)
		}
		if replyRequestID(env) != requestID {
			e.log.DebugwCtx(ctx, "Dropping uncorrelated stream envelope", "type", env.Type, "source", env.Headers.Source)
			continue
		}
		if info.Responder == "" {
			info.Responder = env.Headers.Source
		} else if env.Headers.Source != info.Responder {
			e.log.DebugwCtx(ctx, "Ignoring second stream responder", "source", env.Headers.Source)
			continue
		}
		e.recorder.RecordMessageReceived(env)

		switch env.Type {
		case envelope.TypeStreamStart:
			s, err := codec.Convert[streamStart](env.Payload)
			if err != nil {
				return fail(env, errors.ErrValidation.WithMessage("malformed stream start").WithCause(err))
			}
			info.StartTime = env.Headers.Timestamp
			info.TotalChunks = s.TotalChunks
			info.TotalSize = s.TotalSize
			e.recorder.RecordEvent(collector.EventStreamStarted, requestID, map[string]string{"dataType": dataType})
			e.events.Emit(Event{Kind: EventStreamStarted, DataType: dataType, RequestID: requestID, Peer: info.Responder})

		case envelope.TypeStreamChunk:
			c, err := codec.Convert[streamChunk](env.Payload)
			if err != nil {
				return fail(env, errors.ErrValidation.WithMessage("malformed stream chunk").WithCause(err))
			}
			if info.StartTime.IsZero() {
				info.StartTime = env.Headers.Timestamp
			}
			info.Chunks[c.Index] = c.Data
			e.events.Emit(Event{Kind: EventStreamChunk, DataType: dataType, RequestID: requestID, Peer: info.Responder, ChunkIndex: c.Index})
			if onChunk != nil {
				if err := onChunk(c.Index, c.Data); err != nil {
					e.log.InfowCtx(ctx, "Chunk handler stopped the stream", "index", c.Index, "error", err)
					return fail(env, err)
				}
			}

		case envelope.TypeStreamEnd:
			end, err := codec.Convert[streamEnd](env.Payload)
			if err != nil {
				return fail(env, errors.ErrValidation.WithMessage("malformed stream end").WithCause(err))
			}
			if end.Error != nil {
				return fail(env, errors.FromRemote(*end.Error))
			}
			if end.TotalChunks > 0 {
				info.TotalChunks = end.TotalChunks
			}
			info.Complete = true
			info.EndTime = time.Now()
			elapsed := time.Since(start)
			e.recorder.RecordLatency(elapsed, map[string]string{"dataType": dataType, "kind": "stream"})
			e.recorder.RecordEvent(collector.EventStreamEnded, requestID, map[string]string{"dataType": dataType})
			metrics.IncExchangeRequest("stream", dataType, "success")
			metrics.ObserveExchangeRequestDuration("stream", dataType, elapsed)
			e.events.Emit(Event{Kind: EventStreamEnded, DataType: dataType, RequestID: requestID, Peer: info.Responder, Duration: elapsed})
			return info, nil

		case envelope.TypeStreamError, envelope.TypeDataError:
			return fail(env, remoteError(env))
		}
	}
}

func (e *Exchange) buildRequest(msgType, requestID, reply, dataType string, params map[string]interface{}, timeout time.Duration, destination string) (*envelope.Envelope, error) {
	payload, err := codec.Convert[map[string]interface{}](dataRequest{
		RequestID: requestID,
		DataType:  dataType,
		Params:    params,
	})
	if err != nil {
		return nil, errors.ErrValidation.WithMessage("request params are not serializable").WithCause(err)
	}
	return envelope.New(msgType, e.serviceID).
		WithCorrelationID(requestID).
		WithReplyTo(reply).
		WithDestination(destination).
		WithTTL(timeout).
		WithPayload(payload).
		Build(), nil
}

func (e *Exchange) requested(req *envelope.Envelope, kind, dataType, destination string) {
	e.recorder.RecordMessageSent(req)
	e.recorder.RecordEvent(collector.EventDataRequested, req.Headers.CorrelationID, map[string]string{"dataType": dataType, "kind": kind})
	e.events.Emit(Event{Kind: EventDataRequested, DataType: dataType, RequestID: req.Headers.CorrelationID, Peer: destination})
}

func (e *Exchange) requestFailed(ctx context.Context, span trace.Span, env *envelope.Envelope, kind, dataType string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	status := "error"
	switch {
	case errors.IsTimeout(err):
		status = "timeout"
	case errors.IsHandler(err):
		status = "handler_error"
	case errors.IsTransport(err):
		status = "transport_error"
	}
	metrics.IncExchangeRequest(kind, dataType, status)

	e.recorder.RecordMessageFailed(env, err)
	e.recorder.RecordEvent(collector.EventRequestFailed, env.Headers.CorrelationID, map[string]string{"dataType": dataType, "kind": kind})
	e.events.Emit(Event{Kind: EventRequestFailed, DataType: dataType, RequestID: env.Headers.CorrelationID, Peer: env.Headers.Source, Err: err})
	e.log.WarnwCtx(ctx, "Request failed", "kind", kind, "data_type", dataType, "error", err)
}

func (e *Exchange) dropReply(sub transport.SubscriptionID, subject string) {
	if err := e.bus.Unsubscribe(sub); err != nil {
		e.log.Debugw("Failed to drop reply subscription", "subject", subject, "error", err)
	}
}

func replyRequestID(env *envelope.Envelope) string {
	if id, ok := env.Payload["requestId"].(string); ok && id != "" {
		return id
	}
	return env.Headers.CorrelationID
}

func remoteError(env *envelope.Envelope) error {
	resp, err := codec.Convert[errorResponse](env.Payload)
	if err != nil || resp.Error.Code == "" {
		return errors.ErrHandler.WithMessage("malformed error response").WithDetail("source", env.Headers.Source)
	}
	return errors.FromRemote(resp.Error).WithDetail("source", env.Headers.Source)
}
