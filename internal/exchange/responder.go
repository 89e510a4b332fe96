package exchange

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"a2a/internal/collector"
	"a2a/pkg/codec"
	"a2a/pkg/envelope"
	"a2a/pkg/errors"
	"a2a/pkg/logging"
	"a2a/pkg/metrics"
	"a2a/pkg/tracing"
)

// incoming is a decoded request this node has a provider for.
type incoming struct {
	env       *envelope.Envelope
	requestID string
	dataType  string
	params    map[string]interface{}
}

// accept decodes a request and reports whether this node should answer it.
// Unknown data types, requests addressed to someone else and requests without
// a reply subject are dropped.
func (e *Exchange) accept(ctx context.Context, env *envelope.Envelope, known func(string) bool) (*incoming, bool) {
	if env.Headers.Destination != "" && env.Headers.Destination != e.serviceID {
		return nil, false
	}
	req, err := codec.Convert[dataRequest](env.Payload)
	if err != nil || req.DataType == "" {
		e.log.DebugwCtx(ctx, "Dropping malformed request", "source", env.Headers.Source, "error", err)
		return nil, false
	}
	if !known(req.DataType) {
		e.log.DebugwCtx(ctx, "No provider for data type", "data_type", req.DataType, "source", env.Headers.Source)
		return nil, false
	}
	if env.Headers.ReplyTo == "" {
		e.log.DebugwCtx(ctx, "Dropping request without reply subject", "data_type", req.DataType, "source", env.Headers.Source)
		return nil, false
	}
	if req.RequestID == "" {
		req.RequestID = env.Headers.CorrelationID
	}
	return &incoming{env: env, requestID: req.RequestID, dataType: req.DataType, params: req.Params}, true
}

// serve runs fn on its own goroutine under the provider semaphore so the
// subscription keeps draining while providers work.
func (e *Exchange) serve(ctx context.Context, in *incoming, kind string, fn func(ctx context.Context, in *incoming)) {
	e.recorder.RecordMessageReceived(in.env)

	runCtx := trace.ContextWithSpanContext(e.runCtx, trace.SpanContextFromContext(ctx))
	runCtx = logging.WithCorrelationID(runCtx, in.env.Headers.CorrelationID)
	runCtx = logging.WithServiceID(runCtx, e.serviceID)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(runCtx, 1); err != nil {
			return
		}
		defer e.sem.Release(1)

		var cancel context.CancelFunc = func() {}
		if deadline, ok := in.env.ExpiresAt(); ok {
			runCtx, cancel = context.WithDeadline(runCtx, deadline)
		}
		defer cancel()

		runCtx, span := tracing.GetTracer("a2a-exchange").Start(runCtx, "exchange.provide_"+kind,
			trace.WithAttributes(
				attribute.String("a2a.data_type", in.dataType),
				attribute.String("a2a.request_id", in.requestID),
				attribute.String("a2a.requester", in.env.Headers.Source),
			),
		)
		defer span.End()
		fn(runCtx, in)
	}()
}

func (e *Exchange) handleDataRequest(ctx context.Context, env *envelope.Envelope) error {
	in, ok := e.accept(ctx, env, func(dataType string) bool {
		e.mu.RLock()
		defer e.mu.RUnlock()
		_, ok := e.data[dataType]
		return ok
	})
	if !ok {
		return nil
	}
	e.serve(ctx, in, "data", e.provideData)
	return nil
}

func (e *Exchange) provideData(ctx context.Context, in *incoming) {
	e.mu.RLock()
	provider, ok := e.data[in.dataType]
	e.mu.RUnlock()
	if !ok {
		return
	}

	start := time.Now()
	result, err := callData(ctx, provider, in.params)
	elapsed := time.Since(start)
	e.recorder.RecordProcessingTime(elapsed, map[string]string{"dataType": in.dataType, "kind": "data"})

	if err != nil {
		metrics.IncProviderExecution("data", in.dataType, "error")
		e.respondError(ctx, in, envelope.TypeDataError, err)
		return
	}
	metrics.IncProviderExecution("data", in.dataType, "success")

	resp, err := e.reply(in, envelope.TypeDataResponse, dataResponse{RequestID: in.requestID, DataType: in.dataType, Data: result})
	if err != nil {
		e.respondError(ctx, in, envelope.TypeDataError, errors.ErrInternal.WithMessage("provider result is not serializable").WithCause(err))
		return
	}
	if err := e.bus.Publish(ctx, in.env.Headers.ReplyTo, resp); err != nil {
		e.recorder.RecordMessageFailed(resp, err)
		e.log.WarnwCtx(ctx, "Failed to publish data response", "data_type", in.dataType, "error", err)
		return
	}
	e.recorder.RecordMessageSent(resp)
	e.recorder.RecordEvent(collector.EventDataResponded, in.env.Headers.CorrelationID, map[string]string{"dataType": in.dataType})
	e.events.Emit(Event{Kind: EventDataResponded, DataType: in.dataType, RequestID: in.requestID, Peer: in.env.Headers.Source, Duration: elapsed})
}

func callData(ctx context.Context, p DataProvider, params map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return p(ctx, params)
}

func (e *Exchange) handleStreamRequest(ctx context.Context, env *envelope.Envelope) error {
	in, ok := e.accept(ctx, env, func(dataType string) bool {
		e.mu.RLock()
		defer e.mu.RUnlock()
		_, ok := e.streams[dataType]
		return ok
	})
	if !ok {
		return nil
	}
	e.serve(ctx, in, "stream", e.provideStream)
	return nil
}

func (e *Exchange) provideStream(ctx context.Context, in *incoming) {
	e.mu.RLock()
	provider, ok := e.streams[in.dataType]
	e.mu.RUnlock()
	if !ok {
		return
	}

	w := &StreamWriter{exchange: e, in: in, ctx: ctx}
	start := time.Now()
	err := callStream(ctx, provider, in.params, w)
	if err == nil {
		err = w.flush(true)
	} else if flushErr := w.flush(false); flushErr != nil {
		e.log.DebugwCtx(ctx, "Failed to flush chunk before failing stream", "error", flushErr)
	}
	elapsed := time.Since(start)
	e.recorder.RecordProcessingTime(elapsed, map[string]string{"dataType": in.dataType, "kind": "stream"})

	if err != nil {
		metrics.IncProviderExecution("stream", in.dataType, "error")
		w.end(errorPtr(err))
		return
	}
	metrics.IncProviderExecution("stream", in.dataType, "success")
	if err := w.end(nil); err != nil {
		return
	}
	e.recorder.RecordEvent(collector.EventDataResponded, in.env.Headers.CorrelationID, map[string]string{"dataType": in.dataType, "kind": "stream"})
	e.events.Emit(Event{Kind: EventDataResponded, DataType: in.dataType, RequestID: in.requestID, Peer: in.env.Headers.Source, Duration: elapsed})
}

func callStream(ctx context.Context, p StreamProvider, params map[string]interface{}, w *StreamWriter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return p(ctx, params, w)
}

func errorPtr(err error) *errors.Remote {
	remote := errors.ToRemote(err)
	return &remote
}

func (e *Exchange) reply(in *incoming, msgType string, payload interface{}) (*envelope.Envelope, error) {
	body, err := codec.Convert[map[string]interface{}](payload)
	if err != nil {
		return nil, err
	}
	return envelope.New(msgType, e.serviceID).
		WithCorrelationID(in.env.Headers.CorrelationID).
		WithDestination(in.env.Headers.Source).
		WithPayload(body).
		Build(), nil
}

// respondError sends a typed error envelope to the requester. Provider
// failures never reach the transport as exceptions.
func (e *Exchange) respondError(ctx context.Context, in *incoming, msgType string, cause error) {
	e.log.WarnwCtx(ctx, "Provider failed",
		"data_type", in.dataType,
		"requester", in.env.Headers.Source,
		"error", cause,
	)
	resp, err := e.reply(in, msgType, errorResponse{RequestID: in.requestID, Error: errors.ToRemote(cause)})
	if err != nil {
		e.log.ErrorwCtx(ctx, "Failed to encode error response", "error", err)
		return
	}
	if err := e.bus.Publish(ctx, in.env.Headers.ReplyTo, resp); err != nil {
		e.recorder.RecordMessageFailed(resp, err)
		e.log.WarnwCtx(ctx, "Failed to publish error response", "error", err)
		return
	}
	e.recorder.RecordMessageSent(resp)
}

// StreamWriter publishes one stream. It holds back the latest chunk until the
// next one arrives or the provider returns, so that isLast is set on the
// final chunk.
type StreamWriter struct {
	exchange *Exchange
	in       *incoming
	ctx      context.Context

	mu          sync.Mutex
	started     bool
	sent        int
	pending     *streamChunk
	totalChunks int
	totalSize   int64
	err         error
}

// Declare announces the expected size of the stream. It only has an effect
// before the first Send.
func (w *StreamWriter) Declare(totalChunks int, totalSize int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		w.totalChunks = totalChunks
		w.totalSize = totalSize
	}
}

// Send queues data as the next chunk. It fails once publishing has failed or
// the request context is done.
func (w *StreamWriter) Send(data interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if err := w.ctx.Err(); err != nil {
		w.err = errors.ErrTimeout.WithMessage("stream request expired").WithCause(err)
		return w.err
	}
	if err := w.startLocked(); err != nil {
		return err
	}
	if w.pending != nil {
		if err := w.publishLocked(envelope.TypeStreamChunk, *w.pending); err != nil {
			return err
		}
	}
	w.pending = &streamChunk{RequestID: w.in.requestID, Index: w.sent, Data: data}
	w.sent++
	return nil
}

func (w *StreamWriter) flush(last bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if err := w.startLocked(); err != nil {
		return err
	}
	if w.pending == nil {
		return nil
	}
	chunk := *w.pending
	chunk.IsLast = last
	w.pending = nil
	return w.publishLocked(envelope.TypeStreamChunk, chunk)
}

func (w *StreamWriter) end(failure *errors.Remote) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.publishLocked(envelope.TypeStreamEnd, streamEnd{
		RequestID:   w.in.requestID,
		TotalChunks: w.sent,
		Error:       failure,
	})
}

func (w *StreamWriter) startLocked() error {
	if w.started {
		return nil
	}
	w.started = true
	return w.publishLocked(envelope.TypeStreamStart, streamStart{
		RequestID:   w.in.requestID,
		DataType:    w.in.dataType,
		TotalChunks: w.totalChunks,
		TotalSize:   w.totalSize,
	})
}

func (w *StreamWriter) publishLocked(msgType string, payload interface{}) error {
	e := w.exchange
	env, err := e.reply(w.in, msgType, payload)
	if err != nil {
		w.err = errors.ErrValidation.WithMessage("stream payload is not serializable").WithCause(err)
		return w.err
	}
	// The end envelope is sent even after the request context expired so the
	// requester is not left waiting for its inactivity timeout.
	ctx := w.ctx
	if msgType == envelope.TypeStreamEnd {
		ctx = context.WithoutCancel(ctx)
	}
	if err := e.bus.Publish(ctx, w.in.env.Headers.ReplyTo, env); err != nil {
		e.recorder.RecordMessageFailed(env, err)
		w.err = err
		return err
	}
	e.recorder.RecordMessageSent(env)
	return nil
}
