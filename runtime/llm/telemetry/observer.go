package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/goa-llm/runtime/llm"
)

type (
	// RequestInfo describes an in-flight provider call.
	RequestInfo struct {
		// ID uniquely identifies the call across observer notifications.
		ID string
		// Provider is the provider name.
		Provider string
		// Operation is "complete", "stream" or a batch operation name.
		Operation string
		// Model is the target model.
		Model string
		// PayloadBytes is the size of the rendered request body.
		PayloadBytes int
		// StartedAt is the time the call started.
		StartedAt time.Time
	}

	// Observer is notified of request lifecycle events. Errors returned by
	// an observer are logged and otherwise ignored.
	Observer interface {
		OnRequest(ctx context.Context, info RequestInfo) error
		OnResponse(ctx context.Context, info RequestInfo, resp *llm.Response) error
		OnError(ctx context.Context, info RequestInfo, err error) error
	}

	// ObserverFuncs adapts optional functions to the Observer interface.
	ObserverFuncs struct {
		Request  func(ctx context.Context, info RequestInfo) error
		Response func(ctx context.Context, info RequestInfo, resp *llm.Response) error
		Error    func(ctx context.Context, info RequestInfo, err error) error
	}

	// Observers is an ordered list of observers invoked with per-observer
	// isolation: a failing or panicking observer never affects another
	// observer or the caller.
	Observers struct {
		list   []Observer
		logger Logger
	}

	otelObserver struct {
		metrics Metrics
		tracer  Tracer
		spans   sync.Map // request ID -> Span
	}

	logObserver struct {
		logger Logger
	}
)

// NewRequestInfo returns a RequestInfo with a fresh ID and start time.
func NewRequestInfo(provider, operation, model string, payloadBytes int) RequestInfo {
	return RequestInfo{
		ID:           uuid.NewString(),
		Provider:     provider,
		Operation:    operation,
		Model:        model,
		PayloadBytes: payloadBytes,
		StartedAt:    time.Now(),
	}
}

// NewObservers returns an observer list. A nil logger discards observer
// failures.
func NewObservers(logger Logger, observers ...Observer) *Observers {
	if logger == nil {
		logger = NewNoopLogger()
	}
	list := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return &Observers{list: list, logger: logger}
}

// Len returns the number of registered observers.
func (o *Observers) Len() int {
	if o == nil {
		return 0
	}
	return len(o.list)
}

// Request notifies every observer that a call started.
func (o *Observers) Request(ctx context.Context, info RequestInfo) {
	o.each(ctx, "request", info, func(obs Observer) error { return obs.OnRequest(ctx, info) })
}

// Response notifies every observer that a call completed.
func (o *Observers) Response(ctx context.Context, info RequestInfo, resp *llm.Response) {
	o.each(ctx, "response", info, func(obs Observer) error { return obs.OnResponse(ctx, info, resp) })
}

// Error notifies every observer that a call failed.
func (o *Observers) Error(ctx context.Context, info RequestInfo, err error) {
	o.each(ctx, "error", info, func(obs Observer) error { return obs.OnError(ctx, info, err) })
}

func (o *Observers) each(ctx context.Context, event string, info RequestInfo, fn func(Observer) error) {
	if o == nil {
		return
	}
	for i, obs := range o.list {
		if err := invoke(obs, fn); err != nil {
			o.logger.Warn(ctx, "observer failed",
				"event", event,
				"observer", i,
				"provider", info.Provider,
				"request_id", info.ID,
				"err", err,
			)
		}
	}
}

func invoke(obs Observer, fn func(Observer) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return fn(obs)
}

func (f ObserverFuncs) OnRequest(ctx context.Context, info RequestInfo) error {
	if f.Request == nil {
		return nil
	}
	return f.Request(ctx, info)
}

func (f ObserverFuncs) OnResponse(ctx context.Context, info RequestInfo, resp *llm.Response) error {
	if f.Response == nil {
		return nil
	}
	return f.Response(ctx, info, resp)
}

func (f ObserverFuncs) OnError(ctx context.Context, info RequestInfo, err error) error {
	if f.Error == nil {
		return nil
	}
	return f.Error(ctx, info, err)
}

// NewOTELObserver returns an Observer that records request counts, latency
// and token usage with metrics and opens one client span per call.
func NewOTELObserver(metrics Metrics, tracer Tracer) Observer {
	if metrics == nil {
		metrics = NewNoopMetrics()
	}
	if tracer == nil {
		tracer = NewNoopTracer()
	}
	return &otelObserver{metrics: metrics, tracer: tracer}
}

func (o *otelObserver) OnRequest(ctx context.Context, info RequestInfo) error {
	_, span := o.tracer.Start(ctx, "llm."+info.Operation, trace.WithSpanKind(trace.SpanKindClient))
	span.AddEvent("request", "provider", info.Provider, "model", info.Model, "payload_bytes", info.PayloadBytes)
	o.spans.Store(info.ID, span)
	o.metrics.IncCounter("llm.requests", 1, "provider", info.Provider, "operation", info.Operation)
	return nil
}

func (o *otelObserver) OnResponse(_ context.Context, info RequestInfo, resp *llm.Response) error {
	tags := []string{"provider", info.Provider, "operation", info.Operation}
	o.metrics.RecordTimer("llm.latency", time.Since(info.StartedAt), tags...)
	if resp != nil {
		o.metrics.IncCounter("llm.tokens.input", float64(resp.Usage.InputTokens), tags...)
		o.metrics.IncCounter("llm.tokens.output", float64(resp.Usage.OutputTokens), tags...)
	}
	if v, ok := o.spans.LoadAndDelete(info.ID); ok {
		span := v.(Span)
		if resp != nil {
			span.AddEvent("response", "finish_reason", string(resp.FinishReason), "output_tokens", resp.Usage.OutputTokens)
		}
		span.SetStatus(codes.Ok, "")
		span.End()
	}
	return nil
}

func (o *otelObserver) OnError(_ context.Context, info RequestInfo, err error) error {
	tags := []string{"provider", info.Provider, "operation", info.Operation}
	o.metrics.RecordTimer("llm.latency", time.Since(info.StartedAt), tags...)
	o.metrics.IncCounter("llm.errors", 1, tags...)
	if v, ok := o.spans.LoadAndDelete(info.ID); ok {
		span := v.(Span)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
	}
	return nil
}

// NewLogObserver returns an Observer that logs requests and responses at
// debug level and failures at error level. Payload bodies are never logged.
func NewLogObserver(logger Logger) Observer {
	if logger == nil {
		logger = NewNoopLogger()
	}
	return &logObserver{logger: logger}
}

func (o *logObserver) OnRequest(ctx context.Context, info RequestInfo) error {
	o.logger.Debug(ctx, "llm request",
		"request_id", info.ID,
		"provider", info.Provider,
		"operation", info.Operation,
		"model", info.Model,
		"payload_bytes", info.PayloadBytes,
	)
	return nil
}

func (o *logObserver) OnResponse(ctx context.Context, info RequestInfo, resp *llm.Response) error {
	kv := []any{
		"request_id", info.ID,
		"provider", info.Provider,
		"operation", info.Operation,
		"duration_ms", time.Since(info.StartedAt).Milliseconds(),
	}
	if resp != nil {
		kv = append(kv,
			"response_id", resp.ID,
			"model", resp.Model,
			"finish_reason", string(resp.FinishReason),
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
			"tool_calls", len(resp.ToolCalls),
		)
	}
	o.logger.Debug(ctx, "llm response", kv...)
	return nil
}

func (o *logObserver) OnError(ctx context.Context, info RequestInfo, err error) error {
	o.logger.Error(ctx, "llm request failed",
		"request_id", info.ID,
		"provider", info.Provider,
		"operation", info.Operation,
		"duration_ms", time.Since(info.StartedAt).Milliseconds(),
		"err", err,
	)
	return nil
}
