// Package chat runs canonical chat requests against a provider adapter. A
// Runner normalizes the request, sends the immutable payload with retries and
// notifies observers; streamed calls are assembled by a stream.Aggregator.
package chat

import (
	"context"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/normalize"
	"goa.design/goa-llm/runtime/llm/retry"
	"goa.design/goa-llm/runtime/llm/stream"
	"goa.design/goa-llm/runtime/llm/telemetry"
)

type (
	// Client is the provider-neutral chat interface.
	Client interface {
		// Complete sends req and returns the full response.
		Complete(ctx context.Context, req *llm.Request) (*llm.Response, error)
		// Stream sends req and returns the handle of the in-flight call.
		// Text deltas are delivered to opts.OnText as they arrive.
		Stream(ctx context.Context, req *llm.Request, opts StreamOptions) (*stream.Call, error)
	}

	// StreamOptions configures incremental delivery for Stream.
	StreamOptions struct {
		// OnText receives each text delta. It must not block.
		OnText func(text string)
		// OnReasoning receives each reasoning delta.
		OnReasoning func(text string)
	}

	// Provider is implemented by provider adapters. Encode renders the
	// payload once; Send and Open may be invoked several times with the same
	// payload when retrying.
	Provider[P any] interface {
		normalize.Codec[P]
		// Capabilities describes what the provider accepts.
		Capabilities() llm.Capabilities
		// Finish maps provider stop codes to finish reasons.
		Finish() stream.FinishTable
		// Send performs a non-streaming call.
		Send(ctx context.Context, payload P) (*llm.Response, error)
		// Open starts a streaming call and returns its event source.
		Open(ctx context.Context, payload P) (stream.Source, error)
	}

	// Options configures a Runner.
	Options struct {
		// Defaults are merged under every request.
		Defaults *llm.Request
		// Retry configures retries. The zero value uses retry.DefaultConfig;
		// set MaxAttempts to 1 to disable retries.
		Retry retry.Config
		// Observers are notified of each call.
		Observers *telemetry.Observers
		// Logger records retried attempts and rejected stream events.
		Logger telemetry.Logger
	}

	// Runner implements Client on top of a Provider.
	Runner[P any] struct {
		provider  Provider[P]
		defaults  *llm.Request
		retry     retry.Config
		observers *telemetry.Observers
		logger    telemetry.Logger
	}

	sized interface {
		Len() int
	}
)

// New returns a Runner for provider.
func New[P any](provider Provider[P], opts Options) *Runner[P] {
	cfg := opts.Retry
	if cfg.MaxAttempts == 0 {
		cfg = retry.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Runner[P]{
		provider:  provider,
		defaults:  opts.Defaults,
		retry:     cfg,
		observers: opts.Observers,
		logger:    logger,
	}
}

// Capabilities returns the provider capabilities.
func (r *Runner[P]) Capabilities() llm.Capabilities {
	return r.provider.Capabilities()
}

// Complete normalizes req, sends it and returns the decoded response.
// Validation failures are returned before any network call.
func (r *Runner[P]) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	caps := r.provider.Capabilities()
	payload, err := normalize.Normalize(r.defaults, req, caps, r.provider, false)
	if err != nil {
		return nil, err
	}
	info := telemetry.NewRequestInfo(caps.Provider, "complete", r.model(req), payloadSize(payload))
	r.observers.Request(ctx, info)

	var resp *llm.Response
	attempt := 0
	err = retry.Do(ctx, r.retry, func(ctx context.Context) error {
		attempt++
		var err error
		resp, err = r.provider.Send(ctx, payload)
		r.logAttempt(ctx, info, attempt, err)
		return err
	})
	if err != nil {
		r.observers.Error(ctx, info, err)
		return nil, err
	}
	r.observers.Response(ctx, info, resp)
	return resp, nil
}

// Stream normalizes req, opens the stream and consumes it on a new
// goroutine. Opening is retried; once events flow the call is never
// replayed.
func (r *Runner[P]) Stream(ctx context.Context, req *llm.Request, opts StreamOptions) (*stream.Call, error) {
	caps := r.provider.Capabilities()
	payload, err := normalize.Normalize(r.defaults, req, caps, r.provider, true)
	if err != nil {
		return nil, err
	}
	info := telemetry.NewRequestInfo(caps.Provider, "stream", r.model(req), payloadSize(payload))
	r.observers.Request(ctx, info)

	var src stream.Source
	attempt := 0
	err = retry.Do(ctx, r.retry, func(ctx context.Context) error {
		attempt++
		var err error
		src, err = r.provider.Open(ctx, payload)
		r.logAttempt(ctx, info, attempt, err)
		return err
	})
	if err != nil {
		r.observers.Error(ctx, info, err)
		return nil, err
	}
	agg := stream.NewAggregator(stream.Options{
		Provider:    caps.Provider,
		Finish:      r.provider.Finish(),
		OnText:      opts.OnText,
		OnReasoning: opts.OnReasoning,
		Logger:      r.logger,
	})
	return stream.Start(ctx, src, agg, func(resp *llm.Response, err error) {
		if err != nil {
			r.observers.Error(ctx, info, err)
			return
		}
		r.observers.Response(ctx, info, resp)
	}), nil
}

func (r *Runner[P]) logAttempt(ctx context.Context, info telemetry.RequestInfo, attempt int, err error) {
	if err == nil || !retry.IsRetryable(err) {
		return
	}
	r.logger.Warn(ctx, "llm attempt failed",
		"request_id", info.ID,
		"provider", info.Provider,
		"operation", info.Operation,
		"attempt", attempt,
		"err", err,
	)
}

func (r *Runner[P]) model(req *llm.Request) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	if r.defaults != nil {
		return r.defaults.Model
	}
	return ""
}

func payloadSize(p any) int {
	if s, ok := p.(sized); ok {
		return s.Len()
	}
	return 0
}
