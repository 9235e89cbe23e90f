package stream

import (
	"context"
	"errors"
	"io"
	"sync"

	"goa.design/goa-llm/runtime/llm"
)

type (
	// Source yields the decoded events of one streaming call. Next returns
	// io.EOF once the underlying stream is exhausted. Close may be called
	// more than once and concurrently with a blocked Next, which it must
	// unblock.
	Source interface {
		Next(ctx context.Context) (Event, error)
		Close() error
	}

	// Call is the handle of an in-flight streaming call.
	Call struct {
		agg    *Aggregator
		src    Source
		cancel context.CancelFunc
		done   chan struct{}

		once sync.Once
		resp *llm.Response
		err  error
	}
)

// Consume feeds events from src to agg until a terminal event, then builds
// the response. A source that ends before a terminal event fails with a
// ProtocolError. Read errors mid-stream fail with a TransportError unless
// they already carry a protocol error. src is always closed.
func Consume(ctx context.Context, src Source, agg *Aggregator) (*llm.Response, error) {
	defer func() { _ = src.Close() }()
	for !agg.State().Terminal() {
		if err := ctx.Err(); err != nil {
			agg.Cancel()
			return nil, err
		}
		ev, err := src.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				agg.Fail(&llm.ProtocolError{Provider: agg.opts.Provider, Reason: "stream ended before a terminal event"})
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				agg.Cancel()
				return nil, err
			case errors.Is(err, llm.ErrProtocol):
				agg.Fail(err)
			default:
				agg.Fail(&llm.TransportError{Provider: agg.opts.Provider, Operation: "stream", Cause: err})
			}
			continue
		}
		if err := agg.Handle(ctx, ev); err != nil && !agg.State().Terminal() {
			return nil, err
		}
	}
	return agg.Build()
}

// Start consumes src on a new goroutine and returns the call handle.
// onDone, when not nil, is invoked once with the outcome before Wait
// returns.
func Start(ctx context.Context, src Source, agg *Aggregator, onDone func(*llm.Response, error)) *Call {
	ctx, cancel := context.WithCancel(ctx)
	c := &Call{agg: agg, src: src, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		defer cancel()
		resp, err := Consume(ctx, src, agg)
		c.resp, c.err = resp, err
		if onDone != nil {
			onDone(resp, err)
		}
	}()
	return c
}

// Cancel stops event delivery and closes the source. Partial text already
// delivered stands.
func (c *Call) Cancel() {
	c.once.Do(func() {
		c.agg.Cancel()
		c.cancel()
		_ = c.src.Close()
	})
}

// Done is closed when the call completes.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call completes or ctx is done.
func (c *Call) Wait(ctx context.Context) (*llm.Response, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Usage returns the running token usage.
func (c *Call) Usage() llm.Usage { return c.agg.Usage() }
