package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/telemetry"
)

// State is the aggregator lifecycle state.
type State int

const (
	// StateStarted is entered on construction.
	StateStarted State = iota
	// StateAccumulating is entered on the first accepted event.
	StateAccumulating
	// StateSucceeded is terminal: a stop event was received.
	StateSucceeded
	// StateFailed is terminal: an error event, a protocol violation or a
	// cancellation ended the stream.
	StateFailed
)

var (
	// ErrTerminated is returned for events delivered after termination.
	ErrTerminated = errors.New("stream: event after termination")
	// ErrCanceled is returned for events delivered after Cancel.
	ErrCanceled = errors.New("stream: canceled")
	// ErrNotTerminated is returned by Build before successful termination.
	ErrNotTerminated = errors.New("stream: response not complete")
	// ErrAlreadyBuilt is returned by the second call to Build.
	ErrAlreadyBuilt = errors.New("stream: response already built")
)

type (
	// Options configures an Aggregator.
	Options struct {
		// Provider names the provider in errors and logs.
		Provider string
		// Finish maps provider stop codes to finish reasons.
		Finish FinishTable
		// OnText receives each text delta as soon as it is accepted. It is
		// called synchronously from the goroutine delivering events and
		// must not block.
		OnText func(text string)
		// OnReasoning receives each reasoning delta.
		OnReasoning func(text string)
		// Logger records rejected events. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Aggregator consumes the ordered events of one streaming call and
	// builds one canonical response. All mutations are serialized; it is
	// safe to deliver events from a goroutine other than the caller's.
	Aggregator struct {
		// deliver serializes Handle calls so callbacks observe event order.
		deliver sync.Mutex

		mu        sync.Mutex
		opts      Options
		state     State
		id        string
		model     string
		text      strings.Builder
		reasoning strings.Builder
		tools     *ToolCallAccumulator
		current   string
		usage     llm.Usage
		code      string
		finish    llm.FinishReason
		err       error
		canceled  bool
		built     bool
	}
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateAccumulating:
		return "accumulating"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// NewAggregator returns an aggregator in the started state.
func NewAggregator(opts Options) *Aggregator {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Aggregator{
		opts:  opts,
		state: StateStarted,
		tools: NewToolCallAccumulator(),
	}
}

// Handle applies ev. Events delivered after termination are rejected with
// ErrTerminated (or ErrCanceled after Cancel) and leave the state untouched.
// An ErrorEvent is accepted: it terminates the stream and the error is
// reported by Err and Build.
func (a *Aggregator) Handle(ctx context.Context, ev Event) error {
	a.deliver.Lock()
	defer a.deliver.Unlock()

	cb, delta, err := a.apply(ev)
	if err != nil {
		if errors.Is(err, ErrTerminated) || errors.Is(err, ErrCanceled) {
			a.opts.Logger.Warn(ctx, "stream event rejected",
				"provider", a.opts.Provider,
				"event", fmt.Sprintf("%T", ev),
				"err", err,
			)
		}
		return err
	}
	if cb != nil {
		cb(delta)
	}
	return nil
}

func (a *Aggregator) apply(ev Event) (func(string), string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.canceled {
		return nil, "", ErrCanceled
	}
	if a.state.Terminal() {
		return nil, "", ErrTerminated
	}
	a.state = StateAccumulating

	switch e := ev.(type) {
	case Started:
		if a.id == "" {
			a.id = e.ID
		}
		if a.model == "" {
			a.model = e.Model
		}
	case BlockStarted:
		if e.Kind == BlockToolUse {
			if e.ToolID == "" {
				return nil, "", a.failLocked(a.protocolError("tool use block without id"))
			}
			a.current = e.ToolID
			if err := a.tools.OnFragment(e.ToolID, e.ToolName, ""); err != nil {
				return nil, "", a.failLocked(a.protocolError(err.Error()))
			}
		}
	case TextDelta:
		if e.Text == "" {
			return nil, "", nil
		}
		a.text.WriteString(e.Text)
		return a.opts.OnText, e.Text, nil
	case ReasoningDelta:
		if e.Text == "" {
			return nil, "", nil
		}
		a.reasoning.WriteString(e.Text)
		return a.opts.OnReasoning, e.Text, nil
	case ToolDelta:
		key := e.ID
		if key == "" {
			key = a.current
		}
		if key == "" {
			return nil, "", a.failLocked(a.protocolError("tool fragment before any tool call id"))
		}
		a.current = key
		if err := a.tools.OnFragment(key, e.Name, e.Args); err != nil {
			return nil, "", a.failLocked(a.protocolError(err.Error()))
		}
	case BlockStopped:
	case UsageDelta:
		a.usage = a.usage.Add(e.Usage)
	case Stopped:
		a.code = e.Reason
		a.finish = a.opts.Finish.Map(e.Reason)
		a.state = StateSucceeded
	case ErrorEvent:
		a.state = StateFailed
		a.err = &llm.PartialStreamError{
			Provider:       a.opts.Provider,
			Code:           e.Code,
			Message:        e.Message,
			DeliveredChars: utf8.RuneCountInString(a.text.String()),
		}
	default:
		return nil, "", a.failLocked(a.protocolError(fmt.Sprintf("unknown event %T", ev)))
	}
	return nil, "", nil
}

// Fail terminates the stream with err unless it already terminated.
func (a *Aggregator) Fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Terminal() {
		return
	}
	a.failLocked(err)
}

func (a *Aggregator) failLocked(err error) error {
	a.state = StateFailed
	a.err = err
	return err
}

func (a *Aggregator) protocolError(reason string) error {
	return &llm.ProtocolError{Provider: a.opts.Provider, Reason: reason}
}

// Cancel stops any further mutation and callback delivery. Text already
// delivered to callbacks is not undone. Cancel after termination is a no-op.
func (a *Aggregator) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Terminal() {
		return
	}
	a.canceled = true
	a.state = StateFailed
	a.err = ErrCanceled
}

// State returns the current state.
func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Err returns the error that terminated the stream, if any.
func (a *Aggregator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Usage returns the running token usage.
func (a *Aggregator) Usage() llm.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

// Text returns the text accumulated so far.
func (a *Aggregator) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.text.String()
}

// Build assembles the response. It may be called once, after successful
// termination. A stream that terminated with an error never produces a
// response: Build returns that error.
func (a *Aggregator) Build() (*llm.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.built {
		return nil, ErrAlreadyBuilt
	}
	switch a.state {
	case StateSucceeded:
	case StateFailed:
		return nil, a.err
	default:
		return nil, ErrNotTerminated
	}
	a.built = true
	calls, err := a.tools.All()
	if err != nil {
		return nil, err
	}
	return &llm.Response{
		ID:                   a.id,
		Model:                a.model,
		Text:                 a.text.String(),
		Reasoning:            a.reasoning.String(),
		ToolCalls:            calls,
		Usage:                a.usage,
		FinishReason:         a.finish,
		ProviderFinishReason: a.code,
	}, nil
}
