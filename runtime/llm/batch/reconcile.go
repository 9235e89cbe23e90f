package batch

import (
	"encoding/json"
	"fmt"

	"goa.design/goa-llm/runtime/llm"
)

// Result kind discriminators as normalized by provider adapters.
const (
	KindSucceeded = "succeeded"
	KindErrored   = "errored"
	KindCanceled  = "canceled"
	KindExpired   = "expired"
)

type (
	// RawResult is one undecoded result line.
	RawResult struct {
		CorrelationID string
		// Kind is the result discriminator.
		Kind string
		// Body is the provider response body for succeeded items.
		Body json.RawMessage
		// ErrorType and ErrorMessage describe errored items.
		ErrorType    string
		ErrorMessage string
	}

	// Result is the typed outcome of one batch item.
	Result struct {
		CorrelationID string
		Outcome       ItemOutcome
	}

	// ItemOutcome is one of Succeeded, Errored, Canceled or Expired.
	ItemOutcome interface {
		isItemOutcome()
	}

	// Succeeded carries the decoded response.
	Succeeded struct {
		Response *llm.Response
	}

	// Errored carries the provider error.
	Errored struct {
		Type    string
		Message string
	}

	// Canceled marks an item canceled before processing.
	Canceled struct{}

	// Expired marks an item not processed before the batch expired.
	Expired struct{}

	// Reconciler converts raw results into typed results.
	Reconciler struct {
		// Provider names the provider in errors.
		Provider string
		// Decode decodes a succeeded item body.
		Decode func(body json.RawMessage) (*llm.Response, error)
	}
)

func (Succeeded) isItemOutcome() {}
func (Errored) isItemOutcome()   {}
func (Canceled) isItemOutcome()  {}
func (Expired) isItemOutcome()   {}

// Reconcile maps each raw item to exactly one outcome. An unknown
// discriminator, a missing correlation id or an undecodable succeeded body
// is a ProtocolError and aborts reconciliation.
func (r *Reconciler) Reconcile(raws []RawResult) ([]Result, error) {
	out := make([]Result, 0, len(raws))
	for i, raw := range raws {
		if raw.CorrelationID == "" {
			return nil, &llm.ProtocolError{Provider: r.Provider, Reason: fmt.Sprintf("result %d has no correlation id", i)}
		}
		outcome, err := r.outcome(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, Result{CorrelationID: raw.CorrelationID, Outcome: outcome})
	}
	return out, nil
}

func (r *Reconciler) outcome(raw RawResult) (ItemOutcome, error) {
	switch raw.Kind {
	case KindSucceeded:
		if r.Decode == nil {
			return nil, fmt.Errorf("%s: reconciler has no decoder", r.Provider)
		}
		resp, err := r.Decode(raw.Body)
		if err != nil {
			return nil, &llm.ProtocolError{
				Provider: r.Provider,
				Reason:   fmt.Sprintf("result %q: undecodable response", raw.CorrelationID),
				Cause:    err,
			}
		}
		return Succeeded{Response: resp}, nil
	case KindErrored:
		return Errored{Type: raw.ErrorType, Message: raw.ErrorMessage}, nil
	case KindCanceled:
		return Canceled{}, nil
	case KindExpired:
		return Expired{}, nil
	default:
		return nil, &llm.ProtocolError{
			Provider: r.Provider,
			Reason:   fmt.Sprintf("result %q: unknown result type %q", raw.CorrelationID, raw.Kind),
		}
	}
}

// Tally counts the outcomes of results.
func Tally(results []Result) Counts {
	var c Counts
	for _, res := range results {
		switch res.Outcome.(type) {
		case Succeeded:
			c.Succeeded++
		case Errored:
			c.Errored++
		case Canceled:
			c.Canceled++
		case Expired:
			c.Expired++
		}
	}
	return c
}
