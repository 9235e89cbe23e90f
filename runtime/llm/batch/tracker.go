package batch

import (
	"context"
	"fmt"
	"sync"

	"goa.design/goa-llm/runtime/llm"
)

// State is the tracker lifecycle state.
type State string

const (
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateEnded     State = "ended"
)

type (
	// Tracker follows one batch job across caller-driven polls. It enforces
	// that counts never decrease and never exceed the submitted request
	// count, and only reports ENDED once the results are fetchable.
	Tracker struct {
		provider     string
		id           string
		requestCount int

		mu    sync.Mutex
		state State
		last  *Job
	}

	// Outcome is the whole-batch outcome of an ended job.
	Outcome interface {
		isOutcome()
		// Counts returns the final counts.
		Counts() Counts
	}

	// Completed reports an ended batch with at least one success (or no
	// errors at all).
	Completed struct{ counts Counts }

	// AllErrored reports an ended batch where no item succeeded and at
	// least one errored.
	AllErrored struct{ counts Counts }
)

// NewTracker validates id against prefix and returns a tracker in the
// SUBMITTED state. requestCount is the number of submitted requests; zero
// disables the sum check for jobs not submitted by this process.
func NewTracker(provider, prefix, id string, requestCount int) (*Tracker, error) {
	if err := ValidateID(provider, prefix, id); err != nil {
		return nil, err
	}
	if requestCount < 0 {
		return nil, llm.NewValidationError(provider, "request_count", "must not be negative")
	}
	return &Tracker{provider: provider, id: id, requestCount: requestCount, state: StateSubmitted}, nil
}

// ID returns the tracked batch id.
func (t *Tracker) ID() string { return t.id }

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Last returns the last observed job snapshot, nil before the first poll.
func (t *Tracker) Last() *Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Observe applies a vendor snapshot. A snapshot for another id, counts that
// decrease or counts whose sum exceeds the request count are ProtocolErrors
// and leave the tracker unchanged. A job reported ended without a results
// pointer keeps the tracker POLLING.
func (t *Tracker) Observe(job *Job) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if job == nil {
		return t.state, t.protocolError("nil job snapshot")
	}
	if job.ID != t.id {
		return t.state, t.protocolError(fmt.Sprintf("snapshot for %q while tracking %q", job.ID, t.id))
	}
	if t.state == StateEnded {
		return t.state, nil
	}
	if t.requestCount > 0 && job.Counts.Total() > t.requestCount {
		return t.state, t.protocolError(fmt.Sprintf("counts total %d exceeds %d requests", job.Counts.Total(), t.requestCount))
	}
	if t.last != nil {
		if err := monotonic(t.last.Counts, job.Counts); err != nil {
			return t.state, t.protocolError(err.Error())
		}
	}
	snapshot := *job
	t.last = &snapshot
	t.state = StatePolling
	if job.Status == StatusEnded && job.ResultsURL != "" {
		t.state = StateEnded
	}
	return t.state, nil
}

// Outcome returns the whole-batch outcome. It fails until the tracker is
// ENDED.
func (t *Tracker) Outcome() (Outcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateEnded {
		return nil, fmt.Errorf("%s: batch %s has not ended (state %s)", t.provider, t.id, t.state)
	}
	return OutcomeOf(t.last.Counts), nil
}

// OutcomeOf classifies final counts.
func OutcomeOf(c Counts) Outcome {
	if c.Succeeded == 0 && c.Errored > 0 {
		return AllErrored{counts: c}
	}
	return Completed{counts: c}
}

// Poll retrieves the job once and applies it to t.
func Poll(ctx context.Context, api API, t *Tracker) (State, error) {
	job, err := api.Retrieve(ctx, t.id)
	if err != nil {
		return t.State(), err
	}
	return t.Observe(job)
}

// monotonic only checks the terminal counts: processing naturally
// decreases as items complete.
func monotonic(prev, next Counts) error {
	switch {
	case next.Succeeded < prev.Succeeded:
		return fmt.Errorf("succeeded count decreased from %d to %d", prev.Succeeded, next.Succeeded)
	case next.Errored < prev.Errored:
		return fmt.Errorf("errored count decreased from %d to %d", prev.Errored, next.Errored)
	case next.Canceled < prev.Canceled:
		return fmt.Errorf("canceled count decreased from %d to %d", prev.Canceled, next.Canceled)
	case next.Expired < prev.Expired:
		return fmt.Errorf("expired count decreased from %d to %d", prev.Expired, next.Expired)
	}
	return nil
}

func (t *Tracker) protocolError(reason string) error {
	return &llm.ProtocolError{Provider: t.provider, Reason: reason}
}

func (Completed) isOutcome()  {}
func (AllErrored) isOutcome() {}

// Counts returns the final counts.
func (o Completed) Counts() Counts { return o.counts }

// Counts returns the final counts.
func (o AllErrored) Counts() Counts { return o.counts }
