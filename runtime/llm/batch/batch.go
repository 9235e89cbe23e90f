// Package batch tracks asynchronous batch jobs and reconciles their raw
// per-item results into typed outcomes. Polling is driven by the caller: the
// package owns no scheduler and never caches status authoritatively.
package batch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/goa-llm/runtime/llm"
)

// MaxCorrelationID is the maximum correlation id length.
const MaxCorrelationID = 64

type (
	// Status is the vendor-reported job status.
	Status string

	// Counts are the per-outcome item counts reported by the vendor.
	Counts struct {
		Processing int `json:"processing" bson:"processing"`
		Succeeded  int `json:"succeeded" bson:"succeeded"`
		Errored    int `json:"errored" bson:"errored"`
		Canceled   int `json:"canceled" bson:"canceled"`
		Expired    int `json:"expired" bson:"expired"`
	}

	// Job is a snapshot of a batch job as reported by the vendor.
	Job struct {
		ID        string
		Status    Status
		Counts    Counts
		CreatedAt time.Time
		ExpiresAt time.Time
		EndedAt   time.Time
		// ResultsURL locates the results resource once available.
		ResultsURL string
		// ErrorsURL locates failed item results for providers that report
		// them separately.
		ErrorsURL string
		// Errors lists the job-level failures reported by the vendor, for
		// example input file validation errors.
		Errors []JobError
	}

	// JobError is a job-level failure.
	JobError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		// Line is the 1-based input line the error refers to, 0 when none.
		Line int `json:"line,omitempty"`
	}

	// Item is one request submitted in a batch.
	Item struct {
		// CorrelationID matches the item with its result.
		CorrelationID string
		Request       *llm.Request
	}

	// ListParams paginates List.
	ListParams struct {
		// After is the id to list after. Empty starts from the most recent.
		After string
		// Limit caps the page size. Zero uses the provider default.
		Limit int
	}

	// Page is one page of jobs.
	Page struct {
		Jobs    []*Job
		HasMore bool
		// LastID is the cursor for the next page.
		LastID string
	}

	// API is implemented by provider batch adapters. Cancel and Delete are
	// one-shot remote calls; adapters that cannot delete return an error
	// matching llm.ErrUnsupported.
	API interface {
		// Capabilities describes the provider batch support.
		Capabilities() llm.Capabilities
		Create(ctx context.Context, items []Item) (*Job, error)
		Retrieve(ctx context.Context, id string) (*Job, error)
		Cancel(ctx context.Context, id string) (*Job, error)
		Delete(ctx context.Context, id string) error
		List(ctx context.Context, params ListParams) (*Page, error)
		// Results fetches the raw per-item results of an ended job.
		Results(ctx context.Context, job *Job) ([]RawResult, error)
	}
)

const (
	StatusIncomplete Status = "incomplete"
	StatusEnded      Status = "ended"
)

// Total returns the sum of all counts.
func (c Counts) Total() int {
	return c.Processing + c.Succeeded + c.Errored + c.Canceled + c.Expired
}

// EndedWithoutResults reports whether the vendor ended the job without a
// results resource. Such a job never reaches the ENDED tracker state.
func (j *Job) EndedWithoutResults() bool {
	return j.Status == StatusEnded && j.ResultsURL == ""
}

// ValidateID rejects ids that do not carry prefix followed by at least one
// character. It runs before any network call.
func ValidateID(provider, prefix, id string) error {
	if prefix == "" {
		return llm.NewCapabilityError(provider, "batch")
	}
	if !strings.HasPrefix(id, prefix) || len(id) == len(prefix) {
		return llm.NewValidationError(provider, "batch_id", "%q does not match the expected %q prefix", id, prefix)
	}
	for _, r := range id[len(prefix):] {
		if !isIDRune(r) {
			return llm.NewValidationError(provider, "batch_id", "%q contains invalid character %q", id, r)
		}
	}
	return nil
}

func isIDRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-'
}

// AssignCorrelationIDs gives every item without a correlation id a random
// one.
func AssignCorrelationIDs(items []Item) {
	for i := range items {
		if items[i].CorrelationID == "" {
			items[i].CorrelationID = uuid.NewString()
		}
	}
}

// ValidateItems checks that items is not empty, that every item has a
// request and that correlation ids are unique, at most MaxCorrelationID
// characters long and made of [A-Za-z0-9_-].
func ValidateItems(provider string, items []Item) error {
	if len(items) == 0 {
		return llm.NewValidationError(provider, "items", "at least one item is required")
	}
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		field := fmt.Sprintf("items[%d]", i)
		id := item.CorrelationID
		if id == "" || len(id) > MaxCorrelationID {
			return llm.NewValidationError(provider, field, "correlation id must be 1 to %d characters", MaxCorrelationID)
		}
		for _, r := range id {
			if !isIDRune(r) {
				return llm.NewValidationError(provider, field, "correlation id %q contains invalid character %q", id, r)
			}
		}
		if _, ok := seen[id]; ok {
			return llm.NewValidationError(provider, field, "duplicate correlation id %q", id)
		}
		seen[id] = struct{}{}
		if item.Request == nil {
			return llm.NewValidationError(provider, field, "request is required")
		}
	}
	return nil
}
