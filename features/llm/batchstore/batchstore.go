// Package batchstore defines the registry of batch submissions made by this
// process. The registry is never authoritative for job status: it only keeps
// what the vendor does not report back, namely the submitted request count
// and the correlation ids.
//
// Available implementations:
//
//   - memory: in-process store for tests and one-shot CLI runs
//   - redis: Redis store shared by several processes
//   - mongo: MongoDB store for durable bookkeeping
package batchstore

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/batch"
)

// ErrNotFound is returned when no submission is recorded for an id.
var ErrNotFound = errors.New("batch submission not found")

type (
	// Submission records a batch created by this process.
	Submission struct {
		// ID is the vendor batch id.
		ID string `json:"id" bson:"_id"`
		// Provider names the adapter that created the batch.
		Provider string `json:"provider" bson:"provider"`
		// RequestCount is the number of submitted items.
		RequestCount int `json:"request_count" bson:"request_count"`
		// CorrelationIDs lists the submitted item ids in submission order.
		CorrelationIDs []string `json:"correlation_ids" bson:"correlation_ids"`
		// CreatedAt is the local submission time.
		CreatedAt time.Time `json:"created_at" bson:"created_at"`
	}

	// Store persists submissions. Implementations must be safe for
	// concurrent use.
	Store interface {
		// Save stores or replaces a submission.
		Save(ctx context.Context, s *Submission) error
		// Get returns the submission with the given id or ErrNotFound.
		Get(ctx context.Context, id string) (*Submission, error)
		// Delete removes a submission. Returns ErrNotFound when missing.
		Delete(ctx context.Context, id string) error
		// List returns the submissions of provider, most recent first. An
		// empty provider lists all submissions.
		List(ctx context.Context, provider string) ([]*Submission, error)
	}
)

// NewSubmission records job as created from items by provider.
func NewSubmission(provider string, job *batch.Job, items []batch.Item) *Submission {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.CorrelationID
	}
	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return &Submission{
		ID:             job.ID,
		Provider:       provider,
		RequestCount:   len(items),
		CorrelationIDs: ids,
		CreatedAt:      created.UTC(),
	}
}

// Tracker returns a tracker for the submission enforcing its request count.
func (s *Submission) Tracker(prefix string) (*batch.Tracker, error) {
	return batch.NewTracker(s.Provider, prefix, s.ID, s.RequestCount)
}

// Validate checks the fields required to save s.
func (s *Submission) Validate() error {
	if s == nil {
		return errors.New("submission is required")
	}
	if s.ID == "" {
		return llm.NewValidationError(s.Provider, "id", "submission id is required")
	}
	if s.Provider == "" {
		return errors.New("submission provider is required")
	}
	if s.RequestCount < 0 {
		return llm.NewValidationError(s.Provider, "request_count", "must not be negative")
	}
	if len(s.CorrelationIDs) > 0 && len(s.CorrelationIDs) != s.RequestCount {
		return llm.NewValidationError(s.Provider, "correlation_ids", "%d ids recorded for %d requests", len(s.CorrelationIDs), s.RequestCount)
	}
	return nil
}

// SortRecentFirst orders subs by descending creation time, breaking ties by
// id.
func SortRecentFirst(subs []*Submission) {
	slices.SortFunc(subs, func(a, b *Submission) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
