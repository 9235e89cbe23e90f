// Package memory provides an in-memory batch submission store.
package memory

import (
	"context"
	"slices"
	"sync"

	"goa.design/goa-llm/features/llm/batchstore"
)

// Store keeps submissions in process memory. It is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	subs map[string]*batchstore.Submission
}

var _ batchstore.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{subs: make(map[string]*batchstore.Submission)}
}

// Save stores or replaces s.
func (s *Store) Save(ctx context.Context, sub *batchstore.Submission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sub.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = clone(sub)
	return nil
}

// Get returns the submission with the given id.
func (s *Store) Get(ctx context.Context, id string) (*batchstore.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, batchstore.ErrNotFound
	}
	return clone(sub), nil
}

// Delete removes the submission with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return batchstore.ErrNotFound
	}
	delete(s.subs, id)
	return nil
}

// List returns the submissions of provider, most recent first.
func (s *Store) List(ctx context.Context, provider string) ([]*batchstore.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*batchstore.Submission, 0, len(s.subs))
	for _, sub := range s.subs {
		if provider == "" || sub.Provider == provider {
			out = append(out, clone(sub))
		}
	}
	s.mu.RUnlock()
	batchstore.SortRecentFirst(out)
	return out, nil
}

func clone(sub *batchstore.Submission) *batchstore.Submission {
	c := *sub
	c.CorrelationIDs = slices.Clone(sub.CorrelationIDs)
	return &c
}
