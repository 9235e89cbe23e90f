// Package redis provides a Redis batch submission store. Each submission is
// a JSON string key; a sorted set scored by creation time indexes them.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"goa.design/goa-llm/features/llm/batchstore"
)

// DefaultPrefix namespaces the store keys when no prefix is given.
const DefaultPrefix = "llm:batch"

// Store persists submissions in Redis.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ batchstore.Store = (*Store)(nil)

// New returns a store using rdb. Keys are namespaced under prefix, or
// DefaultPrefix when empty.
func New(rdb redis.UniversalClient, prefix string) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}, nil
}

// Save stores or replaces sub.
func (s *Store) Save(ctx context.Context, sub *batchstore.Submission) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission %q: %w", sub.ID, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sub.ID), b, 0)
		pipe.ZAdd(ctx, s.index(), redis.Z{Score: float64(sub.CreatedAt.UnixMilli()), Member: sub.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save submission %q: %w", sub.ID, err)
	}
	return nil
}

// Get returns the submission with the given id.
func (s *Store) Get(ctx context.Context, id string) (*batchstore.Submission, error) {
	val, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, batchstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get submission %q: %w", id, err)
	}
	return decode(id, val)
}

// Delete removes the submission with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key(id))
		pipe.ZRem(ctx, s.index(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete submission %q: %w", id, err)
	}
	if del.Val() == 0 {
		return batchstore.ErrNotFound
	}
	return nil
}

// List returns the submissions of provider, most recent first. Index entries
// whose key has disappeared are skipped.
func (s *Store) List(ctx context.Context, provider string) ([]*batchstore.Submission, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.index(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list submissions: %w", err)
	}
	out := make([]*batchstore.Submission, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list submissions: %w", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		sub, err := decode(ids[i], []byte(str))
		if err != nil {
			return nil, err
		}
		if provider == "" || sub.Provider == provider {
			out = append(out, sub)
		}
	}
	batchstore.SortRecentFirst(out)
	return out, nil
}

func (s *Store) key(id string) string { return s.prefix + ":" + id }

func (s *Store) index() string { return s.prefix + ":index" }

func decode(id string, b []byte) (*batchstore.Submission, error) {
	var sub batchstore.Submission
	if err := json.Unmarshal(b, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal submission %q: %w", id, err)
	}
	return &sub, nil
}
