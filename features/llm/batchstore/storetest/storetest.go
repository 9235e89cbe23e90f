// Package storetest checks batchstore.Store implementations against the
// common contract.
package storetest

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/goa-llm/features/llm/batchstore"
)

// Run exercises the Store contract. newStore must return an empty store on
// every call.
func Run(t *testing.T, newStore func(t *testing.T) batchstore.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("save then get", func(t *testing.T) {
		s := newStore(t)
		sub := submission("msgbatch_01", "anthropic", base, "a", "b")
		require.NoError(t, s.Save(ctx, sub))

		got, err := s.Get(ctx, "msgbatch_01")

		require.NoError(t, err)
		assertEqual(t, sub, got)
	})

	t.Run("save replaces", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, submission("batch_1", "openai", base, "a")))
		require.NoError(t, s.Save(ctx, submission("batch_1", "openai", base, "a", "b")))

		got, err := s.Get(ctx, "batch_1")

		require.NoError(t, err)
		assert.Equal(t, 2, got.RequestCount)
	})

	t.Run("save rejects invalid", func(t *testing.T) {
		s := newStore(t)
		assert.Error(t, s.Save(ctx, &batchstore.Submission{Provider: "openai"}))
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "batch_missing")
		assert.ErrorIs(t, err, batchstore.ErrNotFound)
	})

	t.Run("returned values are copies", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, submission("batch_1", "openai", base, "a")))
		got, err := s.Get(ctx, "batch_1")
		require.NoError(t, err)
		got.CorrelationIDs[0] = "mutated"

		again, err := s.Get(ctx, "batch_1")

		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, again.CorrelationIDs)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, submission("batch_1", "openai", base, "a")))

		require.NoError(t, s.Delete(ctx, "batch_1"))

		_, err := s.Get(ctx, "batch_1")
		assert.ErrorIs(t, err, batchstore.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "batch_1"), batchstore.ErrNotFound)
	})

	t.Run("list filters and orders", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, submission("batch_old", "openai", base, "a")))
		require.NoError(t, s.Save(ctx, submission("batch_new", "openai", base.Add(time.Hour), "a")))
		require.NoError(t, s.Save(ctx, submission("msgbatch_1", "anthropic", base.Add(30*time.Minute), "a")))

		openai, err := s.List(ctx, "openai")
		require.NoError(t, err)
		all, err := s.List(ctx, "")
		require.NoError(t, err)
		none, err := s.List(ctx, "bedrock")
		require.NoError(t, err)

		assert.Equal(t, []string{"batch_new", "batch_old"}, ids(openai))
		assert.Equal(t, []string{"batch_new", "msgbatch_1", "batch_old"}, ids(all))
		assert.Empty(t, none)
	})

	t.Run("round trip", func(t *testing.T) {
		s := newStore(t)
		parameters := gopter.DefaultTestParameters()
		parameters.MinSuccessfulTests = 50
		properties := gopter.NewProperties(parameters)

		properties.Property("saved submissions read back unchanged", prop.ForAll(
			func(id string, corr []string, secs int64) bool {
				sub := submission(id, "openai", time.Unix(secs, 0).UTC(), corr...)
				if err := s.Save(ctx, sub); err != nil {
					return false
				}
				got, err := s.Get(ctx, id)
				if err != nil {
					return false
				}
				return equal(sub, got)
			},
			gen.Identifier(),
			gen.SliceOf(gen.Identifier()),
			gen.Int64Range(0, 4_000_000_000),
		))

		properties.TestingRun(t)
	})
}

func submission(id, provider string, created time.Time, corr ...string) *batchstore.Submission {
	return &batchstore.Submission{
		ID:             id,
		Provider:       provider,
		RequestCount:   len(corr),
		CorrelationIDs: corr,
		CreatedAt:      created,
	}
}

func ids(subs []*batchstore.Submission) []string {
	out := make([]string, len(subs))
	for i, s := range subs {
		out[i] = s.ID
	}
	return out
}

func equal(want, got *batchstore.Submission) bool {
	return want.ID == got.ID &&
		want.Provider == got.Provider &&
		want.RequestCount == got.RequestCount &&
		slices.Equal(want.CorrelationIDs, got.CorrelationIDs) &&
		want.CreatedAt.Equal(got.CreatedAt)
}

func assertEqual(t *testing.T, want, got *batchstore.Submission) {
	t.Helper()
	assert.True(t, equal(want, got), "want %+v, got %+v", want, got)
}
