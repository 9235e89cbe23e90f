package batchstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/batch"
)

func TestNewSubmission(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	job := &batch.Job{ID: "msgbatch_01", CreatedAt: created}
	items := []batch.Item{{CorrelationID: "a"}, {CorrelationID: "b"}}

	s := NewSubmission("anthropic", job, items)

	assert.Equal(t, "msgbatch_01", s.ID)
	assert.Equal(t, "anthropic", s.Provider)
	assert.Equal(t, 2, s.RequestCount)
	assert.Equal(t, []string{"a", "b"}, s.CorrelationIDs)
	assert.True(t, s.CreatedAt.Equal(created))
	assert.Equal(t, time.UTC, s.CreatedAt.Location())
	require.NoError(t, s.Validate())
}

func TestSubmissionTracker(t *testing.T) {
	s := &Submission{ID: "msgbatch_01", Provider: "anthropic", RequestCount: 2}

	tr, err := s.Tracker("msgbatch_")
	require.NoError(t, err)
	assert.Equal(t, batch.StateSubmitted, tr.State())

	_, err = tr.Observe(&batch.Job{ID: "msgbatch_01", Status: batch.StatusIncomplete, Counts: batch.Counts{Processing: 3}})
	require.ErrorIs(t, err, llm.ErrProtocol)

	_, err = s.Tracker("batch_")
	var ve *llm.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "batch_id", ve.Field)
}

func TestSubmissionValidate(t *testing.T) {
	cases := []struct {
		name string
		sub  *Submission
	}{
		{"nil", nil},
		{"missing id", &Submission{Provider: "openai"}},
		{"missing provider", &Submission{ID: "batch_1"}},
		{"negative count", &Submission{ID: "batch_1", Provider: "openai", RequestCount: -1}},
		{"count mismatch", &Submission{ID: "batch_1", Provider: "openai", RequestCount: 3, CorrelationIDs: []string{"a"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.sub.Validate())
		})
	}
}
