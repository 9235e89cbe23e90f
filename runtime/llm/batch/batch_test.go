package batch_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/batch"
)

const prefix = "msgbatch_"

type countingAPI struct {
	calls int
	job   *batch.Job
}

func (a *countingAPI) Capabilities() llm.Capabilities {
	return llm.Capabilities{Provider: "test", Batch: true, BatchIDPrefix: prefix}
}

func (a *countingAPI) Create(context.Context, []batch.Item) (*batch.Job, error) {
	a.calls++
	return a.job, nil
}

func (a *countingAPI) Retrieve(context.Context, string) (*batch.Job, error) {
	a.calls++
	return a.job, nil
}

func (a *countingAPI) Cancel(context.Context, string) (*batch.Job, error) {
	a.calls++
	return a.job, nil
}

func (a *countingAPI) Delete(context.Context, string) error {
	a.calls++
	return nil
}

func (a *countingAPI) List(context.Context, batch.ListParams) (*batch.Page, error) {
	a.calls++
	return &batch.Page{}, nil
}

func (a *countingAPI) Results(context.Context, *batch.Job) ([]batch.RawResult, error) {
	a.calls++
	return nil, nil
}

func TestIDValidationBeforeNetwork(t *testing.T) {
	api := &countingAPI{}
	for _, id := range []string{"", "batch_123", "msgbatch_", "MSGBATCH_1", "msgbatch_../x"} {
		tr, err := batch.NewTracker("test", prefix, id, 1)
		require.Nil(t, tr, id)
		var ve *llm.ValidationError
		require.ErrorAs(t, err, &ve, id)
	}
	require.Zero(t, api.calls)

	tr, err := batch.NewTracker("test", prefix, "msgbatch_01HJK", 1)
	require.NoError(t, err)
	require.Equal(t, batch.StateSubmitted, tr.State())
}

func TestValidateIDWithoutPrefixIsCapabilityError(t *testing.T) {
	err := batch.ValidateID("bedrock", "", "anything")
	require.ErrorIs(t, err, llm.ErrUnsupported)
}

func TestTrackerTransitions(t *testing.T) {
	api := &countingAPI{job: &batch.Job{ID: "msgbatch_1", Status: batch.StatusIncomplete, Counts: batch.Counts{Processing: 3}}}
	tr, err := batch.NewTracker("test", prefix, "msgbatch_1", 3)
	require.NoError(t, err)

	state, err := batch.Poll(context.Background(), api, tr)
	require.NoError(t, err)
	require.Equal(t, batch.StatePolling, state)
	_, err = tr.Outcome()
	require.Error(t, err)

	api.job = &batch.Job{ID: "msgbatch_1", Status: batch.StatusEnded, Counts: batch.Counts{Succeeded: 2, Errored: 1}}
	state, err = batch.Poll(context.Background(), api, tr)
	require.NoError(t, err)
	require.Equal(t, batch.StatePolling, state, "ended without results pointer stays polling")

	api.job = &batch.Job{ID: "msgbatch_1", Status: batch.StatusEnded, Counts: batch.Counts{Succeeded: 2, Errored: 1}, ResultsURL: "https://example/results"}
	state, err = batch.Poll(context.Background(), api, tr)
	require.NoError(t, err)
	require.Equal(t, batch.StateEnded, state)

	outcome, err := tr.Outcome()
	require.NoError(t, err)
	require.IsType(t, batch.Completed{}, outcome)
	require.Equal(t, 2, outcome.Counts().Succeeded)
}

func TestAllErroredOutcome(t *testing.T) {
	tr, err := batch.NewTracker("test", prefix, "msgbatch_2", 3)
	require.NoError(t, err)
	_, err = tr.Observe(&batch.Job{
		ID:         "msgbatch_2",
		Status:     batch.StatusEnded,
		Counts:     batch.Counts{Succeeded: 0, Errored: 3},
		ResultsURL: "u",
	})
	require.NoError(t, err)
	outcome, err := tr.Outcome()
	require.NoError(t, err)
	require.IsType(t, batch.AllErrored{}, outcome)
	require.Equal(t, 3, outcome.Counts().Errored)
}

func TestOutcomeOfEmptyBatchIsCompleted(t *testing.T) {
	require.IsType(t, batch.Completed{}, batch.OutcomeOf(batch.Counts{Canceled: 2}))
}

func TestTrackerRejectsInvalidSnapshots(t *testing.T) {
	tr, err := batch.NewTracker("test", prefix, "msgbatch_3", 4)
	require.NoError(t, err)
	_, err = tr.Observe(&batch.Job{ID: "msgbatch_3", Counts: batch.Counts{Processing: 2, Succeeded: 2}})
	require.NoError(t, err)

	_, err = tr.Observe(&batch.Job{ID: "msgbatch_3", Counts: batch.Counts{Processing: 3, Succeeded: 1}})
	require.ErrorIs(t, err, llm.ErrProtocol)

	_, err = tr.Observe(&batch.Job{ID: "msgbatch_3", Counts: batch.Counts{Succeeded: 4, Errored: 1}})
	require.ErrorIs(t, err, llm.ErrProtocol)

	_, err = tr.Observe(&batch.Job{ID: "msgbatch_other"})
	require.ErrorIs(t, err, llm.ErrProtocol)

	require.Equal(t, 2, tr.Last().Counts.Succeeded)
}

func TestTrackerCountProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("non-decreasing counts within the request count are accepted", prop.ForAll(
		func(steps []int) bool {
			total := 0
			for _, s := range steps {
				total += s
			}
			tr, err := batch.NewTracker("test", prefix, "msgbatch_p", total)
			if err != nil {
				return false
			}
			done := 0
			for _, s := range steps {
				done += s
				job := &batch.Job{ID: "msgbatch_p", Counts: batch.Counts{Processing: total - done, Succeeded: done}}
				if _, err := tr.Observe(job); err != nil {
					return false
				}
			}
			return tr.State() == batch.StatePolling || len(steps) == 0
		},
		gen.SliceOf(gen.IntRange(0, 10)),
	))

	properties.Property("a decrease is always rejected", prop.ForAll(
		func(n, drop int) bool {
			tr, _ := batch.NewTracker("test", prefix, "msgbatch_d", 0)
			if _, err := tr.Observe(&batch.Job{ID: "msgbatch_d", Counts: batch.Counts{Errored: n}}); err != nil {
				return false
			}
			_, err := tr.Observe(&batch.Job{ID: "msgbatch_d", Counts: batch.Counts{Errored: n - drop}})
			return errors.Is(err, llm.ErrProtocol)
		},
		gen.IntRange(1, 100),
		gen.IntRange(1, 100),
	))

	properties.TestingRun(t)
}

func TestReconcile(t *testing.T) {
	r := &batch.Reconciler{
		Provider: "test",
		Decode: func(body json.RawMessage) (*llm.Response, error) {
			var v struct{ Text string }
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return &llm.Response{Text: v.Text}, nil
		},
	}
	results, err := r.Reconcile([]batch.RawResult{
		{CorrelationID: "a", Kind: batch.KindSucceeded, Body: json.RawMessage(`{"Text":"hi"}`)},
		{CorrelationID: "b", Kind: batch.KindErrored, ErrorType: "invalid_request_error", ErrorMessage: "bad"},
		{CorrelationID: "c", Kind: batch.KindCanceled},
		{CorrelationID: "d", Kind: batch.KindExpired},
	})
	require.NoError(t, err)
	require.Len(t, results, 4)
	require.Equal(t, "hi", results[0].Outcome.(batch.Succeeded).Response.Text)
	require.Equal(t, batch.Errored{Type: "invalid_request_error", Message: "bad"}, results[1].Outcome)
	require.Equal(t, batch.Canceled{}, results[2].Outcome)
	require.Equal(t, batch.Expired{}, results[3].Outcome)
	require.Equal(t, batch.Counts{Succeeded: 1, Errored: 1, Canceled: 1, Expired: 1}, batch.Tally(results))
}

func TestReconcileUnknownKindIsFatal(t *testing.T) {
	r := &batch.Reconciler{Provider: "test"}
	_, err := r.Reconcile([]batch.RawResult{
		{CorrelationID: "a", Kind: batch.KindCanceled},
		{CorrelationID: "b", Kind: "partially_succeeded"},
	})
	var pe *llm.ProtocolError
	require.ErrorAs(t, err, &pe)
	require.Contains(t, pe.Reason, "partially_succeeded")
}

func TestReconcileUndecodableBody(t *testing.T) {
	r := &batch.Reconciler{Provider: "test", Decode: func(json.RawMessage) (*llm.Response, error) {
		return nil, errors.New("bad json")
	}}
	_, err := r.Reconcile([]batch.RawResult{{CorrelationID: "a", Kind: batch.KindSucceeded}})
	require.ErrorIs(t, err, llm.ErrProtocol)
}

func TestValidateItems(t *testing.T) {
	req := &llm.Request{Model: "m"}
	require.NoError(t, batch.ValidateItems("test", []batch.Item{{CorrelationID: "a-1", Request: req}, {CorrelationID: "b_2", Request: req}}))

	cases := map[string][]batch.Item{
		"empty":     nil,
		"no id":     {{Request: req}},
		"bad char":  {{CorrelationID: "a/b", Request: req}},
		"duplicate": {{CorrelationID: "a", Request: req}, {CorrelationID: "a", Request: req}},
		"no req":    {{CorrelationID: "a"}},
		"too long":  {{CorrelationID: strings.Repeat("x", batch.MaxCorrelationID+1), Request: req}},
	}
	for name, items := range cases {
		var ve *llm.ValidationError
		require.ErrorAs(t, batch.ValidateItems("test", items), &ve, name)
	}
}

func TestAssignCorrelationIDs(t *testing.T) {
	items := []batch.Item{{CorrelationID: "keep"}, {}, {}}
	batch.AssignCorrelationIDs(items)
	require.Equal(t, "keep", items[0].CorrelationID)
	require.NotEmpty(t, items[1].CorrelationID)
	require.NotEqual(t, items[1].CorrelationID, items[2].CorrelationID)
	for i := range items {
		items[i].Request = &llm.Request{}
	}
	require.NoError(t, batch.ValidateItems("test", items))
}
