package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/batch"
)

type requesterCall struct {
	method string
	path   string
	body   []byte
	opts   int
}

// stubRequester answers every call with body decoded into res.
type stubRequester struct {
	calls []requesterCall
	body  string
	err   error
}

func (s *stubRequester) do(method, path string, params, res any, opts []option.RequestOption) error {
	call := requesterCall{method: method, path: path, opts: len(opts)}
	if raw, ok := params.(json.RawMessage); ok {
		call.body = raw
	}
	s.calls = append(s.calls, call)
	if s.err != nil {
		return s.err
	}
	if r, ok := res.(**http.Response); ok {
		*r = &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(s.body))}
		return nil
	}
	return json.Unmarshal([]byte(s.body), res)
}

func (s *stubRequester) Get(_ context.Context, path string, params, res any, opts ...option.RequestOption) error {
	return s.do(http.MethodGet, path, params, res, opts)
}

func (s *stubRequester) Post(_ context.Context, path string, params, res any, opts ...option.RequestOption) error {
	return s.do(http.MethodPost, path, params, res, opts)
}

func (s *stubRequester) Delete(_ context.Context, path string, params, res any, opts ...option.RequestOption) error {
	return s.do(http.MethodDelete, path, params, res, opts)
}

const endedBatch = `{
  "id": "msgbatch_01",
  "type": "message_batch",
  "processing_status": "ended",
  "request_counts": {"processing": 0, "succeeded": 2, "errored": 1, "canceled": 0, "expired": 0},
  "created_at": "2026-01-02T15:04:05Z",
  "ended_at": "2026-01-02T16:04:05Z",
  "expires_at": "2026-01-03T15:04:05Z",
  "results_url": "https://api.anthropic.com/v1/messages/batches/msgbatch_01/results"
}`

func TestBatchesRejectForeignIDsBeforeNetwork(t *testing.T) {
	req := &stubRequester{body: endedBatch}
	b := NewBatches(req, Options{}, nil)
	ctx := context.Background()

	_, err := b.Retrieve(ctx, "batch_01")
	require.Error(t, err)
	_, err = b.Cancel(ctx, "")
	require.Error(t, err)
	require.Error(t, b.Delete(ctx, "msgbatch_01/../x"))
	_, err = b.Results(ctx, &batch.Job{ID: "file-01", ResultsURL: "x"})
	require.Error(t, err)
	_, err = b.List(ctx, batch.ListParams{After: "batch_01"})
	require.Error(t, err)

	var ve *llm.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Empty(t, req.calls)
}

func TestBatchesCreate(t *testing.T) {
	req := &stubRequester{body: `{"id":"msgbatch_01","processing_status":"in_progress","request_counts":{"processing":2}}`}
	defaults := &llm.Request{Model: "claude-sonnet-4-5", Sampling: llm.Sampling{MaxOutputTokens: llm.Int(256)}}
	b := NewBatches(req, Options{}, defaults)

	job, err := b.Create(context.Background(), []batch.Item{
		{CorrelationID: "a", Request: &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "one"}}}},
		{CorrelationID: "b", Request: &llm.Request{Model: "claude-haiku-4-5", Messages: []llm.Message{{Role: llm.RoleUser, Content: "two"}}}},
	})

	require.NoError(t, err)
	assert.Equal(t, "msgbatch_01", job.ID)
	assert.Equal(t, batch.StatusIncomplete, job.Status)
	assert.Equal(t, 2, job.Counts.Processing)
	require.Len(t, req.calls, 1)
	call := req.calls[0]
	assert.Equal(t, http.MethodPost, call.method)
	assert.Equal(t, "v1/messages/batches", call.path)
	assert.Equal(t, "a", gjson.GetBytes(call.body, "requests.0.custom_id").String())
	assert.Equal(t, "claude-sonnet-4-5", gjson.GetBytes(call.body, "requests.0.params.model").String())
	assert.EqualValues(t, 256, gjson.GetBytes(call.body, "requests.0.params.max_tokens").Int())
	assert.Equal(t, "claude-haiku-4-5", gjson.GetBytes(call.body, "requests.1.params.model").String())
	assert.False(t, gjson.GetBytes(call.body, "requests.1.params.stream").Exists())
}

func TestBatchesCreateValidatesEveryItem(t *testing.T) {
	req := &stubRequester{body: endedBatch}
	b := NewBatches(req, Options{}, &llm.Request{Model: "claude-sonnet-4-5"})

	_, err := b.Create(context.Background(), []batch.Item{
		{CorrelationID: "a", Request: &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "one"}}}},
		{CorrelationID: "b", Request: &llm.Request{}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "item 1 (b)")

	_, err = b.Create(context.Background(), []batch.Item{
		{CorrelationID: "a", Request: &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}}},
		{CorrelationID: "a", Request: &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "y"}}}},
	})
	require.Error(t, err)
	assert.Empty(t, req.calls)
}

func TestBatchesRetrieveAndList(t *testing.T) {
	req := &stubRequester{body: endedBatch}
	b := NewBatches(req, Options{}, nil)

	job, err := b.Retrieve(context.Background(), "msgbatch_01")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusEnded, job.Status)
	assert.Equal(t, batch.Counts{Succeeded: 2, Errored: 1}, job.Counts)
	assert.Equal(t, 2026, job.CreatedAt.Year())
	assert.NotEmpty(t, job.ResultsURL)
	assert.Equal(t, "v1/messages/batches/msgbatch_01", req.calls[0].path)

	req.body = `{"data":[` + endedBatch + `],"has_more":true,"last_id":"msgbatch_01"}`
	page, err := b.List(context.Background(), batch.ListParams{After: "msgbatch_00", Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.True(t, page.HasMore)
	assert.Equal(t, "msgbatch_01", page.LastID)
	assert.Equal(t, 2, req.calls[1].opts)
}

func TestBatchesCancelAndDelete(t *testing.T) {
	req := &stubRequester{body: endedBatch}
	b := NewBatches(req, Options{}, nil)

	_, err := b.Cancel(context.Background(), "msgbatch_01")
	require.NoError(t, err)
	require.NoError(t, b.Delete(context.Background(), "msgbatch_01"))

	require.Len(t, req.calls, 2)
	assert.Equal(t, requesterCall{method: http.MethodPost, path: "v1/messages/batches/msgbatch_01/cancel"}, req.calls[0])
	assert.Equal(t, http.MethodDelete, req.calls[1].method)
}

func TestBatchesResultsReconcile(t *testing.T) {
	lines := strings.Join([]string{
		`{"custom_id":"a","result":{"type":"succeeded","message":{"id":"msg_a","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":1}}}}`,
		``,
		`{"custom_id":"b","result":{"type":"errored","error":{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}}}`,
		`{"custom_id":"c","result":{"type":"expired"}}`,
	}, "\n")
	req := &stubRequester{body: lines}
	b := NewBatches(req, Options{}, nil)

	raws, err := b.Results(context.Background(), &batch.Job{ID: "msgbatch_01", ResultsURL: "https://x"})
	require.NoError(t, err)
	require.Len(t, raws, 3)
	assert.Equal(t, "v1/messages/batches/msgbatch_01/results", req.calls[0].path)
	assert.Equal(t, "invalid_request_error", raws[1].ErrorType)

	results, err := b.Reconciler().Reconcile(raws)
	require.NoError(t, err)
	require.Len(t, results, 3)
	ok, isOK := results[0].Outcome.(batch.Succeeded)
	require.True(t, isOK)
	assert.Equal(t, "hi", ok.Response.Text)
	assert.Equal(t, llm.FinishStop, ok.Response.FinishReason)
	assert.Equal(t, batch.Errored{Type: "invalid_request_error", Message: "bad"}, results[1].Outcome)
	assert.Equal(t, batch.Expired{}, results[2].Outcome)
	assert.Equal(t, batch.Counts{Succeeded: 1, Errored: 1, Expired: 1}, batch.Tally(results))
}

func TestBatchesResultsRequireEndedJob(t *testing.T) {
	req := &stubRequester{}
	_, err := NewBatches(req, Options{}, nil).Results(context.Background(), &batch.Job{ID: "msgbatch_01"})
	require.Error(t, err)
	assert.Empty(t, req.calls)
}

func TestBatchesResultsUndecodableLine(t *testing.T) {
	req := &stubRequester{body: "{not json}\n"}
	_, err := NewBatches(req, Options{}, nil).Results(context.Background(), &batch.Job{ID: "msgbatch_01", ResultsURL: "x"})
	require.ErrorIs(t, err, llm.ErrProtocol)
}
