package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/batch"
	"goa.design/goa-llm/runtime/llm/normalize"
)

const batchesPath = "v1/messages/batches"

// maxResultLine bounds one JSONL result line.
const maxResultLine = 32 << 20

type (
	// Requester captures the raw SDK request methods used by the batch
	// adapter. It is satisfied by *sdk.Client.
	Requester interface {
		Get(ctx context.Context, path string, params any, res any, opts ...option.RequestOption) error
		Post(ctx context.Context, path string, params any, res any, opts ...option.RequestOption) error
		Delete(ctx context.Context, path string, params any, res any, opts ...option.RequestOption) error
	}

	// Batches implements batch.API for the Message Batches API.
	Batches struct {
		codec
		client   Requester
		defaults *llm.Request
	}

	wireBatch struct {
		ID               string `json:"id"`
		ProcessingStatus string `json:"processing_status"`
		RequestCounts    struct {
			Processing int `json:"processing"`
			Succeeded  int `json:"succeeded"`
			Errored    int `json:"errored"`
			Canceled   int `json:"canceled"`
			Expired    int `json:"expired"`
		} `json:"request_counts"`
		CreatedAt  time.Time `json:"created_at"`
		ExpiresAt  time.Time `json:"expires_at"`
		EndedAt    time.Time `json:"ended_at"`
		ResultsURL string    `json:"results_url"`
	}

	wireBatchList struct {
		Data    []wireBatch `json:"data"`
		HasMore bool        `json:"has_more"`
		LastID  string      `json:"last_id"`
	}

	wireResult struct {
		CustomID string `json:"custom_id"`
		Result   struct {
			Type    string          `json:"type"`
			Message json.RawMessage `json:"message"`
			Error   struct {
				Error struct {
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error"`
			} `json:"error"`
		} `json:"result"`
	}

	batchRequest struct {
		CustomID string          `json:"custom_id"`
		Params   json.RawMessage `json:"params"`
	}
)

// NewBatches builds the batch adapter. defaults are merged under every item
// request.
func NewBatches(client Requester, opts Options, defaults *llm.Request) *Batches {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Batches{codec: codec{maxTokens: maxTokens}, client: client, defaults: defaults}
}

// Capabilities returns the Messages API capabilities.
func (b *Batches) Capabilities() llm.Capabilities { return b.capabilities() }

// Create submits items. Every item request is normalized before anything is
// sent; the first invalid item fails the whole submission.
func (b *Batches) Create(ctx context.Context, items []batch.Item) (*batch.Job, error) {
	if err := batch.ValidateItems(providerName, items); err != nil {
		return nil, err
	}
	reqs := make([]batchRequest, 0, len(items))
	for i, item := range items {
		p, err := normalize.Normalize(b.defaults, item.Request, b.capabilities(), b.codec, false)
		if err != nil {
			return nil, fmt.Errorf("item %d (%s): %w", i, item.CorrelationID, err)
		}
		reqs = append(reqs, batchRequest{CustomID: item.CorrelationID, Params: p.Body()})
	}
	body, err := json.Marshal(map[string]any{"requests": reqs})
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode batch: %w", err)
	}
	var res wireBatch
	if err := b.client.Post(ctx, batchesPath, json.RawMessage(body), &res); err != nil {
		return nil, classify("batches.create", err)
	}
	return res.job(), nil
}

// Retrieve fetches the current job snapshot.
func (b *Batches) Retrieve(ctx context.Context, id string) (*batch.Job, error) {
	if err := batch.ValidateID(providerName, BatchIDPrefix, id); err != nil {
		return nil, err
	}
	var res wireBatch
	if err := b.client.Get(ctx, batchesPath+"/"+id, nil, &res); err != nil {
		return nil, classify("batches.retrieve", err)
	}
	return res.job(), nil
}

// Cancel requests cancellation. The job keeps processing until the vendor
// reports it ended.
func (b *Batches) Cancel(ctx context.Context, id string) (*batch.Job, error) {
	if err := batch.ValidateID(providerName, BatchIDPrefix, id); err != nil {
		return nil, err
	}
	var res wireBatch
	if err := b.client.Post(ctx, batchesPath+"/"+id+"/cancel", nil, &res); err != nil {
		return nil, classify("batches.cancel", err)
	}
	return res.job(), nil
}

// Delete removes an ended job.
func (b *Batches) Delete(ctx context.Context, id string) error {
	if err := batch.ValidateID(providerName, BatchIDPrefix, id); err != nil {
		return err
	}
	var res json.RawMessage
	if err := b.client.Delete(ctx, batchesPath+"/"+id, nil, &res); err != nil {
		return classify("batches.delete", err)
	}
	return nil
}

// List returns one page of jobs, most recent first.
func (b *Batches) List(ctx context.Context, params batch.ListParams) (*batch.Page, error) {
	var opts []option.RequestOption
	if params.After != "" {
		if err := batch.ValidateID(providerName, BatchIDPrefix, params.After); err != nil {
			return nil, err
		}
		opts = append(opts, option.WithQuery("after_id", params.After))
	}
	if params.Limit > 0 {
		opts = append(opts, option.WithQuery("limit", strconv.Itoa(params.Limit)))
	}
	var res wireBatchList
	if err := b.client.Get(ctx, batchesPath, nil, &res, opts...); err != nil {
		return nil, classify("batches.list", err)
	}
	page := &batch.Page{HasMore: res.HasMore, LastID: res.LastID}
	for _, w := range res.Data {
		page.Jobs = append(page.Jobs, w.job())
	}
	return page, nil
}

// Results streams the JSONL results of an ended job.
func (b *Batches) Results(ctx context.Context, job *batch.Job) ([]batch.RawResult, error) {
	if err := batch.ValidateID(providerName, BatchIDPrefix, job.ID); err != nil {
		return nil, err
	}
	if job.ResultsURL == "" {
		return nil, fmt.Errorf("anthropic: batch %s has no results yet", job.ID)
	}
	var raw *http.Response
	if err := b.client.Get(ctx, batchesPath+"/"+job.ID+"/results", nil, &raw); err != nil {
		return nil, classify("batches.results", err)
	}
	defer func() { _ = raw.Body.Close() }()

	var out []batch.RawResult
	sc := bufio.NewScanner(raw.Body)
	sc.Buffer(make([]byte, 0, 64<<10), maxResultLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var w wireResult
		if err := json.Unmarshal(line, &w); err != nil {
			return nil, &llm.ProtocolError{Provider: providerName, Reason: "undecodable result line", Cause: err}
		}
		out = append(out, batch.RawResult{
			CorrelationID: w.CustomID,
			Kind:          w.Result.Type,
			Body:          w.Result.Message,
			ErrorType:     w.Result.Error.Error.Type,
			ErrorMessage:  w.Result.Error.Error.Message,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, &llm.TransportError{Provider: providerName, Operation: "batches.results", Cause: err}
	}
	return out, nil
}

// Reconciler decodes succeeded result bodies as Messages responses. Tool
// names are reported as the provider saw them.
func (b *Batches) Reconciler() *batch.Reconciler {
	return &batch.Reconciler{
		Provider: providerName,
		Decode: func(body json.RawMessage) (*llm.Response, error) {
			var msg sdk.Message
			if err := json.Unmarshal(body, &msg); err != nil {
				return nil, err
			}
			return decodeMessage(&msg, nil)
		},
	}
}

func (w wireBatch) job() *batch.Job {
	status := batch.StatusIncomplete
	if w.ProcessingStatus == "ended" {
		status = batch.StatusEnded
	}
	return &batch.Job{
		ID:     w.ID,
		Status: status,
		Counts: batch.Counts{
			Processing: w.RequestCounts.Processing,
			Succeeded:  w.RequestCounts.Succeeded,
			Errored:    w.RequestCounts.Errored,
			Canceled:   w.RequestCounts.Canceled,
			Expired:    w.RequestCounts.Expired,
		},
		CreatedAt:  w.CreatedAt,
		ExpiresAt:  w.ExpiresAt,
		EndedAt:    w.EndedAt,
		ResultsURL: w.ResultsURL,
	}
}
