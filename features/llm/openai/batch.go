package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/batch"
	"goa.design/goa-llm/runtime/llm/normalize"
)

const (
	batchesPath     = "batches"
	expiredError    = "batch_expired"
	cancelError     = "batch_cancelled"

	// maxResultLine bounds one JSONL result line.
	maxResultLine = 32 << 20
)

type (
	// Uploader uploads batch input files. It is satisfied by
	// *openai.FileService.
	Uploader interface {
		New(ctx context.Context, body openai.FileNewParams, opts ...option.RequestOption) (*openai.FileObject, error)
	}

	// Batches implements batch.API for the Batch API. Jobs cannot be
	// deleted: Delete returns a capability error.
	Batches struct {
		codec
		client   Requester
		files    Uploader
		defaults *llm.Request
	}

	// inputFile names the uploaded JSONL buffer for the multipart encoder.
	inputFile struct {
		*bytes.Reader
	}

	wireBatch struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		OutputFileID  string `json:"output_file_id"`
		ErrorFileID   string `json:"error_file_id"`
		CreatedAt     int64  `json:"created_at"`
		ExpiresAt     int64  `json:"expires_at"`
		CompletedAt   int64  `json:"completed_at"`
		FailedAt      int64  `json:"failed_at"`
		ExpiredAt     int64  `json:"expired_at"`
		CancelledAt   int64  `json:"cancelled_at"`
		RequestCounts struct {
			Total     int `json:"total"`
			Completed int `json:"completed"`
			Failed    int `json:"failed"`
		} `json:"request_counts"`
		Errors *struct {
			Data []wireJobError `json:"data"`
		} `json:"errors"`
	}

	wireJobError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Line    *int   `json:"line"`
	}

	wireBatchList struct {
		Data    []wireBatch `json:"data"`
		HasMore bool        `json:"has_more"`
		LastID  string      `json:"last_id"`
	}

	wireBatchLine struct {
		CustomID string          `json:"custom_id"`
		Method   string          `json:"method"`
		URL      string          `json:"url"`
		Body     json.RawMessage `json:"body"`
	}

	wireResult struct {
		CustomID string `json:"custom_id"`
		Response *struct {
			StatusCode int             `json:"status_code"`
			Body       json.RawMessage `json:"body"`
		} `json:"response"`
		Error *wireError `json:"error"`
	}

	wireError struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
)

// NewBatches builds the batch adapter. defaults are merged under every item
// request.
func NewBatches(client Requester, files Uploader, opts Options, defaults *llm.Request) *Batches {
	return &Batches{codec: newCodec(opts), client: client, files: files, defaults: defaults}
}

// Capabilities returns the provider capabilities.
func (b *Batches) Capabilities() llm.Capabilities { return Capabilities(b.provider) }

// endpoint returns the batch endpoint: Azure routes batch lines by
// deployment and omits the version prefix.
func (b *Batches) endpoint() string {
	if b.provider == ProviderAzure {
		return "/chat/completions"
	}
	return "/v1/chat/completions"
}

// Create uploads the items as a JSONL input file and submits the batch.
// Every item request is normalized before anything is sent.
func (b *Batches) Create(ctx context.Context, items []batch.Item) (*batch.Job, error) {
	if err := batch.ValidateItems(b.provider, items); err != nil {
		return nil, err
	}
	if b.files == nil {
		return nil, errors.New("batch file uploader is required")
	}
	caps := b.Capabilities()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, item := range items {
		p, err := normalize.Normalize(b.defaults, item.Request, caps, b.codec, false)
		if err != nil {
			return nil, fmt.Errorf("item %d (%s): %w", i, item.CorrelationID, err)
		}
		line := wireBatchLine{CustomID: item.CorrelationID, Method: http.MethodPost, URL: b.endpoint(), Body: p.body}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("%s: encode batch line: %w", b.provider, err)
		}
	}
	file, err := b.files.New(ctx, openai.FileNewParams{
		File:    inputFile{bytes.NewReader(buf.Bytes())},
		Purpose: openai.FilePurposeBatch,
	})
	if err != nil {
		return nil, b.classify("files.create", err)
	}
	body := map[string]string{
		"input_file_id":     file.ID,
		"endpoint":          b.endpoint(),
		"completion_window": "24h",
	}
	var res wireBatch
	if err := b.client.Post(ctx, batchesPath, body, &res); err != nil {
		return nil, b.classify("batches.create", err)
	}
	return res.job(), nil
}

// Retrieve fetches the current job snapshot.
func (b *Batches) Retrieve(ctx context.Context, id string) (*batch.Job, error) {
	if err := batch.ValidateID(b.provider, BatchIDPrefix, id); err != nil {
		return nil, err
	}
	var res wireBatch
	if err := b.client.Get(ctx, batchesPath+"/"+id, nil, &res); err != nil {
		return nil, b.classify("batches.retrieve", err)
	}
	return res.job(), nil
}

// Cancel requests cancellation.
func (b *Batches) Cancel(ctx context.Context, id string) (*batch.Job, error) {
	if err := batch.ValidateID(b.provider, BatchIDPrefix, id); err != nil {
		return nil, err
	}
	var res wireBatch
	if err := b.client.Post(ctx, batchesPath+"/"+id+"/cancel", nil, &res); err != nil {
		return nil, b.classify("batches.cancel", err)
	}
	return res.job(), nil
}

// Delete is not supported by the Batch API.
func (b *Batches) Delete(context.Context, string) error {
	return llm.NewCapabilityError(b.provider, "batch delete")
}

// List returns one page of jobs, most recent first.
func (b *Batches) List(ctx context.Context, params batch.ListParams) (*batch.Page, error) {
	var opts []option.RequestOption
	if params.After != "" {
		if err := batch.ValidateID(b.provider, BatchIDPrefix, params.After); err != nil {
			return nil, err
		}
		opts = append(opts, option.WithQuery("after", params.After))
	}
	if params.Limit > 0 {
		opts = append(opts, option.WithQuery("limit", strconv.Itoa(params.Limit)))
	}
	var res wireBatchList
	if err := b.client.Get(ctx, batchesPath, nil, &res, opts...); err != nil {
		return nil, b.classify("batches.list", err)
	}
	page := &batch.Page{HasMore: res.HasMore, LastID: res.LastID}
	for _, w := range res.Data {
		page.Jobs = append(page.Jobs, w.job())
	}
	return page, nil
}

// Results reads the output file and, when present, the error file of an
// ended job.
func (b *Batches) Results(ctx context.Context, job *batch.Job) ([]batch.RawResult, error) {
	if err := batch.ValidateID(b.provider, BatchIDPrefix, job.ID); err != nil {
		return nil, err
	}
	if job.ResultsURL == "" {
		return nil, fmt.Errorf("%s: batch %s has no results yet", b.provider, job.ID)
	}
	out, err := b.readResults(ctx, job.ResultsURL)
	if err != nil {
		return nil, err
	}
	if job.ErrorsURL != "" {
		errs, err := b.readResults(ctx, job.ErrorsURL)
		if err != nil {
			return nil, err
		}
		out = append(out, errs...)
	}
	return out, nil
}

func (b *Batches) readResults(ctx context.Context, path string) ([]batch.RawResult, error) {
	var raw *http.Response
	if err := b.client.Get(ctx, path, nil, &raw); err != nil {
		return nil, b.classify("files.content", err)
	}
	if raw == nil || raw.Body == nil {
		return nil, &llm.ProtocolError{Provider: b.provider, Reason: "result file without body"}
	}
	defer func() { _ = raw.Body.Close() }()

	var out []batch.RawResult
	sc := bufio.NewScanner(raw.Body)
	sc.Buffer(make([]byte, 0, 64<<10), maxResultLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var w wireResult
		if err := json.Unmarshal(line, &w); err != nil {
			return nil, &llm.ProtocolError{Provider: b.provider, Reason: "undecodable result line", Cause: err}
		}
		out = append(out, w.raw())
	}
	if err := sc.Err(); err != nil {
		return nil, &llm.TransportError{Provider: b.provider, Operation: "files.content", Cause: err}
	}
	return out, nil
}

// Reconciler decodes succeeded result bodies as completions. Tool names are
// reported as the provider saw them.
func (b *Batches) Reconciler() *batch.Reconciler {
	return &batch.Reconciler{
		Provider: b.provider,
		Decode: func(body json.RawMessage) (*llm.Response, error) {
			var c wireCompletion
			if err := json.Unmarshal(body, &c); err != nil {
				return nil, err
			}
			return decodeCompletion(b.provider, &c, body, nil)
		},
	}
}

// raw maps a result line onto the canonical discriminators. Items that did
// not run before expiry or cancellation are reported in the error file with
// dedicated codes.
func (w wireResult) raw() batch.RawResult {
	r := batch.RawResult{CorrelationID: w.CustomID}
	if e := w.Error; e != nil {
		switch e.Code {
		case expiredError:
			r.Kind = batch.KindExpired
		case cancelError:
			r.Kind = batch.KindCanceled
		default:
			r.Kind = batch.KindErrored
			r.ErrorType = e.kind()
			r.ErrorMessage = e.Message
		}
		return r
	}
	if w.Response == nil {
		r.Kind = batch.KindErrored
		r.ErrorType = "missing_response"
		return r
	}
	if w.Response.StatusCode == http.StatusOK {
		r.Kind = batch.KindSucceeded
		r.Body = w.Response.Body
		return r
	}
	var body struct {
		Error wireError `json:"error"`
	}
	_ = json.Unmarshal(w.Response.Body, &body)
	r.Kind = batch.KindErrored
	r.ErrorType = body.Error.kind()
	if r.ErrorType == "" {
		r.ErrorType = "http_" + strconv.Itoa(w.Response.StatusCode)
	}
	r.ErrorMessage = body.Error.Message
	return r
}

func (e wireError) kind() string {
	if e.Code != "" {
		return e.Code
	}
	return e.Type
}

func (w wireBatch) job() *batch.Job {
	status := batch.StatusIncomplete
	ended := false
	switch w.Status {
	case "completed", "failed", "expired", "cancelled":
		status = batch.StatusEnded
		ended = true
	}
	c := w.RequestCounts
	remaining := max(c.Total-c.Completed-c.Failed, 0)
	counts := batch.Counts{Succeeded: c.Completed, Errored: c.Failed}
	switch {
	case !ended:
		counts.Processing = remaining
	case w.Status == "cancelled":
		counts.Canceled = remaining
	case w.Status == "expired":
		counts.Expired = remaining
	default:
		counts.Errored += remaining
	}
	job := &batch.Job{
		ID:        w.ID,
		Status:    status,
		Counts:    counts,
		CreatedAt: unixTime(w.CreatedAt),
		ExpiresAt: unixTime(w.ExpiresAt),
		EndedAt:   unixTime(firstNonZero(w.CompletedAt, w.FailedAt, w.ExpiredAt, w.CancelledAt)),
	}
	if w.Errors != nil {
		for _, e := range w.Errors.Data {
			je := batch.JobError{Code: e.Code, Message: e.Message}
			if e.Line != nil {
				je.Line = *e.Line
			}
			job.Errors = append(job.Errors, je)
		}
	}
	switch {
	case w.OutputFileID != "":
		job.ResultsURL = filePath(w.OutputFileID)
		if w.ErrorFileID != "" {
			job.ErrorsURL = filePath(w.ErrorFileID)
		}
	case w.ErrorFileID != "":
		job.ResultsURL = filePath(w.ErrorFileID)
	}
	return job
}

func filePath(id string) string { return "files/" + id + "/content" }

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func firstNonZero(vs ...int64) int64 {
	for _, v := range vs {
		if v != 0 {
			return v
		}
	}
	return 0
}

// Filename names the upload. The Batch API requires a .jsonl file.
func (inputFile) Filename() string { return "batch.jsonl" }

// ContentType is the multipart content type of the upload.
func (inputFile) ContentType() string { return "application/jsonl" }
