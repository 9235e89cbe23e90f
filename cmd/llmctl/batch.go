package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"goa.design/goa-llm/features/llm/batchstore"
	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/batch"
)

// maxLine bounds a single JSONL input line.
const maxLine = 4 << 20

type (
	// itemLine is one line of the batch input file.
	itemLine struct {
		CustomID  string   `json:"custom_id"`
		System    []string `json:"system"`
		Prompt    string   `json:"prompt"`
		Model     string   `json:"model"`
		MaxTokens *int     `json:"max_tokens"`
	}

	jobView struct {
		ID         string           `json:"id"`
		Status     batch.Status     `json:"status"`
		Counts     batch.Counts     `json:"counts"`
		CreatedAt  string           `json:"created_at,omitempty"`
		ExpiresAt  string           `json:"expires_at,omitempty"`
		EndedAt    string           `json:"ended_at,omitempty"`
		ResultsURL string           `json:"results_url,omitempty"`
		ErrorsURL  string           `json:"errors_url,omitempty"`
		Errors     []batch.JobError `json:"errors,omitempty"`
	}

	resultView struct {
		CustomID string        `json:"custom_id"`
		Outcome  string        `json:"outcome"`
		Response *responseView `json:"response,omitempty"`
		Error    *errorView    `json:"error,omitempty"`
	}

	errorView struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
)

func newBatchCmd(get func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Manage asynchronous batch jobs",
	}
	cmd.AddCommand(
		newBatchCreateCmd(get),
		newBatchStatusCmd(get),
		newBatchResultsCmd(get),
		newBatchCancelCmd(get),
		newBatchDeleteCmd(get),
		newBatchListCmd(get),
	)
	return cmd
}

func newBatchCreateCmd(get func() *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit the requests of a JSONL file as a batch",
		Long: `Submit the requests of a JSONL file as a batch. Each line is an object with
"prompt" and optional "custom_id", "system", "model" and "max_tokens" fields.
Items without custom_id are given a random one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				in = f
			}
			items, err := readItems(in)
			if err != nil {
				return err
			}
			batch.AssignCorrelationIDs(items)

			a := get()
			ctx := cmd.Context()
			job, err := a.batches.Create(ctx, items)
			if err != nil {
				return err
			}
			sub := batchstore.NewSubmission(a.batches.Capabilities().Provider, job, items)
			if err := a.store.Save(ctx, sub); err != nil {
				a.logger.Warn(ctx, "batch submission not recorded", "batch", job.ID, "err", err)
			}
			return writeJSON(a.out, newJobView(job))
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSONL input file, - for stdin")
	return cmd
}

func newBatchStatusCmd(get func() *app) *cobra.Command {
	var (
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status <batch-id>",
		Short: "Show the status of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := cmd.Context()
			t, err := a.tracker(cmd, args[0])
			if err != nil {
				return err
			}
			for {
				state, err := batch.Poll(ctx, a.batches, t)
				if err != nil {
					return err
				}
				a.logger.Debug(ctx, "batch polled", "batch", t.ID(), "state", string(state))
				if state == batch.StateEnded || !wait || t.Last().EndedWithoutResults() {
					break
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(interval):
				}
			}
			if err := writeJSON(a.out, newJobView(t.Last())); err != nil {
				return err
			}
			if last := t.Last(); last.EndedWithoutResults() {
				return endedWithoutResults(last)
			}
			if t.State() != batch.StateEnded {
				return nil
			}
			outcome, err := t.Outcome()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "outcome: %s\n", outcomeName(outcome))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "poll until the batch ends")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "polling interval with --wait")
	return cmd
}

func newBatchResultsCmd(get func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results <batch-id>",
		Short: "Print the per-item results of an ended batch as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := cmd.Context()
			t, err := a.tracker(cmd, args[0])
			if err != nil {
				return err
			}
			state, err := batch.Poll(ctx, a.batches, t)
			if err != nil {
				return err
			}
			if state != batch.StateEnded {
				if last := t.Last(); last.EndedWithoutResults() {
					return endedWithoutResults(last)
				}
				return fmt.Errorf("batch %s has not ended (status %s)", t.ID(), t.Last().Status)
			}
			if a.reconciler == nil {
				return llm.NewCapabilityError(a.batches.Capabilities().Provider, "batch")
			}
			raws, err := a.batches.Results(ctx, t.Last())
			if err != nil {
				return err
			}
			results, err := a.reconciler.Reconcile(raws)
			if err != nil {
				return err
			}
			a.checkCoverage(cmd, t.ID(), results)

			enc := json.NewEncoder(a.out)
			for _, res := range results {
				if err := enc.Encode(newResultView(res)); err != nil {
					return err
				}
			}
			counts := batch.Tally(results)
			fmt.Fprintf(cmd.ErrOrStderr(), "succeeded=%d errored=%d canceled=%d expired=%d\n",
				counts.Succeeded, counts.Errored, counts.Canceled, counts.Expired)
			if _, ok := batch.OutcomeOf(counts).(batch.AllErrored); ok {
				return fmt.Errorf("batch %s: all %d items errored", t.ID(), counts.Errored)
			}
			return nil
		},
	}
	return cmd
}

func newBatchCancelCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <batch-id>",
		Short: "Request cancellation of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			job, err := a.batches.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(a.out, newJobView(job))
		},
	}
}

func newBatchDeleteCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <batch-id>",
		Short: "Delete an ended batch and its local record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := cmd.Context()
			if err := a.batches.Delete(ctx, args[0]); err != nil {
				return err
			}
			if err := a.store.Delete(ctx, args[0]); err != nil && !errors.Is(err, batchstore.ErrNotFound) {
				a.logger.Warn(ctx, "batch submission not removed", "batch", args[0], "err", err)
			}
			fmt.Fprintf(a.out, "deleted %s\n", args[0])
			return nil
		},
	}
}

func newBatchListCmd(get func() *app) *cobra.Command {
	var (
		params batch.ListParams
		local  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			ctx := cmd.Context()
			if local {
				subs, err := a.store.List(ctx, a.batches.Capabilities().Provider)
				if err != nil {
					return err
				}
				return writeJSON(a.out, subs)
			}
			page, err := a.batches.List(ctx, params)
			if err != nil {
				return err
			}
			views := make([]*jobView, len(page.Jobs))
			for i, job := range page.Jobs {
				views[i] = newJobView(job)
			}
			if err := writeJSON(a.out, views); err != nil {
				return err
			}
			if page.HasMore {
				fmt.Fprintf(cmd.ErrOrStderr(), "more results: --after %s\n", page.LastID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&params.After, "after", "", "list batches after this id")
	cmd.Flags().IntVar(&params.Limit, "limit", 0, "page size")
	cmd.Flags().BoolVar(&local, "local", false, "list the batches recorded by this tool instead")
	return cmd
}

// tracker returns a tracker for id. The submitted request count comes from
// the batch store when the batch was created by this tool.
func (a *app) tracker(cmd *cobra.Command, id string) (*batch.Tracker, error) {
	caps := a.batches.Capabilities()
	sub, err := a.store.Get(cmd.Context(), id)
	switch {
	case err == nil:
		return sub.Tracker(caps.BatchIDPrefix)
	case errors.Is(err, batchstore.ErrNotFound):
		return batch.NewTracker(caps.Provider, caps.BatchIDPrefix, id, 0)
	default:
		return nil, err
	}
}

// checkCoverage warns about submitted items missing from results.
func (a *app) checkCoverage(cmd *cobra.Command, id string, results []batch.Result) {
	ctx := cmd.Context()
	sub, err := a.store.Get(ctx, id)
	if err != nil {
		return
	}
	seen := make(map[string]struct{}, len(results))
	for _, res := range results {
		seen[res.CorrelationID] = struct{}{}
	}
	for _, cid := range sub.CorrelationIDs {
		if _, ok := seen[cid]; !ok {
			a.logger.Warn(ctx, "batch item without result", "batch", id, "custom_id", cid)
		}
	}
}

func readItems(r io.Reader) ([]batch.Item, error) {
	var items []batch.Item
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for n := 1; sc.Scan(); n++ {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var in itemLine
		if err := json.Unmarshal(line, &in); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		if in.Prompt == "" {
			return nil, fmt.Errorf("line %d: prompt is required", n)
		}
		req := &llm.Request{Model: in.Model}
		for _, s := range in.System {
			req.Messages = append(req.Messages, llm.Message{Role: llm.RoleSystem, Content: s})
		}
		req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: in.Prompt})
		req.Sampling.MaxOutputTokens = in.MaxTokens
		items = append(items, batch.Item{CorrelationID: in.CustomID, Request: req})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	return items, nil
}

func newJobView(job *batch.Job) *jobView {
	return &jobView{
		ID:         job.ID,
		Status:     job.Status,
		Counts:     job.Counts,
		CreatedAt:  stamp(job.CreatedAt),
		ExpiresAt:  stamp(job.ExpiresAt),
		EndedAt:    stamp(job.EndedAt),
		ResultsURL: job.ResultsURL,
		ErrorsURL:  job.ErrorsURL,
		Errors:     job.Errors,
	}
}

// endedWithoutResults reports a job the vendor ended without producing
// results, typically one rejected at input validation.
func endedWithoutResults(job *batch.Job) error {
	if len(job.Errors) == 0 {
		return fmt.Errorf("batch %s ended without results", job.ID)
	}
	msgs := make([]string, len(job.Errors))
	for i, e := range job.Errors {
		msgs[i] = e.Code + ": " + e.Message
		if e.Line > 0 {
			msgs[i] = fmt.Sprintf("line %d: %s", e.Line, msgs[i])
		}
	}
	return fmt.Errorf("batch %s ended without results: %s", job.ID, strings.Join(msgs, "; "))
}

func newResultView(res batch.Result) *resultView {
	v := &resultView{CustomID: res.CorrelationID}
	switch o := res.Outcome.(type) {
	case batch.Succeeded:
		v.Outcome = batch.KindSucceeded
		v.Response = newResponseView(o.Response)
	case batch.Errored:
		v.Outcome = batch.KindErrored
		v.Error = &errorView{Type: o.Type, Message: o.Message}
	case batch.Canceled:
		v.Outcome = batch.KindCanceled
	case batch.Expired:
		v.Outcome = batch.KindExpired
	}
	return v
}

func outcomeName(o batch.Outcome) string {
	if _, ok := o.(batch.AllErrored); ok {
		return "all_errored"
	}
	return "completed"
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
