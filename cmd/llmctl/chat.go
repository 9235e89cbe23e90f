package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/chat"
)

// chatFlags are the request flags shared by complete and stream.
type chatFlags struct {
	system      []string
	maxTokens   int
	temperature float64
	thinking    int
	json        bool
}

func (f *chatFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringArrayVarP(&f.system, "system", "s", nil, "system prompt, repeatable")
	fs.IntVar(&f.maxTokens, "max-tokens", 0, "maximum output tokens")
	fs.Float64Var(&f.temperature, "temperature", 0, "sampling temperature")
	fs.IntVar(&f.thinking, "thinking", 0, "extended reasoning budget in tokens")
	fs.BoolVar(&f.json, "json", false, "print the response as JSON")
}

// request builds the request for prompt. Unset flags leave the configured
// defaults in place.
func (f *chatFlags) request(cmd *cobra.Command, prompt string) *llm.Request {
	req := &llm.Request{}
	for _, s := range f.system {
		req.Messages = append(req.Messages, llm.Message{Role: llm.RoleSystem, Content: s})
	}
	req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: prompt})
	if cmd.Flags().Changed("max-tokens") {
		req.Sampling.MaxOutputTokens = &f.maxTokens
	}
	if cmd.Flags().Changed("temperature") {
		req.Sampling.Temperature = &f.temperature
	}
	if f.thinking > 0 {
		req.Thinking = &llm.Thinking{Enabled: true, BudgetTokens: f.thinking}
	}
	return req
}

func newCompleteCmd(get func() *app) *cobra.Command {
	var flags chatFlags
	cmd := &cobra.Command{
		Use:   "complete [prompt]",
		Short: "Send a prompt and print the response",
		Long:  "Send a prompt and print the response. The prompt is read from stdin when no argument is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(cmd, args)
			if err != nil {
				return err
			}
			a := get()
			resp, err := a.chat.Complete(cmd.Context(), flags.request(cmd, prompt))
			if err != nil {
				return err
			}
			if flags.json {
				return writeJSON(a.out, newResponseView(resp))
			}
			fmt.Fprintln(a.out, resp.Text)
			printUsage(cmd.ErrOrStderr(), resp)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newStreamCmd(get func() *app) *cobra.Command {
	var (
		flags     chatFlags
		reasoning bool
	)
	cmd := &cobra.Command{
		Use:   "stream [prompt]",
		Short: "Send a prompt and print the response as it is generated",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(cmd, args)
			if err != nil {
				return err
			}
			a := get()
			opts := chat.StreamOptions{}
			if !flags.json {
				opts.OnText = func(s string) { _, _ = io.WriteString(a.out, s) }
			}
			if reasoning {
				errOut := cmd.ErrOrStderr()
				opts.OnReasoning = func(s string) { _, _ = io.WriteString(errOut, s) }
			}
			call, err := a.chat.Stream(cmd.Context(), flags.request(cmd, prompt), opts)
			if err != nil {
				return err
			}
			resp, err := call.Wait(cmd.Context())
			if err != nil {
				return err
			}
			if flags.json {
				return writeJSON(a.out, newResponseView(resp))
			}
			fmt.Fprintln(a.out)
			printUsage(cmd.ErrOrStderr(), resp)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&reasoning, "reasoning", false, "print reasoning deltas to stderr")
	return cmd
}

func readPrompt(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(b))
	if prompt == "" {
		return "", fmt.Errorf("a prompt is required")
	}
	return prompt, nil
}

func printUsage(w io.Writer, resp *llm.Response) {
	u := resp.Usage
	fmt.Fprintf(w, "[%s] finish=%s input=%d output=%d cache_read=%d cache_write=%d\n",
		resp.Model, resp.FinishReason, u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheCreationTokens)
}

type (
	responseView struct {
		ID           string         `json:"id,omitempty"`
		Model        string         `json:"model,omitempty"`
		Text         string         `json:"text"`
		Reasoning    string         `json:"reasoning,omitempty"`
		ToolCalls    []toolCallView `json:"tool_calls,omitempty"`
		FinishReason string         `json:"finish_reason"`
		StopCode     string         `json:"stop_code,omitempty"`
		Usage        usageView      `json:"usage"`
	}

	toolCallView struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	usageView struct {
		InputTokens         int `json:"input_tokens"`
		OutputTokens        int `json:"output_tokens"`
		CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
		CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	}
)

func newResponseView(resp *llm.Response) *responseView {
	v := &responseView{
		ID:           resp.ID,
		Model:        resp.Model,
		Text:         resp.Text,
		Reasoning:    resp.Reasoning,
		FinishReason: string(resp.FinishReason),
		StopCode:     resp.ProviderFinishReason,
		Usage: usageView{
			InputTokens:         resp.Usage.InputTokens,
			OutputTokens:        resp.Usage.OutputTokens,
			CacheCreationTokens: resp.Usage.CacheCreationTokens,
			CacheReadTokens:     resp.Usage.CacheReadTokens,
		},
	}
	for _, tc := range resp.ToolCalls {
		v.ToolCalls = append(v.ToolCalls, toolCallView{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	return v
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
