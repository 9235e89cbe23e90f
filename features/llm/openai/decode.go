package openai

import (
	"encoding/json"
	"errors"
	"strings"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/stream"
)

// Finish maps Chat Completions finish reasons to canonical finish reasons.
var Finish = stream.FinishTable{
	"stop":           llm.FinishStop,
	"length":         llm.FinishLength,
	"tool_calls":     llm.FinishToolExecution,
	"function_call":  llm.FinishToolExecution,
	"content_filter": llm.FinishContentFilter,
}

type (
	wireCompletion struct {
		ID      string       `json:"id"`
		Model   string       `json:"model"`
		Choices []wireChoice `json:"choices"`
		Usage   *wireUsage   `json:"usage"`
	}

	wireChoice struct {
		Index   int `json:"index"`
		Message struct {
			Content          *string        `json:"content"`
			ReasoningContent string         `json:"reasoning_content"`
			ToolCalls        []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	}

	wireUsage struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	}
)

// usage reports cached prompt tokens separately so InputTokens only counts
// uncached input.
func (u *wireUsage) usage() llm.Usage {
	if u == nil {
		return llm.Usage{}
	}
	cached := u.PromptTokensDetails.CachedTokens
	return llm.Usage{
		InputTokens:     u.PromptTokens - cached,
		OutputTokens:    u.CompletionTokens,
		CacheReadTokens: cached,
	}
}

// decodeCompletion translates the first choice of a completion. names maps
// provider-visible tool names back to canonical names.
func decodeCompletion(provider string, c *wireCompletion, raw json.RawMessage, names map[string]string) (*llm.Response, error) {
	if len(c.Choices) == 0 {
		return nil, &llm.ProtocolError{Provider: provider, Reason: "completion without choices"}
	}
	choice := c.Choices[0]
	resp := &llm.Response{
		ID:                   c.ID,
		Model:                c.Model,
		Reasoning:            choice.Message.ReasoningContent,
		Usage:                c.Usage.usage(),
		ProviderFinishReason: choice.FinishReason,
		FinishReason:         Finish.Map(choice.FinishReason),
		Raw:                  raw,
	}
	if choice.Message.Content != nil {
		resp.Text = *choice.Message.Content
	}
	for _, call := range choice.Message.ToolCalls {
		name := call.Function.Name
		if canonical, ok := names[name]; ok {
			name = canonical
		}
		args := strings.TrimSpace(call.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		if name == "" || !json.Valid([]byte(args)) {
			return nil, &llm.MalformedToolCallError{
				ID:        call.ID,
				Name:      name,
				Arguments: call.Function.Arguments,
				Cause:     errors.New("invalid tool arguments"),
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{ID: call.ID, Name: name, Arguments: json.RawMessage(args)})
	}
	return resp, nil
}
