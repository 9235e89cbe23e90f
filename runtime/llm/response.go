package llm

import "encoding/json"

type (
	// FinishReason is the provider-neutral reason generation stopped.
	FinishReason string

	// Response is the canonical assembled response.
	Response struct {
		// ID is the provider response identifier.
		ID string
		// Model is the resolved model name reported by the provider.
		Model string
		// Text is the assistant text.
		Text string
		// Reasoning is the reasoning text when thinking was enabled.
		Reasoning string
		// ToolCalls lists the tool invocations in emission order.
		ToolCalls []ToolCall
		// Usage is the token accounting for the call.
		Usage Usage
		// FinishReason is the mapped stop reason.
		FinishReason FinishReason
		// ProviderFinishReason is the raw provider stop code.
		ProviderFinishReason string
		// Raw references the provider payload the response was decoded from.
		// It is nil for streamed responses.
		Raw json.RawMessage
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		ID        string
		Name      string
		Arguments json.RawMessage
	}

	// Usage reports token counts for a call.
	Usage struct {
		InputTokens         int
		OutputTokens        int
		CacheCreationTokens int
		CacheReadTokens     int
	}
)

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolExecution FinishReason = "tool_execution"
	FinishContentFilter FinishReason = "content_filter"
	FinishOther         FinishReason = "other"
)

// Add returns the field-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:         u.InputTokens + o.InputTokens,
		OutputTokens:        u.OutputTokens + o.OutputTokens,
		CacheCreationTokens: u.CacheCreationTokens + o.CacheCreationTokens,
		CacheReadTokens:     u.CacheReadTokens + o.CacheReadTokens,
	}
}

// Total returns the input plus output token count.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// IsZero reports whether no tokens were recorded.
func (u Usage) IsZero() bool {
	return u == Usage{}
}
