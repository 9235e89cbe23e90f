// Package llm defines the provider-neutral request, response and error types
// shared by the normalizer, the streaming aggregator, the batch tracker and
// the provider adapters under features/llm.
package llm

import "encoding/json"

type (
	// Role identifies the author of a message.
	Role string

	// ToolChoiceMode controls whether and how the model must use tools.
	ToolChoiceMode string

	// ResponseFormatKind selects plain text or structured JSON output.
	ResponseFormatKind string

	// CacheDirective is a hint to cache a payload fragment server side.
	CacheDirective string

	// Request is the canonical chat request. Pointer and slice fields are
	// optional; nil means "not set" which matters when merging defaults
	// with per-call overrides.
	Request struct {
		// Model is the provider model identifier.
		Model string
		// Messages is the ordered conversation, system messages included.
		Messages []Message
		// Sampling holds the sampling knobs.
		Sampling Sampling
		// Tools lists the client-executed tools the model may call.
		Tools []ToolSpec
		// ToolChoice constrains tool usage. Nil leaves the provider default.
		ToolChoice *ToolChoice
		// ResponseFormat requests text or JSON output.
		ResponseFormat *ResponseFormat
		// Cache configures cache directives for system and tool fragments.
		Cache *CachePolicy
		// Thinking enables extended reasoning.
		Thinking *Thinking
		// ServerTools declares provider-executed tools (web search, code
		// execution...). They are passed through to the provider as-is.
		ServerTools []ServerTool
		// Custom is an open bag of provider-specific top-level body fields.
		Custom map[string]any
		// User is an opaque end-user identifier forwarded when supported.
		User string
	}

	// Message is a single conversation turn.
	Message struct {
		Role Role
		// Content is the text content of the message. For tool messages it
		// is the tool result.
		Content string
		// ToolCalls lists the tool invocations requested by an assistant
		// message.
		ToolCalls []ToolCall
		// ToolCallID correlates a tool message with the assistant tool call
		// it answers.
		ToolCallID string
		// IsError marks a tool result as a failed execution.
		IsError bool
	}

	// Sampling groups the generation knobs. Nil pointers are unset.
	Sampling struct {
		Temperature     *float64
		TopP            *float64
		TopK            *int
		MaxOutputTokens *int
		Stop            []string
	}

	// ToolSpec describes a tool the model may request.
	ToolSpec struct {
		Name        string
		Description string
		// Parameters is the JSON schema of the tool input.
		Parameters json.RawMessage
	}

	// ToolChoice selects the tool usage mode. Name is only meaningful with
	// ToolChoiceNamed.
	ToolChoice struct {
		Mode ToolChoiceMode
		Name string
	}

	// ResponseFormat describes the expected response format.
	ResponseFormat struct {
		Kind ResponseFormatKind
		// Name labels the schema for providers that require one.
		Name string
		// Schema is the JSON schema the output must follow.
		Schema json.RawMessage
		// Strict asks the provider to enforce the schema exactly.
		Strict bool
	}

	// CachePolicy applies cache directives to system messages and tool
	// definitions independently.
	CachePolicy struct {
		System CacheDirective
		Tools  CacheDirective
	}

	// Thinking configures extended reasoning.
	Thinking struct {
		Enabled      bool
		BudgetTokens int
	}

	// ServerTool declares a tool executed by the provider.
	ServerTool struct {
		// Type is the provider tool type, for example "web_search_20250305".
		Type string
		// Name is the tool name exposed to the model.
		Name string
		// Config holds additional tool fields rendered verbatim.
		Config map[string]any
	}
)

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

const (
	// ToolChoiceAuto lets the model decide.
	ToolChoiceAuto ToolChoiceMode = "auto"
	// ToolChoiceRequired forces the model to call at least one tool.
	ToolChoiceRequired ToolChoiceMode = "required"
	// ToolChoiceNone forbids tool calls.
	ToolChoiceNone ToolChoiceMode = "none"
	// ToolChoiceNamed forces a call to the tool identified by Name.
	ToolChoiceNamed ToolChoiceMode = "named"
)

const (
	ResponseFormatText ResponseFormatKind = "text"
	ResponseFormatJSON ResponseFormatKind = "json"
)

const (
	CacheNone      CacheDirective = ""
	CacheEphemeral CacheDirective = "ephemeral"
)

// Float returns a pointer to v. It is a convenience for setting Sampling.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v. It is a convenience for setting Sampling.
func Int(v int) *int { return &v }

// System splits the request messages into the non-empty system contents and
// the remaining conversation messages.
func (r *Request) System() ([]string, []Message) {
	var system []string
	conv := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}
		conv = append(conv, m)
	}
	return system, conv
}

// MaxOutputTokens returns the configured output cap or 0 when unset.
func (r *Request) MaxOutputTokens() int {
	if r.Sampling.MaxOutputTokens == nil {
		return 0
	}
	return *r.Sampling.MaxOutputTokens
}

// ChoiceMode returns the effective tool choice mode, ToolChoiceAuto when
// unset.
func (r *Request) ChoiceMode() ToolChoiceMode {
	if r.ToolChoice == nil || r.ToolChoice.Mode == "" {
		return ToolChoiceAuto
	}
	return r.ToolChoice.Mode
}

// HasTool reports whether the request declares a tool named name.
func (r *Request) HasTool(name string) bool {
	for _, t := range r.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}
