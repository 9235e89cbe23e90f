package openai

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/tidwall/sjson"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/normalize"
)

type (
	// Payload is a rendered Chat Completions request body.
	Payload struct {
		model  string
		stream bool
		// names maps provider-visible tool names back to canonical names.
		names map[string]string
		body  []byte
	}

	codec struct {
		provider string
	}

	wireRequest struct {
		Model               string              `json:"model"`
		Messages            []wireMessage       `json:"messages"`
		Temperature         *float64            `json:"temperature,omitempty"`
		TopP                *float64            `json:"top_p,omitempty"`
		MaxCompletionTokens *int                `json:"max_completion_tokens,omitempty"`
		Stop                []string            `json:"stop,omitempty"`
		Tools               []wireTool          `json:"tools,omitempty"`
		ToolChoice          any                 `json:"tool_choice,omitempty"`
		ResponseFormat      *wireResponseFormat `json:"response_format,omitempty"`
		User                string              `json:"user,omitempty"`
		Stream              bool                `json:"stream,omitempty"`
		StreamOptions       *wireStreamOptions  `json:"stream_options,omitempty"`
	}

	wireMessage struct {
		Role       string         `json:"role"`
		Content    *string        `json:"content,omitempty"`
		ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
		ToolCallID string         `json:"tool_call_id,omitempty"`
	}

	wireToolCall struct {
		ID       string       `json:"id"`
		Type     string       `json:"type"`
		Function wireFunction `json:"function"`
	}

	wireFunction struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	wireTool struct {
		Type     string          `json:"type"`
		Function wireFunctionDef `json:"function"`
	}

	wireFunctionDef struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}

	wireNamedChoice struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}

	wireResponseFormat struct {
		Type       string          `json:"type"`
		JSONSchema *wireJSONSchema `json:"json_schema,omitempty"`
	}

	wireJSONSchema struct {
		Name   string          `json:"name"`
		Schema json.RawMessage `json:"schema"`
		Strict bool            `json:"strict,omitempty"`
	}

	wireStreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	}
)

// defaultSchemaName labels JSON schemas submitted without a name.
const defaultSchemaName = "response"

// Model returns the model the payload targets.
func (p *Payload) Model() string { return p.model }

// Stream reports whether the payload was rendered for a streaming call.
func (p *Payload) Stream() bool { return p.stream }

// Body returns a copy of the JSON body.
func (p *Payload) Body() json.RawMessage {
	return append(json.RawMessage(nil), p.body...)
}

// Len returns the body size in bytes.
func (p *Payload) Len() int { return len(p.body) }

// Encode renders req. req must have been validated against the provider
// capabilities.
func (c codec) Encode(req *llm.Request, stream bool) (*Payload, error) {
	names, reverse, err := normalize.ToolNames(c.provider, req.Tools)
	if err != nil {
		return nil, err
	}
	w := wireRequest{
		Model:               req.Model,
		Temperature:         req.Sampling.Temperature,
		TopP:                req.Sampling.TopP,
		MaxCompletionTokens: req.Sampling.MaxOutputTokens,
		Stop:                req.Sampling.Stop,
		User:                req.User,
	}
	system, conv := req.System()
	for _, s := range system {
		w.Messages = append(w.Messages, wireMessage{Role: "system", Content: &s})
	}
	for _, m := range conv {
		msg, err := c.encodeMessage(m, names)
		if err != nil {
			return nil, err
		}
		w.Messages = append(w.Messages, msg)
	}
	for _, t := range req.Tools {
		w.Tools = append(w.Tools, wireTool{
			Type: "function",
			Function: wireFunctionDef{
				Name:        names[t.Name],
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.ToolChoice != nil {
		if w.ToolChoice, err = c.encodeToolChoice(req.ToolChoice, names); err != nil {
			return nil, err
		}
	}
	if rf := req.ResponseFormat; rf != nil {
		w.ResponseFormat = encodeResponseFormat(rf)
	}
	if stream {
		w.Stream = true
		w.StreamOptions = &wireStreamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", c.provider, err)
	}
	for _, k := range slices.Sorted(maps.Keys(req.Custom)) {
		if body, err = sjson.SetBytes(body, k, req.Custom[k]); err != nil {
			return nil, fmt.Errorf("%s: set %s: %w", c.provider, k, err)
		}
	}
	return &Payload{model: req.Model, stream: stream, names: reverse, body: body}, nil
}

func (c codec) encodeMessage(m llm.Message, names map[string]string) (wireMessage, error) {
	switch m.Role {
	case llm.RoleUser:
		return wireMessage{Role: "user", Content: &m.Content}, nil
	case llm.RoleTool:
		return wireMessage{Role: "tool", Content: &m.Content, ToolCallID: m.ToolCallID}, nil
	case llm.RoleAssistant:
		msg := wireMessage{Role: "assistant"}
		if m.Content != "" || len(m.ToolCalls) == 0 {
			msg.Content = &m.Content
		}
		for _, call := range m.ToolCalls {
			name, ok := names[call.Name]
			if !ok {
				name = normalize.SanitizeToolName(call.Name)
			}
			args := string(call.Arguments)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, wireToolCall{
				ID:       call.ID,
				Type:     "function",
				Function: wireFunction{Name: name, Arguments: args},
			})
		}
		return msg, nil
	default:
		return wireMessage{}, fmt.Errorf("%s: unsupported message role %q", c.provider, m.Role)
	}
}

func (c codec) encodeToolChoice(choice *llm.ToolChoice, names map[string]string) (any, error) {
	switch choice.Mode {
	case "", llm.ToolChoiceAuto:
		return "auto", nil
	case llm.ToolChoiceNone:
		return "none", nil
	case llm.ToolChoiceRequired:
		return "required", nil
	case llm.ToolChoiceNamed:
		name, ok := names[choice.Name]
		if !ok {
			return nil, llm.NewValidationError(c.provider, "tool_choice", "tool %q is not declared", choice.Name)
		}
		named := wireNamedChoice{Type: "function"}
		named.Function.Name = name
		return named, nil
	default:
		return nil, llm.NewValidationError(c.provider, "tool_choice", "unsupported mode %q", choice.Mode)
	}
}

func encodeResponseFormat(rf *llm.ResponseFormat) *wireResponseFormat {
	if rf.Kind != llm.ResponseFormatJSON {
		return &wireResponseFormat{Type: "text"}
	}
	if len(rf.Schema) == 0 {
		return &wireResponseFormat{Type: "json_object"}
	}
	name := rf.Name
	if name == "" {
		name = defaultSchemaName
	}
	return &wireResponseFormat{
		Type:       "json_schema",
		JSONSchema: &wireJSONSchema{Name: name, Schema: rf.Schema, Strict: rf.Strict},
	}
}
