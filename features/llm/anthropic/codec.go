package anthropic

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/sjson"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/normalize"
)

// DefaultMaxTokens is the completion cap used when a request leaves
// MaxOutputTokens unset. The Messages API requires max_tokens.
const DefaultMaxTokens = 4096

type (
	// Payload is a rendered Messages request. Params is sent through the SDK;
	// Extra fields are spliced into the JSON body verbatim.
	Payload struct {
		Params sdk.MessageNewParams
		Extra  []Field
		stream bool
		// names maps provider-visible tool names back to canonical names.
		names map[string]string
		body  []byte
	}

	// Field is a JSON body field set by sjson path.
	Field struct {
		Path  string
		Value any
	}

	codec struct {
		maxTokens int
	}
)

// Stream reports whether the payload was rendered for a streaming call.
func (p *Payload) Stream() bool { return p.stream }

// Body returns the JSON body as sent on the wire, without the stream flag.
func (p *Payload) Body() json.RawMessage {
	return append(json.RawMessage(nil), p.body...)
}

// Len returns the body size in bytes.
func (p *Payload) Len() int { return len(p.body) }

// RequestOptions returns the SDK options that splice the extra fields.
func (p *Payload) RequestOptions() []option.RequestOption {
	opts := make([]option.RequestOption, 0, len(p.Extra))
	for _, f := range p.Extra {
		opts = append(opts, option.WithJSONSet(f.Path, f.Value))
	}
	return opts
}

// capabilities returns Capabilities with the configured output cap.
func (c codec) capabilities() llm.Capabilities {
	caps := Capabilities
	caps.DefaultMaxOutputTokens = c.maxTokens
	return caps
}

// Encode renders req. req must have been validated against Capabilities.
func (c codec) Encode(req *llm.Request, stream bool) (*Payload, error) {
	tools, names, reverse, err := encodeTools(req)
	if err != nil {
		return nil, err
	}
	system, conv := req.System()
	msgs, err := encodeMessages(conv, names)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxOutputTokens()
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Tools:     tools,
	}
	if len(system) > 0 {
		params.System = encodeSystem(system, req.Cache)
	}
	s := req.Sampling
	if s.Temperature != nil {
		params.Temperature = sdk.Float(*s.Temperature)
	}
	if s.TopP != nil {
		params.TopP = sdk.Float(*s.TopP)
	}
	if s.TopK != nil {
		params.TopK = sdk.Int(int64(*s.TopK))
	}
	if len(s.Stop) > 0 {
		params.StopSequences = s.Stop
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice, names)
		if err != nil {
			return nil, err
		}
		params.ToolChoice = tc
	}
	if th := req.Thinking; th != nil && th.Enabled {
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(th.BudgetTokens))
	}
	if req.User != "" {
		params.Metadata = sdk.MetadataParam{UserID: sdk.String(req.User)}
	}

	var extra []Field
	for _, st := range req.ServerTools {
		tool := make(map[string]any, len(st.Config)+2)
		for k, v := range st.Config {
			tool[k] = v
		}
		tool["type"] = st.Type
		tool["name"] = st.Name
		extra = append(extra, Field{Path: "tools.-1", Value: tool})
	}
	for _, k := range slices.Sorted(maps.Keys(req.Custom)) {
		extra = append(extra, Field{Path: k, Value: req.Custom[k]})
	}

	body, err := renderBody(params, extra)
	if err != nil {
		return nil, err
	}
	return &Payload{Params: params, Extra: extra, stream: stream, names: reverse, body: body}, nil
}

func renderBody(params sdk.MessageNewParams, extra []Field) ([]byte, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode request: %w", err)
	}
	for _, f := range extra {
		body, err = sjson.SetBytes(body, f.Path, f.Value)
		if err != nil {
			return nil, fmt.Errorf("anthropic: set %s: %w", f.Path, err)
		}
	}
	return body, nil
}

func encodeSystem(system []string, cache *llm.CachePolicy) []sdk.TextBlockParam {
	blocks := make([]sdk.TextBlockParam, 0, len(system))
	for _, s := range system {
		blocks = append(blocks, sdk.TextBlockParam{Text: s})
	}
	if cache != nil && cache.System == llm.CacheEphemeral {
		blocks[len(blocks)-1].CacheControl = sdk.NewCacheControlEphemeralParam()
	}
	return blocks
}

// encodeMessages renders the conversation. Tool results are sent as user
// turns and consecutive turns of the same role are merged, as the Messages
// API requires alternating roles.
func encodeMessages(msgs []llm.Message, names map[string]string) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	var (
		blocks []sdk.ContentBlockParamUnion
		role   llm.Role
	)
	flush := func() {
		if len(blocks) == 0 {
			return
		}
		if role == llm.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(blocks...))
		} else {
			out = append(out, sdk.NewUserMessage(blocks...))
		}
		blocks = nil
	}
	for _, m := range msgs {
		turn := m.Role
		if turn == llm.RoleTool {
			turn = llm.RoleUser
		}
		if turn != role {
			flush()
			role = turn
		}
		switch m.Role {
		case llm.RoleUser:
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
		case llm.RoleTool:
			blocks = append(blocks, sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		case llm.RoleAssistant:
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				name, ok := names[call.Name]
				if !ok {
					name = normalize.SanitizeToolName(call.Name)
				}
				var input any = json.RawMessage(`{}`)
				if len(call.Arguments) > 0 {
					input = call.Arguments
				}
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, input, name))
			}
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	flush()
	return out, nil
}

// encodeTools renders the tool definitions and returns the canonical to
// provider-visible name map along with its reverse.
func encodeTools(req *llm.Request) ([]sdk.ToolUnionParam, map[string]string, map[string]string, error) {
	names, reverse, err := normalize.ToolNames(providerName, req.Tools)
	if err != nil || len(req.Tools) == 0 {
		return nil, nil, nil, err
	}
	tools := make([]sdk.ToolUnionParam, 0, len(req.Tools))
	for _, def := range req.Tools {
		schema, err := toolInputSchema(def.Parameters)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, names[def.Name])
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, u)
	}
	if req.Cache != nil && req.Cache.Tools == llm.CacheEphemeral {
		if last := tools[len(tools)-1].OfTool; last != nil {
			last.CacheControl = sdk.NewCacheControlEphemeralParam()
		}
	}
	return tools, names, reverse, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func encodeToolChoice(choice *llm.ToolChoice, names map[string]string) (sdk.ToolChoiceUnionParam, error) {
	switch choice.Mode {
	case "", llm.ToolChoiceAuto:
		return sdk.ToolChoiceUnionParam{}, nil
	case llm.ToolChoiceNone:
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case llm.ToolChoiceRequired:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	case llm.ToolChoiceNamed:
		sanitized, ok := names[choice.Name]
		if !ok {
			return sdk.ToolChoiceUnionParam{}, llm.NewValidationError(providerName, "tool_choice", "tool %q is not declared", choice.Name)
		}
		return sdk.ToolChoiceParamOfTool(sanitized), nil
	default:
		return sdk.ToolChoiceUnionParam{}, llm.NewValidationError(providerName, "tool_choice", "unsupported mode %q", choice.Mode)
	}
}
