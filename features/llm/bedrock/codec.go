package bedrock

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/normalize"
)

type (
	// Payload is a rendered Converse request. The same parts back both the
	// Converse and ConverseStream inputs; they are never mutated after
	// encoding.
	Payload struct {
		model      string
		stream     bool
		system     []brtypes.SystemContentBlock
		messages   []brtypes.Message
		toolConfig *brtypes.ToolConfiguration
		inference  *brtypes.InferenceConfiguration
		additional document.Interface
		// names maps provider-visible tool names back to canonical names.
		names map[string]string
		size  int
	}

	codec struct{}
)

// Model returns the model identifier.
func (p *Payload) Model() string { return p.model }

// Stream reports whether the payload was rendered for ConverseStream.
func (p *Payload) Stream() bool { return p.stream }

// Len returns the size in bytes of the text, schemas and tool arguments
// carried by the payload.
func (p *Payload) Len() int { return p.size }

// ConverseInput returns a new Converse input over the payload parts.
func (p *Payload) ConverseInput() *bedrockruntime.ConverseInput {
	return &bedrockruntime.ConverseInput{
		ModelId:                      aws.String(p.model),
		Messages:                     p.messages,
		System:                       p.system,
		ToolConfig:                   p.toolConfig,
		InferenceConfig:              p.inference,
		AdditionalModelRequestFields: p.additional,
	}
}

// ConverseStreamInput returns a new ConverseStream input over the payload
// parts.
func (p *Payload) ConverseStreamInput() *bedrockruntime.ConverseStreamInput {
	return &bedrockruntime.ConverseStreamInput{
		ModelId:                      aws.String(p.model),
		Messages:                     p.messages,
		System:                       p.system,
		ToolConfig:                   p.toolConfig,
		InferenceConfig:              p.inference,
		AdditionalModelRequestFields: p.additional,
	}
}

// Encode renders req. req must have been validated against Capabilities.
func (codec) Encode(req *llm.Request, stream bool) (*Payload, error) {
	if req.Cache != nil && req.Cache.Tools != llm.CacheNone && isNovaModel(req.Model) {
		return nil, llm.NewCapabilityError(providerName, "cache.tools")
	}
	p := &Payload{model: req.Model, stream: stream}
	toolConfig, names, reverse, err := encodeTools(req, &p.size)
	if err != nil {
		return nil, err
	}
	system, conv := req.System()
	if toolConfig == nil && hasToolBlocks(conv) {
		return nil, llm.NewValidationError(providerName, "tools", "messages contain tool calls or results but no tools are defined")
	}
	msgs, err := encodeMessages(conv, names, &p.size)
	if err != nil {
		return nil, err
	}
	p.messages = msgs
	p.system = encodeSystem(system, req.Cache, &p.size)
	p.toolConfig = toolConfig
	p.names = reverse
	p.inference = inferenceConfig(req.Sampling)
	if fields := additionalFields(req); len(fields) > 0 {
		p.additional = document.NewLazyDocument(&fields)
	}
	return p, nil
}

func encodeSystem(system []string, cache *llm.CachePolicy, size *int) []brtypes.SystemContentBlock {
	if len(system) == 0 {
		return nil
	}
	blocks := make([]brtypes.SystemContentBlock, 0, len(system)+1)
	for _, s := range system {
		*size += len(s)
		blocks = append(blocks, &brtypes.SystemContentBlockMemberText{Value: s})
	}
	if cache != nil && cache.System == llm.CacheEphemeral {
		blocks = append(blocks, &brtypes.SystemContentBlockMemberCachePoint{
			Value: brtypes.CachePointBlock{Type: brtypes.CachePointTypeDefault},
		})
	}
	return blocks
}

// encodeMessages renders the conversation. Tool results travel in user turns
// and consecutive turns of the same role are merged: Converse requires
// alternating roles.
func encodeMessages(msgs []llm.Message, names map[string]string, size *int) ([]brtypes.Message, error) {
	var (
		out    = make([]brtypes.Message, 0, len(msgs))
		blocks []brtypes.ContentBlock
		role   llm.Role
		ids    = toolUseIDs{}
	)
	flush := func() {
		if len(blocks) == 0 {
			return
		}
		r := brtypes.ConversationRoleUser
		if role == llm.RoleAssistant {
			r = brtypes.ConversationRoleAssistant
		}
		out = append(out, brtypes.Message{Role: r, Content: blocks})
		blocks = nil
	}
	for i, m := range msgs {
		turn := m.Role
		if turn == llm.RoleTool {
			turn = llm.RoleUser
		}
		if turn != role {
			flush()
			role = turn
		}
		*size += len(m.Content)
		switch m.Role {
		case llm.RoleUser:
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
		case llm.RoleTool:
			tr := brtypes.ToolResultBlock{
				ToolUseId: aws.String(ids.get(m.ToolCallID)),
				Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: m.Content}},
			}
			if m.IsError {
				tr.Status = brtypes.ToolResultStatusError
			}
			blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: tr})
		case llm.RoleAssistant:
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, call := range m.ToolCalls {
				name, ok := names[call.Name]
				if !ok {
					return nil, llm.NewValidationError(providerName, fmt.Sprintf("messages[%d]", i), "tool call references undeclared tool %q", call.Name)
				}
				input, err := toDocument(call.Arguments)
				if err != nil {
					return nil, llm.NewValidationError(providerName, fmt.Sprintf("messages[%d]", i), "tool call %q arguments: %v", call.ID, err)
				}
				*size += len(call.Arguments)
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(ids.get(call.ID)),
					Name:      aws.String(name),
					Input:     input,
				}})
			}
		default:
			return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	flush()
	return out, nil
}

// encodeTools renders the tool configuration and returns the canonical to
// provider-visible name map along with its reverse.
func encodeTools(req *llm.Request, size *int) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	names, reverse, err := normalize.ToolNames(providerName, req.Tools)
	if err != nil || len(req.Tools) == 0 {
		return nil, nil, nil, err
	}
	tools := make([]brtypes.Tool, 0, len(req.Tools)+1)
	for i, def := range req.Tools {
		if def.Description == "" {
			return nil, nil, nil, llm.NewValidationError(providerName, fmt.Sprintf("tools[%d]", i), "description is required")
		}
		schema, err := toDocument(def.Parameters)
		if err != nil {
			return nil, nil, nil, llm.NewValidationError(providerName, fmt.Sprintf("tools[%d].parameters", i), "%v", err)
		}
		*size += len(def.Description) + len(def.Parameters)
		tools = append(tools, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(names[def.Name]),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: schema},
		}})
	}
	if req.Cache != nil && req.Cache.Tools == llm.CacheEphemeral {
		tools = append(tools, &brtypes.ToolMemberCachePoint{
			Value: brtypes.CachePointBlock{Type: brtypes.CachePointTypeDefault},
		})
	}
	cfg := &brtypes.ToolConfiguration{Tools: tools}
	switch req.ChoiceMode() {
	case llm.ToolChoiceAuto:
	case llm.ToolChoiceRequired:
		cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
	case llm.ToolChoiceNamed:
		cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{
			Value: brtypes.SpecificToolChoice{Name: aws.String(names[req.ToolChoice.Name])},
		}
	default:
		return nil, nil, nil, llm.NewValidationError(providerName, "tool_choice", "unsupported mode %q", req.ChoiceMode())
	}
	return cfg, names, reverse, nil
}

func inferenceConfig(s llm.Sampling) *brtypes.InferenceConfiguration {
	var (
		cfg brtypes.InferenceConfiguration
		set bool
	)
	if s.MaxOutputTokens != nil {
		cfg.MaxTokens = aws.Int32(int32(*s.MaxOutputTokens)) //nolint:gosec // AWS SDK requires int32
		set = true
	}
	if s.Temperature != nil {
		cfg.Temperature = aws.Float32(float32(*s.Temperature))
		set = true
	}
	if s.TopP != nil {
		cfg.TopP = aws.Float32(float32(*s.TopP))
		set = true
	}
	if len(s.Stop) > 0 {
		cfg.StopSequences = s.Stop
		set = true
	}
	if !set {
		return nil
	}
	return &cfg
}

// additionalFields returns the model specific request fields: the thinking
// configuration and custom parameters.
func additionalFields(req *llm.Request) map[string]any {
	fields := make(map[string]any, len(req.Custom)+1)
	maps.Copy(fields, req.Custom)
	if th := req.Thinking; th != nil && th.Enabled {
		fields["thinking"] = map[string]any{"type": "enabled", "budget_tokens": th.BudgetTokens}
	}
	return fields
}

// toDocument decodes raw JSON into a lazy document. Empty input is an empty
// object.
func toDocument(raw json.RawMessage) (document.Interface, error) {
	var v any = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
	}
	return document.NewLazyDocument(&v), nil
}

// toolUseIDs maps transcript tool call ids to ids that satisfy the Converse
// toolUseId constraints. Conforming ids are kept as is.
type toolUseIDs map[string]string

func (t toolUseIDs) get(id string) string {
	if isProviderSafeID(id) {
		return id
	}
	if v, ok := t[id]; ok {
		return v
	}
	v := fmt.Sprintf("t%d", len(t)+1)
	t[id] = v
	return v
}

// isProviderSafeID reports whether id matches [a-zA-Z0-9_-]{1,64}.
func isProviderSafeID(id string) bool {
	if id == "" || len(id) > normalize.MaxToolName {
		return false
	}
	return normalize.SanitizeToolName(id) == id
}

// isNovaModel reports whether model refers to an Amazon Nova model. Nova
// models reject cache checkpoints in the tool configuration.
func isNovaModel(model string) bool {
	return strings.HasPrefix(model, "amazon.nova-") || strings.Contains(model, ".amazon.nova-")
}

func hasToolBlocks(msgs []llm.Message) bool {
	for _, m := range msgs {
		if m.Role == llm.RoleTool || len(m.ToolCalls) > 0 {
			return true
		}
	}
	return false
}
