// Package normalize merges default and per-call request parameters, enforces
// provider capabilities and renders provider payloads through a codec. It
// performs no I/O.
package normalize

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/goa-llm/runtime/llm"
)

// Codec renders a validated canonical request into a provider payload of
// type P.
type Codec[P any] interface {
	Encode(req *llm.Request, stream bool) (P, error)
}

// Normalize merges override over defaults, validates the result against caps
// and renders it with codec. Validation failures are *llm.ValidationError.
func Normalize[P any](defaults, override *llm.Request, caps llm.Capabilities, codec Codec[P], stream bool) (P, error) {
	var zero P
	req := Merge(defaults, override)
	if err := Validate(req, caps); err != nil {
		return zero, err
	}
	return codec.Encode(Resolve(req), stream)
}

// Merge returns a new request where each field set in override replaces the
// one in defaults. Custom parameters merge key by key. Neither input is
// modified.
func Merge(defaults, override *llm.Request) *llm.Request {
	out := &llm.Request{}
	if defaults != nil {
		*out = cloneRequest(defaults)
	}
	if override == nil {
		return out
	}
	o := cloneRequest(override)
	if o.Model != "" {
		out.Model = o.Model
	}
	if len(o.Messages) > 0 {
		out.Messages = o.Messages
	}
	if o.Sampling.Temperature != nil {
		out.Sampling.Temperature = o.Sampling.Temperature
	}
	if o.Sampling.TopP != nil {
		out.Sampling.TopP = o.Sampling.TopP
	}
	if o.Sampling.TopK != nil {
		out.Sampling.TopK = o.Sampling.TopK
	}
	if o.Sampling.MaxOutputTokens != nil {
		out.Sampling.MaxOutputTokens = o.Sampling.MaxOutputTokens
	}
	if len(o.Sampling.Stop) > 0 {
		out.Sampling.Stop = o.Sampling.Stop
	}
	if len(o.Tools) > 0 {
		out.Tools = o.Tools
	}
	if o.ToolChoice != nil {
		out.ToolChoice = o.ToolChoice
	}
	if o.ResponseFormat != nil {
		out.ResponseFormat = o.ResponseFormat
	}
	if o.Cache != nil {
		out.Cache = o.Cache
	}
	if o.Thinking != nil {
		out.Thinking = o.Thinking
	}
	if len(o.ServerTools) > 0 {
		out.ServerTools = o.ServerTools
	}
	if len(o.Custom) > 0 {
		if out.Custom == nil {
			out.Custom = make(map[string]any, len(o.Custom))
		}
		maps.Copy(out.Custom, o.Custom)
	}
	if o.User != "" {
		out.User = o.User
	}
	return out
}

// Resolve rewrites a REQUIRED tool choice over exactly one tool as a NAMED
// choice of that tool. It returns req unchanged otherwise.
func Resolve(req *llm.Request) *llm.Request {
	if req.ChoiceMode() != llm.ToolChoiceRequired || len(req.Tools) != 1 {
		return req
	}
	out := *req
	out.ToolChoice = &llm.ToolChoice{Mode: llm.ToolChoiceNamed, Name: req.Tools[0].Name}
	return &out
}

// Validate checks req against caps. It never drops a feature: anything the
// provider cannot honor is reported.
func Validate(req *llm.Request, caps llm.Capabilities) error {
	p := caps.Provider
	if req.Model == "" {
		return llm.NewValidationError(p, "model", "model identifier is required")
	}
	if len(req.Messages) == 0 {
		return llm.NewValidationError(p, "messages", "at least one message is required")
	}
	if err := validateMessages(req.Messages, caps); err != nil {
		return err
	}
	if err := validateSampling(req.Sampling, caps); err != nil {
		return err
	}
	if err := validateTools(req, caps); err != nil {
		return err
	}
	if err := validateResponseFormat(req.ResponseFormat, caps); err != nil {
		return err
	}
	if c := req.Cache; c != nil {
		if c.System != llm.CacheNone && !caps.CacheSystem {
			return llm.NewCapabilityError(p, "cache.system")
		}
		if c.Tools != llm.CacheNone && !caps.CacheTools {
			return llm.NewCapabilityError(p, "cache.tools")
		}
		if c.Tools != llm.CacheNone && len(req.Tools) == 0 {
			return llm.NewValidationError(p, "cache.tools", "cache directive set but no tools are defined")
		}
	}
	if th := req.Thinking; th != nil && th.Enabled {
		if !caps.Thinking {
			return llm.NewCapabilityError(p, "thinking")
		}
		if th.BudgetTokens < caps.MinThinkingBudget {
			return llm.NewValidationError(p, "thinking.budget_tokens", "budget %d must be >= %d", th.BudgetTokens, caps.MinThinkingBudget)
		}
		max := req.MaxOutputTokens()
		if max == 0 {
			max = caps.DefaultMaxOutputTokens
		}
		if max > 0 && th.BudgetTokens >= max {
			return llm.NewValidationError(p, "thinking.budget_tokens", "budget %d must be less than max output tokens %d", th.BudgetTokens, max)
		}
		if caps.StrictThinking {
			if err := validateStrictThinking(req, p); err != nil {
				return err
			}
		}
	}
	if len(req.ServerTools) > 0 {
		if !caps.ServerTools {
			return llm.NewCapabilityError(p, "server_tools")
		}
		for i, st := range req.ServerTools {
			if st.Type == "" || st.Name == "" {
				return llm.NewValidationError(p, fmt.Sprintf("server_tools[%d]", i), "type and name are required")
			}
		}
	}
	if len(req.Custom) > 0 && !caps.CustomParams {
		return llm.NewCapabilityError(p, "custom")
	}
	return nil
}

// validateStrictThinking applies the sampling and tool choice restrictions
// of providers that constrain requests with thinking enabled.
func validateStrictThinking(req *llm.Request, p string) error {
	if t := req.Sampling.Temperature; t != nil && *t != 1 {
		return llm.NewValidationError(p, string(llm.ParamTemperature), "must be unset or 1 when thinking is enabled, got %g", *t)
	}
	if req.Sampling.TopK != nil {
		return llm.NewValidationError(p, string(llm.ParamTopK), "cannot be set when thinking is enabled")
	}
	switch req.ChoiceMode() {
	case llm.ToolChoiceRequired, llm.ToolChoiceNamed:
		return llm.NewValidationError(p, "tool_choice", "cannot force a tool when thinking is enabled")
	}
	return nil
}

func validateMessages(msgs []llm.Message, caps llm.Capabilities) error {
	p := caps.Provider
	conversation := 0
	for i, m := range msgs {
		switch m.Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
		case llm.RoleTool:
			if m.ToolCallID == "" {
				return llm.NewValidationError(p, fmt.Sprintf("messages[%d]", i), "tool result requires a tool call id")
			}
			if m.IsError && !caps.ToolResultError {
				return llm.NewCapabilityError(p, fmt.Sprintf("messages[%d].is_error", i))
			}
		default:
			return llm.NewValidationError(p, fmt.Sprintf("messages[%d]", i), "unknown role %q", m.Role)
		}
		if m.Role != llm.RoleSystem {
			conversation++
		}
	}
	if conversation == 0 {
		return llm.NewValidationError(p, "messages", "at least one non-system message is required")
	}
	return nil
}

func validateSampling(s llm.Sampling, caps llm.Capabilities) error {
	p := caps.Provider
	check := func(set bool, param llm.Param) error {
		if set && !caps.Supports(param) {
			return llm.NewCapabilityError(p, string(param))
		}
		return nil
	}
	if err := check(s.Temperature != nil, llm.ParamTemperature); err != nil {
		return err
	}
	if err := check(s.TopP != nil, llm.ParamTopP); err != nil {
		return err
	}
	if err := check(s.TopK != nil, llm.ParamTopK); err != nil {
		return err
	}
	if err := check(s.MaxOutputTokens != nil, llm.ParamMaxOutputTokens); err != nil {
		return err
	}
	if err := check(len(s.Stop) > 0, llm.ParamStop); err != nil {
		return err
	}
	if s.MaxOutputTokens != nil && *s.MaxOutputTokens <= 0 {
		return llm.NewValidationError(p, string(llm.ParamMaxOutputTokens), "must be positive")
	}
	if s.TopP != nil && (*s.TopP < 0 || *s.TopP > 1) {
		return llm.NewValidationError(p, string(llm.ParamTopP), "must be within [0, 1]")
	}
	return nil
}

func validateTools(req *llm.Request, caps llm.Capabilities) error {
	p := caps.Provider
	seen := make(map[string]struct{}, len(req.Tools))
	for i, t := range req.Tools {
		field := fmt.Sprintf("tools[%d]", i)
		if t.Name == "" {
			return llm.NewValidationError(p, field, "name is required")
		}
		if _, ok := seen[t.Name]; ok {
			return llm.NewValidationError(p, field, "duplicate tool name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		if len(t.Parameters) > 0 {
			if err := compileSchema(t.Parameters); err != nil {
				return llm.NewValidationError(p, field+".parameters", "invalid JSON schema: %v", err)
			}
		}
	}
	switch mode := req.ChoiceMode(); mode {
	case llm.ToolChoiceAuto:
	case llm.ToolChoiceNone:
		if !caps.ToolChoiceNone {
			return llm.NewCapabilityError(p, "tool_choice.none")
		}
	case llm.ToolChoiceRequired:
		if len(req.Tools) == 0 {
			return llm.NewValidationError(p, "tool_choice", "required tool choice without tools")
		}
		if len(req.Tools) > 1 && !caps.ForceAny {
			return llm.NewValidationError(p, "tool_choice", "provider can force exactly one tool but %d would need to be forced", len(req.Tools))
		}
	case llm.ToolChoiceNamed:
		name := req.ToolChoice.Name
		if name == "" {
			return llm.NewValidationError(p, "tool_choice", "named tool choice requires a tool name")
		}
		if !req.HasTool(name) {
			return llm.NewValidationError(p, "tool_choice", "tool %q is not declared", name)
		}
	default:
		return llm.NewValidationError(p, "tool_choice", "unknown mode %q", mode)
	}
	return nil
}

func validateResponseFormat(rf *llm.ResponseFormat, caps llm.Capabilities) error {
	p := caps.Provider
	if rf == nil {
		return nil
	}
	switch rf.Kind {
	case "", llm.ResponseFormatText:
		if len(rf.Schema) > 0 {
			return llm.NewValidationError(p, "response_format", "text format does not accept a schema")
		}
		return nil
	case llm.ResponseFormatJSON:
	default:
		return llm.NewValidationError(p, "response_format", "unknown kind %q", rf.Kind)
	}
	if !caps.JSONFormat {
		return llm.NewCapabilityError(p, "response_format.json")
	}
	if len(rf.Schema) == 0 {
		if caps.JSONRequiresSchema {
			return llm.NewValidationError(p, "response_format", "JSON response format requires a schema")
		}
		return nil
	}
	if err := compileSchema(rf.Schema); err != nil {
		return llm.NewValidationError(p, "response_format.schema", "invalid JSON schema: %v", err)
	}
	return nil
}

// compileSchema checks that raw is a valid JSON schema document.
func compileSchema(raw json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return err
	}
	_, err := c.Compile("schema.json")
	return err
}

func cloneRequest(r *llm.Request) llm.Request {
	out := *r
	out.Messages = slices.Clone(r.Messages)
	out.Tools = slices.Clone(r.Tools)
	out.ServerTools = slices.Clone(r.ServerTools)
	out.Sampling.Stop = slices.Clone(r.Sampling.Stop)
	if r.Custom != nil {
		out.Custom = maps.Clone(r.Custom)
	}
	return out
}
