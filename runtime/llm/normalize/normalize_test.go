package normalize_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/normalize"
)

type recordingCodec struct {
	calls int
	last  *llm.Request
}

func (c *recordingCodec) Encode(req *llm.Request, stream bool) (*llm.Payload, error) {
	c.calls++
	c.last = req
	body, err := json.Marshal(map[string]any{"model": req.Model})
	if err != nil {
		return nil, err
	}
	return llm.NewPayload("test", req.Model, stream, body), nil
}

var fullCaps = llm.Capabilities{
	Provider:          "test",
	Params:            []llm.Param{llm.ParamTemperature, llm.ParamTopP, llm.ParamTopK, llm.ParamMaxOutputTokens, llm.ParamStop},
	ForceAny:          true,
	ToolChoiceNone:    true,
	JSONFormat:        true,
	CacheSystem:       true,
	CacheTools:        true,
	Thinking:          true,
	MinThinkingBudget: 1024,
	ServerTools:       true,
	CustomParams:      true,
	ToolResultError:   true,
}

func userRequest() *llm.Request {
	return &llm.Request{
		Model:    "m",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}
}

func tool(name string) llm.ToolSpec {
	return llm.ToolSpec{Name: name, Parameters: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)}
}

func TestMergeOverrideWins(t *testing.T) {
	defaults := &llm.Request{
		Model:    "default-model",
		Sampling: llm.Sampling{Temperature: llm.Float(0.2), MaxOutputTokens: llm.Int(100)},
		Custom:   map[string]any{"a": 1, "b": 2},
	}
	override := &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Sampling: llm.Sampling{Temperature: llm.Float(0.9)},
		Custom:   map[string]any{"b": 3},
	}

	got := normalize.Merge(defaults, override)

	assert.Equal(t, "default-model", got.Model)
	assert.Equal(t, 0.9, *got.Sampling.Temperature)
	assert.Equal(t, 100, *got.Sampling.MaxOutputTokens)
	assert.Equal(t, map[string]any{"a": 1, "b": 3}, got.Custom)
	assert.Len(t, got.Messages, 1)
	// Inputs are untouched.
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, defaults.Custom)
	assert.Nil(t, defaults.Messages)
}

func TestMergeNilInputs(t *testing.T) {
	got := normalize.Merge(nil, nil)
	require.NotNil(t, got)
	assert.Empty(t, got.Model)

	req := userRequest()
	got = normalize.Merge(nil, req)
	assert.Equal(t, req.Model, got.Model)
	got.Messages[0].Content = "changed"
	assert.Equal(t, "hi", req.Messages[0].Content)
}

func TestNormalizeValidRequest(t *testing.T) {
	codec := &recordingCodec{}
	p, err := normalize.Normalize(nil, userRequest(), fullCaps, codec, true)
	require.NoError(t, err)
	assert.Equal(t, 1, codec.calls)
	assert.True(t, p.Stream())
	assert.JSONEq(t, `{"model":"m"}`, string(p.Body()))
}

func TestNormalizeRejectsBeforeEncoding(t *testing.T) {
	codec := &recordingCodec{}
	req := userRequest()
	req.Sampling.TopK = llm.Int(5)
	caps := fullCaps
	caps.Params = []llm.Param{llm.ParamTemperature}

	_, err := normalize.Normalize(nil, req, caps, codec, false)

	require.ErrorIs(t, err, llm.ErrUnsupported)
	var ve *llm.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "top_k", ve.Field)
	assert.Zero(t, codec.calls)
}

func TestResolveSingleRequiredTool(t *testing.T) {
	codec := &recordingCodec{}
	req := userRequest()
	req.Tools = []llm.ToolSpec{tool("search")}
	req.ToolChoice = &llm.ToolChoice{Mode: llm.ToolChoiceRequired}
	caps := fullCaps
	caps.ForceAny = false

	_, err := normalize.Normalize(nil, req, caps, codec, false)

	require.NoError(t, err)
	require.NotNil(t, codec.last.ToolChoice)
	assert.Equal(t, llm.ToolChoiceNamed, codec.last.ToolChoice.Mode)
	assert.Equal(t, "search", codec.last.ToolChoice.Name)
	assert.Equal(t, llm.ToolChoiceRequired, req.ToolChoice.Mode)
}

func TestResolveLeavesOtherChoices(t *testing.T) {
	req := userRequest()
	req.Tools = []llm.ToolSpec{tool("a"), tool("b")}
	req.ToolChoice = &llm.ToolChoice{Mode: llm.ToolChoiceRequired}
	assert.Same(t, req, normalize.Resolve(req))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name        string
		mutate      func(*llm.Request, *llm.Capabilities)
		field       string
		unsupported bool
	}{
		{"missing model", func(r *llm.Request, _ *llm.Capabilities) { r.Model = "" }, "model", false},
		{"no messages", func(r *llm.Request, _ *llm.Capabilities) { r.Messages = nil }, "messages", false},
		{"system only", func(r *llm.Request, _ *llm.Capabilities) {
			r.Messages = []llm.Message{{Role: llm.RoleSystem, Content: "be nice"}}
		}, "messages", false},
		{"unknown role", func(r *llm.Request, _ *llm.Capabilities) {
			r.Messages = append(r.Messages, llm.Message{Role: "robot"})
		}, "messages[1]", false},
		{"tool result without id", func(r *llm.Request, _ *llm.Capabilities) {
			r.Messages = append(r.Messages, llm.Message{Role: llm.RoleTool, Content: "42"})
		}, "messages[1]", false},
		{"temperature unsupported", func(r *llm.Request, c *llm.Capabilities) {
			r.Sampling.Temperature = llm.Float(1)
			c.Params = nil
		}, "temperature", true},
		{"stop unsupported", func(r *llm.Request, c *llm.Capabilities) {
			r.Sampling.Stop = []string{"END"}
			c.Params = []llm.Param{llm.ParamTemperature}
		}, "stop", true},
		{"max tokens not positive", func(r *llm.Request, _ *llm.Capabilities) {
			r.Sampling.MaxOutputTokens = llm.Int(0)
		}, "max_output_tokens", false},
		{"top_p out of range", func(r *llm.Request, _ *llm.Capabilities) {
			r.Sampling.TopP = llm.Float(1.5)
		}, "top_p", false},
		{"tool without name", func(r *llm.Request, _ *llm.Capabilities) {
			r.Tools = []llm.ToolSpec{{}}
		}, "tools[0]", false},
		{"duplicate tool", func(r *llm.Request, _ *llm.Capabilities) {
			r.Tools = []llm.ToolSpec{tool("a"), tool("a")}
		}, "tools[1]", false},
		{"invalid tool schema", func(r *llm.Request, _ *llm.Capabilities) {
			r.Tools = []llm.ToolSpec{{Name: "a", Parameters: json.RawMessage(`{"type":"banana"}`)}}
		}, "tools[0].parameters", false},
		{"tool schema not json", func(r *llm.Request, _ *llm.Capabilities) {
			r.Tools = []llm.ToolSpec{{Name: "a", Parameters: json.RawMessage(`{`)}}
		}, "tools[0].parameters", false},
		{"none unsupported", func(r *llm.Request, c *llm.Capabilities) {
			r.ToolChoice = &llm.ToolChoice{Mode: llm.ToolChoiceNone}
			c.ToolChoiceNone = false
		}, "tool_choice.none", true},
		{"required without tools", func(r *llm.Request, _ *llm.Capabilities) {
			r.ToolChoice = &llm.ToolChoice{Mode: llm.ToolChoiceRequired}
		}, "tool_choice", false},
		{"required over many tools without force any", func(r *llm.Request, c *llm.Capabilities) {
			r.Tools = []llm.ToolSpec{tool("a"), tool("b")}
			r.ToolChoice = &llm.ToolChoice{Mode: llm.ToolChoiceRequired}
			c.ForceAny = false
		}, "tool_choice", false},
		{"named undeclared", func(r *llm.Request, _ *llm.Capabilities) {
			r.Tools = []llm.ToolSpec{tool("a")}
			r.ToolChoice = &llm.ToolChoice{Mode: llm.ToolChoiceNamed, Name: "b"}
		}, "tool_choice", false},
		{"named without name", func(r *llm.Request, _ *llm.Capabilities) {
			r.Tools = []llm.ToolSpec{tool("a")}
			r.ToolChoice = &llm.ToolChoice{Mode: llm.ToolChoiceNamed}
		}, "tool_choice", false},
		{"unknown choice", func(r *llm.Request, _ *llm.Capabilities) {
			r.ToolChoice = &llm.ToolChoice{Mode: "sometimes"}
		}, "tool_choice", false},
		{"json unsupported", func(r *llm.Request, c *llm.Capabilities) {
			r.ResponseFormat = &llm.ResponseFormat{Kind: llm.ResponseFormatJSON}
			c.JSONFormat = false
		}, "response_format.json", true},
		{"json requires schema", func(r *llm.Request, c *llm.Capabilities) {
			r.ResponseFormat = &llm.ResponseFormat{Kind: llm.ResponseFormatJSON}
			c.JSONRequiresSchema = true
		}, "response_format", false},
		{"text with schema", func(r *llm.Request, _ *llm.Capabilities) {
			r.ResponseFormat = &llm.ResponseFormat{Kind: llm.ResponseFormatText, Schema: json.RawMessage(`{}`)}
		}, "response_format", false},
		{"invalid response schema", func(r *llm.Request, _ *llm.Capabilities) {
			r.ResponseFormat = &llm.ResponseFormat{Kind: llm.ResponseFormatJSON, Schema: json.RawMessage(`{"type":3}`)}
		}, "response_format.schema", false},
		{"system cache unsupported", func(r *llm.Request, c *llm.Capabilities) {
			r.Cache = &llm.CachePolicy{System: llm.CacheEphemeral}
			c.CacheSystem = false
		}, "cache.system", true},
		{"tools cache unsupported", func(r *llm.Request, c *llm.Capabilities) {
			r.Tools = []llm.ToolSpec{tool("a")}
			r.Cache = &llm.CachePolicy{Tools: llm.CacheEphemeral}
			c.CacheTools = false
		}, "cache.tools", true},
		{"tools cache without tools", func(r *llm.Request, _ *llm.Capabilities) {
			r.Cache = &llm.CachePolicy{Tools: llm.CacheEphemeral}
		}, "cache.tools", false},
		{"thinking unsupported", func(r *llm.Request, c *llm.Capabilities) {
			r.Thinking = &llm.Thinking{Enabled: true, BudgetTokens: 2048}
			c.Thinking = false
		}, "thinking", true},
		{"thinking budget too small", func(r *llm.Request, _ *llm.Capabilities) {
			r.Thinking = &llm.Thinking{Enabled: true, BudgetTokens: 10}
		}, "thinking.budget_tokens", false},
		{"thinking budget above max tokens", func(r *llm.Request, _ *llm.Capabilities) {
			r.Thinking = &llm.Thinking{Enabled: true, BudgetTokens: 4096}
			r.Sampling.MaxOutputTokens = llm.Int(2048)
		}, "thinking.budget_tokens", false},
		{"thinking budget above default max tokens", func(r *llm.Request, c *llm.Capabilities) {
			r.Thinking = &llm.Thinking{Enabled: true, BudgetTokens: 8000}
			c.DefaultMaxOutputTokens = 4096
		}, "thinking.budget_tokens", false},
		{"thinking with temperature", func(r *llm.Request, c *llm.Capabilities) {
			r.Thinking = &llm.Thinking{Enabled: true, BudgetTokens: 2048}
			r.Sampling.Temperature = llm.Float(0.2)
			c.StrictThinking = true
		}, "temperature", false},
		{"thinking with top_k", func(r *llm.Request, c *llm.Capabilities) {
			r.Thinking = &llm.Thinking{Enabled: true, BudgetTokens: 2048}
			r.Sampling.TopK = llm.Int(40)
			c.StrictThinking = true
		}, "top_k", false},
		{"thinking with required tool", func(r *llm.Request, c *llm.Capabilities) {
			r.Thinking = &llm.Thinking{Enabled: true, BudgetTokens: 2048}
			r.Tools = []llm.ToolSpec{tool("a"), tool("b")}
			r.ToolChoice = &llm.ToolChoice{Mode: llm.ToolChoiceRequired}
			c.StrictThinking = true
		}, "tool_choice", false},
		{"thinking with named tool", func(r *llm.Request, c *llm.Capabilities) {
			r.Thinking = &llm.Thinking{Enabled: true, BudgetTokens: 2048}
			r.Tools = []llm.ToolSpec{tool("a")}
			r.ToolChoice = &llm.ToolChoice{Mode: llm.ToolChoiceNamed, Name: "a"}
			c.StrictThinking = true
		}, "tool_choice", false},
		{"tool error unsupported", func(r *llm.Request, c *llm.Capabilities) {
			r.Messages = append(r.Messages, llm.Message{Role: llm.RoleTool, ToolCallID: "t1", Content: "boom", IsError: true})
			c.ToolResultError = false
		}, "messages[1].is_error", true},
		{"server tools unsupported", func(r *llm.Request, c *llm.Capabilities) {
			r.ServerTools = []llm.ServerTool{{Type: "web_search_20250305", Name: "web_search"}}
			c.ServerTools = false
		}, "server_tools", true},
		{"server tool without type", func(r *llm.Request, _ *llm.Capabilities) {
			r.ServerTools = []llm.ServerTool{{Name: "web_search"}}
		}, "server_tools[0]", false},
		{"custom unsupported", func(r *llm.Request, c *llm.Capabilities) {
			r.Custom = map[string]any{"metadata": map[string]any{}}
			c.CustomParams = false
		}, "custom", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := userRequest()
			caps := fullCaps
			tc.mutate(req, &caps)

			err := normalize.Validate(req, caps)

			var ve *llm.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
			assert.Equal(t, "test", ve.Provider)
			assert.Equal(t, tc.unsupported, ve.Unsupported)
		})
	}
}

func TestValidateAcceptsFullFeatureRequest(t *testing.T) {
	req := userRequest()
	req.Messages = append([]llm.Message{{Role: llm.RoleSystem, Content: "sys"}}, req.Messages...)
	req.Messages = append(req.Messages,
		llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "t1", Name: "a", Arguments: json.RawMessage(`{}`)}}},
		llm.Message{Role: llm.RoleTool, ToolCallID: "t1", Content: "ok"},
	)
	req.Sampling = llm.Sampling{
		Temperature:     llm.Float(0.5),
		TopP:            llm.Float(0.9),
		TopK:            llm.Int(40),
		MaxOutputTokens: llm.Int(4096),
		Stop:            []string{"END"},
	}
	req.Tools = []llm.ToolSpec{tool("a"), tool("b")}
	req.ToolChoice = &llm.ToolChoice{Mode: llm.ToolChoiceRequired}
	req.ResponseFormat = &llm.ResponseFormat{Kind: llm.ResponseFormatJSON, Schema: json.RawMessage(`{"type":"object"}`)}
	req.Cache = &llm.CachePolicy{System: llm.CacheEphemeral, Tools: llm.CacheEphemeral}
	req.Thinking = &llm.Thinking{Enabled: true, BudgetTokens: 1024}
	req.ServerTools = []llm.ServerTool{{Type: "web_search_20250305", Name: "web_search"}}
	req.Custom = map[string]any{"metadata": map[string]any{"user_id": "u"}}

	require.NoError(t, normalize.Validate(req, fullCaps))
}

func TestValidateStrictThinkingAccepts(t *testing.T) {
	req := userRequest()
	req.Thinking = &llm.Thinking{Enabled: true, BudgetTokens: 2048}
	req.Sampling.Temperature = llm.Float(1)
	req.Tools = []llm.ToolSpec{tool("a")}
	req.ToolChoice = &llm.ToolChoice{Mode: llm.ToolChoiceAuto}
	caps := fullCaps
	caps.StrictThinking = true
	caps.DefaultMaxOutputTokens = 4096

	require.NoError(t, normalize.Validate(req, caps))

	req.Sampling.MaxOutputTokens = llm.Int(16000)
	req.Thinking.BudgetTokens = 8000
	require.NoError(t, normalize.Validate(req, caps))
}

func TestValidateIgnoresDisabledThinking(t *testing.T) {
	req := userRequest()
	req.Thinking = &llm.Thinking{Enabled: false, BudgetTokens: 1}
	caps := fullCaps
	caps.Thinking = false
	require.NoError(t, normalize.Validate(req, caps))
}

func TestToolNames(t *testing.T) {
	long := strings.Repeat("x", 80)
	fwd, rev, err := normalize.ToolNames("test", []llm.ToolSpec{{Name: "search.web"}, {Name: "calc"}, {Name: long}})
	require.NoError(t, err)
	assert.Equal(t, "search_web", fwd["search.web"])
	assert.Equal(t, "calc", fwd["calc"])
	assert.Len(t, fwd[long], normalize.MaxToolName)
	assert.Equal(t, "search.web", rev["search_web"])

	_, _, err = normalize.ToolNames("test", []llm.ToolSpec{{Name: "a.b"}, {Name: "a b"}})
	var ve *llm.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "tools[1]", ve.Field)

	fwd, rev, err = normalize.ToolNames("test", nil)
	require.NoError(t, err)
	assert.Nil(t, fwd)
	assert.Nil(t, rev)
}
