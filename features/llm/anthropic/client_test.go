package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/chat"
	"goa.design/goa-llm/runtime/llm/normalize"
	"goa.design/goa-llm/runtime/llm/retry"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	lastOpts   int
	calls      int
	resp       *sdk.Message
	err        error

	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	s.calls++
	s.lastParams = body
	s.lastOpts = len(opts)
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.calls++
	s.lastParams = body
	s.lastOpts = len(opts)
	if s.stream == nil {
		s.stream = ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{}, s.err)
	}
	return s.stream
}

func newTestClient(t *testing.T, stub *stubMessagesClient) *Client {
	t.Helper()
	c, err := New(stub, Options{})
	require.NoError(t, err)
	return c
}

func encode(t *testing.T, req *llm.Request) *Payload {
	t.Helper()
	c := newTestClient(t, &stubMessagesClient{})
	p, err := normalize.Normalize(nil, req, c.Capabilities(), c, false)
	require.NoError(t, err)
	return p
}

func baseRequest() *llm.Request {
	return &llm.Request{
		Model: "claude-sonnet-4-5",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are terse."},
			{Role: llm.RoleSystem, Content: "Answer in French."},
			{Role: llm.RoleUser, Content: "hello"},
		},
	}
}

func searchTool(name string) llm.ToolSpec {
	return llm.ToolSpec{
		Name:        name,
		Description: "Search the web",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`),
	}
}

func TestEncodeSamplingAndSystem(t *testing.T) {
	req := baseRequest()
	req.Sampling = llm.Sampling{Temperature: llm.Float(0.2), TopK: llm.Int(10), Stop: []string{"END"}}
	req.Cache = &llm.CachePolicy{System: llm.CacheEphemeral}
	req.User = "user-42"

	body := encode(t, req).Body()

	assert.Equal(t, "claude-sonnet-4-5", gjson.GetBytes(body, "model").String())
	assert.EqualValues(t, DefaultMaxTokens, gjson.GetBytes(body, "max_tokens").Int())
	assert.InDelta(t, 0.2, gjson.GetBytes(body, "temperature").Float(), 1e-9)
	assert.EqualValues(t, 10, gjson.GetBytes(body, "top_k").Int())
	assert.Equal(t, "END", gjson.GetBytes(body, "stop_sequences.0").String())
	assert.Equal(t, "user-42", gjson.GetBytes(body, "metadata.user_id").String())
	assert.EqualValues(t, 2, gjson.GetBytes(body, "system.#").Int())
	assert.False(t, gjson.GetBytes(body, "system.0.cache_control").Exists())
	assert.Equal(t, "ephemeral", gjson.GetBytes(body, "system.1.cache_control.type").String())
	assert.False(t, gjson.GetBytes(body, "stream").Exists())
}

func TestEncodeToolsAndChoice(t *testing.T) {
	req := baseRequest()
	req.Tools = []llm.ToolSpec{searchTool("search.web"), searchTool("calc")}
	req.Cache = &llm.CachePolicy{Tools: llm.CacheEphemeral}
	req.ToolChoice = &llm.ToolChoice{Mode: llm.ToolChoiceNamed, Name: "search.web"}

	p := encode(t, req)
	body := p.Body()

	assert.Equal(t, "search_web", gjson.GetBytes(body, "tools.0.name").String())
	assert.Equal(t, "Search the web", gjson.GetBytes(body, "tools.0.description").String())
	assert.Equal(t, "string", gjson.GetBytes(body, "tools.0.input_schema.properties.q.type").String())
	assert.False(t, gjson.GetBytes(body, "tools.0.cache_control").Exists())
	assert.Equal(t, "ephemeral", gjson.GetBytes(body, "tools.1.cache_control.type").String())
	assert.Equal(t, "tool", gjson.GetBytes(body, "tool_choice.type").String())
	assert.Equal(t, "search_web", gjson.GetBytes(body, "tool_choice.name").String())
	assert.Equal(t, "search.web", p.names["search_web"])
}

func TestEncodeRequiredToolChoice(t *testing.T) {
	req := baseRequest()
	req.Tools = []llm.ToolSpec{searchTool("a"), searchTool("b")}
	req.ToolChoice = &llm.ToolChoice{Mode: llm.ToolChoiceRequired}
	assert.Equal(t, "any", gjson.GetBytes(encode(t, req).Body(), "tool_choice.type").String())

	req.Tools = req.Tools[:1]
	body := encode(t, req).Body()
	assert.Equal(t, "tool", gjson.GetBytes(body, "tool_choice.type").String())
	assert.Equal(t, "a", gjson.GetBytes(body, "tool_choice.name").String())
}

func TestEncodeToolNameCollision(t *testing.T) {
	req := baseRequest()
	req.Tools = []llm.ToolSpec{searchTool("a.b"), searchTool("a_b")}
	c := newTestClient(t, &stubMessagesClient{})

	_, err := normalize.Normalize(nil, req, c.Capabilities(), c, false)

	var ve *llm.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "collides")
}

func TestEncodeServerToolsAndCustom(t *testing.T) {
	req := baseRequest()
	req.Tools = []llm.ToolSpec{searchTool("calc")}
	req.ServerTools = []llm.ServerTool{{
		Type:   "web_search_20250305",
		Name:   "web_search",
		Config: map[string]any{"max_uses": 3},
	}}
	req.Custom = map[string]any{"service_tier": "auto"}

	p := encode(t, req)
	body := p.Body()

	assert.EqualValues(t, 2, gjson.GetBytes(body, "tools.#").Int())
	assert.Equal(t, "web_search_20250305", gjson.GetBytes(body, "tools.1.type").String())
	assert.EqualValues(t, 3, gjson.GetBytes(body, "tools.1.max_uses").Int())
	assert.Equal(t, "auto", gjson.GetBytes(body, "service_tier").String())
	assert.Len(t, p.RequestOptions(), 2)
}

func TestEncodeToolTranscript(t *testing.T) {
	req := baseRequest()
	req.Tools = []llm.ToolSpec{searchTool("search.web")}
	req.Messages = append(req.Messages,
		llm.Message{Role: llm.RoleAssistant, Content: "Let me look.", ToolCalls: []llm.ToolCall{
			{ID: "t1", Name: "search.web", Arguments: json.RawMessage(`{"q":"a"}`)},
			{ID: "t2", Name: "search.web", Arguments: json.RawMessage(`{"q":"b"}`)},
		}},
		llm.Message{Role: llm.RoleTool, ToolCallID: "t1", Content: "A"},
		llm.Message{Role: llm.RoleTool, ToolCallID: "t2", Content: "boom", IsError: true},
	)

	body := encode(t, req).Body()

	require.EqualValues(t, 3, gjson.GetBytes(body, "messages.#").Int())
	assert.Equal(t, "assistant", gjson.GetBytes(body, "messages.1.role").String())
	assert.Equal(t, "tool_use", gjson.GetBytes(body, "messages.1.content.1.type").String())
	assert.Equal(t, "search_web", gjson.GetBytes(body, "messages.1.content.1.name").String())
	assert.Equal(t, "a", gjson.GetBytes(body, "messages.1.content.1.input.q").String())
	assert.Equal(t, "user", gjson.GetBytes(body, "messages.2.role").String())
	assert.EqualValues(t, 2, gjson.GetBytes(body, "messages.2.content.#").Int())
	assert.Equal(t, "t2", gjson.GetBytes(body, "messages.2.content.1.tool_use_id").String())
	assert.True(t, gjson.GetBytes(body, "messages.2.content.1.is_error").Bool())
}

func TestEncodeThinking(t *testing.T) {
	req := baseRequest()
	req.Sampling.MaxOutputTokens = llm.Int(8000)
	req.Thinking = &llm.Thinking{Enabled: true, BudgetTokens: 2048}
	body := encode(t, req).Body()
	assert.Equal(t, "enabled", gjson.GetBytes(body, "thinking.type").String())
	assert.EqualValues(t, 2048, gjson.GetBytes(body, "thinking.budget_tokens").Int())
	assert.EqualValues(t, 8000, gjson.GetBytes(body, "max_tokens").Int())
}

func TestThinkingBudgetUsesDefaultMaxTokens(t *testing.T) {
	req := baseRequest()
	req.Thinking = &llm.Thinking{Enabled: true, BudgetTokens: 8000}
	c := newTestClient(t, &stubMessagesClient{})

	_, err := normalize.Normalize(nil, req, c.Capabilities(), c, false)

	var ve *llm.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "thinking.budget_tokens", ve.Field)

	wide, err := New(&stubMessagesClient{}, Options{MaxTokens: 16000})
	require.NoError(t, err)
	p, err := normalize.Normalize(nil, req, wide.Capabilities(), wide, false)
	require.NoError(t, err)
	assert.EqualValues(t, 16000, gjson.GetBytes(p.Body(), "max_tokens").Int())
}

func TestThinkingRejectsIncompatibleSampling(t *testing.T) {
	req := baseRequest()
	req.Sampling.MaxOutputTokens = llm.Int(8000)
	req.Sampling.Temperature = llm.Float(0.2)
	req.Thinking = &llm.Thinking{Enabled: true, BudgetTokens: 2048}
	c := newTestClient(t, &stubMessagesClient{})

	_, err := normalize.Normalize(nil, req, c.Capabilities(), c, false)

	var ve *llm.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "temperature", ve.Field)
}

func TestJSONResponseFormatUnsupported(t *testing.T) {
	req := baseRequest()
	req.ResponseFormat = &llm.ResponseFormat{Kind: llm.ResponseFormatJSON, Schema: json.RawMessage(`{"type":"object"}`)}
	c := newTestClient(t, &stubMessagesClient{})
	_, err := normalize.Normalize(nil, req, c.Capabilities(), c, false)
	require.ErrorIs(t, err, llm.ErrUnsupported)
}

func TestSendDecodesResponse(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		ID:    "msg_1",
		Model: "claude-sonnet-4-5",
		Content: []sdk.ContentBlockUnion{
			{Type: "thinking", Thinking: "hmm"},
			{Type: "text", Text: "Sure. "},
			{Type: "text", Text: "Searching."},
			{Type: "tool_use", ID: "toolu_1", Name: "search_web", Input: json.RawMessage(`{"q":"go"}`)},
		},
		StopReason: sdk.StopReasonToolUse,
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5, CacheReadInputTokens: 7},
	}}
	req := baseRequest()
	req.Tools = []llm.ToolSpec{searchTool("search.web")}

	resp, err := chat.New[*Payload](newTestClient(t, stub), chat.Options{}).Complete(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, "Sure. Searching.", resp.Text)
	assert.Equal(t, "hmm", resp.Reasoning)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "search.web", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"q":"go"}`, string(resp.ToolCalls[0].Arguments))
	assert.Equal(t, llm.FinishToolExecution, resp.FinishReason)
	assert.Equal(t, "tool_use", resp.ProviderFinishReason)
	assert.Equal(t, llm.Usage{InputTokens: 10, OutputTokens: 5, CacheReadTokens: 7}, resp.Usage)
}

func TestSendMalformedToolInput(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "tool_use", ID: "toolu_1", Name: "calc", Input: json.RawMessage(`{"x":`)}},
		StopReason: sdk.StopReasonToolUse,
	}}
	_, err := newTestClient(t, stub).Send(context.Background(), encode(t, baseRequest()))
	var me *llm.MalformedToolCallError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "toolu_1", me.ID)
}

func TestSendClassifiesErrors(t *testing.T) {
	httpReq := httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil)
	cases := []struct {
		name  string
		err   error
		check func(t *testing.T, err error)
	}{
		{"rate limited", &sdk.Error{
			StatusCode: http.StatusTooManyRequests,
			Request:    httpReq,
			Response:   &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{"Request-Id": {"req_1"}}},
		}, func(t *testing.T, err error) {
			he, ok := llm.AsHTTPError(err)
			require.True(t, ok)
			assert.Equal(t, http.StatusTooManyRequests, he.Status)
			assert.Equal(t, "req_1", he.RequestID)
			assert.True(t, llm.IsRateLimited(err))
			assert.False(t, retry.IsRetryable(err))
		}},
		{"overloaded", &sdk.Error{StatusCode: 529, Request: httpReq, Response: &http.Response{StatusCode: 529}}, func(t *testing.T, err error) {
			assert.True(t, retry.IsRetryable(err))
		}},
		{"network", errors.New("dial tcp: connection refused"), func(t *testing.T, err error) {
			var te *llm.TransportError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, "messages.new", te.Operation)
		}},
		{"canceled", context.Canceled, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, context.Canceled)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubMessagesClient{err: tc.err}
			_, err := newTestClient(t, stub).Send(context.Background(), encode(t, baseRequest()))
			tc.check(t, err)
		})
	}
}

func TestOpenReportsRequestErrors(t *testing.T) {
	stub := &stubMessagesClient{err: errors.New("connection reset")}
	_, err := newTestClient(t, stub).Open(context.Background(), encode(t, baseRequest()))
	var te *llm.TransportError
	require.ErrorAs(t, err, &te)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
	_, err = NewSDKClient("", "")
	require.Error(t, err)
}
