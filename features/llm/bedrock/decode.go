package bedrock

import (
	"encoding/json"
	"errors"
	"strings"

	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/stream"
)

// Finish maps Converse stop reasons to canonical finish reasons.
var Finish = stream.FinishTable{
	string(brtypes.StopReasonEndTurn):             llm.FinishStop,
	string(brtypes.StopReasonStopSequence):        llm.FinishStop,
	string(brtypes.StopReasonMaxTokens):           llm.FinishLength,
	string(brtypes.StopReasonToolUse):             llm.FinishToolExecution,
	string(brtypes.StopReasonContentFiltered):     llm.FinishContentFilter,
	string(brtypes.StopReasonGuardrailIntervened): llm.FinishContentFilter,
	"model_context_window_exceeded":               llm.FinishLength,
}

// decodeOutput translates a Converse response. Converse does not return a
// response id, the request id of the call is used instead.
func decodeOutput(out *bedrockruntime.ConverseOutput, model string, names map[string]string) (*llm.Response, error) {
	if out == nil {
		return nil, &llm.ProtocolError{Provider: providerName, Reason: "nil converse output"}
	}
	resp := &llm.Response{Model: model}
	if id, ok := awsmiddleware.GetRequestIDMetadata(out.ResultMetadata); ok {
		resp.ID = id
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, &llm.ProtocolError{Provider: providerName, Reason: "converse output carries no message"}
	}
	var text, reasoning strings.Builder
	for _, block := range msg.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			text.WriteString(v.Value)
		case *brtypes.ContentBlockMemberReasoningContent:
			if rt, ok := v.Value.(*brtypes.ReasoningContentBlockMemberReasoningText); ok && rt.Value.Text != nil {
				reasoning.WriteString(*rt.Value.Text)
			}
		case *brtypes.ContentBlockMemberToolUse:
			call, err := decodeToolUse(v.Value, names)
			if err != nil {
				return nil, err
			}
			resp.ToolCalls = append(resp.ToolCalls, call)
		}
	}
	resp.Text = text.String()
	resp.Reasoning = reasoning.String()
	if u := out.Usage; u != nil {
		resp.Usage = llm.Usage{
			InputTokens:         int(aws32(u.InputTokens)),
			OutputTokens:        int(aws32(u.OutputTokens)),
			CacheCreationTokens: int(aws32(u.CacheWriteInputTokens)),
			CacheReadTokens:     int(aws32(u.CacheReadInputTokens)),
		}
	}
	resp.ProviderFinishReason = string(out.StopReason)
	resp.FinishReason = Finish.Map(resp.ProviderFinishReason)
	return resp, nil
}

func decodeToolUse(block brtypes.ToolUseBlock, names map[string]string) (llm.ToolCall, error) {
	var id, name string
	if block.ToolUseId != nil {
		id = *block.ToolUseId
	}
	if block.Name != nil {
		name = canonicalName(*block.Name, names)
	}
	args, err := documentJSON(block.Input)
	if err == nil && name == "" {
		err = errors.New("tool use without name")
	}
	if err != nil {
		return llm.ToolCall{}, &llm.MalformedToolCallError{ID: id, Name: name, Arguments: string(args), Cause: err}
	}
	return llm.ToolCall{ID: id, Name: name, Arguments: args}, nil
}

// documentJSON renders a smithy document as JSON. A missing document is an
// empty object.
func documentJSON(doc document.Interface) (json.RawMessage, error) {
	if doc == nil {
		return json.RawMessage(`{}`), nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil {
		return nil, err
	}
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 || string(data) == "null" {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(data) {
		return data, errors.New("invalid tool input document")
	}
	return data, nil
}

// canonicalName maps a provider tool name back to its canonical form. Some
// models prefix tool names with "$FUNCTIONS."; unknown names are surfaced
// as-is.
func canonicalName(name string, names map[string]string) string {
	name = strings.TrimPrefix(name, "$FUNCTIONS.")
	if canonical, ok := names[name]; ok {
		return canonical
	}
	return name
}

func aws32(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}
