package anthropic

import (
	"encoding/json"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/stream"
)

// Finish maps Messages API stop reasons to canonical finish reasons.
var Finish = stream.FinishTable{
	string(sdk.StopReasonEndTurn):      llm.FinishStop,
	string(sdk.StopReasonStopSequence): llm.FinishStop,
	string(sdk.StopReasonMaxTokens):    llm.FinishLength,
	string(sdk.StopReasonToolUse):      llm.FinishToolExecution,
	string(sdk.StopReasonRefusal):      llm.FinishContentFilter,
	"pause_turn":                       llm.FinishOther,
}

// decodeMessage translates a Messages API response. names maps
// provider-visible tool names back to canonical names; unknown names are
// surfaced as-is.
func decodeMessage(msg *sdk.Message, names map[string]string) (*llm.Response, error) {
	if msg == nil {
		return nil, &llm.ProtocolError{Provider: providerName, Reason: "nil response message"}
	}
	var text, reasoning strings.Builder
	resp := &llm.Response{ID: msg.ID, Model: string(msg.Model)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		case "tool_use":
			name := block.Name
			if canonical, ok := names[name]; ok {
				name = canonical
			}
			args := json.RawMessage(strings.TrimSpace(string(block.Input)))
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			if name == "" || !json.Valid(args) {
				return nil, &llm.MalformedToolCallError{
					ID:        block.ID,
					Name:      name,
					Arguments: string(block.Input),
					Cause:     errors.New("invalid tool input"),
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{ID: block.ID, Name: name, Arguments: args})
		}
	}
	resp.Text = text.String()
	resp.Reasoning = reasoning.String()
	resp.Usage = llm.Usage{
		InputTokens:         int(msg.Usage.InputTokens),
		OutputTokens:        int(msg.Usage.OutputTokens),
		CacheCreationTokens: int(msg.Usage.CacheCreationInputTokens),
		CacheReadTokens:     int(msg.Usage.CacheReadInputTokens),
	}
	resp.ProviderFinishReason = string(msg.StopReason)
	resp.FinishReason = Finish.Map(resp.ProviderFinishReason)
	if raw := msg.RawJSON(); raw != "" {
		resp.Raw = json.RawMessage(raw)
	}
	return resp, nil
}
