package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/stream"
)

// streamErrorPrefix prefixes the error the SDK stream reports when the
// server sends an SSE "error" event.
const streamErrorPrefix = "received error while streaming: "

// eventSource adapts a Messages SSE stream to stream.Source. One SDK event
// may translate to several canonical events, which are queued.
type eventSource struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	names  map[string]string

	pending []stream.Event
	// tools maps content block indexes to tool call ids.
	tools      map[int64]string
	stopReason string

	closeOnce sync.Once
	closeErr  error
}

func newEventSource(s *ssestream.Stream[sdk.MessageStreamEventUnion], names map[string]string) *eventSource {
	return &eventSource{stream: s, names: names, tools: make(map[int64]string)}
}

func (s *eventSource) Next(ctx context.Context) (stream.Event, error) {
	for len(s.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.stream.Next() {
			err := s.stream.Err()
			if err == nil {
				return nil, io.EOF
			}
			if ev, ok := errorEventOf(err); ok {
				return ev, nil
			}
			return nil, readError(err)
		}
		if err := s.translate(s.stream.Current()); err != nil {
			return nil, err
		}
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

func (s *eventSource) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.stream.Close() })
	return s.closeErr
}

func (s *eventSource) emit(evs ...stream.Event) {
	s.pending = append(s.pending, evs...)
}

func (s *eventSource) translate(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		s.emit(stream.Started{ID: ev.Message.ID, Model: string(ev.Message.Model)})
		// Output tokens are reported cumulatively by message_delta; only the
		// input side is taken from message_start so the sum stays exact.
		u := ev.Message.Usage
		s.emit(stream.UsageDelta{Usage: llm.Usage{
			InputTokens:         int(u.InputTokens),
			CacheCreationTokens: int(u.CacheCreationInputTokens),
			CacheReadTokens:     int(u.CacheReadInputTokens),
		}})
	case sdk.ContentBlockStartEvent:
		switch block := ev.ContentBlock.AsAny().(type) {
		case sdk.ToolUseBlock:
			name := block.Name
			if canonical, ok := s.names[name]; ok {
				name = canonical
			}
			s.tools[ev.Index] = block.ID
			s.emit(stream.BlockStarted{Index: int(ev.Index), Kind: stream.BlockToolUse, ToolID: block.ID, ToolName: name})
		case sdk.TextBlock:
			s.emit(stream.BlockStarted{Index: int(ev.Index), Kind: stream.BlockText})
			if block.Text != "" {
				s.emit(stream.TextDelta{Text: block.Text})
			}
		case sdk.ThinkingBlock:
			s.emit(stream.BlockStarted{Index: int(ev.Index), Kind: stream.BlockReasoning})
		}
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			s.emit(stream.TextDelta{Text: delta.Text})
		case sdk.InputJSONDelta:
			id, ok := s.tools[ev.Index]
			if !ok {
				return &llm.ProtocolError{Provider: providerName, Reason: "input_json_delta outside a tool_use block"}
			}
			s.emit(stream.ToolDelta{ID: id, Args: delta.PartialJSON})
		case sdk.ThinkingDelta:
			s.emit(stream.ReasoningDelta{Text: delta.Thinking})
		}
	case sdk.ContentBlockStopEvent:
		s.emit(stream.BlockStopped{Index: int(ev.Index)})
	case sdk.MessageDeltaEvent:
		s.stopReason = string(ev.Delta.StopReason)
		s.emit(stream.UsageDelta{Usage: llm.Usage{OutputTokens: int(ev.Usage.OutputTokens)}})
	case sdk.MessageStopEvent:
		s.emit(stream.Stopped{Reason: s.stopReason})
	}
	return nil
}

// errorEventOf extracts the SSE error event the SDK reports as an error.
func errorEventOf(err error) (stream.ErrorEvent, bool) {
	data, ok := strings.CutPrefix(err.Error(), streamErrorPrefix)
	if !ok {
		return stream.ErrorEvent{}, false
	}
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(data), &body) != nil || body.Error.Type == "" {
		return stream.ErrorEvent{}, false
	}
	return stream.ErrorEvent{Code: body.Error.Type, Message: body.Error.Message}, true
}

func readError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return classify("stream", err)
	}
	if strings.HasPrefix(err.Error(), streamErrorPrefix) {
		return &llm.ProtocolError{Provider: providerName, Reason: "undecodable error event", Cause: err}
	}
	return err
}
