package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/stream"
)

// streamErrorPrefix prefixes the error the SDK stream reports when a chunk
// carries an "error" object.
const streamErrorPrefix = "received error while streaming: "

type (
	wireChunk struct {
		ID      string            `json:"id"`
		Model   string            `json:"model"`
		Choices []wireChunkChoice `json:"choices"`
		Usage   *wireUsage        `json:"usage"`
	}

	wireChunkChoice struct {
		Index int `json:"index"`
		Delta struct {
			Content          string          `json:"content"`
			ReasoningContent string          `json:"reasoning_content"`
			ToolCalls        []wireToolDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	}

	// wireToolDelta is one indexed tool call fragment. ID and name are only
	// sent with the first fragment of each call.
	wireToolDelta struct {
		Index    int          `json:"index"`
		ID       string       `json:"id"`
		Function wireFunction `json:"function"`
	}

	// eventSource adapts a Chat Completions SSE stream to stream.Source.
	// The API signals the end of the stream with [DONE] rather than a stop
	// event so Stopped is emitted once the SDK stream is exhausted, after
	// the trailing usage chunk.
	eventSource struct {
		provider string
		stream   *ssestream.Stream[wireChunk]
		names    map[string]string

		pending []stream.Event
		// tools maps tool call indexes to tool call ids.
		tools   map[int]string
		started bool
		finish  string
		done    bool

		closeOnce sync.Once
		closeErr  error
	}
)

// UnmarshalJSON decodes into a fresh value so fields absent from a chunk
// never carry over from the previous one.
func (c *wireChunk) UnmarshalJSON(data []byte) error {
	type plain wireChunk
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = wireChunk(p)
	return nil
}

func newEventSource(provider string, s *ssestream.Stream[wireChunk], names map[string]string) *eventSource {
	return &eventSource{provider: provider, stream: s, names: names, tools: make(map[int]string)}
}

func (s *eventSource) Next(ctx context.Context) (stream.Event, error) {
	for len(s.pending) == 0 {
		if s.done {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.stream.Next() {
			s.done = true
			err := s.stream.Err()
			if err == nil {
				if s.finish != "" {
					s.emit(stream.Stopped{Reason: s.finish})
				}
				continue
			}
			if ev, ok := errorEventOf(err); ok {
				return ev, nil
			}
			return nil, readError(s.provider, err)
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

func (s *eventSource) translate(chunk wireChunk) error {
	// Azure prefixes the stream with an anonymous prompt filter chunk.
	if !s.started && chunk.ID != "" {
		s.started = true
		s.emit(stream.Started{ID: chunk.ID, Model: chunk.Model})
	}
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			return &llm.ProtocolError{Provider: s.provider, Reason: "unexpected choice index in chunk"}
		}
		d := choice.Delta
		if d.ReasoningContent != "" {
			s.emit(stream.ReasoningDelta{Text: d.ReasoningContent})
		}
		if d.Content != "" {
			s.emit(stream.TextDelta{Text: d.Content})
		}
		for _, tc := range d.ToolCalls {
			s.translateTool(tc)
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			s.finish = *choice.FinishReason
		}
	}
	if chunk.Usage != nil {
		s.emit(stream.UsageDelta{Usage: chunk.Usage.usage()})
	}
	return nil
}

func (s *eventSource) translateTool(tc wireToolDelta) {
	name := tc.Function.Name
	if canonical, ok := s.names[name]; ok {
		name = canonical
	}
	if tc.ID != "" {
		s.tools[tc.Index] = tc.ID
		s.emit(stream.BlockStarted{Index: tc.Index, Kind: stream.BlockToolUse, ToolID: tc.ID, ToolName: name})
		if tc.Function.Arguments != "" {
			s.emit(stream.ToolDelta{ID: tc.ID, Args: tc.Function.Arguments})
		}
		return
	}
	// Continuation fragments carry the index only. An unknown index is left
	// to the aggregator, which falls back to the current call.
	s.emit(stream.ToolDelta{ID: s.tools[tc.Index], Name: name, Args: tc.Function.Arguments})
}

// errorEventOf extracts the error object the SDK reports as a stream error.
func errorEventOf(err error) (stream.ErrorEvent, bool) {
	data, ok := strings.CutPrefix(err.Error(), streamErrorPrefix)
	if !ok {
		return stream.ErrorEvent{}, false
	}
	var body struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	}
	if json.Unmarshal([]byte(data), &body) != nil || (body.Message == "" && body.Type == "") {
		return stream.ErrorEvent{}, false
	}
	code := body.Type
	if c, ok := body.Code.(string); ok && c != "" {
		code = c
	}
	return stream.ErrorEvent{Code: code, Message: body.Message}, true
}

func readError(provider string, err error) error {
	if strings.HasPrefix(err.Error(), streamErrorPrefix) {
		return &llm.ProtocolError{Provider: provider, Reason: "undecodable error chunk", Cause: err}
	}
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		return &llm.ProtocolError{Provider: provider, Reason: "undecodable chunk", Cause: err}
	}
	return err
}
