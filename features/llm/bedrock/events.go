package bedrock

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/stream"
)

// eventSource adapts a ConverseStream event stream to stream.Source.
// Converse reports usage in a metadata event that follows messageStop, so
// Stopped is held back until the usage arrives or the stream ends.
type eventSource struct {
	stream *bedrockruntime.ConverseStreamEventStream
	model  string
	names  map[string]string

	pending []stream.Event
	// tools maps content block indexes to tool call ids.
	tools      map[int32]string
	stopReason string
	stopped    bool
	terminated bool
	done       bool

	closeOnce sync.Once
	closeErr  error
}

func newEventSource(s *bedrockruntime.ConverseStreamEventStream, model string, names map[string]string) *eventSource {
	return &eventSource{stream: s, model: model, names: names, tools: make(map[int32]string)}
}

func (s *eventSource) Next(ctx context.Context) (stream.Event, error) {
	for len(s.pending) == 0 {
		if s.done {
			return nil, io.EOF
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-s.stream.Events():
			if !ok {
				s.done = true
				if err := s.stream.Err(); err != nil {
					if ev, ok := errorEventOf(err); ok {
						return ev, nil
					}
					return nil, &llm.TransportError{Provider: providerName, Operation: "converse_stream", Cause: err}
				}
				s.terminate()
				continue
			}
			if err := s.translate(event); err != nil {
				return nil, err
			}
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

// terminate emits the held back Stopped event once.
func (s *eventSource) terminate() {
	if s.stopped && !s.terminated {
		s.terminated = true
		s.emit(stream.Stopped{Reason: s.stopReason})
	}
}

func (s *eventSource) translate(event brtypes.ConverseStreamOutput) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		s.emit(stream.Started{Model: s.model})
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		if tu, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			var id, name string
			if tu.Value.ToolUseId != nil {
				id = *tu.Value.ToolUseId
			}
			if tu.Value.Name != nil {
				name = canonicalName(*tu.Value.Name, s.names)
			}
			s.tools[idx] = id
			s.emit(stream.BlockStarted{Index: int(idx), Kind: stream.BlockToolUse, ToolID: id, ToolName: name})
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			s.emit(stream.TextDelta{Text: delta.Value})
		case *brtypes.ContentBlockDeltaMemberToolUse:
			id, ok := s.tools[idx]
			if !ok {
				return &llm.ProtocolError{Provider: providerName, Reason: "tool use delta outside a tool use block"}
			}
			if delta.Value.Input != nil {
				s.emit(stream.ToolDelta{ID: id, Args: *delta.Value.Input})
			}
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			if rt, ok := delta.Value.(*brtypes.ReasoningContentBlockDeltaMemberText); ok {
				s.emit(stream.ReasoningDelta{Text: rt.Value})
			}
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		s.emit(stream.BlockStopped{Index: int(idx)})
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		s.stopReason = string(ev.Value.StopReason)
		s.stopped = true
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if u := ev.Value.Usage; u != nil {
			s.emit(stream.UsageDelta{Usage: llm.Usage{
				InputTokens:         int(aws32(u.InputTokens)),
				OutputTokens:        int(aws32(u.OutputTokens)),
				CacheCreationTokens: int(aws32(u.CacheWriteInputTokens)),
				CacheReadTokens:     int(aws32(u.CacheReadInputTokens)),
			}})
		}
		s.terminate()
	}
	return nil
}

// errorEventOf converts a modeled stream exception (throttling, model stream
// errors, validation...) reported after the stream ended into an ErrorEvent.
func errorEventOf(err error) (stream.ErrorEvent, bool) {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return stream.ErrorEvent{}, false
	}
	return stream.ErrorEvent{Code: apiErr.ErrorCode(), Message: apiErr.ErrorMessage()}, true
}

func contentIndex(idx *int32) (int32, error) {
	if idx == nil {
		return 0, &llm.ProtocolError{Provider: providerName, Reason: "content block index missing"}
	}
	return *idx, nil
}
