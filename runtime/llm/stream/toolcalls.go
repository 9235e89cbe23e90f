package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/goa-llm/runtime/llm"
)

// MaxToolArgBytes caps the argument buffer of a single tool call.
const MaxToolArgBytes = 1 << 20

type (
	// ToolCallAccumulator merges tool call fragments keyed by call id and
	// returns them in first-seen key order.
	ToolCallAccumulator struct {
		order []string
		calls map[string]*toolBuffer
	}

	toolBuffer struct {
		name strings.Builder
		args strings.Builder
	}
)

// NewToolCallAccumulator returns an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{calls: make(map[string]*toolBuffer)}
}

// OnFragment records a fragment for key. Name and argument parts are
// appended in arrival order.
func (a *ToolCallAccumulator) OnFragment(key, name, args string) error {
	if key == "" {
		return fmt.Errorf("tool call fragment without key")
	}
	tb, ok := a.calls[key]
	if !ok {
		tb = &toolBuffer{}
		a.calls[key] = tb
		a.order = append(a.order, key)
	}
	if name != "" {
		tb.name.WriteString(name)
	}
	if args != "" {
		if tb.args.Len()+len(args) > MaxToolArgBytes {
			return fmt.Errorf("tool call %q arguments exceed %d bytes", key, MaxToolArgBytes)
		}
		tb.args.WriteString(args)
	}
	return nil
}

// Has reports whether key has been seen.
func (a *ToolCallAccumulator) Has(key string) bool {
	_, ok := a.calls[key]
	return ok
}

// Keys returns the keys in first-seen order.
func (a *ToolCallAccumulator) Keys() []string {
	return append([]string(nil), a.order...)
}

// Len returns the number of tool calls seen.
func (a *ToolCallAccumulator) Len() int { return len(a.order) }

// Finish assembles the tool call for key. It fails with a
// MalformedToolCallError when the call has no name or its arguments are not
// valid JSON. An empty argument buffer yields "{}".
func (a *ToolCallAccumulator) Finish(key string) (llm.ToolCall, error) {
	tb, ok := a.calls[key]
	if !ok {
		return llm.ToolCall{}, fmt.Errorf("unknown tool call %q", key)
	}
	name := tb.name.String()
	raw := strings.TrimSpace(tb.args.String())
	if name == "" {
		return llm.ToolCall{}, &llm.MalformedToolCallError{ID: key, Arguments: raw}
	}
	if raw == "" {
		raw = "{}"
	}
	var probe json.RawMessage
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return llm.ToolCall{}, &llm.MalformedToolCallError{ID: key, Name: name, Arguments: raw, Cause: err}
	}
	return llm.ToolCall{ID: key, Name: name, Arguments: json.RawMessage(raw)}, nil
}

// All finishes every tool call in first-seen order.
func (a *ToolCallAccumulator) All() ([]llm.ToolCall, error) {
	if len(a.order) == 0 {
		return nil, nil
	}
	out := make([]llm.ToolCall, 0, len(a.order))
	for _, key := range a.order {
		tc, err := a.Finish(key)
		if err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, nil
}
