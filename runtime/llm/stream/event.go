// Package stream reassembles incremental provider events into one canonical
// response. Provider adapters translate their wire events into the Event
// union defined here and feed them to an Aggregator.
package stream

import "goa.design/goa-llm/runtime/llm"

type (
	// Event is a provider-neutral streaming unit. The set of variants is
	// closed: only types in this package implement it.
	Event interface {
		isEvent()
	}

	// BlockKind identifies the kind of content block opened by BlockStarted.
	BlockKind string

	// Started opens the stream and carries the response id and model when
	// the provider reports them up front.
	Started struct {
		ID    string
		Model string
	}

	// BlockStarted opens a content block. Tool use blocks carry the tool
	// call id and name.
	BlockStarted struct {
		Index    int
		Kind     BlockKind
		ToolID   string
		ToolName string
	}

	// TextDelta appends assistant text.
	TextDelta struct {
		Text string
	}

	// ReasoningDelta appends reasoning text.
	ReasoningDelta struct {
		Text string
	}

	// ToolDelta carries a fragment of a tool call. ID is set when the
	// provider identifies the call; providers that only identify the first
	// fragment leave it empty afterward. Name and Args are partial.
	ToolDelta struct {
		ID   string
		Name string
		Args string
	}

	// BlockStopped closes a content block.
	BlockStopped struct {
		Index int
	}

	// UsageDelta reports token counts to add to the running usage.
	UsageDelta struct {
		Usage llm.Usage
	}

	// Stopped terminates the stream successfully. Reason is the raw
	// provider stop code.
	Stopped struct {
		Reason string
	}

	// ErrorEvent terminates the stream with an error.
	ErrorEvent struct {
		Code    string
		Message string
	}
)

const (
	BlockText      BlockKind = "text"
	BlockToolUse   BlockKind = "tool_use"
	BlockReasoning BlockKind = "reasoning"
)

func (Started) isEvent()        {}
func (BlockStarted) isEvent()   {}
func (TextDelta) isEvent()      {}
func (ReasoningDelta) isEvent() {}
func (ToolDelta) isEvent()      {}
func (BlockStopped) isEvent()   {}
func (UsageDelta) isEvent()     {}
func (Stopped) isEvent()        {}
func (ErrorEvent) isEvent()     {}

// IsTerminal reports whether ev ends the stream.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case Stopped, ErrorEvent:
		return true
	}
	return false
}
