package stream

import "goa.design/goa-llm/runtime/llm"

// FinishTable maps provider stop codes to canonical finish reasons.
type FinishTable map[string]llm.FinishReason

// Map returns the finish reason for code, FinishOther when unknown.
func (t FinishTable) Map(code string) llm.FinishReason {
	if r, ok := t[code]; ok {
		return r
	}
	return llm.FinishOther
}
