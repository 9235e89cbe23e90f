package normalize

import (
	"fmt"

	"goa.design/goa-llm/runtime/llm"
)

// MaxToolName is the longest tool name accepted by the providers.
const MaxToolName = 64

// ToolNames maps canonical tool names to the [A-Za-z0-9_-]{1,64} form the
// provider APIs accept. It returns the forward map and the reverse map used
// to decode tool calls. Two tools that sanitize to the same name are a
// ValidationError.
func ToolNames(provider string, tools []llm.ToolSpec) (map[string]string, map[string]string, error) {
	if len(tools) == 0 {
		return nil, nil, nil
	}
	forward := make(map[string]string, len(tools))
	reverse := make(map[string]string, len(tools))
	for i, t := range tools {
		sanitized := SanitizeToolName(t.Name)
		if prev, ok := reverse[sanitized]; ok {
			return nil, nil, llm.NewValidationError(provider, fmt.Sprintf("tools[%d]", i),
				"tool name %q sanitizes to %q which collides with %q", t.Name, sanitized, prev)
		}
		reverse[sanitized] = t.Name
		forward[t.Name] = sanitized
	}
	return forward, reverse, nil
}

// SanitizeToolName replaces every character outside [A-Za-z0-9_-] with '_'
// and truncates the result to MaxToolName characters.
func SanitizeToolName(in string) string {
	out := make([]rune, 0, len(in))
	for _, r := range in {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
		if len(out) == MaxToolName {
			break
		}
	}
	return string(out)
}
