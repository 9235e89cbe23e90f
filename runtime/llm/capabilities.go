package llm

type (
	// Param names a sampling knob.
	Param string

	// Capabilities describes what a provider accepts. The normalizer
	// rejects any request feature not covered here.
	Capabilities struct {
		// Provider is the provider identifier used in errors and telemetry.
		Provider string
		// Params lists the sampling knobs the provider accepts.
		Params []Param
		// ForceAny reports whether ToolChoiceRequired may force "any of
		// several" tools. Providers that can only force one specific tool
		// set this to false.
		ForceAny bool
		// ToolChoiceNone reports whether tool calls can be disabled.
		ToolChoiceNone bool
		// JSONFormat reports whether a JSON response format is supported.
		JSONFormat bool
		// JSONRequiresSchema reports whether a JSON response format must
		// carry a schema.
		JSONRequiresSchema bool
		// CacheSystem reports whether system messages accept cache directives.
		CacheSystem bool
		// CacheTools reports whether tool definitions accept cache directives.
		CacheTools bool
		// Thinking reports whether extended reasoning is supported.
		Thinking bool
		// MinThinkingBudget is the smallest accepted thinking budget.
		MinThinkingBudget int
		// StrictThinking reports that enabling thinking restricts the rest of
		// the request: temperature must be unset or 1, top_k must be unset and
		// the tool choice may not force a tool.
		StrictThinking bool
		// DefaultMaxOutputTokens is the output cap rendered when a request
		// leaves MaxOutputTokens unset. Zero means the provider picks.
		DefaultMaxOutputTokens int
		// ToolResultError reports whether tool results can be flagged as
		// failed executions.
		ToolResultError bool
		// ServerTools reports whether provider-executed tools are supported.
		ServerTools bool
		// CustomParams reports whether custom top-level fields are accepted.
		CustomParams bool
		// Batch reports whether batch jobs are supported.
		Batch bool
		// BatchDelete reports whether batch jobs can be deleted.
		BatchDelete bool
		// BatchIDPrefix is the fixed prefix of batch identifiers.
		BatchIDPrefix string
	}
)

const (
	ParamTemperature     Param = "temperature"
	ParamTopP            Param = "top_p"
	ParamTopK            Param = "top_k"
	ParamMaxOutputTokens Param = "max_output_tokens"
	ParamStop            Param = "stop"
)

// Supports reports whether p is listed in c.Params.
func (c Capabilities) Supports(p Param) bool {
	for _, q := range c.Params {
		if q == p {
			return true
		}
	}
	return false
}
