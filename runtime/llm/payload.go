package llm

import "encoding/json"

// Payload is a rendered provider request body. It is immutable once built so
// retries resend exactly the same bytes.
type Payload struct {
	provider string
	model    string
	stream   bool
	body     []byte
}

// NewPayload copies body into a new Payload.
func NewPayload(provider, model string, stream bool, body []byte) *Payload {
	return &Payload{
		provider: provider,
		model:    model,
		stream:   stream,
		body:     append([]byte(nil), body...),
	}
}

// Provider returns the provider the payload was rendered for.
func (p *Payload) Provider() string { return p.provider }

// Model returns the target model identifier.
func (p *Payload) Model() string { return p.model }

// Stream reports whether the payload requests a streamed response.
func (p *Payload) Stream() bool { return p.stream }

// Body returns a copy of the JSON body.
func (p *Payload) Body() json.RawMessage {
	return append(json.RawMessage(nil), p.body...)
}

// Len returns the body size in bytes.
func (p *Payload) Len() int { return len(p.body) }
