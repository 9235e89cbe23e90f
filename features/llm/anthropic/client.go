// Package anthropic provides the Anthropic Messages API adapter: a codec
// from canonical requests to sdk.MessageNewParams, response and stream event
// decoding, and the Message Batches API. It uses
// github.com/anthropics/anthropic-sdk-go for transport.
package anthropic

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/stream"
)

const providerName = "anthropic"

// BatchIDPrefix prefixes every Message Batches identifier.
const BatchIDPrefix = "msgbatch_"

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the adapter.
	Options struct {
		// MaxTokens is the completion cap used when a request leaves
		// MaxOutputTokens unset. Defaults to DefaultMaxTokens.
		MaxTokens int
	}

	// Client implements chat.Provider for the Messages API.
	Client struct {
		codec
		msg MessagesClient
	}
)

// Capabilities describes the Messages API.
var Capabilities = llm.Capabilities{
	Provider:          providerName,
	Params:            []llm.Param{llm.ParamTemperature, llm.ParamTopP, llm.ParamTopK, llm.ParamMaxOutputTokens, llm.ParamStop},
	ForceAny:          true,
	ToolChoiceNone:    true,
	CacheSystem:       true,
	CacheTools:        true,
	Thinking:          true,
	MinThinkingBudget: 1024,
	StrictThinking:    true,
	ServerTools:       true,
	CustomParams:      true,
	Batch:             true,
	BatchDelete:       true,
	BatchIDPrefix:     BatchIDPrefix,

	DefaultMaxOutputTokens: DefaultMaxTokens,
	ToolResultError:        true,
}

// New builds an adapter on top of msg.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Client{codec: codec{maxTokens: maxTokens}, msg: msg}, nil
}

// NewSDKClient returns an SDK client authenticated with apiKey. SDK retries
// are disabled: retries are owned by the chat runner.
func NewSDKClient(apiKey, baseURL string) (*sdk.Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	c := sdk.NewClient(opts...)
	return &c, nil
}

// Capabilities returns the Messages API capabilities.
func (c *Client) Capabilities() llm.Capabilities { return c.capabilities() }

// Finish returns the stop reason table.
func (c *Client) Finish() stream.FinishTable { return Finish }

// Send issues a non-streaming Messages request.
func (c *Client) Send(ctx context.Context, p *Payload) (*llm.Response, error) {
	msg, err := c.msg.New(ctx, p.Params, p.RequestOptions()...)
	if err != nil {
		return nil, classify("messages.new", err)
	}
	return decodeMessage(msg, p.names)
}

// Open issues a streaming Messages request.
func (c *Client) Open(ctx context.Context, p *Payload) (stream.Source, error) {
	s := c.msg.NewStreaming(ctx, p.Params, p.RequestOptions()...)
	if err := s.Err(); err != nil {
		_ = s.Close()
		return nil, classify("messages.stream", err)
	}
	return newEventSource(s, p.names), nil
}

// classify maps SDK failures onto the canonical error taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		he := &llm.HTTPError{
			Provider:  providerName,
			Operation: op,
			Status:    apiErr.StatusCode,
			Body:      apiErr.RawJSON(),
		}
		if apiErr.Response != nil {
			he.RequestID = apiErr.Response.Header.Get("request-id")
		}
		return he
	}
	return &llm.TransportError{Provider: providerName, Operation: op, Cause: err}
}
