// Package openai provides the OpenAI and Azure OpenAI Chat Completions
// adapter: a codec from canonical requests to Chat Completions bodies,
// response and SSE chunk decoding, and the Batch API. Requests are sent with
// github.com/openai/openai-go; Azure is reached through its azure options.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/stream"
)

const (
	// ProviderOpenAI names the OpenAI platform.
	ProviderOpenAI = "openai"
	// ProviderAzure names Azure OpenAI deployments.
	ProviderAzure = "azure"

	// BatchIDPrefix prefixes every Batch API identifier.
	BatchIDPrefix = "batch_"

	completionsPath = "chat/completions"
)

type (
	// Requester captures the raw SDK request methods used by the adapter.
	// It is satisfied by *openai.Client.
	Requester interface {
		Get(ctx context.Context, path string, params any, res any, opts ...option.RequestOption) error
		Post(ctx context.Context, path string, params any, res any, opts ...option.RequestOption) error
	}

	// Options configures the adapter.
	Options struct {
		// Provider is ProviderOpenAI (default) or ProviderAzure. It selects
		// the batch endpoint form and names the provider in errors.
		Provider string
	}

	// Client implements chat.Provider for Chat Completions.
	Client struct {
		codec
		client Requester
	}
)

// Capabilities describes Chat Completions for the named provider.
func Capabilities(provider string) llm.Capabilities {
	return llm.Capabilities{
		Provider:       provider,
		Params:         []llm.Param{llm.ParamTemperature, llm.ParamTopP, llm.ParamMaxOutputTokens, llm.ParamStop},
		ForceAny:       true,
		ToolChoiceNone: true,
		JSONFormat:     true,
		CustomParams:   true,
		Batch:          true,
		BatchIDPrefix:  BatchIDPrefix,
	}
}

// New builds an adapter on top of client.
func New(client Requester, opts Options) (*Client, error) {
	if client == nil {
		return nil, errors.New("openai client is required")
	}
	return &Client{codec: newCodec(opts), client: client}, nil
}

func newCodec(opts Options) codec {
	if opts.Provider == "" {
		opts.Provider = ProviderOpenAI
	}
	return codec{provider: opts.Provider}
}

// NewSDKClient returns an OpenAI SDK client authenticated with apiKey. SDK
// retries are disabled: retries are owned by the chat runner.
func NewSDKClient(apiKey, baseURL string) (*openai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	c := openai.NewClient(opts...)
	return &c, nil
}

// NewAzureSDKClient returns an SDK client for an Azure OpenAI resource. The
// request model selects the deployment.
func NewAzureSDKClient(endpoint, apiVersion, apiKey string) (*openai.Client, error) {
	if endpoint == "" || apiVersion == "" {
		return nil, errors.New("azure endpoint and api version are required")
	}
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	c := openai.NewClient(
		azure.WithEndpoint(endpoint, apiVersion),
		azure.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	)
	return &c, nil
}

// Capabilities returns the provider capabilities.
func (c *Client) Capabilities() llm.Capabilities { return Capabilities(c.provider) }

// Finish returns the finish reason table.
func (c *Client) Finish() stream.FinishTable { return Finish }

// Send issues a non-streaming completion request.
func (c *Client) Send(ctx context.Context, p *Payload) (*llm.Response, error) {
	var raw json.RawMessage
	if err := c.client.Post(ctx, completionsPath, json.RawMessage(p.body), &raw); err != nil {
		return nil, c.classify("chat.completions", err)
	}
	var res wireCompletion
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &llm.ProtocolError{Provider: c.provider, Reason: "undecodable completion", Cause: err}
	}
	return decodeCompletion(c.provider, &res, raw, p.names)
}

// Open issues a streaming completion request.
func (c *Client) Open(ctx context.Context, p *Payload) (stream.Source, error) {
	var res *http.Response
	if err := c.client.Post(ctx, completionsPath, json.RawMessage(p.body), &res); err != nil {
		return nil, c.classify("chat.completions.stream", err)
	}
	if res == nil || res.Body == nil {
		return nil, &llm.ProtocolError{Provider: c.provider, Reason: "stream response without body"}
	}
	s := ssestream.NewStream[wireChunk](ssestream.NewDecoder(res), nil)
	return newEventSource(c.provider, s, p.names), nil
}

// classify maps SDK failures onto the canonical error taxonomy.
func (c codec) classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		he := &llm.HTTPError{
			Provider:  c.provider,
			Operation: op,
			Status:    apiErr.StatusCode,
			Body:      apiErr.RawJSON(),
		}
		if apiErr.Response != nil {
			he.RequestID = apiErr.Response.Header.Get("x-request-id")
		}
		return he
	}
	return &llm.TransportError{Provider: c.provider, Operation: op, Cause: err}
}
