// Package bedrock provides the AWS Bedrock Converse adapter. Requests are
// rendered to Converse inputs and sent with aws-sdk-go-v2; ConverseStream
// events are translated to canonical stream events. Bedrock batch inference
// is not offered through this adapter.
package bedrock

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/stream"
)

const providerName = "bedrock"

type (
	// RuntimeClient captures the Bedrock runtime operations used by the
	// adapter. Use NewRuntime to wrap a *bedrockruntime.Client.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error)
	}

	// StreamOutput is the subset of the ConverseStream output used by the
	// adapter. It is satisfied by *bedrockruntime.ConverseStreamOutput.
	StreamOutput interface {
		GetStream() *bedrockruntime.ConverseStreamEventStream
	}

	// Client implements chat.Provider for the Converse API.
	Client struct {
		codec
		runtime RuntimeClient
	}

	sdkRuntime struct {
		*bedrockruntime.Client
	}
)

// Capabilities describes the Converse API.
var Capabilities = llm.Capabilities{
	Provider:          providerName,
	Params:            []llm.Param{llm.ParamTemperature, llm.ParamTopP, llm.ParamMaxOutputTokens, llm.ParamStop},
	ForceAny:          true,
	CacheSystem:       true,
	CacheTools:        true,
	Thinking:          true,
	MinThinkingBudget: 1024,
	CustomParams:      true,
	ToolResultError:   true,
}

// New builds an adapter on top of rt.
func New(rt RuntimeClient) (*Client, error) {
	if rt == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	return &Client{runtime: rt}, nil
}

// NewRuntime adapts an SDK client to RuntimeClient.
func NewRuntime(c *bedrockruntime.Client) RuntimeClient {
	return sdkRuntime{c}
}

// NewSDKClient loads the default AWS configuration for region and returns a
// runtime client. SDK retries are disabled: retries are owned by the chat
// runner.
func NewSDKClient(ctx context.Context, region string) (RuntimeClient, error) {
	if region == "" {
		return nil, errors.New("aws region is required")
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	c := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		o.Retryer = aws.NopRetryer{}
	})
	return NewRuntime(c), nil
}

func (r sdkRuntime) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	out, err := r.Client.ConverseStream(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Capabilities returns the Converse capabilities.
func (c *Client) Capabilities() llm.Capabilities { return Capabilities }

// Finish returns the stop reason table.
func (c *Client) Finish() stream.FinishTable { return Finish }

// Send issues a Converse request.
func (c *Client) Send(ctx context.Context, p *Payload) (*llm.Response, error) {
	out, err := c.runtime.Converse(ctx, p.ConverseInput())
	if err != nil {
		return nil, classify("converse", err)
	}
	return decodeOutput(out, p.model, p.names)
}

// Open issues a ConverseStream request.
func (c *Client) Open(ctx context.Context, p *Payload) (stream.Source, error) {
	out, err := c.runtime.ConverseStream(ctx, p.ConverseStreamInput())
	if err != nil {
		return nil, classify("converse_stream", err)
	}
	s := out.GetStream()
	if s == nil {
		return nil, &llm.ProtocolError{Provider: providerName, Reason: "converse stream output without event stream"}
	}
	return newEventSource(s, p.model, p.names), nil
}

// classify maps SDK failures onto the canonical error taxonomy. Modeled
// service errors without an HTTP response are given a status from their
// error code or fault.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return &llm.TransportError{Provider: providerName, Operation: op, Cause: err}
	}
	he := &llm.HTTPError{
		Provider:  providerName,
		Operation: op,
		Status:    statusOf(apiErr),
		Body:      apiErr.ErrorCode() + ": " + apiErr.ErrorMessage(),
	}
	var (
		awsErr  *awshttp.ResponseError
		respErr *smithyhttp.ResponseError
	)
	switch {
	case errors.As(err, &awsErr):
		he.RequestID = awsErr.ServiceRequestID()
		if awsErr.ResponseError != nil && awsErr.Response != nil {
			he.Status = awsErr.HTTPStatusCode()
		}
	case errors.As(err, &respErr):
		if respErr.Response != nil {
			he.Status = respErr.HTTPStatusCode()
		}
	}
	return he
}

func statusOf(apiErr smithy.APIError) int {
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "TooManyRequestsException":
		return http.StatusTooManyRequests
	case "AccessDeniedException":
		return http.StatusForbidden
	case "ResourceNotFoundException":
		return http.StatusNotFound
	case "ModelTimeoutException":
		return http.StatusRequestTimeout
	case "ServiceUnavailableException", "ModelNotReadyException":
		return http.StatusServiceUnavailable
	}
	if apiErr.ErrorFault() == smithy.FaultServer {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}
