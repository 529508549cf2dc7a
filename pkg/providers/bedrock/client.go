package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/google/uuid"

	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
)

// RuntimeClient is the subset of *bedrockruntime.Client the adapter needs.
// Tests substitute a fake; production passes the real SDK client, which
// carries the credential chain resolved by the "sdk" scheme.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Config is one Bedrock binding.
type Config struct {
	// Name is the binding name used in routing lists.
	Name string

	// Model is the Bedrock model identifier
	// (e.g. "anthropic.claude-sonnet-4-20250514-v1:0").
	Model string

	// Runtime is the Bedrock runtime client. Required.
	Runtime RuntimeClient

	// DiscardUnknownChunks drops unclassifiable stream events instead of
	// forwarding them as unknown chunks.
	DiscardUnknownChunks bool
}

// Client is the Bedrock provider adapter.
type Client struct {
	cfg Config
}

// New creates a Bedrock adapter for one binding.
func New(cfg Config) (*Client, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("bedrock binding %q: runtime client is required", cfg.Name)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("bedrock binding %q: model identifier is required", cfg.Name)
	}
	return &Client{cfg: cfg}, nil
}

// Name implements providers.Provider.
func (c *Client) Name() string { return c.cfg.Name }

// Kind implements providers.Provider.
func (c *Client) Kind() string { return providerType }

// requestProjection is the deterministic serialized form of a translated
// request. The SDK input types do not round-trip through JSON, so the
// fingerprint and RawRequest use this projection instead of SDK wire bytes.
type requestProjection struct {
	Model         string                     `json:"model"`
	System        *string                    `json:"system,omitempty"`
	Messages      []inference.RequestMessage `json:"messages"`
	MaxTokens     *int                       `json:"max_tokens,omitempty"`
	Temperature   *float64                   `json:"temperature,omitempty"`
	TopP          *float64                   `json:"top_p,omitempty"`
	StopSequences []string                   `json:"stop_sequences,omitempty"`
	ToolConfig    *inference.ToolConfig      `json:"tool_config,omitempty"`
	Params        *inference.InferenceParams `json:"params,omitempty"`
	JSONMode      inference.JSONMode         `json:"json_mode,omitempty"`
}

// TranslateRequest implements providers.Provider.
func (c *Client) TranslateRequest(req *inference.CanonicalRequest) ([]byte, error) {
	if _, err := translateRequest(req); err != nil {
		return nil, err
	}
	proj := requestProjection{
		Model:         c.cfg.Model,
		System:        effectiveSystem(req),
		Messages:      req.Messages,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.StopSequences,
		ToolConfig:    req.ToolConfig,
		JSONMode:      req.JSONMode,
	}
	if req.Params != (inference.InferenceParams{}) {
		params := req.Params
		proj.Params = &params
	}
	body, err := json.Marshal(proj)
	if err != nil {
		return nil, &providers.SerializationError{ProviderType: providerType, Cause: err}
	}
	return body, nil
}

// Infer implements providers.Provider.
func (c *Client) Infer(ctx context.Context, req *inference.CanonicalRequest) (*inference.ProviderResponse, error) {
	parts, err := translateRequest(req)
	if err != nil {
		return nil, err
	}
	rawRequest, err := c.TranslateRequest(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	output, err := c.cfg.Runtime.Converse(ctx, buildConverseInput(c.cfg.Model, parts))
	if err != nil {
		return nil, c.wrapError(err, string(rawRequest))
	}
	latency := time.Since(start)

	resp, err := translateResponse(output, parts.sanToCanon)
	if err != nil {
		return nil, err
	}
	resp.ID = uuid.NewString()
	resp.System = effectiveSystem(req)
	resp.InputMessages = req.Messages
	resp.RawRequest = string(rawRequest)
	if raw, merr := json.Marshal(output); merr == nil {
		resp.RawResponse = string(raw)
	}
	resp.Latency = latency
	return resp, nil
}

// InferStream implements providers.Provider.
func (c *Client) InferStream(ctx context.Context, req *inference.CanonicalRequest) (providers.StreamReader, string, error) {
	parts, err := translateRequest(req)
	if err != nil {
		return nil, "", err
	}
	rawRequest, err := c.TranslateRequest(req)
	if err != nil {
		return nil, "", err
	}

	output, err := c.cfg.Runtime.ConverseStream(ctx, buildConverseStreamInput(c.cfg.Model, parts))
	if err != nil {
		return nil, "", c.wrapError(err, string(rawRequest))
	}
	stream := output.GetStream()
	if stream == nil {
		return nil, "", &providers.ClientError{
			ProviderType: providerType,
			RawRequest:   string(rawRequest),
			Cause:        fmt.Errorf("converse stream output carries no event stream"),
		}
	}
	reader := newStreamReader(c.cfg.Name, stream, parts.sanToCanon, c.cfg.DiscardUnknownChunks)
	return reader, string(rawRequest), nil
}

// StartBatch implements providers.Provider.
func (c *Client) StartBatch(ctx context.Context, items []providers.BatchItem) (*providers.BatchHandle, error) {
	return nil, &providers.BatchUnsupportedError{ProviderType: providerType}
}

// PollBatch implements providers.Provider.
func (c *Client) PollBatch(ctx context.Context, handle *providers.BatchHandle) (*providers.BatchPoll, error) {
	return nil, &providers.BatchUnsupportedError{ProviderType: providerType}
}

// Close implements the optional closer; the SDK client owns no per-binding
// resources.
func (c *Client) Close() error { return nil }

// wrapError classifies SDK failures into the shared taxonomy. HTTP statuses
// are taken from the smithy response metadata; codes like ThrottlingException
// carry an implied status when none is attached. Errors without any status
// classify like transport failures.
func (c *Client) wrapError(err error, rawRequest string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	status := 0
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	var apiErr smithy.APIError
	if status == 0 && errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			status = 429
		case "ValidationException":
			status = 400
		case "AccessDeniedException", "UnauthorizedException":
			status = 403
		case "ServiceUnavailableException":
			status = 503
		case "InternalServerException", "ModelTimeoutException", "ModelErrorException":
			status = 500
		}
	}

	if status == 0 || providers.IsClientStatus(status) {
		return &providers.ClientError{
			ProviderType: providerType,
			StatusCode:   status,
			RawRequest:   rawRequest,
			RawResponse:  err.Error(),
			Cause:        err,
		}
	}
	return &providers.ServerError{
		ProviderType: providerType,
		StatusCode:   status,
		RawRequest:   rawRequest,
		RawResponse:  err.Error(),
	}
}
