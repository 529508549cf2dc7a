package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"apex-hq/meridian/pkg/credentials"
	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
)

const defaultAPIBase = "https://openrouter.ai/api/v1"

// Config is one OpenRouter binding.
type Config struct {
	// Name is the binding name used in routing lists.
	Name string

	// Model is the OpenRouter model slug (e.g. "anthropic/claude-sonnet-4").
	Model string

	// APIBase overrides the default API base URL.
	APIBase string

	// Credential supplies the API key.
	Credential credentials.Credential

	// Referer and Title populate the HTTP-Referer and X-Title attribution
	// headers.
	Referer string
	Title   string

	// ExtraBody and ExtraHeaders are binding-level overrides, applied before
	// the request-level ones.
	ExtraBody    []inference.BodyPatch
	ExtraHeaders map[string]string

	// DiscardUnknownChunks drops unclassifiable stream frames instead of
	// forwarding them as unknown chunks.
	DiscardUnknownChunks bool

	// HTTP tunes the shared transport; zero value uses defaults.
	HTTP providers.HTTPClientConfig
}

// Client is the OpenRouter provider adapter.
type Client struct {
	cfg  Config
	http *providers.HTTPClient
}

// New creates an OpenRouter adapter for one binding.
func New(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	httpCfg := cfg.HTTP
	if httpCfg == (providers.HTTPClientConfig{}) {
		httpCfg = providers.DefaultHTTPClientConfig()
	}
	return &Client{cfg: cfg, http: providers.NewHTTPClient(providerType, httpCfg)}
}

// Name implements providers.Provider.
func (c *Client) Name() string { return c.cfg.Name }

// Kind implements providers.Provider.
func (c *Client) Kind() string { return providerType }

// TranslateRequest implements providers.Provider.
func (c *Client) TranslateRequest(req *inference.CanonicalRequest) ([]byte, error) {
	return c.buildBody(req, req.Stream)
}

func (c *Client) buildBody(req *inference.CanonicalRequest, stream bool) ([]byte, error) {
	wire, err := translateRequest(req, c.cfg.Model)
	if err != nil {
		return nil, err
	}
	wire.Stream = stream

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, &providers.SerializationError{ProviderType: providerType, Cause: err}
	}

	body, err = providers.ApplyBodyPatches(body, c.cfg.ExtraBody)
	if err == nil {
		body, err = providers.ApplyBodyPatches(body, req.ExtraBody)
	}
	if err != nil {
		return nil, &providers.InvalidRequestError{ProviderType: providerType, Message: err.Error()}
	}
	return body, nil
}

func (c *Client) headers(req *inference.CanonicalRequest) (map[string]string, error) {
	key, err := c.cfg.Credential.Value(req.Credentials)
	if err != nil {
		var missing *credentials.MissingError
		if errors.As(err, &missing) && missing.Provider == "" {
			missing.Provider = c.cfg.Name
		}
		return nil, err
	}

	headers := map[string]string{
		"Authorization": "Bearer " + key,
	}
	if c.cfg.Referer != "" {
		headers["HTTP-Referer"] = c.cfg.Referer
	}
	if c.cfg.Title != "" {
		headers["X-Title"] = c.cfg.Title
	}
	for k, v := range c.cfg.ExtraHeaders {
		headers[k] = v
	}
	for k, v := range req.ExtraHeaders {
		headers[k] = v
	}
	return headers, nil
}

// Infer implements providers.Provider.
func (c *Client) Infer(ctx context.Context, req *inference.CanonicalRequest) (*inference.ProviderResponse, error) {
	body, err := c.buildBody(req, false)
	if err != nil {
		return nil, err
	}
	headers, err := c.headers(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	respBody, err := c.http.Do(ctx, http.MethodPost, c.cfg.APIBase+"/chat/completions", body, headers)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)

	resp, err := translateResponse(respBody)
	if err != nil {
		return nil, err
	}
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	resp.System = req.EffectiveSystem()
	resp.InputMessages = req.Messages
	resp.RawRequest = string(body)
	resp.RawResponse = string(respBody)
	resp.Latency = latency
	return resp, nil
}

// InferStream implements providers.Provider.
func (c *Client) InferStream(ctx context.Context, req *inference.CanonicalRequest) (providers.StreamReader, string, error) {
	body, err := c.buildBody(req, true)
	if err != nil {
		return nil, "", err
	}
	headers, err := c.headers(req)
	if err != nil {
		return nil, "", err
	}

	stream, err := c.http.DoStream(ctx, http.MethodPost, c.cfg.APIBase+"/chat/completions", body, headers)
	if err != nil {
		return nil, "", err
	}
	return newStreamReader(c.cfg.Name, stream, c.cfg.DiscardUnknownChunks), string(body), nil
}

// StartBatch implements providers.Provider.
func (c *Client) StartBatch(ctx context.Context, items []providers.BatchItem) (*providers.BatchHandle, error) {
	return nil, &providers.BatchUnsupportedError{ProviderType: providerType}
}

// PollBatch implements providers.Provider.
func (c *Client) PollBatch(ctx context.Context, handle *providers.BatchHandle) (*providers.BatchPoll, error) {
	return nil, &providers.BatchUnsupportedError{ProviderType: providerType}
}

// Close releases pooled connections.
func (c *Client) Close() error { return c.http.Close() }
