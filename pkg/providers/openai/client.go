package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"apex-hq/meridian/pkg/credentials"
	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
)

// Config is one OpenAI-compatible binding.
type Config struct {
	// Name is the binding name used in routing lists.
	Name string

	// Kind selects the compatible provider family; empty means "openai".
	Kind string

	// Model is the upstream model identifier.
	Model string

	// APIBase overrides the kind's default base URL. Required for kinds
	// without a default (azure, vllm, tgi, sglang).
	APIBase string

	// Credential supplies the API key.
	Credential credentials.Credential

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

// Client is the OpenAI-compatible provider adapter.
type Client struct {
	cfg  Config
	info kindInfo
	http *providers.HTTPClient
}

// New creates an adapter for one OpenAI-compatible binding.
func New(cfg Config) (*Client, error) {
	if cfg.Kind == "" {
		cfg.Kind = "openai"
	}
	info, ok := kinds[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown openai-compatible kind %q", cfg.Kind)
	}
	if cfg.APIBase == "" {
		if info.defaultAPIBase == "" {
			return nil, fmt.Errorf("kind %q requires an explicit api_base", cfg.Kind)
		}
		cfg.APIBase = info.defaultAPIBase
	}
	httpCfg := cfg.HTTP
	if httpCfg == (providers.HTTPClientConfig{}) {
		httpCfg = providers.DefaultHTTPClientConfig()
	}
	return &Client{
		cfg:  cfg,
		info: info,
		http: providers.NewHTTPClient(cfg.Kind, httpCfg),
	}, nil
}

// Name implements providers.Provider.
func (c *Client) Name() string { return c.cfg.Name }

// Kind implements providers.Provider.
func (c *Client) Kind() string { return c.cfg.Kind }

// TranslateRequest implements providers.Provider.
func (c *Client) TranslateRequest(req *inference.CanonicalRequest) ([]byte, error) {
	return c.buildBody(req, req.Stream)
}

func (c *Client) buildBody(req *inference.CanonicalRequest, stream bool) ([]byte, error) {
	wire, err := translateRequest(req, c.cfg.Model, c.cfg.Kind)
	if err != nil {
		return nil, err
	}
	wire.Stream = stream
	if stream {
		wire.StreamOptions = &streamOptions{IncludeUsage: true}
	} else {
		wire.StreamOptions = nil
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, &providers.SerializationError{ProviderType: c.cfg.Kind, Cause: err}
	}

	body, err = providers.ApplyBodyPatches(body, c.cfg.ExtraBody)
	if err == nil {
		body, err = providers.ApplyBodyPatches(body, req.ExtraBody)
	}
	if err != nil {
		return nil, &providers.InvalidRequestError{ProviderType: c.cfg.Kind, Message: err.Error()}
	}
	return body, nil
}

func (c *Client) headers(creds inference.InferenceCredentials, extra map[string]string) (map[string]string, error) {
	key, err := c.cfg.Credential.Value(creds)
	if err != nil {
		var missing *credentials.MissingError
		if errors.As(err, &missing) && missing.Provider == "" {
			missing.Provider = c.cfg.Name
		}
		return nil, err
	}

	headers := make(map[string]string)
	if key != "" {
		if c.info.apiKeyHeader != "" {
			headers[c.info.apiKeyHeader] = key
		} else {
			headers["Authorization"] = "Bearer " + key
		}
	}
	for k, v := range c.cfg.ExtraHeaders {
		headers[k] = v
	}
	for k, v := range extra {
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
	headers, err := c.headers(req.Credentials, req.ExtraHeaders)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	respBody, err := c.http.Do(ctx, http.MethodPost, c.cfg.APIBase+"/chat/completions", body, headers)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)

	resp, err := translateResponse(respBody, c.cfg.Name, c.cfg.Kind)
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
	headers, err := c.headers(req.Credentials, req.ExtraHeaders)
	if err != nil {
		return nil, "", err
	}

	stream, err := c.http.DoStream(ctx, http.MethodPost, c.cfg.APIBase+"/chat/completions", body, headers)
	if err != nil {
		return nil, "", err
	}
	return newStreamReader(c.cfg.Name, c.cfg.Kind, stream, c.cfg.DiscardUnknownChunks), string(body), nil
}

// Close releases pooled connections.
func (c *Client) Close() error { return c.http.Close() }
