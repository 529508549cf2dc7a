package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"apex-hq/meridian/pkg/credentials"
	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
)

// defaultAPIBase is used when the binding does not override it.
const defaultAPIBase = "https://api.anthropic.com"

// apiVersion is the pinned Messages API version header.
const apiVersion = "2023-06-01"

// Config is one Anthropic binding.
type Config struct {
	// Name is the binding name used in routing lists.
	Name string

	// Model is the upstream model identifier.
	Model string

	// APIBase overrides the default API base URL.
	APIBase string

	// Credential supplies the x-api-key value.
	Credential credentials.Credential

	// BetaFlags populate the anthropic-beta header.
	BetaFlags []string

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

// Client is the Anthropic provider adapter.
type Client struct {
	cfg  Config
	http *providers.HTTPClient
}

// New creates an Anthropic adapter for one binding.
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

// TranslateRequest implements providers.Provider. The result includes body
// overrides so the cache fingerprint reflects what would actually be sent.
func (c *Client) TranslateRequest(req *inference.CanonicalRequest) ([]byte, error) {
	return c.buildBody(req, req.Stream)
}

func (c *Client) buildBody(req *inference.CanonicalRequest, stream bool) ([]byte, error) {
	wire, err := translateRequest(req, c.cfg)
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
		"x-api-key":         key,
		"anthropic-version": apiVersion,
	}
	if len(c.cfg.BetaFlags) > 0 {
		headers["anthropic-beta"] = strings.Join(c.cfg.BetaFlags, ",")
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
	respBody, err := c.http.Do(ctx, http.MethodPost, c.cfg.APIBase+"/v1/messages", body, headers)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)

	jsonMode := effectiveJSONMode(req, c.cfg.Model) == inference.JSONModeOn
	resp, err := translateResponse(respBody, c.cfg.Name, jsonMode)
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

	stream, err := c.http.DoStream(ctx, http.MethodPost, c.cfg.APIBase+"/v1/messages", body, headers)
	if err != nil {
		return nil, "", err
	}

	jsonMode := effectiveJSONMode(req, c.cfg.Model) == inference.JSONModeOn
	return newStreamReader(c.cfg.Name, stream, jsonMode, c.cfg.DiscardUnknownChunks), string(body), nil
}

// StartBatch implements providers.Provider. The Messages batch API is not
// wired up; batching is an OpenAI-family feature here.
func (c *Client) StartBatch(ctx context.Context, items []providers.BatchItem) (*providers.BatchHandle, error) {
	return nil, &providers.BatchUnsupportedError{ProviderType: providerType}
}

// PollBatch implements providers.Provider.
func (c *Client) PollBatch(ctx context.Context, handle *providers.BatchHandle) (*providers.BatchPoll, error) {
	return nil, &providers.BatchUnsupportedError{ProviderType: providerType}
}

// Close releases pooled connections.
func (c *Client) Close() error { return c.http.Close() }
