// Package dummy is the in-process test provider (kind "dummy"). It echoes a
// configured response with fixed usage, can be told to fail with a given
// status or mid-stream, and performs the same credential resolution as the
// real adapters so dynamic-key behavior is testable without a network.
package dummy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"apex-hq/meridian/pkg/credentials"
	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
)

const providerType = "dummy"

// DefaultResponse is echoed when no response text is configured.
const DefaultResponse = "Hello, world!"

// Fixed usage for every successful dummy inference.
const (
	inputTokens  = 10
	outputTokens = 1
)

// Config is one dummy binding.
type Config struct {
	// Name is the binding name used in routing lists.
	Name string

	// Response is the echoed text; DefaultResponse when empty.
	Response string

	// Credential, when set, is resolved on every call exactly like a real
	// adapter would, so missing-key errors surface before any work happens.
	Credential *credentials.Credential

	// ErrorStatus, when non-zero, makes every call fail with that HTTP
	// status, classified through the shared taxonomy.
	ErrorStatus int

	// StreamSplit is the number of runes per streamed text chunk; 2 when
	// zero or negative.
	StreamSplit int

	// FailStreamAfter, when > 0, yields that many text chunks and then a
	// FatalStreamError instead of finishing.
	FailStreamAfter int
}

// Client is the dummy provider adapter.
type Client struct {
	cfg Config
}

// New creates a dummy adapter for one binding.
func New(cfg Config) *Client {
	if cfg.Response == "" {
		cfg.Response = DefaultResponse
	}
	if cfg.StreamSplit <= 0 {
		cfg.StreamSplit = 2
	}
	return &Client{cfg: cfg}
}

// Name implements providers.Provider.
func (c *Client) Name() string { return c.cfg.Name }

// Kind implements providers.Provider.
func (c *Client) Kind() string { return providerType }

type wireRequest struct {
	Model     string                     `json:"model"`
	System    *string                    `json:"system,omitempty"`
	Messages  []inference.RequestMessage `json:"messages"`
	MaxTokens *int                       `json:"max_tokens,omitempty"`
	Stream    bool                       `json:"stream,omitempty"`
	JSONMode  inference.JSONMode         `json:"json_mode,omitempty"`
}

// TranslateRequest implements providers.Provider.
func (c *Client) TranslateRequest(req *inference.CanonicalRequest) ([]byte, error) {
	if len(req.Messages) == 0 {
		return nil, &providers.InvalidRequestError{
			ProviderType: providerType,
			Message:      "request has no messages",
		}
	}
	body, err := json.Marshal(wireRequest{
		Model:     c.cfg.Name,
		System:    req.EffectiveSystem(),
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
		Stream:    req.Stream,
		JSONMode:  req.JSONMode,
	})
	if err != nil {
		return nil, &providers.SerializationError{ProviderType: providerType, Cause: err}
	}
	return body, nil
}

func (c *Client) checkCredential(req *inference.CanonicalRequest) error {
	if c.cfg.Credential == nil {
		return nil
	}
	_, err := c.cfg.Credential.Value(req.Credentials)
	if err != nil {
		var missing *credentials.MissingError
		if errors.As(err, &missing) && missing.Provider == "" {
			missing.Provider = c.cfg.Name
		}
	}
	return err
}

func (c *Client) configuredError(rawRequest string) error {
	status := c.cfg.ErrorStatus
	if status == 0 {
		return nil
	}
	if providers.IsClientStatus(status) {
		return &providers.ClientError{
			ProviderType: providerType,
			StatusCode:   status,
			RawRequest:   rawRequest,
			RawResponse:  "dummy provider configured to fail",
		}
	}
	return &providers.ServerError{
		ProviderType: providerType,
		StatusCode:   status,
		RawRequest:   rawRequest,
		RawResponse:  "dummy provider configured to fail",
	}
}

// Infer implements providers.Provider.
func (c *Client) Infer(ctx context.Context, req *inference.CanonicalRequest) (*inference.ProviderResponse, error) {
	body, err := c.TranslateRequest(req)
	if err != nil {
		return nil, err
	}
	if err := c.checkCredential(req); err != nil {
		return nil, err
	}
	if err := c.configuredError(string(body)); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in, out := inputTokens, outputTokens
	return &inference.ProviderResponse{
		ID:            uuid.NewString(),
		Output:        []inference.ContentBlock{inference.TextBlock{Text: c.cfg.Response}},
		System:        req.EffectiveSystem(),
		InputMessages: req.Messages,
		RawRequest:    string(body),
		RawResponse:   c.cfg.Response,
		Usage:         inference.Usage{InputTokens: &in, OutputTokens: &out},
		FinishReason:  inference.FinishReasonStop,
	}, nil
}

// InferStream implements providers.Provider.
func (c *Client) InferStream(ctx context.Context, req *inference.CanonicalRequest) (providers.StreamReader, string, error) {
	body, err := c.TranslateRequest(req)
	if err != nil {
		return nil, "", err
	}
	if err := c.checkCredential(req); err != nil {
		return nil, "", err
	}
	if err := c.configuredError(string(body)); err != nil {
		return nil, "", err
	}

	return &streamReader{
		id:        uuid.NewString(),
		pieces:    splitRunes(c.cfg.Response, c.cfg.StreamSplit),
		failAfter: c.cfg.FailStreamAfter,
		started:   time.Now(),
	}, string(body), nil
}

// StartBatch implements providers.Provider.
func (c *Client) StartBatch(ctx context.Context, items []providers.BatchItem) (*providers.BatchHandle, error) {
	return nil, &providers.BatchUnsupportedError{ProviderType: providerType}
}

// PollBatch implements providers.Provider.
func (c *Client) PollBatch(ctx context.Context, handle *providers.BatchHandle) (*providers.BatchPoll, error) {
	return nil, &providers.BatchUnsupportedError{ProviderType: providerType}
}

// splitRunes cuts s into rune-safe pieces of at most size runes.
func splitRunes(s string, size int) []string {
	runes := []rune(s)
	var pieces []string
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		pieces = append(pieces, string(runes[:n]))
		runes = runes[n:]
	}
	return pieces
}

// streamReader replays the split response as text chunks, then a final chunk
// carrying usage and the stop reason.
type streamReader struct {
	id        string
	pieces    []string
	failAfter int

	next      int
	finalSent bool
	closed    bool
	started   time.Time
}

// Read implements providers.StreamReader.
func (s *streamReader) Read(ctx context.Context) (*inference.StreamChunk, error) {
	if s.closed || s.finalSent {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.failAfter > 0 && s.next >= s.failAfter {
		return nil, &providers.FatalStreamError{
			ProviderType: providerType,
			Message:      "dummy provider configured to fail mid-stream",
		}
	}

	if s.next < len(s.pieces) {
		piece := s.pieces[s.next]
		s.next++
		return &inference.StreamChunk{
			Content: []inference.ContentChunk{
				inference.TextChunk{ID: s.id, Text: piece},
			},
			RawResponse: piece,
			Latency:     time.Since(s.started),
			Created:     time.Now().Unix(),
		}, nil
	}

	s.finalSent = true
	in, out := inputTokens, outputTokens
	finish := inference.FinishReasonStop
	return &inference.StreamChunk{
		Usage:        &inference.Usage{InputTokens: &in, OutputTokens: &out},
		FinishReason: &finish,
		Latency:      time.Since(s.started),
		Created:      time.Now().Unix(),
	}, nil
}

// Close implements providers.StreamReader.
func (s *streamReader) Close() error {
	s.closed = true
	return nil
}
