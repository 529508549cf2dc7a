package providers

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// client error statuses; everything else non-2xx is a server error.
var clientStatuses = map[int]bool{
	http.StatusBadRequest:            true,
	http.StatusUnauthorized:          true,
	http.StatusPaymentRequired:       true,
	http.StatusForbidden:             true,
	http.StatusRequestEntityTooLarge: true,
	http.StatusTooManyRequests:       true,
}

// HTTPClientConfig tunes the shared HTTP transport.
type HTTPClientConfig struct {
	// MaxIdleConns caps idle connections across all hosts.
	MaxIdleConns int

	// MaxIdleConnsPerHost caps idle connections per provider host.
	MaxIdleConnsPerHost int

	// IdleConnTimeout evicts idle connections after this duration.
	IdleConnTimeout time.Duration
}

// IsClientStatus reports whether an HTTP status belongs to the client-error
// set. Non-HTTP adapters use it to classify SDK errors consistently.
func IsClientStatus(status int) bool { return clientStatuses[status] }

// DefaultHTTPClientConfig returns the pooling defaults used when a binding
// does not override them.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
}

// HTTPClient is the shared HTTP layer embedded by HTTP-based adapters. It
// owns the pooled transport and classifies failures into ClientError and
// ServerError. It performs no retries; retry and failover are routing
// concerns.
type HTTPClient struct {
	kind   string
	client *http.Client
}

// NewHTTPClient creates a pooled HTTP client for one provider family. The
// client carries no overall timeout; deadlines arrive via the request
// context so the router controls them.
func NewHTTPClient(kind string, config HTTPClientConfig) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        config.MaxIdleConns,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}
	return &HTTPClient{
		kind:   kind,
		client: &http.Client{Transport: transport},
	}
}

// Do sends one request and returns the response body on 2xx. Non-2xx and
// transport failures are classified: statuses 400, 401, 402, 403, 413 and
// 429 (and transport errors, with status zero) become ClientError; any other
// non-2xx becomes ServerError.
func (c *HTTPClient) Do(ctx context.Context, method, url string, body []byte, headers map[string]string) ([]byte, error) {
	resp, err := c.send(ctx, method, url, body, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ClientError{
			ProviderType: c.kind,
			RawRequest:   string(body),
			Cause:        err,
		}
	}
	if err := c.classifyStatus(resp.StatusCode, body, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// DoStream sends one request and returns the response body as a stream on
// 2xx. Error classification matches Do; the error body is fully read before
// classification so RawResponse is populated.
func (c *HTTPClient) DoStream(ctx context.Context, method, url string, body []byte, headers map[string]string) (io.ReadCloser, error) {
	resp, err := c.send(ctx, method, url, body, headers)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.Body, nil
	}

	errBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return nil, c.classifyStatus(resp.StatusCode, body, errBody)
}

func (c *HTTPClient) send(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, &ClientError{ProviderType: c.kind, Cause: err}
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	slog.Debug("sending provider request",
		"provider_type", c.kind,
		"method", method,
		"url", url,
	)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ClientError{
			ProviderType: c.kind,
			RawRequest:   string(body),
			Cause:        err,
		}
	}
	return resp, nil
}

func (c *HTTPClient) classifyStatus(status int, reqBody, respBody []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if clientStatuses[status] {
		return &ClientError{
			ProviderType: c.kind,
			StatusCode:   status,
			RawRequest:   string(reqBody),
			RawResponse:  string(respBody),
		}
	}
	return &ServerError{
		ProviderType: c.kind,
		StatusCode:   status,
		RawRequest:   string(reqBody),
		RawResponse:  string(respBody),
	}
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
