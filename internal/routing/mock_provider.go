// Package routing holds test doubles for router tests.
package routing

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
)

// MockProvider implements providers.Provider with scripted behavior for
// router tests: fixed responses, fixed errors, scripted stream chunks, and
// configurable delays for timeout tests.
type MockProvider struct {
	name string
	kind string

	// Response is returned by Infer when Err is nil.
	Response *inference.ProviderResponse

	// Err fails Infer and InferStream when set.
	Err error

	// Chunks is the scripted stream; InferStream replays them in order.
	Chunks []inference.StreamChunk

	// StreamErr terminates the scripted stream after Chunks instead of EOF.
	StreamErr error

	// Delay stalls Infer and the stream open until it elapses or the
	// context is cancelled.
	Delay time.Duration

	// Body is the translated wire body; defaults to a constant marker.
	Body []byte

	// TranslateErr fails TranslateRequest when set.
	TranslateErr error

	infers      atomic.Int64
	streamOpens atomic.Int64

	mu   sync.Mutex
	last *inference.CanonicalRequest
}

// NewMockProvider creates a mock with the given binding name.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name, kind: "mock"}
}

// InferCalls reports how many unary calls reached the provider.
func (m *MockProvider) InferCalls() int64 { return m.infers.Load() }

// StreamCalls reports how many stream opens reached the provider.
func (m *MockProvider) StreamCalls() int64 { return m.streamOpens.Load() }

// LastRequest returns the most recent request the provider received.
func (m *MockProvider) LastRequest() *inference.CanonicalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *MockProvider) record(req *inference.CanonicalRequest) {
	m.mu.Lock()
	m.last = req
	m.mu.Unlock()
}

// Name implements providers.Provider.
func (m *MockProvider) Name() string { return m.name }

// Kind implements providers.Provider.
func (m *MockProvider) Kind() string { return m.kind }

// TranslateRequest implements providers.Provider.
func (m *MockProvider) TranslateRequest(req *inference.CanonicalRequest) ([]byte, error) {
	if m.TranslateErr != nil {
		return nil, m.TranslateErr
	}
	if m.Body != nil {
		return m.Body, nil
	}
	return []byte(`{"mock":"` + m.name + `"}`), nil
}

func (m *MockProvider) wait(ctx context.Context) error {
	if m.Delay <= 0 {
		return nil
	}
	timer := time.NewTimer(m.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Infer implements providers.Provider.
func (m *MockProvider) Infer(ctx context.Context, req *inference.CanonicalRequest) (*inference.ProviderResponse, error) {
	m.infers.Add(1)
	m.record(req)
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}
	resp := *m.Response
	return &resp, nil
}

// InferStream implements providers.Provider.
func (m *MockProvider) InferStream(ctx context.Context, req *inference.CanonicalRequest) (providers.StreamReader, string, error) {
	m.streamOpens.Add(1)
	m.record(req)
	if err := m.wait(ctx); err != nil {
		return nil, "", err
	}
	if m.Err != nil {
		return nil, "", m.Err
	}
	return &scriptedStream{chunks: m.Chunks, err: m.StreamErr}, string(mustBody(m)), nil
}

func mustBody(m *MockProvider) []byte {
	body, _ := m.TranslateRequest(nil)
	return body
}

// StartBatch implements providers.Provider.
func (m *MockProvider) StartBatch(ctx context.Context, items []providers.BatchItem) (*providers.BatchHandle, error) {
	return nil, &providers.BatchUnsupportedError{ProviderType: m.kind}
}

// PollBatch implements providers.Provider.
func (m *MockProvider) PollBatch(ctx context.Context, handle *providers.BatchHandle) (*providers.BatchPoll, error) {
	return nil, &providers.BatchUnsupportedError{ProviderType: m.kind}
}

// scriptedStream replays a fixed chunk sequence.
type scriptedStream struct {
	chunks []inference.StreamChunk
	next   int
	err    error
	closed atomic.Bool
}

// Read implements providers.StreamReader.
func (s *scriptedStream) Read(ctx context.Context) (*inference.StreamChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, io.EOF
	}
	if s.next >= len(s.chunks) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	chunk := s.chunks[s.next]
	s.next++
	return &chunk, nil
}

// Close implements providers.StreamReader.
func (s *scriptedStream) Close() error {
	s.closed.Store(true)
	return nil
}
