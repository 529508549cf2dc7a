// Package cache is the shared response cache behind the router: a Store port
// with in-memory and SQLite implementations, deterministic request
// fingerprints, and replay of recorded streams.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"time"

	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
)

// Mode controls cache participation for one request.
type Mode struct {
	// Read enables lookups before dispatch.
	Read bool `json:"read" yaml:"read"`

	// Write enables storing non-cached successes.
	Write bool `json:"write" yaml:"write"`

	// MaxAgeSeconds bounds how old a row may be to count as a hit; nil
	// means any age.
	MaxAgeSeconds *int `json:"max_age_s,omitempty" yaml:"max_age_s,omitempty"`
}

// MaxAge returns the hit-age bound as a duration, zero when unbounded.
func (m Mode) MaxAge() time.Duration {
	if m.MaxAgeSeconds == nil {
		return 0
	}
	return time.Duration(*m.MaxAgeSeconds) * time.Second
}

// UnaryEntry is one cached unary response.
type UnaryEntry struct {
	Response  inference.ProviderResponse `json:"response"`
	CreatedAt time.Time                  `json:"created_at"`
}

// StreamEntry is one cached stream: the full chunk buffer recorded by the
// stream wrapper plus the usage observed across it.
type StreamEntry struct {
	Chunks     []inference.StreamChunk `json:"chunks"`
	RawRequest string                  `json:"raw_request,omitempty"`
	Usage      inference.Usage         `json:"usage"`
	CreatedAt  time.Time               `json:"created_at"`
}

// Store is the cache port. Lookups return (nil, nil) on miss; maxAge zero
// means no age bound. Writes are issued fire-and-forget by the router, which
// logs failures and never surfaces them.
type Store interface {
	LookupUnary(ctx context.Context, fingerprint string, maxAge time.Duration) (*UnaryEntry, error)
	LookupStream(ctx context.Context, fingerprint string, maxAge time.Duration) (*StreamEntry, error)
	WriteUnary(ctx context.Context, fingerprint string, entry *UnaryEntry) error
	WriteStream(ctx context.Context, fingerprint string, entry *StreamEntry) error
	Close() error
}

// volatile top-level fields excluded from the cacheable projection: they vary
// between unary and streaming forms of the same request.
var volatileFields = map[string]bool{
	"stream":         true,
	"stream_options": true,
}

// Fingerprint computes the deterministic content hash of one request as
// dispatched to one binding: model name, provider binding name, the
// translated body projected onto cacheable fields, and the tool config.
func Fingerprint(modelName, providerName string, translatedBody []byte, toolConfig *inference.ToolConfig) string {
	h := sha256.New()
	h.Write([]byte(modelName))
	h.Write([]byte{0})
	h.Write([]byte(providerName))
	h.Write([]byte{0})
	h.Write(projectCacheable(translatedBody))
	h.Write([]byte{0})
	if toolConfig != nil {
		if data, err := json.Marshal(toolConfig); err == nil {
			h.Write(data)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// projectCacheable strips volatile fields from a JSON object body. Non-object
// bodies hash as-is.
func projectCacheable(body []byte) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return body
	}
	changed := false
	for name := range volatileFields {
		if _, ok := fields[name]; ok {
			delete(fields, name)
			changed = true
		}
	}
	if !changed {
		return body
	}
	projected, err := json.Marshal(fields)
	if err != nil {
		return body
	}
	return projected
}

// expired reports whether a row created at createdAt is too old for maxAge.
func expired(createdAt time.Time, maxAge time.Duration, now time.Time) bool {
	return maxAge > 0 && now.Sub(createdAt) > maxAge
}

// replayReader replays a recorded stream. Every chunk is restamped: latency
// zero, created now; the finish reason survives only on the last chunk.
type replayReader struct {
	chunks []inference.StreamChunk
	next   int
	closed bool
}

// NewReplay builds a StreamReader over a cached stream entry.
func NewReplay(entry *StreamEntry) providers.StreamReader {
	return &replayReader{chunks: entry.Chunks}
}

// Read implements providers.StreamReader.
func (r *replayReader) Read(ctx context.Context) (*inference.StreamChunk, error) {
	if r.closed || r.next >= len(r.chunks) {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chunk := r.chunks[r.next]
	r.next++

	chunk.Latency = 0
	chunk.Created = time.Now().Unix()
	if r.next < len(r.chunks) {
		chunk.FinishReason = nil
	}
	return &chunk, nil
}

// Close implements providers.StreamReader.
func (r *replayReader) Close() error {
	r.closed = true
	return nil
}
