package providers

import (
	"context"

	"apex-hq/meridian/pkg/inference"
)

// Provider is the contract every provider adapter implements. One Provider
// value corresponds to one configured binding: a provider family plus its
// base URL, credential location, and quirks.
//
// All methods accept a context.Context for cancellation and timeout control;
// implementations must return promptly once the context is cancelled.
// Adapters never retry and never failover.
type Provider interface {
	// Name returns the binding name this adapter was configured under
	// (e.g. "anthropic-primary"). It scopes unknown blocks and cache rows.
	Name() string

	// Kind returns the provider family ("anthropic", "openai", "openrouter",
	// "bedrock", "dummy"). It scopes thought blocks.
	Kind() string

	// TranslateRequest builds the provider wire body for a request without
	// sending it. The router hashes the result (projected onto cacheable
	// fields) into the cache fingerprint, so the body must be deterministic
	// for a given request.
	TranslateRequest(req *inference.CanonicalRequest) ([]byte, error)

	// Infer performs a unary inference call: translate, send, translate back.
	Infer(ctx context.Context, req *inference.CanonicalRequest) (*inference.ProviderResponse, error)

	// InferStream opens a streaming inference call. It returns the stream
	// and the serialized request body that was sent. The caller owns the
	// stream and must Close it.
	InferStream(ctx context.Context, req *inference.CanonicalRequest) (StreamReader, string, error)

	// StartBatch submits a batch of requests for asynchronous processing.
	// Providers without a batch API return BatchUnsupportedError.
	StartBatch(ctx context.Context, items []BatchItem) (*BatchHandle, error)

	// PollBatch reports batch progress. When the returned status is
	// BatchCompleted, Results holds one entry per submitted item.
	PollBatch(ctx context.Context, handle *BatchHandle) (*BatchPoll, error)
}

// StreamReader yields decoded chunks from one provider stream. It is owned
// by a single goroutine and is not safe for concurrent reads.
type StreamReader interface {
	// Read returns the next chunk. It returns nil, io.EOF when the stream
	// ends normally and nil, error (typically a *FatalStreamError) when the
	// stream fails.
	Read(ctx context.Context) (*inference.StreamChunk, error)

	// Close releases the underlying connection. Safe to call more than once.
	Close() error
}

// BatchStatus is the normalized lifecycle state of a submitted batch.
type BatchStatus string

// Batch status constants.
const (
	// BatchPending covers provider states that are still in flight.
	BatchPending BatchStatus = "pending"

	// BatchCompleted means results are available.
	BatchCompleted BatchStatus = "completed"

	// BatchFailed means the batch terminated without results.
	BatchFailed BatchStatus = "failed"
)

// BatchItem is one request within a batch, keyed by a caller-chosen id that
// survives the round trip through the provider.
type BatchItem struct {
	// CustomID keys the item's result in BatchPoll.Results.
	CustomID string

	// Request is the canonical request for this item.
	Request *inference.CanonicalRequest
}

// BatchHandle identifies a submitted batch across poll calls.
type BatchHandle struct {
	// ID is the provider-assigned batch id.
	ID string

	// InputFileID is the provider file holding the uploaded requests.
	InputFileID string

	// OutputFileID is the provider file holding results, set once the
	// provider reports completion.
	OutputFileID string
}

// BatchPoll is the result of one PollBatch call.
type BatchPoll struct {
	// Status is the normalized batch state.
	Status BatchStatus

	// Results holds per-item outcomes; populated only when Status is
	// BatchCompleted.
	Results []BatchResult

	// RawStatus is the provider's own status string, for diagnostics.
	RawStatus string
}

// BatchResult is the outcome of one batch item.
type BatchResult struct {
	// CustomID is the id the item was submitted under.
	CustomID string

	// Response is the translated response; nil when Err is set.
	Response *inference.ProviderResponse

	// Err is the per-item failure (if any).
	Err error
}
