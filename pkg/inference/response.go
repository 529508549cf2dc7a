package inference

import (
	"encoding/json"
	"time"
)

// FinishReason indicates why generation stopped.
type FinishReason string

// Finish reason constants.
const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonContentFilter FinishReason = "content_filter"
	FinishReasonToolCall      FinishReason = "tool_call"
	FinishReasonStopSequence  FinishReason = "stop_sequence"
	FinishReasonUnknown       FinishReason = "unknown"
)

// Usage tracks token consumption for one inference. Fields are nil when the
// provider did not report them.
type Usage struct {
	InputTokens  *int `json:"input_tokens,omitempty"`
	OutputTokens *int `json:"output_tokens,omitempty"`
}

// TotalTokens returns the combined token count and whether any component was
// reported at all.
func (u Usage) TotalTokens() (int, bool) {
	if u.InputTokens == nil && u.OutputTokens == nil {
		return 0, false
	}
	total := 0
	if u.InputTokens != nil {
		total += *u.InputTokens
	}
	if u.OutputTokens != nil {
		total += *u.OutputTokens
	}
	return total, true
}

// Add accumulates other into u, treating nil fields as zero once the other
// side reports a value. Used by stream decoders to sum partial usage records.
func (u *Usage) Add(other Usage) {
	if other.InputTokens != nil {
		v := *other.InputTokens
		if u.InputTokens != nil {
			v += *u.InputTokens
		}
		u.InputTokens = &v
	}
	if other.OutputTokens != nil {
		v := *other.OutputTokens
		if u.OutputTokens != nil {
			v += *u.OutputTokens
		}
		u.OutputTokens = &v
	}
}

// ProviderResponse is the normalized unary inference result.
type ProviderResponse struct {
	// ID is the provider-assigned (or generated) response identifier.
	ID string `json:"id"`

	// Output is the assistant's content: text, tool calls, thoughts and
	// unknown passthrough blocks.
	Output BlockList `json:"output"`

	// System echoes the system text the provider received, if any.
	System *string `json:"system,omitempty"`

	// InputMessages echoes the (filtered) canonical messages sent upstream.
	InputMessages []RequestMessage `json:"input_messages,omitempty"`

	// RawRequest and RawResponse preserve the exact wire bodies for
	// diagnostics and caching.
	RawRequest  string `json:"raw_request,omitempty"`
	RawResponse string `json:"raw_response,omitempty"`

	Usage Usage `json:"usage"`

	// RawUsage preserves the provider's native usage record.
	RawUsage json.RawMessage `json:"raw_usage,omitempty"`

	Latency time.Duration `json:"latency"`

	FinishReason FinishReason `json:"finish_reason"`

	// ModelProviderName is the routing-list entry that produced this
	// response; set by the router.
	ModelProviderName string `json:"model_provider_name,omitempty"`

	// Cached is true when the response was served from the cache.
	Cached bool `json:"cached,omitempty"`
}

// ContentChunk is one unit of streamed content. Concrete types are TextChunk,
// ToolCallChunk, ThoughtChunk and UnknownChunk.
type ContentChunk interface {
	ChunkKind() BlockKind
}

// TextChunk is an incremental text delta. Consecutive chunks with the same ID
// concatenate at a higher layer; the core emits them as produced.
type TextChunk struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ChunkKind implements ContentChunk.
func (TextChunk) ChunkKind() BlockKind { return BlockText }

// ToolCallChunk is an incremental tool-call delta. RawName and RawArguments
// are fragments; the consumer concatenates per ID.
type ToolCallChunk struct {
	ID           string `json:"id"`
	RawName      string `json:"raw_name"`
	RawArguments string `json:"raw_arguments"`
}

// ChunkKind implements ContentChunk.
func (ToolCallChunk) ChunkKind() BlockKind { return BlockToolCall }

// ThoughtChunk is an incremental reasoning delta. Encrypted reasoning stores
// the ciphertext in Signature with Extra["encrypted"] = true.
type ThoughtChunk struct {
	ID        string  `json:"id"`
	Text      *string `json:"text,omitempty"`
	Signature *string `json:"signature,omitempty"`
	Summary   *string `json:"summary,omitempty"`

	ProviderType string         `json:"provider_type,omitempty"`
	Extra        map[string]any `json:"extra_data,omitempty"`
}

// ChunkKind implements ContentChunk.
func (ThoughtChunk) ChunkKind() BlockKind { return BlockThought }

// UnknownChunk is an unclassifiable stream frame preserved verbatim.
type UnknownChunk struct {
	Data         json.RawMessage `json:"data"`
	ModelName    *string         `json:"model_name,omitempty"`
	ProviderName *string         `json:"provider_name,omitempty"`
}

// ChunkKind implements ContentChunk.
func (UnknownChunk) ChunkKind() BlockKind { return BlockUnknown }

// StreamChunk is one streamed event delivered to the caller.
type StreamChunk struct {
	Content ChunkList `json:"content"`

	// Usage is set on chunks that carry (partial or final) usage records.
	Usage *Usage `json:"usage,omitempty"`

	// RawResponse is the raw frame that produced this chunk.
	RawResponse string `json:"raw_response,omitempty"`

	Latency time.Duration `json:"latency"`

	// FinishReason is set on the final content-bearing chunk.
	FinishReason *FinishReason `json:"finish_reason,omitempty"`

	// Created is the Unix timestamp when the chunk was produced. Cache
	// replays stamp this with the replay time.
	Created int64 `json:"created,omitempty"`
}
