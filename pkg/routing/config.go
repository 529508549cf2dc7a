package routing

import (
	"fmt"
	"strings"
	"time"

	"apex-hq/meridian/pkg/cache"
	"apex-hq/meridian/pkg/credentials"
	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/ratelimit"
)

// ReservedPrefix marks names the gateway keeps for internal use. Model and
// provider names beginning with it are rejected at validation.
const ReservedPrefix = "meridian::"

// NonStreamingTimeouts bounds unary calls.
type NonStreamingTimeouts struct {
	// TotalMS caps the whole call in milliseconds; nil means unbounded.
	TotalMS *int `json:"total_ms,omitempty" yaml:"total_ms,omitempty"`
}

// Total returns the cap as a duration, zero when unbounded.
func (t NonStreamingTimeouts) Total() time.Duration {
	if t.TotalMS == nil {
		return 0
	}
	return time.Duration(*t.TotalMS) * time.Millisecond
}

// StreamingTimeouts bounds streaming calls.
type StreamingTimeouts struct {
	// TTFTMS caps the time to first token in milliseconds; nil means
	// unbounded. The window covers opening the stream and peeking the first
	// chunk.
	TTFTMS *int `json:"ttft_ms,omitempty" yaml:"ttft_ms,omitempty"`
}

// TTFT returns the cap as a duration, zero when unbounded.
func (t StreamingTimeouts) TTFT() time.Duration {
	if t.TTFTMS == nil {
		return 0
	}
	return time.Duration(*t.TTFTMS) * time.Millisecond
}

// Timeouts groups the two timeout tiers. At the model level they are
// terminal; at the binding level they are advisory and trigger failover.
type Timeouts struct {
	NonStreaming NonStreamingTimeouts `json:"non_streaming,omitempty" yaml:"non_streaming,omitempty"`
	Streaming    StreamingTimeouts    `json:"streaming,omitempty" yaml:"streaming,omitempty"`
}

// ProviderBinding configures one entry of a model's routing list.
type ProviderBinding struct {
	// Kind is the provider family ("anthropic", "openai", "openrouter",
	// "bedrock", "dummy", or an OpenAI-compatible kind).
	Kind string `json:"kind" yaml:"kind"`

	// Model is the upstream model identifier sent on the wire.
	Model string `json:"model" yaml:"model"`

	// APIBase overrides the family's default base URL.
	APIBase string `json:"api_base,omitempty" yaml:"api_base,omitempty"`

	// Credential locates the API credential.
	Credential credentials.Location `json:"credential,omitempty" yaml:"credential,omitempty"`

	// BetaFlags are provider beta headers (Anthropic).
	BetaFlags []string `json:"beta_flags,omitempty" yaml:"beta_flags,omitempty"`

	// ExtraBody entries are applied to the translated body before dispatch.
	ExtraBody []inference.BodyPatch `json:"extra_body,omitempty" yaml:"extra_body,omitempty"`

	// ExtraHeaders are appended to every request to this binding.
	ExtraHeaders map[string]string `json:"extra_headers,omitempty" yaml:"extra_headers,omitempty"`

	// Timeouts are advisory per-binding bounds; expiry fails over.
	Timeouts Timeouts `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`

	// DiscardUnknownChunks drops unclassifiable stream frames instead of
	// forwarding them as unknown chunks.
	DiscardUnknownChunks bool `json:"discard_unknown_chunks,omitempty" yaml:"discard_unknown_chunks,omitempty"`
}

// ModelConfig is one logical model: an ordered routing list over provider
// bindings plus the timeouts, cache mode and rate limit shared by them.
type ModelConfig struct {
	// Name is the logical model name callers route by.
	Name string `json:"name" yaml:"name"`

	// Routing is the ordered failover list of binding names.
	Routing []string `json:"routing" yaml:"routing"`

	// Providers maps binding names to their configuration.
	Providers map[string]ProviderBinding `json:"providers" yaml:"providers"`

	// Timeouts are the terminal model-level bounds.
	Timeouts Timeouts `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`

	// Cache controls cache participation.
	Cache cache.Mode `json:"cache,omitempty" yaml:"cache,omitempty"`

	// RateLimit is the model's ticket rule.
	RateLimit ratelimit.Rule `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// Validate checks the routing-list invariants: non-empty, duplicate-free,
// closed over Providers in both directions, and free of reserved names.
func (c *ModelConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if strings.HasPrefix(c.Name, ReservedPrefix) {
		return fmt.Errorf("model name %q uses the reserved prefix %q", c.Name, ReservedPrefix)
	}
	if len(c.Routing) == 0 {
		return fmt.Errorf("model %q has an empty routing list", c.Name)
	}

	seen := make(map[string]bool, len(c.Routing))
	for _, name := range c.Routing {
		if strings.HasPrefix(name, ReservedPrefix) {
			return fmt.Errorf("provider name %q uses the reserved prefix %q", name, ReservedPrefix)
		}
		if seen[name] {
			return fmt.Errorf("model %q routing lists provider %q twice", c.Name, name)
		}
		seen[name] = true
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("model %q routes to undefined provider %q", c.Name, name)
		}
	}
	for name := range c.Providers {
		if !seen[name] {
			return fmt.Errorf("model %q defines provider %q outside the routing list", c.Name, name)
		}
	}
	return nil
}
