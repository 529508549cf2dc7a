package routing

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *ModelConfig {
	return &ModelConfig{
		Name:    "gpt-test",
		Routing: []string{"primary", "fallback"},
		Providers: map[string]ProviderBinding{
			"primary":  {Kind: "openai", Model: "gpt-4o"},
			"fallback": {Kind: "anthropic", Model: "claude-sonnet-4-20250514"},
		},
	}
}

func TestModelConfigValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*ModelConfig)
		wantSub string
	}{
		{
			name:    "empty name",
			mutate:  func(c *ModelConfig) { c.Name = "" },
			wantSub: "empty",
		},
		{
			name:    "reserved model name",
			mutate:  func(c *ModelConfig) { c.Name = "meridian::internal" },
			wantSub: "reserved",
		},
		{
			name:    "empty routing",
			mutate:  func(c *ModelConfig) { c.Routing = nil },
			wantSub: "empty routing",
		},
		{
			name:    "duplicate entry",
			mutate:  func(c *ModelConfig) { c.Routing = []string{"primary", "primary"} },
			wantSub: "twice",
		},
		{
			name:    "undefined provider",
			mutate:  func(c *ModelConfig) { c.Routing = append(c.Routing, "ghost") },
			wantSub: "undefined",
		},
		{
			name: "provider outside routing",
			mutate: func(c *ModelConfig) {
				c.Providers["orphan"] = ProviderBinding{Kind: "openai"}
			},
			wantSub: "outside the routing list",
		},
		{
			name: "reserved provider name",
			mutate: func(c *ModelConfig) {
				c.Routing = []string{"meridian::primary"}
				c.Providers = map[string]ProviderBinding{"meridian::primary": {Kind: "openai"}}
			},
			wantSub: "reserved",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("err = %v, want substring %q", err, tt.wantSub)
			}
		})
	}
}

func TestTimeoutDurations(t *testing.T) {
	var zero Timeouts
	if zero.NonStreaming.Total() != 0 || zero.Streaming.TTFT() != 0 {
		t.Error("nil timeouts should be unbounded")
	}

	total, ttft := 5000, 1500
	cfg := Timeouts{
		NonStreaming: NonStreamingTimeouts{TotalMS: &total},
		Streaming:    StreamingTimeouts{TTFTMS: &ttft},
	}
	if cfg.NonStreaming.Total() != 5*time.Second {
		t.Errorf("total = %v", cfg.NonStreaming.Total())
	}
	if cfg.Streaming.TTFT() != 1500*time.Millisecond {
		t.Errorf("ttft = %v", cfg.Streaming.TTFT())
	}
}
