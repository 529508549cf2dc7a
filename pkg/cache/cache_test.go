package cache

import (
	"context"
	"io"
	"testing"
	"time"

	"apex-hq/meridian/pkg/inference"
)

func TestFingerprintDeterministic(t *testing.T) {
	tools := &inference.ToolConfig{
		Tools: []inference.ToolDef{{Name: "lookup", Parameters: map[string]any{"type": "object"}}},
	}

	a := Fingerprint("gpt-test", "openai-primary", []byte(`{"model":"gpt-test","messages":[]}`), tools)
	b := Fingerprint("gpt-test", "openai-primary", []byte(`{"model":"gpt-test","messages":[]}`), tools)
	if a != b {
		t.Errorf("same inputs hashed differently: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d", len(a))
	}

	if c := Fingerprint("gpt-test", "openai-fallback", []byte(`{"model":"gpt-test","messages":[]}`), tools); c == a {
		t.Error("provider name did not affect fingerprint")
	}
	if c := Fingerprint("gpt-test", "openai-primary", []byte(`{"model":"gpt-test","messages":[]}`), nil); c == a {
		t.Error("tool config did not affect fingerprint")
	}
}

func TestFingerprintIgnoresStreamFields(t *testing.T) {
	unary := []byte(`{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`)
	streaming := []byte(`{"model":"gpt-test","messages":[{"role":"user","content":"hi"}],"stream":true,"stream_options":{"include_usage":true}}`)

	a := Fingerprint("gpt-test", "p", unary, nil)
	b := Fingerprint("gpt-test", "p", streaming, nil)
	if a != b {
		t.Error("unary and streaming forms of the same request should share a fingerprint")
	}

	different := []byte(`{"model":"gpt-test","messages":[{"role":"user","content":"bye"}],"stream":true}`)
	if c := Fingerprint("gpt-test", "p", different, nil); c == a {
		t.Error("message content did not affect fingerprint")
	}
}

func TestFingerprintNonObjectBody(t *testing.T) {
	// Non-JSON bodies still hash, just without projection.
	a := Fingerprint("m", "p", []byte("raw-bytes"), nil)
	b := Fingerprint("m", "p", []byte("raw-bytes"), nil)
	if a != b || len(a) != 64 {
		t.Errorf("a=%s b=%s", a, b)
	}
}

func TestReplayRestampsChunks(t *testing.T) {
	finish := inference.FinishReasonStop
	in, out := 10, 3
	entry := &StreamEntry{
		Chunks: []inference.StreamChunk{
			{Content: inference.ChunkList{inference.TextChunk{ID: "0", Text: "Hel"}}, Latency: 40 * time.Millisecond, Created: 1700000000, FinishReason: &finish},
			{Content: inference.ChunkList{inference.TextChunk{ID: "0", Text: "lo"}}, Latency: 12 * time.Millisecond, Created: 1700000001},
			{Usage: &inference.Usage{InputTokens: &in, OutputTokens: &out}, FinishReason: &finish, Created: 1700000002},
		},
	}

	reader := NewReplay(entry)
	defer reader.Close()

	before := time.Now().Unix()
	var chunks []*inference.StreamChunk
	for {
		chunk, err := reader.Read(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks", len(chunks))
	}

	for i, chunk := range chunks {
		if chunk.Latency != 0 {
			t.Errorf("chunk %d latency = %v, want 0", i, chunk.Latency)
		}
		if chunk.Created < before {
			t.Errorf("chunk %d created = %d, not restamped", i, chunk.Created)
		}
	}
	if chunks[0].FinishReason != nil || chunks[1].FinishReason != nil {
		t.Error("finish reason leaked onto a non-final chunk")
	}
	if chunks[2].FinishReason == nil || *chunks[2].FinishReason != inference.FinishReasonStop {
		t.Errorf("final finish reason = %v", chunks[2].FinishReason)
	}
	if chunks[2].Usage == nil || *chunks[2].Usage.InputTokens != 10 {
		t.Errorf("final usage = %+v", chunks[2].Usage)
	}
}

func TestReplayCloseStopsReads(t *testing.T) {
	entry := &StreamEntry{Chunks: []inference.StreamChunk{
		{Content: inference.ChunkList{inference.TextChunk{ID: "0", Text: "x"}}},
	}}
	reader := NewReplay(entry)
	if err := reader.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := reader.Read(context.Background()); err != io.EOF {
		t.Errorf("read after close = %v, want EOF", err)
	}
}

func TestModeMaxAge(t *testing.T) {
	if (Mode{}).MaxAge() != 0 {
		t.Error("nil max age should be unbounded")
	}
	sixty := 60
	if got := (Mode{MaxAgeSeconds: &sixty}).MaxAge(); got != time.Minute {
		t.Errorf("MaxAge() = %v", got)
	}
}

func unaryEntry(id string) *UnaryEntry {
	return &UnaryEntry{Response: inference.ProviderResponse{
		ID:           id,
		Output:       inference.BlockList{inference.TextBlock{Text: "cached"}},
		FinishReason: inference.FinishReasonStop,
	}}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(MemoryConfig{})
	defer store.Close()

	if hit, err := store.LookupUnary(ctx, "fp1", 0); err != nil || hit != nil {
		t.Fatalf("cold lookup = %v, %v", hit, err)
	}

	if err := store.WriteUnary(ctx, "fp1", unaryEntry("r1")); err != nil {
		t.Fatal(err)
	}
	hit, err := store.LookupUnary(ctx, "fp1", 0)
	if err != nil || hit == nil {
		t.Fatalf("lookup = %v, %v", hit, err)
	}
	if hit.Response.ID != "r1" || hit.CreatedAt.IsZero() {
		t.Errorf("entry = %+v", hit)
	}

	if err := store.WriteStream(ctx, "fp2", &StreamEntry{
		Chunks: []inference.StreamChunk{{Content: inference.ChunkList{inference.TextChunk{ID: "0", Text: "hi"}}}},
	}); err != nil {
		t.Fatal(err)
	}
	streamHit, err := store.LookupStream(ctx, "fp2", 0)
	if err != nil || streamHit == nil || len(streamHit.Chunks) != 1 {
		t.Fatalf("stream lookup = %+v, %v", streamHit, err)
	}
}

func TestMemoryStoreMaxAge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(MemoryConfig{})
	defer store.Close()

	old := unaryEntry("stale")
	old.CreatedAt = time.Now().Add(-2 * time.Hour)
	if err := store.WriteUnary(ctx, "fp", old); err != nil {
		t.Fatal(err)
	}

	if hit, _ := store.LookupUnary(ctx, "fp", time.Hour); hit != nil {
		t.Error("stale entry returned under max-age bound")
	}
	// The stale lookup evicts the row.
	if hit, _ := store.LookupUnary(ctx, "fp", 0); hit != nil {
		t.Error("stale entry should have been evicted")
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(MemoryConfig{TTL: time.Hour})
	defer store.Close()

	old := unaryEntry("stale")
	old.CreatedAt = time.Now().Add(-2 * time.Hour)
	store.WriteUnary(ctx, "fp", old)

	if hit, _ := store.LookupUnary(ctx, "fp", 0); hit != nil {
		t.Error("store TTL should apply even without a caller max-age")
	}
}

func TestMemoryStoreLRUEviction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(MemoryConfig{MaxEntries: 2})
	defer store.Close()

	store.WriteUnary(ctx, "a", unaryEntry("a"))
	store.WriteUnary(ctx, "b", unaryEntry("b"))
	// Touch "a" so "b" becomes the eviction candidate.
	if hit, _ := store.LookupUnary(ctx, "a", 0); hit == nil {
		t.Fatal("a missing before eviction")
	}
	store.WriteUnary(ctx, "c", unaryEntry("c"))

	if hit, _ := store.LookupUnary(ctx, "b", 0); hit != nil {
		t.Error("b should have been evicted")
	}
	for _, key := range []string{"a", "c"} {
		if hit, _ := store.LookupUnary(ctx, key, 0); hit == nil {
			t.Errorf("%s evicted unexpectedly", key)
		}
	}
}
