package routing

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"apex-hq/meridian/internal/routing"
	"apex-hq/meridian/pkg/cache"
	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
	"apex-hq/meridian/pkg/ratelimit"
	"apex-hq/meridian/pkg/tasks"
)

func textChunks(pieces ...string) []inference.StreamChunk {
	chunks := make([]inference.StreamChunk, 0, len(pieces))
	for _, piece := range pieces {
		chunks = append(chunks, inference.StreamChunk{
			Content: inference.ChunkList{inference.TextChunk{ID: "0", Text: piece}},
			Latency: 3 * time.Millisecond,
			Created: time.Now().Unix(),
		})
	}
	// Final chunk carries usage and the finish reason.
	finish := inference.FinishReasonStop
	in, out := 12, 5
	last := &chunks[len(chunks)-1]
	last.Usage = &inference.Usage{InputTokens: &in, OutputTokens: &out}
	last.FinishReason = &finish
	return chunks
}

func drainStream(t *testing.T, stream *Stream) ([]*inference.StreamChunk, error) {
	t.Helper()
	var chunks []*inference.StreamChunk
	for {
		chunk, err := stream.Read(context.Background())
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

func concatText(chunks []*inference.StreamChunk) string {
	var b strings.Builder
	for _, chunk := range chunks {
		for _, content := range chunk.Content {
			if text, ok := content.(inference.TextChunk); ok {
				b.WriteString(text.Text)
			}
		}
	}
	return b.String()
}

func TestStreamFailover(t *testing.T) {
	bad := routing.NewMockProvider("err")
	bad.Err = serverError()
	good := routing.NewMockProvider("good")
	good.Chunks = textChunks("O", "K")

	r := newRouter(t, Config{Providers: []providers.Provider{bad, good}})
	stream, err := r.InferStream(context.Background(), chatRequest())
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	if stream.ProviderName != "good" {
		t.Errorf("provider = %q", stream.ProviderName)
	}
	chunks, err := drainStream(t, stream)
	if err != nil {
		t.Fatal(err)
	}
	if got := concatText(chunks); got != "OK" {
		t.Errorf("text = %q", got)
	}
	if chunks[0].Content[0].(inference.TextChunk).Text != "O" {
		t.Errorf("first chunk = %+v", chunks[0])
	}
}

func TestStreamExhaustion(t *testing.T) {
	first := routing.NewMockProvider("err")
	first.Err = serverError()
	second := routing.NewMockProvider("err2")
	second.Err = serverError()

	r := newRouter(t, Config{Providers: []providers.Provider{first, second}})
	_, err := r.InferStream(context.Background(), chatRequest())

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || len(exhausted.Attempts) != 2 {
		t.Fatalf("err = %v", err)
	}
}

func TestStreamMidStreamErrorDoesNotFailover(t *testing.T) {
	flaky := routing.NewMockProvider("flaky")
	flaky.Chunks = []inference.StreamChunk{
		{Content: inference.ChunkList{inference.TextChunk{ID: "0", Text: "par"}}},
	}
	flaky.StreamErr = &providers.FatalStreamError{ProviderType: "mock", Message: "connection reset"}
	backup := routing.NewMockProvider("backup")
	backup.Chunks = textChunks("unused")

	r := newRouter(t, Config{Providers: []providers.Provider{flaky, backup}})
	stream, err := r.InferStream(context.Background(), chatRequest())
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	chunks, err := drainStream(t, stream)
	if !errors.Is(err, providers.ErrFatalStream) {
		t.Fatalf("err = %v, want ErrFatalStream", err)
	}
	if concatText(chunks) != "par" {
		t.Errorf("partial text = %q", concatText(chunks))
	}
	if backup.StreamCalls() != 0 {
		t.Error("router failed over after the first chunk")
	}
}

func TestStreamTicketConservationOnFatalError(t *testing.T) {
	flaky := routing.NewMockProvider("flaky")
	flaky.Chunks = []inference.StreamChunk{
		{Content: inference.ChunkList{inference.TextChunk{ID: "0", Text: "x"}}},
	}
	flaky.StreamErr = &providers.FatalStreamError{ProviderType: "mock", Message: "dropped"}
	store := &countingStore{}
	tracker := tasks.New()

	r := newRouter(t, Config{
		Providers: []providers.Provider{flaky},
		Tickets:   ratelimit.NewManager(store, ratelimit.Rule{TokensPerSecond: 1000}),
		Tracker:   tracker,
	})
	stream, err := r.InferStream(context.Background(), chatRequest())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := drainStream(t, stream); !errors.Is(err, providers.ErrFatalStream) {
		t.Fatalf("err = %v", err)
	}
	if err := tracker.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	consumes, returns := store.counts()
	if consumes != 1 || returns != 1 {
		t.Fatalf("consumes = %d, returns = %d", consumes, returns)
	}
	if !store.returns[0].UnderEstimate {
		t.Errorf("rec = %+v, want under-estimate", store.returns[0])
	}
}

func TestStreamCallerDisconnectStillWritesCache(t *testing.T) {
	good := routing.NewMockProvider("good")
	good.Chunks = textChunks("He", "llo")
	cacheStore := cache.NewMemoryStore(cache.MemoryConfig{})
	ticketStore := &countingStore{}
	tracker := tasks.New()

	r := newRouter(t, Config{
		Providers: []providers.Provider{good},
		Cache:     cacheStore,
		CacheMode: cache.Mode{Read: true, Write: true},
		Tickets:   ratelimit.NewManager(ticketStore, ratelimit.Rule{TokensPerSecond: 1000}),
		Tracker:   tracker,
	})

	stream, err := r.InferStream(context.Background(), chatRequest())
	if err != nil {
		t.Fatal(err)
	}
	// Read one chunk, then disconnect.
	if _, err := stream.Read(context.Background()); err != nil {
		t.Fatal(err)
	}
	stream.Close()

	// The drain keeps running on the tracker; shutdown awaits it.
	if err := tracker.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, returns := ticketStore.counts(); returns != 1 {
		t.Errorf("ticket returns = %d, want 1", returns)
	}
	body, _ := good.TranslateRequest(nil)
	fp := cache.Fingerprint("gpt-test", "good", body, nil)
	entry, err := cacheStore.LookupStream(context.Background(), fp, 0)
	if err != nil || entry == nil {
		t.Fatalf("cache entry = %v, %v", entry, err)
	}
	if len(entry.Chunks) != 2 {
		t.Errorf("cached chunks = %d", len(entry.Chunks))
	}
}

func TestStreamCacheReplay(t *testing.T) {
	good := routing.NewMockProvider("good")
	good.Chunks = textChunks("He", "ll", "o", " ", "!")
	store := cache.NewMemoryStore(cache.MemoryConfig{})
	tracker := tasks.New()

	r := newRouter(t, Config{
		Providers: []providers.Provider{good},
		Cache:     store,
		CacheMode: cache.Mode{Read: true, Write: true},
		Tracker:   tracker,
	})

	first, err := r.InferStream(context.Background(), chatRequest())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := drainStream(t, first); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	second, err := r.InferStream(context.Background(), chatRequest())
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached {
		t.Fatal("second stream should be a cache replay")
	}
	chunks, err := drainStream(t, second)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 5 {
		t.Fatalf("replayed %d chunks", len(chunks))
	}
	if got := concatText(chunks); got != "Hello !" {
		t.Errorf("text = %q", got)
	}
	for i, chunk := range chunks {
		if chunk.Latency != 0 {
			t.Errorf("chunk %d latency = %v", i, chunk.Latency)
		}
		isLast := i == len(chunks)-1
		if !isLast && chunk.FinishReason != nil {
			t.Errorf("chunk %d carries finish reason", i)
		}
		if isLast && (chunk.FinishReason == nil || *chunk.FinishReason != inference.FinishReasonStop) {
			t.Errorf("last chunk finish = %v", chunk.FinishReason)
		}
	}
	if good.StreamCalls() != 1 {
		t.Errorf("provider opened %d streams, want 1", good.StreamCalls())
	}
}

func TestStreamTTFTTimeoutFailsOver(t *testing.T) {
	slow := routing.NewMockProvider("slow")
	slow.Chunks = textChunks("late")
	slow.Delay = 500 * time.Millisecond
	fast := routing.NewMockProvider("fast")
	fast.Chunks = textChunks("OK")

	ttftMS := 40
	r := newRouter(t, Config{
		Providers: []providers.Provider{slow, fast},
		ProviderTimeouts: map[string]Timeouts{
			"slow": {Streaming: StreamingTimeouts{TTFTMS: &ttftMS}},
		},
	})

	stream, err := r.InferStream(context.Background(), chatRequest())
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()
	if stream.ProviderName != "fast" {
		t.Errorf("provider = %q", stream.ProviderName)
	}
}

func TestChunkQueueUnbounded(t *testing.T) {
	q := newChunkQueue()
	const n = 1000
	for i := 0; i < n; i++ {
		q.push(&inference.StreamChunk{
			Content: inference.ChunkList{inference.TextChunk{ID: "0", Text: "x"}},
		})
	}
	q.close(nil)

	for i := 0; i < n; i++ {
		if _, err := q.pop(context.Background()); err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
	}
	if _, err := q.pop(context.Background()); err != io.EOF {
		t.Errorf("final pop = %v, want EOF", err)
	}
}

func TestChunkQueuePopHonorsContext(t *testing.T) {
	q := newChunkQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}
