package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"apex-hq/meridian/pkg/credentials"
	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
)

func TestInferUnary(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant-test" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != apiVersion {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}
		if r.Header.Get("anthropic-beta") != "output-128k-2025-02-19" {
			t.Errorf("anthropic-beta = %q", r.Header.Get("anthropic-beta"))
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotBody); err != nil {
			t.Errorf("request body: %v", err)
		}
		w.Write([]byte(`{
			"id": "msg_01",
			"content": [{"type": "text", "text": "Hi there."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 3, "output_tokens": 5}
		}`))
	}))
	defer server.Close()

	client := New(Config{
		Name:       "anthropic-primary",
		Model:      "claude-sonnet-4-5",
		APIBase:    server.URL,
		Credential: credentials.Static("sk-ant-test"),
		BetaFlags:  []string{"output-128k-2025-02-19"},
	})
	defer client.Close()

	resp, err := client.Infer(context.Background(), &inference.CanonicalRequest{
		Messages: []inference.RequestMessage{{
			Role:    inference.RoleUser,
			Content: []inference.ContentBlock{inference.TextBlock{Text: "Hello"}},
		}},
	})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	if gotBody["model"] != "claude-sonnet-4-5" {
		t.Errorf("wire model = %v", gotBody["model"])
	}
	if gotBody["stream"] != nil && gotBody["stream"] != false {
		t.Errorf("unary request has stream = %v", gotBody["stream"])
	}

	if resp.ID != "msg_01" {
		t.Errorf("ID = %q", resp.ID)
	}
	text := resp.Output[0].(inference.TextBlock)
	if text.Text != "Hi there." {
		t.Errorf("text = %q", text.Text)
	}
	if resp.Latency <= 0 {
		t.Error("latency not recorded")
	}
	if resp.RawRequest == "" || resp.RawResponse == "" {
		t.Error("raw request/response not preserved")
	}
}

func TestInferStreamSetsStreamFlag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var wire map[string]any
		json.Unmarshal(body, &wire)
		if wire["stream"] != true {
			t.Errorf("stream = %v, want true", wire["stream"])
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"))
	}))
	defer server.Close()

	client := New(Config{
		Name:       "anthropic-primary",
		Model:      "claude-sonnet-4-5",
		APIBase:    server.URL,
		Credential: credentials.Static("sk-ant-test"),
	})
	defer client.Close()

	stream, rawReq, err := client.InferStream(context.Background(), &inference.CanonicalRequest{
		Messages: []inference.RequestMessage{{
			Role:    inference.RoleUser,
			Content: []inference.ContentBlock{inference.TextBlock{Text: "Hello"}},
		}},
		Stream: true,
	})
	if err != nil {
		t.Fatalf("InferStream: %v", err)
	}
	defer stream.Close()

	if rawReq == "" {
		t.Error("raw request not returned")
	}
	for {
		if _, err := stream.Read(context.Background()); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
}

func TestInferMissingDynamicCredential(t *testing.T) {
	client := New(Config{
		Name:       "anthropic-primary",
		Model:      "claude-sonnet-4-5",
		Credential: credentials.Dynamic("TEST_KEY"),
	})
	defer client.Close()

	_, err := client.Infer(context.Background(), &inference.CanonicalRequest{
		Messages: []inference.RequestMessage{{
			Role:    inference.RoleUser,
			Content: []inference.ContentBlock{inference.TextBlock{Text: "Hello"}},
		}},
	})
	if !errors.Is(err, credentials.ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
	var missing *credentials.MissingError
	if !errors.As(err, &missing) {
		t.Fatalf("got %T", err)
	}
	if missing.Provider != "anthropic-primary" {
		t.Errorf("Provider = %q", missing.Provider)
	}
	if missing.Message != "Dynamic api key `TEST_KEY` is missing" {
		t.Errorf("Message = %q", missing.Message)
	}
}

func TestInferClientErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	client := New(Config{
		Name:       "anthropic-primary",
		Model:      "claude-sonnet-4-5",
		APIBase:    server.URL,
		Credential: credentials.Static("sk-ant-test"),
	})
	defer client.Close()

	_, err := client.Infer(context.Background(), &inference.CanonicalRequest{
		Messages: []inference.RequestMessage{{
			Role:    inference.RoleUser,
			Content: []inference.ContentBlock{inference.TextBlock{Text: "Hello"}},
		}},
	})
	var clientErr *providers.ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("got %T (%v)", err, err)
	}
	if clientErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d", clientErr.StatusCode)
	}
}

func TestBatchUnsupported(t *testing.T) {
	client := New(Config{Name: "anthropic-primary", Model: "claude-sonnet-4-5"})
	defer client.Close()

	if _, err := client.StartBatch(context.Background(), nil); !errors.Is(err, providers.ErrBatchUnsupported) {
		t.Errorf("StartBatch err = %v", err)
	}
	if _, err := client.PollBatch(context.Background(), &providers.BatchHandle{}); !errors.Is(err, providers.ErrBatchUnsupported) {
		t.Errorf("PollBatch err = %v", err)
	}
}

func TestExtraBodyAndHeadersWin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Custom") != "request-level" {
			t.Errorf("X-Custom = %q", r.Header.Get("X-Custom"))
		}
		body, _ := io.ReadAll(r.Body)
		var wire map[string]any
		json.Unmarshal(body, &wire)
		if wire["temperature"] != 0.7 {
			t.Errorf("temperature = %v, want extra_body override", wire["temperature"])
		}
		w.Write([]byte(`{"id":"msg_01","content":[],"stop_reason":"end_turn","usage":{}}`))
	}))
	defer server.Close()

	client := New(Config{
		Name:         "anthropic-primary",
		Model:        "claude-sonnet-4-5",
		APIBase:      server.URL,
		Credential:   credentials.Static("sk-ant-test"),
		ExtraHeaders: map[string]string{"X-Custom": "binding-level"},
	})
	defer client.Close()

	temp := 0.2
	_, err := client.Infer(context.Background(), &inference.CanonicalRequest{
		Messages: []inference.RequestMessage{{
			Role:    inference.RoleUser,
			Content: []inference.ContentBlock{inference.TextBlock{Text: "Hello"}},
		}},
		Temperature:  &temp,
		ExtraBody:    []inference.BodyPatch{{Pointer: "/temperature", Value: 0.7}},
		ExtraHeaders: map[string]string{"X-Custom": "request-level"},
	})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
}
