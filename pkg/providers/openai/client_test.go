package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"apex-hq/meridian/pkg/credentials"
	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
)

func simpleRequest() *inference.CanonicalRequest {
	return &inference.CanonicalRequest{
		Messages: []inference.RequestMessage{{
			Role:    inference.RoleUser,
			Content: []inference.ContentBlock{inference.TextBlock{Text: "Hello"}},
		}},
	}
}

func TestNewKindValidation(t *testing.T) {
	if _, err := New(Config{Name: "x", Kind: "made-up"}); err == nil {
		t.Error("unknown kind accepted")
	}
	if _, err := New(Config{Name: "x", Kind: "vllm"}); err == nil {
		t.Error("vllm without api_base accepted")
	}
	c, err := New(Config{Name: "x", Kind: "groq", Credential: credentials.Static("k")})
	if err != nil {
		t.Fatalf("groq: %v", err)
	}
	if c.cfg.APIBase != "https://api.groq.com/openai/v1" {
		t.Errorf("groq api base = %q", c.cfg.APIBase)
	}
}

func TestInferUnary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"choices": [{"message": {"content": "Hi."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 2, "completion_tokens": 3}
		}`))
	}))
	defer server.Close()

	client, err := New(Config{
		Name:       "openai-primary",
		Model:      "gpt-4o",
		APIBase:    server.URL,
		Credential: credentials.Static("sk-test"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	resp, err := client.Infer(context.Background(), simpleRequest())
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if resp.Output[0].(inference.TextBlock).Text != "Hi." {
		t.Errorf("output = %+v", resp.Output)
	}
	if resp.RawRequest == "" || resp.RawResponse == "" || resp.Latency <= 0 {
		t.Error("raw bodies or latency missing")
	}
}

func TestAzureUsesAPIKeyHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "azure-key" {
			t.Errorf("api-key = %q", r.Header.Get("api-key"))
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("unexpected Authorization header")
		}
		w.Write([]byte(`{"id":"1","choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	client, err := New(Config{
		Name:       "azure-gpt",
		Kind:       "azure",
		Model:      "gpt-4o",
		APIBase:    server.URL,
		Credential: credentials.Static("azure-key"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if _, err := client.Infer(context.Background(), simpleRequest()); err != nil {
		t.Fatalf("Infer: %v", err)
	}
}

func TestInferStreamIncludesUsageOption(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var wire map[string]any
		json.Unmarshal(body, &wire)
		if wire["stream"] != true {
			t.Errorf("stream = %v", wire["stream"])
		}
		opts, ok := wire["stream_options"].(map[string]any)
		if !ok || opts["include_usage"] != true {
			t.Errorf("stream_options = %v", wire["stream_options"])
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	client, err := New(Config{
		Name:       "openai-primary",
		Model:      "gpt-4o",
		APIBase:    server.URL,
		Credential: credentials.Static("sk-test"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	req := simpleRequest()
	req.Stream = true
	stream, _, err := client.InferStream(context.Background(), req)
	if err != nil {
		t.Fatalf("InferStream: %v", err)
	}
	defer stream.Close()
	if _, err := stream.Read(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Read = %v", err)
	}
}

func TestBatchLifecycle(t *testing.T) {
	const outputJSONL = `{"custom_id":"req-1","response":{"status_code":200,"body":{"id":"chatcmpl-1","choices":[{"message":{"content":"one"},"finish_reason":"stop"}]}}}
{"custom_id":"req-2","response":{"status_code":400,"body":{"error":"bad"}}}
{"custom_id":"req-3","error":{"code":"server_error","message":"boom"}}
`
	var uploaded string
	polls := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/files" && r.Method == http.MethodPost:
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Fatalf("multipart: %v", err)
			}
			if r.FormValue("purpose") != "batch" {
				t.Errorf("purpose = %q", r.FormValue("purpose"))
			}
			file, _, err := r.FormFile("file")
			if err != nil {
				t.Fatalf("form file: %v", err)
			}
			data, _ := io.ReadAll(file)
			uploaded = string(data)
			w.Write([]byte(`{"id":"file-in"}`))

		case r.URL.Path == "/batches" && r.Method == http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			var create map[string]any
			json.Unmarshal(body, &create)
			if create["input_file_id"] != "file-in" || create["endpoint"] != "/v1/chat/completions" {
				t.Errorf("create body = %v", create)
			}
			w.Write([]byte(`{"id":"batch-1","status":"validating"}`))

		case r.URL.Path == "/batches/batch-1":
			polls++
			if polls == 1 {
				w.Write([]byte(`{"id":"batch-1","status":"in_progress"}`))
			} else {
				w.Write([]byte(`{"id":"batch-1","status":"completed","output_file_id":"file-out"}`))
			}

		case r.URL.Path == "/files/file-out/content":
			w.Write([]byte(outputJSONL))

		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := New(Config{
		Name:       "openai-primary",
		Model:      "gpt-4o",
		APIBase:    server.URL,
		Credential: credentials.Static("sk-test"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	items := make([]providers.BatchItem, 3)
	for i := range items {
		items[i] = providers.BatchItem{
			CustomID: fmt.Sprintf("req-%d", i+1),
			Request:  simpleRequest(),
		}
	}

	handle, err := client.StartBatch(context.Background(), items)
	if err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	if handle.ID != "batch-1" || handle.InputFileID != "file-in" {
		t.Errorf("handle = %+v", handle)
	}
	if got := strings.Count(uploaded, "\n"); got != 3 {
		t.Errorf("uploaded %d rows", got)
	}
	if !strings.Contains(uploaded, `"custom_id":"req-2"`) {
		t.Errorf("uploaded JSONL missing custom ids: %s", uploaded)
	}

	poll, err := client.PollBatch(context.Background(), handle)
	if err != nil {
		t.Fatalf("PollBatch: %v", err)
	}
	if poll.Status != providers.BatchPending {
		t.Fatalf("first poll status = %q", poll.Status)
	}

	poll, err = client.PollBatch(context.Background(), handle)
	if err != nil {
		t.Fatalf("PollBatch: %v", err)
	}
	if poll.Status != providers.BatchCompleted {
		t.Fatalf("second poll status = %q", poll.Status)
	}
	if handle.OutputFileID != "file-out" {
		t.Errorf("output file id = %q", handle.OutputFileID)
	}
	if len(poll.Results) != 3 {
		t.Fatalf("results = %d", len(poll.Results))
	}

	if poll.Results[0].Err != nil || poll.Results[0].Response.Output[0].(inference.TextBlock).Text != "one" {
		t.Errorf("result 1 = %+v", poll.Results[0])
	}
	var clientErr *providers.ClientError
	if !errors.As(poll.Results[1].Err, &clientErr) || clientErr.StatusCode != 400 {
		t.Errorf("result 2 err = %v", poll.Results[1].Err)
	}
	if poll.Results[2].Err == nil || !strings.Contains(poll.Results[2].Err.Error(), "boom") {
		t.Errorf("result 3 err = %v", poll.Results[2].Err)
	}
}

func TestBatchUnsupportedKind(t *testing.T) {
	client, err := New(Config{
		Name:       "mistral-primary",
		Kind:       "mistral",
		Model:      "mistral-large-latest",
		Credential: credentials.Static("k"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if _, err := client.StartBatch(context.Background(), nil); !errors.Is(err, providers.ErrBatchUnsupported) {
		t.Errorf("StartBatch err = %v", err)
	}
	if _, err := client.PollBatch(context.Background(), &providers.BatchHandle{}); !errors.Is(err, providers.ErrBatchUnsupported) {
		t.Errorf("PollBatch err = %v", err)
	}
}
