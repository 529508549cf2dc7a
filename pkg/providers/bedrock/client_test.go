package bedrock

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
)

type fakeRuntime struct {
	converse       func(ctx context.Context, params *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error)
	converseStream func(ctx context.Context, params *bedrockruntime.ConverseStreamInput) (*bedrockruntime.ConverseStreamOutput, error)
}

func (f *fakeRuntime) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return f.converse(ctx, params)
}

func (f *fakeRuntime) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	return f.converseStream(ctx, params)
}

func textOutput(text string) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: text},
				},
			},
		},
		StopReason: brtypes.StopReasonEndTurn,
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(7),
			OutputTokens: aws.Int32(2),
		},
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{Name: "b", Model: "m"}); err == nil {
		t.Error("missing runtime accepted")
	}
	if _, err := New(Config{Name: "b", Runtime: &fakeRuntime{}}); err == nil {
		t.Error("missing model accepted")
	}
	if _, err := New(Config{Name: "b", Model: "m", Runtime: &fakeRuntime{}}); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestInferTranslatesResponse(t *testing.T) {
	var captured *bedrockruntime.ConverseInput
	runtime := &fakeRuntime{
		converse: func(_ context.Context, params *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error) {
			captured = params
			return textOutput("hello"), nil
		},
	}
	client, err := New(Config{
		Name:    "bedrock-primary",
		Model:   "anthropic.claude-sonnet-4-v1:0",
		Runtime: runtime,
	})
	if err != nil {
		t.Fatal(err)
	}

	system := "be brief"
	resp, err := client.Infer(context.Background(), &inference.CanonicalRequest{
		Messages: []inference.RequestMessage{userText("hi")},
		System:   &system,
	})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	if *captured.ModelId != "anthropic.claude-sonnet-4-v1:0" {
		t.Errorf("model id = %q", *captured.ModelId)
	}
	if len(captured.System) != 1 {
		t.Errorf("system blocks = %d", len(captured.System))
	}

	if resp.ID == "" {
		t.Error("response id not assigned")
	}
	if resp.Output[0].(inference.TextBlock).Text != "hello" {
		t.Errorf("output = %+v", resp.Output)
	}
	if resp.Usage.InputTokens == nil || *resp.Usage.InputTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if !strings.Contains(resp.RawRequest, `"anthropic.claude-sonnet-4-v1:0"`) {
		t.Errorf("raw request = %q", resp.RawRequest)
	}
	if resp.System == nil || *resp.System != system {
		t.Errorf("system echo = %v", resp.System)
	}
}

func TestInferThrottlingClassified(t *testing.T) {
	runtime := &fakeRuntime{
		converse: func(context.Context, *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}
		},
	}
	client, _ := New(Config{Name: "b", Model: "m", Runtime: runtime})

	_, err := client.Infer(context.Background(), &inference.CanonicalRequest{
		Messages: []inference.RequestMessage{userText("hi")},
	})
	var clientErr *providers.ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("expected ClientError, got %v", err)
	}
	if clientErr.StatusCode != 429 {
		t.Errorf("status = %d", clientErr.StatusCode)
	}
}

func TestInferServerErrorClassified(t *testing.T) {
	respErr := &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{
			Response: &http.Response{StatusCode: 500, Body: http.NoBody},
		},
		Err: errors.New("internal failure"),
	}
	runtime := &fakeRuntime{
		converse: func(context.Context, *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error) {
			return nil, respErr
		},
	}
	client, _ := New(Config{Name: "b", Model: "m", Runtime: runtime})

	_, err := client.Infer(context.Background(), &inference.CanonicalRequest{
		Messages: []inference.RequestMessage{userText("hi")},
	})
	var serverErr *providers.ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if serverErr.StatusCode != 500 {
		t.Errorf("status = %d", serverErr.StatusCode)
	}
}

func TestInferTransportErrorClassified(t *testing.T) {
	runtime := &fakeRuntime{
		converse: func(context.Context, *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	client, _ := New(Config{Name: "b", Model: "m", Runtime: runtime})

	_, err := client.Infer(context.Background(), &inference.CanonicalRequest{
		Messages: []inference.RequestMessage{userText("hi")},
	})
	var clientErr *providers.ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("expected ClientError, got %v", err)
	}
	if clientErr.StatusCode != 0 {
		t.Errorf("status = %d", clientErr.StatusCode)
	}
}

func TestInferContextErrorPassesThrough(t *testing.T) {
	runtime := &fakeRuntime{
		converse: func(ctx context.Context, _ *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error) {
			return nil, context.DeadlineExceeded
		},
	}
	client, _ := New(Config{Name: "b", Model: "m", Runtime: runtime})

	_, err := client.Infer(context.Background(), &inference.CanonicalRequest{
		Messages: []inference.RequestMessage{userText("hi")},
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if errors.Is(err, providers.ErrClient) || errors.Is(err, providers.ErrServer) {
		t.Error("context error was reclassified")
	}
}

func TestTranslateRequestDeterministic(t *testing.T) {
	client, _ := New(Config{Name: "b", Model: "m", Runtime: &fakeRuntime{}})
	req := &inference.CanonicalRequest{
		Messages: []inference.RequestMessage{userText("hi")},
		ToolConfig: &inference.ToolConfig{
			Tools: []inference.ToolDef{{Name: "lookup", Description: "looks up"}},
		},
	}

	first, err := client.TranslateRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := client.TranslateRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("translated bodies differ between calls")
	}
}

func TestBatchUnsupported(t *testing.T) {
	client, _ := New(Config{Name: "b", Model: "m", Runtime: &fakeRuntime{}})

	if _, err := client.StartBatch(context.Background(), nil); !errors.Is(err, providers.ErrBatchUnsupported) {
		t.Errorf("StartBatch: %v", err)
	}
	if _, err := client.PollBatch(context.Background(), &providers.BatchHandle{ID: "x"}); !errors.Is(err, providers.ErrBatchUnsupported) {
		t.Errorf("PollBatch: %v", err)
	}
}

func TestInferStreamOpenErrorClassified(t *testing.T) {
	runtime := &fakeRuntime{
		converseStream: func(context.Context, *bedrockruntime.ConverseStreamInput) (*bedrockruntime.ConverseStreamOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "ValidationException", Message: "bad input"}
		},
	}
	client, _ := New(Config{Name: "b", Model: "m", Runtime: runtime})

	_, _, err := client.InferStream(context.Background(), &inference.CanonicalRequest{
		Messages: []inference.RequestMessage{userText("hi")},
		Stream:   true,
	})
	var clientErr *providers.ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("expected ClientError, got %v", err)
	}
	if clientErr.StatusCode != 400 {
		t.Errorf("status = %d", clientErr.StatusCode)
	}
}
