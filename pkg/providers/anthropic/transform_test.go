package anthropic

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
)

func userText(text string) inference.RequestMessage {
	return inference.RequestMessage{
		Role:    inference.RoleUser,
		Content: []inference.ContentBlock{inference.TextBlock{Text: text}},
	}
}

func assistantText(text string) inference.RequestMessage {
	return inference.RequestMessage{
		Role:    inference.RoleAssistant,
		Content: []inference.ContentBlock{inference.TextBlock{Text: text}},
	}
}

func blockText(t *testing.T, raw json.RawMessage) (string, string) {
	t.Helper()
	var block anthropicBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		t.Fatalf("unmarshal block: %v", err)
	}
	return block.Type, block.Text
}

func TestTranslateRequestMaxTokensDefaults(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"claude-opus-4-1", 32000},
		{"claude-sonnet-4-5", 64000},
		{"claude-3-7-sonnet-latest", 64000},
		{"claude-3-5-haiku-latest", 8192},
		{"claude-3-opus-20240229", 4096},
	}
	for _, tt := range tests {
		req := &inference.CanonicalRequest{Messages: []inference.RequestMessage{userText("hi")}}
		wire, err := translateRequest(req, Config{Model: tt.model})
		if err != nil {
			t.Fatalf("model %s: %v", tt.model, err)
		}
		if wire.MaxTokens != tt.want {
			t.Errorf("model %s: max_tokens = %d, want %d", tt.model, wire.MaxTokens, tt.want)
		}
	}
}

func TestTranslateRequestMaxTokensUnknownModel(t *testing.T) {
	req := &inference.CanonicalRequest{Messages: []inference.RequestMessage{userText("hi")}}
	_, err := translateRequest(req, Config{Model: "mystery-model"})
	if !errors.Is(err, providers.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}

	maxTokens := 1024
	req.MaxTokens = &maxTokens
	wire, err := translateRequest(req, Config{Model: "mystery-model"})
	if err != nil {
		t.Fatalf("explicit max_tokens should bypass the defaults table: %v", err)
	}
	if wire.MaxTokens != 1024 {
		t.Errorf("max_tokens = %d", wire.MaxTokens)
	}
}

func TestTranslateRequestEmptyMessages(t *testing.T) {
	_, err := translateRequest(&inference.CanonicalRequest{}, Config{Model: "claude-3-5-haiku-latest"})
	if !errors.Is(err, providers.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestTranslateMessagesRoleRepair(t *testing.T) {
	req := &inference.CanonicalRequest{
		Messages: []inference.RequestMessage{
			assistantText("previous answer"),
			userText("part one"),
			userText("part two"),
			assistantText("final answer"),
		},
	}
	wire, err := translateRequest(req, Config{Model: "claude-3-5-haiku-latest"})
	if err != nil {
		t.Fatal(err)
	}

	roles := make([]string, len(wire.Messages))
	for i, m := range wire.Messages {
		roles[i] = m.Role
	}
	want := []string{"user", "assistant", "user", "assistant", "user"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}

	// Synthetic turns carry the listening text.
	if _, text := blockText(t, wire.Messages[0].Content[0]); text != listeningText {
		t.Errorf("prepended turn text = %q", text)
	}
	if _, text := blockText(t, wire.Messages[4].Content[0]); text != listeningText {
		t.Errorf("appended turn text = %q", text)
	}

	// Consecutive user messages merged into one turn with two blocks.
	if len(wire.Messages[2].Content) != 2 {
		t.Errorf("merged user turn has %d blocks", len(wire.Messages[2].Content))
	}
}

func TestTranslateRequestJSONModePrefill(t *testing.T) {
	req := &inference.CanonicalRequest{
		Messages: []inference.RequestMessage{userText("give me data")},
		JSONMode: inference.JSONModeOn,
	}
	wire, err := translateRequest(req, Config{Model: "claude-3-5-haiku-latest"})
	if err != nil {
		t.Fatal(err)
	}

	last := wire.Messages[len(wire.Messages)-1]
	if last.Role != "assistant" {
		t.Fatalf("last role = %q, want assistant prefill", last.Role)
	}
	if _, text := blockText(t, last.Content[0]); text != jsonPrefill {
		t.Errorf("prefill text = %q", text)
	}

	// The JSON directive lands in system when nothing mentions json.
	if wire.System == nil || !strings.HasPrefix(*wire.System, inference.JSONDirective) {
		t.Errorf("system = %v, want JSON directive prefix", wire.System)
	}
}

func TestTranslateRequestStrictSchema(t *testing.T) {
	schema := map[string]any{"type": "object"}
	req := &inference.CanonicalRequest{
		Messages:     []inference.RequestMessage{userText("hi")},
		JSONMode:     inference.JSONModeStrict,
		OutputSchema: schema,
	}
	wire, err := translateRequest(req, Config{Model: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatal(err)
	}
	if wire.OutputFormat == nil {
		t.Fatal("output_format not set for strict mode")
	}
	// Strict does not use the prefill.
	if wire.Messages[len(wire.Messages)-1].Role == "assistant" {
		t.Error("strict mode must not add the prefill turn")
	}
}

func TestTranslateRequestStrictDowngrades(t *testing.T) {
	// No schema: strict falls back to On.
	req := &inference.CanonicalRequest{
		Messages: []inference.RequestMessage{userText("hi")},
		JSONMode: inference.JSONModeStrict,
	}
	wire, err := translateRequest(req, Config{Model: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatal(err)
	}
	if wire.OutputFormat != nil {
		t.Error("output_format set without a schema")
	}
	if wire.Messages[len(wire.Messages)-1].Role != "assistant" {
		t.Error("downgraded strict mode should add the prefill turn")
	}

	// Legacy model: strict falls back to On even with a schema.
	req.OutputSchema = map[string]any{"type": "object"}
	wire, err = translateRequest(req, Config{Model: "claude-3-5-haiku-latest"})
	if err != nil {
		t.Fatal(err)
	}
	if wire.OutputFormat != nil {
		t.Error("legacy model must not use output_format")
	}
}

func TestApplyToolConfig(t *testing.T) {
	parallel := false
	tools := []inference.ToolDef{{
		Name:        "get_weather",
		Description: "Look up weather",
		Parameters:  map[string]any{"type": "object"},
	}}

	tests := []struct {
		name       string
		choice     inference.ToolChoice
		parallel   *bool
		wantType   string
		wantName   string
		wantTools  bool
		wantNoPara bool
	}{
		{
			name:      "auto",
			choice:    inference.ToolChoice{Mode: inference.ToolChoiceAuto},
			wantType:  "auto",
			wantTools: true,
		},
		{
			name:      "required maps to any",
			choice:    inference.ToolChoice{Mode: inference.ToolChoiceRequired},
			wantType:  "any",
			wantTools: true,
		},
		{
			name:      "specific",
			choice:    inference.ToolChoice{Mode: inference.ToolChoiceSpecific, Name: "get_weather"},
			wantType:  "tool",
			wantName:  "get_weather",
			wantTools: true,
		},
		{
			name:   "none omits tools",
			choice: inference.ToolChoice{Mode: inference.ToolChoiceNone},
		},
		{
			name:       "parallel false sets disable flag",
			choice:     inference.ToolChoice{Mode: inference.ToolChoiceAuto},
			parallel:   &parallel,
			wantType:   "auto",
			wantTools:  true,
			wantNoPara: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := &anthropicRequest{}
			err := applyToolConfig(body, &inference.ToolConfig{
				Tools:             tools,
				Choice:            tt.choice,
				ParallelToolCalls: tt.parallel,
			})
			if err != nil {
				t.Fatal(err)
			}
			if tt.wantTools != (len(body.Tools) > 0) {
				t.Fatalf("tools present = %v", len(body.Tools) > 0)
			}
			if !tt.wantTools {
				if body.ToolChoice != nil {
					t.Error("tool_choice set with no tools")
				}
				return
			}
			if body.ToolChoice.Type != tt.wantType {
				t.Errorf("type = %q, want %q", body.ToolChoice.Type, tt.wantType)
			}
			if body.ToolChoice.Name != tt.wantName {
				t.Errorf("name = %q, want %q", body.ToolChoice.Name, tt.wantName)
			}
			if tt.wantNoPara {
				if body.ToolChoice.DisableParallelToolUse == nil || !*body.ToolChoice.DisableParallelToolUse {
					t.Error("disable_parallel_tool_use not set")
				}
			} else if body.ToolChoice.DisableParallelToolUse != nil {
				t.Error("disable_parallel_tool_use set unexpectedly")
			}
		})
	}
}

func TestTranslateToolCallArgumentsMustBeObject(t *testing.T) {
	req := &inference.CanonicalRequest{
		Messages: []inference.RequestMessage{
			userText("check the weather"),
			{
				Role: inference.RoleAssistant,
				Content: []inference.ContentBlock{
					inference.ToolCallBlock{ID: "t1", Name: "get_weather", Arguments: `"not an object"`},
				},
			},
		},
	}
	_, err := translateRequest(req, Config{Model: "claude-3-5-haiku-latest"})
	if !errors.Is(err, providers.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestTranslateResponse(t *testing.T) {
	raw := `{
		"id": "msg_01",
		"content": [
			{"type": "thinking", "thinking": "let me think", "signature": "sig1"},
			{"type": "text", "text": "The answer is 4."},
			{"type": "tool_use", "id": "toolu_01", "name": "calc", "input": {"expr": "2+2"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 12, "output_tokens": 34}
	}`

	resp, err := translateResponse([]byte(raw), "anthropic-primary", false)
	if err != nil {
		t.Fatal(err)
	}

	if resp.ID != "msg_01" {
		t.Errorf("ID = %q", resp.ID)
	}
	if len(resp.Output) != 3 {
		t.Fatalf("output has %d blocks", len(resp.Output))
	}

	thought, ok := resp.Output[0].(inference.ThoughtBlock)
	if !ok || thought.ProviderType != providerType || *thought.Text != "let me think" || *thought.Signature != "sig1" {
		t.Errorf("thought = %+v", resp.Output[0])
	}
	text, ok := resp.Output[1].(inference.TextBlock)
	if !ok || text.Text != "The answer is 4." {
		t.Errorf("text = %+v", resp.Output[1])
	}
	call, ok := resp.Output[2].(inference.ToolCallBlock)
	if !ok || call.ID != "toolu_01" || call.Name != "calc" {
		t.Errorf("tool call = %+v", resp.Output[2])
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || args["expr"] != "2+2" {
		t.Errorf("arguments = %q", call.Arguments)
	}

	if resp.FinishReason != inference.FinishReasonToolCall {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if *resp.Usage.InputTokens != 12 || *resp.Usage.OutputTokens != 34 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestTranslateResponseJSONModeRestoresBrace(t *testing.T) {
	raw := `{"id":"msg_02","content":[{"type":"text","text":"\"ok\": true}"}],"stop_reason":"end_turn","usage":{}}`
	resp, err := translateResponse([]byte(raw), "anthropic-primary", true)
	if err != nil {
		t.Fatal(err)
	}
	text := resp.Output[0].(inference.TextBlock)
	if text.Text != `{"ok": true}` {
		t.Errorf("text = %q", text.Text)
	}
}

func TestTranslateResponseUnknownBlockScoped(t *testing.T) {
	raw := `{"id":"msg_03","content":[{"type":"server_tool_use","id":"x"}],"stop_reason":"end_turn","usage":{}}`
	resp, err := translateResponse([]byte(raw), "anthropic-primary", false)
	if err != nil {
		t.Fatal(err)
	}
	unknown, ok := resp.Output[0].(inference.UnknownBlock)
	if !ok {
		t.Fatalf("got %T", resp.Output[0])
	}
	if unknown.ProviderName == nil || *unknown.ProviderName != "anthropic-primary" {
		t.Errorf("provider name = %v", unknown.ProviderName)
	}
}

func TestTranslateStopReason(t *testing.T) {
	tests := []struct {
		in   string
		want inference.FinishReason
	}{
		{"end_turn", inference.FinishReasonStop},
		{"max_tokens", inference.FinishReasonLength},
		{"stop_sequence", inference.FinishReasonStopSequence},
		{"tool_use", inference.FinishReasonToolCall},
		{"refusal", inference.FinishReasonContentFilter},
		{"something_new", inference.FinishReasonUnknown},
	}
	for _, tt := range tests {
		if got := translateStopReason(tt.in); got != tt.want {
			t.Errorf("translateStopReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTranslateThoughtRoundTrip(t *testing.T) {
	text := "reasoning"
	sig := "sig"
	raw, err := translateThought(inference.ThoughtBlock{Text: &text, Signature: &sig, ProviderType: providerType})
	if err != nil {
		t.Fatal(err)
	}
	var block anthropicBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		t.Fatal(err)
	}
	if block.Type != "thinking" || block.Thinking != "reasoning" || block.Signature != "sig" {
		t.Errorf("block = %+v", block)
	}

	raw, err = translateThought(inference.ThoughtBlock{
		ProviderType: providerType,
		Extra:        map[string]any{"redacted_thinking": "ciphertext"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, &block); err != nil {
		t.Fatal(err)
	}
	if block.Type != "redacted_thinking" || block.Data != "ciphertext" {
		t.Errorf("block = %+v", block)
	}
}
