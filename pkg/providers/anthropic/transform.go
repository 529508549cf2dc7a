package anthropic

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
)

const providerType = "anthropic"

// listeningText is the synthetic user turn inserted to satisfy the API's
// alternating-role requirement.
const listeningText = "[listening]"

// jsonPrefill is appended as an assistant turn in JSON mode; the response
// then continues from the opening brace, which translateResponse restores.
const jsonPrefill = "Here is the JSON requested:\n{"

// anthropicRequest is the Messages API request body.
type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	Messages      []anthropicMessage `json:"messages"`
	System        *string            `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	ToolChoice    *anthropicChoice   `json:"tool_choice,omitempty"`
	Thinking      *anthropicThinking `json:"thinking,omitempty"`
	OutputFormat  json.RawMessage    `json:"output_format,omitempty"`
	ServiceTier   string             `json:"service_tier,omitempty"`
}

type anthropicMessage struct {
	Role    string            `json:"role"`
	Content []json.RawMessage `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicChoice struct {
	Type                   string `json:"type"`
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse *bool  `json:"disable_parallel_tool_use,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// anthropicResponse is the Messages API response body.
type anthropicResponse struct {
	ID         string            `json:"id"`
	Content    []json.RawMessage `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      anthropicUsage    `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  *int `json:"input_tokens,omitempty"`
	OutputTokens *int `json:"output_tokens,omitempty"`
}

// anthropicBlock covers every response content block shape.
type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Data      string          `json:"data,omitempty"`
}

// translateRequest builds the wire body for a canonical request. The request
// must already be scope-filtered for this binding.
func translateRequest(req *inference.CanonicalRequest, cfg Config) (*anthropicRequest, error) {
	if len(req.Messages) == 0 {
		return nil, &providers.InvalidRequestError{
			ProviderType: providerType,
			Message:      "messages must not be empty",
		}
	}

	maxTokens, err := resolveMaxTokens(req, cfg.Model)
	if err != nil {
		return nil, err
	}

	messages, err := translateMessages(req)
	if err != nil {
		return nil, err
	}

	jsonMode := effectiveJSONMode(req, cfg.Model)
	if jsonMode == inference.JSONModeOn {
		prefill, _ := json.Marshal(anthropicBlock{Type: "text", Text: jsonPrefill})
		messages = append(messages, anthropicMessage{
			Role:    "assistant",
			Content: []json.RawMessage{prefill},
		})
	}

	body := &anthropicRequest{
		Model:         cfg.Model,
		MaxTokens:     maxTokens,
		Messages:      messages,
		System:        req.EffectiveSystem(),
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.StopSequences,
		Stream:        req.Stream,
	}

	if jsonMode == inference.JSONModeStrict {
		format, err := json.Marshal(map[string]any{
			"type":   "json_schema",
			"schema": req.OutputSchema,
		})
		if err != nil {
			return nil, &providers.SerializationError{ProviderType: providerType, Cause: err}
		}
		body.OutputFormat = format
	}

	if err := applyToolConfig(body, req.ToolConfig); err != nil {
		return nil, err
	}
	applyParams(body, req.Params)
	return body, nil
}

func resolveMaxTokens(req *inference.CanonicalRequest, model string) (int, error) {
	if req.MaxTokens != nil {
		return *req.MaxTokens, nil
	}
	return defaultMaxTokens(model)
}

// effectiveJSONMode downgrades Strict to On when no schema is available or
// the model predates structured outputs.
func effectiveJSONMode(req *inference.CanonicalRequest, model string) inference.JSONMode {
	mode := req.JSONMode
	if mode == inference.JSONModeStrict {
		if req.OutputSchema == nil || strings.Contains(model, "3-5") || strings.Contains(model, "3.5") {
			return inference.JSONModeOn
		}
	}
	return mode
}

// translateMessages converts canonical messages and repairs role ordering:
// consecutive same-role messages merge, a synthetic user turn is prepended
// when the conversation opens with the assistant and appended when it ends
// with the assistant.
func translateMessages(req *inference.CanonicalRequest) ([]anthropicMessage, error) {
	var messages []anthropicMessage

	for _, msg := range req.Messages {
		content, err := translateBlocks(msg.Content, req.FetchAndEncodeInputFiles)
		if err != nil {
			return nil, err
		}
		if len(content) == 0 {
			continue
		}

		role := string(msg.Role)
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, content...)
			continue
		}
		messages = append(messages, anthropicMessage{Role: role, Content: content})
	}

	if len(messages) == 0 {
		return nil, &providers.InvalidRequestError{
			ProviderType: providerType,
			Message:      "messages must not be empty",
		}
	}

	listening, _ := json.Marshal(anthropicBlock{Type: "text", Text: listeningText})
	if messages[0].Role != "user" {
		head := anthropicMessage{Role: "user", Content: []json.RawMessage{listening}}
		messages = append([]anthropicMessage{head}, messages...)
	}
	if messages[len(messages)-1].Role == "assistant" {
		messages = append(messages, anthropicMessage{Role: "user", Content: []json.RawMessage{listening}})
	}
	return messages, nil
}

func translateBlocks(blocks []inference.ContentBlock, fetchFiles bool) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for _, block := range blocks {
		wire, err := translateBlock(block, fetchFiles)
		if err != nil {
			return nil, err
		}
		if wire != nil {
			out = append(out, wire)
		}
	}
	return out, nil
}

func translateBlock(block inference.ContentBlock, fetchFiles bool) (json.RawMessage, error) {
	switch b := block.(type) {
	case inference.TextBlock:
		return marshalBlock(anthropicBlock{Type: "text", Text: b.Text})

	case inference.ToolCallBlock:
		var input map[string]any
		if err := json.Unmarshal([]byte(b.Arguments), &input); err != nil {
			return nil, &providers.InvalidRequestError{
				ProviderType: providerType,
				Message:      fmt.Sprintf("tool call %q arguments must be a JSON object", b.Name),
			}
		}
		return marshalValue(map[string]any{
			"type":  "tool_use",
			"id":    b.ID,
			"name":  b.Name,
			"input": input,
		})

	case inference.ToolResultBlock:
		return marshalValue(map[string]any{
			"type":        "tool_result",
			"tool_use_id": b.ID,
			"content":     b.Result,
		})

	case inference.FileBlock:
		return translateFile(b.File, fetchFiles)

	case inference.ThoughtBlock:
		return translateThought(b)

	case inference.UnknownBlock:
		// Scoped passthrough: the block was recorded verbatim from this
		// provider on a previous turn.
		return json.RawMessage(b.Data), nil

	default:
		return nil, &providers.SerializationError{
			ProviderType: providerType,
			Cause:        fmt.Errorf("unhandled content block kind %q", block.Kind()),
		}
	}
}

func translateFile(file inference.LazyFile, fetchFiles bool) (json.RawMessage, error) {
	blockType := "image"
	if !file.IsImage() {
		blockType = "document"
	}

	if !fetchFiles && !file.Resolved() && file.IsImage() {
		return marshalValue(map[string]any{
			"type":   blockType,
			"source": map[string]any{"type": "url", "url": file.URL},
		})
	}
	if !file.Resolved() {
		return nil, &providers.InvalidRequestError{
			ProviderType: providerType,
			Message:      fmt.Sprintf("file %q must be fetched before inference", file.URL),
		}
	}
	return marshalValue(map[string]any{
		"type": blockType,
		"source": map[string]any{
			"type":       "base64",
			"media_type": file.MIMEType,
			"data":       file.Base64(),
		},
	})
}

// translateThought re-serialises a thought from a previous Anthropic turn.
// Redacted thinking round-trips through the extra data.
func translateThought(b inference.ThoughtBlock) (json.RawMessage, error) {
	if data, ok := b.Extra["redacted_thinking"].(string); ok {
		return marshalValue(map[string]any{"type": "redacted_thinking", "data": data})
	}

	block := map[string]any{"type": "thinking"}
	if b.Text != nil {
		block["thinking"] = *b.Text
	}
	if b.Signature != nil {
		block["signature"] = *b.Signature
	}
	return marshalValue(block)
}

func applyToolConfig(body *anthropicRequest, cfg *inference.ToolConfig) error {
	if cfg == nil || len(cfg.Tools) == 0 {
		return nil
	}
	if cfg.Choice.Mode == inference.ToolChoiceNone {
		// Omitting the tools entirely is the only way to forbid tool use.
		return nil
	}

	for _, tool := range cfg.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}

	choice := &anthropicChoice{}
	switch cfg.Choice.Mode {
	case inference.ToolChoiceAuto, "":
		choice.Type = "auto"
	case inference.ToolChoiceRequired:
		choice.Type = "any"
	case inference.ToolChoiceSpecific:
		choice.Type = "tool"
		choice.Name = cfg.Choice.Name
	default:
		return &providers.InvalidRequestError{
			ProviderType: providerType,
			Message:      fmt.Sprintf("unknown tool choice mode %q", cfg.Choice.Mode),
		}
	}

	if cfg.ParallelToolCalls != nil && !*cfg.ParallelToolCalls {
		disable := true
		choice.DisableParallelToolUse = &disable
	}
	body.ToolChoice = choice
	return nil
}

// applyParams maps inference params onto the body, warning on params the
// API has no equivalent for.
func applyParams(body *anthropicRequest, params inference.InferenceParams) {
	if params.ThinkingBudgetTokens != nil {
		body.Thinking = &anthropicThinking{
			Type:         "enabled",
			BudgetTokens: *params.ThinkingBudgetTokens,
		}
	}
	if params.ServiceTier != "" {
		body.ServiceTier = params.ServiceTier
	}
	if params.ReasoningEffort != "" {
		slog.Warn("inference param not supported by provider",
			"provider_type", providerType, "param", "reasoning_effort")
	}
	if params.Verbosity != "" {
		slog.Warn("inference param not supported by provider",
			"provider_type", providerType, "param", "verbosity")
	}
}

// translateResponse converts a unary wire response. jsonMode restores the
// prefilled opening brace on the first text block.
func translateResponse(raw []byte, bindingName string, jsonMode bool) (*inference.ProviderResponse, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &providers.SerializationError{
			ProviderType: providerType,
			RawResponse:  string(raw),
			Cause:        err,
		}
	}

	var output []inference.ContentBlock
	restoredPrefill := false
	for _, rawBlock := range resp.Content {
		block, err := translateResponseBlock(rawBlock, bindingName)
		if err != nil {
			return nil, err
		}
		if text, ok := block.(inference.TextBlock); ok && jsonMode && !restoredPrefill {
			text.Text = "{" + text.Text
			block = text
			restoredPrefill = true
		}
		output = append(output, block)
	}

	rawUsage, _ := json.Marshal(resp.Usage)
	return &inference.ProviderResponse{
		ID:           resp.ID,
		Output:       output,
		Usage:        inference.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
		RawUsage:     rawUsage,
		FinishReason: translateStopReason(resp.StopReason),
	}, nil
}

func translateResponseBlock(raw json.RawMessage, bindingName string) (inference.ContentBlock, error) {
	var block anthropicBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, &providers.SerializationError{
			ProviderType: providerType,
			RawResponse:  string(raw),
			Cause:        err,
		}
	}

	switch block.Type {
	case "text":
		return inference.TextBlock{Text: block.Text}, nil

	case "tool_use":
		args := string(block.Input)
		if args == "" {
			args = "{}"
		}
		return inference.ToolCallBlock{ID: block.ID, Name: block.Name, Arguments: args}, nil

	case "thinking":
		thought := inference.ThoughtBlock{ProviderType: providerType}
		thought.Text = &block.Thinking
		if block.Signature != "" {
			sig := block.Signature
			thought.Signature = &sig
		}
		return thought, nil

	case "redacted_thinking":
		return inference.ThoughtBlock{
			ProviderType: providerType,
			Extra:        map[string]any{"redacted_thinking": block.Data},
		}, nil

	default:
		name := bindingName
		return inference.UnknownBlock{Data: raw, ProviderName: &name}, nil
	}
}

func translateStopReason(reason string) inference.FinishReason {
	switch reason {
	case "end_turn":
		return inference.FinishReasonStop
	case "max_tokens":
		return inference.FinishReasonLength
	case "stop_sequence":
		return inference.FinishReasonStopSequence
	case "tool_use":
		return inference.FinishReasonToolCall
	case "refusal":
		return inference.FinishReasonContentFilter
	default:
		return inference.FinishReasonUnknown
	}
}

func marshalBlock(block anthropicBlock) (json.RawMessage, error) {
	return marshalValue(block)
}

func marshalValue(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &providers.SerializationError{ProviderType: providerType, Cause: err}
	}
	return data, nil
}
