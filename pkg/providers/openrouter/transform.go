package openrouter

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
)

const providerType = "openrouter"

// Reasoning detail type strings.
const (
	reasoningText      = "reasoning.text"
	reasoningSummary   = "reasoning.summary"
	reasoningEncrypted = "reasoning.encrypted"
)

// chatRequest is the Chat Completions body with the reasoning extension.
type chatRequest struct {
	Model            string          `json:"model"`
	Messages         []chatMessage   `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Tools            []chatTool      `json:"tools,omitempty"`
	ToolChoice       any             `json:"tool_choice,omitempty"`
	ResponseFormat   *responseFormat `json:"response_format,omitempty"`
	Reasoning        *reasoningOpts  `json:"reasoning,omitempty"`
}

type reasoningOpts struct {
	Effort    string `json:"effort,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role             string            `json:"role"`
	Content          any               `json:"content,omitempty"`
	ToolCalls        []chatToolCall    `json:"tool_calls,omitempty"`
	ToolCallID       string            `json:"tool_call_id,omitempty"`
	ReasoningDetails []reasoningDetail `json:"reasoning_details,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string      `json:"type"`
	Function chatToolDef `json:"function"`
}

type chatToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// reasoningDetail is one reasoning_details entry, on input and output.
type reasoningDetail struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Data      string `json:"data,omitempty"`
	Signature string `json:"signature,omitempty"`
	Index     *int   `json:"index,omitempty"`
}

// chatResponse is the unary response body.
type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
	Created int64        `json:"created,omitempty"`
}

type chatChoice struct {
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Content          *string           `json:"content,omitempty"`
	ToolCalls        []chatToolCall    `json:"tool_calls,omitempty"`
	ReasoningDetails []reasoningDetail `json:"reasoning_details,omitempty"`
}

type chatUsage struct {
	PromptTokens     *int `json:"prompt_tokens,omitempty"`
	CompletionTokens *int `json:"completion_tokens,omitempty"`
}

// translateRequest builds the wire body for a canonical request.
func translateRequest(req *inference.CanonicalRequest, model string) (*chatRequest, error) {
	if len(req.Messages) == 0 {
		return nil, &providers.InvalidRequestError{
			ProviderType: providerType,
			Message:      "messages must not be empty",
		}
	}

	var messages []chatMessage
	if system := req.EffectiveSystem(); system != nil {
		messages = append(messages, chatMessage{Role: "system", Content: *system})
	}
	for _, msg := range req.Messages {
		converted, err := translateMessage(msg)
		if err != nil {
			return nil, err
		}
		messages = append(messages, converted...)
	}

	body := &chatRequest{
		Model:            model,
		Messages:         messages,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		Seed:             req.Seed,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		Stop:             req.StopSequences,
		Stream:           req.Stream,
	}

	switch req.JSONMode {
	case inference.JSONModeOn, inference.JSONModeStrict:
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	if err := applyToolConfig(body, req.ToolConfig); err != nil {
		return nil, err
	}
	applyParams(body, req.Params)
	return body, nil
}

func translateMessage(msg inference.RequestMessage) ([]chatMessage, error) {
	var text string
	var toolCalls []chatToolCall
	var details []reasoningDetail
	var toolResults []chatMessage

	for _, block := range msg.Content {
		switch b := block.(type) {
		case inference.TextBlock:
			text += b.Text

		case inference.ToolCallBlock:
			toolCalls = append(toolCalls, chatToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: chatFunction{Name: b.Name, Arguments: b.Arguments},
			})

		case inference.ToolResultBlock:
			toolResults = append(toolResults, chatMessage{
				Role:       "tool",
				ToolCallID: b.ID,
				Content:    b.Result,
			})

		case inference.ThoughtBlock:
			details = append(details, thoughtToDetail(b))

		case inference.FileBlock:
			return nil, &providers.InvalidRequestError{
				ProviderType: providerType,
				Message:      "file blocks are not supported for openrouter",
			}

		case inference.UnknownBlock:
			return nil, &providers.InvalidRequestError{
				ProviderType: providerType,
				Message:      "unknown blocks cannot be forwarded to openrouter",
			}

		default:
			return nil, &providers.SerializationError{
				ProviderType: providerType,
				Cause:        fmt.Errorf("unhandled content block kind %q", block.Kind()),
			}
		}
	}

	var messages []chatMessage
	if text != "" || len(toolCalls) > 0 || len(details) > 0 {
		m := chatMessage{
			Role:             string(msg.Role),
			ToolCalls:        toolCalls,
			ReasoningDetails: details,
		}
		if text != "" {
			m.Content = text
		}
		messages = append(messages, m)
	}
	return append(messages, toolResults...), nil
}

// thoughtToDetail re-serialises a matching thought block to the provider's
// reasoning-details format for multi-turn continuation.
func thoughtToDetail(b inference.ThoughtBlock) reasoningDetail {
	if encrypted, _ := b.Extra["encrypted"].(bool); encrypted && b.Signature != nil {
		return reasoningDetail{Type: reasoningEncrypted, Data: *b.Signature}
	}
	if b.Summary != nil && b.Text == nil {
		return reasoningDetail{Type: reasoningSummary, Summary: *b.Summary}
	}
	detail := reasoningDetail{Type: reasoningText}
	if b.Text != nil {
		detail.Text = *b.Text
	}
	if b.Signature != nil {
		detail.Signature = *b.Signature
	}
	return detail
}

// detailToThought maps one reasoning_details entry onto a thought. id groups
// stream deltas; idx is the positional fallback when the entry has no index.
func detailToThought(detail reasoningDetail, idx int) (inference.ThoughtChunk, error) {
	group := idx
	if detail.Index != nil {
		group = *detail.Index
	}
	thought := inference.ThoughtChunk{
		ID:           fmt.Sprintf("reasoning-%d", group),
		ProviderType: providerType,
	}

	switch detail.Type {
	case reasoningText:
		text := detail.Text
		thought.Text = &text
		if detail.Signature != "" {
			sig := detail.Signature
			thought.Signature = &sig
		}
	case reasoningSummary:
		summary := detail.Summary
		thought.Summary = &summary
	case reasoningEncrypted:
		data := detail.Data
		thought.Signature = &data
		thought.Extra = map[string]any{"encrypted": true}
	default:
		return thought, fmt.Errorf("unknown reasoning detail type %q", detail.Type)
	}
	return thought, nil
}

func applyToolConfig(body *chatRequest, cfg *inference.ToolConfig) error {
	if cfg == nil || len(cfg.Tools) == 0 {
		return nil
	}
	for _, tool := range cfg.Tools {
		body.Tools = append(body.Tools, chatTool{
			Type: "function",
			Function: chatToolDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	switch cfg.Choice.Mode {
	case inference.ToolChoiceNone:
		body.ToolChoice = "none"
	case inference.ToolChoiceAuto, "":
		body.ToolChoice = "auto"
	case inference.ToolChoiceRequired:
		body.ToolChoice = "required"
	case inference.ToolChoiceSpecific:
		body.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]any{"name": cfg.Choice.Name},
		}
	default:
		return &providers.InvalidRequestError{
			ProviderType: providerType,
			Message:      fmt.Sprintf("unknown tool choice mode %q", cfg.Choice.Mode),
		}
	}
	return nil
}

func applyParams(body *chatRequest, params inference.InferenceParams) {
	if params.ReasoningEffort != "" || params.ThinkingBudgetTokens != nil {
		body.Reasoning = &reasoningOpts{Effort: params.ReasoningEffort}
		if params.ThinkingBudgetTokens != nil {
			body.Reasoning.MaxTokens = *params.ThinkingBudgetTokens
		}
	}
	if params.ServiceTier != "" {
		slog.Warn("inference param not supported by provider",
			"provider_type", providerType, "param", "service_tier")
	}
	if params.Verbosity != "" {
		slog.Warn("inference param not supported by provider",
			"provider_type", providerType, "param", "verbosity")
	}
}

// translateResponse converts a unary wire response.
func translateResponse(raw []byte) (*inference.ProviderResponse, error) {
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &providers.SerializationError{
			ProviderType: providerType,
			RawResponse:  string(raw),
			Cause:        err,
		}
	}
	if len(resp.Choices) == 0 {
		return nil, &providers.SerializationError{
			ProviderType: providerType,
			RawResponse:  string(raw),
			Cause:        fmt.Errorf("response has no choices"),
		}
	}

	choice := resp.Choices[0]
	var output []inference.ContentBlock

	for i, detail := range choice.Message.ReasoningDetails {
		chunk, err := detailToThought(detail, i)
		if err != nil {
			return nil, &providers.SerializationError{ProviderType: providerType, Cause: err}
		}
		output = append(output, inference.ThoughtBlock{
			Text:         chunk.Text,
			Signature:    chunk.Signature,
			Summary:      chunk.Summary,
			ProviderType: providerType,
			Extra:        chunk.Extra,
		})
	}
	if choice.Message.Content != nil && *choice.Message.Content != "" {
		output = append(output, inference.TextBlock{Text: *choice.Message.Content})
	}
	for _, call := range choice.Message.ToolCalls {
		output = append(output, inference.ToolCallBlock{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}

	out := &inference.ProviderResponse{
		ID:           resp.ID,
		Output:       output,
		FinishReason: translateFinishReason(choice.FinishReason),
	}
	if resp.Usage != nil {
		out.Usage = inference.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
		out.RawUsage, _ = json.Marshal(resp.Usage)
	}
	return out, nil
}

func translateFinishReason(reason string) inference.FinishReason {
	switch reason {
	case "stop":
		return inference.FinishReasonStop
	case "length":
		return inference.FinishReasonLength
	case "content_filter":
		return inference.FinishReasonContentFilter
	case "tool_calls":
		return inference.FinishReasonToolCall
	default:
		return inference.FinishReasonUnknown
	}
}
