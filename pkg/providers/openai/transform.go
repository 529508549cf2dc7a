package openai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
)

// chatRequest is the Chat Completions request body.
type chatRequest struct {
	Model             string             `json:"model"`
	Messages          []chatMessage      `json:"messages"`
	Temperature       *float64           `json:"temperature,omitempty"`
	TopP              *float64           `json:"top_p,omitempty"`
	MaxTokens         *int               `json:"max_tokens,omitempty"`
	Seed              *int               `json:"seed,omitempty"`
	PresencePenalty   *float64           `json:"presence_penalty,omitempty"`
	FrequencyPenalty  *float64           `json:"frequency_penalty,omitempty"`
	Stop              []string           `json:"stop,omitempty"`
	Stream            bool               `json:"stream,omitempty"`
	StreamOptions     *streamOptions     `json:"stream_options,omitempty"`
	Tools             []chatTool         `json:"tools,omitempty"`
	ToolChoice        any                `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool              `json:"parallel_tool_calls,omitempty"`
	ResponseFormat    *responseFormat    `json:"response_format,omitempty"`
	ReasoningEffort   string             `json:"reasoning_effort,omitempty"`
	ServiceTier       string             `json:"service_tier,omitempty"`
	Verbosity         string             `json:"verbosity,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string          `json:"role"`
	Content    any             `json:"content,omitempty"`
	ToolCalls  []chatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
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
	Strict      bool           `json:"strict,omitempty"`
}

type responseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *jsonSchemaSpec `json:"json_schema,omitempty"`
}

type jsonSchemaSpec struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

// contentPart is one element of a multi-part message content array.
type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// chatResponse is the Chat Completions response body.
type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
	Created int64        `json:"created,omitempty"`
}

type chatChoice struct {
	Message      chatResponseMessage `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

type chatResponseMessage struct {
	Content          *string        `json:"content,omitempty"`
	ToolCalls        []chatToolCall `json:"tool_calls,omitempty"`
	ReasoningContent *string        `json:"reasoning_content,omitempty"`
	Refusal          *string        `json:"refusal,omitempty"`
}

type chatUsage struct {
	PromptTokens     *int `json:"prompt_tokens,omitempty"`
	CompletionTokens *int `json:"completion_tokens,omitempty"`
}

// translateRequest builds the wire body for a canonical request. kind is the
// provider family string used in error provider_type fields.
func translateRequest(req *inference.CanonicalRequest, model, kind string) (*chatRequest, error) {
	if len(req.Messages) == 0 {
		return nil, &providers.InvalidRequestError{
			ProviderType: kind,
			Message:      "messages must not be empty",
		}
	}

	messages, err := translateMessages(req, kind)
	if err != nil {
		return nil, err
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
	if req.Stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	applyResponseFormat(body, req)
	if err := applyToolConfig(body, req.ToolConfig, model, kind); err != nil {
		return nil, err
	}
	applyParams(body, req.Params, kind)
	return body, nil
}

func applyResponseFormat(body *chatRequest, req *inference.CanonicalRequest) {
	switch req.JSONMode {
	case inference.JSONModeOn:
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	case inference.JSONModeStrict:
		if req.OutputSchema == nil {
			body.ResponseFormat = &responseFormat{Type: "json_object"}
			return
		}
		body.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchemaSpec{
				Name:   "response",
				Strict: true,
				Schema: req.OutputSchema,
			},
		}
	}
}

// translateMessages converts canonical messages. The system text travels as
// a synthetic leading system message; tool results become role "tool"
// messages; everything else keeps its role.
func translateMessages(req *inference.CanonicalRequest, kind string) ([]chatMessage, error) {
	var messages []chatMessage

	if system := req.EffectiveSystem(); system != nil {
		messages = append(messages, chatMessage{Role: "system", Content: *system})
	}

	for _, msg := range req.Messages {
		converted, err := translateMessage(msg, req.FetchAndEncodeInputFiles, kind)
		if err != nil {
			return nil, err
		}
		messages = append(messages, converted...)
	}
	return messages, nil
}

// translateMessage converts one canonical turn. A turn can expand into
// several wire messages because tool results are separate role-"tool"
// messages.
func translateMessage(msg inference.RequestMessage, fetchFiles bool, kind string) ([]chatMessage, error) {
	var parts []contentPart
	var toolCalls []chatToolCall
	var toolResults []chatMessage

	for _, block := range msg.Content {
		switch b := block.(type) {
		case inference.TextBlock:
			parts = append(parts, contentPart{Type: "text", Text: b.Text})

		case inference.ToolCallBlock:
			// Arguments are forwarded as an opaque string.
			toolCalls = append(toolCalls, chatToolCall{
				ID:   b.ID,
				Type: "function",
				Function: chatFunction{
					Name:      b.Name,
					Arguments: b.Arguments,
				},
			})

		case inference.ToolResultBlock:
			toolResults = append(toolResults, chatMessage{
				Role:       "tool",
				ToolCallID: b.ID,
				Name:       b.Name,
				Content:    b.Result,
			})

		case inference.FileBlock:
			part, err := translateFile(b.File, fetchFiles, kind)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)

		case inference.ThoughtBlock:
			// Chat Completions has no input slot for prior reasoning.
			slog.Warn("dropping thought block on input",
				"provider_type", kind)

		case inference.UnknownBlock:
			return nil, &providers.InvalidRequestError{
				ProviderType: kind,
				Message:      "unknown blocks cannot be forwarded to chat completions",
			}

		default:
			return nil, &providers.SerializationError{
				ProviderType: kind,
				Cause:        fmt.Errorf("unhandled content block kind %q", block.Kind()),
			}
		}
	}

	var messages []chatMessage
	if len(parts) > 0 || len(toolCalls) > 0 {
		m := chatMessage{Role: string(msg.Role), ToolCalls: toolCalls}
		m.Content = collapseParts(parts)
		messages = append(messages, m)
	}
	return append(messages, toolResults...), nil
}

// collapseParts keeps plain string content for text-only messages; the array
// form is only used when images are present.
func collapseParts(parts []contentPart) any {
	if len(parts) == 0 {
		return nil
	}
	textOnly := true
	for _, p := range parts {
		if p.Type != "text" {
			textOnly = false
			break
		}
	}
	if textOnly {
		var sb strings.Builder
		for _, p := range parts {
			sb.WriteString(p.Text)
		}
		return sb.String()
	}
	return parts
}

func translateFile(file inference.LazyFile, fetchFiles bool, kind string) (contentPart, error) {
	if !file.IsImage() {
		return contentPart{}, &providers.InvalidRequestError{
			ProviderType: kind,
			Message:      fmt.Sprintf("unsupported file type %q for chat completions", file.MIMEType),
		}
	}
	if !fetchFiles && !file.Resolved() {
		return contentPart{Type: "image_url", ImageURL: &imageURL{URL: file.URL}}, nil
	}
	if !file.Resolved() {
		return contentPart{}, &providers.InvalidRequestError{
			ProviderType: kind,
			Message:      fmt.Sprintf("file %q must be fetched before inference", file.URL),
		}
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", file.MIMEType, file.Base64())
	return contentPart{Type: "image_url", ImageURL: &imageURL{URL: dataURL}}, nil
}

func applyToolConfig(body *chatRequest, cfg *inference.ToolConfig, model, kind string) error {
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
				Strict:      tool.Strict || cfg.Strict,
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
			ProviderType: kind,
			Message:      fmt.Sprintf("unknown tool choice mode %q", cfg.Choice.Mode),
		}
	}

	if cfg.ParallelToolCalls != nil {
		// o1 models reject the field when disabling parallel calls.
		if strings.HasPrefix(model, "o1") && !*cfg.ParallelToolCalls {
			slog.Warn("omitting parallel_tool_calls for o1 model", "model", model)
		} else {
			body.ParallelToolCalls = cfg.ParallelToolCalls
		}
	}
	return nil
}

func applyParams(body *chatRequest, params inference.InferenceParams, kind string) {
	body.ReasoningEffort = params.ReasoningEffort
	body.ServiceTier = params.ServiceTier
	body.Verbosity = params.Verbosity
	if params.ThinkingBudgetTokens != nil {
		slog.Warn("inference param not supported by provider",
			"provider_type", kind, "param", "thinking_budget_tokens")
	}
}

// translateResponse converts a unary wire response.
func translateResponse(raw []byte, bindingName, kind string) (*inference.ProviderResponse, error) {
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &providers.SerializationError{
			ProviderType: kind,
			RawResponse:  string(raw),
			Cause:        err,
		}
	}
	if len(resp.Choices) == 0 {
		return nil, &providers.SerializationError{
			ProviderType: kind,
			RawResponse:  string(raw),
			Cause:        fmt.Errorf("response has no choices"),
		}
	}

	choice := resp.Choices[0]
	var output []inference.ContentBlock

	if choice.Message.ReasoningContent != nil && *choice.Message.ReasoningContent != "" {
		output = append(output, inference.ThoughtBlock{
			Text:         choice.Message.ReasoningContent,
			ProviderType: kind,
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
		FinishReason: translateFinishReason(choice.FinishReason, choice.Message.Refusal != nil),
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

func translateFinishReason(reason string, refused bool) inference.FinishReason {
	if refused {
		return inference.FinishReasonContentFilter
	}
	switch reason {
	case "stop":
		return inference.FinishReasonStop
	case "length":
		return inference.FinishReasonLength
	case "content_filter":
		return inference.FinishReasonContentFilter
	case "tool_calls", "function_call":
		return inference.FinishReasonToolCall
	default:
		return inference.FinishReasonUnknown
	}
}
