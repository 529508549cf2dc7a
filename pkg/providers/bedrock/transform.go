package bedrock

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
)

const providerType = "bedrock"

// redactedKey carries redacted reasoning ciphertext (base64) through
// ThoughtBlock.Extra, since the canonical model has no dedicated field.
const redactedKey = "redacted_content"

// converseParts is a translated request: everything needed to build either a
// Converse or ConverseStream input, plus the reverse tool-name map for
// translating responses back.
type converseParts struct {
	messages   []brtypes.Message
	system     []brtypes.SystemContentBlock
	toolConfig *brtypes.ToolConfiguration
	inference  *brtypes.InferenceConfiguration
	thinking   map[string]any

	sanToCanon map[string]string
}

func translateRequest(req *inference.CanonicalRequest) (*converseParts, error) {
	if len(req.Messages) == 0 {
		return nil, &providers.InvalidRequestError{
			ProviderType: providerType,
			Message:      "request has no messages",
		}
	}

	parts := &converseParts{}

	canonToSan, err := parts.applyToolConfig(req.ToolConfig)
	if err != nil {
		return nil, err
	}

	if system := effectiveSystem(req); system != nil && *system != "" {
		parts.system = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: *system},
		}
	}

	ids := newToolUseIDMap()
	for _, msg := range req.Messages {
		blocks := make([]brtypes.ContentBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			encoded, err := translateBlock(block, canonToSan, ids)
			if err != nil {
				return nil, err
			}
			if encoded != nil {
				blocks = append(blocks, encoded)
			}
		}
		if len(blocks) == 0 {
			continue
		}
		role := brtypes.ConversationRoleUser
		if msg.Role == inference.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		parts.messages = append(parts.messages, brtypes.Message{
			Role:    role,
			Content: blocks,
		})
	}
	if len(parts.messages) == 0 {
		return nil, &providers.InvalidRequestError{
			ProviderType: providerType,
			Message:      "no translatable message content",
		}
	}

	parts.inference = inferenceConfig(req)
	applyParams(req, parts)
	return parts, nil
}

// effectiveSystem mirrors CanonicalRequest.EffectiveSystem but also covers
// strict JSON mode: Converse has no response_format, so both modes fall back
// to the directive.
func effectiveSystem(req *inference.CanonicalRequest) *string {
	if req.JSONMode == inference.JSONModeStrict {
		slog.Warn("json_mode strict is not supported, falling back to directive",
			"provider_type", providerType)
		if !req.MentionsJSON() {
			text := inference.JSONDirective
			if req.System != nil {
				text += *req.System
			}
			return &text
		}
		return req.System
	}
	return req.EffectiveSystem()
}

func translateBlock(block inference.ContentBlock, canonToSan map[string]string, ids *toolUseIDMap) (brtypes.ContentBlock, error) {
	switch b := block.(type) {
	case inference.TextBlock:
		if b.Text == "" {
			return nil, nil
		}
		return &brtypes.ContentBlockMemberText{Value: b.Text}, nil

	case inference.ToolCallBlock:
		input, err := toolArgsDocument(b.Arguments)
		if err != nil {
			return nil, err
		}
		tb := brtypes.ToolUseBlock{Input: input}
		if b.Name != "" {
			name, ok := canonToSan[b.Name]
			if !ok {
				name = sanitizeToolName(b.Name)
			}
			tb.Name = aws.String(name)
		}
		if id := ids.idFor(b.ID); id != "" {
			tb.ToolUseId = aws.String(id)
		}
		return &brtypes.ContentBlockMemberToolUse{Value: tb}, nil

	case inference.ToolResultBlock:
		tr := brtypes.ToolResultBlock{
			Content: []brtypes.ToolResultContentBlock{
				&brtypes.ToolResultContentBlockMemberText{Value: b.Result},
			},
		}
		if id := ids.idFor(b.ID); id != "" {
			tr.ToolUseId = aws.String(id)
		}
		return &brtypes.ContentBlockMemberToolResult{Value: tr}, nil

	case inference.FileBlock:
		return translateFileBlock(b)

	case inference.ThoughtBlock:
		if b.ProviderType != providerType {
			return nil, nil
		}
		if redacted, ok := b.Extra[redactedKey].(string); ok && redacted != "" {
			data, err := base64.StdEncoding.DecodeString(redacted)
			if err != nil {
				return nil, &providers.InvalidRequestError{
					ProviderType: providerType,
					Message:      "redacted reasoning content is not valid base64",
				}
			}
			return &brtypes.ContentBlockMemberReasoningContent{
				Value: &brtypes.ReasoningContentBlockMemberRedactedContent{Value: data},
			}, nil
		}
		if b.Text == nil || b.Signature == nil {
			// Converse rejects partial reasoning blocks; drop them.
			slog.Warn("dropping thought block without text and signature",
				"provider_type", providerType)
			return nil, nil
		}
		return &brtypes.ContentBlockMemberReasoningContent{
			Value: &brtypes.ReasoningContentBlockMemberReasoningText{
				Value: brtypes.ReasoningTextBlock{
					Text:      b.Text,
					Signature: b.Signature,
				},
			},
		}, nil

	case inference.UnknownBlock:
		// The SDK offers no raw passthrough slot; scoped blocks for other
		// bindings were already filtered upstream.
		slog.Warn("dropping unknown block: no passthrough representation",
			"provider_type", providerType)
		return nil, nil

	default:
		return nil, &providers.InvalidRequestError{
			ProviderType: providerType,
			Message:      fmt.Sprintf("unsupported content block kind %q", block.Kind()),
		}
	}
}

func translateFileBlock(b inference.FileBlock) (brtypes.ContentBlock, error) {
	if !b.File.Resolved() {
		return nil, &providers.InvalidRequestError{
			ProviderType: providerType,
			Message:      fmt.Sprintf("file %q must be resolved to bytes before dispatch", b.File.URL),
		}
	}

	if b.File.IsImage() {
		format, ok := imageFormats[b.File.MIMEType]
		if !ok {
			return nil, &providers.InvalidRequestError{
				ProviderType: providerType,
				Message:      fmt.Sprintf("unsupported image type %q", b.File.MIMEType),
			}
		}
		return &brtypes.ContentBlockMemberImage{
			Value: brtypes.ImageBlock{
				Format: format,
				Source: &brtypes.ImageSourceMemberBytes{Value: b.File.Data},
			},
		}, nil
	}

	format, ok := documentFormats[b.File.MIMEType]
	if !ok {
		return nil, &providers.InvalidRequestError{
			ProviderType: providerType,
			Message:      fmt.Sprintf("unsupported file type %q", b.File.MIMEType),
		}
	}
	return &brtypes.ContentBlockMemberDocument{
		Value: brtypes.DocumentBlock{
			Name:   aws.String("document"),
			Format: format,
			Source: &brtypes.DocumentSourceMemberBytes{Value: b.File.Data},
		},
	}, nil
}

var imageFormats = map[string]brtypes.ImageFormat{
	"image/png":  brtypes.ImageFormatPng,
	"image/jpeg": brtypes.ImageFormatJpeg,
	"image/gif":  brtypes.ImageFormatGif,
	"image/webp": brtypes.ImageFormatWebp,
}

var documentFormats = map[string]brtypes.DocumentFormat{
	"application/pdf": brtypes.DocumentFormatPdf,
	"text/csv":        brtypes.DocumentFormatCsv,
	"text/html":       brtypes.DocumentFormatHtml,
	"text/plain":      brtypes.DocumentFormatTxt,
	"text/markdown":   brtypes.DocumentFormatMd,
}

// toolArgsDocument parses a tool call's raw argument string into a smithy
// document. Bedrock, like Anthropic, requires a JSON object.
func toolArgsDocument(raw string) (document.Interface, error) {
	if raw == "" {
		raw = "{}"
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, &providers.InvalidRequestError{
			ProviderType: providerType,
			Message:      "tool call arguments must be a JSON object",
		}
	}
	var v any = decoded
	return document.NewLazyDocument(&v), nil
}

func schemaDocument(schema map[string]any) document.Interface {
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	var v any = schema
	return document.NewLazyDocument(&v)
}

// applyToolConfig builds the ToolConfiguration and both name maps. It returns
// the canonical-to-sanitized map used while encoding messages; the reverse
// map is stored on parts for response translation.
func (p *converseParts) applyToolConfig(cfg *inference.ToolConfig) (map[string]string, error) {
	if cfg == nil || len(cfg.Tools) == 0 {
		if cfg != nil && cfg.Choice.Mode == inference.ToolChoiceSpecific {
			return nil, &providers.InvalidRequestError{
				ProviderType: providerType,
				Message:      "tool choice names a tool but no tools are configured",
			}
		}
		return nil, nil
	}

	canonToSan := make(map[string]string, len(cfg.Tools))
	sanToCanon := make(map[string]string, len(cfg.Tools))
	tools := make([]brtypes.Tool, 0, len(cfg.Tools))
	for _, def := range cfg.Tools {
		if def.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := sanToCanon[sanitized]; ok && prev != def.Name {
			return nil, &providers.InvalidRequestError{
				ProviderType: providerType,
				Message: fmt.Sprintf("tool names %q and %q collide after sanitization (%q)",
					prev, def.Name, sanitized),
			}
		}
		canonToSan[def.Name] = sanitized
		sanToCanon[sanitized] = def.Name

		description := def.Description
		if description == "" {
			// Bedrock rejects tools without a description.
			description = def.Name
		}
		tools = append(tools, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(sanitized),
				Description: aws.String(description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: schemaDocument(def.Parameters)},
			},
		})
	}
	if len(tools) == 0 {
		return nil, nil
	}

	toolConfig := &brtypes.ToolConfiguration{Tools: tools}
	switch cfg.Choice.Mode {
	case "", inference.ToolChoiceAuto:
		// Provider default; omit the choice.
	case inference.ToolChoiceNone:
		// Keep the tool list so prior tool_use/tool_result turns stay
		// interpretable, but force nothing.
	case inference.ToolChoiceRequired:
		toolConfig.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
	case inference.ToolChoiceSpecific:
		sanitized, ok := canonToSan[cfg.Choice.Name]
		if !ok {
			return nil, &providers.InvalidRequestError{
				ProviderType: providerType,
				Message:      fmt.Sprintf("tool choice %q does not match any configured tool", cfg.Choice.Name),
			}
		}
		toolConfig.ToolChoice = &brtypes.ToolChoiceMemberTool{
			Value: brtypes.SpecificToolChoice{Name: aws.String(sanitized)},
		}
	default:
		return nil, &providers.InvalidRequestError{
			ProviderType: providerType,
			Message:      fmt.Sprintf("unsupported tool choice mode %q", cfg.Choice.Mode),
		}
	}

	p.toolConfig = toolConfig
	p.sanToCanon = sanToCanon
	return canonToSan, nil
}

func inferenceConfig(req *inference.CanonicalRequest) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	set := false
	if req.MaxTokens != nil {
		cfg.MaxTokens = aws.Int32(int32(*req.MaxTokens))
		set = true
	}
	if req.Temperature != nil {
		cfg.Temperature = aws.Float32(float32(*req.Temperature))
		set = true
	}
	if req.TopP != nil {
		cfg.TopP = aws.Float32(float32(*req.TopP))
		set = true
	}
	if len(req.StopSequences) > 0 {
		cfg.StopSequences = req.StopSequences
		set = true
	}
	if !set {
		return nil
	}
	return &cfg
}

func applyParams(req *inference.CanonicalRequest, parts *converseParts) {
	params := req.Params
	if params.ThinkingBudgetTokens != nil {
		parts.thinking = map[string]any{
			"thinking": map[string]any{
				"type":          "enabled",
				"budget_tokens": *params.ThinkingBudgetTokens,
			},
		}
	}
	if params.ReasoningEffort != "" {
		slog.Warn("dropping unsupported inference param",
			"provider_type", providerType, "param", "reasoning_effort")
	}
	if params.ServiceTier != "" {
		slog.Warn("dropping unsupported inference param",
			"provider_type", providerType, "param", "service_tier")
	}
	if params.Verbosity != "" {
		slog.Warn("dropping unsupported inference param",
			"provider_type", providerType, "param", "verbosity")
	}
}

func buildConverseInput(model string, parts *converseParts) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if parts.inference != nil {
		input.InferenceConfig = parts.inference
	}
	if parts.thinking != nil {
		fields := parts.thinking
		input.AdditionalModelRequestFields = document.NewLazyDocument(&fields)
	}
	return input
}

func buildConverseStreamInput(model string, parts *converseParts) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if parts.inference != nil {
		input.InferenceConfig = parts.inference
	}
	if parts.thinking != nil {
		fields := parts.thinking
		input.AdditionalModelRequestFields = document.NewLazyDocument(&fields)
	}
	return input
}

func translateResponse(output *bedrockruntime.ConverseOutput, sanToCanon map[string]string) (*inference.ProviderResponse, error) {
	if output == nil {
		return nil, &providers.SerializationError{
			ProviderType: providerType,
			Cause:        fmt.Errorf("converse output is nil"),
		}
	}
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, &providers.SerializationError{
			ProviderType: providerType,
			Cause:        fmt.Errorf("converse output has no message"),
		}
	}

	resp := &inference.ProviderResponse{
		FinishReason: translateStopReason(output.StopReason),
	}

	for _, block := range msg.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			if v.Value == "" {
				continue
			}
			resp.Output = append(resp.Output, inference.TextBlock{Text: v.Value})
		case *brtypes.ContentBlockMemberToolUse:
			call := inference.ToolCallBlock{
				Arguments: decodeDocument(v.Value.Input),
			}
			if v.Value.ToolUseId != nil {
				call.ID = *v.Value.ToolUseId
			}
			if v.Value.Name != nil {
				call.Name = desanitizeToolName(*v.Value.Name, sanToCanon)
			}
			resp.Output = append(resp.Output, call)
		case *brtypes.ContentBlockMemberReasoningContent:
			if thought, ok := translateReasoning(v.Value); ok {
				resp.Output = append(resp.Output, thought)
			}
		default:
			raw, err := json.Marshal(block)
			if err != nil {
				raw = []byte("{}")
			}
			resp.Output = append(resp.Output, inference.UnknownBlock{Data: raw})
		}
	}

	if usage := output.Usage; usage != nil {
		if usage.InputTokens != nil {
			v := int(*usage.InputTokens)
			resp.Usage.InputTokens = &v
		}
		if usage.OutputTokens != nil {
			v := int(*usage.OutputTokens)
			resp.Usage.OutputTokens = &v
		}
		if raw, err := json.Marshal(usage); err == nil {
			resp.RawUsage = raw
		}
	}
	return resp, nil
}

func translateReasoning(block brtypes.ReasoningContentBlock) (inference.ThoughtBlock, bool) {
	switch v := block.(type) {
	case *brtypes.ReasoningContentBlockMemberReasoningText:
		return inference.ThoughtBlock{
			Text:         v.Value.Text,
			Signature:    v.Value.Signature,
			ProviderType: providerType,
		}, true
	case *brtypes.ReasoningContentBlockMemberRedactedContent:
		return inference.ThoughtBlock{
			ProviderType: providerType,
			Extra:        map[string]any{redactedKey: base64.StdEncoding.EncodeToString(v.Value)},
		}, true
	}
	return inference.ThoughtBlock{}, false
}

func decodeDocument(doc document.Interface) string {
	if doc == nil {
		return "{}"
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return "{}"
	}
	return string(data)
}

func translateStopReason(reason brtypes.StopReason) inference.FinishReason {
	switch reason {
	case brtypes.StopReasonEndTurn:
		return inference.FinishReasonStop
	case brtypes.StopReasonMaxTokens:
		return inference.FinishReasonLength
	case brtypes.StopReasonStopSequence:
		return inference.FinishReasonStopSequence
	case brtypes.StopReasonToolUse:
		return inference.FinishReasonToolCall
	case brtypes.StopReasonContentFiltered, brtypes.StopReasonGuardrailIntervened:
		return inference.FinishReasonContentFilter
	default:
		return inference.FinishReasonUnknown
	}
}
