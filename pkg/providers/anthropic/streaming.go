package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
)

// streamEvent covers every Messages API stream event shape.
type streamEvent struct {
	Type    string           `json:"type"`
	Index   int              `json:"index"`
	Message *streamMessage   `json:"message,omitempty"`
	Content *anthropicBlock  `json:"content_block,omitempty"`
	Delta   *streamDelta     `json:"delta,omitempty"`
	Usage   *anthropicUsage  `json:"usage,omitempty"`
	Error   *streamErrorBody `json:"error,omitempty"`
}

type streamMessage struct {
	ID    string         `json:"id"`
	Usage anthropicUsage `json:"usage"`
}

type streamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type streamErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// streamState carries decoder state across events for one stream. Anthropic
// sends tool_use id and name once, then bare input_json_delta fragments, so
// the current tool is tracked as single-entry mutable state.
type streamState struct {
	currentToolID   string
	currentToolName string
	usage           inference.Usage
	stopReason      *inference.FinishReason
	jsonMode        bool
	emittedText     bool
}

// streamReader decodes the Messages API SSE stream into canonical chunks.
type streamReader struct {
	bindingName    string
	body           io.ReadCloser
	scanner        *providers.SSEScanner
	state          streamState
	started        time.Time
	discardUnknown bool
	closed         bool
}

func newStreamReader(bindingName string, body io.ReadCloser, jsonMode, discardUnknown bool) *streamReader {
	return &streamReader{
		bindingName:    bindingName,
		body:           body,
		scanner:        providers.NewSSEScanner(body),
		state:          streamState{jsonMode: jsonMode},
		started:        time.Now(),
		discardUnknown: discardUnknown,
	}
}

// Read returns the next decoded chunk, io.EOF on message_stop, or a
// FatalStreamError on protocol violations and provider error events.
func (s *streamReader) Read(ctx context.Context) (*inference.StreamChunk, error) {
	if s.closed {
		return nil, io.EOF
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		frame, err := s.scanner.Next()
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, &providers.FatalStreamError{
				ProviderType: providerType,
				Message:      "failed to read stream",
				Cause:        err,
			}
		}

		chunk, err := s.decodeFrame(frame)
		if err != nil {
			return nil, err
		}
		if chunk != nil {
			chunk.RawResponse = frame.Data
			chunk.Latency = time.Since(s.started)
			chunk.Created = time.Now().Unix()
			return chunk, nil
		}
		if s.closed {
			return nil, io.EOF
		}
	}
}

// decodeFrame maps one SSE frame to at most one chunk. A nil chunk with nil
// error means the frame carried no caller-visible content.
func (s *streamReader) decodeFrame(frame *providers.SSEEvent) (*inference.StreamChunk, error) {
	var event streamEvent
	if frame.Data != "" {
		if err := json.Unmarshal([]byte(frame.Data), &event); err != nil {
			return nil, &providers.FatalStreamError{
				ProviderType: providerType,
				Message:      fmt.Sprintf("malformed stream event %q", frame.Data),
				Cause:        err,
			}
		}
	}
	if event.Type == "" {
		event.Type = frame.Type
	}

	switch event.Type {
	case "ping":
		return nil, nil

	case "message_start":
		if event.Message != nil {
			s.state.usage.Add(inference.Usage{
				InputTokens:  event.Message.Usage.InputTokens,
				OutputTokens: event.Message.Usage.OutputTokens,
			})
		}
		return nil, nil

	case "content_block_start":
		return s.decodeBlockStart(&event)

	case "content_block_delta":
		return s.decodeBlockDelta(&event)

	case "content_block_stop":
		return nil, nil

	case "message_delta":
		if event.Usage != nil {
			s.state.usage.Add(inference.Usage{
				InputTokens:  event.Usage.InputTokens,
				OutputTokens: event.Usage.OutputTokens,
			})
		}
		if event.Delta != nil && event.Delta.StopReason != "" {
			reason := translateStopReason(event.Delta.StopReason)
			s.state.stopReason = &reason
		}
		return nil, nil

	case "message_stop":
		s.closed = true
		usage := s.state.usage
		return &inference.StreamChunk{
			Usage:        &usage,
			FinishReason: s.state.stopReason,
		}, nil

	case "error":
		message := "provider error event"
		if event.Error != nil {
			message = fmt.Sprintf("%s: %s", event.Error.Type, event.Error.Message)
		}
		return nil, &providers.FatalStreamError{ProviderType: providerType, Message: message}

	default:
		if s.discardUnknown {
			slog.Warn("discarding unknown stream event",
				"provider_type", providerType, "event_type", event.Type)
			return nil, nil
		}
		name := s.bindingName
		return &inference.StreamChunk{
			Content: []inference.ContentChunk{
				inference.UnknownChunk{Data: json.RawMessage(frame.Data), ProviderName: &name},
			},
		}, nil
	}
}

func (s *streamReader) decodeBlockStart(event *streamEvent) (*inference.StreamChunk, error) {
	if event.Content == nil {
		return nil, nil
	}
	switch event.Content.Type {
	case "tool_use":
		s.state.currentToolID = event.Content.ID
		s.state.currentToolName = event.Content.Name
		return &inference.StreamChunk{
			Content: []inference.ContentChunk{
				inference.ToolCallChunk{ID: event.Content.ID, RawName: event.Content.Name},
			},
		}, nil
	case "redacted_thinking":
		return &inference.StreamChunk{
			Content: []inference.ContentChunk{
				inference.ThoughtChunk{
					ID:           strconv.Itoa(event.Index),
					ProviderType: providerType,
					Extra:        map[string]any{"redacted_thinking": event.Content.Data},
				},
			},
		}, nil
	default:
		// text and thinking blocks start empty; deltas carry the content.
		return nil, nil
	}
}

func (s *streamReader) decodeBlockDelta(event *streamEvent) (*inference.StreamChunk, error) {
	if event.Delta == nil {
		return nil, nil
	}

	switch event.Delta.Type {
	case "text_delta":
		text := event.Delta.Text
		if s.state.jsonMode && !s.state.emittedText {
			// Restore the prefilled opening brace on the first text delta.
			text = "{" + text
		}
		s.state.emittedText = true
		return &inference.StreamChunk{
			Content: []inference.ContentChunk{
				inference.TextChunk{ID: strconv.Itoa(event.Index), Text: text},
			},
		}, nil

	case "input_json_delta":
		if s.state.currentToolID == "" {
			return nil, &providers.FatalStreamError{
				ProviderType: providerType,
				Message:      "input_json_delta without a preceding tool_use block",
			}
		}
		return &inference.StreamChunk{
			Content: []inference.ContentChunk{
				inference.ToolCallChunk{
					ID:           s.state.currentToolID,
					RawArguments: event.Delta.PartialJSON,
				},
			},
		}, nil

	case "thinking_delta":
		text := event.Delta.Thinking
		return &inference.StreamChunk{
			Content: []inference.ContentChunk{
				inference.ThoughtChunk{
					ID:           strconv.Itoa(event.Index),
					Text:         &text,
					ProviderType: providerType,
				},
			},
		}, nil

	case "signature_delta":
		sig := event.Delta.Signature
		return &inference.StreamChunk{
			Content: []inference.ContentChunk{
				inference.ThoughtChunk{
					ID:           strconv.Itoa(event.Index),
					Signature:    &sig,
					ProviderType: providerType,
				},
			},
		}, nil

	default:
		if s.discardUnknown {
			slog.Warn("discarding unknown delta type",
				"provider_type", providerType, "delta_type", event.Delta.Type)
			return nil, nil
		}
		raw, _ := json.Marshal(event.Delta)
		name := s.bindingName
		return &inference.StreamChunk{
			Content: []inference.ContentChunk{
				inference.UnknownChunk{Data: raw, ProviderName: &name},
			},
		}, nil
	}
}

// Close releases the underlying connection.
func (s *streamReader) Close() error {
	s.closed = true
	return s.body.Close()
}
