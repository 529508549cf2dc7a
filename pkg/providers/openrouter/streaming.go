package openrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
)

const doneMarker = "[DONE]"

type streamFrame struct {
	ID      string         `json:"id"`
	Created int64          `json:"created"`
	Choices []streamChoice `json:"choices"`
	Usage   *chatUsage     `json:"usage,omitempty"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason,omitempty"`
}

type streamDelta struct {
	Content          *string           `json:"content,omitempty"`
	ToolCalls        []streamToolCall  `json:"tool_calls,omitempty"`
	ReasoningDetails []reasoningDetail `json:"reasoning_details,omitempty"`
}

type streamToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Function chatFunction `json:"function"`
}

type toolEntry struct {
	id   string
	name string
}

// streamReader decodes an OpenRouter SSE stream. Reasoning details are
// grouped by their index field when present, by arrival position otherwise,
// so multi-block reasoning keeps stable chunk ids across deltas.
type streamReader struct {
	bindingName    string
	body           io.ReadCloser
	scanner        *providers.SSEScanner
	toolTable      []toolEntry
	reasoningSeen  int
	usage          inference.Usage
	started        time.Time
	discardUnknown bool
	closed         bool
}

func newStreamReader(bindingName string, body io.ReadCloser, discardUnknown bool) *streamReader {
	return &streamReader{
		bindingName:    bindingName,
		body:           body,
		scanner:        providers.NewSSEScanner(body),
		started:        time.Now(),
		discardUnknown: discardUnknown,
	}
}

// Read returns the next decoded chunk, io.EOF after [DONE], or a
// FatalStreamError on protocol violations.
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

		if frame.Data == doneMarker {
			s.closed = true
			return nil, io.EOF
		}

		chunk, err := s.decodeFrame(frame.Data)
		if err != nil {
			return nil, err
		}
		if chunk != nil {
			chunk.RawResponse = frame.Data
			chunk.Latency = time.Since(s.started)
			return chunk, nil
		}
	}
}

func (s *streamReader) decodeFrame(data string) (*inference.StreamChunk, error) {
	var frame streamFrame
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		if s.discardUnknown {
			slog.Warn("discarding malformed stream frame",
				"provider_type", providerType, "frame", data)
			return nil, nil
		}
		name := s.bindingName
		return &inference.StreamChunk{
			Content: []inference.ContentChunk{
				inference.UnknownChunk{Data: json.RawMessage(data), ProviderName: &name},
			},
		}, nil
	}

	chunk := &inference.StreamChunk{Created: frame.Created}

	if frame.Usage != nil {
		s.usage.Add(inference.Usage{
			InputTokens:  frame.Usage.PromptTokens,
			OutputTokens: frame.Usage.CompletionTokens,
		})
		usage := s.usage
		chunk.Usage = &usage
	}

	if len(frame.Choices) > 0 {
		choice := frame.Choices[0]

		for _, detail := range choice.Delta.ReasoningDetails {
			thought, err := detailToThought(detail, s.reasoningSeen)
			if err != nil {
				if s.discardUnknown {
					slog.Warn("discarding unknown reasoning detail",
						"provider_type", providerType, "detail_type", detail.Type)
					continue
				}
				raw, _ := json.Marshal(detail)
				name := s.bindingName
				chunk.Content = append(chunk.Content, inference.UnknownChunk{
					Data:         raw,
					ProviderName: &name,
				})
				continue
			}
			if detail.Index == nil {
				s.reasoningSeen++
			}
			chunk.Content = append(chunk.Content, thought)
		}

		if choice.Delta.Content != nil && *choice.Delta.Content != "" {
			chunk.Content = append(chunk.Content, inference.TextChunk{
				ID:   frame.ID,
				Text: *choice.Delta.Content,
			})
		}
		for _, call := range choice.Delta.ToolCalls {
			converted, err := s.decodeToolCall(call)
			if err != nil {
				return nil, err
			}
			chunk.Content = append(chunk.Content, converted)
		}

		if choice.FinishReason != nil && *choice.FinishReason != "" {
			reason := translateFinishReason(*choice.FinishReason)
			chunk.FinishReason = &reason
		}
	}

	if len(chunk.Content) == 0 && chunk.FinishReason == nil && chunk.Usage == nil {
		return nil, nil
	}
	return chunk, nil
}

func (s *streamReader) decodeToolCall(call streamToolCall) (inference.ContentChunk, error) {
	if call.ID != "" {
		entry := toolEntry{id: call.ID, name: call.Function.Name}
		switch {
		case call.Index == len(s.toolTable):
			s.toolTable = append(s.toolTable, entry)
		case call.Index < len(s.toolTable):
			s.toolTable[call.Index] = entry
		default:
			return nil, &providers.FatalStreamError{
				ProviderType: providerType,
				Message: fmt.Sprintf("tool call index %d skips ahead of table size %d",
					call.Index, len(s.toolTable)),
			}
		}
		return inference.ToolCallChunk{
			ID:           call.ID,
			RawName:      call.Function.Name,
			RawArguments: call.Function.Arguments,
		}, nil
	}

	if call.Index >= len(s.toolTable) {
		return nil, &providers.FatalStreamError{
			ProviderType: providerType,
			Message: fmt.Sprintf("tool call delta for unknown index %d (table size %d)",
				call.Index, len(s.toolTable)),
		}
	}
	entry := s.toolTable[call.Index]
	return inference.ToolCallChunk{
		ID:           entry.id,
		RawName:      call.Function.Name,
		RawArguments: call.Function.Arguments,
	}, nil
}

// Close releases the underlying connection.
func (s *streamReader) Close() error {
	s.closed = true
	return s.body.Close()
}
