package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
)

// eventStream is the subset of *bedrockruntime.ConverseStreamEventStream the
// reader consumes. Tests substitute a channel-backed fake.
type eventStream interface {
	Events() <-chan brtypes.ConverseStreamOutput
	Close() error
	Err() error
}

type toolEntry struct {
	id   string
	name string
}

// streamReader adapts a ConverseStream event stream to providers.StreamReader.
// Tool-use blocks are tracked per content-block index; deltas referencing an
// unregistered index are a protocol violation and fail the stream. Usage and
// stop reason arrive on trailing events and are emitted as one final chunk
// when the event channel closes.
type streamReader struct {
	bindingName string
	stream      eventStream

	tools      map[int]toolEntry
	sanToCanon map[string]string
	usage      inference.Usage
	usageSeen  bool
	stopReason *inference.FinishReason

	started        time.Time
	discardUnknown bool
	finalSent      bool
	closed         bool
}

func newStreamReader(bindingName string, stream eventStream, sanToCanon map[string]string, discardUnknown bool) *streamReader {
	return &streamReader{
		bindingName:    bindingName,
		stream:         stream,
		tools:          make(map[int]toolEntry),
		sanToCanon:     sanToCanon,
		started:        time.Now(),
		discardUnknown: discardUnknown,
	}
}

// Read returns the next decoded chunk, io.EOF after the final chunk, or a
// FatalStreamError when the event stream fails.
func (s *streamReader) Read(ctx context.Context) (*inference.StreamChunk, error) {
	if s.closed || s.finalSent {
		return nil, io.EOF
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-s.stream.Events():
			if !ok {
				if err := s.stream.Err(); err != nil {
					return nil, &providers.FatalStreamError{
						ProviderType: providerType,
						Message:      "event stream terminated",
						Cause:        err,
					}
				}
				return s.finalChunk()
			}
			chunk, err := s.decodeEvent(event)
			if err != nil {
				return nil, err
			}
			if chunk != nil {
				chunk.Latency = time.Since(s.started)
				return chunk, nil
			}
		}
	}
}

// finalChunk emits the trailing usage and stop reason collected from the
// message_stop and metadata events, then EOF.
func (s *streamReader) finalChunk() (*inference.StreamChunk, error) {
	s.finalSent = true
	if !s.usageSeen && s.stopReason == nil {
		return nil, io.EOF
	}
	chunk := &inference.StreamChunk{
		Latency:      time.Since(s.started),
		FinishReason: s.stopReason,
	}
	if s.usageSeen {
		usage := s.usage
		chunk.Usage = &usage
	}
	return chunk, nil
}

func (s *streamReader) decodeEvent(event brtypes.ConverseStreamOutput) (*inference.StreamChunk, error) {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		return nil, nil

	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx, err := s.contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return nil, err
		}
		toolUse, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse)
		if !ok {
			return nil, nil
		}
		entry := toolEntry{}
		if toolUse.Value.ToolUseId != nil {
			entry.id = *toolUse.Value.ToolUseId
		}
		if toolUse.Value.Name != nil {
			entry.name = desanitizeToolName(*toolUse.Value.Name, s.sanToCanon)
		}
		s.tools[idx] = entry
		return &inference.StreamChunk{
			Content: []inference.ContentChunk{
				inference.ToolCallChunk{ID: entry.id, RawName: entry.name},
			},
		}, nil

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx, err := s.contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return nil, err
		}
		return s.decodeDelta(idx, ev.Value.Delta)

	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx, err := s.contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return nil, err
		}
		delete(s.tools, idx)
		return nil, nil

	case *brtypes.ConverseStreamOutputMemberMessageStop:
		reason := translateStopReason(ev.Value.StopReason)
		s.stopReason = &reason
		return nil, nil

	case *brtypes.ConverseStreamOutputMemberMetadata:
		if usage := ev.Value.Usage; usage != nil {
			partial := inference.Usage{}
			if usage.InputTokens != nil {
				v := int(*usage.InputTokens)
				partial.InputTokens = &v
			}
			if usage.OutputTokens != nil {
				v := int(*usage.OutputTokens)
				partial.OutputTokens = &v
			}
			s.usage.Add(partial)
			s.usageSeen = true
		}
		return nil, nil

	default:
		if s.discardUnknown {
			slog.Warn("discarding unknown stream event",
				"provider_type", providerType, "event_type", fmt.Sprintf("%T", event))
			return nil, nil
		}
		raw, err := json.Marshal(event)
		if err != nil {
			raw = []byte("{}")
		}
		name := s.bindingName
		return &inference.StreamChunk{
			Content: []inference.ContentChunk{
				inference.UnknownChunk{Data: raw, ProviderName: &name},
			},
		}, nil
	}
}

func (s *streamReader) decodeDelta(idx int, delta brtypes.ContentBlockDelta) (*inference.StreamChunk, error) {
	switch d := delta.(type) {
	case *brtypes.ContentBlockDeltaMemberText:
		if d.Value == "" {
			return nil, nil
		}
		return &inference.StreamChunk{
			Content: []inference.ContentChunk{
				inference.TextChunk{ID: strconv.Itoa(idx), Text: d.Value},
			},
		}, nil

	case *brtypes.ContentBlockDeltaMemberToolUse:
		entry, ok := s.tools[idx]
		if !ok {
			return nil, &providers.FatalStreamError{
				ProviderType: providerType,
				Message:      fmt.Sprintf("tool use delta for unregistered content block %d", idx),
			}
		}
		if d.Value.Input == nil || *d.Value.Input == "" {
			return nil, nil
		}
		return &inference.StreamChunk{
			Content: []inference.ContentChunk{
				inference.ToolCallChunk{
					ID:           entry.id,
					RawName:      entry.name,
					RawArguments: *d.Value.Input,
				},
			},
		}, nil

	case *brtypes.ContentBlockDeltaMemberReasoningContent:
		thought, ok := s.decodeReasoningDelta(idx, d.Value)
		if !ok {
			return nil, nil
		}
		return &inference.StreamChunk{
			Content: []inference.ContentChunk{thought},
		}, nil

	default:
		if s.discardUnknown {
			slog.Warn("discarding unknown content delta",
				"provider_type", providerType, "delta_type", fmt.Sprintf("%T", delta))
			return nil, nil
		}
		raw, err := json.Marshal(delta)
		if err != nil {
			raw = []byte("{}")
		}
		name := s.bindingName
		return &inference.StreamChunk{
			Content: []inference.ContentChunk{
				inference.UnknownChunk{Data: raw, ProviderName: &name},
			},
		}, nil
	}
}

func (s *streamReader) decodeReasoningDelta(idx int, delta brtypes.ReasoningContentBlockDelta) (inference.ThoughtChunk, bool) {
	id := strconv.Itoa(idx)
	switch d := delta.(type) {
	case *brtypes.ReasoningContentBlockDeltaMemberText:
		if d.Value == "" {
			return inference.ThoughtChunk{}, false
		}
		text := d.Value
		return inference.ThoughtChunk{ID: id, Text: &text, ProviderType: providerType}, true
	case *brtypes.ReasoningContentBlockDeltaMemberSignature:
		if d.Value == "" {
			return inference.ThoughtChunk{}, false
		}
		sig := d.Value
		return inference.ThoughtChunk{ID: id, Signature: &sig, ProviderType: providerType}, true
	case *brtypes.ReasoningContentBlockDeltaMemberRedactedContent:
		if len(d.Value) == 0 {
			return inference.ThoughtChunk{}, false
		}
		return inference.ThoughtChunk{
			ID:           id,
			ProviderType: providerType,
			Extra:        map[string]any{redactedKey: base64.StdEncoding.EncodeToString(d.Value)},
		}, true
	}
	return inference.ThoughtChunk{}, false
}

func (s *streamReader) contentIndex(idx *int32) (int, error) {
	if idx == nil {
		return 0, &providers.FatalStreamError{
			ProviderType: providerType,
			Message:      "stream event is missing its content block index",
		}
	}
	return int(*idx), nil
}

// Close releases the underlying event stream. Safe to call more than once.
func (s *streamReader) Close() error {
	s.closed = true
	return s.stream.Close()
}
