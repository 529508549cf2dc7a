package inference

import (
	"encoding/json"
	"fmt"
)

// Content blocks and chunks are interface values, so their JSON form carries
// an envelope with the kind discriminator. The cache stores depend on this
// round trip; adapters never see envelopes (they speak provider wire formats).

type blockEnvelope struct {
	Kind BlockKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// BlockList is a []ContentBlock that survives a JSON round trip.
type BlockList []ContentBlock

// MarshalJSON implements json.Marshaler.
func (l BlockList) MarshalJSON() ([]byte, error) {
	envelopes := make([]blockEnvelope, 0, len(l))
	for _, block := range l {
		data, err := json.Marshal(block)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, blockEnvelope{Kind: block.Kind(), Data: data})
	}
	return json.Marshal(envelopes)
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *BlockList) UnmarshalJSON(data []byte) error {
	var envelopes []blockEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return err
	}
	blocks := make(BlockList, 0, len(envelopes))
	for _, env := range envelopes {
		block, err := unmarshalBlock(env)
		if err != nil {
			return err
		}
		blocks = append(blocks, block)
	}
	*l = blocks
	return nil
}

func unmarshalBlock(env blockEnvelope) (ContentBlock, error) {
	switch env.Kind {
	case BlockText:
		var b TextBlock
		return b, json.Unmarshal(env.Data, &b)
	case BlockToolCall:
		var b ToolCallBlock
		return b, json.Unmarshal(env.Data, &b)
	case BlockToolResult:
		var b ToolResultBlock
		return b, json.Unmarshal(env.Data, &b)
	case BlockFile:
		var b FileBlock
		return b, json.Unmarshal(env.Data, &b)
	case BlockThought:
		var b ThoughtBlock
		return b, json.Unmarshal(env.Data, &b)
	case BlockUnknown:
		var b UnknownBlock
		return b, json.Unmarshal(env.Data, &b)
	default:
		return nil, fmt.Errorf("unknown content block kind %q", env.Kind)
	}
}

// ChunkList is a []ContentChunk that survives a JSON round trip.
type ChunkList []ContentChunk

// MarshalJSON implements json.Marshaler.
func (l ChunkList) MarshalJSON() ([]byte, error) {
	envelopes := make([]blockEnvelope, 0, len(l))
	for _, chunk := range l {
		data, err := json.Marshal(chunk)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, blockEnvelope{Kind: chunk.ChunkKind(), Data: data})
	}
	return json.Marshal(envelopes)
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *ChunkList) UnmarshalJSON(data []byte) error {
	var envelopes []blockEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return err
	}
	chunks := make(ChunkList, 0, len(envelopes))
	for _, env := range envelopes {
		chunk, err := unmarshalChunk(env)
		if err != nil {
			return err
		}
		chunks = append(chunks, chunk)
	}
	*l = chunks
	return nil
}

func unmarshalChunk(env blockEnvelope) (ContentChunk, error) {
	switch env.Kind {
	case BlockText:
		var c TextChunk
		return c, json.Unmarshal(env.Data, &c)
	case BlockToolCall:
		var c ToolCallChunk
		return c, json.Unmarshal(env.Data, &c)
	case BlockThought:
		var c ThoughtChunk
		return c, json.Unmarshal(env.Data, &c)
	case BlockUnknown:
		var c UnknownChunk
		return c, json.Unmarshal(env.Data, &c)
	default:
		return nil, fmt.Errorf("unknown content chunk kind %q", env.Kind)
	}
}
