package inference

import "log/slog"

// FilterScoped returns a copy of req with scoped blocks that do not belong to
// the given model+provider pair removed:
//
//   - UnknownBlocks with both ModelName and ProviderName set are kept only
//     when both match.
//   - ThoughtBlocks with a ProviderType are kept only when it equals
//     providerType (the provider's native provider-type string).
//
// Unscoped blocks always pass through. The original request is not modified;
// messages whose content survives intact are shared, not copied.
func FilterScoped(req *CanonicalRequest, modelName, providerName, providerType string) *CanonicalRequest {
	filtered := *req
	filtered.Messages = filterMessages(req.Messages, modelName, providerName, providerType)
	return &filtered
}

func filterMessages(messages []RequestMessage, modelName, providerName, providerType string) []RequestMessage {
	out := make([]RequestMessage, 0, len(messages))
	for _, msg := range messages {
		kept := make([]ContentBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			if keepBlock(block, modelName, providerName, providerType) {
				kept = append(kept, block)
			}
		}
		out = append(out, RequestMessage{Role: msg.Role, Content: kept})
	}
	return out
}

func keepBlock(block ContentBlock, modelName, providerName, providerType string) bool {
	switch b := block.(type) {
	case UnknownBlock:
		if b.ModelName == nil || b.ProviderName == nil {
			return true
		}
		return *b.ModelName == modelName && *b.ProviderName == providerName
	case ThoughtBlock:
		if b.ProviderType == "" || b.ProviderType == providerType {
			return true
		}
		slog.Warn("dropping thought block for non-matching provider",
			"block_provider_type", b.ProviderType,
			"provider_type", providerType,
		)
		return false
	default:
		return true
	}
}
