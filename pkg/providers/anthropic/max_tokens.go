package anthropic

import (
	"fmt"
	"strings"

	"apex-hq/meridian/pkg/providers"
)

// maxTokensDefaults maps model-name prefixes to the max_tokens value used
// when the request does not set one. The API rejects requests without
// max_tokens, so an unknown model name with no explicit value is a request
// error. Longest prefix wins.
var maxTokensDefaults = []struct {
	prefix string
	value  int
}{
	{"claude-opus-4", 32000},
	{"claude-sonnet-4", 64000},
	{"claude-3-7", 64000},
	{"claude-3-5", 8192},
	{"claude-3", 4096},
}

// defaultMaxTokens resolves the max_tokens default for a model name.
func defaultMaxTokens(model string) (int, error) {
	for _, entry := range maxTokensDefaults {
		if strings.HasPrefix(model, entry.prefix) {
			return entry.value, nil
		}
	}
	return 0, &providers.InvalidRequestError{
		ProviderType: providerType,
		Message:      fmt.Sprintf("model %q has no max_tokens default; set max_tokens explicitly", model),
	}
}
