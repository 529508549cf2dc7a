package openai

// kindInfo captures the per-kind differences within the OpenAI-compatible
// family.
type kindInfo struct {
	// defaultAPIBase is used when the binding does not set api_base. Empty
	// means the binding must set one.
	defaultAPIBase string

	// apiKeyHeader overrides the default "Authorization: Bearer" scheme.
	// When set, the credential is sent verbatim under this header.
	apiKeyHeader string

	// supportsBatch enables the files/batches endpoints.
	supportsBatch bool
}

// kinds is the compatibility table. Kinds absent from the table are rejected
// at construction time.
var kinds = map[string]kindInfo{
	"openai":     {defaultAPIBase: "https://api.openai.com/v1", supportsBatch: true},
	"azure":      {apiKeyHeader: "api-key", supportsBatch: true},
	"mistral":    {defaultAPIBase: "https://api.mistral.ai/v1"},
	"xai":        {defaultAPIBase: "https://api.x.ai/v1"},
	"together":   {defaultAPIBase: "https://api.together.xyz/v1"},
	"fireworks":  {defaultAPIBase: "https://api.fireworks.ai/inference/v1"},
	"groq":       {defaultAPIBase: "https://api.groq.com/openai/v1"},
	"hyperbolic": {defaultAPIBase: "https://api.hyperbolic.xyz/v1"},
	"deepseek":   {defaultAPIBase: "https://api.deepseek.com/v1"},
	"vllm":       {},
	"tgi":        {},
	"sglang":     {},
}
