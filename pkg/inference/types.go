package inference

import (
	"encoding/json"
)

// Role identifies the author of a request message. Only user and assistant
// roles exist in the canonical model; system text travels in
// CanonicalRequest.System.
type Role string

// Message role constants.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// JSONMode controls whether the model is steered toward JSON output.
type JSONMode string

// JSON mode constants.
const (
	// JSONModeOff sends no format directive.
	JSONModeOff JSONMode = "off"

	// JSONModeOn requests JSON output using the provider's lightweight
	// mechanism (response_format json_object, or an assistant prefill).
	JSONModeOn JSONMode = "on"

	// JSONModeStrict requests schema-validated JSON output where the
	// provider supports it; providers without schema support fall back to
	// JSONModeOn.
	JSONModeStrict JSONMode = "strict"
)

// FunctionType distinguishes plain chat requests from JSON-function requests.
type FunctionType string

// Function type constants.
const (
	FunctionTypeChat FunctionType = "chat"
	FunctionTypeJSON FunctionType = "json"
)

// ToolChoiceMode selects how the provider may use the configured tools.
type ToolChoiceMode string

// Tool choice constants.
const (
	// ToolChoiceNone forbids tool use (Anthropic: tools omitted; OpenAI: "none").
	ToolChoiceNone ToolChoiceMode = "none"

	// ToolChoiceAuto lets the model decide.
	ToolChoiceAuto ToolChoiceMode = "auto"

	// ToolChoiceRequired forces the model to call some tool.
	ToolChoiceRequired ToolChoiceMode = "required"

	// ToolChoiceSpecific forces the model to call the named tool.
	ToolChoiceSpecific ToolChoiceMode = "specific"
)

// ToolChoice is the canonical tool-choice directive. Name is set only when
// Mode is ToolChoiceSpecific.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode" yaml:"mode"`
	Name string         `json:"name,omitempty" yaml:"name,omitempty"`
}

// ToolDef defines a single callable tool.
type ToolDef struct {
	// Name is the tool name the model calls it by.
	Name string `json:"name" yaml:"name"`

	// Description explains what the tool does.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Parameters is a JSON Schema object describing the tool arguments.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Strict enables strict-schema enforcement on providers that support it.
	Strict bool `json:"strict,omitempty" yaml:"strict,omitempty"`
}

// ToolConfig carries the tool surface of a request.
type ToolConfig struct {
	Tools []ToolDef `json:"tools" yaml:"tools"`

	Choice ToolChoice `json:"tool_choice" yaml:"tool_choice"`

	// ParallelToolCalls, when set, asks the provider to allow or forbid
	// multiple tool calls per turn.
	ParallelToolCalls *bool `json:"parallel_tool_calls,omitempty" yaml:"parallel_tool_calls,omitempty"`

	// AllowedTools restricts which configured tools the model may call.
	AllowedTools []string `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`

	// Strict applies strict-schema enforcement to every tool.
	Strict bool `json:"strict,omitempty" yaml:"strict,omitempty"`
}

// InferenceParams are provider-steering knobs applied after translation.
// Adapters that do not support a set field log a warning and drop it.
type InferenceParams struct {
	ReasoningEffort      string `json:"reasoning_effort,omitempty" yaml:"reasoning_effort,omitempty"`
	ServiceTier          string `json:"service_tier,omitempty" yaml:"service_tier,omitempty"`
	ThinkingBudgetTokens *int   `json:"thinking_budget_tokens,omitempty" yaml:"thinking_budget_tokens,omitempty"`
	Verbosity            string `json:"verbosity,omitempty" yaml:"verbosity,omitempty"`
}

// BodyPatch is one extra_body entry: a JSON-pointer-addressed edit applied to
// the translated request body after translation, so user overrides always win.
type BodyPatch struct {
	// Pointer is an RFC 6901 JSON pointer into the translated body.
	Pointer string `json:"pointer" yaml:"pointer"`

	// Value replaces (or creates) the addressed node.
	Value any `json:"value" yaml:"value"`

	// Optional suppresses the error when the pointer's parent does not
	// resolve.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// InferenceCredentials is the per-request dynamic credential map, keyed by the
// lookup names referenced from dynamic:: credential locations. It is
// read-only for the duration of the request.
type InferenceCredentials map[string]string

// RequestMessage is one turn of the canonical conversation.
type RequestMessage struct {
	Role    Role      `json:"role"`
	Content BlockList `json:"content"`
}

// CanonicalRequest is the provider-independent inference request. It is
// created by the endpoint layer and passed by reference, unmodified, through
// the routing core.
type CanonicalRequest struct {
	Messages []RequestMessage
	System   *string

	// Sampling parameters; nil means "provider default".
	Temperature      *float64
	TopP             *float64
	MaxTokens        *int
	Seed             *int
	PresencePenalty  *float64
	FrequencyPenalty *float64
	StopSequences    []string

	Stream bool

	JSONMode     JSONMode
	FunctionType FunctionType

	// OutputSchema is consulted when JSONMode is JSONModeStrict.
	OutputSchema map[string]any

	ToolConfig *ToolConfig

	Params InferenceParams

	// ExtraBody and ExtraHeaders are per-invocation overrides applied after
	// translation but before dispatch.
	ExtraBody    []BodyPatch
	ExtraHeaders map[string]string

	// FetchAndEncodeInputFiles forces base64 inlining of file blocks instead
	// of URL forwarding.
	FetchAndEncodeInputFiles bool

	// Credentials is the per-request dynamic credential map.
	Credentials InferenceCredentials
}

// BlockKind discriminates ContentBlock and ContentChunk variants.
type BlockKind string

// Block kind constants.
const (
	BlockText       BlockKind = "text"
	BlockToolCall   BlockKind = "tool_call"
	BlockToolResult BlockKind = "tool_result"
	BlockFile       BlockKind = "file"
	BlockThought    BlockKind = "thought"
	BlockUnknown    BlockKind = "unknown"
)

// ContentBlock is one unit of canonical message content. Concrete types are
// TextBlock, ToolCallBlock, ToolResultBlock, FileBlock, ThoughtBlock and
// UnknownBlock; switch on Kind() exhaustively.
type ContentBlock interface {
	Kind() BlockKind
}

// TextBlock is plain text content.
type TextBlock struct {
	Text string `json:"text"`
}

// Kind implements ContentBlock.
func (TextBlock) Kind() BlockKind { return BlockText }

// ToolCallBlock is an assistant-issued tool call. Arguments is the raw
// argument string as produced by the model; OpenAI-family providers forward
// it opaquely, Anthropic-family providers require it to parse as a JSON
// object.
type ToolCallBlock struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Kind implements ContentBlock.
func (ToolCallBlock) Kind() BlockKind { return BlockToolCall }

// ToolResultBlock is a user-supplied tool result correlated to a prior call.
type ToolResultBlock struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Result string `json:"result"`
}

// Kind implements ContentBlock.
func (ToolResultBlock) Kind() BlockKind { return BlockToolResult }

// FileBlock is file content, either URL-backed (lazily resolved) or already
// resolved to bytes.
type FileBlock struct {
	File LazyFile `json:"file"`
}

// Kind implements ContentBlock.
func (FileBlock) Kind() BlockKind { return BlockFile }

// ThoughtBlock is provider-native reasoning content. ProviderType, when set,
// scopes the block to providers whose native provider-type string matches;
// non-matching providers drop it.
type ThoughtBlock struct {
	Text      *string        `json:"text,omitempty"`
	Signature *string        `json:"signature,omitempty"`
	Summary   *string        `json:"summary,omitempty"`

	ProviderType string         `json:"provider_type,omitempty"`
	Extra        map[string]any `json:"extra_data,omitempty"`
}

// Kind implements ContentBlock.
func (ThoughtBlock) Kind() BlockKind { return BlockThought }

// UnknownBlock is an opaque provider-native content unit preserved verbatim
// for round-trip through the gateway. When both ModelName and ProviderName
// are set the block is scoped: it is delivered only to the matching
// model+provider pair and filtered out of all others.
type UnknownBlock struct {
	Data         json.RawMessage `json:"data"`
	ModelName    *string         `json:"model_name,omitempty"`
	ProviderName *string         `json:"provider_name,omitempty"`
}

// Kind implements ContentBlock.
func (UnknownBlock) Kind() BlockKind { return BlockUnknown }
