// Package provider implements ProviderAdapter: a uniform request/
// response vocabulary over internal/httpmulti so AgentDriver never
// branches on which LLM provider it's talking to. Messages carry a
// richer content-block vocabulary than a single string — text, tool
// calls, tool results, thinking, and redacted thinking all need their
// own shape to round-trip faithfully through every provider.
package provider

// BlockKind is the closed tag for a content block's shape.
type BlockKind string

const (
	BlockText             BlockKind = "text"
	BlockToolCall         BlockKind = "tool_call"
	BlockToolResult       BlockKind = "tool_result"
	BlockThinking         BlockKind = "thinking"
	BlockRedactedThinking BlockKind = "redacted_thinking"
)

// ContentBlock is one block of a message's content, tagged by Kind.
// Only the fields relevant to Kind are populated.
type ContentBlock struct {
	Kind BlockKind

	// Text carries Kind == BlockText or BlockThinking.
	Text string
	// Signature carries Kind == BlockThinking's optional provider signature.
	Signature string
	// Data carries Kind == BlockRedactedThinking's opaque payload.
	Data string

	// ToolCallID identifies a BlockToolCall (the call's own id) or a
	// BlockToolResult (the call it answers).
	ToolCallID string
	// ToolName carries Kind == BlockToolCall.
	ToolName string
	// ToolArguments carries Kind == BlockToolCall.
	ToolArguments map[string]any
	// ToolResultContent and ToolResultIsError carry Kind == BlockToolResult.
	ToolResultContent string
	ToolResultIsError bool
}

// Message is one turn in the conversation sent to a provider.
type Message struct {
	Role   string // system, user, assistant, tool
	Blocks []ContentBlock
}

// Tool describes one callable tool offered to the model.
type Tool struct {
	Name             string
	Description      string
	ParametersSchema map[string]any
}

// ToolChoiceMode is the closed set of tool-selection strategies.
type ToolChoiceMode int

const (
	ToolChoiceAuto ToolChoiceMode = iota
	ToolChoiceNone
	ToolChoiceRequired
	ToolChoiceSpecific
)

// ToolChoice selects how the model may use tools. Name is populated
// only when Mode == ToolChoiceSpecific.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// ReasoningEffort hints at how much hidden reasoning a reasoning-
// capable model should spend, independent of ThinkingLevel's textual
// "/level" command-line form.
type ReasoningEffort int

const (
	ReasoningNone ReasoningEffort = iota
	ReasoningLow
	ReasoningMed
	ReasoningHigh
)

// Request is the provider-neutral chat request vocabulary.
type Request struct {
	Model           string
	Messages        []Message
	Tools           []Tool
	ToolChoice      ToolChoice
	ReasoningEffort ReasoningEffort
	MaxOutputTokens int
}

// FinishReason is the closed set of reasons a response stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolUse       FinishReason = "tool_use"
	FinishContentFilter FinishReason = "content_filter"
	FinishUnknown       FinishReason = "unknown"
)

// Usage carries provider-reported token counts.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the provider-neutral chat response vocabulary.
type Response struct {
	Blocks       []ContentBlock
	FinishReason FinishReason
	Usage        Usage
	Provider     string
	Model        string
}

// StreamCallback receives plain decoded text as it streams in — never
// raw SSE/NDJSON frames, which internal/httpmulti hands to the adapter,
// not the caller.
type StreamCallback func(text string)

// CompletionCallback is invoked at most once per request, whether it
// streamed or not, with either a complete Response or an error. It is
// not invoked for requests still in flight when Adapter.Cancel runs.
type CompletionCallback func(*Response, error)
