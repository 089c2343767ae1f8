package provider

import (
	"encoding/json"

	"github.com/nugget/ikigai/internal/httpmulti"
)

// Ollama serializes Request/Response through Ollama's /api/chat
// endpoint. Streaming decode follows Ollama's newline-delimited-JSON
// loop (one JSON object per line, a trailing `"done": true` object
// carrying final token counts) rather than SSE framing.
type Ollama struct {
	baseURL string
}

// NewOllama builds the Ollama wireAdapter against baseURL (e.g.
// "http://localhost:11434").
func NewOllama(baseURL string) *Ollama {
	return &Ollama{baseURL: baseURL}
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []ollamaToolDecl `json:"tools,omitempty"`
}

type ollamaToolDecl struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction2 `json:"function"`
}

type ollamaToolFunction2 struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"`
}

type ollamaWireResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

func (o *Ollama) buildRequest(req Request) (httpmulti.Request, error) {
	body := ollamaRequest{
		Model:    req.Model,
		Messages: convertMessagesToOllama(req.Messages),
		Stream:   true,
		Tools:    convertToolsToOllama(req.Tools),
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return httpmulti.Request{}, err
	}

	return httpmulti.Request{
		Method:  "POST",
		URL:     o.baseURL + "/api/chat",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    payload,
		Framing: httpmulti.FramingNDJSON,
	}, nil
}

func (o *Ollama) decodeFrame(frame string, state *streamState, onText StreamCallback) {
	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(frame), &wire); err != nil {
		return
	}

	if wire.Message.Content != "" {
		state.text += wire.Message.Content
		if onText != nil {
			onText(wire.Message.Content)
		}
	}
	if len(wire.Message.ToolCalls) > 0 {
		state.toolCalls = convertToolCallsFromOllama(wire.Message.ToolCalls)
	}
	if wire.Done {
		state.model = wire.Model
		state.usage = Usage{InputTokens: wire.PromptEvalCount, OutputTokens: wire.EvalCount}
		if len(state.toolCalls) > 0 {
			state.finish = FinishToolUse
		} else {
			state.finish = FinishStop
		}
	}
}

func (o *Ollama) decodeFinal(body string, state *streamState) (*Response, error) {
	if state != nil {
		blocks := make([]ContentBlock, 0, len(state.toolCalls)+1)
		if state.text != "" {
			blocks = append(blocks, ContentBlock{Kind: BlockText, Text: state.text})
		}
		blocks = append(blocks, state.toolCalls...)
		finish := state.finish
		if finish == "" {
			finish = FinishStop
		}
		return &Response{
			Blocks: blocks, FinishReason: finish, Usage: state.usage,
			Provider: "ollama", Model: state.model,
		}, nil
	}

	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return nil, err
	}
	var blocks []ContentBlock
	if wire.Message.Content != "" {
		blocks = append(blocks, ContentBlock{Kind: BlockText, Text: wire.Message.Content})
	}
	blocks = append(blocks, convertToolCallsFromOllama(wire.Message.ToolCalls)...)
	finish := FinishStop
	if len(wire.Message.ToolCalls) > 0 {
		finish = FinishToolUse
	}
	return &Response{
		Blocks:       blocks,
		FinishReason: finish,
		Usage:        Usage{InputTokens: wire.PromptEvalCount, OutputTokens: wire.EvalCount},
		Provider:     "ollama",
		Model:        wire.Model,
	}, nil
}

func convertMessagesToOllama(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, msg := range messages {
		role := msg.Role
		var content string
		var toolCalls []ollamaToolCall
		for _, b := range msg.Blocks {
			switch b.Kind {
			case BlockText, BlockThinking:
				content += b.Text
			case BlockToolResult:
				content += b.ToolResultContent
			case BlockToolCall:
				toolCalls = append(toolCalls, ollamaToolCall{
					ID:       b.ToolCallID,
					Function: ollamaToolFunction{Name: b.ToolName, Arguments: b.ToolArguments},
				})
			}
		}
		out = append(out, ollamaMessage{Role: role, Content: content, ToolCalls: toolCalls})
	}
	return out
}

func convertToolsToOllama(tools []Tool) []ollamaToolDecl {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ollamaToolDecl, 0, len(tools))
	for _, t := range tools {
		schema := t.ParametersSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, ollamaToolDecl{
			Type: "function",
			Function: ollamaToolFunction2{
				Name: t.Name, Description: t.Description, Parameters: schema,
			},
		})
	}
	return out
}

func convertToolCallsFromOllama(calls []ollamaToolCall) []ContentBlock {
	out := make([]ContentBlock, 0, len(calls))
	for _, c := range calls {
		out = append(out, ContentBlock{
			Kind: BlockToolCall, ToolCallID: c.ID,
			ToolName: c.Function.Name, ToolArguments: c.Function.Arguments,
		})
	}
	return out
}
