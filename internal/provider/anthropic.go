package provider

import (
	"encoding/json"
	"strings"

	"github.com/nugget/ikigai/internal/httpmulti"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 4096
)

// Anthropic serializes Request/Response through the Anthropic Messages
// API wire format. anthropicRequest/anthropicMessage/anthropicContent
// mirror that wire shape directly, and the
// streaming decode (message_start/content_block_start/
// content_block_delta/message_delta) is the same
// event switch, reexpressed to fold into a provider-neutral streamState
// instead of llm.ChatResponse.
type Anthropic struct {
	apiKey string
}

// NewAnthropic builds the Anthropic wireAdapter with apiKey for the
// x-api-key header.
func NewAnthropic(apiKey string) *Anthropic {
	return &Anthropic{apiKey: apiKey}
}

type anthropicRequest struct {
	Model      string               `json:"model"`
	Messages   []anthropicMessage   `json:"messages"`
	System     string               `json:"system,omitempty"`
	MaxTokens  int                  `json:"max_tokens"`
	Stream     bool                 `json:"stream,omitempty"`
	Tools      []anthropicTool      `json:"tools,omitempty"`
	ToolChoice *anthropicToolChoice `json:"tool_choice,omitempty"`
	Thinking   *anthropicThinking   `json:"thinking,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicContent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

func (a *Anthropic) buildRequest(req Request) (httpmulti.Request, error) {
	msgs, system := convertMessagesToAnthropic(req.Messages)

	body := anthropicRequest{
		Model:      req.Model,
		Messages:   msgs,
		System:     system,
		MaxTokens:  anthropicMaxTokens,
		Stream:     true,
		Tools:      convertToolsToAnthropic(req.Tools),
		ToolChoice: convertToolChoiceToAnthropic(req.ToolChoice),
		Thinking:   convertReasoningToAnthropic(req.ReasoningEffort),
	}
	if req.MaxOutputTokens > 0 {
		body.MaxTokens = req.MaxOutputTokens
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return httpmulti.Request{}, err
	}

	return httpmulti.Request{
		Method: "POST",
		URL:    anthropicAPIURL,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			"x-api-key":         a.apiKey,
			"anthropic-version": anthropicAPIVersion,
		},
		Body:    payload,
		Framing: httpmulti.FramingSSE,
	}, nil
}

func (a *Anthropic) decodeFrame(frame string, state *streamState, onText StreamCallback) {
	var event anthropicStreamEvent
	if err := json.Unmarshal([]byte(frame), &event); err != nil {
		return // malformed frame; skip rather than fail the whole stream
	}

	switch event.Type {
	case "message_start":
		if event.Message != nil {
			state.model = event.Message.Model
			state.usage = Usage{InputTokens: event.Message.Usage.InputTokens}
		}

	case "content_block_start":
		if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
			state.toolCalls = append(state.toolCalls, ContentBlock{
				Kind:       BlockToolCall,
				ToolCallID: event.ContentBlock.ID,
				ToolName:   event.ContentBlock.Name,
			})
		}

	case "content_block_delta":
		if event.Delta == nil {
			return
		}
		switch event.Delta.Type {
		case "text_delta":
			state.text += event.Delta.Text
			if onText != nil {
				onText(event.Delta.Text)
			}
		case "input_json_delta":
			// Tool arguments arrive as fragmented JSON across many
			// events; ToolResultContent is repurposed as the scratch
			// accumulator here and cleared once decodeFinal parses it.
			if n := len(state.toolCalls); n > 0 {
				state.toolCalls[n-1].ToolResultContent += event.Delta.PartialJSON
			}
		}

	case "message_delta":
		if event.Delta != nil && event.Delta.StopReason != "" {
			state.finish = anthropicFinishReason(event.Delta.StopReason)
		}
		if event.Usage != nil {
			state.usage.OutputTokens = event.Usage.OutputTokens
		}
	}
}

func (a *Anthropic) decodeFinal(body string, state *streamState) (*Response, error) {
	if state != nil {
		blocks := make([]ContentBlock, 0, len(state.toolCalls)+1)
		if state.text != "" {
			blocks = append(blocks, ContentBlock{Kind: BlockText, Text: state.text})
		}
		for _, tc := range state.toolCalls {
			args, _ := parseToolArguments(tc.ToolResultContent)
			tc.ToolArguments = args
			tc.ToolResultContent = ""
			blocks = append(blocks, tc)
		}
		finish := state.finish
		if finish == "" {
			finish = FinishStop
		}
		return &Response{
			Blocks:       blocks,
			FinishReason: finish,
			Usage:        state.usage,
			Provider:     "anthropic",
			Model:        state.model,
		}, nil
	}

	var resp anthropicResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, err
	}
	return &Response{
		Blocks:       convertBlocksFromAnthropic(resp.Content),
		FinishReason: anthropicFinishReason(resp.StopReason),
		Usage:        Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
		Provider:     "anthropic",
		Model:        resp.Model,
	}, nil
}

func parseToolArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}, nil
	}
	return args, nil
}

func anthropicFinishReason(stopReason string) FinishReason {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolUse
	default:
		return FinishUnknown
	}
}

func convertMessagesToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var systemParts []string
	var out []anthropicMessage

	for _, msg := range messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, blockText(msg.Blocks))
			continue
		}

		role := msg.Role
		if role == "tool" {
			role = "user"
		}

		var blocks []anthropicContent
		for _, b := range msg.Blocks {
			switch b.Kind {
			case BlockText:
				blocks = append(blocks, anthropicContent{Type: "text", Text: b.Text})
			case BlockThinking:
				blocks = append(blocks, anthropicContent{Type: "thinking", Text: b.Text, Signature: b.Signature})
			case BlockRedactedThinking:
				blocks = append(blocks, anthropicContent{Type: "redacted_thinking", Data: b.Data})
			case BlockToolCall:
				blocks = append(blocks, anthropicContent{Type: "tool_use", ID: b.ToolCallID, Name: b.ToolName, Input: b.ToolArguments})
			case BlockToolResult:
				blocks = append(blocks, anthropicContent{
					Type: "tool_result", ToolUseID: b.ToolCallID,
					Content: b.ToolResultContent, IsError: b.ToolResultIsError,
				})
			}
		}

		var content any = blocks
		if len(blocks) == 1 && blocks[0].Type == "text" {
			content = blocks[0].Text
		}
		out = append(out, anthropicMessage{Role: role, Content: content})
	}

	return out, strings.Join(systemParts, "\n\n")
}

func blockText(blocks []ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Kind == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func convertToolsToAnthropic(tools []Tool) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		schema := t.ParametersSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out
}

func convertToolChoiceToAnthropic(tc ToolChoice) *anthropicToolChoice {
	switch tc.Mode {
	case ToolChoiceNone:
		return &anthropicToolChoice{Type: "none"}
	case ToolChoiceRequired:
		return &anthropicToolChoice{Type: "any"}
	case ToolChoiceSpecific:
		return &anthropicToolChoice{Type: "tool", Name: tc.Name}
	default:
		return nil // auto is the API default; omit the field
	}
}

func convertReasoningToAnthropic(effort ReasoningEffort) *anthropicThinking {
	switch effort {
	case ReasoningLow:
		return &anthropicThinking{Type: "enabled", BudgetTokens: 4096}
	case ReasoningMed:
		return &anthropicThinking{Type: "enabled", BudgetTokens: 16384}
	case ReasoningHigh:
		return &anthropicThinking{Type: "enabled", BudgetTokens: 32768}
	default:
		return nil
	}
}

func convertBlocksFromAnthropic(blocks []anthropicContent) []ContentBlock {
	out := make([]ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, ContentBlock{Kind: BlockText, Text: b.Text})
		case "thinking":
			out = append(out, ContentBlock{Kind: BlockThinking, Text: b.Text, Signature: b.Signature})
		case "redacted_thinking":
			out = append(out, ContentBlock{Kind: BlockRedactedThinking, Data: b.Data})
		case "tool_use":
			args, _ := b.Input.(map[string]any)
			if args == nil {
				args = map[string]any{}
			}
			out = append(out, ContentBlock{Kind: BlockToolCall, ToolCallID: b.ID, ToolName: b.Name, ToolArguments: args})
		}
	}
	return out
}
