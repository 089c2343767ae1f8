// Package agentdriver implements AgentDriver: the per-agent state
// machine that turns one user input into zero or more provider
// requests, tool invocations, and a final assistant response. It sits
// in Idle between user turns, bounded by a max-iterations exhaustion
// guard and a per-call repeat-count guard so a model that loops on
// tool calls can't run the driver forever.
package agentdriver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/ikigai/internal/ikerrors"
	"github.com/nugget/ikigai/internal/lifecycle"
	"github.com/nugget/ikigai/internal/mailbox"
	"github.com/nugget/ikigai/internal/model"
	"github.com/nugget/ikigai/internal/provider"
)

// State is the closed set of positions in one agent's request
// lifecycle.
type State int

const (
	StateIdle State = iota
	StateWaitingForLLM
	StateStreamingText
	StatePendingToolCall
	StateExecutingTool
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForLLM:
		return "waiting_for_llm"
	case StateStreamingText:
		return "streaming_text"
	case StatePendingToolCall:
		return "pending_tool_call"
	case StateExecutingTool:
		return "executing_tool"
	default:
		return "unknown"
	}
}

// maxToolIterations bounds the tool-call loop within a single user
// turn so a model that never stops calling tools can't run the driver
// forever.
const maxToolIterations = 25

// maxToolRepeat: once the same tool with the same arguments has been
// called more than this many times in one turn, further identical calls
// are not executed; each gets a synthetic error tool result instead,
// and the loop still sends the results back to the provider.
const maxToolRepeat = 3

// EventStore is the subset of internal/store.Store a Driver appends
// conversation and usage events to.
type EventStore interface {
	Append(agentUUID string, kind model.Kind, content string, data map[string]any) (int64, error)
}

// ProviderClient is the subset of internal/provider.Adapter a Driver
// drives requests through.
type ProviderClient interface {
	StartStream(ctx context.Context, providerName string, req provider.Request, stream provider.StreamCallback, completion provider.CompletionCallback) (int64, error)
	Cancel()
}

// MailSender is the subset of internal/mailbox.Mailbox a built-in
// "send_mail" tool call needs.
type MailSender interface {
	Send(checker mailbox.RecipientChecker, from, to, body string) (int64, error)
}

// AgentForker is the subset of internal/lifecycle.Lifecycle a built-in
// "fork" tool call needs.
type AgentForker interface {
	Fork(parentUUID string, opts lifecycle.ForkOptions) (*model.Agent, error)
}

// ToolRunner executes any tool call that isn't one of the built-ins
// (send_mail, fork) AgentDriver handles directly. Concrete tool
// implementations (shell, web, home-automation, ...) are out of core
// scope; a caller wires whatever toolset it supports.
type ToolRunner interface {
	RunTool(ctx context.Context, agentUUID, toolName string, args map[string]any) (result string, isError bool)
}

// Scrollback receives rendered output for one agent's terminal pane.
// Both warnings (non-fatal user-visible failures) and normal
// assistant/tool text flow through it.
type Scrollback interface {
	Append(agentUUID, text string)
	Warn(agentUUID, message string)
}

// Driver is one agent's state machine. A process holds one Driver per
// live agent; internal/repl's Dispatcher keeps them in its own map,
// keyed by agent UUID.
type Driver struct {
	uuid string

	es         EventStore
	llm        ProviderClient
	mail       MailSender
	checker    mailbox.RecipientChecker
	forker     AgentForker
	tools      ToolRunner
	scrollback Scrollback
	log        *slog.Logger

	state         State
	providerName  string
	model         string
	pendingTicket int64
}

// Config carries the fixed collaborators a Driver needs at
// construction; per-turn state (provider/model) is set separately via
// SetModel so /model can change it between turns.
type Config struct {
	EventStore     EventStore
	Provider       ProviderClient
	Mail           MailSender
	RecipientCheck mailbox.RecipientChecker
	Forker         AgentForker
	Tools          ToolRunner
	Scrollback     Scrollback
	Logger         *slog.Logger
}

// New builds a Driver for agentUUID, starting in Idle, using
// providerName/model for its first turn.
func New(agentUUID string, cfg Config, providerName, modelName string) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		uuid: agentUUID, es: cfg.EventStore, llm: cfg.Provider, mail: cfg.Mail,
		checker: cfg.RecipientCheck, forker: cfg.Forker, tools: cfg.Tools,
		scrollback: cfg.Scrollback, log: logger,
		state: StateIdle, providerName: providerName, model: modelName,
	}
}

// State reports the driver's current position.
func (d *Driver) State() State { return d.state }

// SetModel switches the provider/model pair for this agent's next
// turn. Rejected while a request is outstanding (while in
// WaitingForLLM, /model is rejected).
func (d *Driver) SetModel(providerName, modelName string) error {
	if d.state != StateIdle {
		d.scrollback.Warn(d.uuid, "Cannot switch models during active request")
		return ikerrors.New(ikerrors.InvalidArg, "cannot switch models during active request")
	}
	d.providerName = providerName
	d.model = modelName
	return nil
}

// Kill cancels any outstanding provider request and returns the driver
// to Idle. Allowed from any state.
func (d *Driver) Kill() {
	if d.state == StateWaitingForLLM || d.state == StateStreamingText {
		d.llm.Cancel()
	}
	d.state = StateIdle
	d.pendingTicket = 0
}

// turnContext carries everything the tool-call iteration loop needs
// across StartUserTurn's recursive provider round-trips.
type turnContext struct {
	ctx          context.Context
	messages     []provider.Message
	tools        []provider.Tool
	toolChoice   provider.ToolChoice
	iteration    int
	repeatCounts map[string]int
}

// StartUserTurn appends the user's message, transitions Idle →
// WaitingForLLM, and issues the first provider request. toolDefs
// describes the tools offered this turn (empty if the agent has none
// registered).
func (d *Driver) StartUserTurn(ctx context.Context, text string, toolDefs []provider.Tool) error {
	if d.state != StateIdle {
		return ikerrors.New(ikerrors.InvalidArg, "agent is busy")
	}

	if _, err := d.es.Append(d.uuid, model.KindUser, text, nil); err != nil {
		return err
	}

	tc := &turnContext{
		ctx:          ctx,
		messages:     []provider.Message{{Role: "user", Blocks: []provider.ContentBlock{{Kind: provider.BlockText, Text: text}}}},
		tools:        toolDefs,
		toolChoice:   provider.ToolChoice{Mode: provider.ToolChoiceAuto},
		repeatCounts: make(map[string]int),
	}
	return d.issueRequest(tc)
}

func (d *Driver) issueRequest(tc *turnContext) error {
	d.state = StateWaitingForLLM

	req := provider.Request{Model: d.model, Messages: tc.messages, Tools: tc.tools, ToolChoice: tc.toolChoice}

	ticket, err := d.llm.StartStream(tc.ctx, d.providerName, req,
		func(chunk string) {
			d.state = StateStreamingText
			d.scrollback.Append(d.uuid, chunk)
		},
		func(resp *provider.Response, err error) {
			d.onCompletion(tc, resp, err)
		},
	)
	if err != nil {
		d.state = StateIdle
		d.log.Error("provider request failed to start", "agent", d.uuid, "error", err)
		d.scrollback.Warn(d.uuid, fmt.Sprintf("request failed: %v", err))
		return err
	}
	d.pendingTicket = ticket
	return nil
}

// onCompletion is the ProviderAdapter completion callback for one
// provider round-trip. It is only meaningful while still
// WaitingForLLM/StreamingText; a completion arriving after /kill moved
// the agent back to Idle must be dropped.
func (d *Driver) onCompletion(tc *turnContext, resp *provider.Response, err error) {
	if d.state != StateWaitingForLLM && d.state != StateStreamingText {
		return // dropped: agent is no longer waiting on a request (e.g. killed)
	}

	if err != nil {
		d.log.Error("provider completion error", "agent", d.uuid, "error", err)
		d.scrollback.Warn(d.uuid, fmt.Sprintf("request failed: %v", err))
		d.state = StateIdle
		return
	}

	d.recordUsage(resp)

	toolCalls := extractToolCalls(resp.Blocks)
	if len(toolCalls) == 0 {
		d.finishWithText(resp)
		return
	}

	d.state = StatePendingToolCall
	d.runToolCalls(tc, resp, toolCalls)
}

func (d *Driver) finishWithText(resp *provider.Response) {
	text := extractText(resp.Blocks)
	if _, err := d.es.Append(d.uuid, model.KindAssistant, text, map[string]any{"finish_reason": string(resp.FinishReason)}); err != nil {
		d.log.Warn("db_persist_failed", "agent", d.uuid, "command", "assistant_response", "error", err)
	}
	d.state = StateIdle
}

func (d *Driver) runToolCalls(tc *turnContext, resp *provider.Response, toolCalls []provider.ContentBlock) {
	tc.iteration++
	if tc.iteration > maxToolIterations {
		d.log.Warn("tool iteration limit reached", "agent", d.uuid, "limit", maxToolIterations)
		d.finishWithText(resp)
		return
	}

	assistantText := extractText(resp.Blocks)
	d.recordAssistantWithToolCalls(assistantText, toolCalls)

	d.state = StateExecutingTool
	var results []provider.ContentBlock
	for _, call := range toolCalls {
		key := call.ToolName + ":" + fmt.Sprint(call.ToolArguments)
		tc.repeatCounts[key]++
		if tc.repeatCounts[key] > maxToolRepeat {
			results = append(results, toolResultBlock(call, fmt.Sprintf(
				"tool %q has been called %d times with the same arguments; stop calling tools and respond to the user",
				call.ToolName, tc.repeatCounts[key]), true))
			continue
		}
		result, isError := d.executeTool(tc.ctx, call)
		results = append(results, toolResultBlock(call, result, isError))
	}

	tc.messages = append(tc.messages,
		provider.Message{Role: "assistant", Blocks: toolCalls},
		provider.Message{Role: "tool", Blocks: results},
	)

	if err := d.issueRequest(tc); err != nil {
		d.log.Error("failed to continue tool loop", "agent", d.uuid, "error", err)
	}
}

func (d *Driver) recordAssistantWithToolCalls(text string, toolCalls []provider.ContentBlock) {
	calls := make([]any, 0, len(toolCalls))
	for _, tc := range toolCalls {
		calls = append(calls, map[string]any{"id": tc.ToolCallID, "name": tc.ToolName, "arguments": tc.ToolArguments})
	}
	if _, err := d.es.Append(d.uuid, model.KindToolCall, text, map[string]any{"tool_calls": calls}); err != nil {
		d.log.Warn("db_persist_failed", "agent", d.uuid, "command", "tool_call", "error", err)
	}
}

// executeTool dispatches one tool call: send_mail and fork reuse the
// Mailbox and AgentLifecycle contracts directly, so their on-disk
// events and notifications are identical whether triggered by a
// slash command or a model tool call; everything else goes through
// the caller-supplied ToolRunner.
func (d *Driver) executeTool(ctx context.Context, call provider.ContentBlock) (result string, isError bool) {
	defer func() {
		if _, err := d.es.Append(d.uuid, model.KindToolResult, result, map[string]any{
			"tool_call_id": call.ToolCallID, "is_error": isError,
		}); err != nil {
			d.log.Warn("db_persist_failed", "agent", d.uuid, "command", "tool_result", "error", err)
		}
	}()

	switch call.ToolName {
	case "send_mail":
		return d.executeSendMail(call.ToolArguments)
	case "fork":
		return d.executeFork(call.ToolArguments)
	default:
		if d.tools == nil {
			return fmt.Sprintf("tool %q is not available", call.ToolName), true
		}
		return d.tools.RunTool(ctx, d.uuid, call.ToolName, call.ToolArguments)
	}
}

func (d *Driver) executeSendMail(args map[string]any) (string, bool) {
	to, _ := args["to"].(string)
	body, _ := args["body"].(string)
	if to == "" || body == "" {
		return "send_mail requires 'to' and 'body' arguments", true
	}
	if _, err := d.mail.Send(d.checker, d.uuid, to, body); err != nil {
		return err.Error(), true
	}
	return "mail sent", false
}

func (d *Driver) executeFork(args map[string]any) (string, bool) {
	name, _ := args["name"].(string)
	child, err := d.forker.Fork(d.uuid, lifecycle.ForkOptions{Name: name, Provider: d.providerName, Model: d.model})
	if err != nil {
		return err.Error(), true
	}
	return fmt.Sprintf("forked agent %s", child.UUID), false
}

func (d *Driver) recordUsage(resp *provider.Response) {
	if resp == nil {
		return
	}
	if _, err := d.es.Append(d.uuid, model.KindUsage, "", map[string]any{
		"model": resp.Model, "provider": resp.Provider,
		"input_tokens": resp.Usage.InputTokens, "output_tokens": resp.Usage.OutputTokens,
		"role": "interactive",
	}); err != nil {
		d.log.Warn("db_persist_failed", "agent", d.uuid, "command", "usage", "error", err)
	}
}

func extractToolCalls(blocks []provider.ContentBlock) []provider.ContentBlock {
	var out []provider.ContentBlock
	for _, b := range blocks {
		if b.Kind == provider.BlockToolCall {
			out = append(out, b)
		}
	}
	return out
}

func extractText(blocks []provider.ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Kind == provider.BlockText {
			out += b.Text
		}
	}
	return out
}

func toolResultBlock(call provider.ContentBlock, content string, isError bool) provider.ContentBlock {
	return provider.ContentBlock{
		Kind: provider.BlockToolResult, ToolCallID: call.ToolCallID,
		ToolResultContent: content, ToolResultIsError: isError,
	}
}
