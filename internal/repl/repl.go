// Package repl implements ReplDriver: the thin slash-command surface
// sitting in front of AgentDriver. Commands are dispatched from a
// fixed table of named operations, each a small function over shared
// runtime state (clear/model/system/debug and the rest). A command
// whose own database write fails stops there: the error is rendered as
// a scrollback warning and the in-memory state is left unchanged; the
// failure is not logged as db_persist_failed.
package repl

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nugget/ikigai/internal/agentdriver"
	"github.com/nugget/ikigai/internal/ikerrors"
	"github.com/nugget/ikigai/internal/lifecycle"
	"github.com/nugget/ikigai/internal/logging"
	"github.com/nugget/ikigai/internal/mailbox"
	"github.com/nugget/ikigai/internal/model"
	"github.com/nugget/ikigai/internal/provider"
	"github.com/nugget/ikigai/internal/usage"
	"github.com/nugget/ikigai/internal/wait"
)

// defaultWaitTimeout is used by a bare "/wait" with no explicit
// seconds argument: long enough to behave as "block until mail
// arrives" for interactive use, short enough that a stuck process
// still unblocks on its own eventually.
const defaultWaitTimeout = 24 * time.Hour

// Scrollback is shared with AgentDriver's own Scrollback contract so a
// command's rendered output and a model's streamed output land on the
// same per-agent surface through one path.
type Scrollback = agentdriver.Scrollback

// EventStore is the subset of internal/store.Store ReplDriver appends
// command/mark/rewind/system/clear events to directly.
type EventStore interface {
	Append(agentUUID string, kind model.Kind, content string, data map[string]any) (int64, error)
}

// Registry is the subset of internal/registry.Registry ReplDriver
// needs to resolve targets and the current agent.
type Registry interface {
	Find(uuidOrPrefix string) (*model.Agent, error)
	Current() *model.Agent
}

// Lifecycle is the subset of internal/lifecycle.Lifecycle ReplDriver
// drives for /kill and /reap.
type Lifecycle interface {
	Kill(uuid string) (*lifecycle.KillResult, error)
	ReapAll() (*lifecycle.ReapResult, error)
	ReapTarget(uuid string) (*lifecycle.ReapResult, error)
}

// Mailer is the subset of internal/mailbox.Mailbox ReplDriver drives
// for /send.
type Mailer interface {
	Send(checker mailbox.RecipientChecker, from, to, body string) (int64, error)
}

// ToolCatalog supplies the tool definitions a user turn should offer
// the provider for agent. Concrete toolsets (shell, web, home
// automation, ...) are out of core scope; a caller wires whatever it
// supports, or leaves this nil for a driver with no tools at all.
type ToolCatalog interface {
	ToolsFor(agent *model.Agent) []provider.Tool
}

// DriverFactory builds a fresh AgentDriver for a newly known agent
// (the root agent at startup, or a child just created by /fork or a
// model-triggered fork tool call).
type DriverFactory func(agentUUID, providerName, modelName string) *agentdriver.Driver

// Dispatcher is ReplDriver: it owns one AgentDriver per live agent and
// routes each line of input either to a slash command or to the
// current agent's driver as a user turn.
type Dispatcher struct {
	es          EventStore
	reg         Registry
	life        Lifecycle
	mail        Mailer
	checker     mailbox.RecipientChecker
	waitBackend wait.Backend
	mailSource  wait.MailSource
	tools       ToolCatalog
	scrollback  Scrollback
	newDriver   DriverFactory

	drivers     map[string]*agentdriver.Driver
	interrupted atomic.Bool
}

// Config carries Dispatcher's fixed collaborators.
type Config struct {
	EventStore     EventStore
	Registry       Registry
	Lifecycle      Lifecycle
	Mail           Mailer
	RecipientCheck mailbox.RecipientChecker
	WaitBackend    wait.Backend
	MailSource     wait.MailSource
	Tools          ToolCatalog
	Scrollback     Scrollback
	NewDriver      DriverFactory
}

// New builds a Dispatcher with no drivers registered yet; callers add
// one per known agent via EnsureDriver.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		es: cfg.EventStore, reg: cfg.Registry, life: cfg.Lifecycle,
		mail: cfg.Mail, checker: cfg.RecipientCheck,
		waitBackend: cfg.WaitBackend, mailSource: cfg.MailSource,
		tools: cfg.Tools, scrollback: cfg.Scrollback, newDriver: cfg.NewDriver,
		drivers: make(map[string]*agentdriver.Driver),
	}
}

// EnsureDriver returns the AgentDriver for agentUUID, building one via
// the configured DriverFactory on first use.
func (d *Dispatcher) EnsureDriver(agentUUID, providerName, modelName string) *agentdriver.Driver {
	if drv, ok := d.drivers[agentUUID]; ok {
		return drv
	}
	drv := d.newDriver(agentUUID, providerName, modelName)
	d.drivers[agentUUID] = drv
	return drv
}

// Interrupt sets the shared interrupted flag WaitEngine polls,
// typically wired to the process's own Ctrl-C handling so an in-flight
// /wait or /wait-style fan-in unblocks promptly.
func (d *Dispatcher) Interrupt() {
	d.interrupted.Store(true)
}

func (d *Dispatcher) clearInterrupt() {
	d.interrupted.Store(false)
}

// Handle routes one line of REPL input and never returns an error to
// the caller: a slash command renders
// any failure as a scrollback warning and still reports success, and a
// plain user turn's failure is already absorbed by AgentDriver itself.
func (d *Dispatcher) Handle(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	if !strings.HasPrefix(line, "/") {
		d.handleUserTurn(ctx, line)
		return
	}

	name, args := splitCommand(line[1:])
	current := d.reg.Current()
	if current == nil {
		return
	}

	if _, err := d.es.Append(current.UUID, model.KindCommand, "", map[string]any{
		"command": name, "args": args,
	}); err != nil {
		d.scrollback.Warn(current.UUID, fmt.Sprintf("failed to record command: %v", err))
	}

	if err := d.dispatch(ctx, current, name, args); err != nil {
		d.scrollback.Warn(current.UUID, err.Error())
	}
}

func splitCommand(rest string) (name, args string) {
	name, args, _ = strings.Cut(rest, " ")
	return name, strings.TrimSpace(args)
}

func (d *Dispatcher) handleUserTurn(ctx context.Context, text string) {
	current := d.reg.Current()
	if current == nil {
		return
	}
	drv := d.EnsureDriver(current.UUID, current.Provider, current.Model)

	var toolDefs []provider.Tool
	if d.tools != nil {
		toolDefs = d.tools.ToolsFor(current)
	}
	if err := drv.StartUserTurn(ctx, text, toolDefs); err != nil {
		d.scrollback.Warn(current.UUID, err.Error())
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, current *model.Agent, name, args string) error {
	switch name {
	case "kill":
		return d.cmdKill(current, args)
	case "reap":
		return d.cmdReap(current, args)
	case "send":
		return d.cmdSend(current, args)
	case "wait":
		return d.cmdWait(current, args)
	case "model":
		return d.cmdModel(current, args)
	case "system":
		return d.cmdSystem(current, args)
	case "clear":
		return d.cmdClear(current)
	case "debug":
		return d.cmdDebug(current, args)
	case "mark":
		return d.cmdMark(current, args)
	case "rewind":
		return d.cmdRewind(current, args)
	case "pin":
		return d.cmdPin(current, args)
	case "unpin":
		return d.cmdUnpin(current, args)
	default:
		return ikerrors.New(ikerrors.InvalidArg, "unknown command: /"+name)
	}
}

// cmdKill implements /kill [uuid?]: defaults to the current agent,
// cascading through Lifecycle.Kill.
func (d *Dispatcher) cmdKill(current *model.Agent, args string) error {
	target := args
	if target == "" {
		target = current.UUID
	}

	result, err := d.life.Kill(target)
	if err != nil {
		return err
	}

	victimUUID := target
	if victim, err := d.reg.Find(target); err == nil {
		victimUUID = victim.UUID
	}
	d.scrollback.Append(victimUUID, fmt.Sprintf("Agent killed (cascade, %d total)", result.Count))
	delete(d.drivers, victimUUID)

	if result.SwitchedToUUID != "" {
		d.scrollback.Append(result.SwitchedToUUID, "Now current agent")
	}
	return nil
}

// cmdReap implements /reap [uuid?]: bulk reap of every dead agent when
// args is empty, or a targeted reap of uuid and its descendants.
func (d *Dispatcher) cmdReap(current *model.Agent, args string) error {
	var result *lifecycle.ReapResult
	var err error
	if args == "" {
		result, err = d.life.ReapAll()
	} else {
		result, err = d.life.ReapTarget(args)
	}
	if err != nil {
		return err
	}
	for uuid := range d.drivers {
		// Reaped agents are gone from the registry; a follow-up Find
		// failing is how we notice and drop the stale driver.
		if _, err := d.reg.Find(uuid); err != nil {
			delete(d.drivers, uuid)
		}
	}
	d.scrollback.Append(current.UUID, fmt.Sprintf("Reaped %d agent(s)", result.Count))
	return nil
}

// cmdSend implements /send <uuid> "<body>".
func (d *Dispatcher) cmdSend(current *model.Agent, args string) error {
	uuid, body, ok := parseSendArgs(args)
	if !ok {
		return ikerrors.New(ikerrors.InvalidArg, `usage: /send <uuid> "<body>"`)
	}
	if _, err := d.mail.Send(d.checker, current.UUID, uuid, body); err != nil {
		return err
	}
	d.scrollback.Append(current.UUID, "Message sent to "+uuid)
	return nil
}

func parseSendArgs(args string) (uuid, body string, ok bool) {
	uuid, rest, found := strings.Cut(args, " ")
	if !found {
		return "", "", false
	}
	rest = strings.TrimSpace(rest)
	if len(rest) < 2 || rest[0] != '"' || rest[len(rest)-1] != '"' {
		return "", "", false
	}
	return uuid, rest[1 : len(rest)-1], true
}

// cmdWait implements /wait [timeout-seconds?]: blocks the REPL on the
// current agent's own channel until mail arrives, the timeout elapses,
// or Interrupt is called, via internal/wait.NextMessage.
func (d *Dispatcher) cmdWait(current *model.Agent, args string) error {
	timeout := defaultWaitTimeout
	if args != "" {
		secs, err := strconv.Atoi(args)
		if err != nil || secs <= 0 {
			return ikerrors.New(ikerrors.InvalidArg, "usage: /wait [timeout-seconds]")
		}
		timeout = time.Duration(secs) * time.Second
	}

	d.clearInterrupt()
	result := wait.NextMessage(d.waitBackend, d.mailSource, current.UUID, timeout, &d.interrupted)
	switch result.Kind {
	case wait.Delivered:
		d.scrollback.Append(current.UUID, fmt.Sprintf("Mail from %s: %s", result.From, result.Body))
	case wait.Timeout:
		return ikerrors.New(ikerrors.InvalidArg, "wait timed out")
	case wait.Interrupted:
		return ikerrors.New(ikerrors.InvalidArg, "wait interrupted")
	case wait.IoError:
		return result.Err
	}
	return nil
}

// cmdModel implements /model <name>[/<level>]. Rejected while the
// current agent's driver is mid-request.
func (d *Dispatcher) cmdModel(current *model.Agent, args string) error {
	if args == "" {
		return ikerrors.New(ikerrors.InvalidArg, "usage: /model <name>[/<level>]")
	}
	modelName, level, _ := strings.Cut(args, "/")
	providerName := usage.ResolveProvider(modelName)

	drv := d.EnsureDriver(current.UUID, current.Provider, current.Model)
	if err := drv.SetModel(providerName, modelName); err != nil {
		return err
	}
	current.Provider = providerName
	current.Model = modelName
	current.ThinkingLevel = level
	d.scrollback.Append(current.UUID, "Model set to "+modelName)
	return nil
}

// cmdSystem implements /system <prompt?>: replaces the current agent's
// system message with a new system-kind event.
func (d *Dispatcher) cmdSystem(current *model.Agent, args string) error {
	if args == "" {
		return ikerrors.New(ikerrors.InvalidArg, "usage: /system <prompt>")
	}
	if _, err := d.es.Append(current.UUID, model.KindSystem, args, nil); err != nil {
		return err
	}
	d.scrollback.Append(current.UUID, "System prompt updated")
	return nil
}

// cmdClear implements /clear: resets conversation context and the mark
// stack, leaving pinned paths untouched.
func (d *Dispatcher) cmdClear(current *model.Agent) error {
	if _, err := d.es.Append(current.UUID, model.KindClear, "", nil); err != nil {
		return err
	}
	current.Context = current.Context[:0]
	current.MarkStack = current.MarkStack[:0]
	d.scrollback.Append(current.UUID, "Context cleared")
	return nil
}

// cmdDebug implements /debug [on|off]: toggles the global log level
// without a restart, the ambient backend for this being
// internal/logging.SetDebug.
func (d *Dispatcher) cmdDebug(current *model.Agent, args string) error {
	var on bool
	switch strings.ToLower(args) {
	case "on":
		on = true
	case "off":
		on = false
	case "":
		on = logging.GetLevel() > slog.LevelDebug // currently above Debug: turn debug on
	default:
		return ikerrors.New(ikerrors.InvalidArg, "usage: /debug [on|off]")
	}
	logging.SetDebug(on)
	state := "off"
	if on {
		state = "on"
	}
	d.scrollback.Append(current.UUID, "Debug logging "+state)
	return nil
}

// cmdMark implements /mark [label?]: appends a mark event and pushes a
// checkpoint onto the current agent's mark stack at its present
// context position.
func (d *Dispatcher) cmdMark(current *model.Agent, args string) error {
	id, err := d.es.Append(current.UUID, model.KindMark, "", map[string]any{"label": args})
	if err != nil {
		return err
	}
	event := model.Event{ID: id, AgentUUID: current.UUID, Kind: model.KindMark, Data: map[string]any{"label": args}}
	current.Context = append(current.Context, event)
	current.MarkStack = append(current.MarkStack, model.Mark{
		MessageID: id, Label: args, ContextIdx: len(current.Context) - 1,
	})
	d.scrollback.Append(current.UUID, fmt.Sprintf("Mark %d created", id))
	return nil
}

// cmdRewind implements /rewind <mark-id>: truncates context and the
// mark stack back to the named mark. A mark id that no longer exists
// on the stack is a no-op, not an error.
func (d *Dispatcher) cmdRewind(current *model.Agent, args string) error {
	target, err := strconv.ParseInt(args, 10, 64)
	if err != nil {
		return ikerrors.New(ikerrors.InvalidArg, "usage: /rewind <mark-id>")
	}

	idx := -1
	for i, m := range current.MarkStack {
		if m.MessageID == target {
			idx = i
		}
	}
	if idx < 0 {
		d.scrollback.Warn(current.UUID, "No such mark; rewind ignored")
		return nil
	}

	id, err := d.es.Append(current.UUID, model.KindRewind, "", map[string]any{"target_message_id": target})
	if err != nil {
		return err
	}

	mark := current.MarkStack[idx]
	current.Context = current.Context[:mark.ContextIdx+1]
	current.MarkStack = current.MarkStack[:idx+1]
	current.Context = append(current.Context, model.Event{
		ID: id, AgentUUID: current.UUID, Kind: model.KindRewind,
		Data: map[string]any{"target_message_id": target},
	})
	d.scrollback.Append(current.UUID, fmt.Sprintf("Rewound to mark %d", target))
	return nil
}

// cmdPin implements /pin <path>.
func (d *Dispatcher) cmdPin(current *model.Agent, args string) error {
	if args == "" {
		return ikerrors.New(ikerrors.InvalidArg, "usage: /pin <path>")
	}
	if _, err := d.es.Append(current.UUID, model.KindCommand, "", map[string]any{"command": "pin", "args": args}); err != nil {
		return err
	}
	for _, p := range current.PinnedPaths {
		if p == args {
			return nil
		}
	}
	current.PinnedPaths = append(current.PinnedPaths, args)
	d.scrollback.Append(current.UUID, "Pinned "+args)
	return nil
}

// cmdUnpin implements /unpin <path>.
func (d *Dispatcher) cmdUnpin(current *model.Agent, args string) error {
	if args == "" {
		return ikerrors.New(ikerrors.InvalidArg, "usage: /unpin <path>")
	}
	if _, err := d.es.Append(current.UUID, model.KindCommand, "", map[string]any{"command": "unpin", "args": args}); err != nil {
		return err
	}
	for i, p := range current.PinnedPaths {
		if p == args {
			current.PinnedPaths = append(current.PinnedPaths[:i], current.PinnedPaths[i+1:]...)
			break
		}
	}
	d.scrollback.Append(current.UUID, "Unpinned "+args)
	return nil
}
