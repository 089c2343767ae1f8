// Package replay reconstructs an agent's in-memory state — its
// conversation-visible context, mark stack, pinned paths, toolset filter,
// and model selection — by deterministically folding an ordered event
// slice, exactly as a fresh process does on reconnect. Replay never
// fails on malformed event data; it logs and skips. Only a failure to
// read the underlying event slice (an EventStore/IO concern, upstream
// of this package) is a hard error.
package replay

import (
	"strings"

	"github.com/nugget/ikigai/internal/model"
	"github.com/nugget/ikigai/internal/usage"
)

const (
	initialContextCap = 16
	initialMarkCap    = 4
)

// Logger is the minimal interface Replayer needs to report skipped,
// malformed events. *log.Logger and zerolog's leveled loggers both
// satisfy it trivially; nil is accepted and simply discards.
type Logger interface {
	Printf(format string, args ...any)
}

func logf(l Logger, format string, args ...any) {
	if l != nil {
		l.Printf(format, args...)
	}
}

// Build folds events (already filtered to one agent, in ascending id
// order) into a ReplayContext: the conversation-visible context array
// and the live mark stack, including clear's reset-without-reallocation
// behavior, expressed in Go as reslicing to length zero.
func Build(events []model.Event, logger Logger) *model.ReplayContext {
	ctx := make([]model.Event, 0, initialContextCap)
	marks := make([]model.Mark, 0, initialMarkCap)

	for _, e := range events {
		ctx, marks = processEvent(ctx, marks, e, logger)
	}

	return &model.ReplayContext{Context: ctx, MarkStack: marks}
}

func processEvent(ctx []model.Event, marks []model.Mark, e model.Event, logger Logger) ([]model.Event, []model.Mark) {
	switch e.Kind {
	case model.KindClear:
		return ctx[:0], marks[:0]

	case model.KindSystem, model.KindUser, model.KindAssistant,
		model.KindToolCall, model.KindToolResult:
		return append(ctx, e), marks

	case model.KindMark:
		ctx = append(ctx, e)
		label, _ := e.Data["label"].(string)
		marks = append(marks, model.Mark{
			MessageID:  e.ID,
			Label:      label,
			ContextIdx: len(ctx) - 1,
		})
		return ctx, marks

	case model.KindRewind:
		return processRewind(ctx, marks, e, logger)

	case model.KindAgentKilled, model.KindCommand, model.KindFork, model.KindUsage:
		// Conversation-invisible; handled by ApplyEffects/ReplayPins, not
		// folded into context here.
		return ctx, marks

	default:
		logf(logger, "replay: skipping unknown event kind %q at id %d", e.Kind, e.ID)
		return ctx, marks
	}
}

func processRewind(ctx []model.Event, marks []model.Mark, e model.Event, logger Logger) ([]model.Event, []model.Mark) {
	targetRaw, ok := e.Data["target_message_id"]
	if !ok {
		logf(logger, "replay: rewind event %d missing target_message_id, skipping", e.ID)
		return ctx, marks
	}

	target, ok := asInt64(targetRaw)
	if !ok {
		logf(logger, "replay: rewind event %d has non-numeric target_message_id, skipping", e.ID)
		return ctx, marks
	}

	idx := findMark(marks, target)
	if idx < 0 {
		logf(logger, "replay: rewind event %d targets unresolvable mark %d, skipping", e.ID, target)
		return ctx, marks
	}

	mark := marks[idx]
	ctx = ctx[:mark.ContextIdx+1]
	marks = marks[:idx+1]

	ctx = append(ctx, e)
	return ctx, marks
}

func findMark(marks []model.Mark, messageID int64) int {
	for i, m := range marks {
		if m.MessageID == messageID {
			return i
		}
	}
	return -1
}

// asInt64 accepts float64 (what json.Unmarshal into map[string]any
// hands back) or an in-process int64 or int, and rejects everything
// else.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// ApplyEffects replays the side-effecting commands that mutate agent
// state directly rather than its context: a fork event's pinned-paths/
// toolset-filter snapshot (only for the child's own fork record) and a
// /model command's provider/model selection. It is independent of
// Build and runs over the same event slice.
func ApplyEffects(agent *model.Agent, events []model.Event, logger Logger) {
	for _, e := range events {
		switch e.Kind {
		case model.KindFork:
			applyForkEvent(agent, e)
		case model.KindCommand:
			cmd, _ := e.Data["command"].(string)
			args, _ := e.Data["args"].(string)
			if cmd == "model" && args != "" {
				applyModelCommand(agent, args)
			}
		}
	}
}

func applyForkEvent(agent *model.Agent, e model.Event) {
	role, _ := e.Data["role"].(string)
	if role != "child" {
		return
	}

	if pins, ok := e.Data["pinned_paths"].([]any); ok {
		agent.PinnedPaths = stringsFromAny(pins)
	}
	if tools, ok := e.Data["toolset_filter"].([]any); ok {
		agent.ToolsetFilter = stringsFromAny(tools)
	}
}

func stringsFromAny(vals []any) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func applyModelCommand(agent *model.Agent, args string) {
	modelName, thinkingLevel, _ := strings.Cut(args, "/")
	agent.Provider = usage.ResolveProvider(modelName)
	agent.Model = modelName
	agent.ThinkingLevel = thinkingLevel
}

// ReplayPins reconstructs an agent's final pinned-paths list from its
// own fork event (the initial snapshot) followed by every pin/unpin
// command it issued afterward, applied chronologically and
// independent of any clear boundary — pins are agent-owned state, not
// context, so a /clear must never touch them.
func ReplayPins(agent *model.Agent, events []model.Event) {
	for _, e := range events {
		if e.Kind == model.KindFork {
			applyForkEvent(agent, e)
			break
		}
	}

	for _, e := range events {
		if e.Kind != model.KindCommand {
			continue
		}
		cmd, _ := e.Data["command"].(string)
		args, _ := e.Data["args"].(string)
		if args == "" {
			continue
		}
		switch cmd {
		case "pin":
			pinPath(agent, args)
		case "unpin":
			unpinPath(agent, args)
		}
	}
}

func pinPath(agent *model.Agent, path string) {
	for _, p := range agent.PinnedPaths {
		if p == path {
			return
		}
	}
	agent.PinnedPaths = append(agent.PinnedPaths, path)
}

func unpinPath(agent *model.Agent, path string) {
	for i, p := range agent.PinnedPaths {
		if p == path {
			agent.PinnedPaths = append(agent.PinnedPaths[:i], agent.PinnedPaths[i+1:]...)
			return
		}
	}
}
