package replay

import (
	"testing"

	"github.com/nugget/ikigai/internal/model"
)

func ev(id int64, kind model.Kind, data map[string]any) model.Event {
	return model.Event{ID: id, Kind: kind, Data: data}
}

func TestBuildSimpleConversation(t *testing.T) {
	events := []model.Event{
		ev(1, model.KindSystem, nil),
		ev(2, model.KindUser, nil),
		ev(3, model.KindAssistant, nil),
	}
	rc := Build(events, nil)
	if len(rc.Context) != 3 {
		t.Fatalf("len(Context) = %d, want 3", len(rc.Context))
	}
	if len(rc.MarkStack) != 0 {
		t.Fatalf("len(MarkStack) = %d, want 0", len(rc.MarkStack))
	}
}

func TestBuildClearResetsContextAndMarks(t *testing.T) {
	events := []model.Event{
		ev(1, model.KindUser, nil),
		ev(2, model.KindMark, map[string]any{"label": "checkpoint"}),
		ev(3, model.KindClear, nil),
		ev(4, model.KindUser, nil),
	}
	rc := Build(events, nil)
	if len(rc.Context) != 1 {
		t.Fatalf("len(Context) = %d, want 1 (only event 4 survives clear)", len(rc.Context))
	}
	if rc.Context[0].ID != 4 {
		t.Errorf("surviving event id = %d, want 4", rc.Context[0].ID)
	}
	if len(rc.MarkStack) != 0 {
		t.Fatalf("len(MarkStack) = %d, want 0 after clear", len(rc.MarkStack))
	}
}

// TestBuildRewindTruncatesToMark is the replay-with-clear-and-rewind
// scenario: a mark followed by further messages, then a rewind back to
// the mark, should truncate context to the mark's position and append
// the rewind event itself, leaving the mark stack at the found mark.
func TestBuildRewindTruncatesToMark(t *testing.T) {
	events := []model.Event{
		ev(1, model.KindUser, nil),
		ev(2, model.KindMark, map[string]any{"label": "before-tangent"}),
		ev(3, model.KindUser, nil),
		ev(4, model.KindAssistant, nil),
		ev(5, model.KindRewind, map[string]any{"target_message_id": float64(2)}),
	}
	rc := Build(events, nil)

	// context: [1, mark(2), rewind(5)]
	if len(rc.Context) != 3 {
		t.Fatalf("len(Context) = %d, want 3, got %+v", len(rc.Context), rc.Context)
	}
	if rc.Context[len(rc.Context)-1].ID != 5 {
		t.Errorf("last context event id = %d, want 5 (the rewind itself)", rc.Context[len(rc.Context)-1].ID)
	}
	if len(rc.MarkStack) != 1 || rc.MarkStack[0].MessageID != 2 {
		t.Fatalf("MarkStack = %+v, want single mark with MessageID 2", rc.MarkStack)
	}
}

func TestBuildRewindMissingTargetIsSkipped(t *testing.T) {
	events := []model.Event{
		ev(1, model.KindUser, nil),
		ev(2, model.KindRewind, map[string]any{}),
	}
	rc := Build(events, nil)
	if len(rc.Context) != 1 {
		t.Fatalf("len(Context) = %d, want 1 (malformed rewind skipped, not appended)", len(rc.Context))
	}
}

func TestBuildRewindUnresolvableTargetIsSkipped(t *testing.T) {
	events := []model.Event{
		ev(1, model.KindUser, nil),
		ev(2, model.KindRewind, map[string]any{"target_message_id": float64(999)}),
	}
	rc := Build(events, nil)
	if len(rc.Context) != 1 {
		t.Fatalf("len(Context) = %d, want 1 (unresolvable rewind skipped)", len(rc.Context))
	}
}

func TestBuildRewindNonNumericTargetIsSkipped(t *testing.T) {
	events := []model.Event{
		ev(1, model.KindMark, nil),
		ev(2, model.KindRewind, map[string]any{"target_message_id": "not-a-number"}),
	}
	rc := Build(events, nil)
	// Only the mark event survives; the malformed rewind never appends.
	if len(rc.Context) != 1 {
		t.Fatalf("len(Context) = %d, want 1", len(rc.Context))
	}
}

func TestBuildUnknownKindIsSkipped(t *testing.T) {
	events := []model.Event{
		ev(1, model.KindUser, nil),
		ev(2, model.Kind("bogus"), nil),
	}
	rc := Build(events, nil)
	if len(rc.Context) != 1 {
		t.Fatalf("len(Context) = %d, want 1 (unknown kind skipped)", len(rc.Context))
	}
}

func TestBuildMarkStackGrowsPastInitialCapacity(t *testing.T) {
	var events []model.Event
	var id int64 = 1
	for i := 0; i < 100; i++ {
		events = append(events, ev(id, model.KindMark, nil))
		id++
	}
	rc := Build(events, nil)
	if len(rc.MarkStack) != 100 {
		t.Fatalf("len(MarkStack) = %d, want 100", len(rc.MarkStack))
	}
}

func TestApplyEffectsForkExtractsPinsForChild(t *testing.T) {
	agent := &model.Agent{}
	events := []model.Event{
		ev(1, model.KindFork, map[string]any{
			"role":           "child",
			"pinned_paths":   []any{"a.md", "b.md"},
			"toolset_filter": []any{"shell", "read_file"},
		}),
	}
	ApplyEffects(agent, events, nil)
	if len(agent.PinnedPaths) != 2 || agent.PinnedPaths[0] != "a.md" {
		t.Errorf("PinnedPaths = %v", agent.PinnedPaths)
	}
	if len(agent.ToolsetFilter) != 2 || agent.ToolsetFilter[1] != "read_file" {
		t.Errorf("ToolsetFilter = %v", agent.ToolsetFilter)
	}
}

func TestApplyEffectsForkIgnoresParentRole(t *testing.T) {
	agent := &model.Agent{}
	events := []model.Event{
		ev(1, model.KindFork, map[string]any{
			"role":         "parent",
			"pinned_paths": []any{"a.md"},
		}),
	}
	ApplyEffects(agent, events, nil)
	if agent.PinnedPaths != nil {
		t.Errorf("PinnedPaths = %v, want nil (parent-role fork carries no snapshot)", agent.PinnedPaths)
	}
}

func TestApplyEffectsModelCommandSplitsThinkingLevel(t *testing.T) {
	agent := &model.Agent{}
	events := []model.Event{
		ev(1, model.KindCommand, map[string]any{"command": "model", "args": "claude-sonnet-4-20250514/high"}),
	}
	ApplyEffects(agent, events, nil)
	if agent.Model != "claude-sonnet-4-20250514" {
		t.Errorf("Model = %q", agent.Model)
	}
	if agent.ThinkingLevel != "high" {
		t.Errorf("ThinkingLevel = %q", agent.ThinkingLevel)
	}
	if agent.Provider != "anthropic" {
		t.Errorf("Provider = %q, want anthropic", agent.Provider)
	}
}

func TestApplyEffectsModelCommandWithoutThinkingLevel(t *testing.T) {
	agent := &model.Agent{}
	events := []model.Event{
		ev(1, model.KindCommand, map[string]any{"command": "model", "args": "llama3"}),
	}
	ApplyEffects(agent, events, nil)
	if agent.Model != "llama3" || agent.ThinkingLevel != "" {
		t.Errorf("Model = %q ThinkingLevel = %q", agent.Model, agent.ThinkingLevel)
	}
	if agent.Provider != "ollama" {
		t.Errorf("Provider = %q, want ollama", agent.Provider)
	}
}

func TestReplayPinsSurviveClear(t *testing.T) {
	agent := &model.Agent{}
	events := []model.Event{
		ev(1, model.KindCommand, map[string]any{"command": "pin", "args": "notes.md"}),
		ev(2, model.KindClear, nil),
		ev(3, model.KindCommand, map[string]any{"command": "pin", "args": "todo.md"}),
	}
	ReplayPins(agent, events)
	if len(agent.PinnedPaths) != 2 {
		t.Fatalf("PinnedPaths = %v, want 2 entries (clear must not affect pins)", agent.PinnedPaths)
	}
}

func TestReplayPinsIdempotent(t *testing.T) {
	agent := &model.Agent{}
	events := []model.Event{
		ev(1, model.KindCommand, map[string]any{"command": "pin", "args": "notes.md"}),
		ev(2, model.KindCommand, map[string]any{"command": "pin", "args": "notes.md"}),
	}
	ReplayPins(agent, events)
	if len(agent.PinnedPaths) != 1 {
		t.Fatalf("PinnedPaths = %v, want exactly 1 (pin is idempotent)", agent.PinnedPaths)
	}
}

func TestReplayPinsUnpinRemoves(t *testing.T) {
	agent := &model.Agent{}
	events := []model.Event{
		ev(1, model.KindCommand, map[string]any{"command": "pin", "args": "a.md"}),
		ev(2, model.KindCommand, map[string]any{"command": "pin", "args": "b.md"}),
		ev(3, model.KindCommand, map[string]any{"command": "unpin", "args": "a.md"}),
	}
	ReplayPins(agent, events)
	if len(agent.PinnedPaths) != 1 || agent.PinnedPaths[0] != "b.md" {
		t.Fatalf("PinnedPaths = %v, want [b.md]", agent.PinnedPaths)
	}
}

func TestReplayPinsUnpinMissingIsNoOp(t *testing.T) {
	agent := &model.Agent{}
	events := []model.Event{
		ev(1, model.KindCommand, map[string]any{"command": "unpin", "args": "never-pinned.md"}),
	}
	ReplayPins(agent, events)
	if len(agent.PinnedPaths) != 0 {
		t.Fatalf("PinnedPaths = %v, want empty", agent.PinnedPaths)
	}
}

func TestReplayPinsSeedsFromForkSnapshot(t *testing.T) {
	agent := &model.Agent{}
	events := []model.Event{
		ev(1, model.KindFork, map[string]any{
			"role":         "child",
			"pinned_paths": []any{"inherited.md"},
		}),
		ev(2, model.KindCommand, map[string]any{"command": "pin", "args": "own.md"}),
	}
	ReplayPins(agent, events)
	if len(agent.PinnedPaths) != 2 {
		t.Fatalf("PinnedPaths = %v, want 2 (inherited + own)", agent.PinnedPaths)
	}
}
