package lifecycle

import (
	"testing"

	"github.com/nugget/ikigai/internal/model"
)

// fakeStore is an in-memory stand-in for internal/store.Store: it
// tracks transaction boundaries, durable agent rows, and notify calls
// without touching a real database.
type fakeStore struct {
	inTx     bool
	rolled   bool
	events   []model.Event
	agents   map[string]*model.Agent
	notifies []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{agents: make(map[string]*model.Agent)}
}

func (f *fakeStore) Begin() error {
	f.inTx = true
	return nil
}

func (f *fakeStore) Commit() error {
	f.inTx = false
	return nil
}

func (f *fakeStore) Rollback() error {
	f.inTx = false
	f.rolled = true
	return nil
}

func (f *fakeStore) Append(agentUUID string, kind model.Kind, content string, data map[string]any) (int64, error) {
	f.events = append(f.events, model.Event{AgentUUID: agentUUID, Kind: kind, Content: content, Data: data})
	return int64(len(f.events)), nil
}

func (f *fakeStore) Notify(channel, payload string) error {
	f.notifies = append(f.notifies, channel+":"+payload)
	return nil
}

func (f *fakeStore) InsertAgent(agent *model.Agent) error {
	f.agents[agent.UUID] = agent
	return nil
}

func (f *fakeStore) MarkAgentDead(uuid string) error {
	if a, ok := f.agents[uuid]; ok {
		a.Status = model.StatusDead
	}
	return nil
}

func (f *fakeStore) MarkAgentReaped(uuid string) error {
	if a, ok := f.agents[uuid]; ok {
		a.Status = model.StatusReaped
	}
	return nil
}

// fakeRegistry is a minimal in-memory AgentRegistry stand-in: a flat
// map plus linear scans, enough to exercise cascade/reassignment logic
// without importing internal/registry (which would make this a test
// of two packages at once).
type fakeRegistry struct {
	byUUID  map[string]*model.Agent
	current *model.Agent
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{byUUID: make(map[string]*model.Agent)}
}

func (r *fakeRegistry) Add(agent *model.Agent, root bool) {
	r.byUUID[agent.UUID] = agent
	if root {
		r.current = agent
	}
}

func (r *fakeRegistry) Remove(uuid string) {
	delete(r.byUUID, uuid)
}

func (r *fakeRegistry) Find(uuidOrPrefix string) (*model.Agent, error) {
	if a, ok := r.byUUID[uuidOrPrefix]; ok {
		return a, nil
	}
	return nil, errNotFound(uuidOrPrefix)
}

func (r *fakeRegistry) Descendants(uuid string) []*model.Agent {
	var direct []*model.Agent
	for _, a := range r.byUUID {
		if a.ParentUUID == uuid {
			direct = append(direct, a)
		}
	}
	var out []*model.Agent
	for _, d := range direct {
		out = append(out, r.Descendants(d.UUID)...)
		out = append(out, d)
	}
	return out
}

func (r *fakeRegistry) SwitchCurrent(agent *model.Agent) error {
	r.current = agent
	return nil
}

func (r *fakeRegistry) Current() *model.Agent { return r.current }

func (r *fakeRegistry) All() []*model.Agent {
	out := make([]*model.Agent, 0, len(r.byUUID))
	for _, a := range r.byUUID {
		out = append(out, a)
	}
	return out
}

type notFoundError string

func (e notFoundError) Error() string { return "agent not found: " + string(e) }

func errNotFound(uuid string) error { return notFoundError(uuid) }

func rootAgent() *model.Agent {
	return &model.Agent{UUID: "root", Status: model.StatusRunning}
}

func TestForkInsertsAgentAndAppendsEvent(t *testing.T) {
	store := newFakeStore()
	reg := newFakeRegistry()
	root := rootAgent()
	reg.Add(root, true)

	lc := New(store, reg)
	child, err := lc.Fork(root.UUID, ForkOptions{Name: "helper", Provider: "anthropic", Model: "claude-sonnet-4-20250514"})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	if child.ParentUUID != root.UUID {
		t.Errorf("child.ParentUUID = %q, want %q", child.ParentUUID, root.UUID)
	}
	if _, ok := store.agents[child.UUID]; !ok {
		t.Errorf("child agent row not inserted")
	}
	if len(store.events) != 1 || store.events[0].Kind != model.KindFork {
		t.Fatalf("events = %+v, want one fork event", store.events)
	}
	if store.inTx {
		t.Errorf("transaction left open after Fork")
	}
	if store.rolled {
		t.Errorf("Fork unexpectedly rolled back")
	}
	if len(store.notifies) != 1 {
		t.Errorf("notifies = %v, want exactly one", store.notifies)
	}
	if _, ok := reg.byUUID[child.UUID]; !ok {
		t.Errorf("child not added to registry")
	}
}

func TestForkCarriesPinnedPathsAndToolsetFilter(t *testing.T) {
	store := newFakeStore()
	reg := newFakeRegistry()
	root := rootAgent()
	reg.Add(root, true)

	lc := New(store, reg)
	_, err := lc.Fork(root.UUID, ForkOptions{
		PinnedPaths:   []string{"/a", "/b"},
		ToolsetFilter: []string{"shell"},
	})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	data := store.events[0].Data
	if paths, ok := data["pinned_paths"].([]any); !ok || len(paths) != 2 {
		t.Errorf("pinned_paths = %v, want 2 entries", data["pinned_paths"])
	}
	if filt, ok := data["toolset_filter"].([]any); !ok || len(filt) != 1 {
		t.Errorf("toolset_filter = %v, want 1 entry", data["toolset_filter"])
	}
}

func TestKillRejectsRoot(t *testing.T) {
	store := newFakeStore()
	reg := newFakeRegistry()
	root := rootAgent()
	reg.Add(root, true)

	lc := New(store, reg)
	if _, err := lc.Kill(root.UUID); err == nil {
		t.Fatal("Kill(root) should fail")
	}
}

func TestKillCascadesToDescendants(t *testing.T) {
	store := newFakeStore()
	reg := newFakeRegistry()
	root := rootAgent()
	child := &model.Agent{UUID: "child", ParentUUID: "root", Status: model.StatusRunning}
	grandchild := &model.Agent{UUID: "grandchild", ParentUUID: "child", Status: model.StatusRunning}
	reg.Add(root, true)
	reg.Add(child, false)
	reg.Add(grandchild, false)
	store.InsertAgent(child)
	store.InsertAgent(grandchild)

	lc := New(store, reg)
	result, err := lc.Kill(child.UUID)
	if err != nil {
		t.Fatalf("Kill: %v", err)
	}

	if result.Count != 2 {
		t.Errorf("Count = %d, want 2 (child + grandchild)", result.Count)
	}
	if child.Status != model.StatusDead || grandchild.Status != model.StatusDead {
		t.Errorf("child/grandchild not marked dead: %+v %+v", child, grandchild)
	}
	if len(store.events) != 1 || store.events[0].Kind != model.KindAgentKilled {
		t.Fatalf("events = %+v, want one agent_killed event", store.events)
	}
	if store.events[0].AgentUUID != root.UUID {
		t.Errorf("agent_killed event.AgentUUID = %q, want %q (the killing agent, not the target)",
			store.events[0].AgentUUID, root.UUID)
	}
}

func TestKillSwitchesCurrentToParent(t *testing.T) {
	store := newFakeStore()
	reg := newFakeRegistry()
	root := rootAgent()
	child := &model.Agent{UUID: "child", ParentUUID: "root", Status: model.StatusRunning}
	reg.Add(root, true)
	reg.Add(child, false)
	store.InsertAgent(child)
	reg.SwitchCurrent(child)

	lc := New(store, reg)
	result, err := lc.Kill(child.UUID)
	if err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if !result.WasCurrentAgent {
		t.Errorf("WasCurrentAgent = false, want true")
	}
	if result.SwitchedToUUID != root.UUID {
		t.Errorf("SwitchedToUUID = %q, want %q", result.SwitchedToUUID, root.UUID)
	}
	if reg.Current().UUID != root.UUID {
		t.Errorf("current agent = %q, want %q", reg.Current().UUID, root.UUID)
	}
}

func TestReapAllRemovesOnlyDeadAgents(t *testing.T) {
	store := newFakeStore()
	reg := newFakeRegistry()
	root := rootAgent()
	dead := &model.Agent{UUID: "dead", ParentUUID: "root", Status: model.StatusDead}
	alive := &model.Agent{UUID: "alive", ParentUUID: "root", Status: model.StatusRunning}
	reg.Add(root, true)
	reg.Add(dead, false)
	reg.Add(alive, false)
	store.InsertAgent(dead)
	store.InsertAgent(alive)

	lc := New(store, reg)
	result, err := lc.ReapAll()
	if err != nil {
		t.Fatalf("ReapAll: %v", err)
	}
	if result.Count != 1 {
		t.Errorf("Count = %d, want 1", result.Count)
	}
	if _, ok := reg.byUUID["dead"]; ok {
		t.Errorf("dead agent still in registry")
	}
	if _, ok := reg.byUUID["alive"]; !ok {
		t.Errorf("alive agent removed, should survive")
	}
	if store.agents["dead"].Status != model.StatusReaped {
		t.Errorf("dead agent not marked reaped")
	}
}

func TestReapAllIsNoOpWhenNothingDead(t *testing.T) {
	store := newFakeStore()
	reg := newFakeRegistry()
	root := rootAgent()
	reg.Add(root, true)

	lc := New(store, reg)
	result, err := lc.ReapAll()
	if err != nil {
		t.Fatalf("ReapAll: %v", err)
	}
	if result.Count != 0 {
		t.Errorf("Count = %d, want 0", result.Count)
	}
}

func TestReapTargetRejectsLivingAgent(t *testing.T) {
	store := newFakeStore()
	reg := newFakeRegistry()
	root := rootAgent()
	alive := &model.Agent{UUID: "alive", ParentUUID: "root", Status: model.StatusRunning}
	reg.Add(root, true)
	reg.Add(alive, false)
	store.InsertAgent(alive)

	lc := New(store, reg)
	if _, err := lc.ReapTarget(alive.UUID); err == nil {
		t.Fatal("ReapTarget(alive) should fail")
	}
}

func TestReapTargetReassignsCurrentWhenVictimized(t *testing.T) {
	store := newFakeStore()
	reg := newFakeRegistry()
	root := rootAgent()
	dead := &model.Agent{UUID: "dead", ParentUUID: "root", Status: model.StatusDead}
	deadChild := &model.Agent{UUID: "dead-child", ParentUUID: "dead", Status: model.StatusDead}
	reg.Add(root, true)
	reg.Add(dead, false)
	reg.Add(deadChild, false)
	store.InsertAgent(dead)
	store.InsertAgent(deadChild)
	reg.SwitchCurrent(deadChild)

	lc := New(store, reg)
	result, err := lc.ReapTarget(dead.UUID)
	if err != nil {
		t.Fatalf("ReapTarget: %v", err)
	}
	if result.Count != 2 {
		t.Errorf("Count = %d, want 2", result.Count)
	}
	if result.SwitchedToUUID != root.UUID {
		t.Errorf("SwitchedToUUID = %q, want %q", result.SwitchedToUUID, root.UUID)
	}
	if reg.Current().UUID != root.UUID {
		t.Errorf("current agent = %q, want %q", reg.Current().UUID, root.UUID)
	}
}

func TestReapTargetFailsWhenNoSurvivorsRemain(t *testing.T) {
	store := newFakeStore()
	reg := newFakeRegistry()
	root := &model.Agent{UUID: "root", Status: model.StatusDead}
	reg.Add(root, true)
	reg.SwitchCurrent(root)

	lc := New(store, reg)
	if _, err := lc.ReapTarget(root.UUID); err == nil {
		t.Fatal("ReapTarget should fail when reaping would leave no living agents")
	}
}

func TestScrollbackUUIDTruncatesTo22Chars(t *testing.T) {
	full := "0123456789abcdef0123456789abcdef"
	got := ScrollbackUUID(full)
	if len(got) != 22 {
		t.Errorf("len(ScrollbackUUID(...)) = %d, want 22", len(got))
	}
	if got != full[:22] {
		t.Errorf("ScrollbackUUID(%q) = %q, want prefix %q", full, got, full[:22])
	}
}

func TestScrollbackUUIDShortStringUnchanged(t *testing.T) {
	short := "abc123"
	if got := ScrollbackUUID(short); got != short {
		t.Errorf("ScrollbackUUID(%q) = %q, want unchanged", short, got)
	}
}
