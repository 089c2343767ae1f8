package registry

import (
	"testing"

	"github.com/nugget/ikigai/internal/ikerrors"
	"github.com/nugget/ikigai/internal/model"
)

func agent(uuid, parent string, status model.AgentStatus) *model.Agent {
	return &model.Agent{UUID: uuid, ParentUUID: parent, Status: status}
}

func TestFindExactMatch(t *testing.T) {
	r := New()
	r.Add(agent("abc123", "", model.StatusRunning), true)

	a, err := r.Find("abc123")
	if err != nil || a.UUID != "abc123" {
		t.Fatalf("Find exact = %v, %v", a, err)
	}
}

func TestFindUniquePrefix(t *testing.T) {
	r := New()
	r.Add(agent("abc123", "", model.StatusRunning), true)
	r.Add(agent("def456", "abc123", model.StatusRunning), false)

	a, err := r.Find("abc")
	if err != nil || a.UUID != "abc123" {
		t.Fatalf("Find prefix = %v, %v", a, err)
	}
}

func TestFindAmbiguousPrefix(t *testing.T) {
	r := New()
	r.Add(agent("abc111", "", model.StatusRunning), true)
	r.Add(agent("abc222", "abc111", model.StatusRunning), false)

	_, err := r.Find("abc")
	if !ikerrors.Is(err, ikerrors.Ambiguous) {
		t.Errorf("Find ambiguous prefix = %v, want Ambiguous", err)
	}
	if !r.IsAmbiguous("abc") {
		t.Error("IsAmbiguous(abc) = false, want true")
	}
}

func TestFindNotFound(t *testing.T) {
	r := New()
	_, err := r.Find("nope")
	if !ikerrors.Is(err, ikerrors.NotFound) {
		t.Errorf("Find unknown = %v, want NotFound", err)
	}
}

func TestSwitchCurrentRequiresRunning(t *testing.T) {
	r := New()
	dead := agent("dead1", "", model.StatusDead)
	r.Add(dead, true)

	if err := r.SwitchCurrent(dead); !ikerrors.Is(err, ikerrors.InvalidArg) {
		t.Errorf("SwitchCurrent on dead agent = %v, want InvalidArg", err)
	}
}

func TestSwitchCurrentSucceedsOnRunning(t *testing.T) {
	r := New()
	root := agent("root1", "", model.StatusRunning)
	child := agent("child1", "root1", model.StatusRunning)
	r.Add(root, true)
	r.Add(child, false)

	if err := r.SwitchCurrent(child); err != nil {
		t.Fatalf("SwitchCurrent: %v", err)
	}
	if r.Current().UUID != "child1" {
		t.Errorf("Current = %q, want child1", r.Current().UUID)
	}
}

func TestRemoveClearsCurrent(t *testing.T) {
	r := New()
	root := agent("root1", "", model.StatusRunning)
	r.Add(root, true)
	r.Remove("root1")
	if r.Current() != nil {
		t.Errorf("Current after Remove = %v, want nil", r.Current())
	}
}

func TestDescendantsDepthFirstPostOrder(t *testing.T) {
	r := New()
	root := agent("root", "", model.StatusRunning)
	a := agent("a", "root", model.StatusRunning)
	b := agent("b", "root", model.StatusRunning)
	aa := agent("aa", "a", model.StatusRunning)
	r.Add(root, true)
	r.Add(a, false)
	r.Add(b, false)
	r.Add(aa, false)

	desc := r.Descendants("root")
	pos := make(map[string]int)
	for i, d := range desc {
		pos[d.UUID] = i
	}
	if len(desc) != 3 {
		t.Fatalf("Descendants = %d entries, want 3", len(desc))
	}
	if pos["aa"] >= pos["a"] {
		t.Errorf("aa must precede its parent a in post-order, got positions %v", pos)
	}
}

func TestChildrenOfDirectOnly(t *testing.T) {
	r := New()
	root := agent("root", "", model.StatusRunning)
	a := agent("a", "root", model.StatusRunning)
	aa := agent("aa", "a", model.StatusRunning)
	r.Add(root, true)
	r.Add(a, false)
	r.Add(aa, false)

	children := r.ChildrenOf("root")
	if len(children) != 1 || children[0].UUID != "a" {
		t.Errorf("ChildrenOf(root) = %v, want [a]", children)
	}
}
