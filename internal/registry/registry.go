// Package registry implements AgentRegistry: the in-memory set of live
// agents for a session, keyed by UUID, plus the single current-agent
// designation the REPL routes input through. A mutex-guarded map gives
// lookup by full UUID or unambiguous prefix, and a depth-first
// descendant walk orders cascading operations children-before-parent.
package registry

import (
	"sync"

	"github.com/nugget/ikigai/internal/ikerrors"
	"github.com/nugget/ikigai/internal/model"
)

// Registry holds every live agent for one session.
type Registry struct {
	mu      sync.Mutex
	agents  map[string]*model.Agent
	current string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{agents: make(map[string]*model.Agent)}
}

// Add inserts or replaces an agent. If it is the first agent added, or
// root is true, it also becomes current.
func (r *Registry) Add(agent *model.Agent, root bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.UUID] = agent
	if root || r.current == "" {
		r.current = agent.UUID
	}
}

// Find resolves uuidOrPrefix to an agent: an exact UUID match always
// wins; otherwise the unique prefix match, if exactly one exists.
// Returns ikerrors.NotFound if nothing matches, ikerrors.Ambiguous if
// more than one agent shares the prefix.
func (r *Registry) Find(uuidOrPrefix string) (*model.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.agents[uuidOrPrefix]; ok {
		return a, nil
	}

	matches := r.prefixMatchesLocked(uuidOrPrefix)
	switch len(matches) {
	case 0:
		return nil, ikerrors.New(ikerrors.NotFound, "no agent matches "+uuidOrPrefix)
	case 1:
		return matches[0], nil
	default:
		return nil, ikerrors.New(ikerrors.Ambiguous, "prefix "+uuidOrPrefix+" matches multiple agents")
	}
}

// IsAmbiguous reports whether two or more live agents share prefix.
func (r *Registry) IsAmbiguous(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prefixMatchesLocked(prefix)) > 1
}

func (r *Registry) prefixMatchesLocked(prefix string) []*model.Agent {
	var matches []*model.Agent
	for uuid, a := range r.agents {
		if len(prefix) <= len(uuid) && uuid[:len(prefix)] == prefix {
			matches = append(matches, a)
		}
	}
	return matches
}

// Current returns the current agent, or nil if the registry is empty.
func (r *Registry) Current() *model.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[r.current]
}

// SwitchCurrent reassigns the current-agent pointer. Fails if agent is
// not running.
func (r *Registry) SwitchCurrent(agent *model.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent.Status != model.StatusRunning {
		return ikerrors.New(ikerrors.InvalidArg, "cannot switch current to a non-running agent")
	}
	r.current = agent.UUID
	return nil
}

// Remove drops uuid from the live set. The caller must already have
// transitioned the agent to a terminal status.
func (r *Registry) Remove(uuid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, uuid)
	if r.current == uuid {
		r.current = ""
	}
}

// ChildrenOf returns the direct children of uuid, in no particular order.
func (r *Registry) ChildrenOf(uuid string) []*model.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.childrenOfLocked(uuid)
}

func (r *Registry) childrenOfLocked(uuid string) []*model.Agent {
	var children []*model.Agent
	for _, a := range r.agents {
		if a.ParentUUID == uuid {
			children = append(children, a)
		}
	}
	return children
}

// Descendants returns every transitive descendant of uuid in
// depth-first post-order: a parent always appears after all of its own
// descendants, so callers can walk the slice front-to-back to cascade
// an operation from leaves to root.
func (r *Registry) Descendants(uuid string) []*model.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.Agent
	var visit func(string)
	visit = func(parent string) {
		for _, child := range r.childrenOfLocked(parent) {
			visit(child.UUID)
			out = append(out, child)
		}
	}
	visit(uuid)
	return out
}

// All returns every live agent, in no particular order.
func (r *Registry) All() []*model.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}
