// Package lifecycle implements AgentLifecycle: fork, cascading kill,
// and reap, each sequencing a durable transaction, an in-memory
// registry update, and a best-effort notification, in a fixed
// transaction-then-notify sequence: cascade collection walks
// descendants depth-first before any row is marked dead, and the
// truncated-UUID (`%.22s`) scrollback convention keeps confirmation
// lines a stable width. Reap separates bulk and targeted victim
// collection, reassigning the current agent before removal. Fork
// follows the same insert-row-then-append-event pattern used
// everywhere else in this package.
package lifecycle

import (
	"time"

	"github.com/google/uuid"

	"github.com/nugget/ikigai/internal/coordbus"
	"github.com/nugget/ikigai/internal/ikerrors"
	"github.com/nugget/ikigai/internal/model"
)

// EventStore is the subset of internal/store.Store's surface
// AgentLifecycle needs: transactional grouping, durable agent rows,
// and the fork/agent_killed events themselves.
type EventStore interface {
	Begin() error
	Commit() error
	Rollback() error
	Append(agentUUID string, kind model.Kind, content string, data map[string]any) (int64, error)
	Notify(channel, payload string) error
	InsertAgent(agent *model.Agent) error
	MarkAgentDead(uuid string) error
	MarkAgentReaped(uuid string) error
}

// Registry is the subset of internal/registry.Registry's surface
// AgentLifecycle needs.
type Registry interface {
	Add(agent *model.Agent, root bool)
	Remove(uuid string)
	Find(uuidOrPrefix string) (*model.Agent, error)
	Descendants(uuid string) []*model.Agent
	SwitchCurrent(agent *model.Agent) error
	Current() *model.Agent
	All() []*model.Agent
}

// Lifecycle coordinates fork/kill/reap across EventStore and Registry.
type Lifecycle struct {
	es  EventStore
	reg Registry

	gate            *ForkGate
	forkPendingPoll time.Duration
}

// New builds a Lifecycle over es and reg.
func New(es EventStore, reg Registry) *Lifecycle {
	return &Lifecycle{es: es, reg: reg, gate: &ForkGate{}, forkPendingPoll: 10 * time.Millisecond}
}

// SetForkGate installs the shared fork-pending barrier and the interval
// Kill polls it at; a non-positive pollInterval keeps the 10ms default
// set by New. Callers
// normally share one ForkGate between Lifecycle and whatever else
// initiates tool-triggered forks (AgentDriver), so Kill always observes
// a fork already in flight on another path.
func (l *Lifecycle) SetForkGate(gate *ForkGate, pollInterval time.Duration) {
	l.gate = gate
	if pollInterval > 0 {
		l.forkPendingPoll = pollInterval
	}
}

// ForkOptions carries the child's initial in-memory state, snapshotted
// into the fork event's data so Replayer can reconstruct it later.
type ForkOptions struct {
	Name          string
	Provider      string
	Model         string
	ThinkingLevel string
	PinnedPaths   []string
	ToolsetFilter []string
}

// Fork creates a new child agent of parent in a single transaction:
// insert its durable row, append its fork event, commit, then notify
// the parent's channel. Both writes land atomically or neither does.
func (l *Lifecycle) Fork(parentUUID string, opts ForkOptions) (*model.Agent, error) {
	l.gate.Begin()
	defer l.gate.End()

	childUUID, err := uuid.NewV7()
	if err != nil {
		return nil, ikerrors.Wrap(ikerrors.IO, "generate agent uuid", err)
	}

	child := &model.Agent{
		UUID:          childUUID.String(),
		ParentUUID:    parentUUID,
		Status:        model.StatusRunning,
		Name:          opts.Name,
		CreatedAt:     time.Now().UTC(),
		Provider:      opts.Provider,
		Model:         opts.Model,
		ThinkingLevel: opts.ThinkingLevel,
		PinnedPaths:   opts.PinnedPaths,
		ToolsetFilter: opts.ToolsetFilter,
	}

	if err := l.es.Begin(); err != nil {
		return nil, err
	}

	if err := l.es.InsertAgent(child); err != nil {
		l.es.Rollback()
		return nil, err
	}

	forkData := map[string]any{
		"role": "child",
	}
	if len(opts.PinnedPaths) > 0 {
		forkData["pinned_paths"] = toAnySlice(opts.PinnedPaths)
	}
	if len(opts.ToolsetFilter) > 0 {
		forkData["toolset_filter"] = toAnySlice(opts.ToolsetFilter)
	}

	msgID, err := l.es.Append(child.UUID, model.KindFork, "agent forked", forkData)
	if err != nil {
		l.es.Rollback()
		return nil, err
	}
	child.ForkMessageID = msgID

	if err := l.es.Commit(); err != nil {
		return nil, err
	}

	l.reg.Add(child, parentUUID == "")

	_ = l.es.Notify(coordbus.Channel(parentUUID), string(coordbus.PayloadFork))

	return child, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// KillResult reports what a cascading kill did, for the caller to
// render to scrollback.
type KillResult struct {
	Count           int // target plus every descendant killed
	SwitchedToUUID  string
	WasCurrentAgent bool
}

// Kill cascades a kill from uuid through every descendant, depth-first
// (descendants marked dead before the target itself), as one
// transaction: every row update and the single agent_killed event
// commit together, then each victim's parent is notified. Fails with
// InvalidArg attempting to kill the root agent.
func (l *Lifecycle) Kill(uuid string) (*KillResult, error) {
	l.gate.Wait(l.forkPendingPoll)

	target, err := l.reg.Find(uuid)
	if err != nil {
		return nil, err
	}
	if target.IsRoot() {
		return nil, ikerrors.New(ikerrors.InvalidArg, "cannot kill root agent")
	}

	killer := l.reg.Current()
	killerUUID := target.UUID
	if killer != nil {
		killerUUID = killer.UUID
	}

	descendants := l.reg.Descendants(target.UUID)
	wasCurrent := l.reg.Current() != nil && l.reg.Current().UUID == target.UUID

	if err := l.es.Begin(); err != nil {
		return nil, err
	}

	for _, d := range descendants {
		if err := l.es.MarkAgentDead(d.UUID); err != nil {
			l.es.Rollback()
			return nil, err
		}
	}
	if err := l.es.MarkAgentDead(target.UUID); err != nil {
		l.es.Rollback()
		return nil, err
	}

	count := len(descendants) + 1
	_, err = l.es.Append(killerUUID, model.KindAgentKilled, "", map[string]any{
		"killed_by": killerUUID,
		"target":    target.UUID,
		"cascade":   true,
		"count":     count,
	})
	if err != nil {
		l.es.Rollback()
		return nil, err
	}

	if err := l.es.Commit(); err != nil {
		return nil, err
	}

	target.Status = model.StatusDead
	_ = l.es.Notify(coordbus.Channel(target.ParentUUID), string(coordbus.PayloadDead))
	for _, d := range descendants {
		d.Status = model.StatusDead
		if d.ParentUUID != "" {
			_ = l.es.Notify(coordbus.Channel(d.ParentUUID), string(coordbus.PayloadDead))
		}
	}

	result := &KillResult{Count: count, WasCurrentAgent: wasCurrent}

	if wasCurrent {
		parent, err := l.reg.Find(target.ParentUUID)
		if err != nil {
			return nil, ikerrors.New(ikerrors.InvalidArg, "parent agent not found")
		}
		if err := l.reg.SwitchCurrent(parent); err != nil {
			return nil, err
		}
		result.SwitchedToUUID = parent.UUID
	}

	return result, nil
}

// ReapResult reports what a reap removed.
type ReapResult struct {
	Count          int
	SwitchedToUUID string
}

// ReapAll removes every dead agent from the in-memory registry,
// marking each row reaped. A no-op (Count 0) if nothing is dead.
func (l *Lifecycle) ReapAll() (*ReapResult, error) {
	var dead []*model.Agent
	for _, a := range l.reg.All() {
		if a.Status == model.StatusDead {
			dead = append(dead, a)
		}
	}
	return l.reap(dead)
}

// ReapTarget removes uuid and every descendant (dead or alive) from
// the registry. Fails with InvalidArg if uuid itself is not dead.
func (l *Lifecycle) ReapTarget(uuid string) (*ReapResult, error) {
	target, err := l.reg.Find(uuid)
	if err != nil {
		return nil, err
	}
	if target.Status != model.StatusDead {
		return nil, ikerrors.New(ikerrors.InvalidArg, "agent is not dead")
	}

	victims := append([]*model.Agent{target}, l.reg.Descendants(target.UUID)...)
	return l.reap(victims)
}

func (l *Lifecycle) reap(victims []*model.Agent) (*ReapResult, error) {
	if len(victims) == 0 {
		return &ReapResult{}, nil
	}

	victimSet := make(map[string]bool, len(victims))
	for _, v := range victims {
		victimSet[v.UUID] = true
	}

	result := &ReapResult{Count: len(victims)}

	if current := l.reg.Current(); current != nil && l.affectedByReap(current, victimSet) {
		survivor := l.firstLivingExcept(victimSet)
		if survivor == nil {
			return nil, ikerrors.New(ikerrors.InvalidArg, "cannot reap: no living agents remain")
		}
		if err := l.reg.SwitchCurrent(survivor); err != nil {
			return nil, err
		}
		result.SwitchedToUUID = survivor.UUID
	}

	for _, v := range victims {
		l.reg.Remove(v.UUID)
		if err := l.es.MarkAgentReaped(v.UUID); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (l *Lifecycle) affectedByReap(agent *model.Agent, victimSet map[string]bool) bool {
	if victimSet[agent.UUID] {
		return true
	}
	uuid := agent.ParentUUID
	for uuid != "" {
		if victimSet[uuid] {
			return true
		}
		parent, err := l.reg.Find(uuid)
		if err != nil {
			return false
		}
		uuid = parent.ParentUUID
	}
	return false
}

func (l *Lifecycle) firstLivingExcept(victimSet map[string]bool) *model.Agent {
	for _, a := range l.reg.All() {
		if a.Status != model.StatusDead && !victimSet[a.UUID] {
			return a
		}
	}
	return nil
}

// ScrollbackUUID truncates uuid to 22 characters, the width used when
// reporting a killed agent to its parent's scrollback.
func ScrollbackUUID(uuid string) string {
	if len(uuid) <= 22 {
		return uuid
	}
	return uuid[:22]
}
