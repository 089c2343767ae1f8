// Package model holds the data types shared by every core component:
// the event log's record shape, the in-memory Agent, Mail, and Mark
// types, and the ReplayContext Replayer produces from an event stream.
package model

import "time"

// Kind is the closed tag identifying an event's role in the log. Only
// these values are legal; EventStore.Append rejects anything else with
// an InvalidKind error.
type Kind string

const (
	KindClear        Kind = "clear"
	KindSystem       Kind = "system"
	KindUser         Kind = "user"
	KindAssistant    Kind = "assistant"
	KindToolCall     Kind = "tool_call"
	KindToolResult   Kind = "tool_result"
	KindMark         Kind = "mark"
	KindRewind       Kind = "rewind"
	KindAgentKilled  Kind = "agent_killed"
	KindCommand      Kind = "command"
	KindFork         Kind = "fork"
	KindUsage        Kind = "usage"
)

// ValidKinds enumerates the closed set, in declaration order, for
// validation and iteration.
var ValidKinds = []Kind{
	KindClear, KindSystem, KindUser, KindAssistant, KindToolCall,
	KindToolResult, KindMark, KindRewind, KindAgentKilled, KindCommand,
	KindFork, KindUsage,
}

// Valid reports whether k is one of the closed set of event kinds.
func (k Kind) Valid() bool {
	for _, v := range ValidKinds {
		if v == k {
			return true
		}
	}
	return false
}

// conversationVisible is the subset of kinds that occupy a slot in a
// replayed context array.
var conversationVisible = map[Kind]bool{
	KindSystem: true, KindUser: true, KindAssistant: true,
	KindToolCall: true, KindToolResult: true, KindMark: true, KindRewind: true,
}

// ConversationVisible reports whether k is counted toward context length.
func (k Kind) ConversationVisible() bool {
	return conversationVisible[k]
}

// Event is a single record in the append-only log. Data carries
// kind-specific structured fields (tool-call arguments, rewind target,
// fork metadata, command name/args, pinned paths, usage counters, ...).
type Event struct {
	ID        int64
	SessionID int64
	AgentUUID string // empty for session-global events
	Kind      Kind
	Content   string
	Data      map[string]any
	CreatedAt time.Time
}

// AgentStatus is the closed lifecycle tag for an Agent row.
type AgentStatus string

const (
	StatusRunning AgentStatus = "running"
	StatusDead    AgentStatus = "dead"
	StatusReaped  AgentStatus = "reaped"
)

// Agent is the durable row shape plus the in-memory state the registry
// attaches on load. Durable fields mirror the agents table; the rest
// lives only in memory and is rebuilt by Replayer on reconnect.
type Agent struct {
	// Durable fields.
	UUID          string
	ParentUUID    string // empty only for the root agent
	Status        AgentStatus
	Name          string
	CreatedAt     time.Time
	ForkMessageID int64

	// In-memory-only fields, reconstructed by replay.
	Provider       string
	Model          string
	ThinkingLevel  string
	PinnedPaths    []string
	ToolsetFilter  []string
	Context        []Event
	MarkStack      []Mark
	Idle           bool
}

// IsRoot reports whether a is the session's single root agent.
func (a *Agent) IsRoot() bool {
	return a.ParentUUID == ""
}

// Mail is a persistent, per-recipient message. Rows are deleted on
// consume (WaitEngine), not merely marked read.
type Mail struct {
	ID        int64
	SessionID int64
	FromUUID  string
	ToUUID    string
	Body      string
	Timestamp time.Time
	Read      bool
}

// Mark is a replay-time checkpoint naming a position in an agent's
// context for a later rewind. ContextIdx is the index within the
// context array at which the mark itself sits.
type Mark struct {
	MessageID  int64
	Label      string // empty if the mark event carried no label
	ContextIdx int
}

// ReplayContext is the Replayer's output: the ordered conversation-visible
// events for a session, plus the live mark stack at the point replay
// stopped. It is transient — constructed on demand, discarded once
// consumed by the caller (typically to seed an Agent's in-memory state).
type ReplayContext struct {
	Context   []Event
	MarkStack []Mark
}
