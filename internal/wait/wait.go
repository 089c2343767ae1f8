// Package wait implements WaitEngine: the two blocking primitives
// agents use to suspend for incoming mail or for a set of peers to
// settle: listen on the caller's own channel (and, in fan-in, every
// target's channel too), poll the
// mailbox once up front, then loop blocking on notification arrival
// capped at a 50ms tick so interrupt and timeout are always observed
// even if notify delivery is lost.
package wait

import (
	"sync/atomic"
	"time"

	"github.com/nugget/ikigai/internal/coordbus"
	"github.com/nugget/ikigai/internal/model"
	"github.com/nugget/ikigai/internal/store"
)

const pollInterval = 50 * time.Millisecond

// Backend is the subset of internal/store.Store's surface WaitEngine
// needs to subscribe and block.
type Backend interface {
	Listen(channel string) error
	Unlisten(channel string) error
	DrainNotifications(callback func(channel, payload string)) int
	Notifications() <-chan store.Notification
}

// MailSource is the subset of internal/mailbox.Mailbox WaitEngine polls.
type MailSource interface {
	Inbox(recipient string) ([]model.Mail, error)
	InboxFiltered(recipient, sender string) ([]model.Mail, error)
	Delete(id int64, recipient string) error
}

// AgentLookup resolves an agent's current status for fan-in polling.
type AgentLookup interface {
	Find(uuidOrPrefix string) (*model.Agent, error)
}

// ResultKind tags how NextMessage settled.
type ResultKind int

const (
	Delivered ResultKind = iota
	Timeout
	Interrupted
	IoError
)

// Result is NextMessage's outcome.
type Result struct {
	Kind ResultKind
	From string
	Body string
	Err  error
}

// NextMessage blocks until mail arrives for myUUID, timeout
// elapses, or interrupted is observed set, whichever comes first.
func NextMessage(backend Backend, mail MailSource, myUUID string, timeout time.Duration, interrupted *atomic.Bool) Result {
	channel := coordbus.Channel(myUUID)
	if err := backend.Listen(channel); err != nil {
		return Result{Kind: IoError, Err: err}
	}
	defer backend.Unlisten(channel)

	if r, ok := popOldest(mail, myUUID, ""); ok {
		return r
	}

	deadline := time.Now().Add(timeout)
	for {
		if interrupted.Load() {
			return Result{Kind: Interrupted}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Result{Kind: Timeout}
		}

		select {
		case <-backend.Notifications():
			backend.DrainNotifications(func(string, string) {})
			if r, ok := popOldest(mail, myUUID, ""); ok {
				return r
			}
		case <-time.After(clamp(remaining, pollInterval)):
			// Poll interval expired; loop re-checks interrupt/timeout.
		}
	}
}

func popOldest(mail MailSource, myUUID, from string) (Result, bool) {
	var (
		msgs []model.Mail
		err  error
	)
	if from != "" {
		msgs, err = mail.InboxFiltered(myUUID, from)
	} else {
		msgs, err = mail.Inbox(myUUID)
	}
	if err != nil || len(msgs) == 0 {
		return Result{}, false
	}
	// msgs lists unread mail first, newest first within each group, so
	// the oldest of the leading group is its last entry.
	oldest := msgs[0]
	for _, m := range msgs[1:] {
		if m.Read != oldest.Read {
			break
		}
		oldest = m
	}
	_ = mail.Delete(oldest.ID, myUUID)
	return Result{Kind: Delivered, From: oldest.FromUUID, Body: oldest.Body}, true
}

func clamp(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}

// TargetStatus tracks one fan-in target's resolution state: "running"
// until it resolves to "received", "dead", or "idle".
type TargetStatus struct {
	AgentUUID string
	AgentName string
	Status    string
	Message   string
}

// FanInResult is FanIn's outcome: the final status of every target,
// whatever resolved by timeout, interrupt, or full resolution.
type FanInResult struct {
	Entries []TargetStatus
}

// FanIn blocks until every target in targets resolves (mail received,
// found dead, or found idle), or timeout/interrupt fires first.
func FanIn(backend Backend, mail MailSource, agents AgentLookup, myUUID string, targets []string, timeout time.Duration, interrupted *atomic.Bool) FanInResult {
	myChannel := coordbus.Channel(myUUID)
	if err := backend.Listen(myChannel); err != nil {
		return FanInResult{}
	}
	defer backend.Unlisten(myChannel)

	entries := make([]*TargetStatus, len(targets))
	for i, t := range targets {
		_ = backend.Listen(coordbus.Channel(t))
		entries[i] = &TargetStatus{
			AgentUUID: t,
			AgentName: lookupName(agents, t),
			Status:    "running",
		}
	}
	defer func() {
		for _, t := range targets {
			_ = backend.Unlisten(coordbus.Channel(t))
		}
	}()

	deadline := time.Now().Add(timeout)
	for {
		if interrupted.Load() {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		allResolved := true
		for _, e := range entries {
			if !resolveTarget(mail, agents, myUUID, e) {
				allResolved = false
			}
		}
		if allResolved {
			break
		}

		select {
		case <-backend.Notifications():
			backend.DrainNotifications(func(string, string) {})
		case <-time.After(clamp(remaining, pollInterval)):
		}
	}

	out := make([]TargetStatus, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return FanInResult{Entries: out}
}

func lookupName(agents AgentLookup, uuid string) string {
	a, err := agents.Find(uuid)
	if err != nil || a.Name == "" {
		return "undefined"
	}
	return a.Name
}

func resolveTarget(mail MailSource, agents AgentLookup, myUUID string, entry *TargetStatus) bool {
	if entry.Status != "running" {
		return true
	}

	if r, ok := popOldest(mail, myUUID, entry.AgentUUID); ok {
		entry.Status = "received"
		entry.Message = r.Body
		return true
	}

	agent, err := agents.Find(entry.AgentUUID)
	if err != nil {
		return false
	}
	switch {
	case agent.Status == model.StatusDead:
		entry.Status = "dead"
		return true
	case agent.Idle:
		entry.Status = "idle"
		return true
	default:
		return false
	}
}
