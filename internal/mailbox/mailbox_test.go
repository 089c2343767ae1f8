package mailbox

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nugget/ikigai/internal/ikerrors"
	"github.com/nugget/ikigai/internal/model"
	"github.com/nugget/ikigai/internal/store"
)

type fakeChecker struct {
	agents map[string]*model.Agent
}

func (f *fakeChecker) Find(uuid string) (*model.Agent, error) {
	a, ok := f.agents[uuid]
	if !ok {
		return nil, ikerrors.New(ikerrors.NotFound, "no such agent")
	}
	return a, nil
}

type fakeNotifier struct {
	calls []string
}

func (f *fakeNotifier) Notify(channel, payload string) error {
	f.calls = append(f.calls, channel+":"+payload)
	return nil
}

func setup(t *testing.T) (*Mailbox, *fakeChecker, *fakeNotifier) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sessionID, err := store.EnsureSession(db, "test")
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	checker := &fakeChecker{agents: map[string]*model.Agent{
		"recipient-1": {UUID: "recipient-1", Status: model.StatusRunning},
		"dead-1":      {UUID: "dead-1", Status: model.StatusDead},
	}}
	notifier := &fakeNotifier{}
	return New(db, sessionID, notifier), checker, notifier
}

func TestSendAndInbox(t *testing.T) {
	mb, checker, notifier := setup(t)

	id, err := mb.Send(checker, "sender-1", "recipient-1", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id == 0 {
		t.Fatal("Send returned id 0")
	}
	if len(notifier.calls) != 1 || notifier.calls[0] != "agent_event_recipient-1:mail" {
		t.Errorf("notifier.calls = %v", notifier.calls)
	}

	inbox, err := mb.Inbox("recipient-1")
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Body != "hello" {
		t.Fatalf("Inbox = %+v", inbox)
	}
}

func TestSendRejectsUnknownRecipient(t *testing.T) {
	mb, checker, _ := setup(t)
	_, err := mb.Send(checker, "sender-1", "nobody", "hi")
	if !ikerrors.Is(err, ikerrors.NotFound) {
		t.Errorf("Send to unknown = %v, want NotFound", err)
	}
	if err.Error() != "NotFound: Agent not found" {
		t.Errorf("Send to unknown = %q, want message %q", err.Error(), "Agent not found")
	}
}

func TestSendRejectsNonRunningRecipient(t *testing.T) {
	mb, checker, _ := setup(t)
	_, err := mb.Send(checker, "sender-1", "dead-1", "hi")
	if !ikerrors.Is(err, ikerrors.InvalidArg) {
		t.Errorf("Send to dead agent = %v, want InvalidArg", err)
	}
	if err.Error() != "InvalidArg: Recipient agent is dead" {
		t.Errorf("Send to dead agent = %q, want message %q", err.Error(), "Recipient agent is dead")
	}
}

func TestInboxOrderingUnreadFirstThenNewest(t *testing.T) {
	mb, checker, _ := setup(t)
	id1, _ := mb.Send(checker, "a", "recipient-1", "first")
	_, _ = mb.Send(checker, "a", "recipient-1", "second")
	id3, _ := mb.Send(checker, "a", "recipient-1", "third")

	if err := mb.MarkRead(id3); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	inbox, err := mb.Inbox("recipient-1")
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(inbox) != 3 {
		t.Fatalf("Inbox len = %d, want 3", len(inbox))
	}
	// Unread entries (id1, id2) sort before the read one (id3), newest
	// unread first.
	if inbox[len(inbox)-1].ID != id3 {
		t.Errorf("read mail should sort last, got order %+v", inbox)
	}
	if inbox[0].ID != id1+1 {
		t.Errorf("newest unread should sort first, got %+v", inbox)
	}
}

func TestInboxFiltered(t *testing.T) {
	mb, checker, _ := setup(t)
	_, _ = mb.Send(checker, "a", "recipient-1", "from a")
	_, _ = mb.Send(checker, "b", "recipient-1", "from b")

	filtered, err := mb.InboxFiltered("recipient-1", "b")
	if err != nil {
		t.Fatalf("InboxFiltered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].FromUUID != "b" {
		t.Fatalf("InboxFiltered = %+v", filtered)
	}
}

func TestDeleteRequiresOwnership(t *testing.T) {
	mb, checker, _ := setup(t)
	id, _ := mb.Send(checker, "a", "recipient-1", "mine")

	if err := mb.Delete(id, "someone-else"); !ikerrors.Is(err, ikerrors.NotFound) {
		t.Errorf("Delete with wrong recipient = %v, want NotFound", err)
	}
	if err := mb.Delete(id, "recipient-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	inbox, _ := mb.Inbox("recipient-1")
	if len(inbox) != 0 {
		t.Errorf("Inbox after delete = %+v, want empty", inbox)
	}
}

func TestDeleteMissingIsNotFound(t *testing.T) {
	mb, _, _ := setup(t)
	if err := mb.Delete(999, "recipient-1"); !ikerrors.Is(err, ikerrors.NotFound) {
		t.Errorf("Delete missing = %v, want NotFound", err)
	}
}
