// Package mailbox implements Mailbox: persistent per-recipient agent
// mail, delivered best-effort over CoordinationBus and recovered by
// direct polling otherwise. Insert/inbox/inbox_filtered/mark_read/
// delete operate over the `mail` table internal/store's migration
// creates.
package mailbox

import (
	"database/sql"
	"time"

	"github.com/nugget/ikigai/internal/ikerrors"
	"github.com/nugget/ikigai/internal/model"
)

// RecipientChecker resolves a UUID to its live agent, the way
// internal/registry.Registry does. Send uses it to reject mail to an
// agent that doesn't exist or has already exited.
type RecipientChecker interface {
	Find(uuidOrPrefix string) (*model.Agent, error)
}

// Notifier delivers a best-effort wakeup to anything listening on
// channel. internal/store.Store satisfies this directly; its Notify is
// a silent no-op when called inside an open transaction, so a mail
// send issued mid-transaction simply skips the notify.
type Notifier interface {
	Notify(channel, payload string) error
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

// Mailbox is a thin query layer over the shared mail table.
type Mailbox struct {
	db        execer
	sessionID int64
	notifier  Notifier
}

// New builds a Mailbox bound to one session. db is the same handle
// internal/store migrated; notifier is typically the session's
// internal/store.Store.
func New(db execer, sessionID int64, notifier Notifier) *Mailbox {
	return &Mailbox{db: db, sessionID: sessionID, notifier: notifier}
}

// Send appends a mail row from->to and wakes the recipient. Fails with
// NotFound if the recipient doesn't exist, or InvalidArg ("Recipient
// agent is dead") if it exists but isn't running.
func (m *Mailbox) Send(checker RecipientChecker, from, to, body string) (int64, error) {
	recipient, err := checker.Find(to)
	if err != nil {
		return 0, ikerrors.New(ikerrors.NotFound, "Agent not found")
	}
	if recipient.Status != model.StatusRunning {
		return 0, ikerrors.New(ikerrors.InvalidArg, "Recipient agent is dead")
	}

	// Fixed-width fraction, so the timestamp column sorts chronologically
	// as text for Inbox's newest-first ordering.
	now := time.Now().UTC()
	res, err := m.db.Exec(
		`INSERT INTO mail (session_id, from_uuid, to_uuid, body, timestamp, read)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		m.sessionID, from, to, body, now.Format("2006-01-02T15:04:05.000000000Z07:00"),
	)
	if err != nil {
		return 0, ikerrors.Wrap(ikerrors.IO, "insert mail", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, ikerrors.Wrap(ikerrors.IO, "mail last insert id", err)
	}

	if m.notifier != nil {
		_ = m.notifier.Notify("agent_event_"+to, "mail")
	}

	return id, nil
}

// Inbox returns every mail addressed to recipient, unread first, then
// newest first within each group.
func (m *Mailbox) Inbox(recipient string) ([]model.Mail, error) {
	return m.query(
		`SELECT id, session_id, from_uuid, to_uuid, body, timestamp, read
		 FROM mail WHERE session_id = ? AND to_uuid = ?
		 ORDER BY read ASC, timestamp DESC`,
		m.sessionID, recipient,
	)
}

// InboxFiltered returns recipient's mail from a single sender, same
// ordering as Inbox.
func (m *Mailbox) InboxFiltered(recipient, sender string) ([]model.Mail, error) {
	return m.query(
		`SELECT id, session_id, from_uuid, to_uuid, body, timestamp, read
		 FROM mail WHERE session_id = ? AND to_uuid = ? AND from_uuid = ?
		 ORDER BY read ASC, timestamp DESC`,
		m.sessionID, recipient, sender,
	)
}

func (m *Mailbox) query(query string, args ...any) ([]model.Mail, error) {
	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, ikerrors.Wrap(ikerrors.IO, "query mail", err)
	}
	defer rows.Close()

	var out []model.Mail
	for rows.Next() {
		var (
			msg       model.Mail
			timestamp string
			read      int
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.FromUUID, &msg.ToUUID, &msg.Body, &timestamp, &read); err != nil {
			return nil, ikerrors.Wrap(ikerrors.IO, "scan mail row", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
			msg.Timestamp = t
		}
		msg.Read = read != 0
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, ikerrors.Wrap(ikerrors.IO, "iterate mail rows", err)
	}
	return out, nil
}

// MarkRead flags a mail row read. Idempotent; a missing id is not an error.
func (m *Mailbox) MarkRead(id int64) error {
	if _, err := m.db.Exec(`UPDATE mail SET read = 1 WHERE id = ?`, id); err != nil {
		return ikerrors.Wrap(ikerrors.IO, "mark mail read", err)
	}
	return nil
}

// Delete removes a mail row, but only if it exists and belongs to
// recipient — the delete-on-consume contract WaitEngine relies on.
func (m *Mailbox) Delete(id int64, recipient string) error {
	res, err := m.db.Exec(`DELETE FROM mail WHERE id = ? AND to_uuid = ?`, id, recipient)
	if err != nil {
		return ikerrors.Wrap(ikerrors.IO, "delete mail", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ikerrors.Wrap(ikerrors.IO, "delete mail rows affected", err)
	}
	if n == 0 {
		return ikerrors.New(ikerrors.NotFound, "mail not found or not yours")
	}
	return nil
}
