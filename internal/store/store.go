// Package store implements EventStore: the durable, ordered append log
// and its coordination channel. It is backed by SQLite (production:
// github.com/mattn/go-sqlite3 via driver name "sqlite3"; tests:
// modernc.org/sqlite via driver name "sqlite", DSN ":memory:") — both
// satisfy the same *sql.DB surface, so Open accepts an already-opened
// database rather than a path.
//
// SQLite has no native LISTEN/NOTIFY. listen/notify/drain_notifications
// are emulated by an in-process broker shared by every Store opened
// against the same database (see hub in notify.go); socket_fd always
// reports unavailable, which callers treat as an expected case.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/nugget/ikigai/internal/ikerrors"
	"github.com/nugget/ikigai/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies all pending schema migrations to db.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Store is one connection's view of the event log. Each Store tracks its
// own transaction and its own set of subscribed channels; notifications
// are fanned out process-wide via the shared hub.
type Store struct {
	db        *sql.DB
	sessionID int64

	tx        *sql.Tx
	listening map[string]bool
	inbox     chan Notification
}

// Open wraps an already-open database handle, binding the Store to a
// single session id. Callers obtain sessionID from EnsureSession.
func Open(db *sql.DB, sessionID int64) *Store {
	s := &Store{
		db:        db,
		sessionID: sessionID,
		listening: make(map[string]bool),
		inbox:     make(chan Notification, 64),
	}
	return s
}

// Close releases the Store's subscriptions. It does not close the
// underlying *sql.DB, which callers may share across Store instances.
func (s *Store) Close() {
	for ch := range s.listening {
		hub.unsubscribe(ch, s)
	}
}

// SessionID returns the session this Store is bound to.
func (s *Store) SessionID() int64 {
	return s.sessionID
}

// DB returns the underlying database handle, for collaborators
// (internal/mailbox.Mailbox) that need to run their own queries against
// the same connection rather than going through Store's own methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EnsureSession finds the named session or creates it, returning its id.
func EnsureSession(db *sql.DB, name string) (int64, error) {
	row := db.QueryRow(`SELECT id FROM sessions WHERE name = ?`, name)
	var id int64
	err := row.Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, ikerrors.Wrap(ikerrors.IO, "query session", err)
	}

	res, err := db.Exec(
		`INSERT INTO sessions (name, active, created_at) VALUES (?, 1, ?)`,
		name, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, ikerrors.Wrap(ikerrors.IO, "insert session", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, ikerrors.Wrap(ikerrors.IO, "session last insert id", err)
	}
	return id, nil
}

// Begin starts a transaction. Append calls made before the matching
// Commit/Rollback are grouped atomically; Notify becomes a no-op while a
// transaction is open.
func (s *Store) Begin() error {
	if s.tx != nil {
		return ikerrors.New(ikerrors.InvalidArg, "transaction already open")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return ikerrors.Wrap(ikerrors.IO, "begin transaction", err)
	}
	s.tx = tx
	return nil
}

// Commit commits the open transaction.
func (s *Store) Commit() error {
	if s.tx == nil {
		return ikerrors.New(ikerrors.InvalidArg, "no open transaction")
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return ikerrors.Wrap(ikerrors.IO, "commit transaction", err)
	}
	return nil
}

// Rollback aborts the open transaction. Safe to call even if the
// transaction already failed; the store is usable again afterward.
func (s *Store) Rollback() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(); err != nil {
		return ikerrors.Wrap(ikerrors.IO, "rollback transaction", err)
	}
	return nil
}

func (s *Store) execer() interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
} {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Append validates kind against the closed enumeration and inserts a new
// event row, returning its assigned id. Referential integrity of
// data.target_* fields is the caller's responsibility, not the store's.
func (s *Store) Append(agentUUID string, kind model.Kind, content string, data map[string]any) (int64, error) {
	if !kind.Valid() {
		return 0, ikerrors.New(ikerrors.InvalidKind, fmt.Sprintf("invalid event kind %q", kind))
	}

	var dataJSON any
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return 0, ikerrors.Wrap(ikerrors.Parse, "marshal event data", err)
		}
		dataJSON = string(b)
	}

	var agentCol any
	if agentUUID != "" {
		agentCol = agentUUID
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execer().Exec(
		`INSERT INTO messages (session_id, agent_uuid, kind, content, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.sessionID, agentCol, string(kind), nullIfEmpty(content), dataJSON, now,
	)
	if err != nil {
		return 0, ikerrors.Wrap(ikerrors.IO, "insert event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, ikerrors.Wrap(ikerrors.IO, "event last insert id", err)
	}
	return id, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// QueryEvents returns every event for the store's session in id order.
// The result is a plain slice so callers can iterate it more than once.
func (s *Store) QueryEvents() ([]model.Event, error) {
	rows, err := s.execer().Query(
		`SELECT id, session_id, agent_uuid, kind, content, data, created_at
		 FROM messages WHERE session_id = ? ORDER BY id ASC`,
		s.sessionID,
	)
	if err != nil {
		return nil, ikerrors.Wrap(ikerrors.IO, "query events", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var (
			e         model.Event
			agentUUID sql.NullString
			content   sql.NullString
			dataJSON  sql.NullString
			kind      string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &agentUUID, &kind, &content, &dataJSON, &createdAt); err != nil {
			return nil, ikerrors.Wrap(ikerrors.IO, "scan event row", err)
		}
		e.AgentUUID = agentUUID.String
		e.Kind = model.Kind(kind)
		e.Content = content.String
		if dataJSON.Valid && dataJSON.String != "" {
			var data map[string]any
			if err := json.Unmarshal([]byte(dataJSON.String), &data); err == nil {
				e.Data = data
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, ikerrors.Wrap(ikerrors.IO, "iterate event rows", err)
	}
	return events, nil
}

// AdoptOrphans assigns rootUUID to every message row with a NULL
// agent_uuid — events recorded before any agent existed. Called once,
// when the root agent is first created.
func (s *Store) AdoptOrphans(rootUUID string) error {
	_, err := s.execer().Exec(
		`UPDATE messages SET agent_uuid = ? WHERE agent_uuid IS NULL`,
		rootUUID,
	)
	if err != nil {
		return ikerrors.Wrap(ikerrors.IO, "adopt orphan messages", err)
	}
	return nil
}

// SocketFD returns a descriptor suitable for select/poll readiness.
// SQLite exposes no such descriptor, so this always reports -1
// (unavailable); WaitEngine falls back to polling plus the in-process
// wake channel exposed by Notifications.
func (s *Store) SocketFD() int {
	return -1
}
