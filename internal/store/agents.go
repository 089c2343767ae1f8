package store

import (
	"database/sql"
	"time"

	"github.com/nugget/ikigai/internal/ikerrors"
	"github.com/nugget/ikigai/internal/model"
)

// InsertAgent writes a new durable agent row: uuid, name, parent_uuid,
// status, created_at, fork_message_id. Must be
// called inside the same transaction as the agent's fork event so
// both commit or roll back together.
func (s *Store) InsertAgent(agent *model.Agent) error {
	var parentCol any
	if agent.ParentUUID != "" {
		parentCol = agent.ParentUUID
	}
	var nameCol any
	if agent.Name != "" {
		nameCol = agent.Name
	}

	createdAt := agent.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.execer().Exec(
		`INSERT INTO agents (uuid, name, parent_uuid, status, created_at, fork_message_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		agent.UUID, nameCol, parentCol, string(agent.Status), createdAt.Format(time.RFC3339Nano), agent.ForkMessageID,
	)
	if err != nil {
		return ikerrors.Wrap(ikerrors.IO, "insert agent", err)
	}
	return nil
}

// MarkAgentDead transitions an agent row to dead status.
func (s *Store) MarkAgentDead(uuid string) error {
	return s.setAgentStatus(uuid, model.StatusDead)
}

// MarkAgentReaped transitions an agent row to reaped status. The row
// itself is preserved for audit trail and the agents.parent_uuid
// foreign key, never deleted.
func (s *Store) MarkAgentReaped(uuid string) error {
	return s.setAgentStatus(uuid, model.StatusReaped)
}

func (s *Store) setAgentStatus(uuid string, status model.AgentStatus) error {
	res, err := s.execer().Exec(`UPDATE agents SET status = ? WHERE uuid = ?`, string(status), uuid)
	if err != nil {
		return ikerrors.Wrap(ikerrors.IO, "update agent status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ikerrors.Wrap(ikerrors.IO, "agent status rows affected", err)
	}
	if n == 0 {
		return ikerrors.New(ikerrors.NotFound, "agent "+uuid+" not found")
	}
	return nil
}

// GetAgent loads a single agent row's durable fields.
func (s *Store) GetAgent(uuid string) (*model.Agent, error) {
	row := s.execer().QueryRow(
		`SELECT uuid, name, parent_uuid, status, created_at, fork_message_id
		 FROM agents WHERE uuid = ?`,
		uuid,
	)
	return scanAgentRow(row)
}

// ListAgents loads every durable agent row for the database, in no
// particular order. Used to reconstruct the registry on startup.
func (s *Store) ListAgents() ([]*model.Agent, error) {
	rows, err := s.execer().Query(
		`SELECT uuid, name, parent_uuid, status, created_at, fork_message_id FROM agents`,
	)
	if err != nil {
		return nil, ikerrors.Wrap(ikerrors.IO, "list agents", err)
	}
	defer rows.Close()

	var out []*model.Agent
	for rows.Next() {
		a, err := scanAgentCols(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, ikerrors.Wrap(ikerrors.IO, "iterate agent rows", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentRow(row *sql.Row) (*model.Agent, error) {
	a, err := scanAgentCols(row)
	if err == sql.ErrNoRows {
		return nil, ikerrors.New(ikerrors.NotFound, "agent not found")
	}
	return a, err
}

func scanAgentCols(r rowScanner) (*model.Agent, error) {
	var (
		a          model.Agent
		name       sql.NullString
		parentUUID sql.NullString
		status     string
		createdAt  string
	)
	if err := r.Scan(&a.UUID, &name, &parentUUID, &status, &createdAt, &a.ForkMessageID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, ikerrors.Wrap(ikerrors.IO, "scan agent row", err)
	}
	a.Name = name.String
	a.ParentUUID = parentUUID.String
	a.Status = model.AgentStatus(status)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		a.CreatedAt = t
	}
	return &a, nil
}
