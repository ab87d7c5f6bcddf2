package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ziadkadry99/kinesight/internal/db"
)

// timeLayout is fixed width so updated_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNoState is returned when no snapshot exists for a session.
var ErrNoState = errors.New("no pipeline state")

// StateStore persists State snapshots so status survives a restart.
type StateStore struct {
	db *db.DB
}

func NewStateStore(database *db.DB) *StateStore {
	return &StateStore{db: database}
}

// Save upserts a snapshot.
func (s *StateStore) Save(ctx context.Context, st *State) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshalling state %s: %w", st.SessionID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_states (session_id, status, stage, revision, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET status = excluded.status, stage = excluded.stage,
			revision = excluded.revision, state = excluded.state, updated_at = excluded.updated_at`,
		st.SessionID, string(st.Status), string(st.Stage), st.Revision, string(body),
		st.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("saving state %s: %w", st.SessionID, err)
	}
	return nil
}

// Load returns the latest snapshot for a session.
func (s *StateStore) Load(ctx context.Context, sessionID string) (*State, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT state FROM pipeline_states WHERE session_id = ?", sessionID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoState, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading state %s: %w", sessionID, err)
	}
	var st State
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		return nil, fmt.Errorf("decoding state %s: %w", sessionID, err)
	}
	return &st, nil
}

// ListFilter narrows List.
type ListFilter struct {
	Status Status
	Limit  int
}

// List returns snapshots, most recently updated first.
func (s *StateStore) List(ctx context.Context, f ListFilter) ([]*State, error) {
	query := "SELECT state FROM pipeline_states"
	var args []any
	if f.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY updated_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing states: %w", err)
	}
	defer rows.Close()

	var out []*State
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var st State
		if err := json.Unmarshal([]byte(body), &st); err != nil {
			return nil, fmt.Errorf("decoding state: %w", err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// NonTerminal returns snapshots left in a running status.
func (s *StateStore) NonTerminal(ctx context.Context) ([]*State, error) {
	all, err := s.List(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}
	var out []*State
	for _, st := range all {
		if !st.Terminal() {
			out = append(out, st)
		}
	}
	return out, nil
}
