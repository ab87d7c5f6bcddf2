// Package sessions reads and writes computed session metrics in SQLite.
package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ziadkadry99/kinesight/internal/db"
	"github.com/ziadkadry99/kinesight/internal/metrics"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is the session/patient store.
type Store struct {
	db *db.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Put inserts or replaces a session.
func (s *Store) Put(ctx context.Context, m *metrics.SessionMetrics) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshalling session %s: %w", m.SessionID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, patient_id, recorded_at, metrics) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET patient_id = excluded.patient_id,
			recorded_at = excluded.recorded_at, metrics = excluded.metrics`,
		m.SessionID, m.PatientID, m.RecordedAt.UTC().Format(timeLayout), string(body))
	if err != nil {
		return fmt.Errorf("storing session %s: %w", m.SessionID, err)
	}
	return nil
}

// Session returns one session by id.
func (s *Store) Session(ctx context.Context, id string) (*metrics.SessionMetrics, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT metrics FROM sessions WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	return decode(body)
}

// History returns a patient's sessions recorded strictly before the given
// time, oldest first. A zero before returns every session.
func (s *Store) History(ctx context.Context, patientID string, before time.Time) ([]metrics.SessionMetrics, error) {
	if patientID == "" {
		return nil, nil
	}
	query := "SELECT metrics FROM sessions WHERE patient_id = ?"
	args := []any{patientID}
	if !before.IsZero() {
		query += " AND recorded_at < ?"
		args = append(args, before.UTC().Format(timeLayout))
	}
	query += " ORDER BY recorded_at ASC"
	return s.query(ctx, query, args...)
}

// List returns every stored session, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]metrics.SessionMetrics, error) {
	query := "SELECT metrics FROM sessions ORDER BY recorded_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.query(ctx, query)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]metrics.SessionMetrics, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []metrics.SessionMetrics
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		m, err := decode(body)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func decode(body string) (*metrics.SessionMetrics, error) {
	var m metrics.SessionMetrics
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &m, nil
}

// LoadFile reads a session from a JSON file.
func LoadFile(path string) (*metrics.SessionMetrics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m metrics.SessionMetrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}
