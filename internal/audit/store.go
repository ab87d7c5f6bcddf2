package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ziadkadry99/kinesight/internal/db"
)

// timeLayout is fixed width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store appends and queries audit entries.
type Store struct {
	db *db.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Log inserts a new audit entry. If entry.ID is empty a UUID is generated;
// a zero Timestamp is set to now.
func (s *Store) Log(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.ActorType == "" {
		entry.ActorType = ActorSystem
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (
			id, timestamp, actor_type, actor_id, action, scope, scope_id, summary, detail
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Timestamp.UTC().Format(timeLayout),
		string(entry.ActorType),
		entry.ActorID,
		string(entry.Action),
		string(entry.Scope),
		entry.ScopeID,
		entry.Summary,
		entry.Detail,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// GetByID retrieves a single audit entry.
func (s *Store) GetByID(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" FROM audit_entries WHERE id = ?", id)
	return scanInto(row)
}

// QueryFilter controls which audit entries are returned by Query.
type QueryFilter struct {
	ActorID string
	Scope   Scope
	ScopeID string
	Action  Action
	Since   *time.Time
	Until   *time.Time
	// Chronological returns oldest first instead of newest first.
	Chronological bool
	Limit         int
	Offset        int
}

const selectColumns = "SELECT id, timestamp, actor_type, actor_id, action, scope, scope_id, summary, detail"

// Query returns audit entries matching the filter.
func (s *Store) Query(ctx context.Context, filter QueryFilter) ([]Entry, error) {
	var (
		clauses []string
		args    []any
	)

	if filter.ActorID != "" {
		clauses = append(clauses, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if filter.Scope != "" {
		clauses = append(clauses, "scope = ?")
		args = append(args, string(filter.Scope))
	}
	if filter.ScopeID != "" {
		clauses = append(clauses, "scope_id = ?")
		args = append(args, filter.ScopeID)
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.Since != nil {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}
	if filter.Until != nil {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, filter.Until.UTC().Format(timeLayout))
	}

	query := selectColumns + " FROM audit_entries"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if filter.Chronological {
		query += " ORDER BY timestamp ASC, rowid ASC"
	} else {
		query += " ORDER BY timestamp DESC, rowid DESC"
	}

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanInto(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// DeleteBefore removes all audit entries older than the given time.
// Returns the number of deleted rows.
func (s *Store) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_entries WHERE timestamp < ?",
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting old audit entries: %w", err)
	}
	return res.RowsAffected()
}

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInto(sc scanner) (*Entry, error) {
	var (
		e                        Entry
		actorType, action, scope string
		ts                       string
		detail                   sql.NullString
	)

	err := sc.Scan(&e.ID, &ts, &actorType, &e.ActorID, &action, &scope, &e.ScopeID, &e.Summary, &detail)
	if err != nil {
		return nil, err
	}

	e.ActorType = ActorType(actorType)
	e.Action = Action(action)
	e.Scope = Scope(scope)
	e.Detail = detail.String

	for _, layout := range []string{timeLayout, time.RFC3339Nano, time.DateTime} {
		if t, err := time.Parse(layout, ts); err == nil {
			e.Timestamp = t
			break
		}
	}
	return &e, nil
}
