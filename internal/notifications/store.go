package notifications

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ziadkadry99/kinesight/internal/db"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned when a notification id is unknown.
var ErrNotFound = errors.New("notification not found")

// ListFilter controls which notifications are returned by List.
type ListFilter struct {
	SessionID string
	Type      Type
	Severity  Severity
	Delivered *bool
	Limit     int
}

// Store persists notifications.
type Store struct {
	db *db.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Create inserts n, filling in ID and CreatedAt when unset, and returns the
// stored record.
func (s *Store) Create(ctx context.Context, n Notification) (Notification, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, session_id, type, severity, title, message, delivered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.SessionID, string(n.Type), string(n.Severity), n.Title, n.Message,
		boolInt(n.Delivered), n.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return n, fmt.Errorf("inserting notification: %w", err)
	}
	return n, nil
}

// GetByID retrieves a single notification.
func (s *Store) GetByID(ctx context.Context, id string) (*Notification, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	n, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n, err
}

const selectColumns = "SELECT id, session_id, type, severity, title, message, delivered, created_at FROM notifications"

// List returns notifications matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Notification, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Delivered != nil {
		clauses = append(clauses, "delivered = ?")
		args = append(args, boolInt(*filter.Delivered))
	}

	query := selectColumns
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	result := []Notification{}
	for rows.Next() {
		n, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *n)
	}
	return result, rows.Err()
}

// Pending returns undelivered notifications, newest first.
func (s *Store) Pending(ctx context.Context) ([]Notification, error) {
	delivered := false
	return s.List(ctx, ListFilter{Delivered: &delivered})
}

// MarkDelivered flags a notification as delivered or acknowledged.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE notifications SET delivered = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("marking notification delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(sc scanner) (*Notification, error) {
	var (
		n               Notification
		ntype, severity string
		delivered       int
		ts              string
	)
	if err := sc.Scan(&n.ID, &n.SessionID, &ntype, &severity, &n.Title, &n.Message, &delivered, &ts); err != nil {
		return nil, err
	}
	n.Type = Type(ntype)
	n.Severity = Severity(severity)
	n.Delivered = delivered != 0
	for _, layout := range []string{timeLayout, time.RFC3339Nano, time.DateTime} {
		if t, err := time.Parse(layout, ts); err == nil {
			n.CreatedAt = t
			break
		}
	}
	return &n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
