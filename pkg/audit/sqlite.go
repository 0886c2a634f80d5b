package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink persists events to a SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and prepares the
// audit table. Use ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteSink(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteSink wraps an existing handle and runs the migration.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("audit: migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	stmts := []string{`
	CREATE TABLE IF NOT EXISTS wheel_audit (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		spoke_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		principal TEXT,
		action TEXT,
		resource TEXT,
		source TEXT NOT NULL,
		code TEXT,
		detail TEXT,
		chain_hash TEXT NOT NULL,
		timestamp TEXT NOT NULL
	)`,
		`CREATE INDEX IF NOT EXISTS wheel_audit_spoke ON wheel_audit (spoke_id, seq)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteSink) Write(ctx context.Context, e Event) error {
	query := `INSERT INTO wheel_audit (
		spoke_id, phase, principal, action, resource, source, code, detail, chain_hash, timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		e.SpokeID, e.Phase, e.Principal, e.Action, e.Resource, string(e.Source), e.Code, e.Detail, e.ChainHash,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// BySpoke returns the events recorded for one spoke, in write order.
func (s *SQLiteSink) BySpoke(ctx context.Context, spokeID string) ([]Event, error) {
	query := `
	SELECT spoke_id, phase, principal, action, resource, source, code, detail, chain_hash, timestamp
	FROM wheel_audit
	WHERE spoke_id = ?
	ORDER BY seq ASC`
	return queryEvents(ctx, s.db, query, spokeID)
}

// Close closes the database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func queryEvents(ctx context.Context, db *sql.DB, query string, args ...any) ([]Event, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			principal sql.NullString
			action    sql.NullString
			resource  sql.NullString
			source    string
			code      sql.NullString
			detail    sql.NullString
			ts        any
		)
		if err := rows.Scan(&e.SpokeID, &e.Phase, &principal, &action, &resource, &source, &code, &detail, &e.ChainHash, &ts); err != nil {
			return nil, err
		}
		e.Principal = principal.String
		e.Action = action.String
		e.Resource = resource.String
		e.Source = Source(source)
		e.Code = code.String
		e.Detail = detail.String
		e.Timestamp = scanTime(ts)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// scanTime accepts the TEXT timestamps SQLite returns and the native
// values Postgres drivers return.
func scanTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		return parseTime(t)
	case []byte:
		return parseTime(string(t))
	}
	return time.Time{}
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
