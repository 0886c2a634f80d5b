package audit

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresSink persists events to PostgreSQL.
type PostgresSink struct {
	db *sql.DB
}

// OpenPostgres connects with the lib/pq driver and runs the migration.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: ping postgres: %w", err)
	}
	s := NewPostgresSink(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresSink wraps an existing handle. Call Migrate before first use
// against a fresh database.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Migrate creates the audit table if it does not exist.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS wheel_audit (
		seq BIGSERIAL PRIMARY KEY,
		spoke_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		principal TEXT,
		action TEXT,
		resource TEXT,
		source TEXT NOT NULL,
		code TEXT,
		detail TEXT,
		chain_hash TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("audit: migrate postgres: %w", err)
	}
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, e Event) error {
	query := `INSERT INTO wheel_audit (spoke_id, phase, principal, action, resource, source, code, detail, chain_hash, timestamp) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.db.ExecContext(ctx, query,
		e.SpokeID, e.Phase, e.Principal, e.Action, e.Resource, string(e.Source), e.Code, e.Detail, e.ChainHash, e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// BySpoke returns the events recorded for one spoke, in write order.
func (s *PostgresSink) BySpoke(ctx context.Context, spokeID string) ([]Event, error) {
	query := `SELECT spoke_id, phase, principal, action, resource, source, code, detail, chain_hash, timestamp FROM wheel_audit WHERE spoke_id = $1 ORDER BY seq ASC`
	return queryEvents(ctx, s.db, query, spokeID)
}

// Close closes the database handle.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
