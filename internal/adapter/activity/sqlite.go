// Package activity provides activity log backends: a SQLite store that also
// serves warm-start aggregates, an asynchronous writer wrapper, and an
// in-memory log for tests and dry runs.
package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"agentcoord/internal/domain"
)

// timeLayout is fixed width so timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteLog implements domain.ActivityLog and domain.ActivitySource on SQLite.
type SQLiteLog struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteLog opens (or creates) the database at dbPath and migrates the schema.
func NewSQLiteLog(dbPath string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open activity db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate activity db: %w", err)
	}
	return &SQLiteLog{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_activities (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_name       TEXT NOT NULL,
			activity_type    TEXT NOT NULL,
			description      TEXT NOT NULL DEFAULT '',
			metadata         TEXT NOT NULL DEFAULT '{}',
			timestamp        TEXT NOT NULL,
			duration_seconds REAL NOT NULL DEFAULT 0,
			success          INTEGER NOT NULL DEFAULT 1,
			error_message    TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_agent_activities_agent_ts
			ON agent_activities (agent_name, timestamp);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteLog) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLiteLog) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteLog) LogActivity(ctx context.Context, a domain.Activity) error {
	meta := a.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return domain.NewDomainError("SQLiteLog.LogActivity", domain.ErrActivityWrite, "marshal metadata: "+err.Error())
	}
	ts := a.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	success := 0
	if a.Success {
		success = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_activities
			(agent_name, activity_type, description, metadata, timestamp, duration_seconds, success, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AgentName, string(a.Type), a.Description, string(metaJSON),
		ts.UTC().Format(timeLayout), a.DurationSeconds, success, a.ErrorMessage,
	)
	if err != nil {
		return domain.NewDomainError("SQLiteLog.LogActivity", domain.ErrActivityWrite, err.Error())
	}
	return nil
}

// LoadRecentActivity groups entries newer than now-since by agent.
func (s *SQLiteLog) LoadRecentActivity(ctx context.Context, since time.Duration) ([]domain.ActivitySummary, error) {
	cutoff := s.now().Add(-since).UTC().Format(timeLayout)
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_name, COUNT(*), MAX(timestamp)
		   FROM agent_activities
		  WHERE timestamp >= ?
		  GROUP BY agent_name
		  ORDER BY agent_name`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query recent activity: %w", err)
	}
	defer rows.Close()

	var out []domain.ActivitySummary
	for rows.Next() {
		var (
			sum  domain.ActivitySummary
			last string
		)
		if err := rows.Scan(&sum.AgentName, &sum.Count, &last); err != nil {
			return nil, fmt.Errorf("scan recent activity: %w", err)
		}
		sum.LastTimestamp, _ = time.Parse(timeLayout, last)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Recent returns up to limit entries for agent, newest first. An empty agent
// matches every agent.
func (s *SQLiteLog) Recent(ctx context.Context, agent string, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT agent_name, activity_type, description, metadata, timestamp, duration_seconds, success, error_message
		FROM agent_activities`
	args := []any{}
	if agent != "" {
		query += " WHERE agent_name = ?"
		args = append(args, agent)
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []domain.Activity
	for rows.Next() {
		var (
			a        domain.Activity
			typ      string
			metaJSON string
			ts       string
			success  int
		)
		if err := rows.Scan(&a.AgentName, &typ, &a.Description, &metaJSON, &ts, &a.DurationSeconds, &success, &a.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Type = domain.ActivityType(typ)
		a.Success = success == 1
		a.Timestamp, _ = time.Parse(timeLayout, ts)
		if err := json.Unmarshal([]byte(metaJSON), &a.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal activity metadata: %w", err)
		}
		if len(a.Metadata) == 0 {
			a.Metadata = nil
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Prune deletes entries older than before and returns how many were removed.
func (s *SQLiteLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM agent_activities WHERE timestamp < ?", before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune activity: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
