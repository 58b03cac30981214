// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Uses modernc.org/sqlite by default or mattn/go-sqlite3, with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names registered by the two SQLite packages.
const (
	DriverModernc = "sqlite"
	DriverCgo     = "sqlite3"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure
// Go driver. The schema is automatically created if it doesn't exist.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLite(DriverModernc, path)
}

// OpenSQLite opens a store with the named database/sql driver.
// Parent directories are created if needed.
func OpenSQLite(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver != DriverModernc && driver != DriverCgo {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id   TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			last_seen  TEXT,
			first_seen TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (status IN ('online', 'offline', 'notified_offline'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS alerts (
			alert_id   TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			type       TEXT,
			severity   TEXT NOT NULL,
			title      TEXT,
			message    TEXT,
			details    TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_alerts_agent ON alerts(agent_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the first schema.
// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{"alerts", "notified", `ALTER TABLE alerts ADD COLUMN notified INTEGER NOT NULL DEFAULT 0`},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks that the database answers, for readiness probes.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetAgentStatus upserts the agent row and sets its status.
func (s *SQLiteStore) SetAgentStatus(ctx context.Context, agentID string, status AgentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	now := formatTime(time.Now())

	query := `
		INSERT INTO agents (agent_id, status, first_seen, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, agentID, string(status), now, now); err != nil {
		return fmt.Errorf("setting agent status: %w", err)
	}
	return nil
}

// TouchLastSeen upserts the agent row and records a contact time. A new row
// starts online.
func (s *SQLiteStore) TouchLastSeen(ctx context.Context, agentID string, at time.Time) error {
	seen := formatTime(at)
	now := formatTime(time.Now())

	query := `
		INSERT INTO agents (agent_id, status, last_seen, first_seen, updated_at)
		VALUES (?, 'online', ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET last_seen = excluded.last_seen, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, agentID, seen, seen, now); err != nil {
		return fmt.Errorf("touching last seen: %w", err)
	}
	return nil
}

// GetAgent retrieves one agent by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, status, last_seen, first_seen, updated_at
		FROM agents WHERE agent_id = ?
	`, agentID)

	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return a, nil
}

// ListAgents returns every agent ordered by id.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, status, last_seen, first_seen, updated_at
		FROM agents ORDER BY agent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	agents := []*Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

// SaveAlert inserts or replaces an alert by id.
func (s *SQLiteStore) SaveAlert(ctx context.Context, alert *Alert) error {
	if alert.ID == "" || alert.AgentID == "" {
		return fmt.Errorf("alert id and agent id are required")
	}
	notified := 0
	if alert.Notified {
		notified = 1
	}

	query := `
		INSERT INTO alerts (alert_id, agent_id, type, severity, title, message, details, notified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(alert_id) DO UPDATE SET
			severity = excluded.severity,
			title = excluded.title,
			message = excluded.message,
			details = excluded.details,
			notified = MAX(alerts.notified, excluded.notified)
	`
	_, err := s.db.ExecContext(ctx, query,
		alert.ID, alert.AgentID, nullString(alert.Type), alert.Severity,
		nullString(alert.Title), nullString(alert.Message), nullString(alert.Details),
		notified, formatTime(alert.CreatedAt))
	if err != nil {
		return fmt.Errorf("saving alert: %w", err)
	}
	return nil
}

// ListAlerts returns alerts newest first.
func (s *SQLiteStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error) {
	query := `
		SELECT alert_id, agent_id, type, severity, title, message, details, notified, created_at
		FROM alerts
	`
	args := []any{}
	if filter.AgentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, filter.AgentID)
	}
	query += ` ORDER BY created_at DESC, alert_id LIMIT ?`
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*Alert{}
	for rows.Next() {
		var (
			a                            Alert
			typ, title, message, details sql.NullString
			notified                     int
			createdAt                    string
		)
		if err := rows.Scan(&a.ID, &a.AgentID, &typ, &a.Severity, &title, &message, &details, &notified, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		a.Type = typ.String
		a.Title = title.String
		a.Message = message.String
		a.Details = details.String
		a.Notified = notified != 0
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		alerts = append(alerts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating alerts: %w", err)
	}
	return alerts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(r rowScanner) (*Agent, error) {
	var (
		a                    Agent
		status               string
		lastSeen             sql.NullString
		firstSeen, updatedAt string
	)
	if err := r.Scan(&a.ID, &status, &lastSeen, &firstSeen, &updatedAt); err != nil {
		return nil, err
	}
	a.Status = AgentStatus(status)

	var err error
	if lastSeen.Valid {
		if a.LastSeen, err = parseTime(lastSeen.String); err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
	}
	if a.FirstSeen, err = parseTime(firstSeen); err != nil {
		return nil, fmt.Errorf("parsing first_seen: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &a, nil
}

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
