package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver
)

// SQLSink is the alternate durable sink selected by the database.url
// setting: a "sqlite:" URL opens NewSQLiteSink, any other non-empty URL is
// passed to NewPostgresSink (§4.L's production hardening gate checks the
// database SSL setting). Schema and pragma setup for
// the sqlite path follow pkg/coordination/events/sqlite_store.go exactly:
// WAL journal mode, a busy timeout, and foreign keys enabled.
type SQLSink struct {
	db     *sql.DB
	driver string
}

// NewSQLiteSink opens (creating if absent) a SQLite-backed sink at path.
func NewSQLiteSink(path string) (*SQLSink, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("audit: create sqlite dir: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: %s: %w", pragma, err)
		}
	}

	s := &SQLSink{db: db, driver: "sqlite"}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresSink opens a Postgres-backed sink via pgx's database/sql
// driver. dsn must carry a non-disable sslmode once the production
// hardening gate (§4.L) is active; that check lives in internal/config,
// not here — this constructor accepts whatever DSN it is given.
func NewPostgresSink(dsn string) (*SQLSink, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	s := &SQLSink{db: db, driver: "postgres"}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) initSchema() error {
	ddl := `CREATE TABLE IF NOT EXISTS audit_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts BIGINT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		details TEXT,
		ip TEXT,
		user_agent TEXT
	)`
	if s.driver == "postgres" {
		ddl = `CREATE TABLE IF NOT EXISTS audit_entries (
			id BIGSERIAL PRIMARY KEY,
			ts BIGINT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			details TEXT,
			ip TEXT,
			user_agent TEXT
		)`
	}
	_, err := s.db.Exec(ddl)
	if err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_entries(ts)`)
	return err
}

func (s *SQLSink) Write(e Entry) {
	var details string
	if len(e.Details) > 0 {
		if raw, err := json.Marshal(e.Details); err == nil {
			details = string(raw)
		}
	}
	_, _ = s.db.Exec(
		`INSERT INTO audit_entries (ts, actor, action, resource_type, resource_id, outcome, details, ip, user_agent)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UnixNano(), e.Actor, e.Action, e.ResourceType, e.ResourceID, string(e.Outcome), details, e.IP, e.UserAgent,
	)
}

func (s *SQLSink) Query(q Query) ([]Entry, error) {
	var clauses []string
	var args []any

	add := func(clause string, arg any) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if q.Actor != "" {
		add("actor = ?", q.Actor)
	}
	if q.Action != "" {
		add("action = ?", q.Action)
	}
	if q.ResourceType != "" {
		add("resource_type = ?", q.ResourceType)
	}
	if q.ResourceID != "" {
		add("resource_id = ?", q.ResourceID)
	}
	if !q.Since.IsZero() {
		add("ts >= ?", q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		add("ts <= ?", q.Until.UnixNano())
	}

	query := "SELECT ts, actor, action, resource_type, resource_id, outcome, details, ip, user_agent FROM audit_entries"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY ts DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var outcome, details, ip, userAgent sql.NullString
		if err := rows.Scan(&ts, &e.Actor, &e.Action, &e.ResourceType, &e.ResourceID, &outcome, &details, &ip, &userAgent); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Timestamp = time.Unix(0, ts)
		e.Outcome = Outcome(outcome.String)
		e.IP = ip.String
		e.UserAgent = userAgent.String
		if details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLSink) Close() error {
	return s.db.Close()
}
