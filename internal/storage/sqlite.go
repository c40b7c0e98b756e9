package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// latestSchemaVersion is the version Migrate brings a database up to.
const latestSchemaVersion = 1

// sqliteStore is the durable backend: a single SQLite file owned by one
// process. The tickets table predates the version ledger and is created
// unconditionally at open; everything later is applied by Migrate.
type sqliteStore struct {
	db *sql.DB
}

// openSQLite opens (or creates) the database file at path. Pass ":memory:"
// for an in-memory database (used by tests). The caller is responsible for
// the parent directory existing.
func openSQLite(path string) (*sqliteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.ensureTicketsTable(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) ensureTicketsTable() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS tickets (
		ticket_id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL,
		creator TEXT NOT NULL,
		assignee TEXT NOT NULL,
		task_id TEXT,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		thread TEXT NOT NULL DEFAULT '[]',
		resolution TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("creating tickets table: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// schemaVersion reads the current schema version. It never fails: a missing
// table, missing row, or unreadable row all read as version 0.
func (s *sqliteStore) schemaVersion() int {
	var v int
	if err := s.db.QueryRow("SELECT version FROM db_version LIMIT 1").Scan(&v); err != nil {
		return 0
	}
	return v
}

// Migrate brings the schema from its current version to
// latestSchemaVersion. Safe to call on every startup: all DDL carries an
// existence guard, so repeat runs are no-ops once the target is reached.
// Any failure is wrapped as a migration error with the cause preserved.
func (s *sqliteStore) Migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS db_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("migration failed: creating db_version table: %w", err)
	}

	version := s.schemaVersion()

	var rows int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM db_version").Scan(&rows); err != nil {
		return fmt.Errorf("migration failed: counting db_version rows: %w", err)
	}
	if rows == 0 {
		if _, err := s.db.Exec("INSERT INTO db_version (version) VALUES (0)"); err != nil {
			return fmt.Errorf("migration failed: seeding version row: %w", err)
		}
	}

	if version < 1 {
		if err := s.migrateV1(); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		if _, err := s.db.Exec("UPDATE db_version SET version = 1"); err != nil {
			return fmt.Errorf("migration failed: recording version 1: %w", err)
		}
	}

	return nil
}

// migrateV1 adds the completed-task archive table and its two supporting
// indexes.
func (s *sqliteStore) migrateV1() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS completed_tasks (
			task_id TEXT PRIMARY KEY,
			original_ticket_id TEXT,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL,
			completed_at TEXT NOT NULL,
			duration_minutes INTEGER,
			outcome TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_completed_tasks_status ON completed_tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_completed_tasks_completed_at ON completed_tasks(completed_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// --- Tickets ---

func (s *sqliteStore) InsertTicket(t Ticket) error {
	_, err := s.db.Exec(`
		INSERT INTO tickets (ticket_id, type, status, priority, creator, assignee, task_id, title, description, thread, resolution, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, t.Status, t.Priority, t.Creator, t.Assignee,
		nullable(t.TaskID), t.Title, t.Description, encodeThread(t.Thread),
		nullable(t.Resolution), formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	return err
}

const ticketColumns = "ticket_id, type, status, priority, creator, assignee, task_id, title, description, thread, resolution, created_at, updated_at"

func (s *sqliteStore) GetTicket(id string) (Ticket, error) {
	row := s.db.QueryRow("SELECT "+ticketColumns+" FROM tickets WHERE ticket_id = ?", id)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return Ticket{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) TicketExists(id string) (bool, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM tickets WHERE ticket_id = ?", id).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListTickets returns tickets ordered most urgent first, then most recent.
// An empty statusFilter returns all tickets.
func (s *sqliteStore) ListTickets(statusFilter string) ([]Ticket, error) {
	query := "SELECT " + ticketColumns + " FROM tickets"
	var args []any
	if statusFilter != "" {
		query += " WHERE status = ?"
		args = append(args, statusFilter)
	}
	query += " ORDER BY priority ASC, created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// UpdateTicket applies an in-place mutation and bumps updated_at.
func (s *sqliteStore) UpdateTicket(id string, upd TicketUpdate, now time.Time) error {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(now)}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.Assignee != nil {
		sets = append(sets, "assignee = ?")
		args = append(args, *upd.Assignee)
	}
	if upd.Resolution != nil {
		sets = append(sets, "resolution = ?")
		args = append(args, nullable(*upd.Resolution))
	}
	args = append(args, id)

	res, err := s.db.Exec("UPDATE tickets SET "+strings.Join(sets, ", ")+" WHERE ticket_id = ?", args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveThread replaces a ticket's thread column and bumps updated_at.
func (s *sqliteStore) SaveThread(id string, thread []TicketReply, now time.Time) error {
	res, err := s.db.Exec("UPDATE tickets SET thread = ?, updated_at = ? WHERE ticket_id = ?",
		encodeThread(thread), formatTime(now), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Completed tasks ---

func (s *sqliteStore) InsertCompleted(ct CompletedTask) error {
	var duration any
	if ct.DurationMinutes != nil {
		duration = *ct.DurationMinutes
	}
	_, err := s.db.Exec(`
		INSERT INTO completed_tasks (task_id, original_ticket_id, title, status, priority, completed_at, duration_minutes, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ct.TaskID, nullable(ct.OriginalTicketID), ct.Title, ct.Status, ct.Priority,
		formatTime(ct.CompletedAt), duration, nullable(ct.Outcome), formatTime(ct.CreatedAt),
	)
	return err
}

func (s *sqliteStore) ListCompleted(f CompletedFilter, now time.Time) ([]CompletedTask, error) {
	query := "SELECT task_id, original_ticket_id, title, status, priority, completed_at, duration_minutes, outcome, created_at FROM completed_tasks"
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.MinDaysAgo > 0 {
		cutoff := now.AddDate(0, 0, -f.MinDaysAgo)
		clauses = append(clauses, "completed_at <= ?")
		args = append(args, formatTime(cutoff))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY completed_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []CompletedTask
	for rows.Next() {
		var ct CompletedTask
		var originalTicketID, outcome sql.NullString
		var duration sql.NullInt64
		var completedAt, createdAt string
		if err := rows.Scan(&ct.TaskID, &originalTicketID, &ct.Title, &ct.Status, &ct.Priority,
			&completedAt, &duration, &outcome, &createdAt); err != nil {
			return nil, err
		}
		ct.OriginalTicketID = originalTicketID.String
		ct.Outcome = outcome.String
		if duration.Valid {
			d := int(duration.Int64)
			ct.DurationMinutes = &d
		}
		ct.CompletedAt = parseTime(completedAt)
		ct.CreatedAt = parseTime(createdAt)
		results = append(results, ct)
	}
	return results, rows.Err()
}

// DeleteCompletedBefore removes archive rows completed before cutoff and
// returns how many were deleted.
func (s *sqliteStore) DeleteCompletedBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM completed_tasks WHERE completed_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Row mapping ---

type rowScanner interface {
	Scan(dest ...any) error
}

// scanTicket maps one tickets row to a Ticket. Optional columns resolve to
// empty strings, and a malformed thread payload resolves to an empty
// thread, never an error.
func scanTicket(row rowScanner) (Ticket, error) {
	var t Ticket
	var taskID, resolution sql.NullString
	var thread, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Type, &t.Status, &t.Priority, &t.Creator, &t.Assignee,
		&taskID, &t.Title, &t.Description, &thread, &resolution, &createdAt, &updatedAt)
	if err != nil {
		return Ticket{}, err
	}
	t.TaskID = taskID.String
	t.Resolution = resolution.String
	t.Thread = decodeThread(thread)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

// encodeThread serializes a thread for the TEXT column. A nil thread
// encodes as the empty array so round-trips stay stable.
func encodeThread(thread []TicketReply) string {
	if len(thread) == 0 {
		return "[]"
	}
	b, err := json.Marshal(thread)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// decodeThread parses a stored thread column. Malformed JSON yields an
// empty thread rather than a fatal error.
func decodeThread(raw string) []TicketReply {
	if raw == "" {
		return []TicketReply{}
	}
	var thread []TicketReply
	if err := json.Unmarshal([]byte(raw), &thread); err != nil {
		return []TicketReply{}
	}
	if thread == nil {
		return []TicketReply{}
	}
	return thread
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses a stored RFC3339 timestamp. Unparseable values resolve
// to the zero time; the engine never fails a read over a bad timestamp.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullable maps the empty string to NULL for optional TEXT columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
