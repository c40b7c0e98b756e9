package storage

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultRetentionDays is the archive retention window when the config does
// not override it.
const DefaultRetentionDays = 30

// closeAttempts bounds the retry loop on lock/busy-class close failures.
const closeAttempts = 3

// Config controls engine behavior. The zero value plus Initialize(root)
// gives the default layout under <root>/.coe.
type Config struct {
	// Path overrides the database file location. Empty means
	// <root>/.coe/tickets.db.
	Path string
	// DisableAutoMigrate skips the versioned migration step at startup.
	DisableAutoMigrate bool
	// SeedPlaceholder creates a welcome ticket on a brand-new database.
	SeedPlaceholder bool
	// RetentionDays is the archive retention window; <= 0 means
	// DefaultRetentionDays.
	RetentionDays int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Engine routes every ticket and archive operation either to the durable
// SQLite backend or to an in-memory fallback. The mode decision is made
// during Initialize and holds for the lifetime of the process; Close is the
// only other mutator. The host must never be blocked by storage failure, so
// no path past Initialize surfaces open/migration/close errors.
//
// One process owns one Engine with one lifecycle: Initialize once, Close
// once. Concurrent Initialize calls are not supported.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	db          *sqliteStore // nil when unavailable
	mem         *memoryStore // fallback store, plus a shadow of tickets written this process
	fallback    bool
	initialized bool

	closeFn func() error // overrides e.db.Close; tests inject lock-class failures
}

// New constructs an un-initialized Engine. Point lookups before Initialize
// return ErrNotInitialized; everything else quietly uses the in-memory
// store. Tests construct a fresh Engine per case instead of sharing global
// state.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		logger: logger,
		mem:    newMemoryStore(),
	}
}

// Initialize opens the durable backend under root, migrates, runs one
// retention cleanup, and optionally seeds a welcome ticket on a brand-new
// database. Any failure flips the engine permanently to fallback mode; it
// never returns an error because storage trouble must not block the host.
func (e *Engine) Initialize(root string) {
	if e.initialized {
		return
	}

	path := e.cfg.Path
	if path == "" {
		path = filepath.Join(root, ".coe", "tickets.db")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			e.enterFallback("creating storage directory", err)
			e.initialized = true
			return
		}
	}

	db, err := openSQLite(path)
	if err != nil {
		e.enterFallback("opening database", err)
		e.initialized = true
		return
	}

	// A ledger read of 0 before migration marks a brand-new database.
	fresh := db.schemaVersion() == 0

	if !e.cfg.DisableAutoMigrate {
		if err := db.Migrate(); err != nil {
			db.Close()
			e.enterFallback("migrating schema", err)
			e.initialized = true
			return
		}
	}

	e.db = db
	e.initialized = true

	if _, err := e.CleanupCompleted(e.cfg.RetentionDays); err != nil {
		e.db = nil
		db.Close()
		e.enterFallback("retention cleanup", err)
		return
	}

	e.logger.Info("ticket storage ready", "path", path, "fresh", fresh)

	if fresh && e.cfg.SeedPlaceholder {
		e.seedPlaceholder()
	}
}

// enterFallback records the permanent switch to in-memory operation. Logged
// once; every later operation runs against the memory store without
// further noise.
func (e *Engine) enterFallback(step string, err error) {
	e.fallback = true
	e.logger.Warn("durable storage unavailable, falling back to in-memory store",
		"step", step, "error", err)
}

// Close releases the durable handle. Lock/busy-class errors are retried up
// to closeAttempts total tries; other errors are logged and abandoned.
// Regardless of outcome the engine ends up in fallback mode with the handle
// cleared, so no later operation can touch a stale handle.
func (e *Engine) Close() {
	if e.db != nil {
		closeFn := e.closeFn
		if closeFn == nil {
			closeFn = e.db.Close
		}
		for attempt := 1; attempt <= closeAttempts; attempt++ {
			err := closeFn()
			if err == nil {
				break
			}
			if !isTransientCloseErr(err) {
				e.logger.Warn("closing database", "error", err)
				break
			}
			e.logger.Warn("closing database, will retry", "attempt", attempt, "error", err)
		}
		e.db = nil
	}
	e.fallback = true
	e.initialized = true
}

// isTransientCloseErr reports whether a close failure is lock/busy-class
// and worth retrying. Anything else is not masked as transient.
func isTransientCloseErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

// UsingFallback reports whether operations currently target the in-memory
// store. Data written in this mode does not survive a restart; callers
// should surface it to operators.
func (e *Engine) UsingFallback() bool {
	return e.fallback
}

// SchemaVersion reports the durable schema version, 0 in fallback mode.
func (e *Engine) SchemaVersion() int {
	if e.db == nil {
		return 0
	}
	return e.db.schemaVersion()
}

// now returns the engine's timestamp base. Second precision keeps stored
// RFC3339 values exact on round-trip.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// generateTicketID builds a short human-readable ID from the clock plus a
// small random suffix. Not collision-proof under high concurrency, which is
// acceptable for a human-paced channel.
func generateTicketID() string {
	return fmt.Sprintf("TK-%06d%03d", time.Now().UnixMilli()%1_000_000, rand.IntN(1000))
}

// --- Tickets ---

// CreateTicket writes a new ticket with status open, an empty thread, and
// equal created/updated timestamps. A durable insert failure degrades to
// the in-memory map so the caller's operation still succeeds; it does not
// flip the global mode. Every ticket is also shadowed in memory so later
// thread and status mutations can degrade the same way if the durable
// handle fails mid-life.
func (e *Engine) CreateTicket(p CreateTicketParams) Ticket {
	ts := now()
	t := Ticket{
		ID:          generateTicketID(),
		Type:        p.Type,
		Status:      StatusOpen,
		Priority:    p.Priority,
		Creator:     p.Creator,
		Assignee:    p.Assignee,
		TaskID:      p.TaskID,
		Title:       p.Title,
		Description: p.Description,
		Thread:      []TicketReply{},
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}

	if e.db != nil {
		if err := e.db.InsertTicket(t); err != nil {
			e.logger.Warn("durable ticket insert failed, keeping ticket in memory",
				"ticket_id", t.ID, "error", err)
		}
	}
	e.mem.InsertTicket(t)
	return t
}

// GetTicket returns nil when the ticket is absent in both backends. It
// fails only with ErrNotInitialized, and only for calls made before
// Initialize: a mis-used API is loud, a degraded database is quiet.
func (e *Engine) GetTicket(id string) (*Ticket, error) {
	if e.db == nil && !e.fallback {
		return nil, ErrNotInitialized
	}
	if e.db != nil {
		t, err := e.db.GetTicket(id)
		if err == nil {
			return &t, nil
		}
		// Fall through to memory: the ticket may have been written there
		// by a degraded create.
	}
	if t, ok := e.mem.GetTicket(id); ok {
		return &t, nil
	}
	return nil, nil
}

// TicketExists is a lightweight probe that never fails: any error or
// absent connection reads as false.
func (e *Engine) TicketExists(id string) bool {
	if e.db != nil {
		if ok, err := e.db.TicketExists(id); err == nil && ok {
			return true
		}
	}
	_, ok := e.mem.GetTicket(id)
	return ok
}

// ListTickets returns tickets ordered by priority ascending then creation
// time descending. A durable-store error degrades silently to the
// in-memory contents, filtered identically.
func (e *Engine) ListTickets(statusFilter string) []Ticket {
	if e.db != nil {
		tickets, err := e.db.ListTickets(statusFilter)
		if err == nil {
			if tickets == nil {
				tickets = []Ticket{}
			}
			return tickets
		}
		e.logger.Warn("durable ticket listing failed, serving in-memory contents", "error", err)
	}
	return e.mem.ListTickets(statusFilter)
}

// AddReply appends a message to a ticket's thread and bumps UpdatedAt.
// Ticket writes follow the quiet-degrade policy: a durable failure falls
// back to the shadow copy so the caller's operation still succeeds for any
// ticket this process has seen.
func (e *Engine) AddReply(ticketID, author, content string, clarityScore *int) (TicketReply, error) {
	reply := TicketReply{
		ID:           uuid.New().String(),
		Author:       author,
		Content:      content,
		ClarityScore: clarityScore,
		CreatedAt:    now(),
	}

	if e.db != nil {
		t, err := e.db.GetTicket(ticketID)
		switch {
		case err == nil:
			t.Thread = append(t.Thread, reply)
			t.UpdatedAt = reply.CreatedAt
			if werr := e.db.SaveThread(ticketID, t.Thread, reply.CreatedAt); werr != nil {
				e.logger.Warn("durable reply write failed, keeping reply in memory",
					"ticket_id", ticketID, "error", werr)
			}
			e.mem.InsertTicket(t)
			return reply, nil
		case err == ErrNotFound:
			// The ticket may live only in memory after a degraded create.
		default:
			e.logger.Warn("durable reply write failed, trying in-memory copy",
				"ticket_id", ticketID, "error", err)
		}
	}
	if err := e.mem.AppendReply(ticketID, reply, reply.CreatedAt); err != nil {
		return TicketReply{}, err
	}
	return reply, nil
}

// UpdateTicket applies an in-place status/assignee/resolution change.
// Resolution is only meaningful once status reaches a terminal value; the
// engine stores what it is told and leaves lifecycle policy to callers.
func (e *Engine) UpdateTicket(id string, upd TicketUpdate) error {
	ts := now()
	if e.db != nil {
		err := e.db.UpdateTicket(id, upd, ts)
		switch {
		case err == nil:
			// Keep the shadow copy current. Tickets from earlier runs have
			// no shadow; that miss is harmless here.
			_ = e.mem.UpdateTicket(id, upd, ts)
			return nil
		case err == ErrNotFound:
			// The ticket may live only in memory after a degraded create.
		default:
			e.logger.Warn("durable ticket update failed, trying in-memory copy",
				"ticket_id", id, "error", err)
		}
	}
	return e.mem.UpdateTicket(id, upd, ts)
}

// GetStats derives counters by reducing ListTickets. UsingFallback exposes
// the current mode for observability.
func (e *Engine) GetStats() Stats {
	stats := Stats{UsingFallback: e.fallback}
	for _, t := range e.ListTickets("") {
		stats.Total++
		switch t.Status {
		case StatusOpen:
			stats.Open++
		case StatusInReview:
			stats.InReview++
		case StatusResolved:
			stats.Resolved++
		case StatusEscalated:
			stats.Escalated++
		}
	}
	return stats
}

// --- Completed-task archive ---

// ArchiveTask writes an immutable archive entry. Unlike ticket creation, a
// durable-write failure propagates: archive entries are audit records, and
// a silent loss is worse than a visible failure.
func (e *Engine) ArchiveTask(p ArchiveParams) (CompletedTask, error) {
	if p.TaskID == "" {
		return CompletedTask{}, fmt.Errorf("%w: task id is required", ErrValidation)
	}
	if p.Title == "" {
		return CompletedTask{}, fmt.Errorf("%w: title is required", ErrValidation)
	}

	priority := p.Priority
	if priority == 0 {
		priority = 2
	}
	ts := now()
	ct := CompletedTask{
		TaskID:           p.TaskID,
		OriginalTicketID: p.OriginalTicketID,
		Title:            p.Title,
		Status:           p.Status,
		Priority:         priority,
		CompletedAt:      ts,
		DurationMinutes:  p.DurationMinutes,
		Outcome:          p.Outcome,
		CreatedAt:        ts,
	}

	if e.db != nil {
		if err := e.db.InsertCompleted(ct); err != nil {
			return CompletedTask{}, fmt.Errorf("archiving task %s: %w", p.TaskID, err)
		}
		return ct, nil
	}
	e.mem.InsertCompleted(ct)
	return ct, nil
}

// ListCompleted returns archive rows matching the optional status and
// minimum-age filters, most recently completed first. Reads degrade
// quietly to the in-memory contents on a durable-store error: a read
// cannot lose audit data, only under-report it.
func (e *Engine) ListCompleted(f CompletedFilter) []CompletedTask {
	ts := now()
	if e.db != nil {
		results, err := e.db.ListCompleted(f, ts)
		if err == nil {
			if results == nil {
				results = []CompletedTask{}
			}
			return results
		}
		e.logger.Warn("durable archive listing failed, serving in-memory contents", "error", err)
	}
	return e.mem.ListCompleted(f, ts)
}

// CleanupCompleted deletes archive rows completed before the retention
// cutoff and returns how many were removed. retentionDays <= 0 uses the
// configured window (default 30 days).
func (e *Engine) CleanupCompleted(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = e.cfg.RetentionDays
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := now().AddDate(0, 0, -retentionDays)

	if e.db != nil {
		n, err := e.db.DeleteCompletedBefore(cutoff)
		if err != nil {
			return 0, fmt.Errorf("cleaning up completed tasks: %w", err)
		}
		return n, nil
	}
	return e.mem.DeleteCompletedBefore(cutoff), nil
}

// seedPlaceholder files a welcome ticket so a brand-new database is not an
// empty screen on first run.
func (e *Engine) seedPlaceholder() {
	t := e.CreateTicket(CreateTicketParams{
		Type:        TicketAIToHuman,
		Priority:    3,
		Creator:     "coe",
		Assignee:    "you",
		Title:       "Welcome to COE",
		Description: "This placeholder ticket confirms your ticket store is working. Resolve it whenever you like.",
	})
	e.logger.Debug("seeded placeholder ticket", "ticket_id", t.ID)
}
