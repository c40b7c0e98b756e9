package storage

import (
	"sort"
	"sync"
	"time"
)

// memoryStore mirrors the durable backend's operation surface over plain
// maps. It backs fallback mode and the per-operation degradation paths, so
// it must have no failure modes of its own: every method completes.
// Contents do not survive a process restart.
type memoryStore struct {
	mu        sync.RWMutex
	tickets   map[string]Ticket
	completed map[string]CompletedTask
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		tickets:   make(map[string]Ticket),
		completed: make(map[string]CompletedTask),
	}
}

func (m *memoryStore) InsertTicket(t Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[t.ID] = copyTicket(t)
}

func (m *memoryStore) GetTicket(id string) (Ticket, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tickets[id]
	if !ok {
		return Ticket{}, false
	}
	return copyTicket(t), true
}

func (m *memoryStore) ListTickets(statusFilter string) []Ticket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]Ticket, 0, len(m.tickets))
	for _, t := range m.tickets {
		if statusFilter != "" && t.Status != statusFilter {
			continue
		}
		results = append(results, copyTicket(t))
	}
	sortTickets(results)
	return results
}

func (m *memoryStore) UpdateTicket(id string, upd TicketUpdate, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return ErrNotFound
	}
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.Assignee != nil {
		t.Assignee = *upd.Assignee
	}
	if upd.Resolution != nil {
		t.Resolution = *upd.Resolution
	}
	t.UpdatedAt = now
	m.tickets[id] = t
	return nil
}

func (m *memoryStore) AppendReply(id string, reply TicketReply, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return ErrNotFound
	}
	t.Thread = append(copyThread(t.Thread), reply)
	t.UpdatedAt = now
	m.tickets[id] = t
	return nil
}

func (m *memoryStore) InsertCompleted(ct CompletedTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[ct.TaskID] = ct
}

func (m *memoryStore) ListCompleted(f CompletedFilter, now time.Time) []CompletedTask {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := now.AddDate(0, 0, -f.MinDaysAgo)
	results := make([]CompletedTask, 0, len(m.completed))
	for _, ct := range m.completed {
		if f.Status != "" && ct.Status != f.Status {
			continue
		}
		if f.MinDaysAgo > 0 && ct.CompletedAt.After(cutoff) {
			continue
		}
		results = append(results, ct)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CompletedAt.After(results[j].CompletedAt)
	})
	return results
}

func (m *memoryStore) DeleteCompletedBefore(cutoff time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, ct := range m.completed {
		if ct.CompletedAt.Before(cutoff) {
			delete(m.completed, id)
			deleted++
		}
	}
	return deleted
}

// copyTicket deep-copies the thread so callers never share slice backing
// arrays with the store.
func copyTicket(t Ticket) Ticket {
	t.Thread = copyThread(t.Thread)
	return t
}

func copyThread(thread []TicketReply) []TicketReply {
	out := make([]TicketReply, len(thread))
	copy(out, thread)
	return out
}

// sortTickets orders most urgent first, then most recent: priority
// ascending, created_at descending, matching the durable backend's ORDER BY.
func sortTickets(tickets []Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		if tickets[i].Priority != tickets[j].Priority {
			return tickets[i].Priority < tickets[j].Priority
		}
		return tickets[i].CreatedAt.After(tickets[j].CreatedAt)
	})
}
