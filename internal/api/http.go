package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/coe-io/coe/internal/storage"
)

const maxBodySize = 1 << 20 // 1MB

// Deps holds the HTTP handler's dependencies.
type Deps struct {
	Engine *storage.Engine
}

// NewHandler builds the serve-mode JSON API. It is a thin consumer of the
// engine: all policy (degradation, validation, ordering) lives below it.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Get("/stats", handleStats(deps))
	r.Get("/tickets", handleListTickets(deps))
	r.Post("/tickets", handleCreateTicket(deps))
	r.Get("/tickets/{id}", handleGetTicket(deps))
	r.Patch("/tickets/{id}", handleUpdateTicket(deps))
	r.Post("/tickets/{id}/replies", handleAddReply(deps))
	r.Get("/completed", handleListCompleted(deps))
	r.Post("/completed", handleArchiveTask(deps))

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"using_fallback": deps.Engine.UsingFallback(),
		})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Engine.GetStats())
	}
}

func handleListTickets(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Engine.ListTickets(r.URL.Query().Get("status")))
	}
}

type createTicketRequest struct {
	Type        string `json:"type"`
	Priority    int    `json:"priority"`
	Creator     string `json:"creator"`
	Assignee    string `json:"assignee"`
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func handleCreateTicket(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req createTicketRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Title == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
			return
		}
		if req.Priority < 1 || req.Priority > 3 {
			req.Priority = 2
		}
		if req.Type == "" {
			req.Type = storage.TicketHumanToAI
		}

		t := deps.Engine.CreateTicket(storage.CreateTicketParams{
			Type:        req.Type,
			Priority:    req.Priority,
			Creator:     req.Creator,
			Assignee:    req.Assignee,
			TaskID:      req.TaskID,
			Title:       req.Title,
			Description: req.Description,
		})
		writeJSON(w, http.StatusCreated, t)
	}
}

func handleGetTicket(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		t, err := deps.Engine.GetTicket(id)
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "%v", err)
			return
		}
		if t == nil {
			httpError(w, http.StatusNotFound, "not_found_error", "ticket %s not found", id)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

type updateTicketRequest struct {
	Status     *string `json:"status"`
	Assignee   *string `json:"assignee"`
	Resolution *string `json:"resolution"`
}

func handleUpdateTicket(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req updateTicketRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Status == nil && req.Assignee == nil && req.Resolution == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of status, assignee, resolution is required")
			return
		}
		if req.Status != nil && !validStatus(*req.Status) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid status %q", *req.Status)
			return
		}

		id := chi.URLParam(r, "id")
		err := deps.Engine.UpdateTicket(id, storage.TicketUpdate{
			Status:     req.Status,
			Assignee:   req.Assignee,
			Resolution: req.Resolution,
		})
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "ticket %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		t, err := deps.Engine.GetTicket(id)
		if err != nil || t == nil {
			writeJSON(w, http.StatusOK, map[string]string{"ticket_id": id})
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

type addReplyRequest struct {
	Author       string `json:"author"`
	Content      string `json:"content"`
	ClarityScore *int   `json:"clarity_score"`
}

func handleAddReply(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req addReplyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		id := chi.URLParam(r, "id")
		reply, err := deps.Engine.AddReply(id, req.Author, req.Content, req.ClarityScore)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "ticket %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusCreated, reply)
	}
}

func handleListCompleted(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var filter storage.CompletedFilter
		filter.Status = r.URL.Query().Get("status")
		if raw := r.URL.Query().Get("min_days_ago"); raw != "" {
			days, err := strconv.Atoi(raw)
			if err != nil || days < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid min_days_ago %q", raw)
				return
			}
			filter.MinDaysAgo = days
		}
		writeJSON(w, http.StatusOK, deps.Engine.ListCompleted(filter))
	}
}

type archiveTaskRequest struct {
	TaskID           string `json:"task_id"`
	Title            string `json:"title"`
	Status           string `json:"status"`
	OriginalTicketID string `json:"original_ticket_id"`
	Priority         int    `json:"priority"`
	DurationMinutes  *int   `json:"duration_minutes"`
	Outcome          string `json:"outcome"`
}

func handleArchiveTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req archiveTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		ct, err := deps.Engine.ArchiveTask(storage.ArchiveParams{
			TaskID:           req.TaskID,
			Title:            req.Title,
			Status:           req.Status,
			OriginalTicketID: req.OriginalTicketID,
			Priority:         req.Priority,
			DurationMinutes:  req.DurationMinutes,
			Outcome:          req.Outcome,
		})
		if errors.Is(err, storage.ErrValidation) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			// Archive writes are audit records; a durable failure is a
			// visible failure, not a degraded success.
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusCreated, ct)
	}
}

func validStatus(s string) bool {
	switch s {
	case storage.StatusOpen, storage.StatusInReview, storage.StatusResolved,
		storage.StatusEscalated, storage.StatusRejected:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
