package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coe-io/coe/internal/storage"
)

func setupHandler(t *testing.T) (http.Handler, *storage.Engine) {
	t.Helper()
	engine := storage.New(storage.Config{
		Path:   ":memory:",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	engine.Initialize("")
	t.Cleanup(engine.Close)
	return NewHandler(Deps{Engine: engine}), engine
}

func doJSON(t *testing.T, handler http.Handler, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	handler, _ := setupHandler(t)

	rec := doJSON(t, handler, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("parsing body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["using_fallback"] != false {
		t.Errorf("using_fallback = %v, want false", body["using_fallback"])
	}
}

func TestCreateAndGetTicket(t *testing.T) {
	handler, _ := setupHandler(t)

	rec := doJSON(t, handler, "POST", "/tickets",
		`{"type":"ai_to_human","priority":1,"creator":"agent","assignee":"alice","title":"Need input","description":"Which color?"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var created storage.Ticket
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("parsing created ticket: %v", err)
	}
	if created.Status != storage.StatusOpen {
		t.Errorf("status = %q, want open", created.Status)
	}

	rec = doJSON(t, handler, "GET", "/tickets/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}
	var fetched storage.Ticket
	if err := json.Unmarshal(rec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("parsing fetched ticket: %v", err)
	}
	if fetched.ID != created.ID || fetched.Title != "Need input" {
		t.Errorf("fetched = %+v", fetched)
	}
}

func TestCreateTicketRequiresTitle(t *testing.T) {
	handler, _ := setupHandler(t)

	rec := doJSON(t, handler, "POST", "/tickets", `{"creator":"agent"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetTicketNotFound(t *testing.T) {
	handler, _ := setupHandler(t)

	rec := doJSON(t, handler, "GET", "/tickets/TK-nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListTicketsWithStatusFilter(t *testing.T) {
	handler, engine := setupHandler(t)

	tk := engine.CreateTicket(storage.CreateTicketParams{
		Type: storage.TicketHumanToAI, Priority: 2, Creator: "alice", Assignee: "agent", Title: "one",
	})
	engine.CreateTicket(storage.CreateTicketParams{
		Type: storage.TicketHumanToAI, Priority: 2, Creator: "alice", Assignee: "agent", Title: "two",
	})
	status := storage.StatusResolved
	if err := engine.UpdateTicket(tk.ID, storage.TicketUpdate{Status: &status}); err != nil {
		t.Fatalf("UpdateTicket: %v", err)
	}

	rec := doJSON(t, handler, "GET", "/tickets?status=resolved", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var tickets []storage.Ticket
	if err := json.Unmarshal(rec.Body.Bytes(), &tickets); err != nil {
		t.Fatalf("parsing tickets: %v", err)
	}
	if len(tickets) != 1 || tickets[0].ID != tk.ID {
		t.Errorf("filtered tickets = %+v", tickets)
	}
}

func TestUpdateTicketStatus(t *testing.T) {
	handler, engine := setupHandler(t)

	tk := engine.CreateTicket(storage.CreateTicketParams{
		Type: storage.TicketAIToHuman, Priority: 2, Creator: "agent", Assignee: "alice", Title: "patch me",
	})

	rec := doJSON(t, handler, "PATCH", "/tickets/"+tk.ID, `{"status":"resolved","resolution":"answered"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	got, err := engine.GetTicket(tk.ID)
	if err != nil || got == nil {
		t.Fatalf("GetTicket: %v %v", got, err)
	}
	if got.Status != storage.StatusResolved || got.Resolution != "answered" {
		t.Errorf("after patch: %+v", got)
	}
}

func TestUpdateTicketRejectsBadStatus(t *testing.T) {
	handler, engine := setupHandler(t)
	tk := engine.CreateTicket(storage.CreateTicketParams{
		Type: storage.TicketAIToHuman, Priority: 2, Creator: "agent", Assignee: "alice", Title: "x",
	})

	rec := doJSON(t, handler, "PATCH", "/tickets/"+tk.ID, `{"status":"deleted"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	rec = doJSON(t, handler, "PATCH", "/tickets/"+tk.ID, `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty patch status = %d, want 400", rec.Code)
	}
}

func TestAddReplyEndpoint(t *testing.T) {
	handler, engine := setupHandler(t)

	tk := engine.CreateTicket(storage.CreateTicketParams{
		Type: storage.TicketAIToHuman, Priority: 1, Creator: "agent", Assignee: "alice", Title: "question",
	})

	rec := doJSON(t, handler, "POST", "/tickets/"+tk.ID+"/replies",
		`{"author":"alice","content":"here you go","clarity_score":95}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	got, err := engine.GetTicket(tk.ID)
	if err != nil || got == nil {
		t.Fatalf("GetTicket: %v %v", got, err)
	}
	if len(got.Thread) != 1 || got.Thread[0].Content != "here you go" {
		t.Errorf("thread = %+v", got.Thread)
	}
	if got.Thread[0].ClarityScore == nil || *got.Thread[0].ClarityScore != 95 {
		t.Errorf("clarity = %v, want 95", got.Thread[0].ClarityScore)
	}

	rec = doJSON(t, handler, "POST", "/tickets/TK-nope/replies", `{"content":"hello"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("reply to missing ticket status = %d, want 404", rec.Code)
	}
}

func TestArchiveEndpoints(t *testing.T) {
	handler, _ := setupHandler(t)

	rec := doJSON(t, handler, "POST", "/completed",
		`{"task_id":"t1","title":"Done thing","status":"done","duration_minutes":30}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("archive status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, "POST", "/completed", `{"task_id":"","title":"x","status":"done"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid archive status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, handler, "GET", "/completed?status=done", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	var completed []storage.CompletedTask
	if err := json.Unmarshal(rec.Body.Bytes(), &completed); err != nil {
		t.Fatalf("parsing completed: %v", err)
	}
	if len(completed) != 1 || completed[0].TaskID != "t1" {
		t.Errorf("completed = %+v", completed)
	}

	rec = doJSON(t, handler, "GET", "/completed?min_days_ago=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad min_days_ago status = %d, want 400", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	handler, engine := setupHandler(t)
	engine.CreateTicket(storage.CreateTicketParams{
		Type: storage.TicketHumanToAI, Priority: 2, Creator: "a", Assignee: "b", Title: "t",
	})

	rec := doJSON(t, handler, "GET", "/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats storage.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("parsing stats: %v", err)
	}
	if stats.Total != 1 || stats.Open != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
