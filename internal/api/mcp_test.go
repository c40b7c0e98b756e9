package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/coe-io/coe/internal/storage"
)

func newTestMCPDeps(t *testing.T) MCPDeps {
	t.Helper()
	engine := storage.New(storage.Config{
		Path:   ":memory:",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	engine.Initialize("")
	t.Cleanup(engine.Close)
	return MCPDeps{Engine: engine}
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("tool result has no content")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want mcp.TextContent", result.Content[0])
	}
	return text.Text
}

func TestMCPCreateTicket(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpCreateTicket(deps)

	result, err := handler(context.Background(), makeCallToolRequest("create_ticket", map[string]interface{}{
		"title":       "Need a decision",
		"priority":    1,
		"creator":     "agent",
		"assignee":    "alice",
		"description": "Which approach?",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var tk storage.Ticket
	if err := json.Unmarshal([]byte(toolText(t, result)), &tk); err != nil {
		t.Fatalf("parsing ticket: %v", err)
	}
	if tk.Title != "Need a decision" || tk.Priority != 1 {
		t.Errorf("ticket = %+v", tk)
	}
	if tk.Type != storage.TicketAIToHuman {
		t.Errorf("type = %q, want default ai_to_human", tk.Type)
	}
	if tk.Status != storage.StatusOpen {
		t.Errorf("status = %q, want open", tk.Status)
	}
}

func TestMCPCreateTicketRequiresTitle(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpCreateTicket(deps)

	result, err := handler(context.Background(), makeCallToolRequest("create_ticket", map[string]interface{}{
		"creator": "agent",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for missing title")
	}
}

func TestMCPGetTicket(t *testing.T) {
	deps := newTestMCPDeps(t)
	created := deps.Engine.CreateTicket(storage.CreateTicketParams{
		Type: storage.TicketAIToHuman, Priority: 2, Creator: "agent", Assignee: "alice", Title: "lookup me",
	})

	handler := mcpGetTicket(deps)
	result, err := handler(context.Background(), makeCallToolRequest("get_ticket", map[string]interface{}{
		"ticket_id": created.ID,
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var tk storage.Ticket
	if err := json.Unmarshal([]byte(toolText(t, result)), &tk); err != nil {
		t.Fatalf("parsing ticket: %v", err)
	}
	if tk.ID != created.ID {
		t.Errorf("ID = %q, want %q", tk.ID, created.ID)
	}

	result, err = handler(context.Background(), makeCallToolRequest("get_ticket", map[string]interface{}{
		"ticket_id": "TK-nope",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for missing ticket")
	}
}

func TestMCPListTickets(t *testing.T) {
	deps := newTestMCPDeps(t)
	deps.Engine.CreateTicket(storage.CreateTicketParams{
		Type: storage.TicketHumanToAI, Priority: 1, Creator: "alice", Assignee: "agent", Title: "urgent",
	})
	deps.Engine.CreateTicket(storage.CreateTicketParams{
		Type: storage.TicketHumanToAI, Priority: 3, Creator: "alice", Assignee: "agent", Title: "later",
	})

	handler := mcpListTickets(deps)
	result, err := handler(context.Background(), makeCallToolRequest("list_tickets", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}

	var tickets []storage.Ticket
	if err := json.Unmarshal([]byte(toolText(t, result)), &tickets); err != nil {
		t.Fatalf("parsing tickets: %v", err)
	}
	if len(tickets) != 2 {
		t.Fatalf("got %d tickets, want 2", len(tickets))
	}
	if tickets[0].Title != "urgent" {
		t.Errorf("first ticket = %q, want highest priority first", tickets[0].Title)
	}
}

func TestMCPReplyTicket(t *testing.T) {
	deps := newTestMCPDeps(t)
	created := deps.Engine.CreateTicket(storage.CreateTicketParams{
		Type: storage.TicketAIToHuman, Priority: 2, Creator: "agent", Assignee: "alice", Title: "question",
	})

	handler := mcpReplyTicket(deps)
	result, err := handler(context.Background(), makeCallToolRequest("reply_ticket", map[string]interface{}{
		"ticket_id":     created.ID,
		"author":        "alice",
		"content":       "the answer",
		"clarity_score": 80,
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	got, err := deps.Engine.GetTicket(created.ID)
	if err != nil || got == nil {
		t.Fatalf("GetTicket: %v %v", got, err)
	}
	if len(got.Thread) != 1 || got.Thread[0].Author != "alice" {
		t.Errorf("thread = %+v", got.Thread)
	}
	if got.Thread[0].ClarityScore == nil || *got.Thread[0].ClarityScore != 80 {
		t.Errorf("clarity = %v, want 80", got.Thread[0].ClarityScore)
	}

	result, err = handler(context.Background(), makeCallToolRequest("reply_ticket", map[string]interface{}{
		"ticket_id": "TK-nope",
		"content":   "hello",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for missing ticket")
	}
}

func TestMCPUpdateTicket(t *testing.T) {
	deps := newTestMCPDeps(t)
	created := deps.Engine.CreateTicket(storage.CreateTicketParams{
		Type: storage.TicketAIToHuman, Priority: 2, Creator: "agent", Assignee: "alice", Title: "resolve me",
	})

	handler := mcpUpdateTicket(deps)
	result, err := handler(context.Background(), makeCallToolRequest("update_ticket", map[string]interface{}{
		"ticket_id":  created.ID,
		"status":     "resolved",
		"resolution": "answered inline",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	got, _ := deps.Engine.GetTicket(created.ID)
	if got.Status != storage.StatusResolved || got.Resolution != "answered inline" {
		t.Errorf("after update: %+v", got)
	}

	result, err = handler(context.Background(), makeCallToolRequest("update_ticket", map[string]interface{}{
		"ticket_id": created.ID,
		"status":    "deleted",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for invalid status")
	}

	result, err = handler(context.Background(), makeCallToolRequest("update_ticket", map[string]interface{}{
		"ticket_id": created.ID,
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for empty update")
	}
}

func TestMCPArchiveTask(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpArchiveTask(deps)

	result, err := handler(context.Background(), makeCallToolRequest("archive_task", map[string]interface{}{
		"task_id":          "t1",
		"title":            "Shipped the thing",
		"status":           "done",
		"duration_minutes": 45,
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var ct storage.CompletedTask
	if err := json.Unmarshal([]byte(toolText(t, result)), &ct); err != nil {
		t.Fatalf("parsing completed task: %v", err)
	}
	if ct.TaskID != "t1" || ct.DurationMinutes == nil || *ct.DurationMinutes != 45 {
		t.Errorf("completed = %+v", ct)
	}

	result, err = handler(context.Background(), makeCallToolRequest("archive_task", map[string]interface{}{
		"title": "no task id",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for missing task_id")
	}
}

func TestMCPListCompleted(t *testing.T) {
	deps := newTestMCPDeps(t)
	if _, err := deps.Engine.ArchiveTask(storage.ArchiveParams{TaskID: "t1", Title: "one", Status: "done"}); err != nil {
		t.Fatalf("ArchiveTask: %v", err)
	}
	if _, err := deps.Engine.ArchiveTask(storage.ArchiveParams{TaskID: "t2", Title: "two", Status: "abandoned"}); err != nil {
		t.Fatalf("ArchiveTask: %v", err)
	}

	handler := mcpListCompleted(deps)
	result, err := handler(context.Background(), makeCallToolRequest("list_completed", map[string]interface{}{
		"status": "done",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}

	var completed []storage.CompletedTask
	if err := json.Unmarshal([]byte(toolText(t, result)), &completed); err != nil {
		t.Fatalf("parsing completed: %v", err)
	}
	if len(completed) != 1 || completed[0].TaskID != "t1" {
		t.Errorf("completed = %+v", completed)
	}
}

func TestMCPStatsResource(t *testing.T) {
	deps := newTestMCPDeps(t)
	deps.Engine.CreateTicket(storage.CreateTicketParams{
		Type: storage.TicketHumanToAI, Priority: 2, Creator: "a", Assignee: "b", Title: "t",
	})

	handler := mcpResourceStats(deps)
	contents, err := handler(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "coe://stats"},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("got %d contents, want 1", len(contents))
	}
	text, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("contents are %T, want TextResourceContents", contents[0])
	}

	var stats storage.Stats
	if err := json.Unmarshal([]byte(text.Text), &stats); err != nil {
		t.Fatalf("parsing stats: %v", err)
	}
	if stats.Total != 1 || stats.Open != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
