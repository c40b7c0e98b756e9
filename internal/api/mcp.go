package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/coe-io/coe/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Engine *storage.Engine
}

// NewMCPServer creates an MCP server exposing the ticket channel and the
// completed-task archive as tools, so the AI side of the conversation can
// file, answer, and resolve tickets.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"coe",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("coe — ticket channel between AI agents and humans, with a completed-work archive."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("create_ticket",
			mcp.WithDescription("File a new ticket on the human/AI communication channel."),
			mcp.WithString("type", mcp.Description("Ticket direction: ai_to_human or human_to_ai (default ai_to_human)")),
			mcp.WithNumber("priority", mcp.Description("1 (highest) to 3 (lowest), default 2")),
			mcp.WithString("creator", mcp.Description("Actor filing the ticket")),
			mcp.WithString("assignee", mcp.Description("Actor the ticket is addressed to")),
			mcp.WithString("task_id", mcp.Description("Optional link to an external task")),
			mcp.WithString("title", mcp.Description("Short summary, max 200 chars"), mcp.Required()),
			mcp.WithString("description", mcp.Description("Details, max 800 chars")),
		),
		mcpCreateTicket(deps),
	)

	s.AddTool(
		mcp.NewTool("get_ticket",
			mcp.WithDescription("Fetch one ticket, including its full reply thread."),
			mcp.WithString("ticket_id", mcp.Description("Ticket ID"), mcp.Required()),
		),
		mcpGetTicket(deps),
	)

	s.AddTool(
		mcp.NewTool("list_tickets",
			mcp.WithDescription("List tickets, most urgent and most recent first."),
			mcp.WithString("status", mcp.Description("Optional status filter: open, in_review, resolved, escalated, rejected")),
		),
		mcpListTickets(deps),
	)

	s.AddTool(
		mcp.NewTool("reply_ticket",
			mcp.WithDescription("Append a reply to a ticket's thread."),
			mcp.WithString("ticket_id", mcp.Description("Ticket ID"), mcp.Required()),
			mcp.WithString("author", mcp.Description("Reply author")),
			mcp.WithString("content", mcp.Description("Reply text, max 2000 chars"), mcp.Required()),
			mcp.WithNumber("clarity_score", mcp.Description("Optional 0-100 clarity score for the reply")),
		),
		mcpReplyTicket(deps),
	)

	s.AddTool(
		mcp.NewTool("update_ticket",
			mcp.WithDescription("Update a ticket's status, assignee, or resolution in place."),
			mcp.WithString("ticket_id", mcp.Description("Ticket ID"), mcp.Required()),
			mcp.WithString("status", mcp.Description("New status")),
			mcp.WithString("assignee", mcp.Description("New assignee")),
			mcp.WithString("resolution", mcp.Description("Resolution text; meaningful with resolved or rejected status")),
		),
		mcpUpdateTicket(deps),
	)

	s.AddTool(
		mcp.NewTool("archive_task",
			mcp.WithDescription("Write an immutable archive record for a completed unit of work."),
			mcp.WithString("task_id", mcp.Description("Unique task ID"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Task title"), mcp.Required()),
			mcp.WithString("status", mcp.Description("Final status, e.g. done")),
			mcp.WithString("original_ticket_id", mcp.Description("Optional originating ticket ID")),
			mcp.WithNumber("duration_minutes", mcp.Description("Optional duration in minutes")),
			mcp.WithString("outcome", mcp.Description("Optional free-text outcome")),
		),
		mcpArchiveTask(deps),
	)

	s.AddTool(
		mcp.NewTool("list_completed",
			mcp.WithDescription("List archived completed tasks, most recently completed first."),
			mcp.WithString("status", mcp.Description("Optional status filter")),
			mcp.WithNumber("min_days_ago", mcp.Description("Only entries completed at least this many days ago")),
		),
		mcpListCompleted(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"coe://stats",
			"Ticket Stats",
			mcp.WithResourceDescription("Ticket counters by status plus the current storage mode"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpCreateTicket(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}

		ticketType := req.GetString("type", storage.TicketAIToHuman)
		priority := req.GetInt("priority", 2)
		if priority < 1 || priority > 3 {
			priority = 2
		}

		t := deps.Engine.CreateTicket(storage.CreateTicketParams{
			Type:        ticketType,
			Priority:    priority,
			Creator:     req.GetString("creator", "agent"),
			Assignee:    req.GetString("assignee", ""),
			TaskID:      req.GetString("task_id", ""),
			Title:       title,
			Description: req.GetString("description", ""),
		})
		return mcpJSON(t)
	}
}

func mcpGetTicket(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("ticket_id")
		if err != nil {
			return mcpError("ticket_id is required"), nil
		}

		t, err := deps.Engine.GetTicket(id)
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}
		if t == nil {
			return mcpError(fmt.Sprintf("ticket %s not found", id)), nil
		}
		return mcpJSON(t)
	}
}

func mcpListTickets(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Engine.ListTickets(req.GetString("status", "")))
	}
}

func mcpReplyTicket(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("ticket_id")
		if err != nil {
			return mcpError("ticket_id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		var clarity *int
		if score := req.GetInt("clarity_score", -1); score >= 0 && score <= 100 {
			clarity = &score
		}

		reply, err := deps.Engine.AddReply(id, req.GetString("author", "agent"), content, clarity)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("ticket %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("reply failed: %v", err)), nil
		}
		return mcpJSON(reply)
	}
}

func mcpUpdateTicket(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("ticket_id")
		if err != nil {
			return mcpError("ticket_id is required"), nil
		}

		var upd storage.TicketUpdate
		if s := req.GetString("status", ""); s != "" {
			if !validStatus(s) {
				return mcpError(fmt.Sprintf("invalid status %q", s)), nil
			}
			upd.Status = &s
		}
		if a := req.GetString("assignee", ""); a != "" {
			upd.Assignee = &a
		}
		if r := req.GetString("resolution", ""); r != "" {
			upd.Resolution = &r
		}
		if upd.Status == nil && upd.Assignee == nil && upd.Resolution == nil {
			return mcpError("nothing to update: provide status, assignee, or resolution"), nil
		}

		if err := deps.Engine.UpdateTicket(id, upd); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("ticket %s not found", id)), nil
			}
			return mcpError(fmt.Sprintf("update failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Updated ticket %s", id)), nil
	}
}

func mcpArchiveTask(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}

		var duration *int
		if d := req.GetInt("duration_minutes", -1); d >= 0 {
			duration = &d
		}

		ct, err := deps.Engine.ArchiveTask(storage.ArchiveParams{
			TaskID:           taskID,
			Title:            title,
			Status:           req.GetString("status", "done"),
			OriginalTicketID: req.GetString("original_ticket_id", ""),
			DurationMinutes:  duration,
			Outcome:          req.GetString("outcome", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("archive failed: %v", err)), nil
		}
		return mcpJSON(ct)
	}
}

func mcpListCompleted(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filter := storage.CompletedFilter{
			Status:     req.GetString("status", ""),
			MinDaysAgo: req.GetInt("min_days_ago", 0),
		}
		return mcpJSON(deps.Engine.ListCompleted(filter))
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Engine.GetStats())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
