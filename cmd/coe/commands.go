package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coe-io/coe/internal/config"
	"github.com/coe-io/coe/internal/storage"
)

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

// openEngine loads the workspace config and brings storage up. The engine
// never refuses to start: on durable-storage trouble it runs in memory, and
// one-shot commands warn about that because nothing they write will survive.
func openEngine() (*storage.Engine, config.Config, error) {
	cfg, err := config.Load(workRoot)
	if err != nil {
		return nil, cfg, err
	}

	eng := storage.New(storage.Config{
		Path:               cfg.Storage.Path,
		DisableAutoMigrate: !cfg.Storage.AutoMigrate,
		SeedPlaceholder:    cfg.Storage.SeedPlaceholder,
		RetentionDays:      cfg.Storage.RetentionDays,
		Logger:             newLogger(cfg.Log.Level),
	})
	eng.Initialize(workRoot)
	if eng.UsingFallback() {
		printWarning("durable storage unavailable; changes made by this command will not persist")
	}
	return eng, cfg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- ticket ---

var ticketCmd = &cobra.Command{
	Use:   "ticket",
	Short: "Create, inspect, and update tickets",
}

var ticketCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "File a new ticket",
	Long: `File a new ticket on the human/AI communication channel.

Examples:
  coe ticket create --title "Need API key for staging" --creator agent --assignee alice
  coe ticket create --type human_to_ai --priority 1 --title "Review the draft" --creator alice`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		if title == "" {
			return fmt.Errorf("--title is required")
		}
		ticketType, _ := cmd.Flags().GetString("type")
		priority, _ := cmd.Flags().GetInt("priority")
		if priority < 1 || priority > 3 {
			priority = 2
		}
		creator, _ := cmd.Flags().GetString("creator")
		assignee, _ := cmd.Flags().GetString("assignee")
		taskID, _ := cmd.Flags().GetString("task")
		description, _ := cmd.Flags().GetString("description")

		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		t := eng.CreateTicket(storage.CreateTicketParams{
			Type:        ticketType,
			Priority:    priority,
			Creator:     creator,
			Assignee:    assignee,
			TaskID:      taskID,
			Title:       title,
			Description: description,
		})
		printSuccess("Created ticket %s", t.ID)
		return nil
	},
}

var ticketShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single ticket, including its thread, as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		t, err := eng.GetTicket(args[0])
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("ticket %s not found", args[0])
		}
		return printJSON(t)
	},
}

var ticketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tickets, most urgent and most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		tickets := eng.ListTickets(status)
		if len(tickets) == 0 {
			fmt.Println("No tickets found.")
			return nil
		}
		for _, t := range tickets {
			fmt.Printf("%s  P%d  %-10s  %s\n",
				colorize(colorCyan, t.ID),
				t.Priority,
				t.Status,
				truncate(t.Title, 80),
			)
		}
		return nil
	},
}

var ticketReplyCmd = &cobra.Command{
	Use:   "reply <id>",
	Short: "Append a reply to a ticket's thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message, _ := cmd.Flags().GetString("message")
		if message == "" {
			return fmt.Errorf("--message is required")
		}
		author, _ := cmd.Flags().GetString("author")

		var clarity *int
		if score, _ := cmd.Flags().GetInt("clarity"); score >= 0 && score <= 100 {
			clarity = &score
		}

		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		reply, err := eng.AddReply(args[0], author, message, clarity)
		if err != nil {
			return err
		}
		printSuccess("Added reply %s to ticket %s", reply.ID, args[0])
		return nil
	},
}

var ticketUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a ticket's status, assignee, or resolution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var upd storage.TicketUpdate
		if cmd.Flags().Changed("status") {
			s, _ := cmd.Flags().GetString("status")
			upd.Status = &s
		}
		if cmd.Flags().Changed("assignee") {
			a, _ := cmd.Flags().GetString("assignee")
			upd.Assignee = &a
		}
		if cmd.Flags().Changed("resolution") {
			r, _ := cmd.Flags().GetString("resolution")
			upd.Resolution = &r
		}
		if upd.Status == nil && upd.Assignee == nil && upd.Resolution == nil {
			return fmt.Errorf("nothing to update: provide --status, --assignee, or --resolution")
		}

		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.UpdateTicket(args[0], upd); err != nil {
			return err
		}
		printSuccess("Updated ticket %s", args[0])
		return nil
	},
}

func init() {
	ticketCreateCmd.Flags().String("type", storage.TicketAIToHuman, "ticket direction: ai_to_human or human_to_ai")
	ticketCreateCmd.Flags().Int("priority", 2, "1 (highest) to 3 (lowest)")
	ticketCreateCmd.Flags().String("creator", "", "actor filing the ticket")
	ticketCreateCmd.Flags().String("assignee", "", "actor the ticket is addressed to")
	ticketCreateCmd.Flags().String("task", "", "optional linked task ID")
	ticketCreateCmd.Flags().String("title", "", "short summary")
	ticketCreateCmd.Flags().String("description", "", "details")

	ticketListCmd.Flags().String("status", "", "filter by status")

	ticketReplyCmd.Flags().String("author", "", "reply author")
	ticketReplyCmd.Flags().String("message", "", "reply text")
	ticketReplyCmd.Flags().Int("clarity", -1, "optional 0-100 clarity score")

	ticketUpdateCmd.Flags().String("status", "", "new status")
	ticketUpdateCmd.Flags().String("assignee", "", "new assignee")
	ticketUpdateCmd.Flags().String("resolution", "", "resolution text")

	ticketCmd.AddCommand(ticketCreateCmd)
	ticketCmd.AddCommand(ticketShowCmd)
	ticketCmd.AddCommand(ticketListCmd)
	ticketCmd.AddCommand(ticketReplyCmd)
	ticketCmd.AddCommand(ticketUpdateCmd)
}

// --- archive ---

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Record and browse completed work",
}

var archiveAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Write an archive record for a completed task",
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, _ := cmd.Flags().GetString("task")
		title, _ := cmd.Flags().GetString("title")
		status, _ := cmd.Flags().GetString("status")
		ticketID, _ := cmd.Flags().GetString("ticket")
		priority, _ := cmd.Flags().GetInt("priority")
		outcome, _ := cmd.Flags().GetString("outcome")

		var duration *int
		if d, _ := cmd.Flags().GetInt("duration"); d >= 0 {
			duration = &d
		}

		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ct, err := eng.ArchiveTask(storage.ArchiveParams{
			TaskID:           taskID,
			Title:            title,
			Status:           status,
			OriginalTicketID: ticketID,
			Priority:         priority,
			DurationMinutes:  duration,
			Outcome:          outcome,
		})
		if err != nil {
			return err
		}
		printSuccess("Archived task %s (completed %s)", ct.TaskID, ct.CompletedAt.Format("2006-01-02 15:04"))
		return nil
	},
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived tasks, most recently completed first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		minDaysAgo, _ := cmd.Flags().GetInt("min-days-ago")

		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		completed := eng.ListCompleted(storage.CompletedFilter{
			Status:     status,
			MinDaysAgo: minDaysAgo,
		})
		if len(completed) == 0 {
			fmt.Println("No completed tasks found.")
			return nil
		}
		for _, ct := range completed {
			fmt.Printf("%s  %s  %-10s  %s\n",
				colorize(colorCyan, ct.TaskID),
				ct.CompletedAt.Format("2006-01-02"),
				ct.Status,
				truncate(ct.Title, 80),
			)
		}
		return nil
	},
}

func init() {
	archiveAddCmd.Flags().String("task", "", "unique task ID")
	archiveAddCmd.Flags().String("title", "", "task title")
	archiveAddCmd.Flags().String("status", "done", "final status")
	archiveAddCmd.Flags().String("ticket", "", "originating ticket ID")
	archiveAddCmd.Flags().Int("priority", 0, "task priority, 1-3")
	archiveAddCmd.Flags().Int("duration", -1, "duration in minutes")
	archiveAddCmd.Flags().String("outcome", "", "free-text outcome")

	archiveListCmd.Flags().String("status", "", "filter by status")
	archiveListCmd.Flags().Int("min-days-ago", 0, "only tasks completed at least this many days ago")

	archiveCmd.AddCommand(archiveAddCmd)
	archiveCmd.AddCommand(archiveListCmd)
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ticket counters and the current storage mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		stats := eng.GetStats()
		printStatus("Total", "%d", stats.Total)
		printStatus("Open", "%d", stats.Open)
		printStatus("In review", "%d", stats.InReview)
		printStatus("Resolved", "%d", stats.Resolved)
		printStatus("Escalated", "%d", stats.Escalated)
		mode := "durable (sqlite)"
		if stats.UsingFallback {
			mode = "in-memory fallback"
		}
		printStatus("Storage", "%s", mode)
		printStatus("Schema version", "%d", eng.SchemaVersion())
		return nil
	},
}

// --- cleanup ---

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete archived tasks older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		deleted, err := eng.CleanupCompleted(days)
		if err != nil {
			return err
		}
		printSuccess("Deleted %d archived task(s)", deleted)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().Int("days", 0, "retention window in days (0 uses the configured value)")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(workRoot)
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(workRoot, key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
