package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coe-io/coe/internal/storage"
)

func runCLI(t *testing.T, root string, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(append([]string{"--no-color", "--root", root}, args...))
	return rootCmd.Execute()
}

func TestTicketCreateCommand_MissingTitle(t *testing.T) {
	err := runCLI(t, t.TempDir(), "ticket", "create", "--creator", "agent")
	if err == nil {
		t.Fatal("expected error for missing title")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestTicketCreateCommand_WritesDatabase(t *testing.T) {
	root := t.TempDir()

	err := runCLI(t, root, "ticket", "create",
		"--title", "Need a decision",
		"--creator", "agent",
		"--assignee", "alice",
		"--priority", "1",
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dbPath := filepath.Join(root, ".coe", "tickets.db")
	if _, statErr := os.Stat(dbPath); statErr != nil {
		t.Errorf("database file not created at %s: %v", dbPath, statErr)
	}
}

func TestTicketCreateCommand_ClampsPriority(t *testing.T) {
	root := t.TempDir()
	t.Setenv("COE_SEED_PLACEHOLDER", "false")

	err := runCLI(t, root, "ticket", "create",
		"--title", "out of range",
		"--creator", "agent",
		"--priority", "9",
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	eng := storage.New(storage.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	eng.Initialize(root)
	t.Cleanup(eng.Close)

	tickets := eng.ListTickets("")
	if len(tickets) != 1 {
		t.Fatalf("got %d tickets, want 1", len(tickets))
	}
	if tickets[0].Priority != 2 {
		t.Errorf("priority = %d, want clamp to 2", tickets[0].Priority)
	}
}

func TestTicketUpdateCommand_NoFlags(t *testing.T) {
	err := runCLI(t, t.TempDir(), "ticket", "update", "TK-000001001")
	if err == nil {
		t.Fatal("expected error for empty update")
	}
	if !strings.Contains(err.Error(), "nothing to update") {
		t.Errorf("error = %q, want it to mention 'nothing to update'", err.Error())
	}
}

func TestArchiveAddCommand_Validation(t *testing.T) {
	err := runCLI(t, t.TempDir(), "archive", "add", "--title", "no task id")
	if err == nil {
		t.Fatal("expected error for missing task ID")
	}
}

func TestArchiveAddAndList(t *testing.T) {
	root := t.TempDir()

	err := runCLI(t, root, "archive", "add",
		"--task", "t1",
		"--title", "Shipped the thing",
		"--duration", "45",
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := runCLI(t, root, "archive", "list", "--status", "done"); err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
}

func TestCleanupCommand(t *testing.T) {
	if err := runCLI(t, t.TempDir(), "cleanup", "--days", "7"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConfigSetAndShow(t *testing.T) {
	root := t.TempDir()

	if err := runCLI(t, root, "config", "set", "storage.retention_days", "14"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := runCLI(t, root, "config", "set", "bogus.key", "x"); err == nil {
		t.Error("expected error for unknown config key")
	}
	if err := runCLI(t, root, "config", "show"); err != nil {
		t.Fatalf("unexpected show error: %v", err)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 80, "short"},
		{"exactly", 7, "exactly"},
		{"toolongforthis", 6, "toolon..."},
		{"", 10, ""},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := pidFilePath(t.TempDir())

	if _, err := readPIDFile(path); err == nil {
		t.Fatal("expected error reading missing PID file")
	}
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removing PID file")
	}
}
