package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coe-io/coe/internal/api"
	"github.com/coe-io/coe/internal/config"
	"github.com/coe-io/coe/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coe server (HTTP API plus MCP over stdio, foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running coe server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coe system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(root string) string {
	return filepath.Join(root, ".coe", "coe.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "coe version %s\n", version)

	cfg, err := config.Load(workRoot)
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log.Level))

	// Refuse to double-start: probe the health endpoint first.
	pidPath := pidFilePath(workRoot)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("coe is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("coe is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := storage.New(storage.Config{
		Path:               cfg.Storage.Path,
		DisableAutoMigrate: !cfg.Storage.AutoMigrate,
		SeedPlaceholder:    cfg.Storage.SeedPlaceholder,
		RetentionDays:      cfg.Storage.RetentionDays,
		Logger:             slog.Default(),
	})
	eng.Initialize(workRoot)
	defer eng.Close()

	handler := api.NewHandler(api.Deps{Engine: eng})
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{Engine: eng})
	stdioSrv := server.NewStdioServer(mcpSrv)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("coe listening", "addr", addr, "fallback", eng.UsingFallback())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("MCP server started (stdio transport)")
	return g.Wait()
}

func stopServer() error {
	pidPath := pidFilePath(workRoot)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("coe is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop coe (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to coe (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load(workRoot)
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if running {
		statsResp, err := client.Get(serverURL + "/stats")
		if err == nil {
			var stats storage.Stats
			if json.NewDecoder(statsResp.Body).Decode(&stats) == nil {
				printStatus("Tickets", "%d total, %d open", stats.Total, stats.Open)
				mode := "durable (sqlite)"
				if stats.UsingFallback {
					mode = "in-memory fallback"
				}
				printStatus("Storage", "%s", mode)
			}
			statsResp.Body.Close()
		}
	}

	dbPath := cfg.Storage.Path
	if dbPath == "" {
		dbPath = filepath.Join(workRoot, ".coe", "tickets.db")
	}
	printStatus("Database", "%s", dbPath)
	printStatus("Retention", "%d days", cfg.Storage.RetentionDays)
	return nil
}
