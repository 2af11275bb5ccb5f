package main

import (
	"context"
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

	"github.com/kalambet/kbsync/internal/api"
	"github.com/kalambet/kbsync/internal/config"
	"github.com/kalambet/kbsync/internal/engine"
	"github.com/kalambet/kbsync/internal/logging"
	"github.com/kalambet/kbsync/internal/service"
	"github.com/kalambet/kbsync/internal/watermark"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the kbsync server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running kbsync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kbsync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "kbsync.pid")
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

func runServer(withMCP bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCloser, err := logging.Setup(logging.Options{Level: cfg.Log.Level, Dir: cfg.LogDir()})
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer logCloser.Close()
	slog.Info("starting kbsync", "version", version, "log_dir", cfg.LogDir())

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := service.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			slog.Warn("closing runtime", "error", err)
		}
	}()

	if err := engine.EnsureReady(ctx, rt.Engine, os.Stderr, rt.Model); err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(rt.Service, version),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(rt.Service, version))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("kbsync listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("kbsync is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop kbsync (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to kbsync (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient.Timeout = 2 * time.Second

	var st service.Status
	resp, err := client.get(ctx, "/status")
	if err == nil {
		err = decodeJSON(resp, &st)
	}
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		printStatus("Server", "running on port %d", cfg.Server.Port)
		printSyncStatus(st)
	}

	printStatus("Embedder", "%s %s (%s)", cfg.Embedder.Backend, cfg.Embedder.Model, cfg.Embedder.BaseURL)
	if cfg.ServiceNow.URL == "" {
		printStatus("ServiceNow", "%s", render(mutedStyle, "not configured"))
	} else {
		printStatus("ServiceNow", "%s", cfg.ServiceNow.URL)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Log dir", "%s", cfg.LogDir())
	return nil
}

func printSyncStatus(st service.Status) {
	printStatus("Sync state", "%s", st.SyncState)
	printStatus("Last update time", "%s", watermark.Format(st.Watermark))
	for _, c := range st.Collections {
		printStatus("Collection "+c.Name, "%d record(s)", c.Count)
	}
	if len(st.RecentRuns) > 0 {
		r := st.RecentRuns[0]
		line := fmt.Sprintf("%s at %s, %d ticket(s)", r.Status, r.StartedAt.Format(time.RFC3339), r.TicketsSynced)
		if r.Error != "" {
			line += render(errorStyle, " ("+r.Error+")")
		}
		printStatus("Last run", "%s", line)
	}
	if len(st.Documents) > 0 {
		d := st.Documents[0]
		printStatus("Last upload", "%s, %d chunk(s) at %s", d.Filename, d.Chunks, d.IngestedAt.Format(time.RFC3339))
	}
}
