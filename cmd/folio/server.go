package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

	"github.com/kalambet/folio/internal/api"
	"github.com/kalambet/folio/internal/catalog"
	"github.com/kalambet/folio/internal/inbox"
	"github.com/kalambet/folio/internal/valorize"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the folio server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running folio server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show folio system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
}

func pidFilePath(home string) string {
	return filepath.Join(home, "folio.pid")
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "folio version %s\n", version)

	v, err := openVault()
	if err != nil {
		return err
	}
	defer v.Close()
	cfg := v.cfg

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	token := cfg.Server.Token
	if token == "" {
		token = randomToken()
		slog.Warn("no API token configured, generated an ephemeral one", "token", token)
	}

	// Refuse to start when another instance already answers on the port.
	pidPath := pidFilePath(cfg.Home)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Jobs left running by a previous crash go back to pending.
	if n, err := v.cat.ResetRunningJobs(); err != nil {
		return fmt.Errorf("resetting stale jobs: %w", err)
	} else if n > 0 {
		slog.Info("reset stale running jobs", "count", n)
	}

	// Startup repair scan: any archive without chunks, or whose index
	// entries are missing, gets a valorization job.
	if res, err := valorize.Scan(v.archives, v.index, v.cat); err != nil {
		slog.Warn("startup scan failed", "error", err)
	} else if res.Enqueued > 0 {
		slog.Info("startup scan queued valorization", "scanned", res.Scanned, "enqueued", res.Enqueued)
	}

	if !v.embedder.IsRunning(ctx) {
		slog.Warn("ollama not reachable, valorization jobs will retry until it is",
			"url", cfg.Embed.OllamaURL)
	}

	watcher, err := inbox.NewWatcher(cfg.InboxDir(), slog.Default())
	if err != nil {
		return fmt.Errorf("watching inbox: %w", err)
	}
	defer watcher.Close()
	go watcher.Run(ctx)

	svc := v.service()
	svc.Inbox = watcher

	worker := valorize.NewWorker(v.cat, v.archives, v.embedder, v.index, cfg.Worker.PollInterval)
	go worker.Run(ctx)

	if mcpStdio {
		mcpSrv := api.NewMCPServer(svc, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHTTPHandler(svc, token),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("folio listening", "addr", addr, "home", cfg.Home)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	v, err := openVault()
	if err != nil {
		return err
	}
	defer v.Close()

	pidPath := pidFilePath(v.cfg.Home)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("folio is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop folio (PID %d): %v", pid, err)
		os.Remove(pidPath)
		return err
	}

	printSuccess("Sent stop signal to folio (PID %d)", pid)
	return nil
}

func showStatus() error {
	v, err := openVault()
	if err != nil {
		return err
	}
	defer v.Close()
	cfg := v.cfg

	client := &http.Client{Timeout: 2 * time.Second}
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	if resp, err := client.Get(healthURL); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if v.embedder.IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Embed.OllamaURL)
	} else {
		printStatus("Ollama", "not running")
	}
	printStatus("Embed model", "%s (%d dims)", cfg.Embed.Model, cfg.Embed.Dim)

	var stats catalog.Stats
	if stats, err = v.cat.Stats(); err == nil {
		printStatus("Archived", "%d", stats.Archived)
		printStatus("Valorized", "%d", stats.Valorized)
		if stats.Pending > 0 {
			printStatus("Pending", "%d", stats.Pending)
		}
		if stats.Inconsistent > 0 {
			printStatus("Inconsistent", "%d", stats.Inconsistent)
		}
	}

	printStatus("Home", "%s", cfg.Home)
	return nil
}

func randomToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
