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

	"github.com/ShayFeldboy1010/lustchatbot/internal/api"
	"github.com/ShayFeldboy1010/lustchatbot/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the lustbot server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running lustbot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lustbot server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the support agent as MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPStdio()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "lustbot.pid")
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
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	if cfg.Admin.Token == "" {
		slog.Warn("LUSTBOT_ADMIN_TOKEN is not set; admin and MCP endpoints will answer 503")
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("lustbot is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("lustbot is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	deps := api.Deps{
		Conversation:   a.orch,
		Knowledge:      a.knowledge,
		Docs:           a.store,
		Retriever:      a.retriever,
		AdminToken:     cfg.Admin.Token,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Ping:           a.store.Ping,
	}
	if cfg.Server.MCPEnabled {
		deps.MCP = server.NewStreamableHTTPServer(newMCPServer(a))
		slog.Info("MCP server enabled", "path", "/mcp")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go a.worker.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("lustbot listening", "addr", addr)
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

func newMCPServer(a *app) *server.MCPServer {
	return api.NewMCPServer(api.MCPDeps{
		Conversation: a.orch,
		Knowledge:    a.knowledge,
		Retriever:    a.retriever,
		Version:      version,
	})
}

// runMCPStdio serves MCP on stdin/stdout. Logs go to stderr so they never
// corrupt the protocol stream.
func runMCPStdio() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.worker.Run(ctx)

	stdioSrv := server.NewStdioServer(newMCPServer(a))
	slog.Info("MCP server started (stdio transport)")
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.LoadUnchecked()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("lustbot is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop lustbot (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to lustbot (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.LoadUnchecked()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.get(ctx, "/health")
	running := false
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		running = true
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		resp.Body.Close()
		printStatus("Server", "degraded (HTTP %d)", resp.StatusCode)
	}

	printStatus("Chat model", "%s/%s", cfg.LLM.Provider, cfg.LLM.ChatModel)
	if cfg.LLM.FallbackProvider != "" {
		printStatus("Fallback model", "%s/%s", cfg.LLM.FallbackProvider, cfg.LLM.FallbackModel)
	}
	printStatus("Embed model", "%s/%s", cfg.LLM.EmbedProvider, cfg.LLM.EmbedModel)
	printStatus("Escalation", "policy %s, limit %d messages", cfg.Escalation.Policy, cfg.Escalation.MaxUserMessages)

	if running && cfg.Admin.Token != "" {
		if st, err := fetchStats(ctx, client); err == nil {
			printStatus("Active sessions", "%d", st.ActiveSessions)
			printStatus("Escalations", "%d", st.TotalEscalations)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Config file", "%s", config.Path())
	return nil
}
