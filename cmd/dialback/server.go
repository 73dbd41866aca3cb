package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
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

	"github.com/kalambet/dialback/internal/api"
	"github.com/kalambet/dialback/internal/calendar"
	"github.com/kalambet/dialback/internal/config"
	"github.com/kalambet/dialback/internal/dispatch"
	"github.com/kalambet/dialback/internal/reconcile"
	"github.com/kalambet/dialback/internal/storage"
	"github.com/kalambet/dialback/internal/voice"
	"github.com/kalambet/dialback/internal/webhook"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the dialback server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(host, withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running dialback server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dialback system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().String("host", "127.0.0.1", "interface to listen on (webhooks need to reach it)")
	startCmd.Flags().Bool("mcp", true, "serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "dialback.pid")
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

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func runServer(host string, withMCP bool) error {
	fmt.Fprintf(os.Stderr, "dialback version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	apiToken, err := config.EnsureAPIToken(&cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("dialback is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("dialback is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if err := cfg.Provider.Validate(); err != nil {
		slog.Warn("voice provider not configured, dispatch will be refused", "error", err)
	}
	provider := voice.NewClient(cfg.Provider.Voice())

	webhooks := webhook.NewAuthenticator(cfg.Webhook.Authenticator())
	if !webhooks.Configured() {
		slog.Warn("webhook secret not set, provider callbacks will be refused")
	}

	engine := dispatch.NewEngine(store, provider)
	reconciler := reconcile.New(store, provider)
	checker := calendar.NewChecker(store, cfg.Calendar.DefaultDurationMinutes)

	handler := api.NewHandler(api.AppDeps{
		Store:            store,
		Engine:           engine,
		Reconciler:       reconciler,
		Calendar:         checker,
		Webhooks:         webhooks,
		Token:            apiToken,
		BatchConcurrency: cfg.Scheduler.Concurrency,
	})

	addr := net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	scanner := dispatch.NewScanner(engine, store, cfg.Scheduler.ScanInterval, cfg.Scheduler.Concurrency, cfg.Scheduler.BatchLimit)
	go scanner.Run(ctx)

	worker := reconcile.NewWorker(store, reconciler, 2*time.Second)
	go worker.Run(ctx)

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:    store,
			Engine:   engine,
			Calendar: checker,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "dialback listening on %s\n", addr)
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
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("dialback is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop dialback (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to dialback (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
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

	if err := cfg.Provider.Validate(); err != nil {
		printStatus("Provider", "%s", colorize(colorYellow, err.Error()))
	} else {
		printStatus("Provider", "agent %s via %s", cfg.Provider.AgentID, cfg.Provider.BaseURL)
	}
	if cfg.Webhook.Secret == "" {
		printStatus("Webhook", "%s", colorize(colorYellow, "secret not set"))
	} else {
		printStatus("Webhook", "signature tolerance %s", cfg.Webhook.Tolerance)
	}
	printStatus("Scheduler", "scan every %s, %d in flight, %d per scan",
		cfg.Scheduler.ScanInterval, cfg.Scheduler.Concurrency, cfg.Scheduler.BatchLimit)

	if token := config.GetAPIToken(); token != "" && running {
		for _, status := range []string{"pending", "dispatched", "failed"} {
			r, err := apiGet(client, serverURL+"/calls?limit=100&status="+status, token)
			if err != nil {
				continue
			}
			var calls []json.RawMessage
			if json.NewDecoder(r.Body).Decode(&calls) == nil {
				printStatus("Calls "+status, "%s", countLabel(len(calls), 100))
			}
			r.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
