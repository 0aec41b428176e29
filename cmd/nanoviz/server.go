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

	"github.com/kalambet/nanoviz/internal/api"
	"github.com/kalambet/nanoviz/internal/charts"
	"github.com/kalambet/nanoviz/internal/config"
	"github.com/kalambet/nanoviz/internal/engine"
	"github.com/kalambet/nanoviz/internal/generation"
	"github.com/kalambet/nanoviz/internal/metrics"
	"github.com/kalambet/nanoviz/internal/pipeline"
	"github.com/kalambet/nanoviz/internal/relay"
	"github.com/kalambet/nanoviz/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the nanoviz server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		noMCP, _ := cmd.Flags().GetBool("no-mcp")
		return runServer(!noMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running nanoviz server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show nanoviz system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("no-mcp", false, "do not serve MCP on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "nanoviz.pid")
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

// parseLogLevel maps a configured level name onto a slog level. Unknown
// names fall back to info.
func parseLogLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func generationPolicy(g config.GenerationConfig) generation.Policy {
	return generation.Policy{
		MaxAttempts:  g.MaxAttempts,
		Backoff:      g.Backoff,
		BonusRetry:   g.BonusRetry,
		BonusDelay:   g.BonusDelay,
		PhaseTimeout: g.PhaseTimeout,
		StrictSchema: g.StrictSchema,
	}
}

func detectConfig(cfg config.Config) engine.DetectConfig {
	return engine.DetectConfig{
		Backend:        cfg.Engine.Backend,
		OllamaBaseURL:  cfg.Ollama.BaseURL,
		OllamaModel:    cfg.Ollama.Model,
		OllamaAutoPull: cfg.Ollama.AutoPull,
		CloudAPIKey:    cfg.Cloud.APIKey,
		CloudBaseURL:   cfg.Cloud.BaseURL,
		CloudModel:     cfg.Cloud.Model,
	}
}

func runServer(serveMCP bool) error {
	fmt.Fprintf(os.Stderr, "nanoviz version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// MCP owns stdout, so logs always go to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
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
			printWarning("nanoviz is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("nanoviz is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := engine.Detect(detectConfig(cfg))
	if err != nil {
		return fmt.Errorf("detecting model backend: %w", err)
	}
	slog.Info("model backend selected", "backend", backend.Name(), "model", modelName(backend))
	if mm, ok := backend.(engine.ModelManager); ok && cfg.Ollama.AutoPull {
		if err := engine.EnsureReady(ctx, mm, cfg.Ollama.Model, os.Stderr); err != nil {
			return err
		}
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	if n, err := store.RequeueRunning(ctx); err != nil {
		return fmt.Errorf("requeueing interrupted jobs: %w", err)
	} else if n > 0 {
		slog.Info("requeued interrupted chart runs", "count", n)
	}

	collector := metrics.NewCollector("nanoviz")
	inv := generation.NewInvoker(backend, generationPolicy(cfg.Generation), generation.WithObserver(collector))
	orch := pipeline.New(inv)
	svc := charts.NewService(orch, store, collector)
	worker := charts.NewWorker(svc, 500*time.Millisecond)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewHandler(api.Deps{
			Charts:         svc,
			Runs:           store,
			Answerer:       orch,
			Token:          apiToken,
			MinInputLength: cfg.Input.MinLength,
			Metrics:        collector,
		}),
	}

	servers := []*http.Server{srv}
	if cfg.Server.RelayPort > 0 {
		rl := relay.New(relay.Config{
			Interpreter: cfg.Relay.Interpreter,
			VizScript:   cfg.Relay.VizScript,
			QAScript:    cfg.Relay.QAScript,
			Timeout:     cfg.Relay.Timeout,
		}, nil)
		servers = append(servers, &http.Server{
			Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Server.RelayPort),
			Handler: rl.Handler(),
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, s := range servers {
		g.Go(func() error {
			fmt.Fprintf(os.Stderr, "nanoviz listening on %s\n", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error on %s: %w", s.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})

	if serveMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Charts:         svc,
			Runs:           store,
			Answerer:       orch,
			MinInputLength: cfg.Input.MinLength,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var errs []error
		for _, s := range servers {
			errs = append(errs, s.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
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
		printError("nanoviz is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop nanoviz (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to nanoviz (PID %d)", pid)
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

	backend, err := engine.Detect(detectConfig(cfg))
	if err != nil {
		printStatus("Backend", "invalid: %v", err)
	} else {
		printStatus("Backend", "%s", backend.Name())
		printStatus("Model", "%s", modelName(backend))
	}

	if mm, ok := backend.(engine.ModelManager); ok {
		if mm.IsRunning(context.Background()) {
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		} else {
			printStatus("Ollama", "not running")
		}
	}

	if running {
		apiToken, err := config.GetAPIToken(config.NewKeychain())
		if err == nil {
			if n, err := countCharts(client, serverURL, apiToken); err == nil {
				printStatus("Chart runs", "%s", countLabel(n, 100))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// modelName returns the default model of b, or "" when b does not expose one.
func modelName(b engine.Backend) string {
	if m, ok := b.(interface{ Model() string }); ok {
		return m.Model()
	}
	return ""
}

func countCharts(client *http.Client, serverURL, token string) (int, error) {
	req, err := http.NewRequest(http.MethodGet, serverURL+"/v1/charts?limit=100", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	var runs []json.RawMessage
	if err := decodeJSON(resp, &runs); err != nil {
		return 0, err
	}
	return len(runs), nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
