package main

import (
	"context"
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

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/qaknow/internal/api"
	"github.com/kalambet/qaknow/internal/config"
	"github.com/kalambet/qaknow/internal/generation"
	"github.com/kalambet/qaknow/internal/queue"
	"github.com/kalambet/qaknow/internal/resolver"
	"github.com/kalambet/qaknow/internal/storage"
	"github.com/kalambet/qaknow/internal/ticketgen"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the qaknow server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running qaknow server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show qaknow system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "qaknow.pid")
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

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// services is the resolution core shared by the server and the MCP host.
type services struct {
	store        *storage.Store
	provider     *config.Provider
	adapter      *generation.Adapter
	selectors    *resolver.Selectors
	data         *resolver.Data
	tickets      *queue.Queue
	orchestrator *queue.Queue
}

func openServices(cfg config.Config) (*services, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	provider := config.NewProvider(config.FilePath(), config.DefaultCacheTTL)
	adapter := generation.NewAdapter(provider, store, nil)

	return &services{
		store:        store,
		provider:     provider,
		adapter:      adapter,
		selectors:    resolver.NewSelectors(store, adapter, nil),
		data:         resolver.NewData(store, adapter),
		tickets:      queue.New(store, queue.TicketGeneration, cfg.Queue.MaxAttempts),
		orchestrator: queue.New(store, queue.Orchestrator, cfg.Queue.MaxAttempts),
	}, nil
}

func (s *services) Close() {
	if err := s.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "qaknow version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("qaknow is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("qaknow is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	token := cfg.Server.APIToken
	if token == "" {
		token = uuid.NewString()
		printWarning("server.api_token is not set; using a token for this run only")
		printStatus("API token", "%s", token)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := openServices(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	if !svc.adapter.Available(ctx) {
		printWarning("generation is disabled or has no API key; only stored knowledge will be served")
	}

	gen := ticketgen.New(svc.store, svc.data, svc.selectors)
	ticketWorker := queue.NewWorker(svc.store, queue.TicketGeneration, gen.Handle,
		cfg.Queue.PollInterval(), cfg.Queue.ActiveLease())
	tickWorker := queue.NewWorker(svc.store, queue.Orchestrator, queue.LogTicks(svc.tickets, slog.Default()),
		cfg.Queue.PollInterval(), cfg.Queue.ActiveLease())
	scheduler := queue.NewScheduler(svc.store, svc.provider)

	handler := api.NewHandler(api.Deps{
		Selectors: svc.selectors,
		Data:      svc.data,
		Knowledge: svc.store,
		Tickets:   svc.tickets,
		Jobs:      svc.store,
		Config:    svc.provider,
		Token:     token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticketWorker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		tickWorker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		return svc.provider.Watch(gctx)
	})
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "qaknow listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
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
		printError("qaknow is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop qaknow (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to qaknow (PID %d)", pid)
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

	if cfg.Generation.Available() {
		printStatus("Generation", "enabled (%s)", cfg.Generation.Model)
	} else if !cfg.Generation.Enabled {
		printStatus("Generation", "disabled")
	} else {
		printStatus("Generation", "no API key (set QAKNOW_GENERATION_API_KEY)")
	}
	printStatus("Tick interval", "%s", cfg.Queue.TickInterval())

	if running && cfg.Server.APIToken != "" {
		c := &apiClient{baseURL: serverURL, token: cfg.Server.APIToken, httpClient: client}
		if resp, err := c.get(context.Background(), "/jobs/counts?queue="+queue.TicketGeneration); err == nil {
			var counts map[string]int
			if decodeJSON(resp, &counts) == nil {
				printStatus("Ticket jobs", "%s", formatCounts(counts))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func formatCounts(counts map[string]int) string {
	parts := make([]string, 0, len(storage.JobStates))
	for _, s := range storage.JobStates {
		parts = append(parts, fmt.Sprintf("%s=%d", s, counts[s]))
	}
	return strings.Join(parts, " ")
}
