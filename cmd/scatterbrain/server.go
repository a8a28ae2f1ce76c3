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

	"github.com/scatterbrain-app/scatterbrain/internal/ai"
	"github.com/scatterbrain-app/scatterbrain/internal/api"
	"github.com/scatterbrain-app/scatterbrain/internal/billing"
	"github.com/scatterbrain-app/scatterbrain/internal/capture"
	"github.com/scatterbrain-app/scatterbrain/internal/config"
	"github.com/scatterbrain-app/scatterbrain/internal/personalize"
	"github.com/scatterbrain-app/scatterbrain/internal/pipeline"
	"github.com/scatterbrain-app/scatterbrain/internal/storage"
	"github.com/scatterbrain-app/scatterbrain/internal/synthesizer"
	"github.com/scatterbrain-app/scatterbrain/internal/usage"
	"github.com/scatterbrain-app/scatterbrain/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scatterbrain server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running scatterbrain server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scatterbrain server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "scatterbrain.pid")
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
	fmt.Fprintf(os.Stderr, "scatterbrain version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireProvider(); err != nil {
		return err
	}

	// Logs go to stderr; stdout carries MCP traffic when enabled.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})))

	created, err := config.EnsureAPIToken(&cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	if created {
		slog.Info("generated API bearer token and saved it to the secret store")
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("scatterbrain is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("scatterbrain is already running on port %d", cfg.Server.Port)
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

	provider, err := ai.New(ai.Config{
		Provider:        cfg.AI.Provider,
		OpenAIKey:       cfg.AI.OpenAIKey,
		OpenAIModel:     cfg.AI.OpenAIModel,
		AnthropicKey:    cfg.AI.AnthropicKey,
		AnthropicModel:  cfg.AI.AnthropicModel,
		PerplexityKey:   cfg.AI.PerplexityKey,
		PerplexityModel: cfg.AI.PerplexityModel,
	})
	if err != nil {
		return fmt.Errorf("configuring AI provider: %w", err)
	}
	slog.Info("AI provider ready", "provider", provider.Name())

	engine := synthesizer.New(provider,
		synthesizer.WithTemperature(cfg.AI.Temperature),
		synthesizer.WithMaxTokens(cfg.AI.MaxTokens),
	)
	meter := usage.NewMeter(store)
	pipe := pipeline.New(engine, meter, personalize.NewTracker(store), store)
	capturer := capture.New()

	var bill *billing.Service
	if cfg.Billing.StripeSecretKey != "" {
		bill = billing.NewService(billing.NewStripeClient(cfg.Billing.StripeSecretKey), store, billing.Config{
			SuccessURL:    cfg.Billing.SuccessURL,
			CancelURL:     cfg.Billing.CancelURL,
			PricePro:      cfg.Billing.PricePro,
			PriceTeam:     cfg.Billing.PriceTeam,
			WebhookSecret: cfg.Billing.WebhookSecret,
		})
		slog.Info("billing enabled")
	}

	handler := api.NewHandler(api.Deps{
		Store:    store,
		Pipeline: pipe,
		Meter:    meter,
		Capturer: capturer,
		Billing:  bill,
		Token:    cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Background synthesis of queued thoughts.
	w := worker.NewWorker(store, pipe, cfg.PollInterval())
	go w.Run(ctx)

	if cfg.Server.MCPEnabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:    store,
			Pipeline: pipe,
			Meter:    meter,
			Capturer: capturer,
			UserID:   cfg.Client.UserID,
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
		fmt.Fprintf(os.Stderr, "scatterbrain listening on %s\n", addr)
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

	// Streams in flight get a few seconds to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
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
		printError("scatterbrain is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop scatterbrain (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to scatterbrain (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	running := false
	resp, err := client.Get(cfg.Client.ServerURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running at %s", cfg.Client.ServerURL)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("AI provider", "%s", providerLabel(cfg))
	printStatus("MCP", "%s", map[bool]string{true: "enabled (stdio)", false: "disabled"}[cfg.Server.MCPEnabled])
	printStatus("Billing", "%s", map[bool]string{true: "configured", false: "not configured"}[cfg.Billing.StripeSecretKey != ""])

	if running && cfg.Server.APIToken != "" {
		c := &apiClient{baseURL: cfg.Client.ServerURL, token: cfg.Server.APIToken, userID: cfg.Client.UserID, httpClient: client}
		if resp, err := c.get(context.Background(), "/api/usage"); err == nil {
			var s usage.Summary
			if decodeJSON(resp, &s) == nil {
				printStatus("Plan", "%s", s.Tier)
				printStatus("Syntheses", "%s", quota(s.Used[usage.FeatureSynthesis], s.Limits.SynthesesPerMonth))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func providerLabel(cfg config.Config) string {
	var keys []string
	if cfg.AI.OpenAIKey != "" {
		keys = append(keys, ai.OpenAI)
	}
	if cfg.AI.AnthropicKey != "" {
		keys = append(keys, ai.Anthropic)
	}
	if cfg.AI.PerplexityKey != "" {
		keys = append(keys, ai.Perplexity)
	}
	if len(keys) == 0 {
		return "no API key configured"
	}
	return fmt.Sprintf("%s preferred (keys: %s)", cfg.AI.Provider, strings.Join(keys, ", "))
}
