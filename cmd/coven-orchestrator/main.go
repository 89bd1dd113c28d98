// ABOUTME: Entry point for the coven-orchestrator task engine
// ABOUTME: Wires config, log store, registry, probe, pipeline and plan engine

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-orchestrator/internal/config"
	"github.com/2389/coven-orchestrator/internal/execlog"
	"github.com/2389/coven-orchestrator/internal/plan"
	"github.com/2389/coven-orchestrator/internal/probe"
	"github.com/2389/coven-orchestrator/internal/progress"
	"github.com/2389/coven-orchestrator/internal/registry"
)

// version is overridable at build time via -ldflags "-X main.version=...".
var version = "dev"

const banner = `
                                             _               _
  ___ _____   _____ _ __         ___  _ __ ___| |__   ___  ___| |_ _ __ __ _
 / __/ _ \ \ / / _ \ '_ \ _____ / _ \| '__/ __| '_ \ / _ \/ __| __| '__/ _' |
| (_| (_) \ V /  __/ | | |_____| (_) | | | (__| | | |  __/\__ \ |_| | | (_| |
 \___\___/ \_/ \___|_| |_|      \___/|_|  \___|_| |_|\___||___/\__|_|  \__,_|
`

// drainTimeout bounds how long serve waits for in-flight executions
// during shutdown before force-cancelling them.
const drainTimeout = 30 * time.Second

// getConfigPath returns the path to the orchestrator config file.
// Priority: COVEN_CONFIG env var > XDG_CONFIG_HOME/coven/orchestrator.yaml > ~/.config/coven/orchestrator.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "orchestrator.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "orchestrator.yaml")
}

func loadConfig() (*config.Config, error) {
	path := getConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func main() {
	// A .env next to the binary is a developer convenience; absence is fine.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-orchestrator <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve              Start the orchestration engine")
		fmt.Println("  health             Check engine health")
		fmt.Println("  logs               Search the execution log store")
		fmt.Println("  export             Export execution logs (json, csv, text)")
		fmt.Println("  stats              Execution statistics over a time window")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "logs":
		err = runLogs(ctx, os.Args[2:])
	case "export":
		err = runExport(ctx, os.Args[2:])
	case "stats":
		err = runStats(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Health:    %s\n", cfg.Server.HealthAddr)
	green.Print("    ▶ ")
	fmt.Printf("Workers:   %d\n", cfg.Engine.MaxConcurrent)
	fmt.Println()

	logger.Info("starting coven-orchestrator",
		"db_path", cfg.Database.Path,
		"health_addr", cfg.Server.HealthAddr,
		"max_concurrent", cfg.Engine.MaxConcurrent,
	)

	store, err := execlog.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening execution log store: %w", err)
	}
	defer store.Close()

	reg := registry.New(logger)
	if err := seedAgents(reg); err != nil {
		return fmt.Errorf("seeding agent registry: %w", err)
	}

	prober := probe.NewProber(cfg.Probe.Timeout, logger)
	defer prober.Close()

	pipeline := progress.NewPipeline(logger)
	events := make(chan progress.Event, cfg.Engine.ProgressBuffer)
	pipeline.SetPort(events)

	runner := plan.NewBuiltinRunner(probeChecker{prober})
	engine := plan.NewEngine(reg, store, pipeline, runner, logger, plan.Options{
		MaxConcurrent: cfg.Engine.MaxConcurrent,
		StepTimeout:   cfg.Engine.StepTimeout,
	})

	g, gctx := errgroup.WithContext(ctx)

	// Drain progress events into the structured log until shutdown.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev := <-events:
				logger.Debug("progress event",
					"type", ev.Type,
					"plan_id", ev.PlanID,
					"seq", ev.Seq,
				)
			}
		}
	})

	g.Go(func() error {
		return serveHealth(gctx, cfg.Server.HealthAddr, engine, store, logger)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down, draining executions", "timeout", drainTimeout)

		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := engine.Close(drainCtx); err != nil {
			logger.Warn("drain incomplete", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// seedAgents registers the agents the engine can bind plans to.
func seedAgents(reg *registry.Registry) error {
	return reg.Add(registry.AgentConfig{
		ID:                 "general",
		Name:               "General Assistant",
		Description:        "Default agent for decomposed task plans",
		MaxConcurrentTools: 4,
		Enabled:            true,
	})
}

// probeChecker adapts the capability prober to the step runner's view,
// which only cares whether an endpoint answered.
type probeChecker struct {
	prober *probe.Prober
}

func (c probeChecker) CheckStreamableHTTP(ctx context.Context, url string, headers map[string]string) error {
	_, err := c.prober.CheckStreamableHTTP(ctx, url, headers)
	return err
}

func (c probeChecker) CheckSSE(ctx context.Context, url string, headers map[string]string) error {
	_, err := c.prober.CheckSSE(ctx, url, headers)
	return err
}

// serveHealth exposes /health with active plan and execution log counts.
func serveHealth(ctx context.Context, addr string, engine *plan.Engine, store execlog.Store, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stats, err := store.Statistics(r.Context(), time.Now().Add(-24*time.Hour), time.Now(), "")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":            "ok",
			"version":           version,
			"active_plans":      len(engine.ActivePlans()),
			"executions_24h":    stats.Total,
			"failures_24h":      stats.Failed,
			"cancellations_24h": stats.Cancelled,
		})
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("health endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HealthAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Println("healthy")
	for _, key := range []string{"version", "active_plans", "executions_24h", "failures_24h"} {
		if v, ok := body[key]; ok {
			fmt.Printf("  %s: %v\n", key, v)
		}
	}
	return nil
}

func runLogs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	session := fs.String("session", "", "filter by session id")
	agent := fs.String("agent", "", "filter by agent id")
	outcome := fs.String("outcome", "", "filter by outcome (running, completed, failed, cancelled)")
	keyword := fs.String("keyword", "", "free-text match over user queries")
	limit := fs.Int("limit", 20, "maximum entries to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Search(ctx, execlog.SearchCriteria{
		SessionID: *session,
		AgentID:   *agent,
		Outcome:   execlog.Outcome(*outcome),
		Keyword:   *keyword,
		Limit:     *limit,
	})
	if err != nil {
		return fmt.Errorf("searching logs: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("no matching executions")
		return nil
	}

	for _, e := range entries {
		printEntry(e)
	}
	return nil
}

func printEntry(e execlog.Entry) {
	outcome := e.Outcome
	var c *color.Color
	switch outcome {
	case execlog.OutcomeCompleted:
		c = color.New(color.FgGreen)
	case execlog.OutcomeFailed:
		c = color.New(color.FgRed)
	case execlog.OutcomeCancelled:
		c = color.New(color.FgYellow)
	default:
		c = color.New(color.FgCyan)
	}

	c.Printf("%-10s", outcome)
	fmt.Printf(" %s  %s", e.ID[:8], e.StartTime.Format("2006-01-02 15:04:05"))
	if e.Sealed() {
		fmt.Printf("  %s", e.Duration().Round(time.Millisecond))
	}
	query := e.UserQuery
	if len(query) > 60 {
		query = query[:57] + "..."
	}
	fmt.Printf("  %s\n", query)
	if e.ErrorMessage != "" {
		color.New(color.FgHiBlack).Printf("           %s\n", e.ErrorMessage)
	}
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	format := fs.String("format", "json", "export format: json, csv, or text")
	out := fs.String("out", "", "output file (default: stdout)")
	session := fs.String("session", "", "filter by session id")
	steps := fs.Bool("steps", false, "include step traces")
	limit := fs.Int("limit", 0, "maximum records (0 = store default)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	artifact, err := store.Export(ctx,
		execlog.SearchCriteria{SessionID: *session},
		execlog.ExportOptions{
			Format:       execlog.ExportFormat(*format),
			IncludeSteps: *steps,
			MaxRecords:   *limit,
			RequireRows:  true,
		})
	if err != nil {
		return fmt.Errorf("exporting logs: %w", err)
	}

	if *out == "" {
		_, err = os.Stdout.Write(artifact.Data)
		return err
	}
	if err := os.WriteFile(*out, artifact.Data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", *out, err)
	}
	fmt.Printf("wrote %d records to %s\n", artifact.Records, *out)
	return nil
}

func runStats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	window := fs.Duration("window", 24*time.Hour, "time window ending now")
	workspace := fs.String("workspace", "", "filter by workspace id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	end := time.Now()
	stats, err := store.Statistics(ctx, end.Add(-*window), end, *workspace)
	if err != nil {
		return fmt.Errorf("computing statistics: %w", err)
	}

	fmt.Printf("executions: %d (completed %d, failed %d, cancelled %d)\n",
		stats.Total, stats.Completed, stats.Failed, stats.Cancelled)
	if stats.Total > 0 {
		fmt.Printf("duration:   avg %s, min %s, max %s\n",
			stats.AvgDuration.Round(time.Millisecond),
			stats.MinDuration.Round(time.Millisecond),
			stats.MaxDuration.Round(time.Millisecond))
		fmt.Printf("throughput: %.2f/hour\n", stats.PerHour)
	}
	return nil
}

func openStore() (execlog.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	store, err := execlog.NewSQLiteStore(cfg.Database.Path, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	if err != nil {
		return nil, fmt.Errorf("opening execution log store: %w", err)
	}
	return store, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
