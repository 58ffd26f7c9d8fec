// Kestrel - Explainable suspicious transaction report drafting.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/intake"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const usage = `Usage: kestrel <command> [flags]

Commands:
  serve                     Run the HTTP API (and the async worker when enabled)
  analyze -f case.json      Run one case and print the result as JSON
  batch [-limit N] files... Run several cases concurrently and print the results
  version                   Print version information
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = runServe(args)
	case "analyze":
		err = runAnalyze(args, os.Stdout)
	case "batch":
		err = runBatch(args, os.Stdout)
	case "version":
		fmt.Printf("kestrel %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		slog.Error("kestrel failed", "error", err)
		os.Exit(1)
	}
}

// setupLogger installs the default slog logger. CLI commands log to stderr
// so stdout carries only results.
func setupLogger(cfg domain.LoggingConfig, w io.Writer) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("KESTREL_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(w, opts)
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func loadConfig(fs *flag.FlagSet, args []string) (*domain.Config, error) {
	file := fs.String("config", "", "path to kestrel.yaml")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(config.Options{File: *file})
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	setupLogger(cfg.Logging, os.Stdout)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"llm", cfg.LLM.Backend,
		"embedder", cfg.Vector.Embedder,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, Version)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	coordinator, tools, err := a.agents()
	if err != nil {
		return err
	}

	var asyncWorker *worker.Worker
	if cfg.Pipeline.AsyncWorker {
		asyncWorker = worker.NewWorker(a.bus, a.orch)
		if err := asyncWorker.Start(worker.Config{WorkerCount: cfg.Pipeline.MaxConcurrent}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Orchestrator: a.orch,
		Ledger:       a.ledger,
		Classifier:   a.classifier,
		Coordinator:  coordinator,
		Tools:        tools,
		Repo:         a.repo,
		Cache:        a.cache,
		Bus:          a.bus,
		Archive:      a.archive,
		Metrics:      a.metrics,
		Version:      Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"async_worker", asyncWorker != nil,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	// Stop taking submissions before the server drains.
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

func runAnalyze(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	file := fs.String("f", "", "case JSON file (- for stdin)")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *file == "" {
		return errors.New("analyze requires -f case.json")
	}
	setupLogger(cfg.Logging, os.Stderr)

	c, err := readCase(*file)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.orch.Run(ctx, c)
	if err != nil {
		return err
	}
	return writeJSON(out, res)
}

func runBatch(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	limit := fs.Int("limit", 0, "maximum cases run at once (default pipeline.max_concurrent)")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	files := fs.Args()
	if len(files) == 0 {
		return errors.New("batch requires at least one case file")
	}
	setupLogger(cfg.Logging, os.Stderr)

	if *limit <= 0 {
		*limit = cfg.Pipeline.MaxConcurrent
	}

	// Unreadable files are reported in place so result order matches args.
	items := make([]pipeline.BatchItem, len(files))
	var cases []*domain.Case
	var index []int
	for i, f := range files {
		c, err := readCase(f)
		if err != nil {
			items[i] = pipeline.BatchItem{Err: err, Error: err.Error()}
			continue
		}
		cases = append(cases, c)
		index = append(index, i)
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	for j, item := range a.orch.RunBatch(ctx, cases, *limit) {
		items[index[j]] = item
	}

	failed := 0
	for _, item := range items {
		if item.Err != nil {
			failed++
		}
	}
	slog.Info("batch complete", "cases", len(items), "failed", failed)

	return writeJSON(out, items)
}

func readCase(path string) (*domain.Case, error) {
	if path == "-" {
		return intake.Decode(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open case file: %w", err)
	}
	defer f.Close()

	c, err := intake.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL")
	fmt.Println("  Explainable STR drafting")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /cases/analyze             - Run the pipeline on a case")
	fmt.Println("    POST /cases/submit              - Queue a case for the async worker")
	fmt.Println("    GET  /cases/{id}                - Get a stored case")
	fmt.Println("    POST /cases/{id}/approve        - Approve a draft")
	fmt.Println("    POST /cases/{id}/reject         - Reject a draft")
	fmt.Println("    GET  /cases/{id}/audit          - Audit trail")
	fmt.Println("    GET  /cases/{id}/audit/export   - Export audit trail (json, csv)")
	fmt.Println("    POST /cases/{id}/audit/archive  - Archive audit trail")
	fmt.Println("    GET  /typologies                - Typology knowledge base")
	fmt.Println("    GET  /agents, POST /rpc         - Agent cards and messages")
	fmt.Println("    GET  /tools, POST /tools/{name} - Tool catalog and calls")
	fmt.Println("    GET  /health, /ready, /metrics  - Operations")
	fmt.Println()
}
