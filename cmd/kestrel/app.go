// Kestrel - Explainable suspicious transaction report drafting.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/agent"
	"github.com/opensource-finance/kestrel/internal/archive"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/knowledge"
	"github.com/opensource-finance/kestrel/internal/llm"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/narrative"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/typology"
	"github.com/opensource-finance/kestrel/internal/vector"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg *domain.Config

	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	archive    archive.Sink
	ledger     *audit.Ledger
	classifier *typology.Classifier
	orch       *pipeline.Orchestrator
	metrics    *metrics.Collector

	closers []func() error
}

// buildApp initializes storage, knowledge, generation and the pipeline
// in dependency order. Close releases everything that was opened.
func buildApp(ctx context.Context, cfg *domain.Config) (*app, error) {
	a := &app{cfg: cfg}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize repository: %w", err))
	}
	a.repo = repo
	a.closers = append(a.closers, repo.Close)
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize cache: %w", err))
	}
	a.cache = cacheImpl
	a.closers = append(a.closers, cacheImpl.Close)
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize event bus: %w", err))
	}
	a.bus = busImpl
	a.closers = append(a.closers, busImpl.Close)
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	sink, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		// Archive is optional; exports still work without it.
		slog.Warn("archive sink unavailable", "sink", cfg.Archive.Sink, "error", err)
	} else {
		a.archive = sink
		a.closers = append(a.closers, sink.Close)
	}

	kb, err := knowledge.Load(cfg.Vector.KnowledgeFile)
	if err != nil {
		return fail(fmt.Errorf("failed to load knowledge base: %w", err))
	}
	store, err := vector.New(cfg.Vector, cacheImpl, cfg.Cache.DefaultTTL)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize similarity store: %w", err))
	}
	if err := kb.Seed(ctx, store); err != nil {
		return fail(fmt.Errorf("failed to seed similarity store: %w", err))
	}
	slog.Info("knowledge base loaded",
		"typologies", len(kb.Typologies()),
		"templates", len(kb.Templates()),
		"documents", store.Count(),
	)

	gen, err := llm.New(cfg.LLM)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize generation backend: %w", err))
	}
	prompts, err := narrative.NewPromptBuilder(cfg.LLM.PromptTemplateFile)
	if err != nil {
		return fail(err)
	}
	slog.Info("generation backend initialized", "backend", cfg.LLM.Backend, "model", gen.Model())

	policies, err := loadPolicies(cfg.Pipeline)
	if err != nil {
		return fail(err)
	}
	slog.Info("escalation policies loaded", "count", policies.Count())

	a.ledger = audit.NewLedger(repo, busImpl)
	a.metrics = metrics.NewCollector(a.ledger.StoreFailures)
	a.classifier = typology.NewClassifier(store, kb, cacheImpl, cfg.Cache.DefaultTTL)

	a.orch, err = pipeline.New(pipeline.Deps{
		Config:     cfg.Pipeline,
		Detection:  cfg.Detection,
		Scoring:    cfg.Scoring,
		Repo:       repo,
		Ledger:     a.ledger,
		Classifier: a.classifier,
		Composer:   narrative.NewComposer(gen, prompts),
		Policies:   policies,
		Metrics:    a.metrics,
	})
	if err != nil {
		return fail(err)
	}
	return a, nil
}

// loadPolicies compiles the policy file when set, else the configured rules.
func loadPolicies(cfg domain.PipelineConfig) (*policy.Engine, error) {
	engine, err := policy.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	rules := cfg.EscalationRules
	if cfg.PolicyFile != "" {
		rules, err = policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
	}
	if err := engine.Load(rules); err != nil {
		return nil, fmt.Errorf("failed to load escalation policies: %w", err)
	}
	return engine, nil
}

// agents builds the message and tool surfaces over the orchestrator.
func (a *app) agents() (*agent.Coordinator, *agent.Toolbox, error) {
	tools, err := agent.NewToolbox(a.orch, a.classifier, a.ledger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build toolbox: %w", err)
	}
	return agent.NewCoordinator(a.orch), tools, nil
}

// Close releases components in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("failed to close component", "error", err)
		}
	}
	a.closers = nil
}
