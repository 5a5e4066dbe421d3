// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package app assembles a runnable ragrunner from configuration: the LLM
// provider, retrieval stores, tool registry, spec catalog, storage backend,
// metrics, tracing and the engine that ties them together.
package app

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	// Drivers for the sql_query tool.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/tombee/ragrunner/internal/backend"
	memorybackend "github.com/tombee/ragrunner/internal/backend/memory"
	"github.com/tombee/ragrunner/internal/backend/postgres"
	"github.com/tombee/ragrunner/internal/backend/sqlite"
	"github.com/tombee/ragrunner/internal/config"
	internallog "github.com/tombee/ragrunner/internal/log"
	"github.com/tombee/ragrunner/internal/metrics"
	"github.com/tombee/ragrunner/internal/tracing"
	"github.com/tombee/ragrunner/pkg/budget"
	"github.com/tombee/ragrunner/pkg/engine"
	ragerrors "github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/eval"
	"github.com/tombee/ragrunner/pkg/llm"
	"github.com/tombee/ragrunner/pkg/llm/providers"
	"github.com/tombee/ragrunner/pkg/memory"
	"github.com/tombee/ragrunner/pkg/prompt"
	"github.com/tombee/ragrunner/pkg/retrieval"
	"github.com/tombee/ragrunner/pkg/retrieval/embedcache"
	"github.com/tombee/ragrunner/pkg/retrieval/memstore"
	"github.com/tombee/ragrunner/pkg/retrieval/pgvector"
	"github.com/tombee/ragrunner/pkg/secrets"
	"github.com/tombee/ragrunner/pkg/tools"
	"github.com/tombee/ragrunner/pkg/tools/builtin"
	"github.com/tombee/ragrunner/pkg/tools/custom"
	"github.com/tombee/ragrunner/pkg/workflow"
)

// ModelProvider completes chats and embeds text.
type ModelProvider interface {
	llm.Provider
	llm.Embedder
}

// App holds the assembled components. Close releases them.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Provider ModelProvider
	Embedder llm.Embedder
	Catalog  *workflow.Catalog
	Prompts  *prompt.Library
	Registry *tools.Registry
	Stores   []retrieval.Store
	Pipeline *retrieval.Pipeline
	Backend  backend.Backend
	Metrics  *metrics.Collector
	Engine   *engine.Engine

	// Masker redacts resolved secrets and secret-named environment values.
	Masker *secrets.Masker

	// judge wraps Provider with retries for one-shot side calls.
	judge   llm.Provider
	loader  *custom.Loader
	tracing *tracing.Provider
	closers []func(context.Context) error
}

// Option customizes New.
type Option func(*options)

type options struct {
	provider ModelProvider
	backend  backend.Backend
}

// WithProvider replaces the configured provider.
func WithProvider(p ModelProvider) Option {
	return func(o *options) { o.provider = p }
}

// WithBackend replaces the configured storage backend.
func WithBackend(b backend.Backend) Option {
	return func(o *options) { o.backend = b }
}

// New builds an App. Secret references in cfg are resolved in place. On
// error every component built so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.ResolveSecrets(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger, Masker: secrets.NewMasker(cfg.SecretValues()...)}
	a.Masker.AddFromEnv(os.Environ())
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.Provider = o.provider
	if a.Provider == nil {
		if a.Provider, err = newProvider(cfg.LLM); err != nil {
			return nil, err
		}
	}
	a.judge = llm.NewRetryableProvider(a.Provider, llm.RetryConfig{
		MaxRetries:   3,
		InitialDelay: cfg.LLM.RetryBaseDelay,
		MaxDelay:     cfg.LLM.RetryMaxDelay,
		Jitter:       0.1,
	})

	if a.Embedder, err = a.newEmbedder(); err != nil {
		return nil, err
	}
	if err := a.openStores(ctx); err != nil {
		return nil, err
	}
	a.Pipeline = a.newPipeline()

	if err := a.newRegistry(); err != nil {
		return nil, err
	}

	a.Prompts = prompt.NewLibrary()
	if cfg.Specs.PromptsDir != "" {
		if err := a.Prompts.LoadDir(cfg.Specs.PromptsDir); err != nil {
			return nil, fmt.Errorf("loading prompts: %w", err)
		}
	}

	a.Catalog = workflow.NewCatalog(internallog.WithComponent(logger, "catalog"))
	if err := a.Catalog.LoadDir(cfg.Specs.Dir); err != nil {
		// Broken files are reported; the specs that parsed stay usable.
		logger.Warn("spec catalog loaded with errors", internallog.Error(err))
	}

	a.Backend = o.backend
	if a.Backend == nil {
		if a.Backend, err = newBackend(cfg.Backend); err != nil {
			return nil, err
		}
	}
	a.closers = append(a.closers, func(context.Context) error { return a.Backend.Close() })

	if a.tracing, err = tracing.Setup(ctx, cfg.Tracing); err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	a.closers = append(a.closers, a.tracing.Shutdown)

	a.Metrics = metrics.New()

	counter := budget.HeuristicCounter{}
	a.Engine = engine.New(a.Catalog,
		engine.WithProvider(a.Provider),
		engine.WithPipeline(a.Pipeline),
		engine.WithRegistry(a.Registry),
		engine.WithPrompts(a.Prompts),
		engine.WithCounter(counter),
		engine.WithMemoryDeps(memory.Deps{
			Counter:    counter,
			Summarizer: &memory.LLMSummarizer{Provider: a.judge, Model: cfg.LLM.Model},
			Extractor:  &memory.LLMExtractor{Provider: a.judge, Model: cfg.LLM.Model},
			Logger:     internallog.WithComponent(logger, "memory"),
		}),
		engine.WithDefaultModel(cfg.LLM.Model),
		engine.WithRetryDelays(cfg.LLM.RetryBaseDelay, cfg.LLM.RetryMaxDelay),
		engine.WithObserver(a.Metrics),
		engine.WithRecordSink(a.Backend),
		engine.WithMasker(a.Masker),
		engine.WithTracer(a.tracing.Tracer()),
		engine.WithLogger(logger),
	)

	logger.Debug("app assembled",
		slog.String("provider", a.Provider.Name()),
		slog.Int("specs", len(a.Catalog.List())),
		slog.Int("tools", len(a.Registry.List())),
		slog.Any("stores", a.Pipeline.Backends()))
	return a, nil
}

// Harness returns an evaluation harness that runs cases through the engine
// and records results in the backend.
func (a *App) Harness() *eval.Harness {
	model := a.Config.Eval.JudgeModel
	if model == "" {
		model = a.Config.LLM.Model
	}
	return eval.NewHarness(a.Engine,
		eval.WithJudge(a.judge, model),
		eval.WithResultSink(a.Backend),
		eval.WithConcurrency(a.Config.Eval.Concurrency),
		eval.WithLogger(internallog.WithComponent(a.Logger, "eval")),
	)
}

// Ingestor chunks and indexes documents into every configured store.
func (a *App) Ingestor() *retrieval.Ingestor {
	chunker := retrieval.Chunker{
		Words:   a.Config.Retrieval.ChunkWords,
		Overlap: a.Config.Retrieval.ChunkOverlap,
	}
	return retrieval.NewIngestor(a.Embedder, chunker, a.Stores...).
		WithLogger(internallog.WithComponent(a.Logger, "ingest"))
}

// Watch reloads specs and custom tools as their files change, until ctx is
// done. It returns immediately when watching is disabled.
func (a *App) Watch(ctx context.Context) error {
	if !a.Config.Specs.Watch {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Catalog.Watch(gctx, a.Config.Specs.Dir) })
	if a.loader != nil {
		g.Go(func() error { return a.loader.Watch(gctx) })
	}
	return g.Wait()
}

// ServeMetrics serves /metrics on the configured address until ctx is
// done. It returns immediately when no address is set.
func (a *App) ServeMetrics(ctx context.Context) error {
	addr := a.Config.Metrics.Addr
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("serving metrics", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Close releases components in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stderrors.Join(errs...)
}

func newProvider(cfg config.LLMConfig) (ModelProvider, error) {
	switch cfg.Provider {
	case config.ProviderScripted:
		return providers.NewScriptedProvider(), nil
	default:
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			BaseURL:        cfg.BaseURL,
			APIKey:         cfg.APIKey,
			Model:          cfg.Model,
			EmbeddingModel: cfg.EmbeddingModel,
			Dimension:      cfg.Dimension,
			Timeout:        cfg.RequestTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("creating provider: %w", err)
		}
		return p, nil
	}
}

func (a *App) newEmbedder() (llm.Embedder, error) {
	cache := a.Config.Retrieval.EmbedCache
	if cache.URL == "" {
		return a.Provider, nil
	}
	opts, err := redis.ParseURL(cache.URL)
	if err != nil {
		return nil, &ragerrors.ConfigError{Key: "retrieval.embed_cache.url", Reason: "invalid redis URL", Cause: err}
	}
	client := redis.NewClient(opts)
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	return embedcache.New(a.Provider, client, embedcache.Options{
		Namespace: a.Config.LLM.EmbeddingModel,
		TTL:       cache.TTL,
		Logger:    internallog.WithComponent(a.Logger, "embedcache"),
	}), nil
}

func (a *App) openStores(ctx context.Context) error {
	for _, sc := range a.Config.Retrieval.Stores {
		switch sc.Type {
		case config.StorePGVector:
			store, err := pgvector.Open(ctx, pgvector.Config{
				DSN:       sc.DSN,
				Table:     sc.Table,
				Dimension: a.Embedder.Dimension(),
				Name:      sc.Name,
				MaxConns:  sc.MaxConns,
			})
			if err != nil {
				return fmt.Errorf("opening store %s: %w", sc.Name, err)
			}
			a.closers = append(a.closers, func(context.Context) error { store.Close(); return nil })
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migrating store %s: %w", sc.Name, err)
			}
			a.Stores = append(a.Stores, store)
		default:
			store := memstore.New(sc.Name)
			a.Stores = append(a.Stores, store)
			if sc.Documents == "" {
				continue
			}
			docs, err := LoadDocuments(sc.Documents)
			if err != nil {
				return fmt.Errorf("store %s: %w", sc.Name, err)
			}
			chunker := retrieval.Chunker{Words: a.Config.Retrieval.ChunkWords, Overlap: a.Config.Retrieval.ChunkOverlap}
			n, err := retrieval.NewIngestor(a.Embedder, chunker, store).
				WithLogger(internallog.WithComponent(a.Logger, "ingest")).
				Ingest(ctx, docs)
			if err != nil {
				return fmt.Errorf("store %s: ingesting %s: %w", sc.Name, sc.Documents, err)
			}
			a.Logger.Info("documents indexed",
				slog.String("store", sc.Name),
				slog.Int("documents", len(docs)),
				slog.Int("chunks", n))
		}
	}
	return nil
}

func (a *App) newPipeline() *retrieval.Pipeline {
	var reranker retrieval.Reranker = retrieval.LexicalReranker{}
	if a.Config.Retrieval.Reranker == "hybrid" {
		reranker = retrieval.HybridReranker{Inner: retrieval.LexicalReranker{}}
	}
	opts := []retrieval.Option{
		retrieval.WithReranker(reranker),
		retrieval.WithRewriter(&retrieval.LLMRewriter{Model: a.Config.Retrieval.RewriteModel}),
		retrieval.WithCounter(budget.HeuristicCounter{}),
		retrieval.WithLogger(internallog.WithComponent(a.Logger, "retrieval")),
	}
	for _, s := range a.Stores {
		opts = append(opts, retrieval.WithStore(s))
	}
	return retrieval.NewPipeline(a.Embedder, opts...)
}

func (a *App) newRegistry() error {
	cfg := a.Config.Tools
	a.Registry = tools.NewRegistry().WithLogger(internallog.WithComponent(a.Logger, "tools"))

	if cfg.SQL.DSN != "" {
		db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
		if err != nil {
			return fmt.Errorf("opening sql tool database: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		if err := a.Registry.Register(builtin.NewSQLTool(db)); err != nil {
			return err
		}
	}

	if cfg.API.Enabled {
		api, err := builtin.NewAPITool(builtin.APIConfig{
			BaseURL:            cfg.API.BaseURL,
			DefaultHeaders:     cfg.API.Headers,
			Timeout:            cfg.API.Timeout,
			RateLimitPerMinute: cfg.API.RateLimitPerMinute,
		})
		if err != nil {
			return fmt.Errorf("creating api tool: %w", err)
		}
		if err := a.Registry.Register(api.WithLogger(internallog.WithComponent(a.Logger, "api_tool"))); err != nil {
			return err
		}
	}

	if cfg.Dir != "" {
		a.loader = custom.NewLoader(cfg.Dir, a.Registry).WithLogger(internallog.WithComponent(a.Logger, "custom_tools"))
		if err := a.loader.Sync(); err != nil {
			a.Logger.Warn("custom tools loaded with errors", internallog.Error(err))
		}
	}
	return nil
}

func newBackend(cfg config.BackendConfig) (backend.Backend, error) {
	switch cfg.Type {
	case config.BackendMemory:
		return memorybackend.New(), nil
	case config.BackendPostgres:
		be, err := postgres.New(postgres.Config{
			ConnectionString: cfg.Postgres.ConnectionString,
			MaxOpenConns:     cfg.Postgres.MaxOpenConns,
			MaxIdleConns:     cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime:  time.Duration(cfg.Postgres.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres backend: %w", err)
		}
		return be, nil
	default:
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("creating data directory: %w", err)
			}
		}
		be, err := sqlite.New(sqlite.Config{Path: cfg.SQLite.Path, WAL: cfg.SQLite.WAL})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite backend: %w", err)
		}
		return be, nil
	}
}
