package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"gokernel/internal/config"
	"gokernel/internal/embedding"
	"gokernel/internal/kernel"
	"gokernel/internal/logging"
	"gokernel/internal/memory"
	"gokernel/internal/metrics"
	"gokernel/internal/plugins"
	"gokernel/internal/provider"
	providerfactory "gokernel/internal/provider/factory"
	"gokernel/internal/search"
	"gokernel/internal/search/bing"
	"gokernel/internal/search/google"
	"gokernel/internal/tokens"
	"gokernel/internal/vectorstore"
	"gokernel/internal/vectorstore/mongodb"
	"gokernel/internal/vectorstore/pinecone"
	"gokernel/internal/vectorstore/qdrant"
)

// app holds everything a command needs, built from one configuration.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	gatherer *prometheus.Registry
	registry *provider.Registry
	kernel   *kernel.Kernel
	memory   *memory.TextMemory
	engine   search.Engine

	closers []func(context.Context) error
}

func loadConfig(opts *rootOptions) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if opts.configPath == "" {
		cfg, err = config.FromEnv()
	} else {
		cfg, err = config.Load(opts.configPath)
	}
	if err != nil {
		return config.Config{}, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.noColor {
		cfg.Log.NoColor = true
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	logger, err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.NoColor)
	if err != nil {
		return nil, err
	}

	gatherer := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(gatherer)
	if err != nil {
		return nil, err
	}

	factoryOpts := providerfactory.Options{Metrics: recorder, Logger: logger}
	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(ctx, cfg, registry, factoryOpts); err != nil {
		return nil, err
	}
	client := providerfactory.NewHTTPClient(cfg.Retry, factoryOpts)

	a := &app{cfg: cfg, logger: logger, gatherer: gatherer, registry: registry}

	if a.memory, err = a.buildMemory(ctx, client); err != nil {
		a.close(context.Background())
		return nil, err
	}
	if a.engine, err = buildSearchEngine(cfg.Search, client); err != nil {
		a.close(context.Background())
		return nil, err
	}

	kernelOpts := []kernel.Option{
		kernel.WithDefaultModel(cfg.Kernel.DefaultModel),
		kernel.WithMaxAutoInvokeAttempts(cfg.Kernel.MaxAutoInvokeAttempts),
		kernel.WithMaxInflightAutoInvokes(cfg.Kernel.MaxInflightAutoInvokes),
		kernel.WithConcurrentInvocation(cfg.Kernel.AllowConcurrentInvocation),
		kernel.WithMetrics(recorder),
		kernel.WithLogger(logger),
	}
	if cfg.Kernel.HistoryTokenBudget > 0 {
		counter, err := tokens.New(tokens.DefaultEncoding)
		if err != nil {
			a.close(context.Background())
			return nil, err
		}
		kernelOpts = append(kernelOpts, kernel.WithHistoryTokenBudget(cfg.Kernel.HistoryTokenBudget, counter))
	}

	if a.kernel, err = kernel.New(registry, kernelOpts...); err != nil {
		a.close(context.Background())
		return nil, err
	}
	if err := a.addPlugins(); err != nil {
		a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) addPlugins() error {
	builtins := []func() (*kernel.Plugin, error){
		func() (*kernel.Plugin, error) { return plugins.Time(nil) },
		plugins.Math,
	}
	if a.engine != nil {
		builtins = append(builtins, func() (*kernel.Plugin, error) { return plugins.Search(a.engine) })
	}
	if a.memory != nil {
		builtins = append(builtins, func() (*kernel.Plugin, error) { return plugins.Memory(a.memory) })
	}

	for _, build := range builtins {
		p, err := build()
		if err != nil {
			return err
		}
		if err := a.kernel.AddPlugin(p); err != nil {
			return err
		}
		a.logger.Debug("registered plugin", "plugin", p.Name, "functions", len(p.Functions()))
	}
	return nil
}

// buildMemory returns nil when no embeddings provider is configured.
func (a *app) buildMemory(ctx context.Context, client *http.Client) (*memory.TextMemory, error) {
	embedder, err := providerfactory.NewEmbedder(a.cfg.Embeddings, a.registry)
	if err != nil || embedder == nil {
		return nil, err
	}

	var genOpts []embedding.Option
	if a.cfg.Embeddings.Dimensions > 0 {
		genOpts = append(genOpts, embedding.WithDimensions(a.cfg.Embeddings.Dimensions))
	}
	generator, err := embedding.New(embedder, a.cfg.Embeddings.Model, genOpts...)
	if err != nil {
		return nil, err
	}

	store, closer, err := buildVectorStore(ctx, a.cfg.VectorStore, client)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	a.logger.Debug("text memory enabled", "store", a.cfg.VectorStore.Kind, "embeddings", a.cfg.Embeddings.Provider, "model", a.cfg.Embeddings.Model)
	return memory.New(store, generator, a.cfg.Embeddings.Dimensions)
}

func buildVectorStore(ctx context.Context, cfg config.VectorStoreConfig, client *http.Client) (vectorstore.Store, func(context.Context) error, error) {
	switch cfg.Kind {
	case "", "memory":
		return vectorstore.NewMemoryStore(), nil, nil
	case "qdrant":
		s, err := qdrant.New(cfg.Qdrant.URL, cfg.Qdrant.APIKey, client)
		return s, nil, err
	case "pinecone":
		s, err := pinecone.New(cfg.Pinecone.IndexHost, cfg.Pinecone.APIKey, client)
		return s, nil, err
	case "mongodb":
		s, err := mongodb.Connect(ctx, cfg.MongoDB.URI, cfg.MongoDB.Database, cfg.MongoDB.IndexName)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown vector store kind %q", cfg.Kind)
	}
}

// buildSearchEngine returns nil when no engine is configured.
func buildSearchEngine(cfg config.SearchConfig, client *http.Client) (search.Engine, error) {
	switch cfg.Kind {
	case "":
		return nil, nil
	case "bing":
		return bing.New(cfg.BaseURL, cfg.APIKey, client)
	case "google":
		return google.New(cfg.BaseURL, cfg.APIKey, cfg.EngineID, client)
	default:
		return nil, fmt.Errorf("unknown search kind %q", cfg.Kind)
	}
}

func (a *app) requireMemory() error {
	if a.memory == nil {
		return errors.New("text memory requires an embeddings section in the configuration")
	}
	return nil
}

func (a *app) close(ctx context.Context) {
	for _, c := range a.closers {
		if err := c(ctx); err != nil {
			a.logger.Warn("close resource", "err", err)
		}
	}
	a.closers = nil
}

// withApp loads configuration, builds the app and runs fn, releasing
// resources afterwards.
func withApp(ctx context.Context, opts *rootOptions, mutate func(*config.Config), fn func(context.Context, *app) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if mutate != nil {
		mutate(&cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	return fn(ctx, a)
}
