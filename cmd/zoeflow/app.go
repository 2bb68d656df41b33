package main

import (
	"log/slog"

	"github.com/zoeflow/zoeflow/cache"
	"github.com/zoeflow/zoeflow/config"
	"github.com/zoeflow/zoeflow/embedding"
	"github.com/zoeflow/zoeflow/enrich"
	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/flow"
	"github.com/zoeflow/zoeflow/ingestion"
	"github.com/zoeflow/zoeflow/llm"
	"github.com/zoeflow/zoeflow/status"
	"github.com/zoeflow/zoeflow/storage"
	"github.com/zoeflow/zoeflow/textsplitter"
	"github.com/zoeflow/zoeflow/usage"
	"github.com/zoeflow/zoeflow/vectorstore"
)

// app wires the services once per command invocation.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	paths  storage.Paths
	docs   *storage.DocumentStore
	meta   *storage.MetadataStore
	broker *status.Broker
	ledger *usage.Ledger

	client   llm.Client
	embedder embedding.Embedder

	ingest  *ingestion.Service
	vectors *vectorstore.Service
	engine  *flow.Engine
	flows   func() (*flow.Registry, error)
}

// newApp loads the configuration and constructs the full service tree
// on the content root.
func newApp(flags *rootFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.contentDir != "" {
		cfg.ContentDir = flags.contentDir
	}
	if flags.verbose {
		cfg.Verbose = true
	}
	logger := cfg.Logger()

	client, embedder, err := buildProvider(cfg, logger)
	if err != nil {
		return nil, err
	}

	paths := storage.NewPaths(cfg.ContentDir)
	docs := storage.NewDocumentStore(paths)
	meta := storage.NewMetadataStore(paths, logger)
	manager := vectorstore.NewManager(paths, cfg.UseVectra, logger)

	chunkCache := cache.NewEmbeddingCache(paths.EmbeddingCachePath(), logger)
	queryCache := cache.NewEmbeddingCache(paths.QueryCachePath(), logger)
	enrichCache := cache.NewEnrichmentCache(paths.EnrichmentCachePath(), logger)
	ledger := usage.NewLedger(paths.UsageLedgerPath(), logger)

	var enricher *enrich.Enricher
	if cfg.EnrichmentEnabled {
		enricher = enrich.NewEnricher(client, enrichCache, ledger,
			cfg.EnrichmentModel, cfg.EnrichmentPromptVersion,
			enrich.ParseContentSet(cfg.EnrichmentContentSet), logger)
	}

	splitter := textsplitter.NewSplitter(textsplitter.DefaultChunkTokens, textsplitter.DefaultOverlapTokens, nil)
	broker := status.NewBroker(meta, nil, logger)
	pipeline := ingestion.NewPipeline(meta, manager, embedder, chunkCache, enricher, splitter, ledger, broker, cfg.EmbeddingModel, logger)
	ingest := ingestion.NewService(docs, meta, manager, pipeline, nil, broker, chunkCache, enrichCache, logger)
	vectors := vectorstore.NewService(manager, embedder, chunkCache, queryCache, ledger, cfg.EmbeddingModel, logger)
	engine := flow.NewEngine(client, vectors, docs, ledger, cfg.Model, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		paths:    paths,
		docs:     docs,
		meta:     meta,
		broker:   broker,
		ledger:   ledger,
		client:   client,
		embedder: embedder,
		ingest:   ingest,
		vectors:  vectors,
		engine:   engine,
		flows: func() (*flow.Registry, error) {
			return flow.NewRegistry(paths.FlowsDir(), logger)
		},
	}, nil
}

// buildProvider resolves the chat client and embedder for the
// configured provider. Bedrock lives in its own sub-module so that the
// AWS SDK stays out of this binary; deployments that need it embed
// llm/bedrock in their own main.
func buildProvider(cfg config.Config, logger *slog.Logger) (llm.Client, embedding.Embedder, error) {
	switch cfg.Provider {
	case config.ProviderOpenRouter:
		client := llm.NewOpenRouterClient(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL, cfg.Model, logger)
		embedder := embedding.NewOpenRouterEmbedder(cfg.OpenRouterBaseURL, cfg.EmbeddingModel, cfg.OpenRouterAPIKey)
		return client, embedder, nil
	case config.ProviderBedrock:
		return nil, nil, errs.New(errs.KindValidation,
			"provider bedrock is not bundled with this binary; build a main that wires llm/bedrock")
	default:
		return nil, nil, errs.Errorf(errs.KindValidation, "unknown llm provider %q", cfg.Provider)
	}
}

func (a *app) Close() {
	a.broker.Close()
}
