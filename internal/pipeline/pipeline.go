// Package pipeline wires the discovery, classification and enrichment
// components together and runs them as one process.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/basewatch/indexer/internal/api"
	"github.com/basewatch/indexer/internal/backfill"
	"github.com/basewatch/indexer/internal/config"
	"github.com/basewatch/indexer/internal/database"
	"github.com/basewatch/indexer/internal/realtime"
	"github.com/basewatch/indexer/internal/registry"
	"github.com/basewatch/indexer/internal/rpc"
	"github.com/basewatch/indexer/internal/scanner"
	"github.com/basewatch/indexer/internal/scheduler"
	"github.com/basewatch/indexer/internal/stats"
)

// Pipeline is the full indexing process: websocket listener, periodic
// jobs and the HTTP API, sharing one database pool and one RPC client.
type Pipeline struct {
	config *config.Config

	db        *database.Database
	rpcClient *rpc.Client
	store     *database.Store

	reconciler *registry.Reconciler
	publisher  *realtime.Publisher
	listener   *realtime.Listener
	engine     *stats.Engine
	backfiller *backfill.Backfiller
	scanner    *scanner.Scanner
	scheduler  *scheduler.Scheduler
	apiServer  *api.Server

	logger zerolog.Logger
	wg     sync.WaitGroup
}

// New builds the pipeline from configuration. Migrations run before the
// pool opens so every component sees the final schema.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Pipeline, error) {
	if err := database.RunMigrations(ctx, &cfg.Database, logger); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	rpcClient, err := rpc.NewClient(cfg.Chain.RPCEndpoint, cfg.Chain.LogPageSize, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create RPC client: %w", err)
	}

	chain := cfg.Chain.Name
	store := database.NewStore(db, logger)
	reconciler := registry.NewReconciler(store, rpcClient, chain, logger)

	var publisher *realtime.Publisher
	var notifier stats.Notifier
	if cfg.Realtime.Enabled {
		publisher = realtime.NewPublisher(realtime.PublishConfig{
			APIURL: cfg.Realtime.APIURL,
			APIKey: cfg.Realtime.APIKey,
		}, db.Pool(), chain, logger)
		notifier = publisher
	}

	factoryAddr := common.HexToAddress(cfg.Chain.FactoryAddress)
	creationTopic := common.HexToHash(cfg.Chain.CreationTopic)

	zora := stats.NewZoraProvider(cfg.Providers.Zora.APIKey, cfg.Jobs.Stats.ProviderBatch, cfg.Jobs.Stats.BatchDelay, logger)
	dex := stats.NewDexScreenerProvider(logger)
	engine := stats.NewEngine(store, zora, dex, reconciler, notifier, chain, cfg.Jobs.Stats.BatchSize, logger)
	reconciler.SetStatsRefresher(engine)

	backfiller := backfill.New(cfg.Providers.Zora.APIKey, reconciler, store, engine, chain, cfg.Chain.FactoryAddress, cfg.Jobs.Backfill.PageSize, logger)

	scan := scanner.New(rpcClient, store, reconciler, chain, factoryAddr, creationTopic, scanner.Config{
		BlockWindow:  cfg.Jobs.Scan.BlockWindow,
		MaxCreations: cfg.Jobs.Scan.MaxCreations,
		Workers:      cfg.Jobs.Scan.Workers,
	}, logger)

	var listener *realtime.Listener
	if cfg.Chain.WSEndpoint != "" {
		listener = realtime.NewListener(cfg.Chain.WSEndpoint, chain, factoryAddr, creationTopic, store, reconciler, publisher, logger)
	}

	sched, err := scheduler.New(logger)
	if err != nil {
		rpcClient.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	apiServer := api.NewServer(db.Pool(), reconciler, chain, logger)

	return &Pipeline{
		config:     cfg,
		db:         db,
		rpcClient:  rpcClient,
		store:      store,
		reconciler: reconciler,
		publisher:  publisher,
		listener:   listener,
		engine:     engine,
		backfiller: backfiller,
		scanner:    scan,
		scheduler:  sched,
		apiServer:  apiServer,
		logger:     logger.With().Str("component", "pipeline").Logger(),
	}, nil
}

// Start runs the pipeline until ctx is cancelled, then shuts everything
// down and returns.
func (p *Pipeline) Start(ctx context.Context) error {
	p.logger.Info().
		Str("chain", p.config.Chain.Name).
		Str("factory", p.config.Chain.FactoryAddress).
		Msg("Starting pipeline")

	if p.listener != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.listener.Run(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("Realtime listener stopped")
			}
		}()
	}

	jobs := p.config.Jobs
	if err := p.scheduler.Add(ctx, "stats", jobs.Stats.Interval, p.engine); err != nil {
		return fmt.Errorf("failed to schedule stats job: %w", err)
	}
	if err := p.scheduler.Add(ctx, "backfill", jobs.Backfill.Interval, p.backfiller); err != nil {
		return fmt.Errorf("failed to schedule backfill job: %w", err)
	}
	if err := p.scheduler.Add(ctx, "scan", jobs.Scan.Interval, p.scanner); err != nil {
		return fmt.Errorf("failed to schedule scan job: %w", err)
	}
	p.scheduler.Start()

	addr := fmt.Sprintf(":%d", p.config.Server.Port)
	err := p.apiServer.Start(ctx, addr)

	p.Stop()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Stop tears down jobs and connections in dependency order.
func (p *Pipeline) Stop() {
	p.logger.Info().Msg("Stopping pipeline")

	p.scheduler.Stop()
	p.wg.Wait()

	if p.publisher != nil {
		if err := p.publisher.Close(); err != nil {
			p.logger.Error().Err(err).Msg("Failed to close publisher")
		}
	}
	p.rpcClient.Close()
	p.db.Close()

	p.logger.Info().Msg("Pipeline stopped")
}
