package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/basewatch/indexer/internal/backfill"
	"github.com/basewatch/indexer/internal/config"
	"github.com/basewatch/indexer/internal/database"
	"github.com/basewatch/indexer/internal/registry"
	"github.com/basewatch/indexer/internal/rpc"
	"github.com/basewatch/indexer/internal/stats"
)

// One-shot listing backfill. Pages the platform listing a fixed number
// of times and refreshes stats for whatever it ingests, then exits.
func main() {
	var (
		configPath string
		pages      int
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.IntVar(&pages, "pages", 1, "Number of listing pages to ingest")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		Level(zerolog.DebugLevel).
		With().Timestamp().Logger()

	ctx := context.Background()

	if err := database.RunMigrations(ctx, &cfg.Database, logger); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	rpcClient, err := rpc.NewClient(cfg.Chain.RPCEndpoint, cfg.Chain.LogPageSize, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create RPC client")
	}
	defer rpcClient.Close()

	chain := cfg.Chain.Name
	store := database.NewStore(db, logger)
	reconciler := registry.NewReconciler(store, rpcClient, chain, logger)

	zora := stats.NewZoraProvider(cfg.Providers.Zora.APIKey, cfg.Jobs.Stats.ProviderBatch, cfg.Jobs.Stats.BatchDelay, logger)
	dex := stats.NewDexScreenerProvider(logger)
	engine := stats.NewEngine(store, zora, dex, reconciler, nil, chain, cfg.Jobs.Stats.BatchSize, logger)

	b := backfill.New(cfg.Providers.Zora.APIKey, reconciler, store, engine, chain, cfg.Chain.FactoryAddress, cfg.Jobs.Backfill.PageSize, logger)

	for i := 0; i < pages; i++ {
		if err := b.Run(ctx); err != nil {
			logger.Fatal().Err(err).Int("page", i+1).Msg("Backfill failed")
		}
	}

	logger.Info().Int("pages", pages).Msg("Backfill complete")
}
