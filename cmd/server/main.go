package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/basewatch/indexer/internal/api"
	"github.com/basewatch/indexer/internal/config"
	"github.com/basewatch/indexer/internal/database"
	"github.com/basewatch/indexer/internal/registry"
	"github.com/basewatch/indexer/internal/rpc"
	"github.com/basewatch/indexer/internal/stats"
)

// API-only process. Runs the HTTP read surface without the listener or
// the periodic jobs, for deployments that split ingest from serving.
func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	logger.Info().
		Str("version", "0.1.0").
		Str("config", configPath).
		Msg("Starting Basewatch API Server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Address lookups can still trigger an on-demand resolve, so the
	// API process keeps its own RPC client.
	rpcClient, err := rpc.NewClient(cfg.Chain.RPCEndpoint, cfg.Chain.LogPageSize, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create RPC client")
	}
	defer rpcClient.Close()

	store := database.NewStore(db, logger)
	reconciler := registry.NewReconciler(store, rpcClient, cfg.Chain.Name, logger)

	// resolved tokens get their first stats pass inline
	zora := stats.NewZoraProvider(cfg.Providers.Zora.APIKey, cfg.Jobs.Stats.ProviderBatch, cfg.Jobs.Stats.BatchDelay, logger)
	dex := stats.NewDexScreenerProvider(logger)
	engine := stats.NewEngine(store, zora, dex, reconciler, nil, cfg.Chain.Name, cfg.Jobs.Stats.BatchSize, logger)
	reconciler.SetStatsRefresher(engine)

	server := api.NewServer(db.Pool(), reconciler, cfg.Chain.Name, logger)
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	if err := server.Start(ctx, addr); err != nil {
		logger.Fatal().Err(err).Msg("API server failed")
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05.000",
		}
		logger = zerolog.New(output).Level(level).With().Timestamp().Caller().Logger()
	} else {
		logger = zerolog.New(os.Stdout).Level(level).With().Timestamp().Caller().Logger()
	}

	return logger
}
