package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/basewatch/indexer/internal/config"
	"github.com/basewatch/indexer/internal/database"
	"github.com/basewatch/indexer/internal/registry"
	"github.com/basewatch/indexer/internal/rpc"
	"github.com/basewatch/indexer/internal/scanner"
)

// One-shot block scan. Sweeps an explicit range, or the trailing
// configured window when no range is given, then exits.
func main() {
	var (
		configPath string
		fromBlock  uint64
		toBlock    uint64
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Uint64Var(&fromBlock, "from", 0, "Starting block")
	flag.Uint64Var(&toBlock, "to", 0, "Ending block")
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

	s := scanner.New(rpcClient, store, reconciler, chain,
		common.HexToAddress(cfg.Chain.FactoryAddress),
		common.HexToHash(cfg.Chain.CreationTopic),
		scanner.Config{
			BlockWindow:  cfg.Jobs.Scan.BlockWindow,
			MaxCreations: cfg.Jobs.Scan.MaxCreations,
			Workers:      cfg.Jobs.Scan.Workers,
		}, logger)

	if toBlock > 0 {
		if fromBlock > toBlock {
			logger.Fatal().Uint64("from", fromBlock).Uint64("to", toBlock).Msg("Invalid block range")
		}
		err = s.ScanRange(ctx, fromBlock, toBlock)
	} else {
		err = s.Run(ctx)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("Scan failed")
	}

	logger.Info().Msg("Scan complete")
}
