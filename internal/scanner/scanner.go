// Package scanner is the safety-net discovery source: it sweeps a trailing
// block window for factory creations the websocket may have missed and
// classifies fresh contract deployments by their bytecode.
package scanner

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/basewatch/indexer/internal/database"
	"github.com/basewatch/indexer/internal/factory"
	"github.com/basewatch/indexer/internal/fingerprint"
	"github.com/basewatch/indexer/internal/registry"
	"github.com/basewatch/indexer/internal/rpc"
)

// ChainClient is the RPC surface the scanner needs
type ChainClient interface {
	GetLatestBlockNumber(ctx context.Context) (uint64, error)
	GetLogsPaged(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topics [][]common.Hash) ([]types.Log, error)
	GetContractCreations(ctx context.Context, fromBlock, toBlock uint64) ([]rpc.AssetTransfer, error)
	GetCode(ctx context.Context, address common.Address) ([]byte, error)
	GetBlockTimestamp(ctx context.Context, number uint64) (time.Time, error)
}

// FingerprintStore loads the matcher reference data and receives the
// detections a sweep produces.
type FingerprintStore interface {
	ActiveFingerprints(ctx context.Context) ([]database.Fingerprint, error)
	InsertDetection(ctx context.Context, d *database.Detection) error
	InsertDetections(ctx context.Context, detections []*database.Detection) error
}

type Config struct {
	BlockWindow  uint64
	MaxCreations int
	Workers      int64
}

type Scanner struct {
	client        ChainClient
	store         FingerprintStore
	reconciler    *registry.Reconciler
	chain         string
	factoryAddr   common.Address
	creationTopic common.Hash
	cfg           Config
	logger        zerolog.Logger
}

func New(client ChainClient, store FingerprintStore, reconciler *registry.Reconciler, chain string, factoryAddr common.Address, creationTopic common.Hash, cfg Config, logger zerolog.Logger) *Scanner {
	if cfg.BlockWindow == 0 {
		cfg.BlockWindow = 100
	}
	if cfg.MaxCreations <= 0 {
		cfg.MaxCreations = 20
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	return &Scanner{
		client:        client,
		store:         store,
		reconciler:    reconciler,
		chain:         chain,
		factoryAddr:   factoryAddr,
		creationTopic: creationTopic,
		cfg:           cfg,
		logger:        logger.With().Str("component", "scanner").Logger(),
	}
}

// Run performs one full sweep of the trailing window
func (s *Scanner) Run(ctx context.Context) error {
	latest, err := s.client.GetLatestBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get latest block: %w", err)
	}

	from := uint64(0)
	if latest > s.cfg.BlockWindow {
		from = latest - s.cfg.BlockWindow
	}

	return s.ScanRange(ctx, from, latest)
}

// ScanRange sweeps an explicit block range through both detection paths
// and drains the resulting queue.
func (s *Scanner) ScanRange(ctx context.Context, from, to uint64) error {
	s.logger.Info().
		Uint64("from", from).
		Uint64("to", to).
		Msg("Scanning block window")

	factoryFound, err := s.scanFactoryLogs(ctx, from, to)
	if err != nil {
		s.logger.Error().Err(err).Msg("Factory log sweep failed")
	}

	bytecodeFound, err := s.scanContractCreations(ctx, from, to)
	if err != nil {
		s.logger.Error().Err(err).Msg("Contract creation sweep failed")
	}

	if _, err := s.reconciler.ProcessPending(ctx, 200); err != nil {
		return fmt.Errorf("failed to drain detections: %w", err)
	}

	s.logger.Info().
		Int("factory_logs", factoryFound).
		Int("bytecode_matches", bytecodeFound).
		Msg("Scan complete")
	return nil
}

// scanFactoryLogs replays the factory creation filter over the window
func (s *Scanner) scanFactoryLogs(ctx context.Context, from, to uint64) (int, error) {
	logs, err := s.client.GetLogsPaged(ctx, from, to,
		[]common.Address{s.factoryAddr},
		[][]common.Hash{{s.creationTopic}},
	)
	if err != nil {
		return 0, err
	}

	var detections []*database.Detection
	blockTimes := make(map[uint64]time.Time)
	for _, log := range logs {
		decoded, err := factory.Decode(log)
		if err != nil {
			s.logger.Warn().Err(err).Str("tx", log.TxHash.Hex()).Msg("Skipping undecodable factory log")
			continue
		}

		creator := database.AddressToString(decoded.Creator)
		now := time.Now().UTC()
		// the log carries its block, so the launch time is the block
		// time rather than when the sweep happened to run
		launch := now
		if ts, ok := blockTimes[log.BlockNumber]; ok {
			launch = ts
		} else if ts, err := s.client.GetBlockTimestamp(ctx, log.BlockNumber); err == nil {
			blockTimes[log.BlockNumber] = ts
			launch = ts
		}
		payload := registry.Payload{
			Name:            decoded.Name,
			Symbol:          decoded.Symbol,
			Platform:        "zora",
			Creator:         &creator,
			LaunchTimestamp: &launch,
		}

		txHash := database.HashToString(log.TxHash)
		blockNumber := log.BlockNumber
		logIndex := int64(log.Index)
		factoryAddr := database.AddressToString(s.factoryAddr)

		detection := &database.Detection{
			Chain:          s.chain,
			Address:        database.AddressToString(decoded.Token),
			Source:         database.SourceScan,
			TxHash:         &txHash,
			BlockNumber:    &blockNumber,
			LogIndex:       &logIndex,
			FactoryAddress: &factoryAddr,
			RawData:        payload.Encode(),
			DetectedAt:     now,
		}
		detections = append(detections, detection)
	}

	if len(detections) > 0 {
		if err := s.store.InsertDetections(ctx, detections); err != nil {
			return 0, err
		}
	}
	return len(detections), nil
}

// scanContractCreations classifies fresh deployments by bytecode,
// capped per pass and fanned out under a semaphore.
func (s *Scanner) scanContractCreations(ctx context.Context, from, to uint64) (int, error) {
	fingerprints, err := s.store.ActiveFingerprints(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load fingerprints: %w", err)
	}
	matcher := fingerprint.NewMatcher(fingerprints)

	creations, err := s.client.GetContractCreations(ctx, from, to)
	if err != nil {
		return 0, err
	}
	if len(creations) > s.cfg.MaxCreations {
		creations = creations[:s.cfg.MaxCreations]
	}

	sem := semaphore.NewWeighted(s.cfg.Workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	found := 0

	for _, creation := range creations {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(c rpc.AssetTransfer) {
			defer wg.Done()
			defer sem.Release(1)

			if s.classifyCreation(ctx, matcher, c) {
				mu.Lock()
				found++
				mu.Unlock()
			}
		}(creation)
	}
	wg.Wait()

	return found, nil
}

func (s *Scanner) classifyCreation(ctx context.Context, matcher *fingerprint.Matcher, creation rpc.AssetTransfer) bool {
	addr := contractAddressOf(creation)
	if addr == nil {
		return false
	}

	code, err := s.client.GetCode(ctx, *addr)
	if err != nil {
		s.logger.Warn().Err(err).Str("address", addr.Hex()).Msg("Failed to fetch bytecode")
		return false
	}
	if len(code) == 0 {
		return false
	}

	match := matcher.Match(hex.EncodeToString(code))
	if match == nil {
		return false
	}

	now := time.Now().UTC()
	payload := registry.Payload{
		Platform:        match.Platform(),
		LaunchTimestamp: s.creationTimestamp(ctx, creation),
	}

	txHash := strings.ToLower(creation.Hash)
	detection := &database.Detection{
		Chain:              s.chain,
		Address:            database.AddressToString(*addr),
		Source:             database.SourceScan,
		TxHash:             &txHash,
		BlockNumber:        blockNumberOf(creation),
		MatchedFingerprint: &match.FingerprintID,
		RawData:            payload.Encode(),
		DetectedAt:         now,
	}

	if err := s.store.InsertDetection(ctx, detection); err != nil {
		s.logger.Error().Err(err).Str("address", detection.Address).Msg("Failed to record detection")
		return false
	}

	s.logger.Debug().
		Str("address", detection.Address).
		Str("fingerprint", match.FingerprintID).
		Int("confidence", match.Confidence).
		Msg("Bytecode match")
	return true
}

func contractAddressOf(creation rpc.AssetTransfer) *common.Address {
	raw := creation.RawContract.Address
	if raw == "" {
		return nil
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return nil
	}
	return &addr
}

func blockNumberOf(creation rpc.AssetTransfer) *uint64 {
	s := strings.TrimPrefix(creation.BlockNum, "0x")
	if s == "" {
		return nil
	}
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return nil
	}
	return &n
}

// creationTimestamp prefers the timestamp the transfers API already
// returned; otherwise it costs one header fetch.
func (s *Scanner) creationTimestamp(ctx context.Context, creation rpc.AssetTransfer) *time.Time {
	if creation.Metadata.BlockTimestamp != "" {
		if ts, err := time.Parse(time.RFC3339, creation.Metadata.BlockTimestamp); err == nil {
			return &ts
		}
	}
	if num := blockNumberOf(creation); num != nil {
		if ts, err := s.client.GetBlockTimestamp(ctx, *num); err == nil {
			return &ts
		}
	}
	now := time.Now().UTC()
	return &now
}
