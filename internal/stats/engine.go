package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/basewatch/indexer/internal/database"
)

// estimated bonding-curve liquidity when no pool data exists
const estimatedLiquidityFactor = 0.1

// Store is the persistence surface the engine needs
type Store interface {
	ListEnrichableTokens(ctx context.Context, chain string, limit int) ([]string, error)
	UpsertStats(ctx context.Context, st *database.TokenStats) error
	InsertHistory(ctx context.Context, samples []*database.HistorySample) error
	BaselinePrice(ctx context.Context, address string, since time.Time) (float64, bool, error)
	UpdateTokenAssets(ctx context.Context, chain, address string, logoURL, creator *string) error
	UpsertCreatorProfile(ctx context.Context, p *database.CreatorProfile) error
}

// StageAdvancer feeds refreshed stats back into the lifecycle
type StageAdvancer interface {
	AdvanceFromStats(ctx context.Context, address string, stats *database.TokenStats) (database.Stage, bool, error)
}

// Notifier pushes token updates to realtime subscribers
type Notifier interface {
	NotifyTokenUpdate(address string)
}

// Engine refreshes market stats for registered tokens: primary provider
// first, secondary for the misses, a zero row for tokens neither knows.
type Engine struct {
	store     Store
	primary   Provider
	secondary Provider
	registry  StageAdvancer
	notifier  Notifier
	chain     string
	batchSize int
	logger    zerolog.Logger
}

func NewEngine(store Store, primary, secondary Provider, registry StageAdvancer, notifier Notifier, chain string, batchSize int, logger zerolog.Logger) *Engine {
	if batchSize <= 0 || batchSize > 50 {
		batchSize = 50
	}
	return &Engine{
		store:     store,
		primary:   primary,
		secondary: secondary,
		registry:  registry,
		notifier:  notifier,
		chain:     chain,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "stats").Logger(),
	}
}

// Run performs one scheduled refresh pass over the stalest tokens
func (e *Engine) Run(ctx context.Context) error {
	addresses, err := e.store.ListEnrichableTokens(ctx, e.chain, e.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list tokens for refresh: %w", err)
	}
	if len(addresses) == 0 {
		return nil
	}
	return e.Refresh(ctx, addresses)
}

// Refresh fetches, persists and applies stats for the given addresses
func (e *Engine) Refresh(ctx context.Context, addresses []string) error {
	if len(addresses) > e.batchSize {
		addresses = addresses[:e.batchSize]
	}

	results, err := e.primary.FetchBatch(ctx, addresses)
	if err != nil {
		e.logger.Warn().Err(err).Str("provider", e.primary.Name()).Msg("Primary provider failed")
		if results == nil {
			results = make(map[string]*CoinStats)
		}
	}

	var missing []string
	for _, addr := range addresses {
		if _, ok := results[database.NormalizeAddress(addr)]; !ok {
			missing = append(missing, addr)
		}
	}

	if len(missing) > 0 && e.secondary != nil {
		fallback, err := e.secondary.FetchBatch(ctx, missing)
		if err != nil {
			e.logger.Warn().Err(err).Str("provider", e.secondary.Name()).Msg("Secondary provider failed")
		}
		for addr, stats := range fallback {
			results[addr] = stats
		}
	}

	// tokens neither provider knows get an explicit zero row so the
	// refresh cursor moves on instead of retrying them forever
	for _, addr := range addresses {
		norm := database.NormalizeAddress(addr)
		if _, ok := results[norm]; !ok {
			results[norm] = &CoinStats{Address: norm}
		}
	}

	now := time.Now().UTC()
	cutoff := now.Add(-24 * time.Hour)
	var history []*database.HistorySample
	updated := 0

	for _, addr := range addresses {
		norm := database.NormalizeAddress(addr)
		coin := results[norm]

		row := e.buildStatsRow(coin)

		// our own history beats the provider's percentage when a
		// baseline sample inside the window exists
		if row.Price > 0 {
			baseline, ok, err := e.store.BaselinePrice(ctx, norm, cutoff)
			if err != nil {
				e.logger.Warn().Err(err).Str("address", norm).Msg("Failed to load baseline price")
			} else if ok && baseline > 0 {
				row.PriceChange24h = (row.Price - baseline) / baseline * 100
			}
		}

		if err := e.store.UpsertStats(ctx, row); err != nil {
			e.logger.Error().Err(err).Str("address", norm).Msg("Failed to upsert stats")
			continue
		}
		updated++

		if row.Price > 0 || row.Volume24h > 0 || row.MarketCap > 0 {
			history = append(history, &database.HistorySample{
				TokenAddress: norm,
				Price:        row.Price,
				Volume:       row.Volume24h,
				Liquidity:    row.Liquidity,
				Holders:      row.Holders,
				Timestamp:    now,
			})
		}

		if coin.LogoURL != nil || coin.CreatorAddress != nil {
			if err := e.store.UpdateTokenAssets(ctx, e.chain, norm, coin.LogoURL, coin.CreatorAddress); err != nil {
				e.logger.Warn().Err(err).Str("address", norm).Msg("Failed to update token assets")
			}
		}
		if coin.CreatorProfile != nil {
			if err := e.store.UpsertCreatorProfile(ctx, coin.CreatorProfile); err != nil {
				e.logger.Warn().Err(err).Str("address", norm).Msg("Failed to upsert creator profile")
			}
		}

		if e.registry != nil {
			if _, _, err := e.registry.AdvanceFromStats(ctx, norm, row); err != nil {
				e.logger.Warn().Err(err).Str("address", norm).Msg("Failed to advance stage")
			}
		}

		if e.notifier != nil {
			e.notifier.NotifyTokenUpdate(norm)
		}
	}

	if len(history) > 0 {
		if err := e.store.InsertHistory(ctx, history); err != nil {
			e.logger.Error().Err(err).Msg("Failed to insert history samples")
		}
	}

	e.logger.Info().
		Int("tokens", len(addresses)).
		Int("updated", updated).
		Int("history", len(history)).
		Msg("Stats refresh complete")
	return nil
}

// buildStatsRow applies the liquidity tagging rules: real pool liquidity
// wins, otherwise a fraction of market cap stands in as an estimate.
func (e *Engine) buildStatsRow(coin *CoinStats) *database.TokenStats {
	row := &database.TokenStats{
		TokenAddress:   coin.Address,
		Price:          coin.Price,
		PriceChange24h: coin.PriceChange24h,
		Volume24h:      coin.Volume24h,
		MarketCap:      coin.MarketCap,
		Holders:        coin.Holders,
	}

	switch {
	case coin.LiquidityDex > 0:
		row.Liquidity = coin.LiquidityDex
		row.LiquidityDex = database.Float64Ptr(coin.LiquidityDex)
		row.LiquiditySource = database.StringPtr(database.LiquidityDex)
	case coin.MarketCap > 0:
		estimated := coin.MarketCap * estimatedLiquidityFactor
		row.Liquidity = estimated
		row.LiquidityEstimated = database.Float64Ptr(estimated)
		row.LiquiditySource = database.StringPtr(database.LiquidityEstimated)
	}

	return row
}
