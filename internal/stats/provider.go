// Package stats enriches registered tokens with market data from external
// providers and feeds the results back into the lifecycle stage machine.
package stats

import (
	"context"

	"github.com/basewatch/indexer/internal/database"
)

// CoinStats is the normalized market snapshot for one token, as reported
// by a provider. LiquidityDex is real pool liquidity; zero means the
// provider had none, which the engine may replace with an estimate.
type CoinStats struct {
	Address        string
	Price          float64
	PriceChange24h float64
	Volume24h      float64
	MarketCap      float64
	LiquidityDex   float64
	Holders        int64

	// optional token enrichment discovered alongside the numbers
	LogoURL        *string
	CreatorAddress *string
	CreatorProfile *database.CreatorProfile
}

// Provider fetches market data for a set of addresses. Unknown addresses
// are simply absent from the result; only transport-level failures error.
type Provider interface {
	Name() string
	FetchBatch(ctx context.Context, addresses []string) (map[string]*CoinStats, error)
}
