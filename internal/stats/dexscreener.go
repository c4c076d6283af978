package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/basewatch/indexer/internal/database"
	"github.com/basewatch/indexer/internal/retry"
)

const (
	dexScreenerBaseURL   = "https://api.dexscreener.com"
	dexScreenerBatchSize = 30
	dexScreenerDelay     = 300 * time.Millisecond
)

// DexScreenerProvider is the secondary source for tokens the primary API
// does not know. It accepts comma-joined address batches and returns DEX
// pairs; the best-liquidity pair per token wins.
type DexScreenerProvider struct {
	client   *resty.Client
	retryCfg retry.Config
	logger   zerolog.Logger
}

func NewDexScreenerProvider(logger zerolog.Logger) *DexScreenerProvider {
	return &DexScreenerProvider{
		client:   resty.New().SetBaseURL(dexScreenerBaseURL).SetTimeout(15 * time.Second),
		retryCfg: retry.DefaultConfig(),
		logger:   logger.With().Str("component", "dexscreener").Logger(),
	}
}

func (p *DexScreenerProvider) Name() string { return "dexscreener" }

func (p *DexScreenerProvider) FetchBatch(ctx context.Context, addresses []string) (map[string]*CoinStats, error) {
	results := make(map[string]*CoinStats)

	for i := 0; i < len(addresses); i += dexScreenerBatchSize {
		end := i + dexScreenerBatchSize
		if end > len(addresses) {
			end = len(addresses)
		}

		if err := p.fetchPairs(ctx, addresses[i:end], results); err != nil {
			p.logger.Warn().Err(err).Msg("DexScreener batch failed")
		}

		if end < len(addresses) {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(dexScreenerDelay):
			}
		}
	}

	p.logger.Debug().
		Int("requested", len(addresses)).
		Int("found", len(results)).
		Msg("DexScreener batch complete")
	return results, nil
}

func (p *DexScreenerProvider) fetchPairs(ctx context.Context, batch []string, results map[string]*CoinStats) error {
	var raw []byte
	err := retry.WithBackoff(ctx, p.retryCfg, p.logger, "dexscreener pairs", func() error {
		resp, err := p.client.R().
			SetContext(ctx).
			Get("/latest/dex/tokens/" + strings.Join(batch, ","))
		if err != nil {
			return fmt.Errorf("failed to execute request: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode())
		}
		raw = resp.Body()
		return nil
	})
	if err != nil {
		return err
	}

	var body struct {
		Pairs []dexPair `json:"pairs"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	best := make(map[string]*dexPair)
	for i := range body.Pairs {
		pair := &body.Pairs[i]
		addr := database.NormalizeAddress(pair.BaseToken.Address)
		if addr == "" {
			continue
		}
		if current, ok := best[addr]; !ok || pair.Liquidity.USD > current.Liquidity.USD {
			best[addr] = pair
		}
	}

	for addr, pair := range best {
		stats := &CoinStats{
			Address:        addr,
			Price:          pair.priceUSD(),
			PriceChange24h: pair.PriceChange.H24,
			Volume24h:      pair.Volume.H24,
			MarketCap:      pair.FDV,
			LiquidityDex:   pair.Liquidity.USD,
		}
		if pair.Info.ImageURL != "" {
			logo := pair.Info.ImageURL
			stats.LogoURL = &logo
		}
		results[addr] = stats
	}
	return nil
}

type dexPair struct {
	BaseToken struct {
		Address string `json:"address"`
	} `json:"baseToken"`
	PriceUSD string `json:"priceUsd"`
	Volume   struct {
		H24 float64 `json:"h24"`
	} `json:"volume"`
	PriceChange struct {
		H24 float64 `json:"h24"`
	} `json:"priceChange"`
	Liquidity struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	FDV  float64 `json:"fdv"`
	Info struct {
		ImageURL string `json:"imageUrl"`
	} `json:"info"`
}

func (p *dexPair) priceUSD() float64 {
	f, err := strconv.ParseFloat(p.PriceUSD, 64)
	if err != nil {
		return 0
	}
	return f
}
