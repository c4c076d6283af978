package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/basewatch/indexer/internal/database"
	"github.com/basewatch/indexer/internal/retry"
)

const (
	zoraBaseURL = "https://api-sdk.zora.engineering"
	baseChainID = 8453
)

// ZoraProvider is the primary market data source. The API serves one coin
// per request, so batches are fanned out in small parallel groups with a
// delay in between to stay under its rate limit.
type ZoraProvider struct {
	client     *resty.Client
	apiKey     string
	batchSize  int
	batchDelay time.Duration
	retryCfg   retry.Config
	logger     zerolog.Logger
}

func NewZoraProvider(apiKey string, batchSize int, batchDelay time.Duration, logger zerolog.Logger) *ZoraProvider {
	if batchSize <= 0 {
		batchSize = 5
	}
	return &ZoraProvider{
		client:     resty.New().SetBaseURL(zoraBaseURL).SetTimeout(15 * time.Second),
		apiKey:     apiKey,
		batchSize:  batchSize,
		batchDelay: batchDelay,
		retryCfg: retry.Config{
			MaxRetries:    3,
			InitialDelay:  time.Second,
			MaxDelay:      8 * time.Second,
			Multiplier:    2.0,
			JitterEnabled: true,
		},
		logger: logger.With().Str("component", "zora").Logger(),
	}
}

func (p *ZoraProvider) Name() string { return "zora" }

// FetchBatch retrieves coins one request each, in sub-batches
func (p *ZoraProvider) FetchBatch(ctx context.Context, addresses []string) (map[string]*CoinStats, error) {
	results := make(map[string]*CoinStats)
	var mu sync.Mutex

	for i := 0; i < len(addresses); i += p.batchSize {
		end := i + p.batchSize
		if end > len(addresses) {
			end = len(addresses)
		}

		var wg sync.WaitGroup
		for _, address := range addresses[i:end] {
			wg.Add(1)
			go func(addr string) {
				defer wg.Done()
				stats, err := p.fetchCoin(ctx, addr)
				if err != nil {
					p.logger.Warn().Err(err).Str("address", addr).Msg("Failed to fetch coin")
					return
				}
				if stats != nil {
					mu.Lock()
					results[database.NormalizeAddress(addr)] = stats
					mu.Unlock()
				}
			}(address)
		}
		wg.Wait()

		if end < len(addresses) && p.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(p.batchDelay):
			}
		}
	}

	p.logger.Debug().
		Int("requested", len(addresses)).
		Int("found", len(results)).
		Msg("Zora batch complete")
	return results, nil
}

func (p *ZoraProvider) fetchCoin(ctx context.Context, address string) (*CoinStats, error) {
	var body []byte
	err := retry.WithBackoff(ctx, p.retryCfg, p.logger, "zora coin", func() error {
		req := p.client.R().
			SetContext(ctx).
			SetHeader("Accept", "application/json").
			SetQueryParam("address", address).
			SetQueryParam("chain", strconv.Itoa(baseChainID))
		if p.apiKey != "" {
			req.SetHeader("api-key", p.apiKey)
		}

		resp, err := req.Get("/coin")
		if err != nil {
			return fmt.Errorf("failed to execute request: %w", err)
		}
		if resp.StatusCode() == http.StatusTooManyRequests {
			return fmt.Errorf("rate limited")
		}
		if resp.StatusCode() == http.StatusNotFound {
			body = nil
			return nil
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode())
		}
		body = resp.Body()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	var envelope struct {
		Zora20Token *zoraCoin `json:"zora20Token"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if envelope.Zora20Token == nil {
		return nil, nil
	}
	return envelope.Zora20Token.toCoinStats(address), nil
}

// flexible number: the API mixes strings and numbers across fields
type zoraNumber float64

func (n *zoraNumber) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*n = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*n = 0
		return nil
	}
	*n = zoraNumber(f)
	return nil
}

type zoraCoin struct {
	MarketCap     zoraNumber `json:"marketCap"`
	Volume24h     zoraNumber `json:"volume24h"`
	Volume        zoraNumber `json:"volume"`
	UniqueHolders int64      `json:"uniqueHolders"`

	TokenPrice struct {
		PriceInUsdc           zoraNumber  `json:"priceInUsdc"`
		PriceChangePercent24h *zoraNumber `json:"priceChangePercent24h"`
		Price24hAgoInUsdc     zoraNumber  `json:"price24hAgoInUsdc"`
	} `json:"tokenPrice"`
	PriceChangePercent24h *zoraNumber `json:"priceChangePercent24h"`

	TotalValueLocked zoraNumber `json:"totalValueLocked"`
	Liquidity        zoraNumber `json:"liquidity"`
	PoolBalance      zoraNumber `json:"poolBalance"`

	MediaContent struct {
		OriginalURI  string `json:"originalUri"`
		PreviewImage struct {
			Small  string `json:"small"`
			Medium string `json:"medium"`
		} `json:"previewImage"`
	} `json:"mediaContent"`

	CreatorAddress string `json:"creatorAddress"`
	CreatorProfile struct {
		Handle string `json:"handle"`
		Avatar struct {
			PreviewImage struct {
				Medium string `json:"medium"`
			} `json:"previewImage"`
		} `json:"avatar"`
	} `json:"creatorProfile"`
}

func (c *zoraCoin) toCoinStats(address string) *CoinStats {
	price := float64(c.TokenPrice.PriceInUsdc)

	volume := float64(c.Volume24h)
	if volume == 0 {
		volume = float64(c.Volume)
	}

	// prefer the dedicated percentage fields, then derive from the
	// 24h-ago price. The absolute market cap delta is never used here
	// because it is not a percentage.
	var change float64
	switch {
	case c.PriceChangePercent24h != nil:
		change = float64(*c.PriceChangePercent24h)
	case c.TokenPrice.PriceChangePercent24h != nil:
		change = float64(*c.TokenPrice.PriceChangePercent24h)
	}
	if change == 0 {
		if ago := float64(c.TokenPrice.Price24hAgoInUsdc); ago > 0 && price > 0 {
			change = (price - ago) / ago * 100
		}
	}

	liquidity := float64(c.TotalValueLocked)
	if liquidity == 0 {
		liquidity = float64(c.PoolBalance)
	}
	if liquidity == 0 {
		liquidity = float64(c.Liquidity)
	}

	stats := &CoinStats{
		Address:        database.NormalizeAddress(address),
		Price:          price,
		PriceChange24h: change,
		Volume24h:      volume,
		MarketCap:      float64(c.MarketCap),
		LiquidityDex:   liquidity,
		Holders:        c.UniqueHolders,
	}

	logo := c.MediaContent.PreviewImage.Medium
	if logo == "" {
		logo = c.MediaContent.PreviewImage.Small
	}
	if logo == "" {
		logo = c.MediaContent.OriginalURI
	}
	if logo != "" {
		stats.LogoURL = &logo
	}

	if c.CreatorAddress != "" {
		creator := database.NormalizeAddress(c.CreatorAddress)
		stats.CreatorAddress = &creator

		profile := &database.CreatorProfile{Address: creator}
		if c.CreatorProfile.Handle != "" {
			profile.DisplayName = database.StringPtr(c.CreatorProfile.Handle)
			profile.FarcasterHandle = database.StringPtr(c.CreatorProfile.Handle)
		}
		if avatar := c.CreatorProfile.Avatar.PreviewImage.Medium; avatar != "" {
			profile.AvatarURL = &avatar
		}
		if profile.DisplayName != nil || profile.AvatarURL != nil {
			stats.CreatorProfile = profile
		}
	}

	return stats
}
