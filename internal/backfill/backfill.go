// Package backfill fills registry gaps from the launch platform's coin
// listing API, paging through recent coins on a schedule.
package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/basewatch/indexer/internal/database"
	"github.com/basewatch/indexer/internal/registry"
)

const (
	zoraCoinsURL = "https://api-sdk.zora.engineering"
	baseChainID  = 8453
	maxPageSize  = 100
)

// DetectionSink receives the detections the backfiller produces
type DetectionSink interface {
	InsertDetection(ctx context.Context, d *database.Detection) error
}

// StatsRefresher triggers an immediate stats pass for fresh tokens
type StatsRefresher interface {
	Refresh(ctx context.Context, addresses []string) error
}

// Backfiller pages through the platform's coin listing, most recent
// first, and folds every coin into the registry as a detection. The page
// cursor survives between runs so successive passes walk further back.
type Backfiller struct {
	client     *resty.Client
	apiKey     string
	reconciler *registry.Reconciler
	sink       DetectionSink
	stats      StatsRefresher
	chain      string
	factory    string
	pageSize   int
	cursor     string
	logger     zerolog.Logger
}

func New(apiKey string, reconciler *registry.Reconciler, sink DetectionSink, stats StatsRefresher, chain, factoryAddress string, pageSize int, logger zerolog.Logger) *Backfiller {
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return &Backfiller{
		client:     resty.New().SetBaseURL(zoraCoinsURL).SetTimeout(20 * time.Second),
		apiKey:     apiKey,
		reconciler: reconciler,
		sink:       sink,
		stats:      stats,
		chain:      chain,
		factory:    database.NormalizeAddress(factoryAddress),
		pageSize:   pageSize,
		logger:     logger.With().Str("component", "backfill").Logger(),
	}
}

// Run processes one listing page per invocation
func (b *Backfiller) Run(ctx context.Context) error {
	page, err := b.fetchPage(ctx, b.cursor)
	if err != nil {
		return err
	}

	var addresses []string
	for i := range page.Coins {
		coin := &page.Coins[i]
		address := coin.address()
		if address == "" {
			continue
		}

		detection := b.buildDetection(coin, address)
		if err := b.sink.InsertDetection(ctx, detection); err != nil {
			b.logger.Error().Err(err).Str("address", address).Msg("Failed to record detection")
			continue
		}
		if err := b.reconciler.ProcessDetection(ctx, detection); err != nil {
			b.logger.Error().Err(err).Str("address", address).Msg("Failed to reconcile detection, leaving it queued")
			continue
		}
		addresses = append(addresses, address)
	}

	// walk further back next run; start over once the listing ends
	b.cursor = page.NextCursor

	b.logger.Info().
		Int("coins", len(page.Coins)).
		Int("reconciled", len(addresses)).
		Bool("more", page.NextCursor != "").
		Msg("Backfill page complete")

	if len(addresses) > 0 && b.stats != nil {
		if err := b.stats.Refresh(ctx, addresses); err != nil {
			b.logger.Warn().Err(err).Msg("Stats refresh for backfilled tokens failed")
		}
	}
	return nil
}

func (b *Backfiller) fetchPage(ctx context.Context, cursor string) (*listingPage, error) {
	req := b.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetQueryParam("chain", strconv.Itoa(baseChainID)).
		SetQueryParam("count", strconv.Itoa(b.pageSize)).
		SetQueryParam("sortDirection", "DESC")
	if cursor != "" {
		req.SetQueryParam("after", cursor)
	}
	if b.apiKey != "" {
		req.SetHeader("api-key", b.apiKey)
	}

	resp, err := req.Get("/coins")
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode())
	}

	var page listingPage
	if err := json.Unmarshal(resp.Body(), &page); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &page, nil
}

func (b *Backfiller) buildDetection(coin *listedCoin, address string) *database.Detection {
	launch := coin.launchTime()
	creator := coin.creator()

	payload := registry.Payload{
		Name:            coin.Name,
		Symbol:          coin.Symbol,
		Platform:        "zora",
		LaunchTimestamp: &launch,
	}
	if creator != "" {
		payload.Creator = &creator
	}
	if coin.Decimals > 0 {
		payload.Decimals = &coin.Decimals
	}
	if supply, err := strconv.ParseFloat(coin.TotalSupply, 64); err == nil && supply > 0 {
		payload.TotalSupply = &supply
	}
	if logo := coin.logo(); logo != "" {
		payload.LogoURL = &logo
	}

	detection := &database.Detection{
		Chain:      b.chain,
		Address:    address,
		Source:     database.SourceBackfill,
		RawData:    payload.Encode(),
		DetectedAt: time.Now().UTC(),
	}
	if b.factory != "" {
		detection.FactoryAddress = &b.factory
	}
	if coin.CreationTxHash != "" {
		tx := database.NormalizeAddress(coin.CreationTxHash)
		detection.TxHash = &tx
	}
	if coin.CreationBlock > 0 {
		block := coin.CreationBlock
		detection.BlockNumber = &block
	}
	return detection
}

type listingPage struct {
	Coins      []listedCoin `json:"coins"`
	NextCursor string       `json:"nextCursor"`
}

type listedCoin struct {
	Address        string `json:"address"`
	Name           string `json:"name"`
	Symbol         string `json:"symbol"`
	Decimals       int32  `json:"decimals"`
	TotalSupply    string `json:"totalSupply"`
	CreatorAddress string `json:"creatorAddress"`
	CreationTxHash string `json:"creationTxHash"`
	CreationBlock  uint64 `json:"creationBlock"`
	CreatedAt      string `json:"createdAt"`

	MediaContent struct {
		OriginalURI  string `json:"originalUri"`
		PreviewImage struct {
			Small  string `json:"small"`
			Medium string `json:"medium"`
		} `json:"previewImage"`
	} `json:"mediaContent"`
}

func (c *listedCoin) address() string {
	if c.Address == "" {
		return ""
	}
	return database.NormalizeAddress(c.Address)
}

func (c *listedCoin) creator() string {
	if c.CreatorAddress == "" {
		return ""
	}
	return database.NormalizeAddress(c.CreatorAddress)
}

func (c *listedCoin) logo() string {
	if c.MediaContent.PreviewImage.Medium != "" {
		return c.MediaContent.PreviewImage.Medium
	}
	if c.MediaContent.PreviewImage.Small != "" {
		return c.MediaContent.PreviewImage.Small
	}
	return c.MediaContent.OriginalURI
}

func (c *listedCoin) launchTime() time.Time {
	if c.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, c.CreatedAt); err == nil {
			return ts
		}
	}
	return time.Now().UTC()
}
