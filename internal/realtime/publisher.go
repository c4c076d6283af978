// Package realtime handles both directions of live traffic: the websocket
// log listener that discovers tokens as they are created, and the
// Centrifugo publisher that pushes token updates out to subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/centrifugal/gocent/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/basewatch/indexer/internal/database"
)

type Publisher struct {
	gc      *gocent.Client
	db      *pgxpool.Pool
	chain   string
	logger  zerolog.Logger
	mu      sync.Mutex
	pending map[string]struct{}
	flushCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type PublishConfig struct {
	APIURL string
	APIKey string
}

func NewPublisher(config PublishConfig, db *pgxpool.Pool, chain string, logger zerolog.Logger) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Publisher{
		gc: gocent.New(gocent.Config{
			Addr: config.APIURL,
			Key:  config.APIKey,
		}),
		db:      db,
		chain:   chain,
		logger:  logger.With().Str("component", "realtime-publisher").Logger(),
		pending: make(map[string]struct{}),
		flushCh: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	p.startFlusher()
	return p
}

func (p *Publisher) startFlusher() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-p.ctx.Done():
				p.logger.Info().Msg("Stopping publisher flusher")
				return
			case <-ticker.C:
				p.flush(p.ctx)
			case <-p.flushCh:
				p.flush(p.ctx)
			}
		}
	}()
}

// NotifyTokenUpdate marks a token as changed; updates are debounced and
// published in batches by the flusher.
func (p *Publisher) NotifyTokenUpdate(address string) {
	addr := strings.ToLower(address)
	p.mu.Lock()
	p.pending[addr] = struct{}{}
	p.mu.Unlock()

	select {
	case p.flushCh <- struct{}{}:
	default:
	}
}

// PublishEvent pushes a one-off event on a token's channel, fire and
// forget.
func (p *Publisher) PublishEvent(address string, eventType string, data interface{}) {
	payload := map[string]any{
		"type":       "token.event",
		"event_type": eventType,
		"data":       data,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to marshal event payload")
		return
	}

	channel := fmt.Sprintf("tokens.%s", strings.ToLower(address))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.gc.Publish(p.ctx, channel, payloadBytes); err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Warn().
				Err(err).
				Str("token", address).
				Str("channel", channel).
				Msg("Failed to publish token event")
		}
	}()
}

func (p *Publisher) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}

	addrs := make([]string, 0, len(p.pending))
	for addr := range p.pending {
		addrs = append(addrs, addr)
	}
	p.pending = make(map[string]struct{})
	p.mu.Unlock()

	p.logger.Debug().
		Int("count", len(addrs)).
		Msg("Flushing token updates")

	tokens, err := database.GetTokenDTOs(ctx, p.db, p.chain, addrs)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to fetch token summaries")
		return
	}

	if len(tokens) == 0 {
		return
	}

	timestamp := time.Now().UTC().Unix()

	for _, token := range tokens {
		payload := map[string]any{
			"type":  "token.update",
			"ts":    timestamp,
			"token": token,
		}

		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Failed to marshal token payload")
			continue
		}

		channel := fmt.Sprintf("tokens.%s", strings.ToLower(token.Address))
		if _, err := p.gc.Publish(ctx, channel, payloadBytes); err != nil {
			p.logger.Warn().
				Err(err).
				Str("token", token.Address).
				Str("channel", channel).
				Msg("Failed to publish token update")
		}
	}

	items := make([]any, 0, len(tokens))
	for _, token := range tokens {
		items = append(items, token)
	}

	batchPayload := map[string]any{
		"type":  "token.batch",
		"ts":    timestamp,
		"items": items,
	}

	batchPayloadBytes, err := json.Marshal(batchPayload)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to marshal batch payload")
		return
	}

	if _, err := p.gc.Publish(ctx, "tokens", batchPayloadBytes); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to publish batch update")
	} else {
		p.logger.Debug().
			Int("count", len(items)).
			Msg("Published batch update")
	}
}

func (p *Publisher) Close() error {
	p.logger.Info().Msg("Closing publisher")

	// drain whatever is still pending before tearing the client down
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.flush(ctx)

	p.cancel()
	p.wg.Wait()
	return nil
}
