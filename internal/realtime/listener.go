package realtime

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/basewatch/indexer/internal/database"
	"github.com/basewatch/indexer/internal/factory"
	"github.com/basewatch/indexer/internal/registry"
)

// DetectionSink receives the detections the listener produces
type DetectionSink interface {
	InsertDetection(ctx context.Context, d *database.Detection) error
}

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = time.Minute
)

// Listener subscribes to factory creation logs over a websocket and turns
// each one into a detection. It reconnects with backoff on any stream
// error; missed logs are recovered by the backfill and scan sources, so
// no replay happens here.
type Listener struct {
	wsEndpoint    string
	chain         string
	factoryAddr   common.Address
	creationTopic common.Hash
	sink          DetectionSink
	reconciler    *registry.Reconciler
	publisher     *Publisher
	logger        zerolog.Logger
}

func NewListener(wsEndpoint, chain string, factoryAddr common.Address, creationTopic common.Hash, sink DetectionSink, reconciler *registry.Reconciler, publisher *Publisher, logger zerolog.Logger) *Listener {
	return &Listener{
		wsEndpoint:    wsEndpoint,
		chain:         chain,
		factoryAddr:   factoryAddr,
		creationTopic: creationTopic,
		sink:          sink,
		reconciler:    reconciler,
		publisher:     publisher,
		logger:        logger.With().Str("component", "realtime-listener").Logger(),
	}
}

// Run blocks until the context is cancelled, maintaining the subscription
// across disconnects.
func (l *Listener) Run(ctx context.Context) error {
	delay := reconnectBaseDelay

	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		l.logger.Warn().
			Err(err).
			Dur("reconnect_in", delay).
			Msg("Subscription lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, l.wsEndpoint)
	if err != nil {
		return err
	}
	defer client.Close()

	logs := make(chan types.Log, 64)
	query := ethereum.FilterQuery{
		Addresses: []common.Address{l.factoryAddr},
		Topics:    [][]common.Hash{{l.creationTopic}},
	}

	logSub, err := client.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return err
	}
	defer logSub.Unsubscribe()

	// the head subscription doubles as a liveness check: a stalled
	// stream surfaces as a subscription error here
	heads := make(chan *types.Header, 16)
	headSub, err := client.SubscribeNewHead(ctx, heads)
	if err != nil {
		return err
	}
	defer headSub.Unsubscribe()

	l.logger.Info().
		Str("factory", l.factoryAddr.Hex()).
		Msg("Subscribed to factory creation events")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-logSub.Err():
			return err
		case err := <-headSub.Err():
			return err
		case <-heads:
		case log := <-logs:
			l.handleLog(ctx, log)
		}
	}
}

func (l *Listener) handleLog(ctx context.Context, log types.Log) {
	decoded, err := factory.Decode(log)
	if err != nil {
		l.logger.Warn().
			Err(err).
			Str("tx", log.TxHash.Hex()).
			Msg("Skipping undecodable factory log")
		return
	}

	now := time.Now().UTC()
	creator := database.AddressToString(decoded.Creator)
	payload := registry.Payload{
		Name:            decoded.Name,
		Symbol:          decoded.Symbol,
		Platform:        "zora",
		Creator:         &creator,
		LaunchTimestamp: &now,
	}

	txHash := database.HashToString(log.TxHash)
	blockNumber := log.BlockNumber
	logIndex := int64(log.Index)
	factoryAddr := database.AddressToString(l.factoryAddr)

	detection := &database.Detection{
		Chain:          l.chain,
		Address:        database.AddressToString(decoded.Token),
		Source:         database.SourceRealtime,
		TxHash:         &txHash,
		BlockNumber:    &blockNumber,
		LogIndex:       &logIndex,
		FactoryAddress: &factoryAddr,
		RawData:        payload.Encode(),
		DetectedAt:     now,
	}

	if err := l.sink.InsertDetection(ctx, detection); err != nil {
		l.logger.Error().
			Err(err).
			Str("address", detection.Address).
			Msg("Failed to record detection")
		return
	}

	// reconcile inline; on failure the detection stays queued for the
	// next pending-drain pass
	if err := l.reconciler.ProcessDetection(ctx, detection); err != nil {
		l.logger.Error().
			Err(err).
			Str("address", detection.Address).
			Msg("Failed to reconcile detection, leaving it queued")
		return
	}

	l.logger.Info().
		Str("address", detection.Address).
		Str("name", decoded.Name).
		Str("symbol", decoded.Symbol).
		Uint64("block", log.BlockNumber).
		Msg("Token creation observed")

	if l.publisher != nil {
		l.publisher.PublishEvent(detection.Address, "token.created", map[string]any{
			"address": detection.Address,
			"name":    decoded.Name,
			"symbol":  decoded.Symbol,
			"creator": creator,
		})
		l.publisher.NotifyTokenUpdate(detection.Address)
	}
}
