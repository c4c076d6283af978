package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/basewatch/indexer/internal/database"
	"github.com/basewatch/indexer/internal/rpc"
)

// Store is the persistence surface the reconciler needs
type Store interface {
	GetToken(ctx context.Context, chain, address string) (*database.Token, error)
	InsertToken(ctx context.Context, t *database.Token) (bool, error)
	UpdateTokenMetadata(ctx context.Context, chain, address, name, symbol string, logoURL, creator *string) error
	UpsertProvenance(ctx context.Context, p *database.Provenance) error
	AdvanceStage(ctx context.Context, chain, address string, target database.Stage, triggerSource, reason string, snapshot *database.TokenStats) (bool, error)
	MarkDead(ctx context.Context, chain, address, reason string) (bool, error)
	InsertDetection(ctx context.Context, d *database.Detection) error
	MarkDetectionProcessed(ctx context.Context, chain, address string, txHash *string) error
	ListUnprocessedDetections(ctx context.Context, chain string, limit int) ([]*database.Detection, error)
}

// MetadataSource resolves on-chain token metadata for manual lookups
type MetadataSource interface {
	GetTokenMetadata(ctx context.Context, address common.Address) (*rpc.TokenMetadata, error)
}

// StatsRefresher runs an immediate market-data pass for the given
// addresses, so freshly resolved tokens come back with stats attached.
type StatsRefresher interface {
	Refresh(ctx context.Context, addresses []string) error
}

// ErrNotFound is returned by Resolve when the address has no token
// metadata on chain.
var ErrNotFound = errors.New("token not found")

// Payload is the structured part of a detection's raw data. Every source
// fills in what it knows; the reconciler treats all fields as optional.
type Payload struct {
	Name            string     `json:"name,omitempty"`
	Symbol          string     `json:"symbol,omitempty"`
	Decimals        *int32     `json:"decimals,omitempty"`
	Platform        string     `json:"platform,omitempty"`
	Creator         *string    `json:"creator,omitempty"`
	LogoURL         *string    `json:"logo_url,omitempty"`
	MetadataURI     *string    `json:"metadata_uri,omitempty"`
	TotalSupply     *float64   `json:"total_supply,omitempty"`
	LaunchTimestamp *time.Time `json:"launch_timestamp,omitempty"`
}

// Encode serializes the payload for the detection raw_data column
func (p *Payload) Encode() json.RawMessage {
	raw, err := json.Marshal(p)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

// Reconciler folds detections from every source into canonical tokens.
// The first source to land a token's row owns its primary provenance;
// later sources add non-primary provenance and may only enrich metadata.
type Reconciler struct {
	store    Store
	metadata MetadataSource
	stats    StatsRefresher
	chain    string
	logger   zerolog.Logger
}

func NewReconciler(store Store, metadata MetadataSource, chain string, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		metadata: metadata,
		chain:    chain,
		logger:   logger.With().Str("component", "registry").Logger(),
	}
}

// SetStatsRefresher attaches the stats engine after construction; the
// engine itself depends on the reconciler for stage advancement.
func (r *Reconciler) SetStatsRefresher(stats StatsRefresher) {
	r.stats = stats
}

// ProcessDetection folds one detection into the token registry. Safe to
// call more than once for the same detection.
func (r *Reconciler) ProcessDetection(ctx context.Context, d *database.Detection) error {
	address := database.NormalizeAddress(d.Address)

	var payload Payload
	if len(d.RawData) > 0 {
		if err := json.Unmarshal(d.RawData, &payload); err != nil {
			r.logger.Warn().Err(err).Str("address", address).Msg("Unreadable detection payload, proceeding without it")
		}
	}

	token := r.buildToken(address, d, &payload)

	inserted, err := r.store.InsertToken(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to reconcile token %s: %w", address, err)
	}

	prov := &database.Provenance{
		TokenAddress:   address,
		Chain:          r.chain,
		Source:         d.Source,
		TxHash:         d.TxHash,
		BlockNumber:    d.BlockNumber,
		LogIndex:       d.LogIndex,
		FactoryAddress: d.FactoryAddress,
		IsPrimary:      inserted,
		Metadata:       d.RawData,
		DetectedAt:     d.DetectedAt,
	}
	if err := r.store.UpsertProvenance(ctx, prov); err != nil {
		return fmt.Errorf("failed to record provenance for %s: %w", address, err)
	}

	if inserted {
		r.logger.Info().
			Str("address", address).
			Str("source", d.Source).
			Str("name", token.Name).
			Str("symbol", token.Symbol).
			Msg("New token registered")
	} else if payload.Name != "" || payload.Symbol != "" || payload.LogoURL != nil || payload.Creator != nil {
		// a later source may fill gaps while the token is still early
		if err := r.store.UpdateTokenMetadata(ctx, r.chain, address, payload.Name, payload.Symbol, payload.LogoURL, payload.Creator); err != nil {
			return fmt.Errorf("failed to enrich token %s: %w", address, err)
		}
	}

	// a detection that carries real identity metadata moves the token
	// past the bare created stage
	if payload.Name != "" || payload.Symbol != "" {
		if _, err := r.store.AdvanceStage(ctx, r.chain, address, database.StageDiscovered, d.Source, "metadata resolved", nil); err != nil {
			r.logger.Warn().Err(err).Str("address", address).Msg("Failed to advance discovered token")
		}
	}

	if err := r.store.MarkDetectionProcessed(ctx, r.chain, address, d.TxHash); err != nil {
		return fmt.Errorf("failed to mark detection processed for %s: %w", address, err)
	}
	return nil
}

// ProcessPending drains the unprocessed detection queue. A failing item
// is logged and left unprocessed for the next pass; it never blocks the
// rest of the batch.
func (r *Reconciler) ProcessPending(ctx context.Context, limit int) (int, error) {
	detections, err := r.store.ListUnprocessedDetections(ctx, r.chain, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending detections: %w", err)
	}

	processed := 0
	for _, d := range detections {
		if err := r.ProcessDetection(ctx, d); err != nil {
			r.logger.Error().Err(err).
				Str("address", d.Address).
				Str("source", d.Source).
				Msg("Failed to process detection")
			continue
		}
		processed++
	}
	return processed, nil
}

// Resolve looks up an address on demand. If the token is already known it
// is returned as is; otherwise one synchronous metadata lookup decides
// whether a row is created. No metadata means no row and ErrNotFound.
func (r *Reconciler) Resolve(ctx context.Context, address string) (*database.Token, error) {
	address = database.NormalizeAddress(address)

	token, err := r.store.GetToken(ctx, r.chain, address)
	if err != nil {
		return nil, err
	}
	if token != nil {
		return token, nil
	}

	meta, err := r.metadata.GetTokenMetadata(ctx, common.HexToAddress(address))
	if err != nil {
		if errors.Is(err, rpc.ErrNoMetadata) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve %s: %w", address, err)
	}

	payload := Payload{
		Name:     meta.Name,
		Symbol:   meta.Symbol,
		Decimals: meta.Decimals,
		LogoURL:  meta.Logo,
	}
	detection := &database.Detection{
		Chain:      r.chain,
		Address:    address,
		Source:     database.SourceManual,
		RawData:    payload.Encode(),
		DetectedAt: time.Now().UTC(),
	}

	if err := r.store.InsertDetection(ctx, detection); err != nil {
		return nil, fmt.Errorf("failed to record manual detection for %s: %w", address, err)
	}
	if err := r.ProcessDetection(ctx, detection); err != nil {
		return nil, err
	}

	// a manual lookup should come back with market data, not wait for
	// the next scheduled pass
	if r.stats != nil {
		if err := r.stats.Refresh(ctx, []string{address}); err != nil {
			r.logger.Warn().Err(err).Str("address", address).Msg("Failed to refresh stats for resolved token")
		}
	}

	token, err = r.store.GetToken(ctx, r.chain, address)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, ErrNotFound
	}
	return token, nil
}

// AdvanceFromStats applies the stage the given stats have earned. Returns
// the target and whether the row actually moved.
func (r *Reconciler) AdvanceFromStats(ctx context.Context, address string, stats *database.TokenStats) (database.Stage, bool, error) {
	target := TargetStage(stats)
	if target == database.StageCreated {
		return target, false, nil
	}

	applied, err := r.store.AdvanceStage(ctx, r.chain, database.NormalizeAddress(address), target, "stats_engine", "stats refresh", stats)
	if err != nil {
		return target, false, err
	}
	if applied {
		r.logger.Info().
			Str("address", address).
			Str("stage", string(target)).
			Msg("Token stage advanced")
	}
	return target, applied, nil
}

// MarkDead is the operator-only kill switch for spam or rugged tokens.
func (r *Reconciler) MarkDead(ctx context.Context, address, reason string) (bool, error) {
	return r.store.MarkDead(ctx, r.chain, database.NormalizeAddress(address), reason)
}

func (r *Reconciler) buildToken(address string, d *database.Detection, payload *Payload) *database.Token {
	name := payload.Name
	symbol := payload.Symbol
	if name == "" {
		name = "Unknown Token"
	}
	if symbol == "" {
		symbol = "UNKNOWN"
	}

	platform := payload.Platform
	if platform == "" {
		platform = "unknown"
	}

	decimals := int32(18)
	if payload.Decimals != nil {
		decimals = *payload.Decimals
	}

	launch := d.DetectedAt
	if payload.LaunchTimestamp != nil {
		launch = *payload.LaunchTimestamp
	}

	return &database.Token{
		Address:          address,
		Chain:            r.chain,
		Name:             name,
		Symbol:           symbol,
		Decimals:         decimals,
		TotalSupply:      payload.TotalSupply,
		CreatorAddress:   payload.Creator,
		Platform:         platform,
		FactoryAddress:   d.FactoryAddress,
		LogoURL:          payload.LogoURL,
		MetadataURI:      payload.MetadataURI,
		Source:           d.Source,
		Stage:            database.StageCreated,
		LaunchTimestamp:  launch,
		FirstSeenAt:      d.DetectedAt,
		CreationTxHash:   d.TxHash,
		CreationBlock:    d.BlockNumber,
		CreationLogIndex: d.LogIndex,
	}
}
