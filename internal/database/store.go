package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// Store holds all registry persistence: detections, canonical tokens,
// provenance, stats, history and stage audit. Ingestion paths are
// stateless and communicate only through these tables, so every
// concurrency guarantee lives here (unique constraints, conditional
// updates), not in process memory.
type Store struct {
	db     *Database
	logger zerolog.Logger
}

func NewStore(db *Database, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// --- Detection intake (append-only) ---

// InsertDetection appends one raw discovery signal. Duplicates for the
// same tx/log are acceptable; dedup happens downstream at the token table.
func (s *Store) InsertDetection(ctx context.Context, d *Detection) error {
	query := `
		INSERT INTO token_detections (
			chain, address, source, tx_hash, block_number, log_index,
			factory_address, matched_fingerprint, raw_data, processed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)`

	_, err := s.db.pool.Exec(ctx, query,
		d.Chain,
		NormalizeAddress(d.Address),
		d.Source,
		d.TxHash,
		d.BlockNumber,
		d.LogIndex,
		d.FactoryAddress,
		d.MatchedFingerprint,
		d.RawData,
	)
	if err != nil {
		return fmt.Errorf("failed to insert detection: %w", err)
	}
	return nil
}

// InsertDetections appends a batch of detections in a single round trip.
func (s *Store) InsertDetections(ctx context.Context, detections []*Detection) error {
	if len(detections) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO token_detections (
			chain, address, source, tx_hash, block_number, log_index,
			factory_address, matched_fingerprint, raw_data, processed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)`

	for _, d := range detections {
		batch.Queue(query,
			d.Chain,
			NormalizeAddress(d.Address),
			d.Source,
			d.TxHash,
			d.BlockNumber,
			d.LogIndex,
			d.FactoryAddress,
			d.MatchedFingerprint,
			d.RawData,
		)
	}

	br := s.db.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert detection %d: %w", i, err)
		}
	}
	return nil
}

// MarkDetectionProcessed flips the processed flag for any detections
// matching (chain, address, tx hash). Not an error when nothing matches;
// some sources add provenance without ever writing a detection row.
func (s *Store) MarkDetectionProcessed(ctx context.Context, chain, address string, txHash *string) error {
	query := `
		UPDATE token_detections
		SET processed = TRUE
		WHERE chain = $1 AND address = $2
		  AND ($3::text IS NULL OR tx_hash = $3)`

	_, err := s.db.pool.Exec(ctx, query, chain, NormalizeAddress(address), txHash)
	if err != nil {
		return fmt.Errorf("failed to mark detection processed: %w", err)
	}
	return nil
}

// ListUnprocessedDetections returns detections a later pass should retry,
// oldest first.
func (s *Store) ListUnprocessedDetections(ctx context.Context, chain string, limit int) ([]*Detection, error) {
	query := `
		SELECT id, chain, address, source, tx_hash, block_number, log_index,
		       factory_address, matched_fingerprint, raw_data, processed, detected_at
		FROM token_detections
		WHERE chain = $1 AND NOT processed
		ORDER BY detected_at
		LIMIT $2`

	rows, err := s.db.pool.Query(ctx, query, chain, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed detections: %w", err)
	}
	defer rows.Close()

	var out []*Detection
	for rows.Next() {
		var d Detection
		if err := rows.Scan(
			&d.ID, &d.Chain, &d.Address, &d.Source, &d.TxHash, &d.BlockNumber,
			&d.LogIndex, &d.FactoryAddress, &d.MatchedFingerprint, &d.RawData,
			&d.Processed, &d.DetectedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// --- Canonical tokens ---

// GetToken returns the canonical token row, or nil when none exists.
func (s *Store) GetToken(ctx context.Context, chain, address string) (*Token, error) {
	query := `
		SELECT address, chain, name, symbol, decimals, total_supply, creator_address,
		       platform, factory_address, logo_url, metadata_uri, source, stage,
		       launch_timestamp, first_seen_at, creation_tx_hash, creation_block,
		       creation_log_index, created_at, updated_at
		FROM tokens
		WHERE chain = $1 AND address = $2`

	var t Token
	err := s.db.pool.QueryRow(ctx, query, chain, NormalizeAddress(address)).Scan(
		&t.Address, &t.Chain, &t.Name, &t.Symbol, &t.Decimals, &t.TotalSupply,
		&t.CreatorAddress, &t.Platform, &t.FactoryAddress, &t.LogoURL, &t.MetadataURI,
		&t.Source, &t.Stage, &t.LaunchTimestamp, &t.FirstSeenAt, &t.CreationTxHash,
		&t.CreationBlock, &t.CreationLogIndex, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return &t, nil
}

// InsertToken inserts the canonical row and reports whether this call won
// the insert. Concurrent creators race on the (chain, address) primary
// key; the loser observes inserted=false and degrades to provenance-only.
func (s *Store) InsertToken(ctx context.Context, t *Token) (bool, error) {
	query := `
		INSERT INTO tokens (
			address, chain, name, symbol, decimals, total_supply, creator_address,
			platform, factory_address, logo_url, metadata_uri, source, stage,
			launch_timestamp, first_seen_at, creation_tx_hash, creation_block, creation_log_index
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (chain, address) DO NOTHING`

	tag, err := s.db.pool.Exec(ctx, query,
		NormalizeAddress(t.Address),
		t.Chain,
		t.Name,
		t.Symbol,
		t.Decimals,
		t.TotalSupply,
		t.CreatorAddress,
		t.Platform,
		t.FactoryAddress,
		t.LogoURL,
		t.MetadataURI,
		t.Source,
		t.Stage,
		t.LaunchTimestamp,
		t.FirstSeenAt,
		t.CreationTxHash,
		t.CreationBlock,
		t.CreationLogIndex,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateTokenMetadata applies an enrichment-only update: name/symbol/logo
// on a token that is still early in its lifecycle. Identity and creation
// fields are never touched, and tokens past discovered keep the metadata
// they have.
func (s *Store) UpdateTokenMetadata(ctx context.Context, chain, address, name, symbol string, logoURL, creator *string) error {
	query := `
		UPDATE tokens
		SET name = COALESCE(NULLIF($3, ''), name),
		    symbol = COALESCE(NULLIF($4, ''), symbol),
		    logo_url = COALESCE($5, logo_url),
		    creator_address = COALESCE($6, creator_address),
		    updated_at = NOW()
		WHERE chain = $1 AND address = $2 AND stage IN ('created', 'discovered')`

	_, err := s.db.pool.Exec(ctx, query, chain, NormalizeAddress(address), name, symbol, logoURL, creator)
	if err != nil {
		return fmt.Errorf("failed to update token metadata: %w", err)
	}
	return nil
}

// UpdateTokenAssets fills in logo and creator learned from a stats
// provider without touching anything else.
func (s *Store) UpdateTokenAssets(ctx context.Context, chain, address string, logoURL, creator *string) error {
	if logoURL == nil && creator == nil {
		return nil
	}
	query := `
		UPDATE tokens
		SET logo_url = COALESCE($3, logo_url),
		    creator_address = COALESCE($4, creator_address),
		    updated_at = NOW()
		WHERE chain = $1 AND address = $2`

	_, err := s.db.pool.Exec(ctx, query, chain, NormalizeAddress(address), logoURL, creator)
	if err != nil {
		return fmt.Errorf("failed to update token assets: %w", err)
	}
	return nil
}

// --- Stage transitions ---

// AdvanceStage performs the conditional monotonic stage update: the row
// moves to target only while its current stage ranks strictly lower. A
// losing race or a lower-ranked target is a silent no-op. Every applied
// transition appends a stage history row.
func (s *Store) AdvanceStage(ctx context.Context, chain, address string, target Stage, triggerSource, reason string, snapshot *TokenStats) (bool, error) {
	if !target.Valid() || target == StageDead {
		return false, fmt.Errorf("invalid advance target %q", target)
	}

	below := StagesBelow(target)
	gates := make([]string, len(below))
	for i, st := range below {
		gates[i] = string(st)
	}

	query := `
		WITH prev AS (
			SELECT stage FROM tokens WHERE chain = $1 AND address = $2 FOR UPDATE
		)
		UPDATE tokens t
		SET stage = $3, updated_at = NOW()
		FROM prev
		WHERE t.chain = $1 AND t.address = $2 AND prev.stage = ANY($4)
		RETURNING prev.stage`

	addr := NormalizeAddress(address)
	var fromStage Stage
	err := s.db.pool.QueryRow(ctx, query, chain, addr, target, gates).Scan(&fromStage)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to advance stage: %w", err)
	}

	if err := s.insertStageTransition(ctx, chain, addr, fromStage, target, triggerSource, reason, snapshot); err != nil {
		// Audit failure must not undo a committed transition.
		s.logger.Error().Err(err).Str("token", addr).Msg("Failed to record stage transition")
	}
	return true, nil
}

// MarkDead applies the operator override. Reachable from any stage except
// dead itself; never triggered by the pipeline.
func (s *Store) MarkDead(ctx context.Context, chain, address, reason string) (bool, error) {
	query := `
		WITH prev AS (
			SELECT stage FROM tokens WHERE chain = $1 AND address = $2 FOR UPDATE
		)
		UPDATE tokens t
		SET stage = $3, updated_at = NOW()
		FROM prev
		WHERE t.chain = $1 AND t.address = $2 AND prev.stage <> $3
		RETURNING prev.stage`

	addr := NormalizeAddress(address)
	var fromStage Stage
	err := s.db.pool.QueryRow(ctx, query, chain, addr, StageDead).Scan(&fromStage)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to mark token dead: %w", err)
	}

	if err := s.insertStageTransition(ctx, chain, addr, fromStage, StageDead, "operator", reason, nil); err != nil {
		s.logger.Error().Err(err).Str("token", addr).Msg("Failed to record stage transition")
	}
	return true, nil
}

func (s *Store) insertStageTransition(ctx context.Context, chain, address string, from, to Stage, triggerSource, reason string, snapshot *TokenStats) error {
	var snapshotJSON []byte
	if snapshot != nil {
		var err error
		snapshotJSON, err = json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal stats snapshot: %w", err)
		}
	}

	query := `
		INSERT INTO token_stage_history (token_address, chain, from_stage, to_stage, trigger_source, reason, stats_snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.pool.Exec(ctx, query, address, chain, from, to, triggerSource, reason, snapshotJSON)
	if err != nil {
		return fmt.Errorf("failed to insert stage transition: %w", err)
	}
	return nil
}

// --- Provenance ---

// UpsertProvenance appends a provenance row, ignoring duplicates for the
// same (token, chain, source, tx hash).
func (s *Store) UpsertProvenance(ctx context.Context, p *Provenance) error {
	txHash := ""
	if p.TxHash != nil {
		txHash = *p.TxHash
	}

	query := `
		INSERT INTO token_provenance (
			token_address, chain, source, tx_hash, block_number, log_index,
			factory_address, is_primary, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (token_address, chain, source, tx_hash) DO NOTHING`

	_, err := s.db.pool.Exec(ctx, query,
		NormalizeAddress(p.TokenAddress),
		p.Chain,
		p.Source,
		txHash,
		p.BlockNumber,
		p.LogIndex,
		p.FactoryAddress,
		p.IsPrimary,
		p.Metadata,
	)
	if err != nil {
		// The partial unique index on is_primary can also fire here when
		// two sources race; losing that race degrades to non-primary.
		if isUniqueViolation(err) && p.IsPrimary {
			p2 := *p
			p2.IsPrimary = false
			return s.UpsertProvenance(ctx, &p2)
		}
		return fmt.Errorf("failed to upsert provenance: %w", err)
	}
	return nil
}

// --- Stats, history, enrichment support ---

// UpsertStats replaces the current stats row. Last writer wins; each
// writer recomputes the full row from a fresh provider read.
func (s *Store) UpsertStats(ctx context.Context, st *TokenStats) error {
	query := `
		INSERT INTO token_stats (
			token_address, price, price_change_24h, volume_24h, market_cap,
			liquidity, liquidity_dex, liquidity_estimated, liquidity_source, holders, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (token_address) DO UPDATE SET
			price = EXCLUDED.price,
			price_change_24h = EXCLUDED.price_change_24h,
			volume_24h = EXCLUDED.volume_24h,
			market_cap = EXCLUDED.market_cap,
			liquidity = EXCLUDED.liquidity,
			liquidity_dex = EXCLUDED.liquidity_dex,
			liquidity_estimated = EXCLUDED.liquidity_estimated,
			liquidity_source = EXCLUDED.liquidity_source,
			holders = EXCLUDED.holders,
			updated_at = NOW()`

	_, err := s.db.pool.Exec(ctx, query,
		NormalizeAddress(st.TokenAddress),
		st.Price,
		st.PriceChange24h,
		st.Volume24h,
		st.MarketCap,
		st.Liquidity,
		st.LiquidityDex,
		st.LiquidityEstimated,
		st.LiquiditySource,
		st.Holders,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert stats: %w", err)
	}
	return nil
}

// InsertHistory appends time-series samples in one batch.
func (s *Store) InsertHistory(ctx context.Context, samples []*HistorySample) error {
	if len(samples) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO token_history (token_address, price, volume, liquidity, holders)
		VALUES ($1, $2, $3, $4, $5)`

	for _, h := range samples {
		batch.Queue(query, NormalizeAddress(h.TokenAddress), h.Price, h.Volume, h.Liquidity, h.Holders)
	}

	br := s.db.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert history sample %d: %w", i, err)
		}
	}
	return nil
}

// BaselinePrice returns the oldest history price within the trailing
// window, the closest stored approximation of a price from `since` ago.
func (s *Store) BaselinePrice(ctx context.Context, address string, since time.Time) (float64, bool, error) {
	query := `
		SELECT price
		FROM token_history
		WHERE token_address = $1 AND timestamp >= $2 AND price > 0
		ORDER BY timestamp
		LIMIT 1`

	var price float64
	err := s.db.pool.QueryRow(ctx, query, NormalizeAddress(address), since).Scan(&price)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get baseline price: %w", err)
	}
	return price, true, nil
}

// ListEnrichableTokens returns addresses due for a stats refresh, stalest
// first. Dead tokens are excluded; tokens with no stats row come first.
func (s *Store) ListEnrichableTokens(ctx context.Context, chain string, limit int) ([]string, error) {
	query := `
		SELECT t.address
		FROM tokens t
		LEFT JOIN token_stats s ON s.token_address = t.address
		WHERE t.chain = $1 AND t.stage <> 'dead'
		ORDER BY s.updated_at ASC NULLS FIRST
		LIMIT $2`

	rows, err := s.db.pool.Query(ctx, query, chain, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrichable tokens: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// --- Reference data ---

// ActiveFingerprints loads matcher reference data ordered by descending
// confidence.
func (s *Store) ActiveFingerprints(ctx context.Context) ([]Fingerprint, error) {
	query := `
		SELECT fingerprint_id, selectors, confidence, is_active
		FROM bytecode_fingerprints
		WHERE is_active
		ORDER BY confidence DESC`

	rows, err := s.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load fingerprints: %w", err)
	}
	defer rows.Close()

	var out []Fingerprint
	for rows.Next() {
		var fp Fingerprint
		var selectorsJSON []byte
		if err := rows.Scan(&fp.FingerprintID, &selectorsJSON, &fp.Confidence, &fp.IsActive); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(selectorsJSON, &fp.Selectors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal selectors for %s: %w", fp.FingerprintID, err)
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

// UpsertCreatorProfile stores creator metadata learned from providers.
// Existing non-null fields are preserved when the update carries nothing
// better.
func (s *Store) UpsertCreatorProfile(ctx context.Context, p *CreatorProfile) error {
	query := `
		INSERT INTO creator_profiles (address, display_name, avatar_url, farcaster_handle, farcaster_fid)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET
			display_name = COALESCE(EXCLUDED.display_name, creator_profiles.display_name),
			avatar_url = COALESCE(EXCLUDED.avatar_url, creator_profiles.avatar_url),
			farcaster_handle = COALESCE(EXCLUDED.farcaster_handle, creator_profiles.farcaster_handle),
			farcaster_fid = COALESCE(EXCLUDED.farcaster_fid, creator_profiles.farcaster_fid),
			updated_at = NOW()`

	_, err := s.db.pool.Exec(ctx, query,
		NormalizeAddress(p.Address),
		p.DisplayName,
		p.AvatarURL,
		p.FarcasterHandle,
		p.FarcasterFID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert creator profile: %w", err)
	}
	return nil
}
