package database

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Stage is the backend-owned token lifecycle classification. It advances
// forward only; dead is an operator override and is never produced by the
// pipeline itself.
type Stage string

const (
	StageCreated    Stage = "created"
	StageDiscovered Stage = "discovered"
	StagePriced     Stage = "priced"
	StageLiquid     Stage = "liquid"
	StageTraded     Stage = "traded"
	StageDead       Stage = "dead"
)

var stageRanks = map[Stage]int{
	StageCreated:    0,
	StageDiscovered: 1,
	StagePriced:     2,
	StageLiquid:     3,
	StageTraded:     4,
	StageDead:       5,
}

// Rank returns the position of the stage in the fixed ordering. Unknown
// stages rank below created so they can never win a conditional update.
func (s Stage) Rank() int {
	if r, ok := stageRanks[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is one of the known lifecycle stages.
func (s Stage) Valid() bool {
	_, ok := stageRanks[s]
	return ok
}

// StagesBelow returns every stage with a strictly lower rank than s,
// excluding dead. Used as the gate set for conditional stage updates.
func StagesBelow(s Stage) []Stage {
	out := make([]Stage, 0, len(stageRanks))
	for stage, rank := range stageRanks {
		if stage == StageDead {
			continue
		}
		if rank < s.Rank() {
			out = append(out, stage)
		}
	}
	return out
}

// Discovery source tags. The first three are the independent scheduled
// sources; manual is the on-demand resolution path.
const (
	SourceRealtime = "realtime_ws"
	SourceBackfill = "provider_backfill"
	SourceScan     = "bytecode_scan"
	SourceManual   = "manual"
)

// Token is the canonical record for one contract address on a chain.
// creation_* fields are written once at insert and never touched again.
type Token struct {
	Address          string     `db:"address"`
	Chain            string     `db:"chain"`
	Name             string     `db:"name"`
	Symbol           string     `db:"symbol"`
	Decimals         int32      `db:"decimals"`
	TotalSupply      *float64   `db:"total_supply"`
	CreatorAddress   *string    `db:"creator_address"`
	Platform         string     `db:"platform"`
	FactoryAddress   *string    `db:"factory_address"`
	LogoURL          *string    `db:"logo_url"`
	MetadataURI      *string    `db:"metadata_uri"`
	Source           string     `db:"source"`
	Stage            Stage      `db:"stage"`
	LaunchTimestamp  time.Time  `db:"launch_timestamp"`
	FirstSeenAt      time.Time  `db:"first_seen_at"`
	CreationTxHash   *string    `db:"creation_tx_hash"`
	CreationBlock    *uint64    `db:"creation_block"`
	CreationLogIndex *int64     `db:"creation_log_index"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// Detection is one raw discovery signal from any source, recorded before
// reconciliation. Append-only; only the processed flag ever changes.
type Detection struct {
	ID                 int64           `db:"id"`
	Chain              string          `db:"chain"`
	Address            string          `db:"address"`
	Source             string          `db:"source"`
	TxHash             *string         `db:"tx_hash"`
	BlockNumber        *uint64         `db:"block_number"`
	LogIndex           *int64          `db:"log_index"`
	FactoryAddress     *string         `db:"factory_address"`
	MatchedFingerprint *string         `db:"matched_fingerprint"`
	RawData            json.RawMessage `db:"raw_data"`
	Processed          bool            `db:"processed"`
	DetectedAt         time.Time       `db:"detected_at"`
}

// Provenance records which source observed a token and when. Exactly one
// row per token carries the primary flag, decided at token insert time.
type Provenance struct {
	TokenAddress   string          `db:"token_address"`
	Chain          string          `db:"chain"`
	Source         string          `db:"source"`
	TxHash         *string         `db:"tx_hash"`
	BlockNumber    *uint64         `db:"block_number"`
	LogIndex       *int64          `db:"log_index"`
	FactoryAddress *string         `db:"factory_address"`
	IsPrimary      bool            `db:"is_primary"`
	Metadata       json.RawMessage `db:"metadata"`
	DetectedAt     time.Time       `db:"detected_at"`
}

// Liquidity provenance tags.
const (
	LiquidityDex       = "dex"
	LiquidityEstimated = "estimated"
)

// TokenStats is the single current stats row per token, recomputed in full
// on every enrichment pass.
type TokenStats struct {
	TokenAddress       string    `db:"token_address"`
	Price              float64   `db:"price"`
	PriceChange24h     float64   `db:"price_change_24h"`
	Volume24h          float64   `db:"volume_24h"`
	MarketCap          float64   `db:"market_cap"`
	Liquidity          float64   `db:"liquidity"`
	LiquidityDex       *float64  `db:"liquidity_dex"`
	LiquidityEstimated *float64  `db:"liquidity_estimated"`
	LiquiditySource    *string   `db:"liquidity_source"`
	Holders            int64     `db:"holders"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// HistorySample is one append-only time-series point. Written only when at
// least one of price/volume/market-cap is non-zero.
type HistorySample struct {
	TokenAddress string    `db:"token_address"`
	Price        float64   `db:"price"`
	Volume       float64   `db:"volume"`
	Liquidity    float64   `db:"liquidity"`
	Holders      int64     `db:"holders"`
	Timestamp    time.Time `db:"timestamp"`
}

// StageTransition is one audit row in the stage history.
type StageTransition struct {
	TokenAddress  string          `db:"token_address"`
	Chain         string          `db:"chain"`
	FromStage     Stage           `db:"from_stage"`
	ToStage       Stage           `db:"to_stage"`
	TriggerSource string          `db:"trigger_source"`
	Reason        string          `db:"reason"`
	StatsSnapshot json.RawMessage `db:"stats_snapshot"`
	CreatedAt     time.Time       `db:"created_at"`
}

// Fingerprint is operator-maintained reference data for the bytecode
// matcher.
type Fingerprint struct {
	FingerprintID string   `db:"fingerprint_id"`
	Selectors     []string `db:"selectors"`
	Confidence    int      `db:"confidence"`
	IsActive      bool     `db:"is_active"`
}

// CreatorProfile mirrors the creator metadata some providers return
// alongside coin data.
type CreatorProfile struct {
	Address         string  `db:"address"`
	DisplayName     *string `db:"display_name"`
	AvatarURL       *string `db:"avatar_url"`
	FarcasterHandle *string `db:"farcaster_handle"`
	FarcasterFID    *int64  `db:"farcaster_fid"`
}

// Helper functions for conversions

func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func AddressToString(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func HashToString(hash common.Hash) string {
	return strings.ToLower(hash.Hex())
}

func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func Float64Ptr(f float64) *float64 {
	return &f
}
