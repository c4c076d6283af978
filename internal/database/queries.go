package database

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
)

// Querier is the query surface of pgxpool.Pool the read path uses.
// Tests substitute fixed result sets.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DTOs for API responses (lightweight, no ORM tags)
type TokenDTO struct {
	Address          string   `json:"address"`
	Chain            string   `json:"chain"`
	Name             string   `json:"name"`
	Symbol           string   `json:"symbol"`
	Decimals         int32    `json:"decimals"`
	Platform         string   `json:"platform"`
	Stage            Stage    `json:"stage"`
	Source           string   `json:"source"`
	CreatorAddress   *string  `json:"creator_address,omitempty"`
	LogoURL          *string  `json:"logo_url,omitempty"`
	LaunchTimestamp  string   `json:"launch_timestamp"`
	Price            float64  `json:"price"`
	PriceChange24h   float64  `json:"price_change_24h"`
	Volume24h        float64  `json:"volume_24h"`
	MarketCap        float64  `json:"market_cap"`
	Liquidity        float64  `json:"liquidity"`
	LiquiditySource  *string  `json:"liquidity_source,omitempty"`
	Holders          int64    `json:"holders"`
}

type HistoryPointDTO struct {
	Timestamp string  `json:"timestamp"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Liquidity float64 `json:"liquidity"`
	Holders   int64   `json:"holders"`
}

type OverviewDTO struct {
	TotalTokens    int64    `json:"total_tokens"`
	NewTokens24h   int64    `json:"new_tokens_24h"`
	TotalVolume24h float64  `json:"total_volume_24h"`
	TopGainer      *string  `json:"top_gainer,omitempty"`
	TopGainerPct   *float64 `json:"top_gainer_pct,omitempty"`
}

// Filter is a read mode the UI requests.
type Filter string

const (
	FilterNew      Filter = "new"
	FilterTrending Filter = "trending"
	FilterGainers  Filter = "gainers"
	FilterLosers   Filter = "losers"
	FilterPending  Filter = "pending"
)

// Stages with real price data; gainers/losers are gated to these.
var tradeableStages = []string{string(StagePriced), string(StageLiquid), string(StageTraded)}

// Early stages shown in the pending view.
var pendingStages = []string{string(StageCreated), string(StageDiscovered)}

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IsAddressQuery reports whether a search string is a full address, which
// the API treats as an exact lookup (and a resolve trigger on miss).
func IsAddressQuery(s string) bool {
	return addressPattern.MatchString(s)
}

const tokenSelect = `
	SELECT t.address, t.chain, t.name, t.symbol, t.decimals, t.platform, t.stage,
	       t.source, t.creator_address, t.logo_url, t.launch_timestamp,
	       COALESCE(s.price, 0), COALESCE(s.price_change_24h, 0), COALESCE(s.volume_24h, 0),
	       COALESCE(s.market_cap, 0), COALESCE(s.liquidity, 0), s.liquidity_source,
	       COALESCE(s.holders, 0)
	FROM tokens t
	LEFT JOIN token_stats s ON s.token_address = t.address`

func scanTokenRows(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]TokenDTO, error) {
	var out []TokenDTO
	for rows.Next() {
		var t TokenDTO
		var launch time.Time
		if err := rows.Scan(
			&t.Address, &t.Chain, &t.Name, &t.Symbol, &t.Decimals, &t.Platform,
			&t.Stage, &t.Source, &t.CreatorAddress, &t.LogoURL, &launch,
			&t.Price, &t.PriceChange24h, &t.Volume24h, &t.MarketCap,
			&t.Liquidity, &t.LiquiditySource, &t.Holders,
		); err != nil {
			return nil, err
		}
		t.LaunchTimestamp = launch.UTC().Format(time.RFC3339)
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTokenDTO returns one token joined with its current stats.
func GetTokenDTO(ctx context.Context, db Querier, chain, address string) (*TokenDTO, error) {
	q := tokenSelect + ` WHERE t.chain = $1 AND t.address = $2`

	rows, err := db.Query(ctx, q, chain, NormalizeAddress(address))
	if err != nil {
		return nil, fmt.Errorf("GetTokenDTO query failed: %w", err)
	}
	defer rows.Close()

	items, err := scanTokenRows(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return &items[0], nil
}

// GetTokenDTOs returns the joined rows for a set of addresses, in no
// particular order.
func GetTokenDTOs(ctx context.Context, db Querier, chain string, addresses []string) ([]TokenDTO, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	normalized := make([]string, len(addresses))
	for i, a := range addresses {
		normalized[i] = NormalizeAddress(a)
	}

	q := tokenSelect + ` WHERE t.chain = $1 AND t.address = ANY($2)`
	rows, err := db.Query(ctx, q, chain, normalized)
	if err != nil {
		return nil, fmt.Errorf("GetTokenDTOs query failed: %w", err)
	}
	defer rows.Close()
	return scanTokenRows(rows)
}

// ListNew returns tokens sorted by launch time descending.
func ListNew(ctx context.Context, db Querier, chain string, limit int, search string) ([]TokenDTO, error) {
	q := tokenSelect + `
		WHERE t.chain = $1 AND t.stage <> 'dead'
		  AND ($3 = '' OR t.name ILIKE '%' || $3 || '%' OR t.symbol ILIKE '%' || $3 || '%' OR t.address ILIKE '%' || $3 || '%')
		ORDER BY t.launch_timestamp DESC
		LIMIT $2`

	rows, err := db.Query(ctx, q, chain, limit, search)
	if err != nil {
		return nil, fmt.Errorf("ListNew query failed: %w", err)
	}
	defer rows.Close()
	return scanTokenRows(rows)
}

// ListTrending fetches the base set and re-sorts by 24h volume descending.
func ListTrending(ctx context.Context, db Querier, chain string, limit int, search string) ([]TokenDTO, error) {
	items, err := ListNew(ctx, db, chain, limit, search)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Volume24h > items[j].Volume24h
	})
	return items, nil
}

// ListPending returns tokens still at created/discovered, newest first.
func ListPending(ctx context.Context, db Querier, chain string, limit int, search string) ([]TokenDTO, error) {
	q := tokenSelect + `
		WHERE t.chain = $1 AND t.stage = ANY($4)
		  AND ($3 = '' OR t.name ILIKE '%' || $3 || '%' OR t.symbol ILIKE '%' || $3 || '%' OR t.address ILIKE '%' || $3 || '%')
		ORDER BY t.launch_timestamp DESC
		LIMIT $2`

	rows, err := db.Query(ctx, q, chain, limit, search, pendingStages)
	if err != nil {
		return nil, fmt.Errorf("ListPending query failed: %w", err)
	}
	defer rows.Close()
	return scanTokenRows(rows)
}

// ListMovers implements the two-step gainers/losers pattern: rank stats
// rows by signed price change with a strict sign filter, then fetch the
// matching tokens gated to tradeable stages, merge and re-sort with
// volume as tiebreak.
func ListMovers(ctx context.Context, db Querier, chain string, gainers bool, limit int, search string) ([]TokenDTO, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}

	// Step 1: candidate addresses by signed price change.
	sign := `s.price_change_24h > 0`
	order := `s.price_change_24h DESC`
	if !gainers {
		sign = `s.price_change_24h < 0`
		order = `s.price_change_24h ASC`
	}

	statsQ := fmt.Sprintf(`
		SELECT s.token_address
		FROM token_stats s
		WHERE %s
		ORDER BY %s
		LIMIT $1`, sign, order)

	rows, err := db.Query(ctx, statsQ, limit)
	if err != nil {
		return nil, fmt.Errorf("ListMovers stats query failed: %w", err)
	}

	var addresses []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			rows.Close()
			return nil, err
		}
		addresses = append(addresses, addr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(addresses) == 0 {
		return nil, nil
	}

	// Step 2: tokens gated by stage.
	tokenQ := tokenSelect + `
		WHERE t.chain = $1 AND t.address = ANY($2) AND t.stage = ANY($3)
		  AND ($4 = '' OR t.name ILIKE '%' || $4 || '%' OR t.symbol ILIKE '%' || $4 || '%' OR t.address ILIKE '%' || $4 || '%')`

	tokenRows, err := db.Query(ctx, tokenQ, chain, addresses, tradeableStages, search)
	if err != nil {
		return nil, fmt.Errorf("ListMovers token query failed: %w", err)
	}
	defer tokenRows.Close()

	items, err := scanTokenRows(tokenRows)
	if err != nil {
		return nil, err
	}

	SortMovers(items, gainers)
	return items, nil
}

// SortMovers orders by signed price change (most positive first for
// gainers, most negative first for losers), 24h volume as tiebreak.
func SortMovers(items []TokenDTO, gainers bool) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.PriceChange24h != b.PriceChange24h {
			if gainers {
				return a.PriceChange24h > b.PriceChange24h
			}
			return a.PriceChange24h < b.PriceChange24h
		}
		return a.Volume24h > b.Volume24h
	})
}

// ListHistory returns recent time-series points, newest first.
func ListHistory(ctx context.Context, db Querier, address string, limit int) ([]HistoryPointDTO, error) {
	q := `
		SELECT timestamp, price, volume, liquidity, holders
		FROM token_history
		WHERE token_address = $1
		ORDER BY timestamp DESC
		LIMIT $2`

	rows, err := db.Query(ctx, q, NormalizeAddress(address), limit)
	if err != nil {
		return nil, fmt.Errorf("ListHistory query failed: %w", err)
	}
	defer rows.Close()

	var out []HistoryPointDTO
	for rows.Next() {
		var h HistoryPointDTO
		var ts time.Time
		if err := rows.Scan(&ts, &h.Price, &h.Volume, &h.Liquidity, &h.Holders); err != nil {
			return nil, err
		}
		h.Timestamp = ts.UTC().Format(time.RFC3339)
		out = append(out, h)
	}
	return out, rows.Err()
}

// GetOverview returns the aggregate numbers for the dashboard stats bar.
func GetOverview(ctx context.Context, db Querier, chain string) (*OverviewDTO, error) {
	var o OverviewDTO

	q := `
		SELECT
			(SELECT COUNT(*) FROM tokens WHERE chain = $1),
			(SELECT COUNT(*) FROM tokens WHERE chain = $1 AND launch_timestamp >= NOW() - INTERVAL '24 hours'),
			(SELECT COALESCE(SUM(s.volume_24h), 0) FROM token_stats s JOIN tokens t ON t.address = s.token_address WHERE t.chain = $1)`

	if err := db.QueryRow(ctx, q, chain).Scan(&o.TotalTokens, &o.NewTokens24h, &o.TotalVolume24h); err != nil {
		return nil, fmt.Errorf("GetOverview query failed: %w", err)
	}

	gq := `
		SELECT s.token_address, s.price_change_24h
		FROM token_stats s
		JOIN tokens t ON t.address = s.token_address
		WHERE t.chain = $1 AND s.price_change_24h > 0
		ORDER BY s.price_change_24h DESC
		LIMIT 1`

	var addr string
	var pct float64
	switch err := db.QueryRow(ctx, gq, chain).Scan(&addr, &pct); err {
	case nil:
		o.TopGainer = &addr
		o.TopGainerPct = &pct
	case pgx.ErrNoRows:
	default:
		return nil, fmt.Errorf("GetOverview gainer query failed: %w", err)
	}

	return &o, nil
}
