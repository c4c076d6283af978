package stats

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zoraServer(t *testing.T, responses map[string]string) (*httptest.Server, *ZoraProvider) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coin", r.URL.Path)
		body, ok := responses[r.URL.Query().Get("address")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))

	p := NewZoraProvider("", 5, 0, zerolog.Nop())
	p.client = resty.NewWithClient(server.Client()).SetBaseURL(server.URL)
	p.retryCfg.InitialDelay = time.Millisecond
	return server, p
}

func TestZoraFetchBatch(t *testing.T) {
	server, p := zoraServer(t, map[string]string{
		addrA: `{"zora20Token": {
			"marketCap": "50000",
			"volume24h": "1200.5",
			"uniqueHolders": 42,
			"tokenPrice": {"priceInUsdc": "0.0025", "priceChangePercent24h": 8.5},
			"totalValueLocked": "3000",
			"mediaContent": {"previewImage": {"medium": "https://img.example/a.png"}},
			"creatorAddress": "0xDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDD",
			"creatorProfile": {"handle": "artist"}
		}}`,
	})
	defer server.Close()

	results, err := p.FetchBatch(context.Background(), []string{addrA, addrB})
	require.NoError(t, err)
	require.Len(t, results, 1)

	coin := results[addrA]
	require.NotNil(t, coin)
	assert.Equal(t, 0.0025, coin.Price)
	assert.Equal(t, 8.5, coin.PriceChange24h)
	assert.Equal(t, 1200.5, coin.Volume24h)
	assert.Equal(t, 50000.0, coin.MarketCap)
	assert.Equal(t, 3000.0, coin.LiquidityDex)
	assert.Equal(t, int64(42), coin.Holders)
	require.NotNil(t, coin.LogoURL)
	assert.Equal(t, "https://img.example/a.png", *coin.LogoURL)
	require.NotNil(t, coin.CreatorAddress)
	assert.Equal(t, "0xdddddddddddddddddddddddddddddddddddddddd", *coin.CreatorAddress)
	require.NotNil(t, coin.CreatorProfile)
	assert.Equal(t, "artist", *coin.CreatorProfile.DisplayName)
}

func TestZoraDerivesChangeFrom24hAgoPrice(t *testing.T) {
	server, p := zoraServer(t, map[string]string{
		addrA: `{"zora20Token": {
			"marketCap": "1000",
			"marketCapDelta24h": "999999",
			"tokenPrice": {"priceInUsdc": "2.0", "price24hAgoInUsdc": "1.0"}
		}}`,
	})
	defer server.Close()

	results, err := p.FetchBatch(context.Background(), []string{addrA})
	require.NoError(t, err)

	coin := results[addrA]
	require.NotNil(t, coin)
	// derived from the 24h-ago price; the absolute market cap delta is
	// not a percentage and must never leak into this field
	assert.InDelta(t, 100.0, coin.PriceChange24h, 0.001)
}

func TestZoraMissingCoin(t *testing.T) {
	server, p := zoraServer(t, map[string]string{})
	defer server.Close()

	results, err := p.FetchBatch(context.Background(), []string{addrA})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestZoraNullToken(t *testing.T) {
	server, p := zoraServer(t, map[string]string{
		addrA: `{"zora20Token": null}`,
	})
	defer server.Close()

	results, err := p.FetchBatch(context.Background(), []string{addrA})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDexScreenerBestLiquidityPairWins(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pairs": [
			{"baseToken": {"address": "` + addrA + `"}, "priceUsd": "0.5", "liquidity": {"usd": 100}, "priceChange": {"h24": -3.2}, "volume": {"h24": 50}, "fdv": 9000},
			{"baseToken": {"address": "` + addrA + `"}, "priceUsd": "0.6", "liquidity": {"usd": 5000}, "priceChange": {"h24": -4.1}, "volume": {"h24": 800}, "fdv": 10000, "info": {"imageUrl": "https://img.example/a.png"}}
		]}`))
	}))
	defer server.Close()

	p := NewDexScreenerProvider(zerolog.Nop())
	p.client = resty.NewWithClient(server.Client()).SetBaseURL(server.URL)

	results, err := p.FetchBatch(context.Background(), []string{addrA})
	require.NoError(t, err)

	coin := results[addrA]
	require.NotNil(t, coin)
	assert.Equal(t, 0.6, coin.Price)
	assert.Equal(t, -4.1, coin.PriceChange24h)
	assert.Equal(t, 5000.0, coin.LiquidityDex)
	assert.Equal(t, 10000.0, coin.MarketCap)
	require.NotNil(t, coin.LogoURL)
}
