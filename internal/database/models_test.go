package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageRanks(t *testing.T) {
	assert.True(t, StageCreated.Rank() < StageDiscovered.Rank())
	assert.True(t, StageDiscovered.Rank() < StagePriced.Rank())
	assert.True(t, StagePriced.Rank() < StageLiquid.Rank())
	assert.True(t, StageLiquid.Rank() < StageTraded.Rank())
	assert.True(t, StageTraded.Rank() < StageDead.Rank())
}

func TestStageValid(t *testing.T) {
	for _, s := range []Stage{StageCreated, StageDiscovered, StagePriced, StageLiquid, StageTraded, StageDead} {
		assert.True(t, s.Valid(), "stage %s should be valid", s)
	}
	assert.False(t, Stage("launched").Valid())
	assert.False(t, Stage("").Valid())
}

func TestStagesBelow(t *testing.T) {
	below := StagesBelow(StagePriced)
	assert.ElementsMatch(t, []Stage{"created", "discovered"}, below)

	// dead is terminal and never appears in an upgrade gate
	below = StagesBelow(StageTraded)
	assert.ElementsMatch(t, []Stage{"created", "discovered", "priced", "liquid"}, below)

	assert.Empty(t, StagesBelow(StageCreated))
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xabcdef", NormalizeAddress("0xABCDEF"))
	assert.Equal(t, "0xabcdef", NormalizeAddress("  0xAbCdEf "))
}

func TestIsAddressQuery(t *testing.T) {
	assert.True(t, IsAddressQuery("0x777777751622c0d3258f214f9df38e35bf45baf3"))
	assert.True(t, IsAddressQuery("0x777777751622C0D3258F214F9DF38E35BF45BAF3"))
	assert.False(t, IsAddressQuery("0x7777"))
	assert.False(t, IsAddressQuery("pepe"))
	assert.False(t, IsAddressQuery("777777751622c0d3258f214f9df38e35bf45baf3"))
}

func TestSortMovers(t *testing.T) {
	items := []TokenDTO{
		{Address: "0xa", PriceChange24h: 5, Volume24h: 10},
		{Address: "0xb", PriceChange24h: 20, Volume24h: 1},
		{Address: "0xc", PriceChange24h: 5, Volume24h: 50},
	}

	SortMovers(items, true)
	assert.Equal(t, "0xb", items[0].Address)
	// equal change falls back to volume
	assert.Equal(t, "0xc", items[1].Address)
	assert.Equal(t, "0xa", items[2].Address)

	losers := []TokenDTO{
		{Address: "0xa", PriceChange24h: -2},
		{Address: "0xb", PriceChange24h: -30},
	}
	SortMovers(losers, false)
	assert.Equal(t, "0xb", losers[0].Address)
}
