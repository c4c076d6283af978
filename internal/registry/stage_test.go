package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/basewatch/indexer/internal/database"
)

func TestTargetStage(t *testing.T) {
	tests := []struct {
		name  string
		stats *database.TokenStats
		want  database.Stage
	}{
		{"nil stats", nil, database.StageCreated},
		{"all zero", &database.TokenStats{}, database.StageCreated},
		{"holders only", &database.TokenStats{Holders: 12}, database.StageDiscovered},
		{"price only", &database.TokenStats{Price: 0.003, Holders: 12}, database.StagePriced},
		{"liquidity", &database.TokenStats{Price: 0.003, Liquidity: 1500}, database.StageLiquid},
		{"volume dominates", &database.TokenStats{Volume24h: 900}, database.StageTraded},
		{"volume without price", &database.TokenStats{Volume24h: 1, Price: 0}, database.StageTraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TargetStage(tt.stats))
		})
	}
}
