// Package registry owns token identity: it reconciles raw detections from
// every discovery source into canonical token rows and drives the forward
// lifecycle stage machine.
package registry

import (
	"github.com/basewatch/indexer/internal/database"
)

// TargetStage derives the stage a token has earned from its current
// stats. Trading activity dominates, then liquidity, then a price, then
// mere holder presence. The result is a target, not an assignment: the
// store only applies it when it ranks above the current stage.
func TargetStage(stats *database.TokenStats) database.Stage {
	switch {
	case stats == nil:
		return database.StageCreated
	case stats.Volume24h > 0:
		return database.StageTraded
	case stats.Liquidity > 0:
		return database.StageLiquid
	case stats.Price > 0:
		return database.StagePriced
	case stats.Holders > 0:
		return database.StageDiscovered
	default:
		return database.StageCreated
	}
}
