package strategy

import (
	"sort"

	"delta-pyramid-bot/internal/config"
	"delta-pyramid-bot/internal/instrument"
)

// LadderFromConfig maps the configured tier table into ladder parameters.
// Anchoring follows tier order: the second tier keys off the first recorded
// averaging fill and the third off the second, matching how the ladder
// cascades. The deepest tier carries no averaging rung when its offset is
// zero.
func LadderFromConfig(cfg config.StrategyConfig) Ladder {
	side := instrument.SideBuy
	if cfg.SeedSide == "sell" {
		side = instrument.SideSell
	}
	lots := make([]int, 0, len(cfg.Tiers))
	for _, tier := range cfg.Tiers {
		lots = append(lots, tier.Lots)
	}
	sort.Ints(lots)
	byLots := cfg.LadderTiers()
	tiers := make(map[int]TierParams, len(lots))
	maxLots := 0
	for i, lot := range lots {
		tier := byLots[lot]
		tiers[lot] = TierParams{
			TPOffset:     tier.TPOffset,
			AvgOffset:    tier.AvgOffset,
			AnchorFirst:  i == 1,
			AnchorSecond: i == 2,
		}
		if lot > maxLots {
			maxLots = lot
		}
	}
	return Ladder{
		SeedOffset: cfg.SeedOffset,
		SeedSide:   side,
		MaxLots:    maxLots,
		Tiers:      tiers,
	}
}
