package strategy

import (
	"errors"
	"fmt"

	"delta-pyramid-bot/internal/instrument"
)

var (
	ErrNonCanonicalLots = errors.New("position lots not at a canonical tier")
	ErrInvalidReference = errors.New("reference price must be > 0")
	ErrUnknownTier      = errors.New("tier missing from ladder")
)

// ComputeIntents maps a quiesced position and a market reference price to
// the target resting orders: a seed order when flat, otherwise a take-profit
// sized lots+1 (fills flip the position to one lot opposite) paired with an
// averaging order sized 2x lots, except at the deepest tier which carries
// the take-profit alone. Deterministic and side-effect free; the caller owns
// all state.
func ComputeIntents(pos Position, refPrice float64, ladder Ladder, rules instrument.Rules) ([]OrderIntent, error) {
	if refPrice <= 0 {
		return nil, fmt.Errorf("%w: got %f", ErrInvalidReference, refPrice)
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	if pos.IsFlat() {
		seed, err := seedIntent(refPrice, ladder, rules)
		if err != nil {
			return nil, err
		}
		return []OrderIntent{seed}, nil
	}
	if !CanonicalLots(pos.Lots) {
		return nil, fmt.Errorf("%w: %d", ErrNonCanonicalLots, pos.Lots)
	}
	params, ok := ladder.Tiers[pos.Lots]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTier, pos.Lots)
	}

	isLong := pos.Side == SideLong
	intents := make([]OrderIntent, 0, 2)

	tpSide := instrument.SideSell
	tpRaw := pos.AvgPrice + params.TPOffset
	if !isLong {
		tpSide = instrument.SideBuy
		tpRaw = pos.AvgPrice - params.TPOffset
	}
	tpPrice, err := rules.RoundPrice(tpRaw, tpSide)
	if err != nil {
		return nil, err
	}
	intents = append(intents, OrderIntent{
		Role:  RoleTakeProfit,
		Side:  tpSide,
		Price: tpPrice,
		Lots:  pos.Lots + 1,
	})

	avgLots := pos.Lots * 2
	if avgLots > 0 && pos.Lots+avgLots <= ladder.MaxLots {
		anchor := avgAnchor(pos, params)
		avgSide := instrument.SideBuy
		avgRaw := anchor - params.AvgOffset
		if !isLong {
			avgSide = instrument.SideSell
			avgRaw = anchor + params.AvgOffset
		}
		avgPrice, err := rules.RoundPrice(avgRaw, avgSide)
		if err != nil {
			return nil, err
		}
		intents = append(intents, OrderIntent{
			Role:  RoleAverage,
			Side:  avgSide,
			Price: avgPrice,
			Lots:  avgLots,
		})
	}
	return intents, nil
}

func seedIntent(refPrice float64, ladder Ladder, rules instrument.Rules) (OrderIntent, error) {
	side := ladder.SeedSide
	if side == "" {
		side = instrument.SideBuy
	}
	raw := refPrice - ladder.SeedOffset
	if side == instrument.SideSell {
		raw = refPrice + ladder.SeedOffset
	}
	price, err := rules.RoundPrice(raw, side)
	if err != nil {
		return OrderIntent{}, err
	}
	return OrderIntent{Role: RoleSeed, Side: side, Price: price, Lots: 1}, nil
}

// avgAnchor picks the price the averaging rung keys off: the recorded tier
// fill price when the ladder asks for one and it is known, otherwise the
// blended average.
func avgAnchor(pos Position, params TierParams) float64 {
	if params.AnchorFirst && pos.FirstAvgFill > 0 {
		return pos.FirstAvgFill
	}
	if params.AnchorSecond && pos.SecondAvgFill > 0 {
		return pos.SecondAvgFill
	}
	return pos.AvgPrice
}
