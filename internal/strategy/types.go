package strategy

import "delta-pyramid-bot/internal/instrument"

type PositionSide string

type Role string

const (
	SideNone  PositionSide = "NONE"
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

const (
	RoleSeed       Role = "SEED"
	RoleTakeProfit Role = "TP"
	RoleAverage    Role = "AVG"
	RoleFlatten    Role = "FLT"
)

// Position is a read-only snapshot of the current net position. AvgPrice is
// the volume-weighted entry; FirstAvgFill and SecondAvgFill record the fill
// prices of the 1->3 and 3->9 transitions, which anchor the deeper averaging
// rungs. Zero anchors mean unknown (e.g. a position recovered from the
// exchange) and fall back to the blended average.
type Position struct {
	Side          PositionSide
	Lots          int
	AvgPrice      float64
	FirstAvgFill  float64
	SecondAvgFill float64
}

func (p Position) IsFlat() bool {
	return p.Side == SideNone || p.Lots == 0
}

// EntrySide is the order side that adds to the position.
func (p Position) EntrySide() instrument.Side {
	if p.Side == SideShort {
		return instrument.SideSell
	}
	return instrument.SideBuy
}

// OrderIntent is a target resting order. Intents are recomputed from scratch
// on every invocation and diffed against the live set by the caller.
type OrderIntent struct {
	Role  Role
	Side  instrument.Side
	Price float64
	Lots  int
}

// TierParams drives one rung of the ladder. AnchorFirst/AnchorSecond select
// which recorded fill price the averaging order keys off; when neither is
// set the blended average is used.
type TierParams struct {
	TPOffset     float64
	AvgOffset    float64
	AnchorFirst  bool
	AnchorSecond bool
}

// Ladder is the full tier table plus seeding parameters. It is plain data so
// the price/size mapping stays auditable in one place.
type Ladder struct {
	SeedOffset float64
	SeedSide   instrument.Side
	MaxLots    int
	Tiers      map[int]TierParams
}

// DefaultLadder returns the production tier table: offsets tighten as the
// position deepens and the final tier carries a take-profit only.
func DefaultLadder() Ladder {
	return Ladder{
		SeedOffset: 5,
		SeedSide:   instrument.SideBuy,
		MaxLots:    27,
		Tiers: map[int]TierParams{
			1:  {TPOffset: 300, AvgOffset: 750},
			3:  {TPOffset: 200, AvgOffset: 500, AnchorFirst: true},
			9:  {TPOffset: 100, AvgOffset: 500, AnchorSecond: true},
			27: {TPOffset: 50},
		},
	}
}

// NextTier maps a canonical lot count to the tier reached by a full
// averaging fill, or 0 when no deeper tier exists.
func NextTier(lots int) int {
	switch lots {
	case 1:
		return 3
	case 3:
		return 9
	case 9:
		return 27
	default:
		return 0
	}
}

// CanonicalLots reports whether lots is a quiesced ladder value.
func CanonicalLots(lots int) bool {
	switch lots {
	case 0, 1, 3, 9, 27:
		return true
	default:
		return false
	}
}

// BlendAverage recomputes the volume-weighted entry price after a
// same-direction fill.
func BlendAverage(oldAvg float64, oldLots int, fillPrice float64, fillLots int) float64 {
	if oldLots+fillLots == 0 {
		return 0
	}
	return (oldAvg*float64(oldLots) + fillPrice*float64(fillLots)) / float64(oldLots+fillLots)
}
