package strategy

import (
	"errors"
	"fmt"
)

var (
	ErrMaxLots           = errors.New("intent would exceed maximum lots")
	ErrMarginUtilization = errors.New("margin utilization above threshold")
)

// AccountState is the read-only margin view used for pre-trade checks.
// HasMargin distinguishes "utilization is zero" from "exchange did not
// report margin".
type AccountState struct {
	MarginUtilization float64
	HasMargin         bool
}

type GuardConfig struct {
	MaxLots              int
	MaxMarginUtilization float64
}

// Guard runs pre-trade checks over a whole intent batch. A single failing
// intent rejects the batch; the guard never mutates anything.
type Guard struct {
	cfg GuardConfig
}

func NewGuard(cfg GuardConfig) Guard {
	return Guard{cfg: cfg}
}

func (g Guard) Approve(intents []OrderIntent, pos Position, acct AccountState) error {
	maxLots := g.cfg.MaxLots
	if maxLots <= 0 {
		maxLots = DefaultLadder().MaxLots
	}
	for _, it := range intents {
		if !addsExposure(it, pos) {
			continue
		}
		if pos.Lots+it.Lots > maxLots {
			return fmt.Errorf("%w: %d + %d > %d", ErrMaxLots, pos.Lots, it.Lots, maxLots)
		}
	}
	if g.cfg.MaxMarginUtilization > 0 && acct.HasMargin && acct.MarginUtilization > g.cfg.MaxMarginUtilization {
		return fmt.Errorf("%w: %.4f > %.4f", ErrMarginUtilization, acct.MarginUtilization, g.cfg.MaxMarginUtilization)
	}
	return nil
}

// addsExposure reports whether the intent grows the position rather than
// reducing or flipping it.
func addsExposure(it OrderIntent, pos Position) bool {
	switch it.Role {
	case RoleSeed:
		return true
	case RoleAverage:
		return it.Side == pos.EntrySide()
	default:
		return false
	}
}
