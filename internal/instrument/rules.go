package instrument

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidInstrument = errors.New("instrument metadata unavailable")

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Rules carries the static per-symbol metadata needed to normalize prices
// and sizes before submission.
type Rules struct {
	Symbol        string
	ProductID     int
	TickSize      float64
	LotSize       float64
	ContractValue float64
	MinLots       int
}

func (r Rules) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("%w: symbol is empty", ErrInvalidInstrument)
	}
	if r.TickSize <= 0 {
		return fmt.Errorf("%w: tick size must be > 0 for %s", ErrInvalidInstrument, r.Symbol)
	}
	if r.LotSize <= 0 {
		return fmt.Errorf("%w: lot size must be > 0 for %s", ErrInvalidInstrument, r.Symbol)
	}
	return nil
}

// RoundPrice aligns raw to the nearest tick without ever crossing toward the
// marketable side: a buy never rounds above raw, a sell never below.
func (r Rules) RoundPrice(raw float64, side Side) (float64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	if raw <= 0 {
		return 0, fmt.Errorf("price must be > 0, got %f", raw)
	}
	ticks := raw / r.TickSize
	n := math.Round(ticks)
	rounded := n * r.TickSize
	switch side {
	case SideBuy:
		if rounded > raw+priceEpsilon {
			rounded = (n - 1) * r.TickSize
		}
	case SideSell:
		if rounded < raw-priceEpsilon {
			rounded = (n + 1) * r.TickSize
		}
	default:
		return 0, fmt.Errorf("unknown side %q", side)
	}
	if rounded <= 0 {
		return 0, fmt.Errorf("price %f rounds below one tick", raw)
	}
	return trimFloat(rounded), nil
}

// ShadePrice moves a price the given number of ticks away from the book for
// the side, used when the venue cannot guarantee post-only.
func (r Rules) ShadePrice(raw float64, side Side, shadeTicks int) (float64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	if shadeTicks > 0 {
		adj := r.TickSize * float64(shadeTicks)
		if side == SideBuy {
			raw -= adj
		} else {
			raw += adj
		}
	}
	return r.RoundPrice(raw, side)
}

// RoundSize floors raw lots to a whole number of lots so an order never
// exceeds the requested exposure.
func (r Rules) RoundSize(raw float64) (int, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	if raw < 0 {
		return 0, fmt.Errorf("size must be >= 0, got %f", raw)
	}
	lots := int(math.Floor(raw + sizeEpsilon))
	if lots < r.MinLots {
		return 0, nil
	}
	return lots, nil
}

const (
	priceEpsilon = 1e-9
	sizeEpsilon  = 1e-9
)

// trimFloat strips accumulated binary noise so equal prices compare equal
// after repeated tick arithmetic.
func trimFloat(v float64) float64 {
	scaled := math.Round(v * 1e10)
	return scaled / 1e10
}
