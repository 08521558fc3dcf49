package strategy

import (
	"errors"
	"testing"

	"delta-pyramid-bot/internal/instrument"
)

func TestGuardAllowsLadderIntents(t *testing.T) {
	guard := NewGuard(GuardConfig{MaxLots: 27})
	pos := Position{Side: SideLong, Lots: 9, AvgPrice: 99000}
	intents := []OrderIntent{
		{Role: RoleTakeProfit, Side: instrument.SideSell, Price: 99100, Lots: 10},
		{Role: RoleAverage, Side: instrument.SideBuy, Price: 98250, Lots: 18},
	}
	if err := guard.Approve(intents, pos, AccountState{}); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestGuardRejectsBeyondMaxLots(t *testing.T) {
	guard := NewGuard(GuardConfig{MaxLots: 27})
	pos := Position{Side: SideLong, Lots: 27, AvgPrice: 98500}
	intents := []OrderIntent{
		{Role: RoleAverage, Side: instrument.SideBuy, Price: 98000, Lots: 54},
	}
	if err := guard.Approve(intents, pos, AccountState{}); !errors.Is(err, ErrMaxLots) {
		t.Fatalf("expected ErrMaxLots, got %v", err)
	}
}

func TestGuardIgnoresReducingIntents(t *testing.T) {
	guard := NewGuard(GuardConfig{MaxLots: 27})
	pos := Position{Side: SideLong, Lots: 27, AvgPrice: 98500}
	intents := []OrderIntent{
		{Role: RoleTakeProfit, Side: instrument.SideSell, Price: 98550, Lots: 28},
	}
	if err := guard.Approve(intents, pos, AccountState{}); err != nil {
		t.Fatalf("take-profit must pass the lots cap, got %v", err)
	}
}

func TestGuardMarginUtilization(t *testing.T) {
	guard := NewGuard(GuardConfig{MaxLots: 27, MaxMarginUtilization: 0.8})
	pos := Position{Side: SideLong, Lots: 1, AvgPrice: 100000}
	intents := []OrderIntent{
		{Role: RoleAverage, Side: instrument.SideBuy, Price: 99250, Lots: 2},
	}
	acct := AccountState{MarginUtilization: 0.92, HasMargin: true}
	if err := guard.Approve(intents, pos, acct); !errors.Is(err, ErrMarginUtilization) {
		t.Fatalf("expected ErrMarginUtilization, got %v", err)
	}
}

func TestGuardSkipsMarginWhenUnreported(t *testing.T) {
	guard := NewGuard(GuardConfig{MaxLots: 27, MaxMarginUtilization: 0.8})
	pos := Position{Side: SideLong, Lots: 1, AvgPrice: 100000}
	intents := []OrderIntent{
		{Role: RoleAverage, Side: instrument.SideBuy, Price: 99250, Lots: 2},
	}
	if err := guard.Approve(intents, pos, AccountState{MarginUtilization: 0.92}); err != nil {
		t.Fatalf("expected no rejection without reported margin, got %v", err)
	}
}
