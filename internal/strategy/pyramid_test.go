package strategy

import (
	"errors"
	"testing"

	"delta-pyramid-bot/internal/instrument"
)

func testRules() instrument.Rules {
	return instrument.Rules{Symbol: "BTCUSD", ProductID: 27, TickSize: 0.5, LotSize: 1, ContractValue: 0.001, MinLots: 1}
}

func findIntent(t *testing.T, intents []OrderIntent, role Role) OrderIntent {
	t.Helper()
	for _, it := range intents {
		if it.Role == role {
			return it
		}
	}
	t.Fatalf("intent with role %s not found in %v", role, intents)
	return OrderIntent{}
}

func TestComputeIntentsSeedWhenFlat(t *testing.T) {
	ladder := DefaultLadder()
	intents, err := ComputeIntents(Position{Side: SideNone}, 100000, ladder, testRules())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("expected 1 seed intent, got %d", len(intents))
	}
	seed := intents[0]
	if seed.Role != RoleSeed || seed.Side != instrument.SideBuy || seed.Lots != 1 {
		t.Fatalf("unexpected seed intent: %+v", seed)
	}
	if seed.Price != 99995.0 {
		t.Fatalf("expected seed at 99995, got %f", seed.Price)
	}
}

func TestComputeIntentsSeedShortSide(t *testing.T) {
	ladder := DefaultLadder()
	ladder.SeedSide = instrument.SideSell
	intents, err := ComputeIntents(Position{}, 100000, ladder, testRules())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if intents[0].Side != instrument.SideSell || intents[0].Price != 100005.0 {
		t.Fatalf("unexpected short seed: %+v", intents[0])
	}
}

// Worked example: LONG 1 lot entered at 100000.
func TestComputeIntentsTierOneLong(t *testing.T) {
	pos := Position{Side: SideLong, Lots: 1, AvgPrice: 100000}
	intents, err := ComputeIntents(pos, 100000, DefaultLadder(), testRules())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(intents) != 2 {
		t.Fatalf("expected 2 intents, got %d", len(intents))
	}
	tp := findIntent(t, intents, RoleTakeProfit)
	if tp.Side != instrument.SideSell || tp.Lots != 2 || tp.Price != 100300.0 {
		t.Fatalf("unexpected TP: %+v", tp)
	}
	avg := findIntent(t, intents, RoleAverage)
	if avg.Side != instrument.SideBuy || avg.Lots != 2 || avg.Price != 99250.0 {
		t.Fatalf("unexpected AVG: %+v", avg)
	}
}

// Continuation of the worked example: the 99250 averaging order fills,
// giving LONG 3 lots at a 99500 blended average.
func TestComputeIntentsTierThreeLong(t *testing.T) {
	pos := Position{Side: SideLong, Lots: 3, AvgPrice: 99500, FirstAvgFill: 99250}
	intents, err := ComputeIntents(pos, 99400, DefaultLadder(), testRules())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tp := findIntent(t, intents, RoleTakeProfit)
	if tp.Side != instrument.SideSell || tp.Lots != 4 || tp.Price != 99700.0 {
		t.Fatalf("unexpected TP: %+v", tp)
	}
	avg := findIntent(t, intents, RoleAverage)
	if avg.Side != instrument.SideBuy || avg.Lots != 6 || avg.Price != 98750.0 {
		t.Fatalf("unexpected AVG: %+v", avg)
	}
}

func TestComputeIntentsTierNineUsesSecondAnchor(t *testing.T) {
	pos := Position{Side: SideLong, Lots: 9, AvgPrice: 99000, FirstAvgFill: 99250, SecondAvgFill: 98750}
	intents, err := ComputeIntents(pos, 98800, DefaultLadder(), testRules())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tp := findIntent(t, intents, RoleTakeProfit)
	if tp.Lots != 10 || tp.Price != 99100.0 {
		t.Fatalf("unexpected TP: %+v", tp)
	}
	avg := findIntent(t, intents, RoleAverage)
	if avg.Lots != 18 || avg.Price != 98250.0 {
		t.Fatalf("unexpected AVG: %+v", avg)
	}
}

func TestComputeIntentsTierTwentySevenHasNoAveraging(t *testing.T) {
	pos := Position{Side: SideLong, Lots: 27, AvgPrice: 98500}
	intents, err := ComputeIntents(pos, 98400, DefaultLadder(), testRules())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("expected TP only at deepest tier, got %v", intents)
	}
	tp := intents[0]
	if tp.Role != RoleTakeProfit || tp.Lots != 28 || tp.Price != 98550.0 {
		t.Fatalf("unexpected TP: %+v", tp)
	}
}

func TestComputeIntentsMirroredForShort(t *testing.T) {
	pos := Position{Side: SideShort, Lots: 1, AvgPrice: 100000}
	intents, err := ComputeIntents(pos, 100000, DefaultLadder(), testRules())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tp := findIntent(t, intents, RoleTakeProfit)
	if tp.Side != instrument.SideBuy || tp.Lots != 2 || tp.Price != 99700.0 {
		t.Fatalf("unexpected short TP: %+v", tp)
	}
	avg := findIntent(t, intents, RoleAverage)
	if avg.Side != instrument.SideSell || avg.Lots != 2 || avg.Price != 100750.0 {
		t.Fatalf("unexpected short AVG: %+v", avg)
	}
}

func TestComputeIntentsAllTiersBothSides(t *testing.T) {
	cases := []struct {
		lots    int
		tpLots  int
		avgLots int
	}{
		{1, 2, 2},
		{3, 4, 6},
		{9, 10, 18},
		{27, 28, 0},
	}
	for _, side := range []PositionSide{SideLong, SideShort} {
		for _, tc := range cases {
			pos := Position{Side: side, Lots: tc.lots, AvgPrice: 50000, FirstAvgFill: 49500, SecondAvgFill: 49000}
			intents, err := ComputeIntents(pos, 50000, DefaultLadder(), testRules())
			if err != nil {
				t.Fatalf("%s lots=%d: unexpected error: %v", side, tc.lots, err)
			}
			tp := findIntent(t, intents, RoleTakeProfit)
			if tp.Lots != tc.tpLots {
				t.Fatalf("%s lots=%d: expected TP %d lots, got %d", side, tc.lots, tc.tpLots, tp.Lots)
			}
			if tc.avgLots == 0 {
				if len(intents) != 1 {
					t.Fatalf("%s lots=%d: expected no averaging intent", side, tc.lots)
				}
				continue
			}
			avg := findIntent(t, intents, RoleAverage)
			if avg.Lots != tc.avgLots {
				t.Fatalf("%s lots=%d: expected AVG %d lots, got %d", side, tc.lots, tc.avgLots, avg.Lots)
			}
		}
	}
}

func TestComputeIntentsDeterministic(t *testing.T) {
	pos := Position{Side: SideLong, Lots: 3, AvgPrice: 99500, FirstAvgFill: 99250}
	a, err := ComputeIntents(pos, 99400, DefaultLadder(), testRules())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := ComputeIntents(pos, 99400, DefaultLadder(), testRules())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("intent count differs between identical invocations")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("intent %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestComputeIntentsRejectsNonCanonicalLots(t *testing.T) {
	pos := Position{Side: SideLong, Lots: 5, AvgPrice: 99500}
	if _, err := ComputeIntents(pos, 99400, DefaultLadder(), testRules()); !errors.Is(err, ErrNonCanonicalLots) {
		t.Fatalf("expected ErrNonCanonicalLots, got %v", err)
	}
}

func TestComputeIntentsRejectsBadReference(t *testing.T) {
	if _, err := ComputeIntents(Position{}, 0, DefaultLadder(), testRules()); !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference, got %v", err)
	}
}

func TestBlendAverage(t *testing.T) {
	got := BlendAverage(100000, 1, 99250, 2)
	if got != 99500 {
		t.Fatalf("expected 99500, got %f", got)
	}
}

func TestBlendAverageSequenceMatchesTotalWeighting(t *testing.T) {
	fills := []struct {
		price float64
		lots  int
	}{
		{100000, 1},
		{99250, 2},
		{98750, 6},
		{98250, 18},
	}
	avg := 0.0
	lots := 0
	sum := 0.0
	total := 0
	for _, f := range fills {
		avg = BlendAverage(avg, lots, f.price, f.lots)
		lots += f.lots
		sum += f.price * float64(f.lots)
		total += f.lots
	}
	want := sum / float64(total)
	if diff := avg - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected %f, got %f", want, avg)
	}
}
