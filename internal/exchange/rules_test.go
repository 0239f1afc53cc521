package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRoundQtyDownFloors(t *testing.T) {
	r := &SymbolRules{QtyStep: 0.001, QtyPrecision: 3}
	cases := []struct {
		in, want float64
	}{
		{0.0199, 0.019},
		{5.0009, 5.000},
		{0.001, 0.001},
		{0.0009, 0},
	}
	for _, tc := range cases {
		if got := r.RoundQtyDown(tc.in); got != tc.want {
			t.Errorf("RoundQtyDown(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

// Float division 0.3/0.1 lands just below 3; naive math.Floor would cut a
// whole step off.
func TestRoundQtyDownDecimalExact(t *testing.T) {
	r := &SymbolRules{QtyStep: 0.1, QtyPrecision: 1}
	if got := r.RoundQtyDown(0.3); got != 0.3 {
		t.Errorf("RoundQtyDown(0.3) = %v, want 0.3", got)
	}
	if got := r.RoundQtyDown(2.7); got != 2.7 {
		t.Errorf("RoundQtyDown(2.7) = %v, want 2.7", got)
	}
}

func TestRoundQtyDownNoStep(t *testing.T) {
	r := &SymbolRules{}
	if got := r.RoundQtyDown(1.2345); got != 1.2345 {
		t.Errorf("no-step RoundQtyDown = %v, want passthrough", got)
	}
}

func TestRoundPrice(t *testing.T) {
	r := &SymbolRules{PriceStep: 0.5, PricePrecision: 1}
	if got := r.RoundPrice(100.3); got != 100.5 {
		t.Errorf("RoundPrice(100.3) = %v, want 100.5", got)
	}
	if got := r.RoundPrice(100.2); got != 100.0 {
		t.Errorf("RoundPrice(100.2) = %v, want 100.0", got)
	}
}

func TestFormatQtyPrecision(t *testing.T) {
	r := &SymbolRules{QtyPrecision: 3}
	if got := r.FormatQty(0.019); got != "0.019" {
		t.Errorf("FormatQty = %q, want 0.019", got)
	}
	whole := &SymbolRules{QtyPrecision: 0}
	if got := whole.FormatQty(12); got != "12" {
		t.Errorf("whole FormatQty = %q, want 12", got)
	}
}

func TestPrecisionOf(t *testing.T) {
	cases := []struct {
		step float64
		want int
	}{
		{0.001, 3},
		{0.1, 1},
		{1, 0},
		{10, 0},
		{0, 0},
	}
	for _, tc := range cases {
		if got := precisionOf(tc.step); got != tc.want {
			t.Errorf("precisionOf(%v) = %d, want %d", tc.step, got, tc.want)
		}
	}
}

func TestRegistryRefreshesOnTTL(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context) (map[string]*SymbolRules, error) {
		calls++
		return map[string]*SymbolRules{
			"BTCUSDT": {Symbol: "BTCUSDT", QtyStep: 0.001, Tradable: true},
		}, nil
	}
	reg := NewRegistry(10*time.Millisecond, fetch, zerolog.Nop())

	ctx := context.Background()
	if _, err := reg.Get(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if _, err := reg.Get(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("cached Get: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected single fetch while fresh, got %d", calls)
	}

	time.Sleep(15 * time.Millisecond)
	if _, err := reg.Get(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("stale Get: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected refetch after TTL, got %d calls", calls)
	}
}

func TestRegistryServesStaleOnFetchFailure(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context) (map[string]*SymbolRules, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("exchange down")
		}
		return map[string]*SymbolRules{
			"ETHUSDT": {Symbol: "ETHUSDT", Tradable: true},
		}, nil
	}
	reg := NewRegistry(time.Millisecond, fetch, zerolog.Nop())

	ctx := context.Background()
	if _, err := reg.Get(ctx, "ETHUSDT"); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	rules, err := reg.Get(ctx, "ETHUSDT")
	if err != nil {
		t.Fatalf("stale Get should serve previous snapshot, got %v", err)
	}
	if rules.Symbol != "ETHUSDT" {
		t.Fatalf("unexpected rules %+v", rules)
	}
}

func TestRegistryUnknownSymbol(t *testing.T) {
	fetch := func(ctx context.Context) (map[string]*SymbolRules, error) {
		return map[string]*SymbolRules{}, nil
	}
	reg := NewRegistry(time.Minute, fetch, zerolog.Nop())
	if _, err := reg.Get(context.Background(), "NOPEUSDT"); !errors.Is(err, ErrInvalidSymbol) {
		t.Fatalf("expected ErrInvalidSymbol, got %v", err)
	}
}
