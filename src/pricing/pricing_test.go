package pricing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return d
}

func TestWeightedAverageFirstFill(t *testing.T) {
	avg, err := WeightedAverage(decimal.Zero, 0, dec(t, "70000"), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if avg.StringFixed(2) != "70000.00" {
		t.Fatalf("expected 70000.00, got %s", avg.StringFixed(2))
	}
}

func TestWeightedAverageSubsequentFill(t *testing.T) {
	avg, err := WeightedAverage(dec(t, "70000"), 1, dec(t, "71000"), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// (70000*1 + 71000*2) / 3 = 70666.666..., half-up at two decimals.
	if avg.StringFixed(2) != "70666.67" {
		t.Fatalf("expected 70666.67, got %s", avg.StringFixed(2))
	}
}

func TestWeightedAverageRejectsBadQuantities(t *testing.T) {
	if _, err := WeightedAverage(decimal.Zero, 0, dec(t, "100"), 0); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity for zero fill, got %v", err)
	}

	if _, err := WeightedAverage(decimal.Zero, -1, dec(t, "100"), 1); err == nil {
		t.Fatalf("expected error for negative existing quantity")
	}
}

func TestFromFloatQuantizes(t *testing.T) {
	got := FromFloat(70000.1)
	if got.StringFixed(2) != "70000.10" {
		t.Fatalf("expected 70000.10, got %s", got.StringFixed(2))
	}
}

func TestParseDecimalStripsThousandsSeparators(t *testing.T) {
	d, err := ParseDecimal("1,234,567.89")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.StringFixed(2) != "1234567.89" {
		t.Fatalf("expected 1234567.89, got %s", d.StringFixed(2))
	}
}

func TestParseDecimalRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "abc", "12.3.4", "12a"} {
		if _, err := ParseDecimal(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestReduceQuantityAfterSell(t *testing.T) {
	remaining, err := ReduceQuantityAfterSell(3, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("expected 2 remaining, got %d", remaining)
	}

	remaining, err = ReduceQuantityAfterSell(2, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", remaining)
	}
}

func TestReduceQuantityAfterSellRejectsOversell(t *testing.T) {
	if _, err := ReduceQuantityAfterSell(1, 2); !errors.Is(err, ErrOversell) {
		t.Fatalf("expected ErrOversell, got %v", err)
	}
}
