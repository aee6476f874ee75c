package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		amount   string
		currency string
		want     string
	}{
		{"8500000", "NGN", "₦8,500,000"},
		{"8500000.00", "", "₦8,500,000"},
		{"83333.33", "NGN", "₦83,333.33"},
		{"500000.5", "NGN", "₦500,000.50"},
		{"999", "NGN", "₦999"},
		{"1000", "USD", "$1,000"},
		{"-1000000", "NGN", "-₦1,000,000"},
		{"0", "NGN", "₦0"},
		{"12.5", "KES", "KES 12.50"},
	}

	for _, tc := range tests {
		got := Format(decimal.RequireFromString(tc.amount), tc.currency)
		if got != tc.want {
			t.Errorf("Format(%s, %q) = %q, want %q", tc.amount, tc.currency, got, tc.want)
		}
	}
}

func TestSplitSumsToTotal(t *testing.T) {
	total := decimal.RequireFromString("1000000")
	parts := Split(total, 12)
	if len(parts) != 12 {
		t.Fatalf("expected 12 parts, got %d", len(parts))
	}
	if !Sum(parts...).Equal(total) {
		t.Fatalf("parts sum to %s, want %s", Sum(parts...), total)
	}
	if !parts[0].Equal(decimal.RequireFromString("83333.34")) {
		t.Errorf("first part = %s, want 83333.34", parts[0])
	}
	if !parts[11].Equal(decimal.RequireFromString("83333.33")) {
		t.Errorf("last part = %s, want 83333.33", parts[11])
	}
}

func TestSplitInvalidCount(t *testing.T) {
	if parts := Split(decimal.NewFromInt(10), 0); parts != nil {
		t.Fatalf("expected nil parts, got %v", parts)
	}
}

func TestPercentAndRatio(t *testing.T) {
	total := decimal.NewFromInt(10_000_000)
	if got := Percent(total, decimal.NewFromInt(10)); !got.Equal(decimal.NewFromInt(1_000_000)) {
		t.Errorf("Percent = %s, want 1000000", got)
	}
	if got := Ratio(decimal.NewFromInt(1_000_000), decimal.NewFromInt(11_000_000)); !got.Equal(decimal.RequireFromString("9.0909")) {
		t.Errorf("Ratio = %s, want 9.0909", got)
	}
	if got := Ratio(decimal.NewFromInt(1), decimal.Zero); !got.IsZero() {
		t.Errorf("Ratio with zero total = %s, want 0", got)
	}
}
