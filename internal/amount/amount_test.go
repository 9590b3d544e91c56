package amount

import (
	"math/big"
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one unit", "1.00", 1_000_000},
		{"half unit", "0.50", 500_000},
		{"hundred", "100", 100_000_000},
		{"smallest unit", "0.000001", 1},
		{"whole and frac", "1.500000", 1_500_000},
		{"no frac", "1", 1_000_000},
		{"short frac", "1.5", 1_500_000},
		{"six decimals", "1.123456", 1_123_456},
		{"large amount", "999999.999999", 999_999_999_999},
		{"leading zeros", "007.50", 7_500_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got.Int64() != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.expected)
			}
		})
	}
}

func TestParse_InvalidAmounts(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"negative", "-1.00"},
		{"two dots", "1.2.3"},
		{"letters", "abc"},
		{"hex", "0x10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Parse(tt.input); ok {
				t.Errorf("Parse(%q) = ok, want invalid", tt.input)
			}
		})
	}
}

func TestParse_TruncationBeyondSixDecimals(t *testing.T) {
	got, ok := Parse("1.1234567890")
	if !ok {
		t.Fatal("Parse returned ok=false")
	}
	if got.Int64() != 1_123_456 {
		t.Errorf("got %d, want 1123456", got.Int64())
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		expected string
	}{
		{"one unit", 1_000_000, "1.000000"},
		{"zero", 0, "0.000000"},
		{"smallest", 1, "0.000001"},
		{"mixed", 1_500_000, "1.500000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(big.NewInt(tt.input)); got != tt.expected {
				t.Errorf("Format(%d) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormat_Nil(t *testing.T) {
	if got := Format(nil); got != "0.000000" {
		t.Errorf("Format(nil) = %q, want 0.000000", got)
	}
}

func TestFeeSplit(t *testing.T) {
	tests := []struct {
		name    string
		gross   int64
		bps     int64
		wantFee int64
		wantNet int64
	}{
		{"fifty bps on 100", 100_000_000, 50, 500_000, 99_500_000},
		{"zero bps", 100_000_000, 0, 0, 100_000_000},
		{"rounds down", 1, 50, 0, 1},
		{"full take", 100, 10000, 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fee, net := FeeSplit(big.NewInt(tt.gross), tt.bps)
			if fee.Int64() != tt.wantFee {
				t.Errorf("fee = %d, want %d", fee.Int64(), tt.wantFee)
			}
			if net.Int64() != tt.wantNet {
				t.Errorf("net = %d, want %d", net.Int64(), tt.wantNet)
			}
		})
	}
}
