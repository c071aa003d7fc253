package chain

import (
	"math/big"
	"testing"
)

func TestParseEther(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1", "1000000000000000000"},
		{"0.05", "50000000000000000"},
		{".5", "500000000000000000"},
		{"10.", "10000000000000000000"},
		{"0.000000000000000001", "1"},
		{" 2.25 ", "2250000000000000000"},
		{"0", "0"},
	}
	for _, tt := range tests {
		got, err := ParseEther(tt.in)
		if err != nil {
			t.Fatalf("ParseEther(%q): %v", tt.in, err)
		}
		if got.String() != tt.want {
			t.Errorf("ParseEther(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParseEtherRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", ".", "-1", "+1", "1e18", "abc", "1.2.3", "0.0000000000000000001", "1,5"} {
		if _, err := ParseEther(in); err == nil {
			t.Errorf("ParseEther(%q) expected error", in)
		}
	}
}

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		value    *big.Int
		decimals int
		want     string
	}{
		{nil, 18, "0"},
		{big.NewInt(0), 18, "0"},
		{big.NewInt(1), 18, "0.000000000000000001"},
		{big.NewInt(1500000000000000000), 18, "1.5"},
		{big.NewInt(2000000000000000000), 18, "2"},
		{big.NewInt(-250), 2, "-2.5"},
		{big.NewInt(42), 0, "42"},
	}
	for _, tt := range tests {
		if got := FormatUnits(tt.value, tt.decimals); got != tt.want {
			t.Errorf("FormatUnits(%v, %d) = %q, want %q", tt.value, tt.decimals, got, tt.want)
		}
	}
}

func TestEtherRoundTrip(t *testing.T) {
	for _, s := range []string{"0.1", "3", "123.456789", "0.000000000000000001"} {
		wei, err := ParseEther(s)
		if err != nil {
			t.Fatalf("ParseEther(%q): %v", s, err)
		}
		if got := FormatEther(wei); got != s {
			t.Errorf("FormatEther(ParseEther(%q)) = %q", s, got)
		}
	}
}
