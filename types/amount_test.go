package types

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1000000", "1000000"},
		{"1,000,000", "1000000"},
		{"1_000_000", "1000000"},
		{"1 000 000", "1000000"},
		{"+250", "250"},
		{"-75.5", "-75.5"},
		{"1.5k", "1500"},
		{"2M", "2000000"},
		{"0", "0"},
		{"67.1233", "67.1233"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if err != nil {
				t.Fatalf("ParseAmount(%q): %v", tt.in, err)
			}
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("ParseAmount(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseAmountMalformed(t *testing.T) {
	for _, in := range []string{"", "  ", "abc", "k", "1.2.3", "12x", "NaN"} {
		t.Run(in, func(t *testing.T) {
			if _, err := ParseAmount(in); !errors.Is(err, ErrMalformedNumber) {
				t.Errorf("ParseAmount(%q) error = %v, want ErrMalformedNumber", in, err)
			}
		})
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"2", "2", false},
		{"2.5%", "2.5", false},
		{"14,600", "14600", false},
		{"0", "0", false},
		{"-1", "-1", false},
		{"", "", true},
		{"%", "", true},
		{"Inf", "", true},
		{"1k", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRate(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedNumber) {
					t.Fatalf("ParseRate(%q) error = %v, want ErrMalformedNumber", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRate(%q): %v", tt.in, err)
			}
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("ParseRate(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestRound(t *testing.T) {
	got := Round(decimal.RequireFromString("67.12328767"), 4)
	if got.String() != "67.1233" {
		t.Errorf("Round = %s, want 67.1233", got)
	}
	got = Round(decimal.RequireFromString("-0.00005"), 4)
	if got.String() != "-0.0001" {
		t.Errorf("Round = %s, want -0.0001", got)
	}
}

func TestFormat(t *testing.T) {
	if got := Format(decimal.RequireFromString("1234.5"), "usd"); got != "$1,234.50" {
		t.Errorf("Format USD = %q", got)
	}
	if got := Format(decimal.RequireFromString("12.3456"), "USDT"); got != "12.35 USDT" {
		t.Errorf("Format USDT = %q", got)
	}
	if got := Format(decimal.RequireFromString("7"), " usdt "); got != "7.00 USDT" {
		t.Errorf("Format usdt = %q", got)
	}
	if got := Format(decimal.RequireFromString("1500"), "JPY"); got != "¥1,500" {
		t.Errorf("Format JPY = %q", got)
	}
}

func TestFraction(t *testing.T) {
	if got := Fraction("USD"); got != 2 {
		t.Errorf("Fraction(USD) = %d", got)
	}
	if got := Fraction("JPY"); got != 0 {
		t.Errorf("Fraction(JPY) = %d", got)
	}
	if got := Fraction("XYZT"); got != 2 {
		t.Errorf("Fraction(XYZT) = %d", got)
	}
}
