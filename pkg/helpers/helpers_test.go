package helpers

import (
	"math/big"
	"strings"
	"testing"
)

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		decimals uint8
		want     string
	}{
		{name: "whole", input: "1000000", decimals: 6, want: "1"},
		{name: "fractional", input: "1500000", decimals: 6, want: "1.5"},
		{name: "trailing zeros trimmed", input: "1230000", decimals: 6, want: "1.23"},
		{name: "sub unit", input: "1", decimals: 6, want: "0.000001"},
		{name: "zero decimals", input: "42", decimals: 0, want: "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := new(big.Int).SetString(tt.input, 10)
			if got := FormatAmount(v, tt.decimals); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseUnits(t *testing.T) {
	v, err := ParseUnits("50000000000000000000000000")
	if err != nil || v.String() != "50000000000000000000000000" {
		t.Errorf("ParseUnits() = %v, %v", v, err)
	}
	for _, bad := range []string{"", "1.5", "-1", "abc"} {
		if _, err := ParseUnits(bad); err == nil {
			t.Errorf("ParseUnits(%q) accepted", bad)
		}
	}
}

func TestShortHash(t *testing.T) {
	long := strings.Repeat("ab", 32)
	if got := ShortHash(long); got != long[:14]+"…" {
		t.Errorf("ShortHash(long) = %s", got)
	}
	if got := ShortHash("deadbeef"); got != "deadbeef" {
		t.Errorf("ShortHash(short) = %s", got)
	}
}

func TestHex32(t *testing.T) {
	valid := "0x" + strings.Repeat("ab", 32)
	if _, err := Hex32(valid); err != nil {
		t.Errorf("valid 32-byte hex rejected: %v", err)
	}
	if _, err := Hex32("0x1234"); err == nil {
		t.Error("short hex accepted")
	}
	if _, err := Hex32("zz"); err == nil {
		t.Error("invalid hex accepted")
	}
}

func TestHexToBytes(t *testing.T) {
	b, err := HexToBytes("0xff01")
	if err != nil || len(b) != 2 || b[0] != 0xff || b[1] != 0x01 {
		t.Errorf("HexToBytes(0xff01) = %x, %v", b, err)
	}
	if BytesToHex(b) != "0xff01" {
		t.Errorf("BytesToHex round trip failed: %s", BytesToHex(b))
	}
}
