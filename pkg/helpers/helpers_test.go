package helpers

import (
	"math/big"
	"testing"
)

func TestFormatBigAmount(t *testing.T) {
	tests := []struct {
		amount   string
		decimals uint8
		want     string
	}{
		{"1000000000000000000", 18, "1"},  // 1 ETH
		{"500000000000000000", 18, "0.5"}, // 0.5 ETH
		{"1", 18, "0.000000000000000001"}, // 1 wei
		{"1000000", 6, "1"},               // 1 USDC
		{"123456", 6, "0.123456"},         // All decimals
		{"0", 18, "0"},                    // Zero
		{"123", 0, "123"},                 // No decimals
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			amount, ok := new(big.Int).SetString(tt.amount, 10)
			if !ok {
				t.Fatalf("bad test amount %q", tt.amount)
			}
			got := FormatBigAmount(amount, tt.decimals)
			if got != tt.want {
				t.Errorf("FormatBigAmount(%s, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}

	if got := FormatBigAmount(nil, 18); got != "0" {
		t.Errorf("FormatBigAmount(nil) = %s, want 0", got)
	}
}

func TestParseBigAmount(t *testing.T) {
	tests := []struct {
		input    string
		decimals uint8
		want     string
		wantErr  bool
	}{
		{"1", 18, "1000000000000000000", false},
		{"0.5", 18, "500000000000000000", false},
		{"0.000000000000000001", 18, "1", false},
		{"1", 6, "1000000", false},
		{"0", 18, "0", false},
		{"123", 0, "123", false},
		{"invalid", 18, "", true},
		{"1.2.3", 18, "", true},
		{"-1", 18, "", true},
		{"", 18, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseBigAmount(tt.input, tt.decimals)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("ParseBigAmount(%s, %d) = %s, want %s", tt.input, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestFormatParseRoundtrip(t *testing.T) {
	amounts := []int64{1, 100, 12345678, 100000000, 999999999}

	for _, amount := range amounts {
		formatted := FormatBigAmount(big.NewInt(amount), 8)
		parsed, err := ParseBigAmount(formatted, 8)
		if err != nil {
			t.Errorf("ParseBigAmount(%s) failed: %v", formatted, err)
			continue
		}
		if parsed.Int64() != amount {
			t.Errorf("roundtrip failed: %d -> %s -> %s", amount, formatted, parsed)
		}
	}
}

func TestNativeConversions(t *testing.T) {
	// 1 NEAR = 10^24 yocto, which does not fit in uint64.
	oneNEAR, ok := new(big.Int).SetString("1000000000000000000000000", 10)
	if !ok {
		t.Fatal("failed to build 1 NEAR constant")
	}
	if got := YoctoToNEAR(oneNEAR); got != "1" {
		t.Errorf("YoctoToNEAR(1e24) = %s, want 1", got)
	}

	if got := WeiToETH(big.NewInt(1500000000000000000)); got != "1.5" {
		t.Errorf("WeiToETH(1.5e18) = %s, want 1.5", got)
	}
}

func TestBytesToHex(t *testing.T) {
	if got := BytesToHex([]byte{0xde, 0xad, 0xbe, 0xef}); got != "0xdeadbeef" {
		t.Errorf("BytesToHex = %s, want 0xdeadbeef", got)
	}
	if got := BytesToHex(nil); got != "0x" {
		t.Errorf("BytesToHex(nil) = %s, want 0x", got)
	}
}

func TestConstantTimeCompare(t *testing.T) {
	tests := []struct {
		name string
		a    []byte
		b    []byte
		want bool
	}{
		{"equal", []byte{1, 2, 3}, []byte{1, 2, 3}, true},
		{"not equal", []byte{1, 2, 3}, []byte{1, 2, 4}, false},
		{"different length", []byte{1, 2}, []byte{1, 2, 3}, false},
		{"empty equal", []byte{}, []byte{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConstantTimeCompare(tt.a, tt.b); got != tt.want {
				t.Errorf("ConstantTimeCompare = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGenerateSecureRandom(t *testing.T) {
	a, err := GenerateSecureRandom(32)
	if err != nil {
		t.Fatalf("GenerateSecureRandom() error = %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("len = %d, want 32", len(a))
	}

	b, err := GenerateSecureRandom(32)
	if err != nil {
		t.Fatalf("GenerateSecureRandom() error = %v", err)
	}
	if ConstantTimeCompare(a, b) {
		t.Error("two draws returned identical bytes")
	}
}
