package keychain

import "testing"

func TestCanonicalIdentifier(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Identifier
	}{
		{
			name: "evm mixed case",
			raw:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			want: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		},
		{
			name: "evm upper prefix",
			raw:  "0X833589FCD6EDB6E08F4C7C32D4F71B54BDA02913",
			want: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		},
		{
			name: "starknet felt padded",
			raw:  "0x49D36570D4E46F48E99674BD3FCC84644DDD6B96F7C741B1562B82F9E004DC7",
			want: "0x049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7",
		},
		{
			name: "short felt",
			raw:  "0xABC",
			want: "0x0000000000000000000000000000000000000000000000000000000000000abc",
		},
		{
			name: "solana key unchanged",
			raw:  "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			want: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		},
		{
			name: "platform key lower-cased",
			raw:  "  Alice-Wallet ",
			want: "alice-wallet",
		},
		{
			name: "empty",
			raw:  "   ",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CanonicalIdentifier(tt.raw)
			if got != tt.want {
				t.Errorf("CanonicalIdentifier(%q) = %q, want %q", tt.raw, got, tt.want)
			}
			if again := CanonicalIdentifier(string(got)); again != got {
				t.Errorf("CanonicalIdentifier is not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestCanonicalIdentifier_CaseInsensitiveCollapse(t *testing.T) {
	a := CanonicalIdentifier("0xABCDEF0123456789ABCDEF0123456789ABCDEF01")
	b := CanonicalIdentifier("0xabcdef0123456789abcdef0123456789abcdef01")
	if a != b {
		t.Errorf("identifiers differing only in case should collapse: %q != %q", a, b)
	}
}

func TestParseIdentifier(t *testing.T) {
	if _, err := ParseIdentifier(""); err != ErrInvalidIdentifier {
		t.Errorf("ParseIdentifier(\"\") error = %v, want ErrInvalidIdentifier", err)
	}
	id, err := ParseIdentifier("Bob")
	if err != nil {
		t.Fatalf("ParseIdentifier() error = %v", err)
	}
	if id != "bob" {
		t.Errorf("ParseIdentifier() = %q, want bob", id)
	}
}
