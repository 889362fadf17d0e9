package validation

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/keychainkit/keychain-go"
)

func TestValidateAmountString(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		wantErr bool
	}{
		{"valid positive amount", "10000", false},
		{"valid large amount", "999999999999999999999", false},
		{"empty amount", "", true},
		{"zero amount", "0", true},
		{"negative amount", "-100", true},
		{"letters", "abc", true},
		{"decimal", "100.50", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateAmountString(tt.amount)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAmountString(%q) error = %v, wantErr %v", tt.amount, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, keychain.ErrInvalidAmount) {
				t.Errorf("error should wrap ErrInvalidAmount: %v", err)
			}
		})
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		rail    keychain.Rail
		wantErr string
	}{
		{"valid evm", "0x209693Bc6afc0C5328bA36FaF03C514EF312287C", keychain.RailBase, ""},
		{"evm wrong length", "0x209693Bc6afc0C5328bA36FaF03C514EF31228", keychain.RailEthereum, "invalid EVM address"},
		{"valid solana", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", keychain.RailSolana, ""},
		{"solana with zero", "0PjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", keychain.RailSolana, "invalid Solana address"},
		{"valid starknet", "0x049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7", keychain.RailStarknet, ""},
		{"starknet too long", "0x" + strings.Repeat("a", 65), keychain.RailStarknet, "invalid Starknet address"},
		{"card has none", "anything", keychain.RailCard, "no on-chain addresses"},
		{"empty", "", keychain.RailBase, "cannot be empty"},
		{"unknown rail", "0x209693Bc6afc0C5328bA36FaF03C514EF312287C", "polygon", "cannot validate address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.address, tt.rail)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateTransactionHash(t *testing.T) {
	tests := []struct {
		name    string
		hash    string
		rail    keychain.Rail
		wantErr bool
	}{
		{"evm ok", "0x" + strings.Repeat("ab", 32), keychain.RailArbitrum, false},
		{"evm short", "0xabc", keychain.RailArbitrum, true},
		{"empty", "", keychain.RailBase, true},
		{"solana ok", strings.Repeat("3", 87), keychain.RailSolana, false},
		{"solana bad char", strings.Repeat("0", 87), keychain.RailSolana, true},
		{"starknet ok", "0x1234", keychain.RailStarknet, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransactionHash(tt.hash, tt.rail)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransactionHash(%q) error = %v, wantErr %v", tt.hash, err, tt.wantErr)
			}
			if err != nil && keychain.KindOf(err) != keychain.KindValidation {
				t.Errorf("KindOf() = %s, want validation", keychain.KindOf(err))
			}
		})
	}
}

func TestValidateDeposit(t *testing.T) {
	deposit := "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	sender := "0x857b06519E91e3A54538791bDbb0E22373e36b66"

	if err := ValidateDeposit(keychain.RailBase, deposit, keychain.Base.USDCAddress, sender, big.NewInt(1)); err != nil {
		t.Errorf("valid deposit rejected: %v", err)
	}
	if err := ValidateDeposit(keychain.RailBase, deposit, keychain.Base.USDCAddress, sender, big.NewInt(0)); err == nil {
		t.Error("zero amount accepted")
	}
	if err := ValidateDeposit(keychain.RailBase, deposit, "", sender, big.NewInt(1)); err == nil {
		t.Error("missing token accepted")
	}
	if err := ValidateDeposit(keychain.RailBase, deposit, keychain.Base.USDCAddress, "bob", big.NewInt(1)); err == nil {
		t.Error("invalid sender accepted")
	}
}
