// Package validation checks user and remote supplied values before they reach
// a settlement adapter or the order state machine.
package validation

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/keychainkit/keychain-go"
)

var (
	// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// solanaAddressRegex matches Solana base58 addresses (32-44 chars, base58 charset)
	solanaAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

	// feltRegex matches Starknet field elements
	feltRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{1,64}$`)

	// txHashRegex matches 32 byte EVM transaction hashes
	txHashRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

	// solanaSignatureRegex matches base58 encoded 64 byte signatures
	solanaSignatureRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{64,88}$`)
)

// ValidateAmount validates that an atomic amount is present and greater than zero.
func ValidateAmount(amount *big.Int) error {
	if amount == nil {
		return fmt.Errorf("%w: amount cannot be empty", keychain.ErrInvalidAmount)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be greater than 0, got %s", keychain.ErrInvalidAmount, amount)
	}
	return nil
}

// ValidateAmountString parses and validates a base-10 atomic amount.
func ValidateAmountString(amount string) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("%w: amount cannot be empty", keychain.ErrInvalidAmount)
	}
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid amount format: %s", keychain.ErrInvalidAmount, amount)
	}
	if err := ValidateAmount(v); err != nil {
		return nil, err
	}
	return v, nil
}

// ValidateAddress validates an account or contract address for the rail.
func ValidateAddress(address string, rail keychain.Rail) error {
	if address == "" {
		return fmt.Errorf("%w: address cannot be empty", keychain.ErrInvalidAddress)
	}

	railType, err := keychain.ValidateRail(string(rail))
	if err != nil {
		return fmt.Errorf("cannot validate address: %w", err)
	}

	switch railType {
	case keychain.RailTypeEVM:
		if !evmAddressRegex.MatchString(address) {
			return fmt.Errorf("%w: invalid EVM address format: %s", keychain.ErrInvalidAddress, address)
		}
	case keychain.RailTypeSVM:
		if !solanaAddressRegex.MatchString(address) {
			return fmt.Errorf("%w: invalid Solana address format: %s", keychain.ErrInvalidAddress, address)
		}
	case keychain.RailTypeStarknet:
		if !feltRegex.MatchString(address) {
			return fmt.Errorf("%w: invalid Starknet address format: %s", keychain.ErrInvalidAddress, address)
		}
	default:
		return fmt.Errorf("%w: rail %s has no on-chain addresses", keychain.ErrInvalidAddress, rail)
	}
	return nil
}

// ValidateTransactionHash checks the shape of a hash returned by a wallet.
// EVM hashes must be 32 bytes of hex; Solana signatures must be base58 and
// Starknet hashes must be felts.
func ValidateTransactionHash(hash string, rail keychain.Rail) error {
	if hash == "" {
		return fmt.Errorf("%w: empty transaction hash", keychain.ErrMalformedResponse)
	}
	switch {
	case rail.IsEVM():
		if !txHashRegex.MatchString(hash) {
			return fmt.Errorf("%w: invalid transaction hash %q", keychain.ErrMalformedResponse, hash)
		}
	case rail == keychain.RailSolana:
		if !solanaSignatureRegex.MatchString(hash) {
			return fmt.Errorf("%w: invalid Solana signature %q", keychain.ErrMalformedResponse, hash)
		}
	case rail == keychain.RailStarknet:
		if !feltRegex.MatchString(hash) {
			return fmt.Errorf("%w: invalid Starknet transaction hash %q", keychain.ErrMalformedResponse, hash)
		}
	}
	return nil
}

// ValidateDeposit performs the checks every settlement adapter needs before
// building a transfer.
func ValidateDeposit(rail keychain.Rail, depositAddress, tokenAddress, sender string, amount *big.Int) error {
	if err := ValidateAmount(amount); err != nil {
		return fmt.Errorf("invalid deposit: %w", err)
	}
	if err := ValidateAddress(depositAddress, rail); err != nil {
		return fmt.Errorf("invalid deposit address: %w", err)
	}
	if err := keychain.ValidateTokenAddress(rail, tokenAddress); err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if err := ValidateAddress(sender, rail); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	return nil
}
