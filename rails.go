// Package keychain holds the shared domain of the keychain wallet controller:
// settlement rails, canonical wallet identifiers, the payment order state
// machine and the error taxonomy used by the bridge, signing router,
// settlement adapters and settlement engine.
package keychain

import (
	"fmt"
	"strings"
)

// Rail identifies a settlement path used to move value for a purchase.
type Rail string

const (
	RailSolana   Rail = "solana"
	RailEthereum Rail = "ethereum"
	RailArbitrum Rail = "arbitrum"
	RailOptimism Rail = "optimism"
	RailBase     Rail = "base"
	RailStarknet Rail = "starknet"
	RailCard     Rail = "card"
)

// RailType represents the execution environment of a rail.
type RailType int

const (
	// RailTypeUnknown represents an unrecognized rail.
	RailTypeUnknown RailType = iota
	// RailTypeEVM represents Ethereum Virtual Machine chains.
	RailTypeEVM
	// RailTypeSVM represents Solana Virtual Machine chains.
	RailTypeSVM
	// RailTypeStarknet represents the Starknet account chain.
	RailTypeStarknet
	// RailTypeCard represents card/onramp payment processors.
	RailTypeCard
)

// RailConfig contains rail-specific configuration for USDC deposits.
type RailConfig struct {
	// Rail is the rail identifier.
	Rail Rail

	// Type is the execution environment.
	Type RailType

	// ChainID is the EVM chain id (zero for non-EVM rails).
	ChainID int64

	// USDCAddress is the USDC contract address or mint address (empty for card).
	USDCAddress string

	// Decimals is the number of decimal places for USDC.
	Decimals uint8

	// ExplorerTxURL is the explorer prefix a transaction hash is appended to.
	ExplorerTxURL string
}

var (
	// Solana is the configuration for Solana mainnet.
	Solana = RailConfig{
		Rail:          RailSolana,
		Type:          RailTypeSVM,
		USDCAddress:   "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		Decimals:      6,
		ExplorerTxURL: "https://solscan.io/tx/",
	}

	// Ethereum is the configuration for Ethereum mainnet.
	Ethereum = RailConfig{
		Rail:          RailEthereum,
		Type:          RailTypeEVM,
		ChainID:       1,
		USDCAddress:   "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Decimals:      6,
		ExplorerTxURL: "https://etherscan.io/tx/",
	}

	// Arbitrum is the configuration for Arbitrum One.
	Arbitrum = RailConfig{
		Rail:          RailArbitrum,
		Type:          RailTypeEVM,
		ChainID:       42161,
		USDCAddress:   "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
		Decimals:      6,
		ExplorerTxURL: "https://arbiscan.io/tx/",
	}

	// Optimism is the configuration for OP Mainnet.
	Optimism = RailConfig{
		Rail:          RailOptimism,
		Type:          RailTypeEVM,
		ChainID:       10,
		USDCAddress:   "0x0b2C639c533813f4Aa9D7837cAf62653d097Ff85",
		Decimals:      6,
		ExplorerTxURL: "https://optimistic.etherscan.io/tx/",
	}

	// Base is the configuration for Base mainnet.
	Base = RailConfig{
		Rail:          RailBase,
		Type:          RailTypeEVM,
		ChainID:       8453,
		USDCAddress:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:      6,
		ExplorerTxURL: "https://basescan.org/tx/",
	}

	// Starknet is the configuration for Starknet mainnet.
	Starknet = RailConfig{
		Rail:          RailStarknet,
		Type:          RailTypeStarknet,
		USDCAddress:   "0x053c91253bc9682c04929ca02ed00b3e423f6710d2ee7e0d5ebb06f3ecf368a8",
		Decimals:      6,
		ExplorerTxURL: "https://voyager.online/tx/",
	}

	// Card is the card/onramp rail. Deposits are made by the payment provider.
	Card = RailConfig{
		Rail:     RailCard,
		Type:     RailTypeCard,
		Decimals: 6,
	}
)

var railConfigs = map[Rail]RailConfig{
	RailSolana:   Solana,
	RailEthereum: Ethereum,
	RailArbitrum: Arbitrum,
	RailOptimism: Optimism,
	RailBase:     Base,
	RailStarknet: Starknet,
	RailCard:     Card,
}

// Rails returns the configuration of every supported rail.
func Rails() []RailConfig {
	return []RailConfig{Solana, Ethereum, Arbitrum, Optimism, Base, Starknet, Card}
}

// LookupRail returns the configuration for rail.
func LookupRail(rail Rail) (RailConfig, error) {
	cfg, ok := railConfigs[rail]
	if !ok {
		return RailConfig{}, fmt.Errorf("%w: %q", ErrInvalidRail, rail)
	}
	return cfg, nil
}

// ValidateRail validates a rail identifier and returns its type.
func ValidateRail(id string) (RailType, error) {
	if id == "" {
		return RailTypeUnknown, fmt.Errorf("%w: rail cannot be empty", ErrInvalidRail)
	}
	cfg, err := LookupRail(Rail(id))
	if err != nil {
		return RailTypeUnknown, err
	}
	return cfg.Type, nil
}

// Bridged reports whether deposits on the rail go through the cross-chain
// bridge and therefore require a fee quote before submission.
func (r Rail) Bridged() bool {
	switch r {
	case RailSolana, RailEthereum, RailArbitrum, RailOptimism, RailBase:
		return true
	}
	return false
}

// IsEVM reports whether the rail is an EVM chain.
func (r Rail) IsEVM() bool {
	cfg, ok := railConfigs[r]
	return ok && cfg.Type == RailTypeEVM
}

// ExplorerLink returns the explorer URL for a transaction hash on the rail.
// Rails without an explorer return an empty string.
func (c RailConfig) ExplorerLink(txHash string) string {
	if c.ExplorerTxURL == "" || txHash == "" {
		return ""
	}
	return c.ExplorerTxURL + txHash
}

// ValidateTokenAddress validates that a token address matches the rail type.
//
// For EVM rails the address must be a 0x-prefixed 40 digit hex string.
// For Solana the address must be base58 encoded (32-44 characters).
// For Starknet the address must be a 0x-prefixed felt of at most 64 hex digits.
// The card rail has no token address and accepts only the empty string.
func ValidateTokenAddress(rail Rail, address string) error {
	railType, err := ValidateRail(string(rail))
	if err != nil {
		return err
	}

	if railType == RailTypeCard {
		if address != "" {
			return fmt.Errorf("%w: card rail takes no token address", ErrInvalidAddress)
		}
		return nil
	}
	if address == "" {
		return fmt.Errorf("%w: token address cannot be empty", ErrInvalidAddress)
	}

	switch railType {
	case RailTypeEVM:
		if len(address) != 42 || !hasHexPrefix(address) || !isHex(address[2:]) {
			return fmt.Errorf("%w: '%s' is not a valid EVM address for rail '%s'", ErrInvalidAddress, address, rail)
		}
	case RailTypeStarknet:
		digits := len(address) - 2
		if !hasHexPrefix(address) || digits < 1 || digits > 64 || !isHex(address[2:]) {
			return fmt.Errorf("%w: '%s' is not a valid Starknet felt", ErrInvalidAddress, address)
		}
	case RailTypeSVM:
		if len(address) < 32 || len(address) > 44 || !isBase58(address) {
			return fmt.Errorf("%w: '%s' is not a valid base58 address for rail '%s'", ErrInvalidAddress, address, rail)
		}
	}
	return nil
}

func hasHexPrefix(s string) bool {
	return len(s) >= 2 && (s[0:2] == "0x" || s[0:2] == "0X")
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func isBase58(s string) bool {
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(base58Alphabet, rune(s[i])) {
			return false
		}
	}
	return true
}
