package keychain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
)

// Identifier is a wallet address or platform key in canonical form. Two
// identifiers refer to the same wallet if and only if they are equal.
type Identifier string

// String implements fmt.Stringer.
func (id Identifier) String() string {
	return string(id)
}

// CanonicalIdentifier normalizes a raw address or platform key:
//   - EVM addresses (0x + 40 hex digits) are lower-cased
//   - other 0x-prefixed hex values are treated as Starknet felts and padded to 64 digits
//   - Solana base58 public keys are returned unchanged since base58 is case-sensitive
//   - anything else (platform keys such as usernames) is lower-cased
//
// CanonicalIdentifier is idempotent.
func CanonicalIdentifier(raw string) Identifier {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	if hasHexPrefix(s) && isHex(s[2:]) {
		if common.IsHexAddress(s) && len(s) == 42 {
			return Identifier(strings.ToLower(common.HexToAddress(s).Hex()))
		}
		if felt, ok := new(big.Int).SetString(s[2:], 16); ok && len(s)-2 <= 64 {
			return Identifier(fmt.Sprintf("0x%064x", felt))
		}
		return Identifier(strings.ToLower(s))
	}

	if _, err := solana.PublicKeyFromBase58(s); err == nil {
		return Identifier(s)
	}

	return Identifier(strings.ToLower(s))
}

// ParseIdentifier canonicalizes raw and rejects empty input.
func ParseIdentifier(raw string) (Identifier, error) {
	id := CanonicalIdentifier(raw)
	if id == "" {
		return "", ErrInvalidIdentifier
	}
	return id, nil
}
