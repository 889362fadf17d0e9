package keychain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// SubmissionReceipt is produced once per successful on-chain submission and
// attached to the order before confirmation is final.
type SubmissionReceipt struct {
	// TransactionHash is the transaction hash (EVM, Starknet) or signature (Solana).
	TransactionHash string `json:"transactionHash"`

	// ExplorerLink is a block explorer URL for the transaction, if the rail has one.
	ExplorerLink string `json:"explorerLink,omitempty"`

	// Rail is the rail the transaction was submitted on.
	Rail Rail `json:"rail"`

	// Sender is the canonical identifier of the wallet that submitted the transaction.
	Sender Identifier `json:"sender,omitempty"`

	// SubmittedAt is when the submission was accepted.
	SubmittedAt time.Time `json:"submittedAt"`
}

// NewSubmissionReceipt builds a receipt with the rail's explorer link.
func NewSubmissionReceipt(rail Rail, txHash string, at time.Time) *SubmissionReceipt {
	cfg, _ := LookupRail(rail)
	return &SubmissionReceipt{
		TransactionHash: txHash,
		ExplorerLink:    cfg.ExplorerLink(txHash),
		Rail:            rail,
		SubmittedAt:     at,
	}
}

// From returns a copy of r attributed to sender.
func (r SubmissionReceipt) From(sender string) *SubmissionReceipt {
	r.Sender = CanonicalIdentifier(sender)
	return &r
}

// AmountToBigInt converts a decimal amount string to *big.Int in atomic units.
// For example, "1.5" with 6 decimals becomes 1500000. Amounts with more
// fractional digits than decimals are rejected.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, ErrInvalidAmount
	}

	shifted := value.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, ErrInvalidAmount
	}
	return shifted.BigInt(), nil
}

// BigIntToAmount converts a *big.Int in atomic units to a decimal string.
// For example, 1500000 with 6 decimals becomes "1.500000".
func BigIntToAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, -int32(decimals)).StringFixed(int32(decimals))
}

// ParseAtomic parses a base-10 atomic amount. Negative values are rejected.
func ParseAtomic(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return v, nil
}
