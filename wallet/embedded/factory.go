package embedded

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/keychainkit/keychain-go"
	"github.com/keychainkit/keychain-go/wallet"
)

// Linked signer types that carry a session key the keychain can hold.
const (
	SignerTypeEVMSession    = "evm-session"
	SignerTypeSolanaSession = "solana-session"
)

// sessionKeyMetadata is the metadata of a session-key linked signer.
type sessionKeyMetadata struct {
	PrivateKey string `json:"privateKey"`
}

// Factory returns a wallet.Factory that builds embedded wallets for
// session-key linked signers. Other signer types are skipped. The derived
// address must match the signer's identifier.
func Factory(evmOpts []EVMOption, solanaOpts []SolanaOption) wallet.Factory {
	return func(ctx context.Context, signer wallet.LinkedSigner) (wallet.Wallet, error) {
		var w wallet.Wallet
		switch signer.Type {
		case SignerTypeEVMSession:
			meta, err := parseSessionKey(signer.Metadata)
			if err != nil {
				return nil, err
			}
			opts := append([]EVMOption{WithPrivateKey(meta.PrivateKey)}, evmOpts...)
			evm, err := NewEVMWallet(opts...)
			if err != nil {
				return nil, err
			}
			w = evm
		case SignerTypeSolanaSession:
			meta, err := parseSessionKey(signer.Metadata)
			if err != nil {
				return nil, err
			}
			opts := append([]SolanaOption{WithSolanaPrivateKey(meta.PrivateKey)}, solanaOpts...)
			sol, err := NewSolanaWallet(opts...)
			if err != nil {
				return nil, err
			}
			w = sol
		default:
			return nil, nil
		}

		if keychain.CanonicalIdentifier(w.Address()) != keychain.CanonicalIdentifier(signer.Identifier) {
			return nil, fmt.Errorf("%w: session key does not match signer %s", keychain.ErrInvalidKey, signer.Identifier)
		}
		return w, nil
	}
}

func parseSessionKey(raw json.RawMessage) (sessionKeyMetadata, error) {
	var meta sessionKeyMetadata
	if len(raw) == 0 {
		return meta, fmt.Errorf("%w: missing session key metadata", keychain.ErrInvalidKey)
	}
	if err := json.Unmarshal(raw, &meta); err != nil || meta.PrivateKey == "" {
		return meta, fmt.Errorf("%w: invalid session key metadata", keychain.ErrInvalidKey)
	}
	return meta, nil
}
