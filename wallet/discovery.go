package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/keychainkit/keychain-go"
)

// LinkedSigner is one signer linked to a controller account.
type LinkedSigner struct {
	// Type is the signer kind, for example "eip191", "webauthn" or "phantom".
	Type string `json:"type"`

	// Identifier is the signer's address or platform key.
	Identifier string `json:"identifier"`

	// Metadata holds signer-specific credential data.
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Factory instantiates an embedded wallet for a linked signer. It returns a
// nil wallet and nil error for signers that cannot be embedded.
type Factory func(ctx context.Context, signer LinkedSigner) (Wallet, error)

// Discover instantiates embedded wallets for signers. Signers whose canonical
// identifier is already registered are skipped, so running Discover again
// over the same list never creates duplicates. It returns the number of
// wallets added; factory failures are collected and do not stop the scan.
func (k *KeychainWallets) Discover(ctx context.Context, signers []LinkedSigner, factory Factory) (int, error) {
	if factory == nil {
		return 0, fmt.Errorf("wallet factory cannot be nil")
	}

	var (
		added int
		errs  []error
	)
	for _, signer := range signers {
		if err := ctx.Err(); err != nil {
			return added, err
		}

		id, err := keychain.ParseIdentifier(signer.Identifier)
		if err != nil {
			errs = append(errs, fmt.Errorf("signer %q: %w", signer.Type, err))
			continue
		}
		if _, ok := k.GetEmbeddedWallet(id.String()); ok {
			continue
		}

		w, err := factory(ctx, signer)
		if err != nil {
			k.logger.Warn("embedded wallet discovery failed", "type", signer.Type, "identifier", id.String(), "error", err)
			errs = append(errs, fmt.Errorf("signer %s: %w", id, err))
			continue
		}
		if w == nil {
			continue
		}

		k.mu.Lock()
		if _, exists := k.embedded[id]; !exists {
			k.embedded[id] = w
			added++
		}
		k.mu.Unlock()
	}

	if added > 0 {
		k.logger.Info("embedded wallets discovered", "added", added, "total", k.Len())
	}
	return added, errors.Join(errs...)
}
