package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/keychainkit/keychain-go"
)

type nopAdapter struct{}

func (nopAdapter) Build(context.Context, Transfer) (*UnsignedPayload, error) { return nil, nil }
func (nopAdapter) Submit(context.Context, *UnsignedPayload) (*keychain.SubmissionReceipt, error) {
	return nil, nil
}
func (nopAdapter) AwaitFinality(context.Context, *keychain.SubmissionReceipt) error { return nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if _, err := r.For(keychain.RailSolana); !errors.Is(err, keychain.ErrNoAdapter) {
		t.Errorf("empty registry error = %v", err)
	}
	if err := r.Register(keychain.RailSolana, nopAdapter{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := r.For(keychain.RailSolana); err != nil {
		t.Errorf("For() error = %v", err)
	}
	if err := r.Register("dogecoin", nopAdapter{}); !errors.Is(err, keychain.ErrInvalidRail) {
		t.Errorf("unknown rail error = %v", err)
	}
	if err := r.Register(keychain.RailCard, nopAdapter{}); !errors.Is(err, keychain.ErrInvalidRail) {
		t.Errorf("card rail error = %v", err)
	}
	if err := r.Register(keychain.RailBase, nil); err == nil {
		t.Error("expected error for nil adapter")
	}
	if rails := r.Rails(); len(rails) != 1 || rails[0] != keychain.RailSolana {
		t.Errorf("Rails() = %v", rails)
	}
}

func TestTransfer_Validate(t *testing.T) {
	valid := Transfer{DepositAddress: "dest", Amount: big.NewInt(1), Sender: "me"}

	tests := []struct {
		name    string
		mutate  func(*Transfer)
		wantErr error
	}{
		{"valid", func(*Transfer) {}, nil},
		{"no deposit address", func(tr *Transfer) { tr.DepositAddress = "" }, keychain.ErrInvalidAddress},
		{"nil amount", func(tr *Transfer) { tr.Amount = nil }, keychain.ErrInvalidAmount},
		{"zero amount", func(tr *Transfer) { tr.Amount = big.NewInt(0) }, keychain.ErrInvalidAmount},
		{"no sender", func(tr *Transfer) { tr.Sender = "" }, keychain.ErrInvalidIdentifier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := valid
			tt.mutate(&tr)
			err := tr.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
			if keychain.KindOf(err) != keychain.KindValidation {
				t.Errorf("KindOf() = %s", keychain.KindOf(err))
			}
		})
	}
}

func TestErrorHelpers(t *testing.T) {
	receipt := keychain.NewSubmissionReceipt(keychain.RailBase, "0xabc", time.Now())

	if err := OnChainFailure(receipt, "reverted"); keychain.KindOf(err) != keychain.KindFinality || !errors.Is(err, keychain.ErrFinality) {
		t.Errorf("OnChainFailure() = %v", err)
	}
	if err := ConfirmationTimeout(receipt, time.Minute); keychain.KindOf(err) != keychain.KindTimeout || !errors.Is(err, keychain.ErrConfirmationTimeout) {
		t.Errorf("ConfirmationTimeout() = %v", err)
	}
	if err := MalformedHash(keychain.RailBase, ""); keychain.KindOf(err) != keychain.KindValidation {
		t.Errorf("MalformedHash() = %v", err)
	}
}

func TestAwaitWithin(t *testing.T) {
	receipt := keychain.NewSubmissionReceipt(keychain.RailBase, "0xabc", time.Now())
	block := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	err := AwaitWithin(context.Background(), receipt, 20*time.Millisecond, block)
	if !errors.Is(err, keychain.ErrConfirmationTimeout) || keychain.KindOf(err) != keychain.KindTimeout {
		t.Errorf("deadline error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := AwaitWithin(ctx, receipt, time.Minute, block); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled error = %v", err)
	}

	boom := errors.New("boom")
	if err := AwaitWithin(context.Background(), receipt, time.Minute, func(context.Context) error { return boom }); err != boom {
		t.Errorf("passthrough error = %v", err)
	}
	if err := AwaitWithin(context.Background(), receipt, time.Minute, func(context.Context) error { return nil }); err != nil {
		t.Errorf("success error = %v", err)
	}
}
