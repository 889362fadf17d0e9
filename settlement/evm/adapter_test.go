package evm

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/keychainkit/keychain-go"
	"github.com/keychainkit/keychain-go/bridge"
	"github.com/keychainkit/keychain-go/settlement"
)

const (
	senderAddr  = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	depositAddr = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	txHash      = "0x8f1c4a2f6b1d3e5a7c9b0d2e4f6a8c0e1b3d5f7a9c2e4b6d8f0a1c3e5b7d9f1a"
)

type fakeRouter struct {
	sender   string
	txn      json.RawMessage
	hash     string
	sendErr  error
	waitFor  string
	waitedAs string
	timeout  time.Duration
	receipt  json.RawMessage
	waitErr  error
	wait     func(ctx context.Context) (json.RawMessage, error)
}

func (f *fakeRouter) SendTransaction(ctx context.Context, identifier string, txn json.RawMessage) (string, error) {
	f.sender = identifier
	f.txn = txn
	return f.hash, f.sendErr
}

func (f *fakeRouter) WaitForTransaction(ctx context.Context, identifier, hash string, timeout time.Duration) (json.RawMessage, error) {
	f.waitedAs = identifier
	f.waitFor = hash
	f.timeout = timeout
	if f.wait != nil {
		return f.wait(ctx)
	}
	return f.receipt, f.waitErr
}

func TestNew(t *testing.T) {
	for _, rail := range []keychain.Rail{keychain.RailEthereum, keychain.RailArbitrum, keychain.RailOptimism, keychain.RailBase} {
		if _, err := New(rail, &fakeRouter{}); err != nil {
			t.Errorf("New(%s) error = %v", rail, err)
		}
	}
	for _, rail := range []keychain.Rail{keychain.RailSolana, keychain.RailStarknet, keychain.RailCard, "dogecoin"} {
		if _, err := New(rail, &fakeRouter{}); !errors.Is(err, keychain.ErrInvalidRail) {
			t.Errorf("New(%s) error = %v", rail, err)
		}
	}
}

func TestAdapter_Build(t *testing.T) {
	a, err := New(keychain.RailBase, &fakeRouter{})
	if err != nil {
		t.Fatal(err)
	}

	payload, err := a.Build(context.Background(), settlement.Transfer{
		DepositAddress: depositAddr,
		Amount:         big.NewInt(105_000_000),
		Sender:         senderAddr,
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if payload.Rail != keychain.RailBase {
		t.Errorf("Rail = %s", payload.Rail)
	}

	var tx bridge.EVMTransaction
	if err := json.Unmarshal(payload.Transaction, &tx); err != nil {
		t.Fatal(err)
	}
	if tx.Value != "0x0" {
		t.Errorf("Value = %s, want 0x0", tx.Value)
	}
	if !strings.EqualFold(tx.To, keychain.Base.USDCAddress) {
		t.Errorf("To = %s, want USDC", tx.To)
	}
	if tx.ChainID != "0x2105" {
		t.Errorf("ChainID = %s", tx.ChainID)
	}

	data, err := hexutil.Decode(tx.Data)
	if err != nil {
		t.Fatal(err)
	}
	method, err := erc20ABI.MethodById(data[:4])
	if err != nil || method.Name != "transfer" {
		t.Fatalf("method = %v, %v", method, err)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatal(err)
	}
	if args[0].(common.Address) != common.HexToAddress(depositAddr) {
		t.Errorf("to = %v", args[0])
	}
	if args[1].(*big.Int).Int64() != 105_000_000 {
		t.Errorf("amount = %v", args[1])
	}
}

func TestAdapter_BuildValidation(t *testing.T) {
	a, _ := New(keychain.RailEthereum, &fakeRouter{})

	tests := []struct {
		name     string
		transfer settlement.Transfer
	}{
		{"bad deposit address", settlement.Transfer{DepositAddress: "0x123", Amount: big.NewInt(1), Sender: senderAddr}},
		{"bad sender", settlement.Transfer{DepositAddress: depositAddr, Amount: big.NewInt(1), Sender: "alice"}},
		{"bad token", settlement.Transfer{DepositAddress: depositAddr, Amount: big.NewInt(1), Sender: senderAddr, TokenAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Build(context.Background(), tt.transfer)
			if !errors.Is(err, keychain.ErrInvalidAddress) {
				t.Errorf("Build() error = %v", err)
			}
		})
	}
}

func TestAdapter_Submit(t *testing.T) {
	router := &fakeRouter{hash: txHash}
	a, _ := New(keychain.RailArbitrum, router)
	payload := &settlement.UnsignedPayload{Rail: keychain.RailArbitrum, Sender: senderAddr, Transaction: json.RawMessage(`{}`)}

	receipt, err := a.Submit(context.Background(), payload)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if receipt.TransactionHash != txHash || receipt.ExplorerLink != "https://arbiscan.io/tx/"+txHash {
		t.Errorf("receipt = %+v", receipt)
	}
	if receipt.Sender != keychain.CanonicalIdentifier(senderAddr) {
		t.Errorf("Sender = %s", receipt.Sender)
	}

	for _, bad := range []string{"", "0x", "not-a-hash", "0x1234"} {
		router.hash = bad
		if _, err := a.Submit(context.Background(), payload); !errors.Is(err, keychain.ErrMalformedResponse) {
			t.Errorf("Submit(%q) error = %v", bad, err)
		}
	}
}

func TestAdapter_AwaitFinality(t *testing.T) {
	receipt := keychain.NewSubmissionReceipt(keychain.RailBase, txHash, time.Now()).From(senderAddr)

	tests := []struct {
		name     string
		receipt  string
		waitErr  error
		wantKind keychain.ErrorKind
	}{
		{"success", `{"transactionHash":"` + txHash + `","status":"0x1"}`, nil, ""},
		{"reverted", `{"status":"0x0"}`, nil, keychain.KindFinality},
		{"no status", `{"transactionHash":"` + txHash + `"}`, nil, keychain.KindValidation},
		{"bad status", `{"status":"yes"}`, nil, keychain.KindValidation},
		{"wallet timeout", ``, keychain.NewError(keychain.KindTimeout, keychain.ErrCodeConfirmationTimeout, "timed out", keychain.ErrConfirmationTimeout), keychain.KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := &fakeRouter{receipt: json.RawMessage(tt.receipt), waitErr: tt.waitErr}
			a, _ := New(keychain.RailBase, router, WithConfirmationTimeout(time.Minute))

			err := a.AwaitFinality(context.Background(), receipt)
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("AwaitFinality() error = %v", err)
				}
			} else if keychain.KindOf(err) != tt.wantKind {
				t.Fatalf("AwaitFinality() error = %v, want kind %s", err, tt.wantKind)
			}
			if router.waitFor != txHash || router.waitedAs != receipt.Sender.String() || router.timeout != time.Minute {
				t.Errorf("wait called with %s %s %v", router.waitedAs, router.waitFor, router.timeout)
			}
		})
	}
}

func TestAdapter_AwaitFinalityBounded(t *testing.T) {
	receipt := keychain.NewSubmissionReceipt(keychain.RailBase, txHash, time.Now()).From(senderAddr)

	t.Run("wallet never answers", func(t *testing.T) {
		router := &fakeRouter{wait: func(ctx context.Context) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		a, _ := New(keychain.RailBase, router, WithConfirmationTimeout(50*time.Millisecond))

		done := make(chan error, 1)
		go func() { done <- a.AwaitFinality(context.Background(), receipt) }()

		select {
		case err := <-done:
			if !errors.Is(err, keychain.ErrConfirmationTimeout) {
				t.Fatalf("AwaitFinality() error = %v, want ErrConfirmationTimeout", err)
			}
			if keychain.KindOf(err) != keychain.KindTimeout {
				t.Errorf("KindOf() = %s", keychain.KindOf(err))
			}
		case <-time.After(2 * time.Second):
			t.Fatal("AwaitFinality did not return after the confirmation timeout")
		}
	})

	t.Run("caller cancels", func(t *testing.T) {
		router := &fakeRouter{wait: func(ctx context.Context) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		a, _ := New(keychain.RailBase, router, WithConfirmationTimeout(time.Minute))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := a.AwaitFinality(ctx, receipt)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("AwaitFinality() error = %v, want context.Canceled", err)
		}
	})

	rejected := keychain.NewError(keychain.KindRejection, keychain.ErrCodeUserRejected, "timeout waiting for receipt", keychain.ErrUserRejected)

	t.Run("wallet gives up at the timeout", func(t *testing.T) {
		mock := clock.NewMock()
		router := &fakeRouter{wait: func(ctx context.Context) (json.RawMessage, error) {
			mock.Add(time.Minute)
			return nil, rejected
		}}
		a, _ := New(keychain.RailBase, router, WithConfirmationTimeout(time.Minute), WithClock(mock))

		err := a.AwaitFinality(context.Background(), receipt)
		if !errors.Is(err, keychain.ErrConfirmationTimeout) {
			t.Fatalf("AwaitFinality() error = %v, want ErrConfirmationTimeout", err)
		}
		if keychain.KindOf(err) != keychain.KindTimeout {
			t.Errorf("KindOf() = %s", keychain.KindOf(err))
		}
	})

	t.Run("wallet rejects early", func(t *testing.T) {
		router := &fakeRouter{waitErr: rejected}
		a, _ := New(keychain.RailBase, router, WithConfirmationTimeout(time.Minute), WithClock(clock.NewMock()))

		err := a.AwaitFinality(context.Background(), receipt)
		if keychain.KindOf(err) != keychain.KindRejection {
			t.Errorf("AwaitFinality() error = %v, want a rejection", err)
		}
	})
}
