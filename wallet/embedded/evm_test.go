package embedded

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/keychainkit/keychain-go"
)

// Well-known development key and mnemonic (DO NOT use in production)
const (
	testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress    = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testMnemonic   = "test test test test test test test test test test test junk"
)

type fakeEVMClient struct {
	nonce       uint64
	sent        []*types.Transaction
	balance     *big.Int
	callResult  []byte
	receipts    []*types.Receipt
	receiptErrs []error
	receiptCall int
}

func (f *fakeEVMClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeEVMClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeEVMClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 65_000, nil
}

func (f *fakeEVMClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEVMClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeEVMClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.callResult, nil
}

// TransactionReceipt returns receipts in order; nil entries mean not yet mined.
func (f *fakeEVMClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	i := f.receiptCall
	f.receiptCall++
	if i < len(f.receiptErrs) && f.receiptErrs[i] != nil {
		return nil, f.receiptErrs[i]
	}
	if i >= len(f.receipts) || f.receipts[i] == nil {
		return nil, ethereum.NotFound
	}
	return f.receipts[i], nil
}

func TestNewEVMWallet(t *testing.T) {
	tests := []struct {
		name    string
		opts    []EVMOption
		wantErr error
	}{
		{name: "private key", opts: []EVMOption{WithPrivateKey(testPrivateKey)}},
		{name: "private key with prefix", opts: []EVMOption{WithPrivateKey("0x" + testPrivateKey)}},
		{name: "mnemonic", opts: []EVMOption{WithMnemonic(testMnemonic, 0)}},
		{name: "invalid key", opts: []EVMOption{WithPrivateKey("zz")}, wantErr: keychain.ErrInvalidKey},
		{name: "invalid mnemonic", opts: []EVMOption{WithMnemonic("invalid mnemonic phrase", 0)}, wantErr: keychain.ErrInvalidMnemonic},
		{name: "no key", opts: nil, wantErr: keychain.ErrInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewEVMWallet(tt.opts...)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected error %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if w.Address() != testAddress {
				t.Errorf("Address() = %s, want %s", w.Address(), testAddress)
			}
		})
	}
}

func TestEVMWallet_MnemonicAccounts(t *testing.T) {
	w0, err := NewEVMWallet(WithMnemonic(testMnemonic, 0))
	if err != nil {
		t.Fatal(err)
	}
	w1, err := NewEVMWallet(WithMnemonic(testMnemonic, 1))
	if err != nil {
		t.Fatal(err)
	}
	if w0.Address() == w1.Address() {
		t.Error("different account indices should produce different addresses")
	}
}

func TestEVMWallet_Keystore(t *testing.T) {
	key, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	cryptoJSON, err := keystore.EncryptDataV3(crypto.FromECDSA(key), []byte("hunter2"), keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(map[string]any{"crypto": cryptoJSON, "version": 3})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "keystore.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	w, err := NewEVMWallet(WithKeystore(path, "hunter2"))
	if err != nil {
		t.Fatalf("WithKeystore() error = %v", err)
	}
	if w.Address() != testAddress {
		t.Errorf("Address() = %s, want %s", w.Address(), testAddress)
	}

	if _, err := NewEVMWallet(WithKeystore(path, "wrong")); !errors.Is(err, keychain.ErrInvalidKeystore) {
		t.Errorf("wrong password error = %v", err)
	}
	if _, err := NewEVMWallet(WithKeystore(filepath.Join(t.TempDir(), "missing.json"), "x")); !errors.Is(err, keychain.ErrInvalidKeystore) {
		t.Errorf("missing file error = %v", err)
	}
	if _, err := NewEVMWallet(WithKeystoreJSON([]byte("{"), "x")); !errors.Is(err, keychain.ErrInvalidKeystore) {
		t.Errorf("invalid json error = %v", err)
	}
}

func recoverAddress(t *testing.T, digest []byte, sigHex string) common.Address {
	t.Helper()
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		t.Fatalf("invalid signature hex: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d", len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("v = %d, want 27 or 28", sig[64])
	}
	sig[64] -= 27
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		t.Fatalf("SigToPub() error = %v", err)
	}
	return crypto.PubkeyToAddress(*pub)
}

func TestEVMWallet_SignMessage(t *testing.T) {
	w, err := NewEVMWallet(WithPrivateKey(testPrivateKey))
	if err != nil {
		t.Fatal(err)
	}
	sig, err := w.SignMessage(context.Background(), "hello keychain")
	if err != nil {
		t.Fatalf("SignMessage() error = %v", err)
	}
	got := recoverAddress(t, accounts.TextHash([]byte("hello keychain")), sig)
	if got.Hex() != testAddress {
		t.Errorf("recovered %s, want %s", got.Hex(), testAddress)
	}
}

func TestEVMWallet_SignTypedData(t *testing.T) {
	w, err := NewEVMWallet(WithPrivateKey(testPrivateKey))
	if err != nil {
		t.Fatal(err)
	}
	data := json.RawMessage(`{
		"types": {
			"EIP712Domain": [{"name": "name", "type": "string"}, {"name": "chainId", "type": "uint256"}],
			"Mail": [{"name": "contents", "type": "string"}]
		},
		"primaryType": "Mail",
		"domain": {"name": "Keychain", "chainId": "1"},
		"message": {"contents": "hello"}
	}`)

	sig, err := w.SignTypedData(context.Background(), data)
	if err != nil {
		t.Fatalf("SignTypedData() error = %v", err)
	}

	var td apitypes.TypedData
	if err := json.Unmarshal(data, &td); err != nil {
		t.Fatal(err)
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		t.Fatal(err)
	}
	if got := recoverAddress(t, digest, sig); got.Hex() != testAddress {
		t.Errorf("recovered %s, want %s", got.Hex(), testAddress)
	}

	if _, err := w.SignTypedData(context.Background(), json.RawMessage(`[]`)); err == nil {
		t.Error("expected error for malformed typed data")
	}
}

func TestEVMWallet_SendTransaction(t *testing.T) {
	client := &fakeEVMClient{nonce: 7}
	w, err := NewEVMWallet(WithPrivateKey(testPrivateKey), WithChainID(keychain.Base.ChainID), WithEVMClient(client))
	if err != nil {
		t.Fatal(err)
	}

	txn, _ := json.Marshal(map[string]string{
		"to":    keychain.Base.USDCAddress,
		"data":  "0xa9059cbb",
		"value": "0x0",
	})
	hash, err := w.SendTransaction(context.Background(), txn)
	if err != nil {
		t.Fatalf("SendTransaction() error = %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(client.sent))
	}

	tx := client.sent[0]
	if tx.Hash().Hex() != hash {
		t.Errorf("hash = %s, want %s", hash, tx.Hash().Hex())
	}
	if tx.Nonce() != 7 {
		t.Errorf("nonce = %d, want 7", tx.Nonce())
	}
	if !strings.EqualFold(tx.To().Hex(), keychain.Base.USDCAddress) {
		t.Errorf("to = %s", tx.To().Hex())
	}
	if tx.Value().Sign() != 0 {
		t.Errorf("value = %s, want 0", tx.Value())
	}
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(keychain.Base.ChainID)), tx)
	if err != nil {
		t.Fatalf("Sender() error = %v", err)
	}
	if sender.Hex() != testAddress {
		t.Errorf("sender = %s, want %s", sender.Hex(), testAddress)
	}
}

func TestEVMWallet_SendTransactionErrors(t *testing.T) {
	w, _ := NewEVMWallet(WithPrivateKey(testPrivateKey))
	if _, err := w.SendTransaction(context.Background(), json.RawMessage(`{}`)); !errors.Is(err, ErrNoChainClient) {
		t.Errorf("expected ErrNoChainClient, got %v", err)
	}

	w, _ = NewEVMWallet(WithPrivateKey(testPrivateKey), WithEVMClient(&fakeEVMClient{}))
	if _, err := w.SendTransaction(context.Background(), json.RawMessage(`{"to":"nope"}`)); !errors.Is(err, keychain.ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}
	if _, err := w.SendTransaction(context.Background(), json.RawMessage(`{"to":"`+testAddress+`","value":"12"}`)); !errors.Is(err, keychain.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestEVMWallet_GetBalance(t *testing.T) {
	balance := new(big.Int).SetUint64(5_000_000)
	client := &fakeEVMClient{
		balance:    big.NewInt(123),
		callResult: common.LeftPadBytes(balance.Bytes(), 32),
	}
	w, _ := NewEVMWallet(WithPrivateKey(testPrivateKey), WithEVMClient(client))

	native, err := w.GetBalance(context.Background(), "")
	if err != nil || native != "123" {
		t.Errorf("native balance = %q, %v", native, err)
	}
	token, err := w.GetBalance(context.Background(), keychain.Ethereum.USDCAddress)
	if err != nil || token != "5000000" {
		t.Errorf("token balance = %q, %v", token, err)
	}
	if _, err := w.GetBalance(context.Background(), "not-an-address"); !errors.Is(err, keychain.ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestEVMWallet_WaitForTransaction(t *testing.T) {
	hash := "0x" + strings.Repeat("ab", 32)

	t.Run("mined after polling", func(t *testing.T) {
		client := &fakeEVMClient{receipts: []*types.Receipt{nil, nil, {Status: types.ReceiptStatusSuccessful, TxHash: common.HexToHash(hash)}}}
		w, _ := NewEVMWallet(WithPrivateKey(testPrivateKey), WithEVMClient(client), WithEVMClock(clock.NewMock()))

		receipt, err := w.WaitForTransaction(context.Background(), hash, time.Minute)
		if err != nil {
			t.Fatalf("WaitForTransaction() error = %v", err)
		}
		if client.receiptCall != 3 {
			t.Errorf("receipt calls = %d, want 3", client.receiptCall)
		}
		if !strings.Contains(string(receipt), `"status":"0x1"`) {
			t.Errorf("receipt = %s", receipt)
		}
	})

	t.Run("reverted", func(t *testing.T) {
		client := &fakeEVMClient{receipts: []*types.Receipt{{Status: types.ReceiptStatusFailed}}}
		w, _ := NewEVMWallet(WithPrivateKey(testPrivateKey), WithEVMClient(client), WithEVMClock(clock.NewMock()))

		_, err := w.WaitForTransaction(context.Background(), hash, time.Minute)
		if !errors.Is(err, keychain.ErrFinality) {
			t.Errorf("expected ErrFinality, got %v", err)
		}
		if keychain.KindOf(err) != keychain.KindFinality {
			t.Errorf("KindOf() = %s", keychain.KindOf(err))
		}
	})

	t.Run("lookup error retries", func(t *testing.T) {
		client := &fakeEVMClient{
			receipts:    []*types.Receipt{nil, {Status: types.ReceiptStatusSuccessful, TxHash: common.HexToHash(hash)}},
			receiptErrs: []error{errors.New("502 bad gateway")},
		}
		w, _ := NewEVMWallet(WithPrivateKey(testPrivateKey), WithEVMClient(client), WithEVMClock(clock.NewMock()),
			WithEVMLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

		if _, err := w.WaitForTransaction(context.Background(), hash, time.Minute); err != nil {
			t.Fatalf("WaitForTransaction() error = %v", err)
		}
		if client.receiptCall != 2 {
			t.Errorf("receipt calls = %d, want 2", client.receiptCall)
		}
	})

	t.Run("lookup errors until the ceiling", func(t *testing.T) {
		client := &fakeEVMClient{receiptErrs: []error{
			errors.New("timeout"), errors.New("timeout"), errors.New("timeout"),
			errors.New("timeout"), errors.New("timeout"), errors.New("timeout"),
		}}
		w, _ := NewEVMWallet(WithPrivateKey(testPrivateKey), WithEVMClient(client), WithEVMClock(clock.NewMock()),
			WithEVMLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

		_, err := w.WaitForTransaction(context.Background(), hash, 5*time.Second)
		if !errors.Is(err, keychain.ErrConfirmationTimeout) {
			t.Errorf("expected ErrConfirmationTimeout, got %v", err)
		}
		if keychain.KindOf(err) != keychain.KindTimeout {
			t.Errorf("KindOf() = %s", keychain.KindOf(err))
		}
	})

	t.Run("never mined", func(t *testing.T) {
		client := &fakeEVMClient{}
		w, _ := NewEVMWallet(WithPrivateKey(testPrivateKey), WithEVMClient(client), WithEVMClock(clock.NewMock()))

		_, err := w.WaitForTransaction(context.Background(), hash, 5*time.Second)
		if !errors.Is(err, keychain.ErrConfirmationTimeout) {
			t.Errorf("expected ErrConfirmationTimeout, got %v", err)
		}
		if client.receiptCall != 6 {
			t.Errorf("receipt calls = %d, want 6", client.receiptCall)
		}
	})
}
