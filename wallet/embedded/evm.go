// Package embedded provides wallets whose keys live inside the keychain for
// the lifetime of one session. Keys are never persisted.
package embedded

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	"github.com/keychainkit/keychain-go"
	"github.com/keychainkit/keychain-go/bridge"
	"github.com/keychainkit/keychain-go/internal/poll"
)

// ErrNoChainClient is returned by operations that need an RPC endpoint when none is configured.
var ErrNoChainClient = errors.New("embedded: no chain client configured")

// EVMClient is the subset of *ethclient.Client used by EVMWallet.
type EVMClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// DialEVM connects to an EVM JSON-RPC endpoint.
func DialEVM(ctx context.Context, url string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return client, nil
}

const erc20BalanceOfABI = `[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

var erc20ABI = mustParseABI(erc20BalanceOfABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// EVMWallet is an embedded wallet for EVM chains.
type EVMWallet struct {
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	client       EVMClient
	clock        clock.Clock
	pollInterval time.Duration
	logger       *slog.Logger
}

// EVMOption configures an EVMWallet.
type EVMOption func(*EVMWallet) error

// NewEVMWallet creates an EVM wallet. A key option is required.
func NewEVMWallet(opts ...EVMOption) (*EVMWallet, error) {
	w := &EVMWallet{
		chainID:      big.NewInt(keychain.Ethereum.ChainID),
		clock:        clock.New(),
		pollInterval: time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}
	if w.privateKey == nil {
		return nil, keychain.ErrInvalidKey
	}
	w.address = crypto.PubkeyToAddress(w.privateKey.PublicKey)
	return w, nil
}

// WithPrivateKey sets the key from a hex string, with or without 0x.
func WithPrivateKey(hexKey string) EVMOption {
	return func(w *EVMWallet) error {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return keychain.ErrInvalidKey
		}
		w.privateKey = key
		return nil
	}
}

// WithMnemonic derives the key at m/44'/60'/0'/0/{accountIndex}.
func WithMnemonic(mnemonic string, accountIndex uint32) EVMOption {
	return func(w *EVMWallet) error {
		if !bip39.IsMnemonicValid(mnemonic) {
			return keychain.ErrInvalidMnemonic
		}
		key, err := deriveKey(bip39.NewSeed(mnemonic, ""), accountIndex)
		if err != nil {
			return fmt.Errorf("%w: %v", keychain.ErrInvalidMnemonic, err)
		}
		w.privateKey = key
		return nil
	}
}

// WithKeystore loads the key from an encrypted V3 keystore file.
func WithKeystore(path, password string) EVMOption {
	return func(w *EVMWallet) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: %v", keychain.ErrInvalidKeystore, err)
		}
		return WithKeystoreJSON(data, password)(w)
	}
}

// WithKeystoreJSON loads the key from encrypted V3 keystore contents.
func WithKeystoreJSON(data []byte, password string) EVMOption {
	return func(w *EVMWallet) error {
		var keyJSON struct {
			Crypto keystore.CryptoJSON `json:"crypto"`
		}
		if err := json.Unmarshal(data, &keyJSON); err != nil {
			return fmt.Errorf("%w: invalid JSON format", keychain.ErrInvalidKeystore)
		}
		raw, err := keystore.DecryptDataV3(keyJSON.Crypto, password)
		if err != nil {
			return fmt.Errorf("%w: decryption failed", keychain.ErrInvalidKeystore)
		}
		key, err := crypto.ToECDSA(raw)
		if err != nil {
			return fmt.Errorf("%w: invalid private key", keychain.ErrInvalidKeystore)
		}
		w.privateKey = key
		return nil
	}
}

// WithChainID sets the chain used to sign transactions. Defaults to Ethereum mainnet.
func WithChainID(chainID int64) EVMOption {
	return func(w *EVMWallet) error {
		if chainID <= 0 {
			return fmt.Errorf("invalid chain id %d", chainID)
		}
		w.chainID = big.NewInt(chainID)
		return nil
	}
}

// WithEVMClient sets the RPC client used to send transactions and read state.
func WithEVMClient(client EVMClient) EVMOption {
	return func(w *EVMWallet) error {
		w.client = client
		return nil
	}
}

// WithEVMClock sets the clock used while waiting for receipts.
func WithEVMClock(clk clock.Clock) EVMOption {
	return func(w *EVMWallet) error {
		w.clock = clk
		return nil
	}
}

// WithEVMLogger sets the logger used while waiting for receipts.
func WithEVMLogger(logger *slog.Logger) EVMOption {
	return func(w *EVMWallet) error {
		if logger != nil {
			w.logger = logger
		}
		return nil
	}
}

func deriveKey(seed []byte, index uint32) (*ecdsa.PrivateKey, error) {
	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	for _, child := range []uint32{
		bip32.FirstHardenedChild + 44,
		bip32.FirstHardenedChild + 60,
		bip32.FirstHardenedChild,
		0,
		index,
	} {
		key, err = key.NewChildKey(child)
		if err != nil {
			return nil, err
		}
	}
	return crypto.ToECDSA(key.Key)
}

// Address returns the checksummed address.
func (w *EVMWallet) Address() string {
	return w.address.Hex()
}

// ChainID returns the chain used to sign transactions.
func (w *EVMWallet) ChainID() *big.Int {
	return new(big.Int).Set(w.chainID)
}

// SignMessage produces an EIP-191 personal_sign signature.
func (w *EVMWallet) SignMessage(ctx context.Context, message string) (string, error) {
	return w.signDigest(accounts.TextHash([]byte(message)))
}

// SignTypedData produces an EIP-712 signature over data.
func (w *EVMWallet) SignTypedData(ctx context.Context, data json.RawMessage) (string, error) {
	var td apitypes.TypedData
	if err := json.Unmarshal(data, &td); err != nil {
		return "", fmt.Errorf("invalid typed data: %w", err)
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return "", fmt.Errorf("failed to hash typed data: %w", err)
	}
	return w.signDigest(digest)
}

func (w *EVMWallet) signDigest(digest []byte) (string, error) {
	sig, err := crypto.Sign(digest, w.privateKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", keychain.ErrSigningFailed, err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// SendTransaction signs txn, a bridge.EVMTransaction, as a legacy
// transaction and broadcasts it.
func (w *EVMWallet) SendTransaction(ctx context.Context, txn json.RawMessage) (string, error) {
	if w.client == nil {
		return "", ErrNoChainClient
	}

	var req bridge.EVMTransaction
	if err := json.Unmarshal(txn, &req); err != nil {
		return "", fmt.Errorf("invalid transaction: %w", err)
	}
	if !common.IsHexAddress(req.To) {
		return "", fmt.Errorf("%w: transaction recipient %q", keychain.ErrInvalidAddress, req.To)
	}
	to := common.HexToAddress(req.To)

	var data []byte
	if req.Data != "" {
		decoded, err := hexutil.Decode(req.Data)
		if err != nil {
			return "", fmt.Errorf("invalid transaction data: %w", err)
		}
		data = decoded
	}

	value := new(big.Int)
	if req.Value != "" {
		decoded, err := hexutil.DecodeBig(req.Value)
		if err != nil {
			return "", fmt.Errorf("%w: transaction value %q", keychain.ErrInvalidAmount, req.Value)
		}
		value = decoded
	}

	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	gas, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  w.address,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.privateKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", keychain.ErrSigningFailed, err)
	}
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// GetBalance returns the native balance, or the ERC-20 balance of tokenAddress.
func (w *EVMWallet) GetBalance(ctx context.Context, tokenAddress string) (string, error) {
	if w.client == nil {
		return "", ErrNoChainClient
	}
	if tokenAddress == "" {
		balance, err := w.client.BalanceAt(ctx, w.address, nil)
		if err != nil {
			return "", fmt.Errorf("failed to get balance: %w", err)
		}
		return balance.String(), nil
	}

	if !common.IsHexAddress(tokenAddress) {
		return "", keychain.ErrInvalidAddress
	}
	token := common.HexToAddress(tokenAddress)
	input, err := erc20ABI.Pack("balanceOf", w.address)
	if err != nil {
		return "", err
	}
	out, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to call balanceOf: %w", err)
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return "", fmt.Errorf("%w: balanceOf", keychain.ErrMalformedResponse)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return "", fmt.Errorf("%w: balanceOf", keychain.ErrMalformedResponse)
	}
	return balance.String(), nil
}

// WaitForTransaction polls for the receipt of txHash until it is mined or
// timeout elapses. A mined receipt with failed status is a finality error.
func (w *EVMWallet) WaitForTransaction(ctx context.Context, txHash string, timeout time.Duration) (json.RawMessage, error) {
	if w.client == nil {
		return nil, ErrNoChainClient
	}

	hash := common.HexToHash(txHash)
	var receipt *types.Receipt
	poller := poll.Poller{Clock: w.clock, Interval: w.pollInterval, Ceiling: timeout}
	err := poller.Run(ctx, func(ctx context.Context) (bool, error) {
		r, err := w.client.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			// Lookup errors retry on the next tick; the ceiling decides.
			w.logger.Warn("receipt lookup failed", "hash", txHash, "error", err)
			return false, nil
		}
		receipt = r
		return true, nil
	})
	if errors.Is(err, poll.ErrCeiling) {
		return nil, fmt.Errorf("%w: %s", keychain.ErrConfirmationTimeout, txHash)
	}
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s reverted", keychain.ErrFinality, txHash)
	}
	return json.Marshal(receipt)
}
