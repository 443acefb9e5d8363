// Package wallet handles blockchain interactions: the platform treasury
// key, per-agent throwaway keys, token funding, and end-of-round sweeps.
// When no RPC endpoint is configured the wallets still exist (real keys,
// real addresses) but submissions return synthetic refs, so a demo round
// runs the full funding and sweep choreography offline.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/arena/internal/ports"
)

var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrInvalidAddress    = errors.New("wallet: invalid address")
	ErrTransactionFailed = errors.New("wallet: transaction failed")
	ErrTimeout           = errors.New("wallet: operation timed out")
	ErrRPCConnection     = errors.New("wallet: RPC connection failed")
)

// SubmitError wraps submission failures with context
type SubmitError struct {
	Op     string // Operation kind that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *SubmitError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// ERC20 minimal ABI for transfer and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// TokenDecimals is the decimal precision of the settlement token
	TokenDecimals = 6

	// DefaultGasLimit for ERC20 transfers
	DefaultGasLimit = uint64(100000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// Config for creating a wallet backend
type Config struct {
	RPCURL        string
	PrivateKey    string // Hex string, 0x prefix optional. Empty = offline mode.
	ChainID       int64
	TokenContract string
}

// Backend owns the shared chain connection and the parsed token ABI.
// Individual wallets (platform and per-agent) share one backend.
type Backend struct {
	client   EthClient
	chainID  *big.Int
	token    common.Address
	tokenABI abi.ABI
	offline  bool
	simNonce atomic.Uint64
}

// Option configures the backend
type Option func(*Backend)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(b *Backend) {
		b.client = client
	}
}

// NewBackend connects to the RPC endpoint, or stays offline when cfg.RPCURL
// is empty.
func NewBackend(cfg Config, opts ...Option) (*Backend, error) {
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	b := &Backend{
		chainID:  big.NewInt(cfg.ChainID),
		token:    common.HexToAddress(cfg.TokenContract),
		tokenABI: parsedABI,
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil {
		if cfg.RPCURL == "" {
			b.offline = true
			return b, nil
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		b.client = client
	}

	return b, nil
}

// Offline reports whether submissions produce synthetic refs.
func (b *Backend) Offline() bool { return b.offline }

// Close closes the client connection
func (b *Backend) Close() error {
	if b.client != nil {
		b.client.Close()
	}
	return nil
}

// Wallet is one signing key bound to the shared backend. It satisfies
// ports.Signer; the platform wallet additionally goes through the signer
// queue so its nonce is never contended.
type Wallet struct {
	backend    *Backend
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// Compile-time interface check
var _ ports.Signer = (*Wallet)(nil)

// NewWallet binds a private key to the backend.
func NewWallet(backend *Backend, privateKeyHex string) (*Wallet, error) {
	key := strings.TrimPrefix(privateKeyHex, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return newWallet(backend, privateKey), nil
}

// GenerateWallet creates a fresh random key bound to the backend.
func GenerateWallet(backend *Backend) (*Wallet, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("wallet: generate key: %w", err)
	}
	return newWallet(backend, privateKey), nil
}

func newWallet(backend *Backend, privateKey *ecdsa.PrivateKey) *Wallet {
	publicKey := privateKey.Public().(*ecdsa.PublicKey)
	return &Wallet{
		backend:    backend,
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
	}
}

// Address returns the wallet's address
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// BalanceOf returns the token balance of any address in raw units.
func (w *Wallet) BalanceOf(ctx context.Context, addr string) (*big.Int, error) {
	if w.backend.offline {
		return big.NewInt(0), nil
	}
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}

	data, err := w.backend.tokenABI.Pack("balanceOf", common.HexToAddress(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := w.backend.client.CallContract(ctx, ethereum.CallMsg{
		To:   &w.backend.token,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	balance := new(big.Int)
	balance.SetBytes(result)
	return balance, nil
}

// Submit signs and sends one operation. Transfer-kind operations are packed
// as ERC20 transfers against the settlement token; everything else goes to
// op.To with op.Data as calldata.
func (w *Wallet) Submit(ctx context.Context, op ports.Operation) (ports.TxRef, error) {
	if w.backend.offline {
		return w.syntheticRef(op), nil
	}

	to, data, value, err := w.buildCall(op)
	if err != nil {
		return "", err
	}

	nonce, err := w.backend.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return "", &SubmitError{Op: op.Kind, Err: fmt.Errorf("nonce: %w", err)}
	}

	gasPrice, err := w.backend.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &SubmitError{Op: op.Kind, Err: fmt.Errorf("gas price: %w", err)}
	}

	gasLimit, err := w.backend.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  w.address,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(w.backend.chainID), w.privateKey)
	if err != nil {
		return "", &SubmitError{Op: op.Kind, Err: fmt.Errorf("sign: %w", err)}
	}

	if err := w.backend.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &SubmitError{Op: op.Kind, TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return ports.TxRef(signedTx.Hash().Hex()), nil
}

// AwaitConfirmation polls for the receipt until mined or timeout.
func (w *Wallet) AwaitConfirmation(ctx context.Context, ref ports.TxRef) (*ports.Receipt, error) {
	if w.backend.offline {
		return &ports.Receipt{TxRef: ref, BlockNumber: w.backend.simNonce.Load(), Success: true}, nil
	}

	hash := common.HexToHash(string(ref))

	ctx, cancel := context.WithTimeout(ctx, DefaultConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, ref)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := w.backend.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Transaction not yet mined, continue waiting
				continue
			}

			if receipt.Status == 0 {
				return nil, &SubmitError{Op: "confirm", TxHash: string(ref), Err: ErrTransactionFailed}
			}

			return &ports.Receipt{
				TxRef:       ref,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
				Success:     true,
			}, nil
		}
	}
}

// buildCall resolves the destination, calldata, and value for an operation.
func (w *Wallet) buildCall(op ports.Operation) (common.Address, []byte, *big.Int, error) {
	value := op.Value
	if value == nil {
		value = big.NewInt(0)
	}

	if op.Kind == OpTransfer {
		if !common.IsHexAddress(op.To) {
			return common.Address{}, nil, nil, fmt.Errorf("%w: %s", ErrInvalidAddress, op.To)
		}
		data, err := w.backend.tokenABI.Pack("transfer", common.HexToAddress(op.To), value)
		if err != nil {
			return common.Address{}, nil, nil, &SubmitError{Op: op.Kind, Err: fmt.Errorf("pack: %w", err)}
		}
		return w.backend.token, data, big.NewInt(0), nil
	}

	if !common.IsHexAddress(op.To) {
		return common.Address{}, nil, nil, fmt.Errorf("%w: %s", ErrInvalidAddress, op.To)
	}
	return common.HexToAddress(op.To), op.Data, value, nil
}

// syntheticRef derives a stable fake hash for offline submissions.
func (w *Wallet) syntheticRef(op ports.Operation) ports.TxRef {
	n := w.backend.simNonce.Add(1)
	h := sha256.Sum256(append([]byte(fmt.Sprintf("%s|%s|%d|", w.address.Hex(), op.Kind, n)), op.Data...))
	return ports.TxRef("0x" + hex.EncodeToString(h[:]))
}

// Operation kinds understood by Wallet.Submit.
const (
	OpTransfer = "transfer"
	OpGasTopUp = "gas_topup"
	OpRegister = "register"
	OpJoin     = "join"
	OpRecord   = "record_trade"
	OpFinalize = "finalize"
	OpPressure = "pressure"
)

// FormatToken converts a raw token amount to a human-readable string
func FormatToken(amount *big.Int) string {
	if amount == nil {
		return "0"
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(TokenDecimals), nil)

	whole := new(big.Int).Div(amount, divisor)
	remainder := new(big.Int).Mod(amount, divisor)

	if remainder.Sign() == 0 {
		return whole.String()
	}

	return fmt.Sprintf("%s.%06d", whole.String(), remainder.Int64())
}

// ParseToken converts a human-readable token amount to raw units
func ParseToken(amount string) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}

	parts := strings.Split(amount, ".")

	var whole, decimal string
	switch len(parts) {
	case 1:
		whole = parts[0]
	case 2:
		whole = parts[0]
		decimal = parts[1]
	default:
		return nil, fmt.Errorf("invalid amount format")
	}

	wholeBig, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("invalid whole number")
	}
	if wholeBig.Sign() < 0 {
		return nil, fmt.Errorf("negative amounts not allowed")
	}

	multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(TokenDecimals), nil)
	result := new(big.Int).Mul(wholeBig, multiplier)

	if decimal != "" {
		// Pad or truncate to 6 digits
		if len(decimal) > TokenDecimals {
			decimal = decimal[:TokenDecimals]
		}
		for len(decimal) < TokenDecimals {
			decimal += "0"
		}

		decimalBig, ok := new(big.Int).SetString(decimal, 10)
		if !ok {
			return nil, fmt.Errorf("invalid decimal number")
		}
		result.Add(result, decimalBig)
	}

	return result, nil
}
