// Package ports defines the external capability interfaces the arena
// consumes: transaction signing, encryption, swaps, market data, decision
// providers, and paid intel. Concrete protocol details live behind these
// interfaces so the orchestration engine can run against real chains or
// fully simulated backends.
package ports

import (
	"context"
	"errors"
	"math/big"
	"time"
)

var (
	ErrNotConfirmed = errors.New("ports: transaction not confirmed")
	ErrNoLiquidity  = errors.New("ports: no liquidity for pair")
	ErrUnavailable  = errors.New("ports: capability unavailable")
)

// TxRef identifies a submitted transaction.
type TxRef string

// Receipt is the confirmation result for a submitted operation.
type Receipt struct {
	TxRef       TxRef
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
}

// Operation is an opaque signed operation: a destination, calldata, and
// an optional native value. The signer owns nonce assignment.
type Operation struct {
	Kind  string // "register", "join", "record_trade", "finalize", "pressure"
	To    string
	Data  []byte
	Value *big.Int
}

// Signer submits externally-signed operations. A platform-owned signer must
// only be driven sequentially (see the signer package queue); per-agent
// signers are independent and safe to use concurrently across agents.
type Signer interface {
	Address() string
	Submit(ctx context.Context, op Operation) (TxRef, error)
	AwaitConfirmation(ctx context.Context, ref TxRef) (*Receipt, error)
}

// Encryptor produces the sealed strategy blobs that keep entries hidden
// until reveal.
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
}

// Quoter prices a swap without executing it.
type Quoter interface {
	Quote(ctx context.Context, tokenIn, tokenOut string, amountIn float64) (float64, error)
}

// SwapExecutor executes swaps against the shared market.
type SwapExecutor interface {
	Quoter
	Swap(ctx context.Context, tokenIn, tokenOut string, amountIn float64, recipient string) (amountOut float64, ref TxRef, err error)
}

// MarketState is a point-in-time view of one trading pair.
type MarketState struct {
	Pair       string    `json:"pair"`
	Price      float64   `json:"price"`
	Change24h  float64   `json:"change24h"`
	Volume     float64   `json:"volume"`
	Volatility float64   `json:"volatility"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// MarketFeed sources market state for the pairs an arena trades.
type MarketFeed interface {
	GetState(ctx context.Context, pair string) (*MarketState, error)
}

// Action is the terminal decision kind.
type Action string

const (
	ActionHold  Action = "hold"
	ActionTrade Action = "trade"
)

// Direction of a trade relative to the base asset.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// DecisionContext is what the decision provider sees each tick.
type DecisionContext struct {
	ArenaID         string
	AgentID         string
	Archetype       string
	Tick            int
	Pairs           []string
	RunningPnLBps   int64
	BudgetAvailable string
}

// Decision is the terminal action returned by a decision provider.
// Percent is the share of the relevant holding to commit, clamped to
// [1,100] by the caller.
type Decision struct {
	Action    Action    `json:"action"`
	Pair      string    `json:"pair,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	Percent   int       `json:"percent,omitempty"`
	Reason    string    `json:"reason"`
}

// DecisionProvider turns a context into one terminal decision. It may call
// back into the market feed, rival stats, or intel purchase while deciding.
type DecisionProvider interface {
	Decide(ctx context.Context, dc DecisionContext) (*Decision, error)
}

// Intel is a rival's purchasable market analysis.
type Intel struct {
	SellerID   string    `json:"sellerId"`
	Pair       string    `json:"pair"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Summary    string    `json:"summary"`
	CreatedAt  time.Time `json:"createdAt"`
}

// IntelClient is the pay-for-resource port: purchase debits the buyer's
// budget before the fetch and refunds on failure.
type IntelClient interface {
	Purchase(ctx context.Context, buyerID, sellerID string) (*Intel, error)
}
