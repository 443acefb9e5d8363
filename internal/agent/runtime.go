package agent

import (
	"sync"
	"time"

	"github.com/mbd888/arena/internal/ports"
)

// DustThreshold is the negligible-amount floor: portfolio balances below it
// are zeroed so float arithmetic can never leave a balance negative.
const DustThreshold = 1e-9

// PnLBasis says where the running P&L figure comes from. Simulated
// estimates accumulate per trade; once a real swap settles, the basis flips
// to settled and the figure is recomputed cumulatively from balances.
type PnLBasis string

const (
	BasisSimulated PnLBasis = "simulated"
	BasisSettled   PnLBasis = "settled"
)

// Trade is one executed trade in an agent's history.
type Trade struct {
	Pair       string          `json:"pair"`
	Direction  ports.Direction `json:"direction"`
	AmountIn   float64         `json:"amountIn"`
	AmountOut  float64         `json:"amountOut"`
	PnLBps     int64           `json:"pnlBps"`
	Reason     string          `json:"reason"`
	Simulated  bool            `json:"simulated"`
	TxRef      string          `json:"txRef,omitempty"`
	RecordRef  string          `json:"recordRef,omitempty"`
	ExecutedAt time.Time       `json:"executedAt"`
}

// RuntimeState drives one agent's decision loop during a round. All methods
// are safe for concurrent use; in practice only the agent's own loop mutates
// it, while observers read snapshots.
type RuntimeState struct {
	AgentID   string
	BaseAsset string
	Risk      RiskProfile

	mu           sync.RWMutex
	portfolio    map[string]float64
	trades       []Trade
	pnlBps       int64
	pnlBasis     PnLBasis
	startingBase float64
	ticks        int
	stopped      bool
	stopReason   string
}

// NewRuntimeState seeds a runtime with the starting base-asset balance.
func NewRuntimeState(agentID, baseAsset string, startingBalance float64, risk RiskProfile) *RuntimeState {
	return &RuntimeState{
		AgentID:      agentID,
		BaseAsset:    baseAsset,
		Risk:         risk,
		portfolio:    map[string]float64{baseAsset: startingBalance},
		pnlBasis:     BasisSimulated,
		startingBase: startingBalance,
	}
}

// StartingBalance returns the seeded base-asset amount.
func (r *RuntimeState) StartingBalance() float64 { return r.startingBase }

// Holding returns the current quantity of an asset.
func (r *RuntimeState) Holding(asset string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.portfolio[asset]
}

// Portfolio returns a copy of the full holdings map.
func (r *RuntimeState) Portfolio() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.portfolio))
	for k, v := range r.portfolio {
		out[k] = v
	}
	return out
}

// ApplyFill deducts the spent asset and credits the received asset,
// flooring dust to zero. Balances never go negative: an overdraw is clamped
// at zero rather than propagated.
func (r *RuntimeState) ApplyFill(spendAsset string, spent float64, recvAsset string, received float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.portfolio[spendAsset] -= spent
	if r.portfolio[spendAsset] < DustThreshold {
		r.portfolio[spendAsset] = 0
	}
	r.portfolio[recvAsset] += received
	if r.portfolio[recvAsset] < DustThreshold {
		r.portfolio[recvAsset] = 0
	}
}

// RecordTrade appends to trade history and updates running P&L.
// For settled fills, pnlBps is the cumulative balance-derived total and
// replaces the running figure; for simulated fills it is a per-trade delta
// and only accumulates while the basis is still simulated.
func (r *RuntimeState) RecordTrade(t Trade) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.trades = append(r.trades, t)
	if t.Simulated {
		if r.pnlBasis == BasisSimulated {
			r.pnlBps += t.PnLBps
		}
		return
	}
	r.pnlBasis = BasisSettled
	r.pnlBps = t.PnLBps
}

// Trades returns a copy of the trade history.
func (r *RuntimeState) Trades() []Trade {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Trade, len(r.trades))
	copy(out, r.trades)
	return out
}

// TradeCount returns the number of executed trades.
func (r *RuntimeState) TradeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trades)
}

// PnLBps returns the running P&L and its basis.
func (r *RuntimeState) PnLBps() (int64, PnLBasis) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pnlBps, r.pnlBasis
}

// SetSettledPnL overwrites the running figure with a balance-derived total.
func (r *RuntimeState) SetSettledPnL(bps int64) {
	r.mu.Lock()
	r.pnlBps = bps
	r.pnlBasis = BasisSettled
	r.mu.Unlock()
}

// NextTick advances the tick counter and returns its new value.
func (r *RuntimeState) NextTick() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks++
	return r.ticks
}

// Ticks returns the current tick count.
func (r *RuntimeState) Ticks() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ticks
}

// Stop marks the agent stopped. Only the first call records the reason;
// once stopped an agent never resumes within the round.
func (r *RuntimeState) Stop(reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.stopped = true
	r.stopReason = reason
	return true
}

// Stopped returns the stop flag and reason.
func (r *RuntimeState) Stopped() (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stopped, r.stopReason
}
