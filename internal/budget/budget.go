// Package budget tracks each agent's spendable allowance for a round in
// integer micro-units, so concurrent deductions can never overdraw or lose
// precision to float drift.
package budget

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/mbd888/arena/internal/syncutil"
)

var (
	ErrInsufficient = errors.New("insufficient budget")
	ErrUnknownAgent = errors.New("no budget for agent")
)

// Micros is one millionth of the base asset unit.
type Micros int64

// FromFloat converts a base-asset amount to micros, rounding half away
// from zero.
func FromFloat(v float64) Micros {
	return Micros(math.Round(v * 1e6))
}

// Float converts micros back to a base-asset amount.
func (m Micros) Float() float64 { return float64(m) / 1e6 }

func (m Micros) String() string { return fmt.Sprintf("%.6f", m.Float()) }

type account struct {
	available Micros
	spent     Micros
	refunded  Micros
}

// Ledger holds per-agent budgets. Mutations take a per-agent sharded lock
// so unrelated agents never contend.
type Ledger struct {
	locks syncutil.ShardedMutex

	mu       sync.RWMutex
	accounts map[string]*account
}

func NewLedger() *Ledger {
	return &Ledger{accounts: make(map[string]*account)}
}

// Grant seeds (or tops up) an agent's budget.
func (l *Ledger) Grant(agentID string, amount Micros) {
	unlock := l.locks.Lock(agentID)
	defer unlock()

	acct := l.acct(agentID)
	acct.available += amount
}

// Deduct withdraws amount from the agent's budget, failing without partial
// effect when the balance does not cover it. Callers deduct before acting
// and refund on failure.
func (l *Ledger) Deduct(agentID string, amount Micros) error {
	if amount <= 0 {
		return fmt.Errorf("deduct amount must be positive, got %s", amount)
	}
	unlock := l.locks.Lock(agentID)
	defer unlock()

	acct, ok := l.lookup(agentID)
	if !ok {
		return ErrUnknownAgent
	}
	if acct.available < amount {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficient, amount, acct.available)
	}
	acct.available -= amount
	acct.spent += amount
	return nil
}

// Refund returns a previously deducted amount to the agent's budget.
func (l *Ledger) Refund(agentID string, amount Micros) error {
	if amount <= 0 {
		return fmt.Errorf("refund amount must be positive, got %s", amount)
	}
	unlock := l.locks.Lock(agentID)
	defer unlock()

	acct, ok := l.lookup(agentID)
	if !ok {
		return ErrUnknownAgent
	}
	acct.available += amount
	acct.refunded += amount
	return nil
}

// Available returns the agent's spendable balance.
func (l *Ledger) Available(agentID string) Micros {
	unlock := l.locks.Lock(agentID)
	defer unlock()

	acct, ok := l.lookup(agentID)
	if !ok {
		return 0
	}
	return acct.available
}

// Spent returns the net amount the agent has consumed (spent minus refunded).
func (l *Ledger) Spent(agentID string) Micros {
	unlock := l.locks.Lock(agentID)
	defer unlock()

	acct, ok := l.lookup(agentID)
	if !ok {
		return 0
	}
	return acct.spent - acct.refunded
}

func (l *Ledger) lookup(agentID string) (*account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.accounts[agentID]
	return a, ok
}

// acct returns the agent's account, creating it under l.mu if absent.
// Callers already hold the agent's sharded lock.
func (l *Ledger) acct(agentID string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[agentID]
	if !ok {
		a = &account{}
		l.accounts[agentID] = a
	}
	return a
}
