package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/arena/internal/ports"
	"github.com/mbd888/arena/internal/retry"
)

// Provisioner creates and caches per-agent wallets. Provisioning is
// idempotent per agent ID so a retried onboarding step never strands a
// funded wallet.
type Provisioner struct {
	backend *Backend

	mu      sync.Mutex
	byAgent map[string]*Wallet
}

func NewProvisioner(backend *Backend) *Provisioner {
	return &Provisioner{
		backend: backend,
		byAgent: make(map[string]*Wallet),
	}
}

// Provision returns the agent's wallet, generating a key on first call.
func (p *Provisioner) Provision(agentID string) (*Wallet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.byAgent[agentID]; ok {
		return w, nil
	}
	w, err := GenerateWallet(p.backend)
	if err != nil {
		return nil, fmt.Errorf("provision %s: %w", agentID, err)
	}
	p.byAgent[agentID] = w
	return w, nil
}

// Lookup returns an already-provisioned wallet.
func (p *Provisioner) Lookup(agentID string) (*Wallet, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.byAgent[agentID]
	return w, ok
}

// Funder moves gas and tokens from the treasury to agent wallets through
// the serialized platform signer, and sweeps leftovers back after a round.
type Funder struct {
	platform ports.Signer
	logger   *slog.Logger

	// GasTopUp is the native value sent to each agent wallet for gas.
	GasTopUp *big.Int
	// MaxAttempts per funding leg.
	MaxAttempts int
}

func NewFunder(platform ports.Signer, logger *slog.Logger) *Funder {
	return &Funder{
		platform:    platform,
		logger:      logger,
		GasTopUp:    big.NewInt(2_000_000_000_000_000), // 0.002 native
		MaxAttempts: 3,
	}
}

// Fund runs the two funding legs for one agent wallet: a native gas top-up
// and a token grant sized to the arena's starting balance. Each leg retries
// with backoff; a permanent shortfall surfaces as an error.
func (f *Funder) Fund(ctx context.Context, agentAddr string, startingBalance float64) (gasRef, tokenRef ports.TxRef, err error) {
	amount, err := ParseToken(fmt.Sprintf("%.6f", startingBalance))
	if err != nil {
		return "", "", fmt.Errorf("fund %s: %w", agentAddr, err)
	}

	err = retry.Do(ctx, f.MaxAttempts, baseRetryDelay, func() error {
		var serr error
		gasRef, serr = f.platform.Submit(ctx, ports.Operation{
			Kind:  OpGasTopUp,
			To:    agentAddr,
			Value: f.GasTopUp,
		})
		if errors.Is(serr, ports.ErrUnavailable) {
			return retry.Permanent(serr)
		}
		return serr
	})
	if err != nil {
		return "", "", fmt.Errorf("gas top-up for %s: %w", agentAddr, err)
	}

	err = retry.Do(ctx, f.MaxAttempts, baseRetryDelay, func() error {
		var serr error
		tokenRef, serr = f.platform.Submit(ctx, ports.Operation{
			Kind:  OpTransfer,
			To:    agentAddr,
			Value: amount,
		})
		if errors.Is(serr, ports.ErrUnavailable) {
			return retry.Permanent(serr)
		}
		return serr
	})
	if err != nil {
		return gasRef, "", fmt.Errorf("token grant for %s: %w", agentAddr, err)
	}

	f.logger.Info("agent funded",
		"address", agentAddr,
		"amount", FormatToken(amount),
		"gas_tx", gasRef, "token_tx", tokenRef)
	return gasRef, tokenRef, nil
}

// Sweep returns an agent wallet's remaining token balance to the treasury.
// Best effort: a failed sweep is logged, never fatal.
func (f *Funder) Sweep(ctx context.Context, agent *Wallet) (ports.TxRef, error) {
	balance, err := agent.BalanceOf(ctx, agent.Address())
	if err != nil {
		return "", fmt.Errorf("sweep balance of %s: %w", agent.Address(), err)
	}
	if balance.Sign() == 0 && !agent.backend.offline {
		return "", nil
	}

	ref, err := agent.Submit(ctx, ports.Operation{
		Kind:  OpTransfer,
		To:    f.platform.Address(),
		Value: balance,
	})
	if err != nil {
		return "", fmt.Errorf("sweep %s: %w", agent.Address(), err)
	}
	f.logger.Info("wallet swept", "address", agent.Address(), "amount", FormatToken(balance), "tx", ref)
	return ref, nil
}

const baseRetryDelay = 500 * time.Millisecond
