// Package onboarding walks each agent through the lobby pipeline, strictly
// one agent at a time: provision, fund, register, encrypt, join, ready.
// A stalled or failing agent degrades itself, never the arena.
package onboarding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/arena/internal/agent"
	"github.com/mbd888/arena/internal/arena"
	"github.com/mbd888/arena/internal/budget"
	"github.com/mbd888/arena/internal/events"
	"github.com/mbd888/arena/internal/metrics"
	"github.com/mbd888/arena/internal/ports"
	"github.com/mbd888/arena/internal/wallet"
)

// Pipeline owns the lobby choreography for one arena.
type Pipeline struct {
	provisioner *wallet.Provisioner
	funder      *wallet.Funder
	platform    ports.Signer
	encryptor   ports.Encryptor
	funds       *budget.Ledger
	bus         *events.Bus
	logger      *slog.Logger
}

func New(
	provisioner *wallet.Provisioner,
	funder *wallet.Funder,
	platform ports.Signer,
	encryptor ports.Encryptor,
	funds *budget.Ledger,
	bus *events.Bus,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		provisioner: provisioner,
		funder:      funder,
		platform:    platform,
		encryptor:   encryptor,
		funds:       funds,
		bus:         bus,
		logger:      logger,
	}
}

// Result says how onboarding went for the whole lobby.
type Result struct {
	Ready   []*agent.LobbyAgent
	Skipped []*agent.LobbyAgent
}

// Run onboards every agent in order. The arena's grace timeout bounds the
// whole lobby: agents not processed in time are skipped and the round
// starts degraded with whoever made it.
func (p *Pipeline) Run(ctx context.Context, ar *arena.Arena, agents []*agent.LobbyAgent) (*Result, error) {
	deadline := time.Now().Add(ar.Config.GraceTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	res := &Result{}
	for _, a := range agents {
		if ctx.Err() != nil {
			p.skip(ar.ID, a, "lobby grace timeout")
			res.Skipped = append(res.Skipped, a)
			continue
		}
		if err := p.onboard(ctx, ar, a); err != nil {
			// The pipeline absorbs per-agent failures internally; an error
			// here means the context died mid-agent.
			p.skip(ar.ID, a, fmt.Sprintf("onboarding aborted: %v", err))
			res.Skipped = append(res.Skipped, a)
			continue
		}
		res.Ready = append(res.Ready, a)
	}

	if len(res.Ready) == 0 {
		return res, fmt.Errorf("no agent completed onboarding for %s", ar.ID)
	}
	return res, nil
}

// onboard runs the full step sequence for one agent. Only a dead context is
// fatal; every other failure degrades the step and moves on.
func (p *Pipeline) onboard(ctx context.Context, ar *arena.Arena, a *agent.LobbyAgent) error {
	log := p.logger.With("arena_id", ar.ID, "agent_id", a.ID)

	// Provision: idempotent key generation.
	w, err := p.provisioner.Provision(a.ID)
	if err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	a.SetWallet(w.Address())
	p.advance(ar.ID, a, agent.StepProvisioned, "wallet provisioned")

	// Fund: gas then tokens. A funding shortfall leaves the agent on
	// simulated fills only, it does not block the lobby.
	if _, _, err := p.funder.Fund(ctx, w.Address(), ar.Config.StartingBalance); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.OnboardingStepsTotal.WithLabelValues("fund", "failed").Inc()
		log.Warn("funding incomplete, continuing unfunded", "err", err)
		p.bus.Emit(events.TypeError, ar.ID, a.ID, "funding incomplete", map[string]any{"err": err.Error()})
	}
	p.advance(ar.ID, a, agent.StepFunded, "funding settled")

	// Register identity on-chain. Advisory.
	if ref, err := p.platform.Submit(ctx, ports.Operation{Kind: wallet.OpRegister, To: p.platform.Address(), Data: []byte(a.ID)}); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.OnboardingStepsTotal.WithLabelValues("register", "failed").Inc()
		log.Warn("identity registration skipped", "err", err)
	} else {
		a.SetIdentityTx(string(ref))
	}
	p.advance(ar.ID, a, agent.StepRegistered, "identity registered")

	// Encrypt the strategy blob. On failure the entry carries a placeholder
	// and is flagged unencrypted.
	ciphertext, encrypted := p.encryptStrategy(ctx, ar, a, log)
	p.advance(ar.ID, a, agent.StepEncrypted, "strategy sealed")

	// Join: the on-chain entry. Failure forces the agent ready so the lobby
	// keeps moving, but a join that never succeeded gets no arena entry:
	// the agent plays and is absent from the revealed leaderboard.
	joined := false
	if ref, err := p.platform.Submit(ctx, ports.Operation{Kind: wallet.OpJoin, To: p.platform.Address(), Data: ciphertext}); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.OnboardingStepsTotal.WithLabelValues("join", "failed").Inc()
		log.Warn("join transaction failed, forcing ready without entry", "err", err)
		p.bus.Emit(events.TypeError, ar.ID, a.ID, "join transaction failed", map[string]any{"err": err.Error()})
	} else {
		a.SetJoinTx(string(ref))
		joined = true
	}
	p.advance(ar.ID, a, agent.StepJoined, "arena joined")

	// Ready: append the arena entry (joined agents only) and seed the
	// round budget.
	if joined {
		idx, err := ar.AppendEntry(arena.Entry{
			AgentID:    a.ID,
			AgentName:  a.Name,
			Archetype:  a.Archetype,
			Ciphertext: string(ciphertext),
			Encrypted:  encrypted,
			JoinTxRef:  a.JoinTx(),
		})
		if err != nil {
			return fmt.Errorf("append entry: %w", err)
		}
		a.SetEntryIndex(idx)
	}
	p.funds.Grant(a.ID, budget.FromFloat(ar.Config.StartingBalance))
	p.advance(ar.ID, a, agent.StepReady, "ready to trade")

	log.Info("agent onboarded", "entry_index", a.EntryIndex(), "encrypted", encrypted, "joined", joined)
	return nil
}

// encryptStrategy seals the agent's strategy summary, falling back to a
// marked placeholder so the entry shape stays uniform.
func (p *Pipeline) encryptStrategy(ctx context.Context, ar *arena.Arena, a *agent.LobbyAgent, log *slog.Logger) ([]byte, bool) {
	plaintext, _ := json.Marshal(map[string]any{
		"agentId":   a.ID,
		"archetype": a.Archetype,
		"pairs":     ar.Config.Pairs,
	})

	ciphertext, err := p.encryptor.Encrypt(ctx, plaintext)
	if err != nil {
		metrics.OnboardingStepsTotal.WithLabelValues("encrypt", "failed").Inc()
		log.Warn("strategy encryption failed, storing placeholder", "err", err)
		p.bus.Emit(events.TypeError, ar.ID, a.ID, "strategy encryption failed", map[string]any{"err": err.Error()})
		return []byte("unencrypted:" + a.ID), false
	}
	return ciphertext, true
}

// advance moves the agent's readiness step and reports the change exactly
// once, no matter how often the pipeline retraces.
func (p *Pipeline) advance(arenaID string, a *agent.LobbyAgent, to agent.ReadinessStep, msg string) {
	changed, err := a.Advance(to)
	if err != nil {
		p.logger.Error("readiness step rejected", "agent_id", a.ID, "to", to.String(), "err", err)
		return
	}
	if !changed {
		return
	}
	metrics.OnboardingStepsTotal.WithLabelValues(to.String(), "ok").Inc()
	p.bus.Emit(events.TypeStepProgress, arenaID, a.ID, msg, map[string]any{
		"step": to.String(),
	})
}

func (p *Pipeline) skip(arenaID string, a *agent.LobbyAgent, reason string) {
	metrics.OnboardingStepsTotal.WithLabelValues("skip", "failed").Inc()
	p.logger.Warn("agent skipped", "arena_id", arenaID, "agent_id", a.ID, "reason", reason)
	p.bus.Emit(events.TypeError, arenaID, a.ID, "agent skipped: "+reason, nil)
}
