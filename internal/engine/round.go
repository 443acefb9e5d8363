// Package engine runs the trading phase of an arena: one decision loop
// goroutine per ready agent, a market pressure generator, and a deadline
// watcher that hands the round to settlement.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/arena/internal/agent"
	"github.com/mbd888/arena/internal/arena"
	"github.com/mbd888/arena/internal/budget"
	"github.com/mbd888/arena/internal/events"
	"github.com/mbd888/arena/internal/logging"
	"github.com/mbd888/arena/internal/market"
	"github.com/mbd888/arena/internal/metrics"
	"github.com/mbd888/arena/internal/ports"
	"github.com/mbd888/arena/internal/traces"
	"github.com/mbd888/arena/internal/wallet"
)

// maxStagger spreads loop starts so agents never tick in lockstep.
const maxStagger = 2 * time.Second

// Settler resolves a round exactly once. The settlement package provides
// the production implementation.
type Settler interface {
	Settle(ctx context.Context, ar *arena.Arena, agents []*agent.LobbyAgent, runtimes map[string]*agent.RuntimeState, trigger string) error
}

// Deps carries the collaborators a Round needs. Pressure and Encryptor
// are optional; Signers may return false for agents without wallets, in
// which case trade records go through the platform signer.
type Deps struct {
	Feed      ports.MarketFeed
	Swaps     ports.SwapExecutor
	Provider  ports.DecisionProvider
	Platform  ports.Signer
	Signers   func(agentID string) (ports.Signer, bool)
	Encryptor ports.Encryptor
	Funds     *budget.Ledger
	Pressure  *market.Generator
	Settler   Settler
	Bus       *events.Bus
	Logger    *slog.Logger
}

// Round drives one arena through its trading phase.
type Round struct {
	deps     Deps
	ar       *arena.Arena
	agents   []*agent.LobbyAgent
	runtimes map[string]*agent.RuntimeState

	rngMu sync.Mutex
	rng   *rand.Rand

	startOnce sync.Once
	baseCtx   context.Context
	cancel    context.CancelFunc
	loops     sync.WaitGroup
}

// NewRound builds a round over the agents that finished onboarding.
// Agents that never reached readiness get no loop and no runtime.
func NewRound(ar *arena.Arena, agents []*agent.LobbyAgent, deps Deps, seed int64) *Round {
	runtimes := make(map[string]*agent.RuntimeState, len(agents))
	ready := make([]*agent.LobbyAgent, 0, len(agents))
	for _, a := range agents {
		if !a.Ready() {
			continue
		}
		ready = append(ready, a)
		runtimes[a.ID] = agent.NewRuntimeState(
			a.ID, ar.Config.BaseAsset, ar.Config.StartingBalance, agent.ProfileFor(a.Archetype))
	}
	return &Round{
		deps:     deps,
		ar:       ar,
		agents:   ready,
		runtimes: runtimes,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Runtime exposes an agent's runtime state for observers.
func (r *Round) Runtime(agentID string) (*agent.RuntimeState, bool) {
	rt, ok := r.runtimes[agentID]
	return rt, ok
}

// Start transitions the arena to trading and spawns the loop goroutines.
// It returns immediately; the round runs until its deadline or an explicit
// Resolve call.
func (r *Round) Start(ctx context.Context) error {
	if err := r.ar.BeginTrading(); err != nil {
		return err
	}
	metrics.PhaseTransitionsTotal.WithLabelValues("lobby", "trading").Inc()
	r.deps.Bus.Emit(events.TypePhaseChange, r.ar.ID, "", "trading phase entered",
		map[string]any{"phase": string(arena.PhaseTrading), "deadline": r.ar.Deadline()})

	r.startOnce.Do(func() {
		r.baseCtx = ctx
		loopCtx, cancel := context.WithCancel(logging.WithLogger(ctx, r.deps.Logger))
		r.cancel = cancel

		if r.deps.Pressure != nil {
			r.loops.Add(1)
			go func() {
				defer r.loops.Done()
				r.deps.Pressure.Run(loopCtx, r.ar.ID, r.ar.Config.Pairs, r.ar.Deadline())
			}()
		}

		for _, a := range r.agents {
			a := a
			r.loops.Add(1)
			go func() {
				defer r.loops.Done()
				r.loop(loopCtx, a, r.runtimes[a.ID])
			}()
		}

		go r.watchDeadline(loopCtx)
	})
	return nil
}

// Resolve stops the loops and settles the round. Safe to call more than
// once and from multiple goroutines; only the first resolution runs.
func (r *Round) Resolve(ctx context.Context, trigger string) error {
	if r.cancel != nil {
		r.cancel()
		r.loops.Wait()
	}
	return r.deps.Settler.Settle(ctx, r.ar, r.agents, r.runtimes, trigger)
}

// watchDeadline fires the deadline resolution. It is not part of the loop
// WaitGroup: Resolve waits on the loops and would deadlock on itself.
func (r *Round) watchDeadline(ctx context.Context) {
	timer := time.NewTimer(time.Until(r.ar.Deadline()))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	// Settle on the context the round was started with; the loop context
	// is about to be cancelled by Resolve.
	if err := r.Resolve(r.baseCtx, "deadline"); err != nil {
		r.deps.Logger.Error("deadline resolution failed", "arena_id", r.ar.ID, "error", err)
	}
}

func (r *Round) loop(ctx context.Context, a *agent.LobbyAgent, rt *agent.RuntimeState) {
	metrics.ActiveAgentLoops.Inc()
	defer metrics.ActiveAgentLoops.Dec()

	logger := logging.ForAgent(ctx, r.ar.ID, a.ID)

	select {
	case <-ctx.Done():
		return
	case <-time.After(r.stagger()):
	}

	ticker := time.NewTicker(r.ar.Config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if r.ar.Phase() != arena.PhaseTrading {
			return
		}
		if stopped, reason := rt.Stopped(); stopped {
			logger.Debug("loop exiting", "reason", reason)
			return
		}
		r.tick(ctx, logger, a, rt)
	}
}

func (r *Round) stagger() time.Duration {
	limit := maxStagger
	if r.ar.Config.TickInterval < limit {
		limit = r.ar.Config.TickInterval
	}
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return time.Duration(r.rng.Int63n(int64(limit)))
}

func (r *Round) tick(ctx context.Context, logger *slog.Logger, a *agent.LobbyAgent, rt *agent.RuntimeState) {
	tickN := rt.NextTick()
	ctx, span := traces.StartSpan(ctx, "engine.tick",
		traces.ArenaID(r.ar.ID), traces.AgentID(a.ID), traces.Tick(uint64(tickN)))
	defer span.End()

	pnl, _ := rt.PnLBps()
	if pnl <= -rt.Risk.MaxDrawdownBps {
		rt.Stop("max drawdown")
		metrics.TicksTotal.WithLabelValues("stopped").Inc()
		logger.Info("agent stopped on drawdown", "pnl_bps", pnl, "limit_bps", rt.Risk.MaxDrawdownBps)
		r.deps.Bus.Emit(events.TypeStopped, r.ar.ID, a.ID, "stopped on max drawdown",
			map[string]any{"pnl_bps": pnl, "limit_bps": rt.Risk.MaxDrawdownBps})
		return
	}

	r.deps.Bus.Emit(events.TypeAnalyzing, r.ar.ID, a.ID, "analyzing market",
		map[string]any{"tick": tickN})

	dc := ports.DecisionContext{
		ArenaID:         r.ar.ID,
		AgentID:         a.ID,
		Archetype:       a.Archetype,
		Tick:            tickN,
		Pairs:           r.ar.Config.Pairs,
		RunningPnLBps:   pnl,
		BudgetAvailable: r.deps.Funds.Available(a.ID).String(),
	}

	timer := prometheus.NewTimer(metrics.DecisionDuration)
	d, degraded, err := ports.WithFallback(ctx, logger, "decision", ports.DefaultCallTimeout,
		func(ctx context.Context) (*ports.Decision, error) {
			return r.deps.Provider.Decide(ctx, dc)
		},
		func(context.Context) (*ports.Decision, error) {
			return &ports.Decision{Action: ports.ActionHold, Reason: "decision provider unavailable"}, nil
		},
	)
	timer.ObserveDuration()
	if err != nil || d == nil {
		metrics.TicksTotal.WithLabelValues("skip").Inc()
		return
	}

	r.deps.Bus.Emit(events.TypeDecision, r.ar.ID, a.ID, d.Reason, map[string]any{
		"action":    string(d.Action),
		"pair":      d.Pair,
		"direction": string(d.Direction),
		"percent":   d.Percent,
		"degraded":  degraded,
	})

	if d.Action != ports.ActionTrade {
		metrics.TicksTotal.WithLabelValues("hold").Inc()
		r.deps.Bus.Emit(events.TypeHold, r.ar.ID, a.ID, d.Reason, nil)
		return
	}
	r.executeTrade(ctx, logger, a, rt, d)
}

func (r *Round) executeTrade(ctx context.Context, logger *slog.Logger, a *agent.LobbyAgent, rt *agent.RuntimeState, d *ports.Decision) {
	base := r.ar.Config.BaseAsset
	asset, quote, ok := splitPair(d.Pair)
	if !ok || quote != base {
		metrics.TicksTotal.WithLabelValues("skip").Inc()
		logger.Warn("trade rejected, unknown pair", "pair", d.Pair)
		return
	}

	spendAsset, recvAsset := base, asset
	if d.Direction == ports.DirectionSell {
		spendAsset, recvAsset = asset, base
	}

	pct := d.Percent
	if pct < 1 {
		pct = 1
	}
	if pct > 100 {
		pct = 100
	}
	spend := rt.Holding(spendAsset) * float64(pct) / 100
	if spend <= 0 {
		metrics.TicksTotal.WithLabelValues("skip").Inc()
		r.deps.Bus.Emit(events.TypeHold, r.ar.ID, a.ID,
			fmt.Sprintf("nothing to %s, no %s balance", d.Direction, spendAsset), nil)
		return
	}

	out, simulated, err := ports.WithFallback(ctx, logger, "swap", ports.DefaultCallTimeout,
		func(ctx context.Context) (float64, error) {
			got, _, err := r.deps.Swaps.Swap(ctx, spendAsset, recvAsset, spend, a.Wallet())
			return got, err
		},
		func(ctx context.Context) (float64, error) {
			return r.simulatedFill(ctx, d, spendAsset, spend)
		},
	)
	if err != nil {
		metrics.TicksTotal.WithLabelValues("skip").Inc()
		metrics.PortFailuresTotal.WithLabelValues("swap").Inc()
		r.deps.Bus.Emit(events.TypeError, r.ar.ID, a.ID, "trade failed", map[string]any{
			"pair": d.Pair, "error": err.Error(),
		})
		return
	}

	rt.ApplyFill(spendAsset, spend, recvAsset, out)

	t := agent.Trade{
		Pair:       d.Pair,
		Direction:  d.Direction,
		AmountIn:   spend,
		AmountOut:  out,
		Reason:     d.Reason,
		Simulated:  simulated,
		ExecutedAt: time.Now(),
	}
	if simulated {
		t.PnLBps = r.simulatedEdge(rt.Risk)
	} else {
		t.PnLBps = r.markToMarket(ctx, rt)
	}
	r.recordOnChain(ctx, logger, a, &t)
	rt.RecordTrade(t)

	pnlNow, _ := rt.PnLBps()
	r.ar.UpdateEntry(a.ID, func(e *arena.Entry) {
		e.TradeCount = rt.TradeCount()
		e.PnLBps = pnlNow
	})

	mode := "real"
	if simulated {
		mode = "simulated"
	}
	metrics.TradesTotal.WithLabelValues(mode).Inc()
	metrics.TicksTotal.WithLabelValues("trade").Inc()
	logger.Info("trade executed",
		"pair", d.Pair, "direction", d.Direction, "amount_in", spend,
		"amount_out", out, "mode", mode, "pnl_bps", pnlNow)
	r.deps.Bus.Emit(events.TypeTrade, r.ar.ID, a.ID, d.Reason, map[string]any{
		"pair":       d.Pair,
		"direction":  string(d.Direction),
		"amount_in":  spend,
		"amount_out": out,
		"simulated":  simulated,
		"pnl_bps":    pnlNow,
		"tx_ref":     t.TxRef,
	})
}

// simulatedFill prices a fill off the market feed when the swap venue is
// down. No fee is applied; the simulated edge accounts for slippage.
func (r *Round) simulatedFill(ctx context.Context, d *ports.Decision, spendAsset string, spend float64) (float64, error) {
	st, err := r.deps.Feed.GetState(ctx, d.Pair)
	if err != nil {
		return 0, err
	}
	if st.Price <= 0 {
		return 0, ports.ErrNoLiquidity
	}
	if spendAsset == r.ar.Config.BaseAsset {
		return spend / st.Price, nil
	}
	return spend * st.Price, nil
}

// simulatedEdge draws the per-trade P&L estimate for a simulated fill,
// bounded by the archetype's stop-loss and take-profit.
func (r *Round) simulatedEdge(risk agent.RiskProfile) int64 {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	span := risk.StopLossBps + risk.TakeProfitBps
	if span <= 0 {
		return 0
	}
	return r.rng.Int63n(span+1) - risk.StopLossBps
}

// markToMarket values the portfolio at current feed prices and returns
// cumulative P&L in basis points against the starting balance.
func (r *Round) markToMarket(ctx context.Context, rt *agent.RuntimeState) int64 {
	base := r.ar.Config.BaseAsset
	value := 0.0
	for asset, amount := range rt.Portfolio() {
		if amount <= 0 {
			continue
		}
		if asset == base {
			value += amount
			continue
		}
		st, err := r.deps.Feed.GetState(ctx, asset+"/"+base)
		if err != nil {
			continue
		}
		value += amount * st.Price
	}
	start := rt.StartingBalance()
	if start <= 0 {
		return 0
	}
	return int64(math.Round((value - start) / start * 10000))
}

// recordOnChain encrypts the trade record and submits it through the
// agent's own signer, falling back to the platform signer queue. Both
// steps are advisory: a chain outage never blocks the trade.
func (r *Round) recordOnChain(ctx context.Context, logger *slog.Logger, a *agent.LobbyAgent, t *agent.Trade) {
	payload, err := json.Marshal(map[string]any{
		"agentId":   a.ID,
		"pair":      t.Pair,
		"direction": t.Direction,
		"amountIn":  t.AmountIn,
		"amountOut": t.AmountOut,
	})
	if err != nil {
		return
	}
	if r.deps.Encryptor != nil {
		ports.Advisory(ctx, logger, "record_encrypt", func(ctx context.Context) error {
			enc, err := r.deps.Encryptor.Encrypt(ctx, payload)
			if err != nil {
				return err
			}
			payload = enc
			return nil
		})
	}

	signer := r.deps.Platform
	if r.deps.Signers != nil {
		if s, ok := r.deps.Signers(a.ID); ok {
			signer = s
		}
	}
	if signer == nil {
		return
	}
	ports.Advisory(ctx, logger, "record_trade", func(ctx context.Context) error {
		ref, err := signer.Submit(ctx, ports.Operation{
			Kind: wallet.OpRecord,
			Data: payload,
		})
		if err != nil {
			metrics.PortFailuresTotal.WithLabelValues("signer").Inc()
			return err
		}
		t.RecordRef = string(ref)
		t.TxRef = string(ref)
		return nil
	})
}

func splitPair(pair string) (asset, quote string, ok bool) {
	parts := strings.SplitN(pair, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
