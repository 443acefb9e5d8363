// Package settlement resolves a finished round exactly once: it unwinds
// open positions, computes final profit and loss, publishes the
// leaderboard, scores purchased intel, and records the round into agent
// careers.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"

	"github.com/mbd888/arena/internal/agent"
	"github.com/mbd888/arena/internal/arena"
	"github.com/mbd888/arena/internal/events"
	"github.com/mbd888/arena/internal/intel"
	"github.com/mbd888/arena/internal/ledger"
	"github.com/mbd888/arena/internal/metrics"
	"github.com/mbd888/arena/internal/ports"
	"github.com/mbd888/arena/internal/traces"
	"github.com/mbd888/arena/internal/wallet"
)

// Standing is one row of the final leaderboard.
type Standing struct {
	Rank       int    `json:"rank"`
	AgentID    string `json:"agent_id"`
	Name       string `json:"name"`
	Archetype  string `json:"archetype"`
	PnLBps     int64  `json:"pnl_bps"`
	TradeCount int    `json:"trade_count"`
	Won        bool   `json:"won"`
}

// Deps carries the collaborators settlement needs. Funder, Provisioner,
// and Career are optional; settlement degrades to skipping sweeps and
// career recording when they are nil.
type Deps struct {
	Feed        ports.MarketFeed
	Swaps       ports.SwapExecutor
	Platform    ports.Signer
	Funder      *wallet.Funder
	Provisioner *wallet.Provisioner
	Market      *intel.Marketplace
	Career      *ledger.Service
	Bus         *events.Bus
	Logger      *slog.Logger
}

// Settler settles rounds. One Settler serves many arenas; per-round
// state is passed to Settle.
type Settler struct {
	deps Deps
}

func New(deps Deps) *Settler {
	return &Settler{deps: deps}
}

// Settle resolves the arena. The first caller wins: concurrent or repeated
// calls observe the reveal transition already taken and return nil without
// re-running any side effect. The recorded trigger is the first one.
func (s *Settler) Settle(ctx context.Context, ar *arena.Arena, agents []*agent.LobbyAgent, runtimes map[string]*agent.RuntimeState, trigger string) error {
	if err := ar.BeginReveal(trigger); err != nil {
		if errors.Is(err, arena.ErrAlreadyResolved) {
			return nil
		}
		return err
	}

	ctx, span := traces.StartSpan(ctx, "settlement.settle",
		traces.ArenaID(ar.ID), traces.Trigger(trigger))
	defer span.End()

	logger := s.deps.Logger.With("arena_id", ar.ID, "trigger", trigger)
	logger.Info("settlement started")
	metrics.PhaseTransitionsTotal.WithLabelValues("trading", "reveal").Inc()
	s.deps.Bus.Emit(events.TypePhaseChange, ar.ID, "", "reveal phase entered",
		map[string]any{"phase": string(arena.PhaseReveal), "trigger": trigger})

	ports.Advisory(ctx, logger, "platform_finalize", func(ctx context.Context) error {
		_, err := s.deps.Platform.Submit(ctx, ports.Operation{
			Kind: wallet.OpFinalize,
			Data: []byte(ar.ID),
		})
		return err
	})

	byID := make(map[string]*agent.LobbyAgent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}

	standings := s.reveal(ctx, ar, runtimes)
	s.publishLeaderboard(ar, standings)
	s.recordCareers(ctx, ar, standings, runtimes, byID)
	s.scoreIntel(ctx, logger)
	s.sweepWallets(ctx, logger, agents)

	if err := ar.MarkSettled(); err != nil {
		return err
	}
	metrics.PhaseTransitionsTotal.WithLabelValues("reveal", "settled").Inc()
	metrics.SettlementsTotal.Inc()
	metrics.ActiveArenas.Dec()
	s.deps.Bus.Emit(events.TypePhaseChange, ar.ID, "", "arena settled",
		map[string]any{"phase": string(arena.PhaseSettled)})
	logger.Info("settlement complete", "entries", len(standings))
	return nil
}

// reveal unwinds every agent's open positions into the base asset and
// fixes final P&L against the starting balance.
func (s *Settler) reveal(ctx context.Context, ar *arena.Arena, runtimes map[string]*agent.RuntimeState) []Standing {
	base := ar.Config.BaseAsset
	standings := make([]Standing, 0, ar.EntryCount())

	for _, e := range ar.Entries() {
		rt, ok := runtimes[e.AgentID]
		if !ok {
			// Entry with no runtime means the agent never traded; settle flat.
			ar.UpdateEntry(e.AgentID, func(en *arena.Entry) {
				en.Revealed = true
				en.PnLBps = 0
			})
			standings = append(standings, Standing{
				AgentID: e.AgentID, Name: e.AgentName, Archetype: e.Archetype,
			})
			continue
		}

		s.unwind(ctx, rt, base)

		final := rt.Holding(base)
		start := rt.StartingBalance()
		var pnlBps int64
		if start > 0 {
			pnlBps = int64(math.Round((final - start) / start * 10000))
		}
		rt.SetSettledPnL(pnlBps)

		ar.UpdateEntry(e.AgentID, func(en *arena.Entry) {
			en.Revealed = true
			en.PnLBps = pnlBps
			en.TradeCount = rt.TradeCount()
		})
		standings = append(standings, Standing{
			AgentID:    e.AgentID,
			Name:       e.AgentName,
			Archetype:  e.Archetype,
			PnLBps:     pnlBps,
			TradeCount: rt.TradeCount(),
		})
	}

	sort.SliceStable(standings, func(i, j int) bool {
		if standings[i].PnLBps != standings[j].PnLBps {
			return standings[i].PnLBps > standings[j].PnLBps
		}
		return standings[i].TradeCount < standings[j].TradeCount
	})
	for i := range standings {
		standings[i].Rank = i + 1
		standings[i].Won = i == 0 && len(standings) > 1
	}
	return standings
}

// unwind converts non-base holdings back to the base asset. A live swap
// is attempted first; if it fails the position is marked to the quoted
// or last known price so settlement never blocks on a venue outage.
func (s *Settler) unwind(ctx context.Context, rt *agent.RuntimeState, base string) {
	for asset, amount := range rt.Portfolio() {
		if asset == base || amount <= 0 {
			continue
		}
		out, _, err := s.deps.Swaps.Swap(ctx, asset, base, amount, "")
		if err != nil {
			out, err = s.deps.Swaps.Quote(ctx, asset, base, amount)
		}
		if err != nil {
			if st, ferr := s.deps.Feed.GetState(ctx, asset+"/"+base); ferr == nil {
				out = amount * st.Price
				err = nil
			}
		}
		if err != nil {
			s.deps.Logger.Warn("position unwind failed, settling position at zero",
				"agent_id", rt.AgentID, "asset", asset, "error", err)
			metrics.PortFailuresTotal.WithLabelValues("swap").Inc()
			out = 0
		}
		rt.ApplyFill(asset, amount, base, out)
	}
}

// publishLeaderboard emits the single leaderboard event for the round.
func (s *Settler) publishLeaderboard(ar *arena.Arena, standings []Standing) {
	rows := make([]map[string]any, 0, len(standings))
	for _, st := range standings {
		rows = append(rows, map[string]any{
			"rank":        st.Rank,
			"agent_id":    st.AgentID,
			"name":        st.Name,
			"archetype":   st.Archetype,
			"pnl_bps":     st.PnLBps,
			"trade_count": st.TradeCount,
			"won":         st.Won,
		})
	}
	s.deps.Bus.Emit(events.TypeLeaderboard, ar.ID, "", "final standings",
		map[string]any{"standings": rows, "trigger": ar.ResolveTrigger()})
}

func (s *Settler) recordCareers(ctx context.Context, ar *arena.Arena, standings []Standing, runtimes map[string]*agent.RuntimeState, byID map[string]*agent.LobbyAgent) {
	if s.deps.Career == nil {
		return
	}
	results := make([]ledger.RoundResult, 0, len(standings))
	for _, st := range standings {
		res := ledger.RoundResult{
			ArenaID:    ar.ID,
			AgentID:    st.AgentID,
			Name:       st.Name,
			Archetype:  st.Archetype,
			Rank:       st.Rank,
			PnLBps:     st.PnLBps,
			TradeCount: st.TradeCount,
			Won:        st.Won,
			PairPnL:    map[string]int64{},
			PairCounts: map[string]int{},
		}
		if rt, ok := runtimes[st.AgentID]; ok {
			for _, t := range rt.Trades() {
				res.PairCounts[t.Pair]++
				if t.Simulated {
					res.PairPnL[t.Pair] += t.PnLBps
				}
			}
		}
		if a, ok := byID[st.AgentID]; ok && res.Name == "" {
			res.Name = a.Name
		}
		results = append(results, res)
	}
	if err := s.deps.Career.RecordSettlement(ctx, ar.ID, results); err != nil {
		s.deps.Logger.Error("career recording failed", "arena_id", ar.ID, "error", err)
	}
}

// scoreIntel grades every intel purchase of the round against the
// realized direction of its pair and feeds the outcome into the
// buyer's trust relationship with the seller.
func (s *Settler) scoreIntel(ctx context.Context, logger *slog.Logger) {
	if s.deps.Career == nil || s.deps.Market == nil {
		return
	}
	for _, p := range s.deps.Market.Purchases() {
		st, err := s.deps.Feed.GetState(ctx, p.Pair)
		if err != nil {
			logger.Warn("intel scoring skipped, no market state", "pair", p.Pair, "error", err)
			continue
		}
		accurate := (p.Direction == ports.DirectionBuy && st.Change24h > 0) ||
			(p.Direction == ports.DirectionSell && st.Change24h < 0)
		if err := s.deps.Career.RecordIntelOutcome(ctx, p.BuyerID, p.SellerID, accurate); err != nil {
			logger.Warn("intel outcome recording failed",
				"buyer_id", p.BuyerID, "seller_id", p.SellerID, "error", err)
		}
	}
}

// sweepWallets returns leftover funds from system-generated agent
// wallets to the treasury. Owned agents keep their wallets.
func (s *Settler) sweepWallets(ctx context.Context, logger *slog.Logger, agents []*agent.LobbyAgent) {
	if s.deps.Funder == nil || s.deps.Provisioner == nil {
		return
	}
	for _, a := range agents {
		if a.Owned {
			continue
		}
		w, ok := s.deps.Provisioner.Lookup(a.ID)
		if !ok {
			continue
		}
		agentID := a.ID
		ports.Advisory(ctx, logger, "wallet_sweep", func(ctx context.Context) error {
			_, err := s.deps.Funder.Sweep(ctx, w)
			if err != nil {
				logger.Debug("sweep failed", "agent_id", agentID, "error", err)
			}
			return err
		})
	}
}
