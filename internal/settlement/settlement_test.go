package settlement

import (
	"context"
	"log/slog"
	"testing"

	"github.com/mbd888/arena/internal/agent"
	"github.com/mbd888/arena/internal/arena"
	"github.com/mbd888/arena/internal/budget"
	"github.com/mbd888/arena/internal/events"
	"github.com/mbd888/arena/internal/intel"
	"github.com/mbd888/arena/internal/ledger"
	"github.com/mbd888/arena/internal/ports"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fixture struct {
	settler  *Settler
	ar       *arena.Arena
	agents   []*agent.LobbyAgent
	runtimes map[string]*agent.RuntimeState
	bus      *events.Bus
	market   *intel.Marketplace
	career   *ledger.Service
	feed     *ports.SimMarket
	funds    *budget.Ledger
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	cfg := arena.DefaultConfig()
	ar := arena.NewArena(cfg)
	bus := events.NewBus(discard())
	feed := ports.NewSimMarket(cfg.Pairs, 150, 42)
	swaps := ports.NewSimSwap(feed, cfg.BaseAsset)
	platform := ports.NewSimSigner("0xtreasury")
	funds := budget.NewLedger()
	market := intel.NewMarketplace(ar.ID, budget.FromFloat(cfg.IntelPrice), funds, discard())
	career := ledger.NewService(ledger.NewMemoryStore(), discard())

	agents := make([]*agent.LobbyAgent, 0, len(names))
	runtimes := make(map[string]*agent.RuntimeState, len(names))
	for i, name := range names {
		a := agent.NewLobbyAgent("ag_"+name, name, "momentum", i == 0)
		agents = append(agents, a)
		if _, err := ar.AppendEntry(arena.Entry{
			AgentID:   a.ID,
			AgentName: a.Name,
			Archetype: a.Archetype,
		}); err != nil {
			t.Fatalf("append entry: %v", err)
		}
		runtimes[a.ID] = agent.NewRuntimeState(a.ID, cfg.BaseAsset, cfg.StartingBalance, agent.ProfileFor(a.Archetype))
	}
	if err := ar.BeginTrading(); err != nil {
		t.Fatalf("begin trading: %v", err)
	}

	settler := New(Deps{
		Feed:     feed,
		Swaps:    swaps,
		Platform: platform,
		Market:   market,
		Career:   career,
		Bus:      bus,
		Logger:   discard(),
	})
	return &fixture{settler, ar, agents, runtimes, bus, market, career, feed, funds}
}

func leaderboardEvents(f *fixture) []*events.Event {
	var out []*events.Event
	for _, e := range f.bus.Since(0, f.ar.ID) {
		if e.Type == events.TypeLeaderboard {
			out = append(out, e)
		}
	}
	return out
}

func TestSettleComputesFinalPnL(t *testing.T) {
	f := newFixture(t, "alice", "bob")

	// Alice ends with 525 base: +500 bps on a 500 start.
	f.runtimes["ag_alice"].ApplyFill("USDC", 0, "USDC", 25)
	// Bob ends with 450: -1000 bps.
	f.runtimes["ag_bob"].ApplyFill("USDC", 50, "", 0)

	if err := f.settler.Settle(context.Background(), f.ar, f.agents, f.runtimes, "deadline"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if got := f.ar.Phase(); got != arena.PhaseSettled {
		t.Fatalf("phase = %q, want settled", got)
	}
	alice, _ := f.ar.Entry("ag_alice")
	if alice.PnLBps != 500 {
		t.Errorf("alice pnl = %d bps, want 500", alice.PnLBps)
	}
	if !alice.Revealed {
		t.Error("alice entry not revealed")
	}
	bob, _ := f.ar.Entry("ag_bob")
	if bob.PnLBps != -1000 {
		t.Errorf("bob pnl = %d bps, want -1000", bob.PnLBps)
	}
}

func TestSettleEmitsLeaderboardOnce(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")

	f.runtimes["ag_bob"].ApplyFill("USDC", 0, "USDC", 100)

	if err := f.settler.Settle(context.Background(), f.ar, f.agents, f.runtimes, "deadline"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	// Second resolution is a no-op, not an error.
	if err := f.settler.Settle(context.Background(), f.ar, f.agents, f.runtimes, "manual"); err != nil {
		t.Fatalf("second settle: %v", err)
	}

	lbs := leaderboardEvents(f)
	if len(lbs) != 1 {
		t.Fatalf("leaderboard events = %d, want 1", len(lbs))
	}
	if f.ar.ResolveTrigger() != "deadline" {
		t.Errorf("trigger = %q, want first trigger kept", f.ar.ResolveTrigger())
	}

	standings, ok := lbs[0].Data["standings"].([]map[string]any)
	if !ok {
		t.Fatalf("standings payload missing")
	}
	if len(standings) != 3 {
		t.Fatalf("standings rows = %d, want 3", len(standings))
	}
	if standings[0]["agent_id"] != "ag_bob" {
		t.Errorf("winner = %v, want ag_bob", standings[0]["agent_id"])
	}
	if standings[0]["won"] != true {
		t.Errorf("top standing not marked won")
	}
}

func TestSettleUnwindsOpenPositions(t *testing.T) {
	f := newFixture(t, "alice")
	rt := f.runtimes["ag_alice"]

	// Half the balance sits in SOL at settlement time.
	rt.ApplyFill("USDC", 250, "SOL", 250.0/150.0)

	if err := f.settler.Settle(context.Background(), f.ar, f.agents, f.runtimes, "manual"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if sol := rt.Holding("SOL"); sol != 0 {
		t.Errorf("SOL holding after settle = %v, want 0", sol)
	}
	if base := rt.Holding("USDC"); base <= 0 {
		t.Errorf("base holding after settle = %v, want > 0", base)
	}
	e, _ := f.ar.Entry("ag_alice")
	if !e.Revealed {
		t.Error("entry not revealed")
	}
}

func TestSettleRecordsCareers(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.runtimes["ag_alice"].ApplyFill("USDC", 0, "USDC", 25)

	if err := f.settler.Settle(context.Background(), f.ar, f.agents, f.runtimes, "deadline"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	c, err := f.career.Career(context.Background(), "ag_alice")
	if err != nil {
		t.Fatalf("career: %v", err)
	}
	if c.RoundsPlayed != 1 {
		t.Errorf("rounds played = %d, want 1", c.RoundsPlayed)
	}
	if c.RoundsWon != 1 {
		t.Errorf("rounds won = %d, want 1", c.RoundsWon)
	}
	if c.CumulativePnLBps != 500 {
		t.Errorf("cumulative pnl = %d, want 500", c.CumulativePnLBps)
	}
}

func TestSettleScoresIntelPerBuyer(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	f.market.Publish(&ports.Intel{
		SellerID: "ag_bob", Pair: "SOL/USDC", Direction: ports.DirectionBuy,
	})
	f.funds.Grant("ag_alice", budget.FromFloat(100))
	if _, err := f.market.Purchase(ctx, "ag_alice", "ag_bob"); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	// The pair rallies hard, so bob's buy call scores accurate.
	f.feed.Push("SOL/USDC", 0.5)

	if err := f.settler.Settle(ctx, f.ar, f.agents, f.runtimes, "deadline"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	edge, err := f.career.TrustBetween(ctx, "ag_alice", "ag_bob")
	if err != nil {
		t.Fatalf("trust between: %v", err)
	}
	if edge.PurchasesTotal != 1 || edge.PurchasesAccurate != 1 {
		t.Fatalf("alice's trust in bob = %+v", edge)
	}
	if edge.BuyerID != "ag_alice" || edge.AgentID != "ag_bob" {
		t.Fatalf("edge keyed wrong: %+v", edge)
	}

	// The outcome lands only on the buying relationship.
	other, _ := f.career.TrustBetween(ctx, "ag_bob", "ag_alice")
	if other.PurchasesTotal != 0 {
		t.Fatalf("reverse edge = %+v, want untouched", other)
	}
	agg, _ := f.career.Trust(ctx, "ag_bob")
	if agg.PurchasesTotal != 1 || agg.PurchasesAccurate != 1 {
		t.Fatalf("seller aggregate = %+v", agg)
	}
}

func TestSettleSoloEntryDoesNotWin(t *testing.T) {
	f := newFixture(t, "alice")
	if err := f.settler.Settle(context.Background(), f.ar, f.agents, f.runtimes, "deadline"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	c, err := f.career.Career(context.Background(), "ag_alice")
	if err != nil {
		t.Fatalf("career: %v", err)
	}
	if c.RoundsWon != 0 {
		t.Errorf("solo round counted as a win")
	}
}
