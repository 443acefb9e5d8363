package decision

import (
	"context"
	"log/slog"
	"testing"

	"github.com/mbd888/arena/internal/agent"
	"github.com/mbd888/arena/internal/budget"
	"github.com/mbd888/arena/internal/intel"
	"github.com/mbd888/arena/internal/ports"
)

type fixedFeed struct {
	state ports.MarketState
}

func (f *fixedFeed) GetState(ctx context.Context, pair string) (*ports.MarketState, error) {
	st := f.state
	st.Pair = pair
	return &st, nil
}

func newHeuristic(t *testing.T, feed ports.MarketFeed) (*Heuristic, *intel.Marketplace) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	market := intel.NewMarketplace("arn_test", budget.FromFloat(5), budget.NewLedger(), logger)
	return NewHeuristic(feed, market, logger, 1), market
}

func dc(archetype string) ports.DecisionContext {
	return ports.DecisionContext{
		ArenaID:   "arn_test",
		AgentID:   "ag_1",
		Archetype: archetype,
		Tick:      3,
		Pairs:     []string{"SOL/USDC"},
	}
}

func TestMomentumFollowsTrend(t *testing.T) {
	h, _ := newHeuristic(t, &fixedFeed{state: ports.MarketState{Price: 100, Change24h: 6}})

	d, err := h.Decide(context.Background(), dc(agent.ArchetypeMomentum))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Action != ports.ActionTrade || d.Direction != ports.DirectionBuy {
		t.Fatalf("decision = %+v, want buy trade", d)
	}
	if d.Percent < 1 || d.Percent > 100 {
		t.Fatalf("percent out of range: %d", d.Percent)
	}
	if d.Reason == "" {
		t.Fatal("decision must carry a reason")
	}
}

func TestContrarianFadesTrend(t *testing.T) {
	h, _ := newHeuristic(t, &fixedFeed{state: ports.MarketState{Price: 100, Change24h: 6}})

	d, err := h.Decide(context.Background(), dc(agent.ArchetypeContrarian))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Action != ports.ActionTrade || d.Direction != ports.DirectionSell {
		t.Fatalf("decision = %+v, want sell trade", d)
	}
}

func TestFlatMarketHolds(t *testing.T) {
	h, _ := newHeuristic(t, &fixedFeed{state: ports.MarketState{Price: 100, Change24h: 0}})

	d, err := h.Decide(context.Background(), dc(agent.ArchetypeConservative))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Action != ports.ActionHold {
		t.Fatalf("decision = %+v, want hold on flat market", d)
	}
	if d.Reason == "" {
		t.Fatal("hold must carry a reason")
	}
}

func TestDecidePublishesOwnAnalysis(t *testing.T) {
	h, market := newHeuristic(t, &fixedFeed{state: ports.MarketState{Price: 100, Change24h: 3}})

	if _, err := h.Decide(context.Background(), dc(agent.ArchetypeMomentum)); err != nil {
		t.Fatalf("decide: %v", err)
	}
	sellers := market.Sellers("someone-else")
	if len(sellers) != 1 || sellers[0] != "ag_1" {
		t.Fatalf("sellers = %v, want the deciding agent", sellers)
	}
}

func TestNoPairsHolds(t *testing.T) {
	h, _ := newHeuristic(t, &fixedFeed{})

	ctx := dc(agent.ArchetypeMomentum)
	ctx.Pairs = nil
	d, err := h.Decide(context.Background(), ctx)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Action != ports.ActionHold {
		t.Fatalf("decision = %+v, want hold", d)
	}
}
