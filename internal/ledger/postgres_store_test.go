//go:build integration

package ledger

import (
	"context"
	"testing"

	"github.com/mbd888/arena/internal/testutil"
)

func setupTestStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		cleanup()
		t.Fatalf("migrate: %v", err)
	}
	return store, cleanup
}

func TestPostgresApplyRoundAccumulates(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	res := RoundResult{
		AgentID: "ag_pg", Name: "pg", Archetype: "momentum",
		PnLBps: 250, TradeCount: 4, Won: true,
		PairPnL:    map[string]int64{"SOL/USDC": 250},
		PairCounts: map[string]int{"SOL/USDC": 4},
	}
	if err := store.ApplyRound(ctx, res); err != nil {
		t.Fatalf("first round: %v", err)
	}
	res.PnLBps = -400
	res.Won = false
	if err := store.ApplyRound(ctx, res); err != nil {
		t.Fatalf("second round: %v", err)
	}

	c, err := store.Career(ctx, "ag_pg")
	if err != nil {
		t.Fatalf("career: %v", err)
	}
	if c.RoundsPlayed != 2 || c.RoundsWon != 1 || c.CumulativePnLBps != -150 {
		t.Fatalf("career = %+v", c)
	}
	if c.BestRoundBps != 250 || c.WorstRoundBps != -400 {
		t.Fatalf("best/worst = %d/%d", c.BestRoundBps, c.WorstRoundBps)
	}

	stats, err := store.PairStats(ctx, "ag_pg")
	if err != nil {
		t.Fatalf("pair stats: %v", err)
	}
	if len(stats) != 1 || stats[0].Trades != 8 || stats[0].NetPnLBps != -150 {
		t.Fatalf("pair stats = %+v", stats)
	}
}

func TestPostgresTrustAndLessons(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	_ = store.RecordIntelOutcome(ctx, "ag_buyer_a", "ag_seller", true)
	_ = store.RecordIntelOutcome(ctx, "ag_buyer_a", "ag_seller", false)
	_ = store.RecordIntelOutcome(ctx, "ag_buyer_b", "ag_seller", true)

	tr, err := store.Trust(ctx, "ag_seller")
	if err != nil {
		t.Fatalf("trust: %v", err)
	}
	if tr.PurchasesTotal != 3 || tr.PurchasesAccurate != 2 {
		t.Fatalf("aggregate trust = %+v", tr)
	}

	edge, err := store.TrustBetween(ctx, "ag_buyer_a", "ag_seller")
	if err != nil {
		t.Fatalf("trust between: %v", err)
	}
	if edge.PurchasesTotal != 2 || edge.PurchasesAccurate != 1 {
		t.Fatalf("edge = %+v", edge)
	}

	for i := 0; i < 3; i++ {
		l := Lesson{AgentID: "ag_seller", ArenaID: "arn_1", Text: "keep sizing small"}
		if err := store.AddLesson(ctx, l); err != nil {
			t.Fatalf("add lesson: %v", err)
		}
	}
	lessons, err := store.Lessons(ctx, "ag_seller", 2)
	if err != nil {
		t.Fatalf("lessons: %v", err)
	}
	if len(lessons) != 2 {
		t.Fatalf("lessons = %d, want limit 2", len(lessons))
	}
}
