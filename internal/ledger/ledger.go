// Package ledger keeps the record that outlives any single round: agent
// careers, per-pair performance, intel trust ratings, and the lessons an
// agent carries into its next round.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var ErrUnknownAgent = errors.New("ledger: unknown agent")

// Career is an agent's all-time standing.
type Career struct {
	AgentID          string    `json:"agentId"`
	Name             string    `json:"name"`
	Archetype        string    `json:"archetype"`
	RoundsPlayed     int       `json:"roundsPlayed"`
	RoundsWon        int       `json:"roundsWon"`
	CumulativePnLBps int64     `json:"cumulativePnlBps"`
	BestRoundBps     int64     `json:"bestRoundBps"`
	WorstRoundBps    int64     `json:"worstRoundBps"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// PairStats is an agent's record on one trading pair.
type PairStats struct {
	AgentID   string `json:"agentId"`
	Pair      string `json:"pair"`
	Trades    int    `json:"trades"`
	NetPnLBps int64  `json:"netPnlBps"`
}

// Trust scores an agent as an intel seller. Each scored purchase updates
// the buyer's relationship with that seller; the seller-level view
// aggregates across buyers. Score starts from a neutral prior and
// converges on the observed hit rate as purchases accumulate.
type Trust struct {
	AgentID           string  `json:"agentId"`
	BuyerID           string  `json:"buyerId,omitempty"`
	PurchasesTotal    int     `json:"purchasesTotal"`
	PurchasesAccurate int     `json:"purchasesAccurate"`
	Score             float64 `json:"score"`
}

// Lesson is a one-line takeaway attached to an agent after a round.
type Lesson struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	ArenaID   string    `json:"arenaId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoundResult is one agent's final line from a settled round.
type RoundResult struct {
	ArenaID    string
	AgentID    string
	Name       string
	Archetype  string
	Rank       int
	PnLBps     int64
	TradeCount int
	Won        bool
	PairPnL    map[string]int64
	PairCounts map[string]int
}

// Store persists careers. Arena state is always in-memory; this is the one
// surface with an optional Postgres backing.
type Store interface {
	ApplyRound(ctx context.Context, res RoundResult) error
	Career(ctx context.Context, agentID string) (*Career, error)
	PairStats(ctx context.Context, agentID string) ([]PairStats, error)
	Leaderboard(ctx context.Context, limit int) ([]Career, error)
	RecordIntelOutcome(ctx context.Context, buyerID, sellerID string, accurate bool) error
	Trust(ctx context.Context, agentID string) (*Trust, error)
	TrustBetween(ctx context.Context, buyerID, sellerID string) (*Trust, error)
	AddLesson(ctx context.Context, l Lesson) error
	Lessons(ctx context.Context, agentID string, limit int) ([]Lesson, error)
}

// Lesson thresholds.
const (
	clearWinBps  = 200
	heavyLossBps = -500
)

// Service layers lesson derivation and metrics over a Store.
type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// RecordSettlement applies every result from a settled round and writes
// lessons for the rounds worth remembering.
func (s *Service) RecordSettlement(ctx context.Context, arenaID string, results []RoundResult) error {
	done := observeOp("record_settlement")
	defer done()

	for _, res := range results {
		if err := s.store.ApplyRound(ctx, res); err != nil {
			return fmt.Errorf("apply round for %s: %w", res.AgentID, err)
		}

		if text := lessonFor(res); text != "" {
			l := Lesson{
				AgentID:   res.AgentID,
				ArenaID:   arenaID,
				Text:      text,
				CreatedAt: time.Now().UTC(),
			}
			if err := s.store.AddLesson(ctx, l); err != nil {
				s.logger.Warn("lesson not recorded", "agent_id", res.AgentID, "err", err)
			}
		}
	}

	RoundsRecordedTotal.Add(float64(len(results)))
	return nil
}

// RecordIntelOutcome feeds one scored intel sale into the buyer's trust
// relationship with the seller.
func (s *Service) RecordIntelOutcome(ctx context.Context, buyerID, sellerID string, accurate bool) error {
	done := observeOp("intel_outcome")
	defer done()
	return s.store.RecordIntelOutcome(ctx, buyerID, sellerID, accurate)
}

// Career returns the agent's all-time standing.
func (s *Service) Career(ctx context.Context, agentID string) (*Career, error) {
	return s.store.Career(ctx, agentID)
}

// PairStats returns the agent's per-pair record.
func (s *Service) PairStats(ctx context.Context, agentID string) ([]PairStats, error) {
	return s.store.PairStats(ctx, agentID)
}

// Trust returns the agent's intel-seller rating aggregated across buyers.
func (s *Service) Trust(ctx context.Context, agentID string) (*Trust, error) {
	return s.store.Trust(ctx, agentID)
}

// TrustBetween returns one buyer's trust relationship with a seller.
func (s *Service) TrustBetween(ctx context.Context, buyerID, sellerID string) (*Trust, error) {
	return s.store.TrustBetween(ctx, buyerID, sellerID)
}

// Lessons returns the agent's most recent lessons.
func (s *Service) Lessons(ctx context.Context, agentID string, limit int) ([]Lesson, error) {
	return s.store.Lessons(ctx, agentID, limit)
}

// Leaderboard returns the top careers by cumulative P&L.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]Career, error) {
	return s.store.Leaderboard(ctx, limit)
}

// lessonFor derives the post-round takeaway, or "" when the round was
// unremarkable.
func lessonFor(res RoundResult) string {
	switch {
	case res.Won && res.PnLBps >= clearWinBps:
		return fmt.Sprintf("won with +%d bps over %d trades; the playbook held", res.PnLBps, res.TradeCount)
	case res.PnLBps <= heavyLossBps && res.TradeCount > 0:
		return fmt.Sprintf("lost %d bps over %d trades; size down next round", res.PnLBps, res.TradeCount)
	case res.TradeCount == 0:
		return "sat out the whole round; conviction threshold may be too high"
	default:
		return ""
	}
}

// TrustScore computes the displayed score from raw counts with a neutral
// prior of one phantom accurate and one phantom inaccurate sale.
func TrustScore(total, accurate int) float64 {
	return (float64(accurate) + 1) / (float64(total) + 2)
}
