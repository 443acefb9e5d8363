package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/arena/internal/idgen"
)

// MemoryStore is the default in-process Store. Suitable for demo mode and
// tests; careers vanish on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	careers map[string]*Career
	pairs   map[string]map[string]*PairStats // agentID -> pair
	trust   map[trustKey]*Trust
	lessons map[string][]Lesson
}

type trustKey struct {
	buyer  string
	seller string
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		careers: make(map[string]*Career),
		pairs:   make(map[string]map[string]*PairStats),
		trust:   make(map[trustKey]*Trust),
		lessons: make(map[string][]Lesson),
	}
}

func (m *MemoryStore) ApplyRound(ctx context.Context, res RoundResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.careers[res.AgentID]
	if !ok {
		c = &Career{
			AgentID:       res.AgentID,
			Name:          res.Name,
			Archetype:     res.Archetype,
			BestRoundBps:  res.PnLBps,
			WorstRoundBps: res.PnLBps,
		}
		m.careers[res.AgentID] = c
	}

	c.RoundsPlayed++
	if res.Won {
		c.RoundsWon++
	}
	c.CumulativePnLBps += res.PnLBps
	if res.PnLBps > c.BestRoundBps {
		c.BestRoundBps = res.PnLBps
	}
	if res.PnLBps < c.WorstRoundBps {
		c.WorstRoundBps = res.PnLBps
	}
	c.UpdatedAt = time.Now().UTC()

	byPair, ok := m.pairs[res.AgentID]
	if !ok {
		byPair = make(map[string]*PairStats)
		m.pairs[res.AgentID] = byPair
	}
	// PairCounts covers every trade; PairPnL only the pairs with a
	// per-fill P&L attribution. A pair traded without one still counts.
	for pair, count := range res.PairCounts {
		ps, ok := byPair[pair]
		if !ok {
			ps = &PairStats{AgentID: res.AgentID, Pair: pair}
			byPair[pair] = ps
		}
		ps.Trades += count
		ps.NetPnLBps += res.PairPnL[pair]
	}

	return nil
}

func (m *MemoryStore) Career(ctx context.Context, agentID string) (*Career, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.careers[agentID]
	if !ok {
		return nil, ErrUnknownAgent
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) PairStats(ctx context.Context, agentID string) ([]PairStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byPair := m.pairs[agentID]
	out := make([]PairStats, 0, len(byPair))
	for _, ps := range byPair {
		out = append(out, *ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out, nil
}

func (m *MemoryStore) Leaderboard(ctx context.Context, limit int) ([]Career, error) {
	m.mu.RLock()
	out := make([]Career, 0, len(m.careers))
	for _, c := range m.careers {
		out = append(out, *c)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CumulativePnLBps > out[j].CumulativePnLBps
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RecordIntelOutcome(ctx context.Context, buyerID, sellerID string, accurate bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := trustKey{buyer: buyerID, seller: sellerID}
	tr, ok := m.trust[k]
	if !ok {
		tr = &Trust{AgentID: sellerID, BuyerID: buyerID}
		m.trust[k] = tr
	}
	tr.PurchasesTotal++
	if accurate {
		tr.PurchasesAccurate++
	}
	tr.Score = TrustScore(tr.PurchasesTotal, tr.PurchasesAccurate)
	return nil
}

// Trust aggregates the seller's relationships across every buyer.
func (m *MemoryStore) Trust(ctx context.Context, agentID string) (*Trust, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg := &Trust{AgentID: agentID}
	for k, tr := range m.trust {
		if k.seller != agentID {
			continue
		}
		agg.PurchasesTotal += tr.PurchasesTotal
		agg.PurchasesAccurate += tr.PurchasesAccurate
	}
	agg.Score = TrustScore(agg.PurchasesTotal, agg.PurchasesAccurate)
	return agg, nil
}

func (m *MemoryStore) TrustBetween(ctx context.Context, buyerID, sellerID string) (*Trust, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tr, ok := m.trust[trustKey{buyer: buyerID, seller: sellerID}]
	if !ok {
		return &Trust{AgentID: sellerID, BuyerID: buyerID, Score: TrustScore(0, 0)}, nil
	}
	cp := *tr
	return &cp, nil
}

func (m *MemoryStore) AddLesson(ctx context.Context, l Lesson) error {
	if l.ID == "" {
		l.ID = idgen.WithPrefix("les_")
	}
	m.mu.Lock()
	m.lessons[l.AgentID] = append(m.lessons[l.AgentID], l)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Lessons(ctx context.Context, agentID string, limit int) ([]Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.lessons[agentID]
	// Newest first.
	out := make([]Lesson, len(all))
	for i, l := range all {
		out[len(all)-1-i] = l
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
