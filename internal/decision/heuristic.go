// Package decision houses the built-in decision providers. The heuristic
// provider plays each archetype off the live market feed and, when its
// appetite says so, pays rivals for their analysis before committing.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mbd888/arena/internal/agent"
	"github.com/mbd888/arena/internal/intel"
	"github.com/mbd888/arena/internal/ports"
)

// Heuristic decides from market momentum and purchased intel. One instance
// serves all agents in an arena; per-call state comes from the
// DecisionContext.
type Heuristic struct {
	feed   ports.MarketFeed
	market *intel.Marketplace
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// Compile-time interface check
var _ ports.DecisionProvider = (*Heuristic)(nil)

func NewHeuristic(feed ports.MarketFeed, market *intel.Marketplace, logger *slog.Logger, seed int64) *Heuristic {
	return &Heuristic{
		feed:   feed,
		market: market,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Decide returns one terminal action for the tick. It never returns an
// empty decision: when nothing looks tradable the answer is an explicit
// hold with the reasoning attached.
func (h *Heuristic) Decide(ctx context.Context, dc ports.DecisionContext) (*ports.Decision, error) {
	if len(dc.Pairs) == 0 {
		return &ports.Decision{Action: ports.ActionHold, Reason: "no pairs configured"}, nil
	}

	profile := agent.ProfileFor(dc.Archetype)
	pair := dc.Pairs[h.intn(len(dc.Pairs))]

	st, err := h.feed.GetState(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("market state for %s: %w", pair, err)
	}

	dir, conviction := h.readSignal(dc.Archetype, st)

	// Publish this agent's own read so rivals have something to buy.
	h.market.Publish(&ports.Intel{
		SellerID:   dc.AgentID,
		Pair:       pair,
		Direction:  dir,
		Confidence: conviction,
		Summary:    fmt.Sprintf("%s read on %s at %.4f", dc.Archetype, pair, st.Price),
		CreatedAt:  time.Now().UTC(),
	})

	// Shop for rival intel; a confident rival pointing the other way cuts
	// conviction instead of flipping the trade outright.
	if h.chance(profile.IntelAppetite) {
		if bought := h.buyIntel(ctx, dc.AgentID, pair); bought != nil {
			if bought.Direction == dir {
				conviction += bought.Confidence * 0.3
			} else {
				conviction -= bought.Confidence * 0.5
			}
		}
	}

	if conviction < 0.35 {
		return &ports.Decision{
			Action: ports.ActionHold,
			Pair:   pair,
			Reason: fmt.Sprintf("conviction %.2f below threshold on %s", conviction, pair),
		}, nil
	}

	percent := int(profile.Aggression*float64(40+h.intn(40))) + 5
	if percent > 100 {
		percent = 100
	}

	return &ports.Decision{
		Action:    ports.ActionTrade,
		Pair:      pair,
		Direction: dir,
		Percent:   percent,
		Reason:    fmt.Sprintf("%s signal on %s, conviction %.2f", dc.Archetype, pair, conviction),
	}, nil
}

// readSignal maps the pair's recent move to a direction and conviction for
// the archetype.
func (h *Heuristic) readSignal(archetype string, st *ports.MarketState) (ports.Direction, float64) {
	trendUp := st.Change24h >= 0
	strength := st.Change24h
	if strength < 0 {
		strength = -strength
	}
	conviction := 0.3 + strength/10
	if conviction > 0.95 {
		conviction = 0.95
	}

	var dir ports.Direction
	switch archetype {
	case agent.ArchetypeContrarian:
		// Fade the move.
		if trendUp {
			dir = ports.DirectionSell
		} else {
			dir = ports.DirectionBuy
		}
	case agent.ArchetypeConservative:
		conviction *= 0.8
		fallthrough
	default:
		// Momentum and aggressive ride the move.
		if trendUp {
			dir = ports.DirectionBuy
		} else {
			dir = ports.DirectionSell
		}
	}
	return dir, conviction
}

// buyIntel picks a random rival with a published analysis and pays for it.
// Failures are logged, never fatal to the decision.
func (h *Heuristic) buyIntel(ctx context.Context, buyerID, pair string) *ports.Intel {
	sellers := h.market.Sellers(buyerID)
	if len(sellers) == 0 {
		return nil
	}
	seller := sellers[h.intn(len(sellers))]

	bought, err := h.market.Purchase(ctx, buyerID, seller)
	if err != nil {
		h.logger.Debug("intel purchase skipped", "buyer_id", buyerID, "seller_id", seller, "err", err)
		return nil
	}
	if bought.Pair != pair {
		return nil
	}
	return bought
}

func (h *Heuristic) intn(n int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rng.Intn(n)
}

func (h *Heuristic) chance(p float64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rng.Float64() < p
}
