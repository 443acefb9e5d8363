// Package market generates the shared market pressure that keeps a round
// from being a flat random walk: a biased trend for the first stretch of
// trading, then a reversal, so momentum and contrarian archetypes both get
// their moment.
package market

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/mbd888/arena/internal/events"
	"github.com/mbd888/arena/internal/metrics"
	"github.com/mbd888/arena/internal/ports"
	"github.com/mbd888/arena/internal/wallet"
)

// trendShare is the fraction of the round spent in the initial trend before
// the bias flips.
const trendShare = 0.55

// biasProbability is the chance a pulse moves with the current bias rather
// than against it.
const biasProbability = 0.7

// Pusher is the writable side of the simulated market.
type Pusher interface {
	Push(pair string, fraction float64)
}

// Generator emits periodic pressure pulses for one arena. It starts only
// after onboarding completes and stops itself when the round ends.
type Generator struct {
	market   Pusher
	platform ports.Signer
	bus      *events.Bus
	logger   *slog.Logger
	rng      *rand.Rand

	// Interval between pulses.
	Interval time.Duration
	// Magnitude is the price move per pulse as a fraction of price.
	Magnitude float64
}

func NewGenerator(market Pusher, platform ports.Signer, bus *events.Bus, logger *slog.Logger, seed int64) *Generator {
	return &Generator{
		market:    market,
		platform:  platform,
		bus:       bus,
		logger:    logger,
		rng:       rand.New(rand.NewSource(seed)),
		Interval:  4 * time.Second,
		Magnitude: 0.004,
	}
}

// Run pulses until ctx is cancelled or the deadline passes. The initial
// trend direction is drawn once per run.
func (g *Generator) Run(ctx context.Context, arenaID string, pairs []string, deadline time.Time) {
	if len(pairs) == 0 {
		return
	}
	start := time.Now()
	total := deadline.Sub(start)
	if total <= 0 {
		return
	}

	trendUp := g.rng.Intn(2) == 0
	g.logger.Info("market pressure started",
		"arena_id", arenaID, "trend_up", trendUp, "interval", g.Interval)

	ticker := time.NewTicker(g.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.After(deadline) {
				return
			}
			elapsed := now.Sub(start).Seconds() / total.Seconds()
			g.pulse(ctx, arenaID, pairs, g.biasAt(elapsed, trendUp))
		}
	}
}

// biasAt returns the biased direction for the given elapsed fraction of the
// round: the opening trend, then its reversal.
func (g *Generator) biasAt(elapsed float64, trendUp bool) ports.Direction {
	up := trendUp
	if elapsed >= trendShare {
		up = !up
	}
	if up {
		return ports.DirectionBuy
	}
	return ports.DirectionSell
}

// pulse nudges one random pair, records the nudge through the platform
// signer, and publishes the pressure event. The on-chain record is advisory;
// the price move always lands.
func (g *Generator) pulse(ctx context.Context, arenaID string, pairs []string, bias ports.Direction) {
	pair := pairs[g.rng.Intn(len(pairs))]

	dir := bias
	if g.rng.Float64() >= biasProbability {
		dir = opposite(bias)
	}

	fraction := g.Magnitude * (0.5 + g.rng.Float64())
	if dir == ports.DirectionSell {
		fraction = -fraction
	}
	g.market.Push(pair, fraction)

	if g.platform != nil {
		if _, err := g.platform.Submit(ctx, ports.Operation{Kind: wallet.OpPressure, To: g.platform.Address()}); err != nil {
			metrics.PortFailuresTotal.WithLabelValues("signer").Inc()
			g.logger.Debug("pressure record skipped", "arena_id", arenaID, "err", err)
		}
	}

	g.bus.Emit(events.TypePressure, arenaID, "", "market pressure pulse", map[string]any{
		"pair":      pair,
		"direction": dir,
		"fraction":  fraction,
	})
}

func opposite(d ports.Direction) ports.Direction {
	if d == ports.DirectionBuy {
		return ports.DirectionSell
	}
	return ports.DirectionBuy
}
