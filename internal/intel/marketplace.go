// Package intel runs the rival-analysis marketplace: agents publish their
// read on a pair, rivals pay to see it, and settlement later scores each
// seller against what the market actually did.
package intel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mbd888/arena/internal/budget"
	"github.com/mbd888/arena/internal/circuitbreaker"
	"github.com/mbd888/arena/internal/metrics"
	"github.com/mbd888/arena/internal/ports"
)

var (
	ErrNoAnalysis  = errors.New("intel: seller has no analysis")
	ErrSelfDealing = errors.New("intel: cannot buy own analysis")
	ErrSellerDown  = errors.New("intel: seller circuit open")
)

// Purchase is one completed intel sale, kept for trust scoring at settlement.
type Purchase struct {
	BuyerID     string          `json:"buyerId"`
	SellerID    string          `json:"sellerId"`
	Pair        string          `json:"pair"`
	Direction   ports.Direction `json:"direction"`
	Price       budget.Micros   `json:"price"`
	PurchasedAt time.Time       `json:"purchasedAt"`
}

// Fetcher retrieves a remote seller's analysis. The x402 client satisfies
// this; the paywall settles out-of-band.
type Fetcher interface {
	Get(url string) (*http.Response, error)
}

// Marketplace is one arena's intel exchange.
type Marketplace struct {
	arenaID string
	price   budget.Micros
	funds   *budget.Ledger
	logger  *slog.Logger
	breaker *circuitbreaker.Breaker
	fetcher Fetcher

	mu        sync.RWMutex
	analyses  map[string]*ports.Intel // sellerID -> latest
	remotes   map[string]string       // sellerID -> URL
	purchases []Purchase
}

// Compile-time interface check
var _ ports.IntelClient = (*Marketplace)(nil)

func NewMarketplace(arenaID string, price budget.Micros, funds *budget.Ledger, logger *slog.Logger) *Marketplace {
	return &Marketplace{
		arenaID:  arenaID,
		price:    price,
		funds:    funds,
		logger:   logger,
		breaker:  circuitbreaker.New(3, 20*time.Second),
		analyses: make(map[string]*ports.Intel),
		remotes:  make(map[string]string),
	}
}

// SetFetcher wires the paid HTTP client used for remote sellers.
func (m *Marketplace) SetFetcher(f Fetcher) {
	m.mu.Lock()
	m.fetcher = f
	m.mu.Unlock()
}

// Publish stores a seller's latest analysis, replacing any older one.
func (m *Marketplace) Publish(intel *ports.Intel) {
	m.mu.Lock()
	m.analyses[intel.SellerID] = intel
	m.mu.Unlock()
}

// RegisterRemoteSeller points a seller ID at an external x402-paywalled URL.
func (m *Marketplace) RegisterRemoteSeller(sellerID, url string) {
	m.mu.Lock()
	m.remotes[sellerID] = url
	m.mu.Unlock()
}

// Sellers lists agent IDs with a published analysis, for shop-around flows.
func (m *Marketplace) Sellers(excluding string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.analyses))
	for id := range m.analyses {
		if id != excluding {
			out = append(out, id)
		}
	}
	return out
}

// Purchase debits the buyer's budget, hands over the seller's analysis, and
// refunds in full when the analysis cannot be delivered.
func (m *Marketplace) Purchase(ctx context.Context, buyerID, sellerID string) (*ports.Intel, error) {
	if buyerID == sellerID {
		return nil, ErrSelfDealing
	}

	if err := m.funds.Deduct(buyerID, m.price); err != nil {
		metrics.IntelPurchasesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("intel purchase by %s: %w", buyerID, err)
	}

	intel, err := m.deliver(ctx, sellerID)
	if err != nil {
		if rerr := m.funds.Refund(buyerID, m.price); rerr != nil {
			m.logger.Error("intel refund failed", "buyer_id", buyerID, "err", rerr)
		}
		metrics.IntelPurchasesTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	m.mu.Lock()
	m.purchases = append(m.purchases, Purchase{
		BuyerID:     buyerID,
		SellerID:    sellerID,
		Pair:        intel.Pair,
		Direction:   intel.Direction,
		Price:       m.price,
		PurchasedAt: time.Now().UTC(),
	})
	m.mu.Unlock()

	metrics.IntelPurchasesTotal.WithLabelValues("ok").Inc()
	m.logger.Info("intel purchased",
		"arena_id", m.arenaID, "buyer_id", buyerID, "seller_id", sellerID,
		"pair", intel.Pair, "direction", intel.Direction)
	return intel, nil
}

// Purchases returns a copy of the sale log.
func (m *Marketplace) Purchases() []Purchase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Purchase, len(m.purchases))
	copy(out, m.purchases)
	return out
}

// deliver resolves the analysis locally, or over the paywalled wire for
// remote sellers.
func (m *Marketplace) deliver(ctx context.Context, sellerID string) (*ports.Intel, error) {
	m.mu.RLock()
	local := m.analyses[sellerID]
	url, remote := m.remotes[sellerID]
	fetcher := m.fetcher
	m.mu.RUnlock()

	if local != nil {
		cp := *local
		return &cp, nil
	}
	if !remote || fetcher == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoAnalysis, sellerID)
	}

	if !m.breaker.Allow(sellerID) {
		return nil, fmt.Errorf("%w: %s", ErrSellerDown, sellerID)
	}

	intel, err := m.fetchRemote(ctx, fetcher, url)
	if err != nil {
		m.breaker.RecordFailure(sellerID)
		return nil, fmt.Errorf("remote seller %s: %w", sellerID, err)
	}
	m.breaker.RecordSuccess(sellerID)
	intel.SellerID = sellerID
	return intel, nil
}

func (m *Marketplace) fetchRemote(ctx context.Context, fetcher Fetcher, url string) (*ports.Intel, error) {
	resp, err := fetcher.Get(url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	var intel ports.Intel
	if err := json.Unmarshal(body, &intel); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	return &intel, nil
}
