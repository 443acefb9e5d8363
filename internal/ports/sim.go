package ports

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Simulated backends used in demo mode (no RPC configured) and in tests.
// They honor the same contracts as the real implementations, including
// injectable failures, so degrade paths are exercisable.

// SimMarket is an in-memory market: a random-walk price per pair that can
// also be pushed directionally by the pressure generator's simulated swaps.
type SimMarket struct {
	mu     sync.Mutex
	rng    *rand.Rand
	states map[string]*MarketState
}

// NewSimMarket seeds one market per pair at the given starting price.
func NewSimMarket(pairs []string, startPrice float64, seed int64) *SimMarket {
	m := &SimMarket{
		rng:    rand.New(rand.NewSource(seed)),
		states: make(map[string]*MarketState),
	}
	for _, p := range pairs {
		m.states[p] = &MarketState{
			Pair:       p,
			Price:      startPrice,
			Volatility: 0.02,
			UpdatedAt:  time.Now(),
		}
	}
	return m
}

func (m *SimMarket) GetState(ctx context.Context, pair string) (*MarketState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[pair]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoLiquidity, pair)
	}

	// Small random walk on every read keeps quiet markets alive.
	drift := (m.rng.Float64() - 0.5) * st.Volatility * st.Price
	m.apply(st, drift)

	cp := *st
	return &cp, nil
}

// Push moves a pair's price directionally. The pressure generator and
// simulated swaps call this; magnitude is a fraction of current price.
func (m *SimMarket) Push(pair string, fraction float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.states[pair]; ok {
		m.apply(st, st.Price*fraction)
	}
}

func (m *SimMarket) apply(st *MarketState, delta float64) {
	prev := st.Price
	st.Price += delta
	if st.Price < prev*0.01 {
		st.Price = prev * 0.01 // never collapse to zero
	}
	if prev > 0 {
		st.Change24h += (st.Price - prev) / prev * 100
	}
	st.Volume += abs(delta) * 1000
	st.UpdatedAt = time.Now()
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// SimSwap fills swaps at the simulated market price with a flat fee, and
// nudges the price in the direction of the trade.
type SimSwap struct {
	market *SimMarket
	base   string
	feeBps int64
	refs   atomic.Uint64

	mu       sync.Mutex
	failNext int // inject N failures (tests, degrade paths)
}

// NewSimSwap creates a simulated swap executor over the given market.
// Pairs are quoted as "ASSET/BASE".
func NewSimSwap(market *SimMarket, baseAsset string) *SimSwap {
	return &SimSwap{market: market, base: baseAsset, feeBps: 30}
}

// FailNext makes the next n Swap calls fail. Quote is unaffected.
func (s *SimSwap) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

func (s *SimSwap) Quote(ctx context.Context, tokenIn, tokenOut string, amountIn float64) (float64, error) {
	if amountIn <= 0 {
		return 0, fmt.Errorf("%w: non-positive amount", ErrNoLiquidity)
	}

	price, err := s.pairPrice(ctx, tokenIn, tokenOut)
	if err != nil {
		return 0, err
	}

	out := amountIn * price
	out -= out * float64(s.feeBps) / 10000
	return out, nil
}

func (s *SimSwap) Swap(ctx context.Context, tokenIn, tokenOut string, amountIn float64, recipient string) (float64, TxRef, error) {
	s.mu.Lock()
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		return 0, "", ErrUnavailable
	}
	s.mu.Unlock()

	out, err := s.Quote(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return 0, "", err
	}

	// Buying the asset pushes its price up, selling pushes it down.
	if tokenIn == s.base {
		s.market.Push(tokenOut+"/"+s.base, amountIn/1e6)
	} else {
		s.market.Push(tokenIn+"/"+s.base, -amountIn/1e6)
	}

	n := s.refs.Add(1)
	return out, TxRef(fmt.Sprintf("sim-swap-%d", n)), nil
}

// pairPrice resolves the in-to-out conversion rate from the market.
// Non-base tokens are priced via their ASSET/BASE pair.
func (s *SimSwap) pairPrice(ctx context.Context, tokenIn, tokenOut string) (float64, error) {
	if tokenIn == s.base {
		st, err := s.market.GetState(ctx, tokenOut+"/"+s.base)
		if err != nil {
			return 0, err
		}
		if st.Price <= 0 {
			return 0, ErrNoLiquidity
		}
		return 1 / st.Price, nil
	}
	st, err := s.market.GetState(ctx, tokenIn+"/"+s.base)
	if err != nil {
		return 0, err
	}
	return st.Price, nil
}

// SimSigner issues deterministic synthetic transaction refs. It satisfies
// Signer for both the platform key and per-agent keys in demo mode.
type SimSigner struct {
	addr  string
	nonce atomic.Uint64

	mu       sync.Mutex
	failNext int
}

func NewSimSigner(addr string) *SimSigner {
	return &SimSigner{addr: addr}
}

func (s *SimSigner) Address() string { return s.addr }

// FailNext makes the next n Submit calls fail.
func (s *SimSigner) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

func (s *SimSigner) Submit(ctx context.Context, op Operation) (TxRef, error) {
	s.mu.Lock()
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		return "", ErrUnavailable
	}
	s.mu.Unlock()

	n := s.nonce.Add(1)
	h := sha256.Sum256(append([]byte(fmt.Sprintf("%s|%s|%d|", s.addr, op.Kind, n)), op.Data...))
	return TxRef("0x" + hex.EncodeToString(h[:])), nil
}

func (s *SimSigner) AwaitConfirmation(ctx context.Context, ref TxRef) (*Receipt, error) {
	return &Receipt{TxRef: ref, BlockNumber: s.nonce.Load(), Success: true}, nil
}

// SimEncryptor produces a stable, obviously-synthetic ciphertext: a keyed
// hash prefix plus the hex payload. Good enough to exercise the sealed-entry
// flow without a real scheme.
type SimEncryptor struct {
	key []byte
}

func NewSimEncryptor(key string) *SimEncryptor {
	return &SimEncryptor{key: []byte(key)}
}

func (e *SimEncryptor) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	mac := sha256.Sum256(append(e.key, plaintext...))
	out := make([]byte, 0, 8+len(plaintext))
	out = append(out, mac[:8]...)
	out = append(out, plaintext...)
	return []byte(hex.EncodeToString(out)), nil
}
