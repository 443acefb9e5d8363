package intel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mbd888/arena/internal/budget"
	"github.com/mbd888/arena/internal/ports"
)

func testMarketplace(t *testing.T, price budget.Micros) (*Marketplace, *budget.Ledger) {
	t.Helper()
	funds := budget.NewLedger()
	m := NewMarketplace("arn_test", price, funds, slog.New(slog.DiscardHandler))
	return m, funds
}

func TestPurchaseDebitsAndDelivers(t *testing.T) {
	m, funds := testMarketplace(t, budget.FromFloat(5))
	funds.Grant("ag_buyer", budget.FromFloat(20))

	m.Publish(&ports.Intel{
		SellerID:   "ag_seller",
		Pair:       "SOL/USDC",
		Direction:  ports.DirectionBuy,
		Confidence: 0.8,
		CreatedAt:  time.Now(),
	})

	intel, err := m.Purchase(context.Background(), "ag_buyer", "ag_seller")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if intel.Pair != "SOL/USDC" || intel.Direction != ports.DirectionBuy {
		t.Fatalf("intel = %+v", intel)
	}
	if got := funds.Available("ag_buyer"); got != budget.FromFloat(15) {
		t.Fatalf("buyer balance = %s, want 15", got)
	}
	if got := len(m.Purchases()); got != 1 {
		t.Fatalf("purchase log size = %d, want 1", got)
	}
}

func TestPurchaseRefundsWhenUndeliverable(t *testing.T) {
	m, funds := testMarketplace(t, budget.FromFloat(5))
	funds.Grant("ag_buyer", budget.FromFloat(20))

	_, err := m.Purchase(context.Background(), "ag_buyer", "ag_ghost")
	if !errors.Is(err, ErrNoAnalysis) {
		t.Fatalf("err = %v, want ErrNoAnalysis", err)
	}
	if got := funds.Available("ag_buyer"); got != budget.FromFloat(20) {
		t.Fatalf("buyer balance after refund = %s, want 20", got)
	}
	if got := len(m.Purchases()); got != 0 {
		t.Fatalf("failed purchase logged: %d entries", got)
	}
}

func TestPurchaseRejectsWithoutBudget(t *testing.T) {
	m, funds := testMarketplace(t, budget.FromFloat(5))
	funds.Grant("ag_buyer", budget.FromFloat(2))
	m.Publish(&ports.Intel{SellerID: "ag_seller", Pair: "ETH/USDC", Direction: ports.DirectionSell})

	if _, err := m.Purchase(context.Background(), "ag_buyer", "ag_seller"); err == nil {
		t.Fatal("expected budget rejection")
	}
}

func TestPurchaseRejectsSelfDealing(t *testing.T) {
	m, _ := testMarketplace(t, budget.FromFloat(5))
	if _, err := m.Purchase(context.Background(), "ag_1", "ag_1"); !errors.Is(err, ErrSelfDealing) {
		t.Fatalf("err = %v, want ErrSelfDealing", err)
	}
}

func TestRemoteSellerFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ports.Intel{
			Pair:       "ETH/USDC",
			Direction:  ports.DirectionSell,
			Confidence: 0.6,
			Summary:    "distribution at range highs",
		})
	}))
	defer srv.Close()

	m, funds := testMarketplace(t, budget.FromFloat(1))
	funds.Grant("ag_buyer", budget.FromFloat(10))
	m.SetFetcher(http.DefaultClient)
	m.RegisterRemoteSeller("ext_oracle", srv.URL)

	intel, err := m.Purchase(context.Background(), "ag_buyer", "ext_oracle")
	if err != nil {
		t.Fatalf("remote purchase: %v", err)
	}
	if intel.SellerID != "ext_oracle" || intel.Pair != "ETH/USDC" {
		t.Fatalf("intel = %+v", intel)
	}
}

func TestRemoteSellerCircuitOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m, funds := testMarketplace(t, budget.FromFloat(1))
	funds.Grant("ag_buyer", budget.FromFloat(100))
	m.SetFetcher(http.DefaultClient)
	m.RegisterRemoteSeller("ext_flaky", srv.URL)

	// Trip the breaker with consecutive failures.
	for i := 0; i < 3; i++ {
		if _, err := m.Purchase(context.Background(), "ag_buyer", "ext_flaky"); err == nil {
			t.Fatal("expected failure from 500 upstream")
		}
	}
	_, err := m.Purchase(context.Background(), "ag_buyer", "ext_flaky")
	if !errors.Is(err, ErrSellerDown) {
		t.Fatalf("err = %v, want ErrSellerDown after breaker trips", err)
	}
	// Every failed attempt was refunded.
	if got := funds.Available("ag_buyer"); got != budget.FromFloat(100) {
		t.Fatalf("buyer balance = %s, want 100", got)
	}
}
