package onboarding

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/arena/internal/agent"
	"github.com/mbd888/arena/internal/arena"
	"github.com/mbd888/arena/internal/budget"
	"github.com/mbd888/arena/internal/events"
	"github.com/mbd888/arena/internal/ports"
	"github.com/mbd888/arena/internal/wallet"
)

func testPipeline(t *testing.T) (*Pipeline, *ports.SimSigner, *budget.Ledger, *events.Bus) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	backend, err := wallet.NewBackend(wallet.Config{ChainID: 84532, TokenContract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"})
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	platform := ports.NewSimSigner("0xplatform")
	funds := budget.NewLedger()
	bus := events.NewBus(logger)

	p := New(
		wallet.NewProvisioner(backend),
		wallet.NewFunder(platform, logger),
		platform,
		ports.NewSimEncryptor("test-key"),
		funds,
		bus,
		logger,
	)
	return p, platform, funds, bus
}

func lobby(n int) []*agent.LobbyAgent {
	out := make([]*agent.LobbyAgent, n)
	names := []string{"alice", "bob", "carol", "dave"}
	for i := range out {
		out[i] = agent.NewLobbyAgent(
			"ag_"+names[i%len(names)], names[i%len(names)],
			agent.Archetypes()[i%4], i == 0)
	}
	return out
}

func TestRunOnboardsAllAgents(t *testing.T) {
	p, _, funds, _ := testPipeline(t)
	ar := arena.NewArena(arena.Config{StartingBalance: 100, GraceTimeout: 10 * time.Second})
	agents := lobby(4)

	res, err := p.Run(context.Background(), ar, agents)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Ready) != 4 || len(res.Skipped) != 0 {
		t.Fatalf("ready=%d skipped=%d", len(res.Ready), len(res.Skipped))
	}

	for i, a := range agents {
		if !a.Ready() {
			t.Errorf("agent %s not ready, step=%s", a.ID, a.Step())
		}
		if a.EntryIndex() != i {
			t.Errorf("agent %s entry index = %d, want %d (strict order)", a.ID, a.EntryIndex(), i)
		}
		if a.Wallet() == "" || a.JoinTx() == "" {
			t.Errorf("agent %s missing wallet/join refs", a.ID)
		}
		if got := funds.Available(a.ID); got != budget.FromFloat(100) {
			t.Errorf("agent %s budget = %s, want 100", a.ID, got)
		}
	}
	if ar.EntryCount() != 4 {
		t.Fatalf("arena entries = %d", ar.EntryCount())
	}
}

// joinFailSigner fails the first n join-kind submissions and passes
// everything else through.
type joinFailSigner struct {
	*ports.SimSigner
	failJoins int
}

func (s *joinFailSigner) Submit(ctx context.Context, op ports.Operation) (ports.TxRef, error) {
	if op.Kind == wallet.OpJoin && s.failJoins > 0 {
		s.failJoins--
		return "", ports.ErrUnavailable
	}
	return s.SimSigner.Submit(ctx, op)
}

func TestFailedJoinForcesReadyWithoutBlocking(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	backend, err := wallet.NewBackend(wallet.Config{ChainID: 84532, TokenContract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"})
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	platform := &joinFailSigner{SimSigner: ports.NewSimSigner("0xplatform"), failJoins: 1}
	p := New(
		wallet.NewProvisioner(backend),
		wallet.NewFunder(platform, logger),
		platform,
		ports.NewSimEncryptor("test-key"),
		budget.NewLedger(),
		events.NewBus(logger),
		logger,
	)
	ar := arena.NewArena(arena.Config{GraceTimeout: 10 * time.Second})
	agents := lobby(3)

	res, err := p.Run(context.Background(), ar, agents)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Ready) != 3 {
		t.Fatalf("ready = %d, want all 3", len(res.Ready))
	}

	first := agents[0]
	if !first.Ready() {
		t.Fatalf("first agent should be forced ready, step=%s", first.Step())
	}
	if first.JoinTx() != "" {
		t.Fatal("failed join must not leave a join ref")
	}
	// A join that never succeeded gets no arena entry.
	if _, ok := ar.Entry(first.ID); ok {
		t.Fatal("failed join must not append an entry")
	}
	if first.EntryIndex() != -1 {
		t.Fatalf("entry index = %d, want -1", first.EntryIndex())
	}
	if ar.EntryCount() != 2 {
		t.Fatalf("arena entries = %d, want 2", ar.EntryCount())
	}

	// The rest joined cleanly behind it and hold the only entries.
	for _, a := range agents[1:] {
		if a.JoinTx() == "" {
			t.Errorf("agent %s should have joined cleanly", a.ID)
		}
		if _, ok := ar.Entry(a.ID); !ok {
			t.Errorf("agent %s should hold an entry", a.ID)
		}
	}
}

func TestStepEventsEmittedExactlyOnce(t *testing.T) {
	p, _, _, bus := testPipeline(t)
	ar := arena.NewArena(arena.Config{GraceTimeout: 10 * time.Second})
	agents := lobby(1)

	if _, err := p.Run(context.Background(), ar, agents); err != nil {
		t.Fatalf("run: %v", err)
	}

	seen := map[string]int{}
	for _, e := range bus.Since(0, ar.ID) {
		if e.Type != events.TypeStepProgress {
			continue
		}
		step, _ := e.Data["step"].(string)
		seen[step]++
	}
	for _, step := range []string{"provisioned", "funded", "registered", "encrypted", "joined", "ready"} {
		if seen[step] != 1 {
			t.Errorf("step %q reported %d times, want 1", step, seen[step])
		}
	}
}

func TestGraceTimeoutSkipsRemainder(t *testing.T) {
	p, _, _, _ := testPipeline(t)
	ar := arena.NewArena(arena.Config{GraceTimeout: time.Nanosecond})
	agents := lobby(2)

	// With an already-expired grace window nothing can onboard.
	time.Sleep(time.Millisecond)
	res, err := p.Run(context.Background(), ar, agents)
	if err == nil {
		t.Fatalf("expected error when nobody onboards, got ready=%d", len(res.Ready))
	}
	if len(res.Skipped) != 2 {
		t.Fatalf("skipped = %d, want 2", len(res.Skipped))
	}
}
