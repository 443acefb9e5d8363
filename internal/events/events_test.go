package events

import (
	"io"
	"log/slog"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureSink struct {
	mu     sync.Mutex
	events []*Event
}

func (c *captureSink) Deliver(e *Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func TestPublishAssignsSequence(t *testing.T) {
	bus := NewBus(testLogger())

	bus.Emit(TypeTrade, "arn_1", "ag_1", "first", nil)
	bus.Emit(TypeHold, "arn_1", "ag_1", "second", nil)
	bus.Emit(TypeTrade, "arn_1", "ag_2", "third", nil)

	evs := bus.Since(0, "")
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evs))
	}
	for i, e := range evs {
		if e.Seq != uint64(i+1) {
			t.Errorf("event %d: seq = %d, want %d", i, e.Seq, i+1)
		}
		if e.ID == "" {
			t.Errorf("event %d: missing ID", i)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("event %d: missing timestamp", i)
		}
	}
	if bus.LastSeq() != 3 {
		t.Errorf("LastSeq = %d, want 3", bus.LastSeq())
	}
}

func TestSinceFiltersByArenaAndSeq(t *testing.T) {
	bus := NewBus(testLogger())

	bus.Emit(TypeTrade, "arn_a", "ag_1", "a1", nil)
	bus.Emit(TypeTrade, "arn_b", "ag_2", "b1", nil)
	bus.Emit(TypeHold, "arn_a", "ag_1", "a2", nil)

	got := bus.Since(0, "arn_a")
	if len(got) != 2 {
		t.Fatalf("expected 2 events for arn_a, got %d", len(got))
	}
	if got[0].Message != "a1" || got[1].Message != "a2" {
		t.Errorf("wrong events: %q, %q", got[0].Message, got[1].Message)
	}

	got = bus.Since(got[0].Seq, "arn_a")
	if len(got) != 1 || got[0].Message != "a2" {
		t.Fatalf("since filter broken, got %d events", len(got))
	}
}

func TestRingEvictsOldest(t *testing.T) {
	bus := NewBus(testLogger())

	total := DefaultBufferSize + 10
	for i := 0; i < total; i++ {
		bus.Emit(TypeHold, "arn_1", "ag_1", "tick", nil)
	}

	evs := bus.Since(0, "")
	if len(evs) != DefaultBufferSize {
		t.Fatalf("expected ring to hold %d events, got %d", DefaultBufferSize, len(evs))
	}
	if evs[0].Seq != uint64(total-DefaultBufferSize+1) {
		t.Errorf("oldest retained seq = %d, want %d", evs[0].Seq, total-DefaultBufferSize+1)
	}
	if evs[len(evs)-1].Seq != uint64(total) {
		t.Errorf("newest seq = %d, want %d", evs[len(evs)-1].Seq, total)
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].Seq != evs[i-1].Seq+1 {
			t.Fatalf("gap in ring ordering at %d: %d then %d", i, evs[i-1].Seq, evs[i].Seq)
		}
	}
}

func TestSinkReceivesEveryEvent(t *testing.T) {
	bus := NewBus(testLogger())
	sink := &captureSink{}
	bus.AddSink(sink)

	bus.Emit(TypeDecision, "arn_1", "ag_1", "buy", map[string]any{"pair": "SOL/USDC"})
	bus.Emit(TypePressure, "arn_1", "", "surge", nil)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 2 {
		t.Fatalf("sink got %d events, want 2", len(sink.events))
	}
	if sink.events[0].Type != TypeDecision || sink.events[1].Type != TypePressure {
		t.Errorf("sink got wrong types: %s, %s", sink.events[0].Type, sink.events[1].Type)
	}
	if sink.events[0].Data["pair"] != "SOL/USDC" {
		t.Errorf("event data not preserved")
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewBus(testLogger())

	const goroutines = 8
	const perGoroutine = 50

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				bus.Emit(TypeTrade, "arn_1", "ag_1", "t", nil)
			}
		}()
	}
	wg.Wait()

	if bus.LastSeq() != goroutines*perGoroutine {
		t.Errorf("LastSeq = %d, want %d", bus.LastSeq(), goroutines*perGoroutine)
	}

	evs := bus.Since(0, "")
	seen := make(map[uint64]bool, len(evs))
	for _, e := range evs {
		if seen[e.Seq] {
			t.Fatalf("duplicate seq %d", e.Seq)
		}
		seen[e.Seq] = true
	}
}

func TestClientSubscriptionFilter(t *testing.T) {
	tests := []struct {
		name  string
		sub   Subscription
		event *Event
		want  bool
	}{
		{"all events", Subscription{AllEvents: true}, &Event{Type: TypeTrade, ArenaID: "arn_x"}, true},
		{"arena match", Subscription{ArenaID: "arn_1"}, &Event{Type: TypeTrade, ArenaID: "arn_1"}, true},
		{"arena mismatch", Subscription{ArenaID: "arn_1"}, &Event{Type: TypeTrade, ArenaID: "arn_2"}, false},
		{"type match", Subscription{Types: []Type{TypeTrade, TypeHold}}, &Event{Type: TypeHold}, true},
		{"type mismatch", Subscription{Types: []Type{TypeTrade}}, &Event{Type: TypePressure}, false},
		{"agent match", Subscription{AgentIDs: []string{"ag_1"}}, &Event{Type: TypeTrade, AgentID: "ag_1"}, true},
		{"agent mismatch", Subscription{AgentIDs: []string{"ag_1"}}, &Event{Type: TypeTrade, AgentID: "ag_2"}, false},
		{"combined match", Subscription{ArenaID: "arn_1", Types: []Type{TypeTrade}}, &Event{Type: TypeTrade, ArenaID: "arn_1"}, true},
		{"combined type fails", Subscription{ArenaID: "arn_1", Types: []Type{TypeTrade}}, &Event{Type: TypeHold, ArenaID: "arn_1"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{sub: tt.sub}
			if got := c.wants(tt.event); got != tt.want {
				t.Errorf("wants() = %v, want %v", got, tt.want)
			}
		})
	}
}
