// Package events is the arena telemetry stream: an ordered, append-only
// sequence of typed records consumed by observers (HTTP pollers, the
// WebSocket hub, logs). Ordering is global: every published event gets a
// monotonically increasing sequence number.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/arena/internal/idgen"
)

// Type is the event vocabulary.
type Type string

const (
	TypeStepProgress Type = "step_progress"
	TypeAnalyzing    Type = "analyzing"
	TypeDecision     Type = "decision"
	TypeTrade        Type = "trade_executed"
	TypeHold         Type = "hold"
	TypeStopped      Type = "stopped"
	TypeError        Type = "error"
	TypeLeaderboard  Type = "settlement_leaderboard"
	TypePhaseChange  Type = "phase_change"
	TypePressure     Type = "market_pressure"
)

// Event is one telemetry record.
type Event struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	Type      Type           `json:"type"`
	ArenaID   string         `json:"arenaId,omitempty"`
	AgentID   string         `json:"agentId,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives every published event. The WebSocket hub is one sink.
type Sink interface {
	Deliver(e *Event)
}

// DefaultBufferSize is how many recent events the bus retains for pollers.
const DefaultBufferSize = 1024

// Bus assigns sequence numbers, retains a ring of recent events, and fans
// out to sinks. Publish never blocks on a slow consumer.
type Bus struct {
	mu     sync.RWMutex
	seq    uint64
	buf    []*Event // ring, len == cap once full
	next   int      // next write position
	full   bool
	sinks  []Sink
	logger *slog.Logger
}

// NewBus creates a bus retaining DefaultBufferSize recent events.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		buf:    make([]*Event, DefaultBufferSize),
		logger: logger,
	}
}

// AddSink registers a sink for all future events.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish stamps and appends an event, then fans it out.
func (b *Bus) Publish(e *Event) {
	b.mu.Lock()
	b.seq++
	e.Seq = b.seq
	if e.ID == "" {
		e.ID = idgen.WithPrefix("evt_")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.buf[b.next] = e
	b.next++
	if b.next == len(b.buf) {
		b.next = 0
		b.full = true
	}
	sinks := b.sinks
	b.mu.Unlock()

	for _, s := range sinks {
		s.Deliver(e)
	}
}

// Emit is the convenience form used by most call sites.
func (b *Bus) Emit(t Type, arenaID, agentID, message string, data map[string]any) {
	b.Publish(&Event{Type: t, ArenaID: arenaID, AgentID: agentID, Message: message, Data: data})
}

// Since returns buffered events with Seq > after, oldest first, optionally
// filtered by arena. Events older than the ring are gone; callers that need
// the full history must consume live.
func (b *Bus) Since(after uint64, arenaID string) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Event
	appendMatch := func(e *Event) {
		if e == nil || e.Seq <= after {
			return
		}
		if arenaID != "" && e.ArenaID != arenaID {
			return
		}
		out = append(out, e)
	}

	if b.full {
		for i := b.next; i < len(b.buf); i++ {
			appendMatch(b.buf[i])
		}
	}
	for i := 0; i < b.next; i++ {
		appendMatch(b.buf[i])
	}
	return out
}

// LastSeq returns the sequence number of the most recent event.
func (b *Bus) LastSeq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}
