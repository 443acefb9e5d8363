package arena

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/arena/internal/idgen"
)

// Phase is the lifecycle stage of an arena. Transitions are forward-only:
// lobby -> trading -> reveal -> settled.
type Phase string

const (
	PhaseLobby   Phase = "lobby"
	PhaseTrading Phase = "trading"
	PhaseReveal  Phase = "reveal"
	PhaseSettled Phase = "settled"
)

var phaseOrder = map[Phase]int{
	PhaseLobby:   0,
	PhaseTrading: 1,
	PhaseReveal:  2,
	PhaseSettled: 3,
}

var (
	ErrNotInLobby      = errors.New("arena is past the lobby phase")
	ErrArenaFull       = errors.New("arena is at capacity")
	ErrAlreadyEntered  = errors.New("agent already has an entry")
	ErrAlreadyResolved = errors.New("arena already resolved")
	ErrNotFound        = errors.New("arena not found")
)

// Config carries the per-arena knobs. NewArena applies defaults for any
// zero field.
type Config struct {
	Duration        time.Duration
	TickInterval    time.Duration
	MaxAgents       int
	Pairs           []string
	BaseAsset       string
	StartingBalance float64
	GraceTimeout    time.Duration
	MaxDrawdownBps  int64
	IntelPrice      float64
}

// DefaultConfig returns the stock short-round settings.
func DefaultConfig() Config {
	return Config{
		Duration:        3 * time.Minute,
		TickInterval:    5 * time.Second,
		MaxAgents:       8,
		Pairs:           []string{"SOL/USDC", "ETH/USDC"},
		BaseAsset:       "USDC",
		StartingBalance: 500,
		GraceTimeout:    45 * time.Second,
		MaxDrawdownBps:  3000,
		IntelPrice:      5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Duration <= 0 {
		c.Duration = d.Duration
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.MaxAgents <= 0 {
		c.MaxAgents = d.MaxAgents
	}
	if len(c.Pairs) == 0 {
		c.Pairs = d.Pairs
	}
	if c.BaseAsset == "" {
		c.BaseAsset = d.BaseAsset
	}
	if c.StartingBalance <= 0 {
		c.StartingBalance = d.StartingBalance
	}
	if c.GraceTimeout <= 0 {
		c.GraceTimeout = d.GraceTimeout
	}
	if c.MaxDrawdownBps <= 0 {
		c.MaxDrawdownBps = d.MaxDrawdownBps
	}
	if c.IntelPrice <= 0 {
		c.IntelPrice = d.IntelPrice
	}
}

// Entry is one agent's slot in an arena. Index is the append order and
// doubles as the on-chain entry index when the join transaction landed.
type Entry struct {
	AgentID    string    `json:"agentId"`
	AgentName  string    `json:"agentName"`
	Archetype  string    `json:"archetype"`
	Index      int       `json:"index"`
	Ciphertext string    `json:"-"`
	Encrypted  bool      `json:"encrypted"`
	JoinTxRef  string    `json:"joinTxRef,omitempty"`
	TradeCount int       `json:"tradeCount"`
	PnLBps     int64     `json:"pnlBps"`
	Revealed   bool      `json:"revealed"`
	JoinedAt   time.Time `json:"joinedAt"`
}

// Arena is one round of the competition. All state mutation goes through
// its methods; callers never hold references into its internals.
type Arena struct {
	ID        string
	Config    Config
	CreatedAt time.Time

	mu         sync.RWMutex
	phase      Phase
	entries    []Entry
	byAgent    map[string]int
	startedAt  time.Time
	deadline   time.Time
	resolvedAt time.Time
	resolveBy  string
}

// NewArena allocates an arena in the lobby phase.
func NewArena(cfg Config) *Arena {
	cfg.applyDefaults()
	return &Arena{
		ID:        idgen.WithPrefix("arn_"),
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
		phase:     PhaseLobby,
		byAgent:   make(map[string]int),
	}
}

// Phase returns the current phase.
func (a *Arena) Phase() Phase {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.phase
}

// transition moves the phase forward. Backward or same-phase moves return
// an error naming both phases.
func (a *Arena) transition(to Phase) error {
	if phaseOrder[to] <= phaseOrder[a.phase] {
		return fmt.Errorf("invalid phase transition %s -> %s", a.phase, to)
	}
	a.phase = to
	return nil
}

// AppendEntry adds an agent to the lobby. Entries are rejected once trading
// begins, when the arena is full, or when the agent is already present.
func (a *Arena) AppendEntry(e Entry) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.phase != PhaseLobby {
		return 0, ErrNotInLobby
	}
	if len(a.entries) >= a.Config.MaxAgents {
		return 0, ErrArenaFull
	}
	if _, dup := a.byAgent[e.AgentID]; dup {
		return 0, ErrAlreadyEntered
	}

	e.Index = len(a.entries)
	e.JoinedAt = time.Now().UTC()
	a.entries = append(a.entries, e)
	a.byAgent[e.AgentID] = e.Index
	return e.Index, nil
}

// BeginTrading moves the arena out of the lobby and fixes the round deadline.
func (a *Arena) BeginTrading() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.transition(PhaseTrading); err != nil {
		return err
	}
	a.startedAt = time.Now().UTC()
	a.deadline = a.startedAt.Add(a.Config.Duration)
	return nil
}

// BeginReveal moves the arena into the reveal phase. Settlement calls this
// before computing final standings so that no trades land mid-settlement.
func (a *Arena) BeginReveal(trigger string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.phase == PhaseReveal || a.phase == PhaseSettled {
		return ErrAlreadyResolved
	}
	if err := a.transition(PhaseReveal); err != nil {
		return err
	}
	a.resolvedAt = time.Now().UTC()
	a.resolveBy = trigger
	return nil
}

// MarkSettled completes the lifecycle after settlement has run.
func (a *Arena) MarkSettled() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transition(PhaseSettled)
}

// Deadline returns when the trading phase ends; zero until trading begins.
func (a *Arena) Deadline() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.deadline
}

// StartedAt returns when trading began; zero until then.
func (a *Arena) StartedAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.startedAt
}

// ResolveTrigger reports what ended the round ("deadline", "manual", ...)
// once the arena has left the trading phase.
func (a *Arena) ResolveTrigger() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.resolveBy
}

// Entries returns a copy of the entry list in join order.
func (a *Arena) Entries() []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Entry returns one agent's entry.
func (a *Arena) Entry(agentID string) (Entry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	i, ok := a.byAgent[agentID]
	if !ok {
		return Entry{}, false
	}
	return a.entries[i], true
}

// EntryCount returns the number of entries.
func (a *Arena) EntryCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// UpdateEntry applies fn to one agent's entry under the lock.
func (a *Arena) UpdateEntry(agentID string, fn func(*Entry)) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	i, ok := a.byAgent[agentID]
	if !ok {
		return false
	}
	fn(&a.entries[i])
	return true
}

// Snapshot is the external view of an arena.
type Snapshot struct {
	ID         string    `json:"id"`
	Phase      Phase     `json:"phase"`
	Pairs      []string  `json:"pairs"`
	BaseAsset  string    `json:"baseAsset"`
	MaxAgents  int       `json:"maxAgents"`
	EntryCount int       `json:"entryCount"`
	CreatedAt  time.Time `json:"createdAt"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	Deadline   time.Time `json:"deadline,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy string    `json:"resolvedBy,omitempty"`
}

// Snapshot returns a copy of the arena's public state.
func (a *Arena) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Snapshot{
		ID:         a.ID,
		Phase:      a.phase,
		Pairs:      a.Config.Pairs,
		BaseAsset:  a.Config.BaseAsset,
		MaxAgents:  a.Config.MaxAgents,
		EntryCount: len(a.entries),
		CreatedAt:  a.CreatedAt,
		StartedAt:  a.startedAt,
		Deadline:   a.deadline,
		ResolvedAt: a.resolvedAt,
		ResolvedBy: a.resolveBy,
	}
}
