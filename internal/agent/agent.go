// Package agent holds the per-agent state the arena orchestrates: the
// onboarding record (LobbyAgent), the in-round runtime state driving the
// decision loop, and archetype risk profiles.
package agent

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrStepRegression = errors.New("agent: readiness step cannot regress")

// ReadinessStep is the ordered onboarding progression. Steps only move
// forward; an agent cannot reach StepReady except through this order.
type ReadinessStep int

const (
	StepPending ReadinessStep = iota
	StepProvisioned
	StepFunded
	StepRegistered
	StepEncrypted
	StepJoined
	StepReady
)

func (s ReadinessStep) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepProvisioned:
		return "provisioned"
	case StepFunded:
		return "funded"
	case StepRegistered:
		return "registered"
	case StepEncrypted:
		return "encrypted"
	case StepJoined:
		return "joined"
	case StepReady:
		return "ready"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// LobbyAgent is an agent's onboarding record. Wallet and identity
// references are populated incrementally as steps complete.
type LobbyAgent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Archetype string `json:"archetype"`
	Owned     bool   `json:"owned"` // user-controlled vs system-generated

	mu            sync.RWMutex
	step          ReadinessStep
	stepChangedAt time.Time
	walletAddr    string
	identityTx    string
	joinTx        string
	entryIndex    int
}

// NewLobbyAgent creates an agent at StepPending.
func NewLobbyAgent(id, name, archetype string, owned bool) *LobbyAgent {
	return &LobbyAgent{
		ID:            id,
		Name:          name,
		Archetype:     archetype,
		Owned:         owned,
		step:          StepPending,
		stepChangedAt: time.Now(),
		entryIndex:    -1,
	}
}

// Step returns the current readiness step.
func (a *LobbyAgent) Step() ReadinessStep {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.step
}

// Advance moves to the given step. Moving backward is an error; re-asserting
// the current step is a no-op (returns false, nil) so each transition is
// reported exactly once by the caller.
func (a *LobbyAgent) Advance(to ReadinessStep) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if to < a.step {
		return false, fmt.Errorf("%w: %s -> %s", ErrStepRegression, a.step, to)
	}
	if to == a.step {
		return false, nil
	}
	a.step = to
	a.stepChangedAt = time.Now()
	return true, nil
}

// Ready reports whether the agent finished onboarding.
func (a *LobbyAgent) Ready() bool { return a.Step() == StepReady }

// SetWallet records the provisioned wallet address.
func (a *LobbyAgent) SetWallet(addr string) {
	a.mu.Lock()
	a.walletAddr = addr
	a.mu.Unlock()
}

// Wallet returns the provisioned wallet address, if any.
func (a *LobbyAgent) Wallet() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.walletAddr
}

// SetIdentityTx records the identity registration transaction reference.
func (a *LobbyAgent) SetIdentityTx(ref string) {
	a.mu.Lock()
	a.identityTx = ref
	a.mu.Unlock()
}

// SetJoinTx records the join-arena transaction reference.
func (a *LobbyAgent) SetJoinTx(ref string) {
	a.mu.Lock()
	a.joinTx = ref
	a.mu.Unlock()
}

// JoinTx returns the join transaction reference ("" if the join never succeeded).
func (a *LobbyAgent) JoinTx() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.joinTx
}

// SetEntryIndex records the agent's stable entry position.
func (a *LobbyAgent) SetEntryIndex(i int) {
	a.mu.Lock()
	a.entryIndex = i
	a.mu.Unlock()
}

// EntryIndex returns the agent's entry position, or -1 before joining.
func (a *LobbyAgent) EntryIndex() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.entryIndex
}

// Snapshot is an immutable view for handlers and telemetry.
type Snapshot struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Archetype     string        `json:"archetype"`
	Owned         bool          `json:"owned"`
	Step          string        `json:"step"`
	StepChangedAt time.Time     `json:"stepChangedAt"`
	WalletAddr    string        `json:"walletAddr,omitempty"`
	EntryIndex    int           `json:"entryIndex"`
	StepValue     ReadinessStep `json:"-"`
}

// Snapshot returns a consistent copy of the agent's onboarding state.
func (a *LobbyAgent) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Snapshot{
		ID:            a.ID,
		Name:          a.Name,
		Archetype:     a.Archetype,
		Owned:         a.Owned,
		Step:          a.step.String(),
		StepChangedAt: a.stepChangedAt,
		WalletAddr:    a.walletAddr,
		EntryIndex:    a.entryIndex,
		StepValue:     a.step,
	}
}
