package agent

// RiskProfile bounds what an archetype will put at stake on a single trade
// and when its loop halts trading for the rest of the round.
type RiskProfile struct {
	// StopLossBps caps the simulated per-trade loss.
	StopLossBps int64
	// TakeProfitBps caps the simulated per-trade gain.
	TakeProfitBps int64
	// MaxDrawdownBps stops the agent once running P&L falls below -MaxDrawdownBps.
	MaxDrawdownBps int64
	// Aggression scales the fraction of a holding spent per trade, 0..1.
	Aggression float64
	// IntelAppetite is the chance per decision that the agent shops for
	// rival intel before committing, 0..1.
	IntelAppetite float64
}

const (
	ArchetypeAggressive   = "aggressive"
	ArchetypeConservative = "conservative"
	ArchetypeContrarian   = "contrarian"
	ArchetypeMomentum     = "momentum"
)

var profiles = map[string]RiskProfile{
	ArchetypeAggressive: {
		StopLossBps:    800,
		TakeProfitBps:  1500,
		MaxDrawdownBps: 3000,
		Aggression:     0.6,
		IntelAppetite:  0.35,
	},
	ArchetypeConservative: {
		StopLossBps:    300,
		TakeProfitBps:  600,
		MaxDrawdownBps: 1200,
		Aggression:     0.2,
		IntelAppetite:  0.1,
	},
	ArchetypeContrarian: {
		StopLossBps:    500,
		TakeProfitBps:  1000,
		MaxDrawdownBps: 2000,
		Aggression:     0.4,
		IntelAppetite:  0.5,
	},
	ArchetypeMomentum: {
		StopLossBps:    500,
		TakeProfitBps:  1200,
		MaxDrawdownBps: 2000,
		Aggression:     0.45,
		IntelAppetite:  0.25,
	},
}

// ProfileFor returns the risk profile for an archetype, falling back to
// conservative for anything unrecognized.
func ProfileFor(archetype string) RiskProfile {
	if p, ok := profiles[archetype]; ok {
		return p
	}
	return profiles[ArchetypeConservative]
}

// Archetypes lists the known archetype names in a stable order.
func Archetypes() []string {
	return []string{ArchetypeAggressive, ArchetypeConservative, ArchetypeContrarian, ArchetypeMomentum}
}
