package bluetooth

// Phase is the current position in the escalation ladder. The ladder is
// ordered: phases only ever move forward along the successor table, never
// backward. Retry loops inside a strategy do not change Phase.
type Phase int

const (
	PhaseIdle Phase = iota

	// Tier 1: profile cleanup
	PhaseProfileCleanup
	PhaseCleanupSettle

	// Tier 2: direct connect attempts
	PhaseDirectAuto
	PhaseDirectLE
	PhaseDirectClassic
	PhaseRapidCycle
	PhaseCycleSettle

	// Tier 3: extended discovery
	PhaseExtendedWait
	PhaseAggressiveDiscovery

	// Tier 4: scan-based attempts
	PhaseCacheProbe
	PhaseProbeSettle
	PhaseScanning
	PhaseScanConnect

	// Tier 5: re-bond
	PhaseUnpair
	PhaseUnpairSettle
	PhaseRepair
	PhaseBondWait
	PhaseRebondConnect

	// Tier 6: last resort
	PhaseBlindWrite
	PhaseAdapterOff
	PhaseAdapterSettle
	PhaseAdapterOn
	PhaseFinalAttempt

	// Absorbing states
	PhaseConnected
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseIdle:                "idle",
	PhaseProfileCleanup:      "profile_cleanup",
	PhaseCleanupSettle:       "cleanup_settle",
	PhaseDirectAuto:          "direct_auto",
	PhaseDirectLE:            "direct_le",
	PhaseDirectClassic:       "direct_classic",
	PhaseRapidCycle:          "rapid_cycle",
	PhaseCycleSettle:         "cycle_settle",
	PhaseExtendedWait:        "extended_wait",
	PhaseAggressiveDiscovery: "aggressive_discovery",
	PhaseCacheProbe:          "cache_probe",
	PhaseProbeSettle:         "probe_settle",
	PhaseScanning:            "scanning",
	PhaseScanConnect:         "scan_connect",
	PhaseUnpair:              "unpair",
	PhaseUnpairSettle:        "unpair_settle",
	PhaseRepair:              "repair",
	PhaseBondWait:            "bond_wait",
	PhaseRebondConnect:       "rebond_connect",
	PhaseBlindWrite:          "blind_write",
	PhaseAdapterOff:          "adapter_off",
	PhaseAdapterSettle:       "adapter_settle",
	PhaseAdapterOn:           "adapter_on",
	PhaseFinalAttempt:        "final_attempt",
	PhaseConnected:           "connected",
	PhaseFailed:              "failed",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// Label renders the phase as one of the short status strings shown by the
// control surface.
func (p Phase) Label() string {
	switch p {
	case PhaseIdle, PhaseFailed:
		return "Disconnected"
	case PhaseScanning:
		return "Scanning"
	case PhaseExtendedWait, PhaseAggressiveDiscovery, PhaseCacheProbe, PhaseBlindWrite:
		return "Discovering"
	case PhaseConnected:
		return "Connected"
	default:
		return "Connecting"
	}
}

// Tier names the ladder tier the phase belongs to, empty for idle and the
// absorbing states.
func (p Phase) Tier() string {
	switch p {
	case PhaseProfileCleanup, PhaseCleanupSettle:
		return "profile_cleanup"
	case PhaseDirectAuto, PhaseDirectLE, PhaseDirectClassic, PhaseRapidCycle, PhaseCycleSettle:
		return "direct_connect"
	case PhaseExtendedWait, PhaseAggressiveDiscovery:
		return "extended_discovery"
	case PhaseCacheProbe, PhaseProbeSettle, PhaseScanning, PhaseScanConnect:
		return "scan"
	case PhaseUnpair, PhaseUnpairSettle, PhaseRepair, PhaseBondWait, PhaseRebondConnect:
		return "rebond"
	case PhaseBlindWrite, PhaseAdapterOff, PhaseAdapterSettle, PhaseAdapterOn, PhaseFinalAttempt:
		return "last_resort"
	default:
		return ""
	}
}

// Terminal reports whether the phase is absorbing.
func (p Phase) Terminal() bool {
	return p == PhaseConnected || p == PhaseFailed
}

// Ladder reports whether the phase is part of the escalation ladder.
func (p Phase) Ladder() bool {
	return p > PhaseIdle && p < PhaseConnected
}

// EscalationState is the bag of flags and counters that outlive individual
// phases and bias transitions. The boolean flags are monotonic within one
// connection sequence: set at most once, cleared only when the next sequence
// starts. DiscoveryRetries is scoped to the current phase and resets on every
// phase entry.
type EscalationState struct {
	DiscoveryRetries      int
	CycleCount            int
	BlindWriteEligible    bool
	RebondAttempted       bool
	AdapterResetAttempted bool
}

// nextPhase is the single transition table. It is total: every ladder phase
// has a successor, and the absorbing states map to themselves.
func nextPhase(p Phase, es *EscalationState) Phase {
	switch p {
	case PhaseIdle:
		return PhaseProfileCleanup
	case PhaseProfileCleanup:
		return PhaseCleanupSettle
	case PhaseCleanupSettle:
		return PhaseDirectAuto
	case PhaseDirectAuto:
		return PhaseDirectLE
	case PhaseDirectLE:
		return PhaseDirectClassic
	case PhaseDirectClassic:
		return PhaseRapidCycle
	case PhaseRapidCycle:
		return PhaseCycleSettle
	case PhaseCycleSettle:
		return PhaseExtendedWait
	case PhaseExtendedWait:
		return PhaseAggressiveDiscovery
	case PhaseAggressiveDiscovery:
		return PhaseCacheProbe
	case PhaseCacheProbe:
		return PhaseProbeSettle
	case PhaseProbeSettle:
		return PhaseScanning
	case PhaseScanning:
		return PhaseScanConnect
	case PhaseScanConnect:
		// Branch into re-bonding only once; after that prefer the blind
		// write probe if discovery exhaustion earned it, then the adapter
		// cycle, then the final attempt.
		switch {
		case !es.RebondAttempted:
			return PhaseUnpair
		case es.BlindWriteEligible:
			return PhaseBlindWrite
		case !es.AdapterResetAttempted:
			return PhaseAdapterOff
		default:
			return PhaseFinalAttempt
		}
	case PhaseUnpair:
		return PhaseUnpairSettle
	case PhaseUnpairSettle:
		return PhaseRepair
	case PhaseRepair:
		return PhaseBondWait
	case PhaseBondWait:
		return PhaseRebondConnect
	case PhaseRebondConnect:
		switch {
		case es.BlindWriteEligible:
			return PhaseBlindWrite
		case !es.AdapterResetAttempted:
			return PhaseAdapterOff
		default:
			return PhaseFinalAttempt
		}
	case PhaseBlindWrite:
		if !es.AdapterResetAttempted {
			return PhaseAdapterOff
		}
		return PhaseFinalAttempt
	case PhaseAdapterOff:
		return PhaseAdapterSettle
	case PhaseAdapterSettle:
		return PhaseAdapterOn
	case PhaseAdapterOn:
		return PhaseFinalAttempt
	case PhaseFinalAttempt:
		// The only path into the terminal failure state.
		return PhaseFailed
	case PhaseConnected:
		return PhaseConnected
	case PhaseFailed:
		return PhaseFailed
	default:
		return PhaseFailed
	}
}

// entryPhase picks where a fresh sequence starts: bonded targets walk the
// full ladder, unbonded targets go straight to scanning.
func entryPhase(bonded bool) Phase {
	if bonded {
		return PhaseProfileCleanup
	}
	return PhaseScanning
}
