package asset

import "fmt"

// Phase is the lifecycle state of a Component.
type Phase int

const (
	PhaseUnmounted Phase = iota
	PhaseLoading
	PhaseReady
	PhaseDragging
	PhaseFailed
	PhaseDestroyed
)

var phaseNames = [...]string{
	PhaseUnmounted: "unmounted",
	PhaseLoading:   "loading",
	PhaseReady:     "ready",
	PhaseDragging:  "dragging",
	PhaseFailed:    "failed",
	PhaseDestroyed: "destroyed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(text []byte) error {
	for i, name := range phaseNames {
		if name == string(text) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// transitions lists the legal successors of each phase. Destroyed is terminal.
var transitions = map[Phase][]Phase{
	PhaseUnmounted: {PhaseLoading, PhaseDestroyed},
	PhaseLoading:   {PhaseReady, PhaseFailed, PhaseDestroyed},
	PhaseReady:     {PhaseDragging, PhaseDestroyed},
	PhaseDragging:  {PhaseReady, PhaseDestroyed},
	PhaseFailed:    {PhaseDestroyed},
}

func canTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
