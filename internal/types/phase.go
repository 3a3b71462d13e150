// internal/types/phase.go
package types

import "fmt"

// Phase is the procedural stage of an injection. The declaration order is the
// forward order of the procedure; Aborted sits outside that order.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSiteDetection
	PhasePositioning
	PhaseInjecting
	PhaseWithdrawal
	PhaseComplete
	PhaseAborted
)

var phaseNames = [...]string{
	PhaseIdle:          "idle",
	PhaseSiteDetection: "site_detection",
	PhasePositioning:   "positioning",
	PhaseInjecting:     "injecting",
	PhaseWithdrawal:    "withdrawal",
	PhaseComplete:      "complete",
	PhaseAborted:       "aborted",
}

// Valid reports whether p is one of the declared phases.
func (p Phase) Valid() bool {
	return p >= PhaseIdle && p <= PhaseAborted
}

// Terminal reports whether no forward transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseAborted
}

func (p Phase) String() string {
	if !p.Valid() {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid phase %d", int(p))
	}
	return []byte(phaseNames[p]), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePhase is the inverse of Phase.String.
func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if name == s {
			return Phase(i), nil
		}
	}
	return PhaseIdle, fmt.Errorf("unknown phase %q", s)
}
