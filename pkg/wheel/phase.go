package wheel

import (
	"fmt"
	"strings"
)

// Phase is a named state in the spoke lifecycle.
type Phase uint8

const (
	Born Phase = iota
	Gated
	Attested
	Executing
	Sealed
	Dead
)

// phases lists every declared phase in lifecycle order.
var phases = [...]Phase{Born, Gated, Attested, Executing, Sealed, Dead}

// String implements fmt.Stringer for Phase.
func (p Phase) String() string {
	switch p {
	case Born:
		return "BORN"
	case Gated:
		return "GATED"
	case Attested:
		return "ATTESTED"
	case Executing:
		return "EXECUTING"
	case Sealed:
		return "SEALED"
	case Dead:
		return "DEAD"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

// ParsePhase is the inverse of String.
func ParsePhase(s string) (Phase, error) {
	for _, p := range phases {
		if strings.EqualFold(p.String(), s) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("wheel: unknown phase %q", s)
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("wheel: cannot encode phase %d", uint8(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(b []byte) error {
	v, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Valid reports whether p is a declared phase.
func (p Phase) Valid() bool { return p <= Dead }

// Terminal reports whether p is absorbing.
func (p Phase) Terminal() bool { return p == Sealed || p == Dead }

// Successors returns the only phases p may legally move to. Terminal and
// unknown phases have none.
func (p Phase) Successors() []Phase {
	switch p {
	case Born:
		return []Phase{Gated}
	case Gated:
		return []Phase{Attested, Dead}
	case Attested:
		return []Phase{Executing, Dead}
	case Executing:
		return []Phase{Sealed, Dead}
	case Sealed, Dead:
		return nil
	default:
		return nil
	}
}

// CanTransition reports whether from → to is an edge of the lifecycle.
func CanTransition(from, to Phase) bool {
	for _, s := range from.Successors() {
		if s == to {
			return true
		}
	}
	return false
}
