package capability

import (
	"fmt"
	"strings"
)

// Tier is a Constellation access tier. T1 is the lowest, T5 the highest.
type Tier string

const (
	T1 Tier = "T1"
	T2 Tier = "T2"
	T3 Tier = "T3"
	T4 Tier = "T4"
	T5 Tier = "T5"
)

// Tiers lists every tier in ascending order.
var Tiers = []Tier{T1, T2, T3, T4, T5}

// ParseTier accepts "T3", "t3" or "3".
func ParseTier(s string) (Tier, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) == 1 {
		s = "T" + s
	}
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

// Valid reports whether t is one of T1..T5.
func (t Tier) Valid() bool {
	return t.Rank() > 0
}

// Rank returns 1..5, or 0 for an unknown tier.
func (t Tier) Rank() int {
	for i, known := range Tiers {
		if t == known {
			return i + 1
		}
	}
	return 0
}

// AtLeast reports whether t ranks at or above min.
func (t Tier) AtLeast(min Tier) bool {
	return t.Valid() && t.Rank() >= min.Rank()
}
