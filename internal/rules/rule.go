package rules

import (
	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
)

type conditionKind int

const (
	kindRange conditionKind = iota + 1
	kindOperator
	kindExact
)

// Condition is one validated field test of a rule.
type Condition struct {
	Field string

	kind      conditionKind
	low, high float64 // kindRange, inclusive
	op        string  // kindOperator: ">", "<", ">=", "<="
	threshold float64 // kindOperator
	exact     any     // kindExact: float64, bool or string
}

// Rule is a named risk raised when all of its conditions hold.
type Rule struct {
	Name       string
	Severity   domain.Severity
	Message    string
	Advice     string
	Conditions []Condition
}

// Matches reports whether every condition holds for obs.
func (r Rule) Matches(obs domain.Observation) bool {
	for _, c := range r.Conditions {
		if !c.Matches(obs) {
			return false
		}
	}
	return true
}

// Matches tests the condition against an observation. Range and operator
// conditions read unknown fields as zero; an exact match against an unknown
// field never holds.
func (c Condition) Matches(obs domain.Observation) bool {
	v, known := obs.Value(c.Field)

	switch c.kind {
	case kindRange:
		return c.low <= v && v <= c.high
	case kindOperator:
		switch c.op {
		case ">":
			return v > c.threshold
		case "<":
			return v < c.threshold
		case ">=":
			return v >= c.threshold
		case "<=":
			return v <= c.threshold
		}
		return false
	case kindExact:
		want, ok := c.exact.(float64)
		return known && ok && v == want
	default:
		return false
	}
}

func (r Rule) verdict() domain.Verdict {
	return domain.Verdict{
		Risk:     r.Name,
		Severity: r.Severity,
		Message:  r.Message,
		Advice:   r.Advice,
	}
}
