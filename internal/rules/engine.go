// Package rules maps a weather observation and a crop to a single risk verdict
// using rule definitions loaded once at startup.
package rules

import (
	"sort"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
)

// Engine evaluates observations against a typed, crop-keyed rule table. It is
// immutable after construction and safe for concurrent use.
type Engine struct {
	table map[string][]Rule
}

// Evaluate returns the verdict of the highest-severity rule whose conditions
// all hold, taking the earliest rule on ties. Crops without rules of their own
// use the generic set. When nothing matches the fixed no-risk verdict is
// returned.
func (e *Engine) Evaluate(obs domain.Observation, crop string) domain.Verdict {
	var best *Rule
	rules := e.RulesFor(crop)
	for i := range rules {
		r := &rules[i]
		if !r.Matches(obs) {
			continue
		}
		if best == nil || r.Severity.Rank() > best.Severity.Rank() {
			best = r
		}
	}

	if best == nil {
		return domain.NoRisk()
	}
	return best.verdict()
}

// RulesFor returns the rules applied to crop, falling back to the generic set.
func (e *Engine) RulesFor(crop string) []Rule {
	if rules, ok := e.table[domain.NormalizeCrop(crop)]; ok {
		return rules
	}
	return e.table[domain.GenericCrop]
}

// Crops lists the crop identifiers with their own rule set, sorted.
func (e *Engine) Crops() []string {
	crops := make([]string, 0, len(e.table))
	for crop := range e.table {
		crops = append(crops, crop)
	}
	sort.Strings(crops)
	return crops
}
