package domain

// NoRiskName is the risk name of the verdict returned when no rule matches.
const NoRiskName = "none"

// Verdict is the outcome of evaluating one observation against a crop's rules.
type Verdict struct {
	Risk     string   `json:"risk"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Advice   string   `json:"advice"`
}

// NoRisk returns the fixed verdict used when no rule matches.
func NoRisk() Verdict {
	return Verdict{
		Risk:     NoRiskName,
		Severity: SeverityLow,
		Message:  "Weather conditions are favorable. No immediate risks detected for your crops.",
		Advice:   "Continue regular monitoring and maintenance routines.",
	}
}
