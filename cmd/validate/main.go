// Command validate checks a crop risk rule file before it is deployed. It
// loads the rules exactly as the service does, looks for rule sets that can
// never raise an alert, and optionally replays a fixture file of weather
// cases against the expected verdicts.
//
// Usage:
//
//	go run ./cmd/validate -rules rules.yaml -fixtures cases.yaml
//
// Omitting -rules validates the built-in rule set.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"github.com/couchcryptid/crop-risk-alerts/internal/rules"
	"gopkg.in/yaml.v3"
)

// fixture is one expected verdict for a crop under given weather.
type fixture struct {
	Name     string          `yaml:"name"`
	Crop     string          `yaml:"crop"`
	Weather  weather         `yaml:"weather"`
	Risk     string          `yaml:"risk"`
	Severity domain.Severity `yaml:"severity"`
}

type weather struct {
	Temperature         float64 `yaml:"temperature"`
	Humidity            float64 `yaml:"humidity"`
	RainfallMM          float64 `yaml:"rainfall_mm"`
	RainProbability     float64 `yaml:"rain_probability"`
	WindSpeed           float64 `yaml:"wind_speed"`
	ConsecutiveRainDays int     `yaml:"consecutive_rain_days"`
}

func (w weather) observation() domain.Observation {
	return domain.Observation(w)
}

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	rulesPath := flag.String("rules", "", "path to the YAML rule file (default: built-in rules)")
	fixturesPath := flag.String("fixtures", "", "path to a YAML file of expected verdicts")
	flag.Parse()

	if code := run(os.Stdout, *rulesPath, *fixturesPath); code != 0 {
		os.Exit(code)
	}
}

func run(out io.Writer, rulesPath, fixturesPath string) int {
	fmt.Fprintln(out, "=== Crop Risk Rule Validation ===")
	fmt.Fprintln(out)

	var (
		engine *rules.Engine
		err    error
	)
	if rulesPath == "" {
		engine, err = rules.Default()
	} else {
		engine, err = rules.LoadFile(rulesPath)
	}
	if err != nil {
		fmt.Fprintf(out, "FATAL: load rules: %v\n", err)
		return 1
	}

	var fixtures []fixture
	if fixturesPath != "" {
		fixtures, err = loadFixtures(fixturesPath)
		if err != nil {
			fmt.Fprintf(out, "FATAL: load fixtures: %v\n", err)
			return 1
		}
	}

	phases := []*phase{
		validateRuleSets(engine),
		validateFixtures(engine, fixtures),
	}

	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(out, "  %-42s %s\n", p.name, status)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Crops: %d, fixtures: %d\n", len(engine.Crops()), len(fixtures))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(out, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			if i >= 20 {
				fmt.Fprintf(out, "  ... and %d more\n", len(p.errors)-20)
				break
			}
			fmt.Fprintf(out, "  %s\n", e)
		}
	}

	if !allPassed {
		return 1
	}
	return 0
}

func loadFixtures(path string) ([]fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var fixtures []fixture
	if err := yaml.NewDecoder(f).Decode(&fixtures); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return fixtures, nil
}

// validateRuleSets flags rule sets that cannot produce a usable alert.
func validateRuleSets(engine *rules.Engine) *phase {
	p := &phase{name: "Rule sets"}
	for _, crop := range engine.Crops() {
		set := engine.RulesFor(crop)
		if len(set) == 0 {
			p.errorf("%s: empty rule set never alerts", crop)
			continue
		}
		seen := make(map[string]bool, len(set))
		for i, r := range set {
			if seen[r.Name] {
				p.errorf("%s: rule %d reuses name %q", crop, i, r.Name)
			}
			seen[r.Name] = true
			if r.Severity.Alerting() && r.Message == "" {
				p.errorf("%s: rule %q alerts without a message", crop, r.Name)
			}
		}
	}
	return p
}

func validateFixtures(engine *rules.Engine, fixtures []fixture) *phase {
	p := &phase{name: "Fixture verdicts"}
	for i, f := range fixtures {
		label := f.Name
		if label == "" {
			label = fmt.Sprintf("fixture %d", i)
		}
		got := engine.Evaluate(f.Weather.observation(), f.Crop)
		if got.Risk != f.Risk {
			p.errorf("%s: risk = %q, want %q", label, got.Risk, f.Risk)
		}
		if f.Severity != "" && got.Severity != f.Severity {
			p.errorf("%s: severity = %q, want %q", label, got.Severity, f.Severity)
		}
	}
	return p
}
