package rules

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRules []byte

// ErrNoGenericRules is returned when a rule file has no generic set to fall back on.
var ErrNoGenericRules = errors.New("rule file has no generic rule set")

type rawRule struct {
	Name       string    `yaml:"name"`
	Severity   string    `yaml:"severity"`
	Message    string    `yaml:"message"`
	Advice     string    `yaml:"advice"`
	Conditions yaml.Node `yaml:"conditions"`
}

// Default returns an engine built from the embedded rule file.
func Default() (*Engine, error) {
	return Load(bytes.NewReader(defaultRules))
}

// LoadFile reads and validates a YAML rule file.
func LoadFile(path string) (*Engine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rule file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses and validates rule definitions. Every condition must be a range,
// an operator comparison or an exact scalar; anything else is rejected here so
// it cannot silently fail to match at evaluation time.
func Load(r io.Reader) (*Engine, error) {
	var raw map[string][]rawRule
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode rule file: %w", err)
	}

	table := make(map[string][]Rule, len(raw))
	for crop, defs := range raw {
		key := domain.NormalizeCrop(crop)
		if key == "" {
			return nil, errors.New("rule file has an empty crop key")
		}
		if _, dup := table[key]; dup {
			return nil, fmt.Errorf("crop %q defined more than once", key)
		}

		rules := make([]Rule, 0, len(defs))
		for i, def := range defs {
			rule, err := compileRule(def)
			if err != nil {
				return nil, fmt.Errorf("crop %q rule %d: %w", key, i, err)
			}
			rules = append(rules, rule)
		}
		table[key] = rules
	}

	if _, ok := table[domain.GenericCrop]; !ok {
		return nil, ErrNoGenericRules
	}
	return &Engine{table: table}, nil
}

func compileRule(def rawRule) (Rule, error) {
	if strings.TrimSpace(def.Name) == "" {
		return Rule{}, errors.New("rule has no name")
	}

	severity := domain.SeverityLow
	if def.Severity != "" {
		sev, err := domain.ParseSeverity(def.Severity)
		if err != nil {
			return Rule{}, fmt.Errorf("%s: %w", def.Name, err)
		}
		severity = sev
	}

	if def.Conditions.Kind != yaml.MappingNode || len(def.Conditions.Content) == 0 {
		return Rule{}, fmt.Errorf("%s: conditions must be a non-empty mapping", def.Name)
	}

	content := def.Conditions.Content
	conds := make([]Condition, 0, len(content)/2)
	for i := 0; i+1 < len(content); i += 2 {
		field := content[i].Value
		cond, err := compileCondition(field, content[i+1])
		if err != nil {
			return Rule{}, fmt.Errorf("%s: field %q: %w", def.Name, field, err)
		}
		conds = append(conds, cond)
	}

	return Rule{
		Name:       def.Name,
		Severity:   severity,
		Message:    def.Message,
		Advice:     def.Advice,
		Conditions: conds,
	}, nil
}

func compileCondition(field string, node *yaml.Node) (Condition, error) {
	switch node.Kind {
	case yaml.SequenceNode:
		return compileRange(field, node)
	case yaml.ScalarNode:
		return compileScalar(field, node)
	default:
		return Condition{}, errors.New("unsupported condition shape")
	}
}

func compileRange(field string, node *yaml.Node) (Condition, error) {
	if len(node.Content) != 2 {
		return Condition{}, fmt.Errorf("range needs exactly two bounds, got %d", len(node.Content))
	}
	low, err := numericScalar(node.Content[0])
	if err != nil {
		return Condition{}, fmt.Errorf("range low bound: %w", err)
	}
	high, err := numericScalar(node.Content[1])
	if err != nil {
		return Condition{}, fmt.Errorf("range high bound: %w", err)
	}
	if low > high {
		return Condition{}, fmt.Errorf("range low bound %g exceeds high bound %g", low, high)
	}
	return Condition{Field: field, kind: kindRange, low: low, high: high}, nil
}

func compileScalar(field string, node *yaml.Node) (Condition, error) {
	switch node.Tag {
	case "!!int", "!!float":
		v, err := numericScalar(node)
		if err != nil {
			return Condition{}, err
		}
		return Condition{Field: field, kind: kindExact, exact: v}, nil
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return Condition{}, err
		}
		return Condition{Field: field, kind: kindExact, exact: b}, nil
	case "!!str":
		s := strings.TrimSpace(node.Value)
		if strings.HasPrefix(s, ">") || strings.HasPrefix(s, "<") {
			return compileOperator(field, s)
		}
		return Condition{Field: field, kind: kindExact, exact: node.Value}, nil
	default:
		return Condition{}, fmt.Errorf("unsupported scalar %s", node.Tag)
	}
}

func compileOperator(field, expr string) (Condition, error) {
	var op string
	for _, candidate := range []string{">=", "<=", ">", "<"} {
		if strings.HasPrefix(expr, candidate) {
			op = candidate
			break
		}
	}

	threshold, err := strconv.ParseFloat(strings.TrimSpace(expr[len(op):]), 64)
	if err != nil {
		return Condition{}, fmt.Errorf("invalid comparison %q", expr)
	}
	return Condition{Field: field, kind: kindOperator, op: op, threshold: threshold}, nil
}

func numericScalar(node *yaml.Node) (float64, error) {
	if node.Kind != yaml.ScalarNode || (node.Tag != "!!int" && node.Tag != "!!float") {
		return 0, fmt.Errorf("expected a number, got %q", node.Value)
	}
	v, err := strconv.ParseFloat(node.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("expected a number, got %q", node.Value)
	}
	return v, nil
}
