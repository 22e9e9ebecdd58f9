// pkg/rules/rules.go
package rules

import (
	"encoding/json"
	"fmt"
	"os"
)

// OpKind identifies a masking operation. The set is closed: parsing maps the
// wire name to a kind exactly once, and every consumer dispatches on the kind.
type OpKind int

const (
	OpUnknown OpKind = iota
	OpRandomString
	OpRandomUppercase
	OpFixed
	OpFixedEmail
	OpFixedGender
	OpRandomDigits
	OpAddMilliseconds
	OpMatchLowercase
)

// String returns the wire name of the operation.
func (k OpKind) String() string {
	switch k {
	case OpRandomString:
		return "random_string"
	case OpRandomUppercase:
		return "random_uppercase"
	case OpFixed:
		return "fixed"
	case OpFixedEmail:
		return "fixed_email"
	case OpFixedGender:
		return "fixed_gender"
	case OpRandomDigits:
		return "random_digits"
	case OpAddMilliseconds:
		return "add_milliseconds"
	case OpMatchLowercase:
		return "match_lowercase"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// opKindByName maps rule-file operation names to kinds.
var opKindByName = map[string]OpKind{
	"random_string":    OpRandomString,
	"random_uppercase": OpRandomUppercase,
	"fixed":            OpFixed,
	"fixed_email":      OpFixedEmail,
	"fixed_gender":     OpFixedGender,
	"random_digits":    OpRandomDigits,
	"add_milliseconds": OpAddMilliseconds,
	"match_lowercase":  OpMatchLowercase,
}

// IsFixed reports whether the operation always produces the same output for
// the same input, making re-application a no-op.
func (k OpKind) IsFixed() bool {
	switch k {
	case OpFixed, OpFixedEmail, OpFixedGender, OpMatchLowercase:
		return true
	default:
		return false
	}
}

// Rule is a single field-level masking rule. Params are decoded into the
// typed field matching the operation kind at parse time.
type Rule struct {
	Field        string
	Op           OpKind
	FixedValue   string // fixed, fixed_email, fixed_gender
	DigitCount   int    // random_digits
	OffsetMillis int64  // add_milliseconds
	SourceField  string // match_lowercase
}

// RuleSet is the ordered list of rules for one collection.
type RuleSet struct {
	Collection string
	Rules      []Rule
}

// ruleFile mirrors the on-disk rule definition format.
type ruleFile struct {
	Collection string     `json:"collection,omitempty"`
	Rules      []ruleSpec `json:"rules"`
}

type ruleSpec struct {
	Field  string          `json:"field"`
	Rule   string          `json:"rule"`
	Params json.RawMessage `json:"params"`
}

// LoadFile reads and validates a rule file.
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a rule definition document into a validated RuleSet.
func Parse(data []byte) (*RuleSet, error) {
	var file ruleFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}

	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("rule file defines no rules")
	}

	rs := &RuleSet{
		Collection: file.Collection,
		Rules:      make([]Rule, 0, len(file.Rules)),
	}

	for i, spec := range file.Rules {
		rule, err := decodeRule(spec)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, spec.Field, err)
		}
		rs.Rules = append(rs.Rules, rule)
	}

	// Surface ordering problems (unknown source fields, cycles) at load time
	// rather than mid-run.
	if _, err := rs.Ordered(); err != nil {
		return nil, err
	}

	return rs, nil
}

func decodeRule(spec ruleSpec) (Rule, error) {
	if spec.Field == "" {
		return Rule{}, fmt.Errorf("field path is required")
	}

	kind, ok := opKindByName[spec.Rule]
	if !ok {
		return Rule{}, fmt.Errorf("unknown operation %q", spec.Rule)
	}

	rule := Rule{Field: spec.Field, Op: kind}

	switch kind {
	case OpFixed, OpFixedEmail, OpFixedGender:
		if spec.Params == nil {
			return Rule{}, fmt.Errorf("%s requires a string param", kind)
		}
		if err := json.Unmarshal(spec.Params, &rule.FixedValue); err != nil {
			return Rule{}, fmt.Errorf("%s param must be a string: %w", kind, err)
		}
		if rule.FixedValue == "" {
			return Rule{}, fmt.Errorf("%s param must be non-empty", kind)
		}

	case OpRandomDigits:
		if spec.Params == nil {
			return Rule{}, fmt.Errorf("random_digits requires a digit count param")
		}
		if err := json.Unmarshal(spec.Params, &rule.DigitCount); err != nil {
			return Rule{}, fmt.Errorf("random_digits param must be a number: %w", err)
		}
		if rule.DigitCount <= 0 || rule.DigitCount > 64 {
			return Rule{}, fmt.Errorf("random_digits count %d out of range [1,64]", rule.DigitCount)
		}

	case OpAddMilliseconds:
		if spec.Params == nil {
			return Rule{}, fmt.Errorf("add_milliseconds requires an offset param")
		}
		if err := json.Unmarshal(spec.Params, &rule.OffsetMillis); err != nil {
			return Rule{}, fmt.Errorf("add_milliseconds param must be a number: %w", err)
		}

	case OpMatchLowercase:
		if spec.Params == nil {
			return Rule{}, fmt.Errorf("match_lowercase requires a source field param")
		}
		if err := json.Unmarshal(spec.Params, &rule.SourceField); err != nil {
			return Rule{}, fmt.Errorf("match_lowercase param must be a string: %w", err)
		}
		if rule.SourceField == "" {
			return Rule{}, fmt.Errorf("match_lowercase source field must be non-empty")
		}

	case OpRandomString, OpRandomUppercase:
		// No params.
	}

	return rule, nil
}

// Ordered returns rule indexes in execution order. Rules are kept in
// declaration order except that a match_lowercase rule is scheduled after the
// rule masking its source field. Dependency cycles are rejected.
func (rs *RuleSet) Ordered() ([]Rule, error) {
	// Index rules by target field for dependency lookup. Dependencies only
	// exist between rules inside the same set.
	byField := make(map[string]int, len(rs.Rules))
	for i, r := range rs.Rules {
		byField[r.Field] = i
	}

	deps := make(map[int][]int)
	for i, r := range rs.Rules {
		if r.Op != OpMatchLowercase {
			continue
		}
		src, ok := byField[r.SourceField]
		if !ok {
			// The source field has no rule of its own: the dependent rule
			// mirrors the stored value, which needs no ordering.
			continue
		}
		deps[i] = append(deps[i], src)
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)

	state := make([]int, len(rs.Rules))
	order := make([]Rule, 0, len(rs.Rules))

	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle involving field %q", rs.Rules[i].Field)
		}
		state[i] = visiting
		for _, d := range deps[i] {
			if err := visit(d); err != nil {
				return err
			}
		}
		state[i] = done
		order = append(order, rs.Rules[i])
		return nil
	}

	for i := range rs.Rules {
		if err := visit(i); err != nil {
			return nil, err
		}
	}

	return order, nil
}

// FieldPaths returns the set of field paths targeted by rules in this set.
func (rs *RuleSet) FieldPaths() []string {
	paths := make([]string, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		paths = append(paths, r.Field)
	}
	return paths
}
