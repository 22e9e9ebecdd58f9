// pkg/mask/transformer.go
package mask

import (
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"go.uber.org/zap"

	"maskpipe/pkg/rules"
)

// Transformer applies a rule set to documents. It performs no I/O; callers
// own fetching and writing. Each transformer carries its own faker instance
// so concurrent transformers never share random state.
type Transformer struct {
	ruleSet *rules.RuleSet
	ordered []rules.Rule
	faker   *gofakeit.Faker
	logger  *zap.Logger
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithSeed makes random-valued operations deterministic. Intended for tests;
// production transformers draw independently per record.
func WithSeed(seed int64) Option {
	return func(t *Transformer) {
		t.faker = gofakeit.New(seed)
	}
}

// WithLogger sets the logger used for skipped-value reporting.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Transformer) {
		t.logger = logger
	}
}

// NewTransformer builds a transformer for a rule set. The rule execution
// order is fixed at construction so every document sees the same ordering.
func NewTransformer(rs *rules.RuleSet, opts ...Option) (*Transformer, error) {
	ordered, err := rs.Ordered()
	if err != nil {
		return nil, fmt.Errorf("invalid rule set: %w", err)
	}

	t := &Transformer{
		ruleSet: rs,
		ordered: ordered,
		faker:   gofakeit.New(0),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Transform applies the rule set to a single document and returns the
// transformed copy plus the number of slots masked. The input is never
// mutated and the output's top-level key set equals the input's.
func (t *Transformer) Transform(doc map[string]interface{}) (map[string]interface{}, int) {
	out := deepCopy(doc).(map[string]interface{})
	applied := 0

	for _, rule := range t.ordered {
		slots := rules.Resolve(out, rule.Field)
		if len(slots) == 0 {
			// Unresolved paths are skipped, never errors.
			continue
		}

		for _, slot := range slots {
			newVal, ok := t.applyOp(rule, slot.Get(), out)
			if !ok {
				t.logger.Debug("Skipped value with incompatible type",
					zap.String("field", rule.Field),
					zap.String("operation", rule.Op.String()))
				continue
			}
			slot.Set(newVal)
			applied++
		}
	}

	return out, applied
}

// applyOp dispatches on the operation kind. A false return means the value's
// type is incompatible with the operation and the slot is left untouched.
func (t *Transformer) applyOp(rule rules.Rule, current interface{}, doc map[string]interface{}) (interface{}, bool) {
	switch rule.Op {
	case rules.OpRandomString:
		return t.faker.LetterN(12), true

	case rules.OpRandomUppercase:
		return t.randomUppercaseName(current), true

	case rules.OpFixed:
		return rule.FixedValue, true

	case rules.OpFixedEmail:
		return rule.FixedValue, true

	case rules.OpFixedGender:
		return rule.FixedValue, true

	case rules.OpRandomDigits:
		return t.faker.DigitN(uint(rule.DigitCount)), true

	case rules.OpAddMilliseconds:
		return shiftDate(current, rule.OffsetMillis)

	case rules.OpMatchLowercase:
		return matchLowercase(doc, rule.SourceField)

	default:
		return nil, false
	}
}

// randomUppercaseName produces an uppercase replacement name. When the
// current value is a string it keeps drawing until the replacement differs,
// so masked output never equals its input.
func (t *Transformer) randomUppercaseName(current interface{}) string {
	orig, _ := current.(string)
	for i := 0; i < 8; i++ {
		name := strings.ToUpper(t.faker.FirstName())
		if name != strings.ToUpper(orig) {
			return name
		}
	}
	// Colliding eight times in a row means the name pool is degenerate;
	// fall back to random letters.
	return strings.ToUpper(t.faker.LetterN(8))
}

// shiftDate adds an exact millisecond offset to a date value. time.Time and
// RFC3339 strings are supported; anything else is skipped.
func shiftDate(v interface{}, offsetMillis int64) (interface{}, bool) {
	offset := time.Duration(offsetMillis) * time.Millisecond

	switch d := v.(type) {
	case time.Time:
		return d.Add(offset), true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, d)
		if err != nil {
			return nil, false
		}
		// RFC3339Nano keeps fractional seconds, so sub-second offsets and
		// sub-second input precision survive the round trip exactly.
		return parsed.Add(offset).Format(time.RFC3339Nano), true
	default:
		return nil, false
	}
}

// matchLowercase mirrors the lowercase form of another field's (already
// masked) value. Only the first resolved source value is used; a dependent
// field mirrors one source, not a fan-out.
func matchLowercase(doc map[string]interface{}, sourceField string) (interface{}, bool) {
	vals := rules.ResolveValues(doc, sourceField)
	if len(vals) == 0 {
		return nil, false
	}
	s, ok := vals[0].(string)
	if !ok {
		return nil, false
	}
	return strings.ToLower(s), true
}

// deepCopy clones nested maps and slices so transformation never aliases the
// input document. Scalars are returned as-is.
func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
