// Package verify samples masked output after a run and checks that every
// ruled field actually changed according to its operation, and that
// everything else survived untouched.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"maskpipe/pkg/rules"
	"maskpipe/pkg/store"
)

// FieldDiscrepancy records one field that failed verification on one
// document.
type FieldDiscrepancy struct {
	DocumentID  string
	Field       string
	Op          rules.OpKind
	SourceValue interface{}
	DestValue   interface{}
	Reason      string
}

// Report contains the results of a verification pass. Mismatches counts
// documents with at least one failed field; Discrepancies lists every
// failed field individually.
type Report struct {
	Collection       string
	VerificationTime time.Time
	SampleSize       int
	Sampled          int
	MissingInDest    []string
	Mismatches       int
	UnchangedFields  int
	Discrepancies    []FieldDiscrepancy
	Duration         time.Duration
}

// Clean reports whether the sample passed without discrepancies.
func (r *Report) Clean() bool {
	return r.Mismatches == 0 && len(r.MissingInDest) == 0
}

// Summary renders a short human-readable result.
func (r *Report) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Verified %d of %d sampled documents in %s\n",
		r.Sampled-len(r.MissingInDest), r.Sampled, r.Duration.Round(time.Millisecond))
	if r.Clean() {
		sb.WriteString("No discrepancies found\n")
		return sb.String()
	}
	if len(r.MissingInDest) > 0 {
		fmt.Fprintf(&sb, "Missing in destination: %d\n", len(r.MissingInDest))
	}
	fmt.Fprintf(&sb, "Documents with mismatches: %d (fields: %d, unexpectedly unchanged: %d)\n",
		r.Mismatches, len(r.Discrepancies), r.UnchangedFields)
	for i, d := range r.Discrepancies {
		if i == 10 {
			fmt.Fprintf(&sb, "... and %d more\n", len(r.Discrepancies)-10)
			break
		}
		fmt.Fprintf(&sb, "- doc %s field %s (%s): %s\n", d.DocumentID, d.Field, d.Op, d.Reason)
	}
	return sb.String()
}

// Verifier compares sampled documents between source and destination.
type Verifier struct {
	logger     *zap.Logger
	keyField   string
	sameSource bool
}

// NewVerifier creates a verifier for collections keyed by keyField.
func NewVerifier(keyField string, logger *zap.Logger) *Verifier {
	return &Verifier{
		logger:   logger.Named("verifier"),
		keyField: keyField,
	}
}

// WithSameSource marks src and dst as the same collection (in-situ runs).
// Assertions that compare against the pre-masked value (random inequality,
// date offsets, passthrough) are skipped; fixed-value and lowercase-match
// checks still run.
func (v *Verifier) WithSameSource(same bool) *Verifier {
	v.sameSource = same
	return v
}

// Verify scans up to sampleSize documents from the source, fetches their
// masked counterparts, and checks each against the rule set. In-situ runs
// pass the same collection as src and dst only when the source was captured
// beforehand; normally src is the unmasked origin.
func (v *Verifier) Verify(ctx context.Context, src, dst store.Collection, rs *rules.RuleSet, sampleSize int) (*Report, error) {
	start := time.Now()
	report := &Report{
		Collection:       dst.Name(),
		VerificationTime: start,
		SampleSize:       sampleSize,
	}

	v.logger.Info("Starting verification",
		zap.String("collection", dst.Name()),
		zap.Int("sampleSize", sampleSize))

	sample, err := src.Scan(ctx, "", sampleSize)
	if err != nil {
		return nil, fmt.Errorf("sample source: %w", err)
	}
	report.Sampled = len(sample)

	ids := make([]string, 0, len(sample))
	byID := make(map[string]store.Document, len(sample))
	for _, doc := range sample {
		pk, err := store.PrimaryKey(doc, v.keyField)
		if err != nil {
			return nil, err
		}
		ids = append(ids, pk)
		byID[pk] = doc
	}

	masked, err := dst.FetchByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch masked documents: %w", err)
	}

	ruled := ruledFieldSet(rs)
	for _, pk := range ids {
		srcDoc := byID[pk]
		dstDoc, ok := masked[pk]
		if !ok {
			report.MissingInDest = append(report.MissingInDest, pk)
			continue
		}
		before := len(report.Discrepancies)
		v.verifyDocument(pk, srcDoc, dstDoc, rs, ruled, report)
		if len(report.Discrepancies) > before {
			report.Mismatches++
		}
	}

	report.Duration = time.Since(start)
	v.logger.Info("Verification finished",
		zap.Int("sampled", report.Sampled),
		zap.Int("mismatches", report.Mismatches),
		zap.Int("missing", len(report.MissingInDest)),
		zap.Duration("duration", report.Duration))

	return report, nil
}

// verifyDocument checks every ruled field per its op semantics, then every
// non-ruled top-level field for byte-identical passthrough.
func (v *Verifier) verifyDocument(pk string, srcDoc, dstDoc store.Document, rs *rules.RuleSet, ruled map[string]bool, report *Report) {
	for _, rule := range rs.Rules {
		srcVals := rules.ResolveValues(srcDoc, rule.Field)
		dstVals := rules.ResolveValues(dstDoc, rule.Field)

		if len(srcVals) != len(dstVals) {
			report.add(FieldDiscrepancy{
				DocumentID: pk,
				Field:      rule.Field,
				Op:         rule.Op,
				Reason: fmt.Sprintf("value count changed: %d in source, %d in destination",
					len(srcVals), len(dstVals)),
			})
			continue
		}

		for i := range srcVals {
			if v.sameSource && !sameSourceCheckable(rule.Op) {
				continue
			}
			if reason := checkField(rule, srcVals[i], dstVals[i], dstDoc); reason != "" {
				d := FieldDiscrepancy{
					DocumentID:  pk,
					Field:       rule.Field,
					Op:          rule.Op,
					SourceValue: srcVals[i],
					DestValue:   dstVals[i],
					Reason:      reason,
				}
				report.add(d)
				if strings.HasPrefix(reason, "unchanged") {
					report.UnchangedFields++
				}
			}
		}
	}

	if v.sameSource {
		return
	}

	// Non-ruled top-level fields must pass through untouched.
	for key, srcVal := range srcDoc {
		if ruled[key] {
			continue
		}
		dstVal, ok := dstDoc[key]
		if !ok {
			report.add(FieldDiscrepancy{
				DocumentID:  pk,
				Field:       key,
				SourceValue: srcVal,
				Reason:      "field missing in destination",
			})
			continue
		}
		if !jsonEqual(srcVal, dstVal) {
			report.add(FieldDiscrepancy{
				DocumentID:  pk,
				Field:       key,
				SourceValue: srcVal,
				DestValue:   dstVal,
				Reason:      "non-ruled field modified",
			})
		}
	}

	// Top-level key set must be preserved exactly.
	for key := range dstDoc {
		if _, ok := srcDoc[key]; !ok {
			report.add(FieldDiscrepancy{
				DocumentID: pk,
				Field:      key,
				DestValue:  dstDoc[key],
				Reason:     "field added by masking",
			})
		}
	}
}

func (r *Report) add(d FieldDiscrepancy) {
	r.Discrepancies = append(r.Discrepancies, d)
}

// sameSourceCheckable reports whether an op's assertion holds without the
// pre-masked value. Exactly the fixed ops qualify: fixed replacements compare
// against the rule's value and match_lowercase against its sibling field.
func sameSourceCheckable(op rules.OpKind) bool {
	return op.IsFixed()
}

// checkField applies the op-specific assertion. An empty return means the
// field verified.
func checkField(rule rules.Rule, srcVal, dstVal interface{}, dstDoc store.Document) string {
	switch {
	// match_lowercase is a fixed op (idempotent under re-application) but
	// asserts against another field, not FixedValue, so it must dispatch
	// before the generic fixed-value case.
	case rule.Op == rules.OpMatchLowercase:
		sources := rules.ResolveValues(dstDoc, rule.SourceField)
		if len(sources) == 0 {
			return ""
		}
		want, ok := sources[0].(string)
		if !ok {
			return ""
		}
		got, ok := dstVal.(string)
		if !ok || got != strings.ToLower(want) {
			return fmt.Sprintf("expected lowercase of %s, got %v", rule.SourceField, dstVal)
		}
		return ""

	case rule.Op.IsFixed():
		s, ok := dstVal.(string)
		if !ok || s != rule.FixedValue {
			return fmt.Sprintf("expected fixed value %q, got %v", rule.FixedValue, dstVal)
		}
		return ""

	case rule.Op == rules.OpAddMilliseconds:
		return checkShiftedDate(srcVal, dstVal, rule.OffsetMillis)

	default:
		// Random ops: the value must have changed. Non-string source
		// values are skipped by the transformer, so a matching
		// non-string passes.
		srcStr, srcIsStr := srcVal.(string)
		if !srcIsStr {
			return ""
		}
		if dstStr, ok := dstVal.(string); ok && dstStr == srcStr {
			return fmt.Sprintf("unchanged value %q", srcStr)
		}
		return ""
	}
}

// checkShiftedDate asserts the destination timestamp is exactly the source
// plus the configured offset.
func checkShiftedDate(srcVal, dstVal interface{}, offsetMillis int64) string {
	srcT, srcOK := parseTime(srcVal)
	if !srcOK {
		// The transformer skips undateable values; they must pass
		// through unchanged.
		if !jsonEqual(srcVal, dstVal) {
			return fmt.Sprintf("non-date value modified: %v -> %v", srcVal, dstVal)
		}
		return ""
	}
	dstT, dstOK := parseTime(dstVal)
	if !dstOK {
		return fmt.Sprintf("destination is not a timestamp: %v", dstVal)
	}

	want := srcT.Add(time.Duration(offsetMillis) * time.Millisecond)
	if !dstT.Equal(want) {
		return fmt.Sprintf("expected %s, got %s", want.Format(time.RFC3339), dstT.Format(time.RFC3339))
	}
	return ""
}

func parseTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// ruledFieldSet maps top-level field names covered by any rule, including
// the first segment of nested paths.
func ruledFieldSet(rs *rules.RuleSet) map[string]bool {
	out := make(map[string]bool, len(rs.Rules))
	for _, rule := range rs.Rules {
		top := rule.Field
		if i := strings.IndexByte(top, '.'); i >= 0 {
			top = top[:i]
		}
		out[top] = true
	}
	return out
}

// jsonEqual compares two values through JSON normalization, so numbers read
// back from different backends compare by value.
func jsonEqual(a, b interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}
