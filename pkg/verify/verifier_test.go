package verify_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"maskpipe/pkg/mask"
	"maskpipe/pkg/rules"
	"maskpipe/pkg/store"
	"maskpipe/pkg/verify"
)

const verifyRules = `{"rules":[
	{"field": "Name", "rule": "random_uppercase"},
	{"field": "Email", "rule": "fixed_email", "params": "masked@example.com"},
	{"field": "Dob", "rule": "add_milliseconds", "params": 86400000},
	{"field": "NameLower", "rule": "match_lowercase", "params": "Name"}
]}`

func mustRules(t *testing.T) *rules.RuleSet {
	t.Helper()
	rs, err := rules.Parse([]byte(verifyRules))
	require.NoError(t, err)
	return rs
}

// seedPair seeds n source documents and their properly masked counterparts,
// returning both collections.
func seedPair(t *testing.T, n int) (*store.MemoryCollection, *store.MemoryCollection) {
	t.Helper()

	rs := mustRules(t)
	transformer, err := mask.NewTransformer(rs, mask.WithSeed(7))
	require.NoError(t, err)

	src := store.NewMemoryCollection("patients", "_id")
	dst := store.NewMemoryCollection("patients", "_id")
	for i := 0; i < n; i++ {
		doc := store.Document{
			"_id":       fmt.Sprintf("p-%04d", i),
			"Name":      fmt.Sprintf("Jane Doe %d", i),
			"NameLower": fmt.Sprintf("jane doe %d", i),
			"Email":     fmt.Sprintf("jane%d@real-hospital.org", i),
			"Dob":       "2000-01-01T00:00:00Z",
			"Visits":    float64(i),
		}
		require.NoError(t, src.Seed(doc))
		masked, _ := transformer.Transform(doc)
		require.NoError(t, dst.Seed(masked))
	}
	return src, dst
}

func TestVerify_CleanRun(t *testing.T) {
	src, dst := seedPair(t, 40)
	v := verify.NewVerifier("_id", zap.NewNop())

	report, err := v.Verify(context.Background(), src, dst, mustRules(t), 40)
	require.NoError(t, err)
	require.True(t, report.Clean())
	require.Equal(t, 40, report.Sampled)
	require.Zero(t, report.Mismatches)
	require.Contains(t, report.Summary(), "No discrepancies found")
}

func TestVerify_SingleUnmaskedDocumentIsFlagged(t *testing.T) {
	src, dst := seedPair(t, 40)

	// Overwrite one destination document with its raw source form, as if a
	// batch was written without masking.
	require.NoError(t, dst.Seed(src.Get("p-0017")))

	v := verify.NewVerifier("_id", zap.NewNop())
	report, err := v.Verify(context.Background(), src, dst, mustRules(t), 40)
	require.NoError(t, err)
	require.False(t, report.Clean())

	// Exactly one document trips, on three ruled fields: unchanged Name,
	// wrong fixed Email, and unshifted Dob. NameLower is still the
	// lowercase of the (unmasked) Name, so it passes. Mismatches counts
	// the document once; Discrepancies lists each failed field.
	for _, d := range report.Discrepancies {
		require.Equal(t, "p-0017", d.DocumentID)
	}
	require.Equal(t, 1, report.Mismatches)
	require.Len(t, report.Discrepancies, 3)
	require.Equal(t, 1, report.UnchangedFields)
}

func TestVerify_MatchLowercaseMismatchIsFlagged(t *testing.T) {
	src, dst := seedPair(t, 10)
	doc := dst.Get("p-0006")
	doc["NameLower"] = "somebody else entirely"
	require.NoError(t, dst.Seed(doc))

	v := verify.NewVerifier("_id", zap.NewNop())
	report, err := v.Verify(context.Background(), src, dst, mustRules(t), 10)
	require.NoError(t, err)
	require.Equal(t, 1, report.Mismatches)
	require.Equal(t, "NameLower", report.Discrepancies[0].Field)
	require.Contains(t, report.Discrepancies[0].Reason, "expected lowercase of Name")
}

func TestVerify_MissingDocumentsReported(t *testing.T) {
	src, dst := seedPair(t, 10)
	// FetchByIDs just won't find these; simulate dropped writes by
	// rebuilding the destination without two documents.
	trimmed := store.NewMemoryCollection("patients", "_id")
	for _, pk := range dst.Keys() {
		if pk == "p-0003" || pk == "p-0007" {
			continue
		}
		require.NoError(t, trimmed.Seed(dst.Get(pk)))
	}

	v := verify.NewVerifier("_id", zap.NewNop())
	report, err := v.Verify(context.Background(), src, trimmed, mustRules(t), 10)
	require.NoError(t, err)
	require.False(t, report.Clean())
	require.Equal(t, []string{"p-0003", "p-0007"}, report.MissingInDest)
	require.Zero(t, report.Mismatches)
}

func TestVerify_WrongFixedValueIsFlagged(t *testing.T) {
	src, dst := seedPair(t, 5)
	doc := dst.Get("p-0002")
	doc["Email"] = "not-the-fixed-value@example.com"
	require.NoError(t, dst.Seed(doc))

	v := verify.NewVerifier("_id", zap.NewNop())
	report, err := v.Verify(context.Background(), src, dst, mustRules(t), 5)
	require.NoError(t, err)
	require.Equal(t, 1, report.Mismatches)
	require.Equal(t, "Email", report.Discrepancies[0].Field)
	require.Contains(t, report.Discrepancies[0].Reason, "expected fixed value")
}

func TestVerify_WrongDateOffsetIsFlagged(t *testing.T) {
	src, dst := seedPair(t, 5)
	doc := dst.Get("p-0001")
	doc["Dob"] = "2000-01-03T00:00:00Z" // two days instead of one
	require.NoError(t, dst.Seed(doc))

	v := verify.NewVerifier("_id", zap.NewNop())
	report, err := v.Verify(context.Background(), src, dst, mustRules(t), 5)
	require.NoError(t, err)
	require.Equal(t, 1, report.Mismatches)
	require.Equal(t, "Dob", report.Discrepancies[0].Field)
	require.Contains(t, report.Discrepancies[0].Reason, "expected 2000-01-02T00:00:00Z")
}

func TestVerify_NonRuledFieldModificationIsFlagged(t *testing.T) {
	src, dst := seedPair(t, 5)
	doc := dst.Get("p-0000")
	doc["Visits"] = float64(999)
	doc["Injected"] = "surprise"
	require.NoError(t, dst.Seed(doc))

	v := verify.NewVerifier("_id", zap.NewNop())
	report, err := v.Verify(context.Background(), src, dst, mustRules(t), 5)
	require.NoError(t, err)
	require.Equal(t, 1, report.Mismatches)
	require.Len(t, report.Discrepancies, 2)

	reasons := make(map[string]string, 2)
	for _, d := range report.Discrepancies {
		reasons[d.Field] = d.Reason
	}
	require.Equal(t, "non-ruled field modified", reasons["Visits"])
	require.Equal(t, "field added by masking", reasons["Injected"])
}

func TestVerify_SameSourceChecksOnlyFixedAndLowercase(t *testing.T) {
	// In-situ verification reads the masked collection as both sides, so
	// inequality and offset assertions cannot run. Fixed-value and
	// lowercase-match assertions still can.
	_, dst := seedPair(t, 20)
	v := verify.NewVerifier("_id", zap.NewNop()).WithSameSource(true)

	report, err := v.Verify(context.Background(), dst, dst, mustRules(t), 20)
	require.NoError(t, err)
	require.True(t, report.Clean(), "masked in-situ data passes the checkable subset")

	// A wrong fixed value is still caught in same-source mode.
	doc := dst.Get("p-0004")
	doc["Email"] = "leaked@real-hospital.org"
	require.NoError(t, dst.Seed(doc))

	report, err = v.Verify(context.Background(), dst, dst, mustRules(t), 20)
	require.NoError(t, err)
	require.Equal(t, 1, report.Mismatches)
	require.Equal(t, "Email", report.Discrepancies[0].Field)
}

func TestVerify_SampleSmallerThanCollection(t *testing.T) {
	src, dst := seedPair(t, 30)
	v := verify.NewVerifier("_id", zap.NewNop())

	report, err := v.Verify(context.Background(), src, dst, mustRules(t), 10)
	require.NoError(t, err)
	require.Equal(t, 10, report.Sampled)
	require.True(t, report.Clean())
}
