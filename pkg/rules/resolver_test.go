package rules_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"maskpipe/pkg/rules"
)

func doc() map[string]interface{} {
	return map[string]interface{}{
		"Name": "Jane",
		"Nested": map[string]interface{}{
			"Street": "12 Main St",
			"City":   "Springfield",
		},
		"Contacts": []interface{}{
			map[string]interface{}{"Phone": "555-0100"},
			map[string]interface{}{"Phone": "555-0101"},
			map[string]interface{}{"Email": "a@example.com"},
		},
		"Tags": []interface{}{"alpha", "beta"},
	}
}

func TestResolve_TopLevelField(t *testing.T) {
	d := doc()
	slots := rules.Resolve(d, "Name")
	require.Len(t, slots, 1)
	require.Equal(t, "Jane", slots[0].Get())

	slots[0].Set("MASKED")
	require.Equal(t, "MASKED", d["Name"])
}

func TestResolve_NestedPath(t *testing.T) {
	d := doc()
	slots := rules.Resolve(d, "Nested.Street")
	require.Len(t, slots, 1)
	require.Equal(t, "12 Main St", slots[0].Get())

	slots[0].Set("X")
	nested := d["Nested"].(map[string]interface{})
	require.Equal(t, "X", nested["Street"])
	require.Equal(t, "Springfield", nested["City"])
}

func TestResolve_ArrayWildcardMasksAllElements(t *testing.T) {
	d := doc()
	slots := rules.Resolve(d, "Contacts.Phone")
	require.Len(t, slots, 2, "one slot per element carrying the field")

	for _, s := range slots {
		s.Set("000")
	}
	contacts := d["Contacts"].([]interface{})
	require.Equal(t, "000", contacts[0].(map[string]interface{})["Phone"])
	require.Equal(t, "000", contacts[1].(map[string]interface{})["Phone"])
	// Element without the field stays untouched.
	require.Equal(t, "a@example.com", contacts[2].(map[string]interface{})["Email"])
}

func TestResolve_TerminalScalarArray(t *testing.T) {
	d := doc()
	slots := rules.Resolve(d, "Tags")
	require.Len(t, slots, 2)

	for _, s := range slots {
		s.Set("x")
	}
	require.Equal(t, []interface{}{"x", "x"}, d["Tags"])
}

func TestResolve_MissingPaths(t *testing.T) {
	d := doc()
	require.Empty(t, rules.Resolve(d, "DoesNotExist"))
	require.Empty(t, rules.Resolve(d, "Nested.Missing"))
	require.Empty(t, rules.Resolve(d, "Missing.Deeper.Still"))
	require.Empty(t, rules.Resolve(d, "Name.NotAMap"))
	require.Empty(t, rules.Resolve(nil, "Name"))
}

func TestResolveValues_ReadOnly(t *testing.T) {
	d := doc()
	vals := rules.ResolveValues(d, "Contacts.Phone")
	require.ElementsMatch(t, []interface{}{"555-0100", "555-0101"}, vals)
	require.Equal(t, "555-0100", d["Contacts"].([]interface{})[0].(map[string]interface{})["Phone"])
}
