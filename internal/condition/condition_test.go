package condition

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsleopard-crm/internal/model"
)

func lead(fields map[string]any) *model.Record {
	return &model.Record{Kind: model.KindLead, ID: 1, TenantID: "t1", Fields: fields}
}

func mustParse(t *testing.T, raw string) *Node {
	t.Helper()
	n, err := ParseAndValidate(json.RawMessage(raw))
	require.NoError(t, err)
	return n
}

func TestEmptyTreeMatches(t *testing.T) {
	for _, raw := range []string{"", "null", "{}", "[]"} {
		n, err := ParseAndValidate(json.RawMessage(raw))
		require.NoError(t, err, raw)
		assert.True(t, Evaluate(n, lead(nil)), raw)
	}
}

func TestLegacyShapesNormalize(t *testing.T) {
	rec := lead(map[string]any{"source": "Website", "score": int64(40)})

	single := mustParse(t, `{"field":"source","op":"equals","value":"Website"}`)
	assert.True(t, Evaluate(single, rec))

	list := mustParse(t, `[{"field":"source","operator":"eq","value":"Website"},{"field":"score","operator":">","value":50}]`)
	assert.False(t, Evaluate(list, rec), "list is an implicit and")

	anyOf := mustParse(t, `{"match":"any","conditions":[{"field":"source","operator":"eq","value":"Referral"},{"field":"score","operator":"gte","value":40}]}`)
	assert.True(t, Evaluate(anyOf, rec))
}

func TestOperators(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := lead(map[string]any{
		"source":     "Website Form",
		"score":      int64(42),
		"amount":     1500.5,
		"tags":       []string{"vip", "newsletter"},
		"created_at": created,
		"owner":      nil,
		"active":     true,
	})

	tests := []struct {
		cond string
		want bool
	}{
		{`{"field":"source","operator":"eq","value":"Website Form"}`, true},
		{`{"field":"source","operator":"ne","value":"Website Form"}`, false},
		{`{"field":"missing","operator":"ne","value":"x"}`, true},
		{`{"field":"missing","operator":"eq","value":null}`, true},
		{`{"field":"score","operator":"eq","value":42}`, true},
		{`{"field":"score","operator":"eq","value":"42"}`, true},
		{`{"field":"score","operator":"in","value":[1,42]}`, true},
		{`{"field":"score","operator":"not_in","value":[1,2]}`, true},
		{`{"field":"source","operator":"contains","value":"site"}`, true},
		{`{"field":"tags","operator":"contains","value":"VIP"}`, true},
		{`{"field":"source","operator":"starts_with","value":"web"}`, true},
		{`{"field":"amount","operator":"gt","value":1000}`, true},
		{`{"field":"amount","operator":"le","value":1000}`, false},
		{`{"field":"score","operator":"lt","value":"50"}`, false},
		{`{"field":"created_at","operator":"ge","value":"2026-03-01"}`, true},
		{`{"field":"created_at","operator":"lt","value":"2026-02-01T00:00:00Z"}`, false},
		{`{"field":"source","operator":"gt","value":"A"}`, false},
		{`{"field":"owner","operator":"is_null"}`, true},
		{`{"field":"missing","operator":"is_null"}`, true},
		{`{"field":"score","operator":"is_not_null"}`, true},
		{`{"field":"active","operator":"eq","value":true}`, true},
		{`{"or":[{"field":"score","operator":"gt","value":100},{"and":[{"field":"active","operator":"eq","value":true},{"field":"source","operator":"contains","value":"form"}]}]}`, true},
	}
	for _, tc := range tests {
		t.Run(tc.cond, func(t *testing.T) {
			assert.Equal(t, tc.want, Evaluate(mustParse(t, tc.cond), rec))
		})
	}
}

func TestValidateRejectsBadLeaves(t *testing.T) {
	bad := []string{
		`{"field":"x","operator":"resembles","value":1}`,
		`{"operator":"eq","value":1}`,
		`{"field":"x","operator":"in","value":"a"}`,
		`{"and":"nope"}`,
		`42`,
	}
	for _, raw := range bad {
		_, err := ParseAndValidate(json.RawMessage(raw))
		assert.Error(t, err, raw)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	n := mustParse(t, `[{"field":"source","op":"==","value":"Website"}]`)
	raw, err := Marshal(n)
	require.NoError(t, err)

	again := mustParse(t, string(raw))
	assert.True(t, Evaluate(again, lead(map[string]any{"source": "Website"})))
	assert.False(t, Evaluate(again, lead(map[string]any{"source": "Referral"})))
}
