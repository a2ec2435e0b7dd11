package template

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/unclebandit/smsleopard-crm/internal/model"
)

func TestRenderRecord(t *testing.T) {
	rec := &model.Record{Kind: model.KindContact, ID: 1, Fields: map[string]any{
		"name":    "Ada",
		"company": "Analytical Engines",
		"owner":   int64(7),
	}}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"standard fields", "hi {{name}} from {{ company }}", "hi Ada from Analytical Engines"},
		{"numeric field", "owner={{owner}}", "owner=7"},
		{"unknown field is empty", "x{{missing}}y", "xy"},
		{"escaped braces", `\{\{name\}\} is {{name}}`, "{{name}} is Ada"},
		{"unterminated placeholder", "hello {{name", "hello {{name"},
		{"empty placeholder kept", "a{{}}b", "a{{}}b"},
		{"single braces untouched", "{name}", "{name}"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RenderRecord(tc.in, rec))
		})
	}
}

func TestRenderIdentityWithoutPlaceholders(t *testing.T) {
	for _, s := range []string{"", "plain text", "a { b } c", "100% {off}", "multi\nline"} {
		assert.Equal(t, s, Parse(s).Render(nil))
	}
}

func TestFields(t *testing.T) {
	assert.Equal(t, []string{"name", "email"}, Parse("{{name}} <{{email}}>").Fields())
}
