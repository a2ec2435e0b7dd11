// Package template renders {{field}} placeholders against a recipient
// record. Unknown fields render as the empty string; \{\{ and \}\} are
// literal braces.
package template

import (
	"strings"

	"github.com/unclebandit/smsleopard-crm/internal/model"
)

// StandardFields are always resolvable on recipient records.
var StandardFields = []string{model.FieldName, model.FieldEmail, model.FieldPhone, model.FieldCompany, model.FieldOwner}

type segment struct {
	text    string
	field   string
	isField bool
}

// Template is a parsed content template.
type Template struct {
	segments []segment
}

// Parse splits s into literal and placeholder segments. Parsing never
// fails: an unterminated "{{" is kept as literal text.
func Parse(s string) *Template {
	t := &Template{}
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{text: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], `\{\{`):
			lit.WriteString("{{")
			i += 4
		case strings.HasPrefix(s[i:], `\}\}`):
			lit.WriteString("}}")
			i += 4
		case strings.HasPrefix(s[i:], "{{"):
			end := strings.Index(s[i+2:], "}}")
			if end < 0 {
				lit.WriteString(s[i:])
				i = len(s)
				continue
			}
			name := strings.TrimSpace(s[i+2 : i+2+end])
			if name == "" {
				lit.WriteString(s[i : i+4+end])
			} else {
				flush()
				t.segments = append(t.segments, segment{field: name, isField: true})
			}
			i += end + 4
		default:
			lit.WriteByte(s[i])
			i++
		}
	}
	flush()
	return t
}

// Fields lists the placeholder names in order of appearance.
func (t *Template) Fields() []string {
	var out []string
	for _, seg := range t.segments {
		if seg.isField {
			out = append(out, seg.field)
		}
	}
	return out
}

// Render substitutes each placeholder with lookup(field).
func (t *Template) Render(lookup func(field string) string) string {
	var b strings.Builder
	for _, seg := range t.segments {
		if !seg.isField {
			b.WriteString(seg.text)
			continue
		}
		if lookup != nil {
			b.WriteString(lookup(seg.field))
		}
	}
	return b.String()
}

// RenderRecord renders s against the fields of rec.
func RenderRecord(s string, rec *model.Record) string {
	return Parse(s).Render(func(field string) string {
		return rec.String(field)
	})
}
