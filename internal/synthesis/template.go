package synthesis

import (
	"fmt"
	"strings"
)

// Template is a minimal prompt-templating primitive. Placeholders are
// written ${name}; everything else, including literal curly braces in
// JSON examples, passes through untouched. $$ renders a literal dollar.
type Template struct {
	raw   string
	parts []part
}

type part struct {
	literal string
	field   string // placeholder name when literal is empty
}

// ParseTemplate compiles the template once at construction.
func ParseTemplate(raw string) (*Template, error) {
	t := &Template{raw: raw}
	rest := raw
	for {
		idx := strings.Index(rest, "$")
		if idx < 0 {
			t.parts = append(t.parts, part{literal: rest})
			return t, nil
		}
		if idx+1 >= len(rest) {
			return nil, fmt.Errorf("template: dangling $ at end")
		}
		t.parts = append(t.parts, part{literal: rest[:idx]})
		switch rest[idx+1] {
		case '$':
			t.parts = append(t.parts, part{literal: "$"})
			rest = rest[idx+2:]
		case '{':
			end := strings.Index(rest[idx+2:], "}")
			if end < 0 {
				return nil, fmt.Errorf("template: unterminated placeholder")
			}
			name := rest[idx+2 : idx+2+end]
			if name == "" {
				return nil, fmt.Errorf("template: empty placeholder")
			}
			t.parts = append(t.parts, part{field: name})
			rest = rest[idx+2+end+1:]
		default:
			// A bare $ followed by anything else is literal text.
			t.parts = append(t.parts, part{literal: "$"})
			rest = rest[idx+1:]
		}
	}
}

// MustParse panics on a malformed template; for package-level constants.
func MustParse(raw string) *Template {
	t, err := ParseTemplate(raw)
	if err != nil {
		panic(err)
	}
	return t
}

// Render substitutes the placeholders. Unknown placeholders render empty.
func (t *Template) Render(vars map[string]string) string {
	var b strings.Builder
	b.Grow(len(t.raw))
	for _, p := range t.parts {
		if p.field != "" {
			b.WriteString(vars[p.field])
			continue
		}
		b.WriteString(p.literal)
	}
	return b.String()
}
