package munger

import (
	"fmt"
	"strings"
)

// Formula builds a raw element value from the fields of one row. Field
// references are written <Field>; everything else is literal text.
type Formula struct {
	text  string
	parts []formulaPart
}

type formulaPart struct {
	literal string
	field   string
}

// ParseFormula parses formula text.
func ParseFormula(text string) (Formula, error) {
	f := Formula{text: text}
	rest := text
	for rest != "" {
		open := strings.IndexByte(rest, '<')
		if open < 0 {
			f.parts = append(f.parts, formulaPart{literal: rest})
			break
		}
		if open > 0 {
			f.parts = append(f.parts, formulaPart{literal: rest[:open]})
		}
		end := strings.IndexByte(rest[open:], '>')
		if end < 0 {
			return Formula{}, fmt.Errorf("formula %q: unclosed <", text)
		}
		name := strings.TrimSpace(rest[open+1 : open+end])
		if name == "" {
			return Formula{}, fmt.Errorf("formula %q: empty field reference", text)
		}
		f.parts = append(f.parts, formulaPart{field: name})
		rest = rest[open+end+1:]
	}
	if len(f.parts) == 0 {
		return Formula{}, fmt.Errorf("formula is empty")
	}
	return f, nil
}

// Fields returns the field names the formula refers to, in order.
func (f Formula) Fields() []string {
	var names []string
	for _, p := range f.parts {
		if p.field != "" {
			names = append(names, p.field)
		}
	}
	return names
}

// Eval substitutes field values. The result is empty when every referenced
// field is empty, so a blank source cell never turns into a bare literal.
func (f Formula) Eval(fields map[string]string) string {
	var b strings.Builder
	anyValue := len(f.Fields()) == 0
	for _, p := range f.parts {
		if p.field == "" {
			b.WriteString(p.literal)
			continue
		}
		v := fields[p.field]
		if v != "" {
			anyValue = true
		}
		b.WriteString(v)
	}
	if !anyValue {
		return ""
	}
	return b.String()
}

func (f Formula) String() string { return f.text }
