package ontology

import (
	"sort"
	"strings"
)

// Matcher resolves a failed identifier to candidate replacements: the
// learned-mapping store first (a prior heal decides outright), then
// concept groups containing the identifier by exact or fuzzy token match.
type Matcher struct {
	concepts []ConceptDefinition
	learned  *LearnedStore
}

// Candidates is the result of an alternatives lookup.
type Candidates struct {
	// Learned is set when a persisted mapping exists; arbitration is
	// skipped entirely in that case.
	Learned string
	// Options is the ordered candidate set from concept groups.
	Options []string
}

func NewMatcher(concepts []ConceptDefinition, learned *LearnedStore) *Matcher {
	return &Matcher{concepts: concepts, learned: learned}
}

// Alternatives looks up replacements for identifier on table.
func (m *Matcher) Alternatives(table, identifier string) Candidates {
	if m.learned != nil {
		if mapped, ok := m.learned.Get(table, identifier); ok {
			return Candidates{Learned: mapped}
		}
	}

	type scored struct {
		name   string
		weight float64
	}
	var out []scored
	seen := map[string]struct{}{}
	ident := normalize(identifier)
	identTokens := tokens(identifier)

	for _, c := range m.concepts {
		if !groupContains(c, ident, identTokens) {
			continue
		}
		for kw, w := range c.Keywords {
			name := normalize(kw)
			if name == ident {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, scored{name: name, weight: w})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].weight != out[j].weight {
			return out[i].weight > out[j].weight
		}
		return out[i].name < out[j].name
	})
	options := make([]string, len(out))
	for i, s := range out {
		options[i] = s.name
	}
	return Candidates{Options: options}
}

// groupContains reports whether the concept's keyword group mentions the
// identifier, exactly or by shared token.
func groupContains(c ConceptDefinition, ident string, identTokens []string) bool {
	for kw := range c.Keywords {
		name := normalize(kw)
		if name == ident {
			return true
		}
		for _, kt := range tokens(kw) {
			for _, it := range identTokens {
				if kt == it {
					return true
				}
			}
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// tokens splits an identifier into lower-cased word tokens on common
// separator characters.
func tokens(s string) []string {
	parts := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || r == ' '
	})
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
