// Package ontology holds the business-concept dictionary: named groups of
// weighted keywords with their associated tools and resources. Concepts are
// loaded once at startup and immutable afterwards; the learned-mapping
// store is the only mutable piece.
package ontology

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxToolsPerConcept caps how many tools a single concept may expose to an
// agent. Enforced at serve time, not load time, so a rich config file is
// not an error.
const MaxToolsPerConcept = 10

// ConceptDefinition is one named business-domain grouping.
type ConceptDefinition struct {
	Name      string             `yaml:"name"`
	Keywords  map[string]float64 `yaml:"keywords"`
	Tools     []string           `yaml:"tools"`
	Resources []string           `yaml:"resources"`
}

// ServedTools returns the concept's tool list capped at MaxToolsPerConcept.
func (c ConceptDefinition) ServedTools() []string {
	if len(c.Tools) <= MaxToolsPerConcept {
		return c.Tools
	}
	return c.Tools[:MaxToolsPerConcept]
}

type conceptFile struct {
	Concepts []ConceptDefinition `yaml:"concepts"`
}

// LoadConcepts parses a concept dictionary from a YAML file.
func LoadConcepts(path string) ([]ConceptDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read concepts: %w", err)
	}
	return ParseConcepts(raw)
}

// ParseConcepts parses and validates concept YAML.
func ParseConcepts(raw []byte) ([]ConceptDefinition, error) {
	var file conceptFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse concepts: %w", err)
	}
	seen := map[string]struct{}{}
	for i, c := range file.Concepts {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("concept %d: name required", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate concept %q", name)
		}
		seen[name] = struct{}{}
		if len(c.Keywords) == 0 {
			return nil, fmt.Errorf("concept %q: keywords required", name)
		}
		for kw, w := range c.Keywords {
			if w <= 0 {
				return nil, fmt.Errorf("concept %q: keyword %q must have positive weight", name, kw)
			}
		}
	}
	sort.Slice(file.Concepts, func(i, j int) bool {
		return file.Concepts[i].Name < file.Concepts[j].Name
	})
	return file.Concepts, nil
}
