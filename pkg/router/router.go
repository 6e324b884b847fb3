// Package router resolves free-text context to business concepts and
// narrows the tool surface offered to an agent. Once resolved for a
// session, the surface is pinned until the context changes; this is what
// bounds the exposed tool-set size.
package router

import (
	"sort"
	"strings"
	"sync"

	"warden/pkg/ontology"
)

// DefaultConfidenceFloor drops concepts scoring below it.
const DefaultConfidenceFloor = 0.3

// ConceptScore is one ranked concept match.
type ConceptScore struct {
	Concept string  `json:"concept"`
	Score   float64 `json:"score"`
}

// Surface is the tool set offered to an agent for a session.
type Surface struct {
	Tools         []string       `json:"tools"`
	Concepts      []ConceptScore `json:"concepts,omitempty"`
	LowConfidence bool           `json:"low_confidence"`
}

// Allows reports whether a tool is part of the surface.
func (s Surface) Allows(tool string) bool {
	for _, t := range s.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// Router scores concepts by weighted keyword overlap and serves capped,
// usage-ranked tool sets.
type Router struct {
	concepts []ontology.ConceptDefinition
	floor    float64
	fallback []string

	mu       sync.RWMutex
	usage    map[string]int64
	sessions map[string]*session
}

type session struct {
	context string
	surface Surface
}

func New(concepts []ontology.ConceptDefinition, fallbackTools []string, floor float64) *Router {
	if floor <= 0 {
		floor = DefaultConfidenceFloor
	}
	return &Router{
		concepts: concepts,
		floor:    floor,
		fallback: fallbackTools,
		usage:    map[string]int64{},
		sessions: map[string]*session{},
	}
}

// ResolveConcepts ranks concepts against text. Scores are the matched
// keyword weight normalized by the concept's total weight; concepts below
// the confidence floor are dropped.
func (r *Router) ResolveConcepts(text string) []ConceptScore {
	words := wordSet(text)
	if len(words) == 0 {
		return nil
	}
	var out []ConceptScore
	for _, c := range r.concepts {
		var matched, total float64
		for kw, w := range c.Keywords {
			total += w
			if keywordMatches(kw, words) {
				matched += w
			}
		}
		if total == 0 {
			continue
		}
		score := matched / total
		if score < r.floor {
			continue
		}
		out = append(out, ConceptScore{Concept: c.Name, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Concept < out[j].Concept
	})
	return out
}

// ToolsForConcepts returns the deduplicated union of the matched
// concepts' tools, capped per concept, ranked by historical usage count
// (desc) then name (asc).
func (r *Router) ToolsForConcepts(concepts []string, maxPerConcept int) []string {
	if maxPerConcept <= 0 || maxPerConcept > ontology.MaxToolsPerConcept {
		maxPerConcept = ontology.MaxToolsPerConcept
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]struct{}{}
	var union []string
	for _, name := range concepts {
		def, ok := r.conceptByName(name)
		if !ok {
			continue
		}
		tools := append([]string{}, def.ServedTools()...)
		r.sortByUsageLocked(tools)
		if len(tools) > maxPerConcept {
			tools = tools[:maxPerConcept]
		}
		for _, tool := range tools {
			if _, dup := seen[tool]; dup {
				continue
			}
			seen[tool] = struct{}{}
			union = append(union, tool)
		}
	}
	r.sortByUsageLocked(union)
	return union
}

// ResolveSurface computes (or reuses) the session's tool surface. The
// pinned surface is replaced only when the context text changes.
func (r *Router) ResolveSurface(sessionID, text string) Surface {
	r.mu.RLock()
	sess, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok && sess.context == text {
		return sess.surface
	}

	scores := r.ResolveConcepts(text)
	var surface Surface
	if len(scores) == 0 {
		surface = Surface{
			Tools:         append([]string{}, r.fallback...),
			LowConfidence: true,
		}
	} else {
		names := make([]string, len(scores))
		for i, s := range scores {
			names[i] = s.Concept
		}
		surface = Surface{
			Tools:    r.ToolsForConcepts(names, ontology.MaxToolsPerConcept),
			Concepts: scores,
		}
	}

	r.mu.Lock()
	r.sessions[sessionID] = &session{context: text, surface: surface}
	r.mu.Unlock()
	return surface
}

// RecordUsage bumps a tool's historical usage counter.
func (r *Router) RecordUsage(tool string) {
	r.mu.Lock()
	r.usage[tool]++
	r.mu.Unlock()
}

// DropSession forgets a pinned surface.
func (r *Router) DropSession(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

func (r *Router) conceptByName(name string) (ontology.ConceptDefinition, bool) {
	for _, c := range r.concepts {
		if c.Name == name {
			return c, true
		}
	}
	return ontology.ConceptDefinition{}, false
}

func (r *Router) sortByUsageLocked(tools []string) {
	sort.Slice(tools, func(i, j int) bool {
		ui, uj := r.usage[tools[i]], r.usage[tools[j]]
		if ui != uj {
			return ui > uj
		}
		return tools[i] < tools[j]
	})
}

func wordSet(text string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		out[w] = struct{}{}
	}
	return out
}

func keywordMatches(keyword string, words map[string]struct{}) bool {
	parts := strings.FieldsFunc(strings.ToLower(keyword), func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	if len(parts) == 0 {
		return false
	}
	for _, p := range parts {
		if _, ok := words[p]; !ok {
			return false
		}
	}
	return true
}
