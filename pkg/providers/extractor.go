package providers

import (
	"context"
	"regexp"
	"strings"
)

// ExtractedEntity is a candidate entity mention found in a piece of text.
type ExtractedEntity struct {
	Label      string
	Type       string
	Confidence float64
}

// ExtractedRelationship links two entity labels found in the same piece
// of text.
type ExtractedRelationship struct {
	SourceLabel string
	TargetLabel string
	Type        string
	Confidence  float64
}

// ExtractionResult is everything a GraphExtractor found in one piece of
// text.
type ExtractionResult struct {
	Entities      []ExtractedEntity
	Relationships []ExtractedRelationship
}

// GraphExtractor pulls entities and relationships out of free text.
// Callers supply their own implementation (wrapping an LLM call);
// HeuristicExtractor is the offline, regex-driven fallback.
type GraphExtractor interface {
	Extract(ctx context.Context, text string) (ExtractionResult, error)
}

// relationPattern maps a verb phrase to the relationship type it implies.
// The verb phrase is matched case-insensitively; group 1 is the source
// mention, group 2 the target mention, both required to look like proper
// nouns (capitalized).
type relationPattern struct {
	re   *regexp.Regexp
	kind string
}

var relationPatterns = []relationPattern{
	{regexp.MustCompile(`\b([A-Z][\w.'-]*(?:\s[A-Z][\w.'-]*)*)\s+(?i:works?\s+at)\s+([A-Z][\w.'-]*(?:\s[A-Z][\w.'-]*)*)`), "WORKS_AT"},
	{regexp.MustCompile(`\b([A-Z][\w.'-]*(?:\s[A-Z][\w.'-]*)*)\s+(?i:founded)\s+([A-Z][\w.'-]*(?:\s[A-Z][\w.'-]*)*)`), "FOUNDED"},
	{regexp.MustCompile(`\b([A-Z][\w.'-]*(?:\s[A-Z][\w.'-]*)*)\s+(?i:knows)\s+([A-Z][\w.'-]*(?:\s[A-Z][\w.'-]*)*)`), "KNOWS"},
	{regexp.MustCompile(`\b([A-Z][\w.'-]*(?:\s[A-Z][\w.'-]*)*)\s+(?i:(?:is\s+)?(?:located\s+)?in)\s+([A-Z][\w.'-]*(?:\s[A-Z][\w.'-]*)*)`), "LOCATED_IN"},
	{regexp.MustCompile(`\b([A-Z][\w.'-]*(?:\s[A-Z][\w.'-]*)*)\s+(?i:(?:is\s+)?married\s+to)\s+([A-Z][\w.'-]*(?:\s[A-Z][\w.'-]*)*)`), "MARRIED_TO"},
}

// properNoun matches a run of one or more capitalized words, the
// heuristic's notion of "entity mention".
var properNoun = regexp.MustCompile(`\b[A-Z][\w.'-]*(?:\s[A-Z][\w.'-]*)*\b`)

// organizationSuffixes hints an entity mention names an organization
// rather than a person.
var organizationSuffixes = []string{"Inc", "Inc.", "Corp", "Corp.", "LLC", "Ltd", "Ltd.", "Co", "Co."}

// HeuristicExtractor is a regex-driven GraphExtractor: it has no model and
// no network dependency, so it always returns a result, possibly empty,
// and never fails extraction for a caller that ingests memories offline.
type HeuristicExtractor struct{}

// NewHeuristicExtractor returns a ready-to-use HeuristicExtractor.
func NewHeuristicExtractor() *HeuristicExtractor {
	return &HeuristicExtractor{}
}

// Extract implements GraphExtractor.
func (h *HeuristicExtractor) Extract(_ context.Context, text string) (ExtractionResult, error) {
	entities := map[string]ExtractedEntity{}
	var relationships []ExtractedRelationship

	for _, p := range relationPatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			source, target := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
			if source == "" || target == "" || source == target {
				continue
			}
			registerEntity(entities, source, p.kind, true)
			registerEntity(entities, target, p.kind, false)
			relationships = append(relationships, ExtractedRelationship{
				SourceLabel: source,
				TargetLabel: target,
				Type:        p.kind,
				Confidence:  0.75,
			})
		}
	}

	// Proper nouns not already captured by a relationship pattern still
	// become low-confidence entity candidates, typed only by surface cues
	// (Organization for an organization suffix, else Concept) — useful for
	// single-mention memories with no relational verb phrase at all.
	for _, mention := range properNoun.FindAllString(text, -1) {
		mention = strings.TrimSpace(mention)
		if _, ok := entities[mention]; ok {
			continue
		}
		registerEntity(entities, mention, "", false)
	}

	out := ExtractionResult{
		Entities:      make([]ExtractedEntity, 0, len(entities)),
		Relationships: relationships,
	}
	for _, e := range entities {
		out.Entities = append(out.Entities, e)
	}
	return out, nil
}

func registerEntity(entities map[string]ExtractedEntity, label, relationKind string, isSource bool) {
	if existing, ok := entities[label]; ok && existing.Type != "" {
		return
	}
	entities[label] = ExtractedEntity{
		Label:      label,
		Type:       classifyType(label, relationKind, isSource),
		Confidence: confidenceFor(relationKind),
	}
}

func confidenceFor(relationKind string) float64 {
	if relationKind == "" {
		return 0.4
	}
	return 0.7
}

// classifyType guesses an entity's coarse type from surface cues: an
// organization-style suffix, the relationship verb that introduced it, or
// (as a last resort) "Concept" for anything else.
func classifyType(label, relationKind string, isSource bool) string {
	for _, suffix := range organizationSuffixes {
		if strings.HasSuffix(label, suffix) {
			return "Organization"
		}
	}
	switch relationKind {
	case "WORKS_AT":
		if isSource {
			return "Person"
		}
		return "Organization"
	case "FOUNDED":
		if isSource {
			return "Person"
		}
		return "Organization"
	case "LOCATED_IN":
		if isSource {
			return "Organization"
		}
		return "Location"
	case "MARRIED_TO", "KNOWS":
		return "Person"
	default:
		return "Concept"
	}
}
