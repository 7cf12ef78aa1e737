package graphmodel

import (
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
)

var nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)

// sanitizeEntityID derives an Entity.ID from a label: lowercase, trim,
// collapse runs of non-alphanumeric characters to a single underscore,
// trim leading/trailing underscores. Deterministic, so the same label
// always produces the same id regardless of which memory it came from.
func sanitizeEntityID(label string) string {
	s := nonAlnumRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(label)), "_")
	return strings.Trim(s, "_")
}

// labelSimilarity returns a 0..1 similarity score between two labels: 1
// for identical (case/whitespace-insensitive) strings, decaying with edit
// distance relative to the longer label's length.
func labelSimilarity(a, b string) float64 {
	na, nb := normalizeLabel(a), normalizeLabel(b)
	if na == nb {
		return 1.0
	}
	maxLen := len(na)
	if len(nb) > maxLen {
		maxLen = len(nb)
	}
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(na, nb)
	sim := 1.0 - float64(dist)/float64(maxLen)
	if sim < 0 {
		sim = 0
	}
	return sim
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// entityMatchScore combines label similarity and type equality into the
// single score AddToGraph compares against the dedup threshold: 0.8 label
// similarity plus 0.2 for an exact type match.
func entityMatchScore(candidate *Entity, label, entityType string) float64 {
	score := 0.8 * labelSimilarity(candidate.Label, label)
	if entityType != "" && candidate.Type == entityType {
		score += 0.2
	}
	return score
}

// findMergeCandidate returns the entity in g whose label/type best matches
// (label, entityType) at or above threshold, or nil if none qualifies.
// Exact (normalized) label+type matches always win outright; otherwise the
// highest-scoring candidate above threshold is returned.
func findMergeCandidate(g *Graph, label, entityType string, threshold float64) *Entity {
	var best *Entity
	bestScore := threshold

	for _, e := range g.Entities() {
		if normalizeLabel(e.Label) == normalizeLabel(label) && e.Type == entityType {
			return e
		}
		score := entityMatchScore(e, label, entityType)
		if score >= bestScore {
			best = e
			bestScore = score
		}
	}
	return best
}

// mergeSourceMemoryIDs appends memoryID to ids if it isn't already present.
func mergeSourceMemoryIDs(ids []string, memoryID string) []string {
	if memoryID == "" {
		return ids
	}
	for _, id := range ids {
		if id == memoryID {
			return ids
		}
	}
	return append(ids, memoryID)
}

