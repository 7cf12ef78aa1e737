package graphmodel

// RelatedEntity is one result of a multi-hop traversal from a starting
// entity: the entity reached, how many hops away it is, and the
// confidence of the best path to it.
type RelatedEntity struct {
	Entity          *Entity
	Hops            int
	PathConfidence  float64
	RelationshipIDs []string // the edge ids making up the best path, source-to-target order
}

// FindRelatedEntities performs a breadth-first traversal outward from
// startID, in both edge directions, up to maxHops away. Confidence along
// a path is the product of its edges' confidences — every extra hop
// compounds the uncertainty of the ones before it — and when multiple paths reach the
// same entity, the one with the highest product wins.
func FindRelatedEntities(g *Graph, startID string, maxHops int) []RelatedEntity {
	if maxHops <= 0 {
		maxHops = 1
	}
	if g.GetEntity(startID) == nil {
		return nil
	}

	best := make(map[string]RelatedEntity)

	type frontierItem struct {
		entityID   string
		hops       int
		confidence float64
		path       []string
	}

	queue := []frontierItem{{entityID: startID, hops: 0, confidence: 1.0}}
	visitedAtBestConfidence := map[string]float64{startID: 1.0}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current.hops >= maxHops {
			continue
		}

		for _, edge := range neighborEdges(g, current.entityID) {
			otherID := edge.TargetEntityID
			if otherID == current.entityID {
				otherID = edge.SourceEntityID
			}
			if otherID == startID {
				continue
			}

			candidateConfidence := current.confidence * edge.Confidence
			if prev, seen := visitedAtBestConfidence[otherID]; seen && candidateConfidence <= prev {
				continue
			}
			visitedAtBestConfidence[otherID] = candidateConfidence

			path := append(append([]string(nil), current.path...), edge.ID)
			entry := RelatedEntity{
				Entity:          g.GetEntity(otherID),
				Hops:            current.hops + 1,
				PathConfidence:  candidateConfidence,
				RelationshipIDs: path,
			}
			if entry.Entity == nil {
				continue
			}
			if prev, ok := best[otherID]; !ok || entry.PathConfidence > prev.PathConfidence {
				best[otherID] = entry
			}

			queue = append(queue, frontierItem{
				entityID:   otherID,
				hops:       current.hops + 1,
				confidence: candidateConfidence,
				path:       path,
			})
		}
	}

	out := make([]RelatedEntity, 0, len(best))
	for _, v := range best {
		out = append(out, v)
	}
	return out
}

func neighborEdges(g *Graph, entityID string) []*Relationship {
	edges := append([]*Relationship(nil), g.EdgesFrom(entityID)...)
	edges = append(edges, g.EdgesTo(entityID)...)
	return edges
}

// QueryFilter narrows QueryGraph's result set. A zero-value filter matches
// everything.
type QueryFilter struct {
	EntityTypes []string
	LabelPrefix string
}

// QueryGraph returns every entity in g matching filter, and every
// relationship whose source and target both pass the filter.
func QueryGraph(g *Graph, filter QueryFilter) ([]*Entity, []*Relationship) {
	matches := func(e *Entity) bool {
		if len(filter.EntityTypes) > 0 && !containsString(filter.EntityTypes, e.Type) {
			return false
		}
		if filter.LabelPrefix != "" && !hasPrefixFold(e.Label, filter.LabelPrefix) {
			return false
		}
		return true
	}

	keep := make(map[string]bool)
	var entities []*Entity
	for _, e := range g.Entities() {
		if matches(e) {
			entities = append(entities, e)
			keep[e.ID] = true
		}
	}

	var rels []*Relationship
	for _, r := range g.Relationships() {
		if keep[r.SourceEntityID] && keep[r.TargetEntityID] {
			rels = append(rels, r)
		}
	}
	return entities, rels
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func hasPrefixFold(s, prefix string) bool {
	if len(prefix) > len(s) {
		return false
	}
	return normalizeLabel(s[:len(prefix)]) == normalizeLabel(prefix)
}
