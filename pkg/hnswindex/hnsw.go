// Package hnswindex implements the Hierarchical Navigable Small World
// approximate nearest-neighbor graph and the per-user service that wraps
// one instance of it per user, with a pending-write buffer and periodic
// snapshot persistence sitting in front of the graph itself.
package hnswindex

import (
	"container/heap"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Node is a single point in the HNSW graph: its vector, the layer it was
// assigned to at insertion time, and its neighbor list at every layer from
// 0 up to its own level.
type Node struct {
	ID        string
	Vector    []float32
	Level     int
	Neighbors [][]string
	Deleted   bool // tombstone; Delete never removes a node outright
}

// Graph is a single Hierarchical Navigable Small World index. It is safe
// for concurrent use; every exported method takes the lock it needs.
type Graph struct {
	M              int     // max bidirectional links per node above layer 0
	MaxM           int     // max links at layer 0 (2*M)
	EfConstruction int     // dynamic candidate list size used while inserting
	ML             float64 // level-assignment normalizing constant (1/ln(2))

	Nodes      map[string]*Node
	EntryPoint string

	DistFunc func(a, b []float32) float32

	mu  sync.RWMutex
	rng *rand.Rand
}

// NewGraph constructs an empty graph with the given construction
// parameters and distance function. seed makes level assignment
// reproducible across runs of the same user's index, which keeps search
// results byte-stable for fixed input in tests.
func NewGraph(m, efConstruction int, seed int64, distFunc func(a, b []float32) float32) *Graph {
	return &Graph{
		M:              m,
		MaxM:           m * 2,
		EfConstruction: efConstruction,
		ML:             1.0 / math.Log(2.0),
		Nodes:          make(map[string]*Node),
		DistFunc:       distFunc,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

// selectLevel draws a random level with the standard HNSW exponential
// decay: 50% chance to continue to the next level, capped to avoid runaway
// towers on pathological random sequences.
func (g *Graph) selectLevel() int {
	level := 0
	for g.rng.Float64() < 0.5 {
		level++
		if level > 16 {
			break
		}
	}
	return level
}

// Insert adds vector under id. Returns an error if id already exists;
// callers that want upsert semantics must Delete first.
func (g *Graph) Insert(id string, vector []float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.Nodes[id]; exists {
		return fmt.Errorf("hnswindex: node %q already exists", id)
	}

	level := g.selectLevel()
	node := &Node{
		ID:        id,
		Vector:    vector,
		Level:     level,
		Neighbors: make([][]string, level+1),
	}
	for i := 0; i <= level; i++ {
		node.Neighbors[i] = make([]string, 0)
	}
	g.Nodes[id] = node

	if g.EntryPoint == "" {
		g.EntryPoint = id
		return nil
	}

	currNearest := []string{g.EntryPoint}
	entryNode := g.Nodes[g.EntryPoint]
	for lc := entryNode.Level; lc > level; lc-- {
		currNearest = g.searchLayerClosest(vector, currNearest, 1, lc)
	}

	for lc := level; lc >= 0; lc-- {
		m := g.M
		if lc == 0 {
			m = g.MaxM
		}

		candidates := g.searchLayer(vector, currNearest, g.EfConstruction, lc)
		neighbors := g.selectNeighborsHeuristic(vector, candidates, m)

		node.Neighbors[lc] = neighbors
		for _, neighbor := range neighbors {
			g.addConnection(neighbor, id, lc)

			neighborNode := g.Nodes[neighbor]
			maxConn := g.M
			if lc == 0 {
				maxConn = g.MaxM
			}
			if lc < len(neighborNode.Neighbors) && len(neighborNode.Neighbors[lc]) > maxConn {
				neighborNode.Neighbors[lc] = g.selectNeighborsHeuristic(
					neighborNode.Vector, neighborNode.Neighbors[lc], maxConn)
			}
		}

		currNearest = neighbors
	}

	if level > g.Nodes[g.EntryPoint].Level {
		g.EntryPoint = id
	}

	return nil
}

// searchLayer performs the greedy beam search used at every layer: expand
// candidates nearest-first, stop once the candidate frontier can no longer
// beat the worst point currently kept.
func (g *Graph) searchLayer(query []float32, entryPoints []string, ef int, layer int) []string {
	visited := make(map[string]bool)
	candidates := &distHeap{}
	kept := &distHeap{} // max-heap over negated distance: worst-kept on top

	for _, point := range entryPoints {
		dist := g.DistFunc(query, g.Nodes[point].Vector)
		heap.Push(candidates, &heapItem{id: point, dist: dist})
		heap.Push(kept, &heapItem{id: point, dist: -dist})
		visited[point] = true
	}

	for candidates.Len() > 0 {
		if kept.Len() > 0 {
			lowerBound := (*candidates)[0].dist
			if lowerBound > -(*kept)[0].dist {
				break
			}
		}

		current := heap.Pop(candidates).(*heapItem)
		currentNode := g.Nodes[current.id]
		if layer >= len(currentNode.Neighbors) {
			continue
		}

		for _, neighbor := range currentNode.Neighbors[layer] {
			if visited[neighbor] {
				continue
			}
			visited[neighbor] = true

			dist := g.DistFunc(query, g.Nodes[neighbor].Vector)
			if dist < -(*kept)[0].dist || kept.Len() < ef {
				heap.Push(candidates, &heapItem{id: neighbor, dist: dist})
				heap.Push(kept, &heapItem{id: neighbor, dist: -dist})
				if kept.Len() > ef {
					heap.Pop(kept)
				}
			}
		}
	}

	result := make([]string, 0, kept.Len())
	for kept.Len() > 0 {
		result = append(result, heap.Pop(kept).(*heapItem).id)
	}
	for i := 0; i < len(result)/2; i++ {
		result[i], result[len(result)-1-i] = result[len(result)-1-i], result[i]
	}
	return result
}

func (g *Graph) searchLayerClosest(query []float32, entryPoints []string, num int, layer int) []string {
	candidates := g.searchLayer(query, entryPoints, num, layer)
	if len(candidates) > num {
		return candidates[:num]
	}
	return candidates
}

// selectNeighborsHeuristic keeps the m closest candidates to query. This is
// the simple distance-ranked heuristic variant of the HNSW neighbor
// selection rule, not the diversity-aware one — adequate at the node
// counts a single-user index reaches.
func (g *Graph) selectNeighborsHeuristic(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		return candidates
	}

	type distPair struct {
		id   string
		dist float32
	}
	pairs := make([]distPair, len(candidates))
	for i, candidate := range candidates {
		pairs[i] = distPair{id: candidate, dist: g.DistFunc(query, g.Nodes[candidate].Vector)}
	}
	for i := 0; i < len(pairs)-1; i++ {
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].dist < pairs[i].dist {
				pairs[i], pairs[j] = pairs[j], pairs[i]
			}
		}
	}

	result := make([]string, 0, m)
	for i := 0; i < m && i < len(pairs); i++ {
		result = append(result, pairs[i].id)
	}
	return result
}

func (g *Graph) addConnection(from, to string, layer int) {
	fromNode, exists := g.Nodes[from]
	if !exists || layer >= len(fromNode.Neighbors) {
		return
	}
	for _, neighbor := range fromNode.Neighbors[layer] {
		if neighbor == to {
			return
		}
	}
	fromNode.Neighbors[layer] = append(fromNode.Neighbors[layer], to)
}

// Search returns up to k ids nearest to query, closest first, skipping
// tombstoned nodes. ef controls the layer-0 candidate list size; it should
// be >= k.
func (g *Graph) Search(query []float32, k, ef int) ([]string, []float32) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.EntryPoint == "" {
		return nil, nil
	}

	entryNode := g.Nodes[g.EntryPoint]
	currNearest := []string{g.EntryPoint}
	for layer := entryNode.Level; layer > 0; layer-- {
		currNearest = g.searchLayerClosest(query, currNearest, 1, layer)
	}

	candidates := g.searchLayer(query, currNearest, ef, 0)

	type result struct {
		id   string
		dist float32
	}
	results := make([]result, 0, len(candidates))
	for _, candidate := range candidates {
		if node, exists := g.Nodes[candidate]; exists && !node.Deleted {
			results = append(results, result{id: candidate, dist: g.DistFunc(query, node.Vector)})
		}
	}
	for i := 0; i < len(results)-1; i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].dist < results[i].dist {
				results[i], results[j] = results[j], results[i]
			}
		}
	}

	limit := k
	if limit > len(results) {
		limit = len(results)
	}
	ids := make([]string, limit)
	distances := make([]float32, limit)
	for i := 0; i < limit; i++ {
		ids[i] = results[i].id
		distances[i] = results[i].dist
	}
	return ids, distances
}

// Delete tombstones id. The node and its edges stay in the graph until a
// caller runs Compact; only its visibility to Search changes.
func (g *Graph) Delete(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, exists := g.Nodes[id]
	if !exists {
		return errors.New("hnswindex: node not found")
	}
	node.Deleted = true

	if g.EntryPoint == id {
		g.EntryPoint = ""
		for nodeID, n := range g.Nodes {
			if !n.Deleted {
				g.EntryPoint = nodeID
				break
			}
		}
	}
	return nil
}

// Compact rebuilds the graph from scratch using only its live (non-deleted)
// nodes, inserted in ascending (string) id order, dropping tombstones and
// their edges permanently. The rebuilt graph draws its levels from a
// time-seeded generator, so its layout is not reproducible across runs.
// Callers trigger this explicitly; it never runs on a snapshot-save or
// load path.
func (g *Graph) Compact() {
	g.mu.Lock()
	live := make([]*Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if !n.Deleted {
			live = append(live, n)
		}
	}
	for i := 0; i < len(live)-1; i++ {
		for j := i + 1; j < len(live); j++ {
			if live[j].ID < live[i].ID {
				live[i], live[j] = live[j], live[i]
			}
		}
	}
	rebuilt := NewGraph(g.M, g.EfConstruction, time.Now().UnixNano(), g.DistFunc)
	g.mu.Unlock()

	for _, n := range live {
		_ = rebuilt.Insert(n.ID, n.Vector)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.Nodes = rebuilt.Nodes
	g.EntryPoint = rebuilt.EntryPoint
}

// Size returns the count of live (non-tombstoned) nodes.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	for _, node := range g.Nodes {
		if !node.Deleted {
			count++
		}
	}
	return count
}

// Stats reports graph-shape counters used by the CLI's stats command.
func (g *Graph) Stats() map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()

	totalNodes := len(g.Nodes)
	activeNodes := 0
	totalEdges := 0
	maxLevel := 0
	levelDistribution := make(map[int]int)

	for _, node := range g.Nodes {
		if !node.Deleted {
			activeNodes++
			if node.Level > maxLevel {
				maxLevel = node.Level
			}
			levelDistribution[node.Level]++
			for _, neighbors := range node.Neighbors {
				totalEdges += len(neighbors)
			}
		}
	}

	avgEdges := 0.0
	if activeNodes > 0 {
		avgEdges = float64(totalEdges) / float64(activeNodes)
	}

	return map[string]any{
		"total_nodes":        totalNodes,
		"active_nodes":       activeNodes,
		"deleted_nodes":      totalNodes - activeNodes,
		"total_edges":        totalEdges,
		"avg_edges_per_node": avgEdges,
		"max_level":          maxLevel,
		"level_distribution": levelDistribution,
		"entry_point":        g.EntryPoint,
		"m":                  g.M,
		"ef_construction":    g.EfConstruction,
	}
}

// Save gob-encodes the graph's parameters and every node (tombstones
// included — Compact, not Save, is what drops them).
func (g *Graph) Save(w io.Writer) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	enc := gob.NewEncoder(w)
	if err := enc.Encode(g.M); err != nil {
		return err
	}
	if err := enc.Encode(g.EfConstruction); err != nil {
		return err
	}
	if err := enc.Encode(g.EntryPoint); err != nil {
		return err
	}
	if err := enc.Encode(len(g.Nodes)); err != nil {
		return err
	}
	for _, node := range g.Nodes {
		if err := enc.Encode(node); err != nil {
			return err
		}
	}
	return nil
}

// Load replaces the graph's contents with a snapshot written by Save. The
// distance function is not persisted; callers must set DistFunc again
// after Load (NewGraph followed by Load does this naturally).
func (g *Graph) Load(r io.Reader) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	dec := gob.NewDecoder(r)
	if err := dec.Decode(&g.M); err != nil {
		return err
	}
	g.MaxM = g.M * 2
	g.ML = 1.0 / math.Log(2.0)

	if err := dec.Decode(&g.EfConstruction); err != nil {
		return err
	}
	if err := dec.Decode(&g.EntryPoint); err != nil {
		return err
	}

	var count int
	if err := dec.Decode(&count); err != nil {
		return err
	}
	g.Nodes = make(map[string]*Node, count)
	for i := 0; i < count; i++ {
		var node Node
		if err := dec.Decode(&node); err != nil {
			return err
		}
		g.Nodes[node.ID] = &node
	}
	return nil
}

type heapItem struct {
	id   string
	dist float32
}

type distHeap []*heapItem

func (h distHeap) Len() int            { return len(h) }
func (h distHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h distHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *distHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *distHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// EuclideanDistance computes the L2 distance between a and b.
func EuclideanDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return float32(math.Sqrt(float64(sum)))
}

// CosineDistance computes 1 minus cosine similarity, so smaller means
// closer, matching every other distance function's convention.
func CosineDistance(a, b []float32) float32 {
	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 1.0
	}
	similarity := dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
	return 1.0 - similarity
}
