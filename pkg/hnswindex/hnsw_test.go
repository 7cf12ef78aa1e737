package hnswindex

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
)

func TestGraphBasic(t *testing.T) {
	g := NewGraph(16, 200, 1, EuclideanDistance)

	vectors := []struct {
		id  string
		vec []float32
	}{
		{"vec1", []float32{1.0, 0.0, 0.0, 0.0}},
		{"vec2", []float32{0.0, 1.0, 0.0, 0.0}},
		{"vec3", []float32{0.0, 0.0, 1.0, 0.0}},
		{"vec4", []float32{0.5, 0.5, 0.0, 0.0}},
		{"vec5", []float32{0.5, 0.0, 0.5, 0.0}},
	}

	for _, v := range vectors {
		if err := g.Insert(v.id, v.vec); err != nil {
			t.Fatalf("insert %s: %v", v.id, err)
		}
	}

	if g.Size() != 5 {
		t.Errorf("expected size 5, got %d", g.Size())
	}

	query := []float32{0.9, 0.1, 0.0, 0.0}
	ids, distances := g.Search(query, 3, 50)
	if len(ids) != 3 {
		t.Fatalf("expected 3 results, got %d", len(ids))
	}
	if ids[0] != "vec1" {
		t.Errorf("expected closest result vec1, got %s", ids[0])
	}
	for i := 1; i < len(distances); i++ {
		if distances[i] < distances[i-1] {
			t.Error("distances not in ascending order")
		}
	}
}

func TestGraphCosineDistance(t *testing.T) {
	g := NewGraph(16, 200, 1, CosineDistance)

	normalize := func(v []float32) []float32 {
		var sum float32
		for _, val := range v {
			sum += val * val
		}
		norm := float32(math.Sqrt(float64(sum)))
		out := make([]float32, len(v))
		for i, val := range v {
			out[i] = val / norm
		}
		return out
	}

	vectors := []struct {
		id  string
		vec []float32
	}{
		{"doc1", normalize([]float32{1.0, 0.0, 0.0, 0.0})},
		{"doc2", normalize([]float32{1.0, 1.0, 0.0, 0.0})},
		{"doc3", normalize([]float32{0.0, 1.0, 0.0, 0.0})},
		{"doc4", normalize([]float32{1.0, 0.0, 1.0, 0.0})},
		{"doc5", normalize([]float32{1.0, 1.0, 1.0, 1.0})},
	}
	for _, v := range vectors {
		if err := g.Insert(v.id, v.vec); err != nil {
			t.Fatalf("insert %s: %v", v.id, err)
		}
	}

	query := normalize([]float32{1.0, 0.5, 0.0, 0.0})
	ids, _ := g.Search(query, 3, 50)
	if len(ids) == 0 {
		t.Fatal("no results returned")
	}
}

func TestGraphDelete(t *testing.T) {
	g := NewGraph(16, 200, 1, EuclideanDistance)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("vec_%d", i)
		vec := make([]float32, 4)
		vec[0] = float32(i)
		if err := g.Insert(id, vec); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	if err := g.Delete("vec_2"); err != nil {
		t.Fatalf("delete vec_2: %v", err)
	}
	if g.Size() != 4 {
		t.Errorf("expected size 4 after deletion, got %d", g.Size())
	}

	query := []float32{2.0, 0, 0, 0}
	ids, _ := g.Search(query, 5, 50)
	for _, id := range ids {
		if id == "vec_2" {
			t.Error("deleted vector vec_2 appeared in search results")
		}
	}
}

func TestGraphCompactDropsTombstones(t *testing.T) {
	g := NewGraph(16, 200, 1, EuclideanDistance)

	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("vec_%d", i)
		vec := make([]float32, 4)
		vec[0] = float32(i)
		if err := g.Insert(id, vec); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if err := g.Delete("vec_1"); err != nil {
		t.Fatalf("delete vec_1: %v", err)
	}
	if err := g.Delete("vec_3"); err != nil {
		t.Fatalf("delete vec_3: %v", err)
	}

	g.Compact()
	if g.Size() != 4 {
		t.Fatalf("expected 4 live nodes after compact, got %d", g.Size())
	}
	for _, n := range g.Nodes {
		if n.Deleted {
			t.Fatal("compact should have dropped tombstoned nodes entirely, found one still present")
		}
	}

	query := []float32{1.0, 0, 0, 0}
	ids, _ := g.Search(query, 6, 50)
	for _, id := range ids {
		if id == "vec_1" || id == "vec_3" {
			t.Errorf("compacted graph still returned tombstoned id %s", id)
		}
	}
}

func TestGraphDuplicateInsert(t *testing.T) {
	g := NewGraph(16, 200, 1, EuclideanDistance)
	vec := []float32{1.0, 0.0, 0.0, 0.0}

	if err := g.Insert("vec1", vec); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := g.Insert("vec1", vec); err == nil {
		t.Error("expected error for duplicate insert, got nil")
	}
}

func TestGraphEmptyIndex(t *testing.T) {
	g := NewGraph(16, 200, 1, EuclideanDistance)

	query := []float32{1.0, 0.0, 0.0, 0.0}
	ids, distances := g.Search(query, 5, 50)
	if len(ids) != 0 || len(distances) != 0 {
		t.Errorf("expected no results from empty graph, got %d ids / %d distances", len(ids), len(distances))
	}
}

func BenchmarkGraphInsert(b *testing.B) {
	g := NewGraph(16, 200, 1, EuclideanDistance)
	dim := 128
	vectors := make([][]float32, b.N)
	for i := 0; i < b.N; i++ {
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			vec[j] = rand.Float32()
		}
		vectors[i] = vec
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := g.Insert(fmt.Sprintf("vec_%d", i), vectors[i]); err != nil {
			b.Fatalf("insert failed: %v", err)
		}
	}
}

func BenchmarkGraphSearch(b *testing.B) {
	g := NewGraph(16, 200, 1, EuclideanDistance)
	dim := 128
	numVectors := 10000
	for i := 0; i < numVectors; i++ {
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			vec[j] = rand.Float32()
		}
		if err := g.Insert(fmt.Sprintf("vec_%d", i), vec); err != nil {
			b.Fatalf("insert failed: %v", err)
		}
	}

	query := make([]float32, dim)
	for j := 0; j < dim; j++ {
		query[j] = rand.Float32()
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g.Search(query, 10, 50)
	}
}
