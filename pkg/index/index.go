// Package index provides approximate nearest neighbor search over concept
// embeddings using an HNSW graph.
//
// The index is additive-only: pruned concepts are tombstoned, not unlinked,
// and tombstoned entries are filtered out of query results. That keeps
// concurrent inserts simple (no structural deletion races) at the cost of a
// little query-time filtering. Recovery rebuilds the index from live nodes,
// which drops accumulated tombstones.
package index

import (
	"container/heap"
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/math/vector"
)

// ErrDimensionMismatch is returned when a vector's length does not match the
// dimensions the index was created with.
var ErrDimensionMismatch = errors.New("index: vector dimension mismatch")

// Config contains HNSW tuning parameters.
type Config struct {
	M               int     // Max connections per node per layer (default: 16)
	EfConstruction  int     // Candidate list size during construction (default: 200)
	EfSearch        int     // Candidate list size during search (default: 100)
	LevelMultiplier float64 // Level multiplier = 1/ln(M)
}

// DefaultConfig returns balanced HNSW parameters.
func DefaultConfig() Config {
	return Config{
		M:               16,
		EfConstruction:  200,
		EfSearch:        100,
		LevelMultiplier: 1.0 / math.Log(16.0),
	}
}

// Result is a single nearest-neighbor hit.
type Result struct {
	ID    concept.ConceptID
	Score float64
}

// hnswNode is a vertex in the HNSW graph.
type hnswNode struct {
	id        concept.ConceptID
	vector    []float32
	level     int
	neighbors [][]concept.ConceptID
	mu        sync.RWMutex
}

// Index is a thread-safe HNSW index keyed by ConceptID.
type Index struct {
	config     Config
	dimensions int

	mu         sync.RWMutex
	nodes      map[concept.ConceptID]*hnswNode
	ords       map[concept.ConceptID]uint32
	nextOrd    uint32
	tombstones *roaring.Bitmap
	entryPoint concept.ConceptID
	maxLevel   int
}

// New creates an empty index for vectors of the given dimensionality.
func New(dimensions int, config Config) *Index {
	if config.M == 0 {
		config = DefaultConfig()
	}
	return &Index{
		config:     config,
		dimensions: dimensions,
		nodes:      make(map[concept.ConceptID]*hnswNode),
		ords:       make(map[concept.ConceptID]uint32),
		tombstones: roaring.New(),
	}
}

// Dimensions returns the vector width the index accepts.
func (h *Index) Dimensions() int {
	return h.dimensions
}

// Add inserts a vector, normalizing it so dot product equals cosine
// similarity in the search loop. Re-adding an existing id refreshes its
// vector and clears any tombstone; the graph position is kept.
func (h *Index) Add(id concept.ConceptID, vec []float32) error {
	if len(vec) != h.dimensions {
		return ErrDimensionMismatch
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	normalized := vector.Normalize(vec)

	if existing, ok := h.nodes[id]; ok {
		existing.mu.Lock()
		existing.vector = normalized
		existing.mu.Unlock()
		h.tombstones.Remove(h.ords[id])
		return nil
	}

	level := h.randomLevel()
	node := &hnswNode{
		id:        id,
		vector:    normalized,
		level:     level,
		neighbors: make([][]concept.ConceptID, level+1),
	}
	for i := range node.neighbors {
		node.neighbors[i] = make([]concept.ConceptID, 0, h.config.M)
	}

	h.nodes[id] = node
	h.ords[id] = h.nextOrd
	h.nextOrd++

	if h.entryPoint.IsZero() {
		h.entryPoint = id
		h.maxLevel = level
		return nil
	}

	ep := h.entryPoint
	epLevel := h.nodes[ep].level

	for l := epLevel; l > level; l-- {
		ep = h.searchLayerSingle(normalized, ep, l)
	}

	for l := min(level, epLevel); l >= 0; l-- {
		candidates := h.searchLayer(normalized, ep, h.config.EfConstruction, l)
		neighbors := h.selectNeighbors(normalized, candidates, h.config.M)
		node.neighbors[l] = neighbors

		for _, neighborID := range neighbors {
			neighbor := h.nodes[neighborID]
			neighbor.mu.Lock()
			if len(neighbor.neighbors) > l {
				if len(neighbor.neighbors[l]) < h.config.M {
					neighbor.neighbors[l] = append(neighbor.neighbors[l], id)
				} else {
					allNeighbors := append(neighbor.neighbors[l], id)
					neighbor.neighbors[l] = h.selectNeighbors(neighbor.vector, allNeighbors, h.config.M)
				}
			}
			neighbor.mu.Unlock()
		}

		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > h.maxLevel {
		h.entryPoint = id
		h.maxLevel = level
	}

	return nil
}

// Delete tombstones an id. The entry stays in the graph as a routing point
// but never appears in results. Unknown ids are a no-op.
func (h *Index) Delete(id concept.ConceptID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ord, ok := h.ords[id]; ok {
		h.tombstones.Add(ord)
	}
}

// Contains reports whether id is present and live.
func (h *Index) Contains(id concept.ConceptID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ord, ok := h.ords[id]
	return ok && !h.tombstones.Contains(ord)
}

// Search returns up to k live neighbors of query with similarity of at least
// minSimilarity, best first.
func (h *Index) Search(ctx context.Context, query []float32, k int, minSimilarity float64) ([]Result, error) {
	if len(query) != h.dimensions {
		return nil, ErrDimensionMismatch
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 || k <= 0 {
		return []Result{}, nil
	}

	normalized := vector.Normalize(query)
	ep := h.entryPoint

	for l := h.maxLevel; l > 0; l-- {
		ep = h.searchLayerSingle(normalized, ep, l)
	}

	// Widen the candidate pool so tombstoned routing points don't starve
	// the result set.
	ef := h.config.EfSearch
	if ef < k {
		ef = k
	}
	candidates := h.searchLayer(normalized, ep, ef, 0)

	results := make([]Result, 0, k)
	for _, candidateID := range candidates {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		if h.tombstones.Contains(h.ords[candidateID]) {
			continue
		}

		node := h.nodes[candidateID]
		similarity := vector.DotProduct(normalized, node.vector)

		if similarity >= minSimilarity {
			results = append(results, Result{ID: candidateID, Score: similarity})
		}

		if len(results) >= k {
			break
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > k {
		results = results[:k]
	}

	return results, nil
}

// Size returns the number of live (non-tombstoned) entries.
func (h *Index) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes) - int(h.tombstones.GetCardinality())
}

// Tombstoned returns how many entries are dead weight. The store surfaces
// this in stats so operators can see when a rebuild would pay off.
func (h *Index) Tombstoned() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tombstones.GetCardinality()
}

func (h *Index) searchLayerSingle(query []float32, entryID concept.ConceptID, level int) concept.ConceptID {
	current := entryID
	currentDist := 1.0 - vector.DotProduct(query, h.nodes[current].vector)

	for {
		changed := false
		node := h.nodes[current]
		node.mu.RLock()
		neighbors := node.neighbors[level]
		node.mu.RUnlock()

		for _, neighborID := range neighbors {
			neighbor := h.nodes[neighborID]
			dist := 1.0 - vector.DotProduct(query, neighbor.vector)
			if dist < currentDist {
				current = neighborID
				currentDist = dist
				changed = true
			}
		}

		if !changed {
			break
		}
	}

	return current
}

func (h *Index) searchLayer(query []float32, entryID concept.ConceptID, ef int, level int) []concept.ConceptID {
	visited := make(map[concept.ConceptID]bool)
	visited[entryID] = true

	candidates := &distHeap{}
	heap.Init(candidates)

	results := &distHeap{}
	heap.Init(results)

	entryDist := 1.0 - vector.DotProduct(query, h.nodes[entryID].vector)
	heap.Push(candidates, distItem{id: entryID, dist: entryDist, isMax: false})
	heap.Push(results, distItem{id: entryID, dist: entryDist, isMax: true})

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(distItem)

		if results.Len() >= ef {
			furthest := (*results)[0]
			if closest.dist > furthest.dist {
				break
			}
		}

		node := h.nodes[closest.id]
		node.mu.RLock()
		neighbors := node.neighbors[level]
		node.mu.RUnlock()

		for _, neighborID := range neighbors {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true

			neighbor := h.nodes[neighborID]
			dist := 1.0 - vector.DotProduct(query, neighbor.vector)

			if results.Len() < ef || dist < (*results)[0].dist {
				heap.Push(candidates, distItem{id: neighborID, dist: dist, isMax: false})
				heap.Push(results, distItem{id: neighborID, dist: dist, isMax: true})

				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	resultList := make([]concept.ConceptID, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item := heap.Pop(results).(distItem)
		resultList[i] = item.id
	}

	return resultList
}

func (h *Index) selectNeighbors(query []float32, candidates []concept.ConceptID, m int) []concept.ConceptID {
	if len(candidates) <= m {
		return candidates
	}

	type distNode struct {
		id   concept.ConceptID
		dist float64
	}
	dists := make([]distNode, len(candidates))
	for i, cid := range candidates {
		dists[i] = distNode{
			id:   cid,
			dist: 1.0 - vector.DotProduct(query, h.nodes[cid].vector),
		}
	}

	sort.Slice(dists, func(i, j int) bool {
		return dists[i].dist < dists[j].dist
	})

	result := make([]concept.ConceptID, m)
	for i := 0; i < m; i++ {
		result[i] = dists[i].id
	}
	return result
}

func (h *Index) randomLevel() int {
	r := rand.Float64()
	return int(-math.Log(r) * h.config.LevelMultiplier)
}

// Heap types for layer search
type distItem struct {
	id    concept.ConceptID
	dist  float64
	isMax bool
}

type distHeap []distItem

func (dh distHeap) Len() int { return len(dh) }
func (dh distHeap) Less(i, j int) bool {
	if dh[i].isMax {
		return dh[i].dist > dh[j].dist
	}
	return dh[i].dist < dh[j].dist
}
func (dh distHeap) Swap(i, j int) { dh[i], dh[j] = dh[j], dh[i] }

func (dh *distHeap) Push(x interface{}) {
	*dh = append(*dh, x.(distItem))
}

func (dh *distHeap) Pop() interface{} {
	old := *dh
	n := len(old)
	x := old[n-1]
	*dh = old[0 : n-1]
	return x
}
