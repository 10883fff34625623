package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/index"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/semantic"
)

// shard is one lock domain of the store. It owns every node whose ID
// hashes to it, every association whose source it owns, and derived
// adjacency for both directions. All methods suffixed Locked expect
// the caller to hold mu; the store is the only caller.
type shard struct {
	id int
	mu sync.RWMutex

	nodes  map[concept.ConceptID]*concept.ConceptNode
	assocs map[concept.AssocKey]*concept.Association

	// outgoing and incoming map a node to the association keys that
	// leave and enter it. Keys in incoming may name associations owned
	// by other shards; the key carries enough to find the owner.
	outgoing map[concept.ConceptID]map[concept.AssocKey]struct{}
	incoming map[concept.ConceptID]map[concept.AssocKey]struct{}

	// domains indexes node ordinals by domain tag so semantic queries
	// that name a domain skip unrelated nodes entirely.
	domains     map[string]*roaring.Bitmap
	ordinals    map[concept.ConceptID]uint32
	byOrdinal   map[uint32]concept.ConceptID
	nextOrdinal uint32

	vectors *index.Index

	wal *WAL
	dir string

	// lastCheckpointSeq is guarded by mu; appendsSince is bumped after
	// every WAL append and zeroed when a checkpoint lands, feeding the
	// append-count checkpoint trigger.
	lastCheckpointSeq uint64
	appendsSince      atomic.Uint64
}

func newShard(id int, dimensions int, indexConfig index.Config) *shard {
	return &shard{
		id:        id,
		nodes:     make(map[concept.ConceptID]*concept.ConceptNode),
		assocs:    make(map[concept.AssocKey]*concept.Association),
		outgoing:  make(map[concept.ConceptID]map[concept.AssocKey]struct{}),
		incoming:  make(map[concept.ConceptID]map[concept.AssocKey]struct{}),
		domains:   make(map[string]*roaring.Bitmap),
		ordinals:  make(map[concept.ConceptID]uint32),
		byOrdinal: make(map[uint32]concept.ConceptID),
		vectors:   index.New(dimensions, indexConfig),
	}
}

// shardFor maps a concept to its owning shard by the leading bytes of
// its content hash, which are uniformly distributed.
func shardFor(id concept.ConceptID, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	return int(uint32(id[0])<<24|uint32(id[1])<<16|uint32(id[2])<<8|uint32(id[3])) % shardCount
}

func (s *shard) ordinalForLocked(id concept.ConceptID) uint32 {
	if ord, ok := s.ordinals[id]; ok {
		return ord
	}
	ord := s.nextOrdinal
	s.nextOrdinal++
	s.ordinals[id] = ord
	s.byOrdinal[ord] = id
	return ord
}

// putNodeLocked inserts or replaces a node and refreshes every derived
// structure that depends on it.
func (s *shard) putNodeLocked(node *concept.ConceptNode) {
	if prev, ok := s.nodes[node.ID]; ok {
		s.dropDomainsLocked(prev)
	}
	s.nodes[node.ID] = node

	ord := s.ordinalForLocked(node.ID)
	for _, domain := range node.Meta.Domains {
		bm, ok := s.domains[domain]
		if !ok {
			bm = roaring.New()
			s.domains[domain] = bm
		}
		bm.Add(ord)
	}
	if len(node.Embedding) > 0 {
		// Index errors only occur on dimension mismatch, which
		// Validate rejects before any write path reaches here.
		_ = s.vectors.Add(node.ID, node.Embedding)
	}
}

func (s *shard) dropDomainsLocked(node *concept.ConceptNode) {
	ord, ok := s.ordinals[node.ID]
	if !ok {
		return
	}
	for _, domain := range node.Meta.Domains {
		if bm, ok := s.domains[domain]; ok {
			bm.Remove(ord)
			if bm.IsEmpty() {
				delete(s.domains, domain)
			}
		}
	}
}

// removeNodeLocked deletes a node and all its local bookkeeping. The
// caller is responsible for ensuring no associations reference it.
func (s *shard) removeNodeLocked(id concept.ConceptID) {
	node, ok := s.nodes[id]
	if !ok {
		return
	}
	s.dropDomainsLocked(node)
	if ord, ok := s.ordinals[id]; ok {
		delete(s.ordinals, id)
		delete(s.byOrdinal, ord)
	}
	s.vectors.Delete(id)
	delete(s.nodes, id)
	delete(s.outgoing, id)
	delete(s.incoming, id)
}

// putAssocLocked stores an association owned by this shard and links
// it into the source's outgoing set. The target's incoming set is the
// target shard's concern.
func (s *shard) putAssocLocked(assoc *concept.Association) {
	key := assoc.Key()
	s.assocs[key] = assoc
	out, ok := s.outgoing[assoc.Source]
	if !ok {
		out = make(map[concept.AssocKey]struct{})
		s.outgoing[assoc.Source] = out
	}
	out[key] = struct{}{}
}

// attachIncomingLocked records that an association elsewhere points at
// a node in this shard. Incoming sets are derived state: they are
// never logged and are rebuilt wholesale on recovery.
func (s *shard) attachIncomingLocked(key concept.AssocKey) {
	in, ok := s.incoming[key.Target]
	if !ok {
		in = make(map[concept.AssocKey]struct{})
		s.incoming[key.Target] = in
	}
	in[key] = struct{}{}
}

func (s *shard) dropAssocLocked(key concept.AssocKey) {
	delete(s.assocs, key)
	if out, ok := s.outgoing[key.Source]; ok {
		delete(out, key)
		if len(out) == 0 {
			delete(s.outgoing, key.Source)
		}
	}
}

func (s *shard) dropIncomingLocked(key concept.AssocKey) {
	if in, ok := s.incoming[key.Target]; ok {
		delete(in, key)
		if len(in) == 0 {
			delete(s.incoming, key.Target)
		}
	}
}

// outgoingKeysLocked returns the keys leaving id in deterministic
// order: target bytes, then type.
func (s *shard) outgoingKeysLocked(id concept.ConceptID) []concept.AssocKey {
	return sortedKeys(s.outgoing[id], false)
}

// incomingKeysLocked returns the keys entering id in deterministic
// order: source bytes, then type.
func (s *shard) incomingKeysLocked(id concept.ConceptID) []concept.AssocKey {
	return sortedKeys(s.incoming[id], true)
}

func sortedKeys(set map[concept.AssocKey]struct{}, bySource bool) []concept.AssocKey {
	if len(set) == 0 {
		return nil
	}
	keys := make([]concept.AssocKey, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		var cmp int
		if bySource {
			cmp = bytes.Compare(a.Source[:], b.Source[:])
		} else {
			cmp = bytes.Compare(a.Target[:], b.Target[:])
		}
		if cmp != 0 {
			return cmp < 0
		}
		return a.Type < b.Type
	})
	return keys
}

// matchingNodesLocked collects clones of nodes accepted by the filter,
// using domain bitmaps to narrow the scan when the filter names any.
func (s *shard) matchingNodesLocked(filter *semantic.Filter, limit int) []*concept.ConceptNode {
	var out []*concept.ConceptNode
	consider := func(node *concept.ConceptNode) {
		if filter.Matches(node) {
			out = append(out, node.Clone())
		}
	}

	if filter != nil && len(filter.Domains) > 0 {
		seen := roaring.New()
		for _, domain := range filter.Domains {
			if bm, ok := s.domains[domain]; ok {
				seen.Or(bm)
			}
		}
		it := seen.Iterator()
		for it.HasNext() {
			if id, ok := s.byOrdinal[it.Next()]; ok {
				if node, ok := s.nodes[id]; ok {
					consider(node)
				}
			}
		}
	} else {
		for _, node := range s.nodes {
			consider(node)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// snapshotLocked clones the shard's durable state into a checkpoint
// image. Derived structures are not captured; restore rebuilds them.
func (s *shard) snapshotLocked() *checkpointImage {
	image := &checkpointImage{
		FormatVersion: checkpointFormatVersion,
		Shard:         s.id,
		Nodes:         make([]*concept.ConceptNode, 0, len(s.nodes)),
		Assocs:        make([]*concept.Association, 0, len(s.assocs)),
	}
	for _, node := range s.nodes {
		image.Nodes = append(image.Nodes, node.Clone())
	}
	for _, assoc := range s.assocs {
		image.Assocs = append(image.Assocs, assoc.Clone())
	}
	return image
}

// restore loads a checkpoint image. It runs before the store is
// visible to other goroutines, so no locking is needed, but it uses
// the locked mutators to keep derived state consistent.
func (s *shard) restore(image *checkpointImage) {
	for _, node := range image.Nodes {
		s.putNodeLocked(node)
	}
	for _, assoc := range image.Assocs {
		s.putAssocLocked(assoc)
	}
}

// applyRecordLocked applies one replayed WAL record. Records carry
// post-state, so every application is an idempotent upsert.
func (s *shard) applyRecordLocked(rt RecordType, payload []byte) error {
	switch rt {
	case RecordNode:
		var rec nodeRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("decode node record: %w", err)
		}
		if rec.Node == nil {
			return fmt.Errorf("node record without node")
		}
		s.putNodeLocked(rec.Node)

	case RecordAssoc:
		var rec assocRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("decode assoc record: %w", err)
		}
		if rec.Assoc == nil {
			return fmt.Errorf("assoc record without association")
		}
		s.putAssocLocked(rec.Assoc)

	case RecordTouch:
		var rec touchRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("decode touch record: %w", err)
		}
		for _, item := range rec.Items {
			if node, ok := s.nodes[item.ID]; ok {
				node.Strength = item.Strength
				node.Confidence = item.Confidence
				node.LastUsed = item.LastUsed
				node.UseCount = item.UseCount
			}
		}

	case RecordLearn:
		var rec learnRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("decode learn record: %w", err)
		}
		if rec.Node == nil {
			return fmt.Errorf("learn record without node")
		}
		s.putNodeLocked(rec.Node)
		for _, assoc := range rec.Assocs {
			s.putAssocLocked(assoc)
		}

	case RecordPrune:
		var rec pruneRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("decode prune record: %w", err)
		}
		for _, id := range rec.IDs {
			s.removeNodeLocked(id)
		}

	default:
		return fmt.Errorf("unknown record type %d", rt)
	}
	return nil
}
