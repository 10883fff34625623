// Package concept defines the core data model of the Sutra knowledge graph:
// concepts, associations, and the semantic metadata attached to them.
//
// The model is deliberately flat. Concepts live in per-shard maps keyed by
// ConceptID, associations live in a separate relation table keyed by
// (source, target, type), and neither structure owns pointers into the other.
// That removes ownership cycles entirely and makes sharding by id a pure
// function of the identifier.
//
// Design Principles:
//   - Content-addressed identity: the same content always hashes to the
//     same ConceptID, so re-ingesting a fact strengthens it instead of
//     duplicating it.
//   - Confidence values are clamped to [0,1] at every mutation site.
//   - Strength decays exponentially with disuse and is reinforced on access.
//
// Example Usage:
//
//	id := concept.DeriveID("Paris is the capital of France")
//
//	node := concept.NewNode("Paris is the capital of France")
//	node.Reinforce(concept.DefaultReinforcement, time.Now())
//
//	assoc := &concept.Association{
//		Source:     concept.DeriveID("paris"),
//		Target:     concept.DeriveID("france"),
//		Type:       concept.PartOf,
//		Weight:     1.0,
//		Confidence: 0.8,
//	}
//	key := assoc.Key()
//
// ELI12 (Explain Like I'm 12):
//
// A concept is a sticky note with a fact on it. The note's name is a
// fingerprint of the words on it, so writing the same fact twice gives you
// the same note back instead of a second copy. Notes are tied together with
// labeled strings (associations), and every string is tied at BOTH ends so
// you can follow it in either direction. Notes you never look at slowly
// fade; touching one makes it bright again.
package concept

import (
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"golang.org/x/crypto/blake2b"
)

// IDSize is the width of a ConceptID in bytes.
const IDSize = 16

// DefaultReinforcement is the strength increment applied when a concept is
// re-learned or explicitly strengthened.
const DefaultReinforcement = 0.1

// ConceptID is a fixed-width, content-derived identifier for a concept.
//
// It is the first 16 bytes of the BLAKE2b-256 digest of the concept's exact
// content bytes. Identical content always yields an identical id, which makes
// ingestion idempotent without a lookup step: learning the same sentence
// twice addresses the same node.
//
// The zero value is not a valid id.
type ConceptID [IDSize]byte

// DeriveID computes the ConceptID for the given content.
//
// Example:
//
//	a := concept.DeriveID("water boils at 100C")
//	b := concept.DeriveID("water boils at 100C")
//	// a == b
func DeriveID(content string) ConceptID {
	sum := blake2b.Sum256([]byte(content))
	var id ConceptID
	copy(id[:], sum[:IDSize])
	return id
}

// ParseID decodes a 32-character lowercase hex string into a ConceptID.
func ParseID(s string) (ConceptID, error) {
	var id ConceptID
	if len(s) != IDSize*2 {
		return id, &ValidationError{Field: "id", Reason: fmt.Sprintf("expected %d hex characters, got %d", IDSize*2, len(s))}
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, &ValidationError{Field: "id", Reason: "not valid hex"}
	}
	copy(id[:], b)
	return id, nil
}

// String renders the id as 32 lowercase hex characters.
func (id ConceptID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the id is the (invalid) zero value.
func (id ConceptID) IsZero() bool {
	return id == ConceptID{}
}

// MarshalText implements encoding.TextMarshaler so ids serialize as hex
// strings in JSON checkpoints rather than byte arrays.
func (id ConceptID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ConceptID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ConceptNode is a single entry in the knowledge graph.
//
// Fields:
//   - ID: content-derived identifier (see DeriveID)
//   - Content: the raw learned content
//   - Embedding: optional fixed-dimension similarity vector; nil when the
//     embedding provider was unavailable at ingestion time
//   - Strength: grows with reinforcement, decays with disuse (see
//     EffectiveStrength)
//   - Confidence: how much the engine trusts this concept, always in [0,1]
//   - Created / LastUsed / UseCount: lifecycle bookkeeping; traversals
//     refresh LastUsed
//   - Meta: semantic classification computed once at ingestion
//
// Neighbor references are NOT stored on the node. The owning shard keeps
// adjacency indices in both directions so that the symmetry invariant can be
// rebuilt wholesale after a reload.
type ConceptNode struct {
	ID         ConceptID        `json:"id"`
	Content    string           `json:"content"`
	Embedding  []float32        `json:"embedding,omitempty"`
	Strength   float64          `json:"strength"`
	Confidence float64          `json:"confidence"`
	Created    time.Time        `json:"created"`
	LastUsed   time.Time        `json:"last_used"`
	UseCount   int64            `json:"use_count"`
	Meta       SemanticMetadata `json:"meta"`
}

// NewNode builds a node for the given content with derived id, unit strength,
// and neutral confidence. Classification and embedding are filled in by the
// learning pipeline.
func NewNode(content string) *ConceptNode {
	now := time.Now().UTC()
	return &ConceptNode{
		ID:         DeriveID(content),
		Content:    content,
		Strength:   1.0,
		Confidence: 0.5,
		Created:    now,
		LastUsed:   now,
	}
}

// Clone returns a deep copy. Callers receive clones from the store so that
// no external code can mutate shared graph state.
func (n *ConceptNode) Clone() *ConceptNode {
	if n == nil {
		return nil
	}
	out := *n
	if n.Embedding != nil {
		out.Embedding = make([]float32, len(n.Embedding))
		copy(out.Embedding, n.Embedding)
	}
	out.Meta = n.Meta.Clone()
	return &out
}

// Reinforce bumps strength by inc, clamps confidence drift, and refreshes the
// usage bookkeeping. Used when identical content is learned again.
func (n *ConceptNode) Reinforce(inc float64, now time.Time) {
	n.Strength += inc
	n.UseCount++
	n.LastUsed = now
	n.Confidence = Clamp01(n.Confidence)
}

// Touch refreshes LastUsed and the access counter without adding strength.
// Traversals apply this to every node on a returned path.
func (n *ConceptNode) Touch(now time.Time) {
	n.UseCount++
	n.LastUsed = now
}

// EffectiveStrength returns the decay-adjusted strength at the given instant:
//
//	Strength * exp(-lambda * hoursSince(LastUsed))
//
// lambda is derived from a configured half-life via LambdaForHalfLife. A node
// used moments ago scores its full strength; one untouched for several
// half-lives scores near zero and becomes a pruning candidate.
func (n *ConceptNode) EffectiveStrength(now time.Time, lambda float64) float64 {
	if lambda <= 0 {
		return n.Strength
	}
	hours := now.Sub(n.LastUsed).Hours()
	if hours <= 0 {
		return n.Strength
	}
	return n.Strength * math.Exp(-lambda*hours)
}

// Validate checks structural invariants before the node enters the graph.
func (n *ConceptNode) Validate() error {
	if n.ID.IsZero() {
		return &ValidationError{Field: "id", Reason: "zero id"}
	}
	if n.Content == "" {
		return &ValidationError{Field: "content", Reason: "empty content"}
	}
	if n.ID != DeriveID(n.Content) {
		return &ValidationError{Field: "id", Reason: "id does not match content hash"}
	}
	if n.Strength < 0 {
		return &ValidationError{Field: "strength", Reason: "negative strength"}
	}
	if n.Confidence < 0 || n.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: "outside [0,1]"}
	}
	return nil
}

// AssociationType tags the relationship an association carries.
//
// The set is closed. Switches over it are exhaustive in the classifier, the
// extraction patterns, and the traversal filters.
type AssociationType uint8

const (
	// RelatedTo is the untyped default relationship.
	RelatedTo AssociationType = iota
	// IsA marks hierarchical relationships ("a sparrow is a bird").
	IsA
	// PartOf marks compositional containment ("Paris is in France").
	PartOf
	// Causes marks causal influence ("smoking causes cancer").
	Causes
	// Precedes marks temporal ordering ("boil before simmering").
	Precedes
	// Contradicts links mutually negating concepts.
	Contradicts
	// Mentions links learned content to the terms extracted from it.
	Mentions
)

var associationTypeNames = [...]string{
	RelatedTo:   "related_to",
	IsA:         "is_a",
	PartOf:      "part_of",
	Causes:      "causes",
	Precedes:    "precedes",
	Contradicts: "contradicts",
	Mentions:    "mentions",
}

// String returns the stable wire name of the type.
func (t AssociationType) String() string {
	if int(t) < len(associationTypeNames) {
		return associationTypeNames[t]
	}
	return fmt.Sprintf("association_type(%d)", uint8(t))
}

// Valid reports whether t names a known association type.
func (t AssociationType) Valid() bool {
	return int(t) < len(associationTypeNames)
}

// Association is a directed, typed, weighted edge between two concepts.
//
// An association is stored once, in the relation table of its source's shard,
// and referenced from BOTH endpoints' adjacency indices. That symmetry is an
// invariant: it is re-established on every mutation and rebuilt in full after
// a reload. A logically bidirectional relationship is simply two directed
// associations.
type Association struct {
	Source     ConceptID       `json:"source"`
	Target     ConceptID       `json:"target"`
	Type       AssociationType `json:"type"`
	Weight     float64         `json:"weight"`
	Confidence float64         `json:"confidence"`
	Created    time.Time       `json:"created"`
	LastUsed   time.Time       `json:"last_used"`
}

// AssocKey identifies an association in the relation table. It is a
// comparable value, usable directly as a map key.
type AssocKey struct {
	Source ConceptID
	Target ConceptID
	Type   AssociationType
}

// Key returns the relation-table key for the association.
func (a *Association) Key() AssocKey {
	return AssocKey{Source: a.Source, Target: a.Target, Type: a.Type}
}

// Clone returns a copy safe to hand outside the store.
func (a *Association) Clone() *Association {
	if a == nil {
		return nil
	}
	out := *a
	return &out
}

// Validate checks structural invariants before the association enters the
// relation table. Endpoint existence is the shard's concern, not ours.
func (a *Association) Validate() error {
	if a.Source.IsZero() {
		return &ValidationError{Field: "source", Reason: "zero id"}
	}
	if a.Target.IsZero() {
		return &ValidationError{Field: "target", Reason: "zero id"}
	}
	if a.Source == a.Target {
		return &ValidationError{Field: "target", Reason: "self-association"}
	}
	if !a.Type.Valid() {
		return &ValidationError{Field: "type", Reason: "unknown association type"}
	}
	if a.Weight < 0 {
		return &ValidationError{Field: "weight", Reason: "negative weight"}
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: "outside [0,1]"}
	}
	return nil
}

// Clamp01 clamps v into [0,1]. Every confidence mutation funnels through
// this.
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	case math.IsNaN(v):
		return 0
	default:
		return v
	}
}

// LambdaForHalfLife converts a half-life duration into the decay constant
// used by EffectiveStrength. A zero or negative half-life disables decay.
func LambdaForHalfLife(halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 0
	}
	return math.Ln2 / halfLife.Hours()
}

// ValidationError reports a structurally invalid value in a request or a
// data-model mutation. It carries the offending field so protocol handlers
// can surface precise messages.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
