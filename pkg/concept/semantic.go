package concept

import (
	"fmt"
	"sort"
	"time"
)

// SemanticType classifies what kind of knowledge a concept carries.
//
// The set is closed and fixed. The classifier, the traversal filters, and the
// wire codec all switch over it exhaustively; audit reproducibility depends
// on no case being handled implicitly.
type SemanticType uint8

const (
	// Unknown is the default for content no classification rule matched.
	Unknown SemanticType = iota
	// Rule marks normative statements ("passwords must be rotated").
	Rule
	// Fact marks declarative assertions ("Paris is the capital of France").
	Fact
	// Definition marks meaning statements ("entropy means disorder").
	Definition
	// Hypothesis marks tentative claims ("this might be a race condition").
	Hypothesis
	// Procedure marks how-to content ("first drain, then refill").
	Procedure
	// Question marks interrogative content.
	Question
	// Negation marks content that denies or excludes.
	Negation
	// Causal marks cause-effect statements ("smoking causes cancer").
	Causal
	// Temporal marks time-anchored statements ("before the merger closed").
	Temporal
	// Comparison marks relative statements ("faster than the old parser").
	Comparison
)

var semanticTypeNames = [...]string{
	Unknown:    "unknown",
	Rule:       "rule",
	Fact:       "fact",
	Definition: "definition",
	Hypothesis: "hypothesis",
	Procedure:  "procedure",
	Question:   "question",
	Negation:   "negation",
	Causal:     "causal",
	Temporal:   "temporal",
	Comparison: "comparison",
}

// SemanticTypeCount is the number of defined semantic types.
const SemanticTypeCount = len(semanticTypeNames)

// String returns the stable wire name of the type.
func (t SemanticType) String() string {
	if int(t) < len(semanticTypeNames) {
		return semanticTypeNames[t]
	}
	return fmt.Sprintf("semantic_type(%d)", uint8(t))
}

// Valid reports whether t names a known semantic type.
func (t SemanticType) Valid() bool {
	return int(t) < len(semanticTypeNames)
}

// ParseSemanticType resolves a wire name back to its type.
func ParseSemanticType(s string) (SemanticType, error) {
	for i, name := range semanticTypeNames {
		if name == s {
			return SemanticType(i), nil
		}
	}
	return Unknown, &ValidationError{Field: "semantic_type", Reason: fmt.Sprintf("unknown name %q", s)}
}

// MarshalText implements encoding.TextMarshaler.
func (t SemanticType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, &ValidationError{Field: "semantic_type", Reason: t.String()}
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *SemanticType) UnmarshalText(text []byte) error {
	parsed, err := ParseSemanticType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// SemanticMetadata is the classification attached to a concept at ingestion.
//
// It is computed exactly once, by a deterministic pass over the content, and
// stored inline with the node. Query evaluation reads it; nothing recomputes
// it. ValidFrom/ValidUntil bound the window in which the concept holds; zero
// values mean unbounded on that side.
type SemanticMetadata struct {
	Type       SemanticType `json:"type"`
	Domains    []string     `json:"domains,omitempty"`
	ValidFrom  time.Time    `json:"valid_from,omitempty"`
	ValidUntil time.Time    `json:"valid_until,omitempty"`
	Confidence float64      `json:"confidence"`
}

// Clone returns a copy with its own domain slice.
func (m SemanticMetadata) Clone() SemanticMetadata {
	out := m
	if m.Domains != nil {
		out.Domains = make([]string, len(m.Domains))
		copy(out.Domains, m.Domains)
	}
	return out
}

// HasDomain reports whether the metadata carries the given domain tag.
func (m SemanticMetadata) HasDomain(domain string) bool {
	for _, d := range m.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// ValidAt reports whether the concept's validity window contains t.
func (m SemanticMetadata) ValidAt(t time.Time) bool {
	if !m.ValidFrom.IsZero() && t.Before(m.ValidFrom) {
		return false
	}
	if !m.ValidUntil.IsZero() && t.After(m.ValidUntil) {
		return false
	}
	return true
}

// NormalizeDomains sorts and deduplicates the domain set in place so that
// classification output is canonical regardless of rule order.
func (m *SemanticMetadata) NormalizeDomains() {
	if len(m.Domains) < 2 {
		return
	}
	sort.Strings(m.Domains)
	out := m.Domains[:1]
	for _, d := range m.Domains[1:] {
		if d != out[len(out)-1] {
			out = append(out, d)
		}
	}
	m.Domains = out
}
