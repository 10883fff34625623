package semantic

import (
	"strings"
	"time"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
)

// Filter is the declarative predicate evaluated against candidate nodes
// during traversal, BEFORE they are enqueued. Inline pruning is what keeps
// bounded search tractable: a branch whose node fails the filter is never
// expanded.
//
// Zero-valued fields do not constrain. Domains match if the node carries ANY
// of the listed tags; Terms require ALL listed substrings; After/Before
// require the node's validity window to overlap the query window.
type Filter struct {
	Types         []concept.SemanticType
	Domains       []string
	MinConfidence float64
	CausalOnly    bool
	Terms         []string
	After         time.Time
	Before        time.Time
}

// Empty reports whether the filter constrains nothing.
func (f *Filter) Empty() bool {
	return f == nil ||
		(len(f.Types) == 0 && len(f.Domains) == 0 && f.MinConfidence == 0 &&
			!f.CausalOnly && len(f.Terms) == 0 && f.After.IsZero() && f.Before.IsZero())
}

// Validate rejects structurally impossible filters.
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	if f.MinConfidence < 0 || f.MinConfidence > 1 {
		return &concept.ValidationError{Field: "min_confidence", Reason: "outside [0,1]"}
	}
	for _, t := range f.Types {
		if !t.Valid() {
			return &concept.ValidationError{Field: "types", Reason: "unknown semantic type"}
		}
	}
	if !f.After.IsZero() && !f.Before.IsZero() && f.Before.Before(f.After) {
		return &concept.ValidationError{Field: "before", Reason: "window ends before it starts"}
	}
	return nil
}

// Matches evaluates the filter against a node. Nil filters match everything.
func (f *Filter) Matches(node *concept.ConceptNode) bool {
	if f == nil || node == nil {
		return node != nil
	}

	if f.CausalOnly && node.Meta.Type != concept.Causal {
		return false
	}

	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if node.Meta.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.Domains) > 0 {
		found := false
		for _, d := range f.Domains {
			if node.Meta.HasDomain(d) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if node.Confidence < f.MinConfidence {
		return false
	}

	if len(f.Terms) > 0 {
		content := strings.ToLower(node.Content)
		for _, term := range f.Terms {
			if !strings.Contains(content, strings.ToLower(term)) {
				return false
			}
		}
	}

	if !f.windowOverlaps(node.Meta) {
		return false
	}

	return true
}

// windowOverlaps checks that the node's validity window intersects the
// filter's [After, Before] query window. Zero bounds are open on that side.
func (f *Filter) windowOverlaps(meta concept.SemanticMetadata) bool {
	if !f.After.IsZero() && !meta.ValidUntil.IsZero() && meta.ValidUntil.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && !meta.ValidFrom.IsZero() && meta.ValidFrom.After(f.Before) {
		return false
	}
	return true
}
