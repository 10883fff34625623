package semantic

import (
	"strings"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
)

// Candidate is an association proposed by cue-phrase extraction. Source and
// Target are normalized term texts; the learning pipeline derives their
// ConceptIDs and creates stub nodes for terms the graph has not seen yet.
type Candidate struct {
	Source     string
	Target     string
	Type       concept.AssociationType
	Confidence float64
}

// assocPattern binds a cue phrase to the association it implies. Reversed
// patterns read right-to-left ("X caused by Y" means Y causes X).
type assocPattern struct {
	Cue        string
	Type       concept.AssociationType
	Confidence float64
	Reversed   bool
}

// assocPatterns is scanned in order per sentence and the first matching cue
// wins, so specific compositional cues must precede the generic hierarchy
// ones ("capital of" before "is the").
var assocPatterns = []assocPattern{
	{Cue: " causes ", Type: concept.Causes, Confidence: 0.85},
	{Cue: " leads to ", Type: concept.Causes, Confidence: 0.8},
	{Cue: " results in ", Type: concept.Causes, Confidence: 0.8},
	{Cue: " caused by ", Type: concept.Causes, Confidence: 0.8, Reversed: true},
	{Cue: " contradicts ", Type: concept.Contradicts, Confidence: 0.85},
	{Cue: " capital of ", Type: concept.PartOf, Confidence: 0.8},
	{Cue: " part of ", Type: concept.PartOf, Confidence: 0.8},
	{Cue: " is in ", Type: concept.PartOf, Confidence: 0.8},
	{Cue: " located in ", Type: concept.PartOf, Confidence: 0.8},
	{Cue: " belongs to ", Type: concept.PartOf, Confidence: 0.75},
	{Cue: " contains ", Type: concept.PartOf, Confidence: 0.75, Reversed: true},
	{Cue: " consists of ", Type: concept.PartOf, Confidence: 0.7, Reversed: true},
	{Cue: " precedes ", Type: concept.Precedes, Confidence: 0.8},
	{Cue: " before ", Type: concept.Precedes, Confidence: 0.7},
	{Cue: " after ", Type: concept.Precedes, Confidence: 0.7, Reversed: true},
	{Cue: " follows ", Type: concept.Precedes, Confidence: 0.7, Reversed: true},
	{Cue: " is a ", Type: concept.IsA, Confidence: 0.75},
	{Cue: " is an ", Type: concept.IsA, Confidence: 0.75},
	{Cue: " is the ", Type: concept.IsA, Confidence: 0.7},
	{Cue: " type of ", Type: concept.IsA, Confidence: 0.75},
	{Cue: " kind of ", Type: concept.IsA, Confidence: 0.7},
}

// stopwords are skipped at term boundaries. The set is fixed; changing it
// changes which ConceptIDs extraction derives, so treat it as frozen.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "of": true, "in": true, "on": true, "at": true, "to": true,
	"it": true, "its": true, "this": true, "that": true, "and": true,
	"or": true, "as": true, "by": true, "for": true, "with": true,
	"be": true, "been": true, "has": true, "have": true, "had": true,
	"not": true, "will": true, "their": true, "there": true,
}

// ExtractCandidates proposes associations from content.
//
// Each sentence contributes at most one candidate: the first pattern in
// table order that matches. Terms are the contiguous non-stopword token runs
// adjacent to the cue, lowercased, so the same entity mentioned in two
// learns resolves to the same stub concept. Duplicate (source, target) pairs
// are dropped, keeping the earliest (most specific) pattern. The result is
// capped at max.
func ExtractCandidates(content string, max int) []Candidate {
	if max <= 0 {
		return nil
	}

	var out []Candidate
	seen := make(map[[2]string]bool)

	for _, sentence := range splitSentences(content) {
		norm := normalizeForMatch(sentence)
		for _, p := range assocPatterns {
			idx := strings.Index(norm, p.Cue)
			if idx < 0 {
				continue
			}

			src := trailingTerm(norm[:idx])
			dst := leadingTerm(norm[idx+len(p.Cue):])
			if src == "" || dst == "" || src == dst {
				break
			}
			if p.Reversed {
				src, dst = dst, src
			}

			pair := [2]string{src, dst}
			if !seen[pair] {
				seen[pair] = true
				out = append(out, Candidate{
					Source:     src,
					Target:     dst,
					Type:       p.Type,
					Confidence: concept.Clamp01(p.Confidence),
				})
			}
			break
		}
		if len(out) >= max {
			break
		}
	}

	if len(out) > max {
		out = out[:max]
	}
	return out
}

// CandidateTerms returns the distinct terms across candidates in first-seen
// order. The pipeline uses this to create stub nodes before linking.
func CandidateTerms(cands []Candidate) []string {
	var terms []string
	seen := make(map[string]bool)
	for _, c := range cands {
		if !seen[c.Source] {
			seen[c.Source] = true
			terms = append(terms, c.Source)
		}
		if !seen[c.Target] {
			seen[c.Target] = true
			terms = append(terms, c.Target)
		}
	}
	return terms
}

func splitSentences(content string) []string {
	parts := strings.FieldsFunc(content, func(r rune) bool {
		switch r {
		case '.', '!', '?', ';', '\n':
			return true
		}
		return false
	})
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// trailingTerm returns the contiguous non-stopword token run ending at the
// right edge of s ("the new york city" yields "new york city").
func trailingTerm(s string) string {
	tokens := strings.Fields(s)
	end := len(tokens)
	for end > 0 && stopwords[tokens[end-1]] {
		end--
	}
	start := end
	for start > 0 && !stopwords[tokens[start-1]] {
		start--
	}
	if start == end {
		return ""
	}
	return strings.Join(tokens[start:end], " ")
}

// leadingTerm returns the contiguous non-stopword token run starting at the
// left edge of s, after skipping leading stopwords.
func leadingTerm(s string) string {
	tokens := strings.Fields(s)
	start := 0
	for start < len(tokens) && stopwords[tokens[start]] {
		start++
	}
	end := start
	for end < len(tokens) && !stopwords[tokens[end]] {
		end++
	}
	if start == end {
		return ""
	}
	return strings.Join(tokens[start:end], " ")
}
