// Package semantic implements the deterministic text analysis that runs once
// at ingestion: classification of content into a semantic type and domain
// set, extraction of candidate associations from cue phrases, and the filter
// predicate the query engine evaluates during traversal.
//
// Everything here is a pure function of its input. There is no statistical
// or learned component: identical content always classifies identically and
// always yields the same candidates, which is what makes query results and
// audit trails reproducible. Classification never fails and never blocks
// ingestion; content nothing matches is simply Unknown.
//
// Example Usage:
//
//	meta := semantic.Classify("Patients must fast before surgery")
//	// meta.Type == concept.Rule, meta.Domains == ["medical"]
//
//	cands := semantic.ExtractCandidates("Paris is the capital of France", 8)
//	// one candidate: paris -(part_of)-> france
package semantic

import (
	"strings"
	"unicode"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
)

// typeRule maps cue phrases to a semantic type. Rules are evaluated in table
// order and the first match wins, so the table order IS the priority order.
type typeRule struct {
	Type       concept.SemanticType
	Confidence float64
	Cues       []string
}

// typeRules is the fixed classification table. Cues are matched against a
// normalized form of the content (lowercased, punctuation stripped, single
// spaces, padded) so each cue matches on word boundaries.
//
// Order matters and is part of the engine's observable behavior: "must never"
// classifies as Rule because Rule outranks Negation.
var typeRules = []typeRule{
	{Type: concept.Rule, Confidence: 0.85, Cues: []string{
		" must ", " shall ", " required ", " mandatory ", " prohibited ", " forbidden ",
	}},
	{Type: concept.Causal, Confidence: 0.85, Cues: []string{
		" causes ", " caused by ", " leads to ", " results in ", " because ", " due to ", " therefore ", " consequently ",
	}},
	{Type: concept.Negation, Confidence: 0.8, Cues: []string{
		" not ", " never ", " cannot ", " nor ", " isn't ", " doesn't ", " won't ", " don't ",
	}},
	{Type: concept.Temporal, Confidence: 0.8, Cues: []string{
		" before ", " after ", " during ", " until ", " since ", " while ",
	}},
	{Type: concept.Comparison, Confidence: 0.75, Cues: []string{
		" than ", " versus ", " vs ", " compared to ", " unlike ", " similar to ",
	}},
	{Type: concept.Procedure, Confidence: 0.75, Cues: []string{
		" how to ", " step ", " first ", " then ", " procedure ", " instructions ",
	}},
	{Type: concept.Hypothesis, Confidence: 0.6, Cues: []string{
		" might ", " may ", " could ", " possibly ", " perhaps ", " suspect ", " hypothesis ",
	}},
	{Type: concept.Definition, Confidence: 0.85, Cues: []string{
		" means ", " defined as ", " refers to ", " stands for ", " denotes ",
	}},
	{Type: concept.Fact, Confidence: 0.7, Cues: []string{
		" is ", " are ", " was ", " were ", " has ", " have ",
	}},
}

// questionLeads are sentence openers that mark interrogative content even
// without a question mark.
var questionLeads = []string{
	"what ", "why ", "how ", "when ", "where ", "who ", "which ",
}

// domainRules maps cue terms to domain tags. Unlike type rules, every
// matching domain accumulates. Matching is plain substring over the
// normalized text so plurals and compounds hit ("patients", "outpatient").
var domainRules = map[string][]string{
	"medical":   {"patient", "diagnosis", "treatment", "symptom", "dose", "dosage", "clinical", "medical", "disease", "therapy", "surgery"},
	"legal":     {"law", "legal", "contract", "liability", "statute", "court", "regulation", "compliance", "clause"},
	"financial": {"payment", "invoice", "revenue", "tax", "financial", "price", "budget", "interest", "currency"},
	"software":  {"server", "database", "code", "deploy", "api", "software", "bug", "compile", "runtime", "latency"},
	"science":   {"experiment", "theory", "measurement", "physics", "chemistry", "biology", "energy", "temperature"},
}

// unknownConfidence is assigned when no rule matches.
const unknownConfidence = 0.2

// questionConfidence is assigned to interrogative content.
const questionConfidence = 0.9

// Classify runs the rule table over content and returns its semantic
// metadata. It is deterministic, total, and cheap; callers may invoke it on
// every ingested unit without caching.
func Classify(content string) concept.SemanticMetadata {
	meta := concept.SemanticMetadata{
		Type:       concept.Unknown,
		Confidence: unknownConfidence,
	}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return meta
	}

	norm := normalizeForMatch(trimmed)

	if isQuestion(trimmed, norm) {
		meta.Type = concept.Question
		meta.Confidence = questionConfidence
	} else {
	rules:
		for _, rule := range typeRules {
			for _, cue := range rule.Cues {
				if strings.Contains(norm, cue) {
					meta.Type = rule.Type
					meta.Confidence = concept.Clamp01(rule.Confidence)
					break rules
				}
			}
		}
	}

	for domain, cues := range domainRules {
		for _, cue := range cues {
			if strings.Contains(norm, cue) {
				meta.Domains = append(meta.Domains, domain)
				break
			}
		}
	}
	meta.NormalizeDomains()

	return meta
}

func isQuestion(trimmed, norm string) bool {
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	inner := strings.TrimPrefix(norm, " ")
	for _, lead := range questionLeads {
		if strings.HasPrefix(inner, lead) {
			return true
		}
	}
	return false
}

// normalizeForMatch lowercases, folds punctuation to spaces, collapses runs
// of whitespace, and pads with single spaces so that " cue " matching is
// word-boundary exact. Apostrophes and hyphens survive so contractions like
// "isn't" keep their shape.
func normalizeForMatch(content string) string {
	lower := strings.ToLower(content)
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || r == '\'' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	fields := strings.Fields(b.String())
	if len(fields) == 0 {
		return " "
	}
	return " " + strings.Join(fields, " ") + " "
}
