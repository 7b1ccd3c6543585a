// Package bridge derives structure/function pairs from decision text.
//
// A bridge describes a decision twice: by its structural form (what was
// built or chosen) and by its functional purpose (what it achieves). When a
// client does not supply one explicitly, this extractor scores sentences
// heuristically: purpose-oriented language selects the function side,
// implementation-oriented language selects the structure side. Ambiguous
// text yields no bridge rather than a misleading one.
package bridge

import (
	"sort"
	"strings"
	"unicode"

	"github.com/noema-ai/noema/internal/model"
)

// functionMarkers signal purpose-oriented language.
var functionMarkers = []string{
	"to ", "so that", "in order to", "enables", "enable ", "allows", "allow ",
	"prevents", "prevent ", "ensures", "ensure ", "avoids", "avoid ",
	"guarantees", "because", "goal", "purpose",
}

// structureMarkers signal implementation-oriented language.
var structureMarkers = []string{
	"use ", "uses ", "using ", "adopt", "implement", "build", "built",
	"store ", "stored", "run ", "runs ", "deploy", "migrate", "switch to",
	"replace", "via ", "backed by", "based on", "with a ", "configure",
	"table", "queue", "cache", "index", "service", "database", "api",
	"library", "cluster", "schema", "pipeline",
}

// minScore is the lowest sentence score accepted for a side. Anything below
// is treated as ambiguous.
const minScore = 2

// Result is the extractor's output: the bridge (nil when extraction was
// ambiguous) and its provenance.
type Result struct {
	Bridge *model.Bridge
	Method string
}

// Extract derives a bridge from decision text, context, and the reason chain.
// The highest-strength analysis reason is a preferred function source.
func Extract(decision, context string, reasons []model.Reason) Result {
	candidates := sentences(decision)
	candidates = append(candidates, sentences(context)...)

	type scored struct {
		text      string
		function  int
		structure int
	}
	var pool []scored
	for _, s := range candidates {
		pool = append(pool, scored{
			text:      s,
			function:  functionScore(s),
			structure: structureScore(s),
		})
	}

	// The strongest analysis reason competes for the function side with a
	// bonus, since reasons of that type state why the decision holds.
	if r := strongestAnalysis(reasons); r != nil {
		pool = append(pool, scored{
			text:     r.Text,
			function: functionScore(r.Text) + 2,
		})
	}

	var structure, function string
	bestStructure, bestFunction := 0, 0
	for _, c := range pool {
		if c.structure > bestStructure && c.structure >= c.function {
			bestStructure = c.structure
			structure = c.text
		}
		if c.function > bestFunction && c.function >= c.structure {
			bestFunction = c.function
			function = c.text
		}
	}

	if bestStructure < minScore {
		structure = ""
	}
	if bestFunction < minScore {
		function = ""
	}
	if structure == "" && function == "" {
		return Result{Method: model.BridgeMethodNone}
	}
	if structure != "" && structure == function {
		// One sentence cannot serve both sides; assign it to the stronger.
		if bestStructure >= bestFunction {
			function = ""
		} else {
			structure = ""
		}
	}

	method := model.BridgeMethodRule
	if structure != "" && function != "" {
		method = model.BridgeMethodExtracted
	}
	return Result{
		Bridge: &model.Bridge{
			Structure: truncate(structure, model.MaxBridgeSideLen),
			Function:  truncate(function, model.MaxBridgeSideLen),
		},
		Method: method,
	}
}

// strongestAnalysis returns the highest-strength analysis reason, or nil.
func strongestAnalysis(reasons []model.Reason) *model.Reason {
	var best *model.Reason
	for i := range reasons {
		r := &reasons[i]
		if r.Type != model.ReasonAnalysis || r.Text == "" {
			continue
		}
		if best == nil || r.Strength > best.Strength {
			best = r
		}
	}
	return best
}

// sentences splits text into trimmed sentence-like fragments.
func sentences(text string) []string {
	if text == "" {
		return nil
	}
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == ';' || r == '\n'
	})
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) >= 8 {
			out = append(out, p)
		}
	}
	return out
}

// functionScore counts purpose-marker occurrences.
func functionScore(text string) int {
	lower := strings.ToLower(text)
	score := 0
	for _, m := range functionMarkers {
		score += strings.Count(lower, m)
	}
	return score
}

// structureScore counts implementation markers plus tech-looking tokens,
// which favours concrete implementation sentences.
func structureScore(text string) int {
	lower := strings.ToLower(text)
	score := 0
	for _, m := range structureMarkers {
		score += strings.Count(lower, m)
	}
	return score + techTokens(text)
}

// techTokens counts tokens that look like technology names: interior
// capitals, digits, or dotted/hyphenated identifiers.
func techTokens(text string) int {
	n := 0
	for _, tok := range strings.Fields(text) {
		tok = strings.Trim(tok, ".,()[]{}\"'")
		if len(tok) < 2 {
			continue
		}
		hasDigit := false
		hasInteriorUpper := false
		for i, r := range tok {
			if unicode.IsDigit(r) {
				hasDigit = true
			}
			if i > 0 && unicode.IsUpper(r) {
				hasInteriorUpper = true
			}
		}
		if hasDigit || hasInteriorUpper || strings.ContainsAny(tok, "./-_") {
			n++
		}
	}
	if n > 3 {
		n = 3
	}
	return n
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// Rank orders reasons by strength descending for display, without mutating
// the input.
func Rank(reasons []model.Reason) []model.Reason {
	out := make([]model.Reason, len(reasons))
	copy(out, reasons)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Strength > out[j].Strength
	})
	return out
}
