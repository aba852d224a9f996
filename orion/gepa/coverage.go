package gepa

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"gonum.org/v1/gonum/floats"

	"github.com/ZanzyTHEbar/orion-gepa/orion/learned"
)

// Signature identifies the span of a thread a workflow was mined from.
func Signature(seg Segment) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d-%d", seg.ThreadID, seg.StartTurn, seg.EndTurn)))
	return hex.EncodeToString(sum[:12])
}

// passesGate is the conservative creation rule: a non-trivial workflow with
// real optimization value that needed context passing or user guidance.
func (m *Miner) passesGate(wf WorkflowAnalysis) (bool, string) {
	switch {
	case wf.Complexity < m.cfg.MinComplexity:
		return false, fmt.Sprintf("Complexity %d below %d", wf.Complexity, m.cfg.MinComplexity)
	case wf.Potential != PotentialMedium && wf.Potential != PotentialHigh:
		return false, "Optimization potential is LOW"
	case len(wf.Dependencies) == 0 && !wf.UserGuidance:
		return false, "No context dependencies and no user guidance"
	}
	return true, ""
}

// CheckExistingToolCoverage decides whether the workflow needs a new tool.
// The policy gate and the duplicate guard run before the judge is asked, and
// any judge failure counts as covered.
func (m *Miner) CheckExistingToolCoverage(ctx context.Context, wf WorkflowAnalysis, objective string, seg Segment) CoverageVerdict {
	if ok, reason := m.passesGate(wf); !ok {
		return CoverageVerdict{NewToolNeeded: false, Reasoning: reason}
	}

	snap := m.store.Snapshot()
	existing := snap.Definitions()
	if match, dup := m.duplicate(wf, objective, Signature(seg), existing); dup {
		return CoverageVerdict{NewToolNeeded: false, Reasoning: "Duplicates an existing tool", ExistingToolMatch: match}
	}
	if len(existing) == 0 {
		return CoverageVerdict{NewToolNeeded: true, Reasoning: "No existing tools available"}
	}

	verdict, err := m.judge.CheckCoverage(ctx, CoverageRequest{Objective: objective, Workflow: wf, Existing: existing})
	if err != nil {
		m.logger.Warn().Err(err).Msg("Coverage check failed")
		return CoverageVerdict{NewToolNeeded: false, Reasoning: "Analysis failed"}
	}
	if verdict.ExistingToolMatch != "" {
		if _, ok := snap.Get(verdict.ExistingToolMatch); ok {
			verdict.NewToolNeeded = false
		}
	}
	return verdict
}

// duplicate reports whether an existing tool was mined from the same span,
// or reads the same tool set for a similar objective.
func (m *Miner) duplicate(wf WorkflowAnalysis, objective, signature string, existing []learned.ToolDefinition) (string, bool) {
	readSet := m.readOnly(wf.ToolsUsed)
	for _, def := range existing {
		if signature != "" && def.SourceSignature == signature {
			return def.ToolName, true
		}
		if len(readSet) > 0 && sameSet(readSet, def.ToolSequence) && ObjectiveSimilarity(objective, def.Objective) >= m.cfg.ObjectiveOverlap {
			return def.ToolName, true
		}
	}
	return "", false
}

func (m *Miner) readOnly(names []string) []string {
	var out []string
	for _, n := range names {
		if !m.catalog.IsMutating(n) {
			out = append(out, n)
		}
	}
	return out
}

func sameSet(a, b []string) bool {
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(slices.Compact(x), slices.Compact(y))
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "to": true, "of": true, "for": true,
	"in": true, "on": true, "with": true, "by": true, "or": true, "at": true, "from": true,
	"is": true, "be": true, "their": true, "user": true, "users": true,
}

func words(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

// ObjectiveSimilarity is the cosine similarity of the bag-of-words vectors
// of two objectives.
func ObjectiveSimilarity(a, b string) float64 {
	wa, wb := words(a), words(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	vocab := make(map[string]int)
	for _, w := range append(slices.Clone(wa), wb...) {
		if _, ok := vocab[w]; !ok {
			vocab[w] = len(vocab)
		}
	}
	va, vb := make([]float64, len(vocab)), make([]float64, len(vocab))
	for _, w := range wa {
		va[vocab[w]]++
	}
	for _, w := range wb {
		vb[vocab[w]]++
	}
	na, nb := floats.Norm(va, 2), floats.Norm(vb, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(va, vb) / (na * nb)
}
