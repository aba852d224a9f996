package gepa

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/ZanzyTHEbar/orion-gepa/orion/learned"
	"github.com/ZanzyTHEbar/orion-gepa/orion/threads"
)

// AskUserInstruction is carried by every learned system prompt.
const AskUserInstruction = "If information you need cannot be found with the tools or inferred from the conversation, ask the user for it instead of guessing."

var (
	snakeCase    = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)
	emailPattern = regexp.MustCompile(`([A-Za-z0-9._%+-]+)@([A-Za-z0-9.-]+\.[A-Za-z]{2,})`)
)

// CreateOptimizedTool asks the judge for a tool definition and validates it.
// Each retry carries the violations of the previous attempt. The accepted
// definition is stamped with its creation time, complexity and source
// signature.
func (m *Miner) CreateOptimizedTool(ctx context.Context, wf WorkflowAnalysis, objective string, seg Segment, t *threads.Thread) (*learned.ToolDefinition, error) {
	turns := t.TurnsInRange(seg.StartTurn, seg.EndTurn)
	nouns := properNouns(turns)
	readTools := m.readOnly(m.catalog.Names())

	var feedback []string
	for attempt := 1; attempt <= m.cfg.SynthesisAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		def, err := m.judge.Synthesize(ctx, SynthesisRequest{
			Objective:     objective,
			Workflow:      wf,
			Turns:         turns,
			ReadOnlyTools: readTools,
			Feedback:      feedback,
		})
		if err != nil {
			feedback = []string{fmt.Sprintf("previous attempt failed: %v", err)}
			m.logger.Debug().Err(err).Int("attempt", attempt).Msg("Synthesis call failed")
			continue
		}

		feedback = m.violations(def, nouns)
		if len(feedback) > 0 {
			m.logger.Debug().Int("attempt", attempt).Strs("violations", feedback).Msg("Synthesized tool rejected")
			continue
		}

		def.OptimizedSystemPrompt = withAskUser(def.OptimizedSystemPrompt)
		def.CreatedAt = m.now().UTC().Format(time.RFC3339)
		def.SourceWorkflowComplexity = wf.Complexity
		def.SourceSignature = Signature(seg)
		return &def, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrConstraintViolation, strings.Join(feedback, "; "))
}

// violations lists every hard constraint def breaks.
func (m *Miner) violations(def learned.ToolDefinition, nouns map[string]bool) []string {
	var out []string
	if !snakeCase.MatchString(def.ToolName) {
		out = append(out, fmt.Sprintf("tool_name %q must be non-empty snake_case", def.ToolName))
	}
	if strings.TrimSpace(def.Objective) == "" {
		out = append(out, "objective is empty")
	}
	if strings.TrimSpace(def.OptimizedSystemPrompt) == "" {
		out = append(out, "optimized_system_prompt is empty")
	}
	if len(def.ToolSequence) == 0 {
		out = append(out, "tool_sequence is empty")
	}
	for _, name := range def.ToolSequence {
		if _, ok := m.catalog.Lookup(name); !ok {
			out = append(out, fmt.Sprintf("tool_sequence names unknown tool %q", name))
		} else if m.catalog.IsMutating(name) {
			out = append(out, fmt.Sprintf("tool_sequence must not include the mutating tool %q", name))
		}
	}
	if def.MaxInternalTurns < 1 || def.MaxInternalTurns > learned.MaxInternalTurns {
		out = append(out, fmt.Sprintf("max_internal_turns %d outside [1,%d]", def.MaxInternalTurns, learned.MaxInternalTurns))
	}

	var lifted []string
	for _, w := range strings.Split(def.ToolName, "_") {
		if nouns[w] {
			lifted = append(lifted, w)
		}
	}
	for _, w := range words(def.Objective) {
		if nouns[w] && !slices.Contains(lifted, w) {
			lifted = append(lifted, w)
		}
	}
	if len(lifted) > 0 {
		out = append(out, fmt.Sprintf("tool_name and objective must be generic; remove %s", strings.Join(lifted, ", ")))
	}
	return out
}

func withAskUser(prompt string) string {
	if strings.Contains(strings.ToLower(prompt), "ask the user") {
		return prompt
	}
	return strings.TrimSpace(prompt) + "\n\n" + AskUserInstruction
}

// properNouns collects lower-cased names that must not leak into a learned
// tool. Every text of the segment is scanned: message content, string
// arguments and the string fields of JSON tool results. A capitalized word
// counts as a name unless it opens a sentence and is either a common word or
// also used in lower case somewhere in the segment. The local parts and
// domain labels of email addresses always count.
func properNouns(turns []threads.Turn) map[string]bool {
	var texts []string
	for _, turn := range turns {
		if turn.Type == threads.TurnToolResult && json.Valid([]byte(turn.Content)) {
			texts = append(texts, stringValues(json.RawMessage(turn.Content))...)
			continue
		}
		texts = append(texts, turn.Content)
		for _, c := range turn.ToolCalls {
			texts = append(texts, stringValues(c.Arguments)...)
		}
	}

	lower := make(map[string]bool)
	for _, text := range texts {
		for _, w := range strings.FieldsFunc(text, notLetter) {
			if r, _ := utf8.DecodeRuneInString(w); unicode.IsLower(r) {
				lower[w] = true
			}
		}
	}

	nouns := make(map[string]bool)
	add := func(w string) {
		w = strings.ToLower(w)
		if len(w) >= 3 {
			nouns[w] = true
		}
	}
	for _, text := range texts {
		capitalizedWords(text, func(word string, opensSentence bool) {
			w := strings.ToLower(word)
			if opensSentence && (commonWords[w] || lower[w]) {
				return
			}
			add(word)
		})
		for _, match := range emailPattern.FindAllStringSubmatch(text, -1) {
			for _, part := range strings.FieldsFunc(match[1], notLetter) {
				add(part)
			}
			labels := strings.Split(match[2], ".")
			for _, label := range labels[:len(labels)-1] {
				if !mailProviders[strings.ToLower(label)] {
					add(label)
				}
			}
		}
	}
	return nouns
}

// capitalizedWords calls fn for every capitalized word of text, reporting
// whether the word opens the text or a sentence. Acronyms and single letters
// are skipped.
func capitalizedWords(text string, fn func(word string, opensSentence bool)) {
	sentenceStart := true
	for _, field := range strings.Fields(text) {
		for i, word := range strings.FieldsFunc(field, notLetter) {
			r := []rune(word)
			if unicode.IsUpper(r[0]) && len(r) > 1 && !isAllUpper(r) {
				fn(word, sentenceStart && i == 0)
			}
		}
		sentenceStart = strings.ContainsAny(field[len(field)-1:], ".!?:")
	}
}

func notLetter(r rune) bool { return !unicode.IsLetter(r) }

// commonWords may open a sentence without being taken for a name.
var commonWords = setOf(
	"the", "and", "but", "for", "not", "yes", "hey", "can", "could", "would", "will", "should",
	"please", "thanks", "thank", "hello", "okay", "sure", "great", "done", "booked", "sorry",
	"what", "when", "where", "which", "who", "why", "how", "here", "there", "this", "that",
	"these", "those", "then", "also", "now", "next", "today", "tomorrow", "yesterday",
	"you", "your", "our", "his", "her", "they", "their", "its", "are", "was", "were",
	"does", "did", "have", "has", "had", "let", "lets", "all", "any", "some", "none",
	"book", "check", "find", "schedule", "send", "get", "show", "add", "create", "make",
	"set", "move", "cancel", "look", "search", "list", "tell", "give", "need", "want",
	"error", "tool", "unknown", "invalid", "found", "no", "unfortunately", "however",
	"meeting", "lunch", "dinner", "call", "event", "invoice", "email", "message",
)

// mailProviders are domain labels that say nothing about who is involved.
var mailProviders = setOf("mail", "email", "gmail", "googlemail", "outlook", "hotmail", "yahoo", "icloud", "proton", "protonmail", "live", "msn", "aol", "co", "org", "net", "com")

func setOf(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

func isAllUpper(r []rune) bool {
	for _, c := range r {
		if unicode.IsLetter(c) && !unicode.IsUpper(c) {
			return false
		}
	}
	return true
}

// stringValues returns every string found in a JSON document.
func stringValues(raw json.RawMessage) []string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	var out []string
	var walk func(any)
	walk = func(v any) {
		switch x := v.(type) {
		case string:
			out = append(out, x)
		case []any:
			for _, e := range x {
				walk(e)
			}
		case map[string]any:
			for _, e := range x {
				walk(e)
			}
		}
	}
	walk(v)
	return out
}
