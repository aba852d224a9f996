package harness

import (
	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
)

// Budget bounds the ambient conversation carried into a sub-conversation.
type Budget struct {
	MaxMessages      int // trailing text messages kept
	MaxContextTokens int // 0 disables the token cap
}

// ContextAssembler selects trailing conversational text within a budget.
type ContextAssembler struct {
	defaultBudget Budget
	// TokenEstimator should be a fast heuristic; we avoid binding to a specific tokenizer here.
	TokenEstimator func(s string) int
}

func NewContextAssembler(b Budget, est func(s string) int) *ContextAssembler {
	if est == nil {
		est = func(s string) int { // rough heuristic: ~4 chars per token
			l := len(s)
			if l == 0 {
				return 0
			}
			return (l + 3) / 4
		}
	}
	return &ContextAssembler{defaultBudget: b, TokenEstimator: est}
}

// Window returns up to MaxMessages of the most recent user and assistant
// text messages, oldest first. Tool requests, tool results and system
// messages are skipped.
func (a *ContextAssembler) Window(history []ports.Message, b *Budget) []ports.Message {
	if b == nil {
		b = &a.defaultBudget
	}
	if b.MaxMessages <= 0 {
		return nil
	}

	remaining := b.MaxContextTokens
	picked := make([]ports.Message, 0, b.MaxMessages)
	for i := len(history) - 1; i >= 0 && len(picked) < b.MaxMessages; i-- {
		m := history[i]
		if !m.IsConversationalText() {
			continue
		}
		if b.MaxContextTokens > 0 {
			cost := a.TokenEstimator(m.Content)
			if cost > remaining {
				break
			}
			remaining -= cost
		}
		picked = append(picked, m)
	}

	// Reverse to chronological order
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}
