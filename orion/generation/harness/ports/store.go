package harnessports

import (
	"context"
	"time"
)

// Turn is one persisted message of a live session.
type Turn struct {
	Seq       int       // position in the session, starting at 1
	Message   Message   // the message itself
	CreatedAt time.Time // server-side timestamp
}

// ConversationStore persists live session messages so a session can be
// inspected or resumed after a restart.
type ConversationStore interface {
	SaveTurn(ctx context.Context, conversationID string, turn Turn) error
	LoadContext(ctx context.Context, conversationID string, k int) ([]Turn, error) // last-k turns, k <= 0 loads all
	DeleteConversation(ctx context.Context, conversationID string) error
}

// MiningLedger remembers which threads the miner has already processed.
type MiningLedger interface {
	MarkProcessed(ctx context.Context, threadID string, toolsCreated int) error
	IsProcessed(ctx context.Context, threadID string) (bool, error)
}
