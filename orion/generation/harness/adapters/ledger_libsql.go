package adapters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
)

// LibSQLMiningLedger records processed threads in the mining_runs table.
type LibSQLMiningLedger struct {
	db *sql.DB
}

func NewLibSQLMiningLedger(db *sql.DB) *LibSQLMiningLedger {
	return &LibSQLMiningLedger{db: db}
}

// MarkProcessed upserts the run for threadID.
func (l *LibSQLMiningLedger) MarkProcessed(ctx context.Context, threadID string, toolsCreated int) error {
	query := `
		INSERT INTO mining_runs (thread_id, tools_created, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			tools_created = excluded.tools_created,
			processed_at = excluded.processed_at
	`
	if _, err := l.db.ExecContext(ctx, query, threadID, toolsCreated, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to record mining run for %s: %w", threadID, err)
	}
	return nil
}

func (l *LibSQLMiningLedger) IsProcessed(ctx context.Context, threadID string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, `SELECT 1 FROM mining_runs WHERE thread_id = ?`, threadID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query mining run for %s: %w", threadID, err)
	}
	return true, nil
}

var _ ports.MiningLedger = (*LibSQLMiningLedger)(nil)
