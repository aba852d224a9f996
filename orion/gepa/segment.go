package gepa

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"github.com/ZanzyTHEbar/orion-gepa/orion/threads"
)

// turnIndex holds the turn numbers of a thread by role.
type turnIndex struct {
	user      *roaring.Bitmap
	assistant *roaring.Bitmap
	maxTurn   int
}

func indexTurns(t *threads.Thread) turnIndex {
	idx := turnIndex{user: roaring.New(), assistant: roaring.New(), maxTurn: t.MaxTurn()}
	for _, turn := range t.Turns {
		if turn.Turn < 1 {
			continue
		}
		n := uint32(turn.Turn)
		switch turn.Type {
		case threads.TurnUserInput:
			idx.user.Add(n)
		case threads.TurnAssistantResponse, threads.TurnAssistantToolRequest:
			idx.assistant.Add(n)
		}
	}
	return idx
}

func span(start, end int) *roaring.Bitmap {
	r := roaring.New()
	r.AddRange(uint64(start), uint64(end)+1)
	return r
}

// Segment asks the judge to split the thread by user objective. The result
// fails closed: if any returned segment is out of range, inverted or
// overlaps another, no segments are returned. Turn counts are recomputed
// from the thread and simple exchanges of one user and one assistant turn
// are dropped.
func (m *Miner) Segment(ctx context.Context, t *threads.Thread) []Segment {
	if len(t.Turns) == 0 {
		return nil
	}
	raw, err := m.judge.Segment(ctx, SegmentRequest{ThreadID: t.ID, Transcript: RenderTranscript(t)})
	if err != nil {
		m.logger.Warn().Err(err).Str("thread_id", t.ID).Msg("Segmentation failed")
		return nil
	}
	segments, err := checkSegments(raw, indexTurns(t))
	if err != nil {
		m.logger.Warn().Err(err).Str("thread_id", t.ID).Msg("Discarding malformed segmentation")
		return nil
	}

	out := make([]Segment, 0, len(segments))
	for _, seg := range segments {
		if seg.UserTurns == 1 && seg.AssistantTurns == 1 {
			continue
		}
		seg.ThreadID = t.ID
		out = append(out, seg)
	}
	return out
}

func checkSegments(raw []Segment, idx turnIndex) ([]Segment, error) {
	covered := roaring.New()
	out := make([]Segment, 0, len(raw))
	for _, seg := range raw {
		if seg.StartTurn > seg.EndTurn {
			return nil, fmt.Errorf("segment %d: start %d after end %d", seg.ID, seg.StartTurn, seg.EndTurn)
		}
		if seg.StartTurn < 1 || seg.EndTurn > idx.maxTurn {
			return nil, fmt.Errorf("segment %d: range %d-%d outside 1-%d", seg.ID, seg.StartTurn, seg.EndTurn, idx.maxTurn)
		}
		r := span(seg.StartTurn, seg.EndTurn)
		if covered.Intersects(r) {
			return nil, fmt.Errorf("segment %d: range %d-%d overlaps an earlier segment", seg.ID, seg.StartTurn, seg.EndTurn)
		}
		covered.Or(r)

		seg.UserTurns = int(r.AndCardinality(idx.user))
		seg.AssistantTurns = int(r.AndCardinality(idx.assistant))
		out = append(out, seg)
	}
	return out, nil
}

// AnalyzeSegmentWorkflow scores the tool activity strictly inside the
// segment. Complexity is clamped to [1,10] and an unknown potential is LOW.
func (m *Miner) AnalyzeSegmentWorkflow(ctx context.Context, seg Segment, t *threads.Thread) (WorkflowAnalysis, error) {
	turns := t.TurnsInRange(seg.StartTurn, seg.EndTurn)
	calls, outcomes := observe(turns)

	wf, err := m.judge.Score(ctx, ScoreRequest{
		Objective:   seg.Objective,
		Invocations: calls,
		Outcomes:    outcomes,
		TotalTurns:  seg.EndTurn - seg.StartTurn + 1,
		UserTurns:   seg.UserTurns,
	})
	if err != nil {
		return WorkflowAnalysis{}, fmt.Errorf("score segment %d: %w", seg.ID, err)
	}

	wf.Complexity = max(1, min(wf.Complexity, 10))
	wf.Potential = ParsePotential(string(wf.Potential))
	if observed := uniqueTools(calls); len(observed) > 0 {
		wf.ToolsUsed = observed
	}
	return wf, nil
}
