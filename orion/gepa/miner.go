package gepa

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
	"github.com/ZanzyTHEbar/orion-gepa/orion/learned"
	"github.com/ZanzyTHEbar/orion-gepa/orion/threads"
)

// Config tunes the mining pipeline.
type Config struct {
	MinComplexity     int     // coverage gate
	SynthesisAttempts int     // judge calls per candidate tool
	ObjectiveOverlap  float64 // cosine similarity that counts as the same objective
	Workers           int     // threads mined in parallel by ProcessDir
}

func DefaultConfig() Config {
	return Config{MinComplexity: 6, SynthesisAttempts: 2, ObjectiveOverlap: 0.6, Workers: 4}
}

// Report summarises one mining pass over a thread.
type Report struct {
	ThreadID string   `json:"thread_id"`
	Segments int      `json:"segments"`
	Complex  int      `json:"complex_segments"`
	LowValue int      `json:"low_value"`
	Covered  int      `json:"covered"`
	Rejected int      `json:"rejected"`
	Failed   int      `json:"failed"`
	Created  []string `json:"created"`
}

type Option func(*Miner)

// WithLedger records every mined thread so sweeps can skip it.
func WithLedger(l ports.MiningLedger) Option {
	return func(m *Miner) { m.ledger = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Miner) { m.now = now }
}

// Miner turns threads into learned tools.
type Miner struct {
	judge   Judge
	store   *learned.Store
	catalog Catalog
	ledger  ports.MiningLedger
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time
}

func NewMiner(judge Judge, store *learned.Store, catalog Catalog, cfg Config, logger zerolog.Logger, opts ...Option) *Miner {
	def := DefaultConfig()
	if cfg.MinComplexity <= 0 {
		cfg.MinComplexity = def.MinComplexity
	}
	if cfg.SynthesisAttempts <= 0 {
		cfg.SynthesisAttempts = def.SynthesisAttempts
	}
	if cfg.ObjectiveOverlap <= 0 || cfg.ObjectiveOverlap > 1 {
		cfg.ObjectiveOverlap = def.ObjectiveOverlap
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	m := &Miner{
		judge:   judge,
		store:   store,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger.With().Str("component", "gepa").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Miner) Store() *learned.Store { return m.store }

// ProcessThread runs segment, analyze, coverage and synthesis over one
// thread and persists every accepted tool. A failing segment is logged and
// skipped; only a nil thread or a cancelled context is an error.
func (m *Miner) ProcessThread(ctx context.Context, t *threads.Thread) (*Report, error) {
	if t == nil {
		return nil, errors.New("nil thread")
	}
	log := m.logger.With().Str("thread_id", t.ID).Logger()
	report := &Report{ThreadID: t.ID, Created: []string{}}

	segments := m.Segment(ctx, t)
	report.Segments = len(segments)
	log.Info().Int("segments", len(segments)).Msg("Thread segmented")

	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !seg.IsComplexWorkflow {
			continue
		}
		report.Complex++
		segLog := log.With().Int("segment", seg.ID).Str("objective", seg.Objective).Logger()

		wf, err := m.AnalyzeSegmentWorkflow(ctx, seg, t)
		if err != nil {
			report.Failed++
			segLog.Warn().Err(err).Msg("Workflow analysis failed")
			continue
		}
		if wf.Potential == PotentialLow {
			report.LowValue++
			segLog.Debug().Int("complexity", wf.Complexity).Msg("Low optimization potential")
			continue
		}

		verdict := m.CheckExistingToolCoverage(ctx, wf, seg.Objective, seg)
		if !verdict.NewToolNeeded {
			report.Covered++
			segLog.Info().Str("reasoning", verdict.Reasoning).Msg("No new tool needed")
			continue
		}

		def, err := m.CreateOptimizedTool(ctx, wf, seg.Objective, seg, t)
		if err != nil {
			report.Rejected++
			segLog.Warn().Err(err).Msg("Tool synthesis rejected")
			continue
		}

		created, err := m.persist(*def, wf)
		if err != nil {
			report.Failed++
			segLog.Error().Err(err).Str("tool", def.ToolName).Msg("Failed to store learned tool")
			continue
		}
		if !created {
			report.Covered++
			continue
		}
		report.Created = append(report.Created, def.ToolName)
		segLog.Info().Str("tool", def.ToolName).Strs("sequence", def.ToolSequence).Msg("Learned tool created")
	}

	if m.ledger != nil {
		if err := m.ledger.MarkProcessed(ctx, t.ID, len(report.Created)); err != nil {
			log.Warn().Err(err).Msg("Failed to record mining run")
		}
	}
	return report, nil
}

// persist upserts def unless a concurrent pass stored an equivalent tool
// since the coverage check.
func (m *Miner) persist(def learned.ToolDefinition, wf WorkflowAnalysis) (bool, error) {
	created := false
	err := m.store.Update(func(tools map[string]learned.ToolDefinition) (bool, error) {
		existing := make([]learned.ToolDefinition, 0, len(tools))
		for _, t := range tools {
			existing = append(existing, t)
		}
		if match, dup := m.duplicate(wf, def.Objective, def.SourceSignature, existing); dup {
			m.logger.Info().Str("tool", def.ToolName).Str("existing", match).Msg("Equivalent tool stored concurrently")
			return false, nil
		}
		tools[def.ToolName] = def
		created = true
		return true, nil
	})
	return created, err
}

// ProcessFile mines one thread file.
func (m *Miner) ProcessFile(ctx context.Context, path string) (*Report, error) {
	t, err := threads.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return m.ProcessThread(ctx, t)
}

// ProcessDir mines every thread file in dir in parallel.
func (m *Miner) ProcessDir(ctx context.Context, dir string) ([]*Report, error) {
	return m.processDir(ctx, dir, false)
}

// ProcessPending mines the thread files in dir the ledger has not seen.
// Without a ledger it is ProcessDir.
func (m *Miner) ProcessPending(ctx context.Context, dir string) ([]*Report, error) {
	return m.processDir(ctx, dir, m.ledger != nil)
}

func (m *Miner) processDir(ctx context.Context, dir string, skipProcessed bool) ([]*Report, error) {
	files, err := filepath.Glob(filepath.Join(dir, "thread_*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}

	p := pool.NewWithResults[*Report]().WithMaxGoroutines(m.cfg.Workers)
	for _, file := range files {
		p.Go(func() *Report {
			t, err := threads.LoadFile(file)
			if err != nil {
				m.logger.Warn().Err(err).Str("file", file).Msg("Skipping unreadable thread")
				return nil
			}
			if skipProcessed {
				done, err := m.ledger.IsProcessed(ctx, t.ID)
				if err != nil {
					m.logger.Warn().Err(err).Str("thread_id", t.ID).Msg("Ledger lookup failed")
					return nil
				}
				if done {
					return nil
				}
			}
			report, err := m.ProcessThread(ctx, t)
			if err != nil {
				m.logger.Warn().Err(err).Str("thread_id", t.ID).Msg("Mining pass aborted")
			}
			return report
		})
	}

	var reports []*Report
	for _, r := range p.Wait() {
		if r != nil {
			reports = append(reports, r)
		}
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].ThreadID < reports[j].ThreadID })
	return reports, ctx.Err()
}
