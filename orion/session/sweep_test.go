package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ZanzyTHEbar/orion-gepa/orion/gepa"
)

type stubPending struct {
	calls   atomic.Int32
	reports []*gepa.Report
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (p *stubPending) ProcessPending(ctx context.Context, dir string) ([]*gepa.Report, error) {
	p.calls.Add(1)
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.reports, p.err
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify() bool {
	c.n.Add(1)
	return true
}

type mockPending struct{ mock.Mock }

func (m *mockPending) ProcessPending(ctx context.Context, dir string) ([]*gepa.Report, error) {
	args := m.Called(ctx, dir)
	reports, _ := args.Get(0).([]*gepa.Report)
	return reports, args.Error(1)
}

type staleNotifier struct{}

func (staleNotifier) Notify() bool { return false }

func TestSweeperMinesConfiguredDir(t *testing.T) {
	dir := t.TempDir()
	miner := &mockPending{}
	miner.On("ProcessPending", mock.Anything, dir).
		Return([]*gepa.Report{{ThreadID: "a", Created: []string{"inbox_triage"}}}, nil).
		Once()

	sw, err := NewSweeper("@hourly", dir, miner, staleNotifier{}, nil, zerolog.Nop())
	require.NoError(t, err)

	res, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Reloaded, "created tools count as a reload even when Notify had nothing to do")
	miner.AssertExpectations(t)
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	_, err := NewSweeper("every tuesday", t.TempDir(), &stubPending{}, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestSweeperRunOnce(t *testing.T) {
	miner := &stubPending{reports: []*gepa.Report{
		{ThreadID: "a", Created: []string{"availability_scout"}},
		{ThreadID: "b", Created: []string{}},
	}}
	notifier := &countingNotifier{}
	metrics := NewMetricsCollector()
	sw, err := NewSweeper("*/5 * * * *", t.TempDir(), miner, notifier, metrics, zerolog.Nop())
	require.NoError(t, err)

	res, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Threads)
	assert.Equal(t, []string{"availability_scout"}, res.Created)
	assert.True(t, res.Reloaded)
	assert.Equal(t, int32(1), notifier.n.Load())
	assert.Equal(t, int64(1), metrics.GetSummary().ToolsCreated)
}

func TestSweeperRunOnceError(t *testing.T) {
	notifier := &countingNotifier{}
	sw, err := NewSweeper("@hourly", t.TempDir(), &stubPending{err: errors.New("disk gone")}, notifier, nil, zerolog.Nop())
	require.NoError(t, err)

	_, err = sw.RunOnce(context.Background())
	assert.ErrorContains(t, err, "disk gone")
	assert.Zero(t, notifier.n.Load())
}

func TestSweeperSkipsOverlappingRuns(t *testing.T) {
	miner := &stubPending{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	sw, err := NewSweeper("@hourly", t.TempDir(), miner, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := sw.RunOnce(context.Background())
		assert.NoError(t, err)
	}()
	<-miner.entered

	res, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Threads)
	assert.Equal(t, int32(1), miner.calls.Load())

	close(miner.block)
	wg.Wait()
}

func TestSweeperStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	sw, err := NewSweeper("@every 1h", t.TempDir(), &stubPending{}, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, sw.Start(context.Background()))
	assert.Error(t, sw.Start(context.Background()))

	next := sw.Next()
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sw.Stop(ctx))
}
