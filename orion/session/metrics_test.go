package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector()

	for i := 1; i <= 100; i++ {
		mc.RecordTurn(time.Duration(i)*time.Millisecond, i%10 == 0, nil)
	}
	mc.RecordTurn(time.Millisecond, false, errors.New("provider down"))
	mc.RecordTool("check_time_availability", true)
	mc.RecordTool("check_time_availability", false)
	mc.RecordTool("search_restaurants", true)
	mc.RecordMining(2*time.Second, 2, nil)
	mc.RecordMining(time.Second, 0, errors.New("judge offline"))

	s := mc.GetSummary()
	assert.Equal(t, int64(101), s.TurnCount)
	assert.Equal(t, int64(10), s.TriggerCount)
	assert.Equal(t, int64(1), s.TurnErrors)
	assert.Equal(t, int64(3), s.ToolExecutions)
	assert.Equal(t, ToolStats{Count: 2, Success: 1, Failed: 1, SuccessRate: 0.5}, s.ToolStats["check_time_availability"])
	assert.Equal(t, int64(2), s.MiningCount)
	assert.Equal(t, int64(1), s.MiningErrors)
	assert.Equal(t, int64(2), s.ToolsCreated)

	assert.Equal(t, 50*time.Millisecond, s.TurnLatency.P50)
	assert.Equal(t, 95*time.Millisecond, s.TurnLatency.P95)
	assert.Equal(t, 99*time.Millisecond, s.TurnLatency.P99)
	assert.Equal(t, 2*time.Second, s.MiningLatency.P50)

	mc.Reset()
	s = mc.GetSummary()
	assert.Zero(t, s.TurnCount)
	assert.Empty(t, s.ToolStats)
	assert.Equal(t, LatencyPercentiles{}, s.TurnLatency)
}

func TestMetricsLatencyWindow(t *testing.T) {
	mc := NewMetricsCollector()
	for i := 0; i < latencyWindow+10; i++ {
		mc.RecordTurn(time.Duration(i), false, nil)
	}
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	assert.Len(t, mc.turnLatency, latencyWindow)
	assert.Equal(t, time.Duration(10), mc.turnLatency[0])
}

func TestMetricsSummaryIsACopy(t *testing.T) {
	mc := NewMetricsCollector()
	mc.RecordTool("a", true)
	s := mc.GetSummary()
	s.ToolStats["a"] = ToolStats{}
	assert.Equal(t, int64(1), mc.GetSummary().ToolStats["a"].Count)
}
