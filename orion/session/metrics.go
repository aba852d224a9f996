package session

import (
	"slices"
	"sync"
	"time"
)

// latencyWindow bounds the samples kept per series.
const latencyWindow = 1000

// MetricsCollector collects counters and latencies for turns, tool calls
// and mining passes.
type MetricsCollector struct {
	mu sync.RWMutex

	// Counters
	turnCount    int64
	triggerCount int64
	miningCount  int64

	// Latency tracking
	turnLatency   []time.Duration
	miningLatency []time.Duration

	// Error tracking
	turnErrors   int64
	miningErrors int64

	// Per-tool metrics
	toolStats map[string]ToolStats

	// Learned tools created by mining
	toolsCreated int64
}

// ToolStats tracks the executions of one tool across every session.
type ToolStats struct {
	Count       int64   `json:"count"`
	Success     int64   `json:"success"`
	Failed      int64   `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		turnLatency:   make([]time.Duration, 0, latencyWindow),
		miningLatency: make([]time.Duration, 0, latencyWindow),
		toolStats:     make(map[string]ToolStats),
	}
}

// RecordTurn records one user turn. triggered marks turns answered by a
// learned tool.
func (mc *MetricsCollector) RecordTurn(duration time.Duration, triggered bool, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.turnCount++
	mc.turnLatency = appendWindow(mc.turnLatency, duration)
	if triggered {
		mc.triggerCount++
	}
	if err != nil {
		mc.turnErrors++
	}
}

// RecordTool records one tool execution
func (mc *MetricsCollector) RecordTool(name string, success bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	stats := mc.toolStats[name]
	stats.Count++
	if success {
		stats.Success++
	} else {
		stats.Failed++
	}
	stats.SuccessRate = float64(stats.Success) / float64(stats.Count)
	mc.toolStats[name] = stats
}

// RecordMining records one mining pass over a thread
func (mc *MetricsCollector) RecordMining(duration time.Duration, created int, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.miningCount++
	mc.miningLatency = appendWindow(mc.miningLatency, duration)
	mc.toolsCreated += int64(created)
	if err != nil {
		mc.miningErrors++
	}
}

func appendWindow(samples []time.Duration, d time.Duration) []time.Duration {
	if len(samples) >= latencyWindow {
		samples = append(samples[:0], samples[1:]...)
	}
	return append(samples, d)
}

// GetSummary returns a summary of collected metrics
func (mc *MetricsCollector) GetSummary() MetricsSummary {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	tools := make(map[string]ToolStats, len(mc.toolStats))
	var executions int64
	for name, s := range mc.toolStats {
		tools[name] = s
		executions += s.Count
	}
	return MetricsSummary{
		TurnCount:      mc.turnCount,
		TriggerCount:   mc.triggerCount,
		MiningCount:    mc.miningCount,
		TurnErrors:     mc.turnErrors,
		MiningErrors:   mc.miningErrors,
		ToolExecutions: executions,
		ToolsCreated:   mc.toolsCreated,
		ToolStats:      tools,
		TurnLatency:    calculatePercentiles(mc.turnLatency),
		MiningLatency:  calculatePercentiles(mc.miningLatency),
	}
}

// calculatePercentiles calculates p50, p95, p99 latencies
func calculatePercentiles(latencies []time.Duration) LatencyPercentiles {
	if len(latencies) == 0 {
		return LatencyPercentiles{}
	}
	sorted := slices.Clone(latencies)
	slices.Sort(sorted)

	return LatencyPercentiles{
		P50: sorted[len(sorted)*50/100],
		P95: sorted[len(sorted)*95/100],
		P99: sorted[len(sorted)*99/100],
	}
}

// MetricsSummary represents a summary of collected metrics
type MetricsSummary struct {
	TurnCount      int64                `json:"turn_count"`
	TriggerCount   int64                `json:"trigger_count"`
	MiningCount    int64                `json:"mining_count"`
	TurnErrors     int64                `json:"turn_errors"`
	MiningErrors   int64                `json:"mining_errors"`
	ToolExecutions int64                `json:"tool_executions"`
	ToolsCreated   int64                `json:"tools_created"`
	ToolStats      map[string]ToolStats `json:"tool_stats"`
	TurnLatency    LatencyPercentiles   `json:"turn_latency"`
	MiningLatency  LatencyPercentiles   `json:"mining_latency"`
}

// LatencyPercentiles represents latency percentiles
type LatencyPercentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// Reset clears all collected metrics
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.turnCount = 0
	mc.triggerCount = 0
	mc.miningCount = 0
	mc.turnErrors = 0
	mc.miningErrors = 0
	mc.toolsCreated = 0
	mc.turnLatency = mc.turnLatency[:0]
	mc.miningLatency = mc.miningLatency[:0]
	mc.toolStats = make(map[string]ToolStats)
}
