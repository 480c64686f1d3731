package logx

import (
	"sync"
	"time"
)

// PerformanceLogger tracks timing of recurring daemon operations
// (poll cycles, probes, resets) and reports slow ones.
type PerformanceLogger struct {
	logger       *Logger
	slowAfter    time.Duration
	metrics      map[string]*PerformanceMetric
	metricsMutex sync.RWMutex
}

// PerformanceMetric tracks performance data for a specific operation
type PerformanceMetric struct {
	Name          string        `json:"name"`
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastExecuted  time.Time     `json:"last_executed"`
	ErrorCount    int64         `json:"error_count"`
}

// Operation is an in-flight timed operation
type Operation struct {
	name   string
	start  time.Time
	parent *PerformanceLogger
}

// NewPerformanceLogger creates a performance logger; operations slower than
// slowAfter are logged at warn level
func NewPerformanceLogger(logger *Logger, slowAfter time.Duration) *PerformanceLogger {
	if slowAfter <= 0 {
		slowAfter = 30 * time.Second
	}
	return &PerformanceLogger{
		logger:    logger,
		slowAfter: slowAfter,
		metrics:   make(map[string]*PerformanceMetric),
	}
}

// Start begins timing an operation
func (pl *PerformanceLogger) Start(name string) *Operation {
	return &Operation{name: name, start: time.Now(), parent: pl}
}

// Complete records the operation and returns its duration
func (op *Operation) Complete(err error) time.Duration {
	duration := time.Since(op.start)
	op.parent.record(op.name, duration, err)
	return duration
}

func (pl *PerformanceLogger) record(name string, duration time.Duration, err error) {
	pl.metricsMutex.Lock()
	metric, exists := pl.metrics[name]
	if !exists {
		metric = &PerformanceMetric{Name: name, MinDuration: duration}
		pl.metrics[name] = metric
	}
	metric.Count++
	metric.TotalDuration += duration
	metric.LastExecuted = time.Now()
	if duration < metric.MinDuration {
		metric.MinDuration = duration
	}
	if duration > metric.MaxDuration {
		metric.MaxDuration = duration
	}
	metric.AvgDuration = metric.TotalDuration / time.Duration(metric.Count)
	if err != nil {
		metric.ErrorCount++
	}
	avg := metric.AvgDuration
	pl.metricsMutex.Unlock()

	if err != nil {
		pl.logger.Debug("Timed operation failed", "operation", name, "duration", duration.String(), "error", err)
		return
	}
	if duration > pl.slowAfter {
		pl.logger.Warn("Slow operation detected",
			"operation", name,
			"duration", duration.String(),
			"avg_duration", avg.String(),
			"threshold", pl.slowAfter.String(),
		)
	}
}

// GetMetric returns a copy of a specific metric, or nil
func (pl *PerformanceLogger) GetMetric(name string) *PerformanceMetric {
	pl.metricsMutex.RLock()
	defer pl.metricsMutex.RUnlock()

	if metric, ok := pl.metrics[name]; ok {
		copied := *metric
		return &copied
	}
	return nil
}

// LogMetrics logs a summary line per tracked operation
func (pl *PerformanceLogger) LogMetrics() {
	pl.metricsMutex.RLock()
	defer pl.metricsMutex.RUnlock()

	for name, metric := range pl.metrics {
		pl.logger.Info("Performance metric summary",
			"operation", name,
			"total_operations", metric.Count,
			"avg_duration", metric.AvgDuration.String(),
			"min_duration", metric.MinDuration.String(),
			"max_duration", metric.MaxDuration.String(),
			"error_count", metric.ErrorCount,
			"last_executed", metric.LastExecuted.Format(time.RFC3339),
		)
	}
}
