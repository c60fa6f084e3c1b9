package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// QueryLoggerConfig configures query logging behavior.
type QueryLoggerConfig struct {
	// SlowQueryThreshold is the duration above which queries are logged at WARN.
	SlowQueryThreshold time.Duration

	// VerySlowQueryThreshold is the duration above which queries are logged at ERROR.
	VerySlowQueryThreshold time.Duration
}

// DefaultQueryLoggerConfig returns sensible defaults for query logging.
func DefaultQueryLoggerConfig() *QueryLoggerConfig {
	return &QueryLoggerConfig{
		SlowQueryThreshold:     100 * time.Millisecond,
		VerySlowQueryThreshold: 500 * time.Millisecond,
	}
}

// QueryStats tracks cumulative query statistics.
type QueryStats struct {
	TotalQueries    int64
	SlowQueries     int64
	FailedQueries   int64
	mu              sync.RWMutex
	totalDuration   time.Duration
	slowestQuery    string
	slowestDuration time.Duration
}

// GetStats returns a copy of the current counters.
func (qs *QueryStats) GetStats() (total, slow, failed int64, avgDuration time.Duration) {
	total = atomic.LoadInt64(&qs.TotalQueries)
	slow = atomic.LoadInt64(&qs.SlowQueries)
	failed = atomic.LoadInt64(&qs.FailedQueries)

	if total > 0 {
		qs.mu.RLock()
		avgDuration = qs.totalDuration / time.Duration(total)
		qs.mu.RUnlock()
	}
	return
}

// QueryLogger implements pgx.QueryTracer for slow-query monitoring.
type QueryLogger struct {
	config *QueryLoggerConfig
	logger *zap.Logger
	stats  *QueryStats
}

// NewQueryLogger creates a query logger.
func NewQueryLogger(cfg *QueryLoggerConfig, logger *zap.Logger) *QueryLogger {
	if cfg == nil {
		cfg = DefaultQueryLoggerConfig()
	}
	return &QueryLogger{
		config: cfg,
		logger: logger.Named("query"),
		stats:  &QueryStats{},
	}
}

// Stats returns the query statistics.
func (ql *QueryLogger) Stats() *QueryStats {
	return ql.stats
}

type queryTraceData struct {
	startTime time.Time
	sql       string
}

type ctxKey struct{}

// TraceQueryStart implements pgx.QueryTracer.
func (ql *QueryLogger) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, ctxKey{}, &queryTraceData{
		startTime: time.Now(),
		sql:       data.SQL,
	})
}

// TraceQueryEnd implements pgx.QueryTracer.
func (ql *QueryLogger) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	traceData, ok := ctx.Value(ctxKey{}).(*queryTraceData)
	if !ok {
		return
	}

	duration := time.Since(traceData.startTime)
	atomic.AddInt64(&ql.stats.TotalQueries, 1)

	ql.stats.mu.Lock()
	ql.stats.totalDuration += duration
	if duration > ql.stats.slowestDuration {
		ql.stats.slowestDuration = duration
		ql.stats.slowestQuery = truncateSQL(traceData.sql, 200)
	}
	ql.stats.mu.Unlock()

	if data.Err != nil {
		atomic.AddInt64(&ql.stats.FailedQueries, 1)
		ql.logger.Error("query failed",
			zap.String("sql", truncateSQL(traceData.sql, 500)),
			zap.Duration("duration", duration),
			zap.Error(data.Err),
		)
		return
	}

	switch {
	case duration >= ql.config.VerySlowQueryThreshold:
		atomic.AddInt64(&ql.stats.SlowQueries, 1)
		ql.logger.Error("very slow query detected",
			zap.String("sql", truncateSQL(traceData.sql, 500)),
			zap.Duration("duration", duration),
			zap.Duration("threshold", ql.config.VerySlowQueryThreshold),
			zap.String("command_tag", data.CommandTag.String()),
		)
	case duration >= ql.config.SlowQueryThreshold:
		atomic.AddInt64(&ql.stats.SlowQueries, 1)
		ql.logger.Warn("slow query detected",
			zap.String("sql", truncateSQL(traceData.sql, 500)),
			zap.Duration("duration", duration),
			zap.Duration("threshold", ql.config.SlowQueryThreshold),
			zap.String("command_tag", data.CommandTag.String()),
		)
	}
}

// truncateSQL truncates SQL to a maximum length for logging.
func truncateSQL(sql string, maxLen int) string {
	if len(sql) <= maxLen {
		return sql
	}
	return sql[:maxLen-3] + "..."
}
