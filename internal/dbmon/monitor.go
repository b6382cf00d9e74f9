package dbmon

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"market-intel-backend/config"
	"market-intel-backend/internal/alert"
	"market-intel-backend/internal/logging"
)

// Alerter is the dispatcher surface the monitor needs. Alerting must
// never block or fail the query path; implementations are expected to
// swallow their own errors.
type Alerter interface {
	Dispatch(sev alert.Severity, component, title, message string) bool
}

// QueryMetric aggregates executions of one normalised query template.
// In-memory only; lost on restart.
type QueryMetric struct {
	QueryHash      string
	QueryTemplate  string
	ExecutionCount int64
	TotalDuration  time.Duration
	MinDuration    time.Duration
	MaxDuration    time.Duration
	LastExecution  time.Time
	SlowQueryCount int64
	TableNames     []string
	OperationType  string
}

// AvgDuration returns the mean execution duration.
func (m *QueryMetric) AvgDuration() time.Duration {
	if m.ExecutionCount == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.ExecutionCount)
}

// SlowQueryLog is one captured slow execution bound for persistence.
type SlowQueryLog struct {
	QueryHash     string
	QueryTemplate string
	OriginalQuery string
	Duration      time.Duration
	AffectedRows  int64
	TableNames    []string
	OperationType string
	ExecutedAt    time.Time
}

const (
	maxOriginalQueryLen = 2000
	summaryTemplateLen  = 80

	criticalQueryDuration = 5 * time.Second
	warningQueryDuration  = 2 * time.Second
)

type ctxKey int

const queryStartKey ctxKey = iota

type queryStart struct {
	begin time.Time
	sql   string
}

// Monitor observes the driver's query lifecycle through the pgx tracer
// interface and the pool's acquire/release callbacks. It keeps
// per-template metrics, feeds slow executions to the batch writer and
// grades alerts by duration.
type Monitor struct {
	cfg    *config.MonitorConfig
	log    *logging.Logger
	alerts Alerter
	writer *SlowQueryWriter

	threshold time.Duration

	mu      sync.Mutex
	metrics map[string]*QueryMetric

	connMu           sync.Mutex
	checkedOutSince  map[*pgx.Conn]time.Time
	connects         int64
	disconnects      int64
	checkouts        int64
	checkins         int64
	checkoutTotal    time.Duration
	checkoutMax      time.Duration
	failedConnsCount int64
}

// NewMonitor creates a monitor. Writer and alerter are optional; a nil
// writer disables slow-query persistence, a nil alerter disables
// alerting.
func NewMonitor(cfg *config.MonitorConfig, writer *SlowQueryWriter, alerts Alerter, log *logging.Logger) *Monitor {
	return &Monitor{
		cfg:             cfg,
		log:             log.WithComponent("query-monitor"),
		alerts:          alerts,
		writer:          writer,
		threshold:       time.Duration(cfg.SlowQueryThresholdSeconds * float64(time.Second)),
		metrics:         make(map[string]*QueryMetric),
		checkedOutSince: make(map[*pgx.Conn]time.Time),
	}
}

// ============================================================================
// QUERY TRACING
// ============================================================================

// TraceQueryStart implements pgx.QueryTracer: records the start time
// and statement on the context.
func (m *Monitor) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey, queryStart{begin: time.Now(), sql: data.SQL})
}

// TraceQueryEnd implements pgx.QueryTracer: computes the duration and
// records the execution.
func (m *Monitor) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	qs, ok := ctx.Value(queryStartKey).(queryStart)
	if !ok {
		return
	}
	m.Observe(qs.sql, time.Since(qs.begin), data.CommandTag.RowsAffected())
}

// Observe records one query execution. Exposed for tests and for code
// paths outside the tracer.
func (m *Monitor) Observe(sql string, duration time.Duration, rowsAffected int64) {
	template := Normalize(sql)
	hash := QueryHash(sql)
	slow := duration > m.threshold
	now := time.Now()

	m.mu.Lock()
	metric, ok := m.metrics[hash]
	if !ok {
		metric = &QueryMetric{
			QueryHash:     hash,
			QueryTemplate: template,
			MinDuration:   duration,
			TableNames:    TableNames(sql),
			OperationType: OperationType(sql),
		}
		m.metrics[hash] = metric
	}
	metric.ExecutionCount++
	metric.TotalDuration += duration
	if duration < metric.MinDuration {
		metric.MinDuration = duration
	}
	if duration > metric.MaxDuration {
		metric.MaxDuration = duration
	}
	metric.LastExecution = now
	if slow {
		metric.SlowQueryCount++
	}
	m.mu.Unlock()

	if !slow {
		return
	}

	m.log.Warn("slow query detected",
		"query_hash", hash, "duration_ms", duration.Milliseconds(),
		"operation", metric.OperationType)

	if m.writer != nil {
		original := sql
		if len(original) > maxOriginalQueryLen {
			original = original[:maxOriginalQueryLen]
		}
		m.writer.Enqueue(SlowQueryLog{
			QueryHash:     hash,
			QueryTemplate: template,
			OriginalQuery: original,
			Duration:      duration,
			AffectedRows:  rowsAffected,
			TableNames:    TableNames(sql),
			OperationType: OperationType(sql),
			ExecutedAt:    now,
		})
	}

	if m.alerts != nil {
		// The query path must not wait on channel I/O.
		switch {
		case duration > criticalQueryDuration:
			go m.alerts.Dispatch(alert.SeverityCritical, "query-monitor",
				"very slow query",
				fmt.Sprintf("query %s took %.2fs", hash, duration.Seconds()))
		case duration > warningQueryDuration:
			go m.alerts.Dispatch(alert.SeverityWarning, "query-monitor",
				"slow query",
				fmt.Sprintf("query %s took %.2fs", hash, duration.Seconds()))
		}
	}
}

// Metric returns a copy of the metric for a hash.
func (m *Monitor) Metric(hash string) (QueryMetric, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	metric, ok := m.metrics[hash]
	if !ok {
		return QueryMetric{}, false
	}
	return *metric, true
}

// ============================================================================
// CONNECTION LIFECYCLE
// ============================================================================

// ConnConnected counts a new physical connection.
func (m *Monitor) ConnConnected() {
	m.connMu.Lock()
	m.connects++
	m.connMu.Unlock()
}

// ConnClosed counts a closed physical connection.
func (m *Monitor) ConnClosed() {
	m.connMu.Lock()
	m.disconnects++
	m.connMu.Unlock()
}

// ConnFailed counts a failed connection attempt.
func (m *Monitor) ConnFailed() {
	m.connMu.Lock()
	m.failedConnsCount++
	m.connMu.Unlock()
}

// ConnAcquired marks a connection checked out of the pool.
func (m *Monitor) ConnAcquired(conn *pgx.Conn) {
	m.connMu.Lock()
	m.checkouts++
	m.checkedOutSince[conn] = time.Now()
	m.connMu.Unlock()
}

// ConnReleased marks a connection checked back in and records how long
// it was held.
func (m *Monitor) ConnReleased(conn *pgx.Conn) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.checkins++
	if since, ok := m.checkedOutSince[conn]; ok {
		held := time.Since(since)
		m.checkoutTotal += held
		if held > m.checkoutMax {
			m.checkoutMax = held
		}
		delete(m.checkedOutSince, conn)
	}
}

// CheckoutStats returns the average and maximum connection hold times
// and the failed connection count.
func (m *Monitor) CheckoutStats() (avg, max time.Duration, failed int64) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.checkins > 0 {
		avg = m.checkoutTotal / time.Duration(m.checkins)
	}
	return avg, m.checkoutMax, m.failedConnsCount
}

// ============================================================================
// SUMMARY
// ============================================================================

// TemplateStat is one query template in the performance summary.
type TemplateStat struct {
	QueryHash      string        `json:"query_hash"`
	Template       string        `json:"template"`
	ExecutionCount int64         `json:"execution_count"`
	AvgDuration    time.Duration `json:"avg_duration"`
	MaxDuration    time.Duration `json:"max_duration"`
	SlowQueryCount int64         `json:"slow_query_count"`
}

// Summary is the monitor's aggregate view.
type Summary struct {
	TotalQueries    int64          `json:"total_queries"`
	SlowQueries     int64          `json:"slow_queries"`
	UniqueTemplates int            `json:"unique_templates"`
	Connects        int64          `json:"connects"`
	Disconnects     int64          `json:"disconnects"`
	Checkouts       int64          `json:"checkouts"`
	Checkins        int64          `json:"checkins"`
	TopSlowest      []TemplateStat `json:"top_slowest"`
	MostFrequent    []TemplateStat `json:"most_frequent"`
}

// PerformanceSummary builds the summary with the top-N slowest and
// most frequent templates, templates truncated for display.
func (m *Monitor) PerformanceSummary() Summary {
	topN := m.cfg.TopN
	if topN <= 0 {
		topN = 10
	}

	m.mu.Lock()
	stats := make([]TemplateStat, 0, len(m.metrics))
	var total, slow int64
	for _, metric := range m.metrics {
		total += metric.ExecutionCount
		slow += metric.SlowQueryCount
		stats = append(stats, TemplateStat{
			QueryHash:      metric.QueryHash,
			Template:       truncate(metric.QueryTemplate, summaryTemplateLen),
			ExecutionCount: metric.ExecutionCount,
			AvgDuration:    metric.AvgDuration(),
			MaxDuration:    metric.MaxDuration,
			SlowQueryCount: metric.SlowQueryCount,
		})
	}
	unique := len(m.metrics)
	m.mu.Unlock()

	slowest := make([]TemplateStat, len(stats))
	copy(slowest, stats)
	sort.Slice(slowest, func(i, j int) bool {
		return slowest[i].MaxDuration > slowest[j].MaxDuration
	})
	if len(slowest) > topN {
		slowest = slowest[:topN]
	}

	frequent := stats
	sort.Slice(frequent, func(i, j int) bool {
		return frequent[i].ExecutionCount > frequent[j].ExecutionCount
	})
	if len(frequent) > topN {
		frequent = frequent[:topN]
	}

	m.connMu.Lock()
	summary := Summary{
		TotalQueries:    total,
		SlowQueries:     slow,
		UniqueTemplates: unique,
		Connects:        m.connects,
		Disconnects:     m.disconnects,
		Checkouts:       m.checkouts,
		Checkins:        m.checkins,
		TopSlowest:      slowest,
		MostFrequent:    frequent,
	}
	m.connMu.Unlock()

	return summary
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
