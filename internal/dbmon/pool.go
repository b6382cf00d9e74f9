package dbmon

import (
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"market-intel-backend/config"
	"market-intel-backend/internal/alert"
	"market-intel-backend/internal/logging"
)

// PoolSnapshot is one sampled view of the connection pool.
type PoolSnapshot struct {
	PoolSize        int           `json:"pool_size"`
	CheckedOut      int           `json:"checked_out"`
	Overflow        int           `json:"overflow"`
	Utilisation     float64       `json:"utilisation"`
	AvgCheckoutTime time.Duration `json:"avg_checkout_time"`
	MaxCheckoutTime time.Duration `json:"max_checkout_time"`
	FailedConns     int64         `json:"failed_conns"`
	Ts              time.Time     `json:"ts"`
}

// SnapshotSource produces pool snapshots.
type SnapshotSource interface {
	Snapshot() PoolSnapshot
}

// PoolResizer receives resize requests. pgx pools are sized at
// construction, so the production resizer records the target for the
// next restart instead of resizing live.
type PoolResizer interface {
	Resize(target int) error
}

// Health levels reported by the pool manager.
const (
	PoolHealthy  = "HEALTHY"
	PoolWarning  = "WARNING"
	PoolCritical = "CRITICAL"
)

const (
	criticalUtilisation = 0.95
	checkoutWarnTime    = 30 * time.Second
	failedConnsWarn     = 10
	snapshotRetention   = 24 * time.Hour
)

// PoolManager samples the pool on each check, keeps a bounded snapshot
// history and requests step resizes when utilisation leaves the
// configured band. At most one adjustment per adjustment interval.
type PoolManager struct {
	cfg     *config.PoolConfig
	src     SnapshotSource
	resizer PoolResizer
	alerts  Alerter
	log     *logging.Logger
	now     func() time.Time

	mu             sync.Mutex
	history        []PoolSnapshot
	lastAdjustment time.Time
}

// NewPoolManager creates a pool manager.
func NewPoolManager(cfg *config.PoolConfig, src SnapshotSource, resizer PoolResizer, alerts Alerter, log *logging.Logger) *PoolManager {
	return &PoolManager{
		cfg:     cfg,
		src:     src,
		resizer: resizer,
		alerts:  alerts,
		log:     log.WithComponent("pool-manager"),
		now:     time.Now,
	}
}

// Check samples the pool once, records the snapshot, emits threshold
// alerts and applies at most one step adjustment.
func (p *PoolManager) Check() {
	snap := p.src.Snapshot()
	if snap.Ts.IsZero() {
		snap.Ts = p.now()
	}
	p.record(snap)

	if snap.Utilisation > criticalUtilisation && p.alerts != nil {
		p.alerts.Dispatch(alert.SeverityCritical, "pool-manager",
			"pool utilisation critical",
			fmt.Sprintf("utilisation %.0f%% (%d/%d connections)",
				snap.Utilisation*100, snap.CheckedOut, snap.PoolSize))
	}
	if snap.AvgCheckoutTime > checkoutWarnTime && p.alerts != nil {
		p.alerts.Dispatch(alert.SeverityWarning, "pool-manager",
			"long connection checkouts",
			fmt.Sprintf("avg checkout %.1fs", snap.AvgCheckoutTime.Seconds()))
	}

	p.adjust(snap)
}

func (p *PoolManager) adjust(snap PoolSnapshot) {
	now := p.now()

	p.mu.Lock()
	gated := !p.lastAdjustment.IsZero() && now.Sub(p.lastAdjustment) < p.cfg.AdjustmentInterval
	p.mu.Unlock()
	if gated {
		return
	}

	switch {
	case snap.Utilisation > p.cfg.UtilHigh && snap.PoolSize < p.cfg.Max:
		target := snap.PoolSize + p.cfg.Step
		if target > p.cfg.Max {
			target = p.cfg.Max
		}
		p.requestResize(snap, target, now)
		if p.alerts != nil {
			p.alerts.Dispatch(alert.SeverityWarning, "pool-manager",
				"pool scaling up",
				fmt.Sprintf("utilisation %.0f%%, resizing %d -> %d",
					snap.Utilisation*100, snap.PoolSize, target))
		}

	case snap.Utilisation < p.cfg.UtilLow && snap.PoolSize > p.cfg.Min:
		target := snap.PoolSize - p.cfg.Step
		if target < p.cfg.Min {
			target = p.cfg.Min
		}
		p.requestResize(snap, target, now)
	}
}

func (p *PoolManager) requestResize(snap PoolSnapshot, target int, now time.Time) {
	if err := p.resizer.Resize(target); err != nil {
		p.log.Warn("pool resize request failed",
			"target", target, "error", err)
		return
	}

	p.mu.Lock()
	p.lastAdjustment = now
	p.mu.Unlock()

	p.log.Info("pool resize requested",
		"from", snap.PoolSize, "to", target,
		"utilisation", fmt.Sprintf("%.2f", snap.Utilisation))
}

func (p *PoolManager) record(snap PoolSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.history = append(p.history, snap)
	cutoff := snap.Ts.Add(-snapshotRetention)
	i := 0
	for i < len(p.history) && p.history[i].Ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		p.history = append([]PoolSnapshot(nil), p.history[i:]...)
	}
}

// History returns the retained snapshots, oldest first.
func (p *PoolManager) History() []PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PoolSnapshot, len(p.history))
	copy(out, p.history)
	return out
}

// LastAdjustment returns when the last resize was applied.
func (p *PoolManager) LastAdjustment() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAdjustment
}

// Health grades the latest snapshot.
func (p *PoolManager) Health() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.history) == 0 {
		return PoolHealthy
	}
	snap := p.history[len(p.history)-1]
	switch {
	case snap.Utilisation > criticalUtilisation:
		return PoolCritical
	case snap.Utilisation > p.cfg.UtilHigh,
		snap.AvgCheckoutTime > checkoutWarnTime,
		snap.FailedConns > failedConnsWarn:
		return PoolWarning
	default:
		return PoolHealthy
	}
}

// ============================================================================
// PRODUCTION ADAPTERS
// ============================================================================

// PoolStatter is the pgxpool stat surface the snapshot source needs.
type PoolStatter interface {
	Stat() *pgxpool.Stat
}

// PgxSnapshotSource samples a pgx pool, combining driver counters with
// the monitor's checkout timing.
type PgxSnapshotSource struct {
	pool PoolStatter
	mon  *Monitor
}

// NewPgxSnapshotSource creates a source over the given pool.
func NewPgxSnapshotSource(pool PoolStatter, mon *Monitor) *PgxSnapshotSource {
	return &PgxSnapshotSource{pool: pool, mon: mon}
}

// Snapshot implements SnapshotSource.
func (s *PgxSnapshotSource) Snapshot() PoolSnapshot {
	st := s.pool.Stat()
	size := int(st.TotalConns())
	checked := int(st.AcquiredConns())

	util := 0.0
	if size > 0 {
		util = float64(checked) / float64(size)
	}

	snap := PoolSnapshot{
		PoolSize:    size,
		CheckedOut:  checked,
		Utilisation: util,
		Ts:          time.Now(),
	}
	if s.mon != nil {
		snap.AvgCheckoutTime, snap.MaxCheckoutTime, snap.FailedConns = s.mon.CheckoutStats()
	}
	return snap
}

// RecordingResizer accepts resize requests and records the latest
// target so operators (or the next boot) can apply it.
type RecordingResizer struct {
	log *logging.Logger

	mu     sync.Mutex
	target int
}

// NewRecordingResizer creates a recording resizer.
func NewRecordingResizer(log *logging.Logger) *RecordingResizer {
	return &RecordingResizer{log: log.WithComponent("pool-resizer")}
}

// Resize implements PoolResizer.
func (r *RecordingResizer) Resize(target int) error {
	r.mu.Lock()
	r.target = target
	r.mu.Unlock()
	r.log.Info("pool size target recorded", "target", target)
	return nil
}

// Target returns the most recent requested size, 0 when none.
func (r *RecordingResizer) Target() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target
}
