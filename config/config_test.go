package config

import (
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	if cfg.PoolConfig.Min != 5 || cfg.PoolConfig.Max != 25 || cfg.PoolConfig.MaxOverflow != 10 {
		t.Errorf("pool bounds = %d/%d/%d", cfg.PoolConfig.Min, cfg.PoolConfig.Max, cfg.PoolConfig.MaxOverflow)
	}
	if cfg.PoolConfig.AdjustmentInterval != 5*time.Minute {
		t.Errorf("adjustment interval = %v", cfg.PoolConfig.AdjustmentInterval)
	}
	if cfg.MonitorConfig.SlowQueryThresholdSeconds != 1.0 {
		t.Errorf("slow query threshold = %v", cfg.MonitorConfig.SlowQueryThresholdSeconds)
	}
	if cfg.OutcomeConfig.TickSeconds != 300 {
		t.Errorf("outcome tick = %d", cfg.OutcomeConfig.TickSeconds)
	}
	if cfg.PatternConfig.WindowDays != 90 || cfg.PatternConfig.SequentialGapDays != 7 || cfg.PatternConfig.ConcurrentGapMin != 30 {
		t.Errorf("pattern knobs = %d/%d/%d",
			cfg.PatternConfig.WindowDays, cfg.PatternConfig.SequentialGapDays, cfg.PatternConfig.ConcurrentGapMin)
	}
	if cfg.AlertConfig.RateLimitPerHour != 5 {
		t.Errorf("alert rate limit = %d", cfg.AlertConfig.RateLimitPerHour)
	}
	if cfg.CacheConfig.MaxBarsPerSeries != 400 {
		t.Errorf("max bars = %d", cfg.CacheConfig.MaxBarsPerSeries)
	}
}

func TestDedupWindowOverrides(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	d := &cfg.DetectorConfig

	cases := map[string]time.Duration{
		"golden_cross":      30 * time.Minute,
		"dead_cross":        30 * time.Minute,
		"MA200_breakout_up": 120 * time.Minute,
		"RSI_overbought":    60 * time.Minute,
		"sentiment_change":  60 * time.Minute,
	}
	for typ, want := range cases {
		if got := d.DedupWindow(typ); got != want {
			t.Errorf("DedupWindow(%s) = %v, want %v", typ, got, want)
		}
	}
}

func TestValidateRejectsBadPoolBounds(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.DatabaseConfig.Host = "localhost"
	cfg.DatabaseConfig.Database = "market_intel"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg.PoolConfig.Max = cfg.PoolConfig.Min - 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("inverted pool bounds accepted")
	}
}
