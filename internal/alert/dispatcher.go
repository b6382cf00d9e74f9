package alert

import (
	"context"
	"sync"
	"time"

	"market-intel-backend/config"
	"market-intel-backend/internal/logging"
)

// ChannelStats holds per-channel delivery counters.
type ChannelStats struct {
	Sends         int64         `json:"sends"`
	Failures      int64         `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	LastError     string        `json:"last_error,omitempty"`
	LastSend      time.Time     `json:"last_send"`
}

type rateKey struct {
	component string
	title     string
}

// Dispatcher routes alerts to channels by severity, rate limits per
// (component, title) and keeps an in-memory history. Fan-out is
// parallel and channel failures are isolated.
type Dispatcher struct {
	cfg      *config.AlertConfig
	log      *logging.Logger
	channels map[string]Channel
	routing  map[Severity][]string

	sendTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	windows map[rateKey][]time.Time
	history []Alert
	stats   map[string]*ChannelStats
	dropped int64
}

// NewDispatcher creates a dispatcher with routing from config. The
// default routing sends info/warning/error to telegram and critical to
// telegram and slack; email and webhook join only when configured.
func NewDispatcher(cfg *config.AlertConfig, log *logging.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:         cfg,
		log:         log.WithComponent("alert-dispatcher"),
		channels:    make(map[string]Channel),
		sendTimeout: 10 * time.Second,
		now:         time.Now,
		windows:     make(map[rateKey][]time.Time),
		stats:       make(map[string]*ChannelStats),
		routing: map[Severity][]string{
			SeverityCritical: cfg.CriticalChannels,
			SeverityError:    cfg.WarningChannels,
			SeverityWarning:  cfg.WarningChannels,
			SeverityInfo:     cfg.InfoChannels,
		},
	}

	if cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		d.Register(NewTelegramChannel(cfg.Telegram))
	}
	if cfg.Slack.Enabled && cfg.Slack.WebhookURL != "" {
		d.Register(NewSlackChannel(cfg.Slack))
	}
	if cfg.Email.Enabled && cfg.Email.Host != "" {
		d.Register(NewEmailChannel(cfg.Email))
	}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		d.Register(NewWebhookChannel(cfg.Webhook))
	}
	return d
}

// Register adds a channel under its name.
func (d *Dispatcher) Register(c Channel) {
	d.channels[c.Name()] = c
	d.mu.Lock()
	if _, ok := d.stats[c.Name()]; !ok {
		d.stats[c.Name()] = &ChannelStats{}
	}
	d.mu.Unlock()
}

// Dispatch builds an alert and fans it out to the channels routed for
// its severity. Returns true when the alert passed the rate limit,
// false when it was dropped. Channel errors are counted, not returned.
func (d *Dispatcher) Dispatch(sev Severity, component, title, message string) bool {
	if d.cfg != nil && !d.cfg.Enabled {
		return false
	}

	a := NewAlert(sev, component, title, message)
	a.CreatedAt = d.now()

	if !d.admit(a) {
		return false
	}

	targets := d.routing[sev]
	var wg sync.WaitGroup
	for _, name := range targets {
		ch, ok := d.channels[name]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			d.send(ch, a)
		}(ch)
	}
	wg.Wait()
	return true
}

// admit applies the rolling rate limit and records history.
func (d *Dispatcher) admit(a Alert) bool {
	limit := d.cfg.RateLimitPerHour
	key := rateKey{component: a.Component, title: a.Title}
	now := a.CreatedAt
	cutoff := now.Add(-time.Hour)

	d.mu.Lock()
	defer d.mu.Unlock()

	window := d.windows[key]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= limit {
		d.windows[key] = kept
		d.dropped++
		d.log.Debug("alert rate limited",
			"component", a.Component, "title", a.Title, "window_count", len(kept))
		return false
	}
	d.windows[key] = append(kept, now)

	d.history = append(d.history, a)
	d.trimHistoryLocked(now)
	return true
}

func (d *Dispatcher) trimHistoryLocked(now time.Time) {
	keep := time.Duration(d.cfg.HistoryHours) * time.Hour
	cutoff := now.Add(-keep)
	i := 0
	for i < len(d.history) && !d.history[i].CreatedAt.After(cutoff) {
		i++
	}
	if i > 0 {
		d.history = append([]Alert(nil), d.history[i:]...)
	}
}

func (d *Dispatcher) send(ch Channel, a Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	start := time.Now()
	err := ch.Send(ctx, a)
	elapsed := time.Since(start)

	d.mu.Lock()
	st := d.stats[ch.Name()]
	if st == nil {
		st = &ChannelStats{}
		d.stats[ch.Name()] = st
	}
	st.TotalDuration += elapsed
	st.LastSend = time.Now()
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	} else {
		st.Sends++
	}
	d.mu.Unlock()

	if err != nil {
		d.log.Warn("alert channel send failed",
			"channel", ch.Name(), "alert_id", a.ID, "error", err)
	}
}

// History returns alerts admitted within the last given hours, oldest
// first.
func (d *Dispatcher) History(hours int) []Alert {
	cutoff := d.now().Add(-time.Duration(hours) * time.Hour)

	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Alert
	for _, a := range d.history {
		if a.CreatedAt.After(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// Stats returns per-channel delivery counters and the dropped count.
func (d *Dispatcher) Stats() (map[string]ChannelStats, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]ChannelStats, len(d.stats))
	for name, st := range d.stats {
		out[name] = *st
	}
	return out, d.dropped
}
