package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/tally/internal/metrics"
)

// Prober is the part of the language model collaborator the monitor needs.
type Prober interface {
	CheckAvailability(ctx context.Context) bool
	MeasureLatency(ctx context.Context) (time.Duration, error)
}

// Config tunes the monitor.
type Config struct {
	ProbeAddr     string        `json:"probe_addr"     mapstructure:"probe_addr"`
	Interval      time.Duration `json:"interval"       mapstructure:"interval"`
	Validity      time.Duration `json:"validity"       mapstructure:"validity"`
	SlowThreshold time.Duration `json:"slow_threshold" mapstructure:"slow_threshold"`
	ProbeTimeout  time.Duration `json:"probe_timeout"  mapstructure:"probe_timeout"`
	HistorySize   int           `json:"history_size"   mapstructure:"history_size"`
}

// DefaultConfig returns the stock cadence.
func DefaultConfig() Config {
	return Config{
		ProbeAddr:     "generativelanguage.googleapis.com:443",
		Interval:      60 * time.Second,
		Validity:      30 * time.Second,
		SlowThreshold: 2000 * time.Millisecond,
		ProbeTimeout:  5 * time.Second,
		HistorySize:   10,
	}
}

// Monitor maintains the cached Status.
type Monitor struct {
	conn  Connectivity
	probe Prober
	cfg   Config
	now   func() time.Time

	mu      sync.RWMutex
	status  Status
	history []time.Duration
	next    int

	refreshing atomic.Bool
	baseCtx    context.Context
	wg         sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor builds a monitor. Until the first probe completes the status
// recommends rule-only routing.
func NewMonitor(conn Connectivity, probe Prober, cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Validity <= 0 {
		cfg.Validity = def.Validity
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = def.SlowThreshold
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	m := &Monitor{
		conn:    conn,
		probe:   probe,
		cfg:     cfg,
		now:     time.Now,
		status:  Status{Mode: ModeRuleOnly},
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs the initial full probe, then keeps refreshing on the timer and
// on connectivity changes until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	m.Refresh(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		changes := m.conn.Changes()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Refresh(ctx)
			case online, ok := <-changes:
				if !ok {
					changes = nil
					continue
				}
				m.NotifyConnectivityChanged(online)
			}
		}
	}()
}

// Wait blocks until background goroutines exit.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Status returns the cached snapshot without blocking. A stale cache
// schedules a background refresh.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	s := m.status
	m.mu.RUnlock()
	if !s.Fresh(m.now(), m.cfg.Validity) {
		m.refreshAsync(true)
	}
	return s
}

// PrepareForInteraction is called when a user turn is about to start. It
// refreshes in the background: fully when stale, connectivity only otherwise.
func (m *Monitor) PrepareForInteraction() {
	m.mu.RLock()
	fresh := m.status.Fresh(m.now(), m.cfg.Validity)
	m.mu.RUnlock()
	m.refreshAsync(!fresh)
}

// NotifyConnectivityChanged applies a connectivity transition.
func (m *Monitor) NotifyConnectivityChanged(online bool) {
	if !online {
		m.mu.Lock()
		m.status.Online = false
		m.status.LLMAvailable = false
		m.status.Mode = ModeRuleOnly
		m.status.CheckedAt = m.now()
		m.mu.Unlock()
		metrics.SetNetworkMode(string(ModeRuleOnly))
		log.Info().Str("component", "network").Msg("went offline, routing rule-only")
		return
	}
	log.Info().Str("component", "network").Msg("back online, probing")
	m.refreshAsync(true)
}

func (m *Monitor) refreshAsync(full bool) {
	if !m.refreshing.CompareAndSwap(false, true) {
		return
	}
	m.mu.RLock()
	ctx := m.baseCtx
	m.mu.RUnlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.refreshing.Store(false)
		if full {
			m.Refresh(ctx)
			return
		}
		m.refreshConnectivity(ctx)
	}()
}

// Refresh runs a full probe synchronously and returns the new status.
func (m *Monitor) Refresh(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	online := m.conn.Online(ctx)
	available := false
	var latency time.Duration
	if online && m.probe != nil {
		available = m.probe.CheckAvailability(ctx)
		if available {
			start := time.Now()
			d, err := m.probe.MeasureLatency(ctx)
			metrics.RecordLLMCall("latency_probe", err, time.Since(start))
			if err != nil {
				available = false
			} else {
				latency = d
			}
		}
	}

	m.mu.Lock()
	if available {
		m.recordLatencyLocked(latency)
	}
	prev := m.status.Mode
	m.status = Status{
		Online:       online,
		LLMAvailable: available,
		Latency:      latency,
		Mode:         Decide(online, available, latency, m.cfg.SlowThreshold),
		CheckedAt:    m.now(),
	}
	s := m.status
	m.mu.Unlock()

	metrics.SetNetworkMode(string(s.Mode))
	ev := log.Debug()
	if prev != s.Mode {
		ev = log.Info()
	}
	ev.Str("component", "network").Bool("online", s.Online).Bool("llm", s.LLMAvailable).
		Dur("latency", s.Latency).Str("mode", string(s.Mode)).Msg("network status refreshed")
	return s
}

func (m *Monitor) refreshConnectivity(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	online := m.conn.Online(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if online == m.status.Online {
		return
	}
	m.status.Online = online
	if !online {
		m.status.LLMAvailable = false
	}
	m.status.Mode = Decide(online, m.status.LLMAvailable, m.status.Latency, m.cfg.SlowThreshold)
	metrics.SetNetworkMode(string(m.status.Mode))
}

func (m *Monitor) recordLatencyLocked(d time.Duration) {
	if len(m.history) < m.cfg.HistorySize {
		m.history = append(m.history, d)
		return
	}
	m.history[m.next] = d
	m.next = (m.next + 1) % m.cfg.HistorySize
}

// AverageLatency is the moving average over the last samples. It is for
// diagnostics only.
func (m *Monitor) AverageLatency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range m.history {
		sum += d
	}
	return sum / time.Duration(len(m.history))
}

// Samples returns how many latency samples are held.
func (m *Monitor) Samples() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history)
}
