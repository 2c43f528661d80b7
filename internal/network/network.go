// Package network keeps a cached view of connectivity and language model
// health so routing decisions never wait on a probe.
package network

import (
	"context"
	"net"
	"sync"
	"time"
)

// Mode is the routing strategy the current network conditions recommend.
type Mode string

const (
	ModeLLMPreferred  Mode = "llm_preferred"
	ModeRulePreferred Mode = "rule_preferred"
	ModeRuleOnly      Mode = "rule_only"
)

// Status is a cached network snapshot.
type Status struct {
	Online       bool          `json:"online"`
	LLMAvailable bool          `json:"llm_available"`
	Latency      time.Duration `json:"latency"`
	Mode         Mode          `json:"mode"`
	CheckedAt    time.Time     `json:"checked_at"`
}

// Fresh reports whether s was checked within window of now.
func (s Status) Fresh(now time.Time, window time.Duration) bool {
	return !s.CheckedAt.IsZero() && now.Sub(s.CheckedAt) <= window
}

// Decide picks the routing mode. Only the latest latency sample matters.
func Decide(online, llmAvailable bool, latency, slow time.Duration) Mode {
	switch {
	case !online || !llmAvailable:
		return ModeRuleOnly
	case latency > slow:
		return ModeRulePreferred
	default:
		return ModeLLMPreferred
	}
}

// Connectivity answers "am I online" and streams changes.
type Connectivity interface {
	Online(ctx context.Context) bool
	Changes() <-chan bool
}

// DialConnectivity treats a successful TCP dial to Addr as online.
type DialConnectivity struct {
	Addr    string
	Timeout time.Duration

	mu      sync.Mutex
	last    *bool
	changes chan bool
}

// NewDialConnectivity returns a dialer-based Connectivity.
func NewDialConnectivity(addr string, timeout time.Duration) *DialConnectivity {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &DialConnectivity{Addr: addr, Timeout: timeout, changes: make(chan bool, 1)}
}

// Online dials Addr once.
func (d *DialConnectivity) Online(ctx context.Context) bool {
	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Changes streams transitions observed by Watch.
func (d *DialConnectivity) Changes() <-chan bool {
	return d.changes
}

// Watch polls Online every interval and emits transitions until ctx ends.
func (d *DialConnectivity) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.observe(d.Online(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *DialConnectivity) observe(online bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last != nil && *d.last == online {
		return
	}
	first := d.last == nil
	d.last = &online
	if first {
		return
	}
	select {
	case d.changes <- online:
	default:
		// drop the stale transition in favour of the new one
		select {
		case <-d.changes:
		default:
		}
		d.changes <- online
	}
}
