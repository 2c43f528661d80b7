package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	online  atomic.Bool
	changes chan bool
}

func newFakeConn(online bool) *fakeConn {
	c := &fakeConn{changes: make(chan bool, 1)}
	c.online.Store(online)
	return c
}

func (c *fakeConn) Online(context.Context) bool { return c.online.Load() }
func (c *fakeConn) Changes() <-chan bool        { return c.changes }

type fakeProber struct {
	mu        sync.Mutex
	available bool
	latency   time.Duration
	err       error
	probes    int
}

func (p *fakeProber) CheckAvailability(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	return p.available
}

func (p *fakeProber) MeasureLatency(context.Context) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency, p.err
}

func (p *fakeProber) set(available bool, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available, p.latency = available, latency
}

func (p *fakeProber) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestDecide(t *testing.T) {
	slow := 2000 * time.Millisecond
	assert.Equal(t, ModeRuleOnly, Decide(false, true, 0, slow))
	assert.Equal(t, ModeRuleOnly, Decide(true, false, 0, slow))
	assert.Equal(t, ModeRulePreferred, Decide(true, true, 2001*time.Millisecond, slow))
	assert.Equal(t, ModeLLMPreferred, Decide(true, true, 2000*time.Millisecond, slow))
}

func TestRefreshModes(t *testing.T) {
	conn := newFakeConn(true)
	probe := &fakeProber{available: true, latency: 300 * time.Millisecond}
	m := NewMonitor(conn, probe, Config{})

	assert.Equal(t, ModeRuleOnly, m.status.Mode, "before first probe")

	assert.Equal(t, ModeLLMPreferred, m.Refresh(context.Background()).Mode)

	probe.set(true, 3*time.Second)
	assert.Equal(t, ModeRulePreferred, m.Refresh(context.Background()).Mode)

	probe.set(false, 0)
	assert.Equal(t, ModeRuleOnly, m.Refresh(context.Background()).Mode)

	conn.online.Store(false)
	probe.set(true, time.Millisecond)
	s := m.Refresh(context.Background())
	assert.False(t, s.Online)
	assert.Equal(t, ModeRuleOnly, s.Mode)
}

func TestLatencyErrorMeansUnavailable(t *testing.T) {
	probe := &fakeProber{available: true, err: errors.New("timeout")}
	m := NewMonitor(newFakeConn(true), probe, Config{})
	s := m.Refresh(context.Background())
	assert.False(t, s.LLMAvailable)
	assert.Equal(t, ModeRuleOnly, s.Mode)
}

func TestLatencyHistoryWindow(t *testing.T) {
	probe := &fakeProber{available: true}
	m := NewMonitor(newFakeConn(true), probe, Config{HistorySize: 10})
	for i := 1; i <= 12; i++ {
		probe.set(true, time.Duration(i)*100*time.Millisecond)
		m.Refresh(context.Background())
	}
	assert.Equal(t, 10, m.Samples())
	// samples 3..12 → average 7.5 * 100ms
	assert.Equal(t, 750*time.Millisecond, m.AverageLatency())
	// decision used only the latest sample (1200ms), not the average
	assert.Equal(t, ModeLLMPreferred, m.Status().Mode)
}

func TestStatusIsCachedAndStaleTriggersRefresh(t *testing.T) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	probe := &fakeProber{available: true, latency: 100 * time.Millisecond}
	m := NewMonitor(newFakeConn(true), probe, Config{}, WithClock(clk.now))

	m.Refresh(context.Background())
	require.Equal(t, 1, probe.count())

	clk.advance(10 * time.Second)
	assert.Equal(t, ModeLLMPreferred, m.Status().Mode)
	m.Wait()
	assert.Equal(t, 1, probe.count(), "fresh cache must not probe")

	clk.advance(31 * time.Second)
	m.Status()
	m.Wait()
	assert.Equal(t, 2, probe.count())
}

func TestPrepareForInteractionWhenFresh(t *testing.T) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	conn := newFakeConn(true)
	probe := &fakeProber{available: true, latency: 100 * time.Millisecond}
	m := NewMonitor(conn, probe, Config{}, WithClock(clk.now))
	m.Refresh(context.Background())

	conn.online.Store(false)
	m.PrepareForInteraction()
	m.Wait()
	assert.Equal(t, 1, probe.count(), "fresh cache only rechecks connectivity")
	s := m.Status()
	assert.False(t, s.Online)
	assert.Equal(t, ModeRuleOnly, s.Mode)
}

func TestConnectivityChanges(t *testing.T) {
	conn := newFakeConn(true)
	probe := &fakeProber{available: true, latency: 100 * time.Millisecond}
	m := NewMonitor(conn, probe, Config{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	assert.Equal(t, ModeLLMPreferred, m.Status().Mode)

	conn.online.Store(false)
	conn.changes <- false
	require.Eventually(t, func() bool { return m.Status().Mode == ModeRuleOnly }, time.Second, 5*time.Millisecond)

	conn.online.Store(true)
	conn.changes <- true
	require.Eventually(t, func() bool { return m.Status().Mode == ModeLLMPreferred }, time.Second, 5*time.Millisecond)

	cancel()
	m.Wait()
}

func TestDialConnectivity(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	d := NewDialConnectivity(ln.Addr().String(), time.Second)
	assert.True(t, d.Online(context.Background()))

	d.observe(true)
	d.observe(false)
	select {
	case v := <-d.Changes():
		assert.False(t, v)
	default:
		t.Fatal("expected a transition")
	}

	require.NoError(t, ln.Close())
	assert.False(t, d.Online(context.Background()))
}
