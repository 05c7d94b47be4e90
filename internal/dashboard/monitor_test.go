package dashboard

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vesaa/talonwatch/internal/apperrors"
	"github.com/vesaa/talonwatch/internal/models"
)

type recordingPresenter struct {
	mu    sync.Mutex
	views []View
}

func (p *recordingPresenter) Present(v View) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.views = append(p.views, v)
	return nil
}

func (p *recordingPresenter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.views)
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time           { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestMonitor(opts MonitorOptions) (*Monitor, *recordingPresenter, *clock) {
	p := &recordingPresenter{}
	c := &clock{now: t0}
	m := NewMonitor(NewStore(), NewEngine(DefaultThresholds()), p, opts, zap.NewNop())
	m.now = c.Now
	return m, p, c
}

func updateFrame(t *testing.T, r models.MetricsRecord) []byte {
	t.Helper()
	raw, err := json.Marshal(r)
	require.NoError(t, err)
	return models.Frame(models.EventMetricsUpdate, raw)
}

func severityOf(t *testing.T, m *Monitor, hostname string) Severity {
	t.Helper()
	h, ok := m.store.Get(hostname)
	require.True(t, ok, "host %s unknown", hostname)
	return h.Severity
}

func TestMonitor_RecoveryIsImmediate(t *testing.T) {
	m, _, c := newTestMonitor(MonitorOptions{})

	m.Ingest(rec("backup-node", c.Now()))
	c.Advance(10 * time.Second)
	_, err := m.Tick()
	require.NoError(t, err)
	require.Equal(t, Offline, severityOf(t, m, "backup-node"))

	a := m.Ingest(rec("backup-node", c.Now()))
	assert.Equal(t, Healthy, a.Severity)
	assert.Equal(t, Healthy, severityOf(t, m, "backup-node"), "no extra tick needed")

	a = m.Ingest(rec("backup-node", c.Now(), withCPU(97)))
	assert.Equal(t, Degraded, a.Severity)
}

func TestMonitor_IngestIsIdempotent(t *testing.T) {
	m, _, c := newTestMonitor(MonitorOptions{})
	r := rec("db-01", c.Now(), withCPU(92), withService("asterisk", models.StateActive))

	m.Ingest(r)
	first, _ := m.store.Get("db-01")
	m.Ingest(r)
	second, _ := m.store.Get("db-01")

	assert.Equal(t, first, second)
	assert.Equal(t, Degraded, second.Severity)
	assert.Equal(t, 1, m.store.Len())
}

func TestMonitor_TickAgesHostsWithoutArrivals(t *testing.T) {
	m, p, c := newTestMonitor(MonitorOptions{})
	m.Ingest(rec("voip-02", c.Now()))

	c.Advance(5 * time.Second)
	v, err := m.Tick()
	require.NoError(t, err)
	assert.Equal(t, Healthy, v.Hosts[0].Severity)

	c.Advance(2 * time.Second)
	v, err = m.Tick()
	require.NoError(t, err)
	assert.Equal(t, Offline, v.Hosts[0].Severity)
	assert.True(t, v.AnyAlert)
	assert.Equal(t, 2, p.count())
}

func TestMonitor_HandleFrame(t *testing.T) {
	t.Run("metrics-update is stored", func(t *testing.T) {
		m, _, c := newTestMonitor(MonitorOptions{})
		frame := models.Frame(models.EventMetricsUpdate, json.RawMessage(
			`{"hostname":"web-03","cpu":"3.5%","services":{"nginx":{"status":"failed","cpu":"0.0","mem":"0.1"}},"timestamp":`+
				jsonInt(c.Now().UnixMilli())+`}`))

		require.NoError(t, m.HandleFrame(frame))
		h, ok := m.store.Get("web-03")
		require.True(t, ok)
		assert.Equal(t, Degraded, h.Severity)
		assert.Equal(t, []string{"service nginx failed"}, h.Reasons)
	})

	t.Run("malformed record is dropped", func(t *testing.T) {
		m, _, _ := newTestMonitor(MonitorOptions{})
		err := m.HandleFrame(models.Frame(models.EventMetricsUpdate, json.RawMessage(`{"cpu":50,"timestamp":1}`)))
		assert.ErrorIs(t, err, apperrors.ErrMalformedRecord)

		err = m.HandleFrame(models.Frame(models.EventMetricsUpdate, json.RawMessage(`{"hostname":"x"}`)))
		assert.ErrorIs(t, err, apperrors.ErrMalformedRecord)
		assert.Zero(t, m.store.Len())
	})

	t.Run("garbage and unknown events", func(t *testing.T) {
		m, _, _ := newTestMonitor(MonitorOptions{})
		assert.ErrorIs(t, m.HandleFrame([]byte("not json")), apperrors.ErrMalformedEvent)
		assert.ErrorIs(t, m.HandleFrame(models.Frame("reboot", nil)), apperrors.ErrUnknownEvent)
		assert.Error(t, m.HandleFrame(models.Frame(models.EventError, json.RawMessage(`{"error":"invalid or expired token"}`))))
	})

	t.Run("host-offline forces Offline until the next record", func(t *testing.T) {
		m, _, c := newTestMonitor(MonitorOptions{})
		require.NoError(t, m.HandleFrame(updateFrame(t, rec("backup-node", c.Now()))))

		require.NoError(t, m.HandleFrame(models.Frame(models.EventHostOffline, json.RawMessage(`{"hostname":"backup-node"}`))))
		assert.Equal(t, Offline, severityOf(t, m, "backup-node"))

		_, err := m.Tick()
		require.NoError(t, err)
		assert.Equal(t, Offline, severityOf(t, m, "backup-node"))

		require.NoError(t, m.HandleFrame(updateFrame(t, rec("backup-node", c.Now()))))
		assert.Equal(t, Healthy, severityOf(t, m, "backup-node"))
	})

	t.Run("host-offline for an unknown host", func(t *testing.T) {
		m, _, _ := newTestMonitor(MonitorOptions{})
		require.NoError(t, m.HandleFrame(models.Frame(models.EventHostOffline, json.RawMessage(`{"hostname":"ghost"}`))))
		assert.Zero(t, m.store.Len())
		assert.ErrorIs(t, m.HandleFrame(models.Frame(models.EventHostOffline, json.RawMessage(`{}`))), apperrors.ErrMalformedEvent)
	})
}

func TestMonitor_ViewOrderAndMute(t *testing.T) {
	m, p, c := newTestMonitor(MonitorOptions{Mute: []string{"C"}})
	m.Ingest(rec("C", c.Now().Add(-time.Minute)))
	m.Ingest(rec("B", c.Now()))
	m.Ingest(rec("A", c.Now(), withCPU(90)))

	v, err := m.Tick()
	require.NoError(t, err)

	got := make([]string, 0, len(v.Hosts))
	for _, h := range v.Hosts {
		got = append(got, h.Hostname)
	}
	assert.Equal(t, []string{"C", "A", "B"}, got)
	assert.Equal(t, 2, v.Alerts)
	assert.True(t, v.AnyAlert)
	assert.True(t, v.Audible, "A is degraded and not muted")
	assert.True(t, v.Hosts[0].Muted)
	assert.Equal(t, Offline, v.Hosts[0].Severity, "mute never changes severity")

	m.Mute("A")
	v, err = m.Tick()
	require.NoError(t, err)
	assert.True(t, v.AnyAlert)
	assert.False(t, v.Audible)

	m.Unmute("C")
	v, _ = m.Tick()
	assert.True(t, v.Audible)
	assert.Equal(t, 3, p.count())
}

func TestMonitor_TickEvicts(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := NewMonitor(NewStore(), NewEngine(DefaultThresholds()), nil, MonitorOptions{EvictAfter: time.Minute}, zap.New(core))
	c := &clock{now: t0}
	m.now = c.Now

	m.Ingest(rec("gone", c.Now()))
	c.Advance(30 * time.Second)
	m.Ingest(rec("alive", c.Now()))
	c.Advance(31 * time.Second)

	v, err := m.Tick()
	require.NoError(t, err)
	require.Len(t, v.Hosts, 1)
	assert.Equal(t, "alive", v.Hosts[0].Hostname)
	assert.Equal(t, 1, logs.FilterMessage("host evicted").Len())
}

func TestMonitor_LogsSeverityTransitions(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := NewMonitor(NewStore(), NewEngine(DefaultThresholds()), nil, MonitorOptions{}, zap.New(core))
	c := &clock{now: t0}
	m.now = c.Now

	m.Ingest(rec("db-01", c.Now()))
	assert.Zero(t, logs.FilterMessage("severity changed").Len())

	c.Advance(time.Minute)
	_, _ = m.Tick()
	_, _ = m.Tick()
	entries := logs.FilterMessage("severity changed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Offline", entries[0].ContextMap()["to"])
}

func TestMonitor_RunStopsTicking(t *testing.T) {
	p := &recordingPresenter{}
	m := NewMonitor(NewStore(), NewEngine(DefaultThresholds()), p, MonitorOptions{Tick: 5 * time.Millisecond}, zap.NewNop())
	frames := make(chan []byte, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, frames) }()

	frames <- updateFrame(t, rec("db-01", time.Now()))
	close(frames)
	require.Eventually(t, func() bool { return p.count() >= 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}

	stopped := p.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, p.count(), "no ticks after teardown")
	assert.Equal(t, 1, m.store.Len())
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
