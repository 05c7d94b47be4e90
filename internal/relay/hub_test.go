package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vesaa/talonwatch/internal/models"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func attached(h *Hub, role Role, hostname string) *Client {
	c := NewClient("127.0.0.1", 8)
	h.Attach(c)
	if role != RoleNone {
		h.Join(c, role, hostname)
	}
	return c
}

func recvFrame(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case f := <-c.Send():
		return f
	case <-time.After(time.Second):
		t.Fatalf("client %s received nothing", c.ID)
		return nil
	}
}

func assertSilent(t *testing.T, h *Hub, c *Client) {
	t.Helper()
	// Stats round-trips through the loop, so every earlier event has been handled.
	_, err := h.Stats(context.Background())
	require.NoError(t, err)
	select {
	case f := <-c.Send():
		t.Fatalf("client %s unexpectedly received %s", c.ID, f)
	default:
	}
}

var dbRecord = json.RawMessage(`{"hostname":"db-01","cpu":92,"services":{"asterisk":"active"},"timestamp":1}`)

func TestHub_FanOutToDashboardsOnly(t *testing.T) {
	h := startHub(t)
	probeA := attached(h, RoleProbe, "db-01")
	probeB := attached(h, RoleProbe, "web-03")
	dash1 := attached(h, RoleDashboard, "")
	dash2 := attached(h, RoleDashboard, "")
	pending := attached(h, RoleNone, "")

	h.Forward(probeA, models.EventPublishMetrics, dbRecord)

	for _, d := range []*Client{dash1, dash2} {
		frame := recvFrame(t, d)
		env, err := models.DecodeEnvelope(frame)
		require.NoError(t, err)
		assert.Equal(t, models.EventMetricsUpdate, env.Event)
		assert.Equal(t, string(dbRecord), string(env.Data), "payload must be forwarded byte-for-byte")
	}
	assertSilent(t, h, probeA)
	assertSilent(t, h, probeB)
	assertSilent(t, h, pending)
}

func TestHub_DropsPublishFromNonProbe(t *testing.T) {
	h := startHub(t)
	dash := attached(h, RoleDashboard, "")
	other := attached(h, RoleDashboard, "")
	pending := attached(h, RoleNone, "")

	h.Forward(dash, models.EventPublishMetrics, dbRecord)
	h.Forward(pending, models.EventPublishMetrics, dbRecord)

	assertSilent(t, h, other)
	assertSilent(t, h, dash)
}

func TestHub_FanOutIgnoresAnnouncedHostname(t *testing.T) {
	h := startHub(t)
	anonymous := attached(h, RoleProbe, "")
	dash := attached(h, RoleDashboard, "")

	h.Forward(anonymous, models.EventPublishMetrics, dbRecord)
	recvFrame(t, dash)
}

func TestHub_LateDashboardGetsNoReplay(t *testing.T) {
	h := startHub(t)
	probe := attached(h, RoleProbe, "db-01")
	h.Forward(probe, models.EventPublishMetrics, dbRecord)

	late := attached(h, RoleDashboard, "")
	assertSilent(t, h, late)

	h.Forward(probe, models.EventPublishMetrics, dbRecord)
	recvFrame(t, late)
}

func TestHub_LeaveStopsDelivery(t *testing.T) {
	h := startHub(t)
	probe := attached(h, RoleProbe, "db-01")
	dash := attached(h, RoleDashboard, "")
	stay := attached(h, RoleDashboard, "")

	h.Leave(dash)
	h.Forward(probe, models.EventPublishMetrics, dbRecord)

	recvFrame(t, stay)
	assertSilent(t, h, dash)
	select {
	case <-dash.Done():
	default:
		t.Fatal("left client should be released")
	}

	stats, err := h.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dashboards)
}

func TestHub_FullQueueDoesNotBlockOthers(t *testing.T) {
	h := startHub(t)
	probe := attached(h, RoleProbe, "db-01")
	slow := NewClient("10.0.0.9", 1)
	h.Attach(slow)
	h.Join(slow, RoleDashboard, "")
	fast := attached(h, RoleDashboard, "")

	for i := 0; i < 5; i++ {
		h.Forward(probe, models.EventPublishMetrics, dbRecord)
	}

	for i := 0; i < 5; i++ {
		recvFrame(t, fast)
	}
	recvFrame(t, slow)
	assertSilent(t, h, slow)
}

func TestHub_ForwardsHostOffline(t *testing.T) {
	h := startHub(t)
	probe := attached(h, RoleProbe, "backup-node")
	dash := attached(h, RoleDashboard, "")

	h.Forward(probe, models.EventHostOffline, json.RawMessage(`{"hostname":"backup-node"}`))

	env, err := models.DecodeEnvelope(recvFrame(t, dash))
	require.NoError(t, err)
	assert.Equal(t, models.EventHostOffline, env.Event)
}

func TestHub_RejoinMovesGroup(t *testing.T) {
	h := startHub(t)
	c := attached(h, RoleDashboard, "")
	h.Join(c, RoleProbe, "db-01")

	stats, err := h.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Dashboards)
	require.Len(t, stats.Probes, 1)
	assert.Equal(t, "db-01", stats.Probes[0].Hostname)
}

func TestHub_Stats(t *testing.T) {
	h := startHub(t)
	attached(h, RoleProbe, "zeta")
	attached(h, RoleProbe, "alpha")
	attached(h, RoleProbe, "alpha")
	attached(h, RoleDashboard, "")
	attached(h, RoleNone, "")

	stats, err := h.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats.Probes, 3, "no dedup by hostname")
	assert.Equal(t, "alpha", stats.Probes[0].Hostname)
	assert.Equal(t, "alpha", stats.Probes[1].Hostname)
	assert.Equal(t, "zeta", stats.Probes[2].Hostname)
	assert.Equal(t, 1, stats.Dashboards)
	assert.Equal(t, 1, stats.Pending)
}

func TestHub_StopReleasesClients(t *testing.T) {
	h := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()

	c := attached(h, RoleDashboard, "")
	_, err := h.Stats(context.Background())
	require.NoError(t, err)

	cancel()
	<-done

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client not released on hub stop")
	}
	assert.False(t, c.TrySend([]byte("x")))

	// calls after stop must not block
	h.Leave(c)
	_, err = h.Stats(context.Background())
	assert.Error(t, err)
}
