package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesaa/talonwatch/internal/models"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, ev models.Event, data any) {
	t.Helper()
	frame, err := models.NewEnvelope(ev, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) models.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := models.DecodeEnvelope(data)
	require.NoError(t, err)
	return env
}

func assertNothing(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	assert.Error(t, err, "unexpected frame %s", data)
}

func waitMembers(t *testing.T, h *Hub, probes, dashboards int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := h.Stats(context.Background())
		return err == nil && len(s.Probes) == probes && s.Dashboards == dashboards
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWS_EndToEndFanOut(t *testing.T) {
	tr := newTestRelay(t, Options{DashboardAuth: true, SendBuffer: 16})
	srv := httptest.NewServer(tr.server.Handler())
	defer srv.Close()

	token, err := tr.auth.GenerateJWT("admin")
	require.NoError(t, err)

	dash := dial(t, srv)
	send(t, dash, models.EventJoinDashboard, models.JoinDashboard{Token: token})
	probeA := dial(t, srv)
	send(t, probeA, models.EventJoinProbe, models.JoinProbe{Hostname: "db-01"})
	probeB := dial(t, srv)
	send(t, probeB, models.EventJoinProbe, models.JoinProbe{Hostname: "web-03"})
	waitMembers(t, tr.hub, 2, 1)

	require.NoError(t, probeA.WriteMessage(websocket.TextMessage, models.Frame(models.EventPublishMetrics, dbRecord)))

	env := readEnvelope(t, dash)
	assert.Equal(t, models.EventMetricsUpdate, env.Event)
	assert.Equal(t, string(dbRecord), string(env.Data))

	assertNothing(t, probeA)
	assertNothing(t, probeB)
}

func TestWS_DashboardJoinRequiresValidToken(t *testing.T) {
	tr := newTestRelay(t, Options{DashboardAuth: true})
	srv := httptest.NewServer(tr.server.Handler())
	defer srv.Close()

	dash := dial(t, srv)
	send(t, dash, models.EventJoinDashboard, models.JoinDashboard{Token: "forged"})

	env := readEnvelope(t, dash)
	assert.Equal(t, models.EventError, env.Event)
	assert.JSONEq(t, `{"error":"invalid or expired token"}`, string(env.Data))

	s, err := tr.hub.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, s.Dashboards)
}

func TestWS_DashboardAuthDisabled(t *testing.T) {
	tr := newTestRelay(t, Options{DashboardAuth: false})
	srv := httptest.NewServer(tr.server.Handler())
	defer srv.Close()

	dash := dial(t, srv)
	send(t, dash, models.EventJoinDashboard, models.JoinDashboard{})
	waitMembers(t, tr.hub, 0, 1)
}

func TestWS_MalformedFramesAreContained(t *testing.T) {
	tr := newTestRelay(t, Options{})
	srv := httptest.NewServer(tr.server.Handler())
	defer srv.Close()

	dash := dial(t, srv)
	send(t, dash, models.EventJoinDashboard, models.JoinDashboard{})
	probe := dial(t, srv)
	send(t, probe, models.EventJoinProbe, "not-an-object")
	waitMembers(t, tr.hub, 1, 1)

	require.NoError(t, probe.WriteMessage(websocket.TextMessage, []byte("garbage")))
	send(t, probe, "reboot-everything", nil)
	require.NoError(t, probe.WriteMessage(websocket.TextMessage, []byte(`{"event":"publish-metrics"}`)))
	require.NoError(t, probe.WriteMessage(websocket.TextMessage, models.Frame(models.EventPublishMetrics, dbRecord)))

	env := readEnvelope(t, dash)
	assert.Equal(t, models.EventMetricsUpdate, env.Event)
	assert.Equal(t, string(dbRecord), string(env.Data))
}

func TestWS_OversizedFrameClosesOnlySender(t *testing.T) {
	tr := newTestRelay(t, Options{MaxMessageBytes: 512})
	srv := httptest.NewServer(tr.server.Handler())
	defer srv.Close()

	dash := dial(t, srv)
	send(t, dash, models.EventJoinDashboard, models.JoinDashboard{})
	bad := dial(t, srv)
	send(t, bad, models.EventJoinProbe, models.JoinProbe{Hostname: "noisy"})
	good := dial(t, srv)
	send(t, good, models.EventJoinProbe, models.JoinProbe{Hostname: "db-01"})
	waitMembers(t, tr.hub, 2, 1)

	huge := `{"hostname":"noisy","uptime":"` + strings.Repeat("x", 2048) + `","timestamp":1}`
	require.NoError(t, bad.WriteMessage(websocket.TextMessage, models.Frame(models.EventPublishMetrics, []byte(huge))))
	waitMembers(t, tr.hub, 1, 1)

	require.NoError(t, good.WriteMessage(websocket.TextMessage, models.Frame(models.EventPublishMetrics, dbRecord)))
	env := readEnvelope(t, dash)
	assert.Equal(t, string(dbRecord), string(env.Data))
}

func TestWS_DisconnectLeavesGroup(t *testing.T) {
	tr := newTestRelay(t, Options{})
	srv := httptest.NewServer(tr.server.Handler())
	defer srv.Close()

	dash := dial(t, srv)
	send(t, dash, models.EventJoinDashboard, models.JoinDashboard{})
	waitMembers(t, tr.hub, 0, 1)

	require.NoError(t, dash.Close())
	waitMembers(t, tr.hub, 0, 0)
}
