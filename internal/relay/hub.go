// Package relay implements the TalonWatch relay: a single-loop hub that fans
// probe records out to dashboards, plus the gin HTTP API (login, stats, /ws).
package relay

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vesaa/talonwatch/internal/apperrors"
	"github.com/vesaa/talonwatch/internal/models"
)

// Role is the membership group a connection has joined.
type Role int

const (
	RoleNone Role = iota
	RoleProbe
	RoleDashboard
)

func (r Role) String() string {
	switch r {
	case RoleProbe:
		return "probe"
	case RoleDashboard:
		return "dashboard"
	default:
		return "none"
	}
}

// Client is one connection as seen by the hub. Outbound frames are queued on
// a bounded channel drained by the connection's writer.
type Client struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// owned by the hub loop
	role     Role
	hostname string
}

// NewClient creates a client with an outbound queue of the given size.
func NewClient(remoteAddr string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	return &Client{
		ID:          uuid.NewString(),
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now().UTC(),
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
	}
}

// Send is the outbound queue.
func (c *Client) Send() <-chan []byte { return c.send }

// Done is closed once the hub has let go of the client.
func (c *Client) Done() <-chan struct{} { return c.done }

// TrySend enqueues frame without blocking; it reports false when the queue is
// full or the client is gone.
func (c *Client) TrySend(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ProbeInfo describes a connected probe for operational tooling.
type ProbeInfo struct {
	ID          string    `json:"id"`
	Hostname    string    `json:"hostname"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Stats is a point-in-time view of hub membership.
type Stats struct {
	Probes     []ProbeInfo `json:"probes"`
	Dashboards int         `json:"dashboards"`
	Pending    int         `json:"pending"` // connected but not joined
}

type eventKind int

const (
	evAttach eventKind = iota
	evJoin
	evLeave
	evForward
	evStats
)

type hubEvent struct {
	kind     eventKind
	client   *Client
	role     Role
	hostname string
	event    models.Event
	payload  json.RawMessage
	reply    chan Stats
}

// Hub holds the probe and dashboard groups. All membership changes and
// fan-out run on the single Run loop, so no state is shared between goroutines.
type Hub struct {
	logger *zap.Logger

	events chan hubEvent
	done   chan struct{}

	clients    map[*Client]struct{}
	probes     map[*Client]struct{}
	dashboards map[*Client]struct{}
}

// NewHub creates a hub; call Run to start processing.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		events:     make(chan hubEvent, 256),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		probes:     make(map[*Client]struct{}),
		dashboards: make(map[*Client]struct{}),
	}
}

// Run processes hub events until ctx is cancelled, then releases every client.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		close(h.done)
		for c := range h.clients {
			c.close()
		}
		h.logger.Info("hub stopped", zap.Int("clients", len(h.clients)))
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

// Attach registers a freshly connected client that has not joined a group yet.
func (h *Hub) Attach(c *Client) { h.submit(hubEvent{kind: evAttach, client: c}) }

// Join moves c into the group for role. hostname is informational only.
func (h *Hub) Join(c *Client, role Role, hostname string) {
	h.submit(hubEvent{kind: evJoin, client: c, role: role, hostname: hostname})
}

// Leave removes c from its group and releases it.
func (h *Hub) Leave(c *Client) { h.submit(hubEvent{kind: evLeave, client: c}) }

// Forward fans payload out to every dashboard when c is a probe.
// publish-metrics is delivered as metrics-update; host-offline keeps its name.
func (h *Hub) Forward(c *Client, event models.Event, payload json.RawMessage) {
	h.submit(hubEvent{kind: evForward, client: c, event: event, payload: payload})
}

// Stats returns current membership; it fails only if ctx ends or the hub stopped.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case h.events <- hubEvent{kind: evStats, reply: reply}:
	case <-h.done:
		return Stats{}, context.Canceled
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-h.done:
		return Stats{}, context.Canceled
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (h *Hub) submit(ev hubEvent) {
	select {
	case h.events <- ev:
	case <-h.done:
		if ev.client != nil && ev.kind == evLeave {
			ev.client.close()
		}
	}
}

func (h *Hub) handle(ev hubEvent) {
	switch ev.kind {
	case evAttach:
		h.clients[ev.client] = struct{}{}
	case evJoin:
		h.join(ev.client, ev.role, ev.hostname)
	case evLeave:
		h.leave(ev.client)
	case evForward:
		h.forward(ev.client, ev.event, ev.payload)
	case evStats:
		ev.reply <- h.stats()
	}
}

func (h *Hub) join(c *Client, role Role, hostname string) {
	if _, ok := h.clients[c]; !ok {
		// joined without attach, or after leaving
		return
	}
	delete(h.probes, c)
	delete(h.dashboards, c)
	c.role = role
	c.hostname = hostname
	switch role {
	case RoleProbe:
		h.probes[c] = struct{}{}
		h.logger.Info("probe joined", zap.String("client_id", c.ID), zap.String("hostname", hostname), zap.String("remote_addr", c.RemoteAddr))
	case RoleDashboard:
		h.dashboards[c] = struct{}{}
		h.logger.Info("dashboard joined", zap.String("client_id", c.ID), zap.String("remote_addr", c.RemoteAddr))
	}
}

func (h *Hub) leave(c *Client) {
	if _, ok := h.clients[c]; !ok {
		c.close()
		return
	}
	delete(h.clients, c)
	delete(h.probes, c)
	delete(h.dashboards, c)
	c.close()
	h.logger.Info("client left", zap.String("client_id", c.ID), zap.String("role", c.role.String()), zap.String("hostname", c.hostname))
}

func (h *Hub) forward(from *Client, event models.Event, payload json.RawMessage) {
	if _, ok := h.probes[from]; !ok {
		h.logger.Warn("dropping publish", zap.Error(apperrors.ErrNotProbe), zap.String("client_id", from.ID), zap.String("role", from.role.String()))
		return
	}
	out := event
	if event == models.EventPublishMetrics {
		out = models.EventMetricsUpdate
	}
	frame := models.Frame(out, payload)
	for d := range h.dashboards {
		if !d.TrySend(frame) {
			h.logger.Warn("dashboard queue full, dropping frame", zap.String("client_id", d.ID), zap.String("event", string(out)))
		}
	}
}

func (h *Hub) stats() Stats {
	s := Stats{
		Probes:     make([]ProbeInfo, 0, len(h.probes)),
		Dashboards: len(h.dashboards),
		Pending:    len(h.clients) - len(h.probes) - len(h.dashboards),
	}
	for c := range h.probes {
		s.Probes = append(s.Probes, ProbeInfo{
			ID:          c.ID,
			Hostname:    c.hostname,
			RemoteAddr:  c.RemoteAddr,
			ConnectedAt: c.ConnectedAt,
		})
	}
	sort.Slice(s.Probes, func(i, j int) bool {
		if s.Probes[i].Hostname != s.Probes[j].Hostname {
			return s.Probes[i].Hostname < s.Probes[j].Hostname
		}
		return s.Probes[i].ID < s.Probes[j].ID
	})
	return s
}
