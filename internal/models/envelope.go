package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vesaa/talonwatch/internal/apperrors"
)

// Event names a message on the /ws telemetry channel.
type Event string

const (
	EventJoinProbe      Event = "join-as-probe"
	EventJoinDashboard  Event = "join-as-dashboard"
	EventPublishMetrics Event = "publish-metrics"
	EventMetricsUpdate  Event = "metrics-update"
	EventHostOffline    Event = "host-offline"
	EventError          Event = "error"
)

// Envelope is one websocket text frame: {"event": "...", "data": {...}}.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinProbe announces the probe's hostname. Fan-out never depends on it.
type JoinProbe struct {
	Hostname string `json:"hostname"`
}

// JoinDashboard carries the bearer token obtained from /api/login.
type JoinDashboard struct {
	Token string `json:"token"`
}

// HostOffline is the optional goodbye a probe sends on graceful shutdown.
type HostOffline struct {
	Hostname string `json:"hostname" validate:"required"`
}

// ErrorPayload is sent by the relay when it refuses a join.
type ErrorPayload struct {
	Error string `json:"error"`
}

// NewEnvelope marshals data into an envelope for ev.
func NewEnvelope(ev Event, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("models.NewEnvelope %s: %w", ev, err)
	}
	return Frame(ev, raw), nil
}

// Frame wraps already-encoded data without re-encoding it, so forwarded
// payloads reach subscribers byte-for-byte.
func Frame(ev Event, raw json.RawMessage) []byte {
	var buf bytes.Buffer
	buf.Grow(len(raw) + len(ev) + 22)
	buf.WriteString(`{"event":`)
	evJSON, _ := json.Marshal(string(ev))
	buf.Write(evJSON)
	if len(raw) > 0 {
		buf.WriteString(`,"data":`)
		buf.Write(raw)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// DecodeEnvelope parses a frame; an empty event name is malformed.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedEvent, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", apperrors.ErrMalformedEvent)
	}
	return env, nil
}

// DecodeHostOffline parses and validates a host-offline payload.
func DecodeHostOffline(raw json.RawMessage) (HostOffline, error) {
	var h HostOffline
	if err := json.Unmarshal(raw, &h); err != nil {
		return HostOffline{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedEvent, err)
	}
	if err := validate.Struct(h); err != nil {
		return HostOffline{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedEvent, err)
	}
	return h, nil
}
