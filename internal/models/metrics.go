// Package models defines the telemetry wire types and GORM models for TalonWatch.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vesaa/talonwatch/internal/apperrors"
)

var validate = validator.New()

// MetricsRecord is the unit of telemetry exchanged between probe, relay and dashboard.
// Hostname is the identity key; Timestamp is the capture instant in epoch milliseconds.
type MetricsRecord struct {
	Hostname  string   `json:"hostname" validate:"required"`
	IP        string   `json:"ip"`
	OS        string   `json:"os"`
	CPU       Percent  `json:"cpu"`
	RAM       RAM      `json:"ram"`
	Disk      Disk     `json:"disk,omitempty"`
	Services  Services `json:"services"`
	Uptime    string   `json:"uptime"`
	Timestamp int64    `json:"timestamp" validate:"gt=0"`
}

// RAM carries total bytes (optional) and the usage percentage.
type RAM struct {
	Total        uint64  `json:"total,omitempty"`
	UsagePercent Percent `json:"usagePercent"`
}

// UnmarshalJSON accepts both "disk" and "hdd" and never leaves Services nil.
// The display-only fields take any scalar; other shapes decode as "".
func (r *MetricsRecord) UnmarshalJSON(b []byte) error {
	type plain MetricsRecord
	aux := struct {
		*plain
		IP     json.RawMessage `json:"ip"`
		OS     json.RawMessage `json:"os"`
		Uptime json.RawMessage `json:"uptime"`
		HDD    Disk            `json:"hdd"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	r.IP = parseText(aux.IP)
	r.OS = parseText(aux.OS)
	r.Uptime = parseText(aux.Uptime)
	if len(r.Disk) == 0 {
		r.Disk = aux.HDD
	}
	if r.Services == nil {
		r.Services = Services{}
	}
	return nil
}

// Validate reports ErrMalformedRecord when identity or timestamp is missing.
func (r MetricsRecord) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	return nil
}

// CapturedAt converts Timestamp to a time.Time.
func (r MetricsRecord) CapturedAt() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// DecodeRecord parses and validates a record received from the wire.
func DecodeRecord(b []byte) (MetricsRecord, error) {
	var rec MetricsRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return MetricsRecord{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	if err := rec.Validate(); err != nil {
		return MetricsRecord{}, err
	}
	return rec, nil
}

// UnmarshalJSON tolerates a total sent as a float or numeric string.
func (m *RAM) UnmarshalJSON(b []byte) error {
	var aux struct {
		Total        json.RawMessage `json:"total"`
		UsagePercent Percent         `json:"usagePercent"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*m = RAM{Total: parseBytes(aux.Total), UsagePercent: aux.UsagePercent}
	return nil
}

// parseText renders strings, numbers and booleans as text; anything else is "".
func parseText(b json.RawMessage) string {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "" || s == "null":
		return ""
	case strings.HasPrefix(s, `"`):
		var out string
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return ""
		}
		return out
	case s == "true" || s == "false":
		return s
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return s
	}
	return ""
}

// parseBytes accepts non-negative numbers and numeric strings; anything else is 0.
func parseBytes(b json.RawMessage) uint64 {
	s := strings.TrimSpace(string(b))
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || f < 0 || f >= math.MaxUint64 {
		return 0
	}
	return uint64(f)
}

// ─── Percent ──────────────────────────────────────────────────────────────────

// Percent is a 0-100 usage value. It decodes from numbers and numeric strings
// ("12.5", "12.5%"); anything unparseable becomes 0.
type Percent float64

func (p *Percent) UnmarshalJSON(b []byte) error {
	*p = Percent(parsePercent(b))
	return nil
}

func parsePercent(b []byte) float64 {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		return 0
	}
	if strings.HasPrefix(s, `"`) {
		if unq, err := strconv.Unquote(s); err == nil {
			s = unq
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// ─── Disk ─────────────────────────────────────────────────────────────────────

// DiskEntry is one filesystem. Only UsagePercent participates in severity.
type DiskEntry struct {
	Filesystem   string  `json:"filesystem,omitempty"`
	SizeLabel    string  `json:"sizeLabel,omitempty"`
	UsedLabel    string  `json:"usedLabel,omitempty"`
	UsagePercent Percent `json:"usagePercent"`
}

// Disk is either a single {"use": n} object or a list of filesystems on the wire.
type Disk []DiskEntry

func (d *Disk) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*d = nil
	case b[0] == '[':
		var entries []DiskEntry
		if err := json.Unmarshal(b, &entries); err != nil {
			return err
		}
		*d = entries
	case b[0] == '{':
		var single struct {
			Use Percent `json:"use"`
		}
		if err := json.Unmarshal(b, &single); err != nil {
			return err
		}
		*d = Disk{{UsagePercent: single.Use}}
	default:
		*d = nil
	}
	return nil
}

func (d Disk) MarshalJSON() ([]byte, error) {
	if len(d) == 1 && d[0].Filesystem == "" && d[0].SizeLabel == "" && d[0].UsedLabel == "" {
		return json.Marshal(struct {
			Use Percent `json:"use"`
		}{d[0].UsagePercent})
	}
	return json.Marshal([]DiskEntry(d))
}

// ─── Services ─────────────────────────────────────────────────────────────────

// ServiceState is the normalized status of a monitored service.
type ServiceState string

const (
	StateActive   ServiceState = "active"
	StateInactive ServiceState = "inactive"
	StateFailed   ServiceState = "failed"
)

// ServiceDetail is the optional resource usage sent alongside a status.
type ServiceDetail struct {
	CPU Percent `json:"cpu"`
	Mem Percent `json:"mem"`
}

// ServiceStatus is the tagged form of both wire shapes: a bare "active" string
// or an object {"status","cpu","mem"}.
type ServiceStatus struct {
	State  ServiceState
	Detail *ServiceDetail
}

// Services maps service name to status. Absent names are not monitored.
type Services map[string]ServiceStatus

func (s ServiceStatus) Active() bool { return s.State == StateActive }

func (s *ServiceStatus) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*s = ServiceStatus{State: StateInactive}
	case b[0] == '"':
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		*s = ServiceStatus{State: normalizeState(raw)}
	case b[0] == '{':
		var obj struct {
			Status string  `json:"status"`
			CPU    Percent `json:"cpu"`
			Mem    Percent `json:"mem"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*s = ServiceStatus{
			State:  normalizeState(obj.Status),
			Detail: &ServiceDetail{CPU: obj.CPU, Mem: obj.Mem},
		}
	default:
		*s = ServiceStatus{State: ServiceState(string(b))}
	}
	return nil
}

func (s ServiceStatus) MarshalJSON() ([]byte, error) {
	if s.Detail == nil {
		return json.Marshal(string(s.State))
	}
	return json.Marshal(struct {
		Status ServiceState `json:"status"`
		CPU    Percent      `json:"cpu"`
		Mem    Percent      `json:"mem"`
	}{s.State, s.Detail.CPU, s.Detail.Mem})
}

func normalizeState(raw string) ServiceState {
	return ServiceState(strings.ToLower(strings.TrimSpace(raw)))
}
