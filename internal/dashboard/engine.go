// Package dashboard keeps the latest record per host and derives fleet
// severity, ordering and alert state from it.
package dashboard

import (
	"fmt"
	"sort"
	"time"

	"github.com/vesaa/talonwatch/internal/models"
)

// Severity is the derived status of a host. Higher values are worse.
type Severity int

const (
	Healthy Severity = iota
	Degraded
	Offline
)

func (s Severity) String() string {
	switch s {
	case Healthy:
		return "Healthy"
	case Degraded:
		return "Degraded"
	case Offline:
		return "Offline"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Thresholds tune the engine. All comparisons are strict.
type Thresholds struct {
	OfflineAfter time.Duration
	Resource     float64
	Disk         float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{OfflineAfter: 6 * time.Second, Resource: 85, Disk: 80}
}

// Assessment is the outcome of one evaluation.
type Assessment struct {
	Severity Severity
	Reasons  []string
}

// Engine turns (record, now) into a severity. It holds no state.
type Engine struct {
	t Thresholds
}

func NewEngine(t Thresholds) Engine {
	d := DefaultThresholds()
	if t.OfflineAfter <= 0 {
		t.OfflineAfter = d.OfflineAfter
	}
	if t.Resource <= 0 {
		t.Resource = d.Resource
	}
	if t.Disk <= 0 {
		t.Disk = d.Disk
	}
	return Engine{t: t}
}

func (e Engine) Thresholds() Thresholds { return e.t }

// Evaluate derives severity from the record alone. Staleness overrides every
// other signal.
func (e Engine) Evaluate(rec models.MetricsRecord, now time.Time) Assessment {
	age := now.UnixMilli() - rec.Timestamp
	if age > e.t.OfflineAfter.Milliseconds() {
		return Assessment{
			Severity: Offline,
			Reasons:  []string{fmt.Sprintf("stale %.1fs", float64(age)/1000)},
		}
	}

	var reasons []string
	if cpu := float64(rec.CPU); cpu > e.t.Resource {
		reasons = append(reasons, fmt.Sprintf("cpu %.1f%% > %g%%", cpu, e.t.Resource))
	}
	if ram := float64(rec.RAM.UsagePercent); ram > e.t.Resource {
		reasons = append(reasons, fmt.Sprintf("ram %.1f%% > %g%%", ram, e.t.Resource))
	}
	for _, d := range rec.Disk {
		if use := float64(d.UsagePercent); use > e.t.Disk {
			name := d.Filesystem
			if name == "" {
				name = "disk"
			}
			reasons = append(reasons, fmt.Sprintf("%s %.1f%% > %g%%", name, use, e.t.Disk))
		}
	}
	for _, name := range sortedServiceNames(rec.Services) {
		if st := rec.Services[name]; !st.Active() {
			state := string(st.State)
			if state == "" {
				state = "unknown"
			}
			reasons = append(reasons, fmt.Sprintf("service %s %s", name, state))
		}
	}

	if len(reasons) > 0 {
		return Assessment{Severity: Degraded, Reasons: reasons}
	}
	return Assessment{Severity: Healthy}
}

// EvaluateHost also honours an explicit host-offline notice.
func (e Engine) EvaluateHost(h HostState, now time.Time) Assessment {
	if h.OfflineNotice {
		return Assessment{Severity: Offline, Reasons: []string{"probe signed off"}}
	}
	return e.Evaluate(h.Record, now)
}

// Order sorts hosts worst first, then by hostname. The input is not modified.
func Order(hosts []HostState) []HostState {
	out := make([]HostState, len(hosts))
	copy(out, hosts)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		return out[i].Hostname < out[j].Hostname
	})
	return out
}

// AnyAlert reports whether any host is not Healthy.
func AnyAlert(hosts []HostState) bool {
	for _, h := range hosts {
		if h.Severity != Healthy {
			return true
		}
	}
	return false
}

// Audible is AnyAlert restricted to hosts that are not muted.
func Audible(hosts []HostState, muted map[string]bool) bool {
	for _, h := range hosts {
		if h.Severity != Healthy && !muted[h.Hostname] {
			return true
		}
	}
	return false
}

func sortedServiceNames(s models.Services) []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
