package probe

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/vesaa/talonwatch/internal/models"
)

// SimulatedHost fabricates plausible records for demos and load tests.
// Roughly one sample in seven is pushed into a critical range.
type SimulatedHost struct {
	Hostname string
	OS       string
	IP       string

	now func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

var simulatedFleet = []struct{ hostname, os, ip string }{
	{"debian-db-prod", "Debian 11 (Bullseye)", "192.168.1.10"},
	{"debian-voip-01", "Debian 11 (Bullseye)", "192.168.1.11"},
	{"debian-voip-02", "Debian 11 (Bullseye)", "192.168.1.12"},
	{"debian-web-frontend", "Debian 11 (Bullseye)", "192.168.1.15"},
	{"debian-backup-node", "Debian 10 (Buster)", "192.168.1.20"},
}

// SimulatedFleet returns the demo fleet as samplers. Equal seeds give equal streams.
func SimulatedFleet(seed int64) []Sampler {
	out := make([]Sampler, 0, len(simulatedFleet))
	for i, h := range simulatedFleet {
		out = append(out, &SimulatedHost{
			Hostname: h.hostname,
			OS:       h.os,
			IP:       h.ip,
			now:      time.Now,
			rng:      rand.New(rand.NewSource(seed + int64(i))),
		})
	}
	return out
}

func (h *SimulatedHost) Collect(_ context.Context) models.MetricsRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	critical := h.rng.Float64() > 0.85
	cpuBase, cpuSpread := 10.0, 20.0
	ramBase := 15.0
	if critical {
		cpuBase, cpuSpread = 60, 40
		ramBase = 65
	}

	svc := func(failChance float64, bad models.ServiceState) models.ServiceStatus {
		if critical && h.rng.Float64() > failChance {
			return models.ServiceStatus{State: bad}
		}
		return models.ServiceStatus{State: models.StateActive}
	}
	nginx := models.ServiceStatus{State: models.StateActive}
	if h.rng.Float64() <= 0.1 {
		nginx.State = models.StateFailed
	}

	return models.MetricsRecord{
		Hostname: h.Hostname,
		IP:       h.IP,
		OS:       h.OS,
		CPU:      models.Percent(round1(h.rng.Float64()*cpuSpread + cpuBase)),
		RAM: models.RAM{
			Total:        16_000_000_000,
			UsagePercent: models.Percent(round1(h.rng.Float64()*30 + ramBase)),
		},
		Disk: models.Disk{{UsagePercent: models.Percent(round1(h.rng.Float64()*20 + 40))}},
		Services: models.Services{
			"asterisk": svc(0.5, models.StateInactive),
			"raco":     svc(0.7, models.StateFailed),
			"inka":     svc(0.7, models.StateFailed),
			"ssh":      {State: models.StateActive},
			"nginx":    nginx,
		},
		Uptime:    "15d 4h 23m",
		Timestamp: h.now().UnixMilli(),
	}
}

func round1(f float64) float64 {
	return float64(int64(f*10+0.5)) / 10
}
