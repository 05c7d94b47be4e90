package probe

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/vesaa/talonwatch/internal/models"
)

// ServiceSpec names a monitored service. When PIDFile is set the process is
// found through it; otherwise by process name.
type ServiceSpec struct {
	Name    string
	PIDFile string
}

// ParseServiceSpecs accepts "nginx" or "inkacore=/opt/inka/core.pid".
func ParseServiceSpecs(raw []string) []ServiceSpec {
	specs := make([]ServiceSpec, 0, len(raw))
	for _, r := range raw {
		name, pidFile, _ := strings.Cut(strings.TrimSpace(r), "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		specs = append(specs, ServiceSpec{Name: name, PIDFile: strings.TrimSpace(pidFile)})
	}
	return specs
}

type procRef struct {
	Name string
	PID  int32
}

type processTable interface {
	List(ctx context.Context) ([]procRef, error)
	Usage(ctx context.Context, pid int32) (cpu, mem float64, err error)
}

type gopsutilProcesses struct{}

func (gopsutilProcesses) List(ctx context.Context) ([]procRef, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]procRef, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		refs = append(refs, procRef{Name: name, PID: p.Pid})
	}
	return refs, nil
}

func (gopsutilProcesses) Usage(ctx context.Context, pid int32) (float64, float64, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return 0, 0, err
	}
	cpuPct, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	memPct, err := p.MemoryPercentWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return cpuPct, float64(memPct), nil
}

// serviceStatuses reports every configured service: active with its summed
// usage when at least one process is alive, inactive otherwise.
func (c *Collector) serviceStatuses(ctx context.Context) models.Services {
	out := make(models.Services, len(c.services))
	if len(c.services) == 0 {
		return out
	}

	var byName map[string][]int32
	for _, spec := range c.services {
		var pids []int32
		if spec.PIDFile != "" {
			if pid, ok := readPIDFile(spec.PIDFile); ok {
				pids = []int32{pid}
			}
		} else {
			if byName == nil {
				byName = c.processesByName(ctx)
			}
			pids = byName[spec.Name]
		}
		out[spec.Name] = c.usageOf(ctx, pids)
	}
	return out
}

func (c *Collector) processesByName(ctx context.Context) map[string][]int32 {
	byName := make(map[string][]int32)
	refs, err := c.procs.List(ctx)
	if err != nil {
		c.logger.Debug("process table failed", zap.Error(err))
		return byName
	}
	for _, r := range refs {
		byName[r.Name] = append(byName[r.Name], r.PID)
	}
	return byName
}

func (c *Collector) usageOf(ctx context.Context, pids []int32) models.ServiceStatus {
	var (
		alive    bool
		cpu, mem float64
	)
	for _, pid := range pids {
		pc, pm, err := c.procs.Usage(ctx, pid)
		if err != nil {
			continue
		}
		alive = true
		cpu += pc
		mem += pm
	}
	if !alive {
		return models.ServiceStatus{State: models.StateInactive}
	}
	return models.ServiceStatus{
		State:  models.StateActive,
		Detail: &models.ServiceDetail{CPU: models.Percent(cpu), Mem: models.Percent(mem)},
	}
}

func readPIDFile(path string) (int32, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 32)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return int32(pid), true
}
