// Package probe samples the local host and publishes metrics records to the relay.
// It uses gopsutil for cross-platform system telemetry.
package probe

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/vesaa/talonwatch/internal/models"
)

// CollectorOptions tunes a Collector. Zero values pick sensible defaults.
type CollectorOptions struct {
	Hostname string
	Services []string
	// CPUWindow is how long cpu usage is measured for each sample.
	CPUWindow time.Duration
	// DiskRefresh caches the partition scan between samples.
	DiskRefresh time.Duration
}

// Collector produces one MetricsRecord per call. A failing sub-metric falls
// back to its zero value; a sample is never aborted.
type Collector struct {
	hostname    string
	services    []ServiceSpec
	cpuWindow   time.Duration
	diskRefresh time.Duration
	logger      *zap.Logger
	now         func() time.Time
	procs       processTable

	mu      sync.Mutex
	disks   models.Disk
	disksAt time.Time
}

// NewCollector creates a ready-to-use Collector.
func NewCollector(opts CollectorOptions, logger *zap.Logger) *Collector {
	if opts.CPUWindow < 0 {
		opts.CPUWindow = 0
	}
	if opts.DiskRefresh <= 0 {
		opts.DiskRefresh = 5 * time.Minute
	}
	hostname := opts.Hostname
	if hostname == "" {
		hostname = systemHostname()
	}
	return &Collector{
		hostname:    hostname,
		services:    ParseServiceSpecs(opts.Services),
		cpuWindow:   opts.CPUWindow,
		diskRefresh: opts.DiskRefresh,
		logger:      logger,
		now:         time.Now,
		procs:       gopsutilProcesses{},
	}
}

// Hostname is the identity this collector stamps on every record.
func (c *Collector) Hostname() string { return c.hostname }

// Collect gathers the current system snapshot.
func (c *Collector) Collect(ctx context.Context) models.MetricsRecord {
	rec := models.MetricsRecord{
		Hostname:  c.hostname,
		IP:        localIP(),
		OS:        detailedOS(ctx),
		Timestamp: c.now().UnixMilli(),
	}

	if pcts, err := cpu.PercentWithContext(ctx, c.cpuWindow, false); err == nil && len(pcts) > 0 {
		rec.CPU = models.Percent(pcts[0])
	} else {
		c.logger.Debug("cpu sample failed", zap.Error(err))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		rec.RAM = models.RAM{Total: vm.Total, UsagePercent: models.Percent(vm.UsedPercent)}
	} else {
		c.logger.Debug("memory sample failed", zap.Error(err))
	}

	if secs, err := host.UptimeWithContext(ctx); err == nil {
		rec.Uptime = formatUptime(secs)
	} else {
		c.logger.Debug("uptime sample failed", zap.Error(err))
	}

	rec.Disk = c.diskUsage(ctx)
	rec.Services = c.serviceStatuses(ctx)
	return rec
}

// diskUsage lists every physical partition, rescanning at most once per DiskRefresh.
func (c *Collector) diskUsage(ctx context.Context) models.Disk {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.disks != nil && now.Sub(c.disksAt) < c.diskRefresh {
		return c.disks
	}

	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		c.logger.Debug("disk partitions failed", zap.Error(err))
		return c.disks
	}

	seen := make(map[string]bool, len(partitions))
	entries := make(models.Disk, 0, len(partitions))
	for _, p := range partitions {
		if seen[p.Device] {
			continue
		}
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		seen[p.Device] = true
		entries = append(entries, models.DiskEntry{
			Filesystem:   p.Device,
			SizeLabel:    humanize.IBytes(usage.Total),
			UsedLabel:    humanize.IBytes(usage.Used),
			UsagePercent: models.Percent(usage.UsedPercent),
		})
	}
	if len(entries) == 0 {
		return c.disks
	}
	c.disks = entries
	c.disksAt = now
	return c.disks
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// formatUptime renders seconds as "15d 4h 23m".
func formatUptime(secs uint64) string {
	days := secs / 86400
	hours := (secs % 86400) / 3600
	minutes := (secs % 3600) / 60
	return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
}

func systemHostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	if info, err := host.Info(); err == nil && info.Hostname != "" {
		return info.Hostname
	}
	return "localhost"
}

// detailedOS returns a descriptive OS version string, or runtime.GOOS as fallback.
func detailedOS(ctx context.Context) string {
	info, err := host.InfoWithContext(ctx)
	if err == nil && info.Platform != "" {
		if info.PlatformVersion != "" {
			return fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion) // e.g., "debian 12.5"
		}
		return info.Platform
	}
	return runtime.GOOS
}

// localIP returns the first non-loopback IPv4 address, or 127.0.0.1.
func localIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				return ip.String()
			}
		}
	}
	return "127.0.0.1"
}
