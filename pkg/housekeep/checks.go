package housekeep

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
)

// cpuSmoothing is the EWMA factor for the one second CPU samples.
const cpuSmoothing = 0.9

// sampleCPU folds the CPU utilization since the previous tick into the
// running average.
func (h *Housekeeper) sampleCPU(ctx context.Context) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		return
	}

	h.mu.Lock()
	h.cpuEWMA = cpuSmoothing*h.cpuEWMA + (1-cpuSmoothing)*percents[0]
	h.mu.Unlock()
}

// checkResources runs the advisory load and disk checks. Findings are
// logged; nothing else changes.
func (h *Housekeeper) checkResources(ctx context.Context) {
	if h.cfg.Checks.Load {
		h.checkLoad(ctx)
	}
	if h.cfg.Checks.Disk > 0 {
		h.checkDisk(ctx)
	}
}

func (h *Housekeeper) checkLoad(ctx context.Context) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		h.log.Debug("Load average unavailable", "error", err)
		return
	}
	nprocs := runtime.NumCPU()
	if avg.Load15 > float64(nprocs) {
		h.log.Warn("Long-term load higher than number of processors, the system may be overloaded",
			"load15", avg.Load15, "nprocs", nprocs)
	}
}

// checkDisk probes the partitions holding the query database and the log
// file. When both live on the same device the second probe is skipped.
func (h *Housekeeper) checkDisk(ctx context.Context) {
	dbPath := h.cfg.Database.Path
	logPath := h.cfg.Checks.LogFile

	if dbPath != "" {
		h.checkDiskPath(ctx, dbPath)
	}
	if logPath == "" || logPath == dbPath {
		return
	}
	if dbPath != "" && sameDevice(dbPath, logPath) {
		return
	}
	h.checkDiskPath(ctx, logPath)
}

func (h *Housekeeper) checkDiskPath(ctx context.Context, path string) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		// Probe the parent when the file does not exist yet.
		if usage, err = disk.UsageWithContext(ctx, filepath.Dir(path)); err != nil {
			h.log.Debug("Disk usage unavailable", "path", path, "error", err)
			return
		}
	}
	if usage.UsedPercent >= float64(h.cfg.Checks.Disk) {
		h.log.Warn("Disk shortage approaching",
			"path", path,
			"used_percent", usage.UsedPercent,
			"threshold", h.cfg.Checks.Disk)
	}
}

// sameDevice reports whether two paths live on the same filesystem. When
// either stat fails the answer is false so that both paths get probed.
func sameDevice(a, b string) bool {
	sa, err := os.Stat(a)
	if err != nil {
		return false
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false
	}
	ra, ok := sa.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	rb, ok := sb.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return ra.Dev == rb.Dev
}
