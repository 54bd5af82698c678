//go:build linux
// +build linux

package health

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"kestrel.gg/kestrel/internal/clock"
	"kestrel.gg/kestrel/internal/protocol"
)

// CheckMemory verifies memory information is readable.
func CheckMemory(ctx context.Context) Check {
	start := clock.Now()
	check := Check{LastChecked: start}

	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("cannot read meminfo: %v", err)
	} else {
		check.Status = StatusHealthy
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "MemAvailable:") {
				check.Message = line
				break
			}
		}
		if check.Message == "" {
			check.Message = "memory info available"
		}
	}

	check.Duration = time.Since(start)
	return check
}

// Snapshot gathers the node's resource figures for the periodic health
// report. dataDir determines which filesystem the disk figures describe.
func Snapshot(dataDir string) protocol.HealthSnapshot {
	snap := protocol.HealthSnapshot{Status: string(StatusHealthy)}

	if up, err := readUptime(); err == nil {
		snap.UptimeSec = up
	}
	if load, err := readLoad1(); err == nil {
		snap.Load1 = load
	}
	if total, avail, err := readMeminfo(); err == nil {
		snap.MemTotal = total
		snap.MemUsed = total - avail
	}

	var st syscall.Statfs_t
	if err := syscall.Statfs(dataDir, &st); err == nil {
		bsize := uint64(st.Bsize)
		snap.DiskTotal = st.Blocks * bsize
		snap.DiskUsed = (st.Blocks - st.Bavail) * bsize
	}

	// Soft thresholds: the panel decides what to do with degraded nodes.
	if snap.DiskTotal > 0 && snap.DiskUsed*100/snap.DiskTotal >= 95 {
		snap.Status = string(StatusDegraded)
		snap.LastError = "disk nearly full"
	}
	if snap.MemTotal > 0 && snap.MemUsed*100/snap.MemTotal >= 97 {
		snap.Status = string(StatusDegraded)
		snap.LastError = "memory nearly exhausted"
	}

	return snap
}

func readUptime() (int64, error) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty /proc/uptime")
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, err
	}
	return int64(secs), nil
}

func readLoad1() (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty /proc/loadavg")
	}
	return strconv.ParseFloat(fields[0], 64)
}

func readMeminfo() (total, available uint64, err error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, perr := strconv.ParseUint(fields[1], 10, 64)
		if perr != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = kb * 1024
		case "MemAvailable:":
			available = kb * 1024
		}
	}
	if total == 0 {
		return 0, 0, fmt.Errorf("MemTotal missing from /proc/meminfo")
	}
	return total, available, nil
}
