//go:build !linux
// +build !linux

package health

import (
	"context"

	"kestrel.gg/kestrel/internal/clock"
	"kestrel.gg/kestrel/internal/protocol"
)

// CheckMemory verifies memory information is readable.
func CheckMemory(ctx context.Context) Check {
	return Check{
		Status:      StatusHealthy,
		Message:     "procfs unsupported on this OS (stubbed)",
		LastChecked: clock.Now(),
	}
}

// Snapshot gathers the node's resource figures for the periodic health
// report. Only uptime-free basics are available off Linux.
func Snapshot(dataDir string) protocol.HealthSnapshot {
	return protocol.HealthSnapshot{Status: string(StatusHealthy)}
}
