//go:build linux

package concurrency

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// loadShift is the fixed-point scale of sysinfo load averages.
const loadShift = 1 << 16

type hostInfo struct{}

// Host returns the SystemInfo backed by sysinfo(2).
func Host() SystemInfo {
	return hostInfo{}
}

func (hostInfo) LoadAverage() (float64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}
	return float64(info.Loads[0]) / loadShift, nil
}

func (hostInfo) AvailableMemoryMB() (int64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	return int64(free / (1024 * 1024)), nil
}
