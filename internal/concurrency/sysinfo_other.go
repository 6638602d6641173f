//go:build !linux

package concurrency

import "errors"

var errUnsupported = errors.New("system introspection unsupported on this platform")

type hostInfo struct{}

// Host returns a SystemInfo that always reports errors, so defaults apply.
func Host() SystemInfo {
	return hostInfo{}
}

func (hostInfo) LoadAverage() (float64, error) { return 0, errUnsupported }

func (hostInfo) AvailableMemoryMB() (int64, error) { return 0, errUnsupported }
