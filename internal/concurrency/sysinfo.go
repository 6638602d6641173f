package concurrency

// SystemInfo reports host load and memory.
type SystemInfo interface {
	// LoadAverage returns the one-minute load average.
	LoadAverage() (float64, error)
	// AvailableMemoryMB returns free plus reclaimable memory in megabytes.
	AvailableMemoryMB() (int64, error)
}

// Defaults applied when a SystemInfo reading fails.
const (
	DefaultLoad     = 1.0
	DefaultMemoryMB = 4096
)
