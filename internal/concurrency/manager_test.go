package concurrency

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeInfo struct {
	load    float64
	mem     int64
	loadErr error
	memErr  error
	calls   int
}

func (f *fakeInfo) LoadAverage() (float64, error) {
	f.calls++
	return f.load, f.loadErr
}

func (f *fakeInfo) AvailableMemoryMB() (int64, error) {
	return f.mem, f.memErr
}

func TestComputeConcurrency(t *testing.T) {
	s := Settings{}
	cases := []struct {
		name string
		cpus int
		load float64
		mem  int64
		want int
	}{
		{"idle host uses cpu count", 8, 0.2, 16000, 8},
		{"small host floors at four", 2, 0.1, 16000, 4},
		{"busy host halves", 8, 1.0, 16000, 4},
		{"very busy host scales by load", 16, 4.0, 16000, 3},
		{"low memory halves", 8, 0.1, 1024, 4},
		{"medium memory scales", 10, 0.1, 3000, 8},
		{"clamped to min", 4, 8.0, 512, 2},
		{"clamped to max", 64, 0.1, 32000, 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ComputeConcurrency(tc.cpus, tc.load, tc.mem, s))
		})
	}
}

func TestComputeTimeout(t *testing.T) {
	base := 2 * time.Minute
	require.Equal(t, base, ComputeTimeout(0.5, base))
	require.Equal(t, base, ComputeTimeout(1.0, base))
	require.Equal(t, time.Duration(float64(base)*1.2), ComputeTimeout(1.5, base))
	require.Equal(t, 3*time.Minute, ComputeTimeout(2.5, base))
}

func TestManagerDefaultsOnError(t *testing.T) {
	info := &fakeInfo{loadErr: errors.New("boom"), memErr: errors.New("boom")}
	m := New(info, Settings{}, nil)
	m.cpus = func() int { return 8 }

	snap := m.Snapshot()
	require.Equal(t, DefaultLoad, snap.Load)
	require.Equal(t, int64(DefaultMemoryMB), snap.MemoryMB)
	// load 1.0 -> 8 * 0.5 = 4, memory 4096 is not below the medium threshold.
	require.Equal(t, 4, snap.Workers)
	require.Equal(t, 2*time.Minute, snap.Timeout)
}

func TestManagerCachesWithinRefreshInterval(t *testing.T) {
	info := &fakeInfo{load: 0.1, mem: 16000}
	m := New(info, Settings{RefreshInterval: time.Minute}, nil)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	m.cpus = func() int { return 8 }

	require.Equal(t, 8, m.Workers())
	info.load = 4.0
	require.Equal(t, 8, m.Workers())
	require.Equal(t, 1, info.calls)

	now = now.Add(2 * time.Minute)
	require.Equal(t, 2, m.Workers())
	require.Equal(t, 2, info.calls)
}
