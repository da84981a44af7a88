package gateway

import (
	"sync"
	"syscall"
	"time"
)

// cpuSampler derives process CPU usage from rusage deltas between
// samples. Good enough for a health snapshot; no external dependency
// covers this.
type cpuSampler struct {
	mu       sync.Mutex
	lastWall time.Time
	lastCPU  time.Duration
	usage    float64
}

func newCPUSampler() *cpuSampler {
	s := &cpuSampler{lastWall: time.Now(), lastCPU: processCPUTime()}
	return s
}

// Sample returns the fraction of one CPU this process consumed since
// the previous sample, clamped to [0, 1].
func (s *cpuSampler) Sample() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cpu := processCPUTime()
	wall := now.Sub(s.lastWall)
	if wall < 100*time.Millisecond {
		// Too soon to produce a stable delta; reuse the last reading.
		return s.usage
	}

	used := cpu - s.lastCPU
	s.lastWall = now
	s.lastCPU = cpu

	usage := used.Seconds() / wall.Seconds()
	if usage < 0 {
		usage = 0
	}
	if usage > 1 {
		usage = 1
	}
	s.usage = usage
	return usage
}

func processCPUTime() time.Duration {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return user + sys
}
