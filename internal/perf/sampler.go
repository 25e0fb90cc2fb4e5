// Package perf samples host and per-session resource usage.
package perf

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HostSample is one snapshot of machine-wide usage.
type HostSample struct {
	CPUPercent     float64
	MemoryPercent  float64
	MemoryUsedMB   int64
	ActiveSessions int
	SampledAt      time.Time
}

// SessionSample is the share of server resources attributed to one session.
type SessionSample struct {
	CPUPercent float64
	MemoryMB   int64
}

// Sampler supplies host and session snapshots.
type Sampler interface {
	Current(ctx context.Context) (HostSample, error)
	Session(ctx context.Context, token string) (SessionSample, error)
}

// HostSampler reads usage from the operating system. Sessions are served in
// process, so a session's share is the process usage divided by the live count.
type HostSampler struct {
	sessions func() int

	cpuPercent  func(ctx context.Context) (float64, error)
	memory      func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	procUsage   func(ctx context.Context) (float64, uint64, error)
	nowF        func() time.Time
	processOnce sync.Once
	proc        *process.Process
	procErr     error
}

// NewHostSampler returns a HostSampler. sessions reports the live session count and may be nil.
func NewHostSampler(sessions func() int) *HostSampler {
	h := &HostSampler{sessions: sessions, nowF: time.Now}
	h.cpuPercent = func(ctx context.Context) (float64, error) {
		// Interval 0 compares against the previous call and never blocks.
		vals, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return 0, err
		}
		if len(vals) == 0 {
			return 0, fmt.Errorf("perf: no cpu sample")
		}
		return vals[0], nil
	}
	h.memory = mem.VirtualMemoryWithContext
	h.procUsage = h.processUsage
	return h
}

func (h *HostSampler) activeSessions() int {
	if h.sessions == nil {
		return 0
	}
	return h.sessions()
}

// Current samples machine CPU and memory.
func (h *HostSampler) Current(ctx context.Context) (HostSample, error) {
	cpuPct, err := h.cpuPercent(ctx)
	if err != nil {
		return HostSample{}, fmt.Errorf("perf: cpu: %w", err)
	}
	vm, err := h.memory(ctx)
	if err != nil {
		return HostSample{}, fmt.Errorf("perf: memory: %w", err)
	}
	return HostSample{
		CPUPercent:     cpuPct,
		MemoryPercent:  vm.UsedPercent,
		MemoryUsedMB:   int64(vm.Used / (1024 * 1024)),
		ActiveSessions: h.activeSessions(),
		SampledAt:      h.nowF().UTC(),
	}, nil
}

// Session returns the process usage split evenly across live sessions.
func (h *HostSampler) Session(ctx context.Context, token string) (SessionSample, error) {
	cpuPct, rss, err := h.procUsage(ctx)
	if err != nil {
		return SessionSample{}, fmt.Errorf("perf: session %s: %w", token, err)
	}
	n := h.activeSessions()
	if n < 1 {
		n = 1
	}
	return SessionSample{
		CPUPercent: cpuPct / float64(n),
		MemoryMB:   int64(rss/(1024*1024)) / int64(n),
	}, nil
}

func (h *HostSampler) processUsage(ctx context.Context) (float64, uint64, error) {
	h.processOnce.Do(func() {
		h.proc, h.procErr = process.NewProcessWithContext(ctx, int32(os.Getpid()))
	})
	if h.procErr != nil {
		return 0, 0, h.procErr
	}
	cpuPct, err := h.proc.CPUPercentWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	info, err := h.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return cpuPct, info.RSS, nil
}

// Static is a Sampler that always returns fixed values.
type Static struct {
	Host    HostSample
	PerConn SessionSample
}

// Current returns s.Host.
func (s Static) Current(ctx context.Context) (HostSample, error) { return s.Host, nil }

// Session returns s.PerConn.
func (s Static) Session(ctx context.Context, token string) (SessionSample, error) {
	return s.PerConn, nil
}
