package harvest

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/shirou/gopsutil/v4/process"
)

// MemoryStats is a housekeeping sample.
type MemoryStats struct {
	RSS        uint64
	HeapAlloc  uint64
	HeapInuse  uint64
	NumGC      uint32
	Goroutines int
}

// MemoryProbe samples process memory.
type MemoryProbe interface {
	Sample(ctx context.Context) (MemoryStats, error)
}

// processProbe reads RSS from the OS and heap figures from the runtime.
type processProbe struct {
	proc *process.Process
}

// NewProcessProbe returns a probe for the current process.
func NewProcessProbe(ctx context.Context) (MemoryProbe, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &processProbe{proc: p}, nil
}

func (p *processProbe) Sample(ctx context.Context) (MemoryStats, error) {
	stats, _ := runtimeProbe{}.Sample(ctx)
	info, err := p.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return stats, err
	}
	stats.RSS = info.RSS
	return stats, nil
}

// runtimeProbe reports heap figures only. It stands in when the OS process
// cannot be inspected.
type runtimeProbe struct{}

func (runtimeProbe) Sample(context.Context) (MemoryStats, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemoryStats{
		HeapAlloc:  ms.HeapAlloc,
		HeapInuse:  ms.HeapInuse,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}, nil
}

// housekeep logs a memory sample and returns freed memory to the OS. A
// long harvest accumulates page bodies and enrichment caches that the
// runtime is slow to give back on its own.
func (c *Coordinator) housekeep(ctx context.Context, tasksDone int) {
	if c.cfg.HousekeepingEvery <= 0 || tasksDone%c.cfg.HousekeepingEvery != 0 {
		return
	}
	probe := c.probe
	if probe == nil {
		probe = runtimeProbe{}
	}

	before, err := probe.Sample(ctx)
	if err != nil {
		c.logger.Warn(ctx, "failed to sample process memory", "error", err)
	}
	debug.FreeOSMemory()
	after, _ := probe.Sample(ctx)

	if after.RSS > 0 {
		c.metrics.ObserveRSS(ctx, after.RSS)
	}
	c.logger.Info(ctx, "housekeeping",
		"tasks_done", tasksDone,
		"rss_before_bytes", before.RSS,
		"rss_after_bytes", after.RSS,
		"heap_alloc_bytes", after.HeapAlloc,
		"heap_inuse_bytes", after.HeapInuse,
		"num_gc", after.NumGC,
		"goroutines", after.Goroutines,
	)
}
