package loader

import (
	"runtime/metrics"

	"go.uber.org/zap"
)

// MemoryProbe reports the memory currently committed by the process.
type MemoryProbe interface {
	Usage() (uint64, error)
}

// ProbeFunc adapts a function to MemoryProbe.
type ProbeFunc func() (uint64, error)

func (f ProbeFunc) Usage() (uint64, error) { return f() }

// RuntimeProbe reads the memory mapped by the Go runtime and not yet
// returned to the OS. Host-memory textures live on the Go heap, so this
// tracks the texture footprint of a SoftDevice as well.
type RuntimeProbe struct{}

var runtimeSamples = []string{
	"/memory/classes/total:bytes",
	"/memory/classes/heap/released:bytes",
}

func (RuntimeProbe) Usage() (uint64, error) {
	samples := make([]metrics.Sample, len(runtimeSamples))
	for i, name := range runtimeSamples {
		samples[i].Name = name
	}
	metrics.Read(samples)

	total := samples[0].Value.Uint64()
	released := samples[1].Value.Uint64()
	if released > total {
		return 0, nil
	}
	return total - released, nil
}

// CheckAndEvict runs the eviction policy: when the process is over its
// memory budget and more than EvictionFloor identifiers are tracked, the
// EvictionBatch least recently requested ones are dropped from both the
// texture table and the recency list. It returns the number of resident
// textures released.
func (l *Loader) CheckAndEvict() int {
	if l.opts.MemoryBudget == 0 {
		return 0
	}

	usage, err := l.probe.Usage()
	if err != nil {
		l.logger.Warn("Memory probe failed", zap.Error(err))
		return 0
	}
	if usage <= l.opts.MemoryBudget {
		return 0
	}

	l.mu.Lock()
	if l.recency.len() <= l.opts.EvictionFloor {
		l.mu.Unlock()
		return 0
	}

	victims := l.recency.popOldest(l.opts.EvictionBatch)
	released := 0
	for _, id := range victims {
		if !l.table.has(id) {
			continue
		}
		if err := l.table.remove(id); err != nil {
			l.logger.Warn("Failed to release texture", zap.String("id", string(id)), zap.Error(err))
		}
		released++
	}
	resident := l.table.len()
	l.mu.Unlock()

	l.stats.evictions.Add(int64(released))
	l.logger.Info("Evicted textures",
		zap.Uint64("memory_bytes", usage),
		zap.Uint64("budget_bytes", l.opts.MemoryBudget),
		zap.Int("candidates", len(victims)),
		zap.Int("released", released),
		zap.Int("resident", resident),
	)
	return released
}
