package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ResourceUsage is a coarse view of the process load while samples flow.
// Latency outliers often line up with GC cycles or CPU saturation.
type ResourceUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	HeapBytes  uint64  `json:"heap_bytes"`
	Goroutines int     `json:"goroutines"`
	GCCycles   uint64  `json:"gc_cycles"`
}

const (
	metricCPUSeconds = "/sched/cpu:seconds"
	metricHeapBytes  = "/memory/classes/heap/objects:bytes"
	metricGCCycles   = "/gc/cycles/total:gc-cycles"
)

// resourceSampler derives CPU usage from the delta between two snapshots.
type resourceSampler struct {
	mu      sync.Mutex
	samples []metrics.Sample
	lastCPU float64
	lastAt  time.Time
	numCPU  float64
	now     func() time.Time
}

func newResourceSampler() *resourceSampler {
	return &resourceSampler{
		samples: []metrics.Sample{
			{Name: metricCPUSeconds},
			{Name: metricHeapBytes},
			{Name: metricGCCycles},
		},
		numCPU: float64(runtime.NumCPU()),
		now:    time.Now,
	}
}

// Snapshot reads the runtime metrics. CPUPercent is zero on the first call.
func (r *resourceSampler) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}
	if v := r.samples[1].Value; v.Kind() == metrics.KindUint64 {
		usage.HeapBytes = v.Uint64()
	}
	if v := r.samples[2].Value; v.Kind() == metrics.KindUint64 {
		usage.GCCycles = v.Uint64()
	}

	now := r.now()
	if v := r.samples[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if !r.lastAt.IsZero() {
			if wall := now.Sub(r.lastAt).Seconds(); wall > 0 && r.numCPU > 0 {
				usage.CPUPercent = (cpu - r.lastCPU) / wall / r.numCPU * 100
			}
		}
		r.lastCPU = cpu
	}
	r.lastAt = now
	return usage
}
