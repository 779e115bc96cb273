package eventload

import (
	"runtime/debug"
	"runtime/metrics"
	"sync"
)

// MemoryPolicy runs after every bucketing task. It must be safe for
// concurrent use.
type MemoryPolicy func()

// ReleaseIdleMemory returns a policy that returns free heap memory to the OS
// when more than threshold of the heap is idle. Concurrent calls while a
// release is running return immediately.
func ReleaseIdleMemory(threshold float64) MemoryPolicy {
	var mu sync.Mutex
	return func() {
		if !mu.TryLock() {
			return
		}
		defer mu.Unlock()
		if idleHeapFraction() > threshold {
			debug.FreeOSMemory()
		}
	}
}

// idleHeapFraction returns the fraction of heap memory mapped by the runtime
// that holds no objects and has not been returned to the OS.
func idleHeapFraction() float64 {
	samples := []metrics.Sample{
		{Name: "/memory/classes/heap/free:bytes"},
		{Name: "/memory/classes/heap/objects:bytes"},
		{Name: "/memory/classes/heap/unused:bytes"},
	}
	metrics.Read(samples)
	var values [3]uint64
	for i, s := range samples {
		if s.Value.Kind() == metrics.KindUint64 {
			values[i] = s.Value.Uint64()
		}
	}
	total := values[0] + values[1] + values[2]
	if total == 0 {
		return 0
	}
	return float64(values[0]) / float64(total)
}
