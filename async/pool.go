package async

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BufferPool recycles batch input buffers. Buffers are grouped by capacity
// rounded up to a power of two. A nil pool allocates and drops.
type BufferPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
	stats map[int]*PoolStats
}

// PoolStats counts the traffic of one size class.
type PoolStats struct {
	Gets     int64
	Puts     int64
	Misses   int64
	InUse    int64
	MaxInUse int64
}

// NewBufferPool creates an empty pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// Get returns a zeroed buffer of length size.
func (bp *BufferPool) Get(size int) []float32 {
	if bp == nil {
		return make([]float32, size)
	}
	class := roundUpToPowerOf2(size)

	bp.mu.Lock()
	pool, ok := bp.pools[class]
	if !ok {
		pool = &sync.Pool{}
		bp.pools[class] = pool
		bp.stats[class] = &PoolStats{}
	}
	stats := bp.stats[class]
	stats.Gets++
	stats.InUse++
	if stats.InUse > stats.MaxInUse {
		stats.MaxInUse = stats.InUse
	}
	bp.mu.Unlock()

	if v := pool.Get(); v != nil {
		buf := *(v.(*[]float32))
		return buf[:size]
	}

	bp.mu.Lock()
	stats.Misses++
	bp.mu.Unlock()
	return make([]float32, size, class)
}

// Put hands buf back. Buffers not obtained from Get are dropped.
func (bp *BufferPool) Put(buf []float32) {
	if bp == nil || cap(buf) == 0 {
		return
	}
	class := cap(buf)

	bp.mu.Lock()
	pool, ok := bp.pools[class]
	if !ok {
		bp.mu.Unlock()
		return
	}
	stats := bp.stats[class]
	stats.Puts++
	stats.InUse--
	bp.mu.Unlock()

	buf = buf[:cap(buf)]
	for i := range buf {
		buf[i] = 0
	}
	pool.Put(&buf)
}

// Stats returns a copy of the per-class counters.
func (bp *BufferPool) Stats() map[int]PoolStats {
	out := make(map[int]PoolStats)
	if bp == nil {
		return out
	}
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for class, s := range bp.stats {
		out[class] = *s
	}
	return out
}

func (bp *BufferPool) String() string {
	stats := bp.Stats()
	classes := make([]int, 0, len(stats))
	for c := range stats {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	var b strings.Builder
	for _, c := range classes {
		s := stats[c]
		hitRate := 0.0
		if s.Gets > 0 {
			hitRate = float64(s.Gets-s.Misses) / float64(s.Gets) * 100
		}
		fmt.Fprintf(&b, "size %d: gets=%d puts=%d in_use=%d max_in_use=%d hit_rate=%.1f%%\n",
			c, s.Gets, s.Puts, s.InUse, s.MaxInUse, hitRate)
	}
	return b.String()
}

func roundUpToPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	power := 1
	for power < n {
		power <<= 1
	}
	return power
}
