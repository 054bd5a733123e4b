// Package parallel provides the goroutine fan-out helpers used by the host
// kernels and by the per-replica training and testing steps.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 64, // Typical cache line aware chunk.
	}
}

// For executes f(i) for i in [0, n) with optional parallelism.
// Falls back to sequential execution if parallelism is disabled or n is too small.
// A panic in any f is re-raised in the caller once all workers have stopped.
func For(n int, f func(i int), cfg Config) {
	if !cfg.Enabled || n < cfg.MinChunkSize {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	chunkSize := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize)
	var g group
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		g.run(func() {
			for i := start; i < end; i++ {
				f(i)
			}
		})
	}
	g.wait()
}

// ForBatch iterates over every (b, c) pair of a batch*channels grid.
func ForBatch(batch, channels int, f func(b, c int), cfg Config) {
	For(batch*channels, func(k int) {
		f(k/channels, k%channels)
	}, cfg)
}

// Each runs f(0) ... f(n-1) on n goroutines, one per index, and blocks until
// all of them return. It is used for one-worker-per-replica steps.
// A panic in any worker is re-raised in the caller after the join.
func Each(n int, f func(i int)) {
	if n == 1 {
		f(0)
		return
	}
	var g group
	for i := 0; i < n; i++ {
		g.run(func() { f(i) })
	}
	g.wait()
}

// group is a WaitGroup that carries the first panic of its goroutines back
// to the waiting goroutine.
type group struct {
	wg       sync.WaitGroup
	mu       sync.Mutex
	panicked any
}

func (g *group) run(f func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.mu.Lock()
				if g.panicked == nil {
					g.panicked = r
				}
				g.mu.Unlock()
			}
		}()
		f()
	}()
}

func (g *group) wait() {
	g.wg.Wait()
	if g.panicked != nil {
		panic(g.panicked)
	}
}
