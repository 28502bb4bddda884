package hostgo

import (
	"runtime"
	"sync"
)

// workersPool caps how many goroutines a forward pass spreads its work over.
//
// maxParallelism is a soft target: the pool admits up to twice that many
// tasks, counting on some of them being about to finish. Zero disables
// parallelism and makes every task run inline, negative means unlimited.
type workersPool struct {
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning decreases.
	numRunning int
}

// Initialize must be called before use. Parallelism defaults to runtime.NumCPU().
func (w *workersPool) Initialize() {
	w.maxParallelism = runtime.NumCPU()
	w.cond = sync.Cond{L: &w.mu}
}

// IsEnabled returns whether parallelism is enabled (maxParallelism != 0).
func (w *workersPool) IsEnabled() bool { return w.maxParallelism != 0 }

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0).
func (w *workersPool) IsUnlimited() bool { return w.maxParallelism < 0 }

// MaxParallelism returns the soft target on parallel tasks.
func (w *workersPool) MaxParallelism() int { return w.maxParallelism }

// SetMaxParallelism changes the soft target. Only change it while no tasks
// are running, the behavior is undefined otherwise.
func (w *workersPool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

const goroutineToParallelismRatio = 2

// lockedIsFull must be called with w.mu held.
func (w *workersPool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= goroutineToParallelismRatio*w.maxParallelism
}

// WaitToStart waits until a worker is available, then runs task on it.
// If parallelism is disabled, the task runs inline and WaitToStart only
// returns once it finished.
func (w *workersPool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	} else if w.maxParallelism == 0 {
		task()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}
