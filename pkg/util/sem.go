package util

import (
	"sync"
)

// Semaphore is a counting semaphore with a nonblocking Post. Wait blocks
// until the counter is positive, then decrements it. A waiter may absorb
// posts that were meant for an earlier wait on the same semaphore; the
// caller is responsible for reposting such extra wakeups.
type Semaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

func NewSemaphore(count int) *Semaphore {
	sem := &Semaphore{count: count}
	sem.cond = sync.NewCond(&sem.mu)
	return sem
}

func (sem *Semaphore) Wait() {
	sem.mu.Lock()
	defer sem.mu.Unlock()
	for sem.count == 0 {
		sem.cond.Wait()
	}
	sem.count--
}

func (sem *Semaphore) Post() {
	sem.mu.Lock()
	sem.count++
	sem.mu.Unlock()
	sem.cond.Signal()
}
