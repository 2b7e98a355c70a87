// Package serial runs submitted funcs one at a time, in submission order, on
// a single background goroutine.
package serial

import "sync"

// Executor is an unbounded FIFO of funcs. Submit never blocks.
type Executor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	done    chan struct{}
}

// New starts an Executor.
func New() *Executor {
	e := &Executor{done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// Submit queues fn. It reports false if the executor is closed.
func (e *Executor) Submit(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.pending = append(e.pending, fn)
	e.cond.Signal()
	return true
}

// Wait blocks until every func submitted before the call has run.
func (e *Executor) Wait() {
	ran := make(chan struct{})
	if !e.Submit(func() { close(ran) }) {
		<-e.done
		return
	}
	<-ran
}

// Close drains the queue and stops the goroutine. Funcs submitted after
// Close are dropped.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.cond.Signal()
	e.mu.Unlock()
	<-e.done
}

func (e *Executor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.pending) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.pending) == 0 {
			e.mu.Unlock()
			return
		}
		fn := e.pending[0]
		e.pending[0] = nil
		e.pending = e.pending[1:]
		e.mu.Unlock()

		fn()
	}
}
