// Package shedding provides a task queue where a newer task supersedes the
// one waiting before it.
package shedding

import (
	"log/slog"
	"sync"
)

// Outcome is the terminal state of a task.
type Outcome int

const (
	// Complete means the work ran and returned nil.
	Complete Outcome = iota
	// Error means the work ran and returned an error.
	Error
	// Shed means a newer task superseded this one before it ran.
	Shed
)

func (o Outcome) String() string {
	switch o {
	case Complete:
		return "complete"
	case Error:
		return "error"
	case Shed:
		return "shed"
	default:
		return "unknown"
	}
}

// Task is a unit of work. Completion, if set, is called exactly once.
type Task struct {
	Work       func() error
	Sheddable  bool
	Completion func(outcome Outcome, err error)
}

// NewTask returns a sheddable task.
func NewTask(work func() error, completion func(Outcome, error)) Task {
	return Task{Work: work, Sheddable: true, Completion: completion}
}

// Queue runs tasks one at a time in enqueue order. The task that is running
// is never dropped. A sheddable task that is still waiting when another task
// arrives is dropped. A waiting non-sheddable task is never dropped; the new
// task queues behind it.
type Queue struct {
	mu       sync.Mutex
	inFlight bool
	pending  []Task
	log      *slog.Logger
}

// New returns an idle Queue.
func New(log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{log: log.With(slog.String("worker", "shedding_queue"))}
}

// Enqueue adds task. If the queue is idle the task is in flight before
// Enqueue returns.
func (q *Queue) Enqueue(task Task) {
	q.mu.Lock()
	if !q.inFlight {
		q.inFlight = true
		q.mu.Unlock()
		go q.drain(task)
		return
	}

	var shed *Task
	if n := len(q.pending); n > 0 && q.pending[n-1].Sheddable {
		last := q.pending[n-1]
		shed = &last
		q.pending = q.pending[:n-1]
	}
	q.pending = append(q.pending, task)
	q.mu.Unlock()

	if shed != nil {
		q.log.Debug("shed pending task")
		complete(*shed, Shed, nil)
	}
}

// Len returns the number of tasks waiting to run, not counting the one in
// flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) drain(task Task) {
	for {
		q.run(task)

		q.mu.Lock()
		if len(q.pending) == 0 {
			q.inFlight = false
			q.mu.Unlock()
			return
		}
		task = q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
	}
}

func (q *Queue) run(task Task) {
	var err error
	if task.Work != nil {
		err = task.Work()
	}
	if err != nil {
		q.log.Debug("task failed", "error", err)
		complete(task, Error, err)
		return
	}
	complete(task, Complete, nil)
}

func complete(task Task, outcome Outcome, err error) {
	if task.Completion != nil {
		task.Completion(outcome, err)
	}
}
