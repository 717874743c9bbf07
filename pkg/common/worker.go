package common

import (
	"errors"
	"sync"
	"time"
)

// Errors that may occur when sending tasks to a worker.
var (
	ErrWorkerClosed  = errors.New("worker is closed")
	ErrWorkerTooBusy = errors.New("worker is already overloaded")
)

// Configuration for the worker.
type WorkerConfig[T any] struct {
	// The size of the bounded task channel.
	ChannelSize int
	// Idle timeout after which `OnTimeout` is called. Zero disables the
	// timeout entirely (the worker then only ever reacts to tasks).
	Timeout time.Duration
	// A closure that is called once `Timeout` is reached.
	OnTimeout func()
	// A closure that is executed upon reception of a task.
	OnTask func(T)
}

// Worker owns a single goroutine that executes tasks in submission order.
// Wrapping the channel in a struct lets the senders detect a closed worker
// without a panic (there is no elegant way to do it in Go otherwise).
type Worker[T any] struct {
	channel chan<- T
	mutex   sync.Mutex
	closed  bool
}

// Stop the worker unless already stopped.
func (w *Worker[T]) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.closed {
		close(w.channel)
		w.closed = true
	}
}

// Send a task to the worker. Never blocks: a full queue yields
// `ErrWorkerTooBusy`, a stopped worker `ErrWorkerClosed`.
func (w *Worker[T]) Send(task T) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return ErrWorkerClosed
	}

	select {
	case w.channel <- task:
		return nil
	default:
		return ErrWorkerTooBusy
	}
}

// Starts a worker goroutine that serializes the execution of incoming tasks
// and optionally fires `c.OnTimeout` when no task arrived for `c.Timeout`.
// The worker runs until `Stop` is called.
func StartWorker[T any](c WorkerConfig[T]) *Worker[T] {
	incoming := make(chan T, c.ChannelSize)

	go func() {
		for {
			// A nil timeout channel never fires, which is exactly what a
			// worker without an idle timeout wants.
			var timeout <-chan time.Time
			if c.Timeout > 0 {
				timeout = time.After(c.Timeout)
			}

			select {
			case task, ok := <-incoming:
				if !ok {
					return
				}
				c.OnTask(task)
			case <-timeout:
				c.OnTimeout()
			}
		}
	}()

	return &Worker[T]{incoming, sync.Mutex{}, false}
}
