package common

import (
	"sync"
	"time"
)

// Watchdog invokes a callback whenever no activity has been reported for the
// configured timeout. Media ingest loops use it to notice stalled tracks.
type Watchdog struct {
	timeout   time.Duration
	onTimeout func()

	mutex sync.Mutex
	// The channel activity is reported on. Closing it stops the loop; the
	// mutex guards the close so that `Notify` never sends on a closed channel.
	incoming chan struct{}
	closed   bool
}

func NewWatchdog(timeout time.Duration, onTimeout func()) *Watchdog {
	return &Watchdog{
		timeout:   timeout,
		onTimeout: onTimeout,
		incoming:  make(chan struct{}, UnboundedChannelSize),
	}
}

// Start launches the timeout loop. The returned channel is closed once the
// loop has terminated, i.e. after `Close` was called and observed.
func (w *Watchdog) Start() chan struct{} {
	terminated := make(chan struct{})

	go func() {
		defer close(terminated)

		for {
			select {
			case _, ok := <-w.incoming:
				if !ok {
					return
				}
			case <-time.After(w.timeout):
				w.onTimeout()
			}
		}
	}()

	return terminated
}

// Notify reports activity, resetting the timeout. Returns `false` if the
// watchdog is already closed.
func (w *Watchdog) Notify() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return false
	}

	w.incoming <- struct{}{}
	return true
}

// Close stops the watchdog. Safe to call multiple times.
func (w *Watchdog) Close() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.closed {
		close(w.incoming)
		w.closed = true
	}
}
