package common_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/weirnet/weir/pkg/common"
)

func watchdogSetup(t *testing.T, onTimeout func()) *common.Watchdog {
	t.Helper()
	w := common.NewWatchdog(2*time.Second, onTimeout)

	t.Cleanup(func() {
		w.Close()
	})
	return w
}

func TestWatchdog_Start(t *testing.T) {
	w := watchdogSetup(t, func() {})
	terminated := w.Start()

	select {
	case <-terminated:
		t.Fatal("must terminate only after Close")
	default:
	}
}

func TestWatchdog_Close(t *testing.T) {
	w := watchdogSetup(t, func() {})
	terminated := w.Start()

	w.Close()
	assert.Empty(t, <-terminated)
}

func TestWatchdog_Notify(t *testing.T) {
	w := watchdogSetup(t, func() {})
	w.Start()

	assert.True(t, w.Notify())
	assert.True(t, w.Notify())

	w.Close()
	assert.False(t, w.Notify())

	// Close is idempotent.
	w.Close()
	assert.False(t, w.Notify())
}

func TestWatchdog_CloseBeforeStart(t *testing.T) {
	w := watchdogSetup(t, func() {})
	w.Close()
	assert.Empty(t, <-w.Start())
}

func TestWatchdog_Timeout(t *testing.T) {
	var fired atomic.Int32
	w := common.NewWatchdog(10*time.Millisecond, func() {
		fired.Add(1)
	})
	defer w.Close()

	w.Start()
	time.Sleep(100 * time.Millisecond)

	assert.Greater(t, fired.Load(), int32(0))
}

func TestWatchdog_Multithreading(t *testing.T) {
	w := watchdogSetup(t, func() {})
	w.Start()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Notify()
		}()
	}

	wg.Wait()
	w.Close()
	assert.False(t, w.Notify())
}
