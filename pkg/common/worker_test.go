package common_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/weirnet/weir/pkg/common"
)

func TestWorker_TasksInOrder(t *testing.T) {
	received := make(chan int, 16)
	w := common.StartWorker(common.WorkerConfig[int]{
		ChannelSize: 16,
		OnTask:      func(task int) { received <- task },
	})
	defer w.Stop()

	for i := 0; i < 5; i++ {
		assert.NoError(t, w.Send(i))
	}

	for i := 0; i < 5; i++ {
		select {
		case got := <-received:
			assert.Equal(t, i, got)
		case <-time.After(time.Second):
			t.Fatal("task not executed in time")
		}
	}
}

func TestWorker_TooBusy(t *testing.T) {
	block := make(chan struct{})
	w := common.StartWorker(common.WorkerConfig[int]{
		ChannelSize: 1,
		OnTask:      func(int) { <-block },
	})
	defer func() {
		close(block)
		w.Stop()
	}()

	// First task occupies the worker, second fills the queue. Depending on
	// how fast the worker goroutine picks up the first one, a third send may
	// still fit, but the fourth cannot.
	_ = w.Send(1)
	_ = w.Send(2)
	_ = w.Send(3)
	err := w.Send(4)
	assert.ErrorIs(t, err, common.ErrWorkerTooBusy)
}

func TestWorker_SendAfterStop(t *testing.T) {
	w := common.StartWorker(common.WorkerConfig[int]{
		ChannelSize: 4,
		OnTask:      func(int) {},
	})

	w.Stop()
	assert.ErrorIs(t, w.Send(1), common.ErrWorkerClosed)

	// Stop is idempotent.
	w.Stop()
	assert.ErrorIs(t, w.Send(2), common.ErrWorkerClosed)
}

func TestWorker_IdleTimeout(t *testing.T) {
	timedOut := make(chan struct{}, 4)
	w := common.StartWorker(common.WorkerConfig[struct{}]{
		ChannelSize: 1,
		Timeout:     5 * time.Millisecond,
		OnTimeout:   func() { timedOut <- struct{}{} },
		OnTask:      func(struct{}) {},
	})
	defer w.Stop()

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("idle timeout never fired")
	}
}

func BenchmarkWorker_Send(b *testing.B) {
	w := common.StartWorker(common.WorkerConfig[struct{}]{
		ChannelSize: 1024,
		Timeout:     2 * time.Second,
		OnTimeout:   func() {},
		OnTask:      func(struct{}) {},
	})
	defer w.Stop()

	for n := 0; n < b.N; n++ {
		_ = w.Send(struct{}{})
	}
}
