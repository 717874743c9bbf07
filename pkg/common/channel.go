package common

import "sync/atomic"

// Creates a channel split into its two ends: a `Sender` that can only send and
// a `Receiver` that can only receive. Unlike a plain Go channel, the receiving
// side may mark the channel as closed, after which `Send` hands the message
// back to the caller instead of blocking on a reader that will never come.
func NewChannel[M any]() (Sender[M], Receiver[M]) {
	channel := make(chan M, 128)
	closed := &atomic.Bool{}
	sender := Sender[M]{channel, closed}
	receiver := Receiver[M]{channel, closed}
	return sender, receiver
}

type Sender[M any] struct {
	channel        chan<- M
	receiverClosed *atomic.Bool
}

// Send delivers the message unless the receiver already closed its end, in
// which case the undelivered message is returned to the caller.
func (s *Sender[M]) Send(message M) *M {
	if s.receiverClosed.Load() {
		return &message
	}

	s.channel <- message
	return nil
}

type Receiver[M any] struct {
	Channel        <-chan M
	receiverClosed *atomic.Bool
}

// Close marks the receiving end as closed. Senders observe it on their next
// `Send`. The underlying channel is deliberately left open: multiple producers
// may still be mid-send and closing it under them would panic.
func (r *Receiver[M]) Close() {
	r.receiverClosed.Store(true)
}
