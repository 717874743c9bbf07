package common

import (
	"errors"
	"sync/atomic"
)

var ErrSinkSealed = errors.New("the sink is sealed")

// SinkWithSender couples a shared message sink with the identity of a single
// producer, so the producer does not pass its own ID on every send and, more
// importantly, cannot impersonate anyone else: the sender identity is fixed at
// construction time.
type SinkWithSender[SenderType comparable, MessageType any] struct {
	// The fixed identity stamped on every message sent through this sink.
	sender SenderType
	// The shared sink the messages are delivered to.
	messageSink chan<- Message[SenderType, MessageType]
	// Sealing is a close-like signal that does not close the underlying
	// channel: the channel is shared between producers, so an actual close
	// from one of them would panic the others mid-send.
	sealed        chan struct{}
	alreadySealed atomic.Bool
}

// Creates a new sink bound to the given sender identity. The underlying
// channel is owned by the consumer; the sink never closes it.
func NewSink[S comparable, M any](sender S, messageSink chan<- Message[S, M]) *SinkWithSender[S, M] {
	return &SinkWithSender[S, M]{
		sender:      sender,
		messageSink: messageSink,
		sealed:      make(chan struct{}),
	}
}

// Sends a message to the sink. Blocks if the sink is full.
func (s *SinkWithSender[S, M]) Send(message M) error {
	if s.alreadySealed.Load() {
		return ErrSinkSealed
	}

	messageWithSender := Message[S, M]{
		Sender:  s.sender,
		Content: message,
	}

	select {
	case <-s.sealed:
		return ErrSinkSealed
	case s.messageSink <- messageWithSender:
		return nil
	}
}

// Seals the sink: any `Send` that starts after `Seal` returns fails with
// `ErrSinkSealed`. A send already blocked on a ready consumer may still be
// delivered; sealing guarantees no *new* sends, not a flush barrier.
func (s *SinkWithSender[S, M]) Seal() {
	if !s.alreadySealed.CompareAndSwap(false, true) {
		return
	}

	select {
	case <-s.sealed:
		return
	default:
		close(s.sealed)
	}
}

// Message as seen by the consumer of the shared sink: the payload tagged with
// the identity of whoever produced it.
type Message[SenderType comparable, MessageType any] struct {
	Sender  SenderType
	Content MessageType
}
