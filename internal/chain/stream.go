package chain

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamClosed is returned by TransferStream.Next after the monitor has
// been disconnected and the queue drained.
var ErrStreamClosed = errors.New("chain: transfer stream closed")

// TransferStream is a pull-based view over the monitor's event pipeline.
// Events queue in arrival order; each event goes to exactly one reader no
// matter how many call Next concurrently. The stream is infinite and
// non-restartable: it ends only when the monitor disconnects.
type TransferStream struct {
	mu      sync.Mutex
	queue   []TransferEvent
	waiters []chan TransferEvent // parked readers, FIFO
	closed  bool
}

func newTransferStream() *TransferStream {
	return &TransferStream{}
}

// push hands an event to the oldest parked reader, or enqueues it.
func (s *TransferStream) push(ev TransferEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		w <- ev // buffered, never blocks
		return
	}
	s.queue = append(s.queue, ev)
}

// Next blocks until an event is available, the context is done, or the stream
// is closed. Queued events are drained before ErrStreamClosed is reported.
func (s *TransferStream) Next(ctx context.Context) (TransferEvent, error) {
	s.mu.Lock()
	if len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		return ev, nil
	}
	if s.closed {
		s.mu.Unlock()
		return TransferEvent{}, ErrStreamClosed
	}

	w := make(chan TransferEvent, 1)
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case ev, ok := <-w:
		if !ok {
			return TransferEvent{}, ErrStreamClosed
		}
		return ev, nil
	case <-ctx.Done():
		s.abandon(w)
		// An event may have raced into the buffer; put it back at the head so
		// no event is lost.
		select {
		case ev := <-w:
			s.mu.Lock()
			s.queue = append([]TransferEvent{ev}, s.queue...)
			s.mu.Unlock()
		default:
		}
		return TransferEvent{}, ctx.Err()
	}
}

// abandon removes a parked reader after cancellation.
func (s *TransferStream) abandon(w chan TransferEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cand := range s.waiters {
		if cand == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// close releases every parked reader. Already-queued events stay readable.
func (s *TransferStream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}
