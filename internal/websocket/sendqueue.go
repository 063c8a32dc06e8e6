package websocket

import (
	"sync"

	"github.com/eapache/queue"
)

// outgoing is a run of encoded frames written in one go. done, when set,
// receives the write result.
type outgoing struct {
	data    []byte
	done    chan error
	closing bool
}

// sendQueue is the unbounded FIFO between senders and the write pump.
// After a close frame is queued it accepts nothing further.
type sendQueue struct {
	mu      sync.Mutex
	q       *queue.Queue
	closing bool
	closed  bool
	notify  chan struct{}
}

func newSendQueue() *sendQueue {
	return &sendQueue{
		q:      queue.New(),
		notify: make(chan struct{}, 1),
	}
}

func (s *sendQueue) push(o *outgoing) bool {
	s.mu.Lock()
	if s.closed || s.closing {
		s.mu.Unlock()
		return false
	}
	if o.closing {
		s.closing = true
	}
	s.q.Add(o)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *sendQueue) pop() *outgoing {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q.Length() == 0 {
		return nil
	}
	return s.q.Remove().(*outgoing)
}

// close rejects further pushes and returns whatever was still queued.
func (s *sendQueue) close() []*outgoing {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	var rest []*outgoing
	for s.q.Length() > 0 {
		rest = append(rest, s.q.Remove().(*outgoing))
	}
	return rest
}
