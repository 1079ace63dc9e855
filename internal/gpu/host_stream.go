package gpu

import (
	"sync"

	"github.com/eapache/queue"
)

// streamOp is one unit of work on a hostStream. Copies return their own
// status; callbacks return ResultSuccess.
type streamOp struct {
	run      func(status Result) Result
	callback bool
}

// hostStream runs enqueued operations in FIFO order on a single goroutine.
//
// Two statuses are kept. status is the first failure since the last
// synchronize and is what StreamSynchronize reports. sinceCallback is the
// first failure since the previous callback ran, so a callback only sees
// failures of the work enqueued between it and the callback before it.
type hostStream struct {
	mu            sync.Mutex
	cond          *sync.Cond
	ops           *queue.Queue
	busy          bool
	closed        bool
	status        Result
	sinceCallback Result
	done          chan struct{}
}

func newHostStream() *hostStream {
	s := &hostStream{
		ops:  queue.New(),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *hostStream) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for s.ops.Length() == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.ops.Length() == 0 {
			s.mu.Unlock()
			return
		}
		op := s.ops.Remove().(streamOp)
		var status Result
		if op.callback {
			status = s.sinceCallback
			s.sinceCallback = ResultSuccess
		}
		s.busy = true
		s.mu.Unlock()

		res := op.run(status)

		s.mu.Lock()
		if res != ResultSuccess {
			if s.status == ResultSuccess {
				s.status = res
			}
			if s.sinceCallback == ResultSuccess {
				s.sinceCallback = res
			}
		}
		s.busy = false
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

func (s *hostStream) enqueue(op streamOp) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.ops.Add(op)
	s.cond.Broadcast()
	return true
}

// synchronize waits for the queue to drain and returns, then clears, the
// recorded status.
func (s *hostStream) synchronize() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.ops.Length() > 0 || s.busy {
		s.cond.Wait()
	}
	status := s.status
	s.status = ResultSuccess
	return status
}

// close drains pending work and stops the worker.
func (s *hostStream) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.done
}
