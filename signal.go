package jobqueue

import (
	"sync"
	"time"
)

// signal fans in-process wakeups out to the idle consumer loops of a job type.
type signal struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func newSignal() *signal {
	return &signal{subs: make(map[string]map[chan struct{}]struct{})}
}

// subscribe returns a channel that receives at most one pending wakeup for
// jobType, and a func that releases it.
func (s *signal) subscribe(jobType string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	if s.subs[jobType] == nil {
		s.subs[jobType] = make(map[chan struct{}]struct{})
	}
	s.subs[jobType][ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.subs[jobType], ch)
		if len(s.subs[jobType]) == 0 {
			delete(s.subs, jobType)
		}
		s.mu.Unlock()
	}
}

func (s *signal) broadcast(jobType string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.subs[jobType] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *signal) broadcastAfter(jobType string, d time.Duration) {
	if d <= 0 {
		s.broadcast(jobType)
		return
	}
	time.AfterFunc(d, func() { s.broadcast(jobType) })
}
