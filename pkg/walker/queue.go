package walker

import "sync"

// stack is the LIFO work queue shared by the workers. pop blocks while the
// stack is empty but some worker may still push children.
type stack struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*node
	active int
	closed bool
}

func newStack() *stack {
	s := &stack{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *stack) push(n *node) {
	s.mu.Lock()
	s.items = append(s.items, n)
	depth := len(s.items)
	s.mu.Unlock()
	openaqWalkerQueueDepth.Set(float64(depth))
	s.cond.Signal()
}

// pop returns false once the stack is closed or drained with no work in
// progress.
func (s *stack) pop() (*node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.items) == 0 && s.active > 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed || len(s.items) == 0 {
		return nil, false
	}
	n := s.items[len(s.items)-1]
	s.items[len(s.items)-1] = nil
	s.items = s.items[:len(s.items)-1]
	s.active++
	openaqWalkerQueueDepth.Set(float64(len(s.items)))
	return n, true
}

// done ends the work started by a successful pop.
func (s *stack) done() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *stack) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// remaining returns the nodes that were never started.
func (s *stack) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
