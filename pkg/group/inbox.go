package group

import "sync"

// delivery is either a message or a view change. Exactly one of the fields is set.
type delivery struct {
	msg  *Message
	view *View
}

// inbox is the FIFO between the sequencer and a member's delivery goroutine. Pushing never blocks,
// so the sequencer can hand out deliveries while holding its lock.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []delivery
	closed bool
}

func newInbox() *inbox {
	in := &inbox{}
	in.cond = sync.NewCond(&in.mu)
	return in
}

func (in *inbox) push(d delivery) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return
	}
	in.items = append(in.items, d)
	in.cond.Signal()
}

// pop blocks until a delivery is available. It returns false once the inbox is closed.
func (in *inbox) pop() (delivery, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	for len(in.items) == 0 && !in.closed {
		in.cond.Wait()
	}
	if in.closed {
		return delivery{}, false
	}
	d := in.items[0]
	in.items[0] = delivery{}
	in.items = in.items[1:]
	return d, true
}

func (in *inbox) close() {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.closed = true
	in.items = nil
	in.cond.Broadcast()
}
