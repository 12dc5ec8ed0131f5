package sched

import (
	"github.com/nucleus-os/nucleus/kernel/kerr"
	"github.com/nucleus-os/nucleus/kernel/proc"
)

// readyQueue is the bounded FIFO of processes awaiting the CPU. Insertion
// order is scheduling order.
type readyQueue struct {
	items    []*proc.PCB
	capacity int
}

func newReadyQueue(capacity int) *readyQueue {
	return &readyQueue{capacity: capacity}
}

func (q *readyQueue) push(p *proc.PCB) error {
	if len(q.items) >= q.capacity {
		return kerr.Wrapf(kerr.ErrScheduleQueueFull, "capacity %d", q.capacity)
	}
	q.items = append(q.items, p)
	return nil
}

func (q *readyQueue) pop() (*proc.PCB, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p, true
}

func (q *readyQueue) remove(pid proc.PID) bool {
	for i, p := range q.items {
		if p.PID == pid {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *readyQueue) len() int { return len(q.items) }

func (q *readyQueue) full() bool { return len(q.items) >= q.capacity }
