package host

import (
	"container/heap"
)

// timer is one armed logical-clock callback. seq breaks deadline ties
// in arming order so firing is deterministic under replay.
type timer struct {
	deadline int64
	seq      uint64
	fn       func()
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x interface{}) {
	*h = append(*h, x.(*timer))
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// scheduler is the substrate's logical timer wheel. Deadlines are
// expressed on the logical clock, so firing depends only on the commit
// stream and replays identically on every replica.
type scheduler struct {
	timers  timerHeap
	nextSeq uint64
}

func (s *scheduler) schedule(now int64, delayMS int64, fn func()) {
	s.nextSeq++
	heap.Push(&s.timers, &timer{deadline: now + delayMS, seq: s.nextSeq, fn: fn})
}

// fire runs every callback whose deadline has passed, in deadline then
// arming order.
func (s *scheduler) fire(now int64) {
	for len(s.timers) > 0 && s.timers[0].deadline <= now {
		t := heap.Pop(&s.timers).(*timer)
		t.fn()
	}
}
