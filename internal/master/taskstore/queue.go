package taskstore

import (
	"container/heap"
	"slices"
)

// entry is one pending task in the heap. seq is the submission sequence and
// breaks priority ties explicitly (earlier submission first).
type entry struct {
	id       string
	priority int
	seq      uint64
}

func before(a, b entry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

// pendingQueue is a max-heap on (priority desc, seq asc).
type pendingQueue []entry

func (q pendingQueue) Len() int           { return len(q) }
func (q pendingQueue) Less(i, j int) bool { return before(q[i], q[j]) }
func (q pendingQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *pendingQueue) Push(x any) { *q = append(*q, x.(entry)) }

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

func (q *pendingQueue) push(e entry) { heap.Push(q, e) }

func (q *pendingQueue) pop() (entry, bool) {
	if q.Len() == 0 {
		return entry{}, false
	}
	return heap.Pop(q).(entry), true
}

// ids returns the pending identities in dispatch order without mutating the heap.
func (q pendingQueue) ids() []string {
	sorted := slices.Clone(q)
	slices.SortFunc(sorted, func(a, b entry) int {
		if before(a, b) {
			return -1
		}
		if before(b, a) {
			return 1
		}
		return 0
	})
	out := make([]string, len(sorted))
	for i, e := range sorted {
		out[i] = e.id
	}
	return out
}
