package memqueue

import "github.com/smallnest/taskgraph/jobqueue"

// jobHeap orders pending jobs by NextRunAt ascending, grounded on the
// teacher example's priority-ordered taskHeap generalized from a static
// priority field to the lease/backoff-driven NextRunAt.
type jobHeap []*jobqueue.Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	return h[i].NextRunAt.Before(h[j].NextRunAt)
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) {
	*h = append(*h, x.(*jobqueue.Job))
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}
