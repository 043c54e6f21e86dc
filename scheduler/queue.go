package scheduler

import "container/heap"

// requestQueue orders pending work by priority, highest first. Ties break on
// the monotonic enqueue sequence so equal priorities stay strictly FIFO.
// Only ever touched under the scheduler lock.
type requestQueue []*workItem

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
}

func (q *requestQueue) Push(x any) {
	*q = append(*q, x.(*workItem))
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*q = old[0 : n-1]
	return item
}

func (q *requestQueue) push(it *workItem) {
	heap.Push(q, it)
}

func (q *requestQueue) pop() *workItem {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*workItem)
}
