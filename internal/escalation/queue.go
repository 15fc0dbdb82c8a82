package escalation

import (
	"time"

	"github.com/ent0n29/humantasks/internal/definition"
)

type entry struct {
	instanceID string
	deadlineID string
	kind       definition.DeadlineKind
	due        time.Time
	repeat     time.Duration
	index      int
}

// deadlineQueue is a container/heap min-heap ordered by due time.
type deadlineQueue []*entry

func (q deadlineQueue) Len() int { return len(q) }

func (q deadlineQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		if q[i].instanceID == q[j].instanceID {
			return q[i].deadlineID < q[j].deadlineID
		}
		return q[i].instanceID < q[j].instanceID
	}
	return q[i].due.Before(q[j].due)
}

func (q deadlineQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *deadlineQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *deadlineQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
