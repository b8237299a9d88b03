// internal/scheduler/queue.go
package scheduler

import (
	"container/heap"

	"github.com/valpere/ProxyHarvester/pkg/types"
)

// jobBefore orders jobs by priority DESC, then scheduled_at ASC, then
// created_at ASC.
func jobBefore(a, b *types.ValidationJob) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// jobQueue is a heap ordered by jobBefore. It is not safe for
// concurrent use; the scheduler's mutex guards it.
type jobQueue []*types.ValidationJob

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool { return jobBefore(q[i], q[j]) }

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x interface{}) {
	*q = append(*q, x.(*types.ValidationJob))
}

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return job
}

func (q *jobQueue) push(job *types.ValidationJob) { heap.Push(q, job) }

func (q *jobQueue) removeAt(i int) *types.ValidationJob {
	return heap.Remove(q, i).(*types.ValidationJob)
}
