package runner

import "sort"

// MemQueue is a pull-model priority queue, a direct port of ubl-runner-core's
// RunnerQueue: a sorted slice re-sorted on every enqueue rather than a heap,
// since queue depths in this domain are small and predictable ordering aids
// debugging.
type MemQueue struct {
	jobs       []*Job
	maxRetries int32
	deadLetter []*Job
}

func NewMemQueue(maxRetries int32) *MemQueue {
	return &MemQueue{maxRetries: maxRetries}
}

// Enqueue adds a job and re-sorts by priority descending, ties broken by
// CreatedAtNS ascending (older first), matching spec §4.10.
func (q *MemQueue) Enqueue(j *Job) {
	q.jobs = append(q.jobs, j)
	sort.SliceStable(q.jobs, func(i, k int) bool {
		if q.jobs[i].Priority != q.jobs[k].Priority {
			return q.jobs[i].Priority > q.jobs[k].Priority
		}
		return q.jobs[i].CreatedAtNS < q.jobs[k].CreatedAtNS
	})
}

// Dequeue removes and returns the highest-priority job, or nil if empty.
func (q *MemQueue) Dequeue() *Job {
	if len(q.jobs) == 0 {
		return nil
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j
}

// Requeue re-enqueues a failed job if it has retries remaining, else drops
// it to the dead letter list and returns false.
func (q *MemQueue) Requeue(j *Job) bool {
	if j.Retries >= q.maxRetries {
		q.deadLetter = append(q.deadLetter, j)
		return false
	}
	j.Retry()
	q.Enqueue(j)
	return true
}

func (q *MemQueue) Len() int           { return len(q.jobs) }
func (q *MemQueue) DeadLetter() []*Job { return q.deadLetter }
