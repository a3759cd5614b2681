package scheduler

// task is a unit of deferred work. It is consumed exactly once.
type task struct {
	id      TaskID
	execute TaskFunc
	input   any
}

// taskQueue is a FIFO of pending tasks. Not safe for concurrent use; the
// scheduler guards it with its own mutex.
type taskQueue struct {
	items []*task
	head  int
}

func (q *taskQueue) push(t *task) {
	q.items = append(q.items, t)
}

func (q *taskQueue) pop() *task {
	if q.head >= len(q.items) {
		return nil
	}
	t := q.items[q.head]
	q.items[q.head] = nil
	q.head++

	// compact once the consumed prefix dominates the backing array
	if q.head > 32 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return t
}

func (q *taskQueue) len() int {
	return len(q.items) - q.head
}
