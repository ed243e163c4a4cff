// Package queue provides the in-memory priority queue over tasks in the
// queued status. Ordering is by priority (descending), ties broken by
// enqueue sequence (ascending), which gives strict FIFO within a priority
// band and deterministic dispatch order. The queue is derived state: it is
// rebuilt from store rows on startup and never persisted itself.
package queue

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/evecore/taskforge/internal/domain/task"
)

// Entry is one queued task. NotBefore delays visibility to the dispatcher
// (retry backoff); an entry still counts as queued while it is hidden.
type Entry struct {
	TaskID    string
	Type      task.Type
	Priority  task.Priority
	Seq       uint64
	NotBefore time.Time

	index int // heap index, maintained by entries
}

// before reports whether e dispatches ahead of other.
func (e *Entry) before(other *Entry) bool {
	if e.Priority != other.Priority {
		return e.Priority > other.Priority
	}
	return e.Seq < other.Seq
}

// entries implements heap.Interface.
type entries []*Entry

func (h entries) Len() int            { return len(h) }
func (h entries) Less(i, j int) bool  { return h[i].before(h[j]) }
func (h entries) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entries) Push(x any)         { e := x.(*Entry); e.index = len(*h); *h = append(*h, e) }
func (h *entries) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is a concurrency-safe priority queue of task entries.
type Queue struct {
	mu     sync.Mutex
	heap   entries
	byTask map[string]*Entry
	seq    uint64
	wake   chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		byTask: make(map[string]*Entry),
		wake:   make(chan struct{}, 1),
	}
}

// Wake returns a channel that receives a signal whenever an entry is
// pushed. Signals are coalesced; the dispatcher drains it alongside its
// ticker.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Push enqueues a task. A task re-entering after a failed attempt receives
// a fresh sequence number, sending it to the back of its priority band.
// Pushing a task that is already queued is a no-op.
func (q *Queue) Push(taskID string, typ task.Type, prio task.Priority, notBefore time.Time) {
	q.mu.Lock()
	if _, ok := q.byTask[taskID]; ok {
		q.mu.Unlock()
		return
	}
	q.seq++
	e := &Entry{
		TaskID:    taskID,
		Type:      typ,
		Priority:  prio,
		Seq:       q.seq,
		NotBefore: notBefore,
	}
	heap.Push(&q.heap, e)
	q.byTask[taskID] = e
	q.mu.Unlock()

	q.notify()
}

// PopNext removes and returns the first entry in dispatch order that is
// visible at now and whose task type the eligible predicate accepts.
// Entries skipped over keep their place. Returns nil when nothing matches.
//
// The predicate is how the dispatcher avoids head-of-line blocking: a
// band of tasks whose worker pool is saturated is skipped, letting tasks
// of other types through.
func (q *Queue) PopNext(now time.Time, eligible func(task.Type) bool) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []*Entry
	var found *Entry

	for q.heap.Len() > 0 {
		e := heap.Pop(&q.heap).(*Entry)
		if !e.NotBefore.After(now) && eligible(e.Type) {
			found = e
			break
		}
		skipped = append(skipped, e)
	}

	for _, e := range skipped {
		heap.Push(&q.heap, e)
	}
	if found != nil {
		delete(q.byTask, found.TaskID)
	}
	return found
}

// Remove deletes a task's entry, if present. Used on cancel.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byTask[taskID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byTask, taskID)
	return true
}

// Reprioritize changes a queued task's priority in place, keeping its
// original sequence number. An update is not a retry, so the task does
// not lose its FIFO position within the new band.
func (q *Queue) Reprioritize(taskID string, prio task.Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byTask[taskID]
	if !ok {
		return false
	}
	e.Priority = prio
	heap.Fix(&q.heap, e.index)
	return true
}

// Contains reports whether the task is currently queued.
func (q *Queue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byTask[taskID]
	return ok
}

// PositionOf returns the 1-based rank of the task in dispatch order,
// recomputed on demand. ok is false if the task is not queued.
func (q *Queue) PositionOf(taskID string) (pos int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, found := q.byTask[taskID]
	if !found {
		return 0, false
	}
	pos = 1
	for _, other := range q.heap {
		if other != e && other.before(e) {
			pos++
		}
	}
	return pos, true
}

// Len returns the number of queued entries, including hidden ones.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Heads returns up to n entries in dispatch order without removing them.
func (q *Queue) Heads(n int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	sorted := make([]*Entry, len(q.heap))
	copy(sorted, q.heap)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].before(sorted[j]) })

	if n > len(sorted) {
		n = len(sorted)
	}
	out := make([]Entry, n)
	for i := range out {
		out[i] = *sorted[i]
	}
	return out
}

// Types returns the distinct task types currently queued.
func (q *Queue) Types() []task.Type {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[task.Type]struct{})
	var types []task.Type
	for _, e := range q.heap {
		if _, ok := seen[e.Type]; !ok {
			seen[e.Type] = struct{}{}
			types = append(types, e.Type)
		}
	}
	return types
}
