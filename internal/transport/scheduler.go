package transport

import (
	"container/heap"
	"math"
)

type EntryID uint64

// Owner tags entries so a producer can cancel only its own registrations.
// The zero Owner belongs to nobody.
type Owner uint64

// Callback receives the exact scheduled transport time of the firing.
type Callback func(at float64)

// Entry is one scheduled callback, optionally self-renewing. Repeating
// entries fire at Start + n*Interval and stop before Until. The repetition
// count is fixed when the entry is added, so float rounding of Until never
// adds a firing on the boundary.
type Entry struct {
	ID       EntryID
	Owner    Owner
	FireAt   float64
	Start    float64
	Interval float64
	Until    float64
	Callback Callback

	n     int64
	limit int64
	seq   uint64
}

func (e Entry) Repeating() bool { return e.Interval > 0 }

// Repetition is the zero-based index of this firing.
func (e Entry) Repetition() int64 { return e.n }

// Scheduler is a min-queue of entries ordered by fire time, then by
// registration order. It never invokes callbacks itself.
type Scheduler struct {
	queue  entryQueue
	index  map[EntryID]*queued
	nextID EntryID
	seq    uint64
}

type queued struct {
	entry Entry
	pos   int
}

func NewScheduler() *Scheduler {
	return &Scheduler{index: map[EntryID]*queued{}}
}

// Add enqueues e and returns its id. A zero Until means unbounded.
func (s *Scheduler) Add(e Entry) EntryID {
	s.nextID++
	s.seq++
	e.ID = s.nextID
	e.seq = s.seq
	if e.Until == 0 {
		e.Until = math.Inf(1)
	}
	if e.Repeating() {
		e.limit = repetitions(e.Start, e.Interval, e.Until)
		e.FireAt = e.Start + float64(e.n)*e.Interval
		if e.n >= e.limit {
			return e.ID
		}
	} else if e.Start == 0 {
		e.Start = e.FireAt
	}
	s.push(e)
	return e.ID
}

// PopDue removes and returns the earliest entry firing before until. A
// repeating entry's next instance is queued before the due one is returned,
// so cancelling from inside its callback also drops the renewal.
func (s *Scheduler) PopDue(until float64) (Entry, bool) {
	if len(s.queue) == 0 || s.queue[0].entry.FireAt >= until {
		return Entry{}, false
	}
	q := heap.Pop(&s.queue).(*queued)
	delete(s.index, q.entry.ID)
	due := q.entry
	if due.Repeating() {
		next := due
		next.n++
		next.FireAt = next.Start + float64(next.n)*next.Interval
		if next.n < next.limit {
			s.push(next)
		}
	}
	return due, true
}

// gridEpsilon absorbs float error when counting whole intervals in a span.
const gridEpsilon = 1e-9

// repetitions is how many firings of start + n*interval fall strictly
// before until.
func repetitions(start, interval, until float64) int64 {
	if math.IsInf(until, 1) {
		return math.MaxInt64
	}
	n := (until - start) / interval
	if n <= 0 {
		return 0
	}
	return int64(math.Ceil(n * (1 - gridEpsilon)))
}

// Peek returns the next fire time without removing anything.
func (s *Scheduler) Peek() (float64, bool) {
	if len(s.queue) == 0 {
		return 0, false
	}
	return s.queue[0].entry.FireAt, true
}

func (s *Scheduler) Cancel(id EntryID) bool {
	q, ok := s.index[id]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, q.pos)
	delete(s.index, id)
	return true
}

func (s *Scheduler) CancelOwner(owner Owner) int {
	var ids []EntryID
	for id, q := range s.index {
		if q.entry.Owner == owner {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		s.Cancel(id)
	}
	return len(ids)
}

func (s *Scheduler) CancelAll() int {
	n := len(s.queue)
	s.queue = s.queue[:0]
	clear(s.index)
	return n
}

func (s *Scheduler) Len() int { return len(s.queue) }

// Pending reports whether id is still queued.
func (s *Scheduler) Pending(id EntryID) bool {
	_, ok := s.index[id]
	return ok
}

func (s *Scheduler) push(e Entry) {
	q := &queued{entry: e}
	heap.Push(&s.queue, q)
	s.index[e.ID] = q
}

type entryQueue []*queued

func (q entryQueue) Len() int { return len(q) }

func (q entryQueue) Less(i, j int) bool {
	a, b := q[i].entry, q[j].entry
	if a.FireAt != b.FireAt {
		return a.FireAt < b.FireAt
	}
	return a.seq < b.seq
}

func (q entryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].pos = i
	q[j].pos = j
}

func (q *entryQueue) Push(x any) {
	item := x.(*queued)
	item.pos = len(*q)
	*q = append(*q, item)
}

func (q *entryQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
