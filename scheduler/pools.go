package scheduler

import (
	"github.com/emirpasic/gods/v2/lists/arraylist"

	"nanobatch/batch"
)

// fifo adapts gods/v2's arraylist.List to batch.Queue, generalizing the
// teacher's raw container/list pools (waiting/running as *list.List) into
// the three-priority-level, swap-aware pool set spec §4.6 needs. Grounded
// on the arraylist usage in ollama-ollama/readline/history.go
// (New[T]/Add/Get/Remove/Size).
type fifo struct {
	l *arraylist.List[batch.Item]
}

func newFIFO() *fifo { return &fifo{l: arraylist.New[batch.Item]()} }

func (f *fifo) Len() int { return f.l.Size() }

func (f *fifo) Peek() (batch.Item, bool) { return f.l.Get(0) }

func (f *fifo) PopFront() (batch.Item, bool) {
	it, ok := f.l.Get(0)
	if !ok {
		return batch.Item{}, false
	}
	f.l.Remove(0)
	return it, true
}

func (f *fifo) PushFront(it batch.Item) { f.l.Insert(0, it) }

func (f *fifo) PushBack(it batch.Item) { f.l.Add(it) }

// each iterates in front-to-back order. Used by preemption's victim scan.
func (f *fifo) each(fn func(i int, it batch.Item)) { f.l.Each(fn) }

// removeAt removes the item at index i, shifting later items forward.
func (f *fifo) removeAt(i int) { f.l.Remove(i) }
