package history

import (
	"container/heap"

	"github.com/nidhogg/ember/internal/avatar"
)

// entry is a retained mark plus its heap position.
type entry struct {
	mark  avatar.HistoryMark
	index int
}

// markHeap is a min-heap ordered by salience, oldest first on ties, so the
// root is always the next mark to evict.
type markHeap []*entry

var _ heap.Interface = (*markHeap)(nil)

func (h markHeap) Len() int { return len(h) }

func (h markHeap) Less(i, j int) bool {
	return lowerRank(h[i].mark, h[j].mark)
}

func (h markHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *markHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *markHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// lowerRank reports whether a should be evicted before b.
func lowerRank(a, b avatar.HistoryMark) bool {
	if a.Salience != b.Salience {
		return a.Salience < b.Salience
	}
	return a.Seq < b.Seq
}
