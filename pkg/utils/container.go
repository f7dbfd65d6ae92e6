package utils

import "container/heap"

// IntHeap is a min-heap of ints with typed convenience wrappers
// around container/heap.
type IntHeap []int

func NewIntHeap() *IntHeap {
	return &IntHeap{}
}

func (h IntHeap) Len() int           { return len(h) }
func (h IntHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h IntHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *IntHeap) Push(x any) {
	// Push and Pop use pointer receivers because they modify the slice's
	// length, not just its contents.
	*h = append(*h, x.(int))
}

func (h *IntHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// HPush inserts x keeping the heap ordered.
func (h *IntHeap) HPush(x int) {
	heap.Push(h, x)
}

// HPop removes and returns the smallest element.
func (h *IntHeap) HPop() int {
	return heap.Pop(h).(int)
}

// Top returns the smallest element without removing it.
func (h *IntHeap) Top() (int, bool) {
	if h.Len() == 0 {
		return 0, false
	}
	return (*h)[0], true
}
