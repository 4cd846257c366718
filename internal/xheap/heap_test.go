package xheap

import (
	"math/rand"
	"sort"
	"testing"
)

type intItem struct {
	v   int
	idx int
}

func (it *intItem) HeapIndex() int      { return it.idx }
func (it *intItem) SetHeapIndex(i int)  { it.idx = i }

func lessInt(a, b *intItem) bool { return a.v < b.v }

func TestPushPopOrder(t *testing.T) {
	h := New(lessInt)
	vals := []int{5, 3, 8, 1, 9, 2, 7, 4, 6, 0}
	items := make([]*intItem, len(vals))
	for i, v := range vals {
		items[i] = &intItem{v: v}
		h.Push(items[i])
	}
	var got []int
	for h.Len() > 0 {
		top, ok := h.Pop()
		if !ok {
			t.Fatal("pop on non-empty heap failed")
		}
		got = append(got, top.v)
	}
	want := append([]int(nil), vals...)
	sort.Ints(want)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch at %d: got %v want %v", i, got, want)
		}
	}
}

func TestRemoveArbitrary(t *testing.T) {
	h := New(lessInt)
	items := make([]*intItem, 0, 20)
	for i := 0; i < 20; i++ {
		it := &intItem{v: i}
		items = append(items, it)
		h.Push(it)
	}
	// remove a handful of interior elements by index, not just the root
	toRemove := []int{5, 11, 0, 19, 7}
	removed := map[int]bool{}
	for _, idx := range toRemove {
		h.Remove(items[idx])
		removed[items[idx].v] = true
	}
	if h.Len() != 20-len(toRemove) {
		t.Fatalf("len after remove = %d, want %d", h.Len(), 20-len(toRemove))
	}
	var last = -1
	for h.Len() > 0 {
		top, _ := h.Pop()
		if removed[top.v] {
			t.Fatalf("popped a removed value %d", top.v)
		}
		if top.v < last {
			t.Fatalf("heap order violated: %d before %d", last, top.v)
		}
		last = top.v
	}
}

func TestRandomizedAgainstSort(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		n := r.Intn(100)
		h := New(lessInt)
		vals := make([]int, n)
		for i := range vals {
			vals[i] = r.Intn(1000)
			h.Push(&intItem{v: vals[i]})
		}
		sort.Ints(vals)
		for i := 0; i < n; i++ {
			top, ok := h.Pop()
			if !ok || top.v != vals[i] {
				t.Fatalf("trial %d: position %d got %v want %v", trial, i, top.v, vals[i])
			}
		}
	}
}

func TestFixAfterKeyChange(t *testing.T) {
	h := New(lessInt)
	a := &intItem{v: 10}
	b := &intItem{v: 20}
	c := &intItem{v: 30}
	h.Push(a)
	h.Push(b)
	h.Push(c)
	c.v = 1
	h.Fix(c.HeapIndex())
	top, _ := h.Peek()
	if top != c {
		t.Fatalf("expected c to be at top after Fix, got v=%d", top.v)
	}
}
