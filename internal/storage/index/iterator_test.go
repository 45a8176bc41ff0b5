// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import "testing"

func TestIteratorVisitsEveryLiveHandle(t *testing.T) {
	t.Parallel()
	idx := NewHandleIndex(4)
	for id := uint64(0); id < 20; id++ {
		idx.Insert(handle(id))
	}
	idx.Remove(3)
	idx.Remove(11)

	seen := map[uint64]int{}
	for it := idx.NewIterator(); it.Next(); {
		seen[it.Handle().ID]++
	}
	if len(seen) != 18 {
		t.Errorf("Expected 18 handles, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("Handle %d visited %d times", id, n)
		}
		if id == 3 || id == 11 {
			t.Errorf("Removed handle %d was visited", id)
		}
	}
}

func TestIteratorReset(t *testing.T) {
	t.Parallel()
	idx := NewHandleIndex(2)
	idx.Insert(handle(7))

	it := idx.NewIterator()
	if !it.Next() || it.Handle().ID != 7 {
		t.Fatal("Expected to visit handle 7")
	}
	if it.Next() {
		t.Fatal("Expected end of iteration")
	}
	it.Reset()
	if !it.Next() || it.Handle().ID != 7 {
		t.Error("Expected Reset to rewind")
	}
}

func TestIteratorEmptyIndex(t *testing.T) {
	t.Parallel()
	if NewHandleIndex(8).NewIterator().Next() {
		t.Error("Expected no handles in an empty index")
	}
	if s := NewHandleIndex(8).Snapshot(); len(s) != 0 {
		t.Errorf("Expected empty snapshot, got %d", len(s))
	}
}
