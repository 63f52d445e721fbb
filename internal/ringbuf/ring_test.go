package ringbuf

import "testing"

func TestPushPopOrder(t *testing.T) {
	r := New[int](4)

	r.Push(1)
	r.Push(2)
	r.Push(3)

	if r.Len() != 3 {
		t.Fatalf("expected len 3, got %d", r.Len())
	}
	if v := r.Pop(); v != 1 {
		t.Fatalf("expected 1, got %d", v)
	}
	if v := r.Pop(); v != 2 {
		t.Fatalf("expected 2, got %d", v)
	}
	if r.Len() != 1 {
		t.Fatalf("expected len 1, got %d", r.Len())
	}
}

func TestGrowBeyondCapacity(t *testing.T) {
	r := New[int](2)

	for i := 0; i < 10; i++ {
		r.Push(i)
	}
	if r.Len() != 10 {
		t.Fatalf("expected len 10, got %d", r.Len())
	}
	for i := 0; i < 10; i++ {
		if v := r.Pop(); v != i {
			t.Fatalf("expected %d, got %d", i, v)
		}
	}
}

func TestItemAndSetItem(t *testing.T) {
	r := New[string](4)
	r.Push("a")
	r.Push("b")
	r.Push("c")

	if r.Item(1) != "b" {
		t.Fatalf("expected b, got %s", r.Item(1))
	}
	r.SetItem(1, "z")
	if r.Item(1) != "z" {
		t.Fatalf("expected z after SetItem, got %s", r.Item(1))
	}
}

func TestClear(t *testing.T) {
	r := New[int](4)
	r.Push(1)
	r.Push(2)
	r.Clear()

	if !r.Empty() {
		t.Fatalf("expected empty after Clear")
	}
	r.Push(9)
	if r.Front() != 9 {
		t.Fatalf("expected 9 after Clear+Push, got %d", r.Front())
	}
}

func TestFrontOnEmptyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on Front of empty ring")
		}
	}()
	New[int](1).Front()
}
