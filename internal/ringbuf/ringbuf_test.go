package ringbuf_test

import (
	"testing"

	"github.com/momentics/fiberd/internal/ringbuf"
)

func TestPushPopFIFOOrder(t *testing.T) {
	b := ringbuf.New[int](4)
	b.Push(1)
	b.Push(2)
	b.Push(3)

	for _, want := range []int{1, 2, 3} {
		got, ok := b.Pop()
		if !ok || got != want {
			t.Fatalf("expected %d, got %d (ok=%v)", want, got, ok)
		}
	}
	if _, ok := b.Pop(); ok {
		t.Fatal("expected empty buffer")
	}
}

func TestPushGrowsPastInitialCapacity(t *testing.T) {
	b := ringbuf.New[int](2)
	for i := 0; i < 10; i++ {
		b.Push(i)
	}
	if b.Len() != 10 {
		t.Fatalf("expected 10 buffered entries, got %d", b.Len())
	}
	for i := 0; i < 10; i++ {
		got, ok := b.Pop()
		if !ok || got != i {
			t.Fatalf("expected %d, got %d (ok=%v)", i, got, ok)
		}
	}
}

func TestResetClearsBuffer(t *testing.T) {
	b := ringbuf.New[int](4)
	b.Push(1)
	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("expected 0 after reset, got %d", b.Len())
	}
}
