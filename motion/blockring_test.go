package motion

import "testing"

func TestBlockRingFIFOAndCapacity(t *testing.T) {
	r := NewBlockRing(2)
	b1, b2, b3 := &Block{Millimeters: 1}, &Block{Millimeters: 2}, &Block{Millimeters: 3}

	if !r.Push(b1) || !r.Push(b2) {
		t.Fatal("expected room for two blocks in a capacity-2 ring")
	}
	if r.Push(b3) {
		t.Fatal("Push on a full ring must return false")
	}
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}

	got, ok := r.CurrentBlock()
	if !ok || got != b1 {
		t.Fatal("CurrentBlock should be the first pushed block")
	}

	r.DiscardCurrentBlock()
	if r.Len() != 1 {
		t.Fatalf("Len() after discard = %d, want 1", r.Len())
	}
	got, ok = r.CurrentBlock()
	if !ok || got != b2 {
		t.Fatal("CurrentBlock after discarding the first block should be the second")
	}

	if !r.Push(b3) {
		t.Fatal("Push should succeed once a slot has been freed by DiscardCurrentBlock")
	}
}

func TestBlockRingGetByIndexOutOfRange(t *testing.T) {
	r := NewBlockRing(4)
	r.Push(&Block{Millimeters: 1})

	if _, ok := r.GetBlockByIndex(5); ok {
		t.Error("GetBlockByIndex must report false for an index the ring hasn't filled")
	}
	if _, ok := r.GetBlockByIndex(0); !ok {
		t.Error("GetBlockByIndex(0) should find the just-pushed block")
	}
}

func TestBlockRingRecomputeTailRejectsConsumedIndex(t *testing.T) {
	r := NewBlockRing(4)
	r.Push(&Block{Millimeters: 1})
	r.DiscardCurrentBlock()

	if r.RecomputeTail(0, func(b *Block) { b.Millimeters = 99 }) {
		t.Error("RecomputeTail must refuse to touch an already-discarded index")
	}
}
