package heap

import (
	"testing"

	"github.com/kristofer/tsmalltalk/pkg/object"
)

func newTestHeap(t *testing.T) (*Heap, object.Ref) {
	t.Helper()
	h := New(Config{InitialSize: 4}, 8)
	class := h.StaticAllocate(0, 0) // a stand-in class object; its own class is irrelevant here
	return h, class
}

// TestCollectPreservesReachableGraph exercises spec.md §8.7: every
// reachable object survives a collection with the same class and the
// same body, up to recursive pointer rewriting.
func TestCollectPreservesReachableGraph(t *testing.T) {
	h, class := newTestHeap(t)

	leaf, _, err := h.Allocate(class, 1)
	if err != nil {
		t.Fatalf("allocate leaf: %v", err)
	}
	root, _, err := h.Allocate(class, 2)
	if err != nil {
		t.Fatalf("allocate root: %v", err)
	}
	object.SetField(h, root, 0, leaf)
	five, err := object.NewSmallInteger(5)
	if err != nil {
		t.Fatal(err)
	}
	object.SetField(h, root, 1, five)

	handle := h.NewHandle(root)
	defer handle.Release()

	// Force enough allocations to guarantee at least one collection,
	// then collect explicitly too.
	for i := 0; i < 16; i++ {
		if _, _, err := h.Allocate(class, 1); err != nil {
			t.Fatalf("filler allocate: %v", err)
		}
	}
	h.Collect()

	newRoot := handle.Ref()
	if object.ClassOf(h, newRoot) != class {
		t.Fatalf("root class changed across collection")
	}
	if object.Size(h, newRoot) != 2 {
		t.Fatalf("root size changed across collection: got %d", object.Size(h, newRoot))
	}
	newLeaf := object.Field(h, newRoot, 0)
	if object.ClassOf(h, newLeaf) != class {
		t.Fatalf("leaf class changed across collection")
	}
	if got := object.Field(h, newRoot, 1); got != five {
		t.Fatalf("tagged integer field should be a fixed point, got %v want %v", got, five)
	}
}

// TestAllocsBeyondCollectionResets verifies the observable allocation
// counter spec.md §4.B describes is reset by a collection.
func TestAllocsBeyondCollectionResets(t *testing.T) {
	h, class := newTestHeap(t)
	if _, _, err := h.Allocate(class, 1); err != nil {
		t.Fatal(err)
	}
	if h.AllocsBeyondCollection() == 0 {
		t.Fatalf("expected a nonzero alloc count before collection")
	}
	h.Collect()
	if h.AllocsBeyondCollection() != 0 {
		t.Fatalf("expected alloc count reset after collection, got %d", h.AllocsBeyondCollection())
	}
}

// TestOnCollectFires verifies the method-cache-invalidation hook from
// spec.md §4.I/§8.8 is invoked on every collection.
func TestOnCollectFires(t *testing.T) {
	h, class := newTestHeap(t)
	fired := 0
	h.OnCollect(func() { fired++ })
	if _, _, err := h.Allocate(class, 1); err != nil {
		t.Fatal(err)
	}
	h.Collect()
	h.Collect()
	if fired != 2 {
		t.Fatalf("expected OnCollect to fire twice, got %d", fired)
	}
}

// TestHandleSurvivesMultipleCollections ensures a Handle keeps pointing
// at a live object across several collection cycles, the core contract
// client code relies on instead of pinning.
func TestHandleSurvivesMultipleCollections(t *testing.T) {
	h, class := newTestHeap(t)
	ref, _, err := h.Allocate(class, 0)
	if err != nil {
		t.Fatal(err)
	}
	handle := h.NewHandle(ref)
	defer handle.Release()

	for i := 0; i < 3; i++ {
		h.Collect()
		if object.ClassOf(h, handle.Ref()) != class {
			t.Fatalf("handle lost its object after collection %d", i)
		}
	}
}

func TestGenerationalPromotesSurvivors(t *testing.T) {
	g := NewGenerational(Config{InitialSize: 4}, 8)
	class := g.StaticAllocate(0, 0)

	ref, _, err := g.Heap.allocate(class, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	handle := g.NewHandle(ref)
	defer handle.Release()

	g.MinorCollect()

	if _, ok := indexInOldGen(handle.Ref()); !ok {
		t.Fatalf("expected survivor to be promoted into the old generation")
	}
	if object.ClassOf(g, handle.Ref()) != class {
		t.Fatalf("promoted object lost its class")
	}
}
