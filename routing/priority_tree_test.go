// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"testing"

	"github.com/dtn7/ehsrouter-go/bundle"
)

func TestPriorityTreeCompositeOrdering(t *testing.T) {
	pt := NewPriorityTree()

	// insertion order must not matter for composite priority order
	low := pairBundle(1, 10, 20, bundle.Bulk)
	high := pairBundle(2, 10, 20, bundle.Expedited)

	pt.Insert(low)
	pt.Insert(high)

	if b := pt.Pop(); b != high {
		t.Fatalf("expected bundle %d first, got %d", high.ID, b.ID)
	}
	if b := pt.Pop(); b != low {
		t.Fatalf("expected bundle %d second, got %d", low.ID, b.ID)
	}
	if pt.Pop() != nil {
		t.Fatal("empty tree must pop nil")
	}
}

func TestPriorityTreeSourceNodePriority(t *testing.T) {
	pt := NewPriorityTree()

	pt.SetSrcNodePriority(10, 900)
	pt.SetSrcNodePriority(11, 100)

	// two expedited bundles for the same destination, the higher-priority
	// source must transmit first regardless of insertion order
	first := pairBundle(1, 11, 20, bundle.Expedited)
	second := pairBundle(2, 10, 20, bundle.Expedited)

	pt.Insert(first)
	pt.Insert(second)

	if b := pt.Pop(); b.ID != 2 {
		t.Fatalf("expected bundle 2 from source 10 first, got %d", b.ID)
	}
	if b := pt.Pop(); b.ID != 1 {
		t.Fatalf("expected bundle 1 second, got %d", b.ID)
	}
}

func TestPriorityTreeReprioritizeQueued(t *testing.T) {
	pt := NewPriorityTree()

	a := pairBundle(1, 10, 20, bundle.Normal)
	b := pairBundle(2, 11, 20, bundle.Normal)

	pt.Insert(a)
	pt.Insert(b)

	// priorities set after the bundles were queued must re-sort the tree
	pt.SetSrcNodePriority(11, 999)
	pt.SetSrcNodePriority(10, 1)

	if popped := pt.Pop(); popped.ID != 2 {
		t.Fatalf("expected re-prioritized bundle 2 first, got %d", popped.ID)
	}
}

func TestPriorityTreePriorityClamping(t *testing.T) {
	npm := NewNodePriorityMap()

	npm.Set(1, -50)
	if npm.Get(1) != 0 {
		t.Fatalf("expected clamp to 0, got %d", npm.Get(1))
	}

	npm.Set(2, 4711)
	if npm.Get(2) != 999 {
		t.Fatalf("expected clamp to 999, got %d", npm.Get(2))
	}

	if npm.Get(3) != 500 {
		t.Fatalf("expected default 500, got %d", npm.Get(3))
	}
}

func TestPriorityTreeDestNodePriority(t *testing.T) {
	pt := NewPriorityTree()

	pt.SetDstNodePriority(20, 100)
	pt.SetDstNodePriority(21, 900)

	a := pairBundle(1, 10, 20, bundle.Expedited)
	b := pairBundle(2, 10, 21, bundle.Bulk)

	pt.Insert(a)
	pt.Insert(b)

	// destination priority outranks the bundle's own class-of-service
	if popped := pt.Pop(); popped.ID != 2 {
		t.Fatalf("expected bundle 2 for the preferred destination, got %d", popped.ID)
	}
}

func TestPriorityTreeInsertQueueMerge(t *testing.T) {
	pt := NewPriorityTree()

	pt.Insert(pairBundle(1, 10, 20, bundle.Bulk))

	pq := NewPriorityQueue(10, 20)
	pq.Insert(pairBundle(2, 10, 20, bundle.Expedited))

	pt.InsertQueue(pq)

	if pt.Size() != 2 {
		t.Fatalf("expected 2 bundles after merge, got %d", pt.Size())
	}
	if b := pt.Pop(); b.ID != 2 {
		t.Fatalf("expected merged expedited bundle first, got %d", b.ID)
	}
}

func TestPriorityTreeReturnAllBundles(t *testing.T) {
	pt := NewPriorityTree()
	ut := NewUnroutedTree()

	pt.Insert(pairBundle(1, 10, 20, bundle.Normal))
	pt.Insert(pairBundle(2, 11, 21, bundle.Normal))

	if moved := pt.ReturnAllBundles(ut); moved != 2 {
		t.Fatalf("expected 2 bundles moved, got %d", moved)
	}
	if !pt.Empty() {
		t.Fatal("tree must be empty after return")
	}
	if ut.Size() != 2 {
		t.Fatalf("expected 2 unrouted bundles, got %d", ut.Size())
	}
}

func TestPriorityTreeReturnDisabledBundles(t *testing.T) {
	pt := NewPriorityTree()
	ut := NewUnroutedTree()

	xmtEnabled := NewSrcDstWildcardMap()
	xmtEnabled.PutPair(10, 20, true)

	pt.Insert(pairBundle(1, 10, 20, bundle.Normal))
	pt.Insert(pairBundle(2, 11, 21, bundle.Normal))

	if moved := pt.ReturnDisabledBundles(ut, xmtEnabled); moved != 1 {
		t.Fatalf("expected 1 bundle moved, got %d", moved)
	}
	if pt.Size() != 1 {
		t.Fatalf("expected 1 bundle left, got %d", pt.Size())
	}
	if b := pt.Pop(); b.ID != 1 {
		t.Fatalf("the enabled pair's bundle must stay, got %d", b.ID)
	}
}
