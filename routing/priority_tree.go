// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dtn7/ehsrouter-go/bundle"
)

// PriorityTree is a link's scheduling structure: the same set of
// PriorityQueues indexed once by (source, destination) pair and once by a
// composite priority key built from the per-node priorities and the head
// bundle's own key. Popping always takes the smallest composite key.
//
// Whenever a queue's head changes, its priority-index entry is removed and
// re-inserted under the new key; both indices are kept consistent within one
// critical section.
type PriorityTree struct {
	mutex sync.Mutex

	srcDstMap map[bundle.SrcDstKey]*PriorityQueue

	priorityKeys []string
	priorityMap  map[string]*PriorityQueue
	indexKey     map[bundle.SrcDstKey]string

	srcPriority *NodePriorityMap
	dstPriority *NodePriorityMap

	totalPending uint64
	totalBytes   uint64
}

// NewPriorityTree creates an empty tree with all node priorities defaulted.
func NewPriorityTree() *PriorityTree {
	return &PriorityTree{
		srcDstMap:   make(map[bundle.SrcDstKey]*PriorityQueue),
		priorityMap: make(map[string]*PriorityQueue),
		indexKey:    make(map[bundle.SrcDstKey]string),
		srcPriority: NewNodePriorityMap(),
		dstPriority: NewNodePriorityMap(),
	}
}

// buildKey derives the composite scheduling key for a queue. Node priorities
// are reversed so that a higher priority yields a smaller key.
func (pt *PriorityTree) buildKey(pq *PriorityQueue) string {
	revSrc := maxNodePriority - pt.srcPriority.Get(pq.SrcNode)
	revDst := maxNodePriority - pt.dstPriority.Get(pq.DstNode)

	return fmt.Sprintf("%03d~%03d~%s", revSrc, revDst, pq.FirstPriority())
}

// addIndexLocked inserts a non-empty queue into the priority index.
func (pt *PriorityTree) addIndexLocked(pq *PriorityQueue) {
	key := pt.buildKey(pq)

	pos := sort.SearchStrings(pt.priorityKeys, key)
	pt.priorityKeys = append(pt.priorityKeys, "")
	copy(pt.priorityKeys[pos+1:], pt.priorityKeys[pos:])
	pt.priorityKeys[pos] = key

	pt.priorityMap[key] = pq
	pt.indexKey[bundle.SrcDstKey{Src: pq.SrcNode, Dst: pq.DstNode}] = key
}

// removeIndexLocked removes a queue's current priority-index entry, if any.
func (pt *PriorityTree) removeIndexLocked(pq *PriorityQueue) {
	pair := bundle.SrcDstKey{Src: pq.SrcNode, Dst: pq.DstNode}
	key, ok := pt.indexKey[pair]
	if !ok {
		return
	}

	pos := sort.SearchStrings(pt.priorityKeys, key)
	if pos < len(pt.priorityKeys) && pt.priorityKeys[pos] == key {
		pt.priorityKeys = append(pt.priorityKeys[:pos], pt.priorityKeys[pos+1:]...)
	}

	delete(pt.priorityMap, key)
	delete(pt.indexKey, pair)
}

// Insert places a bundle into its pair's queue, re-indexing the queue.
func (pt *PriorityTree) Insert(b *bundle.Bundle) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	pair := b.Key()
	pq, ok := pt.srcDstMap[pair]
	if ok {
		pt.removeIndexLocked(pq)
	} else {
		pq = NewPriorityQueue(b.SrcNode, b.DstNode)
		pt.srcDstMap[pair] = pq
	}

	if pq.Insert(b) {
		pt.totalPending++
		pt.totalBytes += b.Length
	}

	pt.addIndexLocked(pq)
}

// InsertQueue merges an entire queue into the tree, draining it into an
// existing queue for the same pair or adopting it outright.
func (pt *PriorityTree) InsertQueue(pq *PriorityQueue) {
	if pq == nil || pq.Empty() {
		return
	}

	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	pt.totalPending += uint64(pq.Size())
	pt.totalBytes += pq.Bytes()

	pair := bundle.SrcDstKey{Src: pq.SrcNode, Dst: pq.DstNode}
	if existing, ok := pt.srcDstMap[pair]; ok {
		pt.removeIndexLocked(existing)
		existing.Drain(pq)
		pq = existing
	} else {
		pt.srcDstMap[pair] = pq
	}

	pt.addIndexLocked(pq)
}

// Pop removes and returns the globally highest-priority bundle, or nil.
func (pt *PriorityTree) Pop() *bundle.Bundle {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	if len(pt.priorityKeys) == 0 {
		return nil
	}

	key := pt.priorityKeys[0]
	pq := pt.priorityMap[key]
	pt.removeIndexLocked(pq)

	b := pq.Pop()
	if b != nil {
		pt.totalPending--
		pt.totalBytes -= b.Length
	}

	if !pq.Empty() {
		pt.addIndexLocked(pq)
	}

	return b
}

// ReturnDisabledBundles hands every queue whose pair is no longer transmit
// enabled back to the UnroutedTree, deleting empty queues along the way.
// Returns the number of bundles moved.
func (pt *PriorityTree) ReturnDisabledBundles(unrouted *UnroutedTree, xmtEnabled *SrcDstWildcardMap) uint64 {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	var moved uint64
	for pair, pq := range pt.srcDstMap {
		if pq.Empty() {
			pt.removeIndexLocked(pq)
			delete(pt.srcDstMap, pair)
			continue
		}

		if xmtEnabled.Check(pair.Src, pair.Dst) {
			continue
		}

		pt.removeIndexLocked(pq)
		delete(pt.srcDstMap, pair)

		moved += uint64(pq.Size())
		pt.totalPending -= uint64(pq.Size())
		pt.totalBytes -= pq.Bytes()

		unrouted.InsertQueue(pq)
	}

	return moved
}

// ReturnAllBundles detaches every queue into the UnroutedTree; used when the
// owning link closes. Returns the number of bundles moved.
func (pt *PriorityTree) ReturnAllBundles(unrouted *UnroutedTree) uint64 {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	var moved uint64
	for pair, pq := range pt.srcDstMap {
		pt.removeIndexLocked(pq)
		delete(pt.srcDstMap, pair)

		if pq.Empty() {
			continue
		}

		moved += uint64(pq.Size())
		unrouted.InsertQueue(pq)
	}

	pt.totalPending = 0
	pt.totalBytes = 0

	return moved
}

// SetSrcNodePriority re-prioritises every queue sourced by the node.
func (pt *PriorityTree) SetSrcNodePriority(node uint64, priority int) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	pt.srcPriority.Set(node, priority)

	for pair, pq := range pt.srcDstMap {
		if pair.Src != node || pq.Empty() {
			continue
		}
		pt.removeIndexLocked(pq)
		pt.addIndexLocked(pq)
	}
}

// SetDstNodePriority re-prioritises every queue destined for the node.
func (pt *PriorityTree) SetDstNodePriority(node uint64, priority int) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	pt.dstPriority.Set(node, priority)

	for pair, pq := range pt.srcDstMap {
		if pair.Dst != node || pq.Empty() {
			continue
		}
		pt.removeIndexLocked(pq)
		pt.addIndexLocked(pq)
	}
}

// Size returns the number of queued bundles.
func (pt *PriorityTree) Size() uint64 {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	return pt.totalPending
}

// Bytes returns the queued payload bytes.
func (pt *PriorityTree) Bytes() uint64 {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	return pt.totalBytes
}

// Empty reports whether no bundles are queued.
func (pt *PriorityTree) Empty() bool {
	return pt.Size() == 0
}
