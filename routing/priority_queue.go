// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ehsrouter-go/bundle"
)

// PriorityQueue holds the pending bundles of one (source, destination) pair,
// ordered by their composite priority key. The lexicographically smallest key
// is the next bundle to transmit.
//
// A PriorityQueue is not scheduled on its own; links schedule it through
// their PriorityTree.
type PriorityQueue struct {
	SrcNode uint64
	DstNode uint64

	mutex sync.Mutex
	keys  []string
	items map[string]*bundle.Bundle

	pending      uint64
	bytes        uint64
	pendingByCOS [4]uint64
}

// NewPriorityQueue creates an empty queue for the given pair.
func NewPriorityQueue(srcNode, dstNode uint64) *PriorityQueue {
	return &PriorityQueue{
		SrcNode: srcNode,
		DstNode: dstNode,
		items:   make(map[string]*bundle.Bundle),
	}
}

// Insert places a bundle at its priority position. Re-insertion of an already
// queued bundle is ignored.
func (pq *PriorityQueue) Insert(b *bundle.Bundle) bool {
	pq.mutex.Lock()
	defer pq.mutex.Unlock()

	key := b.PriorityKey()
	if _, ok := pq.items[key]; ok {
		log.WithFields(log.Fields{
			"bundle": b.ID,
			"pair":   b.Key(),
		}).Debug("PriorityQueue ignores duplicate insert")
		return false
	}

	pos := sort.SearchStrings(pq.keys, key)
	pq.keys = append(pq.keys, "")
	copy(pq.keys[pos+1:], pq.keys[pos:])
	pq.keys[pos] = key

	pq.items[key] = b
	pq.incStats(b)
	b.SetQueued(true)

	return true
}

// Pop removes and returns the highest-priority bundle, or nil when empty.
func (pq *PriorityQueue) Pop() *bundle.Bundle {
	pq.mutex.Lock()
	defer pq.mutex.Unlock()

	if len(pq.keys) == 0 {
		return nil
	}

	key := pq.keys[0]
	pq.keys = pq.keys[1:]

	b := pq.items[key]
	delete(pq.items, key)
	pq.decStats(b)
	b.SetQueued(false)

	return b
}

// Peek returns the highest-priority bundle without removing it.
func (pq *PriorityQueue) Peek() *bundle.Bundle {
	pq.mutex.Lock()
	defer pq.mutex.Unlock()

	if len(pq.keys) == 0 {
		return nil
	}
	return pq.items[pq.keys[0]]
}

// FirstPriority returns the priority key of the next bundle to transmit, or
// the empty string for an empty queue.
func (pq *PriorityQueue) FirstPriority() string {
	pq.mutex.Lock()
	defer pq.mutex.Unlock()

	if len(pq.keys) == 0 {
		return ""
	}
	return pq.keys[0]
}

// Drain moves every bundle from other into this queue.
func (pq *PriorityQueue) Drain(other *PriorityQueue) {
	for {
		b := other.Pop()
		if b == nil {
			return
		}
		pq.Insert(b)
	}
}

// Size returns the number of queued bundles.
func (pq *PriorityQueue) Size() int {
	pq.mutex.Lock()
	defer pq.mutex.Unlock()

	return len(pq.keys)
}

// Empty reports whether no bundles are queued.
func (pq *PriorityQueue) Empty() bool {
	return pq.Size() == 0
}

// Bytes returns the payload bytes currently queued.
func (pq *PriorityQueue) Bytes() uint64 {
	pq.mutex.Lock()
	defer pq.mutex.Unlock()

	return pq.bytes
}

// PendingByCOS returns the queued bundle count for one class-of-service.
func (pq *PriorityQueue) PendingByCOS(cos bundle.Priority) uint64 {
	pq.mutex.Lock()
	defer pq.mutex.Unlock()

	return pq.pendingByCOS[cos&3]
}

func (pq *PriorityQueue) incStats(b *bundle.Bundle) {
	pq.pending++
	pq.bytes += b.Length
	pq.pendingByCOS[b.COS&3]++
}

func (pq *PriorityQueue) decStats(b *bundle.Bundle) {
	pq.pending--
	pq.bytes -= b.Length
	pq.pendingByCOS[b.COS&3]--
}
