// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ehsrouter-go/bundle"
)

// UnroutedTree parks the per-pair queues of bundles that have no currently
// eligible link. Bundles move back out pair-wise when a link opens or a
// transmit-enable change makes their pair routable.
type UnroutedTree struct {
	mutex sync.Mutex

	queues map[bundle.SrcDstKey]*PriorityQueue

	totalPending uint64
	totalBytes   uint64
}

// NewUnroutedTree creates an empty UnroutedTree.
func NewUnroutedTree() *UnroutedTree {
	return &UnroutedTree{
		queues: make(map[bundle.SrcDstKey]*PriorityQueue),
	}
}

// Insert parks a bundle on its pair's queue, creating the queue if absent.
func (ut *UnroutedTree) Insert(b *bundle.Bundle) {
	ut.mutex.Lock()
	defer ut.mutex.Unlock()

	pair := b.Key()
	pq, ok := ut.queues[pair]
	if !ok {
		pq = NewPriorityQueue(b.SrcNode, b.DstNode)
		ut.queues[pair] = pq
	}

	if pq.Insert(b) {
		ut.totalPending++
		ut.totalBytes += b.Length
	}
}

// InsertQueue merges a whole returning queue, e.g. after a link closed.
func (ut *UnroutedTree) InsertQueue(pq *PriorityQueue) {
	if pq == nil || pq.Empty() {
		return
	}

	ut.mutex.Lock()
	defer ut.mutex.Unlock()

	ut.totalPending += uint64(pq.Size())
	ut.totalBytes += pq.Bytes()

	pair := bundle.SrcDstKey{Src: pq.SrcNode, Dst: pq.DstNode}
	if existing, ok := ut.queues[pair]; ok {
		existing.Drain(pq)
	} else {
		ut.queues[pair] = pq
	}
}

// RouteToLink moves every queue whose destination the link reaches - and,
// for a forward link, whose pair is transmit enabled - atomically into the
// link's scheduler. Returns the number of bundles moved.
func (ut *UnroutedTree) RouteToLink(link *Link, xmtEnabled *SrcDstWildcardMap) uint64 {
	ut.mutex.Lock()
	defer ut.mutex.Unlock()

	var moved uint64
	for pair, pq := range ut.queues {
		if link.IsFwdLink() && !xmtEnabled.Check(pair.Src, pair.Dst) {
			continue
		}
		if !link.IsNodeReachable(pair.Dst) {
			continue
		}

		delete(ut.queues, pair)
		moved += uint64(pq.Size())
		ut.totalPending -= uint64(pq.Size())
		ut.totalBytes -= pq.Bytes()

		link.QueueBundleList(pq)
	}

	if moved > 0 {
		log.WithFields(log.Fields{
			"link":    link.ID(),
			"bundles": moved,
		}).Info("Unrouted bundles moved to a link")
	}

	return moved
}

// ExtractQueue detaches and returns the queue for a pair, or nil.
func (ut *UnroutedTree) ExtractQueue(src, dst uint64) *PriorityQueue {
	ut.mutex.Lock()
	defer ut.mutex.Unlock()

	pair := bundle.SrcDstKey{Src: src, Dst: dst}
	pq, ok := ut.queues[pair]
	if !ok {
		return nil
	}

	delete(ut.queues, pair)
	ut.totalPending -= uint64(pq.Size())
	ut.totalBytes -= pq.Bytes()

	return pq
}

// Size returns the number of parked bundles.
func (ut *UnroutedTree) Size() uint64 {
	ut.mutex.Lock()
	defer ut.mutex.Unlock()

	return ut.totalPending
}

// StatsByPair returns the parked (pair, pending, bytes) triples in order.
func (ut *UnroutedTree) StatsByPair() []PairStats {
	ut.mutex.Lock()
	defer ut.mutex.Unlock()

	stats := make([]PairStats, 0, len(ut.queues))
	for pair, pq := range ut.queues {
		stats = append(stats, PairStats{
			Key:          pair,
			Pending:      uint64(pq.Size()),
			PendingBytes: pq.Bytes(),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Key.Less(stats[j].Key) })

	return stats
}
