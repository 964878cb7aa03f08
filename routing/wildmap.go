// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"sync"
)

// srcDstWildKey is a (source, destination) pair where either side may be
// wildcarded. The double wildcard is not stored as an entry; it collapses
// into the map's default answer.
type srcDstWildKey struct {
	src     uint64
	dst     uint64
	wildSrc bool
	wildDst bool
}

// SrcDstWildcardMap answers yes/no questions about (source, destination)
// pairs. Lookup precedence: exact pair, then wildcard destination, then
// wildcard source, then the double-wildcard default.
//
// It backs both the custody-accept policy and the forward-link transmit
// enable table.
type SrcDstWildcardMap struct {
	mutex         sync.Mutex
	entries       map[srcDstWildKey]bool
	defaultAccept bool
}

// NewSrcDstWildcardMap creates an empty map whose default answer is false.
func NewSrcDstWildcardMap() *SrcDstWildcardMap {
	return &SrcDstWildcardMap{
		entries: make(map[srcDstWildKey]bool),
	}
}

// Clear removes every entry and resets the default to false.
func (m *SrcDstWildcardMap) Clear() {
	m.mutex.Lock()
	m.entries = make(map[srcDstWildKey]bool)
	m.defaultAccept = false
	m.mutex.Unlock()
}

// Size returns the number of explicit entries.
func (m *SrcDstWildcardMap) Size() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return len(m.entries)
}

// PutPair sets the answer for an exact (source, destination) pair.
func (m *SrcDstWildcardMap) PutPair(src, dst uint64, accept bool) {
	m.mutex.Lock()
	m.entries[srcDstWildKey{src: src, dst: dst}] = accept
	m.mutex.Unlock()
}

// PutWildcardSource sets the answer for (*, destination).
func (m *SrcDstWildcardMap) PutWildcardSource(dst uint64, accept bool) {
	m.mutex.Lock()
	m.entries[srcDstWildKey{dst: dst, wildSrc: true}] = accept
	m.mutex.Unlock()
}

// PutWildcardDest sets the answer for (source, *).
func (m *SrcDstWildcardMap) PutWildcardDest(src uint64, accept bool) {
	m.mutex.Lock()
	m.entries[srcDstWildKey{src: src, wildDst: true}] = accept
	m.mutex.Unlock()
}

// PutDoubleWildcards sets the default answer for pairs matching no entry.
func (m *SrcDstWildcardMap) PutDoubleWildcards(accept bool) {
	m.mutex.Lock()
	m.defaultAccept = accept
	m.mutex.Unlock()
}

// ClearPair removes the exact entry for (source, destination).
func (m *SrcDstWildcardMap) ClearPair(src, dst uint64) {
	m.mutex.Lock()
	delete(m.entries, srcDstWildKey{src: src, dst: dst})
	m.mutex.Unlock()
}

// ClearWildcardSource removes the (*, destination) entry.
func (m *SrcDstWildcardMap) ClearWildcardSource(dst uint64) {
	m.mutex.Lock()
	delete(m.entries, srcDstWildKey{dst: dst, wildSrc: true})
	m.mutex.Unlock()
}

// ClearWildcardDest removes the (source, *) entry.
func (m *SrcDstWildcardMap) ClearWildcardDest(src uint64) {
	m.mutex.Lock()
	delete(m.entries, srcDstWildKey{src: src, wildDst: true})
	m.mutex.Unlock()
}

// ClearDoubleWildcards resets the default answer to false.
func (m *SrcDstWildcardMap) ClearDoubleWildcards() {
	m.mutex.Lock()
	m.defaultAccept = false
	m.mutex.Unlock()
}

// ClearSource removes every entry mentioning the source node.
func (m *SrcDstWildcardMap) ClearSource(src uint64) {
	m.mutex.Lock()
	for key := range m.entries {
		if !key.wildSrc && key.src == src {
			delete(m.entries, key)
		}
	}
	m.mutex.Unlock()
}

// ClearDest removes every entry mentioning the destination node.
func (m *SrcDstWildcardMap) ClearDest(dst uint64) {
	m.mutex.Lock()
	for key := range m.entries {
		if !key.wildDst && key.dst == dst {
			delete(m.entries, key)
		}
	}
	m.mutex.Unlock()
}

// Check answers for a concrete (source, destination) pair, probing exact,
// wildcard-destination and wildcard-source entries before falling back to
// the double-wildcard default.
func (m *SrcDstWildcardMap) Check(src, dst uint64) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if accept, ok := m.entries[srcDstWildKey{src: src, dst: dst}]; ok {
		return accept
	}
	if accept, ok := m.entries[srcDstWildKey{src: src, wildDst: true}]; ok {
		return accept
	}
	if accept, ok := m.entries[srcDstWildKey{dst: dst, wildSrc: true}]; ok {
		return accept
	}

	return m.defaultAccept
}
