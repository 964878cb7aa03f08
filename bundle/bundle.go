// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package bundle holds the router-side view of a DTN bundle. Payloads never
// reach the router; a Bundle is the metadata the daemon reports plus the
// routing state this process attaches to it.
package bundle

import (
	"fmt"
	"sync"
)

// Bundle is the router's handle on one bundle stored by the daemon. The same
// pointer is shared between the catalogue, the scheduling trees and the
// custody indices; mutable flags are guarded by the Bundle's own lock.
type Bundle struct {
	ID         uint64
	GbofID     string
	SourceEID  string
	DestEID    string
	SrcNode    uint64
	DstNode    uint64
	Length     uint64
	Expiration uint64
	COS        Priority
	EcosFlags  uint64

	CustodyRequested bool
	ExpiredInTransit bool
	ReceivedFromLink string

	priorityKey string

	mutex           sync.Mutex
	localCustody    bool
	custodyID       uint64
	deleted         bool
	inReport        bool
	fwdLinkDest     bool
	queued          bool
	inSender        bool
	awaitingCustody bool
}

// New creates a Bundle and derives its composite priority key. The key orders
// by class-of-service (descending), then expiration (ascending), with the
// bundle id as a unique tie-break.
func New(id uint64, gbofID, sourceEID, destEID string, length, expiration uint64, cos Priority) *Bundle {
	return &Bundle{
		ID:          id,
		GbofID:      gbofID,
		SourceEID:   sourceEID,
		DestEID:     destEID,
		SrcNode:     IpnNode(sourceEID),
		DstNode:     IpnNode(destEID),
		Length:      length,
		Expiration:  expiration,
		COS:         cos,
		priorityKey: fmt.Sprintf("%d~%017d~%020d", 9-uint8(cos), expiration, id),
	}
}

// PriorityKey is this Bundle's composite ordering key within its pair's queue.
func (b *Bundle) PriorityKey() string {
	return b.priorityKey
}

// Key is the (source node, destination node) pair this Bundle belongs to.
func (b *Bundle) Key() SrcDstKey {
	return SrcDstKey{Src: b.SrcNode, Dst: b.DstNode}
}

// IsEcosCritical reports whether the critical ECOS flag is set.
func (b *Bundle) IsEcosCritical() bool {
	return b.EcosFlags&EcosCritical != 0
}

// Deleted reports whether this Bundle was disposed of; holders finding the
// flag set must drop their reference without acting on the Bundle.
func (b *Bundle) Deleted() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.deleted
}

// SetDeleted marks this Bundle for disposal.
func (b *Bundle) SetDeleted() {
	b.mutex.Lock()
	b.deleted = true
	b.mutex.Unlock()
}

// LocalCustody reports whether this node is the Bundle's current custodian.
func (b *Bundle) LocalCustody() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.localCustody
}

// CustodyID returns the daemon-assigned custody id, valid while LocalCustody.
func (b *Bundle) CustodyID() uint64 {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.custodyID
}

// AcceptCustody records that the daemon took custody under the given id.
func (b *Bundle) AcceptCustody(custodyID uint64) {
	b.mutex.Lock()
	b.localCustody = true
	b.custodyID = custodyID
	b.mutex.Unlock()
}

// ReleaseCustody clears the custody state.
func (b *Bundle) ReleaseCustody() {
	b.mutex.Lock()
	b.localCustody = false
	b.custodyID = 0
	b.mutex.Unlock()
}

// SetLocalCustody overrides the custody flag from an authoritative report.
func (b *Bundle) SetLocalCustody(localCustody bool) {
	b.mutex.Lock()
	b.localCustody = localCustody
	b.mutex.Unlock()
}

// InReport reports whether this Bundle appeared in the running resync report.
func (b *Bundle) InReport() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.inReport
}

// SetInReport flags this Bundle's resync state, see Catalogue.PrepareForResync.
func (b *Bundle) SetInReport(inReport bool) {
	b.mutex.Lock()
	b.inReport = inReport
	b.mutex.Unlock()
}

// IsFwdLinkDestination reports whether the destination is reachable over the
// forward link, selecting the forward TTL bound for abuse accounting.
func (b *Bundle) IsFwdLinkDestination() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.fwdLinkDest
}

// SetFwdLinkDestination marks the destination as a forward-link node.
func (b *Bundle) SetFwdLinkDestination(fwdLinkDest bool) {
	b.mutex.Lock()
	b.fwdLinkDest = fwdLinkDest
	b.mutex.Unlock()
}

// Queued reports whether this Bundle sits in some priority queue right now.
func (b *Bundle) Queued() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.queued
}

// SetQueued tracks queue membership; maintained by the queue mutators.
func (b *Bundle) SetQueued(queued bool) {
	b.mutex.Lock()
	b.queued = queued
	b.mutex.Unlock()
}

// InSender reports whether a link's sender holds this Bundle between pop and
// the daemon's transmission result.
func (b *Bundle) InSender() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.inSender
}

// SetInSender tracks sender ownership.
func (b *Bundle) SetInSender(inSender bool) {
	b.mutex.Lock()
	b.inSender = inSender
	b.mutex.Unlock()
}

// AwaitingCustody reports whether routing is deferred until the daemon
// answers a pending take-custody request.
func (b *Bundle) AwaitingCustody() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.awaitingCustody
}

// SetAwaitingCustody flags a pending take-custody request.
func (b *Bundle) SetAwaitingCustody(awaiting bool) {
	b.mutex.Lock()
	b.awaitingCustody = awaiting
	b.mutex.Unlock()
}

func (b *Bundle) String() string {
	return fmt.Sprintf("bundle(%d,%s->%s)", b.ID, b.SourceEID, b.DestEID)
}
