// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package core ties the per-daemon node agents and the top-level external
// router together.
package core

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ehsrouter-go/bundle"
	"github.com/dtn7/ehsrouter-go/config"
	"github.com/dtn7/ehsrouter-go/msgs"
	"github.com/dtn7/ehsrouter-go/routing"
)

// DtnNode is the agent for one DTN daemon, identified by its EID. It owns the
// node's bundle catalogue and router, parses the daemon's messages and keeps
// both sides synchronized.
type DtnNode struct {
	eid  string
	send routing.SendFunc

	catalogue *routing.Catalogue
	router    *routing.Router

	acceptCustody *routing.SrcDstWildcardMap

	mutex      sync.Mutex
	localNodes map[uint64]bool

	custodyBundles  map[uint64]*bundle.Bundle
	undelivered     map[uint64]*bundle.Bundle
	criticalBundles map[string]*bundle.Bundle
	deliveredIDs    map[uint64]struct{}
	bundlesByDest   map[uint64]map[uint64]*bundle.Bundle

	haveLinkReport bool

	haveLastHello     bool
	lastHelloReceived uint64
	lastHelloPending  uint64
	resyncInProcess   bool

	events  chan msgs.Message
	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewDtnNode creates the agent for a daemon EID and primes it with a link
// query. The send function must wrap outbound messages for this EID.
func NewDtnNode(eid string, send routing.SendFunc, cfg *config.Config) *DtnNode {
	n := &DtnNode{
		eid:             eid,
		send:            send,
		catalogue:       routing.NewCatalogue(),
		acceptCustody:   routing.NewSrcDstWildcardMap(),
		localNodes:      make(map[uint64]bool),
		custodyBundles:  make(map[uint64]*bundle.Bundle),
		undelivered:     make(map[uint64]*bundle.Bundle),
		criticalBundles: make(map[string]*bundle.Bundle),
		deliveredIDs:    make(map[uint64]struct{}),
		bundlesByDest:   make(map[uint64]map[uint64]*bundle.Bundle),
		events:          make(chan msgs.Message, 1024),
		stopSyn:         make(chan struct{}),
		stopAck:         make(chan struct{}),
	}

	if node := bundle.IpnNode(eid); node != 0 {
		n.localNodes[node] = true
	}

	n.router = routing.NewRouter(send, n)

	if cfg != nil {
		n.ApplyConfig(cfg)
	}

	go n.handler()

	n.send(&msgs.LinkQuery{})

	return n
}

// EID returns the daemon EID this agent serves.
func (n *DtnNode) EID() string {
	return n.eid
}

// Router returns this node's routing engine.
func (n *DtnNode) Router() *routing.Router {
	return n.router
}

// Catalogue returns this node's bundle catalogue.
func (n *DtnNode) Catalogue() *routing.Catalogue {
	return n.catalogue
}

// Stop shuts the agent and its router down.
func (n *DtnNode) Stop() {
	close(n.stopSyn)
	<-n.stopAck

	n.router.Stop()
}

// PostMessage queues one inbound daemon message for processing.
func (n *DtnNode) PostMessage(m msgs.Message) {
	select {
	case n.events <- m:
	case <-n.stopSyn:
	}
}

func (n *DtnNode) handler() {
	defer close(n.stopAck)

	for {
		select {
		case <-n.stopSyn:
			return

		case m := <-n.events:
			n.handleMessage(m)
		}
	}
}

func (n *DtnNode) handleMessage(m msgs.Message) {
	// Until the first link report arrives, every other message would only
	// produce bogus rejects for unknown links.
	n.mutex.Lock()
	primed := n.haveLinkReport
	n.mutex.Unlock()

	if lr, ok := m.(*msgs.LinkReport); ok {
		n.router.PostLinkMessage(lr)

		if !primed {
			n.mutex.Lock()
			n.haveLinkReport = true
			n.mutex.Unlock()

			n.send(&msgs.LinkQuery{})
			n.send(&msgs.BundleQuery{})
		}
		return
	}

	if !primed {
		log.WithFields(log.Fields{
			"node": n.eid,
			"type": m.TypeCode(),
		}).Debug("Discarding message before the initial link report")
		return
	}

	switch m := m.(type) {
	case *msgs.Hello:
		n.processHello(m)

	case *msgs.Alert:
		// alerts are the supervisor's business

	case *msgs.LinkAvailable, *msgs.LinkOpened, *msgs.LinkClosed, *msgs.LinkUnavailable:
		n.router.PostLinkMessage(m)

	case *msgs.BundleReceived:
		for i := range m.Bundles {
			n.processBundleEntry(&m.Bundles[i], m.LinkID, false)
		}

	case *msgs.BundleReport:
		n.processBundleReport(m)

	case *msgs.BundleTransmitted:
		n.processBundleTransmitted(m)

	case *msgs.BundleDelivered:
		n.finalizeBundleDelivered(m.BundleID)

	case *msgs.BundleExpired:
		n.processBundleExpired(m.BundleID)

	case *msgs.BundleCancelled:
		n.rerouteBundle(m.BundleID, "transmission cancelled")

	case *msgs.CustodyTimeout:
		n.rerouteBundle(m.BundleID, "custody timeout")

	case *msgs.CustodyAccepted:
		n.processCustodyAccepted(m)

	case *msgs.CustodySignal:
		n.processCustodySignal(m)

	default:
		log.WithFields(log.Fields{
			"node": n.eid,
			"type": m.TypeCode(),
		}).Warn("DtnNode received an unexpected message type")
	}
}

// processHello runs the resync heuristic: two identical consecutive hellos
// mean the daemon is quiescent, so a pending-count mismatch is real
// divergence and triggers an authoritative bundle report.
func (n *DtnNode) processHello(m *msgs.Hello) {
	n.mutex.Lock()
	stable := n.haveLastHello &&
		m.BundlesReceived == n.lastHelloReceived &&
		m.BundlesPending == n.lastHelloPending
	n.haveLastHello = true
	n.lastHelloReceived = m.BundlesReceived
	n.lastHelloPending = m.BundlesPending
	alreadyResyncing := n.resyncInProcess
	n.mutex.Unlock()

	if !stable || alreadyResyncing {
		return
	}

	if localPending := n.catalogue.Pending(); localPending != m.BundlesPending {
		log.WithFields(log.Fields{
			"node":           n.eid,
			"local_pending":  localPending,
			"daemon_pending": m.BundlesPending,
		}).Warn("Pending bundles out of sync with the daemon, requesting report")

		n.mutex.Lock()
		n.resyncInProcess = true
		n.mutex.Unlock()

		n.catalogue.PrepareForResync()
		n.send(&msgs.BundleQuery{})
	}
}

// processBundleEntry catalogues one reported bundle and takes it through
// admission, custody policy and routing. Known ids only refresh their state.
func (n *DtnNode) processBundleEntry(entry *msgs.BundleEntry, linkID string, inReport bool) {
	if b := n.catalogue.Find(entry.BundleID); b != nil {
		if inReport {
			b.SetInReport(true)
		}
		n.syncCustodyState(b, entry.LocalCustody)
		return
	}

	receivedFrom := entry.ReceivedFromLink
	if receivedFrom == "" {
		receivedFrom = linkID
	}

	b := bundle.New(entry.BundleID, entry.GbofID, entry.SourceEID, entry.DestEID,
		entry.Length, entry.Expiration, bundle.Priority(entry.Priority))
	b.CustodyRequested = entry.CustodyRequested
	b.ExpiredInTransit = entry.ExpiredInTransit
	b.ReceivedFromLink = receivedFrom
	b.EcosFlags = entry.EcosFlags
	b.SetLocalCustody(entry.LocalCustody)
	b.SetFwdLinkDestination(n.router.IsFwdLinkDestination(b.DstNode))
	if inReport {
		b.SetInReport(true)
	}

	if !n.catalogue.BundleReceived(b) {
		return
	}

	n.addBundleByDest(b)

	n.mutex.Lock()
	_, deliveredEarly := n.deliveredIDs[b.ID]
	delete(n.deliveredIDs, b.ID)
	n.mutex.Unlock()

	if deliveredEarly {
		// the daemon already delivered this one before we learned about it
		n.finalizeBundleDelivered(b.ID)
		return
	}

	if ok, remoteAddr := n.router.AcceptBundle(b, linkID); !ok {
		log.WithFields(log.Fields{
			"node":   n.eid,
			"bundle": b.ID,
			"source": b.SourceEID,
			"dest":   b.DestEID,
			"link":   linkID,
			"remote": remoteAddr,
		}).Error("Rejecting bundle not permitted on its arrival link")

		n.catalogue.BundleRejected(b)
		b.SetDeleted()
		n.catalogue.Erase(b)
		n.dropBundle(b)
		n.send(&msgs.DeleteBundleReq{BundleIDs: []uint64{b.ID}})
		return
	}

	if b.IsEcosCritical() && !n.trackCriticalBundle(b) {
		log.WithFields(log.Fields{
			"node":   n.eid,
			"bundle": b.ID,
			"gbofid": b.GbofID,
		}).Warn("Rejecting duplicate ECOS critical bundle")

		n.catalogue.BundleRejected(b)
		b.SetDeleted()
		n.catalogue.Erase(b)
		n.dropBundle(b)
		n.send(&msgs.DeleteBundleReq{BundleIDs: []uint64{b.ID}})
		return
	}

	if b.LocalCustody() {
		n.mutex.Lock()
		n.custodyBundles[b.ID] = b
		n.mutex.Unlock()
	} else if n.acceptCustodyBeforeRouting(b) {
		log.WithFields(log.Fields{
			"node":   n.eid,
			"bundle": b.ID,
		}).Debug("Waiting to accept custody before routing")
		return
	}

	if b.ExpiredInTransit {
		log.WithFields(log.Fields{
			"node":   n.eid,
			"bundle": b.ID,
		}).Warn("Bundle expired in transit, not routing")
		return
	}

	n.routeBundle(b)
}

// trackCriticalBundle dedupes ECOS critical bundles by their gbof id.
func (n *DtnNode) trackCriticalBundle(b *bundle.Bundle) bool {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if prev, ok := n.criticalBundles[b.GbofID]; ok && !prev.Deleted() {
		return false
	}
	n.criticalBundles[b.GbofID] = b

	return true
}

// acceptCustodyBeforeRouting asks the daemon for custody when policy says so;
// routing then waits for the custody-accepted answer.
func (n *DtnNode) acceptCustodyBeforeRouting(b *bundle.Bundle) bool {
	if !b.CustodyRequested || b.LocalCustody() {
		return false
	}
	if !n.acceptCustody.Check(b.SrcNode, b.DstNode) {
		return false
	}

	b.SetAwaitingCustody(true)

	req := &msgs.TakeCustodyReq{}
	req.BundleID = b.ID
	n.send(req)

	return true
}

// syncCustodyState reconciles a report entry's custody flag with ours.
func (n *DtnNode) syncCustodyState(b *bundle.Bundle, localCustody bool) {
	if localCustody == b.LocalCustody() {
		return
	}

	if localCustody {
		n.catalogue.BundleCustodyAccepted(b.ID)
		b.SetLocalCustody(true)

		n.mutex.Lock()
		n.custodyBundles[b.ID] = b
		n.mutex.Unlock()
	} else {
		n.catalogue.BundleCustodyReleased(b.ID)
		b.SetLocalCustody(false)

		n.mutex.Lock()
		delete(n.custodyBundles, b.ID)
		n.mutex.Unlock()
	}
}

func (n *DtnNode) processBundleReport(m *msgs.BundleReport) {
	for i := range m.Bundles {
		n.processBundleEntry(&m.Bundles[i], "", true)
	}

	if m.LastMsg {
		n.doResyncProcessing()
	}
}

func (n *DtnNode) doResyncProcessing() {
	n.mutex.Lock()
	if !n.resyncInProcess {
		n.mutex.Unlock()
		return
	}
	n.resyncInProcess = false
	n.mutex.Unlock()

	removed := n.catalogue.FinalizeResync(n.undelivered, n.custodyBundles)

	n.mutex.Lock()
	for dest, byID := range n.bundlesByDest {
		for id, b := range byID {
			if b.Deleted() {
				delete(byID, id)
			}
		}
		if len(byID) == 0 {
			delete(n.bundlesByDest, dest)
		}
	}
	for gbofID, b := range n.criticalBundles {
		if b.Deleted() {
			delete(n.criticalBundles, gbofID)
		}
	}
	n.mutex.Unlock()

	if removed > 0 {
		log.WithFields(log.Fields{
			"node":    n.eid,
			"removed": removed,
		}).Info("Resync finalized")
	}
}

func (n *DtnNode) processBundleTransmitted(m *msgs.BundleTransmitted) {
	success := m.BytesSent > 0

	b := n.catalogue.BundleTransmitted(m.BundleID, success)
	if b == nil {
		return
	}

	b.SetInSender(false)

	if !success {
		log.WithFields(log.Fields{
			"node":   n.eid,
			"bundle": b.ID,
			"link":   m.LinkID,
		}).Warn("Transmission failed, re-routing bundle")

		n.routeBundle(b)
		return
	}

	if l := n.router.LinkByID(m.LinkID); l != nil && l.IsFwdLink() {
		n.catalogue.RecordFwdLinkTransmit(b)
	}

	if b.LocalCustody() {
		// the bundle lives on until the next hop takes custody
		return
	}

	b.SetDeleted()
	n.catalogue.Erase(b)
	n.dropBundle(b)
}

// finalizeBundleDelivered disposes of a delivered bundle, or remembers the id
// when the delivery outran the corresponding received message.
func (n *DtnNode) finalizeBundleDelivered(id uint64) {
	b := n.catalogue.BundleDelivered(id)
	if b == nil {
		n.mutex.Lock()
		n.deliveredIDs[id] = struct{}{}
		n.mutex.Unlock()
		return
	}

	if b.LocalCustody() {
		n.catalogue.BundleCustodyReleased(id)
		b.ReleaseCustody()
	}

	b.SetDeleted()
	n.catalogue.Erase(b)
	n.dropBundle(b)

	log.WithFields(log.Fields{
		"node":   n.eid,
		"bundle": id,
	}).Debug("Bundle delivered")
}

func (n *DtnNode) processBundleExpired(id uint64) {
	b := n.catalogue.BundleExpired(id)
	if b == nil {
		return
	}

	if b.LocalCustody() {
		n.catalogue.BundleCustodyReleased(id)
		b.ReleaseCustody()
	}

	b.SetDeleted()
	n.catalogue.Erase(b)
	n.dropBundle(b)

	log.WithFields(log.Fields{
		"node":   n.eid,
		"bundle": id,
	}).Debug("Bundle expired")
}

// rerouteBundle sends a still-catalogued bundle through routing again.
func (n *DtnNode) rerouteBundle(id uint64, cause string) {
	b := n.catalogue.Find(id)
	if b == nil || b.Deleted() {
		return
	}

	b.SetInSender(false)
	if b.Queued() {
		return
	}

	log.WithFields(log.Fields{
		"node":   n.eid,
		"bundle": id,
		"cause":  cause,
	}).Debug("Re-routing bundle")

	n.routeBundle(b)
}

func (n *DtnNode) processCustodyAccepted(m *msgs.CustodyAccepted) {
	b := n.catalogue.BundleCustodyAccepted(m.BundleID)
	if b == nil {
		return
	}

	b.AcceptCustody(m.CustodyID)
	b.SetAwaitingCustody(false)

	n.mutex.Lock()
	n.custodyBundles[b.ID] = b
	n.mutex.Unlock()

	log.WithFields(log.Fields{
		"node":    n.eid,
		"bundle":  b.ID,
		"custody": m.CustodyID,
	}).Debug("Custody accepted, routing bundle")

	n.routeBundle(b)
}

// processCustodySignal releases custody and disposes of the bundle, unless
// the signal is a failure other than a redundant reception.
func (n *DtnNode) processCustodySignal(m *msgs.CustodySignal) {
	if !m.Success && m.Reason != msgs.CustodyReasonRedundantReception {
		log.WithFields(log.Fields{
			"node":   n.eid,
			"bundle": m.BundleID,
			"reason": m.Reason,
		}).Error("Received failure custody signal, keeping custody")
		return
	}

	b := n.catalogue.BundleCustodyReleased(m.BundleID)
	if b == nil {
		return
	}

	b.ReleaseCustody()
	b.SetDeleted()
	n.catalogue.Erase(b)
	n.dropBundle(b)
}

// routeBundle delivers locally destined bundles to the undelivered index and
// hands everything else to the router.
func (n *DtnNode) routeBundle(b *bundle.Bundle) {
	if n.isLocalDestination(b) {
		n.mutex.Lock()
		n.undelivered[b.ID] = b
		n.mutex.Unlock()
		return
	}

	n.router.PostRouteBundle(b)
}

func (n *DtnNode) isLocalDestination(b *bundle.Bundle) bool {
	if b.DestEID == n.eid {
		return true
	}

	n.mutex.Lock()
	defer n.mutex.Unlock()

	return n.localNodes[b.DstNode]
}

// dropBundle removes a bundle from every secondary index.
func (n *DtnNode) dropBundle(b *bundle.Bundle) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	delete(n.undelivered, b.ID)
	delete(n.custodyBundles, b.ID)

	if byID, ok := n.bundlesByDest[b.DstNode]; ok {
		delete(byID, b.ID)
		if len(byID) == 0 {
			delete(n.bundlesByDest, b.DstNode)
		}
	}

	if prev, ok := n.criticalBundles[b.GbofID]; ok && prev == b {
		delete(n.criticalBundles, b.GbofID)
	}
}

func (n *DtnNode) addBundleByDest(b *bundle.Bundle) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	byID, ok := n.bundlesByDest[b.DstNode]
	if !ok {
		byID = make(map[uint64]*bundle.Bundle)
		n.bundlesByDest[b.DstNode] = byID
	}
	byID[b.ID] = b
}

// IsLocalNode reports whether the node id belongs to the daemon.
func (n *DtnNode) IsLocalNode(node uint64) bool {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	return n.localNodes[node]
}

// MissedBundles re-routes catalogued bundles for the given destinations that
// no queue, sender, custody wait or delivery index holds anymore.
func (n *DtnNode) MissedBundles(dests []uint64) {
	var missed []*bundle.Bundle

	n.mutex.Lock()
	for _, dest := range dests {
		for id, b := range n.bundlesByDest[dest] {
			if b.Deleted() || b.Queued() || b.InSender() || b.AwaitingCustody() {
				continue
			}
			if _, ok := n.undelivered[id]; ok {
				continue
			}
			missed = append(missed, b)
		}
	}
	n.mutex.Unlock()

	if len(missed) == 0 {
		return
	}

	log.WithFields(log.Fields{
		"node":    n.eid,
		"bundles": len(missed),
	}).Warn("Re-routing bundles missed by the routing pipeline")

	for _, b := range missed {
		n.routeBundle(b)
	}
}

// DeleteBundles asks the daemon to dispose of every bundle of a pair.
func (n *DtnNode) DeleteBundles(src, dst uint64) int {
	var ids []uint64

	n.mutex.Lock()
	for id, b := range n.bundlesByDest[dst] {
		if b.SrcNode == src && !b.Deleted() {
			ids = append(ids, id)
		}
	}
	n.mutex.Unlock()

	if len(ids) == 0 {
		return 0
	}

	for _, id := range ids {
		if b := n.catalogue.Find(id); b != nil {
			b.SetDeleted()
			n.catalogue.Erase(b)
			n.dropBundle(b)
		}
	}

	n.send(&msgs.DeleteBundleReq{BundleIDs: ids})

	return len(ids)
}

// DeleteAllBundles drops the whole catalogue and asks the daemon to do the
// same.
func (n *DtnNode) DeleteAllBundles() {
	n.send(&msgs.DeleteAllBundlesReq{})

	n.mutex.Lock()
	var all []*bundle.Bundle
	for _, byID := range n.bundlesByDest {
		for _, b := range byID {
			all = append(all, b)
		}
	}
	for _, b := range n.undelivered {
		all = append(all, b)
	}
	n.custodyBundles = make(map[uint64]*bundle.Bundle)
	n.undelivered = make(map[uint64]*bundle.Bundle)
	n.criticalBundles = make(map[string]*bundle.Bundle)
	n.bundlesByDest = make(map[uint64]map[uint64]*bundle.Bundle)
	n.mutex.Unlock()

	for _, b := range all {
		b.SetDeleted()
		n.catalogue.Erase(b)
	}
}

// ApplyConfig installs a policy configuration on this node and its router.
func (n *DtnNode) ApplyConfig(cfg *config.Config) {
	n.catalogue.SetMaxExpirationFwd(cfg.MaxExpirationFwd)
	n.catalogue.SetMaxExpirationRtn(cfg.MaxExpirationRtn)

	n.acceptCustody.Clear()
	for _, rule := range cfg.CustodyRules {
		n.applyCustodyRule(rule)
	}

	n.router.ApplyConfig(cfg)
}

func (n *DtnNode) applyCustodyRule(rule config.CustodyRule) {
	switch {
	case rule.WildSrc && rule.WildDst:
		n.acceptCustody.PutDoubleWildcards(rule.Accept)

	case rule.WildSrc:
		for dst := *rule.DstFrom; dst <= *rule.DstTo; dst++ {
			n.acceptCustody.PutWildcardSource(dst, rule.Accept)
		}

	case rule.WildDst:
		n.acceptCustody.PutWildcardDest(*rule.Src, rule.Accept)

	default:
		for dst := *rule.DstFrom; dst <= *rule.DstTo; dst++ {
			n.acceptCustody.PutPair(*rule.Src, dst, rule.Accept)
		}
	}
}

// UndeliveredCount returns the bundles awaiting local delivery.
func (n *DtnNode) UndeliveredCount() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	return len(n.undelivered)
}

// CustodyCount returns the bundles this node holds custody of.
func (n *DtnNode) CustodyCount() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	return len(n.custodyBundles)
}
