// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package routing implements the per-node routing engine: admission control,
// per-link priority scheduling, rate-shaped transmission and the unrouted
// holding area.
package routing

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ehsrouter-go/bundle"
	"github.com/dtn7/ehsrouter-go/config"
	"github.com/dtn7/ehsrouter-go/msgs"
)

// NodeOwner is the Router's upward interface to its DTN node agent.
type NodeOwner interface {
	// IsLocalNode reports whether the node id belongs to the daemon itself.
	IsLocalNode(node uint64) bool

	// MissedBundles re-routes catalogued bundles for the given destinations
	// that fell out of every queue, e.g. because the daemon accepted them
	// while this router was out of sync.
	MissedBundles(dests []uint64)
}

// internal convergence layers the daemon manages itself; links using them are
// never force-closed for missing configuration
func internalConvLayer(convLayer string) bool {
	return convLayer == "bibe" || convLayer == "restage"
}

type routerEvent interface{}

type evRouteBundle struct{ b *bundle.Bundle }

type evLinkMessage struct{ m msgs.Message }

// Router owns every Link of one DTN node plus the UnroutedTree. Its dispatch
// goroutine consumes routing requests and link-state events in order.
type Router struct {
	send SendFunc
	node NodeOwner

	mutex sync.Mutex

	prime          bool
	haveLinkReport bool

	fwdlnkEnabled bool
	fwdlnkAOS     bool
	forceLOS      bool

	links   []*Link
	byID    map[string]*Link
	fwdLink *Link

	cfg *config.Config

	unrouted   *UnroutedTree
	xmtEnabled *SrcDstWildcardMap

	events  chan routerEvent
	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewRouter creates a Router in prime mode and starts its dispatcher.
func NewRouter(send SendFunc, node NodeOwner) *Router {
	r := &Router{
		send:       send,
		node:       node,
		prime:      true,
		byID:       make(map[string]*Link),
		cfg:        config.Default(),
		unrouted:   NewUnroutedTree(),
		xmtEnabled: NewSrcDstWildcardMap(),
		events:     make(chan routerEvent, 1024),
		stopSyn:    make(chan struct{}),
		stopAck:    make(chan struct{}),
	}

	go r.handler()

	return r
}

// Stop terminates the dispatcher and every Link sender.
func (r *Router) Stop() {
	close(r.stopSyn)
	<-r.stopAck

	r.mutex.Lock()
	links := append([]*Link(nil), r.links...)
	r.mutex.Unlock()

	for _, l := range links {
		l.Stop()
	}
}

// PostRouteBundle queues a routing decision for a bundle.
func (r *Router) PostRouteBundle(b *bundle.Bundle) {
	r.events <- evRouteBundle{b: b}
}

// PostLinkMessage queues a daemon link-state message.
func (r *Router) PostLinkMessage(m msgs.Message) {
	r.events <- evLinkMessage{m: m}
}

func (r *Router) handler() {
	defer close(r.stopAck)

	for {
		select {
		case <-r.stopSyn:
			return

		case ev := <-r.events:
			switch ev := ev.(type) {
			case evRouteBundle:
				r.routeBundle(ev.b)
			case evLinkMessage:
				r.handleLinkMessage(ev.m)
			}
		}
	}
}

func (r *Router) handleLinkMessage(m msgs.Message) {
	switch m := m.(type) {
	case *msgs.LinkReport:
		r.processLinkReport(m)

	case *msgs.LinkAvailable:
		if l := r.LinkByID(m.LinkID); l != nil {
			l.ProcessLinkAvailable()
		}

	case *msgs.LinkOpened:
		r.processLinkOpened(m)

	case *msgs.LinkClosed:
		if l := r.LinkByID(m.LinkID); l != nil {
			l.ProcessLinkClosed()
		}

	case *msgs.LinkUnavailable:
		if l := r.LinkByID(m.LinkID); l != nil {
			l.ProcessLinkUnavailable()
		}

	default:
		log.WithFields(log.Fields{
			"type": m.TypeCode(),
		}).Warn("Router received an unexpected message type")
	}
}

// registerLink adds a new Link, applies its configuration or force-closes an
// unconfigured one, and wires the forward-link state.
func (r *Router) registerLink(entry msgs.LinkEntry) *Link {
	l := NewLink(entry, r.send, r)

	r.mutex.Lock()
	r.links = append(r.links, l)
	r.byID[l.ID()] = l
	lc := r.cfg.Links[l.ID()]
	disabled := r.cfg.Disabled[l.ID()]
	fwdlnkEnabled, fwdlnkAOS, forceLOS := r.fwdlnkEnabled, r.fwdlnkAOS, r.forceLOS
	srcPriorities, dstPriorities := r.cfg.SourcePriority, r.cfg.DestPriority
	r.mutex.Unlock()

	if lc == nil || disabled {
		if !internalConvLayer(entry.ConvLayer) {
			l.ForceClosed()
		}
		return l
	}

	l.ApplyCfg(lc)

	for node, priority := range srcPriorities {
		l.Tree().SetSrcNodePriority(node, priority)
	}
	for node, priority := range dstPriorities {
		l.Tree().SetDstNodePriority(node, priority)
	}

	if lc.IsFwdLink {
		r.mutex.Lock()
		r.fwdLink = l
		r.mutex.Unlock()

		l.SetForceLOSWhileDisabled(forceLOS)
		l.SetFwdlnkEnabled(fwdlnkEnabled)
		l.SetFwdlnkAOS(fwdlnkAOS)
	}

	return l
}

func (r *Router) processLinkReport(m *msgs.LinkReport) {
	for _, entry := range m.Links {
		if l := r.LinkByID(entry.LinkID); l != nil {
			l.ProcessLinkReportEntry(entry)
		} else {
			r.registerLink(entry)
		}
	}

	r.mutex.Lock()
	first := !r.haveLinkReport
	r.haveLinkReport = true
	r.mutex.Unlock()

	if first {
		log.WithFields(log.Fields{
			"links": len(m.Links),
		}).Info("Initial link report processed")
	}
}

func (r *Router) processLinkOpened(m *msgs.LinkOpened) {
	l := r.LinkByID(m.Link.LinkID)
	if l == nil {
		l = r.registerLink(m.Link)
	}
	l.ProcessLinkOpened(m.Link)

	if l.IsRejected() {
		return
	}

	if moved := r.unrouted.RouteToLink(l, r.xmtEnabled); moved > 0 {
		log.WithFields(log.Fields{
			"link":    l.ID(),
			"bundles": moved,
		}).Info("Routed parked bundles onto opened link")
	}
}

// routeBundle picks the first eligible link in insertion order, fans an
// ECOS-critical bundle out on every eligible link except the one it arrived
// on, and parks everything unroutable.
func (r *Router) routeBundle(b *bundle.Bundle) {
	r.mutex.Lock()
	prime := r.prime
	links := append([]*Link(nil), r.links...)
	r.mutex.Unlock()

	if !prime {
		r.unrouted.Insert(b)
		return
	}

	critical := b.IsEcosCritical()
	routed := false

	for _, l := range links {
		if l.IsRejected() {
			continue
		}
		if critical && l.ID() == b.ReceivedFromLink {
			// critical bundles never return on their arrival link
			continue
		}
		if !critical && !l.IsNodeReachable(b.DstNode) {
			continue
		}

		if l.IsFwdLink() {
			if !r.node.IsLocalNode(b.SrcNode) && !r.xmtEnabled.Check(b.SrcNode, b.DstNode) {
				// destined for the forward link but the pair is not enabled
				if !critical {
					break
				}
				continue
			}
		}

		l.QueueBundle(b)
		routed = true

		if !critical {
			break
		}
	}

	if !routed {
		log.WithFields(log.Fields{
			"bundle": b.ID,
			"src":    b.SrcNode,
			"dst":    b.DstNode,
		}).Debug("No eligible link, parking bundle as unrouted")

		r.unrouted.Insert(b)
	}
}

// AcceptBundle validates a received bundle against the whitelists of the link
// it arrived on, returning the link's remote address for diagnostics. Forward
// links always accept; an empty link id means the daemon itself originated
// the bundle.
func (r *Router) AcceptBundle(b *bundle.Bundle, linkID string) (bool, string) {
	if linkID == "" {
		return true, ""
	}

	l := r.LinkByID(linkID)
	if l == nil {
		return false, ""
	}

	remoteAddr := l.RemoteAddr()

	if l.IsFwdLink() {
		return true, remoteAddr
	}
	if l.IsRejected() {
		return false, remoteAddr
	}
	if !l.ValidSourceNode(b.SrcNode) {
		return false, remoteAddr
	}
	if !l.ValidDestNode(b.DstNode) && !r.node.IsLocalNode(b.DstNode) {
		return false, remoteAddr
	}

	return true, remoteAddr
}

// LinkByID returns a link, or nil.
func (r *Router) LinkByID(linkID string) *Link {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.byID[linkID]
}

// Links returns the links in insertion order.
func (r *Router) Links() []*Link {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return append([]*Link(nil), r.links...)
}

// HaveLinkReport reports whether the initial link report arrived.
func (r *Router) HaveLinkReport() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.haveLinkReport
}

// Unrouted exposes the unrouted holding area.
func (r *Router) Unrouted() *UnroutedTree {
	return r.unrouted
}

// IsFwdLinkDestination reports whether the destination is reachable over the
// configured forward link.
func (r *Router) IsFwdLinkDestination(dst uint64) bool {
	r.mutex.Lock()
	fwdLink := r.fwdLink
	r.mutex.Unlock()

	if fwdLink != nil {
		return fwdLink.IsNodeReachable(dst)
	}

	// fall back to the configuration before the link shows up in a report
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if lc := r.cfg.FwdLink(); lc != nil {
		return lc.DestNodes[dst]
	}
	return false
}

// ReturnAllBundlesToRouter takes back a closing link's entire scheduler.
func (r *Router) ReturnAllBundlesToRouter(tree *PriorityTree) uint64 {
	return tree.ReturnAllBundles(r.unrouted)
}

// CheckForMissedBundles asks the node agent to probe for bundles destined to
// the link's nodes that no queue holds anymore.
func (r *Router) CheckForMissedBundles(l *Link) {
	r.node.MissedBundles(l.DestNodes())
}

// SetPrimeMode switches between prime and backup routing. Promotion to prime
// re-evaluates the unrouted bundles on every open link.
func (r *Router) SetPrimeMode(prime bool) {
	r.mutex.Lock()
	changed := r.prime != prime
	r.prime = prime
	links := append([]*Link(nil), r.links...)
	r.mutex.Unlock()

	if !changed || !prime {
		return
	}

	for _, l := range links {
		if l.IsOpen() && !l.IsRejected() {
			r.unrouted.RouteToLink(l, r.xmtEnabled)
		}
	}
}

// SetFwdlnkEnabled toggles forward-link processing.
func (r *Router) SetFwdlnkEnabled(enabled bool) {
	r.mutex.Lock()
	r.fwdlnkEnabled = enabled
	fwdLink := r.fwdLink
	r.mutex.Unlock()

	if fwdLink != nil {
		fwdLink.SetFwdlnkEnabled(enabled)
	}
}

// SetFwdlnkAOS records an AOS/LOS transition of the space link.
func (r *Router) SetFwdlnkAOS(aos bool) {
	r.mutex.Lock()
	r.fwdlnkAOS = aos
	fwdLink := r.fwdLink
	r.mutex.Unlock()

	if fwdLink != nil {
		fwdLink.SetFwdlnkAOS(aos)
	}
}

// SetFwdlnkForceLOSWhileDisabled controls LOS signalling of a disabled link.
func (r *Router) SetFwdlnkForceLOSWhileDisabled(force bool) {
	r.mutex.Lock()
	r.forceLOS = force
	fwdLink := r.fwdLink
	r.mutex.Unlock()

	if fwdLink != nil {
		fwdLink.SetForceLOSWhileDisabled(force)
	}
}

// SetFwdlnkThrottle reconfigures the forward link's rate limit.
func (r *Router) SetFwdlnkThrottle(bps uint64) {
	r.mutex.Lock()
	fwdLink := r.fwdLink
	if lc := r.cfg.FwdLink(); lc != nil {
		lc.ThrottleBps = bps
	}
	r.mutex.Unlock()

	if fwdLink != nil {
		fwdLink.SetThrottleBps(bps)
	}
}

// FwdlinkTransmitEnable enables pairs for forward transmission and routes
// newly eligible parked bundles.
func (r *Router) FwdlinkTransmitEnable(srcs, dsts []uint64) {
	r.applyXmtRule(config.FwdXmtRule{Enable: true, Srcs: srcs, Dsts: dsts})

	r.mutex.Lock()
	fwdLink := r.fwdLink
	r.mutex.Unlock()

	if fwdLink != nil && fwdLink.IsOpen() {
		r.unrouted.RouteToLink(fwdLink, r.xmtEnabled)
	}
}

// FwdlinkTransmitDisable disables pairs and pulls their queued bundles back
// into the unrouted holding area.
func (r *Router) FwdlinkTransmitDisable(srcs, dsts []uint64) {
	r.applyXmtRule(config.FwdXmtRule{Enable: false, Srcs: srcs, Dsts: dsts})

	r.mutex.Lock()
	fwdLink := r.fwdLink
	r.mutex.Unlock()

	if fwdLink != nil {
		fwdLink.Tree().ReturnDisabledBundles(r.unrouted, r.xmtEnabled)
	}
}

func (r *Router) applyXmtRule(rule config.FwdXmtRule) {
	switch {
	case rule.Srcs == nil && rule.Dsts == nil:
		r.xmtEnabled.PutDoubleWildcards(rule.Enable)

	case rule.Srcs == nil:
		for _, dst := range rule.Dsts {
			r.xmtEnabled.PutWildcardSource(dst, rule.Enable)
		}

	case rule.Dsts == nil:
		for _, src := range rule.Srcs {
			r.xmtEnabled.PutWildcardDest(src, rule.Enable)
		}

	default:
		for _, src := range rule.Srcs {
			for _, dst := range rule.Dsts {
				r.xmtEnabled.PutPair(src, dst, rule.Enable)
			}
		}
	}
}

// ReconfigureSourcePriority pushes a node's source priority to every link.
func (r *Router) ReconfigureSourcePriority(node uint64, priority int) {
	for _, l := range r.Links() {
		l.Tree().SetSrcNodePriority(node, priority)
	}
}

// ReconfigureDestPriority pushes a node's destination priority to every link.
func (r *Router) ReconfigureDestPriority(node uint64, priority int) {
	for _, l := range r.Links() {
		l.Tree().SetDstNodePriority(node, priority)
	}
}

// SetLinkStatistics toggles every link's periodic statistics log line.
func (r *Router) SetLinkStatistics(enabled bool) {
	for _, l := range r.Links() {
		l.SetLinkStatistics(enabled)
	}
}

// ApplyConfig installs a fresh policy configuration: link whitelists, the
// transmit-enable table, node priorities and link disables.
func (r *Router) ApplyConfig(cfg *config.Config) {
	r.mutex.Lock()
	r.cfg = cfg
	links := append([]*Link(nil), r.links...)
	r.mutex.Unlock()

	r.xmtEnabled.Clear()
	for _, rule := range cfg.FwdXmtRules {
		r.applyXmtRule(rule)
	}

	for _, l := range links {
		lc := cfg.Links[l.ID()]

		if lc == nil {
			if cfg.Disabled[l.ID()] || !l.IsConfigured() && !internalConvLayer(l.ConvLayer()) {
				l.ForceClosed()
			}
			continue
		}

		l.ApplyCfg(lc)

		if lc.IsFwdLink {
			r.mutex.Lock()
			r.fwdLink = l
			fwdlnkEnabled, fwdlnkAOS, forceLOS := r.fwdlnkEnabled, r.fwdlnkAOS, r.forceLOS
			r.mutex.Unlock()

			l.SetForceLOSWhileDisabled(forceLOS)
			l.SetFwdlnkEnabled(fwdlnkEnabled)
			l.SetFwdlnkAOS(fwdlnkAOS)
		}
	}

	for node, priority := range cfg.SourcePriority {
		r.ReconfigureSourcePriority(node, priority)
	}
	for node, priority := range cfg.DestPriority {
		r.ReconfigureDestPriority(node, priority)
	}

	r.mutex.Lock()
	fwdLink := r.fwdLink
	r.mutex.Unlock()

	if fwdLink != nil && fwdLink.IsOpen() {
		r.unrouted.RouteToLink(fwdLink, r.xmtEnabled)
		fwdLink.Tree().ReturnDisabledBundles(r.unrouted, r.xmtEnabled)
	}
}
