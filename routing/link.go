// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dtn7/ehsrouter-go/bundle"
	"github.com/dtn7/ehsrouter-go/config"
	"github.com/dtn7/ehsrouter-go/msgs"
)

// SendFunc hands an outbound message to the control channel. Implementations
// serialize before enqueueing; no data-model lock may be held while calling.
type SendFunc func(m msgs.Message)

// LinkState is a link's daemon-reported state.
type LinkState string

const (
	LinkUnknown     LinkState = "unknown"
	LinkAvailable   LinkState = "available"
	LinkUnavailable LinkState = "unavailable"
	LinkOpen        LinkState = "open"
	LinkClosed      LinkState = "closed"
)

// linkBundleOverhead is the fixed per-bundle framing overhead charged against
// the rate limiter, in bytes.
const linkBundleOverhead = 40

// linkBurstBits caps the leaky bucket's depth at one maximum-sized frame.
const linkBurstBits = 8 * (10_000_000 + linkBundleOverhead)

// missedBundleIdle is the sender idle time after recent activity that
// triggers a probe for bundles the router never saw routed.
const missedBundleIdle = 30 * time.Second

// Link mirrors one daemon link and owns the per-link transmit scheduler. Its
// Sender goroutine pops the PriorityTree, drains the leaky bucket and emits
// transmit requests while the link is open and, for the forward link, enabled
// and in AOS.
type Link struct {
	linkID string
	send   SendFunc
	router *Router

	tree *PriorityTree

	mutex      sync.Mutex
	remoteEID  string
	remoteAddr string
	convLayer  string
	nextHop    string
	remotePort uint64
	state      LinkState
	isFwdLink  bool
	rejected   bool
	configured bool

	fwdlnkEnabled bool
	fwdlnkAOS     bool
	forceLOS      bool

	rateBps uint64
	limiter *rate.Limiter

	sources map[uint64]bool
	dests   map[uint64]bool

	statsEnabled bool
	bundlesSent  uint64
	bytesSent    uint64

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewLink creates a Link from a report entry and starts its Sender.
func NewLink(entry msgs.LinkEntry, send SendFunc, router *Router) *Link {
	l := &Link{
		linkID:     entry.LinkID,
		send:       send,
		router:     router,
		tree:       NewPriorityTree(),
		remoteEID:  entry.RemoteEID,
		remoteAddr: entry.RemoteAddr,
		convLayer:  entry.ConvLayer,
		nextHop:    entry.NextHop,
		remotePort: entry.RemotePort,
		state:      LinkUnknown,
		sources:    make(map[uint64]bool),
		dests:      make(map[uint64]bool),
		stopSyn:    make(chan struct{}),
		stopAck:    make(chan struct{}),
	}

	l.setState(LinkState(entry.LinkState))

	go l.sender()

	return l
}

// ID returns the daemon's link id.
func (l *Link) ID() string {
	return l.linkID
}

// RemoteEID returns the peer's endpoint id.
func (l *Link) RemoteEID() string {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.remoteEID
}

// RemoteAddr returns the peer's network address.
func (l *Link) RemoteAddr() string {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.remoteAddr
}

// ConvLayer returns the daemon-side convergence layer name.
func (l *Link) ConvLayer() string {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.convLayer
}

// State returns the current link state.
func (l *Link) State() LinkState {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.state
}

// IsOpen reports whether the link is in the open state.
func (l *Link) IsOpen() bool {
	return l.State() == LinkOpen
}

// IsFwdLink reports whether this is the AOS-gated forward link.
func (l *Link) IsFwdLink() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.isFwdLink
}

// IsRejected reports whether this link was force-closed as unconfigured.
func (l *Link) IsRejected() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.rejected
}

// IsConfigured reports whether a LINK_ENABLE or FORWARD_LINK applied here.
func (l *Link) IsConfigured() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.configured
}

// ThrottleBps returns the configured rate limit, zero meaning unlimited.
func (l *Link) ThrottleBps() uint64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.rateBps
}

// IsNodeReachable reports whether the node is a configured destination.
func (l *Link) IsNodeReachable(node uint64) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.dests[node]
}

// ValidSourceNode reports whether the node may source bundles over this link.
func (l *Link) ValidSourceNode(node uint64) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.sources[node]
}

// ValidDestNode reports whether the node is a permitted destination.
func (l *Link) ValidDestNode(node uint64) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.dests[node]
}

// DestNodes returns the configured destination node ids.
func (l *Link) DestNodes() []uint64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	nodes := make([]uint64, 0, len(l.dests))
	for n := range l.dests {
		nodes = append(nodes, n)
	}
	return nodes
}

// QueueBundle schedules one bundle on this link.
func (l *Link) QueueBundle(b *bundle.Bundle) {
	l.tree.Insert(b)

	log.WithFields(log.Fields{
		"link":   l.linkID,
		"bundle": b.ID,
	}).Debug("Bundle queued on link")
}

// QueueBundleList merges a whole per-pair queue into this link's scheduler.
func (l *Link) QueueBundleList(pq *PriorityQueue) {
	l.tree.InsertQueue(pq)
}

// PendingBundles returns the number of bundles queued on this link.
func (l *Link) PendingBundles() uint64 {
	return l.tree.Size()
}

// Tree exposes the scheduler for priority reconfiguration.
func (l *Link) Tree() *PriorityTree {
	return l.tree
}

// ApplyCfg applies a link configuration, replacing the whitelists and the
// throttle.
func (l *Link) ApplyCfg(lc *config.LinkCfg) {
	l.mutex.Lock()
	l.configured = true
	l.isFwdLink = lc.IsFwdLink

	l.sources = make(map[uint64]bool, len(lc.SourceNodes))
	for n := range lc.SourceNodes {
		l.sources[n] = true
	}
	l.dests = make(map[uint64]bool, len(lc.DestNodes))
	for n := range lc.DestNodes {
		l.dests[n] = true
	}

	l.setThrottleLocked(lc.ThrottleBps)
	l.mutex.Unlock()

	log.WithFields(log.Fields{
		"link":    l.linkID,
		"fwdlink": lc.IsFwdLink,
		"rate":    lc.ThrottleBps,
		"sources": len(lc.SourceNodes),
		"dests":   len(lc.DestNodes),
	}).Debug("Link configuration applied")

	l.applyRateThrottle()
}

func (l *Link) setThrottleLocked(bps uint64) {
	l.rateBps = bps
	if bps == 0 {
		l.limiter = nil
	} else if l.limiter == nil {
		l.limiter = rate.NewLimiter(rate.Limit(bps), linkBurstBits)
		// the bucket starts empty and fills at the configured rate
		l.limiter.AllowN(time.Now(), linkBurstBits)
	} else {
		l.limiter.SetLimit(rate.Limit(bps))
	}
}

// SetThrottleBps changes the rate limit at runtime.
func (l *Link) SetThrottleBps(bps uint64) {
	l.mutex.Lock()
	l.setThrottleLocked(bps)
	l.mutex.Unlock()

	l.applyRateThrottle()
}

// applyRateThrottle pushes the forward link's rate to the convergence layer.
func (l *Link) applyRateThrottle() {
	l.mutex.Lock()
	isFwdLink, rateBps := l.isFwdLink, l.rateBps
	l.mutex.Unlock()

	if !isFwdLink {
		return
	}

	l.send(&msgs.LinkReconfigureReq{
		LinkID:    l.linkID,
		KeyValues: []msgs.KeyValue{msgs.UIntKeyValue("rate", rateBps)},
	})
}

// SetFwdlnkEnabled toggles forward-link transmission and re-signals comm_aos.
func (l *Link) SetFwdlnkEnabled(enabled bool) {
	l.mutex.Lock()
	changed := l.fwdlnkEnabled != enabled
	l.fwdlnkEnabled = enabled
	l.mutex.Unlock()

	if changed {
		l.sendReconfigureCommAOS()
	}
}

// SetFwdlnkAOS records an AOS/LOS transition and informs the daemon so the
// forward convergence layer stops or resumes link-layer traffic.
func (l *Link) SetFwdlnkAOS(aos bool) {
	l.mutex.Lock()
	changed := l.fwdlnkAOS != aos
	l.fwdlnkAOS = aos
	l.mutex.Unlock()

	if changed {
		log.WithFields(log.Fields{
			"link": l.linkID,
			"aos":  aos,
		}).Info("Forward link signal state changed")

		l.sendReconfigureCommAOS()
	}
}

// SetForceLOSWhileDisabled controls whether a disabled forward link reports
// LOS regardless of the actual signal state.
func (l *Link) SetForceLOSWhileDisabled(force bool) {
	l.mutex.Lock()
	changed := l.forceLOS != force
	l.forceLOS = force
	l.mutex.Unlock()

	if changed {
		l.sendReconfigureCommAOS()
	}
}

func (l *Link) sendReconfigureCommAOS() {
	l.mutex.Lock()
	if !l.isFwdLink {
		l.mutex.Unlock()
		return
	}

	aos := l.fwdlnkAOS
	if l.forceLOS && !l.fwdlnkEnabled {
		aos = false
	}
	l.mutex.Unlock()

	l.send(&msgs.LinkReconfigureReq{
		LinkID:    l.linkID,
		KeyValues: []msgs.KeyValue{msgs.BoolKeyValue("comm_aos", aos)},
	})
}

// SetLinkStatistics toggles the periodic sender statistics log line.
func (l *Link) SetLinkStatistics(enabled bool) {
	l.mutex.Lock()
	l.statsEnabled = enabled
	l.mutex.Unlock()
}

func (l *Link) setState(state LinkState) {
	switch state {
	case LinkAvailable, LinkUnavailable, LinkOpen, LinkClosed:
		l.state = state
	default:
		l.state = LinkUnknown
	}
}

// ProcessLinkReportEntry refreshes this link from a report entry.
func (l *Link) ProcessLinkReportEntry(entry msgs.LinkEntry) {
	l.mutex.Lock()
	l.remoteEID = entry.RemoteEID
	l.remoteAddr = entry.RemoteAddr
	l.convLayer = entry.ConvLayer
	l.nextHop = entry.NextHop
	l.remotePort = entry.RemotePort
	l.setState(LinkState(entry.LinkState))
	l.mutex.Unlock()
}

// ProcessLinkAvailable marks the link available.
func (l *Link) ProcessLinkAvailable() {
	l.mutex.Lock()
	l.setState(LinkAvailable)
	l.mutex.Unlock()
}

// ProcessLinkOpened marks the link open; the Router follows up by moving
// matching unrouted bundles here.
func (l *Link) ProcessLinkOpened(entry msgs.LinkEntry) {
	l.mutex.Lock()
	l.remoteEID = entry.RemoteEID
	l.remoteAddr = entry.RemoteAddr
	l.convLayer = entry.ConvLayer
	l.nextHop = entry.NextHop
	l.remotePort = entry.RemotePort
	l.setState(LinkOpen)
	l.mutex.Unlock()

	log.WithFields(log.Fields{
		"link": l.linkID,
		"peer": entry.RemoteEID,
	}).Info("Link opened")
}

// ProcessLinkClosed marks the link closed and returns every queued bundle to
// the router's unrouted holding area.
func (l *Link) ProcessLinkClosed() {
	l.mutex.Lock()
	l.setState(LinkClosed)
	l.mutex.Unlock()

	moved := l.router.ReturnAllBundlesToRouter(l.tree)

	log.WithFields(log.Fields{
		"link":    l.linkID,
		"bundles": moved,
	}).Info("Link closed")
}

// ProcessLinkUnavailable marks the link unavailable.
func (l *Link) ProcessLinkUnavailable() {
	l.mutex.Lock()
	l.setState(LinkUnavailable)
	l.mutex.Unlock()
}

// ForceClosed rejects this link: its state becomes closed and the daemon is
// asked to close it for real.
func (l *Link) ForceClosed() {
	l.mutex.Lock()
	l.rejected = true
	l.setState(LinkClosed)
	l.mutex.Unlock()

	log.WithFields(log.Fields{
		"link": l.linkID,
	}).Warn("Force-closing unconfigured link")

	req := &msgs.LinkCloseReq{}
	req.LinkID = l.linkID
	l.send(req)
}

// OkayToSend reports whether the Sender may emit transmit requests: the link
// is open and, for the forward link, enabled and in AOS.
func (l *Link) OkayToSend() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.state != LinkOpen {
		return false
	}
	if l.isFwdLink {
		return l.fwdlnkEnabled && l.fwdlnkAOS
	}
	return true
}

// Stop terminates the Sender goroutine.
func (l *Link) Stop() {
	close(l.stopSyn)

	select {
	case <-l.stopAck:
	case <-time.After(10 * time.Second):
		log.WithFields(log.Fields{
			"link": l.linkID,
		}).Warn("Link sender did not acknowledge shutdown in time")
	}
}

func (l *Link) shouldStop() bool {
	select {
	case <-l.stopSyn:
		return true
	default:
		return false
	}
}

// drainBucket blocks until the bucket absorbs the bundle's bits. It aborts,
// returning false, when the link becomes un-sendable or the Sender stops.
func (l *Link) drainBucket(b *bundle.Bundle) bool {
	l.mutex.Lock()
	limiter := l.limiter
	l.mutex.Unlock()

	if limiter == nil {
		return true
	}

	bits := int((b.Length + linkBundleOverhead) * 8)
	for !limiter.AllowN(time.Now(), bits) {
		if l.shouldStop() || !l.OkayToSend() {
			log.WithFields(log.Fields{
				"link":   l.linkID,
				"bundle": b.ID,
			}).Debug("Terminating wait to send bundle due to LOS or disabled")
			return false
		}
		time.Sleep(time.Microsecond)
	}

	return true
}

// sender is the Link's transmit loop.
func (l *Link) sender() {
	defer close(l.stopAck)

	var bundleWasQueued bool
	lastActivity := time.Now()
	lastStats := time.Now()

	for !l.shouldStop() {
		if l.tree.Empty() || !l.OkayToSend() {
			time.Sleep(10 * time.Millisecond)
		} else if b := l.tree.Pop(); b != nil {
			if b.Deleted() {
				continue
			}

			b.SetInSender(true)

			if !l.drainBucket(b) {
				b.SetInSender(false)
				if !b.Deleted() {
					// back onto the tree at its original priority
					l.tree.Insert(b)
				}
				continue
			}

			if b.Deleted() {
				b.SetInSender(false)
				continue
			}

			l.send(&msgs.TransmitBundleReq{BundleID: b.ID, LinkID: l.linkID})

			l.mutex.Lock()
			l.bundlesSent++
			l.bytesSent += b.Length + linkBundleOverhead
			l.mutex.Unlock()

			bundleWasQueued = true
			lastActivity = time.Now()
		}

		if bundleWasQueued && l.tree.Empty() && time.Since(lastActivity) >= missedBundleIdle {
			bundleWasQueued = false
			l.router.CheckForMissedBundles(l)
		}

		if time.Since(lastStats) >= 10*time.Second {
			lastStats = time.Now()

			l.mutex.Lock()
			enabled, sent, sentBytes := l.statsEnabled, l.bundlesSent, l.bytesSent
			l.mutex.Unlock()

			if enabled {
				log.WithFields(log.Fields{
					"link":    l.linkID,
					"bundles": sent,
					"bytes":   sentBytes,
				}).Info("Link sender statistics")
			}
		}
	}
}
