// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"sync"
	"testing"
	"time"

	"github.com/dtn7/ehsrouter-go/bundle"
	"github.com/dtn7/ehsrouter-go/config"
	"github.com/dtn7/ehsrouter-go/msgs"
)

// msgRecorder collects outbound messages for inspection.
type msgRecorder struct {
	mutex sync.Mutex
	list  []msgs.Message
}

func (rec *msgRecorder) send(m msgs.Message) {
	rec.mutex.Lock()
	rec.list = append(rec.list, m)
	rec.mutex.Unlock()
}

func (rec *msgRecorder) transmitReqs() []*msgs.TransmitBundleReq {
	rec.mutex.Lock()
	defer rec.mutex.Unlock()

	var reqs []*msgs.TransmitBundleReq
	for _, m := range rec.list {
		if req, ok := m.(*msgs.TransmitBundleReq); ok {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

func (rec *msgRecorder) closeReqs() []*msgs.LinkCloseReq {
	rec.mutex.Lock()
	defer rec.mutex.Unlock()

	var reqs []*msgs.LinkCloseReq
	for _, m := range rec.list {
		if req, ok := m.(*msgs.LinkCloseReq); ok {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

func (rec *msgRecorder) commAOS() []bool {
	rec.mutex.Lock()
	defer rec.mutex.Unlock()

	var states []bool
	for _, m := range rec.list {
		if req, ok := m.(*msgs.LinkReconfigureReq); ok {
			for _, kv := range req.KeyValues {
				if kv.Key == "comm_aos" {
					states = append(states, kv.BoolValue)
				}
			}
		}
	}
	return states
}

// fakeNode is a NodeOwner stub.
type fakeNode struct {
	mutex  sync.Mutex
	local  map[uint64]bool
	probes int
}

func (fn *fakeNode) IsLocalNode(node uint64) bool {
	return fn.local[node]
}

func (fn *fakeNode) MissedBundles([]uint64) {
	fn.mutex.Lock()
	fn.probes++
	fn.mutex.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("timeout waiting for " + what)
}

func linkEntry(linkID string, state LinkState) msgs.LinkEntry {
	return msgs.LinkEntry{
		LinkID:     linkID,
		RemoteEID:  "ipn:20.0",
		ConvLayer:  "tcp",
		RemoteAddr: "10.0.0.2",
		RemotePort: 4556,
		LinkState:  string(state),
	}
}

func linkConfig(linkID string, dests ...uint64) *config.LinkCfg {
	destNodes := make(map[uint64]bool)
	for _, n := range dests {
		destNodes[n] = true
	}

	return &config.LinkCfg{
		LinkID:      linkID,
		SourceNodes: map[uint64]bool{10: true, 11: true},
		DestNodes:   destNodes,
	}
}

func newTestRouter(t *testing.T, rec *msgRecorder) *Router {
	t.Helper()

	r := NewRouter(rec.send, &fakeNode{local: map[uint64]bool{100: true}})
	t.Cleanup(r.Stop)

	return r
}

func TestRouterRoutesOnOpenLink(t *testing.T) {
	rec := &msgRecorder{}
	r := newTestRouter(t, rec)

	cfg := config.Default()
	cfg.Links["link-30"] = linkConfig("link-30", 20)
	r.ApplyConfig(cfg)

	r.PostLinkMessage(&msgs.LinkReport{Links: []msgs.LinkEntry{linkEntry("link-30", LinkOpen)}})
	waitFor(t, "link registration", func() bool { return r.LinkByID("link-30") != nil })

	r.PostRouteBundle(pairBundle(1, 10, 20, bundle.Normal))

	waitFor(t, "transmit request", func() bool { return len(rec.transmitReqs()) == 1 })

	req := rec.transmitReqs()[0]
	if req.BundleID != 1 || req.LinkID != "link-30" {
		t.Fatalf("unexpected transmit request: %+v", req)
	}
}

func TestRouterParksUnroutedUntilLinkOpens(t *testing.T) {
	rec := &msgRecorder{}
	r := newTestRouter(t, rec)

	cfg := config.Default()
	cfg.Links["link-30"] = linkConfig("link-30", 20)
	r.ApplyConfig(cfg)

	// no link for node 20 yet
	r.PostRouteBundle(pairBundle(1, 10, 20, bundle.Normal))
	waitFor(t, "bundle parked", func() bool { return r.Unrouted().Size() == 1 })

	if len(rec.transmitReqs()) != 0 {
		t.Fatal("nothing must be transmitted without a link")
	}

	opened := &msgs.LinkOpened{Link: linkEntry("link-30", LinkOpen)}
	r.PostLinkMessage(opened)

	waitFor(t, "transmit request", func() bool { return len(rec.transmitReqs()) == 1 })

	if r.Unrouted().Size() != 0 {
		t.Fatal("unrouted tree must drain into the opened link")
	}
	if req := rec.transmitReqs()[0]; req.BundleID != 1 || req.LinkID != "link-30" {
		t.Fatalf("unexpected transmit request: %+v", req)
	}
}

func TestRouterForceClosesUnconfiguredLink(t *testing.T) {
	rec := &msgRecorder{}
	r := newTestRouter(t, rec)

	r.PostLinkMessage(&msgs.LinkReport{Links: []msgs.LinkEntry{linkEntry("rogue", LinkOpen)}})

	waitFor(t, "close request", func() bool { return len(rec.closeReqs()) == 1 })

	if req := rec.closeReqs()[0]; req.LinkID != "rogue" {
		t.Fatalf("unexpected close request: %+v", req)
	}
	if l := r.LinkByID("rogue"); l == nil || !l.IsRejected() {
		t.Fatal("rogue link must be rejected")
	}
}

func TestRouterKeepsInternalConvLayers(t *testing.T) {
	rec := &msgRecorder{}
	r := newTestRouter(t, rec)

	entry := linkEntry("restage-1", LinkOpen)
	entry.ConvLayer = "restage"
	r.PostLinkMessage(&msgs.LinkReport{Links: []msgs.LinkEntry{entry}})

	waitFor(t, "link registration", func() bool { return r.LinkByID("restage-1") != nil })

	if len(rec.closeReqs()) != 0 {
		t.Fatal("internal conv-layer links must not be force-closed")
	}
}

func TestRouterFwdLinkTransmitEnable(t *testing.T) {
	rec := &msgRecorder{}
	r := newTestRouter(t, rec)

	cfg := config.Default()
	if err := cfg.ParseDirective("FORWARD_LINK fwd`0`20-25"); err != nil {
		t.Fatal(err)
	}
	if err := cfg.ParseDirective("FWDLINK_TRANSMIT_ENABLE 10`20"); err != nil {
		t.Fatal(err)
	}
	r.ApplyConfig(cfg)
	r.SetFwdlnkEnabled(true)
	r.SetFwdlnkAOS(true)

	r.PostLinkMessage(&msgs.LinkReport{Links: []msgs.LinkEntry{linkEntry("fwd", LinkOpen)}})
	waitFor(t, "link registration", func() bool { return r.LinkByID("fwd") != nil })

	// enabled pair flows
	r.PostRouteBundle(pairBundle(1, 10, 20, bundle.Normal))
	waitFor(t, "transmit request", func() bool { return len(rec.transmitReqs()) == 1 })

	// disabled pair parks
	r.PostRouteBundle(pairBundle(2, 11, 20, bundle.Normal))
	waitFor(t, "bundle parked", func() bool { return r.Unrouted().Size() == 1 })

	// enabling the pair releases it
	r.FwdlinkTransmitEnable([]uint64{11}, []uint64{20})
	waitFor(t, "second transmit request", func() bool { return len(rec.transmitReqs()) == 2 })
}

func TestRouterFwdLinkLocalSourceBypass(t *testing.T) {
	rec := &msgRecorder{}
	r := newTestRouter(t, rec)

	cfg := config.Default()
	if err := cfg.ParseDirective("FORWARD_LINK fwd`0`20-25"); err != nil {
		t.Fatal(err)
	}
	r.ApplyConfig(cfg)
	r.SetFwdlnkEnabled(true)
	r.SetFwdlnkAOS(true)

	r.PostLinkMessage(&msgs.LinkReport{Links: []msgs.LinkEntry{linkEntry("fwd", LinkOpen)}})
	waitFor(t, "link registration", func() bool { return r.LinkByID("fwd") != nil })

	// node 100 is local, custody signals and such always pass
	r.PostRouteBundle(pairBundle(1, 100, 20, bundle.Normal))
	waitFor(t, "transmit request", func() bool { return len(rec.transmitReqs()) == 1 })
}

func TestRouterEcosCriticalFanOut(t *testing.T) {
	rec := &msgRecorder{}
	r := newTestRouter(t, rec)

	cfg := config.Default()
	cfg.Links["link-30"] = linkConfig("link-30", 20)
	cfg.Links["link-31"] = linkConfig("link-31", 21)
	r.ApplyConfig(cfg)

	r.PostLinkMessage(&msgs.LinkReport{Links: []msgs.LinkEntry{
		linkEntry("link-30", LinkOpen),
		linkEntry("link-31", LinkOpen),
		linkEntry("link-32", LinkOpen),
	}})
	waitFor(t, "link registration", func() bool { return r.LinkByID("link-32") != nil })

	b := pairBundle(1, 10, 20, bundle.Expedited)
	b.EcosFlags = bundle.EcosCritical
	b.ReceivedFromLink = "link-32"

	r.PostRouteBundle(b)

	// critical bundles go out on every configured link except the arrival one
	waitFor(t, "duplicate transmit requests", func() bool { return len(rec.transmitReqs()) == 2 })

	links := map[string]bool{}
	for _, req := range rec.transmitReqs() {
		links[req.LinkID] = true
	}
	if !links["link-30"] || !links["link-31"] || links["link-32"] {
		t.Fatalf("unexpected fan-out: %v", links)
	}
}

func TestRouterAcceptBundle(t *testing.T) {
	rec := &msgRecorder{}
	r := newTestRouter(t, rec)

	cfg := config.Default()
	cfg.Links["link-30"] = linkConfig("link-30", 20)
	r.ApplyConfig(cfg)

	r.PostLinkMessage(&msgs.LinkReport{Links: []msgs.LinkEntry{linkEntry("link-30", LinkOpen)}})
	waitFor(t, "link registration", func() bool { return r.LinkByID("link-30") != nil })

	if ok, _ := r.AcceptBundle(pairBundle(1, 10, 20, bundle.Normal), "link-30"); !ok {
		t.Fatal("whitelisted pair must be accepted")
	}
	if ok, _ := r.AcceptBundle(pairBundle(2, 66, 20, bundle.Normal), "link-30"); ok {
		t.Fatal("unknown source must be rejected")
	}
	if ok, _ := r.AcceptBundle(pairBundle(3, 10, 66, bundle.Normal), "link-30"); ok {
		t.Fatal("unknown destination must be rejected")
	}
	if ok, _ := r.AcceptBundle(pairBundle(4, 10, 100, bundle.Normal), "link-30"); !ok {
		t.Fatal("local destination must be accepted")
	}
	if ok, _ := r.AcceptBundle(pairBundle(5, 10, 20, bundle.Normal), "unknown"); ok {
		t.Fatal("unknown link must be rejected")
	}
	if ok, _ := r.AcceptBundle(pairBundle(6, 10, 20, bundle.Normal), ""); !ok {
		t.Fatal("daemon-originated bundles must be accepted")
	}
}

func TestLinkOkayToSendGating(t *testing.T) {
	rec := &msgRecorder{}
	r := newTestRouter(t, rec)

	l := NewLink(linkEntry("fwd", LinkClosed), rec.send, r)
	t.Cleanup(l.Stop)

	l.ApplyCfg(&config.LinkCfg{LinkID: "fwd", IsFwdLink: true, DestNodes: map[uint64]bool{20: true}})

	if l.OkayToSend() {
		t.Fatal("closed link must not send")
	}

	l.ProcessLinkOpened(linkEntry("fwd", LinkOpen))
	if l.OkayToSend() {
		t.Fatal("forward link must wait for enable and AOS")
	}

	l.SetFwdlnkEnabled(true)
	if l.OkayToSend() {
		t.Fatal("forward link must wait for AOS")
	}

	l.SetFwdlnkAOS(true)
	if !l.OkayToSend() {
		t.Fatal("open, enabled link in AOS must send")
	}

	l.SetFwdlnkAOS(false)
	if l.OkayToSend() {
		t.Fatal("LOS must stop the sender")
	}
}

func TestLinkCommAOSSignalling(t *testing.T) {
	rec := &msgRecorder{}
	r := newTestRouter(t, rec)

	l := NewLink(linkEntry("fwd", LinkOpen), rec.send, r)
	t.Cleanup(l.Stop)

	l.ApplyCfg(&config.LinkCfg{LinkID: "fwd", IsFwdLink: true, DestNodes: map[uint64]bool{20: true}})
	l.SetFwdlnkEnabled(true)

	l.SetFwdlnkAOS(true)
	l.SetFwdlnkAOS(false)

	states := rec.commAOS()
	if len(states) < 2 {
		t.Fatalf("expected comm_aos reconfigure messages, got %v", states)
	}
	if states[len(states)-2] != true || states[len(states)-1] != false {
		t.Fatalf("expected true then false, got %v", states)
	}
}

func TestLinkForceLOSWhileDisabled(t *testing.T) {
	rec := &msgRecorder{}
	r := newTestRouter(t, rec)

	l := NewLink(linkEntry("fwd", LinkOpen), rec.send, r)
	t.Cleanup(l.Stop)

	l.ApplyCfg(&config.LinkCfg{LinkID: "fwd", IsFwdLink: true, DestNodes: map[uint64]bool{20: true}})
	l.SetForceLOSWhileDisabled(true)

	// disabled and forced: AOS transitions must still report LOS
	l.SetFwdlnkAOS(true)

	states := rec.commAOS()
	if len(states) == 0 {
		t.Fatal("expected a comm_aos reconfigure message")
	}
	if states[len(states)-1] != false {
		t.Fatal("disabled link with forced LOS must report comm_aos=false")
	}
}

func TestLinkClosedReturnsBundles(t *testing.T) {
	rec := &msgRecorder{}
	r := newTestRouter(t, rec)

	l := NewLink(linkEntry("link-30", LinkClosed), rec.send, r)
	t.Cleanup(l.Stop)
	l.ApplyCfg(linkConfig("link-30", 20))

	// closed link: the sender leaves the tree alone
	l.QueueBundle(pairBundle(1, 10, 20, bundle.Normal))
	l.QueueBundle(pairBundle(2, 10, 20, bundle.Normal))

	l.ProcessLinkClosed()

	if r.Unrouted().Size() != 2 {
		t.Fatalf("expected 2 bundles back in the unrouted tree, got %d", r.Unrouted().Size())
	}
	if l.PendingBundles() != 0 {
		t.Fatal("closed link must not keep bundles")
	}
}

func TestLinkSenderDropsDeletedBundles(t *testing.T) {
	rec := &msgRecorder{}
	r := newTestRouter(t, rec)

	l := NewLink(linkEntry("link-30", LinkOpen), rec.send, r)
	t.Cleanup(l.Stop)
	l.ApplyCfg(linkConfig("link-30", 20))

	deleted := pairBundle(1, 10, 20, bundle.Expedited)
	deleted.SetDeleted()
	live := pairBundle(2, 10, 20, bundle.Normal)

	l.QueueBundle(deleted)
	l.QueueBundle(live)

	waitFor(t, "transmit request", func() bool { return len(rec.transmitReqs()) == 1 })

	if req := rec.transmitReqs()[0]; req.BundleID != 2 {
		t.Fatalf("deleted bundle must be dropped, got transmit for %d", req.BundleID)
	}
}

func TestLinkSenderAbortsThrottleWaitOnLOS(t *testing.T) {
	rec := &msgRecorder{}
	r := newTestRouter(t, rec)

	l := NewLink(linkEntry("fwd", LinkOpen), rec.send, r)
	t.Cleanup(l.Stop)

	// 8 bps: the 1120 bucket bits for a 100 byte bundle take minutes
	l.ApplyCfg(&config.LinkCfg{
		LinkID:      "fwd",
		IsFwdLink:   true,
		ThrottleBps: 8,
		DestNodes:   map[uint64]bool{20: true},
	})
	l.SetFwdlnkEnabled(true)
	l.SetFwdlnkAOS(true)

	b := pairBundle(1, 10, 20, bundle.Normal)
	l.QueueBundle(b)

	// the sender pops the bundle and stalls in the bucket wait
	waitFor(t, "sender pickup", func() bool { return b.InSender() })
	if len(rec.transmitReqs()) != 0 {
		t.Fatal("the empty bucket must hold the bundle back")
	}

	// LOS aborts the wait, the bundle returns at its original priority
	l.SetFwdlnkAOS(false)
	waitFor(t, "bundle reinserted", func() bool { return l.PendingBundles() == 1 })

	if len(rec.transmitReqs()) != 0 {
		t.Fatal("an aborted wait must not transmit")
	}

	// lifting the throttle and the LOS lets the bundle flow
	l.SetThrottleBps(0)
	l.SetFwdlnkAOS(true)
	waitFor(t, "transmit request", func() bool { return len(rec.transmitReqs()) == 1 })
}

func TestUnroutedRouteToLink(t *testing.T) {
	rec := &msgRecorder{}
	r := newTestRouter(t, rec)

	l := NewLink(linkEntry("link-30", LinkClosed), rec.send, r)
	t.Cleanup(l.Stop)
	l.ApplyCfg(linkConfig("link-30", 20))

	ut := NewUnroutedTree()
	ut.Insert(pairBundle(1, 10, 20, bundle.Normal))
	ut.Insert(pairBundle(2, 10, 21, bundle.Normal))

	xmtEnabled := NewSrcDstWildcardMap()

	if moved := ut.RouteToLink(l, xmtEnabled); moved != 1 {
		t.Fatalf("expected 1 bundle moved, got %d", moved)
	}
	if ut.Size() != 1 {
		t.Fatalf("expected 1 bundle left, got %d", ut.Size())
	}
	if l.PendingBundles() != 1 {
		t.Fatalf("expected 1 bundle on the link, got %d", l.PendingBundles())
	}
}
