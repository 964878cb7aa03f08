// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package core

import (
	"sync"
	"testing"
	"time"

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

func (rec *msgRecorder) count(typeCode uint64) int {
	rec.mutex.Lock()
	defer rec.mutex.Unlock()

	count := 0
	for _, m := range rec.list {
		if m.TypeCode() == typeCode {
			count++
		}
	}
	return count
}

func (rec *msgRecorder) lastOfType(typeCode uint64) msgs.Message {
	rec.mutex.Lock()
	defer rec.mutex.Unlock()

	for i := len(rec.list) - 1; i >= 0; i-- {
		if rec.list[i].TypeCode() == typeCode {
			return rec.list[i]
		}
	}
	return nil
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

func bundleEntry(id uint64, src, dst string) msgs.BundleEntry {
	return msgs.BundleEntry{
		BundleID:   id,
		SourceEID:  src,
		DestEID:    dst,
		Length:     1024,
		Priority:   1,
		Expiration: 3600,
		GbofID:     src + "," + dst,
	}
}

// newTestNode creates a primed DtnNode whose router knows link-30 to node 20.
func newTestNode(t *testing.T, rec *msgRecorder, cfg *config.Config) *DtnNode {
	t.Helper()

	if cfg == nil {
		cfg = config.Default()
	}
	if _, ok := cfg.Links["link-30"]; !ok {
		if err := cfg.ParseDirective("LINK_ENABLE link-30`false`10,11`20"); err != nil {
			t.Fatal(err)
		}
	}

	n := NewDtnNode("ipn:100.0", rec.send, cfg)
	t.Cleanup(n.Stop)

	n.PostMessage(&msgs.LinkReport{Links: []msgs.LinkEntry{{
		LinkID:     "link-30",
		RemoteEID:  "ipn:20.0",
		ConvLayer:  "tcp",
		RemoteAddr: "10.0.0.2",
		LinkState:  "open",
	}}})

	waitFor(t, "link registration", func() bool { return n.Router().LinkByID("link-30") != nil })

	return n
}

func TestNodeDiscardsBeforeLinkReport(t *testing.T) {
	rec := &msgRecorder{}
	n := NewDtnNode("ipn:100.0", rec.send, config.Default())
	t.Cleanup(n.Stop)

	n.PostMessage(&msgs.BundleReceived{LinkID: "link-30",
		Bundles: []msgs.BundleEntry{bundleEntry(1, "ipn:10.1", "ipn:20.1")}})

	time.Sleep(100 * time.Millisecond)

	if n.Catalogue().Size() != 0 {
		t.Fatal("messages before the link report must be discarded")
	}
}

func TestNodePrimesAfterLinkReport(t *testing.T) {
	rec := &msgRecorder{}
	newTestNode(t, rec, nil)

	// one link query at creation, another plus a bundle query on priming
	waitFor(t, "prime queries", func() bool {
		return rec.count(msgs.TypeLinkQuery) == 2 && rec.count(msgs.TypeBundleQuery) == 1
	})
}

func TestNodeRoutesReceivedBundle(t *testing.T) {
	rec := &msgRecorder{}
	n := newTestNode(t, rec, nil)

	n.PostMessage(&msgs.BundleReceived{LinkID: "link-30",
		Bundles: []msgs.BundleEntry{bundleEntry(1, "ipn:10.1", "ipn:20.1")}})

	waitFor(t, "transmit request", func() bool { return rec.count(msgs.TypeTransmitBundleReq) == 1 })

	req := rec.lastOfType(msgs.TypeTransmitBundleReq).(*msgs.TransmitBundleReq)
	if req.BundleID != 1 || req.LinkID != "link-30" {
		t.Fatalf("unexpected transmit request: %+v", req)
	}
}

func TestNodeLocalDelivery(t *testing.T) {
	rec := &msgRecorder{}
	n := newTestNode(t, rec, nil)

	n.PostMessage(&msgs.BundleReceived{LinkID: "link-30",
		Bundles: []msgs.BundleEntry{bundleEntry(1, "ipn:10.1", "ipn:100.7")}})

	waitFor(t, "undelivered index", func() bool { return n.UndeliveredCount() == 1 })

	if rec.count(msgs.TypeTransmitBundleReq) != 0 {
		t.Fatal("locally destined bundles must not be transmitted")
	}
}

func TestNodeDeliveredBeforeReceived(t *testing.T) {
	rec := &msgRecorder{}
	n := newTestNode(t, rec, nil)

	// the daemon delivered bundle 5 before we ever saw it
	delivered := &msgs.BundleDelivered{}
	delivered.BundleID = 5
	n.PostMessage(delivered)

	n.PostMessage(&msgs.BundleReceived{LinkID: "link-30",
		Bundles: []msgs.BundleEntry{bundleEntry(5, "ipn:10.1", "ipn:100.7")}})

	waitFor(t, "catalogue drained", func() bool {
		return n.Catalogue().Size() == 0 && n.Catalogue().Snapshot().Delivered == 1
	})

	if rec.count(msgs.TypeTransmitBundleReq) != 0 {
		t.Fatal("an already delivered bundle must not be routed")
	}
	if rec.count(msgs.TypeDeleteBundleReq) != 0 {
		t.Fatal("the daemon already disposed of the bundle, no delete request")
	}
}

func TestNodeRejectsBundleFromUnknownLink(t *testing.T) {
	rec := &msgRecorder{}
	n := newTestNode(t, rec, nil)

	n.PostMessage(&msgs.BundleReceived{LinkID: "link-66",
		Bundles: []msgs.BundleEntry{bundleEntry(1, "ipn:10.1", "ipn:20.1")}})

	waitFor(t, "delete request", func() bool { return rec.count(msgs.TypeDeleteBundleReq) == 1 })

	if n.Catalogue().Size() != 0 {
		t.Fatal("rejected bundle must leave the catalogue")
	}
	if n.Catalogue().Snapshot().Rejected != 1 {
		t.Fatal("rejection must be counted")
	}
}

func TestNodeCustodyFlow(t *testing.T) {
	rec := &msgRecorder{}

	cfg := config.Default()
	if err := cfg.ParseDirective("ACCEPT_CUSTODY true`*`*"); err != nil {
		t.Fatal(err)
	}
	n := newTestNode(t, rec, cfg)

	entry := bundleEntry(7, "ipn:10.1", "ipn:20.1")
	entry.CustodyRequested = true
	n.PostMessage(&msgs.BundleReceived{LinkID: "link-30", Bundles: []msgs.BundleEntry{entry}})

	// custody is taken before any routing happens
	waitFor(t, "take custody request", func() bool { return rec.count(msgs.TypeTakeCustodyReq) == 1 })
	if rec.count(msgs.TypeTransmitBundleReq) != 0 {
		t.Fatal("routing must wait for the custody answer")
	}

	n.PostMessage(&msgs.CustodyAccepted{BundleID: 7, CustodyID: 50})

	waitFor(t, "routing after custody", func() bool { return rec.count(msgs.TypeTransmitBundleReq) == 1 })
	waitFor(t, "custody index", func() bool { return n.CustodyCount() == 1 })

	// the redundant-reception failure still releases custody
	n.PostMessage(&msgs.CustodySignal{BundleID: 7, Success: false,
		Reason: msgs.CustodyReasonRedundantReception})

	waitFor(t, "custody released", func() bool {
		return n.CustodyCount() == 0 && n.Catalogue().Size() == 0
	})
}

func TestNodeCustodySignalFailureKeepsCustody(t *testing.T) {
	rec := &msgRecorder{}

	cfg := config.Default()
	if err := cfg.ParseDirective("ACCEPT_CUSTODY true`*`*"); err != nil {
		t.Fatal(err)
	}
	n := newTestNode(t, rec, cfg)

	entry := bundleEntry(7, "ipn:10.1", "ipn:20.1")
	entry.CustodyRequested = true
	n.PostMessage(&msgs.BundleReceived{LinkID: "link-30", Bundles: []msgs.BundleEntry{entry}})
	n.PostMessage(&msgs.CustodyAccepted{BundleID: 7, CustodyID: 50})

	waitFor(t, "custody index", func() bool { return n.CustodyCount() == 1 })

	// depleted storage (reason 4) is a real failure, custody stays here
	n.PostMessage(&msgs.CustodySignal{BundleID: 7, Success: false, Reason: 4})

	time.Sleep(100 * time.Millisecond)
	if n.CustodyCount() != 1 || n.Catalogue().Size() != 1 {
		t.Fatal("failure custody signal must keep the bundle")
	}
}

func TestNodeEcosCriticalDuplicate(t *testing.T) {
	rec := &msgRecorder{}
	n := newTestNode(t, rec, nil)

	first := bundleEntry(1, "ipn:10.1", "ipn:20.1")
	first.EcosFlags = 1
	dup := bundleEntry(2, "ipn:10.1", "ipn:20.1")
	dup.EcosFlags = 1
	dup.GbofID = first.GbofID

	n.PostMessage(&msgs.BundleReceived{LinkID: "link-30", Bundles: []msgs.BundleEntry{first}})
	n.PostMessage(&msgs.BundleReceived{LinkID: "link-30", Bundles: []msgs.BundleEntry{dup}})

	waitFor(t, "duplicate rejection", func() bool { return rec.count(msgs.TypeDeleteBundleReq) == 1 })

	req := rec.lastOfType(msgs.TypeDeleteBundleReq).(*msgs.DeleteBundleReq)
	if len(req.BundleIDs) != 1 || req.BundleIDs[0] != 2 {
		t.Fatalf("expected duplicate bundle 2 deleted, got %v", req.BundleIDs)
	}
	if n.Catalogue().Size() != 1 {
		t.Fatalf("expected 1 catalogued bundle, got %d", n.Catalogue().Size())
	}
}

func TestNodeTransmittedWithoutCustody(t *testing.T) {
	rec := &msgRecorder{}
	n := newTestNode(t, rec, nil)

	n.PostMessage(&msgs.BundleReceived{LinkID: "link-30",
		Bundles: []msgs.BundleEntry{bundleEntry(1, "ipn:10.1", "ipn:20.1")}})
	waitFor(t, "transmit request", func() bool { return rec.count(msgs.TypeTransmitBundleReq) == 1 })

	n.PostMessage(&msgs.BundleTransmitted{LinkID: "link-30", BundleID: 1, BytesSent: 1024})

	waitFor(t, "catalogue drained", func() bool { return n.Catalogue().Size() == 0 })

	if n.Catalogue().Snapshot().Transmitted != 1 {
		t.Fatal("transmission must be counted")
	}
}

func TestNodeTransmitFailureReroutes(t *testing.T) {
	rec := &msgRecorder{}
	n := newTestNode(t, rec, nil)

	n.PostMessage(&msgs.BundleReceived{LinkID: "link-30",
		Bundles: []msgs.BundleEntry{bundleEntry(1, "ipn:10.1", "ipn:20.1")}})
	waitFor(t, "transmit request", func() bool { return rec.count(msgs.TypeTransmitBundleReq) == 1 })

	// zero bytes sent means failure and triggers another routing round
	n.PostMessage(&msgs.BundleTransmitted{LinkID: "link-30", BundleID: 1, BytesSent: 0})

	waitFor(t, "re-route", func() bool { return rec.count(msgs.TypeTransmitBundleReq) == 2 })

	if n.Catalogue().Snapshot().TransmitFailed != 1 {
		t.Fatal("transmit failure must be counted")
	}
}

func TestNodeResync(t *testing.T) {
	rec := &msgRecorder{}
	n := newTestNode(t, rec, nil)

	// park two daemon-originated bundles for an unreachable destination
	n.PostMessage(&msgs.BundleReceived{LinkID: "", Bundles: []msgs.BundleEntry{
		bundleEntry(1, "ipn:10.1", "ipn:21.1"),
		bundleEntry(2, "ipn:10.1", "ipn:21.1"),
	}})
	waitFor(t, "catalogue filled", func() bool { return n.Catalogue().Size() == 2 })

	queriesBefore := rec.count(msgs.TypeBundleQuery)

	// first hello arms the comparison, nothing happens yet
	n.PostMessage(&msgs.Hello{BundlesReceived: 1000, BundlesPending: 0})
	time.Sleep(50 * time.Millisecond)
	if rec.count(msgs.TypeBundleQuery) != queriesBefore {
		t.Fatal("a single hello must not trigger a resync")
	}

	// the identical second hello reveals the divergence
	n.PostMessage(&msgs.Hello{BundlesReceived: 1000, BundlesPending: 0})
	waitFor(t, "bundle query", func() bool { return rec.count(msgs.TypeBundleQuery) == queriesBefore+1 })

	// the authoritative report knows neither bundle
	n.PostMessage(&msgs.BundleReport{LastMsg: true})

	waitFor(t, "ghosts removed", func() bool { return n.Catalogue().Size() == 0 })
}

func TestNodeResyncKeepsReportedBundles(t *testing.T) {
	rec := &msgRecorder{}
	n := newTestNode(t, rec, nil)

	n.PostMessage(&msgs.BundleReceived{LinkID: "", Bundles: []msgs.BundleEntry{
		bundleEntry(1, "ipn:10.1", "ipn:21.1"),
		bundleEntry(2, "ipn:10.1", "ipn:21.1"),
	}})
	waitFor(t, "catalogue filled", func() bool { return n.Catalogue().Size() == 2 })

	n.PostMessage(&msgs.Hello{BundlesReceived: 1000, BundlesPending: 1})
	n.PostMessage(&msgs.Hello{BundlesReceived: 1000, BundlesPending: 1})

	report := &msgs.BundleReport{
		Bundles: []msgs.BundleEntry{bundleEntry(1, "ipn:10.1", "ipn:21.1")},
		LastMsg: true,
	}
	n.PostMessage(report)

	waitFor(t, "ghost removed", func() bool { return n.Catalogue().Size() == 1 })

	if n.Catalogue().Find(1) == nil {
		t.Fatal("reported bundle must survive the resync")
	}
	if n.Catalogue().Find(2) != nil {
		t.Fatal("unreported bundle must be removed")
	}
}

func TestNodeExpiredBundle(t *testing.T) {
	rec := &msgRecorder{}
	n := newTestNode(t, rec, nil)

	n.PostMessage(&msgs.BundleReceived{LinkID: "",
		Bundles: []msgs.BundleEntry{bundleEntry(1, "ipn:10.1", "ipn:21.1")}})
	waitFor(t, "catalogue filled", func() bool { return n.Catalogue().Size() == 1 })

	expired := &msgs.BundleExpired{}
	expired.BundleID = 1
	n.PostMessage(expired)

	waitFor(t, "catalogue drained", func() bool { return n.Catalogue().Size() == 0 })

	if n.Catalogue().Snapshot().Expired != 1 {
		t.Fatal("expiration must be counted")
	}
}
