// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"testing"

	"github.com/dtn7/ehsrouter-go/bundle"
)

func TestCatalogueConservation(t *testing.T) {
	c := NewCatalogue()

	bundles := make([]*bundle.Bundle, 0, 6)
	for id := uint64(1); id <= 6; id++ {
		b := pairBundle(id, 10, 20, bundle.Normal)
		bundles = append(bundles, b)
		if !c.BundleReceived(b) {
			t.Fatalf("receiving bundle %d failed", id)
		}
	}

	received := uint64(6)
	var gone uint64

	// delivered
	if c.BundleDelivered(1) == nil {
		t.Fatal("bundle 1 unknown")
	}
	c.Erase(bundles[0])
	gone++

	// expired
	if c.BundleExpired(2) == nil {
		t.Fatal("bundle 2 unknown")
	}
	c.Erase(bundles[1])
	gone++

	// transmitted without custody
	if c.BundleTransmitted(3, true) == nil {
		t.Fatal("bundle 3 unknown")
	}
	c.Erase(bundles[2])
	gone++

	if uint64(c.Size()) != received-gone {
		t.Fatalf("conservation violated: %d != %d", c.Size(), received-gone)
	}
	if c.Pending() != received-gone {
		t.Fatalf("pending count violated: %d != %d", c.Pending(), received-gone)
	}
}

func TestCatalogueDuplicateReceive(t *testing.T) {
	c := NewCatalogue()

	b := pairBundle(1, 10, 20, bundle.Normal)
	if !c.BundleReceived(b) {
		t.Fatal("first receive failed")
	}
	if c.BundleReceived(pairBundle(1, 10, 20, bundle.Normal)) {
		t.Fatal("duplicate id must be dropped")
	}
	if c.Size() != 1 {
		t.Fatalf("expected 1 bundle, got %d", c.Size())
	}
}

func TestCatalogueUnknownIdsAreSilent(t *testing.T) {
	c := NewCatalogue()

	if c.BundleDelivered(404) != nil {
		t.Fatal("unknown delivered must answer nil")
	}
	if c.BundleExpired(404) != nil {
		t.Fatal("unknown expired must answer nil")
	}
	if c.BundleTransmitted(404, true) != nil {
		t.Fatal("unknown transmitted must answer nil")
	}
	if c.BundleCustodyAccepted(404) != nil {
		t.Fatal("unknown custody accept must answer nil")
	}
	if c.BundleCustodyReleased(404) != nil {
		t.Fatal("unknown custody release must answer nil")
	}
}

func TestCatalogueCustodyCounters(t *testing.T) {
	c := NewCatalogue()

	b := pairBundle(1, 10, 20, bundle.Normal)
	c.BundleReceived(b)

	c.BundleCustodyAccepted(1)
	b.AcceptCustody(50)
	if c.Custody() != 1 {
		t.Fatalf("expected 1 custody bundle, got %d", c.Custody())
	}

	c.BundleCustodyReleased(1)
	b.ReleaseCustody()
	if c.Custody() != 0 {
		t.Fatalf("expected 0 custody bundles, got %d", c.Custody())
	}
}

func TestCatalogueTTLAbuse(t *testing.T) {
	c := NewCatalogue()
	c.SetMaxExpirationRtn(3600)

	c.BundleReceived(bundle.New(1, "", "ipn:10.1", "ipn:20.1", 100, 86400, bundle.Normal))
	c.BundleReceived(bundle.New(2, "", "ipn:10.1", "ipn:20.1", 100, 60, bundle.Normal))

	stats := c.StatsByPair()
	if len(stats) != 1 {
		t.Fatalf("expected one pair, got %d", len(stats))
	}
	if stats[0].TTLAbuse != 1 {
		t.Fatalf("expected 1 TTL abuser, got %d", stats[0].TTLAbuse)
	}
}

func TestCatalogueResync(t *testing.T) {
	c := NewCatalogue()

	known := pairBundle(1, 10, 20, bundle.Normal)
	ghost1 := pairBundle(2, 10, 20, bundle.Normal)
	ghost2 := pairBundle(3, 11, 21, bundle.Normal)

	for _, b := range []*bundle.Bundle{known, ghost1, ghost2} {
		c.BundleReceived(b)
	}

	undelivered := map[uint64]*bundle.Bundle{ghost1.ID: ghost1}
	custody := map[uint64]*bundle.Bundle{ghost2.ID: ghost2}

	c.PrepareForResync()
	known.SetInReport(true)

	if removed := c.FinalizeResync(undelivered, custody); removed != 2 {
		t.Fatalf("expected 2 ghosts removed, got %d", removed)
	}

	if c.Size() != 1 || c.Find(1) != known {
		t.Fatal("known bundle lost during resync")
	}
	if !ghost1.Deleted() || !ghost2.Deleted() {
		t.Fatal("ghosts must be marked deleted")
	}
	if len(undelivered) != 0 || len(custody) != 0 {
		t.Fatal("ghosts must leave the secondary indices")
	}
}

func TestCatalogueResyncIdempotence(t *testing.T) {
	c := NewCatalogue()

	known := pairBundle(1, 10, 20, bundle.Normal)
	ghost := pairBundle(2, 10, 20, bundle.Normal)
	c.BundleReceived(known)
	c.BundleReceived(ghost)

	empty := map[uint64]*bundle.Bundle{}

	c.PrepareForResync()
	known.SetInReport(true)
	first := c.FinalizeResync(empty, empty)

	c.PrepareForResync()
	known.SetInReport(true)
	second := c.FinalizeResync(empty, empty)

	if first != 1 || second != 0 {
		t.Fatalf("expected removals 1 then 0, got %d then %d", first, second)
	}
	if c.Size() != 1 {
		t.Fatalf("expected 1 bundle after both resyncs, got %d", c.Size())
	}
}
