// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bundle

import (
	"sort"
	"testing"
)

func TestParseIpnEndpoint(t *testing.T) {
	tests := []struct {
		eid     string
		node    uint64
		service uint64
		valid   bool
	}{
		{"ipn:23.42", 23, 42, true},
		{"ipn:1.0", 1, 0, true},
		{"dtn://foo/bar", 0, 0, false},
		{"ipn:23", 0, 0, false},
		{"ipn:uff.23", 0, 0, false},
	}

	for _, test := range tests {
		node, service, err := ParseIpnEndpoint(test.eid)
		if (err == nil) != test.valid {
			t.Fatalf("%s: expected valid=%t, got err=%v", test.eid, test.valid, err)
		}
		if err == nil && (node != test.node || service != test.service) {
			t.Fatalf("%s: expected %d.%d, got %d.%d",
				test.eid, test.node, test.service, node, service)
		}
	}
}

func TestPriorityKeyOrdering(t *testing.T) {
	// expedited before normal before bulk, sooner expiration first within a
	// class, bundle id as the stable tie-break
	bulk := New(1, "g1", "ipn:10.1", "ipn:20.1", 100, 3600, Bulk)
	normal := New(2, "g2", "ipn:10.1", "ipn:20.1", 100, 3600, Normal)
	expedited := New(3, "g3", "ipn:10.1", "ipn:20.1", 100, 3600, Expedited)
	expeditedSoon := New(4, "g4", "ipn:10.1", "ipn:20.1", 100, 60, Expedited)

	keys := []string{
		bulk.PriorityKey(),
		normal.PriorityKey(),
		expedited.PriorityKey(),
		expeditedSoon.PriorityKey(),
	}

	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	expected := []string{
		expeditedSoon.PriorityKey(),
		expedited.PriorityKey(),
		normal.PriorityKey(),
		bulk.PriorityKey(),
	}

	for i, key := range expected {
		if sorted[i] != key {
			t.Fatalf("position %d: expected %s, got %s", i, key, sorted[i])
		}
	}
}

func TestBundleKeyAndFlags(t *testing.T) {
	b := New(7, "g7", "ipn:10.1", "ipn:20.2", 512, 300, Normal)

	if key := b.Key(); key.Src != 10 || key.Dst != 20 {
		t.Fatalf("expected pair 10-20, got %v", key)
	}

	if b.Deleted() {
		t.Fatal("fresh bundle must not be deleted")
	}
	b.SetDeleted()
	if !b.Deleted() {
		t.Fatal("bundle should be deleted")
	}

	b.AcceptCustody(99)
	if !b.LocalCustody() || b.CustodyID() != 99 {
		t.Fatal("custody not recorded")
	}
	b.ReleaseCustody()
	if b.LocalCustody() {
		t.Fatal("custody not released")
	}
}

func TestEcosCritical(t *testing.T) {
	b := New(8, "g8", "ipn:10.1", "ipn:20.2", 1, 60, Expedited)
	if b.IsEcosCritical() {
		t.Fatal("critical flag must default to unset")
	}

	b.EcosFlags = EcosCritical
	if !b.IsEcosCritical() {
		t.Fatal("critical flag not detected")
	}
}

func TestSrcDstKeyOrdering(t *testing.T) {
	keys := []SrcDstKey{{2, 1}, {1, 2}, {1, 1}, {2, 0}}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	expected := []SrcDstKey{{1, 1}, {1, 2}, {2, 0}, {2, 1}}
	for i, key := range expected {
		if keys[i] != key {
			t.Fatalf("position %d: expected %v, got %v", i, key, keys[i])
		}
	}
}
