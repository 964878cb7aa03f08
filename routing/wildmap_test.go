// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import "testing"

func TestWildcardLookupPrecedence(t *testing.T) {
	m := NewSrcDstWildcardMap()

	// (1,2)=true, (1,*)=false, (*,2)=true, default=false
	m.PutPair(1, 2, true)
	m.PutWildcardDest(1, false)
	m.PutWildcardSource(2, true)
	m.PutDoubleWildcards(false)

	if !m.Check(1, 2) {
		t.Fatal("exact match must win")
	}
	if m.Check(1, 3) {
		t.Fatal("wildcard dest must apply for (1,3)")
	}
	if !m.Check(2, 2) {
		t.Fatal("wildcard source must apply for (2,2)")
	}
	if m.Check(3, 4) {
		t.Fatal("double wildcard default must apply for (3,4)")
	}

	m.PutDoubleWildcards(true)
	if !m.Check(3, 4) {
		t.Fatal("double wildcard default must be switchable")
	}
}

func TestWildcardClears(t *testing.T) {
	m := NewSrcDstWildcardMap()

	m.PutPair(1, 2, true)
	m.PutWildcardDest(1, true)
	m.PutWildcardSource(2, true)

	if m.Size() != 3 {
		t.Fatalf("expected 3 entries, got %d", m.Size())
	}

	m.ClearPair(1, 2)
	if m.Check(1, 2) != true {
		// still true via the (1,*) entry
		t.Fatal("clear_pair must fall through to the wildcard dest entry")
	}

	m.ClearWildcardDest(1)
	if !m.Check(1, 2) {
		// still true via the (*,2) entry
		t.Fatal("lookup must fall through to the wildcard source entry")
	}

	m.ClearWildcardSource(2)
	if m.Check(1, 2) {
		t.Fatal("all entries cleared, default must answer")
	}

	if m.Size() != 0 {
		t.Fatalf("expected empty map, got %d entries", m.Size())
	}
}

func TestWildcardClearSourceDest(t *testing.T) {
	m := NewSrcDstWildcardMap()

	m.PutPair(1, 2, true)
	m.PutPair(1, 3, true)
	m.PutPair(4, 2, true)
	m.PutWildcardDest(1, true)

	m.ClearSource(1)
	if m.Size() != 1 {
		t.Fatalf("expected only (4,2) to survive, got %d entries", m.Size())
	}
	if !m.Check(4, 2) {
		t.Fatal("(4,2) lost")
	}

	m.ClearDest(2)
	if m.Size() != 0 {
		t.Fatalf("expected empty map, got %d entries", m.Size())
	}
}
