// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package config holds the router's policy configuration and the line-oriented
// directive format it is written in.
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// maxFwdLinkRangeSpan bounds an "a-b" node range in a FORWARD_LINK directive.
const maxFwdLinkRangeSpan = 100

// maxLinkRangeSpan bounds an "a-b" node range in a LINK_ENABLE directive.
const maxLinkRangeSpan = 10000

// LinkCfg describes one configured link, including the forward link.
type LinkCfg struct {
	LinkID              string
	IsFwdLink           bool
	EstablishConnection bool
	ThrottleBps         uint64
	SourceNodes         map[uint64]bool
	DestNodes           map[uint64]bool
}

// FwdXmtRule enables or disables forward-link transmission for source and
// destination node lists; an empty list is the wildcard.
type FwdXmtRule struct {
	Enable bool
	Srcs   []uint64
	Dsts   []uint64
}

// CustodyRule steers the custody-accept decision for a source/destination
// combination; nil node pointers are wildcards and Dsts may span a range.
type CustodyRule struct {
	Accept  bool
	Src     *uint64
	DstFrom *uint64
	DstTo   *uint64
	WildSrc bool
	WildDst bool
}

// Config is the full policy configuration pushed down to every DTN node
// agent and its links.
type Config struct {
	RemoteAddress string
	RemotePort    uint16

	Links    map[string]*LinkCfg
	Disabled map[string]bool

	FwdXmtRules  []FwdXmtRule
	CustodyRules []CustodyRule

	MaxExpirationFwd uint64
	MaxExpirationRtn uint64

	SourcePriority map[uint64]int
	DestPriority   map[uint64]int
}

// Default returns an empty configuration with the daemon's default port.
func Default() *Config {
	return &Config{
		RemoteAddress:  "localhost",
		RemotePort:     8001,
		Links:          make(map[string]*LinkCfg),
		Disabled:       make(map[string]bool),
		SourcePriority: make(map[uint64]int),
		DestPriority:   make(map[uint64]int),
	}
}

// FwdLink returns the configured forward link, or nil.
func (cfg *Config) FwdLink() *LinkCfg {
	for _, lc := range cfg.Links {
		if lc.IsFwdLink {
			return lc
		}
	}
	return nil
}

// ParseNodeList parses a comma-separated list of node ids and "a-b" ranges.
// maxSpan bounds a single range's width.
func ParseNodeList(list string, maxSpan uint64) ([]uint64, error) {
	var nodes []uint64

	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if from, to, found := strings.Cut(part, "-"); found {
			lo, loErr := strconv.ParseUint(from, 10, 64)
			hi, hiErr := strconv.ParseUint(to, 10, 64)
			if loErr != nil || hiErr != nil || hi < lo {
				return nil, fmt.Errorf("invalid node range %q", part)
			}
			if hi-lo+1 > maxSpan {
				return nil, fmt.Errorf("node range %q spans more than %d nodes", part, maxSpan)
			}

			for n := lo; n <= hi; n++ {
				nodes = append(nodes, n)
			}
			continue
		}

		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid node id %q", part)
		}
		nodes = append(nodes, n)
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("empty node list")
	}

	return nodes, nil
}

func nodeSet(nodes []uint64) map[uint64]bool {
	set := make(map[uint64]bool, len(nodes))
	for _, n := range nodes {
		set[n] = true
	}
	return set
}
