// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bundle

import (
	"fmt"
	"regexp"
	"strconv"
)

// ipnRe matches an ipn URI as defined in RFC 6260, section 2.1.
var ipnRe = regexp.MustCompile(`^ipn:(\d+)\.(\d+)$`)

// ParseIpnEndpoint extracts the node and service numbers from an
// "ipn:node.service" URI.
func ParseIpnEndpoint(eid string) (node, service uint64, err error) {
	matches := ipnRe.FindStringSubmatch(eid)
	if len(matches) != 3 {
		err = fmt.Errorf("%s is not an ipn endpoint", eid)
		return
	}

	if node, err = strconv.ParseUint(matches[1], 10, 64); err != nil {
		return
	}
	if service, err = strconv.ParseUint(matches[2], 10, 64); err != nil {
		return
	}

	return
}

// IpnNode returns the node number of an ipn URI, or zero for any other scheme.
func IpnNode(eid string) uint64 {
	node, _, err := ParseIpnEndpoint(eid)
	if err != nil {
		return 0
	}
	return node
}

// IpnAdminEndpoint builds the administrative "ipn:node.0" URI of a node.
func IpnAdminEndpoint(node uint64) string {
	return fmt.Sprintf("ipn:%d.0", node)
}
