// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// ParseDirective applies one "KEY value`value`..." policy line to this
// configuration. A failed directive leaves the configuration untouched.
func (cfg *Config) ParseDirective(line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}

	key, rest, _ := strings.Cut(line, " ")
	args := strings.Split(strings.TrimSpace(rest), "`")

	switch key {
	case "REMOTE_ADDRESS":
		if len(args) != 1 || args[0] == "" {
			return fmt.Errorf("REMOTE_ADDRESS expects one host argument")
		}
		cfg.RemoteAddress = args[0]

	case "REMOTE_PORT":
		port, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil {
			return fmt.Errorf("REMOTE_PORT %q: %w", args[0], err)
		}
		cfg.RemotePort = uint16(port)

	case "FORWARD_LINK":
		return cfg.parseForwardLink(args)

	case "FWDLINK_TRANSMIT_ENABLE":
		return cfg.parseFwdXmt(args, true)

	case "FWDLINK_TRANSMIT_DISABLE":
		return cfg.parseFwdXmt(args, false)

	case "LINK_ENABLE":
		return cfg.parseLinkEnable(args)

	case "LINK_DISABLE":
		if len(args) != 1 || args[0] == "" {
			return fmt.Errorf("LINK_DISABLE expects one link id")
		}
		delete(cfg.Links, args[0])
		cfg.Disabled[args[0]] = true

	case "MAX_EXPIRATION_FWD":
		secs, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_EXPIRATION_FWD %q: %w", args[0], err)
		}
		cfg.MaxExpirationFwd = secs

	case "MAX_EXPIRATION_RTN":
		secs, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_EXPIRATION_RTN %q: %w", args[0], err)
		}
		cfg.MaxExpirationRtn = secs

	case "SOURCE_PRIORITY":
		return cfg.parseNodePriority(args, cfg.SourcePriority)

	case "DEST_PRIORITY":
		return cfg.parseNodePriority(args, cfg.DestPriority)

	case "ACCEPT_CUSTODY":
		return cfg.parseAcceptCustody(args)

	default:
		return fmt.Errorf("unknown directive %q", key)
	}

	return nil
}

func (cfg *Config) parseForwardLink(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("FORWARD_LINK expects link_id`throttle_bps`node_list")
	}

	throttle, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("FORWARD_LINK throttle %q: %w", args[1], err)
	}

	nodes, err := ParseNodeList(args[2], maxFwdLinkRangeSpan)
	if err != nil {
		return fmt.Errorf("FORWARD_LINK node list: %w", err)
	}

	cfg.Links[args[0]] = &LinkCfg{
		LinkID:      args[0],
		IsFwdLink:   true,
		ThrottleBps: throttle,
		SourceNodes: make(map[uint64]bool),
		DestNodes:   nodeSet(nodes),
	}
	delete(cfg.Disabled, args[0])

	return nil
}

func (cfg *Config) parseFwdXmt(args []string, enable bool) error {
	if len(args) != 2 {
		return fmt.Errorf("fwdlink transmit directive expects src_list`dst_list")
	}

	rule := FwdXmtRule{Enable: enable}

	if args[0] != "*" {
		srcs, err := ParseNodeList(args[0], maxFwdLinkRangeSpan)
		if err != nil {
			return fmt.Errorf("fwdlink transmit source list: %w", err)
		}
		rule.Srcs = srcs
	}
	if args[1] != "*" {
		dsts, err := ParseNodeList(args[1], maxFwdLinkRangeSpan)
		if err != nil {
			return fmt.Errorf("fwdlink transmit dest list: %w", err)
		}
		rule.Dsts = dsts
	}

	cfg.FwdXmtRules = append(cfg.FwdXmtRules, rule)

	return nil
}

func (cfg *Config) parseLinkEnable(args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("LINK_ENABLE expects link_id`establish_conn`src_list`dst_list")
	}

	establish, err := strconv.ParseBool(args[1])
	if err != nil {
		return fmt.Errorf("LINK_ENABLE establish_conn %q: %w", args[1], err)
	}

	srcs, err := ParseNodeList(args[2], maxLinkRangeSpan)
	if err != nil {
		return fmt.Errorf("LINK_ENABLE source list: %w", err)
	}
	dsts, err := ParseNodeList(args[3], maxLinkRangeSpan)
	if err != nil {
		return fmt.Errorf("LINK_ENABLE dest list: %w", err)
	}

	cfg.Links[args[0]] = &LinkCfg{
		LinkID:              args[0],
		EstablishConnection: establish,
		SourceNodes:         nodeSet(srcs),
		DestNodes:           nodeSet(dsts),
	}
	delete(cfg.Disabled, args[0])

	return nil
}

func (cfg *Config) parseNodePriority(args []string, priorities map[uint64]int) error {
	if len(args) != 2 {
		return fmt.Errorf("priority directive expects priority`node_list")
	}

	priority, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("priority %q: %w", args[0], err)
	}

	nodes, err := ParseNodeList(args[1], maxLinkRangeSpan)
	if err != nil {
		return fmt.Errorf("priority node list: %w", err)
	}

	for _, n := range nodes {
		priorities[n] = priority
	}

	return nil
}

func (cfg *Config) parseAcceptCustody(args []string) error {
	if len(args) == 1 && strings.EqualFold(args[0], "clear") {
		cfg.CustodyRules = nil
		return nil
	}

	if len(args) != 3 {
		return fmt.Errorf("ACCEPT_CUSTODY expects true|false`src`dst or clear")
	}

	accept, err := strconv.ParseBool(args[0])
	if err != nil {
		return fmt.Errorf("ACCEPT_CUSTODY %q: %w", args[0], err)
	}

	rule := CustodyRule{Accept: accept, WildSrc: args[1] == "*", WildDst: args[2] == "*"}

	if !rule.WildSrc {
		src, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("ACCEPT_CUSTODY source %q: %w", args[1], err)
		}
		rule.Src = &src
	}

	if !rule.WildDst {
		from, to, found := strings.Cut(args[2], "-")
		lo, loErr := strconv.ParseUint(from, 10, 64)
		if loErr != nil {
			return fmt.Errorf("ACCEPT_CUSTODY dest %q: %w", args[2], loErr)
		}
		hi := lo
		if found {
			var hiErr error
			if hi, hiErr = strconv.ParseUint(to, 10, 64); hiErr != nil || hi < lo {
				return fmt.Errorf("ACCEPT_CUSTODY dest range %q is invalid", args[2])
			}
		}
		rule.DstFrom, rule.DstTo = &lo, &hi
	}

	cfg.CustodyRules = append(cfg.CustodyRules, rule)

	return nil
}

// ParseFile applies every directive of a file. Invalid directives are
// collected and logged; the remaining lines still apply.
func (cfg *Config) ParseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var result *multierror.Error

	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		if err := cfg.ParseDirective(scanner.Text()); err != nil {
			log.WithFields(log.Fields{
				"file":  path,
				"line":  lineNo,
				"error": err,
			}).Error("Rejecting configuration directive")

			result = multierror.Append(result, fmt.Errorf("line %d: %w", lineNo, err))
		}
	}
	if err := scanner.Err(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}
