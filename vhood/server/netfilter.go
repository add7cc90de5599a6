/*
 * Copyright (c) 2026, VHood Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package server

import (
	"net"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
)

// NetFilter decides whether tunneled flows may reach a destination.
// Destinations inside an exclude range, or outside the include ranges when
// include ranges are set, are rejected with the RequestBlocked error code.
// Local and special-purpose networks are always rejected, so a client
// cannot reach the server's own network through the tunnel.
type NetFilter struct {
	includeRanges []*net.IPNet
	excludeRanges []*net.IPNet
	localRanges   []*net.IPNet
}

var localNetworkRanges = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

// NewNetFilter creates a NetFilter from CIDR range lists. An empty include
// list allows all destinations not otherwise excluded.
func NewNetFilter(includeRanges, excludeRanges []string) (*NetFilter, error) {

	parseRanges := func(ranges []string) ([]*net.IPNet, error) {
		parsed := make([]*net.IPNet, 0, len(ranges))
		for _, r := range ranges {
			_, network, err := net.ParseCIDR(r)
			if err != nil {
				return nil, errors.Trace(err)
			}
			parsed = append(parsed, network)
		}
		return parsed, nil
	}

	include, err := parseRanges(includeRanges)
	if err != nil {
		return nil, errors.Trace(err)
	}
	exclude, err := parseRanges(excludeRanges)
	if err != nil {
		return nil, errors.Trace(err)
	}
	local, err := parseRanges(localNetworkRanges)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &NetFilter{
		includeRanges: include,
		excludeRanges: exclude,
		localRanges:   local,
	}, nil
}

// IsAllowed indicates whether a destination IP may be reached.
func (filter *NetFilter) IsAllowed(ip net.IP) bool {

	if ip == nil {
		return false
	}

	for _, network := range filter.localRanges {
		if network.Contains(ip) {
			return false
		}
	}
	for _, network := range filter.excludeRanges {
		if network.Contains(ip) {
			return false
		}
	}
	if len(filter.includeRanges) == 0 {
		return true
	}
	for _, network := range filter.includeRanges {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// VerifyEndpoint checks a "host:port" destination, where host must be an
// IP address.
func (filter *NetFilter) VerifyEndpoint(endpoint string) error {

	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return errors.Trace(err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return errors.Tracef("destination is not an IP address: %s", host)
	}
	if !filter.IsAllowed(ip) {
		return errors.Tracef("destination blocked: %s", endpoint)
	}
	return nil
}
