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

package vhood

import (
	"fmt"
	"net"
	"time"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/packet"
	"github.com/vhood-net/vhood-tunnel-core/vhood/nat"
)

const (
	DNS_NAT_TIMEOUT = 60 * time.Second

	// ICMPv6 neighbor discovery message range (RFC 4861). ND is link-local
	// housekeeping on the virtual device and never tunneled.
	icmpv6NDFirst = 133
	icmpv6NDLast  = 137
)

// packetRouter classifies outbound device packets. TCP flows are NATed back
// into the device toward the local TCP catcher, which carries them over
// stream proxy channels; UDP and ICMP echo packets inside the tunneled
// ranges go through the datagram tunnel; everything else is dropped.
//
// DNS is special-cased: a query to a resolver outside the tunneled ranges,
// typically the physical network's resolver, would otherwise be dropped, so
// its destination is rewritten to a tunneled resolver and restored on the
// reply path.
type packetRouter struct {
	client *Client

	tunneledRanges []*net.IPNet

	// tcpNAT maps (source endpoint, destination) TCP flows to nat ids; the
	// id becomes the rewritten source port, so the catcher can recover the
	// original destination from its accepted connection's remote port.
	tcpNAT *nat.Table

	// dnsNAT remembers the original resolver per querying source endpoint.
	dnsNAT *common.TimeoutMap

	dnsServerIP net.IP
}

func newPacketRouter(client *Client) (*packetRouter, error) {

	dnsServer := client.config.DNSServerIP
	if dnsServer == "" {
		dnsServer = DEFAULT_DNS_SERVER
	}

	router := &packetRouter{
		client:      client,
		tcpNAT:      nat.NewTable(true, 0),
		dnsNAT:      common.NewTimeoutMap(DNS_NAT_TIMEOUT),
		dnsServerIP: net.ParseIP(dnsServer),
	}

	client.mutex.Lock()
	ranges := client.helloResponse.IncludeIPRanges
	client.mutex.Unlock()

	for _, cidr := range ranges {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, errors.Trace(err)
		}
		router.tunneledRanges = append(router.tunneledRanges, network)
	}

	return router, nil
}

func (router *packetRouter) close() {
	router.tcpNAT.Flush()
	router.dnsNAT.Flush()
}

// inTunneledRanges indicates whether the destination is carried by the
// tunnel. An empty range list tunnels everything.
func (router *packetRouter) inTunneledRanges(ip net.IP) bool {
	if len(router.tunneledRanges) == 0 {
		return true
	}
	for _, network := range router.tunneledRanges {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// routeOutbound accepts one outbound IP packet from the device.
func (router *packetRouter) routeOutbound(ipPacket []byte) {

	version := packet.Version(ipPacket)
	if version == 0 {
		return
	}

	protocol, ok := packet.Protocol(ipPacket)
	if !ok {
		return
	}

	switch protocol {

	case packet.ProtocolTCP:
		router.routeTCP(ipPacket)

	case packet.ProtocolUDP:
		router.routeUDP(ipPacket)

	case packet.ProtocolICMP, packet.ProtocolICMPv6:
		router.routeICMP(ipPacket, version, protocol)
	}
}

// routeTCP loops TCP packets back into the device toward the catcher.
//
// An outgoing flow (src -> dst) is rewritten to (dst:natID -> src:catcher)
// so the local stack connects to the catcher with the nat id as the remote
// port. Packets leaving the catcher's port are the reverse direction and
// are rewritten back into the replies the application expects.
func (router *packetRouter) routeTCP(ipPacket []byte) {

	catcherPort := router.client.tcpProxy.port()

	sourcePort, ok := packet.SourcePort(ipPacket)
	if !ok {
		return
	}

	if sourcePort == catcherPort {

		destinationPort, ok := packet.DestinationPort(ipPacket)
		if !ok {
			return
		}
		item := router.tcpNAT.Resolve(
			packet.Version(ipPacket), packet.ProtocolTCP, destinationPort)
		if item == nil {
			return
		}

		flow := item.Flow
		err := packet.RewriteSource(
			ipPacket,
			net.ParseIP(flow.DestinationIP), flow.DestinationPort)
		if err == nil {
			err = packet.RewriteDestination(
				ipPacket, net.ParseIP(flow.SourceIP), flow.SourcePort)
		}
		if err != nil {
			return
		}
		router.deliverToDevice(ipPacket)
		return
	}

	item, err := router.tcpNAT.GetOrAdd(ipPacket)
	if err != nil {
		router.client.config.Logger.WithTraceFields(common.LogFields{
			"error": err.Error(),
		}).Warning("TCP NAT failed")
		return
	}

	// SourceIP/DestinationIP alias the packet buffer; copy both before the
	// rewrites below overwrite the header bytes backing them.
	sourceIP := append(net.IP(nil), packet.SourceIP(ipPacket)...)
	destinationIP := append(net.IP(nil), packet.DestinationIP(ipPacket)...)

	// The rewritten source must be a routable remote address so replies
	// come back through the device; the original destination serves.
	err = packet.RewriteSource(ipPacket, destinationIP, item.ID)
	if err == nil {
		err = packet.RewriteDestination(ipPacket, sourceIP, catcherPort)
	}
	if err != nil {
		return
	}
	router.deliverToDevice(ipPacket)
}

func (router *packetRouter) routeUDP(ipPacket []byte) {

	destinationIP := packet.DestinationIP(ipPacket)
	destinationPort, _ := packet.DestinationPort(ipPacket)

	if destinationPort == packet.PortDNS &&
		router.dnsServerIP != nil &&
		!router.inTunneledRanges(destinationIP) &&
		isDNSQuery(ipPacket) {

		item, err := packet.ParseFlowID(ipPacket)
		if err != nil {
			return
		}
		router.dnsNAT.Set(
			dnsNATKey(item.Version, item.SourceIP, item.SourcePort),
			item.DestinationIP)

		err = packet.RewriteDestination(
			ipPacket, router.dnsServerIP, packet.PortDNS)
		if err != nil {
			return
		}

	} else if !router.inTunneledRanges(destinationIP) {
		// Out-of-range traffic cannot be sent from here without raw socket
		// access; the embedder excludes such ranges from device routes.
		return
	}

	router.sendToTunnel(ipPacket)
}

func (router *packetRouter) routeICMP(ipPacket []byte, version, protocol int) {

	if protocol == packet.ProtocolICMPv6 && len(ipPacket) > 40 {
		icmpType := ipPacket[40]
		if icmpType >= icmpv6NDFirst && icmpType <= icmpv6NDLast {
			return
		}
	}

	_, _, ok := packet.IsICMPEcho(ipPacket)
	if !ok {
		return
	}

	if !router.inTunneledRanges(packet.DestinationIP(ipPacket)) {
		return
	}

	router.sendToTunnel(ipPacket)
}

// restoreInbound reverses DNS NAT on tunneled replies. A nil return drops
// the packet.
func (router *packetRouter) restoreInbound(ipPacket []byte) []byte {

	protocol, ok := packet.Protocol(ipPacket)
	if !ok {
		return nil
	}

	if protocol != packet.ProtocolUDP {
		return ipPacket
	}

	sourcePort, _ := packet.SourcePort(ipPacket)
	if sourcePort != packet.PortDNS {
		return ipPacket
	}

	// Only replies from the substitute resolver are restored; an in-range
	// resolver answering the same client endpoint passes unchanged.
	if router.dnsServerIP == nil ||
		!packet.SourceIP(ipPacket).Equal(router.dnsServerIP) {
		return ipPacket
	}

	// The reply's destination is the original query's source endpoint.
	flow, err := packet.ParseFlowID(ipPacket)
	if err != nil {
		return nil
	}

	value, ok := router.dnsNAT.Get(
		dnsNATKey(flow.Version, flow.DestinationIP, flow.DestinationPort))
	if !ok {
		// Not a rewritten query; an in-range resolver's reply.
		return ipPacket
	}

	err = packet.RewriteSource(
		ipPacket, net.ParseIP(value.(string)), packet.PortDNS)
	if err != nil {
		return nil
	}
	return ipPacket
}

func (router *packetRouter) sendToTunnel(ipPacket []byte) {
	err := router.client.tunnel.SendPacket(ipPacket)
	if err != nil {
		router.client.config.Logger.WithTraceFields(common.LogFields{
			"error": err.Error(),
		}).Debug("tunnel send failed")
	}
}

func (router *packetRouter) deliverToDevice(ipPacket []byte) {
	if router.client.config.OnPacketReceived != nil {
		router.client.config.OnPacketReceived(ipPacket)
	}
}

// isDNSQuery indicates whether the packet's UDP payload is a DNS message
// carrying a question. Non-DNS traffic to port 53 does not get the resolver
// rewrite.
func isDNSQuery(ipPacket []byte) bool {
	payload, ok := packet.UDPPayload(ipPacket)
	if !ok {
		return false
	}
	question, err := common.ParseDNSQuestion(payload)
	return err == nil && question != ""
}

func dnsNATKey(version int, ip string, port uint16) string {
	return fmt.Sprintf("%d:%s:%d", version, ip, port)
}
