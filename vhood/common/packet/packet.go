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

/*

Package packet parses and rewrites raw IP packets carried through tunnels.

Parsing is offset-based and allocation-free on the datapath. Only fixed
20-byte IPv4 headers (IHL=5) and IPv6 without extension headers are
supported; packets with IPv4 options or IPv6 extension headers are rejected
upstream. Rewrites adjust the IP/TCP/UDP checksums incrementally rather than
recomputing them.

*/
package packet

import (
	"encoding/binary"
	"net"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
)

const (
	ProtocolICMP   = 1
	ProtocolTCP    = 6
	ProtocolUDP    = 17
	ProtocolICMPv6 = 58

	PortDNS = 53

	ipv4FlagDontFragment = 0x40

	icmpEchoRequest   = 8
	icmpEchoReply     = 0
	icmpv6EchoRequest = 128
	icmpv6EchoReply   = 129
)

// Version returns the IP version of the packet, or 0 when the packet is too
// short to carry a version field.
func Version(packet []byte) int {
	if len(packet) < 1 {
		return 0
	}
	version := int(packet[0] >> 4)
	if version != 4 && version != 6 {
		return 0
	}
	return version
}

// headerLengths returns the IP header length and minimum valid packet length
// for the packet's version and protocol.
func headerLengths(packet []byte) (ipHeaderLen int, protocol int, ok bool) {

	switch Version(packet) {
	case 4:
		if len(packet) < 20 {
			return 0, 0, false
		}
		// IHL must be 5: options are not supported.
		if packet[0]&0x0F != 5 {
			return 0, 0, false
		}
		return 20, int(packet[9]), true
	case 6:
		if len(packet) < 40 {
			return 0, 0, false
		}
		return 40, int(packet[6]), true
	}
	return 0, 0, false
}

// Protocol returns the transport protocol number of the packet. ok is false
// when the packet is malformed or carries unsupported IP header options.
func Protocol(packet []byte) (int, bool) {
	_, protocol, ok := headerLengths(packet)
	return protocol, ok
}

// SourceIP returns the source IP address. The returned slice references the
// packet buffer and is only valid while the buffer remains valid.
func SourceIP(packet []byte) net.IP {
	switch Version(packet) {
	case 4:
		if len(packet) >= 20 {
			return net.IP(packet[12:16])
		}
	case 6:
		if len(packet) >= 40 {
			return net.IP(packet[8:24])
		}
	}
	return nil
}

// DestinationIP returns the destination IP address. The returned slice
// references the packet buffer and is only valid while the buffer remains
// valid.
func DestinationIP(packet []byte) net.IP {
	switch Version(packet) {
	case 4:
		if len(packet) >= 20 {
			return net.IP(packet[16:20])
		}
	case 6:
		if len(packet) >= 40 {
			return net.IP(packet[24:40])
		}
	}
	return nil
}

// transportOffset returns the offset of the transport header, checking that
// the packet is long enough to carry the ports or the ICMP id for its
// protocol.
func transportOffset(packet []byte) (offset int, protocol int, ok bool) {

	ipHeaderLen, protocol, ok := headerLengths(packet)
	if !ok {
		return 0, 0, false
	}

	switch protocol {
	case ProtocolTCP:
		if len(packet) < ipHeaderLen+20 {
			return 0, 0, false
		}
	case ProtocolUDP:
		if len(packet) < ipHeaderLen+8 {
			return 0, 0, false
		}
	case ProtocolICMP, ProtocolICMPv6:
		if len(packet) < ipHeaderLen+8 {
			return 0, 0, false
		}
	default:
		return 0, 0, false
	}

	return ipHeaderLen, protocol, true
}

// SourcePort returns the transport source port. For ICMP echo packets, the
// echo identifier is returned in its place, giving all supported protocols a
// uniform flow id. ok is false for malformed or unsupported packets.
func SourcePort(packet []byte) (uint16, bool) {
	offset, protocol, ok := transportOffset(packet)
	if !ok {
		return 0, false
	}
	switch protocol {
	case ProtocolICMP, ProtocolICMPv6:
		return binary.BigEndian.Uint16(packet[offset+4 : offset+6]), true
	}
	return binary.BigEndian.Uint16(packet[offset : offset+2]), true
}

// DestinationPort returns the transport destination port, or the echo
// identifier for ICMP.
func DestinationPort(packet []byte) (uint16, bool) {
	offset, protocol, ok := transportOffset(packet)
	if !ok {
		return 0, false
	}
	switch protocol {
	case ProtocolICMP, ProtocolICMPv6:
		return binary.BigEndian.Uint16(packet[offset+4 : offset+6]), true
	}
	return binary.BigEndian.Uint16(packet[offset+2 : offset+4]), true
}

// IsDontFragment indicates whether the packet must not be fragmented in
// transit: the DF flag for IPv4, and always for IPv6, where intermediate
// fragmentation does not exist.
func IsDontFragment(packet []byte) bool {
	switch Version(packet) {
	case 4:
		return len(packet) >= 20 && packet[6]&ipv4FlagDontFragment != 0
	case 6:
		return true
	}
	return false
}

// IsICMPEcho indicates whether the packet is an ICMP echo request or reply,
// and returns the echo identifier and whether it is a request.
func IsICMPEcho(packet []byte) (id uint16, isRequest bool, ok bool) {
	offset, protocol, valid := transportOffset(packet)
	if !valid {
		return 0, false, false
	}
	icmpType := packet[offset]
	switch protocol {
	case ProtocolICMP:
		if icmpType != icmpEchoRequest && icmpType != icmpEchoReply {
			return 0, false, false
		}
		return binary.BigEndian.Uint16(packet[offset+4 : offset+6]),
			icmpType == icmpEchoRequest, true
	case ProtocolICMPv6:
		if icmpType != icmpv6EchoRequest && icmpType != icmpv6EchoReply {
			return 0, false, false
		}
		return binary.BigEndian.Uint16(packet[offset+4 : offset+6]),
			icmpType == icmpv6EchoRequest, true
	}
	return 0, false, false
}

// UDPPayload returns the UDP payload. The returned slice references the
// packet buffer.
func UDPPayload(packet []byte) ([]byte, bool) {
	offset, protocol, ok := transportOffset(packet)
	if !ok || protocol != ProtocolUDP {
		return nil, false
	}
	return packet[offset+8:], true
}

// FlowID describes one transport flow for NAT and proxy bookkeeping.
type FlowID struct {
	Version         int
	Protocol        int
	SourceIP        string
	SourcePort      uint16
	DestinationIP   string
	DestinationPort uint16
}

// ParseFlowID extracts the flow id of the packet. For ICMP echo packets the
// echo identifier occupies both port fields.
func ParseFlowID(packet []byte) (FlowID, error) {

	version := Version(packet)
	if version == 0 {
		return FlowID{}, errors.TraceNew("invalid IP version")
	}

	protocol, ok := Protocol(packet)
	if !ok {
		return FlowID{}, errors.TraceNew("invalid IP header")
	}

	sourcePort, ok := SourcePort(packet)
	if !ok {
		return FlowID{}, errors.TraceNew("invalid transport header")
	}
	destinationPort, _ := DestinationPort(packet)

	return FlowID{
		Version:         version,
		Protocol:        protocol,
		SourceIP:        SourceIP(packet).String(),
		SourcePort:      sourcePort,
		DestinationIP:   DestinationIP(packet).String(),
		DestinationPort: destinationPort,
	}, nil
}

/// Checksum code based on https://github.com/OpenVPN/openvpn:
/*
OpenVPN (TM) -- An Open Source VPN daemon

Copyright (C) 2002-2017 OpenVPN Technologies, Inc. <sales@openvpn.net>

OpenVPN license:
----------------

OpenVPN is distributed under the GPL license version 2 (see COPYRIGHT.GPL).
*/

func checksumAccumulate(data []byte, newData bool, accumulator *int32) {

	checksum := *accumulator

	if len(data)%2 == 1 {
		data = append(data, 0)
	}

	for i := 0; i < len(data); i += 2 {
		word := int32(binary.BigEndian.Uint16(data[i : i+2]))
		if newData {
			checksum -= word
		} else {
			checksum += word
		}
	}

	*accumulator = checksum
}

func checksumAdjust(checksumData []byte, accumulator int32) {

	checksum := int32(binary.BigEndian.Uint16(checksumData))
	checksum = ^checksum & 0xFFFF

	checksum -= accumulator
	for checksum>>16 != 0 {
		checksum = (checksum & 0xFFFF) + (checksum >> 16)
	}
	for checksum < 0 {
		checksum += 0xFFFF
	}

	checksum = ^checksum & 0xFFFF
	binary.BigEndian.PutUint16(checksumData, uint16(checksum))
}

// rewrite replaces oldField with newField in place, tracking the checksum
// delta in accumulator.
func rewrite(oldField, newField []byte, accumulator *int32) {
	checksumAccumulate(oldField, false, accumulator)
	copy(oldField, newField)
	checksumAccumulate(oldField, true, accumulator)
}

// RewriteSource replaces the source IP address and, when port is non-zero
// and the packet is TCP or UDP, the source port, adjusting checksums in
// place.
func RewriteSource(packet []byte, newIP net.IP, newPort uint16) error {
	return rewriteEndpoint(packet, newIP, newPort, true)
}

// RewriteDestination replaces the destination IP address and, when port is
// non-zero and the packet is TCP or UDP, the destination port, adjusting
// checksums in place.
func RewriteDestination(packet []byte, newIP net.IP, newPort uint16) error {
	return rewriteEndpoint(packet, newIP, newPort, false)
}

func rewriteEndpoint(
	packet []byte, newIP net.IP, newPort uint16, source bool) error {

	offset, protocol, ok := transportOffset(packet)
	if !ok {
		return errors.TraceNew("invalid packet")
	}

	// The IPv4 header checksum covers only the IP header, so it is adjusted
	// by the address delta alone. The TCP/UDP and ICMPv6 checksums cover a
	// pseudo header with the IP addresses plus the transport header, so they
	// are adjusted by both the address and port deltas. The ICMPv4 checksum
	// has no pseudo header and is adjusted by the echo id delta alone.

	var addressAccumulator, portAccumulator int32

	if newIP != nil {
		var addressField, newAddress []byte
		if Version(packet) == 4 {
			newAddress = newIP.To4()
			if source {
				addressField = packet[12:16]
			} else {
				addressField = packet[16:20]
			}
		} else {
			newAddress = newIP.To16()
			if source {
				addressField = packet[8:24]
			} else {
				addressField = packet[24:40]
			}
		}
		if newAddress == nil || len(newAddress) != len(addressField) {
			return errors.TraceNew("IP address version mismatch")
		}
		rewrite(addressField, newAddress, &addressAccumulator)
	}

	if newPort != 0 {
		var portField []byte
		switch protocol {
		case ProtocolTCP, ProtocolUDP:
			if source {
				portField = packet[offset : offset+2]
			} else {
				portField = packet[offset+2 : offset+4]
			}
		case ProtocolICMP, ProtocolICMPv6:
			// The echo identifier takes the place of ports.
			portField = packet[offset+4 : offset+6]
		}
		if portField != nil {
			newPortData := []byte{byte(newPort >> 8), byte(newPort)}
			rewrite(portField, newPortData, &portAccumulator)
		}
	}

	if Version(packet) == 4 {
		checksumAdjust(packet[10:12], addressAccumulator)
	}

	switch protocol {
	case ProtocolTCP:
		checksumAdjust(
			packet[offset+16:offset+18], addressAccumulator+portAccumulator)
	case ProtocolUDP:
		// A zero UDP checksum means "not computed" for IPv4.
		if Version(packet) == 6 ||
			binary.BigEndian.Uint16(packet[offset+6:offset+8]) != 0 {
			checksumAdjust(
				packet[offset+6:offset+8], addressAccumulator+portAccumulator)
		}
	case ProtocolICMP:
		checksumAdjust(packet[offset+2:offset+4], portAccumulator)
	case ProtocolICMPv6:
		checksumAdjust(
			packet[offset+2:offset+4], addressAccumulator+portAccumulator)
	}

	return nil
}
