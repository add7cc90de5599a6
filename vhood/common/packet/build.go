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

package packet

import (
	"encoding/binary"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
)

// Packet construction is off the per-packet hot path: UDP/ICMP reply
// wrapping happens per datagram received from the Internet, and "packet too
// big" replies are rare. gopacket handles lengths and checksums.

var serializeOptions = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}

// BuildUDPPacket constructs an IP packet carrying a UDP datagram from
// sourceAddr to destinationAddr. The IP version follows the address family.
func BuildUDPPacket(
	sourceAddr, destinationAddr *net.UDPAddr, payload []byte) ([]byte, error) {

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(sourceAddr.Port),
		DstPort: layers.UDPPort(destinationAddr.Port),
	}

	buffer := gopacket.NewSerializeBuffer()

	if sourceAddr.IP.To4() != nil {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    sourceAddr.IP.To4(),
			DstIP:    destinationAddr.IP.To4(),
		}
		_ = udp.SetNetworkLayerForChecksum(ip)
		err := gopacket.SerializeLayers(
			buffer, serializeOptions, ip, udp, gopacket.Payload(payload))
		if err != nil {
			return nil, errors.Trace(err)
		}
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      sourceAddr.IP.To16(),
			DstIP:      destinationAddr.IP.To16(),
		}
		_ = udp.SetNetworkLayerForChecksum(ip)
		err := gopacket.SerializeLayers(
			buffer, serializeOptions, ip, udp, gopacket.Payload(payload))
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	return buffer.Bytes(), nil
}

// BuildICMPEchoReply constructs an IP packet carrying an ICMP echo reply
// from sourceIP to destinationIP, preserving the original echo id, sequence
// and payload.
func BuildICMPEchoReply(
	sourceIP, destinationIP net.IP,
	id, seq uint16,
	payload []byte) ([]byte, error) {

	buffer := gopacket.NewSerializeBuffer()

	if sourceIP.To4() != nil {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolICMPv4,
			SrcIP:    sourceIP.To4(),
			DstIP:    destinationIP.To4(),
		}
		icmp := &layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
			Id:       id,
			Seq:      seq,
		}
		err := gopacket.SerializeLayers(
			buffer, serializeOptions, ip, icmp, gopacket.Payload(payload))
		if err != nil {
			return nil, errors.Trace(err)
		}
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolICMPv6,
			SrcIP:      sourceIP.To16(),
			DstIP:      destinationIP.To16(),
		}
		icmp := &layers.ICMPv6{
			TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoReply, 0),
		}
		_ = icmp.SetNetworkLayerForChecksum(ip)
		echo := &layers.ICMPv6Echo{
			Identifier: id,
			SeqNumber:  seq,
		}
		err := gopacket.SerializeLayers(
			buffer, serializeOptions, ip, icmp, echo, gopacket.Payload(payload))
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	return buffer.Bytes(), nil
}

// BuildPacketTooBig constructs the ICMP reply for an oversized don't
// fragment packet: ICMPv4 "fragmentation needed" or ICMPv6 "packet too
// big", addressed from the original destination back to the original
// source, quoting the original IP header plus leading payload bytes as the
// protocol requires. Used for path MTU discovery when a tunneled packet
// exceeds the no-fragment MTU.
func BuildPacketTooBig(original []byte, mtu int) ([]byte, error) {

	version := Version(original)
	if version == 0 {
		return nil, errors.TraceNew("invalid packet")
	}

	sourceIP := SourceIP(original)
	destinationIP := DestinationIP(original)

	buffer := gopacket.NewSerializeBuffer()

	if version == 4 {

		// Quote the IP header and the first 8 bytes of payload.
		quote := original
		if len(quote) > 28 {
			quote = quote[:28]
		}

		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolICMPv4,
			SrcIP:    destinationIP.To4(),
			DstIP:    sourceIP.To4(),
		}
		icmp := &layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(
				layers.ICMPv4TypeDestinationUnreachable,
				layers.ICMPv4CodeFragmentationNeeded),
			// The Seq field occupies the next-hop MTU bytes of the
			// fragmentation-needed header.
			Seq: uint16(mtu),
		}
		err := gopacket.SerializeLayers(
			buffer, serializeOptions, ip, icmp, gopacket.Payload(quote))
		if err != nil {
			return nil, errors.Trace(err)
		}

	} else {

		// ICMPv6 quotes as much of the original packet as fits within the
		// minimum IPv6 MTU.
		quote := original
		if len(quote) > 1232 {
			quote = quote[:1232]
		}

		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolICMPv6,
			SrcIP:      destinationIP.To16(),
			DstIP:      sourceIP.To16(),
		}
		icmp := &layers.ICMPv6{
			TypeCode: layers.CreateICMPv6TypeCode(
				layers.ICMPv6TypePacketTooBig, 0),
		}
		_ = icmp.SetNetworkLayerForChecksum(ip)

		// The type-specific field is the 4-byte MTU, followed by the quote.
		body := make([]byte, 4+len(quote))
		binary.BigEndian.PutUint32(body[0:4], uint32(mtu))
		copy(body[4:], quote)

		err := gopacket.SerializeLayers(
			buffer, serializeOptions, ip, icmp, gopacket.Payload(body))
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	return buffer.Bytes(), nil
}
