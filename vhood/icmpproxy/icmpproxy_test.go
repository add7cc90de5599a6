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

package icmpproxy

import (
	"bytes"
	"net"
	"testing"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/packet"
)

func makeEchoRequest(t *testing.T, id, seq uint16, data []byte) []byte {
	t.Helper()

	message := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: int(id), Seq: int(seq), Data: data},
	}
	transport, err := message.Marshal(nil)
	if err != nil {
		t.Fatalf("Marshal failed: %s", err)
	}

	header := make([]byte, 20)
	header[0] = 0x45
	totalLength := 20 + len(transport)
	header[2] = byte(totalLength >> 8)
	header[3] = byte(totalLength)
	header[8] = 64
	header[9] = packet.ProtocolICMP
	copy(header[12:16], net.ParseIP("10.0.0.1").To4())
	copy(header[16:20], net.ParseIP("8.8.8.8").To4())

	return append(header, transport...)
}

func TestParseEchoRequest(t *testing.T) {

	data := []byte("ping payload")
	p := makeEchoRequest(t, 0x1234, 7, data)

	id, isRequest, ok := packet.IsICMPEcho(p)
	if !ok || !isRequest {
		t.Fatalf("echo request not recognized")
	}
	if id != 0x1234 {
		t.Fatalf("unexpected echo id: %x", id)
	}

	message, err := parseEchoRequest(p)
	if err != nil {
		t.Fatalf("parseEchoRequest failed: %s", err)
	}
	echo := message.Body.(*icmp.Echo)
	if echo.ID != 0x1234 || echo.Seq != 7 || !bytes.Equal(echo.Data, data) {
		t.Fatalf("echo fields mismatch: %+v", echo)
	}
}

func TestSendPacketRejectsNonEcho(t *testing.T) {

	pool := NewPool(&Config{})
	defer pool.Close()

	udpPacket, err := packet.BuildUDPPacket(
		&net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5000},
		&net.UDPAddr{IP: net.ParseIP("8.8.8.8"), Port: 53},
		[]byte("x"))
	if err != nil {
		t.Fatalf("BuildUDPPacket failed: %s", err)
	}

	if pool.SendPacket(udpPacket) == nil {
		t.Fatalf("non-echo packet accepted")
	}

	// An echo reply is not forwardable either.
	reply, err := packet.BuildICMPEchoReply(
		net.ParseIP("8.8.8.8"), net.ParseIP("10.0.0.1"), 1, 1, []byte("x"))
	if err != nil {
		t.Fatalf("BuildICMPEchoReply failed: %s", err)
	}
	if pool.SendPacket(reply) == nil {
		t.Fatalf("echo reply accepted")
	}
}
