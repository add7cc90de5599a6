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

Package tunnel multiplexes a session's packet traffic over a set of
channels. A Tunnel owns at most MaxDatagramChannelCount datagram channels,
which carry whole IP packets, and any number of stream proxy channels, which
bridge TCP payload byte streams. Datagram channels come in two mutually
exclusive kinds: stream datagram channels, length-framed over a reliable
stream, and a single AEAD-sealed UDP channel.

*/
package tunnel

import (
	"sync/atomic"
	"time"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/protocol"
)

// PacketHandler receives packets delivered by a datagram channel. Handlers
// must not retain the packet buffers after returning.
type PacketHandler func(packets [][]byte, channel DatagramChannel)

// Channel is a transport bound to one session.
type Channel interface {

	// ChannelID returns the stable id of the channel.
	ChannelID() string

	// IsConnected indicates whether the channel can still carry traffic.
	// A channel which fails or outlives its lifespan reports false and is
	// removed by its Tunnel.
	IsConnected() bool

	// Traffic returns the bytes sent and received over the channel.
	Traffic() protocol.Traffic

	// Close tears the channel down. Close is idempotent.
	Close() error
}

// DatagramChannel is a Channel carrying whole IP packets.
type DatagramChannel interface {
	Channel

	// IsStream distinguishes stream datagram channels from the UDP
	// channel. The two kinds never coexist in one Tunnel.
	IsStream() bool

	// SendPackets transmits a batch of packets. The batch respects the
	// Tunnel's MTU discipline.
	SendPackets(packets [][]byte) error

	// Start begins the channel's receive loop, delivering inbound packets
	// to handler until the channel closes.
	Start(handler PacketHandler)
}

// trafficCounter accumulates sent/received bytes with atomic counters, so
// datapath goroutines never contend on a lock for accounting.
type trafficCounter struct {
	sent     int64
	received int64
}

func (counter *trafficCounter) addSent(n int64) {
	atomic.AddInt64(&counter.sent, n)
}

func (counter *trafficCounter) addReceived(n int64) {
	atomic.AddInt64(&counter.received, n)
}

func (counter *trafficCounter) traffic() protocol.Traffic {
	return protocol.Traffic{
		Sent:     atomic.LoadInt64(&counter.sent),
		Received: atomic.LoadInt64(&counter.received),
	}
}

// Datagram messages are control packets carried in-band on datagram
// channels. They are distinguished from IP packets by a zero version
// nibble, which no IP packet carries, and are consumed by the Tunnel
// rather than raised to the packet handler.
const (
	datagramMessageMarker = 0x00

	// DatagramMessageCodeCloseSession notifies the peer that the session
	// is closing and no further packets will be sent.
	DatagramMessageCodeCloseSession = 0x01
)

// BuildDatagramMessage constructs an in-band control packet.
func BuildDatagramMessage(code byte) []byte {
	return []byte{datagramMessageMarker, code}
}

// ParseDatagramMessage returns the control code when the packet is an
// in-band control packet.
func ParseDatagramMessage(packet []byte) (byte, bool) {
	if len(packet) != 2 || packet[0] != datagramMessageMarker {
		return 0, false
	}
	return packet[1], true
}

// nowNano is indirected for tests.
var nowNano = func() int64 { return time.Now().UnixNano() }
