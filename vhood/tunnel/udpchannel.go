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

package tunnel

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/protocol"
)

// UDP channel datagram layout:
//
//	+-------------+---------+---------+----------------------+
//	| session id  |   seq   |  flags  |  sealed payload      |
//	|   8 bytes   | 8 bytes | 1 byte  |  AEAD(frames) + tag  |
//	+-------------+---------+---------+----------------------+
//
// The 17-byte header travels in the clear so the server can route the
// datagram to its session before decrypting, and is authenticated as AEAD
// associated data. The sealed payload holds one or more 16-bit length
// framed IP packets. The AEAD nonce is seq || flags || low 3 bytes of the
// session id; the flags direction bit keeps the two directions, which share
// one key, in disjoint nonce spaces.
const (
	udpChannelHeaderSize = 17

	// udpChannelFlagServerToClient is set on server-originated datagrams.
	udpChannelFlagServerToClient = 0x01

	udpChannelMaxDatagramSize = 0xFFFF
)

// UDPChannelKey derives the AEAD key from the session key.
func UDPChannelKey(sessionKey []byte) []byte {
	key := sha256.Sum256(sessionKey)
	return key[:]
}

// SessionIDFromDatagram extracts the routing session id from a UDP channel
// datagram, for server-side demultiplexing before decryption.
func SessionIDFromDatagram(datagram []byte) (uint64, bool) {
	if len(datagram) < udpChannelHeaderSize {
		return 0, false
	}
	return binary.BigEndian.Uint64(datagram[0:8]), true
}

// UDPChannel is the datagram channel over raw UDP. A session has at most
// one, and it never coexists with stream datagram channels.
//
// In client mode the channel owns a connected UDP socket and runs its own
// receive loop. In server mode the channel shares the server's UDP listener:
// the server routes inbound datagrams by session id to HandleDatagram, and
// replies go to the client endpoint observed on the latest authenticated
// datagram, so the channel follows the client across NAT rebinding.
type UDPChannel struct {
	trafficCounter

	channelID string
	sessionID uint64
	aead      cipher.AEAD

	// client mode
	conn net.Conn

	// server mode
	packetConn net.PacketConn

	mutex      sync.Mutex
	remoteAddr net.Addr
	handler    PacketHandler

	sendSeq uint64

	isClosed  int32
	closeOnce sync.Once
	startOnce sync.Once
}

// NewClientUDPChannel creates the client side of a UDP channel over a
// connected UDP socket.
func NewClientUDPChannel(
	sessionID uint64,
	sessionKey []byte,
	conn net.Conn) (*UDPChannel, error) {

	aead, err := chacha20poly1305.New(UDPChannelKey(sessionKey))
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &UDPChannel{
		channelID: fmt.Sprintf("udp-%d", sessionID),
		sessionID: sessionID,
		aead:      aead,
		conn:      conn,
	}, nil
}

// NewServerUDPChannel creates the server side of a UDP channel over the
// server's shared UDP listener.
func NewServerUDPChannel(
	sessionID uint64,
	sessionKey []byte,
	packetConn net.PacketConn) (*UDPChannel, error) {

	aead, err := chacha20poly1305.New(UDPChannelKey(sessionKey))
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &UDPChannel{
		channelID:  fmt.Sprintf("udp-%d", sessionID),
		sessionID:  sessionID,
		aead:       aead,
		packetConn: packetConn,
	}, nil
}

func (channel *UDPChannel) ChannelID() string {
	return channel.channelID
}

func (channel *UDPChannel) IsStream() bool {
	return false
}

func (channel *UDPChannel) IsConnected() bool {
	return atomic.LoadInt32(&channel.isClosed) == 0
}

func (channel *UDPChannel) Traffic() protocol.Traffic {
	return channel.traffic()
}

func (channel *UDPChannel) isServer() bool {
	return channel.packetConn != nil
}

// SendPackets seals a batch of packets into one datagram and transmits it.
// UDP is lossy; a failed or dropped datagram is not retried.
func (channel *UDPChannel) SendPackets(packets [][]byte) error {

	if atomic.LoadInt32(&channel.isClosed) == 1 {
		return errors.TraceNew("channel closed")
	}

	payloadSize := 0
	for _, p := range packets {
		if len(p) > streamDatagramMaxPacketSize {
			return errors.Tracef("packet size %d exceeds frame limit", len(p))
		}
		payloadSize += 2 + len(p)
	}
	datagramSize := udpChannelHeaderSize + payloadSize + chacha20poly1305.Overhead
	if datagramSize > udpChannelMaxDatagramSize {
		return errors.Tracef("datagram size %d exceeds limit", datagramSize)
	}

	payload := make([]byte, 0, payloadSize)
	for _, p := range packets {
		var length [2]byte
		binary.BigEndian.PutUint16(length[:], uint16(len(p)))
		payload = append(payload, length[:]...)
		payload = append(payload, p...)
	}

	var flags byte
	if channel.isServer() {
		flags = udpChannelFlagServerToClient
	}

	seq := atomic.AddUint64(&channel.sendSeq, 1)

	datagram := make([]byte, udpChannelHeaderSize, datagramSize)
	binary.BigEndian.PutUint64(datagram[0:8], channel.sessionID)
	binary.BigEndian.PutUint64(datagram[8:16], seq)
	datagram[16] = flags

	nonce := channel.nonce(seq, flags)
	datagram = channel.aead.Seal(datagram, nonce, payload, datagram[0:17])

	var err error
	if channel.isServer() {
		channel.mutex.Lock()
		remoteAddr := channel.remoteAddr
		channel.mutex.Unlock()
		if remoteAddr == nil {
			return errors.TraceNew("no client endpoint yet")
		}
		_, err = channel.packetConn.WriteTo(datagram, remoteAddr)
	} else {
		_, err = channel.conn.Write(datagram)
	}
	if err != nil {
		return errors.Trace(err)
	}

	channel.addSent(int64(len(datagram)))
	return nil
}

func (channel *UDPChannel) nonce(seq uint64, flags byte) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[0:8], seq)
	nonce[8] = flags
	nonce[9] = byte(channel.sessionID >> 16)
	nonce[10] = byte(channel.sessionID >> 8)
	nonce[11] = byte(channel.sessionID)
	return nonce
}

// Start begins delivery of inbound packets. In client mode a receive loop
// is launched; in server mode Start only records the handler, as datagrams
// arrive via HandleDatagram.
func (channel *UDPChannel) Start(handler PacketHandler) {
	channel.startOnce.Do(func() {
		channel.mutex.Lock()
		channel.handler = handler
		channel.mutex.Unlock()
		if !channel.isServer() {
			go channel.runReceiver()
		}
	})
}

func (channel *UDPChannel) runReceiver() {

	defer channel.Close()

	buffer := make([]byte, udpChannelMaxDatagramSize)

	for {
		n, err := channel.conn.Read(buffer)
		if err != nil {
			return
		}
		// Invalid datagrams are dropped silently; on an open network
		// anyone can send garbage to the socket.
		_ = channel.receiveDatagram(buffer[:n], nil)
	}
}

// HandleDatagram ingests one datagram routed to this channel by the
// server's UDP listener. The sender address is adopted as the reply
// endpoint only when the datagram authenticates.
func (channel *UDPChannel) HandleDatagram(
	datagram []byte, senderAddr net.Addr) error {
	return errors.Trace(channel.receiveDatagram(datagram, senderAddr))
}

func (channel *UDPChannel) receiveDatagram(
	datagram []byte, senderAddr net.Addr) error {

	if atomic.LoadInt32(&channel.isClosed) == 1 {
		return errors.TraceNew("channel closed")
	}

	if len(datagram) < udpChannelHeaderSize+chacha20poly1305.Overhead {
		return errors.TraceNew("datagram too short")
	}

	sessionID := binary.BigEndian.Uint64(datagram[0:8])
	if sessionID != channel.sessionID {
		return errors.TraceNew("session id mismatch")
	}
	seq := binary.BigEndian.Uint64(datagram[8:16])
	flags := datagram[16]

	// Each side accepts only the peer direction, so a reflected datagram
	// cannot authenticate.
	expectFlag := byte(udpChannelFlagServerToClient)
	if channel.isServer() {
		expectFlag = 0
	}
	if flags&udpChannelFlagServerToClient != expectFlag {
		return errors.TraceNew("direction mismatch")
	}

	nonce := channel.nonce(seq, flags)
	payload, err := channel.aead.Open(
		nil, nonce, datagram[udpChannelHeaderSize:], datagram[0:17])
	if err != nil {
		return errors.Trace(err)
	}

	channel.addReceived(int64(len(datagram)))

	channel.mutex.Lock()
	if senderAddr != nil {
		channel.remoteAddr = senderAddr
	}
	handler := channel.handler
	channel.mutex.Unlock()

	if handler == nil {
		return nil
	}

	var packets [][]byte
	for len(payload) >= 2 {
		size := int(binary.BigEndian.Uint16(payload[0:2]))
		if 2+size > len(payload) {
			return errors.TraceNew("truncated packet frame")
		}
		packets = append(packets, payload[2:2+size])
		payload = payload[2+size:]
	}
	if len(payload) != 0 {
		return errors.TraceNew("trailing garbage in payload")
	}

	if len(packets) > 0 {
		handler(packets, channel)
	}
	return nil
}

// Close tears the channel down. In server mode the shared listener socket
// is left open.
func (channel *UDPChannel) Close() error {
	channel.closeOnce.Do(func() {
		atomic.StoreInt32(&channel.isClosed, 1)
		if channel.conn != nil {
			channel.conn.Close()
		}
	})
	return nil
}
