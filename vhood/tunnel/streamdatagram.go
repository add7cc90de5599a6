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
	"encoding/binary"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/protocol"
)

// streamDatagramMaxPacketSize bounds a single framed packet; the frame
// length field is 16 bits.
const streamDatagramMaxPacketSize = 0xFFFF

// StreamDatagramChannel carries whole IP packets over a reliable byte
// stream, each packet preceded by a 16-bit big-endian length. An optional
// randomized lifespan bounds how long one underlying stream is reused; past
// its lifespan the channel reports disconnected and its Tunnel replaces it.
type StreamDatagramChannel struct {
	trafficCounter

	channelID string
	conn      net.Conn

	// lifespanDeadline is zero when the lifespan is unlimited.
	lifespanDeadline time.Time

	isClosed  int32
	closeOnce sync.Once

	sendMutex sync.Mutex

	startOnce sync.Once
}

// NewStreamDatagramChannel wraps conn as a stream datagram channel. When
// maxLifespan is positive the channel's lifespan is drawn uniformly from
// [minLifespan, maxLifespan], so a fleet of channels does not churn in
// lockstep.
func NewStreamDatagramChannel(
	channelID string,
	conn net.Conn,
	minLifespan, maxLifespan time.Duration) *StreamDatagramChannel {

	channel := &StreamDatagramChannel{
		channelID: channelID,
		conn:      conn,
	}

	if maxLifespan > 0 {
		if minLifespan > maxLifespan {
			minLifespan = maxLifespan
		}
		lifespan := minLifespan
		if maxLifespan > minLifespan {
			lifespan += time.Duration(
				rand.Int63n(int64(maxLifespan - minLifespan)))
		}
		channel.lifespanDeadline = time.Now().Add(lifespan)
	}

	return channel
}

func (channel *StreamDatagramChannel) ChannelID() string {
	return channel.channelID
}

func (channel *StreamDatagramChannel) IsStream() bool {
	return true
}

func (channel *StreamDatagramChannel) IsConnected() bool {
	if atomic.LoadInt32(&channel.isClosed) == 1 {
		return false
	}
	if !channel.lifespanDeadline.IsZero() &&
		time.Now().After(channel.lifespanDeadline) {
		return false
	}
	return true
}

func (channel *StreamDatagramChannel) Traffic() protocol.Traffic {
	return channel.traffic()
}

// SendPackets frames and writes a batch of packets in one conn write, so a
// batch assembled under the Tunnel's MTU discipline travels in one segment.
func (channel *StreamDatagramChannel) SendPackets(packets [][]byte) error {

	if atomic.LoadInt32(&channel.isClosed) == 1 {
		return errors.TraceNew("channel closed")
	}

	size := 0
	for _, p := range packets {
		if len(p) > streamDatagramMaxPacketSize {
			return errors.Tracef("packet size %d exceeds frame limit", len(p))
		}
		size += 2 + len(p)
	}

	frame := make([]byte, 0, size)
	for _, p := range packets {
		var length [2]byte
		binary.BigEndian.PutUint16(length[:], uint16(len(p)))
		frame = append(frame, length[:]...)
		frame = append(frame, p...)
	}

	channel.sendMutex.Lock()
	_, err := channel.conn.Write(frame)
	channel.sendMutex.Unlock()
	if err != nil {
		channel.Close()
		return errors.Trace(err)
	}

	channel.addSent(int64(size))
	return nil
}

// Start launches the receive loop. The loop exits, closing the channel,
// when the stream fails or closes.
func (channel *StreamDatagramChannel) Start(handler PacketHandler) {
	channel.startOnce.Do(func() {
		go channel.runReceiver(handler)
	})
}

func (channel *StreamDatagramChannel) runReceiver(handler PacketHandler) {

	defer channel.Close()

	var length [2]byte

	for {
		_, err := io.ReadFull(channel.conn, length[:])
		if err != nil {
			return
		}

		size := int(binary.BigEndian.Uint16(length[:]))
		packet := make([]byte, size)
		_, err = io.ReadFull(channel.conn, packet)
		if err != nil {
			return
		}

		channel.addReceived(int64(2 + size))

		if atomic.LoadInt32(&channel.isClosed) == 1 {
			return
		}

		handler([][]byte{packet}, channel)
	}
}

func (channel *StreamDatagramChannel) Close() error {
	channel.closeOnce.Do(func() {
		atomic.StoreInt32(&channel.isClosed, 1)
		channel.conn.Close()
	})
	return nil
}
