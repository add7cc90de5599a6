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
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/protocol"
)

const streamProxyRelayBufferSize = 32 * 1024

// StreamProxyChannel bridges a tunnel-side byte stream to a TCP connection
// to the destination, relaying payload bytes in both directions. It carries
// no packet framing; it exists so the session can count its traffic and
// close it with the tunnel.
type StreamProxyChannel struct {
	trafficCounter

	channelID  string
	hostConn   net.Conn
	remoteConn net.Conn

	isClosed  int32
	closeOnce sync.Once
}

// NewStreamProxyChannel pairs the tunnel-side stream with the established
// destination connection.
func NewStreamProxyChannel(
	channelID string, hostConn, remoteConn net.Conn) *StreamProxyChannel {

	return &StreamProxyChannel{
		channelID:  channelID,
		hostConn:   hostConn,
		remoteConn: remoteConn,
	}
}

func (channel *StreamProxyChannel) ChannelID() string {
	return channel.channelID
}

func (channel *StreamProxyChannel) IsConnected() bool {
	return atomic.LoadInt32(&channel.isClosed) == 0
}

func (channel *StreamProxyChannel) Traffic() protocol.Traffic {
	return channel.traffic()
}

// Relay copies bytes in both directions until both directions complete or
// either connection fails, then closes the channel. Relay blocks; callers
// run it in its own goroutine.
func (channel *StreamProxyChannel) Relay() {

	var waitGroup sync.WaitGroup
	waitGroup.Add(1)

	go func() {
		defer waitGroup.Done()
		channel.relayDirection(
			channel.remoteConn, channel.hostConn, channel.addSent)
	}()

	channel.relayDirection(
		channel.hostConn, channel.remoteConn, channel.addReceived)

	waitGroup.Wait()

	channel.Close()
}

// relayDirection copies one direction, then propagates end of stream with a
// half-close so the opposite direction can drain fully, e.g. an HTTP
// response still in flight after the request side closed.
func (channel *StreamProxyChannel) relayDirection(
	to, from net.Conn, count func(int64)) {

	buffer := make([]byte, streamProxyRelayBufferSize)

	for {
		n, err := from.Read(buffer)
		if n > 0 {
			_, writeErr := to.Write(buffer[:n])
			if writeErr != nil {
				break
			}
			count(int64(n))
		}
		if err != nil {
			if err == io.EOF {
				if closeWriter, ok := to.(common.CloseWriter); ok {
					closeWriter.CloseWrite()
				}
			}
			break
		}
	}
}

func (channel *StreamProxyChannel) Close() error {
	channel.closeOnce.Do(func() {
		atomic.StoreInt32(&channel.isClosed, 1)
		channel.hostConn.Close()
		channel.remoteConn.Close()
	})
	return nil
}
