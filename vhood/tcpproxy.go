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
	"context"
	"net"
	"strconv"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/packet"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/protocol"
	"github.com/vhood-net/vhood-tunnel-core/vhood/tunnel"
)

// tcpProxy is the local TCP catcher. The packet router NATs every device
// TCP flow back into the device toward this listener; each accepted
// connection's remote port is the nat id of the original flow, which names
// the true destination for the stream proxy channel.
type tcpProxy struct {
	client   *Client
	listener net.Listener
	conns    *common.Conns
	lruConns *common.LRUConns
}

func newTCPProxy(client *Client) (*tcpProxy, error) {

	// The wildcard bind accepts connections addressed to the device's
	// virtual IP, whatever the embedder assigned.
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, errors.Trace(err)
	}

	proxy := &tcpProxy{
		client:   client,
		listener: listener,
		conns:    common.NewConns(),
		lruConns: common.NewLRUConns(),
	}

	client.waitGroup.Add(1)
	go proxy.runAccept()

	return proxy, nil
}

func (proxy *tcpProxy) port() uint16 {
	return uint16(proxy.listener.Addr().(*net.TCPAddr).Port)
}

func (proxy *tcpProxy) close() {
	proxy.listener.Close()
	proxy.conns.CloseAll()
}

func (proxy *tcpProxy) runAccept() {
	defer proxy.client.waitGroup.Done()

	for {
		conn, err := proxy.listener.Accept()
		if err != nil {
			select {
			case <-proxy.client.runContext.Done():
			default:
				proxy.client.config.Logger.WithTraceFields(common.LogFields{
					"error": err.Error(),
				}).Warning("accept failed")
			}
			return
		}

		if !proxy.conns.Add(conn) {
			conn.Close()
			return
		}

		proxy.client.waitGroup.Add(1)
		go proxy.handleConnection(conn)
	}
}

func (proxy *tcpProxy) handleConnection(conn net.Conn) {
	defer proxy.client.waitGroup.Done()
	defer proxy.conns.Remove(conn)

	client := proxy.client

	remoteIP := net.ParseIP(common.IPAddressFromAddr(conn.RemoteAddr()))
	remotePort := common.PortFromAddr(conn.RemoteAddr())
	if remoteIP == nil || remotePort == 0 {
		conn.Close()
		return
	}

	version := 4
	if remoteIP.To4() == nil {
		version = 6
	}

	// The remote port is the nat id the router wrote into the flow.
	item := client.router.tcpNAT.Resolve(
		version, packet.ProtocolTCP, uint16(remotePort))
	if item == nil {
		conn.Close()
		return
	}

	destination := net.JoinHostPort(
		item.Flow.DestinationIP, portString(item.Flow.DestinationPort))

	if client.tunnel.StreamProxyChannelCount() >= MAX_STREAM_PROXY_CHANNELS {
		proxy.lruConns.CloseOldest()
	}

	lruEntry := proxy.lruConns.Add(conn)
	defer lruEntry.Remove()

	hostConn, err := common.NewActivityMonitoredConn(
		conn, 0, true, nil, lruEntry)
	if err != nil {
		conn.Close()
		return
	}

	ctx, cancel := context.WithTimeout(
		client.runContext, DEFAULT_CONNECT_TIMEOUT)
	request := protocol.StreamProxyChannelRequest{
		SessionRequest: client.sessionRequest(
			protocol.RequestCodeStreamProxyChannel),
		DestinationEndPoint: destination,
	}
	remoteConn, err := client.openChannelConn(ctx, &request)
	cancel()
	if err != nil {
		client.config.Logger.WithTraceFields(common.LogFields{
			"destination": destination,
			"error":       err.Error(),
		}).Warning("stream proxy channel open failed")
		conn.Close()
		return
	}

	channel := tunnel.NewStreamProxyChannel(
		request.RequestID, hostConn, remoteConn)

	err = client.tunnel.AddStreamProxyChannel(channel)
	if err != nil {
		channel.Close()
		return
	}

	channel.Relay()
	client.tunnel.RemoveChannel(channel)
}

func portString(port uint16) string {
	return strconv.FormatUint(uint64(port), 10)
}
