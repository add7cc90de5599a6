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
	"context"
	"crypto/subtle"
	std_errors "errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/packet"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/protocol"
	"github.com/vhood-net/vhood-tunnel-core/vhood/icmpproxy"
	"github.com/vhood-net/vhood-tunnel-core/vhood/server/access"
	"github.com/vhood-net/vhood-tunnel-core/vhood/tunnel"
	"github.com/vhood-net/vhood-tunnel-core/vhood/udpproxy"
)

// session is the server-side state of one client session: the tunnel
// carrying its packets, the proxy pools relaying them to the Internet, and
// the usage accounting reported to the access manager.
type session struct {
	sessionID   uint64
	sessionKey  []byte
	clientID    string
	clientIP    string
	createdTime time.Time

	sessionManager *SessionManager
	tunnel         *tunnel.Tunnel
	udpProxy       *udpproxy.PoolEx
	icmpProxy      *icmpproxy.Pool
	netScan        *NetScanDetector

	tcpConnectWaitCount int32

	udpChannelMutex sync.Mutex
	udpChannel      *tunnel.UDPChannel

	// Reporters coalesce recurring per-packet events into rate-limited log
	// entries.
	blockedReporter *common.EventReporter
	netScanReporter *common.EventReporter

	// syncMutex serializes usage sync cycles; a session never has more
	// than one SessionAddUsage in flight.
	syncMutex     sync.Mutex
	syncedTraffic protocol.Traffic

	mutex        sync.Mutex
	errorCode    protocol.ErrorCode
	errorMessage string
	suppressedBy protocol.SuppressType
	isDisposed   bool
}

func newSession(
	sessionManager *SessionManager,
	response *access.SessionResponseEx,
	clientID, clientIP string) *session {

	config := sessionManager.config

	session := &session{
		sessionID:      response.SessionID,
		sessionKey:     response.SessionKey,
		clientID:       clientID,
		clientIP:       clientIP,
		createdTime:    response.CreatedTime,
		sessionManager: sessionManager,
		suppressedBy:   response.SuppressedBy,
		netScan: NewNetScanDetector(
			config.NetScanLimit, config.NetScanWindow()),
		blockedReporter: common.NewEventReporter(
			CommonLogger(log), "blocked packet dropped", time.Minute),
		netScanReporter: common.NewEventReporter(
			CommonLogger(log), "net scan detected", time.Minute),
	}

	session.tunnel = tunnel.NewTunnel(&tunnel.Config{
		Logger:                  CommonLogger(log),
		MaxDatagramChannelCount: config.MaxDatagramChannelCount,
		OnPacketsReceived:       session.handleTunnelPackets,
		OnMessageReceived:       session.handleTunnelMessage,
	})

	session.udpProxy = udpproxy.NewPoolEx(&udpproxy.Config{
		Logger:            CommonLogger(log),
		MaxLocalEndpoints: config.MaxUDPLocalEndpoints,
		IdleTimeout:       config.UDPProxyIdleTimeout(),
		OnPacketReceived:  session.sendToClient,
		OnEndpoint:        session.handleProxyEndpoint,
	})

	session.icmpProxy = icmpproxy.NewPool(&icmpproxy.Config{
		Logger:           CommonLogger(log),
		IdleTimeout:      config.UDPProxyIdleTimeout(),
		OnPacketReceived: session.sendToClient,
	})

	return session
}

// handleTunnelPackets routes packets arriving from the client to the
// Internet-facing proxies. TCP packets never arrive this way; TCP flows use
// stream proxy channels.
func (session *session) handleTunnelPackets(
	packets [][]byte, _ tunnel.DatagramChannel) {

	for _, ipPacket := range packets {

		protocolNumber, ok := packet.Protocol(ipPacket)
		if !ok {
			continue
		}

		var err error
		switch protocolNumber {
		case packet.ProtocolUDP:
			err = session.routeUDPPacket(ipPacket)
		case packet.ProtocolICMP, packet.ProtocolICMPv6:
			err = session.icmpProxy.SendPacket(ipPacket)
		default:
			// Drop; includes TCP.
			continue
		}

		if err != nil {
			if std_errors.Is(err, udpproxy.ErrClientQuota) ||
				std_errors.Is(err, icmpproxy.ErrPingerQuota) {
				session.setErrorCode(
					protocol.ErrorCodeUDPClientQuota, err.Error())
				continue
			}
			log.WithTraceFields(LogFields{
				"sessionId": session.sessionID,
				"error":     err.Error(),
			}).Debug("route packet failed")
		}
	}
}

func (session *session) routeUDPPacket(ipPacket []byte) error {

	destinationIP := packet.DestinationIP(ipPacket)
	if !session.sessionManager.netFilter.IsAllowed(destinationIP) {
		session.blockedReporter.Raise(common.LogFields{
			"sessionId":   session.sessionID,
			"destination": destinationIP.String(),
		})
		return nil
	}
	return errors.Trace(session.udpProxy.SendPacket(ipPacket))
}

// handleProxyEndpoint feeds new proxy flows into net scan detection. A flow
// rejected here is simply dropped; UDP offers no per-flow error path back to
// the client.
func (session *session) handleProxyEndpoint(
	flow packet.FlowID, _, isNewRemote bool) {

	if !isNewRemote {
		return
	}
	endpoint := net.JoinHostPort(
		flow.DestinationIP, portString(flow.DestinationPort))
	if !session.netScan.Verify(endpoint) {
		session.netScanReporter.Raise(common.LogFields{
			"sessionId": session.sessionID,
			"endpoint":  endpoint,
		})
	}
}

// sendToClient queues a reply packet from a proxy onto the tunnel.
func (session *session) sendToClient(ipPacket []byte) {
	err := session.tunnel.SendPacket(ipPacket)
	if err != nil && !std_errors.Is(err, tunnel.ErrTunnelClosed) {
		log.WithTraceFields(LogFields{
			"sessionId": session.sessionID,
			"error":     err.Error(),
		}).Debug("send to client failed")
	}
}

func (session *session) handleTunnelMessage(code byte) {
	if code == tunnel.DatagramMessageCodeCloseSession {
		session.setErrorCode(
			protocol.ErrorCodeSessionClosed, "closed by client")
		session.sessionManager.disposeSession(session, false)
	}
}

// addDatagramChannel adopts a control connection as a stream datagram
// channel after a TcpDatagramChannel request. Adding a stream channel flips
// the session off UDP channel mode; the tunnel enforces the exclusion by
// evicting the UDP channel.
func (session *session) addDatagramChannel(
	conn net.Conn, channelID string) error {

	channel := tunnel.NewStreamDatagramChannel(channelID, conn, 0, 0)
	err := session.tunnel.AddDatagramChannel(channel)
	if err != nil {
		channel.Close()
		return errors.Trace(err)
	}
	return nil
}

// handleUDPDatagram ingests a UDP channel datagram routed to this session
// by the server's UDP listener, lazily binding the session's UDP channel to
// the shared listener socket. Once the session carries stream datagram
// channels, stray UDP datagrams are dropped rather than evicting them; the
// channel kinds are mutually exclusive and the client drives the switch.
func (session *session) handleUDPDatagram(
	conn net.PacketConn, datagram []byte, senderAddr net.Addr) error {

	session.udpChannelMutex.Lock()
	channel := session.udpChannel
	if channel == nil || !channel.IsConnected() {
		if session.tunnel.HasStreamDatagramChannels() {
			session.udpChannelMutex.Unlock()
			return errors.TraceNew("session uses stream datagram channels")
		}
		var err error
		channel, err = tunnel.NewServerUDPChannel(
			session.sessionID, session.sessionKey, conn)
		if err != nil {
			session.udpChannelMutex.Unlock()
			return errors.Trace(err)
		}
		err = session.tunnel.AddDatagramChannel(channel)
		if err != nil {
			channel.Close()
			session.udpChannelMutex.Unlock()
			return errors.Trace(err)
		}
		session.udpChannel = channel
	}
	session.udpChannelMutex.Unlock()

	return errors.Trace(channel.HandleDatagram(datagram, senderAddr))
}

// connectStreamProxy runs the ordered admission checks for a
// StreamProxyChannel request and dials the destination. The check order is
// fixed: destination filtering, net scan, channel quota, connect-wait
// quota. Each rejection carries its distinct error code.
func (session *session) connectStreamProxy(
	ctx context.Context,
	destinationEndPoint string) (net.Conn, protocol.ErrorCode, error) {

	config := session.sessionManager.config

	err := session.sessionManager.netFilter.VerifyEndpoint(
		destinationEndPoint)
	if err != nil {
		return nil, protocol.ErrorCodeRequestBlocked, errors.Trace(err)
	}

	if !session.netScan.Verify(destinationEndPoint) {
		return nil, protocol.ErrorCodeNetScan,
			errors.TraceNew("net scan limit exceeded")
	}

	if session.tunnel.StreamProxyChannelCount() >=
		config.MaxTCPChannelCount {
		return nil, protocol.ErrorCodeMaxTCPChannel,
			errors.TraceNew("stream proxy channel limit exceeded")
	}

	waitCount := atomic.AddInt32(&session.tcpConnectWaitCount, 1)
	defer atomic.AddInt32(&session.tcpConnectWaitCount, -1)
	if int(waitCount) > config.MaxTCPConnectWaitCount {
		return nil, protocol.ErrorCodeMaxTCPConnectWait,
			errors.TraceNew("connect wait limit exceeded")
	}

	dialer := &net.Dialer{Timeout: config.TCPConnectTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", destinationEndPoint)
	if err != nil {
		return nil, protocol.ErrorCodeGeneralError, errors.Trace(err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		if config.TCPBufferSize > 0 {
			tcpConn.SetReadBuffer(config.TCPBufferSize)
			tcpConn.SetWriteBuffer(config.TCPBufferSize)
		}
	}

	// The activity monitor enforces an idle deadline on the destination
	// conn, so a relay whose client endpoint silently vanished does not
	// hold the destination open indefinitely.
	monitoredConn, err := common.NewActivityMonitoredConn(
		conn, config.SessionIdleTimeout(), true, nil, nil)
	if err != nil {
		conn.Close()
		return nil, protocol.ErrorCodeGeneralError, errors.Trace(err)
	}

	return monitoredConn, protocol.ErrorCodeOk, nil
}

// runStreamProxy relays a stream proxy channel until either side closes,
// blocking the calling connection handler goroutine.
func (session *session) runStreamProxy(
	channelID string, hostConn, destinationConn net.Conn) {

	channel := tunnel.NewStreamProxyChannel(
		channelID, hostConn, destinationConn)

	err := session.tunnel.AddStreamProxyChannel(channel)
	if err != nil {
		channel.Close()
		log.WithTraceFields(LogFields{
			"sessionId": session.sessionID,
			"error":     err.Error(),
		}).Warning("add stream proxy channel failed")
		return
	}

	channel.Relay()
	session.tunnel.RemoveChannel(channel)
}

// syncUsage reports unsynced traffic to the access manager and applies the
// returned session status. Traffic axes are swapped crossing sides: bytes
// the server sent to the Internet are bytes the client session received.
// Unforced syncs are skipped while unsynced traffic is below the sync cache
// size. On failure, nothing is recorded as synced and the next cycle
// resends the same delta.
func (session *session) syncUsage(
	ctx context.Context, force, closeSession bool) error {

	session.syncMutex.Lock()
	defer session.syncMutex.Unlock()

	traffic := session.tunnel.Traffic()
	delta := traffic.Sub(session.syncedTraffic)

	if !force && !closeSession &&
		delta.Total() < session.sessionManager.config.SyncCacheSize {
		return nil
	}
	if delta.Total() == 0 && !closeSession && !force {
		return nil
	}

	response, err := session.sessionManager.accessManager.SessionAddUsage(
		ctx, session.sessionID, delta.Swapped(), closeSession)
	if err != nil {
		return errors.Trace(err)
	}

	session.syncedTraffic = traffic

	if response.ErrorCode != protocol.ErrorCodeOk {
		session.applyStatus(response)
		if response.ErrorCode.IsFatal() {
			session.sessionManager.disposeSession(session, false)
		}
	}
	return nil
}

// applyStatus adopts a session status reported by the access manager.
func (session *session) applyStatus(response *protocol.SessionResponse) {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	if session.errorCode == protocol.ErrorCodeOk {
		session.errorCode = response.ErrorCode
		session.errorMessage = response.ErrorMessage
		session.suppressedBy = response.SuppressedBy
	}
}

func (session *session) setErrorCode(
	errorCode protocol.ErrorCode, errorMessage string) {

	session.mutex.Lock()
	defer session.mutex.Unlock()
	if session.errorCode == protocol.ErrorCodeOk {
		session.errorCode = errorCode
		session.errorMessage = errorMessage
	}
}

// status returns the session's current error state.
func (session *session) status() (protocol.ErrorCode, string, protocol.SuppressType) {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.errorCode, session.errorMessage, session.suppressedBy
}

func (session *session) sessionResponse() *protocol.SessionResponse {
	errorCode, errorMessage, suppressedBy := session.status()
	return &protocol.SessionResponse{
		ResponseBase: protocol.ResponseBase{
			ErrorCode:    errorCode,
			ErrorMessage: errorMessage,
		},
		SuppressedBy: suppressedBy,
	}
}

// verifyKey authenticates a session request.
func (session *session) verifyKey(sessionKey []byte) bool {
	return subtleConstantTimeCompare(session.sessionKey, sessionKey)
}

func (session *session) lastActivity() time.Time {
	return session.tunnel.LastActivity()
}

// dispose tears the session down: the close notification is sent to the
// client when notifyClient is set, final usage is synced, and the tunnel
// and proxies are closed. dispose is idempotent.
func (session *session) dispose(notifyClient bool) {

	session.mutex.Lock()
	if session.isDisposed {
		session.mutex.Unlock()
		return
	}
	session.isDisposed = true
	if session.errorCode == protocol.ErrorCodeOk {
		session.errorCode = protocol.ErrorCodeSessionClosed
	}
	session.mutex.Unlock()

	if notifyClient {
		session.tunnel.SendMessage(tunnel.DatagramMessageCodeCloseSession)
		// Give the queued message a chance to drain before teardown.
		time.Sleep(100 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), access.REQUEST_TIMEOUT)
	defer cancel()
	err := session.syncUsage(ctx, true, true)
	if err != nil {
		log.WithTraceFields(LogFields{
			"sessionId": session.sessionID,
			"error":     err.Error(),
		}).Warning("final usage sync failed")
	}

	session.tunnel.Close()
	session.udpProxy.Close()
	session.icmpProxy.Close()

	session.blockedReporter.Flush()
	session.netScanReporter.Flush()

	traffic := session.tunnel.Traffic()
	log.WithTraceFields(LogFields{
		"sessionId":     session.sessionID,
		"bytesSent":     traffic.Sent,
		"bytesReceived": traffic.Received,
		"scanEndpoints": session.netScan.EndpointCount(),
	}).Info("session disposed")
}

func (session *session) disposed() bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.isDisposed
}

func portString(port uint16) string {
	return strconv.Itoa(int(port))
}

func subtleConstantTimeCompare(x, y []byte) bool {
	return subtle.ConstantTimeCompare(x, y) == 1
}
