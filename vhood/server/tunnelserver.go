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
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/protocol"
	"github.com/vhood-net/vhood-tunnel-core/vhood/server/access"
	"github.com/vhood-net/vhood-tunnel-core/vhood/tunnel"
)

const (
	SERVER_VERSION = "1.0.0"

	udpListenerMaxDatagramSize = 0xFFFF
)

// TunnelServer accepts client connections on the configured TCP ports,
// dispatches control requests, and demultiplexes UDP channel datagrams on
// the optional UDP port.
type TunnelServer struct {
	config         *Config
	sessionManager *SessionManager
	certificate    tls.Certificate

	listeners []net.Listener
	udpConn   net.PacketConn
	conns     *common.Conns

	runContext  context.Context
	stopRunning context.CancelFunc
	waitGroup   sync.WaitGroup

	stopOnce sync.Once
}

// NewTunnelServer creates a TunnelServer; Run starts it.
func NewTunnelServer(
	config *Config,
	accessManager access.AccessManager,
	certificate tls.Certificate) (*TunnelServer, error) {

	sessionManager, err := NewSessionManager(config, accessManager)
	if err != nil {
		return nil, errors.Trace(err)
	}

	runContext, stopRunning := context.WithCancel(context.Background())

	return &TunnelServer{
		config:         config,
		sessionManager: sessionManager,
		certificate:    certificate,
		conns:          common.NewConns(),
		runContext:     runContext,
		stopRunning:    stopRunning,
	}, nil
}

// Run opens the listeners and blocks serving clients until Stop is called.
func (server *TunnelServer) Run() error {

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{server.certificate},
		MinVersion:   tls.VersionTLS12,
	}

	for _, port := range server.config.TCPPorts {
		listener, err := tls.Listen(
			"tcp", ":"+strconv.Itoa(port), tlsConfig)
		if err != nil {
			server.closeListeners()
			return errors.Trace(err)
		}
		server.listeners = append(server.listeners, listener)
		log.WithTraceFields(LogFields{
			"port": port,
		}).Info("listening for TCP connections")
	}

	if server.config.UDPPort > 0 {
		udpConn, err := net.ListenPacket(
			"udp", ":"+strconv.Itoa(server.config.UDPPort))
		if err != nil {
			server.closeListeners()
			return errors.Trace(err)
		}
		server.udpConn = udpConn
		server.waitGroup.Add(1)
		go server.runUDPListener()
		log.WithTraceFields(LogFields{
			"port": server.config.UDPPort,
		}).Info("listening for UDP datagrams")
	}

	for _, listener := range server.listeners {
		server.waitGroup.Add(1)
		go server.runListener(listener)
	}

	server.waitGroup.Add(1)
	go server.runMetrics()

	<-server.runContext.Done()
	return nil
}

// Stop initiates shutdown: listeners close, live connections are torn down,
// and all sessions are disposed with final usage syncs.
func (server *TunnelServer) Stop() {
	server.stopOnce.Do(func() {
		log.WithTrace().Info("stopping")
		server.stopRunning()
		server.closeListeners()
		server.conns.CloseAll()
		server.waitGroup.Wait()
		server.sessionManager.Close()
		log.WithTrace().Info("stopped")
	})
}

func (server *TunnelServer) closeListeners() {
	for _, listener := range server.listeners {
		listener.Close()
	}
	if server.udpConn != nil {
		server.udpConn.Close()
	}
}

func (server *TunnelServer) runListener(listener net.Listener) {
	defer server.waitGroup.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-server.runContext.Done():
				return
			default:
			}
			log.WithTraceFields(LogFields{
				"error": err.Error(),
			}).Warning("accept failed")
			continue
		}

		if !server.conns.Add(conn) {
			conn.Close()
			return
		}

		server.waitGroup.Add(1)
		go func() {
			defer server.waitGroup.Done()
			defer server.conns.Remove(conn)
			server.handleConnection(conn, listener.Addr().String())
		}()
	}
}

// handleConnection reads one control request from a client connection and
// dispatches it. Channel requests adopt the connection; for other requests
// the connection closes when the handler returns.
func (server *TunnelServer) handleConnection(
	conn net.Conn, hostEndPoint string) {

	adopted := false
	defer func() {
		if !adopted {
			conn.Close()
		}
	}()

	// The request phase is bounded; adopted channel connections get their
	// deadline cleared.
	err := conn.SetDeadline(time.Now().Add(server.config.RequestTimeout()))
	if err != nil {
		return
	}

	requestJSON, err := protocol.ReadRawMessage(conn)
	if err != nil {
		log.WithTraceFields(LogFields{
			"error": err.Error(),
		}).Debug("read request failed")
		return
	}

	// Two-phase decode: the header selects the request type, then the full
	// payload is decoded as that type.
	var header protocol.RequestHeader
	err = json.Unmarshal(requestJSON, &header)
	if err != nil {
		return
	}

	clientIP := common.IPAddressFromAddr(conn.RemoteAddr())

	switch header.RequestCode {

	case protocol.RequestCodeHello:
		server.handleHello(conn, requestJSON, clientIP, hostEndPoint)

	case protocol.RequestCodeTCPDatagramChannel:
		adopted = server.handleTCPDatagramChannel(
			conn, requestJSON, clientIP, hostEndPoint)

	case protocol.RequestCodeStreamProxyChannel:
		server.handleStreamProxyChannel(
			conn, requestJSON, clientIP, hostEndPoint)

	case protocol.RequestCodeUDPPacket:
		// Reserved request code; no server implements it.
		protocol.WriteMessage(conn, &protocol.SessionResponse{
			ResponseBase: protocol.ResponseBase{
				ErrorCode:    protocol.ErrorCodeGeneralError,
				ErrorMessage: "not implemented",
			},
		})

	case protocol.RequestCodeBye:
		server.handleBye(conn, requestJSON, clientIP, hostEndPoint)

	default:
		log.WithTraceFields(LogFields{
			"requestCode": int(header.RequestCode),
		}).Debug("unknown request code")
	}
}

func (server *TunnelServer) handleHello(
	conn net.Conn, requestJSON []byte, clientIP, hostEndPoint string) {

	var request protocol.HelloRequest
	err := json.Unmarshal(requestJSON, &request)
	if err != nil {
		return
	}

	if request.ClientInfo.ProtocolVersion > SERVER_PROTOCOL_VERSION {
		protocol.WriteMessage(conn, &protocol.HelloResponse{
			ResponseBase: protocol.ResponseBase{
				ErrorCode: protocol.ErrorCodeUnsupportedServer,
				ErrorMessage: fmt.Sprintf(
					"server protocol version %d", SERVER_PROTOCOL_VERSION),
			},
		})
		return
	}

	ctx, cancel := context.WithTimeout(
		server.runContext, server.config.RequestTimeout())
	defer cancel()

	response, err := server.sessionManager.CreateSession(
		ctx, &request, clientIP, hostEndPoint)
	if err != nil {
		log.WithTraceFields(LogFields{
			"error": err.Error(),
		}).Warning("create session failed")
		protocol.WriteMessage(conn, &protocol.HelloResponse{
			ResponseBase: protocol.ResponseBase{
				ErrorCode:    protocol.ErrorCodeSessionError,
				ErrorMessage: "session creation failed",
			},
		})
		return
	}

	// The device capture ranges match the tunneled ranges.
	helloResponse := &protocol.HelloResponse{
		ResponseBase:                 response.ResponseBase,
		SessionID:                    response.SessionID,
		SessionKey:                   response.SessionKey,
		ServerSecret:                 server.sessionManager.accessManager.ServerSecret(),
		ServerProtocolVersion:        SERVER_PROTOCOL_VERSION,
		ServerVersion:                SERVER_VERSION,
		SuppressedTo:                 response.SuppressedTo,
		RequestTimeout:               int(server.config.RequestTimeout() / time.Second),
		TCPReuseTimeout:              int(server.config.TCPReuseTimeout() / time.Second),
		TCPEndPoints:                 server.config.TCPEndPoints(),
		UDPEndPoints:                 server.config.UDPEndPoints(),
		MaxDatagramChannelCount:      server.config.MaxDatagramChannelCount,
		IncludeIPRanges:              server.config.IncludeIPRanges,
		PacketCaptureIncludeIPRanges: server.config.IncludeIPRanges,
		IsIPv6Supported:              server.config.IsIPv6Supported,
	}

	if response.RedirectHostEndPoint != "" {
		helloResponse.ErrorCode = protocol.ErrorCodeRedirectHost
		helloResponse.RedirectHostEndPoint = response.RedirectHostEndPoint
	}

	protocol.WriteMessage(conn, helloResponse)
}

// getSession resolves and authenticates the session of a channel request,
// writing the failure response itself when the session is not usable.
func (server *TunnelServer) getSession(
	conn net.Conn,
	sessionRequest *protocol.SessionRequest,
	clientIP, hostEndPoint string) *session {

	ctx, cancel := context.WithTimeout(
		server.runContext, server.config.RequestTimeout())
	defer cancel()

	session, errorCode, err := server.sessionManager.GetSession(
		ctx,
		sessionRequest.SessionID,
		sessionRequest.SessionKey,
		clientIP,
		hostEndPoint)
	if err != nil {
		log.WithTraceFields(LogFields{
			"sessionId": sessionRequest.SessionID,
			"errorCode": errorCode.String(),
			"error":     err.Error(),
		}).Debug("get session failed")
		protocol.WriteMessage(conn, &protocol.SessionResponse{
			ResponseBase: protocol.ResponseBase{
				ErrorCode:    errorCode,
				ErrorMessage: err.Error(),
			},
		})
		return nil
	}
	return session
}

func (server *TunnelServer) handleTCPDatagramChannel(
	conn net.Conn, requestJSON []byte, clientIP, hostEndPoint string) bool {

	var request protocol.TCPDatagramChannelRequest
	err := json.Unmarshal(requestJSON, &request)
	if err != nil {
		return false
	}

	session := server.getSession(
		conn, &request.SessionRequest, clientIP, hostEndPoint)
	if session == nil {
		return false
	}

	err = protocol.WriteMessage(conn, session.sessionResponse())
	if err != nil {
		return false
	}

	// The connection becomes the channel; clear the request deadline.
	err = conn.SetDeadline(time.Time{})
	if err != nil {
		return false
	}

	err = session.addDatagramChannel(conn, request.RequestID)
	if err != nil {
		log.WithTraceFields(LogFields{
			"sessionId": session.sessionID,
			"error":     err.Error(),
		}).Warning("add datagram channel failed")
		return false
	}
	return true
}

func (server *TunnelServer) handleStreamProxyChannel(
	conn net.Conn, requestJSON []byte, clientIP, hostEndPoint string) {

	var request protocol.StreamProxyChannelRequest
	err := json.Unmarshal(requestJSON, &request)
	if err != nil {
		return
	}

	session := server.getSession(
		conn, &request.SessionRequest, clientIP, hostEndPoint)
	if session == nil {
		return
	}

	ctx, cancel := context.WithTimeout(
		server.runContext, server.config.TCPConnectTimeout())
	destinationConn, errorCode, err := session.connectStreamProxy(
		ctx, request.DestinationEndPoint)
	cancel()
	if err != nil {
		log.WithTraceFields(LogFields{
			"sessionId":   session.sessionID,
			"destination": request.DestinationEndPoint,
			"errorCode":   errorCode.String(),
			"error":       err.Error(),
		}).Debug("stream proxy connect failed")
		protocol.WriteMessage(conn, &protocol.SessionResponse{
			ResponseBase: protocol.ResponseBase{
				ErrorCode:    errorCode,
				ErrorMessage: err.Error(),
			},
		})
		return
	}

	err = protocol.WriteMessage(conn, session.sessionResponse())
	if err != nil {
		destinationConn.Close()
		return
	}

	err = conn.SetDeadline(time.Time{})
	if err != nil {
		destinationConn.Close()
		return
	}

	// Blocks for the life of the channel; both conns are closed by the
	// channel on completion.
	session.runStreamProxy(request.RequestID, conn, destinationConn)
}

func (server *TunnelServer) handleBye(
	conn net.Conn, requestJSON []byte, clientIP, hostEndPoint string) {

	var request protocol.ByeRequest
	err := json.Unmarshal(requestJSON, &request)
	if err != nil {
		return
	}

	session := server.getSession(
		conn, &request.SessionRequest, clientIP, hostEndPoint)
	if session == nil {
		return
	}

	protocol.WriteMessage(conn, session.sessionResponse())
	server.sessionManager.CloseSession(session)
}

// runUDPListener demultiplexes UDP channel datagrams to sessions by the
// plaintext session id prefix; the session's channel authenticates the
// datagram before adopting the sender as its reply endpoint.
func (server *TunnelServer) runUDPListener() {
	defer server.waitGroup.Done()

	buffer := make([]byte, udpListenerMaxDatagramSize)

	for {
		n, senderAddr, err := server.udpConn.ReadFrom(buffer)
		if err != nil {
			select {
			case <-server.runContext.Done():
				return
			default:
			}
			log.WithTraceFields(LogFields{
				"error": err.Error(),
			}).Warning("UDP read failed")
			continue
		}

		sessionID, ok := tunnel.SessionIDFromDatagram(buffer[:n])
		if !ok {
			continue
		}
		session, ok := server.sessionManager.sessionByID(sessionID)
		if !ok {
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buffer[:n])

		// Drops are silent on the datagram path.
		_ = session.handleUDPDatagram(server.udpConn, datagram, senderAddr)
	}
}

// runMetrics periodically logs server load.
func (server *TunnelServer) runMetrics() {
	defer server.waitGroup.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-server.runContext.Done():
			return
		case <-ticker.C:
			server.sessionManager.LogLoadStats()
		}
	}
}
