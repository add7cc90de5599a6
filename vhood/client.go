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

Package vhood implements the tunnel client: session establishment against a
server named by an access key, packet routing from a virtual network device
into the session's channels, and the local TCP catcher which converts
device TCP flows into stream proxy channels.

The client does not own a network device; the embedding application feeds
outbound device packets to ProcessPacket and receives inbound packets
through the OnPacketReceived callback.

*/
package vhood

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/protocol"
	"github.com/vhood-net/vhood-tunnel-core/vhood/tunnel"
)

const (
	CLIENT_VERSION = "1.0.0"

	DEFAULT_CONNECT_TIMEOUT       = 30 * time.Second
	DEFAULT_CHANNEL_CHECK_PERIOD  = 5 * time.Second
	DEFAULT_MIN_CHANNEL_LIFESPAN  = 5 * time.Minute
	DEFAULT_MAX_CHANNEL_LIFESPAN  = 10 * time.Minute
	DEFAULT_DATAGRAM_CHANNEL_GOAL = 4

	// MAX_STREAM_PROXY_CHANNELS caps concurrent proxied TCP streams. When
	// the cap is reached, the least recently active stream is closed to make
	// room.
	MAX_STREAM_PROXY_CHANNELS = 128

	// DEFAULT_DNS_SERVER answers DNS queries whose original resolver is
	// outside the tunneled ranges.
	DEFAULT_DNS_SERVER = "8.8.8.8"
)

// State is the client connection state.
type State int

const (
	StateNone State = iota
	StateConnecting
	StateConnected
	StateDisposed
)

func (state State) String() string {
	switch state {
	case StateNone:
		return "None"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisposed:
		return "Disposed"
	}
	return fmt.Sprintf("Unknown(%d)", int(state))
}

// Config specifies a Client.
type Config struct {

	// AccessKey is the portable token string issued by an access manager.
	AccessKey string

	// ClientID identifies this installation across sessions. When blank a
	// new id is generated; embedders should persist and reuse it.
	ClientID string

	ClientVersion string

	// UseUDPChannel selects the UDP datagram channel when the server
	// announces a UDP endpoint; otherwise stream datagram channels are
	// used. The channel kinds are mutually exclusive and may be switched
	// while connected via SetUseUDPChannel.
	UseUDPChannel bool

	// MaxDatagramChannelCount bounds concurrent stream datagram channels.
	// The effective count is further capped by the server's announcement.
	MaxDatagramChannelCount int

	// DNSServerIP overrides the tunneled resolver substituted for
	// out-of-range DNS destinations.
	DNSServerIP string

	// OnPacketReceived delivers inbound tunneled packets, for the embedder
	// to write to its network device.
	OnPacketReceived func(ipPacket []byte)

	// OnStateChanged observes connection state transitions.
	OnStateChanged func(state State)

	Logger common.Logger

	// dialer is indirected for tests; nil uses net.Dialer with tls.
	dialer func(ctx context.Context, endpoint string) (net.Conn, error)
}

// Client is a tunnel client for one session.
type Client struct {
	config *Config

	token    *protocol.Token
	clientID string

	state int32

	mutex          sync.Mutex
	sessionID      uint64
	sessionKey     []byte
	serverSecret   []byte
	helloResponse  *protocol.HelloResponse
	activeEndPoint string

	tunnel    *tunnel.Tunnel
	router    *packetRouter
	tcpProxy  *tcpProxy
	useUDP    int32
	udpConn   net.Conn
	closeOnce sync.Once

	runContext  context.Context
	stopRunning context.CancelFunc
	waitGroup   sync.WaitGroup
}

// NewClient creates a Client from an access key. Connect establishes the
// session.
func NewClient(config *Config) (*Client, error) {

	if config.Logger == nil {
		config.Logger = discardLogger{}
	}
	if config.ClientVersion == "" {
		config.ClientVersion = CLIENT_VERSION
	}
	if config.MaxDatagramChannelCount <= 0 {
		config.MaxDatagramChannelCount = DEFAULT_DATAGRAM_CHANNEL_GOAL
	}

	token, err := protocol.DecodeAccessKey(config.AccessKey)
	if err != nil {
		return nil, errors.Trace(err)
	}

	clientID := config.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	_, err = uuid.Parse(clientID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	runContext, stopRunning := context.WithCancel(context.Background())

	client := &Client{
		config:      config,
		token:       token,
		clientID:    clientID,
		runContext:  runContext,
		stopRunning: stopRunning,
	}

	if config.UseUDPChannel {
		client.useUDP = 1
	}

	return client, nil
}

// ClientID returns the client id in use, for the embedder to persist.
func (client *Client) ClientID() string {
	return client.clientID
}

// State returns the current connection state.
func (client *Client) State() State {
	return State(atomic.LoadInt32(&client.state))
}

func (client *Client) setState(state State) {
	atomic.StoreInt32(&client.state, int32(state))
	if client.config.OnStateChanged != nil {
		client.config.OnStateChanged(state)
	}
}

// SessionID returns the established session id, or 0.
func (client *Client) SessionID() uint64 {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.sessionID
}

// Connect establishes the session: it dials the token's endpoints, performs
// the Hello exchange, following at most one redirect, and starts channel
// maintenance. On return the client accepts packets via ProcessPacket.
func (client *Client) Connect(ctx context.Context) error {

	if client.State() != StateNone {
		return errors.TraceNew("client already used")
	}
	client.setState(StateConnecting)

	helloResponse, endPoint, err := client.connectAndHello(ctx)
	if err != nil {
		client.setState(StateDisposed)
		return errors.Trace(err)
	}

	client.mutex.Lock()
	client.sessionID = helloResponse.SessionID
	client.sessionKey = helloResponse.SessionKey
	client.serverSecret = helloResponse.ServerSecret
	client.helloResponse = helloResponse
	client.activeEndPoint = endPoint
	client.mutex.Unlock()

	client.tunnel = tunnel.NewTunnel(&tunnel.Config{
		Logger:                  client.config.Logger,
		MaxDatagramChannelCount: client.datagramChannelGoal(),
		OnPacketsReceived:       client.handleTunnelPackets,
		OnMessageReceived:       client.handleTunnelMessage,
	})

	// The catcher precedes the router: the router rewrites TCP flows
	// toward the catcher's listening port.
	client.tcpProxy, err = newTCPProxy(client)
	if err != nil {
		client.tunnel.Close()
		client.setState(StateDisposed)
		return errors.Trace(err)
	}

	client.router, err = newPacketRouter(client)
	if err != nil {
		client.tcpProxy.close()
		client.tunnel.Close()
		client.setState(StateDisposed)
		return errors.Trace(err)
	}

	client.waitGroup.Add(1)
	go client.runChannelMaintenance()

	client.setState(StateConnected)

	client.config.Logger.WithTraceFields(common.LogFields{
		"sessionId": helloResponse.SessionID,
		"endpoint":  endPoint,
	}).Info("connected")

	return nil
}

// connectAndHello tries the token's endpoints in order and follows at most
// one redirect, so a malicious or broken server cannot bounce the client
// around indefinitely.
func (client *Client) connectAndHello(
	ctx context.Context) (*protocol.HelloResponse, string, error) {

	var lastErr error

	endPoints := client.token.HostEndPoints
	redirected := false

	for i := 0; i < len(endPoints); i++ {
		endPoint := endPoints[i]

		helloResponse, err := client.sendHello(ctx, endPoint)
		if err != nil {
			lastErr = err
			continue
		}

		if helloResponse.ErrorCode == protocol.ErrorCodeRedirectHost &&
			helloResponse.RedirectHostEndPoint != "" {
			if redirected {
				return nil, "", errors.TraceNew(
					"server redirected more than once")
			}
			redirected = true
			endPoints = []protocol.IPEndPoint{
				helloResponse.RedirectHostEndPoint}
			i = -1
			continue
		}

		if helloResponse.ErrorCode != protocol.ErrorCodeOk {
			return nil, "", errors.Tracef(
				"hello failed: %s: %s",
				helloResponse.ErrorCode, helloResponse.ErrorMessage)
		}

		return helloResponse, endPoint, nil
	}

	if lastErr == nil {
		lastErr = errors.TraceNew("no usable endpoints")
	}
	return nil, "", errors.Trace(lastErr)
}

func (client *Client) sendHello(
	ctx context.Context, endPoint string) (*protocol.HelloResponse, error) {

	encryptedClientID, err := protocol.EncryptClientID(
		client.clientID, client.token.Secret)
	if err != nil {
		return nil, errors.Trace(err)
	}

	request := &protocol.HelloRequest{
		RequestHeader: protocol.RequestHeader{
			RequestCode: protocol.RequestCodeHello,
			RequestID:   uuid.NewString(),
		},
		TokenID: client.token.TokenID,
		ClientInfo: protocol.ClientInfo{
			ClientID:        client.clientID,
			ClientVersion:   client.config.ClientVersion,
			ProtocolVersion: protocol.PROTOCOL_VERSION,
		},
		EncryptedClientID: encryptedClientID,
	}

	var response protocol.HelloResponse
	err = client.roundTrip(ctx, endPoint, request, &response)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &response, nil
}

// dialServer opens a connection to a server endpoint, pinning the server
// certificate by the token's fingerprint. Host name verification is
// skipped: servers use self-signed certificates and the fingerprint is the
// trust anchor.
func (client *Client) dialServer(
	ctx context.Context, endPoint string) (net.Conn, error) {

	if client.config.dialer != nil {
		return client.config.dialer(ctx, endPoint)
	}

	dialer := &net.Dialer{Timeout: DEFAULT_CONNECT_TIMEOUT}

	tlsConfig := &tls.Config{
		ServerName:         client.token.ServerHostName,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(
			rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(client.token.CertificateFingerprint) == 0 {
				return nil
			}
			if len(rawCerts) == 0 {
				return errors.TraceNew("no peer certificate")
			}
			hash := sha256.Sum256(rawCerts[0])
			if !bytes.Equal(
				hash[:], client.token.CertificateFingerprint) {
				return errors.TraceNew("certificate fingerprint mismatch")
			}
			return nil
		},
	}

	conn, err := dialer.DialContext(ctx, "tcp", endPoint)
	if err != nil {
		return nil, errors.Trace(err)
	}

	tlsConn := tls.Client(conn, tlsConfig)
	err = tlsConn.HandshakeContext(ctx)
	if err != nil {
		conn.Close()
		return nil, errors.Trace(err)
	}
	return tlsConn, nil
}

// roundTrip performs one request/response exchange on a fresh connection.
func (client *Client) roundTrip(
	ctx context.Context,
	endPoint string,
	request, response interface{}) error {

	conn, err := client.dialServer(ctx, endPoint)
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(DEFAULT_CONNECT_TIMEOUT))
	}

	err = protocol.WriteMessage(conn, request)
	if err != nil {
		return errors.Trace(err)
	}
	err = protocol.ReadMessage(conn, response)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (client *Client) sessionRequest(
	requestCode protocol.RequestCode) protocol.SessionRequest {

	client.mutex.Lock()
	defer client.mutex.Unlock()
	return protocol.SessionRequest{
		RequestHeader: protocol.RequestHeader{
			RequestCode: requestCode,
			RequestID:   uuid.NewString(),
		},
		SessionID:  client.sessionID,
		SessionKey: client.sessionKey,
	}
}

// openChannelConn opens a connection, sends a channel request, and checks
// the session response, returning the connection ready for adoption.
func (client *Client) openChannelConn(
	ctx context.Context, request interface{}) (net.Conn, error) {

	client.mutex.Lock()
	endPoint := client.activeEndPoint
	client.mutex.Unlock()

	conn, err := client.dialServer(ctx, endPoint)
	if err != nil {
		return nil, errors.Trace(err)
	}

	conn.SetDeadline(time.Now().Add(DEFAULT_CONNECT_TIMEOUT))

	err = protocol.WriteMessage(conn, request)
	if err != nil {
		conn.Close()
		return nil, errors.Trace(err)
	}

	var response protocol.SessionResponse
	err = protocol.ReadMessage(conn, &response)
	if err != nil {
		conn.Close()
		return nil, errors.Trace(err)
	}

	if response.ErrorCode != protocol.ErrorCodeOk {
		conn.Close()
		client.handleSessionError(&response)
		return nil, errors.Tracef(
			"channel request failed: %s: %s",
			response.ErrorCode, response.ErrorMessage)
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}

// handleSessionError disposes the client on fatal session status from the
// server.
func (client *Client) handleSessionError(
	response *protocol.SessionResponse) {

	if !response.ErrorCode.IsFatal() {
		return
	}
	client.config.Logger.WithTraceFields(common.LogFields{
		"errorCode":    response.ErrorCode.String(),
		"suppressedBy": response.SuppressedBy.String(),
	}).Warning("session terminated by server")
	go client.Close()
}

// UseUDPChannel reports the current datagram channel mode.
func (client *Client) UseUDPChannel() bool {
	return atomic.LoadInt32(&client.useUDP) == 1
}

// SetUseUDPChannel switches the datagram channel mode. The switch takes
// effect on the next channel maintenance cycle; the tunnel evicts channels
// of the other kind as the new kind is added.
func (client *Client) SetUseUDPChannel(use bool) {
	value := int32(0)
	if use {
		value = 1
	}
	atomic.StoreInt32(&client.useUDP, value)
}

func (client *Client) datagramChannelGoal() int {
	goal := client.config.MaxDatagramChannelCount
	client.mutex.Lock()
	helloResponse := client.helloResponse
	client.mutex.Unlock()
	if helloResponse != nil &&
		helloResponse.MaxDatagramChannelCount > 0 &&
		goal > helloResponse.MaxDatagramChannelCount {
		goal = helloResponse.MaxDatagramChannelCount
	}
	if goal < 1 {
		goal = 1
	}
	return goal
}

// runChannelMaintenance keeps the session's datagram channel set at its
// goal: one UDP channel in UDP mode, up to the channel goal of stream
// datagram channels otherwise. Expired and failed channels are replaced as
// the tunnel drops them.
func (client *Client) runChannelMaintenance() {
	defer client.waitGroup.Done()

	// Establish the first channel immediately.
	client.maintainChannels()

	ticker := time.NewTicker(DEFAULT_CHANNEL_CHECK_PERIOD)
	defer ticker.Stop()

	for {
		select {
		case <-client.runContext.Done():
			return
		case <-ticker.C:
			client.maintainChannels()
		}
	}
}

func (client *Client) maintainChannels() {

	if client.State() != StateConnected {
		return
	}

	if client.UseUDPChannel() && client.udpEndPoint() != "" {
		client.maintainUDPChannel()
		return
	}
	client.maintainStreamChannels()
}

func (client *Client) udpEndPoint() string {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	if client.helloResponse == nil ||
		len(client.helloResponse.UDPEndPoints) == 0 {
		return ""
	}
	return client.helloResponse.UDPEndPoints[0]
}

func (client *Client) maintainUDPChannel() {

	if !client.tunnel.HasStreamDatagramChannels() &&
		client.tunnel.DatagramChannelCount() > 0 {
		// The UDP channel is in place.
		return
	}

	conn, err := net.Dial("udp", client.udpEndPoint())
	if err != nil {
		client.config.Logger.WithTraceFields(common.LogFields{
			"error": err.Error(),
		}).Warning("UDP channel dial failed")
		return
	}

	client.mutex.Lock()
	sessionID := client.sessionID
	sessionKey := client.sessionKey
	client.mutex.Unlock()

	channel, err := tunnel.NewClientUDPChannel(sessionID, sessionKey, conn)
	if err != nil {
		conn.Close()
		client.config.Logger.WithTraceFields(common.LogFields{
			"error": err.Error(),
		}).Warning("UDP channel create failed")
		return
	}

	err = client.tunnel.AddDatagramChannel(channel)
	if err != nil {
		channel.Close()
		return
	}

	client.mutex.Lock()
	if client.udpConn != nil {
		client.udpConn.Close()
	}
	client.udpConn = conn
	client.mutex.Unlock()
}

func (client *Client) maintainStreamChannels() {

	goal := client.datagramChannelGoal()

	// In stream mode a lingering UDP channel is replaced by adding stream
	// channels; the tunnel evicts it on the first add.
	count := client.tunnel.DatagramChannelCount()
	if count > 0 && !client.tunnel.HasStreamDatagramChannels() {
		count = 0
	}

	for ; count < goal; count++ {
		select {
		case <-client.runContext.Done():
			return
		default:
		}

		ctx, cancel := context.WithTimeout(
			client.runContext, DEFAULT_CONNECT_TIMEOUT)
		request := protocol.TCPDatagramChannelRequest{
			SessionRequest: client.sessionRequest(
				protocol.RequestCodeTCPDatagramChannel),
		}
		conn, err := client.openChannelConn(ctx, &request)
		cancel()
		if err != nil {
			client.config.Logger.WithTraceFields(common.LogFields{
				"error": err.Error(),
			}).Warning("datagram channel open failed")
			return
		}

		channel := tunnel.NewStreamDatagramChannel(
			request.RequestID,
			conn,
			DEFAULT_MIN_CHANNEL_LIFESPAN,
			DEFAULT_MAX_CHANNEL_LIFESPAN)

		err = client.tunnel.AddDatagramChannel(channel)
		if err != nil {
			channel.Close()
			return
		}
	}
}

// ProcessPacket accepts one outbound IP packet from the network device.
func (client *Client) ProcessPacket(ipPacket []byte) {
	if client.State() != StateConnected {
		return
	}
	client.router.routeOutbound(ipPacket)
}

// handleTunnelPackets delivers inbound tunneled packets to the device after
// reverse NAT.
func (client *Client) handleTunnelPackets(
	packets [][]byte, _ tunnel.DatagramChannel) {

	for _, ipPacket := range packets {
		client.deliverInbound(ipPacket)
	}
}

func (client *Client) deliverInbound(ipPacket []byte) {
	if client.router != nil {
		ipPacket = client.router.restoreInbound(ipPacket)
		if ipPacket == nil {
			return
		}
	}
	if client.config.OnPacketReceived != nil {
		client.config.OnPacketReceived(ipPacket)
	}
}

func (client *Client) handleTunnelMessage(code byte) {
	if code == tunnel.DatagramMessageCodeCloseSession {
		client.config.Logger.WithTrace().Info("session closed by server")
		go client.Close()
	}
}

// Traffic returns the session's total tunneled traffic.
func (client *Client) Traffic() protocol.Traffic {
	if client.tunnel == nil {
		return protocol.Traffic{}
	}
	return client.tunnel.Traffic()
}

// Speed returns the current transfer speed in bytes per second.
func (client *Client) Speed() protocol.Traffic {
	if client.tunnel == nil {
		return protocol.Traffic{}
	}
	return client.tunnel.Speed()
}

// Close disposes the client: the session close message is sent in-band, a
// Bye request is issued, and all channels and local listeners shut down.
func (client *Client) Close() {
	client.closeOnce.Do(func() {

		wasConnected := client.State() == StateConnected
		client.setState(StateDisposed)
		client.stopRunning()

		if wasConnected {
			client.tunnel.SendMessage(
				tunnel.DatagramMessageCodeCloseSession)

			ctx, cancel := context.WithTimeout(
				context.Background(), 5*time.Second)
			request := protocol.ByeRequest{
				SessionRequest: client.sessionRequest(
					protocol.RequestCodeBye),
			}
			var response protocol.SessionResponse
			client.mutex.Lock()
			endPoint := client.activeEndPoint
			client.mutex.Unlock()
			err := client.roundTrip(ctx, endPoint, &request, &response)
			cancel()
			if err != nil {
				client.config.Logger.WithTraceFields(common.LogFields{
					"error": err.Error(),
				}).Debug("bye failed")
			}
		}

		if client.tcpProxy != nil {
			client.tcpProxy.close()
		}
		if client.router != nil {
			client.router.close()
		}
		if client.tunnel != nil {
			client.tunnel.Close()
		}
		client.mutex.Lock()
		if client.udpConn != nil {
			client.udpConn.Close()
		}
		client.mutex.Unlock()

		client.waitGroup.Wait()

		client.config.Logger.WithTrace().Info("client disposed")
	})
}

type discardLogger struct{}

func (discardLogger) WithTrace() common.LogTrace { return discardLogTrace{} }
func (discardLogger) WithTraceFields(common.LogFields) common.LogTrace {
	return discardLogTrace{}
}
func (discardLogger) LogMetric(string, common.LogFields) {}

type discardLogTrace struct{}

func (discardLogTrace) Debug(...interface{})   {}
func (discardLogTrace) Info(...interface{})    {}
func (discardLogTrace) Warning(...interface{}) {}
func (discardLogTrace) Error(...interface{})   {}
