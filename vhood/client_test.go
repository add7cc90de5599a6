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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/packet"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/protocol"
	"github.com/vhood-net/vhood-tunnel-core/vhood/tunnel"
)

// fakeServer serves the control protocol over net.Pipe connections supplied
// through the client's dialer hook.
type fakeServer struct {
	token      *protocol.Token
	sessionKey []byte

	// redirectFrom/redirectTo redirect one Hello; alwaysRedirect redirects
	// every Hello.
	redirectTo     string
	alwaysRedirect bool

	mutex             sync.Mutex
	helloEndPoints    []string
	proxyDestinations []string
	byeCount          int32
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		token: &protocol.Token{
			TokenID:       "token-1",
			Secret:        []byte("0123456789abcdef"),
			HostEndPoints: []protocol.IPEndPoint{"10.0.0.1:443"},
		},
		sessionKey: []byte("fedcba9876543210"),
	}
}

func (server *fakeServer) accessKey(t *testing.T) string {
	accessKey, err := server.token.EncodeAccessKey()
	if err != nil {
		t.Fatalf("EncodeAccessKey failed: %s", err)
	}
	return accessKey
}

func (server *fakeServer) dialer(
	_ context.Context, endPoint string) (net.Conn, error) {

	clientConn, serverConn := net.Pipe()
	go server.handleConnection(endPoint, serverConn)
	return clientConn, nil
}

func (server *fakeServer) handleConnection(endPoint string, conn net.Conn) {
	defer conn.Close()

	payload, err := protocol.ReadRawMessage(conn)
	if err != nil {
		return
	}

	var header protocol.RequestHeader
	if json.Unmarshal(payload, &header) != nil {
		return
	}

	switch header.RequestCode {

	case protocol.RequestCodeHello:
		var request protocol.HelloRequest
		if json.Unmarshal(payload, &request) != nil {
			return
		}

		server.mutex.Lock()
		server.helloEndPoints = append(server.helloEndPoints, endPoint)
		server.mutex.Unlock()

		if server.alwaysRedirect ||
			(server.redirectTo != "" && endPoint != server.redirectTo) {
			protocol.WriteMessage(conn, &protocol.HelloResponse{
				ResponseBase: protocol.ResponseBase{
					ErrorCode: protocol.ErrorCodeRedirectHost,
				},
				RedirectHostEndPoint: server.redirectTo,
			})
			return
		}

		verified, _ := protocol.VerifyClientID(
			request.EncryptedClientID,
			request.ClientInfo.ClientID,
			server.token.Secret)
		if !verified {
			protocol.WriteMessage(conn, &protocol.HelloResponse{
				ResponseBase: protocol.ResponseBase{
					ErrorCode: protocol.ErrorCodeAccessError,
				},
			})
			return
		}

		protocol.WriteMessage(conn, &protocol.HelloResponse{
			SessionID:               1,
			SessionKey:              server.sessionKey,
			ServerProtocolVersion:   protocol.PROTOCOL_VERSION,
			MaxDatagramChannelCount: 1,
		})

	case protocol.RequestCodeTCPDatagramChannel:
		var request protocol.TCPDatagramChannelRequest
		if json.Unmarshal(payload, &request) != nil {
			return
		}
		if request.SessionID != 1 ||
			!bytes.Equal(request.SessionKey, server.sessionKey) {
			protocol.WriteMessage(conn, &protocol.SessionResponse{
				ResponseBase: protocol.ResponseBase{
					ErrorCode: protocol.ErrorCodeUnauthorized,
				},
			})
			return
		}
		protocol.WriteMessage(conn, &protocol.SessionResponse{})
		// Hold the channel open, draining client frames.
		io.Copy(io.Discard, conn)

	case protocol.RequestCodeStreamProxyChannel:
		var request protocol.StreamProxyChannelRequest
		if json.Unmarshal(payload, &request) != nil {
			return
		}
		server.mutex.Lock()
		server.proxyDestinations = append(
			server.proxyDestinations, request.DestinationEndPoint)
		server.mutex.Unlock()
		protocol.WriteMessage(conn, &protocol.SessionResponse{})
		// Echo the proxied stream back.
		io.Copy(conn, conn)

	case protocol.RequestCodeBye:
		atomic.AddInt32(&server.byeCount, 1)
		protocol.WriteMessage(conn, &protocol.SessionResponse{})
	}
}

func connectTestClient(
	t *testing.T, server *fakeServer, config *Config) *Client {

	if config == nil {
		config = &Config{}
	}
	config.AccessKey = server.accessKey(t)
	config.dialer = server.dialer

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient failed: %s", err)
	}
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = client.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect failed: %s", err)
	}
	return client
}

func waitFor(t *testing.T, description string, condition func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", description)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientConnect(t *testing.T) {

	server := newFakeServer()
	client := connectTestClient(t, server, nil)

	if client.State() != StateConnected {
		t.Fatalf("unexpected state: %s", client.State())
	}
	if client.SessionID() != 1 {
		t.Fatalf("unexpected session id: %d", client.SessionID())
	}

	waitFor(t, "datagram channel", func() bool {
		return client.tunnel.DatagramChannelCount() == 1
	})

	// The server's announcement caps the channel goal below the local
	// default.
	if goal := client.datagramChannelGoal(); goal != 1 {
		t.Fatalf("unexpected channel goal: %d", goal)
	}

	client.Close()

	if client.State() != StateDisposed {
		t.Fatalf("unexpected state: %s", client.State())
	}
	if atomic.LoadInt32(&server.byeCount) != 1 {
		t.Fatalf("expected one bye request")
	}
}

func TestClientRedirect(t *testing.T) {

	server := newFakeServer()
	server.redirectTo = "10.0.0.9:443"

	client := connectTestClient(t, server, nil)

	client.mutex.Lock()
	activeEndPoint := client.activeEndPoint
	client.mutex.Unlock()
	if activeEndPoint != "10.0.0.9:443" {
		t.Fatalf("unexpected active endpoint: %s", activeEndPoint)
	}

	server.mutex.Lock()
	helloCount := len(server.helloEndPoints)
	server.mutex.Unlock()
	if helloCount != 2 {
		t.Fatalf("unexpected hello count: %d", helloCount)
	}
}

func TestClientRedirectLoop(t *testing.T) {

	server := newFakeServer()
	server.redirectTo = "10.0.0.9:443"
	server.alwaysRedirect = true

	config := &Config{
		AccessKey: server.accessKey(t),
	}
	config.dialer = server.dialer

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient failed: %s", err)
	}
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = client.Connect(ctx)
	if err == nil {
		t.Fatalf("expected second redirect to fail the connect")
	}
}

func TestStreamProxyThroughCatcher(t *testing.T) {

	server := newFakeServer()
	client := connectTestClient(t, server, nil)

	// Seed the NAT as the router would for an outgoing device flow, then
	// connect to the catcher from the flow's nat id, as the local stack
	// does after the rewrite.
	flow := packet.FlowID{
		Version:         4,
		Protocol:        packet.ProtocolTCP,
		SourceIP:        "127.0.0.1",
		SourcePort:      40000,
		DestinationIP:   "127.0.0.1",
		DestinationPort: 8080,
	}
	item, err := client.router.tcpNAT.GetOrAddFlow(flow)
	if err != nil {
		t.Fatalf("GetOrAddFlow failed: %s", err)
	}

	dialer := net.Dialer{
		LocalAddr: &net.TCPAddr{
			IP: net.IPv4(127, 0, 0, 1), Port: int(item.ID)},
		Timeout: 5 * time.Second,
	}
	conn, err := dialer.Dial(
		"tcp",
		net.JoinHostPort(
			"127.0.0.1", strconv.Itoa(int(client.tcpProxy.port()))))
	if err != nil {
		t.Fatalf("dial catcher failed: %s", err)
	}
	defer conn.Close()

	message := []byte("catcher-roundtrip")
	_, err = conn.Write(message)
	if err != nil {
		t.Fatalf("write failed: %s", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	echoed := make([]byte, len(message))
	_, err = io.ReadFull(conn, echoed)
	if err != nil {
		t.Fatalf("read failed: %s", err)
	}
	if !bytes.Equal(echoed, message) {
		t.Fatalf("unexpected echo: %q", echoed)
	}

	server.mutex.Lock()
	destinations := append([]string(nil), server.proxyDestinations...)
	server.mutex.Unlock()
	if len(destinations) != 1 || destinations[0] != "127.0.0.1:8080" {
		t.Fatalf("unexpected proxy destinations: %v", destinations)
	}
}

// captureChannel is a stream datagram channel capturing sent packets.
type captureChannel struct {
	mutex   sync.Mutex
	packets [][]byte
}

func (channel *captureChannel) ChannelID() string            { return "capture" }
func (channel *captureChannel) IsConnected() bool            { return true }
func (channel *captureChannel) IsStream() bool               { return true }
func (channel *captureChannel) Traffic() protocol.Traffic    { return protocol.Traffic{} }
func (channel *captureChannel) Close() error                 { return nil }
func (channel *captureChannel) Start(_ tunnel.PacketHandler) {}

func (channel *captureChannel) SendPackets(packets [][]byte) error {
	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	for _, p := range packets {
		channel.packets = append(channel.packets, append([]byte(nil), p...))
	}
	return nil
}

func (channel *captureChannel) count() int {
	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	return len(channel.packets)
}

func (channel *captureChannel) last() []byte {
	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	if len(channel.packets) == 0 {
		return nil
	}
	return channel.packets[len(channel.packets)-1]
}

// deviceSink captures packets the client writes back to the device.
type deviceSink struct {
	mutex   sync.Mutex
	packets [][]byte
}

func (sink *deviceSink) receive(ipPacket []byte) {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	sink.packets = append(sink.packets, append([]byte(nil), ipPacket...))
}

func (sink *deviceSink) count() int {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	return len(sink.packets)
}

func (sink *deviceSink) last() []byte {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	if len(sink.packets) == 0 {
		return nil
	}
	return sink.packets[len(sink.packets)-1]
}

// newRouterTestClient assembles the datapath without a server: a tunnel
// draining into a capture channel, the catcher, and the router.
func newRouterTestClient(
	t *testing.T,
	includeRanges []string,
	sink *deviceSink) (*Client, *captureChannel) {

	runContext, stopRunning := context.WithCancel(context.Background())

	client := &Client{
		config:      &Config{Logger: discardLogger{}},
		runContext:  runContext,
		stopRunning: stopRunning,
	}
	if sink != nil {
		client.config.OnPacketReceived = sink.receive
	}
	client.helloResponse = &protocol.HelloResponse{
		IncludeIPRanges: includeRanges,
	}
	client.tunnel = tunnel.NewTunnel(&tunnel.Config{})

	var err error
	client.tcpProxy, err = newTCPProxy(client)
	if err != nil {
		t.Fatalf("newTCPProxy failed: %s", err)
	}
	client.router, err = newPacketRouter(client)
	if err != nil {
		t.Fatalf("newPacketRouter failed: %s", err)
	}
	atomic.StoreInt32(&client.state, int32(StateConnected))

	capture := &captureChannel{}
	err = client.tunnel.AddDatagramChannel(capture)
	if err != nil {
		t.Fatalf("AddDatagramChannel failed: %s", err)
	}

	t.Cleanup(func() {
		stopRunning()
		client.tcpProxy.close()
		client.router.close()
		client.tunnel.Close()
		client.waitGroup.Wait()
	})

	return client, capture
}

func buildTestUDPPacket(
	t *testing.T,
	sourceIP string, sourcePort int,
	destinationIP string, destinationPort int,
	payload []byte) []byte {

	p, err := packet.BuildUDPPacket(
		&net.UDPAddr{IP: net.ParseIP(sourceIP), Port: sourcePort},
		&net.UDPAddr{IP: net.ParseIP(destinationIP), Port: destinationPort},
		payload)
	if err != nil {
		t.Fatalf("BuildUDPPacket failed: %s", err)
	}
	return p
}

func buildTestDNSQuery(t *testing.T) []byte {
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	data, err := m.Pack()
	if err != nil {
		t.Fatalf("pack DNS query failed: %s", err)
	}
	return data
}

func buildTestTCPPacket(
	t *testing.T,
	sourceIP string, sourcePort uint16,
	destinationIP string, destinationPort uint16) []byte {

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(sourceIP).To4(),
		DstIP:    net.ParseIP(destinationIP).To4(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sourcePort),
		DstPort: layers.TCPPort(destinationPort),
		SYN:     true,
		Window:  64240,
	}
	tcp.SetNetworkLayerForChecksum(ip)

	buffer := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(
		buffer,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		ip, tcp)
	if err != nil {
		t.Fatalf("SerializeLayers failed: %s", err)
	}
	return buffer.Bytes()
}

func TestRouterDNSRewrite(t *testing.T) {

	client, capture := newRouterTestClient(
		t, []string{"8.0.0.0/8"}, nil)

	// A query to an out-of-range resolver is redirected to the tunneled
	// resolver.
	query := buildTestUDPPacket(
		t, "10.0.0.2", 5353, "192.168.1.1", 53, buildTestDNSQuery(t))
	client.router.routeOutbound(query)

	waitFor(t, "tunneled query", func() bool { return capture.count() == 1 })

	tunneled := capture.last()
	if packet.DestinationIP(tunneled).String() != DEFAULT_DNS_SERVER {
		t.Fatalf("unexpected destination: %s",
			packet.DestinationIP(tunneled))
	}

	// The reply's source is restored to the original resolver.
	reply := buildTestUDPPacket(
		t, DEFAULT_DNS_SERVER, 53, "10.0.0.2", 5353, buildTestDNSQuery(t))
	restored := client.router.restoreInbound(reply)
	if restored == nil {
		t.Fatalf("reply unexpectedly dropped")
	}
	if packet.SourceIP(restored).String() != "192.168.1.1" {
		t.Fatalf("unexpected restored source: %s",
			packet.SourceIP(restored))
	}

	// An in-range resolver's reply passes unmodified.
	direct := buildTestUDPPacket(
		t, "8.8.4.4", 53, "10.0.0.2", 5353, buildTestDNSQuery(t))
	restored = client.router.restoreInbound(direct)
	if restored == nil ||
		packet.SourceIP(restored).String() != "8.8.4.4" {
		t.Fatalf("in-range reply unexpectedly modified")
	}

	// Non-DNS traffic to port 53 does not get the resolver rewrite; out of
	// range, it is dropped.
	bogus := buildTestUDPPacket(
		t, "10.0.0.2", 5353, "192.168.1.1", 53, []byte("not a dns message"))
	client.router.routeOutbound(bogus)

	time.Sleep(100 * time.Millisecond)
	if capture.count() != 1 {
		t.Fatalf("non-DNS port 53 packet unexpectedly tunneled")
	}
}

func TestRouterUDPRanges(t *testing.T) {

	client, capture := newRouterTestClient(
		t, []string{"8.0.0.0/8"}, nil)

	// In-range UDP is tunneled unmodified.
	inRange := buildTestUDPPacket(
		t, "10.0.0.2", 40000, "8.8.4.4", 500, []byte("payload"))
	client.router.routeOutbound(inRange)
	waitFor(t, "tunneled packet", func() bool { return capture.count() == 1 })
	if packet.DestinationIP(capture.last()).String() != "8.8.4.4" {
		t.Fatalf("unexpected destination: %s",
			packet.DestinationIP(capture.last()))
	}

	// Out-of-range non-DNS UDP is dropped.
	outOfRange := buildTestUDPPacket(
		t, "10.0.0.2", 40000, "9.9.9.9", 500, []byte("payload"))
	client.router.routeOutbound(outOfRange)

	time.Sleep(100 * time.Millisecond)
	if capture.count() != 1 {
		t.Fatalf("out-of-range packet unexpectedly tunneled")
	}
}

func TestRouterTCPLoopback(t *testing.T) {

	sink := &deviceSink{}
	client, capture := newRouterTestClient(t, nil, sink)

	catcherPort := client.tcpProxy.port()

	// The outgoing flow is rewritten back into the device toward the
	// catcher, with the nat id as source port.
	syn := buildTestTCPPacket(t, "10.0.0.2", 40000, "8.8.8.8", 443)
	client.router.routeOutbound(syn)

	if sink.count() != 1 {
		t.Fatalf("expected rewritten packet on the device")
	}
	rewritten := sink.last()

	if packet.SourceIP(rewritten).String() != "8.8.8.8" {
		t.Fatalf("unexpected source: %s", packet.SourceIP(rewritten))
	}
	if packet.DestinationIP(rewritten).String() != "10.0.0.2" {
		t.Fatalf("unexpected destination: %s",
			packet.DestinationIP(rewritten))
	}
	destinationPort, _ := packet.DestinationPort(rewritten)
	if destinationPort != catcherPort {
		t.Fatalf("unexpected destination port: %d", destinationPort)
	}

	natID, _ := packet.SourcePort(rewritten)
	item := client.router.tcpNAT.Resolve(4, packet.ProtocolTCP, natID)
	if item == nil {
		t.Fatalf("nat id unresolved")
	}
	if item.Flow.DestinationIP != "8.8.8.8" ||
		item.Flow.DestinationPort != 443 {
		t.Fatalf("unexpected nat flow: %+v", item.Flow)
	}

	// The catcher's reply direction is rewritten into the reply the
	// application expects.
	replyOut := buildTestTCPPacket(
		t, "10.0.0.2", catcherPort, "8.8.8.8", natID)
	client.router.routeOutbound(replyOut)

	if sink.count() != 2 {
		t.Fatalf("expected restored reply on the device")
	}
	restored := sink.last()

	if packet.SourceIP(restored).String() != "8.8.8.8" {
		t.Fatalf("unexpected reply source: %s", packet.SourceIP(restored))
	}
	sourcePort, _ := packet.SourcePort(restored)
	if sourcePort != 443 {
		t.Fatalf("unexpected reply source port: %d", sourcePort)
	}
	destinationPort, _ = packet.DestinationPort(restored)
	if destinationPort != 40000 {
		t.Fatalf("unexpected reply destination port: %d", destinationPort)
	}

	// TCP never enters the datagram tunnel.
	time.Sleep(100 * time.Millisecond)
	if capture.count() != 0 {
		t.Fatalf("TCP packet unexpectedly tunneled")
	}
}

func TestRouterICMP(t *testing.T) {

	client, capture := newRouterTestClient(t, nil, nil)

	// ICMPv4 echo request is tunneled.
	echo := make([]byte, 28)
	echo[0] = 0x45
	echo[2] = 0
	echo[3] = 28
	echo[9] = packet.ProtocolICMP
	copy(echo[12:16], net.ParseIP("10.0.0.2").To4())
	copy(echo[16:20], net.ParseIP("8.8.8.8").To4())
	echo[20] = 8 // echo request
	echo[24] = 0x12
	echo[25] = 0x34
	client.router.routeOutbound(echo)

	waitFor(t, "tunneled echo", func() bool { return capture.count() == 1 })

	// ICMPv6 neighbor solicitation is device housekeeping and is dropped.
	solicitation := make([]byte, 48)
	solicitation[0] = 0x60
	solicitation[5] = 8
	solicitation[6] = packet.ProtocolICMPv6
	copy(solicitation[8:24], net.ParseIP("fe80::1").To16())
	copy(solicitation[24:40], net.ParseIP("ff02::1:ff00:1").To16())
	solicitation[40] = 135
	client.router.routeOutbound(solicitation)

	time.Sleep(100 * time.Millisecond)
	if capture.count() != 1 {
		t.Fatalf("neighbor solicitation unexpectedly tunneled")
	}
}
