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

package udpproxy

import (
	"bytes"
	std_errors "errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/packet"
)

func startEchoServer(t *testing.T) (*net.UDPConn, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenUDP(
		"udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP failed: %s", err)
	}
	go func() {
		buffer := make([]byte, 65536)
		for {
			n, addr, err := conn.ReadFromUDP(buffer)
			if err != nil {
				return
			}
			conn.WriteToUDP(buffer[:n], addr)
		}
	}()
	return conn, conn.LocalAddr().(*net.UDPAddr)
}

func makeFlowPacket(
	t *testing.T,
	srcIP string, srcPort int,
	dst *net.UDPAddr,
	payload []byte) []byte {

	t.Helper()
	p, err := packet.BuildUDPPacket(
		&net.UDPAddr{IP: net.ParseIP(srcIP), Port: srcPort}, dst, payload)
	if err != nil {
		t.Fatalf("BuildUDPPacket failed: %s", err)
	}
	return p
}

func TestPoolEcho(t *testing.T) {

	echoConn, echoAddr := startEchoServer(t)
	defer echoConn.Close()

	received := make(chan []byte, 10)

	pool := NewPool(&Config{
		OnPacketReceived: func(p []byte) { received <- p },
	})
	defer pool.Close()

	payload := []byte("hello over udp")
	p := makeFlowPacket(t, "10.0.0.1", 5000, echoAddr, payload)

	err := pool.SendPacket(p)
	if err != nil {
		t.Fatalf("SendPacket failed: %s", err)
	}

	select {
	case reply := <-received:
		if packet.Version(reply) != 4 {
			t.Fatalf("unexpected reply version")
		}
		if !packet.DestinationIP(reply).Equal(net.ParseIP("10.0.0.1")) {
			t.Fatalf("reply not addressed to tunneled source")
		}
		port, _ := packet.DestinationPort(reply)
		if port != 5000 {
			t.Fatalf("unexpected reply port: %d", port)
		}
		replyPayload, ok := packet.UDPPayload(reply)
		if !ok || !bytes.Equal(replyPayload, payload) {
			t.Fatalf("reply payload mismatch")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for echo reply")
	}

	if pool.WorkerCount() != 1 {
		t.Fatalf("unexpected worker count: %d", pool.WorkerCount())
	}

	// Same source reuses the worker.
	err = pool.SendPacket(p)
	if err != nil {
		t.Fatalf("SendPacket failed: %s", err)
	}
	if pool.WorkerCount() != 1 {
		t.Fatalf("same source created a second worker")
	}
}

func TestPoolQuota(t *testing.T) {

	echoConn, echoAddr := startEchoServer(t)
	defer echoConn.Close()

	pool := NewPool(&Config{MaxLocalEndpoints: 1})
	defer pool.Close()

	err := pool.SendPacket(
		makeFlowPacket(t, "10.0.0.1", 5000, echoAddr, []byte("a")))
	if err != nil {
		t.Fatalf("SendPacket failed: %s", err)
	}

	err = pool.SendPacket(
		makeFlowPacket(t, "10.0.0.2", 5000, echoAddr, []byte("b")))
	if !std_errors.Is(err, ErrClientQuota) {
		t.Fatalf("expected quota error, got: %v", err)
	}
}

func TestPoolEndpointHooks(t *testing.T) {

	echoConn, echoAddr := startEchoServer(t)
	defer echoConn.Close()

	echoConn2, echoAddr2 := startEchoServer(t)
	defer echoConn2.Close()

	var newLocals, newRemotes int32

	pool := NewPool(&Config{
		OnEndpoint: func(_ packet.FlowID, isNewLocal, isNewRemote bool) {
			if isNewLocal {
				atomic.AddInt32(&newLocals, 1)
			}
			if isNewRemote {
				atomic.AddInt32(&newRemotes, 1)
			}
		},
	})
	defer pool.Close()

	// One source, two destinations, repeated sends: one local endpoint,
	// two remote endpoints, each reported once.
	for i := 0; i < 3; i++ {
		pool.SendPacket(
			makeFlowPacket(t, "10.0.0.1", 5000, echoAddr, []byte("x")))
		pool.SendPacket(
			makeFlowPacket(t, "10.0.0.1", 5000, echoAddr2, []byte("y")))
	}

	if atomic.LoadInt32(&newLocals) != 1 {
		t.Fatalf("unexpected new-local count: %d", newLocals)
	}
	if atomic.LoadInt32(&newRemotes) != 2 {
		t.Fatalf("unexpected new-remote count: %d", newRemotes)
	}
}

func TestPoolExWorkerSharing(t *testing.T) {

	echoConn, echoAddr := startEchoServer(t)
	defer echoConn.Close()

	echoConn2, echoAddr2 := startEchoServer(t)
	defer echoConn2.Close()

	received := make(chan []byte, 10)

	pool := NewPoolEx(&Config{
		OnPacketReceived: func(p []byte) { received <- p },
	})
	defer pool.Close()

	// One source to two destinations shares one worker socket.
	err := pool.SendPacket(
		makeFlowPacket(t, "10.0.0.1", 5000, echoAddr, []byte("a")))
	if err != nil {
		t.Fatalf("SendPacket failed: %s", err)
	}
	err = pool.SendPacket(
		makeFlowPacket(t, "10.0.0.1", 5000, echoAddr2, []byte("b")))
	if err != nil {
		t.Fatalf("SendPacket failed: %s", err)
	}
	if pool.WorkerCount() != 1 {
		t.Fatalf(
			"one source split across workers: %d", pool.WorkerCount())
	}

	// A second source to an already claimed destination needs its own
	// worker, or replies would be ambiguous.
	err = pool.SendPacket(
		makeFlowPacket(t, "10.0.0.2", 5000, echoAddr, []byte("c")))
	if err != nil {
		t.Fatalf("SendPacket failed: %s", err)
	}
	if pool.WorkerCount() != 2 {
		t.Fatalf(
			"destination shared across sources: %d", pool.WorkerCount())
	}

	// Replies route to the right tunneled sources.
	sources := map[string]int{}
	for i := 0; i < 3; i++ {
		select {
		case reply := <-received:
			sources[packet.DestinationIP(reply).String()]++
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for reply %d", i)
		}
	}
	if sources["10.0.0.1"] != 2 || sources["10.0.0.2"] != 1 {
		t.Fatalf("reply routing wrong: %v", sources)
	}
}

func TestPoolExQuota(t *testing.T) {

	echoConn, echoAddr := startEchoServer(t)
	defer echoConn.Close()

	pool := NewPoolEx(&Config{MaxLocalEndpoints: 1})
	defer pool.Close()

	err := pool.SendPacket(
		makeFlowPacket(t, "10.0.0.1", 5000, echoAddr, []byte("a")))
	if err != nil {
		t.Fatalf("SendPacket failed: %s", err)
	}

	// The same destination from a second source cannot share the worker
	// and the quota forbids a second worker.
	err = pool.SendPacket(
		makeFlowPacket(t, "10.0.0.2", 5000, echoAddr, []byte("b")))
	if !std_errors.Is(err, ErrClientQuota) {
		t.Fatalf("expected quota error, got: %v", err)
	}
}

func TestPoolRejectsNonUDP(t *testing.T) {

	pool := NewPool(&Config{})
	defer pool.Close()

	// An ICMP packet must be rejected.
	p, err := packet.BuildICMPEchoReply(
		net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 1, 1, []byte("x"))
	if err != nil {
		t.Fatalf("BuildICMPEchoReply failed: %s", err)
	}

	if pool.SendPacket(p) == nil {
		t.Fatalf("non-UDP packet accepted")
	}
}

func TestEndpointKeyRoundTrip(t *testing.T) {

	// IPv6 hosts must round-trip through the endpoint key; an unbracketed
	// form would make every IPv6 reply unroutable.
	testCases := []struct {
		host string
		port uint16
	}{
		{"10.0.0.2", 5000},
		{"2001:db8::1", 5300},
		{"::1", 53},
	}

	for _, testCase := range testCases {
		key := endpointKey(testCase.host, testCase.port)
		ip, port, ok := splitEndpointKey(key)
		if !ok {
			t.Fatalf("split failed for key: %s", key)
		}
		if !ip.Equal(net.ParseIP(testCase.host)) ||
			port != int(testCase.port) {
			t.Fatalf("round trip mismatch for key %s: %s:%d", key, ip, port)
		}
	}
}
