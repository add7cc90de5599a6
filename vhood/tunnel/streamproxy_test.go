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
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

func TestStreamProxyChannelRelay(t *testing.T) {

	// Destination echo server over real TCP, so the half-close path is
	// exercised.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %s", err)
	}
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		conn.Write(data)
	}()

	remoteConn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %s", err)
	}

	// The tunnel-side pair is TCP too; the request end of the relay needs
	// a real half-close.
	proxyListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %s", err)
	}
	defer proxyListener.Close()

	hostConns := make(chan net.Conn, 1)
	go func() {
		conn, err := proxyListener.Accept()
		if err != nil {
			return
		}
		hostConns <- conn
	}()

	tunnelSide, err := net.Dial("tcp", proxyListener.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %s", err)
	}

	var hostConn net.Conn
	select {
	case hostConn = <-hostConns:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout accepting host conn")
	}

	channel := NewStreamProxyChannel("p1", hostConn, remoteConn)

	relayDone := make(chan struct{})
	go func() {
		channel.Relay()
		close(relayDone)
	}()

	request := bytes.Repeat([]byte("payload."), 1000)

	go func() {
		tunnelSide.Write(request)
		// End of request; the response must still come back.
		tunnelSide.(*net.TCPConn).CloseWrite()
	}()

	response := make([]byte, 0, len(request))
	buffer := make([]byte, 4096)
	for len(response) < len(request) {
		tunnelSide.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, err := tunnelSide.Read(buffer)
		response = append(response, buffer[:n]...)
		if err != nil {
			break
		}
	}

	if !bytes.Equal(response, request) {
		t.Fatalf(
			"echo mismatch: got %d bytes, want %d",
			len(response), len(request))
	}

	traffic := channel.Traffic()
	if traffic.Received != int64(len(request)) ||
		traffic.Sent != int64(len(request)) {
		t.Fatalf("unexpected traffic: %+v", traffic)
	}

	tunnelSide.Close()

	select {
	case <-relayDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("relay did not terminate")
	}

	if channel.IsConnected() {
		t.Fatalf("channel still connected after relay")
	}
}
