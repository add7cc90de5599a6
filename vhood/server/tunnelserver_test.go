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
	"crypto/tls"
	"encoding/json"
	"net"
	"reflect"
	"testing"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/protocol"
)

func TestHelloResponseFields(t *testing.T) {

	config := &Config{
		ServerIPAddress: "127.0.0.1",
		TCPPorts:        []int{443},
		IncludeIPRanges: []string{"8.0.0.0/8", "198.18.0.0/15"},
	}

	server, err := NewTunnelServer(
		config, newMockAccessManager(), tls.Certificate{})
	if err != nil {
		t.Fatalf("NewTunnelServer failed: %s", err)
	}
	t.Cleanup(server.Stop)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	requestJSON, err := json.Marshal(helloRequest())
	if err != nil {
		t.Fatalf("marshal hello request failed: %s", err)
	}

	go func() {
		defer serverConn.Close()
		server.handleHello(
			serverConn, requestJSON, "127.0.0.1", "127.0.0.1:443")
	}()

	var response protocol.HelloResponse
	err = protocol.ReadMessage(clientConn, &response)
	if err != nil {
		t.Fatalf("ReadMessage failed: %s", err)
	}

	if response.ErrorCode != protocol.ErrorCodeOk {
		t.Fatalf("unexpected error code: %d", response.ErrorCode)
	}
	if response.SessionID == 0 {
		t.Fatalf("expected a session id")
	}
	if !reflect.DeepEqual(
		response.IncludeIPRanges, config.IncludeIPRanges) {
		t.Fatalf("unexpected include ranges: %v", response.IncludeIPRanges)
	}

	// The announced device capture ranges follow the tunneled ranges.
	if !reflect.DeepEqual(
		response.PacketCaptureIncludeIPRanges, config.IncludeIPRanges) {
		t.Fatalf("unexpected capture ranges: %v",
			response.PacketCaptureIncludeIPRanges)
	}
}
