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
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/protocol"
	"github.com/vhood-net/vhood-tunnel-core/vhood/server/access"
)

// mockAccessManager records calls and serves canned sessions.
type mockAccessManager struct {
	mutex           sync.Mutex
	sessions        map[uint64][]byte
	createCount     int32
	getCount        int32
	addUsageCount   int32
	recordedTraffic protocol.Traffic
	closeRecorded   bool
	usageResponse   *protocol.SessionResponse
}

func newMockAccessManager() *mockAccessManager {
	return &mockAccessManager{
		sessions: make(map[uint64][]byte),
	}
}

func (manager *mockAccessManager) ServerSecret() []byte {
	return []byte("server-secret-16")
}

func (manager *mockAccessManager) SessionCreate(
	_ context.Context,
	request *access.SessionRequestEx) (*access.SessionResponseEx, error) {

	sessionID := uint64(atomic.AddInt32(&manager.createCount, 1))
	sessionKey := []byte("0123456789abcdef")

	manager.mutex.Lock()
	manager.sessions[sessionID] = sessionKey
	manager.mutex.Unlock()

	return &access.SessionResponseEx{
		SessionID:   sessionID,
		SessionKey:  sessionKey,
		CreatedTime: time.Now(),
	}, nil
}

func (manager *mockAccessManager) SessionGet(
	_ context.Context,
	sessionID uint64,
	_, _ string) (*access.SessionResponseEx, error) {

	atomic.AddInt32(&manager.getCount, 1)

	manager.mutex.Lock()
	sessionKey, ok := manager.sessions[sessionID]
	manager.mutex.Unlock()

	if !ok {
		return &access.SessionResponseEx{
			SessionResponse: protocol.SessionResponse{
				ResponseBase: protocol.ResponseBase{
					ErrorCode: protocol.ErrorCodeAccessError,
				},
			},
		}, nil
	}
	return &access.SessionResponseEx{
		SessionID:   sessionID,
		SessionKey:  sessionKey,
		CreatedTime: time.Now(),
	}, nil
}

func (manager *mockAccessManager) SessionAddUsage(
	_ context.Context,
	_ uint64,
	traffic protocol.Traffic,
	closeSession bool) (*protocol.SessionResponse, error) {

	atomic.AddInt32(&manager.addUsageCount, 1)

	manager.mutex.Lock()
	manager.recordedTraffic = manager.recordedTraffic.Add(traffic)
	if closeSession {
		manager.closeRecorded = true
	}
	response := manager.usageResponse
	manager.mutex.Unlock()

	if response != nil {
		return response, nil
	}
	return &protocol.SessionResponse{}, nil
}

func newTestSessionManager(
	t *testing.T, accessManager access.AccessManager) *SessionManager {

	config := &Config{
		ServerIPAddress: "127.0.0.1",
		TCPPorts:        []int{443},
		NetScanLimit:    10,
	}
	sessionManager, err := NewSessionManager(config, accessManager)
	if err != nil {
		t.Fatalf("NewSessionManager failed: %s", err)
	}
	t.Cleanup(sessionManager.Close)
	return sessionManager
}

func helloRequest() *protocol.HelloRequest {
	return &protocol.HelloRequest{
		TokenID: "token-1",
		ClientInfo: protocol.ClientInfo{
			ClientID:        "client-1",
			ProtocolVersion: protocol.PROTOCOL_VERSION,
		},
	}
}

func TestCreateAndGetSession(t *testing.T) {

	accessManager := newMockAccessManager()
	sessionManager := newTestSessionManager(t, accessManager)
	ctx := context.Background()

	response, err := sessionManager.CreateSession(
		ctx, helloRequest(), "192.0.2.1", "127.0.0.1:443")
	if err != nil {
		t.Fatalf("CreateSession failed: %s", err)
	}
	if sessionManager.SessionCount() != 1 {
		t.Fatalf("unexpected session count: %d",
			sessionManager.SessionCount())
	}

	session, errorCode, err := sessionManager.GetSession(
		ctx, response.SessionID, response.SessionKey,
		"192.0.2.1", "127.0.0.1:443")
	if err != nil {
		t.Fatalf("GetSession failed: %s", err)
	}
	if errorCode != protocol.ErrorCodeOk || session == nil {
		t.Fatalf("unexpected error code: %s", errorCode)
	}

	// A known session must not trigger an access manager query.
	if atomic.LoadInt32(&accessManager.getCount) != 0 {
		t.Fatalf("unexpected session recovery")
	}

	_, errorCode, err = sessionManager.GetSession(
		ctx, response.SessionID, []byte("wrong-key-000000"),
		"192.0.2.1", "127.0.0.1:443")
	if err == nil {
		t.Fatalf("expected invalid session key to be rejected")
	}
	if errorCode != protocol.ErrorCodeUnauthorized {
		t.Fatalf("unexpected error code: %s", errorCode)
	}
}

func TestSessionRecoverySingleFlight(t *testing.T) {

	accessManager := newMockAccessManager()
	sessionManager := newTestSessionManager(t, accessManager)
	ctx := context.Background()

	// Create the session upstream only, as if a previous server instance
	// handled the Hello.
	upstream, err := accessManager.SessionCreate(
		ctx, &access.SessionRequestEx{})
	if err != nil {
		t.Fatalf("SessionCreate failed: %s", err)
	}

	// Concurrent requests for the unknown session id must collapse into
	// one access manager query.
	concurrency := 16
	var waitGroup sync.WaitGroup
	start := make(chan struct{})
	failures := int32(0)

	for i := 0; i < concurrency; i++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			<-start
			_, errorCode, err := sessionManager.GetSession(
				ctx, upstream.SessionID, upstream.SessionKey,
				"192.0.2.1", "127.0.0.1:443")
			if err != nil || errorCode != protocol.ErrorCodeOk {
				atomic.AddInt32(&failures, 1)
			}
		}()
	}
	close(start)
	waitGroup.Wait()

	if atomic.LoadInt32(&failures) != 0 {
		t.Fatalf("%d recoveries failed", failures)
	}
	if got := atomic.LoadInt32(&accessManager.getCount); got != 1 {
		t.Fatalf("expected 1 recovery query, got %d", got)
	}
	if sessionManager.SessionCount() != 1 {
		t.Fatalf("unexpected session count: %d",
			sessionManager.SessionCount())
	}

	// Recovery of a session the access manager does not know fails.
	_, _, err = sessionManager.GetSession(
		ctx, 9999, upstream.SessionKey, "192.0.2.1", "127.0.0.1:443")
	if err == nil {
		t.Fatalf("expected unknown session recovery to fail")
	}
}

func TestSyncUsageAxisSwap(t *testing.T) {

	accessManager := newMockAccessManager()
	sessionManager := newTestSessionManager(t, accessManager)
	ctx := context.Background()

	response, err := sessionManager.CreateSession(
		ctx, helloRequest(), "192.0.2.1", "127.0.0.1:443")
	if err != nil {
		t.Fatalf("CreateSession failed: %s", err)
	}
	session, ok := sessionManager.sessionByID(response.SessionID)
	if !ok {
		t.Fatalf("session not registered")
	}

	// Simulate tunnel traffic via the channel accounting path: a removed
	// channel's traffic folds into the tunnel totals.
	session.syncedTraffic = protocol.Traffic{}
	err = session.syncUsage(ctx, true, false)
	if err != nil {
		t.Fatalf("syncUsage failed: %s", err)
	}

	// Zero traffic forced sync still reports.
	if atomic.LoadInt32(&accessManager.addUsageCount) != 1 {
		t.Fatalf("expected forced sync to report")
	}

	// Unforced sync below the cache size is skipped.
	err = session.syncUsage(ctx, false, false)
	if err != nil {
		t.Fatalf("syncUsage failed: %s", err)
	}
	if atomic.LoadInt32(&accessManager.addUsageCount) != 1 {
		t.Fatalf("expected unforced sync to be skipped")
	}
}

func TestSyncUsageFatalStatus(t *testing.T) {

	accessManager := newMockAccessManager()
	sessionManager := newTestSessionManager(t, accessManager)
	ctx := context.Background()

	response, err := sessionManager.CreateSession(
		ctx, helloRequest(), "192.0.2.1", "127.0.0.1:443")
	if err != nil {
		t.Fatalf("CreateSession failed: %s", err)
	}
	session, ok := sessionManager.sessionByID(response.SessionID)
	if !ok {
		t.Fatalf("session not registered")
	}

	accessManager.mutex.Lock()
	accessManager.usageResponse = &protocol.SessionResponse{
		ResponseBase: protocol.ResponseBase{
			ErrorCode: protocol.ErrorCodeAccessTrafficOverflow,
		},
	}
	accessManager.mutex.Unlock()

	err = session.syncUsage(ctx, true, false)
	if err != nil {
		t.Fatalf("syncUsage failed: %s", err)
	}

	errorCode, _, _ := session.status()
	if errorCode != protocol.ErrorCodeAccessTrafficOverflow {
		t.Fatalf("unexpected error code: %s", errorCode)
	}

	// The fatal status unregisters the session.
	deadline := time.Now().Add(5 * time.Second)
	for sessionManager.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not unregistered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamProxyAdmissionOrder(t *testing.T) {

	accessManager := newMockAccessManager()
	sessionManager := newTestSessionManager(t, accessManager)
	ctx := context.Background()

	response, err := sessionManager.CreateSession(
		ctx, helloRequest(), "192.0.2.1", "127.0.0.1:443")
	if err != nil {
		t.Fatalf("CreateSession failed: %s", err)
	}
	session, ok := sessionManager.sessionByID(response.SessionID)
	if !ok {
		t.Fatalf("session not registered")
	}

	// Blocked destination reports RequestBlocked even when the scan limit
	// is also exhausted; filtering is checked first.
	for i := 0; i < 20; i++ {
		session.netScan.Verify(
			net.JoinHostPort("8.8.8.8", strconv.Itoa(1000+i)))
	}

	_, errorCode, err := session.connectStreamProxy(ctx, "192.168.1.1:80")
	if err == nil {
		t.Fatalf("expected blocked destination to be rejected")
	}
	if errorCode != protocol.ErrorCodeRequestBlocked {
		t.Fatalf("unexpected error code: %s", errorCode)
	}

	_, errorCode, err = session.connectStreamProxy(ctx, "9.9.9.9:443")
	if err == nil {
		t.Fatalf("expected scan limit to reject new destination")
	}
	if errorCode != protocol.ErrorCodeNetScan {
		t.Fatalf("unexpected error code: %s", errorCode)
	}
}
