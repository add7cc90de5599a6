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

package access

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/protocol"
)

func newTestManager(t *testing.T) *Manager {
	manager, err := NewManager(
		t.TempDir(), "", []protocol.IPEndPoint{"127.0.0.1:443"})
	if err != nil {
		t.Fatalf("NewManager failed: %s", err)
	}
	return manager
}

func newSessionRequest(
	t *testing.T, token *protocol.Token, clientID string) *SessionRequestEx {

	encryptedClientID, err := protocol.EncryptClientID(clientID, token.Secret)
	if err != nil {
		t.Fatalf("EncryptClientID failed: %s", err)
	}
	return &SessionRequestEx{
		TokenID: token.TokenID,
		ClientInfo: protocol.ClientInfo{
			ClientID:        clientID,
			ClientVersion:   "1.0.0",
			ProtocolVersion: protocol.PROTOCOL_VERSION,
		},
		EncryptedClientID: encryptedClientID,
		ClientIP:          "192.0.2.1",
		HostEndPoint:      "127.0.0.1:443",
	}
}

func TestTokenRoundTrip(t *testing.T) {

	manager := newTestManager(t)

	item, err := manager.CreateToken(
		&CreateTokenParams{MaxClientCount: 3, MaxTraffic: 1 << 30})
	if err != nil {
		t.Fatalf("CreateToken failed: %s", err)
	}

	accessKey, err := item.Token.EncodeAccessKey()
	if err != nil {
		t.Fatalf("EncodeAccessKey failed: %s", err)
	}
	decoded, err := protocol.DecodeAccessKey(accessKey)
	if err != nil {
		t.Fatalf("DecodeAccessKey failed: %s", err)
	}
	if decoded.TokenID != item.Token.TokenID {
		t.Fatalf("unexpected token id: %s", decoded.TokenID)
	}
	if !bytes.Equal(decoded.Secret, item.Token.Secret) {
		t.Fatalf("token secret mismatch")
	}
	if !bytes.Equal(
		decoded.CertificateFingerprint,
		item.Token.CertificateFingerprint) {
		t.Fatalf("certificate fingerprint mismatch")
	}

	tokenIDs, err := manager.ListTokenIDs()
	if err != nil {
		t.Fatalf("ListTokenIDs failed: %s", err)
	}
	if len(tokenIDs) != 1 || tokenIDs[0] != item.Token.TokenID {
		t.Fatalf("unexpected token list: %v", tokenIDs)
	}

	err = manager.DeleteToken(item.Token.TokenID)
	if err != nil {
		t.Fatalf("DeleteToken failed: %s", err)
	}
	tokenIDs, err = manager.ListTokenIDs()
	if err != nil {
		t.Fatalf("ListTokenIDs failed: %s", err)
	}
	if len(tokenIDs) != 0 {
		t.Fatalf("token not deleted: %v", tokenIDs)
	}
}

func TestSessionCreate(t *testing.T) {

	manager := newTestManager(t)
	ctx := context.Background()

	item, err := manager.CreateToken(&CreateTokenParams{})
	if err != nil {
		t.Fatalf("CreateToken failed: %s", err)
	}

	request := newSessionRequest(t, &item.Token, uuid.NewString())

	response, err := manager.SessionCreate(ctx, request)
	if err != nil {
		t.Fatalf("SessionCreate failed: %s", err)
	}
	if response.ErrorCode != protocol.ErrorCodeOk {
		t.Fatalf("unexpected error code: %s", response.ErrorCode)
	}
	if response.SessionID == 0 || len(response.SessionKey) != 16 {
		t.Fatalf("invalid session credentials")
	}

	recovered, err := manager.SessionGet(
		ctx, response.SessionID, "127.0.0.1:443", "192.0.2.1")
	if err != nil {
		t.Fatalf("SessionGet failed: %s", err)
	}
	if recovered.ErrorCode != protocol.ErrorCodeOk {
		t.Fatalf("unexpected error code: %s", recovered.ErrorCode)
	}
	if !bytes.Equal(recovered.SessionKey, response.SessionKey) {
		t.Fatalf("session key mismatch")
	}
}

func TestSessionCreateRejections(t *testing.T) {

	manager := newTestManager(t)
	ctx := context.Background()

	item, err := manager.CreateToken(&CreateTokenParams{})
	if err != nil {
		t.Fatalf("CreateToken failed: %s", err)
	}

	// Unknown token
	request := newSessionRequest(t, &item.Token, uuid.NewString())
	request.TokenID = uuid.NewString()
	response, err := manager.SessionCreate(ctx, request)
	if err != nil {
		t.Fatalf("SessionCreate failed: %s", err)
	}
	if response.ErrorCode != protocol.ErrorCodeAccessError {
		t.Fatalf("unexpected error code: %s", response.ErrorCode)
	}

	// Invalid client id proof
	request = newSessionRequest(t, &item.Token, uuid.NewString())
	request.EncryptedClientID[0] ^= 0xFF
	response, err = manager.SessionCreate(ctx, request)
	if err != nil {
		t.Fatalf("SessionCreate failed: %s", err)
	}
	if response.ErrorCode != protocol.ErrorCodeAccessError {
		t.Fatalf("unexpected error code: %s", response.ErrorCode)
	}

	// Expired token
	expired, err := manager.CreateToken(&CreateTokenParams{
		ExpirationTime: time.Now().Add(-time.Hour).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("CreateToken failed: %s", err)
	}
	request = newSessionRequest(t, &expired.Token, uuid.NewString())
	response, err = manager.SessionCreate(ctx, request)
	if err != nil {
		t.Fatalf("SessionCreate failed: %s", err)
	}
	if response.ErrorCode != protocol.ErrorCodeAccessExpired {
		t.Fatalf("unexpected error code: %s", response.ErrorCode)
	}

	// Unknown session recovery
	recovered, err := manager.SessionGet(ctx, 12345, "", "")
	if err != nil {
		t.Fatalf("SessionGet failed: %s", err)
	}
	if recovered.ErrorCode != protocol.ErrorCodeAccessError {
		t.Fatalf("unexpected error code: %s", recovered.ErrorCode)
	}
}

func TestSuppressionBySelf(t *testing.T) {

	manager := newTestManager(t)
	ctx := context.Background()

	item, err := manager.CreateToken(&CreateTokenParams{MaxClientCount: 2})
	if err != nil {
		t.Fatalf("CreateToken failed: %s", err)
	}

	clientID := uuid.NewString()

	first, err := manager.SessionCreate(
		ctx, newSessionRequest(t, &item.Token, clientID))
	if err != nil {
		t.Fatalf("SessionCreate failed: %s", err)
	}

	second, err := manager.SessionCreate(
		ctx, newSessionRequest(t, &item.Token, clientID))
	if err != nil {
		t.Fatalf("SessionCreate failed: %s", err)
	}
	if second.ErrorCode != protocol.ErrorCodeOk {
		t.Fatalf("unexpected error code: %s", second.ErrorCode)
	}
	if second.SuppressedTo != protocol.SuppressTypeSelf {
		t.Fatalf("unexpected suppressed to: %s", second.SuppressedTo)
	}

	// The displaced session reports suppression on its next status check.
	status, err := manager.SessionAddUsage(
		ctx, first.SessionID, protocol.Traffic{}, false)
	if err != nil {
		t.Fatalf("SessionAddUsage failed: %s", err)
	}
	if status.ErrorCode != protocol.ErrorCodeSessionSuppressedBySelf {
		t.Fatalf("unexpected error code: %s", status.ErrorCode)
	}
	if status.SuppressedBy != protocol.SuppressTypeSelf {
		t.Fatalf("unexpected suppressed by: %s", status.SuppressedBy)
	}
}

func TestSuppressionByOther(t *testing.T) {

	manager := newTestManager(t)
	ctx := context.Background()

	item, err := manager.CreateToken(&CreateTokenParams{MaxClientCount: 1})
	if err != nil {
		t.Fatalf("CreateToken failed: %s", err)
	}

	first, err := manager.SessionCreate(
		ctx, newSessionRequest(t, &item.Token, uuid.NewString()))
	if err != nil {
		t.Fatalf("SessionCreate failed: %s", err)
	}

	second, err := manager.SessionCreate(
		ctx, newSessionRequest(t, &item.Token, uuid.NewString()))
	if err != nil {
		t.Fatalf("SessionCreate failed: %s", err)
	}
	if second.ErrorCode != protocol.ErrorCodeOk {
		t.Fatalf("unexpected error code: %s", second.ErrorCode)
	}
	if second.SuppressedTo != protocol.SuppressTypeOther {
		t.Fatalf("unexpected suppressed to: %s", second.SuppressedTo)
	}

	status, err := manager.SessionAddUsage(
		ctx, first.SessionID, protocol.Traffic{}, false)
	if err != nil {
		t.Fatalf("SessionAddUsage failed: %s", err)
	}
	if status.ErrorCode != protocol.ErrorCodeSessionSuppressedByOther {
		t.Fatalf("unexpected error code: %s", status.ErrorCode)
	}
}

func TestSuppressionDisabled(t *testing.T) {

	// MaxClientCount 0 disables suppression of other clients entirely.

	manager := newTestManager(t)
	ctx := context.Background()

	item, err := manager.CreateToken(&CreateTokenParams{MaxClientCount: 0})
	if err != nil {
		t.Fatalf("CreateToken failed: %s", err)
	}

	for i := 0; i < 5; i++ {
		response, err := manager.SessionCreate(
			ctx, newSessionRequest(t, &item.Token, uuid.NewString()))
		if err != nil {
			t.Fatalf("SessionCreate failed: %s", err)
		}
		if response.ErrorCode != protocol.ErrorCodeOk {
			t.Fatalf("unexpected error code: %s", response.ErrorCode)
		}
		if response.SuppressedTo != protocol.SuppressTypeNone {
			t.Fatalf("unexpected suppressed to: %s", response.SuppressedTo)
		}
	}
}

func TestTrafficQuota(t *testing.T) {

	manager := newTestManager(t)
	ctx := context.Background()

	item, err := manager.CreateToken(&CreateTokenParams{MaxTraffic: 1000})
	if err != nil {
		t.Fatalf("CreateToken failed: %s", err)
	}

	response, err := manager.SessionCreate(
		ctx, newSessionRequest(t, &item.Token, uuid.NewString()))
	if err != nil {
		t.Fatalf("SessionCreate failed: %s", err)
	}

	status, err := manager.SessionAddUsage(
		ctx, response.SessionID,
		protocol.Traffic{Sent: 400, Received: 400}, false)
	if err != nil {
		t.Fatalf("SessionAddUsage failed: %s", err)
	}
	if status.ErrorCode != protocol.ErrorCodeOk {
		t.Fatalf("unexpected error code: %s", status.ErrorCode)
	}
	if status.AccessUsage == nil ||
		status.AccessUsage.Traffic.Total() != 800 {
		t.Fatalf("unexpected access usage: %+v", status.AccessUsage)
	}

	status, err = manager.SessionAddUsage(
		ctx, response.SessionID,
		protocol.Traffic{Sent: 400, Received: 400}, false)
	if err != nil {
		t.Fatalf("SessionAddUsage failed: %s", err)
	}
	if status.ErrorCode != protocol.ErrorCodeAccessTrafficOverflow {
		t.Fatalf("unexpected error code: %s", status.ErrorCode)
	}

	// A new session against the exhausted token is denied.
	response, err = manager.SessionCreate(
		ctx, newSessionRequest(t, &item.Token, uuid.NewString()))
	if err != nil {
		t.Fatalf("SessionCreate failed: %s", err)
	}
	if response.ErrorCode != protocol.ErrorCodeAccessTrafficOverflow {
		t.Fatalf("unexpected error code: %s", response.ErrorCode)
	}
}

func TestSessionClose(t *testing.T) {

	manager := newTestManager(t)
	ctx := context.Background()

	item, err := manager.CreateToken(&CreateTokenParams{})
	if err != nil {
		t.Fatalf("CreateToken failed: %s", err)
	}

	response, err := manager.SessionCreate(
		ctx, newSessionRequest(t, &item.Token, uuid.NewString()))
	if err != nil {
		t.Fatalf("SessionCreate failed: %s", err)
	}

	status, err := manager.SessionAddUsage(
		ctx, response.SessionID, protocol.Traffic{Sent: 10}, true)
	if err != nil {
		t.Fatalf("SessionAddUsage failed: %s", err)
	}
	if status.ErrorCode != protocol.ErrorCodeSessionClosed {
		t.Fatalf("unexpected error code: %s", status.ErrorCode)
	}

	// Usage recorded with the close is still persisted.
	usage, err := manager.GetTokenUsage(item.Token.TokenID)
	if err != nil {
		t.Fatalf("GetTokenUsage failed: %s", err)
	}
	if usage.Sent != 10 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestPersistence(t *testing.T) {

	path := t.TempDir()

	manager, err := NewManager(path, "", nil)
	if err != nil {
		t.Fatalf("NewManager failed: %s", err)
	}
	serverID := manager.ServerID()
	serverSecret := manager.ServerSecret()
	item, err := manager.CreateToken(&CreateTokenParams{})
	if err != nil {
		t.Fatalf("CreateToken failed: %s", err)
	}

	reopened, err := NewManager(path, "", nil)
	if err != nil {
		t.Fatalf("NewManager failed: %s", err)
	}
	if reopened.ServerID() != serverID {
		t.Fatalf("server id not persisted")
	}
	if !bytes.Equal(reopened.ServerSecret(), serverSecret) {
		t.Fatalf("server secret not persisted")
	}
	loaded, err := reopened.GetToken(item.Token.TokenID)
	if err != nil {
		t.Fatalf("GetToken failed: %s", err)
	}
	if !bytes.Equal(loaded.Token.Secret, item.Token.Secret) {
		t.Fatalf("token not persisted")
	}

	hash, err := certificateHash(reopened.Certificate())
	if err != nil {
		t.Fatalf("certificateHash failed: %s", err)
	}
	if !bytes.Equal(hash, item.Token.CertificateFingerprint) {
		t.Fatalf("certificate not persisted")
	}
}

func TestInstanceLock(t *testing.T) {

	path := t.TempDir()

	manager, err := NewManager(path, "", nil)
	if err != nil {
		t.Fatalf("NewManager failed: %s", err)
	}
	err = manager.AcquireLock()
	if err != nil {
		t.Fatalf("AcquireLock failed: %s", err)
	}

	second, err := NewManager(path, "", nil)
	if err != nil {
		t.Fatalf("NewManager failed: %s", err)
	}
	err = second.AcquireLock()
	if err == nil {
		t.Fatalf("expected lock conflict")
	}

	manager.ReleaseLock()
	err = second.AcquireLock()
	if err != nil {
		t.Fatalf("AcquireLock failed after release: %s", err)
	}
	second.ReleaseLock()
}

func TestStopCommand(t *testing.T) {

	path := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopped := make(chan struct{})
	WatchStop(ctx, path, func() { close(stopped) })

	err := RequestStop(path)
	if err != nil {
		t.Fatalf("RequestStop failed: %s", err)
	}

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for stop")
	}
}
