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

Package access implements a self-contained, file-backed access manager for
servers run without an external controller. Tokens, quotas, and usage are
persisted as flat files under a storage directory; sessions live in memory
for the lifetime of the process.

*/
package access

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	std_errors "errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/protocol"
)

// Manager is a file-backed access manager; it implements
// AccessManager.
type Manager struct {
	storage      *storage
	serverID     string
	serverSecret []byte
	certificate  tls.Certificate

	hostName      string
	hostEndPoints []protocol.IPEndPoint

	mutex         sync.Mutex
	sessions      map[uint64]*sessionState
	usage         map[string]*Usage
	nextSessionID uint64

	lockFile *os.File
}

type sessionState struct {
	sessionID    uint64
	sessionKey   []byte
	tokenID      string
	clientID     string
	createdTime  time.Time
	errorCode    protocol.ErrorCode
	errorMessage string
	suppressedBy protocol.SuppressType
}

// NewManager opens or initializes the storage directory and loads or
// creates the server identity, secret, and TLS certificate. hostName and
// hostEndPoints are embedded in issued access keys.
func NewManager(
	storagePath string,
	hostName string,
	hostEndPoints []protocol.IPEndPoint) (*Manager, error) {

	s, err := newStorage(storagePath)
	if err != nil {
		return nil, errors.Trace(err)
	}

	serverID, err := s.serverID()
	if err != nil {
		return nil, errors.Trace(err)
	}
	serverSecret, err := s.serverKey()
	if err != nil {
		return nil, errors.Trace(err)
	}

	if hostName == "" {
		hostName = defaultCommonName(serverID)
	}

	certificate, err := s.loadOrCreateCertificate(hostName)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var nextSessionID [8]byte
	_, err = rand.Read(nextSessionID[:])
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &Manager{
		storage:       s,
		serverID:      serverID,
		serverSecret:  serverSecret,
		certificate:   certificate,
		hostName:      hostName,
		hostEndPoints: hostEndPoints,
		sessions:      make(map[uint64]*sessionState),
		usage:         make(map[string]*Usage),
		nextSessionID: binary.BigEndian.Uint64(nextSessionID[:]) | 1,
	}, nil
}

// ServerID returns the persistent server instance id.
func (manager *Manager) ServerID() string {
	return manager.serverID
}

// ServerSecret implements AccessManager.
func (manager *Manager) ServerSecret() []byte {
	return manager.serverSecret
}

// Certificate returns the server TLS certificate.
func (manager *Manager) Certificate() tls.Certificate {
	return manager.certificate
}

// SaveLastConfig caches the last applied server config JSON.
func (manager *Manager) SaveLastConfig(configJSON []byte) error {
	return errors.Trace(manager.storage.saveLastConfig(configJSON))
}

// LoadLastConfig returns the cached server config JSON, or nil.
func (manager *Manager) LoadLastConfig() ([]byte, error) {
	return manager.storage.loadLastConfig()
}

// CreateTokenParams specify a new token's policy.
type CreateTokenParams struct {
	MaxClientCount int
	MaxTraffic     int64
	ExpirationTime string
}

// CreateToken creates and persists a token and returns its access item.
func (manager *Manager) CreateToken(
	params *CreateTokenParams) (*AccessItem, error) {

	secret := make([]byte, 16)
	_, err := rand.Read(secret)
	if err != nil {
		return nil, errors.Trace(err)
	}

	hash, err := certificateHash(manager.certificate)
	if err != nil {
		return nil, errors.Trace(err)
	}

	item := &AccessItem{
		Token: protocol.Token{
			TokenID:                uuid.NewString(),
			Secret:                 secret,
			ServerHostName:         manager.hostName,
			HostEndPoints:          manager.hostEndPoints,
			CertificateFingerprint: hash,
			ProtocolVersion:        protocol.PROTOCOL_VERSION,
		},
		MaxClientCount: params.MaxClientCount,
		MaxTraffic:     params.MaxTraffic,
		ExpirationTime: params.ExpirationTime,
	}

	err = manager.storage.saveAccessItem(item)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return item, nil
}

// GetToken loads a token's access item.
func (manager *Manager) GetToken(tokenID string) (*AccessItem, error) {
	item, err := manager.storage.loadAccessItem(tokenID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return item, nil
}

// ListTokenIDs returns all persisted token ids.
func (manager *Manager) ListTokenIDs() ([]string, error) {
	return manager.storage.listTokenIDs()
}

// DeleteToken removes a token and its usage.
func (manager *Manager) DeleteToken(tokenID string) error {
	return errors.Trace(manager.storage.deleteAccessItem(tokenID))
}

// GetTokenUsage returns a token's accumulated traffic.
func (manager *Manager) GetTokenUsage(tokenID string) (*Usage, error) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.loadUsageLocked(tokenID)
}

func (manager *Manager) loadUsageLocked(tokenID string) (*Usage, error) {
	usage, ok := manager.usage[tokenID]
	if ok {
		return usage, nil
	}
	usage, err := manager.storage.loadUsage(tokenID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	manager.usage[tokenID] = usage
	return usage, nil
}

// SessionCreate implements AccessManager.
func (manager *Manager) SessionCreate(
	_ context.Context,
	request *SessionRequestEx) (*SessionResponseEx, error) {

	item, err := manager.storage.loadAccessItem(request.TokenID)
	if err != nil {
		if std_errors.Is(err, os.ErrNotExist) {
			return accessDenied(
				protocol.ErrorCodeAccessError, "token not found"), nil
		}
		return nil, errors.Trace(err)
	}

	valid, err := protocol.VerifyClientID(
		request.EncryptedClientID,
		request.ClientInfo.ClientID,
		item.Token.Secret)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !valid {
		return accessDenied(
			protocol.ErrorCodeAccessError, "client id proof invalid"), nil
	}

	if item.ExpirationTime != "" {
		expiration, err := time.Parse(time.RFC3339, item.ExpirationTime)
		if err == nil && time.Now().After(expiration) {
			return accessDenied(
				protocol.ErrorCodeAccessExpired, "token expired"), nil
		}
	}

	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	usage, err := manager.loadUsageLocked(request.TokenID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if item.MaxTraffic > 0 && usage.Sent+usage.Received >= item.MaxTraffic {
		return accessDenied(
			protocol.ErrorCodeAccessTrafficOverflow,
			"traffic quota exceeded"), nil
	}

	suppressedTo := manager.suppressLocked(item, request.ClientInfo.ClientID)

	sessionKey := make([]byte, 16)
	_, err = rand.Read(sessionKey)
	if err != nil {
		return nil, errors.Trace(err)
	}

	manager.nextSessionID++
	session := &sessionState{
		sessionID:   manager.nextSessionID,
		sessionKey:  sessionKey,
		tokenID:     request.TokenID,
		clientID:    request.ClientInfo.ClientID,
		createdTime: time.Now(),
		errorCode:   protocol.ErrorCodeOk,
	}
	manager.sessions[session.sessionID] = session

	response := manager.sessionResponseLocked(session, item, usage)
	response.SuppressedTo = suppressedTo
	return response, nil
}

// suppressLocked displaces existing sessions of the token per its
// MaxClientCount policy. A new session from a client which already has a
// live session displaces that session (suppressed by self). Otherwise,
// when the token's distinct live clients reach MaxClientCount, the oldest
// other client's session is displaced (suppressed by other). A
// MaxClientCount of 0 disables suppression entirely.
func (manager *Manager) suppressLocked(
	item *AccessItem, clientID string) protocol.SuppressType {

	var selfSession *sessionState
	clients := make(map[string]*sessionState)

	for _, session := range manager.sessions {
		if session.tokenID != item.Token.TokenID ||
			session.errorCode != protocol.ErrorCodeOk {
			continue
		}
		if session.clientID == clientID {
			selfSession = session
		}
		oldest, ok := clients[session.clientID]
		if !ok || session.createdTime.Before(oldest.createdTime) {
			clients[session.clientID] = session
		}
	}

	if selfSession != nil {
		selfSession.errorCode = protocol.ErrorCodeSessionSuppressedBySelf
		selfSession.suppressedBy = protocol.SuppressTypeSelf
		return protocol.SuppressTypeSelf
	}

	if item.MaxClientCount <= 0 {
		return protocol.SuppressTypeNone
	}

	if len(clients) < item.MaxClientCount {
		return protocol.SuppressTypeNone
	}

	var oldest *sessionState
	for _, session := range clients {
		if oldest == nil || session.createdTime.Before(oldest.createdTime) {
			oldest = session
		}
	}
	if oldest != nil {
		oldest.errorCode = protocol.ErrorCodeSessionSuppressedByOther
		oldest.suppressedBy = protocol.SuppressTypeOther
		return protocol.SuppressTypeOther
	}
	return protocol.SuppressTypeNone
}

// SessionGet implements AccessManager. Sessions are process-local;
// after a manager restart recovery fails with AccessError.
func (manager *Manager) SessionGet(
	_ context.Context,
	sessionID uint64,
	_, _ string) (*SessionResponseEx, error) {

	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	session, ok := manager.sessions[sessionID]
	if !ok {
		return accessDenied(
			protocol.ErrorCodeAccessError, "session not found"), nil
	}

	item, err := manager.storage.loadAccessItem(session.tokenID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	usage, err := manager.loadUsageLocked(session.tokenID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return manager.sessionResponseLocked(session, item, usage), nil
}

// SessionAddUsage implements AccessManager.
func (manager *Manager) SessionAddUsage(
	_ context.Context,
	sessionID uint64,
	traffic protocol.Traffic,
	closeSession bool) (*protocol.SessionResponse, error) {

	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	session, ok := manager.sessions[sessionID]
	if !ok {
		return &protocol.SessionResponse{
			ResponseBase: protocol.ResponseBase{
				ErrorCode:    protocol.ErrorCodeAccessError,
				ErrorMessage: "session not found",
			},
		}, nil
	}

	item, err := manager.storage.loadAccessItem(session.tokenID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	usage, err := manager.loadUsageLocked(session.tokenID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	usage.Sent += traffic.Sent
	usage.Received += traffic.Received
	err = manager.storage.saveUsage(session.tokenID, usage)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if session.errorCode == protocol.ErrorCodeOk &&
		item.MaxTraffic > 0 &&
		usage.Sent+usage.Received >= item.MaxTraffic {
		session.errorCode = protocol.ErrorCodeAccessTrafficOverflow
		session.errorMessage = "traffic quota exceeded"
	}

	if closeSession && session.errorCode == protocol.ErrorCodeOk {
		session.errorCode = protocol.ErrorCodeSessionClosed
	}

	return &protocol.SessionResponse{
		ResponseBase: protocol.ResponseBase{
			ErrorCode:    session.errorCode,
			ErrorMessage: session.errorMessage,
			AccessUsage:  accessUsage(item, usage),
		},
		SuppressedBy: session.suppressedBy,
	}, nil
}

func (manager *Manager) sessionResponseLocked(
	session *sessionState,
	item *AccessItem,
	usage *Usage) *SessionResponseEx {

	return &SessionResponseEx{
		SessionResponse: protocol.SessionResponse{
			ResponseBase: protocol.ResponseBase{
				ErrorCode:    session.errorCode,
				ErrorMessage: session.errorMessage,
				AccessUsage:  accessUsage(item, usage),
			},
			SuppressedBy: session.suppressedBy,
		},
		SessionID:       session.sessionID,
		SessionKey:      session.sessionKey,
		CreatedTime:     session.createdTime,
		ProtocolVersion: item.Token.ProtocolVersion,
	}
}

func accessUsage(item *AccessItem, usage *Usage) *protocol.AccessUsage {
	return &protocol.AccessUsage{
		Traffic: protocol.Traffic{
			Sent:     usage.Sent,
			Received: usage.Received,
		},
		MaxTraffic:     item.MaxTraffic,
		ExpirationTime: item.ExpirationTime,
		MaxClientCount: item.MaxClientCount,
	}
}

func accessDenied(
	code protocol.ErrorCode, message string) *SessionResponseEx {
	return &SessionResponseEx{
		SessionResponse: protocol.SessionResponse{
			ResponseBase: protocol.ResponseBase{
				ErrorCode:    code,
				ErrorMessage: message,
			},
		},
	}
}

// AcquireLock enforces single-instance operation via an exclusive lock
// file holding the process id.
func (manager *Manager) AcquireLock() error {

	path := filepath.Join(manager.storage.path, lockFileName)

	file, err := os.OpenFile(
		path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Tracef(
			"another server instance appears to be running (%s)", path)
	}
	_, _ = file.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	manager.lockFile = file
	return nil
}

// ReleaseLock releases the single-instance lock.
func (manager *Manager) ReleaseLock() {
	if manager.lockFile == nil {
		return
	}
	manager.lockFile.Close()
	os.Remove(manager.lockFile.Name())
	manager.lockFile = nil
}

// RequestStop writes the stop IPC file observed by a running server.
func RequestStop(storagePath string) error {
	return errors.Trace(os.WriteFile(
		filepath.Join(storagePath, stopFileName),
		[]byte(time.Now().Format(time.RFC3339)+"\n"), 0600))
}

// WatchStop polls for the stop IPC file and invokes onStop once when it
// appears, consuming the file. Polling ends when ctx is done.
func WatchStop(
	ctx context.Context, storagePath string, onStop func()) {

	path := filepath.Join(storagePath, stopFileName)

	// Consume a stale stop command from a previous run.
	_ = os.Remove(path)

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, err := os.Stat(path)
				if err == nil {
					os.Remove(path)
					onStop()
					return
				}
			}
		}
	}()
}
