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
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/protocol"
	"github.com/vhood-net/vhood-tunnel-core/vhood/server/access"
)

// SessionManager owns the server's live sessions: creation via the access
// manager, recovery of sessions created before a server restart, periodic
// usage sync, and idle cleanup.
type SessionManager struct {
	config        *Config
	accessManager access.AccessManager
	netFilter     *NetFilter

	mutex    sync.Mutex
	sessions map[uint64]*session

	// recoveryGroup collapses concurrent recovery of one session id into a
	// single access manager query.
	recoveryGroup singleflight.Group

	runContext  context.Context
	stopRunning context.CancelFunc
	waitGroup   sync.WaitGroup
}

// NewSessionManager creates a SessionManager and starts its sync and
// cleanup worker.
func NewSessionManager(
	config *Config,
	accessManager access.AccessManager) (*SessionManager, error) {

	netFilter, err := NewNetFilter(
		config.IncludeIPRanges, config.ExcludeIPRanges)
	if err != nil {
		return nil, errors.Trace(err)
	}

	runContext, stopRunning := context.WithCancel(context.Background())

	sessionManager := &SessionManager{
		config:        config,
		accessManager: accessManager,
		netFilter:     netFilter,
		sessions:      make(map[uint64]*session),
		runContext:    runContext,
		stopRunning:   stopRunning,
	}

	sessionManager.waitGroup.Add(1)
	go sessionManager.runMaintenance()

	return sessionManager, nil
}

// CreateSession performs the access manager exchange for a Hello request
// and registers the resulting session. A response with a non-Ok error code
// is returned without a registered session; the caller relays the code to
// the client.
func (sessionManager *SessionManager) CreateSession(
	ctx context.Context,
	request *protocol.HelloRequest,
	clientIP, hostEndPoint string) (*access.SessionResponseEx, error) {

	response, err := sessionManager.accessManager.SessionCreate(
		ctx,
		&access.SessionRequestEx{
			TokenID:           request.TokenID,
			ClientInfo:        request.ClientInfo,
			EncryptedClientID: request.EncryptedClientID,
			ClientIP:          clientIP,
			HostEndPoint:      hostEndPoint,
		})
	if err != nil {
		return nil, errors.Trace(err)
	}

	if response.ErrorCode != protocol.ErrorCodeOk ||
		response.RedirectHostEndPoint != "" {
		return response, nil
	}

	session := newSession(
		sessionManager, response, request.ClientInfo.ClientID, clientIP)

	sessionManager.mutex.Lock()
	sessionManager.sessions[session.sessionID] = session
	sessionCount := len(sessionManager.sessions)
	sessionManager.mutex.Unlock()

	log.WithTraceFields(LogFields{
		"sessionId":    session.sessionID,
		"clientIp":     clientIP,
		"sessionCount": sessionCount,
	}).Info("session created")

	return response, nil
}

// GetSession returns the live session for a session request, recovering it
// from the access manager when this server instance does not know the id,
// e.g. after a restart. The session key authenticates the request; a
// mismatch is Unauthorized, revealing nothing about session existence.
func (sessionManager *SessionManager) GetSession(
	ctx context.Context,
	sessionID uint64,
	sessionKey []byte,
	clientIP, hostEndPoint string) (*session, protocol.ErrorCode, error) {

	sessionManager.mutex.Lock()
	session, ok := sessionManager.sessions[sessionID]
	sessionManager.mutex.Unlock()

	if !ok {
		var err error
		session, err = sessionManager.recoverSession(
			ctx, sessionID, clientIP, hostEndPoint)
		if err != nil {
			return nil, protocol.ErrorCodeSessionError, errors.Trace(err)
		}
	}

	if session.disposed() {
		return nil, protocol.ErrorCodeSessionClosed,
			errors.TraceNew("session disposed")
	}

	if !session.verifyKey(sessionKey) {
		return nil, protocol.ErrorCodeUnauthorized,
			errors.TraceNew("invalid session key")
	}

	errorCode, errorMessage, _ := session.status()
	if errorCode != protocol.ErrorCodeOk && errorCode.IsFatal() {
		return nil, errorCode, errors.TraceNew(errorMessage)
	}

	return session, protocol.ErrorCodeOk, nil
}

// recoverSession queries the access manager for an unknown session id. All
// concurrent requests for one id share a single query; losers of the race
// adopt the winner's registered session.
func (sessionManager *SessionManager) recoverSession(
	ctx context.Context,
	sessionID uint64,
	clientIP, hostEndPoint string) (*session, error) {

	result, err, _ := sessionManager.recoveryGroup.Do(
		strconv.FormatUint(sessionID, 10),
		func() (interface{}, error) {

			sessionManager.mutex.Lock()
			session, ok := sessionManager.sessions[sessionID]
			sessionManager.mutex.Unlock()
			if ok {
				return session, nil
			}

			response, err := sessionManager.accessManager.SessionGet(
				ctx, sessionID, hostEndPoint, clientIP)
			if err != nil {
				return nil, errors.Trace(err)
			}
			if response.ErrorCode != protocol.ErrorCodeOk {
				return nil, errors.Tracef(
					"session recovery failed: %s", response.ErrorCode)
			}
			if response.SessionID != sessionID {
				return nil, errors.TraceNew("session id mismatch")
			}

			session = newSession(sessionManager, response, "", clientIP)

			sessionManager.mutex.Lock()
			sessionManager.sessions[sessionID] = session
			sessionManager.mutex.Unlock()

			log.WithTraceFields(LogFields{
				"sessionId": sessionID,
			}).Info("session recovered")

			return session, nil
		})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return result.(*session), nil
}

// disposeSession removes and disposes a session.
func (sessionManager *SessionManager) disposeSession(
	session *session, notifyClient bool) {

	sessionManager.mutex.Lock()
	registered, ok := sessionManager.sessions[session.sessionID]
	if ok && registered == session {
		delete(sessionManager.sessions, session.sessionID)
	}
	sessionManager.mutex.Unlock()

	// dispose blocks on the final usage sync.
	go session.dispose(notifyClient)
}

// CloseSession handles a Bye request.
func (sessionManager *SessionManager) CloseSession(session *session) {
	session.setErrorCode(
		protocol.ErrorCodeSessionClosed, "closed by client")
	sessionManager.disposeSession(session, false)
}

// sessionByID returns a registered session without key authentication;
// the UDP channel datapath authenticates datagrams by AEAD instead.
func (sessionManager *SessionManager) sessionByID(
	sessionID uint64) (*session, bool) {

	sessionManager.mutex.Lock()
	defer sessionManager.mutex.Unlock()
	session, ok := sessionManager.sessions[sessionID]
	return session, ok
}

// SessionCount returns the number of live sessions.
func (sessionManager *SessionManager) SessionCount() int {
	sessionManager.mutex.Lock()
	defer sessionManager.mutex.Unlock()
	return len(sessionManager.sessions)
}

// runMaintenance periodically syncs usage for all sessions and disposes
// idle ones. A sync cycle also runs early for sessions whose unsynced
// traffic exceeds the sync cache size; syncUsage makes that call.
func (sessionManager *SessionManager) runMaintenance() {
	defer sessionManager.waitGroup.Done()

	syncTicker := time.NewTicker(sessionManager.config.SyncInterval())
	defer syncTicker.Stop()
	cleanupTicker := time.NewTicker(DEFAULT_SESSION_CLEANUP_INTERVAL)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-sessionManager.runContext.Done():
			return

		case <-syncTicker.C:
			sessionManager.syncSessions(true)

		case <-cleanupTicker.C:
			sessionManager.cleanupSessions()
			// Early sync for sessions over the sync cache size.
			sessionManager.syncSessions(false)
		}
	}
}

func (sessionManager *SessionManager) syncSessions(force bool) {

	for _, session := range sessionManager.liveSessions() {
		err := session.syncUsage(sessionManager.runContext, force, false)
		if err != nil {
			log.WithTraceFields(LogFields{
				"sessionId": session.sessionID,
				"error":     err.Error(),
			}).Warning("usage sync failed")
		}
	}
}

func (sessionManager *SessionManager) cleanupSessions() {

	idleTimeout := sessionManager.config.SessionIdleTimeout()

	for _, session := range sessionManager.liveSessions() {
		if time.Since(session.lastActivity()) > idleTimeout {
			log.WithTraceFields(LogFields{
				"sessionId": session.sessionID,
			}).Info("session idle timeout")
			session.setErrorCode(
				protocol.ErrorCodeSessionClosed, "session idle timeout")
			sessionManager.disposeSession(session, true)
		}
	}
}

func (sessionManager *SessionManager) liveSessions() []*session {
	sessionManager.mutex.Lock()
	defer sessionManager.mutex.Unlock()
	sessions := make([]*session, 0, len(sessionManager.sessions))
	for _, session := range sessionManager.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// LoadStats summarizes server load for periodic metrics logging.
type LoadStats struct {
	SessionCount        int
	DatagramChannels    int
	StreamProxyChannels int
	UDPWorkers          int
	ICMPPingers         int
}

// GetLoadStats snapshots current load across all sessions.
func (sessionManager *SessionManager) GetLoadStats() LoadStats {

	stats := LoadStats{}
	sessions := sessionManager.liveSessions()
	stats.SessionCount = len(sessions)
	for _, session := range sessions {
		stats.DatagramChannels += session.tunnel.DatagramChannelCount()
		stats.StreamProxyChannels += session.tunnel.StreamProxyChannelCount()
		stats.UDPWorkers += session.udpProxy.WorkerCount()
		stats.ICMPPingers += session.icmpProxy.PingerCount()
	}
	return stats
}

// LogLoadStats emits a load metric in raw fields form.
func (sessionManager *SessionManager) LogLoadStats() {
	stats := sessionManager.GetLoadStats()
	log.LogMetric("server_load", LogFields{
		"session_count":         stats.SessionCount,
		"datagram_channels":     stats.DatagramChannels,
		"stream_proxy_channels": stats.StreamProxyChannels,
		"udp_workers":           stats.UDPWorkers,
		"icmp_pingers":          stats.ICMPPingers,
	})
}

// Close disposes all sessions and stops maintenance.
func (sessionManager *SessionManager) Close() {

	sessionManager.stopRunning()
	sessionManager.waitGroup.Wait()

	sessionManager.mutex.Lock()
	sessions := make([]*session, 0, len(sessionManager.sessions))
	for _, session := range sessionManager.sessions {
		sessions = append(sessions, session)
	}
	sessionManager.sessions = make(map[uint64]*session)
	sessionManager.mutex.Unlock()

	var disposeGroup sync.WaitGroup
	for _, s := range sessions {
		disposeGroup.Add(1)
		go func(s *session) {
			defer disposeGroup.Done()
			s.dispose(true)
		}(s)
	}
	disposeGroup.Wait()
}
