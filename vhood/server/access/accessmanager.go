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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/protocol"
)

// SessionRequestEx is the server-side session create request to the access
// manager, extending the client's Hello with connection facts only the
// server knows.
type SessionRequestEx struct {
	TokenID           string              `json:"TokenId"`
	ClientInfo        protocol.ClientInfo `json:"ClientInfo"`
	EncryptedClientID []byte              `json:"EncryptedClientId"`
	ClientIP          string              `json:"ClientIp"`
	HostEndPoint      string              `json:"HostEndPoint"`
}

// SessionResponseEx carries a created or recovered session from the access
// manager.
type SessionResponseEx struct {
	protocol.SessionResponse
	SessionID            uint64                `json:"SessionId"`
	SessionKey           []byte                `json:"SessionKey"`
	CreatedTime          time.Time             `json:"CreatedTime"`
	SuppressedTo         protocol.SuppressType `json:"SuppressedTo,omitempty"`
	ExtraData            string                `json:"ExtraData,omitempty"`
	ProtocolVersion      int                   `json:"ProtocolVersion,omitempty"`
	RedirectHostEndPoint protocol.IPEndPoint   `json:"RedirectHostEndPoint,omitempty"`
}

// AccessManager issues session credentials, answers recovery queries, and
// records traffic. Implementations must be safe for concurrent use.
type AccessManager interface {

	// SessionCreate validates the Hello and creates a session. Authorization
	// failures are reported in the response error code, not as an error;
	// errors represent transport or manager faults.
	SessionCreate(
		ctx context.Context,
		request *SessionRequestEx) (*SessionResponseEx, error)

	// SessionGet recovers a session unknown to this server instance, e.g.
	// after a restart.
	SessionGet(
		ctx context.Context,
		sessionID uint64,
		hostEndPoint, clientIP string) (*SessionResponseEx, error)

	// SessionAddUsage records traffic against the session's token and
	// returns current session status, through which quota exhaustion and
	// suppression propagate. With closeSession set, the session is also
	// closed.
	SessionAddUsage(
		ctx context.Context,
		sessionID uint64,
		traffic protocol.Traffic,
		closeSession bool) (*protocol.SessionResponse, error)

	// ServerSecret returns the per-server secret announced in Hello
	// responses.
	ServerSecret() []byte
}

// REQUEST_TIMEOUT bounds every access manager exchange.
const REQUEST_TIMEOUT = 30 * time.Second

// HTTPManager is an AccessManager speaking JSON over HTTP(S) to an
// external controller.
type HTTPManager struct {
	baseURL      string
	apiKey       string
	serverSecret []byte
	client       *http.Client
}

// NewHTTPManager creates an access manager client for the given base URL,
// authenticating with apiKey.
func NewHTTPManager(
	baseURL, apiKey string, serverSecret []byte) *HTTPManager {

	return &HTTPManager{
		baseURL:      baseURL,
		apiKey:       apiKey,
		serverSecret: serverSecret,
		client: &http.Client{
			Timeout: REQUEST_TIMEOUT,
		},
	}
}

func (manager *HTTPManager) ServerSecret() []byte {
	return manager.serverSecret
}

func (manager *HTTPManager) SessionCreate(
	ctx context.Context,
	request *SessionRequestEx) (*SessionResponseEx, error) {

	var response SessionResponseEx
	err := manager.do(
		ctx, http.MethodPost, "/v1/sessions", request, &response)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &response, nil
}

func (manager *HTTPManager) SessionGet(
	ctx context.Context,
	sessionID uint64,
	hostEndPoint, clientIP string) (*SessionResponseEx, error) {

	path := fmt.Sprintf(
		"/v1/sessions/%d?hostEndPoint=%s&clientIp=%s",
		sessionID, hostEndPoint, clientIP)

	var response SessionResponseEx
	err := manager.do(ctx, http.MethodGet, path, nil, &response)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &response, nil
}

func (manager *HTTPManager) SessionAddUsage(
	ctx context.Context,
	sessionID uint64,
	traffic protocol.Traffic,
	closeSession bool) (*protocol.SessionResponse, error) {

	path := fmt.Sprintf("/v1/sessions/%d/usage", sessionID)
	if closeSession {
		path += "?closeSession=true"
	}

	var response protocol.SessionResponse
	err := manager.do(ctx, http.MethodPost, path, traffic, &response)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &response, nil
}

func (manager *HTTPManager) do(
	ctx context.Context,
	method, path string,
	requestBody, responseBody interface{}) error {

	var body io.Reader
	if requestBody != nil {
		payload, err := json.Marshal(requestBody)
		if err != nil {
			return errors.Trace(err)
		}
		body = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(
		ctx, method, manager.baseURL+path, body)
	if err != nil {
		return errors.Trace(err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+manager.apiKey)

	response, err := manager.client.Do(request)
	if err != nil {
		return errors.Trace(err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return errors.Tracef(
			"access manager returned status %d", response.StatusCode)
	}

	err = json.NewDecoder(response.Body).Decode(responseBody)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}
