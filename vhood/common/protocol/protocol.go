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

Package protocol defines the client/server wire protocol: request codes and
their JSON payloads, session error codes, traffic counters, and the framing
used for control messages.

Each control message is a length-prefixed JSON object. Stream datagram
channels and UDP channels define their own framing; see vhood/tunnel.

*/
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
)

const (
	// MAX_MESSAGE_SIZE bounds a single length-prefixed JSON control
	// message.
	MAX_MESSAGE_SIZE = 256 * 1024 // 256KB

	PROTOCOL_VERSION = 2
)

// RequestCode identifies the operation of a control request.
type RequestCode int

const (
	RequestCodeHello RequestCode = iota + 1
	RequestCodeTCPDatagramChannel
	RequestCodeStreamProxyChannel
	RequestCodeUDPPacket
	RequestCodeBye
)

func (code RequestCode) String() string {
	switch code {
	case RequestCodeHello:
		return "Hello"
	case RequestCodeTCPDatagramChannel:
		return "TcpDatagramChannel"
	case RequestCodeStreamProxyChannel:
		return "StreamProxyChannel"
	case RequestCodeUDPPacket:
		return "UdpPacket"
	case RequestCodeBye:
		return "Bye"
	}
	return fmt.Sprintf("Unknown(%d)", int(code))
}

// ErrorCode is the session-level result of a request or of a session state
// transition. Per-request failures are carried in responses; fatal codes
// dispose the session.
type ErrorCode int

const (
	ErrorCodeOk ErrorCode = iota
	ErrorCodeGeneralError
	ErrorCodeSessionError
	ErrorCodeSessionClosed
	ErrorCodeSessionSuppressedByOther
	ErrorCodeSessionSuppressedBySelf
	ErrorCodeAccessError
	ErrorCodeAccessExpired
	ErrorCodeAccessTrafficOverflow
	ErrorCodeRedirectHost
	ErrorCodeMaintenance
	ErrorCodeUnsupportedServer
	ErrorCodeRequestBlocked
	ErrorCodeNetScan
	ErrorCodeMaxTCPChannel
	ErrorCodeMaxTCPConnectWait
	ErrorCodeUDPClientQuota
	ErrorCodeUnauthorized
)

func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeOk:
		return "Ok"
	case ErrorCodeGeneralError:
		return "GeneralError"
	case ErrorCodeSessionError:
		return "SessionError"
	case ErrorCodeSessionClosed:
		return "SessionClosed"
	case ErrorCodeSessionSuppressedByOther:
		return "SessionSuppressedByOther"
	case ErrorCodeSessionSuppressedBySelf:
		return "SessionSuppressedBySelf"
	case ErrorCodeAccessError:
		return "AccessError"
	case ErrorCodeAccessExpired:
		return "AccessExpired"
	case ErrorCodeAccessTrafficOverflow:
		return "AccessTrafficOverflow"
	case ErrorCodeRedirectHost:
		return "RedirectHost"
	case ErrorCodeMaintenance:
		return "Maintenance"
	case ErrorCodeUnsupportedServer:
		return "UnsupportedServer"
	case ErrorCodeRequestBlocked:
		return "RequestBlocked"
	case ErrorCodeNetScan:
		return "NetScan"
	case ErrorCodeMaxTCPChannel:
		return "MaxTcpChannel"
	case ErrorCodeMaxTCPConnectWait:
		return "MaxTcpConnectWait"
	case ErrorCodeUDPClientQuota:
		return "UdpClientQuota"
	case ErrorCodeUnauthorized:
		return "Unauthorized"
	}
	return fmt.Sprintf("Unknown(%d)", int(code))
}

// IsFatal indicates whether the code disposes the session, as opposed to
// failing a single request.
func (code ErrorCode) IsFatal() bool {
	switch code {
	case ErrorCodeOk,
		ErrorCodeGeneralError,
		ErrorCodeRequestBlocked,
		ErrorCodeNetScan,
		ErrorCodeMaxTCPChannel,
		ErrorCodeMaxTCPConnectWait,
		ErrorCodeUDPClientQuota:
		return false
	}
	return true
}

// SuppressType records why a session was displaced by another session of
// the same token.
type SuppressType int

const (
	SuppressTypeNone SuppressType = iota
	SuppressTypeSelf
	SuppressTypeOther
)

func (suppress SuppressType) String() string {
	switch suppress {
	case SuppressTypeNone:
		return "None"
	case SuppressTypeSelf:
		return "Self"
	case SuppressTypeOther:
		return "Other"
	}
	return fmt.Sprintf("Unknown(%d)", int(suppress))
}

// Traffic is a pair of byte counters. The axes are named from the session's
// point of view; callers swap axes when crossing sides (bytes sent by the
// tunnel are bytes received by the client).
type Traffic struct {
	Sent     int64 `json:"Sent"`
	Received int64 `json:"Received"`
}

// Add returns the sum of two Traffic values.
func (t Traffic) Add(other Traffic) Traffic {
	return Traffic{
		Sent:     t.Sent + other.Sent,
		Received: t.Received + other.Received,
	}
}

// Sub returns the difference of two Traffic values.
func (t Traffic) Sub(other Traffic) Traffic {
	return Traffic{
		Sent:     t.Sent - other.Sent,
		Received: t.Received - other.Received,
	}
}

// Swapped returns the Traffic with the send and receive axes exchanged.
func (t Traffic) Swapped() Traffic {
	return Traffic{Sent: t.Received, Received: t.Sent}
}

// Total returns sent plus received bytes.
func (t Traffic) Total() int64 {
	return t.Sent + t.Received
}

// IPEndPoint is a host address and port in "host:port" form.
type IPEndPoint = string

// ClientInfo describes the connecting client in a Hello request.
type ClientInfo struct {
	ClientID        string `json:"ClientId"`
	ClientVersion   string `json:"ClientVersion"`
	ProtocolVersion int    `json:"ProtocolVersion"`
	UserAgent       string `json:"UserAgent"`
}

// RequestHeader precedes every control request.
type RequestHeader struct {
	RequestCode RequestCode `json:"RequestCode"`
	RequestID   string      `json:"RequestId"`
}

// HelloRequest creates a new session.
type HelloRequest struct {
	RequestHeader
	TokenID           string     `json:"TokenId"`
	ClientInfo        ClientInfo `json:"ClientInfo"`
	EncryptedClientID []byte     `json:"EncryptedClientId"`
}

// SessionRequest is the common header of post-Hello requests, identifying
// and authenticating the session.
type SessionRequest struct {
	RequestHeader
	SessionID  uint64 `json:"SessionId"`
	SessionKey []byte `json:"SessionKey"`
}

// TCPDatagramChannelRequest adopts the request's stream as a stream
// datagram channel.
type TCPDatagramChannelRequest struct {
	SessionRequest
}

// StreamProxyChannelRequest opens a TCP connection to the destination and
// bridges it to the request's stream.
type StreamProxyChannelRequest struct {
	SessionRequest
	DestinationEndPoint IPEndPoint `json:"DestinationEndPoint"`
}

// UDPPacketRequest is reserved and not implemented by the server.
type UDPPacketRequest struct {
	SessionRequest
}

// ByeRequest initiates session close.
type ByeRequest struct {
	SessionRequest
}

// SessionStatus reports the live state of a session to the client.
type SessionStatus struct {
	ErrorCode    ErrorCode    `json:"ErrorCode"`
	ErrorMessage string       `json:"ErrorMessage,omitempty"`
	SuppressedBy SuppressType `json:"SuppressedBy,omitempty"`
}

// ResponseBase is the common trailer of every control response.
type ResponseBase struct {
	ErrorCode    ErrorCode    `json:"ErrorCode"`
	ErrorMessage string       `json:"ErrorMessage,omitempty"`
	AccessUsage  *AccessUsage `json:"AccessUsage,omitempty"`
}

// AccessUsage reports token quota state.
type AccessUsage struct {
	Traffic           Traffic `json:"Traffic"`
	MaxTraffic        int64   `json:"MaxTraffic"`
	ExpirationTime    string  `json:"ExpirationTime,omitempty"`
	MaxClientCount    int     `json:"MaxClientCount"`
	ActiveClientCount int     `json:"ActiveClientCount,omitempty"`
}

// HelloResponse carries the created session and server parameters.
// PacketCaptureIncludeIPRanges names the ranges the client's device should
// capture; it matches the tunneled IncludeIPRanges.
type HelloResponse struct {
	ResponseBase
	SessionID                    uint64       `json:"SessionId"`
	SessionKey                   []byte       `json:"SessionKey"`
	ServerSecret                 []byte       `json:"ServerSecret"`
	ServerProtocolVersion        int          `json:"ServerProtocolVersion"`
	ServerVersion                string       `json:"ServerVersion"`
	SuppressedTo                 SuppressType `json:"SuppressedTo,omitempty"`
	RequestTimeout               int          `json:"RequestTimeoutSeconds"`
	TCPReuseTimeout              int          `json:"TcpReuseTimeoutSeconds"`
	TCPEndPoints                 []IPEndPoint `json:"TcpEndPoints"`
	UDPEndPoints                 []IPEndPoint `json:"UdpEndPoints"`
	MaxDatagramChannelCount      int          `json:"MaxDatagramChannelCount"`
	IncludeIPRanges              []string     `json:"IncludeIpRanges,omitempty"`
	PacketCaptureIncludeIPRanges []string     `json:"PacketCaptureIncludeIpRanges,omitempty"`
	IsIPv6Supported              bool         `json:"IsIpV6Supported"`
	RedirectHostEndPoint         IPEndPoint   `json:"RedirectHostEndPoint,omitempty"`
}

// SessionResponse reports session status for channel requests.
type SessionResponse struct {
	ResponseBase
	SuppressedBy SuppressType `json:"SuppressedBy,omitempty"`
}

// WriteMessage writes one length-prefixed JSON control message.
func WriteMessage(writer io.Writer, message interface{}) error {

	payload, err := json.Marshal(message)
	if err != nil {
		return errors.Trace(err)
	}
	if len(payload) > MAX_MESSAGE_SIZE {
		return errors.Tracef("message size %d exceeds limit", len(payload))
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	copy(frame[4:], payload)

	_, err = writer.Write(frame)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// ReadMessage reads one length-prefixed JSON control message into message.
func ReadMessage(reader io.Reader, message interface{}) error {

	var sizeData [4]byte
	_, err := io.ReadFull(reader, sizeData[:])
	if err != nil {
		// Note: no trace error to preserve io.EOF
		return err
	}

	size := binary.BigEndian.Uint32(sizeData[:])
	if size == 0 || size > MAX_MESSAGE_SIZE {
		return errors.Tracef("invalid message size: %d", size)
	}

	payload := make([]byte, size)
	_, err = io.ReadFull(reader, payload)
	if err != nil {
		return errors.Trace(err)
	}

	err = json.Unmarshal(payload, message)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// ReadRawMessage reads one length-prefixed message and returns the raw JSON,
// for two-phase decoding of the request header followed by the full request.
func ReadRawMessage(reader io.Reader) ([]byte, error) {

	var sizeData [4]byte
	_, err := io.ReadFull(reader, sizeData[:])
	if err != nil {
		// Note: no trace error to preserve io.EOF
		return nil, err
	}

	size := binary.BigEndian.Uint32(sizeData[:])
	if size == 0 || size > MAX_MESSAGE_SIZE {
		return nil, errors.Tracef("invalid message size: %d", size)
	}

	payload := make([]byte, size)
	_, err = io.ReadFull(reader, payload)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return payload, nil
}
