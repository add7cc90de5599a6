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
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
)

const (
	SERVER_PROTOCOL_VERSION = 2

	SERVER_CONFIG_FILENAME = "vhoodd.config"

	DEFAULT_REQUEST_TIMEOUT          = 30 * time.Second
	DEFAULT_TCP_REUSE_TIMEOUT        = 40 * time.Second
	DEFAULT_TCP_CONNECT_TIMEOUT      = 30 * time.Second
	DEFAULT_TCP_GRACEFUL_TIMEOUT     = 15 * time.Second
	DEFAULT_SESSION_IDLE_TIMEOUT     = 60 * time.Minute
	DEFAULT_SYNC_INTERVAL            = 60 * time.Second
	DEFAULT_SYNC_CACHE_SIZE          = 100 * 1024 * 1024
	DEFAULT_MAX_TCP_CHANNEL_COUNT    = 1000
	DEFAULT_MAX_TCP_CONNECT_WAIT     = 500
	DEFAULT_MAX_DATAGRAM_CHANNELS    = 8
	DEFAULT_NET_SCAN_LIMIT           = 300
	DEFAULT_NET_SCAN_WINDOW          = 5 * time.Minute
	DEFAULT_UDP_PROXY_IDLE_TIMEOUT   = 120 * time.Second
	DEFAULT_MAX_UDP_LOCAL_ENDPOINTS  = 256
	DEFAULT_SESSION_CLEANUP_INTERVAL = 10 * time.Second
)

// Config specifies the configuration and behavior of a vhood server.
type Config struct {

	// LogLevel specifies the log level. Valid values are:
	// panic, fatal, error, warn, info, debug
	LogLevel string

	// LogFilename specifies the path of the file to log to. When blank,
	// logs are written to stderr.
	LogFilename string

	// ServerIPAddress is the public IP address of the server, announced
	// to clients in Hello responses.
	ServerIPAddress string

	// TCPPorts are the listening ports for TLS control connections,
	// stream datagram channels, and stream proxy channels.
	TCPPorts []int

	// UDPPort is the listening port for UDP channel datagrams. When <= 0,
	// UDP channels are disabled.
	UDPPort int

	// TLSCertificate and TLSPrivateKey are the PEM-encoded server
	// certificate presented on the TCP listeners. When blank, the
	// file-backed access manager's certificate store is used.
	TLSCertificate string
	TLSPrivateKey  string

	// AccessManagerURL is the base URL of an HTTP access manager. When
	// blank, the file-backed access manager rooted at StoragePath is
	// used.
	AccessManagerURL string

	// AccessManagerKey authenticates this server to the HTTP access
	// manager.
	AccessManagerKey string

	// StoragePath is the working directory for the file-backed access
	// manager and server state. Defaults to "storage" under the current
	// directory.
	StoragePath string

	// IsIPv6Supported announces IPv6 capability to clients.
	IsIPv6Supported bool

	// MaxDatagramChannelCount is announced to clients and bounds each
	// session's tunnel.
	MaxDatagramChannelCount int

	// MaxTCPChannelCount bounds concurrent stream proxy channels per
	// session.
	MaxTCPChannelCount int

	// MaxTCPConnectWaitCount bounds concurrent pending outbound connects
	// per session.
	MaxTCPConnectWaitCount int

	// MaxUDPLocalEndpoints bounds per-session UDP proxy worker sockets.
	MaxUDPLocalEndpoints int

	// IncludeIPRanges and ExcludeIPRanges restrict the destinations
	// sessions may reach, in CIDR form. Empty IncludeIPRanges allows all.
	// Local network ranges are always blocked. IncludeIPRanges is also
	// announced to clients as the tunneled address space.
	IncludeIPRanges []string
	ExcludeIPRanges []string

	// NetScanLimit is the maximum distinct remote endpoints a session may
	// contact within NetScanWindowSeconds before flows are rejected with
	// the NetScan error code. 0 disables detection.
	NetScanLimit         int
	NetScanWindowSeconds int

	// TCPConnectTimeoutSeconds bounds outbound connects for stream proxy
	// channels.
	TCPConnectTimeoutSeconds int

	// TCPBufferSize, when > 0, is applied to kernel send/receive buffers
	// of stream proxy destination sockets.
	TCPBufferSize int

	// RequestTimeoutSeconds and TCPReuseTimeoutSeconds are announced to
	// clients in Hello responses.
	RequestTimeoutSeconds  int
	TCPReuseTimeoutSeconds int

	// SessionIdleTimeoutSeconds disposes sessions with no traffic.
	SessionIdleTimeoutSeconds int

	// SyncIntervalSeconds drives periodic usage sync to the access
	// manager; SyncCacheSize forces an early sync once unsynced traffic
	// exceeds it.
	SyncIntervalSeconds int
	SyncCacheSize       int64

	// UDPProxyIdleTimeoutSeconds expires idle UDP proxy flows.
	UDPProxyIdleTimeoutSeconds int
}

// RequestTimeout returns the configured or default request timeout.
func (config *Config) RequestTimeout() time.Duration {
	return durationOrDefault(
		config.RequestTimeoutSeconds, DEFAULT_REQUEST_TIMEOUT)
}

// TCPReuseTimeout returns the configured or default TCP reuse timeout.
func (config *Config) TCPReuseTimeout() time.Duration {
	return durationOrDefault(
		config.TCPReuseTimeoutSeconds, DEFAULT_TCP_REUSE_TIMEOUT)
}

// TCPConnectTimeout returns the configured or default outbound connect
// timeout.
func (config *Config) TCPConnectTimeout() time.Duration {
	return durationOrDefault(
		config.TCPConnectTimeoutSeconds, DEFAULT_TCP_CONNECT_TIMEOUT)
}

// SessionIdleTimeout returns the configured or default session idle
// timeout.
func (config *Config) SessionIdleTimeout() time.Duration {
	return durationOrDefault(
		config.SessionIdleTimeoutSeconds, DEFAULT_SESSION_IDLE_TIMEOUT)
}

// SyncInterval returns the configured or default usage sync interval.
func (config *Config) SyncInterval() time.Duration {
	return durationOrDefault(
		config.SyncIntervalSeconds, DEFAULT_SYNC_INTERVAL)
}

// UDPProxyIdleTimeout returns the configured or default UDP proxy idle
// timeout.
func (config *Config) UDPProxyIdleTimeout() time.Duration {
	return durationOrDefault(
		config.UDPProxyIdleTimeoutSeconds, DEFAULT_UDP_PROXY_IDLE_TIMEOUT)
}

// NetScanWindow returns the configured or default net scan window.
func (config *Config) NetScanWindow() time.Duration {
	return durationOrDefault(
		config.NetScanWindowSeconds, DEFAULT_NET_SCAN_WINDOW)
}

func durationOrDefault(
	seconds int, defaultValue time.Duration) time.Duration {
	if seconds <= 0 {
		return defaultValue
	}
	return time.Duration(seconds) * time.Second
}

// TCPEndPoints returns the announced "host:port" TCP endpoints.
func (config *Config) TCPEndPoints() []string {
	endpoints := make([]string, 0, len(config.TCPPorts))
	for _, port := range config.TCPPorts {
		endpoints = append(endpoints, net.JoinHostPort(
			config.ServerIPAddress, strconv.Itoa(port)))
	}
	return endpoints
}

// UDPEndPoints returns the announced "host:port" UDP endpoints.
func (config *Config) UDPEndPoints() []string {
	if config.UDPPort <= 0 {
		return nil
	}
	return []string{net.JoinHostPort(
		config.ServerIPAddress, strconv.Itoa(config.UDPPort))}
}

// LoadConfig loads and validates a JSON encoded server config.
func LoadConfig(configJSON []byte) (*Config, error) {

	var config Config
	err := json.Unmarshal(configJSON, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if config.ServerIPAddress == "" {
		return nil, errors.TraceNew("ServerIPAddress is required")
	}
	if net.ParseIP(config.ServerIPAddress) == nil {
		return nil, errors.TraceNew("ServerIPAddress is invalid")
	}

	if len(config.TCPPorts) == 0 {
		return nil, errors.TraceNew("at least one TCP port is required")
	}
	for _, port := range config.TCPPorts {
		if port <= 0 || port > 65535 {
			return nil, errors.Tracef("invalid TCP port: %d", port)
		}
	}
	if config.UDPPort > 65535 {
		return nil, errors.Tracef("invalid UDP port: %d", config.UDPPort)
	}

	if (config.TLSCertificate == "") != (config.TLSPrivateKey == "") {
		return nil, errors.TraceNew(
			"TLSCertificate and TLSPrivateKey must be set together")
	}

	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.StoragePath == "" {
		config.StoragePath = "storage"
	}
	if config.MaxDatagramChannelCount <= 0 {
		config.MaxDatagramChannelCount = DEFAULT_MAX_DATAGRAM_CHANNELS
	}
	if config.MaxTCPChannelCount <= 0 {
		config.MaxTCPChannelCount = DEFAULT_MAX_TCP_CHANNEL_COUNT
	}
	if config.MaxTCPConnectWaitCount <= 0 {
		config.MaxTCPConnectWaitCount = DEFAULT_MAX_TCP_CONNECT_WAIT
	}
	if config.MaxUDPLocalEndpoints == 0 {
		config.MaxUDPLocalEndpoints = DEFAULT_MAX_UDP_LOCAL_ENDPOINTS
	}
	if config.NetScanLimit < 0 {
		config.NetScanLimit = 0
	}
	if config.SyncCacheSize <= 0 {
		config.SyncCacheSize = DEFAULT_SYNC_CACHE_SIZE
	}

	return &config, nil
}

// GenerateConfigParams specify parameters for GenerateConfig.
type GenerateConfigParams struct {
	ServerIPAddress string
	TCPPorts        []int
	UDPPort         int
	StoragePath     string
}

// GenerateConfig creates a new server config with defaults suitable for a
// self-hosted server using the file-backed access manager. Keys,
// certificates, and an initial token are created on first start, not here.
func GenerateConfig(params *GenerateConfigParams) ([]byte, error) {

	if params.ServerIPAddress == "" {
		return nil, errors.TraceNew("ServerIPAddress is required")
	}
	tcpPorts := params.TCPPorts
	if len(tcpPorts) == 0 {
		tcpPorts = []int{443}
	}

	config := &Config{
		LogLevel:        "info",
		ServerIPAddress: params.ServerIPAddress,
		TCPPorts:        tcpPorts,
		UDPPort:         params.UDPPort,
		StoragePath:     params.StoragePath,
	}

	configJSON, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		return nil, errors.Trace(err)
	}
	return configJSON, nil
}
