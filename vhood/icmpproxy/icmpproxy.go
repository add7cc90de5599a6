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

Package icmpproxy forwards tunneled ICMP echo requests to the Internet
using datagram ping sockets and wraps echo replies back into IP packets
addressed to the tunneled source.

Ping sockets assign their own echo id per socket, so one socket cannot
multiplex several tunneled echo flows; the pool keeps one pinger per
(source, echo id, destination), expiring idle pingers.

*/
package icmpproxy

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/packet"
)

const (
	DEFAULT_IDLE_TIMEOUT = 120 * time.Second
	DEFAULT_MAX_PINGERS  = 64

	maxReplySize = 0xFFFF
)

// ErrPingerQuota is returned when the pool has reached its pinger quota.
var ErrPingerQuota = errors.TraceNew("icmp pinger quota exceeded")

// PacketReceiver accepts echo reply packets, wrapped as IP packets
// addressed to the tunneled source.
type PacketReceiver func(ipPacket []byte)

// Config specifies a Pool.
type Config struct {
	Logger common.Logger

	// MaxPingers bounds concurrent pinger sockets; 0 applies the default
	// and a negative value disables the bound.
	MaxPingers int

	IdleTimeout time.Duration

	OnPacketReceived PacketReceiver
}

// Pool proxies tunneled ICMP echo traffic.
type Pool struct {
	config Config

	pingers *common.TimeoutMap

	mutex       sync.Mutex
	pingerCount int

	closed int32
}

// NewPool creates an ICMP proxy pool.
func NewPool(config *Config) *Pool {

	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DEFAULT_IDLE_TIMEOUT
	}
	if config.MaxPingers == 0 {
		config.MaxPingers = DEFAULT_MAX_PINGERS
	}

	pool := &Pool{
		config:  *config,
		pingers: common.NewTimeoutMap(config.IdleTimeout),
	}

	pool.pingers.OnEvicted(func(_ string, value interface{}) {
		value.(*pinger).close()
		pool.mutex.Lock()
		pool.pingerCount--
		pool.mutex.Unlock()
	})

	return pool
}

type pinger struct {
	conn net.PacketConn

	version  int
	sourceIP net.IP
	echoID   uint16

	isClosed  int32
	closeOnce sync.Once
}

func (p *pinger) close() {
	p.closeOnce.Do(func() {
		atomic.StoreInt32(&p.isClosed, 1)
		p.conn.Close()
	})
}

// SendPacket forwards one tunneled ICMP echo request.
func (pool *Pool) SendPacket(ipPacket []byte) error {

	if atomic.LoadInt32(&pool.closed) == 1 {
		return errors.TraceNew("pool closed")
	}

	_, isRequest, ok := packet.IsICMPEcho(ipPacket)
	if !ok || !isRequest {
		return errors.TraceNew("not an ICMP echo request")
	}

	flow, err := packet.ParseFlowID(ipPacket)
	if err != nil {
		return errors.Trace(err)
	}

	// For echo packets the flow ports carry the echo id.
	echoID := flow.SourcePort

	message, err := parseEchoRequest(ipPacket)
	if err != nil {
		return errors.Trace(err)
	}
	echo := message.Body.(*icmp.Echo)

	key := fmt.Sprintf(
		"%d|%s|%d|%s", flow.Version, flow.SourceIP, echoID,
		flow.DestinationIP)

	var p *pinger
	value, ok := pool.pingers.Get(key)
	if ok {
		p = value.(*pinger)
	} else {
		pool.mutex.Lock()
		if pool.config.MaxPingers > 0 &&
			pool.pingerCount >= pool.config.MaxPingers {
			pool.mutex.Unlock()
			return errors.Trace(ErrPingerQuota)
		}
		pool.pingerCount++
		pool.mutex.Unlock()

		p, err = pool.newPinger(flow.Version, flow.SourceIP, echoID)
		if err != nil {
			pool.mutex.Lock()
			pool.pingerCount--
			pool.mutex.Unlock()
			return errors.Trace(err)
		}
		pool.pingers.Set(key, p)
	}

	destination := &net.UDPAddr{IP: net.ParseIP(flow.DestinationIP)}

	// The kernel rewrites the echo id for datagram ping sockets; the
	// pinger restores the tunneled id on replies.
	request := icmp.Message{Body: echo}
	if flow.Version == 4 {
		request.Type = ipv4.ICMPTypeEcho
	} else {
		request.Type = ipv6.ICMPTypeEchoRequest
	}

	wire, err := request.Marshal(nil)
	if err != nil {
		return errors.Trace(err)
	}

	_, err = p.conn.WriteTo(wire, destination)
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

func parseEchoRequest(ipPacket []byte) (*icmp.Message, error) {

	version := packet.Version(ipPacket)

	var headerLength int
	var proto int
	if version == 4 {
		headerLength = 20
		proto = packet.ProtocolICMP
	} else {
		headerLength = 40
		proto = packet.ProtocolICMPv6
	}
	if len(ipPacket) < headerLength {
		return nil, errors.TraceNew("packet too short")
	}

	message, err := icmp.ParseMessage(proto, ipPacket[headerLength:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	_, ok := message.Body.(*icmp.Echo)
	if !ok {
		return nil, errors.TraceNew("not an echo message")
	}
	return message, nil
}

func (pool *Pool) newPinger(
	version int, sourceIP string, echoID uint16) (*pinger, error) {

	var conn *icmp.PacketConn
	var err error
	if version == 4 {
		conn, err = icmp.ListenPacket("udp4", "0.0.0.0")
	} else {
		conn, err = icmp.ListenPacket("udp6", "::")
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	p := &pinger{
		conn:     conn,
		version:  version,
		sourceIP: net.ParseIP(sourceIP),
		echoID:   echoID,
	}

	go pool.runReceiver(p)

	return p, nil
}

// runReceiver wraps echo replies back to the tunneled source, restoring
// the tunneled echo id.
func (pool *Pool) runReceiver(p *pinger) {

	buffer := make([]byte, maxReplySize)

	proto := packet.ProtocolICMP
	if p.version == 6 {
		proto = packet.ProtocolICMPv6
	}

	for {
		n, remoteAddr, err := p.conn.ReadFrom(buffer)
		if err != nil {
			p.close()
			return
		}

		message, err := icmp.ParseMessage(proto, buffer[:n])
		if err != nil {
			continue
		}
		echo, ok := message.Body.(*icmp.Echo)
		if !ok {
			continue
		}
		if message.Type != ipv4.ICMPTypeEchoReply &&
			message.Type != ipv6.ICMPTypeEchoReply {
			continue
		}

		remoteIP := remoteAddr.(*net.UDPAddr).IP

		reply, err := packet.BuildICMPEchoReply(
			remoteIP, p.sourceIP, p.echoID, uint16(echo.Seq), echo.Data)
		if err != nil {
			if pool.config.Logger != nil {
				pool.config.Logger.WithTraceFields(
					common.LogFields{"error": err}).Warning(
					"wrap echo reply failed")
			}
			continue
		}

		if atomic.LoadInt32(&pool.closed) == 0 &&
			pool.config.OnPacketReceived != nil {
			pool.config.OnPacketReceived(reply)
		}
	}
}

// PingerCount returns the live pinger socket count.
func (pool *Pool) PingerCount() int {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	return pool.pingerCount
}

// Close closes all pinger sockets. Close is idempotent.
func (pool *Pool) Close() {
	if !atomic.CompareAndSwapInt32(&pool.closed, 0, 1) {
		return
	}
	pool.pingers.Range(func(_ string, value interface{}) bool {
		value.(*pinger).close()
		return true
	})
	pool.pingers.Flush()
}
