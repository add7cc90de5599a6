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

Package udpproxy forwards tunneled UDP packets to the Internet and wraps
reply datagrams back into IP packets addressed to the tunneled source.

Two pool variants share the SendPacket interface. Pool allocates one local
socket per tunneled source endpoint, up to a quota. PoolEx is
port-efficient: one local socket serves many destinations, constrained so
no destination is mapped to two different tunneled sources, which keeps the
reply path unambiguous.

*/
package udpproxy

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/packet"
)

const (
	DEFAULT_IDLE_TIMEOUT        = 120 * time.Second
	DEFAULT_MAX_LOCAL_ENDPOINTS = 256

	maxDatagramSize = 0xFFFF
)

// ErrClientQuota is returned when a pool has reached its local endpoint
// quota; the session surfaces it as the UdpClientQuota error code.
var ErrClientQuota = errors.TraceNew("udp client quota exceeded")

// PacketReceiver accepts reply packets, already wrapped as IP packets
// addressed to the tunneled source.
type PacketReceiver func(ipPacket []byte)

// EndpointReporter observes flows for logging and net-scan enforcement.
// isNewRemote fires once per distinct destination, isNewLocal once per
// created worker socket.
type EndpointReporter func(
	flow packet.FlowID, isNewLocal, isNewRemote bool)

// Config specifies either pool variant.
type Config struct {
	Logger common.Logger

	// MaxLocalEndpoints bounds worker sockets; 0 applies the default and
	// a negative value disables the bound.
	MaxLocalEndpoints int

	IdleTimeout time.Duration

	OnPacketReceived PacketReceiver
	OnEndpoint       EndpointReporter

	// ListenPacket is indirected for tests; nil uses net.ListenPacket.
	ListenPacket func() (net.PacketConn, error)
}

func (config *Config) setDefaults() {
	if config.Logger == nil {
		config.Logger = discardLogger{}
	}
	if config.MaxLocalEndpoints == 0 {
		config.MaxLocalEndpoints = DEFAULT_MAX_LOCAL_ENDPOINTS
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DEFAULT_IDLE_TIMEOUT
	}
	if config.ListenPacket == nil {
		config.ListenPacket = func() (net.PacketConn, error) {
			return net.ListenPacket("udp", ":0")
		}
	}
}

type discardLogger struct{}

func (discardLogger) WithTrace() common.LogTrace { return discardLogTrace{} }
func (discardLogger) WithTraceFields(common.LogFields) common.LogTrace {
	return discardLogTrace{}
}
func (discardLogger) LogMetric(string, common.LogFields) {}

type discardLogTrace struct{}

func (discardLogTrace) Debug(...interface{})   {}
func (discardLogTrace) Info(...interface{})    {}
func (discardLogTrace) Warning(...interface{}) {}
func (discardLogTrace) Error(...interface{})   {}

// worker is one local socket relaying datagrams for tunneled flows.
type worker struct {
	conn       net.PacketConn
	sourceIP   net.IP
	sourcePort uint16

	// destinationSources is only used by PoolEx: destination endpoint ->
	// source key. Nil in the simple pool.
	destinationSources *common.TimeoutMap

	sentDatagrams     int64
	receivedDatagrams int64

	isClosed  int32
	closeOnce sync.Once
}

func (w *worker) close() {
	w.closeOnce.Do(func() {
		atomic.StoreInt32(&w.isClosed, 1)
		w.conn.Close()
	})
}

// Pool is the simple variant: one worker socket per tunneled source
// endpoint.
type Pool struct {
	config Config

	workers *common.TimeoutMap

	mutex        sync.Mutex
	workerCount  int
	remotesSeen  map[string]bool
	quotaReports *common.EventReporter

	closed int32
}

// NewPool creates a simple UDP proxy pool.
func NewPool(config *Config) *Pool {

	config.setDefaults()

	pool := &Pool{
		config:      *config,
		workers:     common.NewTimeoutMap(config.IdleTimeout),
		remotesSeen: make(map[string]bool),
		quotaReports: common.NewEventReporter(
			config.Logger, "udp client quota exceeded", time.Minute),
	}

	pool.workers.OnEvicted(func(_ string, value interface{}) {
		w := value.(*worker)
		w.close()
		pool.mutex.Lock()
		pool.workerCount--
		pool.mutex.Unlock()
	})

	return pool
}

// SendPacket forwards one tunneled UDP packet. A worker socket is selected
// or created for the packet's source endpoint; the payload is sent to the
// packet's destination.
func (pool *Pool) SendPacket(ipPacket []byte) error {

	if atomic.LoadInt32(&pool.closed) == 1 {
		return errors.TraceNew("pool closed")
	}

	flow, err := packet.ParseFlowID(ipPacket)
	if err != nil {
		return errors.Trace(err)
	}
	if flow.Protocol != packet.ProtocolUDP {
		return errors.TraceNew("not a UDP packet")
	}

	payload, ok := packet.UDPPayload(ipPacket)
	if !ok {
		return errors.TraceNew("invalid UDP packet")
	}

	sourceKey := fmt.Sprintf("%s:%d", flow.SourceIP, flow.SourcePort)

	isNewLocal := false

	value, ok := pool.workers.Get(sourceKey)
	var w *worker
	if ok {
		w = value.(*worker)
	} else {
		pool.mutex.Lock()
		if pool.config.MaxLocalEndpoints > 0 &&
			pool.workerCount >= pool.config.MaxLocalEndpoints {
			pool.mutex.Unlock()
			pool.quotaReports.Raise(common.LogFields{
				"source": sourceKey,
				"limit":  pool.config.MaxLocalEndpoints,
			})
			return errors.Trace(ErrClientQuota)
		}
		pool.workerCount++
		pool.mutex.Unlock()

		w, err = pool.newWorker(flow)
		if err != nil {
			pool.mutex.Lock()
			pool.workerCount--
			pool.mutex.Unlock()
			return errors.Trace(err)
		}
		pool.workers.Set(sourceKey, w)
		isNewLocal = true
	}

	isNewRemote := pool.recordRemote(flow)

	if pool.config.OnEndpoint != nil && (isNewLocal || isNewRemote) {
		pool.config.OnEndpoint(flow, isNewLocal, isNewRemote)
	}

	destination := &net.UDPAddr{
		IP:   net.ParseIP(flow.DestinationIP),
		Port: int(flow.DestinationPort),
	}

	setDontFragment(w.conn, packet.IsDontFragment(ipPacket))

	_, err = w.conn.WriteTo(payload, destination)
	if err != nil {
		return errors.Trace(err)
	}
	atomic.AddInt64(&w.sentDatagrams, 1)

	return nil
}

func (pool *Pool) recordRemote(flow packet.FlowID) bool {
	remoteKey := fmt.Sprintf(
		"%s:%d", flow.DestinationIP, flow.DestinationPort)
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	if pool.remotesSeen[remoteKey] {
		return false
	}
	pool.remotesSeen[remoteKey] = true
	return true
}

func (pool *Pool) newWorker(flow packet.FlowID) (*worker, error) {

	conn, err := pool.config.ListenPacket()
	if err != nil {
		return nil, errors.Trace(err)
	}

	w := &worker{
		conn:       conn,
		sourceIP:   net.ParseIP(flow.SourceIP),
		sourcePort: flow.SourcePort,
	}

	go pool.runReceiver(w)

	return w, nil
}

// runReceiver relays reply datagrams back to the tunneled source, wrapping
// each as a full IP packet.
func (pool *Pool) runReceiver(w *worker) {

	buffer := make([]byte, maxDatagramSize)

	for {
		n, remoteAddr, err := w.conn.ReadFrom(buffer)
		if err != nil {
			w.close()
			return
		}

		remoteUDPAddr, ok := remoteAddr.(*net.UDPAddr)
		if !ok {
			continue
		}

		reply, err := packet.BuildUDPPacket(
			remoteUDPAddr,
			&net.UDPAddr{IP: w.sourceIP, Port: int(w.sourcePort)},
			buffer[:n])
		if err != nil {
			pool.config.Logger.WithTraceFields(
				common.LogFields{"error": err}).Warning(
				"wrap reply packet failed")
			continue
		}

		atomic.AddInt64(&w.receivedDatagrams, 1)

		if atomic.LoadInt32(&pool.closed) == 0 &&
			pool.config.OnPacketReceived != nil {
			pool.config.OnPacketReceived(reply)
		}
	}
}

// WorkerCount returns the live worker socket count.
func (pool *Pool) WorkerCount() int {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	return pool.workerCount
}

// Close closes all worker sockets. Close is idempotent.
func (pool *Pool) Close() {
	if !atomic.CompareAndSwapInt32(&pool.closed, 0, 1) {
		return
	}
	pool.workers.Range(func(_ string, value interface{}) bool {
		value.(*worker).close()
		return true
	})
	pool.workers.Flush()
	pool.quotaReports.Flush()
}
