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

package udpproxy

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/packet"
)

// PoolEx is the port-efficient variant: one worker socket serves many
// flows. The constraint is per worker: each destination endpoint is mapped
// to at most one tunneled source, so a reply datagram's sender address
// identifies its tunneled source. A flow whose destination is already
// claimed by another source on every existing worker gets a new worker.
type PoolEx struct {
	config Config

	// flows caches (source, destination) -> worker assignments; entries
	// idle out together with the worker destination maps.
	flows *common.TimeoutMap

	mutex        sync.Mutex
	workers      []*worker
	remotesSeen  map[string]bool
	quotaReports *common.EventReporter

	closed int32
}

// NewPoolEx creates a port-efficient UDP proxy pool.
func NewPoolEx(config *Config) *PoolEx {

	config.setDefaults()

	pool := &PoolEx{
		config:      *config,
		flows:       common.NewTimeoutMap(config.IdleTimeout),
		remotesSeen: make(map[string]bool),
		quotaReports: common.NewEventReporter(
			config.Logger, "udp client quota exceeded", time.Minute),
	}

	return pool
}

type flowAssignment struct {
	worker *worker
}

// endpointKey builds a "host:port" key. net.JoinHostPort brackets IPv6
// addresses, so keys round-trip through net.SplitHostPort.
func endpointKey(ip string, port uint16) string {
	return net.JoinHostPort(ip, strconv.Itoa(int(port)))
}

func flowKey(flow packet.FlowID) string {
	return endpointKey(flow.SourceIP, flow.SourcePort) + "|" +
		endpointKey(flow.DestinationIP, flow.DestinationPort)
}

func destinationKey(flow packet.FlowID) string {
	return endpointKey(flow.DestinationIP, flow.DestinationPort)
}

// SendPacket forwards one tunneled UDP packet, assigning the flow to a
// worker under the destination uniqueness constraint.
func (pool *PoolEx) SendPacket(ipPacket []byte) error {

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

	w, isNewLocal, err := pool.assignWorker(flow)
	if err != nil {
		return errors.Trace(err)
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

func (pool *PoolEx) recordRemote(flow packet.FlowID) bool {
	remoteKey := destinationKey(flow)
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	if pool.remotesSeen[remoteKey] {
		return false
	}
	pool.remotesSeen[remoteKey] = true
	return true
}

// assignWorker returns the worker carrying the flow, reusing the cached
// assignment, then the first worker whose destination map permits the
// flow, then a new worker.
func (pool *PoolEx) assignWorker(
	flow packet.FlowID) (*worker, bool, error) {

	key := flowKey(flow)

	value, ok := pool.flows.Get(key)
	if ok {
		return value.(*flowAssignment).worker, false, nil
	}

	sourceKey := endpointKey(flow.SourceIP, flow.SourcePort)
	destKey := destinationKey(flow)

	pool.mutex.Lock()

	for _, w := range pool.workers {
		if atomic.LoadInt32(&w.isClosed) == 1 {
			continue
		}
		claimed, ok := w.destinationSources.Get(destKey)
		if ok && claimed.(string) != sourceKey {
			// Another tunneled source owns this destination on this
			// worker; a reply could not be routed.
			continue
		}
		w.destinationSources.Set(destKey, sourceKey)
		pool.mutex.Unlock()

		pool.flows.Set(key, &flowAssignment{worker: w})
		return w, false, nil
	}

	if pool.config.MaxLocalEndpoints > 0 &&
		len(pool.workers) >= pool.config.MaxLocalEndpoints {
		pool.mutex.Unlock()
		pool.quotaReports.Raise(common.LogFields{
			"source": sourceKey,
			"limit":  pool.config.MaxLocalEndpoints,
		})
		return nil, false, errors.Trace(ErrClientQuota)
	}

	conn, err := pool.config.ListenPacket()
	if err != nil {
		pool.mutex.Unlock()
		return nil, false, errors.Trace(err)
	}

	w := &worker{
		conn:               conn,
		destinationSources: common.NewTimeoutMap(pool.config.IdleTimeout),
	}
	w.destinationSources.Set(destKey, sourceKey)
	pool.workers = append(pool.workers, w)

	pool.mutex.Unlock()

	pool.flows.Set(key, &flowAssignment{worker: w})

	go pool.runReceiver(w)

	return w, true, nil
}

// runReceiver routes reply datagrams via the worker's destination map: the
// sender address names the destination, which names the tunneled source.
func (pool *PoolEx) runReceiver(w *worker) {

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

		remoteKey := endpointKey(
			remoteUDPAddr.IP.String(), uint16(remoteUDPAddr.Port))
		value, ok := w.destinationSources.Get(remoteKey)
		if !ok {
			// Unsolicited datagram or expired mapping.
			continue
		}

		sourceIP, sourcePort, ok := splitEndpointKey(value.(string))
		if !ok {
			continue
		}

		reply, err := packet.BuildUDPPacket(
			remoteUDPAddr,
			&net.UDPAddr{IP: sourceIP, Port: sourcePort},
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

func splitEndpointKey(key string) (net.IP, int, bool) {
	host, port, err := net.SplitHostPort(key)
	if err != nil {
		return nil, 0, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, false
	}
	portNumber, err := strconv.Atoi(port)
	if err != nil {
		return nil, 0, false
	}
	return ip, portNumber, true
}

// WorkerCount returns the live worker socket count.
func (pool *PoolEx) WorkerCount() int {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	count := 0
	for _, w := range pool.workers {
		if atomic.LoadInt32(&w.isClosed) == 0 {
			count++
		}
	}
	return count
}

// Close closes all worker sockets. Close is idempotent.
func (pool *PoolEx) Close() {
	if !atomic.CompareAndSwapInt32(&pool.closed, 0, 1) {
		return
	}
	pool.mutex.Lock()
	workers := pool.workers
	pool.workers = nil
	pool.mutex.Unlock()
	for _, w := range workers {
		w.close()
	}
	pool.flows.Flush()
	pool.quotaReports.Flush()
}
