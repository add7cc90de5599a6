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

package tunnel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/packet"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/protocol"
)

const (
	SEND_QUEUE_CAPACITY   = 100
	DATAGRAM_SEND_TIMEOUT = 100 * time.Second
	SPEED_UPDATE_PERIOD   = 2 * time.Second

	DEFAULT_MAX_DATAGRAM_CHANNEL_COUNT = 8

	// MTU_WITH_FRAGMENT_CLAMP is the absolute packet size limit. The
	// clamp is coarse; both MTUs are tunable via Config.
	MTU_WITH_FRAGMENT_CLAMP   = 8192
	DEFAULT_MTU_NO_FRAGMENT   = 1500
	DEFAULT_MTU_WITH_FRAGMENT = MTU_WITH_FRAGMENT_CLAMP
)

// discardLogger is the default when Config.Logger is unset.
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

// ErrTunnelCongested is returned when the send queue remains full for the
// full datagram send timeout.
var ErrTunnelCongested = errors.TraceNew("tunnel congested")

// ErrTunnelClosed is returned for operations on a closed Tunnel.
var ErrTunnelClosed = errors.TraceNew("tunnel closed")

// Config specifies a Tunnel.
type Config struct {
	Logger common.Logger

	// MaxDatagramChannelCount bounds the datagram channel set; adding a
	// channel beyond the bound removes the oldest.
	MaxDatagramChannelCount int

	// MtuNoFragment is the largest batch size sent without risking
	// fragmentation; a larger IPv4 packet with DF set is dropped and
	// answered with an ICMP packet-too-big reply.
	MtuNoFragment int

	// MtuWithFragment is the absolute maximum packet size; larger packets
	// are dropped with a logged warning.
	MtuWithFragment int

	// OnPacketsReceived receives tunneled packets after in-band control
	// messages are filtered out. It is never invoked after Close returns.
	OnPacketsReceived PacketHandler

	// OnMessageReceived, when set, receives in-band control message codes.
	OnMessageReceived func(code byte)
}

// Tunnel fans a session's outbound packets out over its datagram channels
// and fans inbound packets in to a single handler. Outbound packets pass
// through a bounded FIFO drained by one sender worker per datagram channel;
// ordering is preserved within a channel but not across channels.
type Tunnel struct {
	config Config

	runContext  context.Context
	stopRunning context.CancelFunc

	// packetsAvailable is a counting semaphore waking sender workers; the
	// capacity bound makes the unblock-all on close non-blocking.
	packetsAvailable chan struct{}

	mutex               sync.Mutex
	sendQueue           [][]byte
	packetSentSignal    chan struct{}
	datagramChannels    []DatagramChannel
	workerStopSignals   map[string]chan struct{}
	streamProxyChannels map[string]Channel
	removedTraffic      protocol.Traffic
	isClosed            bool

	closeMutex sync.RWMutex

	workerWaitGroup sync.WaitGroup

	speedSent     int64
	speedReceived int64
	lastActivity  int64
	lastTraffic   protocol.Traffic
}

// NewTunnel creates a Tunnel and starts its accounting worker.
func NewTunnel(config *Config) *Tunnel {

	if config.Logger == nil {
		config.Logger = discardLogger{}
	}
	if config.MaxDatagramChannelCount <= 0 {
		config.MaxDatagramChannelCount = DEFAULT_MAX_DATAGRAM_CHANNEL_COUNT
	}
	if config.MtuNoFragment <= 0 {
		config.MtuNoFragment = DEFAULT_MTU_NO_FRAGMENT
	}
	if config.MtuWithFragment <= 0 ||
		config.MtuWithFragment > MTU_WITH_FRAGMENT_CLAMP {
		config.MtuWithFragment = MTU_WITH_FRAGMENT_CLAMP
	}

	runContext, stopRunning := context.WithCancel(context.Background())

	tunnel := &Tunnel{
		config:      *config,
		runContext:  runContext,
		stopRunning: stopRunning,
		packetsAvailable: make(
			chan struct{}, config.MaxDatagramChannelCount*10+1),
		packetSentSignal:    make(chan struct{}),
		workerStopSignals:   make(map[string]chan struct{}),
		streamProxyChannels: make(map[string]Channel),
		lastActivity:        nowNano(),
	}

	tunnel.workerWaitGroup.Add(1)
	go tunnel.runAccounting()

	return tunnel
}

// SendPacket enqueues a single packet; see SendPackets.
func (tunnel *Tunnel) SendPacket(p []byte) error {
	return tunnel.SendPackets([][]byte{p})
}

// SendPackets enqueues packets for transmission over the datagram channels.
// When the queue is full, SendPackets blocks until sender workers make room
// or the datagram send timeout elapses, in which case ErrTunnelCongested is
// returned and the remaining packets are dropped.
func (tunnel *Tunnel) SendPackets(packets [][]byte) error {

	deadline := time.Now().Add(DATAGRAM_SEND_TIMEOUT)

	for _, p := range packets {
		for {
			tunnel.mutex.Lock()
			if tunnel.isClosed {
				tunnel.mutex.Unlock()
				return errors.Trace(ErrTunnelClosed)
			}
			if len(tunnel.sendQueue) < SEND_QUEUE_CAPACITY {
				tunnel.sendQueue = append(tunnel.sendQueue, p)
				permits := len(tunnel.datagramChannels)
				tunnel.mutex.Unlock()
				tunnel.signalPacketsAvailable(permits)
				break
			}
			packetSentSignal := tunnel.packetSentSignal
			tunnel.mutex.Unlock()

			remaining := time.Until(deadline)
			if remaining <= 0 {
				return errors.Trace(ErrTunnelCongested)
			}
			timer := time.NewTimer(remaining)
			select {
			case <-packetSentSignal:
				timer.Stop()
			case <-tunnel.runContext.Done():
				timer.Stop()
				return errors.Trace(ErrTunnelClosed)
			case <-timer.C:
				return errors.Trace(ErrTunnelCongested)
			}
		}
	}

	return nil
}

// signalPacketsAvailable releases up to permits sender workers. Signals
// beyond the channel capacity are dropped: waking workers drain the whole
// queue, so a dropped signal cannot strand packets.
func (tunnel *Tunnel) signalPacketsAvailable(permits int) {
	if permits < 1 {
		permits = 1
	}
	for i := 0; i < permits; i++ {
		select {
		case tunnel.packetsAvailable <- struct{}{}:
		default:
			return
		}
	}
}

// AddDatagramChannel adds a datagram channel and starts its sender worker.
// When the new channel's kind (UDP vs. stream) differs from the kind of the
// existing datagram channels, the existing channels are removed: the two
// kinds never coexist. When the channel count exceeds the maximum, the
// oldest channel is removed.
func (tunnel *Tunnel) AddDatagramChannel(channel DatagramChannel) error {

	tunnel.mutex.Lock()

	if tunnel.isClosed {
		tunnel.mutex.Unlock()
		return errors.Trace(ErrTunnelClosed)
	}

	var evicted []DatagramChannel

	for _, existing := range tunnel.datagramChannels {
		if existing.IsStream() != channel.IsStream() {
			evicted = append(evicted, tunnel.datagramChannels...)
			tunnel.datagramChannels = nil
			break
		}
	}

	tunnel.datagramChannels = append(tunnel.datagramChannels, channel)

	for len(tunnel.datagramChannels) > tunnel.config.MaxDatagramChannelCount {
		evicted = append(evicted, tunnel.datagramChannels[0])
		tunnel.datagramChannels = tunnel.datagramChannels[1:]
	}

	stopSignal := make(chan struct{})
	tunnel.workerStopSignals[channel.ChannelID()] = stopSignal

	tunnel.workerWaitGroup.Add(1)
	go tunnel.runSender(channel, stopSignal)

	queued := len(tunnel.sendQueue)

	tunnel.mutex.Unlock()

	for _, c := range evicted {
		tunnel.removeChannel(c)
	}

	channel.Start(tunnel.handleChannelPackets)

	if queued > 0 {
		tunnel.signalPacketsAvailable(1)
	}

	return nil
}

// AddStreamProxyChannel adds a TCP passthrough channel. Adding a duplicate
// channel id is an error.
func (tunnel *Tunnel) AddStreamProxyChannel(channel Channel) error {

	tunnel.mutex.Lock()
	defer tunnel.mutex.Unlock()

	if tunnel.isClosed {
		return errors.Trace(ErrTunnelClosed)
	}

	_, exists := tunnel.streamProxyChannels[channel.ChannelID()]
	if exists {
		return errors.Tracef(
			"duplicate stream proxy channel: %s", channel.ChannelID())
	}

	tunnel.streamProxyChannels[channel.ChannelID()] = channel

	return nil
}

// RemoveChannel removes a channel of either kind, closing it and folding
// its traffic into the tunnel totals. Removing an unknown channel has no
// effect beyond closing it.
func (tunnel *Tunnel) RemoveChannel(channel Channel) {
	tunnel.removeChannel(channel)
}

func (tunnel *Tunnel) removeChannel(channel Channel) {

	tunnel.mutex.Lock()

	removed := false

	for i, existing := range tunnel.datagramChannels {
		if existing.ChannelID() == channel.ChannelID() {
			tunnel.datagramChannels = append(
				tunnel.datagramChannels[:i], tunnel.datagramChannels[i+1:]...)
			removed = true
			break
		}
	}

	if !removed {
		_, removed = tunnel.streamProxyChannels[channel.ChannelID()]
		delete(tunnel.streamProxyChannels, channel.ChannelID())
	}

	if removed {
		tunnel.removedTraffic =
			tunnel.removedTraffic.Add(channel.Traffic())
	}

	stopSignal, ok := tunnel.workerStopSignals[channel.ChannelID()]
	if ok {
		delete(tunnel.workerStopSignals, channel.ChannelID())
		close(stopSignal)
	}

	tunnel.mutex.Unlock()

	channel.Close()
}

// runSender is the per-datagram-channel worker: it waits for queued
// packets, drains an MTU-bounded batch, and transmits it.
func (tunnel *Tunnel) runSender(
	channel DatagramChannel, stopSignal <-chan struct{}) {

	defer tunnel.workerWaitGroup.Done()

	for {
		select {
		case <-tunnel.runContext.Done():
			return
		case <-stopSignal:
			return
		case <-tunnel.packetsAvailable:
		}

		if !channel.IsConnected() {
			tunnel.removeChannel(channel)
			return
		}

		batch, tooBig := tunnel.dequeueBatch()

		// MTU discovery: a too-large don't-fragment packet produces exactly
		// one packet-too-big reply upstream and is not tunneled.
		for _, p := range tooBig {
			reply, err := packet.BuildPacketTooBig(p, tunnel.config.MtuNoFragment)
			if err != nil {
				tunnel.config.Logger.WithTraceFields(
					common.LogFields{"error": err}).Warning(
					"build packet-too-big reply failed")
				continue
			}
			tunnel.deliverPackets([][]byte{reply}, channel)
		}

		if len(batch) == 0 {
			continue
		}

		err := channel.SendPackets(batch)
		if err != nil {

			tunnel.config.Logger.WithTraceFields(
				common.LogFields{
					"channelID": channel.ChannelID(),
					"error":     err}).Warning("channel send failed")

			// Re-enqueue the batch so another channel can carry it. The
			// failed channel is removed when it reports disconnected.
			resendErr := tunnel.SendPackets(batch)
			if resendErr != nil {
				tunnel.config.Logger.WithTraceFields(
					common.LogFields{"error": resendErr}).Warning(
					"re-enqueue failed; packets dropped")
			}

			if !channel.IsConnected() {
				tunnel.removeChannel(channel)
				return
			}
			continue
		}

		// Let a sibling check for remaining queued packets.
		tunnel.signalPacketsAvailable(1)
	}
}

// dequeueBatch atomically drains packets from the send queue under the MTU
// rules:
//
//  1. a packet exceeding MtuWithFragment is dropped with a warning;
//  2. a don't-fragment packet exceeding MtuNoFragment is dropped and
//     returned in tooBig for an ICMP reply;
//  3. a packet exceeding MtuNoFragment is sent alone;
//  4. otherwise packets are appended while the cumulative size is below
//     MtuNoFragment.
func (tunnel *Tunnel) dequeueBatch() (batch [][]byte, tooBig [][]byte) {

	tunnel.mutex.Lock()

	batchSize := 0
	taken := 0

	for _, p := range tunnel.sendQueue {

		if len(p) > tunnel.config.MtuWithFragment {
			tunnel.config.Logger.WithTraceFields(
				common.LogFields{"size": len(p)}).Warning(
				"packet exceeds maximum MTU; dropped")
			taken++
			continue
		}

		if len(p) > tunnel.config.MtuNoFragment {

			if packet.Version(p) == 4 && packet.IsDontFragment(p) {
				tooBig = append(tooBig, p)
				taken++
				continue
			}

			// Oversized but fragmentable: send alone, flushing any batch
			// accumulated so far.
			if len(batch) == 0 {
				batch = append(batch, p)
				taken++
			}
			break
		}

		if len(batch) > 0 && batchSize+len(p) >= tunnel.config.MtuNoFragment {
			break
		}

		batch = append(batch, p)
		batchSize += len(p)
		taken++
	}

	if taken > 0 {
		tunnel.sendQueue = tunnel.sendQueue[taken:]
		close(tunnel.packetSentSignal)
		tunnel.packetSentSignal = make(chan struct{})
	}

	tunnel.mutex.Unlock()

	return batch, tooBig
}

// handleChannelPackets receives packets from a datagram channel, consumes
// in-band control messages, and raises the rest to the configured handler.
func (tunnel *Tunnel) handleChannelPackets(
	packets [][]byte, channel DatagramChannel) {

	var deliver [][]byte

	for _, p := range packets {
		code, isMessage := ParseDatagramMessage(p)
		if isMessage {
			if tunnel.config.OnMessageReceived != nil {
				tunnel.config.OnMessageReceived(code)
			}
			continue
		}
		deliver = append(deliver, p)
	}

	if len(deliver) > 0 {
		tunnel.deliverPackets(deliver, channel)
	}
}

// deliverPackets raises packets to the configured handler, unless the
// tunnel is closed. The read lock excludes Close, guaranteeing the handler
// is never invoked after Close returns.
func (tunnel *Tunnel) deliverPackets(
	packets [][]byte, channel DatagramChannel) {

	tunnel.closeMutex.RLock()
	defer tunnel.closeMutex.RUnlock()

	tunnel.mutex.Lock()
	closed := tunnel.isClosed
	tunnel.mutex.Unlock()

	if closed || tunnel.config.OnPacketsReceived == nil {
		return
	}

	tunnel.config.OnPacketsReceived(packets, channel)
}

// SendMessage transmits an in-band control message over one datagram
// channel.
func (tunnel *Tunnel) SendMessage(code byte) error {

	tunnel.mutex.Lock()
	if len(tunnel.datagramChannels) == 0 {
		tunnel.mutex.Unlock()
		return errors.TraceNew("no datagram channel")
	}
	channel := tunnel.datagramChannels[0]
	tunnel.mutex.Unlock()

	return errors.Trace(
		channel.SendPackets([][]byte{BuildDatagramMessage(code)}))
}

// runAccounting updates speed and last activity from traffic deltas.
func (tunnel *Tunnel) runAccounting() {
	defer tunnel.workerWaitGroup.Done()

	ticker := time.NewTicker(SPEED_UPDATE_PERIOD)
	defer ticker.Stop()

	for {
		select {
		case <-tunnel.runContext.Done():
			return
		case <-ticker.C:
		}

		traffic := tunnel.Traffic()
		delta := traffic.Sub(tunnel.lastTraffic)
		tunnel.lastTraffic = traffic

		seconds := SPEED_UPDATE_PERIOD.Seconds()
		atomic.StoreInt64(&tunnel.speedSent, int64(float64(delta.Sent)/seconds))
		atomic.StoreInt64(
			&tunnel.speedReceived, int64(float64(delta.Received)/seconds))

		if delta.Sent > 0 || delta.Received > 0 {
			atomic.StoreInt64(&tunnel.lastActivity, nowNano())
		}

		// Opportunistically drop channels which report disconnected, e.g.
		// stream datagram channels past their lifespan.
		tunnel.mutex.Lock()
		var disconnected []DatagramChannel
		for _, channel := range tunnel.datagramChannels {
			if !channel.IsConnected() {
				disconnected = append(disconnected, channel)
			}
		}
		tunnel.mutex.Unlock()
		for _, channel := range disconnected {
			tunnel.removeChannel(channel)
		}
	}
}

// Traffic returns cumulative bytes over all channels, live and removed.
// Both axes are monotonic non-decreasing.
func (tunnel *Tunnel) Traffic() protocol.Traffic {

	tunnel.mutex.Lock()
	defer tunnel.mutex.Unlock()

	traffic := tunnel.removedTraffic
	for _, channel := range tunnel.datagramChannels {
		traffic = traffic.Add(channel.Traffic())
	}
	for _, channel := range tunnel.streamProxyChannels {
		traffic = traffic.Add(channel.Traffic())
	}
	return traffic
}

// Speed returns the send/receive rates in bytes per second, averaged over
// the last accounting period.
func (tunnel *Tunnel) Speed() protocol.Traffic {
	return protocol.Traffic{
		Sent:     atomic.LoadInt64(&tunnel.speedSent),
		Received: atomic.LoadInt64(&tunnel.speedReceived),
	}
}

// LastActivity returns the last time traffic moved through the tunnel.
func (tunnel *Tunnel) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&tunnel.lastActivity))
}

// DatagramChannelCount returns the number of live datagram channels.
func (tunnel *Tunnel) DatagramChannelCount() int {
	tunnel.mutex.Lock()
	defer tunnel.mutex.Unlock()
	return len(tunnel.datagramChannels)
}

// HasStreamDatagramChannels indicates whether the datagram channel set is
// of the stream kind.
func (tunnel *Tunnel) HasStreamDatagramChannels() bool {
	tunnel.mutex.Lock()
	defer tunnel.mutex.Unlock()
	return len(tunnel.datagramChannels) > 0 &&
		tunnel.datagramChannels[0].IsStream()
}

// StreamProxyChannelCount returns the number of live stream proxy channels.
func (tunnel *Tunnel) StreamProxyChannelCount() int {
	tunnel.mutex.Lock()
	defer tunnel.mutex.Unlock()
	return len(tunnel.streamProxyChannels)
}

// Close shuts the tunnel down: all channels are closed, sender workers
// exit, and pending senders are unblocked. Close is idempotent. After Close
// returns, OnPacketsReceived is never invoked again.
func (tunnel *Tunnel) Close() {

	tunnel.mutex.Lock()
	if tunnel.isClosed {
		tunnel.mutex.Unlock()
		return
	}
	tunnel.isClosed = true

	var channels []Channel
	for _, channel := range tunnel.datagramChannels {
		channels = append(channels, channel)
	}
	for _, channel := range tunnel.streamProxyChannels {
		channels = append(channels, channel)
	}
	tunnel.datagramChannels = nil
	tunnel.streamProxyChannels = make(map[string]Channel)

	for _, stopSignal := range tunnel.workerStopSignals {
		close(stopSignal)
	}
	tunnel.workerStopSignals = make(map[string]chan struct{})

	// Unblock any SendPackets waiters.
	close(tunnel.packetSentSignal)
	tunnel.packetSentSignal = make(chan struct{})

	tunnel.mutex.Unlock()

	tunnel.stopRunning()

	for _, channel := range channels {
		channel.Close()
	}

	tunnel.workerWaitGroup.Wait()

	// Exclude any in-flight deliverPackets, so no handler runs after Close.
	tunnel.closeMutex.Lock()
	tunnel.closeMutex.Unlock()
}
