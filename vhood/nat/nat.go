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

Package nat maintains flow-to-id mappings for packet rewriting. A Table
assigns each tracked flow a 16-bit nat id, unique within its (IP version,
transport protocol) bucket; the id is written into rewritten packets as the
source port (or ICMP echo id) and resolved back to the original flow when
replies return. Idle mappings expire.

*/
package nat

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
	"github.com/vhood-net/vhood-tunnel-core/vhood/common/packet"
)

const DEFAULT_IDLE_TIMEOUT = 10 * time.Minute

func randUint16() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

// Item is one tracked flow.
type Item struct {
	ID   uint16
	Flow packet.FlowID

	// Tag carries caller state, e.g. the owning session.
	Tag interface{}
}

type bucketKey struct {
	version  int
	protocol int
}

type reverseKey struct {
	version  int
	protocol int
	id       uint16
}

// Table tracks flows and allocates nat ids.
//
// With destinationSensitive set, flows to distinct destinations from the
// same source endpoint map to distinct items; otherwise the destination is
// ignored and one item covers the source endpoint.
type Table struct {
	destinationSensitive bool

	items *common.TimeoutMap

	mutex   sync.Mutex
	reverse map[reverseKey]*Item
	lastIDs map[bucketKey]uint16

	// randUint16 is indirected for tests.
	randUint16 func() uint16
}

// NewTable creates a Table whose mappings expire after idleTimeout of
// disuse.
func NewTable(destinationSensitive bool, idleTimeout time.Duration) *Table {

	if idleTimeout <= 0 {
		idleTimeout = DEFAULT_IDLE_TIMEOUT
	}

	table := &Table{
		destinationSensitive: destinationSensitive,
		items:                common.NewTimeoutMap(idleTimeout),
		reverse:              make(map[reverseKey]*Item),
		lastIDs:              make(map[bucketKey]uint16),
		randUint16:           randUint16,
	}

	table.items.OnEvicted(func(_ string, value interface{}) {
		item := value.(*Item)
		table.mutex.Lock()
		key := reverseKey{item.Flow.Version, item.Flow.Protocol, item.ID}
		// The id may have been reused after an explicit delete; only drop
		// the reverse entry when it still points at this item.
		if table.reverse[key] == item {
			delete(table.reverse, key)
		}
		table.mutex.Unlock()
	})

	return table
}

func (table *Table) forwardKey(flow packet.FlowID) string {
	if table.destinationSensitive {
		return fmt.Sprintf(
			"%d:%d:%s:%d:%s:%d",
			flow.Version, flow.Protocol,
			flow.SourceIP, flow.SourcePort,
			flow.DestinationIP, flow.DestinationPort)
	}
	return fmt.Sprintf(
		"%d:%d:%s:%d",
		flow.Version, flow.Protocol, flow.SourceIP, flow.SourcePort)
}

// GetOrAdd returns the item tracking the packet's flow, creating it when
// absent. The lookup refreshes the mapping's idle expiry.
func (table *Table) GetOrAdd(p []byte) (*Item, error) {

	flow, err := packet.ParseFlowID(p)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return table.GetOrAddFlow(flow)
}

// GetOrAddFlow is GetOrAdd for a pre-parsed flow.
func (table *Table) GetOrAddFlow(flow packet.FlowID) (*Item, error) {

	key := table.forwardKey(flow)

	value, ok := table.items.Get(key)
	if ok {
		return value.(*Item), nil
	}

	table.mutex.Lock()

	// Racing adders are serialized here; recheck under the lock.
	value, ok = table.items.Get(key)
	if ok {
		table.mutex.Unlock()
		return value.(*Item), nil
	}

	id, err := table.allocateID(flow.Version, flow.Protocol)
	if err != nil {
		table.mutex.Unlock()
		return nil, errors.Trace(err)
	}

	item := &Item{ID: id, Flow: flow}
	table.reverse[reverseKey{flow.Version, flow.Protocol, id}] = item

	table.mutex.Unlock()

	table.items.Set(key, item)

	return item, nil
}

// allocateID assigns the next free id in the bucket. The first allocation
// starts from a random base, so mappings across restarts do not collide
// predictably; subsequent allocations increment, skipping live ids.
// Assumes table.mutex is held.
func (table *Table) allocateID(version, protocol int) (uint16, error) {

	bucket := bucketKey{version, protocol}

	last, ok := table.lastIDs[bucket]
	if !ok {
		last = table.randUint16()
	}

	for attempt := 0; attempt <= 0xFFFF; attempt++ {
		last++
		if last == 0 {
			last = 1
		}
		_, inUse := table.reverse[reverseKey{version, protocol, last}]
		if !inUse {
			table.lastIDs[bucket] = last
			return last, nil
		}
	}

	return 0, errors.TraceNew("nat table full")
}

// Get returns the item tracking the packet's flow, or nil. The lookup
// refreshes the mapping's idle expiry.
func (table *Table) Get(p []byte) *Item {

	flow, err := packet.ParseFlowID(p)
	if err != nil {
		return nil
	}

	value, ok := table.items.Get(table.forwardKey(flow))
	if !ok {
		return nil
	}
	return value.(*Item)
}

// Resolve returns the item owning a nat id, or nil. Used on the reply path
// to recover the original flow from a rewritten port or echo id.
func (table *Table) Resolve(version, protocol int, id uint16) *Item {

	table.mutex.Lock()
	item := table.reverse[reverseKey{version, protocol, id}]
	table.mutex.Unlock()

	if item != nil {
		// Reply traffic keeps the mapping alive.
		table.items.Touch(table.forwardKey(item.Flow))
	}
	return item
}

// Remove drops the mapping for the packet's flow, if present.
func (table *Table) Remove(p []byte) {

	flow, err := packet.ParseFlowID(p)
	if err != nil {
		return
	}
	table.items.Delete(table.forwardKey(flow))
}

// Len returns the number of tracked flows.
func (table *Table) Len() int {
	return table.items.Len()
}

// Flush drops all mappings.
func (table *Table) Flush() {
	table.mutex.Lock()
	table.reverse = make(map[reverseKey]*Item)
	table.mutex.Unlock()
	table.items.Flush()
}
