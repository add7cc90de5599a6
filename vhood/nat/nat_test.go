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

package nat

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/packet"
)

func makeUDPPacket(t *testing.T, srcIP string, srcPort int, dstIP string, dstPort int) []byte {
	t.Helper()
	p, err := packet.BuildUDPPacket(
		&net.UDPAddr{IP: net.ParseIP(srcIP), Port: srcPort},
		&net.UDPAddr{IP: net.ParseIP(dstIP), Port: dstPort},
		[]byte("test"))
	if err != nil {
		t.Fatalf("BuildUDPPacket failed: %s", err)
	}
	return p
}

func TestTableGetOrAdd(t *testing.T) {

	table := NewTable(false, time.Minute)
	defer table.Flush()

	p := makeUDPPacket(t, "10.0.0.1", 5000, "8.8.8.8", 53)

	item1, err := table.GetOrAdd(p)
	if err != nil {
		t.Fatalf("GetOrAdd failed: %s", err)
	}
	if item1.ID == 0 {
		t.Fatalf("zero nat id")
	}

	item2, err := table.GetOrAdd(p)
	if err != nil {
		t.Fatalf("GetOrAdd failed: %s", err)
	}
	if item1 != item2 {
		t.Fatalf("same flow mapped twice")
	}

	if table.Get(p) != item1 {
		t.Fatalf("Get missed tracked flow")
	}

	resolved := table.Resolve(4, packet.ProtocolUDP, item1.ID)
	if resolved != item1 {
		t.Fatalf("Resolve missed nat id")
	}
}

func TestTableDestinationSensitive(t *testing.T) {

	table := NewTable(true, time.Minute)
	defer table.Flush()

	p1 := makeUDPPacket(t, "10.0.0.1", 5000, "8.8.8.8", 53)
	p2 := makeUDPPacket(t, "10.0.0.1", 5000, "1.1.1.1", 53)

	item1, err := table.GetOrAdd(p1)
	if err != nil {
		t.Fatalf("GetOrAdd failed: %s", err)
	}
	item2, err := table.GetOrAdd(p2)
	if err != nil {
		t.Fatalf("GetOrAdd failed: %s", err)
	}

	if item1 == item2 {
		t.Fatalf("distinct destinations share one mapping")
	}
	if item1.ID == item2.ID {
		t.Fatalf("distinct flows share one nat id")
	}

	// Destination-insensitive: one mapping regardless of destination.
	insensitive := NewTable(false, time.Minute)
	defer insensitive.Flush()

	item3, _ := insensitive.GetOrAdd(p1)
	item4, _ := insensitive.GetOrAdd(p2)
	if item3 != item4 {
		t.Fatalf("destination-insensitive table split a source endpoint")
	}
}

func TestTableIDUniqueness(t *testing.T) {

	table := NewTable(false, time.Minute)
	defer table.Flush()

	seen := make(map[uint16]bool)
	for i := 0; i < 1000; i++ {
		p := makeUDPPacket(t, "10.0.0.1", 1024+i, "8.8.8.8", 53)
		item, err := table.GetOrAdd(p)
		if err != nil {
			t.Fatalf("GetOrAdd failed: %s", err)
		}
		if seen[item.ID] {
			t.Fatalf("duplicate nat id %d", item.ID)
		}
		seen[item.ID] = true
	}
}

func TestTableIDWraparound(t *testing.T) {

	table := NewTable(false, time.Minute)
	defer table.Flush()

	// Start allocation near the top of the id space to force a wrap; id 0
	// is never allocated.
	table.randUint16 = func() uint16 { return 0xFFFE }

	ids := make([]uint16, 0, 3)
	for i := 0; i < 3; i++ {
		p := makeUDPPacket(t, "10.0.0.1", 2000+i, "8.8.8.8", 53)
		item, err := table.GetOrAdd(p)
		if err != nil {
			t.Fatalf("GetOrAdd failed: %s", err)
		}
		ids = append(ids, item.ID)
	}

	expected := []uint16{0xFFFF, 1, 2}
	for i := range expected {
		if ids[i] != expected[i] {
			t.Fatalf("unexpected id sequence: %v", ids)
		}
	}
}

func TestTableConcurrentAccess(t *testing.T) {

	table := NewTable(false, time.Minute)
	defer table.Flush()

	var waitGroup sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		waitGroup.Add(1)
		go func(worker int) {
			defer waitGroup.Done()
			for i := 0; i < 100; i++ {
				p := makeUDPPacket(
					t, "10.0.0.1", 1024+(i%50), "8.8.8.8", 53)
				item, err := table.GetOrAdd(p)
				if err != nil {
					t.Errorf("GetOrAdd failed: %s", err)
					return
				}
				if table.Resolve(4, packet.ProtocolUDP, item.ID) == nil {
					t.Errorf("Resolve missed live id")
					return
				}
			}
		}(worker)
	}
	waitGroup.Wait()

	if table.Len() != 50 {
		t.Fatalf("unexpected table size: %d", table.Len())
	}
}

func TestTableRemove(t *testing.T) {

	table := NewTable(false, time.Minute)
	defer table.Flush()

	p := makeUDPPacket(t, "10.0.0.1", 5000, "8.8.8.8", 53)

	item, err := table.GetOrAdd(p)
	if err != nil {
		t.Fatalf("GetOrAdd failed: %s", err)
	}

	table.Remove(p)

	if table.Get(p) != nil {
		t.Fatalf("mapping survived Remove")
	}
	if table.Resolve(4, packet.ProtocolUDP, item.ID) != nil {
		t.Fatalf("reverse mapping survived Remove")
	}
}
