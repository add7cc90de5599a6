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
	"sync"
	"time"
)

// NetScanDetector flags sessions which contact too many distinct remote
// endpoints within a sliding window, the signature of port and address
// scanning. Repeat traffic to an already seen endpoint refreshes the
// endpoint and never triggers the detector.
type NetScanDetector struct {
	limit  int
	window time.Duration

	mutex     sync.Mutex
	lastSeen  map[string]time.Time
	lastPrune time.Time
}

// NewNetScanDetector creates a detector allowing limit distinct endpoints
// per window. A limit of 0 disables detection.
func NewNetScanDetector(limit int, window time.Duration) *NetScanDetector {
	return &NetScanDetector{
		limit:    limit,
		window:   window,
		lastSeen: make(map[string]time.Time),
	}
}

// EndpointCount returns the number of distinct endpoints currently inside
// the window, a session-close metric.
func (detector *NetScanDetector) EndpointCount() int {
	detector.mutex.Lock()
	defer detector.mutex.Unlock()
	return len(detector.lastSeen)
}

// Verify records traffic to a remote endpoint and reports whether the flow
// is within the scan limit.
func (detector *NetScanDetector) Verify(endpoint string) bool {

	if detector.limit <= 0 {
		return true
	}

	now := time.Now()

	detector.mutex.Lock()
	defer detector.mutex.Unlock()

	if _, ok := detector.lastSeen[endpoint]; ok {
		detector.lastSeen[endpoint] = now
		return true
	}

	// Amortize pruning: a full sweep at most once per window fraction
	// keeps Verify O(1) for the common case.
	if now.Sub(detector.lastPrune) > detector.window/10 {
		for e, seen := range detector.lastSeen {
			if now.Sub(seen) > detector.window {
				delete(detector.lastSeen, e)
			}
		}
		detector.lastPrune = now
	}

	if len(detector.lastSeen) >= detector.limit {
		return false
	}

	detector.lastSeen[endpoint] = now
	return true
}
