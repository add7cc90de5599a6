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
	"fmt"
	"testing"
	"time"
)

func TestNetScanLimit(t *testing.T) {

	detector := NewNetScanDetector(10, time.Minute)

	for i := 0; i < 10; i++ {
		endpoint := fmt.Sprintf("8.8.8.%d:53", i)
		if !detector.Verify(endpoint) {
			t.Fatalf("endpoint %d unexpectedly rejected", i)
		}
	}

	if detector.Verify("9.9.9.9:53") {
		t.Fatalf("expected endpoint over limit to be rejected")
	}

	// Known endpoints stay verified at the limit.
	if !detector.Verify("8.8.8.0:53") {
		t.Fatalf("known endpoint unexpectedly rejected")
	}

	if detector.EndpointCount() != 10 {
		t.Fatalf("unexpected endpoint count: %d", detector.EndpointCount())
	}
}

func TestNetScanWindowExpiry(t *testing.T) {

	detector := NewNetScanDetector(2, 100*time.Millisecond)

	if !detector.Verify("8.8.8.8:53") || !detector.Verify("8.8.4.4:53") {
		t.Fatalf("endpoints unexpectedly rejected")
	}
	if detector.Verify("9.9.9.9:53") {
		t.Fatalf("expected endpoint over limit to be rejected")
	}

	time.Sleep(150 * time.Millisecond)

	if !detector.Verify("9.9.9.9:53") {
		t.Fatalf("expected endpoint to be accepted after window expiry")
	}
}

func TestNetScanDisabled(t *testing.T) {

	detector := NewNetScanDetector(0, time.Minute)

	for i := 0; i < 1000; i++ {
		if !detector.Verify(fmt.Sprintf("10.0.%d.%d:53", i/256, i%256)) {
			t.Fatalf("disabled detector rejected endpoint %d", i)
		}
	}
}
