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

package common

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// EventReporter is a rate-limited log sink for recurring events, such as a
// client repeatedly exceeding a UDP worker quota. The first event after an
// idle period is logged immediately; subsequent events within the limit
// period are coalesced and logged as a single report with a repeat count,
// emitted with the next event that passes the rate limiter or on Flush.
//
// Overhead: EventReporter uses a rate.Limiter and a mutex but no timers.
type EventReporter struct {
	logger     Logger
	message    string
	limiter    *rate.Limiter
	mutex      sync.Mutex
	suppressed int
	lastFields LogFields
}

// NewEventReporter creates an EventReporter which logs at most one entry per
// minPeriod for the given message.
func NewEventReporter(
	logger Logger, message string, minPeriod time.Duration) *EventReporter {

	return &EventReporter{
		logger:  logger,
		message: message,
		limiter: rate.NewLimiter(rate.Every(minPeriod), 1),
	}
}

// Raise records one event occurrence. The fields of a coalesced report are
// those of the most recent suppressed event.
func (reporter *EventReporter) Raise(fields LogFields) {

	reporter.mutex.Lock()
	defer reporter.mutex.Unlock()

	if !reporter.limiter.Allow() {
		reporter.suppressed += 1
		reporter.lastFields = fields
		return
	}

	if reporter.suppressed > 0 {
		fields.Add(LogFields{"repeated": reporter.suppressed})
		reporter.suppressed = 0
		reporter.lastFields = nil
	}

	reporter.logger.WithTraceFields(fields).Warning(reporter.message)
}

// Flush logs any coalesced events immediately, regardless of the rate limit.
// Call Flush before discarding the reporter, typically at session close.
func (reporter *EventReporter) Flush() {

	reporter.mutex.Lock()
	defer reporter.mutex.Unlock()

	if reporter.suppressed == 0 {
		return
	}

	fields := reporter.lastFields
	if fields == nil {
		fields = LogFields{}
	}
	fields.Add(LogFields{"repeated": reporter.suppressed})
	reporter.suppressed = 0
	reporter.lastFields = nil

	reporter.logger.WithTraceFields(fields).Warning(reporter.message)
}
