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
	"time"

	cache "github.com/patrickmn/go-cache"
)

// TimeoutMap is a mapping whose entries expire after a fixed idle interval.
// Each successful Get refreshes the entry's expiry, so only idle entries are
// evicted. A background janitor purges expired entries; an optional
// OnEvicted callback runs for each purged entry, which callers use to
// release resources such as sockets held by evicted values.
//
// TimeoutMap is a thin layer over go-cache, which provides the TTL store
// and janitor. Keys are strings; callers with structured keys encode them.
type TimeoutMap struct {
	idleTimeout time.Duration
	store       *cache.Cache
}

// NewTimeoutMap creates a TimeoutMap with the given idle timeout. The
// janitor sweep interval is half the timeout, bounded below at one second.
func NewTimeoutMap(idleTimeout time.Duration) *TimeoutMap {
	sweepInterval := idleTimeout / 2
	if sweepInterval < time.Second {
		sweepInterval = time.Second
	}
	return &TimeoutMap{
		idleTimeout: idleTimeout,
		store:       cache.New(idleTimeout, sweepInterval),
	}
}

// OnEvicted sets a callback to be invoked, with key and value, when an
// expired entry is purged or an entry is deleted. Must be set before
// concurrent use.
func (t *TimeoutMap) OnEvicted(callback func(key string, value interface{})) {
	t.store.OnEvicted(callback)
}

// Set adds or replaces the entry for key, resetting its idle expiry.
func (t *TimeoutMap) Set(key string, value interface{}) {
	t.store.Set(key, value, cache.DefaultExpiration)
}

// Get returns the entry for key, if present and not expired, and refreshes
// its idle expiry.
func (t *TimeoutMap) Get(key string) (interface{}, bool) {
	value, ok := t.store.Get(key)
	if !ok {
		return nil, false
	}
	// Refresh the idle expiry. A concurrent eviction between Get and Set
	// re-adds the entry, which is benign: the value remains live.
	t.store.Set(key, value, cache.DefaultExpiration)
	return value, true
}

// Touch refreshes the idle expiry for key, if present.
func (t *TimeoutMap) Touch(key string) {
	value, ok := t.store.Get(key)
	if ok {
		t.store.Set(key, value, cache.DefaultExpiration)
	}
}

// Delete removes the entry for key, invoking the OnEvicted callback.
func (t *TimeoutMap) Delete(key string) {
	t.store.Delete(key)
}

// Len returns the number of entries, including expired entries not yet
// purged by the janitor.
func (t *TimeoutMap) Len() int {
	return t.store.ItemCount()
}

// Range calls visit for each live entry. The snapshot excludes expired
// entries. visit must not call back into the TimeoutMap.
func (t *TimeoutMap) Range(visit func(key string, value interface{}) bool) {
	for key, item := range t.store.Items() {
		if !visit(key, item.Object) {
			return
		}
	}
}

// Flush removes all entries without invoking OnEvicted.
func (t *TimeoutMap) Flush() {
	t.store.Flush()
}
