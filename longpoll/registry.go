// Copyright 2021-2022 The cfgpoll Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package longpoll

import (
	"sync"
	"sync/atomic"
)

// SessionRegistry thread-safe unordered collection of parked sessions
type SessionRegistry interface {
	// Insert add a session
	Insert(session *Session)
	// RemoveIfPresent remove a session by identity. Returns true for exactly one caller.
	RemoveIfPresent(session *Session) bool
	// ScanMatching remove every session matching the predicate, returning only those
	// this call removed
	ScanMatching(predicate func(*Session) bool) []*Session
	// SnapshotCount approximate number of sessions
	SnapshotCount() int
	// Range read-only iteration. Stops when fn returns false.
	Range(fn func(*Session) bool)
}

// sessionRegistryImpl implements SessionRegistry
type sessionRegistryImpl struct {
	sessions sync.Map
	count    atomic.Int64
}

// GetSessionRegistry define a new SessionRegistry
func GetSessionRegistry() SessionRegistry {
	return &sessionRegistryImpl{}
}

func (r *sessionRegistryImpl) Insert(session *Session) {
	if _, loaded := r.sessions.LoadOrStore(session, struct{}{}); !loaded {
		r.count.Add(1)
	}
}

func (r *sessionRegistryImpl) RemoveIfPresent(session *Session) bool {
	if _, loaded := r.sessions.LoadAndDelete(session); loaded {
		r.count.Add(-1)
		return true
	}
	return false
}

func (r *sessionRegistryImpl) ScanMatching(predicate func(*Session) bool) []*Session {
	removed := []*Session{}
	r.sessions.Range(func(key, _ interface{}) bool {
		session := key.(*Session)
		if predicate(session) && r.RemoveIfPresent(session) {
			removed = append(removed, session)
		}
		return true
	})
	return removed
}

func (r *sessionRegistryImpl) SnapshotCount() int {
	return int(r.count.Load())
}

func (r *sessionRegistryImpl) Range(fn func(*Session) bool) {
	r.sessions.Range(func(key, _ interface{}) bool {
		return fn(key.(*Session))
	})
}
