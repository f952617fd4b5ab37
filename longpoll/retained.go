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
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// retainedClients client address -> last time a session of that client was answered
//
// Entries expire once the client has not been answered for the TTL.
type retainedClients struct {
	cache *ttlcache.Cache[string, time.Time]
	halt  chan struct{}
}

func newRetainedClients(ttl time.Duration) *retainedClients {
	return &retainedClients{
		cache: ttlcache.New[string, time.Time](
			ttlcache.WithTTL[string, time.Time](ttl),
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
		),
	}
}

// mark record that a session of the client was answered at the given time
func (r *retainedClients) mark(client string, at time.Time) {
	r.cache.Set(client, at, ttlcache.DefaultTTL)
}

// snapshot copy of the unexpired entries
func (r *retainedClients) snapshot() map[string]time.Time {
	items := r.cache.Items()
	result := make(map[string]time.Time, len(items))
	for client, item := range items {
		result[client] = item.Value()
	}
	return result
}

// start run expiry until ctxt is done or stop is called
func (r *retainedClients) start(ctxt context.Context, wg *sync.WaitGroup) {
	halt := make(chan struct{})
	r.halt = halt
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.cache.Start()
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctxt.Done():
		case <-halt:
		}
		r.cache.Stop()
	}()
}

// stop end expiry started by start
func (r *retainedClients) stop() {
	if r.halt != nil {
		close(r.halt)
		r.halt = nil
	}
}
