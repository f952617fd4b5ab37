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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// recordingExchange counts every completion it receives
type recordingExchange struct {
	lock      sync.Mutex
	responses []Response
	first     chan Response
}

func newRecordingExchange() *recordingExchange {
	return &recordingExchange{first: make(chan Response, 1)}
}

func (e *recordingExchange) Complete(resp Response) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.responses = append(e.responses, resp)
	if len(e.responses) == 1 {
		e.first <- resp
	}
}

func (e *recordingExchange) count() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.responses)
}

// waitForResponse wait for the first completion of the exchange
func waitForResponse(t *testing.T, e *recordingExchange, limit time.Duration) Response {
	select {
	case resp := <-e.first:
		return resp
	case <-time.After(limit):
		assert.FailNow(t, "exchange not completed in time")
	}
	return Response{}
}

func TestSessionRegistryBasic(t *testing.T) {
	assert := assert.New(t)

	uut := GetSessionRegistry()

	s1 := NewSession(PollRequest{ClientAddress: "10.0.0.1", Watches: map[string]string{"a+g": ""}}, time.Second, nil)
	s2 := NewSession(PollRequest{ClientAddress: "10.0.0.2", Watches: map[string]string{"b+g": ""}}, time.Second, nil)
	s3 := NewSession(PollRequest{ClientAddress: "10.0.0.3", Watches: map[string]string{"a+g": "", "b+g": ""}}, time.Second, nil)

	// Case 0: insert
	uut.Insert(s1)
	uut.Insert(s2)
	uut.Insert(s3)
	uut.Insert(s3)
	assert.Equal(3, uut.SnapshotCount())

	// Case 1: remove by identity
	assert.True(uut.RemoveIfPresent(s2))
	assert.False(uut.RemoveIfPresent(s2))
	assert.Equal(2, uut.SnapshotCount())

	// Case 2: scan returns only what it removed
	matched := uut.ScanMatching(func(s *Session) bool { return s.IsWatching("a+g") })
	assert.ElementsMatch([]*Session{s1, s3}, matched)
	assert.Equal(0, uut.SnapshotCount())
	assert.Empty(uut.ScanMatching(func(s *Session) bool { return true }))
}

func TestSessionRegistryConcurrentRemoval(t *testing.T) {
	assert := assert.New(t)

	uut := GetSessionRegistry()
	sessions := make([]*Session, 500)
	for itr := range sessions {
		sessions[itr] = NewSession(
			PollRequest{ClientAddress: "10.0.0.1", Watches: map[string]string{"a+g": ""}},
			time.Second,
			nil,
		)
		uut.Insert(sessions[itr])
	}

	// Removal by identity and by scan race for every session
	wins := make([]int, len(sessions))
	var winLock sync.Mutex
	record := func(session *Session) {
		winLock.Lock()
		defer winLock.Unlock()
		for itr, s := range sessions {
			if s == session {
				wins[itr]++
			}
		}
	}
	wg := sync.WaitGroup{}
	for racer := 0; racer < 4; racer++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for _, session := range sessions {
				if uut.RemoveIfPresent(session) {
					record(session)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for _, session := range uut.ScanMatching(func(s *Session) bool { return s.IsWatching("a+g") }) {
				record(session)
			}
		}()
	}
	wg.Wait()

	for itr := range sessions {
		assert.Equal(1, wins[itr], "session %d", itr)
	}
	assert.Equal(0, uut.SnapshotCount())
}

func TestSessionTimeoutHandle(t *testing.T) {
	assert := assert.New(t)

	fired := make(chan *Session, 2)
	uut := GetTimeoutScheduler(func(s *Session) { fired <- s })

	// Case 0: timeout fires
	s1 := NewSession(PollRequest{ClientAddress: "10.0.0.1"}, time.Millisecond*10, nil)
	s1.attachTimeout(uut.Schedule(s1, time.Millisecond*10))
	select {
	case s := <-fired:
		assert.Equal(s1, s)
	case <-time.After(time.Second):
		assert.Fail("timeout did not fire")
	}

	// Case 1: retirement cancels the pending timeout
	s2 := NewSession(PollRequest{ClientAddress: "10.0.0.1"}, time.Millisecond*50, nil)
	s2.attachTimeout(uut.Schedule(s2, time.Millisecond*50))
	s2.retire()

	// Case 2: a handle attached after retirement is canceled at once
	s3 := NewSession(PollRequest{ClientAddress: "10.0.0.1"}, time.Millisecond*50, nil)
	s3.retire()
	handle := uut.Schedule(s3, time.Millisecond*50)
	s3.attachTimeout(handle)
	assert.False(handle.Cancel())

	select {
	case s := <-fired:
		assert.Failf("canceled timeout fired", "%s", s)
	case <-time.After(time.Millisecond * 150):
	}

	// Case 3: a panicking action is contained
	panicky := GetTimeoutScheduler(func(s *Session) { panic("boom") })
	s4 := NewSession(PollRequest{ClientAddress: "10.0.0.1"}, time.Millisecond, nil)
	panicky.Schedule(s4, time.Millisecond)
	time.Sleep(time.Millisecond * 20)
}

func TestClampTimeout(t *testing.T) {
	assert := assert.New(t)

	minTimeout := time.Millisecond * 10000
	fixedDelay := time.Millisecond * 500

	// Case 0: long request is shortened by the fixed delay
	assert.Equal(time.Millisecond*14500, ClampTimeout(time.Millisecond*15000, minTimeout, fixedDelay))

	// Case 1: short request is raised to the floor
	assert.Equal(minTimeout, ClampTimeout(time.Millisecond*10200, minTimeout, fixedDelay))
	assert.Equal(minTimeout, ClampTimeout(0, minTimeout, fixedDelay))

	// Case 2: exactly at the floor
	assert.Equal(minTimeout, ClampTimeout(time.Millisecond*10500, minTimeout, fixedDelay))
}

func TestChannelExchange(t *testing.T) {
	assert := assert.New(t)

	uut := NewChannelExchange()
	uut.Complete(Response{Status: 200, ChangedKeys: []string{"a+g"}})
	uut.Complete(Response{Status: 503})

	resp := <-uut.Done()
	assert.Equal(200, resp.Status)
	assert.Equal([]string{"a+g"}, resp.ChangedKeys)
	select {
	case <-uut.Done():
		assert.Fail("second completion delivered")
	default:
	}
}

func TestSessionRegistryRange(t *testing.T) {
	assert := assert.New(t)

	uut := GetSessionRegistry()
	for itr := 0; itr < 10; itr++ {
		uut.Insert(NewSession(PollRequest{ClientAddress: "10.0.0.1"}, time.Second, nil))
	}

	// Iteration stops early and does not remove anything
	visited := 0
	uut.Range(func(*Session) bool {
		visited++
		return visited < 4
	})
	assert.Equal(4, visited)
	assert.Equal(10, uut.SnapshotCount())
}
