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

// Package longpoll parks configuration listener requests until a watched key changes or
// their timeout elapses, whichever happens first.
package longpoll

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Response what a long polling client is told when its session ends
type Response struct {
	// Status is the HTTP status code
	Status int
	// ChangedKeys are the watch keys reported as changed. Empty on timeout.
	ChangedKeys []string
	// Message is the rejection reason when Status is not 200
	Message string
}

// Exchange the deferred completion handle of one client request
type Exchange interface {
	// Complete deliver the response. Callable from any goroutine.
	Complete(resp Response)
}

// PollRequest a parsed long polling listener request
type PollRequest struct {
	// ClientAddress is the address of the requesting client
	ClientAddress string
	// AppName is the optional client application name
	AppName string
	// Tag is the optional routing tag
	Tag string
	// Watches maps watch key to the fingerprint the client holds
	Watches map[string]string
	// ProbeSize is the length of the raw probe
	ProbeSize int
	// Timeout is the hold time the client asked for
	Timeout time.Duration
	// NoHangup is set when the client does not want to be held
	NoHangup bool
}

// Session one parked long polling request
//
// Identity is the pointer. ID only correlates log lines.
type Session struct {
	ID            string
	ClientAddress string
	AppName       string
	Tag           string
	Watches       map[string]string
	ProbeSize     int
	CreatedAt     time.Time
	Timeout       time.Duration

	exchange Exchange
	lock     sync.Mutex
	handle   TimeoutHandle
	retired  bool
}

// NewSession define a session for a request with its clamped timeout
func NewSession(req PollRequest, timeout time.Duration, exchange Exchange) *Session {
	return &Session{
		ID:            uuid.NewString(),
		ClientAddress: req.ClientAddress,
		AppName:       req.AppName,
		Tag:           req.Tag,
		Watches:       req.Watches,
		ProbeSize:     req.ProbeSize,
		CreatedAt:     time.Now(),
		Timeout:       timeout,
		exchange:      exchange,
	}
}

// IsWatching whether the session watches a key
func (s *Session) IsWatching(watchKey string) bool {
	_, ok := s.Watches[watchKey]
	return ok
}

// attachTimeout record the pending timeout. If the session already retired the
// handle is canceled at once.
func (s *Session) attachTimeout(handle TimeoutHandle) {
	s.lock.Lock()
	if !s.retired {
		s.handle = handle
		s.lock.Unlock()
		return
	}
	s.lock.Unlock()
	if handle != nil {
		handle.Cancel()
	}
}

// retire mark the session retired and cancel any pending timeout.
//
// Only the caller which won RemoveIfPresent may call this.
func (s *Session) retire() {
	s.lock.Lock()
	s.retired = true
	handle := s.handle
	s.handle = nil
	s.lock.Unlock()
	if handle != nil {
		handle.Cancel()
	}
}

// complete hand the response to the exchange
func (s *Session) complete(resp Response) {
	if s.exchange != nil {
		s.exchange.Complete(resp)
	}
}

// String toString function
func (s *Session) String() string {
	return fmt.Sprintf("SESSION[%s]@%s(%d keys)", s.ID, s.ClientAddress, len(s.Watches))
}

// ===============================================================================

// ChannelExchange an Exchange the handling goroutine waits on
type ChannelExchange struct {
	once   sync.Once
	result chan Response
}

// NewChannelExchange define a ChannelExchange
func NewChannelExchange() *ChannelExchange {
	return &ChannelExchange{result: make(chan Response, 1)}
}

// Complete deliver the response. Only the first call has any effect.
func (e *ChannelExchange) Complete(resp Response) {
	e.once.Do(func() {
		e.result <- resp
	})
}

// Done the channel the response arrives on
func (e *ChannelExchange) Done() <-chan Response {
	return e.result
}
