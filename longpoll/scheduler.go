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
	"time"

	"github.com/alwitt/cfgpoll/common"
	"github.com/apex/log"
)

// TimeoutHandle a pending session timeout
type TimeoutHandle interface {
	// Cancel prevent the timeout from firing. Returns false if it already fired or
	// was already canceled.
	Cancel() bool
}

// TimeoutScheduler runs a deferred action per session
type TimeoutScheduler interface {
	// Schedule run the timeout action for the session after delay
	Schedule(session *Session, delay time.Duration) TimeoutHandle
}

// SessionTimeoutAction the action run when a session's timeout fires
type SessionTimeoutAction func(session *Session)

// timerHandle a TimeoutHandle backed by a runtime timer
type timerHandle struct {
	timer *time.Timer
}

func (h timerHandle) Cancel() bool {
	return h.timer.Stop()
}

// timeoutSchedulerImpl implements TimeoutScheduler with runtime timers, so parked
// sessions do not hold a goroutine each
type timeoutSchedulerImpl struct {
	common.Component
	action SessionTimeoutAction
}

// GetTimeoutScheduler define a TimeoutScheduler running action on each timeout
func GetTimeoutScheduler(action SessionTimeoutAction) TimeoutScheduler {
	return &timeoutSchedulerImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "longpoll", "component": "timeout-scheduler"},
		},
		action: action,
	}
}

// Schedule run the timeout action for the session after delay
func (s *timeoutSchedulerImpl) Schedule(session *Session, delay time.Duration) TimeoutHandle {
	return timerHandle{
		timer: time.AfterFunc(delay, func() {
			if err := common.RunGuarded(s.LogTags, "session timeout", func() error {
				s.action(session)
				return nil
			}); err != nil {
				log.WithError(err).WithFields(s.LogTags).Errorf("Timeout of %s failed", session)
			}
		}),
	}
}

// ClampTimeout the hold time actually applied to a session
//
// The server answers fixedDelay before the client gives up, but never holds for less
// than minTimeout.
func ClampTimeout(requested, minTimeout, fixedDelay time.Duration) time.Duration {
	clamped := requested - fixedDelay
	if clamped < minTimeout {
		return minTimeout
	}
	return clamped
}
