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
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/cfgpoll/common"
	"github.com/alwitt/cfgpoll/events"
	"github.com/apex/log"
)

// ErrAlreadyStarted the service is already running
var ErrAlreadyStarted = errors.New("long polling service already started")

// ChangeDetector reports which watched keys differ from what the client holds
type ChangeDetector interface {
	// ChangedKeys watch keys whose current fingerprint differs from the client's
	ChangedKeys(watches map[string]string) []string
}

// LongPollingService parks listener requests and answers them on change or timeout
type LongPollingService interface {
	// AddLongPollingClient handle one long polling request. The exchange is always
	// completed eventually. Returns the parked session, or nil if the request was
	// answered without parking.
	AddLongPollingClient(ctxt context.Context, req PollRequest, exchange Exchange) *Session
	// AbandonSession retire a parked session whose client went away, without answering it
	AbandonSession(session *Session) bool
	// SubscriberCount number of parked sessions
	SubscriberCount() int
	// RetainedClients client address -> last time one of its sessions was answered
	RetainedClients() map[string]time.Time
	// Start begin consuming change events and the periodic tasks
	Start(ctxt context.Context, wg *sync.WaitGroup) error
	// Stop stop the periodic tasks and answer every parked session with no change.
	// While stopped, requests are answered at once and never parked.
	Stop() error
}

// LongPollingServiceParams components the service is built from
type LongPollingServiceParams struct {
	Config     common.LongPollingConfig
	Registry   SessionRegistry
	Admission  AdmissionController
	Detector   ChangeDetector
	Bus        events.ChangeEventBus
	Workers    int
	TaskBuffer int
}

// longPollingServiceImpl implements LongPollingService
type longPollingServiceImpl struct {
	common.Component
	config    common.LongPollingConfig
	registry  SessionRegistry
	admission AdmissionController
	detector  ChangeDetector
	bus       events.ChangeEventBus
	scheduler TimeoutScheduler
	notifier  ChangeNotifier
	retained  *retainedClients

	lock      sync.RWMutex
	started   bool
	statTimer common.IntervalTimer
}

// GetLongPollingService define a LongPollingService
func GetLongPollingService(params LongPollingServiceParams) (LongPollingService, error) {
	if params.Registry == nil || params.Admission == nil || params.Detector == nil {
		return nil, fmt.Errorf("long polling service requires registry, admission and detector")
	}
	if params.Bus == nil {
		return nil, fmt.Errorf("long polling service requires a change event bus")
	}
	if params.Config.RejectDelaySpanMs < 1 {
		return nil, fmt.Errorf("reject delay span must be positive")
	}
	instance := &longPollingServiceImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "longpoll", "component": "service"},
		},
		config:    params.Config,
		registry:  params.Registry,
		admission: params.Admission,
		detector:  params.Detector,
		bus:       params.Bus,
		retained:  newRetainedClients(
			time.Second * time.Duration(params.Config.RetainedClientTTL),
		),
	}
	instance.scheduler = GetTimeoutScheduler(instance.onTimeout)
	notifier, err := GetChangeNotifier(
		params.Registry, instance.markRetained, params.Workers, params.TaskBuffer,
	)
	if err != nil {
		return nil, err
	}
	instance.notifier = notifier
	return instance, nil
}

// AddLongPollingClient handle one long polling request
func (s *longPollingServiceImpl) AddLongPollingClient(
	ctxt context.Context, req PollRequest, exchange Exchange,
) *Session {
	decision := s.admission.Check(ctxt, AdmissionRequest{
		ClientAddress: req.ClientAddress,
		AppName:       req.AppName,
		Resource:      AdmissionResourceLongPolling,
	})
	if !decision.Passed {
		delay := s.rejectDelay()
		log.WithFields(s.LogTags).Infof(
			"Rejected %s (%s), replying in %s", req.ClientAddress, decision.Message, delay,
		)
		time.AfterFunc(delay, func() {
			exchange.Complete(Response{Status: http.StatusServiceUnavailable, Message: decision.Message})
		})
		return nil
	}

	if changed := s.detector.ChangedKeys(req.Watches); len(changed) > 0 {
		exchange.Complete(Response{Status: http.StatusOK, ChangedKeys: changed})
		return nil
	}

	// Parking and Stop's drain exclude each other
	s.lock.RLock()
	defer s.lock.RUnlock()

	if req.NoHangup || !s.started {
		log.WithFields(s.LogTags).Debugf(
			"Not holding %s (no-hangup %v, running %v)", req.ClientAddress, req.NoHangup, s.started,
		)
		exchange.Complete(Response{Status: http.StatusOK})
		return nil
	}

	timeout := ClampTimeout(req.Timeout, s.config.MinTimeout(), s.config.FixedDelay())
	session := NewSession(req, timeout, exchange)
	s.registry.Insert(session)
	session.attachTimeout(s.scheduler.Schedule(session, timeout))
	log.WithFields(s.LogTags).Debugf("Parked %s for %s", session, timeout)
	return session
}

// rejectDelay the randomized delay before a rejection is answered
func (s *longPollingServiceImpl) rejectDelay() time.Duration {
	return time.Millisecond * time.Duration(
		s.config.RejectDelayMinMs+rand.Intn(s.config.RejectDelaySpanMs),
	)
}

// onTimeout timeout action of a parked session
func (s *longPollingServiceImpl) onTimeout(session *Session) {
	if !s.registry.RemoveIfPresent(session) {
		log.WithFields(s.LogTags).Debugf("%s already answered before its timeout", session)
		return
	}
	s.markRetained(session)
	session.retire()
	session.complete(Response{Status: http.StatusOK})
}

// markRetained record that a session of the client was answered
func (s *longPollingServiceImpl) markRetained(session *Session) {
	s.retained.mark(session.ClientAddress, time.Now())
}

// AbandonSession retire a parked session whose client went away
func (s *longPollingServiceImpl) AbandonSession(session *Session) bool {
	if session == nil || !s.registry.RemoveIfPresent(session) {
		return false
	}
	session.retire()
	log.WithFields(s.LogTags).Debugf("%s abandoned by client", session)
	return true
}

// SubscriberCount number of parked sessions
func (s *longPollingServiceImpl) SubscriberCount() int {
	return s.registry.SnapshotCount()
}

// RetainedClients client address -> last time one of its sessions was answered
func (s *longPollingServiceImpl) RetainedClients() map[string]time.Time {
	return s.retained.snapshot()
}

// Start begin consuming change events and the periodic tasks
func (s *longPollingServiceImpl) Start(ctxt context.Context, wg *sync.WaitGroup) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if err := s.notifier.Start(ctxt, wg, s.bus); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to start change notifier")
		return err
	}

	statTimer, err := common.GetIntervalTimerInstance(ctxt, wg, "long-polling-stat")
	if err != nil {
		_ = s.notifier.Stop()
		return err
	}
	if err := statTimer.Start(
		time.Second*time.Duration(s.config.StatInterval), s.logStat, false,
	); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to start stat task")
		_ = s.notifier.Stop()
		return err
	}
	s.statTimer = statTimer

	s.retained.start(ctxt, wg)
	s.started = true
	return nil
}

// logStat periodic stat task
func (s *longPollingServiceImpl) logStat() error {
	log.WithFields(s.LogTags).Infof("Long polling sessions: %d", s.registry.SnapshotCount())
	return nil
}

// Stop stop the periodic tasks and answer every parked session with no change
func (s *longPollingServiceImpl) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	_ = s.statTimer.Stop()
	s.retained.stop()
	if err := s.notifier.Stop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to stop change notifier")
	}
	released := 0
	s.registry.Range(func(session *Session) bool {
		if s.registry.RemoveIfPresent(session) {
			session.retire()
			session.complete(Response{Status: http.StatusOK})
			released++
		}
		return true
	})
	log.WithFields(s.LogTags).Infof("Released %d parked sessions", released)
	return nil
}
