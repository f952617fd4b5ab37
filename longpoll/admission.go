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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/cfgpoll/common"
	"github.com/apex/log"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// AdmissionResourceLongPolling the resource label of long polling admission checks
const AdmissionResourceLongPolling = "LongPolling"

// AdmissionRequest what the admission controller decides on
type AdmissionRequest struct {
	ClientAddress string
	AppName       string
	Resource      string
}

// AdmissionDecision result of an admission check
type AdmissionDecision struct {
	Passed  bool
	Message string
}

// AdmissionController decides whether a new long polling request may proceed
type AdmissionController interface {
	// Check decide on one request
	Check(ctxt context.Context, req AdmissionRequest) AdmissionDecision
}

// allowAllAdmission admits everything
type allowAllAdmission struct{}

// GetAllowAllAdmission define an AdmissionController which always passes
func GetAllowAllAdmission() AdmissionController {
	return allowAllAdmission{}
}

func (allowAllAdmission) Check(context.Context, AdmissionRequest) AdmissionDecision {
	return AdmissionDecision{Passed: true}
}

// ===============================================================================

// SessionCounter reports the current number of parked sessions
type SessionCounter func() int

// limitedAdmissionImpl caps the total session count and the per-client request rate
type limitedAdmissionImpl struct {
	common.Component
	maxSessions int
	rateLimit   rate.Limit
	burst       int
	counter     SessionCounter
	lock        sync.Mutex
	// clients token bucket per client address, dropped once idle for the TTL
	clients *ttlcache.Cache[string, *rate.Limiter]
}

// GetLimitedAdmission define an AdmissionController enforcing config limits
//
// Limiters of clients idle longer than the configured TTL are evicted until ctxt is done.
func GetLimitedAdmission(
	ctxt context.Context,
	wg *sync.WaitGroup,
	config common.AdmissionConfig,
	counter SessionCounter,
) (AdmissionController, error) {
	if config.LimiterIdleTTL < 1 {
		return nil, fmt.Errorf("invalid limiter idle TTL %d", config.LimiterIdleTTL)
	}
	instance, err := newLimitedAdmission(
		ctxt, wg, config, counter, time.Second*time.Duration(config.LimiterIdleTTL),
	)
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func newLimitedAdmission(
	ctxt context.Context,
	wg *sync.WaitGroup,
	config common.AdmissionConfig,
	counter SessionCounter,
	idleTTL time.Duration,
) (*limitedAdmissionImpl, error) {
	if counter == nil {
		return nil, fmt.Errorf("limited admission requires a session counter")
	}
	if config.PerClientRate <= 0 || config.PerClientBurst < 1 {
		return nil, fmt.Errorf("invalid per-client rate settings")
	}
	logTags := log.Fields{"module": "longpoll", "component": "limited-admission"}
	instance := &limitedAdmissionImpl{
		Component:   common.Component{LogTags: logTags},
		maxSessions: config.MaxSessions,
		rateLimit:   rate.Limit(config.PerClientRate),
		burst:       config.PerClientBurst,
		counter:     counter,
		clients: ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](idleTTL),
		),
	}
	instance.clients.OnEviction(func(
		_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *rate.Limiter],
	) {
		if reason == ttlcache.EvictionReasonExpired {
			log.WithFields(logTags).Debugf("Dropped idle limiter of %s", item.Key())
		}
	})
	wg.Add(2)
	go func() {
		defer wg.Done()
		instance.clients.Start()
	}()
	go func() {
		defer wg.Done()
		<-ctxt.Done()
		instance.clients.Stop()
	}()
	return instance, nil
}

// Check decide on one request
func (a *limitedAdmissionImpl) Check(_ context.Context, req AdmissionRequest) AdmissionDecision {
	if a.maxSessions > 0 {
		if active := a.counter(); active >= a.maxSessions {
			return AdmissionDecision{
				Message: fmt.Sprintf(
					"%s over limit: %d active sessions (max %d)", req.Resource, active, a.maxSessions,
				),
			}
		}
	}
	if !a.limiterOf(req.ClientAddress).Allow() {
		return AdmissionDecision{
			Message: fmt.Sprintf("%s over limit: client %s too frequent", req.Resource, req.ClientAddress),
		}
	}
	return AdmissionDecision{Passed: true}
}

// limiterOf the token bucket of a client, created on first sight. A hit extends the idle TTL.
func (a *limitedAdmissionImpl) limiterOf(client string) *rate.Limiter {
	a.lock.Lock()
	defer a.lock.Unlock()
	if item := a.clients.Get(client); item != nil {
		return item.Value()
	}
	limiter := rate.NewLimiter(a.rateLimit, a.burst)
	a.clients.Set(client, limiter, ttlcache.DefaultTTL)
	return limiter
}
