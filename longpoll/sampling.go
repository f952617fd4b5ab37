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
	"time"
)

// SampleResult listener status observed in the registry
//
// Keyed by client address when sampling a watch key, and by watch key when sampling a
// client. Values are the fingerprints the clients hold.
type SampleResult struct {
	ListenersStatus map[string]string `json:"listeners_status"`
}

// MergeSampleResults union of the results; on conflict the later result wins
func MergeSampleResults(results ...SampleResult) SampleResult {
	merged := SampleResult{ListenersStatus: map[string]string{}}
	for _, result := range results {
		for k, v := range result.ListenersStatus {
			merged.ListenersStatus[k] = v
		}
	}
	return merged
}

// Sampler reports which clients are listening, read only
type Sampler interface {
	// SnapshotByKey client address -> fingerprint for sessions watching the key
	SnapshotByKey(watchKey string) SampleResult
	// SnapshotByClient watch key -> fingerprint over the client's sessions
	SnapshotByClient(clientAddress string) SampleResult
	// CollectByKey merge of several SnapshotByKey taken a short pause apart
	CollectByKey(ctxt context.Context, watchKey string) SampleResult
	// CollectByClient merge of several SnapshotByClient taken a short pause apart
	CollectByClient(ctxt context.Context, clientAddress string) SampleResult
}

// samplerImpl implements Sampler
type samplerImpl struct {
	registry SessionRegistry
	times    int
	period   time.Duration
}

// GetSampler define a Sampler taking `times` snapshots `period` apart when collecting
func GetSampler(registry SessionRegistry, times int, period time.Duration) (Sampler, error) {
	if registry == nil {
		return nil, fmt.Errorf("sampler requires a session registry")
	}
	if times < 1 || period < 0 {
		return nil, fmt.Errorf("invalid sampling settings: %d samples %s apart", times, period)
	}
	return &samplerImpl{registry: registry, times: times, period: period}, nil
}

func (s *samplerImpl) SnapshotByKey(watchKey string) SampleResult {
	result := SampleResult{ListenersStatus: map[string]string{}}
	s.registry.Range(func(session *Session) bool {
		if fingerprint, ok := session.Watches[watchKey]; ok {
			result.ListenersStatus[session.ClientAddress] = fingerprint
		}
		return true
	})
	return result
}

func (s *samplerImpl) SnapshotByClient(clientAddress string) SampleResult {
	result := SampleResult{ListenersStatus: map[string]string{}}
	s.registry.Range(func(session *Session) bool {
		if session.ClientAddress == clientAddress {
			for key, fingerprint := range session.Watches {
				result.ListenersStatus[key] = fingerprint
			}
		}
		return true
	})
	return result
}

func (s *samplerImpl) CollectByKey(ctxt context.Context, watchKey string) SampleResult {
	return s.collect(ctxt, func() SampleResult { return s.SnapshotByKey(watchKey) })
}

func (s *samplerImpl) CollectByClient(ctxt context.Context, clientAddress string) SampleResult {
	return s.collect(ctxt, func() SampleResult { return s.SnapshotByClient(clientAddress) })
}

// collect merge up to s.times snapshots, stopping early once ctxt is done
func (s *samplerImpl) collect(ctxt context.Context, snapshot func() SampleResult) SampleResult {
	merged := snapshot()
	for itr := 1; itr < s.times; itr++ {
		pause := time.NewTimer(s.period)
		select {
		case <-ctxt.Done():
			pause.Stop()
			return merged
		case <-pause.C:
		}
		merged = MergeSampleResults(merged, snapshot())
	}
	return merged
}
