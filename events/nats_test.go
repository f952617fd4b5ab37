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

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/cfgpoll/common"
	"github.com/alwitt/cfgpoll/core"
	"github.com/apex/log"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestNATSEventBus(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server := natsserver.RunRandClientPortServer()
	defer server.Shutdown()

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	logTags := log.Fields{
		"module":    "events_test",
		"component": "nats-bus",
	}

	natsParam := core.NATSConnectParams{
		ServerURI:           server.ClientURL(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).WithFields(logTags).Error(
					"Disconnect callback triggered with failure",
				)
			}
		},
	}
	client1, err := core.GetNATSClient(natsParam)
	assert.Nil(err)
	defer client1.Close(context.Background())
	client2, err := core.GetNATSClient(natsParam)
	assert.Nil(err)
	defer client2.Close(context.Background())
	assert.True(client1.Connected())

	// Case 0: no client
	_, err = GetNATSEventBus(nil, "ut", "none")
	assert.NotNil(err)

	// Two server instances sharing a subject
	bus1, err := GetNATSEventBus(client1, "ut.cfgpoll", "instance-1")
	assert.Nil(err)
	bus2, err := GetNATSEventBus(client2, "ut.cfgpoll", "instance-2")
	assert.Nil(err)

	received1 := make(chan common.ChangeEvent, 4)
	received2 := make(chan common.ChangeEvent, 4)
	assert.Nil(bus1.Subscribe(utCtxt, &wg, func(_ context.Context, ev common.ChangeEvent) {
		received1 <- ev
	}))
	assert.Nil(bus2.Subscribe(utCtxt, &wg, func(_ context.Context, ev common.ChangeEvent) {
		received2 <- ev
	}))

	// Case 1: invalid event is refused
	assert.NotNil(bus1.Publish(utCtxt, common.ChangeEvent{ChangedAt: time.Now()}))

	// Case 2: an event published on one instance reaches both
	changedAt := time.Now()
	assert.Nil(bus1.Publish(utCtxt, common.ChangeEvent{
		WatchKey: "app.yaml+DEFAULT_GROUP", ChangedAt: changedAt,
	}))
	for _, received := range []chan common.ChangeEvent{received1, received2} {
		select {
		case ev := <-received:
			assert.Equal("app.yaml+DEFAULT_GROUP", ev.WatchKey)
			assert.Equal("instance-1", ev.Origin)
			assert.True(changedAt.Equal(ev.ChangedAt))
		case <-time.After(time.Second * 2):
			assert.FailNow("change event not received")
		}
	}

	// Case 3: content and deletion travel with the event
	assert.Nil(bus2.Publish(utCtxt, common.ChangeEvent{
		WatchKey: "app.yaml+DEFAULT_GROUP", ChangedAt: time.Now(), Content: "a=1",
	}))
	assert.Nil(bus2.Publish(utCtxt, common.ChangeEvent{
		WatchKey: "app.yaml+DEFAULT_GROUP", ChangedAt: time.Now(), Deleted: true,
	}))
	for _, expected := range []common.ChangeEvent{{Content: "a=1"}, {Deleted: true}} {
		select {
		case ev := <-received1:
			assert.Equal("instance-2", ev.Origin)
			assert.Equal(expected.Content, ev.Content)
			assert.Equal(expected.Deleted, ev.Deleted)
		case <-time.After(time.Second * 2):
			assert.FailNow("change event not received")
		}
	}
}
