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
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/cfgpoll/common"
	"github.com/alwitt/cfgpoll/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// defineChangeEventSubject helper function to define the NATS subject change events travel on
func defineChangeEventSubject(prefix string) string {
	return fmt.Sprintf("%s.events", prefix)
}

// natsEventBusImpl implements ChangeEventBus over a NATS subject, so every
// server instance sees every change
type natsEventBusImpl struct {
	common.Component
	subject  string
	instance string
	nats     *core.NatsClient
	validate *validator.Validate
}

// GetNATSEventBus define a NATS backed ChangeEventBus
func GetNATSEventBus(
	natsClient *core.NatsClient, subjectPrefix string, instance string,
) (ChangeEventBus, error) {
	if natsClient == nil {
		return nil, fmt.Errorf("NATS event bus requires a NATS client")
	}
	subject := defineChangeEventSubject(subjectPrefix)
	logTags := log.Fields{
		"module":    "events",
		"component": "nats-bus",
		"instance":  instance,
		"subject":   subject,
	}
	return &natsEventBusImpl{
		Component: common.Component{LogTags: logTags},
		subject:   subject,
		instance:  instance,
		nats:      natsClient,
		validate:  validator.New(),
	}, nil
}

// Publish broadcast a change event on the NATS subject
func (b *natsEventBusImpl) Publish(ctxt context.Context, event common.ChangeEvent) error {
	if event.Origin == "" {
		event.Origin = b.instance
	}
	if err := b.validate.Struct(&event); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Change event invalid")
		return err
	}
	msg, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to serialize %s", event)
		return err
	}
	log.WithFields(b.LogTags).Debugf("Sending %s", event)
	if err := b.nats.NATs().Publish(b.subject, msg); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Failed to send %s", event)
		return err
	}
	return nil
}

// Subscribe start receiving change events from the NATS subject
func (b *natsEventBusImpl) Subscribe(
	subCtxt context.Context, wg *sync.WaitGroup, handler ChangeEventHandler,
) error {
	if handler == nil {
		return fmt.Errorf("no change event handler provided")
	}
	sub, err := b.nats.NATs().Subscribe(b.subject, func(msg *nats.Msg) {
		var event common.ChangeEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Failed to read change event: %s", msg.Data,
			)
			return
		}
		if err := b.validate.Struct(&event); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Failed to validate change event: %s", msg.Data,
			)
			return
		}
		log.WithFields(b.LogTags).Debugf("Received %s from %s", event, event.Origin)
		handler(subCtxt, event)
	})
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to subscribe to change events")
		return err
	}
	// Make sure the server has registered the interest before returning
	if err := b.nats.NATs().Flush(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to flush subscription")
		_ = sub.Unsubscribe()
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-subCtxt.Done()
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Error occurred when unsubscribing")
			return
		}
		log.WithFields(b.LogTags).Info("Unsubscribed from change events")
	}()
	return nil
}
