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
	"fmt"
	"sync"

	"github.com/alwitt/cfgpoll/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// localEventBusImpl implements ChangeEventBus within one process
type localEventBusImpl struct {
	common.Component
	lock        sync.RWMutex
	subscribers map[string]ChangeEventHandler
	validate    *validator.Validate
}

// GetLocalEventBus define an in-process ChangeEventBus
func GetLocalEventBus(instance string) (ChangeEventBus, error) {
	logTags := log.Fields{
		"module":    "events",
		"component": "local-bus",
		"instance":  instance,
	}
	return &localEventBusImpl{
		Component:   common.Component{LogTags: logTags},
		subscribers: make(map[string]ChangeEventHandler),
		validate:    validator.New(),
	}, nil
}

// Publish deliver a change event to every subscriber on the caller's goroutine
func (b *localEventBusImpl) Publish(ctxt context.Context, event common.ChangeEvent) error {
	if err := b.validate.Struct(&event); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Change event invalid")
		return err
	}
	b.lock.RLock()
	handlers := make([]ChangeEventHandler, 0, len(b.subscribers))
	for _, handler := range b.subscribers {
		handlers = append(handlers, handler)
	}
	b.lock.RUnlock()
	log.WithFields(b.LogTags).Debugf("Delivering %s to %d subscribers", event, len(handlers))
	for _, handler := range handlers {
		handler(ctxt, event)
	}
	return nil
}

// Subscribe register a handler for change events
func (b *localEventBusImpl) Subscribe(
	subCtxt context.Context, wg *sync.WaitGroup, handler ChangeEventHandler,
) error {
	if handler == nil {
		return fmt.Errorf("no change event handler provided")
	}
	subID := uuid.NewString()
	b.lock.Lock()
	b.subscribers[subID] = handler
	b.lock.Unlock()
	log.WithFields(b.LogTags).Debugf("Added subscriber %s", subID)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-subCtxt.Done()
		b.lock.Lock()
		delete(b.subscribers, subID)
		b.lock.Unlock()
		log.WithFields(b.LogTags).Debugf("Removed subscriber %s", subID)
	}()
	return nil
}
