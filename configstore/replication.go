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

package configstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/cfgpoll/common"
	"github.com/alwitt/cfgpoll/events"
	"github.com/apex/log"
)

// replicatingBusImpl implements events.ChangeEventBus on top of a cluster wide bus.
// A change recorded by another instance is applied to the local store before
// subscribers see it.
type replicatingBusImpl struct {
	common.Component
	bus      events.ChangeEventBus
	store    Store
	instance string
}

// GetReplicatingBus wrap a bus shared by several server instances, so each
// instance's store follows the changes recorded by the others
func GetReplicatingBus(
	bus events.ChangeEventBus, store Store, instance string,
) (events.ChangeEventBus, error) {
	if bus == nil || store == nil {
		return nil, fmt.Errorf("replication requires a change event bus and a store")
	}
	logTags := log.Fields{
		"module":    "configstore",
		"component": "replication",
		"instance":  instance,
	}
	return &replicatingBusImpl{
		Component: common.Component{LogTags: logTags},
		bus:       bus,
		store:     store,
		instance:  instance,
	}, nil
}

// Publish publish a change event on the wrapped bus
func (b *replicatingBusImpl) Publish(ctxt context.Context, event common.ChangeEvent) error {
	if event.Origin == "" {
		event.Origin = b.instance
	}
	return b.bus.Publish(ctxt, event)
}

// Subscribe register a handler, applying remote changes to the store first
func (b *replicatingBusImpl) Subscribe(
	subCtxt context.Context, wg *sync.WaitGroup, handler events.ChangeEventHandler,
) error {
	if handler == nil {
		return fmt.Errorf("no change event handler provided")
	}
	return b.bus.Subscribe(subCtxt, wg, func(evtCtxt context.Context, event common.ChangeEvent) {
		// Events without an origin never left this process
		if event.Origin != "" && event.Origin != b.instance {
			if err := b.store.ApplyRemote(evtCtxt, event); err != nil {
				log.WithError(err).WithFields(b.LogTags).Errorf("Failed to replicate %s", event)
			}
		}
		handler(evtCtxt, event)
	})
}
