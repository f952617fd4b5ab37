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
	"net/http"
	"reflect"
	"sync"

	"github.com/alwitt/cfgpoll/common"
	"github.com/alwitt/cfgpoll/events"
	"github.com/apex/log"
)

// ChangeNotifier retires the sessions watching a changed key
type ChangeNotifier interface {
	// OnChange answer every session watching the event's key with that one key
	OnChange(ctxt context.Context, event common.ChangeEvent)
	// Start subscribe to the bus and process its events on worker loops
	Start(ctxt context.Context, wg *sync.WaitGroup, bus events.ChangeEventBus) error
	// Stop unsubscribe from the bus and stop processing events
	Stop() error
}

// SessionRetiredCallback invoked for each session a change event retires
type SessionRetiredCallback func(session *Session)

// changeNotifierImpl implements ChangeNotifier
type changeNotifierImpl struct {
	common.Component
	registry   SessionRegistry
	onRetired  SessionRetiredCallback
	workers    int
	taskBuffer int

	lock        sync.Mutex
	processor   common.TaskProcessor
	unsubscribe context.CancelFunc
}

// GetChangeNotifier define a ChangeNotifier
//
// workers and taskBuffer size the worker loops change events are dispatched to.
func GetChangeNotifier(
	registry SessionRegistry, onRetired SessionRetiredCallback, workers int, taskBuffer int,
) (ChangeNotifier, error) {
	if registry == nil {
		return nil, fmt.Errorf("change notifier requires a session registry")
	}
	return &changeNotifierImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "longpoll", "component": "change-notifier"},
		},
		registry:   registry,
		onRetired:  onRetired,
		workers:    workers,
		taskBuffer: taskBuffer,
	}, nil
}

// OnChange answer every session watching the event's key with that one key
func (n *changeNotifierImpl) OnChange(ctxt context.Context, event common.ChangeEvent) {
	err := common.RunGuarded(n.LogTags, "change scan", func() error {
		matched := n.registry.ScanMatching(func(session *Session) bool {
			return session.IsWatching(event.WatchKey)
		})
		if len(matched) == 0 {
			return nil
		}
		log.WithFields(n.LogTags).Debugf("%s retires %d sessions", event, len(matched))
		for _, session := range matched {
			if err := common.RunGuarded(n.LogTags, "change completion", func() error {
				n.answer(session, event.WatchKey)
				return nil
			}); err != nil {
				log.WithError(err).WithFields(n.LogTags).Errorf("Failed to answer %s", session)
			}
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(n.LogTags).Errorf("Scan for %s aborted", event)
	}
}

// answer complete one session retired by a change of watchKey
func (n *changeNotifierImpl) answer(session *Session, watchKey string) {
	if n.onRetired != nil {
		n.onRetired(session)
	}
	session.retire()
	session.complete(Response{Status: http.StatusOK, ChangedKeys: []string{watchKey}})
}

// processChangeEvent worker loop handler for change events
func (n *changeNotifierImpl) processChangeEvent(param interface{}) error {
	event, ok := param.(common.ChangeEvent)
	if !ok {
		return fmt.Errorf("unexpected task param type %s", reflect.TypeOf(param))
	}
	n.OnChange(context.Background(), event)
	return nil
}

// Start subscribe to the bus and process its events on worker loops
func (n *changeNotifierImpl) Start(
	ctxt context.Context, wg *sync.WaitGroup, bus events.ChangeEventBus,
) error {
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.processor != nil {
		return fmt.Errorf("change notifier already started")
	}
	processor, err := common.GetNewTaskDemuxProcessorInstance(
		ctxt, "change-notifier", n.taskBuffer, n.workers,
	)
	if err != nil {
		log.WithError(err).WithFields(n.LogTags).Error("Unable to define worker loops")
		return err
	}
	if err := processor.AddToTaskExecutionMap(
		reflect.TypeOf(common.ChangeEvent{}), n.processChangeEvent,
	); err != nil {
		return err
	}
	if err := processor.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(n.LogTags).Error("Unable to start worker loops")
		return err
	}
	subCtxt, unsubscribe := context.WithCancel(ctxt)
	if err := bus.Subscribe(subCtxt, wg, func(evtCtxt context.Context, event common.ChangeEvent) {
		if err := processor.Submit(event, evtCtxt); err != nil {
			log.WithError(err).WithFields(n.LogTags).Errorf("Dropped %s", event)
		}
	}); err != nil {
		log.WithError(err).WithFields(n.LogTags).Error("Unable to subscribe to change events")
		unsubscribe()
		_ = processor.StopEventLoop()
		return err
	}
	n.processor = processor
	n.unsubscribe = unsubscribe
	return nil
}

// Stop unsubscribe from the bus and stop processing events
func (n *changeNotifierImpl) Stop() error {
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.processor == nil {
		return nil
	}
	n.unsubscribe()
	err := n.processor.StopEventLoop()
	n.processor = nil
	n.unsubscribe = nil
	return err
}
