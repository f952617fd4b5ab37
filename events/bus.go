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

// Package events distributes configuration change events to the long polling core
package events

import (
	"context"
	"sync"

	"github.com/alwitt/cfgpoll/common"
)

// ChangeEventHandler is the function signature for callback processing a change event
type ChangeEventHandler func(ctxt context.Context, event common.ChangeEvent)

// ChangeEventBus delivers configuration change events from publishers to subscribers
type ChangeEventBus interface {
	// Publish publish a change event to all subscribers
	Publish(ctxt context.Context, event common.ChangeEvent) error
	// Subscribe register a handler for change events. The subscription ends when
	// subCtxt is done; wg tracks the cleanup.
	Subscribe(subCtxt context.Context, wg *sync.WaitGroup, handler ChangeEventHandler) error
}
