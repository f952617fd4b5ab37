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

package common

import (
	"fmt"
	"time"
)

// ChangeEvent indicates the content behind one watch key changed
type ChangeEvent struct {
	// WatchKey is the watch key whose content changed
	WatchKey string `json:"watch_key" validate:"required"`
	// ChangedAt is when the change was recorded
	ChangedAt time.Time `json:"changed_at" validate:"required"`
	// Origin is the server instance which recorded the change
	Origin string `json:"origin,omitempty"`
	// Content is the new content, so other instances can apply the change
	Content string `json:"content"`
	// Deleted the content behind the watch key was removed
	Deleted bool `json:"deleted,omitempty"`
}

// String toString function
func (e ChangeEvent) String() string {
	return fmt.Sprintf("CHANGE[%s]@%s", e.WatchKey, e.ChangedAt.Format(time.RFC3339Nano))
}
