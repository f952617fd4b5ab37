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
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/cfgpoll/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// recordingPublisher captures published change events
type recordingPublisher struct {
	lock   sync.Mutex
	events []common.ChangeEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event common.ChangeEvent) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) keys() []string {
	p.lock.Lock()
	defer p.lock.Unlock()
	result := []string{}
	for _, event := range p.events {
		result = append(result, event.WatchKey)
	}
	return result
}

func TestMemoryStore(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	publisher := &recordingPublisher{}
	uut, err := GetMemoryStore(publisher)
	assert.Nil(err)

	utCtxt := context.Background()

	// Case 0: unknown key
	_, err = uut.Get(utCtxt, "app.yaml+DEFAULT_GROUP")
	assert.True(errors.Is(err, ErrNotFound))

	// Case 1: invalid item
	_, err = uut.Put(utCtxt, ConfigItem{DataID: "app.yaml"})
	assert.NotNil(err)

	// Case 2: store content
	stored, err := uut.Put(utCtxt, ConfigItem{DataID: "app.yaml", Group: "DEFAULT_GROUP", Content: "a=1"})
	assert.Nil(err)
	assert.Equal(Fingerprint("a=1"), stored.Fingerprint)
	read, err := uut.Get(utCtxt, "app.yaml+DEFAULT_GROUP")
	assert.Nil(err)
	assert.Equal(stored, read)
	assert.Equal([]string{"app.yaml+DEFAULT_GROUP"}, publisher.keys())
	// The event carries the content for other instances
	assert.Equal("a=1", publisher.events[0].Content)
	assert.False(publisher.events[0].Deleted)

	// Case 3: same content does not emit a change
	_, err = uut.Put(utCtxt, ConfigItem{DataID: "app.yaml", Group: "DEFAULT_GROUP", Content: "a=1"})
	assert.Nil(err)
	assert.Len(publisher.keys(), 1)

	// Case 4: diff against client fingerprints
	_, err = uut.Put(utCtxt, ConfigItem{DataID: "db.yaml", Group: "infra", Tenant: "prod", Content: "b=2"})
	assert.Nil(err)
	changed := uut.ChangedKeys(map[string]string{
		"app.yaml+DEFAULT_GROUP": Fingerprint("a=1"),
		"db.yaml+infra+prod":     "stale",
		"missing+DEFAULT_GROUP":  "",
		"gone+DEFAULT_GROUP":     "stale",
	})
	assert.Equal([]string{"db.yaml+infra+prod", "gone+DEFAULT_GROUP"}, changed)

	// Case 5: delete
	assert.Nil(uut.Delete(utCtxt, "app.yaml+DEFAULT_GROUP"))
	_, err = uut.Get(utCtxt, "app.yaml+DEFAULT_GROUP")
	assert.True(errors.Is(err, ErrNotFound))
	assert.True(publisher.events[2].Deleted)
	assert.Equal(
		[]string{"app.yaml+DEFAULT_GROUP", "db.yaml+infra+prod", "app.yaml+DEFAULT_GROUP"},
		publisher.keys(),
	)
	assert.True(errors.Is(uut.Delete(utCtxt, "app.yaml+DEFAULT_GROUP"), ErrNotFound))
}

func TestMemoryStoreApplyRemote(t *testing.T) {
	assert := assert.New(t)

	publisher := &recordingPublisher{}
	uut, err := GetMemoryStore(publisher)
	assert.Nil(err)

	utCtxt := context.Background()
	key := "db.yaml+infra+prod"
	recorded := time.Now()

	// Case 0: invalid watch key
	assert.NotNil(uut.ApplyRemote(utCtxt, common.ChangeEvent{
		WatchKey: "nogroup", ChangedAt: recorded, Origin: "other",
	}))

	// Case 1: remote content is stored without being published again
	assert.Nil(uut.ApplyRemote(utCtxt, common.ChangeEvent{
		WatchKey: key, ChangedAt: recorded, Origin: "other", Content: "b=2",
	}))
	item, err := uut.Get(utCtxt, key)
	assert.Nil(err)
	assert.Equal("db.yaml", item.DataID)
	assert.Equal("infra", item.Group)
	assert.Equal("prod", item.Tenant)
	assert.Equal(Fingerprint("b=2"), item.Fingerprint)
	assert.True(recorded.Equal(item.LastModified))
	assert.Empty(publisher.keys())
	assert.Empty(uut.ChangedKeys(map[string]string{key: Fingerprint("b=2")}))

	// Case 2: an older remote change loses to newer content
	assert.Nil(uut.ApplyRemote(utCtxt, common.ChangeEvent{
		WatchKey: key, ChangedAt: recorded.Add(-time.Minute), Origin: "other", Content: "b=1",
	}))
	item, err = uut.Get(utCtxt, key)
	assert.Nil(err)
	assert.Equal(Fingerprint("b=2"), item.Fingerprint)

	// Case 3: remote delete
	assert.Nil(uut.ApplyRemote(utCtxt, common.ChangeEvent{
		WatchKey: key, ChangedAt: recorded.Add(time.Minute), Origin: "other", Deleted: true,
	}))
	_, err = uut.Get(utCtxt, key)
	assert.True(errors.Is(err, ErrNotFound))
	assert.Empty(publisher.keys())
}

func TestLoadSeedFile(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()

	// Case 0: valid seed
	seedPath := filepath.Join(dir, "seed.yaml")
	seed := `configs:
  - data_id: app.yaml
    group: DEFAULT_GROUP
    content: "a=1"
  - data_id: db.yaml
    group: infra
    tenant: prod
    content: "b=2"
`
	assert.Nil(os.WriteFile(seedPath, []byte(seed), 0o600))
	items, err := LoadSeedFile(seedPath)
	assert.Nil(err)
	assert.Len(items, 2)
	assert.Equal("db.yaml+infra+prod", items[1].WatchKey())

	publisher := &recordingPublisher{}
	store, err := GetMemoryStore(publisher)
	assert.Nil(err)
	assert.Nil(SeedStore(context.Background(), store, items))
	seeded, err := store.Get(context.Background(), "db.yaml+infra+prod")
	assert.Nil(err)
	assert.Equal(Fingerprint("b=2"), seeded.Fingerprint)

	// Case 1: missing group
	badPath := filepath.Join(dir, "bad.yaml")
	assert.Nil(os.WriteFile(badPath, []byte("configs:\n  - data_id: x\n"), 0o600))
	_, err = LoadSeedFile(badPath)
	assert.NotNil(err)

	// Case 2: missing file
	_, err = LoadSeedFile(filepath.Join(dir, "none.yaml"))
	assert.NotNil(err)
}
