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
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/cfgpoll/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrNotFound no configuration content exists for the watch key
var ErrNotFound = errors.New("configuration not found")

// ConfigItem one unit of configuration content
type ConfigItem struct {
	// DataID is the configuration data ID
	DataID string `json:"data_id" yaml:"data_id" validate:"required"`
	// Group is the configuration group
	Group string `json:"group" yaml:"group" validate:"required"`
	// Tenant is the optional configuration tenant / namespace
	Tenant string `json:"tenant,omitempty" yaml:"tenant,omitempty"`
	// Content is the configuration content
	Content string `json:"content" yaml:"content"`
	// Fingerprint is the digest of Content
	Fingerprint string `json:"fingerprint" yaml:"-"`
	// LastModified is when Content last changed
	LastModified time.Time `json:"last_modified" yaml:"-"`
}

// WatchKey the watch key of this configuration unit
func (i ConfigItem) WatchKey() string {
	return WatchKey(i.DataID, i.Group, i.Tenant)
}

// Fingerprint compute the fingerprint of configuration content
func Fingerprint(content string) string {
	digest := md5.Sum([]byte(content))
	return hex.EncodeToString(digest[:])
}

// ChangePublisher receives a change event whenever stored content changes
type ChangePublisher interface {
	Publish(ctxt context.Context, event common.ChangeEvent) error
}

// Store configuration content store
type Store interface {
	// Put create or replace the content of a configuration unit
	Put(ctxt context.Context, item ConfigItem) (ConfigItem, error)
	// Get fetch a configuration unit by watch key
	Get(ctxt context.Context, watchKey string) (ConfigItem, error)
	// Delete remove a configuration unit by watch key
	Delete(ctxt context.Context, watchKey string) error
	// ApplyRemote apply a change recorded by another server instance, without
	// publishing it again. Content older than what is held locally is ignored.
	ApplyRemote(ctxt context.Context, event common.ChangeEvent) error
	// ChangedKeys the watch keys whose client fingerprint differs from the current one
	ChangedKeys(watches map[string]string) []string
}

// memoryStoreImpl implements Store in memory
type memoryStoreImpl struct {
	common.Component
	lock      sync.RWMutex
	items     map[string]ConfigItem
	publisher ChangePublisher
	validate  *validator.Validate
}

// GetMemoryStore define an in-memory Store, publishing change events to publisher
func GetMemoryStore(publisher ChangePublisher) (Store, error) {
	if publisher == nil {
		return nil, fmt.Errorf("memory store requires a change publisher")
	}
	logTags := log.Fields{"module": "configstore", "component": "memory-store"}
	return &memoryStoreImpl{
		Component: common.Component{LogTags: logTags},
		items:     make(map[string]ConfigItem),
		publisher: publisher,
		validate:  validator.New(),
	}, nil
}

// Put create or replace the content of a configuration unit
func (s *memoryStoreImpl) Put(ctxt context.Context, item ConfigItem) (ConfigItem, error) {
	if err := s.validate.Struct(&item); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Configuration item invalid")
		return ConfigItem{}, err
	}
	key := item.WatchKey()
	item.Fingerprint = Fingerprint(item.Content)
	item.LastModified = time.Now()

	s.lock.Lock()
	existing, ok := s.items[key]
	if ok && existing.Fingerprint == item.Fingerprint {
		s.lock.Unlock()
		log.WithFields(s.LogTags).Debugf("Content of %s unchanged", key)
		return existing, nil
	}
	s.items[key] = item
	s.lock.Unlock()

	log.WithFields(s.LogTags).Infof("Stored %s [%s]", key, item.Fingerprint)
	return item, s.notify(ctxt, common.ChangeEvent{
		WatchKey: key, ChangedAt: item.LastModified, Content: item.Content,
	})
}

// Get fetch a configuration unit by watch key
func (s *memoryStoreImpl) Get(_ context.Context, watchKey string) (ConfigItem, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	item, ok := s.items[watchKey]
	if !ok {
		return ConfigItem{}, fmt.Errorf("%w: %s", ErrNotFound, watchKey)
	}
	return item, nil
}

// Delete remove a configuration unit by watch key
func (s *memoryStoreImpl) Delete(ctxt context.Context, watchKey string) error {
	s.lock.Lock()
	_, ok := s.items[watchKey]
	delete(s.items, watchKey)
	s.lock.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, watchKey)
	}
	log.WithFields(s.LogTags).Infof("Deleted %s", watchKey)
	return s.notify(ctxt, common.ChangeEvent{
		WatchKey: watchKey, ChangedAt: time.Now(), Deleted: true,
	})
}

// notify publish the change event for a watch key
func (s *memoryStoreImpl) notify(ctxt context.Context, event common.ChangeEvent) error {
	if err := s.publisher.Publish(ctxt, event); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to publish %s", event)
		return err
	}
	return nil
}

// ApplyRemote apply a change recorded by another server instance
func (s *memoryStoreImpl) ApplyRemote(_ context.Context, event common.ChangeEvent) error {
	dataID, group, tenant, err := ParseWatchKey(event.WatchKey)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to apply %s", event)
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if existing, ok := s.items[event.WatchKey]; ok && existing.LastModified.After(event.ChangedAt) {
		log.WithFields(s.LogTags).Debugf("Local content of %s newer than %s", event.WatchKey, event)
		return nil
	}
	if event.Deleted {
		delete(s.items, event.WatchKey)
		log.WithFields(s.LogTags).Infof("Deleted %s from %s", event.WatchKey, event.Origin)
		return nil
	}
	item := ConfigItem{
		DataID:       dataID,
		Group:        group,
		Tenant:       tenant,
		Content:      event.Content,
		Fingerprint:  Fingerprint(event.Content),
		LastModified: event.ChangedAt,
	}
	s.items[event.WatchKey] = item
	log.WithFields(s.LogTags).Infof(
		"Stored %s [%s] from %s", event.WatchKey, item.Fingerprint, event.Origin,
	)
	return nil
}

// ChangedKeys the watch keys whose client fingerprint differs from the current one
func (s *memoryStoreImpl) ChangedKeys(watches map[string]string) []string {
	changed := []string{}
	s.lock.RLock()
	for key, clientFingerprint := range watches {
		if s.items[key].Fingerprint != clientFingerprint {
			changed = append(changed, key)
		}
	}
	s.lock.RUnlock()
	sort.Strings(changed)
	return changed
}

// ===============================================================================

// SeedFile the layout of a configuration seed file
type SeedFile struct {
	Configs []ConfigItem `yaml:"configs" validate:"dive"`
}

// LoadSeedFile read configuration content from a YAML seed file
func LoadSeedFile(path string) ([]ConfigItem, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seed SeedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	if err := validator.New().Struct(&seed); err != nil {
		return nil, fmt.Errorf("invalid seed file %s: %w", path, err)
	}
	return seed.Configs, nil
}

// SeedStore write every seed item into the store
func SeedStore(ctxt context.Context, store Store, items []ConfigItem) error {
	for _, item := range items {
		if _, err := store.Put(ctxt, item); err != nil {
			return fmt.Errorf("failed to seed %s: %w", item.WatchKey(), err)
		}
	}
	return nil
}
