// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"sort"
	"sync"
)

// EntryIndex maps instance ids to the meter they currently own so that
// removing an instance deletes only its own accumulator record.
type EntryIndex struct {
	store       Store
	accumulator *Accumulator
	logger      *Logger

	mu      sync.Mutex
	entries map[string]string
}

func NewEntryIndex(store Store, accumulator *Accumulator, logger *Logger) *EntryIndex {
	if logger == nil {
		logger = NewDiscardLogger()
	}
	return &EntryIndex{
		store:       store,
		accumulator: accumulator,
		logger:      logger.WithComponent("index"),
	}
}

func (x *EntryIndex) ensureLoaded(ctx context.Context) error {
	if x.entries != nil {
		return nil
	}
	entries, err := loadMap[string](ctx, x.store, StoreKeyIndex, x.logger)
	if err != nil {
		return err
	}
	x.entries = entries
	return nil
}

// Observe records that instanceID now reads meterID. The index is only
// written when the mapping changes.
func (x *EntryIndex) Observe(ctx context.Context, instanceID, meterID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.ensureLoaded(ctx); err != nil {
		return err
	}
	prev, had := x.entries[instanceID]
	if had && prev == meterID {
		return nil
	}
	x.entries[instanceID] = meterID
	if err := saveJSON(ctx, x.store, StoreKeyIndex, x.entries); err != nil {
		if had {
			x.entries[instanceID] = prev
		} else {
			delete(x.entries, instanceID)
		}
		return err
	}
	if had {
		x.logger.Info("Instance switched meter", "instance", instanceID, "from", prev, "to", meterID)
	}
	return nil
}

// Lookup returns the meter currently owned by an instance
func (x *EntryIndex) Lookup(ctx context.Context, instanceID string) (string, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.ensureLoaded(ctx); err != nil {
		return "", false, err
	}
	meterID, ok := x.entries[instanceID]
	return meterID, ok, nil
}

// Instances lists indexed instance ids
func (x *EntryIndex) Instances(ctx context.Context) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(x.entries))
	for id := range x.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Remove drops an instance from the index and deletes its meter's record when
// no other instance references that meter. The index is saved even when the
// instance was unknown.
func (x *EntryIndex) Remove(ctx context.Context, instanceID string) (meterID string, deleted bool, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.ensureLoaded(ctx); err != nil {
		return "", false, err
	}

	meterID, found := x.entries[instanceID]
	delete(x.entries, instanceID)

	if found && !x.referenced(meterID) && x.accumulator != nil {
		if err := x.accumulator.Forget(ctx, meterID); err != nil {
			x.entries[instanceID] = meterID
			return meterID, false, err
		}
		deleted = true
	}

	if err := saveJSON(ctx, x.store, StoreKeyIndex, x.entries); err != nil {
		if found {
			x.entries[instanceID] = meterID
		}
		return meterID, deleted, err
	}
	x.logger.Debug("Cleanup complete", "instance", instanceID, "meter", meterID, "record_deleted", deleted)
	return meterID, deleted, nil
}

func (x *EntryIndex) referenced(meterID string) bool {
	for _, m := range x.entries {
		if m == meterID {
			return true
		}
	}
	return false
}
