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
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MeterRecord is the persisted accumulator state of one meter.
//
// DailyOffsetLiters is the sum of every completed day since the meter was
// first seen. The reported total is the offset plus the still-running day,
// never lower than LastReportedLiters.
type MeterRecord struct {
	DailyOffsetLiters  float64 `json:"daily_offset_liters"`
	LastRolloverDay    string  `json:"last_rollover_day,omitempty"`
	Initialized        bool    `json:"initialized"`
	LastReportedLiters float64 `json:"last_reported_liters"`

	// Written by the delta-tracking releases; read once for migration.
	LegacyLastTodayLiters *float64 `json:"last_today_liters,omitempty"`
}

// Accumulator turns the resettable daily counters into a monotonic total.
// Records are loaded from the store on first use and every change is saved
// before Reconcile returns.
type Accumulator struct {
	store    Store
	clock    clockwork.Clock
	location *time.Location
	logger   *Logger

	mu      sync.Mutex // guards records and the write-through save
	records map[string]MeterRecord

	locksMu    sync.Mutex
	meterLocks map[string]*sync.Mutex
}

func NewAccumulator(store Store, clock clockwork.Clock, location *time.Location, logger *Logger) *Accumulator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if location == nil {
		location = time.Local
	}
	if logger == nil {
		logger = NewDiscardLogger()
	}
	return &Accumulator{
		store:      store,
		clock:      clock,
		location:   location,
		logger:     logger.WithComponent("accumulator"),
		meterLocks: make(map[string]*sync.Mutex),
	}
}

// DayKey is the calendar date of t in the accumulator's time zone
func (a *Accumulator) DayKey(t time.Time) string {
	return t.In(a.location).Format(DayKeyLayout)
}

func (a *Accumulator) lockMeter(meterID string) func() {
	a.locksMu.Lock()
	l, ok := a.meterLocks[meterID]
	if !ok {
		l = &sync.Mutex{}
		a.meterLocks[meterID] = l
	}
	a.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// ensureLoaded must be called with a.mu held
func (a *Accumulator) ensureLoaded(ctx context.Context) error {
	if a.records != nil {
		return nil
	}
	records, err := loadMap[MeterRecord](ctx, a.store, StoreKeyAccumulators, a.logger)
	if err != nil {
		return err
	}
	a.records = records
	return nil
}

// Reconcile folds one reading into the meter's record and returns the total to
// report, in liters. The record is persisted before returning; on a
// persistence error nothing changes in memory either.
func (a *Accumulator) Reconcile(ctx context.Context, meterID string, reading Reading) (float64, error) {
	unlock := a.lockMeter(meterID)
	defer unlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureLoaded(ctx); err != nil {
		return 0, err
	}

	prev, existed := a.records[meterID]
	next, total := a.advance(meterID, prev, reading, a.DayKey(a.clock.Now()))

	a.records[meterID] = next
	if err := saveJSON(ctx, a.store, StoreKeyAccumulators, a.records); err != nil {
		if existed {
			a.records[meterID] = prev
		} else {
			delete(a.records, meterID)
		}
		return 0, err
	}
	return total, nil
}

// advance is the pure reconciliation step
func (a *Accumulator) advance(meterID string, rec MeterRecord, r Reading, today string) (MeterRecord, float64) {
	todayLiters := math.Max(r.Today, 0)
	yesterdayLiters := math.Max(r.Yesterday, 0)

	switch {
	case !rec.Initialized && rec.LegacyLastTodayLiters != nil:
		grand := rec.DailyOffsetLiters
		lastToday := *rec.LegacyLastTodayLiters
		// legacy records carry no day key: the last poll counts as today's
		// unless the counter reset, and then yesterday's remainder is added
		offset := grand + math.Max(yesterdayLiters-lastToday, 0)
		if todayLiters >= lastToday {
			offset = grand - lastToday
		}
		rec = MeterRecord{
			DailyOffsetLiters:  math.Max(offset, 0),
			LastRolloverDay:    today,
			Initialized:        true,
			LastReportedLiters: math.Max(grand, rec.LastReportedLiters),
		}
		a.logger.Info("Migrated delta-tracking record",
			"meter", meterID,
			"grand_total_liters", grand,
			"daily_offset_liters", rec.DailyOffsetLiters,
		)

	case !rec.Initialized && rec.LastRolloverDay == today && rec.DailyOffsetLiters > 0:
		// yesterday was folded in during initialization by an older release
		corrected := math.Max(rec.DailyOffsetLiters-yesterdayLiters, 0)
		a.logger.Info("Corrected offset initialised with yesterday's consumption",
			"meter", meterID,
			"before_liters", rec.DailyOffsetLiters,
			"after_liters", corrected,
		)
		rec.DailyOffsetLiters = corrected
		rec.Initialized = true
		rec.LastReportedLiters = 0

	case !rec.Initialized:
		rec = MeterRecord{
			LastRolloverDay: today,
			Initialized:     true,
		}
		a.logger.Debug("Initialised meter", "meter", meterID, "day", today)

	case rec.LastRolloverDay != today:
		rec.DailyOffsetLiters += yesterdayLiters
		a.logger.Debug("Day rollover",
			"meter", meterID,
			"from", rec.LastRolloverDay,
			"to", today,
			"added_liters", yesterdayLiters,
		)
		rec.LastRolloverDay = today
	}

	total := math.Max(rec.DailyOffsetLiters+todayLiters, rec.LastReportedLiters)
	rec.LastReportedLiters = total
	return rec, total
}

// Record returns a copy of the stored record for a meter
func (a *Accumulator) Record(ctx context.Context, meterID string) (MeterRecord, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureLoaded(ctx); err != nil {
		return MeterRecord{}, false, err
	}
	rec, ok := a.records[meterID]
	return rec, ok, nil
}

// Meters lists the meter ids that have a record
func (a *Accumulator) Meters(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(a.records))
	for id := range a.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Forget deletes a meter's record. Unknown meters are a no-op.
func (a *Accumulator) Forget(ctx context.Context, meterID string) error {
	unlock := a.lockMeter(meterID)
	defer unlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureLoaded(ctx); err != nil {
		return err
	}
	prev, ok := a.records[meterID]
	if !ok {
		return nil
	}
	delete(a.records, meterID)
	if err := saveJSON(ctx, a.store, StoreKeyAccumulators, a.records); err != nil {
		a.records[meterID] = prev
		return err
	}
	a.logger.Info("Removed accumulator record", "meter", meterID)
	return nil
}
