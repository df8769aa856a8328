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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetcher returns queued responses in order, repeating the last one
type fakeFetcher struct {
	mu        sync.Mutex
	responses []fetchResponse
	calls     int
	block     chan struct{}
}

type fetchResponse struct {
	data *PollData
	err  error
}

func (f *fakeFetcher) push(data *PollData, err error) {
	f.mu.Lock()
	f.responses = append(f.responses, fetchResponse{data, err})
	f.mu.Unlock()
}

func (f *fakeFetcher) FetchAll(ctx context.Context, deviceID int) (*PollData, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.responses) == 0 {
		return nil, errors.New("no response queued")
	}
	r := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return r.data, r.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type coordinatorFixture struct {
	coord   *Coordinator
	fetcher *fakeFetcher
	store   *memStore
	clock   clockwork.FakeClock
	metrics *Metrics
	index   *EntryIndex
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	store := newMemStore()
	clock := clockwork.NewFakeClockAt(day1)
	acc := newTestAccumulator(store, clock)
	index := NewEntryIndex(store, acc, nil)
	metrics := NewMetrics()
	fetcher := &fakeFetcher{}

	inst := InstanceConfig{ID: "evodnik_a_4711", DeviceID: 4711, DeviceName: "Chata", ConsumptionUnit: UnitLiters}
	coord := NewCoordinator(inst, fetcher, CoordinatorOptions{
		Accumulator: acc,
		Index:       index,
		Metrics:     metrics,
		Clock:       clock,
		Interval:    5 * time.Minute,
	})
	return &coordinatorFixture{coord: coord, fetcher: fetcher, store: store, clock: clock, metrics: metrics, index: index}
}

func TestCoordinatorRefresh(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	f.fetcher.push(samplePollData(t, "123", 10, 40), nil)

	result, err := f.coord.Refresh(ctx)
	require.NoError(t, err)
	require.NotNil(t, result.VirtualTotalLiters)
	assert.Equal(t, 10.0, *result.VirtualTotalLiters)
	assert.Equal(t, "123", result.MeterID)
	assert.Equal(t, day1, result.FetchedAt)

	assert.Same(t, result, f.coord.Data())
	assert.NoError(t, f.coord.LastError())
	assert.Equal(t, day1, f.coord.LastSuccess())
	assert.True(t, f.coord.Healthy())

	meter, ok, err := f.index.Lookup(ctx, "evodnik_a_4711")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "123", meter)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.polls.WithLabelValues("evodnik_a_4711", PollResultSuccess)))
	assert.Equal(t, 10.0, testutil.ToFloat64(f.metrics.reportedTotal.WithLabelValues("evodnik_a_4711", "123")))
}

func TestCoordinatorKeepsStaleDataOnFetchError(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	f.fetcher.push(samplePollData(t, "123", 10, 40), nil)
	f.fetcher.push(nil, &AuthError{Username: "a", Message: "login failed"})

	first, err := f.coord.Refresh(ctx)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	_, err = f.coord.Refresh(ctx)
	var ferr *FetchError
	require.True(t, errors.As(err, &ferr))
	assert.True(t, ferr.IsAuthFailure())
	assert.Equal(t, "evodnik_a_4711", ferr.Instance)

	assert.Same(t, first, f.coord.Data())
	assert.Equal(t, day1, f.coord.LastSuccess())
	assert.Error(t, f.coord.LastError())
	assert.False(t, f.coord.Healthy())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.polls.WithLabelValues("evodnik_a_4711", PollResultAuthError)))

	st := f.coord.Status()
	assert.False(t, st.Healthy)
	assert.Contains(t, st.LastError, "login failed")
	assert.Equal(t, 10.0, st.Total)
}

func TestCoordinatorOmitsTotalWhenPersistenceFails(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	f.fetcher.push(samplePollData(t, "123", 10, 40), nil)
	f.store.setFailSave(true)

	result, err := f.coord.Refresh(ctx)
	require.NoError(t, err)
	assert.Nil(t, result.VirtualTotalLiters)
	assert.Equal(t, "Chata", result.Header()["DeviceName"])
	assert.True(t, f.coord.Healthy())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.reconcileFailed.WithLabelValues("evodnik_a_4711", "save")))

	f.store.setFailSave(false)
	result, err = f.coord.Refresh(ctx)
	require.NoError(t, err)
	require.NotNil(t, result.VirtualTotalLiters)
	assert.Equal(t, 10.0, *result.VirtualTotalLiters)
}

func TestCoordinatorRefreshCollapsesConcurrentCalls(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.fetcher.block = make(chan struct{})
	f.fetcher.push(samplePollData(t, "123", 10, 40), nil)

	var wg sync.WaitGroup
	results := make([]*PollResult, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.coord.Refresh(context.Background())
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}

	// let the callers pile up behind the first fetch
	time.Sleep(50 * time.Millisecond)
	close(f.fetcher.block)
	wg.Wait()

	assert.LessOrEqual(t, f.fetcher.callCount(), len(results))
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, 10.0, *r.VirtualTotalLiters)
	}
}

func TestCoordinatorStartPollsOnTicker(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.fetcher.push(samplePollData(t, "123", 10, 40), nil)
	f.fetcher.push(samplePollData(t, "123", 15, 40), nil)

	updates := make(chan error, 10)
	f.coord.OnUpdate(func(_ string, err error) { updates <- err })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.coord.Start(ctx) }()

	require.NoError(t, <-updates)
	assert.Equal(t, 10.0, *f.coord.Data().VirtualTotalLiters)

	f.clock.BlockUntil(1)
	f.clock.Advance(5 * time.Minute)
	require.NoError(t, <-updates)
	assert.Equal(t, 15.0, *f.coord.Data().VirtualTotalLiters)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("coordinator did not stop")
	}
	assert.Equal(t, 2, f.fetcher.callCount())
}

func TestCoordinatorSensorsBeforeFirstPoll(t *testing.T) {
	f := newCoordinatorFixture(t)
	assert.Nil(t, f.coord.Data())
	assert.Nil(t, f.coord.Sensors())
	assert.False(t, f.coord.Healthy())

	st := f.coord.Status()
	assert.Nil(t, st.LastSuccess)
	assert.Nil(t, st.Total)
}

func TestCoordinatorMeterSwitch(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	f.fetcher.push(samplePollData(t, "123", 10, 40), nil)
	f.fetcher.push(samplePollData(t, "999", 3, 0), nil)

	_, err := f.coord.Refresh(ctx)
	require.NoError(t, err)
	result, err := f.coord.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3.0, *result.VirtualTotalLiters)

	meter, _, err := f.index.Lookup(ctx, "evodnik_a_4711")
	require.NoError(t, err)
	assert.Equal(t, "999", meter)
}
