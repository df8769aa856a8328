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
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// Fetcher retrieves one round of portal data for a device
type Fetcher interface {
	FetchAll(ctx context.Context, deviceID int) (*PollData, error)
}

// Coordinator polls one configured instance and keeps its latest result
type Coordinator struct {
	instance    InstanceConfig
	fetcher     Fetcher
	accumulator *Accumulator
	index       *EntryIndex
	metrics     *Metrics
	logger      *Logger
	clock       clockwork.Clock
	interval    time.Duration
	sensors     []Sensor

	group singleflight.Group

	mu          sync.RWMutex
	data        *PollResult
	lastErr     error
	lastSuccess time.Time
	refreshed   bool
	onUpdate    func(instanceID string, err error)
}

type CoordinatorOptions struct {
	Accumulator *Accumulator
	Index       *EntryIndex
	Metrics     *Metrics
	Logger      *Logger
	Clock       clockwork.Clock
	Interval    time.Duration
}

func NewCoordinator(instance InstanceConfig, fetcher Fetcher, opts CoordinatorOptions) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = NewDiscardLogger()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Duration(DefaultScanIntervalMinutes) * time.Minute
	}
	return &Coordinator{
		instance:    instance,
		fetcher:     fetcher,
		accumulator: opts.Accumulator,
		index:       opts.Index,
		metrics:     opts.Metrics,
		logger:      opts.Logger.WithComponent("coordinator").WithInstance(instance.ID),
		clock:       opts.Clock,
		interval:    opts.Interval,
		sensors:     BuildSensors(instance.ConsumptionUnit),
	}
}

// OnUpdate registers a callback run after every refresh attempt
func (c *Coordinator) OnUpdate(fn func(instanceID string, err error)) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

func (c *Coordinator) Instance() InstanceConfig {
	return c.instance
}

// Refresh polls the portal once. Concurrent calls share one fetch.
func (c *Coordinator) Refresh(ctx context.Context) (*PollResult, error) {
	v, err, _ := c.group.Do("refresh", func() (any, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*PollResult), nil
}

func (c *Coordinator) refresh(ctx context.Context) (*PollResult, error) {
	start := c.clock.Now()

	fetchCtx, cancel := context.WithTimeout(ctx, FetchTimeout)
	data, err := c.fetcher.FetchAll(fetchCtx, c.instance.DeviceID)
	cancel()
	if err != nil {
		ferr := &FetchError{Instance: c.instance.ID, Err: err}
		c.logger.LogAPIError(err, "FetchAll")
		c.logger.Info("Keeping previous data", "last_success", c.LastSuccess())
		c.finish(nil, ferr, start)
		return nil, ferr
	}

	meterID := MeterID(data)
	reading := ExtractReading(data, c.logger)
	result := &PollResult{
		Headers:   data.Headers,
		Dashboard: data.Dashboard,
		MeterID:   meterID,
		FetchedAt: c.clock.Now(),
	}

	if c.index != nil {
		if err := c.index.Observe(ctx, c.instance.ID, meterID); err != nil {
			c.logger.Warn("Failed to update entry index", "meter", meterID, "error", err.Error())
		}
	}

	if c.accumulator != nil {
		log := c.logger.WithMeter(meterID)
		total, err := c.accumulator.Reconcile(ctx, meterID, reading)
		if err != nil {
			log.Error("Failed to persist accumulator, total omitted", "error", err.Error())
			c.metrics.ObserveReconcileFailure(c.instance.ID, err)
		} else {
			result.VirtualTotalLiters = &total
			c.metrics.SetReportedTotal(c.instance.ID, meterID, total)
			log.Debug("Reconciled",
				"today_liters", reading.Today,
				"yesterday_liters", reading.Yesterday,
				"total_liters", total,
			)
		}
	}

	c.finish(result, nil, start)
	return result, nil
}

func (c *Coordinator) finish(result *PollResult, err error, start time.Time) {
	c.metrics.ObservePoll(c.instance.ID, err, c.clock.Since(start))

	c.mu.Lock()
	c.refreshed = true
	c.lastErr = err
	if err == nil {
		c.data = result
		c.lastSuccess = result.FetchedAt
	}
	hook := c.onUpdate
	c.mu.Unlock()

	if hook != nil {
		hook(c.instance.ID, err)
	}
}

// Start refreshes immediately and then on every tick until ctx is cancelled
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("Starting coordinator", "device_id", c.instance.DeviceID, "interval", c.interval.String())

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	_, _ = c.Refresh(ctx)

	for {
		select {
		case <-ticker.Chan():
			_, _ = c.Refresh(ctx)
		case <-ctx.Done():
			c.logger.Info("Stopping coordinator")
			return nil
		}
	}
}

// Data is the last successful result, nil before the first success
func (c *Coordinator) Data() *PollResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data
}

// LastError is the error of the most recent refresh, nil if it succeeded
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Coordinator) LastSuccess() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}

// Healthy reports whether the most recent refresh succeeded
func (c *Coordinator) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshed && c.lastErr == nil
}

// Sensors evaluates the sensor catalogue against the cached result
func (c *Coordinator) Sensors() []SensorState {
	data := c.Data()
	if data == nil {
		return nil
	}
	return EvaluateAll(c.sensors, c.instance.ID, data)
}

// InstanceStatus is the summary shown on the dashboard and the API
type InstanceStatus struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	DeviceID    int        `json:"device_id"`
	MeterID     string     `json:"meter_id,omitempty"`
	Unit        string     `json:"unit"`
	Total       any        `json:"total,omitempty"`
	Healthy     bool       `json:"healthy"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

func (c *Coordinator) Status() InstanceStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := InstanceStatus{
		ID:       c.instance.ID,
		Name:     c.instance.DeviceName,
		DeviceID: c.instance.DeviceID,
		Unit:     c.instance.ConsumptionUnit,
		Healthy:  c.refreshed && c.lastErr == nil,
	}
	if c.data != nil {
		st.MeterID = c.data.MeterID
		if c.data.VirtualTotalLiters != nil {
			st.Total = ConvertVolume(*c.data.VirtualTotalLiters, c.instance.ConsumptionUnit)
		}
	}
	if !c.lastSuccess.IsZero() {
		t := c.lastSuccess
		st.LastSuccess = &t
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}
