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
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
)

// PollData is the raw portal payload of one poll
type PollData struct {
	Headers   []any          `json:"headers"`
	Dashboard map[string]any `json:"dashboard"`
}

// PollResult is PollData merged with the reconciled total. VirtualTotalLiters
// is nil when reconciliation failed for this poll.
type PollResult struct {
	Headers            []any          `json:"headers"`
	Dashboard          map[string]any `json:"dashboard"`
	MeterID            string         `json:"meter_id"`
	VirtualTotalLiters *float64       `json:"virtual_total_liters,omitempty"`
	FetchedAt          time.Time      `json:"fetched_at"`
}

// Reading is the pair of counters the accumulator consumes, in liters
type Reading struct {
	Today     float64
	Yesterday float64
	// Malformed lists fields that were missing or not numeric and read as 0
	Malformed []string
}

const (
	pathToday        = "$.ReportItems[?(@.ItemType == 8)].ThisValueFlow1"
	pathYesterday    = "$.ReportItems[?(@.ItemType == 8)].LastValueFlow1"
	pathDeviceNumber = "$[0].DeviceNumber"
)

var dotNetDatePattern = regexp.MustCompile(`/Date\((-?\d+)`)

// lookup evaluates a JSONPath and keeps the first match when the result is a list
func lookup(path string, obj any) (any, error) {
	if obj == nil {
		return nil, fmt.Errorf("no data for %q", path)
	}
	val, err := jsonpath.Get(path, obj)
	if err != nil {
		return nil, err
	}
	if list, ok := val.([]any); ok {
		if len(list) == 0 {
			return nil, fmt.Errorf("no match for %q", path)
		}
		val = list[0]
	}
	return val, nil
}

// toFloat accepts JSON numbers and numeric strings (with either decimal separator)
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(n), ",", ".")
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ExtractReading pulls today's and yesterday's day counters out of the dashboard
func ExtractReading(d *PollData, logger *Logger) Reading {
	var r Reading
	var dashboard any
	if d != nil && d.Dashboard != nil {
		dashboard = d.Dashboard
	}
	r.Today = r.number(dashboard, "ThisValueFlow1", pathToday, logger)
	r.Yesterday = r.number(dashboard, "LastValueFlow1", pathYesterday, logger)
	return r
}

func (r *Reading) number(obj any, field, path string, logger *Logger) float64 {
	raw, err := lookup(path, obj)
	if err == nil {
		if f, ok := toFloat(raw); ok && f >= 0 {
			return f
		}
	}
	r.Malformed = append(r.Malformed, field)
	if logger != nil {
		logger.LogMalformedField(field, raw)
	}
	return 0
}

// MeterID returns the device number from the first header, "unknown" when absent
func MeterID(d *PollData) string {
	if d == nil || len(d.Headers) == 0 {
		return "unknown"
	}
	raw, err := lookup(pathDeviceNumber, d.Headers)
	if err != nil || raw == nil {
		return "unknown"
	}
	return formatScalar(raw)
}

func formatScalar(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case string:
		return n
	default:
		return fmt.Sprint(n)
	}
}

// ParseDotNetDate decodes the portal's "/Date(1700000000000)/" timestamps
func ParseDotNetDate(s string) (time.Time, bool) {
	m := dotNetDatePattern.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

// Header returns the first device header object
func (p *PollResult) Header() map[string]any {
	if p == nil || len(p.Headers) == 0 {
		return nil
	}
	h, _ := p.Headers[0].(map[string]any)
	return h
}

// ReportItem returns the dashboard report item of the given type
func (p *PollResult) ReportItem(itemType int) map[string]any {
	if p == nil || p.Dashboard == nil {
		return nil
	}
	raw, err := lookup(fmt.Sprintf("$.ReportItems[?(@.ItemType == %d)]", itemType), p.Dashboard)
	if err != nil {
		return nil
	}
	item, _ := raw.(map[string]any)
	return item
}
