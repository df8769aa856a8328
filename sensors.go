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
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Sensor categories and classes
const (
	CategoryDiagnostic = "diagnostic"

	DeviceClassWater     = "water"
	DeviceClassTimestamp = "timestamp"

	StateClassMeasurement     = "measurement"
	StateClassTotalIncreasing = "total_increasing"
)

// ValveOpen is the valve state shown when water is flowing
const ValveOpen = "Voda je puštěná"

// ReasonMap explains why the valve is closed, keyed by OnFlowReason
var ReasonMap = map[int]string{
	0:  "Voda je zavřená z důvodu aktivního režimu Trvale zavřená voda",
	1:  "Byl překročen denní limit u 1. průtokoměru.",
	2:  "Byl překročen limit u 1. průtokoměru.",
	3:  "Byl vyhodnocen úkap u 1. průtokoměru.",
	5:  "Limit průtoku u 1. průtokoměru je aktuálně nastavený na nulovou hodnotu. Vodu pustíte jeho změnou.",
	6:  "Byl překročen denní limit u 2. průtokoměru.",
	7:  "Byl překročen limit u 2. průtokoměru.",
	8:  "Byl vyhodnocen úkap u 2. průtokoměru.",
	9:  "Limit průtoku u 2. průtokoměru je aktuálně nastavený na nulovou hodnotu. Vodu pustíte jeho změnou.",
	10: "Voda je zavřená z důvodu aktivního odstavení z jednotky.",
	11: "Voda je zavřená z důvodu záplavy.",
}

// RegimeMap names the device operating regimes
var RegimeMap = map[int]string{
	0: "Automatický",
	1: "Dovolená",
	2: "Simulační",
	3: "Vyšší spotřeba",
	4: "Trvale zavřená voda",
	5: "Trvale otevřená voda",
}

// Sensor is one displayed value. All variants share this type; they differ
// only in the value accessor and the icon selection.
type Sensor struct {
	Key         string
	Name        string
	Unit        string
	Icon        string
	IconFunc    func(state any) string
	Category    string
	DeviceClass string
	StateClass  string
	Value       func(*PollResult) any
	Attributes  func(*PollResult) map[string]string
}

// SensorState is a sensor evaluated against one poll result
type SensorState struct {
	Key         string            `json:"key"`
	UniqueID    string            `json:"unique_id"`
	Name        string            `json:"name"`
	State       any               `json:"state"`
	Unit        string            `json:"unit,omitempty"`
	Icon        string            `json:"icon,omitempty"`
	Category    string            `json:"category,omitempty"`
	DeviceClass string            `json:"device_class,omitempty"`
	StateClass  string            `json:"state_class,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}_]+`)

// UniqueID is stable across restarts for one instance and meter
func (s Sensor) UniqueID(instanceID, meterID string) string {
	return fmt.Sprintf("%s_%s_%s", instanceID, meterID, nonWord.ReplaceAllString(strings.ToLower(s.Name), "_"))
}

// State evaluates the accessor and converts liters when the unit asks for m³
func (s Sensor) State(r *PollResult) any {
	if r == nil || s.Value == nil {
		return nil
	}
	return ConvertVolume(s.Value(r), s.Unit)
}

// CurrentIcon picks the icon for a state
func (s Sensor) CurrentIcon(state any) string {
	if s.IconFunc != nil {
		return s.IconFunc(state)
	}
	return s.Icon
}

// Evaluate renders the sensor for display
func (s Sensor) Evaluate(instanceID string, r *PollResult) SensorState {
	state := s.State(r)
	meterID := ""
	if r != nil {
		meterID = r.MeterID
	}
	out := SensorState{
		Key:         s.Key,
		UniqueID:    s.UniqueID(instanceID, meterID),
		Name:        s.Name,
		State:       state,
		Unit:        s.Unit,
		Icon:        s.CurrentIcon(state),
		Category:    s.Category,
		DeviceClass: s.DeviceClass,
		StateClass:  s.StateClass,
	}
	if s.Attributes != nil && r != nil {
		out.Attributes = s.Attributes(r)
	}
	return out
}

// IsCubicMeters accepts the spellings users type for m³
func IsCubicMeters(unit string) bool {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "m3", "m³", "m^3":
		return true
	}
	return false
}

// ConvertVolume divides numeric liter values by 1000 for m³ units. Anything
// else passes through untouched.
func ConvertVolume(value any, unit string) any {
	if !IsCubicMeters(unit) {
		return value
	}
	var d decimal.Decimal
	switch v := value.(type) {
	case float64:
		d = decimal.NewFromFloat(v)
	case int:
		d = decimal.NewFromInt(int64(v))
	case int64:
		d = decimal.NewFromInt(v)
	default:
		return value
	}
	return d.Div(decimal.NewFromInt(LitersPerCubicM)).InexactFloat64()
}

func headerField(r *PollResult, key string) any {
	h := r.Header()
	if h == nil {
		return nil
	}
	return h[key]
}

func headerObject(r *PollResult, key string) map[string]any {
	obj, _ := headerField(r, key).(map[string]any)
	return obj
}

func itemField(r *PollResult, itemType int, key string) any {
	item := r.ReportItem(itemType)
	if item == nil {
		return nil
	}
	return item[key]
}

func asInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func valveState(r *PollResult) any {
	water := headerObject(r, "WaterFlow")
	if flowing, ok := water["WaterFlow"].(bool); ok && flowing {
		return ValveOpen
	}
	reason, ok := asInt(water["OnFlowReason"])
	if !ok {
		reason = -1
	}
	if text, ok := ReasonMap[reason]; ok {
		return text
	}
	return "Voda je zavřená"
}

func regimeState(r *PollResult) any {
	regime, ok := asInt(headerObject(r, "Regime")["Regime"])
	if !ok {
		return nil
	}
	if name, ok := RegimeMap[regime]; ok {
		return name
	}
	return nil
}

func lastRegistration(r *PollResult) any {
	for _, obj := range []string{"Regime", "WaterFlow"} {
		s, _ := headerObject(r, obj)["LastDateTime"].(string)
		if s == "" {
			continue
		}
		if t, ok := ParseDotNetDate(s); ok {
			return t.Format(time.RFC3339)
		}
		return nil
	}
	return nil
}

func trend(itemType int) func(*PollResult) any {
	return func(r *PollResult) any {
		tv, ok1 := toFloat(itemField(r, itemType, "ThisValueFlow1"))
		lv, ok2 := toFloat(itemField(r, itemType, "LastValueFlow1"))
		if !ok1 || !ok2 {
			return nil
		}
		return tv - lv
	}
}

func itemValue(itemType int, key string) func(*PollResult) any {
	return func(r *PollResult) any { return itemField(r, itemType, key) }
}

func headerValue(key string) func(*PollResult) any {
	return func(r *PollResult) any { return headerField(r, key) }
}

func rawAttributes(r *PollResult) map[string]string {
	headers, err := json.Marshal(r.Headers)
	if err != nil {
		headers = []byte(fmt.Sprint(r.Headers))
	}
	dashboard, err := json.Marshal(r.Dashboard)
	if err != nil {
		dashboard = []byte(fmt.Sprint(r.Dashboard))
	}
	return map[string]string{
		"raw_device_headers_text":   string(headers),
		"raw_device_dashboard_text": string(dashboard),
	}
}

type reportLabels struct {
	slug                                          string
	trend, mean, this, thisPrice, last, lastPrice string
}

var reportSensors = map[int]reportLabels{
	ReportItemDay: {
		slug:      "day",
		trend:     "Trend dnešní spotřeby",
		mean:      "Denní průměrná spotřeba",
		this:      "Dnešní spotřeba",
		thisPrice: "Částka za dnešní spotřebu",
		last:      "Včerejší spotřeba",
		lastPrice: "Částka za včerejší spotřebu",
	},
	ReportItemWeek: {
		slug:      "week",
		trend:     "Trend týdenní spotřeby",
		mean:      "Týdenní průměrná spotřeba",
		this:      "Spotřeba tento týden",
		thisPrice: "Částka za spotřebu tento týden",
		last:      "Spotřeba minulý týden",
		lastPrice: "Částka za spotřebu minulý týden",
	},
	ReportItemMonth: {
		slug:      "month",
		trend:     "Trend měsíční spotřeby",
		mean:      "Měsíční průměrná spotřeba",
		this:      "Spotřeba tento měsíc",
		thisPrice: "Částka za spotřebu tento měsíc",
		last:      "Spotřeba minulý měsíc",
		lastPrice: "Částka za spotřebu minulý měsíc",
	},
}

// BuildSensors returns the sensor catalogue for one instance
func BuildSensors(unit string) []Sensor {
	sensors := []Sensor{
		{
			Key:        "raw",
			Name:       "RAW data",
			Icon:       "mdi:code-json",
			Category:   CategoryDiagnostic,
			Value:      func(*PollResult) any { return "RAW" },
			Attributes: rawAttributes,
		},
		{
			Key:         "virtual_total",
			Name:        "Celková spotřeba",
			Unit:        unit,
			Icon:        "mdi:water",
			DeviceClass: DeviceClassWater,
			StateClass:  StateClassTotalIncreasing,
			Value: func(r *PollResult) any {
				if r.VirtualTotalLiters == nil {
					return nil
				}
				return *r.VirtualTotalLiters
			},
		},
		{Key: "flow_loggers", Name: "Počet průtokoměrů", Icon: "mdi:counter", Category: CategoryDiagnostic, Value: headerValue("NumberFlowLoggers")},
		{Key: "device_id", Name: "ID zařízení", Icon: "mdi:identifier", Category: CategoryDiagnostic, Value: headerValue("DeviceId")},
		{Key: "device_number", Name: "Číslo zařízení", Icon: "mdi:numeric", Category: CategoryDiagnostic, Value: headerValue("DeviceNumber")},
		{Key: "type", Name: "Typ", Icon: "mdi:chip", Category: CategoryDiagnostic, Value: headerValue("Version")},
		{Key: "version", Name: "Verze", Icon: "mdi:tag-outline", Category: CategoryDiagnostic, Value: headerValue("VersionNumber")},
		{Key: "name", Name: "Název", Icon: "mdi:label", Category: CategoryDiagnostic, Value: headerValue("DeviceName")},
		{Key: "address", Name: "Umístění", Icon: "mdi:home-map-marker", Category: CategoryDiagnostic, Value: headerValue("DeviceAddress")},
		{
			Key:         "last_registration",
			Name:        "Datum a čas poslední registrace",
			Icon:        "mdi:clock-time-four-outline",
			Category:    CategoryDiagnostic,
			DeviceClass: DeviceClassTimestamp,
			Value:       lastRegistration,
		},
		{
			Key:      "availability",
			Name:     "Dostupnost",
			Category: CategoryDiagnostic,
			Value: func(r *PollResult) any {
				if online, _ := headerField(r, "Online").(bool); online {
					return "Online"
				}
				return "Offline"
			},
			IconFunc: func(state any) string {
				if state == "Online" {
					return "mdi:lan-connect"
				}
				return "mdi:lan-disconnect"
			},
		},
		{
			Key:   "valve",
			Name:  "Stav ventilu",
			Value: valveState,
			IconFunc: func(state any) string {
				if state == ValveOpen {
					return "mdi:valve-open"
				}
				return "mdi:valve-closed"
			},
		},
		{Key: "regime", Name: "Aktuální režim", Icon: "mdi:cog-sync", Value: regimeState},
	}

	for _, itemType := range []int{ReportItemDay, ReportItemWeek, ReportItemMonth} {
		l := reportSensors[itemType]
		sensors = append(sensors,
			Sensor{Key: l.slug + "_trend", Name: l.trend, Unit: unit, Icon: "mdi:chart-line", DeviceClass: DeviceClassWater, StateClass: StateClassMeasurement, Value: trend(itemType)},
			Sensor{Key: l.slug + "_mean", Name: l.mean, Unit: unit, Icon: "mdi:water", DeviceClass: DeviceClassWater, StateClass: StateClassMeasurement, Value: itemValue(itemType, "MeanFlow1")},
			Sensor{Key: l.slug + "_this", Name: l.this, Unit: unit, Icon: "mdi:water", DeviceClass: DeviceClassWater, StateClass: StateClassMeasurement, Value: itemValue(itemType, "ThisValueFlow1")},
			Sensor{Key: l.slug + "_this_price", Name: l.thisPrice, Icon: "mdi:cash", Value: itemValue(itemType, "ThisPriceFlow")},
			Sensor{Key: l.slug + "_last", Name: l.last, Unit: unit, Icon: "mdi:water", DeviceClass: DeviceClassWater, StateClass: StateClassMeasurement, Value: itemValue(itemType, "LastValueFlow1")},
			Sensor{Key: l.slug + "_last_price", Name: l.lastPrice, Icon: "mdi:cash-clock", Value: itemValue(itemType, "LastPriceFlow")},
		)
	}
	return sensors
}

// EvaluateAll renders every sensor against a poll result
func EvaluateAll(sensors []Sensor, instanceID string, r *PollResult) []SensorState {
	out := make([]SensorState, 0, len(sensors))
	for _, s := range sensors {
		out = append(out, s.Evaluate(instanceID, r))
	}
	return out
}
