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

import "time"

// Portal endpoints
const (
	// PortalBaseURL - eVodník customer portal
	PortalBaseURL = "https://servis.evodnik.cz"

	PathDeviceList     = "/app/Device/GetDeviceList"
	PathDevicesHeaders = "/app/Device/GetDevicesHeaders"
	PathDashboard      = "/app/Device/DeviceDashboard"
)

// LoginPaths are tried in order; older portal deployments serve the form without the /app prefix
var LoginPaths = []string{
	"/Account/Login",
	"/app/Account/Login",
}

// HTTP client settings
const (
	// HTTPClientTimeout - Maximum time for a single HTTP request
	HTTPClientTimeout = 30 * time.Second

	// FetchTimeout - Upper bound for a complete login + headers + dashboard round
	FetchTimeout = 30 * time.Second

	// HTTPMaxRetries - Maximum number of retries for transport failures and 5xx responses
	HTTPMaxRetries = 3

	// HTTPInitialBackoff - First retry delay, doubled on every attempt
	HTTPInitialBackoff = 500 * time.Millisecond

	// AuthCookieMarker - Substrings identifying the ASP.NET application cookie
	AuthCookieMarker       = ".AspNet"
	AuthCookieMarkerSuffix = "ApplicationCookie"

	// AntiForgeryField - Hidden form input carrying the anti-forgery token
	AntiForgeryField = "__RequestVerificationToken"
)

// Store keys
const (
	// StoreKeyAccumulators - meter id -> MeterRecord
	StoreKeyAccumulators = "evodnik_accumulators.json"

	// StoreKeyIndex - instance id -> meter id
	StoreKeyIndex = "evodnik_index.json"

	// CorruptKeySuffix - appended to a key when an undecodable value is set aside
	CorruptKeySuffix = ".corrupt"
)

// Dashboard report item types
const (
	ReportItemDay   = 8
	ReportItemWeek  = 9
	ReportItemMonth = 10
)

// Scheduler settings
const (
	// DefaultScanIntervalMinutes - Poll interval when none is configured
	DefaultScanIntervalMinutes = 5

	// MinScanIntervalMinutes / MaxScanIntervalMinutes bound the configurable interval
	MinScanIntervalMinutes = 1
	MaxScanIntervalMinutes = 1440
)

// DayKeyLayout formats the calendar-date key used for rollover detection
const DayKeyLayout = "2006-01-02"

// Web and health settings
const (
	DefaultWebPort = 8080

	// ReadHeaderTimeout - guards the dashboard server against slow clients
	ReadHeaderTimeout = 5 * time.Second

	// ShutdownTimeout - grace period for the HTTP and gRPC servers on exit
	ShutdownTimeout = 5 * time.Second

	// HealthServiceName - service name reported by the gRPC health server
	HealthServiceName = "evodnik"
)

// Unit settings
const (
	UnitLiters      = "L"
	DefaultUnit     = "m³"
	LitersPerCubicM = 1000
)

// VirtualTotalKey - stable key of the reconciled total in the poll result
const VirtualTotalKey = "virtual_total_liters"
