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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "test_config.yaml")

	configContent := `username: user@example.com
password: secret
scan_interval_minutes: 10
timezone: Europe/Prague
web_ui: true
web_port: 9090
grpc_port: 9091
debug: true
storage:
  backend: sqlite
  path: /var/lib/evodnik/state.db
instances:
  - device_id: 4711
    device_name: Chata
    consumption_unit: L
  - id: garden
    username: other@example.com
    password: other
    device_id: 42
`

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	config, err := LoadConfig(configFile)
	if err != nil {
		t.Fatalf("Expected no error loading config, got %v", err)
	}

	if config.Username != "user@example.com" {
		t.Errorf("Expected Username 'user@example.com', got %s", config.Username)
	}
	if config.ScanInterval != 10 {
		t.Errorf("Expected ScanInterval 10, got %d", config.ScanInterval)
	}
	if !config.WebUI || config.WebPort != 9090 || config.GRPCPort != 9091 {
		t.Errorf("Unexpected server settings: web_ui=%v web_port=%d grpc_port=%d", config.WebUI, config.WebPort, config.GRPCPort)
	}
	if !config.Debug {
		t.Error("Expected Debug to be true")
	}
	if config.Storage.Backend != StorageBackendSQLite || config.Storage.Path != "/var/lib/evodnik/state.db" {
		t.Errorf("Unexpected storage config: %+v", config.Storage)
	}
	if config.BaseURL != PortalBaseURL {
		t.Errorf("Expected default BaseURL %s, got %s", PortalBaseURL, config.BaseURL)
	}
	if len(config.Instances) != 2 {
		t.Fatalf("Expected 2 instances, got %d", len(config.Instances))
	}
	if config.Instances[0].DeviceID != 4711 || config.Instances[0].ConsumptionUnit != UnitLiters {
		t.Errorf("Unexpected first instance: %+v", config.Instances[0])
	}
	if config.Instances[1].ID != "garden" {
		t.Errorf("Expected second instance id 'garden', got %s", config.Instances[1].ID)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Expected no error with empty path, got %v", err)
	}

	if config.ScanInterval != DefaultScanIntervalMinutes {
		t.Errorf("Expected default ScanInterval %d, got %d", DefaultScanIntervalMinutes, config.ScanInterval)
	}
	if config.WebPort != DefaultWebPort {
		t.Errorf("Expected default WebPort %d, got %d", DefaultWebPort, config.WebPort)
	}
	if config.Storage.Backend != StorageBackendFile {
		t.Errorf("Expected default backend %s, got %s", StorageBackendFile, config.Storage.Backend)
	}
	if config.WebUI {
		t.Error("Expected WebUI to default to false")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("Expected 'does not exist' error, got %v", err)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "invalid.yaml")
	if err := os.WriteFile(configFile, []byte("instances: [unclosed\n"), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	_, err := LoadConfig(configFile)
	if err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "failed to parse config file") {
		t.Errorf("Expected parse error, got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"EVODNIK_USERNAME": "env@example.com",
		"EVODNIK_PASSWORD": "env-secret",
	}
	config := &Config{Username: "file@example.com", Password: "file-secret"}
	config.ApplyEnv(func(k string) string { return env[k] })

	if config.Username != "env@example.com" || config.Password != "env-secret" {
		t.Errorf("Expected environment to override credentials, got %s/%s", config.Username, config.Password)
	}

	config = &Config{Username: "file@example.com"}
	config.ApplyEnv(func(string) string { return "" })
	if config.Username != "file@example.com" {
		t.Errorf("Expected empty environment to keep file value, got %s", config.Username)
	}
}

func TestApplyDefaults(t *testing.T) {
	config := &Config{
		Username: "user",
		Password: "pw",
		Instances: []InstanceConfig{
			{DeviceID: 4711},
			{ID: "custom", Username: "other", Password: "x", DeviceID: 1, DeviceName: "Dům", ConsumptionUnit: UnitLiters},
		},
	}
	config.ApplyDefaults()

	if config.ScanInterval != DefaultScanIntervalMinutes || config.WebPort != DefaultWebPort {
		t.Errorf("Expected interval and port defaults, got %d/%d", config.ScanInterval, config.WebPort)
	}
	if config.Storage.Backend != StorageBackendFile {
		t.Errorf("Expected file backend, got %s", config.Storage.Backend)
	}
	if config.Interval() != 5*time.Minute {
		t.Errorf("Expected 5m interval, got %s", config.Interval())
	}

	first := config.Instances[0]
	if first.Username != "user" || first.Password != "pw" {
		t.Errorf("Expected credentials to fall back to top level, got %s/%s", first.Username, first.Password)
	}
	if first.ConsumptionUnit != DefaultUnit {
		t.Errorf("Expected default unit %s, got %s", DefaultUnit, first.ConsumptionUnit)
	}
	if first.DeviceName != "Device 4711" {
		t.Errorf("Expected generated device name, got %s", first.DeviceName)
	}
	if first.ID != "evodnik_user_4711" {
		t.Errorf("Expected generated id 'evodnik_user_4711', got %s", first.ID)
	}

	second := config.Instances[1]
	if second.ID != "custom" || second.Username != "other" || second.DeviceName != "Dům" || second.ConsumptionUnit != UnitLiters {
		t.Errorf("Expected explicit instance settings to be kept, got %+v", second)
	}
}

func validConfig() *Config {
	config := &Config{
		Username:  "user",
		Password:  "pw",
		Instances: []InstanceConfig{{DeviceID: 4711}},
	}
	config.ApplyDefaults()
	return config
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
		},
		{
			name:    "interval too low",
			modify:  func(c *Config) { c.ScanInterval = 0 },
			wantErr: "scan interval",
		},
		{
			name:    "interval too high",
			modify:  func(c *Config) { c.ScanInterval = 2000 },
			wantErr: "scan interval",
		},
		{
			name:    "web port out of range",
			modify:  func(c *Config) { c.WebUI = true; c.WebPort = 70000 },
			wantErr: "web port",
		},
		{
			name:   "web port ignored when ui disabled",
			modify: func(c *Config) { c.WebPort = 70000 },
		},
		{
			name:    "grpc port out of range",
			modify:  func(c *Config) { c.GRPCPort = -1 },
			wantErr: "grpc port",
		},
		{
			name:    "ports collide",
			modify:  func(c *Config) { c.WebUI = true; c.GRPCPort = c.WebPort },
			wantErr: "must differ",
		},
		{
			name:    "unknown timezone",
			modify:  func(c *Config) { c.Timezone = "Mars/Olympus" },
			wantErr: "timezone",
		},
		{
			name:    "postgres without dsn",
			modify:  func(c *Config) { c.Storage.Backend = StorageBackendPostgres },
			wantErr: "storage.dsn",
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.Storage.Backend = "redis" },
			wantErr: "unknown storage backend",
		},
		{
			name:    "no instances",
			modify:  func(c *Config) { c.Instances = nil },
			wantErr: "at least one instance",
		},
		{
			name:    "missing credentials",
			modify:  func(c *Config) { c.Instances[0].Password = "" },
			wantErr: "username and password",
		},
		{
			name:    "non-positive device id",
			modify:  func(c *Config) { c.Instances[0].DeviceID = 0 },
			wantErr: "device_id",
		},
		{
			name:    "duplicate ids",
			modify:  func(c *Config) { c.Instances = append(c.Instances, c.Instances[0]) },
			wantErr: "duplicate id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.modify(config)
			err := config.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigLocation(t *testing.T) {
	config := &Config{}
	loc, err := config.Location()
	if err != nil || loc != time.Local {
		t.Errorf("Expected local time for empty timezone, got %v, %v", loc, err)
	}

	config.Timezone = "Europe/Prague"
	loc, err = config.Location()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if loc.String() != "Europe/Prague" {
		t.Errorf("Expected Europe/Prague, got %s", loc)
	}
}

func TestConfigInstanceLookup(t *testing.T) {
	config := validConfig()

	inst, ok := config.Instance("evodnik_user_4711")
	if !ok || inst.DeviceID != 4711 {
		t.Errorf("Expected to find instance 4711, got %+v, %v", inst, ok)
	}
	if _, ok := config.Instance("missing"); ok {
		t.Error("Expected lookup of unknown id to fail")
	}
}
