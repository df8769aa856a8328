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
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	StorageBackendFile     = "file"
	StorageBackendSQLite   = "sqlite"
	StorageBackendPostgres = "postgres"
)

type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"` // state directory (file) or database file (sqlite)
	DSN     string `yaml:"dsn"`  // postgres only
}

// InstanceConfig describes one monitored device. Username and password fall
// back to the top-level credentials.
type InstanceConfig struct {
	ID              string `yaml:"id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceID        int    `yaml:"device_id"`
	DeviceName      string `yaml:"device_name"`
	ConsumptionUnit string `yaml:"consumption_unit"`
}

type Config struct {
	Username     string           `yaml:"username"`
	Password     string           `yaml:"password"`
	BaseURL      string           `yaml:"base_url"`
	ScanInterval int              `yaml:"scan_interval_minutes"`
	Timezone     string           `yaml:"timezone"`
	WebUI        bool             `yaml:"web_ui"`
	WebPort      int              `yaml:"web_port"`
	GRPCPort     int              `yaml:"grpc_port"`
	Debug        bool             `yaml:"debug"`
	JSONLogs     bool             `yaml:"json_logs"`
	Storage      StorageConfig    `yaml:"storage"`
	Instances    []InstanceConfig `yaml:"instances"`
}

func LoadConfig(configPath string) (*Config, error) {
	config := &Config{
		BaseURL:      PortalBaseURL,
		ScanInterval: DefaultScanIntervalMinutes,
		WebPort:      DefaultWebPort,
		Storage:      StorageConfig{Backend: StorageBackendFile},
	}

	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// ApplyEnv lets EVODNIK_USERNAME and EVODNIK_PASSWORD override the file
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("EVODNIK_USERNAME"); v != "" {
		c.Username = v
	}
	if v := getenv("EVODNIK_PASSWORD"); v != "" {
		c.Password = v
	}
}

func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = PortalBaseURL
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanIntervalMinutes
	}
	if c.WebPort <= 0 {
		c.WebPort = DefaultWebPort
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageBackendFile
	}
	for i := range c.Instances {
		inst := &c.Instances[i]
		if inst.Username == "" {
			inst.Username = c.Username
		}
		if inst.Password == "" {
			inst.Password = c.Password
		}
		if inst.ConsumptionUnit == "" {
			inst.ConsumptionUnit = DefaultUnit
		}
		if inst.DeviceName == "" {
			inst.DeviceName = fmt.Sprintf("Device %d", inst.DeviceID)
		}
		if inst.ID == "" {
			inst.ID = fmt.Sprintf("evodnik_%s_%d", inst.Username, inst.DeviceID)
		}
	}
}

// Interval returns the poll interval as a duration
func (c *Config) Interval() time.Duration {
	return time.Duration(c.ScanInterval) * time.Minute
}

// Location resolves the time zone used for day keys; empty means local time
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, &ValidationError{Field: "timezone", Value: c.Timezone, Message: err.Error()}
	}
	return loc, nil
}

// Instance looks up a configured instance by id
func (c *Config) Instance(id string) (InstanceConfig, bool) {
	for _, inst := range c.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return InstanceConfig{}, false
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errors []string

	// Validate check interval
	if c.ScanInterval < MinScanIntervalMinutes || c.ScanInterval > MaxScanIntervalMinutes {
		errors = append(errors, fmt.Sprintf("scan interval must be between %d-%d minutes, got: %d",
			MinScanIntervalMinutes, MaxScanIntervalMinutes, c.ScanInterval))
	}

	// Validate ports
	if c.WebUI && (c.WebPort < 1 || c.WebPort > 65535) {
		errors = append(errors, fmt.Sprintf("web port must be between 1-65535, got: %d", c.WebPort))
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		errors = append(errors, fmt.Sprintf("grpc port must be between 0-65535, got: %d", c.GRPCPort))
	}
	if c.WebUI && c.GRPCPort != 0 && c.GRPCPort == c.WebPort {
		errors = append(errors, "web port and grpc port must differ")
	}

	if _, err := c.Location(); err != nil {
		errors = append(errors, err.Error())
	}

	switch c.Storage.Backend {
	case StorageBackendFile, StorageBackendSQLite:
	case StorageBackendPostgres:
		if c.Storage.DSN == "" {
			errors = append(errors, "storage.dsn is required for the postgres backend")
		}
	default:
		errors = append(errors, fmt.Sprintf("unknown storage backend: %q", c.Storage.Backend))
	}

	if len(c.Instances) == 0 {
		errors = append(errors, "at least one instance is required")
	}
	seen := make(map[string]bool)
	for i, inst := range c.Instances {
		if inst.Username == "" || inst.Password == "" {
			errors = append(errors, fmt.Sprintf("instance %d: username and password are required", i))
		}
		if inst.DeviceID <= 0 {
			errors = append(errors, fmt.Sprintf("instance %d: device_id must be positive, got: %d", i, inst.DeviceID))
		}
		if seen[inst.ID] {
			errors = append(errors, fmt.Sprintf("instance %d: duplicate id %q", i, inst.ID))
		}
		seen[inst.ID] = true
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}
