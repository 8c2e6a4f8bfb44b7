// Copyright (C) 2025 duskmesh
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package config provides configuration management for the transport core.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration structure.
type Config struct {
	Environment   string               `yaml:"environment" json:"environment"`
	Keystore      *KeystoreConfig      `yaml:"keystore" json:"keystore"`
	CryptoSession *CryptoSessionConfig `yaml:"crypto_session" json:"crypto_session"`
	Fragmenter    *FragmenterConfig    `yaml:"fragmenter" json:"fragmenter"`
	Queue         *QueueConfig         `yaml:"queue" json:"queue"`
	Coordinator   *CoordinatorConfig   `yaml:"coordinator" json:"coordinator"`
	Logging       *LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       *MetricsConfig       `yaml:"metrics" json:"metrics"`
	Health        *HealthConfig        `yaml:"health" json:"health"`
}

// KeystoreConfig configures the secure keystore.
type KeystoreConfig struct {
	Directory     string        `yaml:"directory" json:"directory"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
}

// CryptoSessionConfig configures the crypto session layer.
type CryptoSessionConfig struct {
	RotationInterval    time.Duration `yaml:"rotation_interval" json:"rotation_interval"`
	RotationGracePeriod time.Duration `yaml:"rotation_grace_period" json:"rotation_grace_period"`
	MaxMessageAge       time.Duration `yaml:"max_message_age" json:"max_message_age"`
	TamperThreshold     int           `yaml:"tamper_threshold" json:"tamper_threshold"`
	TamperWindow        time.Duration `yaml:"tamper_window" json:"tamper_window"`
	ReplayWindowLimit   int           `yaml:"replay_window_limit" json:"replay_window_limit"`
}

// FragmenterConfig configures MTU discovery and fragmentation.
type FragmenterConfig struct {
	MinMTU              int           `yaml:"min_mtu" json:"min_mtu"`
	MaxMTU              int           `yaml:"max_mtu" json:"max_mtu"`
	DefaultMTU          int           `yaml:"default_mtu" json:"default_mtu"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	CacheTTL            time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	ReverifyInterval    time.Duration `yaml:"reverify_interval" json:"reverify_interval"`
	SafetyMarginPercent int           `yaml:"safety_margin_percent" json:"safety_margin_percent"`
	ReassemblyTimeout   time.Duration `yaml:"reassembly_timeout" json:"reassembly_timeout"`
}

// QueueConfig configures the bounded event queue.
type QueueConfig struct {
	Capacity            int           `yaml:"capacity" json:"capacity"`
	BackpressureTimeout time.Duration `yaml:"backpressure_timeout" json:"backpressure_timeout"`
}

// AdmissionConfig configures the coordinator's admission gates.
type AdmissionConfig struct {
	MaxTotal        int           `yaml:"max_total" json:"max_total"`
	MaxPerPeer      int           `yaml:"max_per_peer" json:"max_per_peer"`
	MaxNewPerMinute int           `yaml:"max_new_per_minute" json:"max_new_per_minute"`
	Cooldown        time.Duration `yaml:"cooldown" json:"cooldown"`
	TrimInterval    time.Duration `yaml:"trim_interval" json:"trim_interval"`
	WindowRetention time.Duration `yaml:"window_retention" json:"window_retention"`
}

// CircuitBreakerConfig configures the per-address circuit breaker.
type CircuitBreakerConfig struct {
	Threshold        int           `yaml:"threshold" json:"threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	HalfOpenBudget   int           `yaml:"half_open_budget" json:"half_open_budget"`
}

// ReconnectConfig configures the reconnection scheduler's backoff.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	JitterFrac  float64       `yaml:"jitter_fraction" json:"jitter_fraction"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
}

// CoordinatorConfig configures the transport coordinator.
type CoordinatorConfig struct {
	Admission       AdmissionConfig      `yaml:"admission" json:"admission"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Reconnect       ReconnectConfig      `yaml:"reconnect" json:"reconnect"`
	ConnectTimeout  time.Duration        `yaml:"connect_timeout" json:"connect_timeout"`
	FailoverTimeout time.Duration        `yaml:"failover_timeout" json:"failover_timeout"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// HealthConfig represents health check configuration.
type HealthConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Port    int      `yaml:"port" json:"port"`
	Path    string   `yaml:"path" json:"path"`
	Checks  []string `yaml:"checks" json:"checks"`
}

// LoadFromFile loads configuration from a file, trying YAML then JSON.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)

	return cfg, nil
}

// SaveToFile saves configuration to a file, choosing format by extension.
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if len(path) >= 5 && path[len(path)-5:] == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setDefaults fills in every field the component contracts pin to a
// concrete default, leaving explicit values from the loaded file intact.
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Keystore == nil {
		cfg.Keystore = &KeystoreConfig{}
	}
	if cfg.Keystore.Directory == "" {
		home, _ := os.UserHomeDir()
		cfg.Keystore.Directory = home + "/.duskmesh/keys"
	}
	if cfg.Keystore.FlushInterval == 0 {
		cfg.Keystore.FlushInterval = 5 * time.Second
	}

	if cfg.CryptoSession == nil {
		cfg.CryptoSession = &CryptoSessionConfig{}
	}
	if cfg.CryptoSession.RotationInterval == 0 {
		cfg.CryptoSession.RotationInterval = 24 * time.Hour
	}
	if cfg.CryptoSession.RotationGracePeriod == 0 {
		cfg.CryptoSession.RotationGracePeriod = 30 * time.Second
	}
	if cfg.CryptoSession.MaxMessageAge == 0 {
		cfg.CryptoSession.MaxMessageAge = 5 * time.Minute
	}
	if cfg.CryptoSession.TamperThreshold == 0 {
		cfg.CryptoSession.TamperThreshold = 3
	}
	if cfg.CryptoSession.TamperWindow == 0 {
		cfg.CryptoSession.TamperWindow = 10 * time.Second
	}
	if cfg.CryptoSession.ReplayWindowLimit == 0 {
		cfg.CryptoSession.ReplayWindowLimit = 10000
	}

	if cfg.Fragmenter == nil {
		cfg.Fragmenter = &FragmenterConfig{}
	}
	if cfg.Fragmenter.MinMTU == 0 {
		cfg.Fragmenter.MinMTU = 23
	}
	if cfg.Fragmenter.MaxMTU == 0 {
		cfg.Fragmenter.MaxMTU = 512
	}
	if cfg.Fragmenter.DefaultMTU == 0 {
		cfg.Fragmenter.DefaultMTU = 247
	}
	if cfg.Fragmenter.ProbeTimeout == 0 {
		cfg.Fragmenter.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Fragmenter.CacheTTL == 0 {
		cfg.Fragmenter.CacheTTL = time.Hour
	}
	if cfg.Fragmenter.ReverifyInterval == 0 {
		cfg.Fragmenter.ReverifyInterval = 5 * time.Minute
	}
	if cfg.Fragmenter.SafetyMarginPercent == 0 {
		cfg.Fragmenter.SafetyMarginPercent = 95
	}
	if cfg.Fragmenter.ReassemblyTimeout == 0 {
		cfg.Fragmenter.ReassemblyTimeout = 30 * time.Second
	}

	if cfg.Queue == nil {
		cfg.Queue = &QueueConfig{}
	}
	if cfg.Queue.Capacity == 0 {
		cfg.Queue.Capacity = 10000
	}
	if cfg.Queue.BackpressureTimeout == 0 {
		cfg.Queue.BackpressureTimeout = 100 * time.Millisecond
	}

	if cfg.Coordinator == nil {
		cfg.Coordinator = &CoordinatorConfig{}
	}
	if cfg.Coordinator.Admission.MaxTotal == 0 {
		cfg.Coordinator.Admission.MaxTotal = 1000
	}
	if cfg.Coordinator.Admission.MaxPerPeer == 0 {
		cfg.Coordinator.Admission.MaxPerPeer = 4
	}
	if cfg.Coordinator.Admission.MaxNewPerMinute == 0 {
		cfg.Coordinator.Admission.MaxNewPerMinute = 30
	}
	if cfg.Coordinator.Admission.Cooldown == 0 {
		cfg.Coordinator.Admission.Cooldown = 60 * time.Second
	}
	if cfg.Coordinator.Admission.TrimInterval == 0 {
		cfg.Coordinator.Admission.TrimInterval = 60 * time.Second
	}
	if cfg.Coordinator.Admission.WindowRetention == 0 {
		cfg.Coordinator.Admission.WindowRetention = 5 * time.Minute
	}
	if cfg.Coordinator.CircuitBreaker.Threshold == 0 {
		cfg.Coordinator.CircuitBreaker.Threshold = 5
	}
	if cfg.Coordinator.CircuitBreaker.RecoveryTimeout == 0 {
		cfg.Coordinator.CircuitBreaker.RecoveryTimeout = 60 * time.Second
	}
	if cfg.Coordinator.CircuitBreaker.SuccessThreshold == 0 {
		cfg.Coordinator.CircuitBreaker.SuccessThreshold = 3
	}
	if cfg.Coordinator.CircuitBreaker.HalfOpenBudget == 0 {
		cfg.Coordinator.CircuitBreaker.HalfOpenBudget = 3
	}
	if cfg.Coordinator.Reconnect.BaseDelay == 0 {
		cfg.Coordinator.Reconnect.BaseDelay = time.Second
	}
	if cfg.Coordinator.Reconnect.MaxDelay == 0 {
		cfg.Coordinator.Reconnect.MaxDelay = 300 * time.Second
	}
	if cfg.Coordinator.Reconnect.JitterFrac == 0 {
		cfg.Coordinator.Reconnect.JitterFrac = 0.15
	}
	if cfg.Coordinator.Reconnect.MaxAttempts == 0 {
		cfg.Coordinator.Reconnect.MaxAttempts = 10
	}
	if cfg.Coordinator.ConnectTimeout == 0 {
		cfg.Coordinator.ConnectTimeout = 30 * time.Second
	}
	if cfg.Coordinator.FailoverTimeout == 0 {
		cfg.Coordinator.FailoverTimeout = 10 * time.Second
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{}
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Health == nil {
		cfg.Health = &HealthConfig{}
	}
	if cfg.Health.Port == 0 {
		cfg.Health.Port = 8080
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/health"
	}
}

// Default returns a configuration populated entirely from the defaults
// named in the component contracts.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}
