// Copyright 2025 Tom Barlow
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

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	invigilerrors "github.com/invigileye/invigil/pkg/errors"
)

// Config represents the complete invigil configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Worker     WorkerConfig     `yaml:"worker"`
	Detection  DetectionConfig  `yaml:"detection"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Evidence   EvidenceConfig   `yaml:"evidence"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Listen is the TCP address the API binds to.
	// Environment: INVIGIL_LISTEN, BACKEND_PORT, PORT (port only)
	// Default: 127.0.0.1:5001
	Listen string `yaml:"listen"`

	// ShutdownTimeout bounds graceful shutdown of the daemon.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RateLimit is the sustained requests/second allowed on control routes.
	// Zero disables limiting.
	// Default: 10
	RateLimit float64 `yaml:"rate_limit"`

	// RateBurst is the burst size for control routes.
	// Default: 10
	RateBurst int `yaml:"rate_burst"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text, auto).
	// Environment: LOG_FORMAT
	// Default: auto
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// DatabaseConfig configures the SQLite exam store.
type DatabaseConfig struct {
	// Path is the SQLite database file.
	// Environment: INVIGIL_DB_PATH, DB_PATH
	// Default: <data dir>/invigil.db
	Path string `yaml:"path"`

	// WAL enables write-ahead logging.
	// Default: true
	WAL bool `yaml:"wal"`
}

// WorkerConfig describes how to launch the detection worker.
type WorkerConfig struct {
	// Interpreter runs the script. Empty means python3, then python, from PATH.
	// Environment: INVIGIL_PYTHON
	Interpreter string `yaml:"interpreter"`

	// Script is the detection entry point. Empty means discover it next to
	// the executable or the working directory.
	// Environment: INVIGIL_DETECTION_SCRIPT
	Script string `yaml:"script"`

	// Dir is the worker working directory. Empty means the script's directory.
	Dir string `yaml:"dir"`

	// WindowTitle is the window title prefix matched by the last-resort kill on windows.
	// Default: Cheating Detection
	WindowTitle string `yaml:"window_title"`

	// Env holds extra environment variables for the worker.
	Env map[string]string `yaml:"env"`
}

// DetectionConfig tunes session lifecycle behavior.
type DetectionConfig struct {
	// StopTimeout is how long a graceful stop may take before escalation.
	// Environment: INVIGIL_STOP_TIMEOUT
	// Default: 2s
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// KillWait is how long to wait for exit after a forced stop.
	// Default: 5s
	KillWait time.Duration `yaml:"kill_wait"`

	// FatalPatterns are matched case-insensitively against worker output.
	// Default: "could not open camera", "camera index out of range"
	FatalPatterns []string `yaml:"fatal_patterns"`
}

// ReconcilerConfig configures the exam expiry loop.
type ReconcilerConfig struct {
	// Enabled turns the periodic pass on.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Interval between passes.
	// Environment: INVIGIL_RECONCILE_INTERVAL
	// Default: 1m
	Interval time.Duration `yaml:"interval"`

	// Timezone exam dates and end times are written in. Empty means local time.
	Timezone string `yaml:"timezone"`
}

// EvidenceConfig configures the snapshot directory tree.
type EvidenceConfig struct {
	// Root holds one directory per exam.
	// Environment: INVIGIL_SNAPSHOTS_DIR
	// Default: <data dir>/snapshots
	Root string `yaml:"root"`

	// URLPrefix is prepended to "<examId>/<filename>" in snapshot listings.
	// Default: /api/monitoring/snapshot
	URLPrefix string `yaml:"url_prefix"`

	// Watch emits snapshot events as the worker writes files.
	// Default: true
	Watch bool `yaml:"watch"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled turns on span export.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Exporter is "stdout" or "otlp".
	// Default: stdout
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP/HTTP collector host:port.
	Endpoint string `yaml:"endpoint"`

	// SampleRatio is the fraction of traces recorded.
	// Default: 1.0
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns a configuration with default values.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:5001",
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       10,
			RateBurst:       10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Database: DatabaseConfig{
			Path: filepath.Join(dataDir, "invigil.db"),
			WAL:  true,
		},
		Worker: WorkerConfig{
			WindowTitle: "Cheating Detection",
		},
		Detection: DetectionConfig{
			StopTimeout:   2 * time.Second,
			KillWait:      5 * time.Second,
			FatalPatterns: []string{"could not open camera", "camera index out of range"},
		},
		Reconciler: ReconcilerConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
		Evidence: EvidenceConfig{
			Root:      filepath.Join(dataDir, "snapshots"),
			URLPrefix: "/api/monitoring/snapshot",
			Watch:     true,
		},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			SampleRatio: 1.0,
		},
	}
}

// Load loads configuration from an optional YAML file and the environment.
// Environment variables take precedence over file-based configuration.
// If configPath is empty, only environment variables are used.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &invigilerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &invigilerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// LoadDefault loads the config file from the XDG config directory when it
// exists, otherwise defaults plus environment.
func LoadDefault() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return Load("")
	}
	if _, err := os.Stat(path); err != nil {
		return Load("")
	}
	return Load(path)
}

// applyDefaults fills in zero values so minimal config files work.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Listen == "" {
		c.Server.Listen = defaults.Server.Listen
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = defaults.Server.RateBurst
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Database.Path == "" {
		c.Database.Path = defaults.Database.Path
	}
	if c.Worker.WindowTitle == "" {
		c.Worker.WindowTitle = defaults.Worker.WindowTitle
	}
	if c.Detection.StopTimeout == 0 {
		c.Detection.StopTimeout = defaults.Detection.StopTimeout
	}
	if c.Detection.KillWait == 0 {
		c.Detection.KillWait = defaults.Detection.KillWait
	}
	if len(c.Detection.FatalPatterns) == 0 {
		c.Detection.FatalPatterns = defaults.Detection.FatalPatterns
	}
	if c.Reconciler.Interval == 0 {
		c.Reconciler.Interval = defaults.Reconciler.Interval
	}
	if c.Evidence.Root == "" {
		c.Evidence.Root = defaults.Evidence.Root
	}
	if c.Evidence.URLPrefix == "" {
		c.Evidence.URLPrefix = defaults.Evidence.URLPrefix
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = defaults.Tracing.SampleRatio
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	path = expandHome(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	c.Database.Path = expandHome(c.Database.Path)
	c.Evidence.Root = expandHome(c.Evidence.Root)
	c.Worker.Script = expandHome(c.Worker.Script)
	c.Worker.Dir = expandHome(c.Worker.Dir)

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	// BACKEND_PORT and PORT only replace the port; INVIGIL_LISTEN replaces the address.
	for _, key := range []string{"PORT", "BACKEND_PORT"} {
		if val := os.Getenv(key); val != "" {
			if _, err := strconv.Atoi(val); err == nil {
				host, _, err := net.SplitHostPort(c.Server.Listen)
				if err != nil {
					host = "127.0.0.1"
				}
				c.Server.Listen = net.JoinHostPort(host, val)
			}
		}
	}
	if val := os.Getenv("INVIGIL_LISTEN"); val != "" {
		c.Server.Listen = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("DB_PATH"); val != "" {
		c.Database.Path = expandHome(val)
	}
	if val := os.Getenv("INVIGIL_DB_PATH"); val != "" {
		c.Database.Path = expandHome(val)
	}
	if val := os.Getenv("INVIGIL_SNAPSHOTS_DIR"); val != "" {
		c.Evidence.Root = expandHome(val)
	}
	if val := os.Getenv("INVIGIL_PYTHON"); val != "" {
		c.Worker.Interpreter = val
	}
	if val := os.Getenv("INVIGIL_DETECTION_SCRIPT"); val != "" {
		c.Worker.Script = expandHome(val)
	}
	if val := os.Getenv("INVIGIL_STOP_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Detection.StopTimeout = d
		}
	}
	if val := os.Getenv("INVIGIL_RECONCILE_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Reconciler.Interval = d
		}
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("server.listen must be host:port, got %q", c.Server.Listen))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("server.shutdown_timeout must be positive, got %v", c.Server.ShutdownTimeout))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Sprintf("server.rate_limit must be non-negative, got %v", c.Server.RateLimit))
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true, "auto": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text, auto], got %q", c.Log.Format))
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Evidence.Root == "" {
		errs = append(errs, "evidence.root is required")
	}

	if c.Detection.StopTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("detection.stop_timeout must be positive, got %v", c.Detection.StopTimeout))
	}
	if c.Detection.KillWait <= 0 {
		errs = append(errs, fmt.Sprintf("detection.kill_wait must be positive, got %v", c.Detection.KillWait))
	}
	for i, p := range c.Detection.FatalPatterns {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Sprintf("detection.fatal_patterns[%d] must not be empty", i))
		}
	}

	if c.Reconciler.Enabled && c.Reconciler.Interval < time.Second {
		errs = append(errs, fmt.Sprintf("reconciler.interval must be at least 1s, got %v", c.Reconciler.Interval))
	}
	if _, err := c.Reconciler.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("reconciler.timezone %q is not a valid location", c.Reconciler.Timezone))
	}

	switch c.Tracing.Exporter {
	case "stdout":
	case "otlp":
		if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
			errs = append(errs, "tracing.endpoint is required for the otlp exporter")
		}
	default:
		errs = append(errs, fmt.Sprintf("tracing.exporter must be one of [stdout, otlp], got %q", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_ratio must be between 0 and 1, got %v", c.Tracing.SampleRatio))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Location returns the time zone exam times are interpreted in.
func (r ReconcilerConfig) Location() (*time.Location, error) {
	if r.Timezone == "" || strings.EqualFold(r.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(r.Timezone)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
