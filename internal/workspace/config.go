package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/titanous/json5"
)

// Config is the workspace configuration stored at .crewclaw/config.json.
// The file is json5-parsed so hand edits may carry comments.
type Config struct {
	Operator     OperatorConfig     `json:"operator"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	ControlPlane ControlPlaneConfig `json:"control_plane"`
	Telemetry    TelemetryConfig    `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// OperatorConfig holds operator-broker defaults and safety switches.
type OperatorConfig struct {
	Enabled         bool     `json:"enabled"`
	Channels        []string `json:"channels,omitempty"` // enabled ingress channels
	RunTriggers     bool     `json:"run_triggers"`       // allow run_start/resume/interrupt proposals
	Provider        string   `json:"provider,omitempty"`
	Model           string   `json:"model,omitempty"`
	Reasoning       string   `json:"reasoning,omitempty"`
	SessionTTLMin   int      `json:"session_ttl_minutes"`
	MaxSessions     int      `json:"max_sessions"`
	TurnTimeoutSecs int      `json:"turn_timeout_seconds"`
}

// SchedulerConfig tunes the scheduled-run controller.
type SchedulerConfig struct {
	TickMS       int `json:"tick_ms"`
	MaxSteps     int `json:"max_steps"`      // default step budget for queued runs
	TailLines    int `json:"tail_lines"`     // captured stdout/stderr tail length
}

// ControlPlaneConfig configures the HTTP control plane.
type ControlPlaneConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"token,omitempty"` // bearer token; empty disables auth
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled      bool   `json:"enabled,omitempty"`
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
}

// DefaultConfig returns a Config with workable defaults.
func DefaultConfig() *Config {
	return &Config{
		Operator: OperatorConfig{
			Enabled:         true,
			RunTriggers:     true,
			SessionTTLMin:   60,
			MaxSessions:     32,
			TurnTimeoutSecs: 90,
		},
		Scheduler: SchedulerConfig{
			TickMS:    1000,
			MaxSteps:  50,
			TailLines: 64,
		},
		ControlPlane: ControlPlaneConfig{
			Host: "127.0.0.1",
			Port: 18990,
		},
	}
}

// LoadConfig reads config from path, then overlays CREWCLAW_* env vars.
// A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, Wrap(KindStorageIO, err, "read config")
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, Wrap(KindInvalidInput, err, "parse config")
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CREWCLAW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.ControlPlane.Port = port
		}
	}
	if v := os.Getenv("CREWCLAW_TOKEN"); v != "" {
		c.ControlPlane.Token = v
	}
}

// Save writes the config back as plain pretty JSON.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return Wrap(KindStorageIO, err, "marshal config")
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return Wrap(KindStorageIO, err, "write config")
	}
	return nil
}

// Reload replaces the mutable sections from a freshly loaded config.
func (c *Config) Reload(path string) error {
	fresh, err := LoadConfig(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.Operator = fresh.Operator
	c.Scheduler = fresh.Scheduler
	c.Telemetry = fresh.Telemetry
	c.mu.Unlock()
	return nil
}

// OperatorSnapshot returns a copy of the operator section.
func (c *Config) OperatorSnapshot() OperatorConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	op := c.Operator
	op.Channels = append([]string(nil), c.Operator.Channels...)
	return op
}

// SchedulerSnapshot returns a copy of the scheduler section.
func (c *Config) SchedulerSnapshot() SchedulerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Scheduler
}

// BaseURL returns the control-plane URL for local clients.
func (c *Config) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	host := c.ControlPlane.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, c.ControlPlane.Port)
}
