package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"fleetline/internal/domain"
)

// FileName is the workspace config file.
const FileName = "fleetline.yml"

// Duration is a time.Duration written as a string ("30s", "5m") in YAML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config models fleetline.yml.
type Config struct {
	Router       Router         `yaml:"router"`
	Workers      []WorkerConfig `yaml:"workers"`
	Queue        Queue          `yaml:"queue"`
	Verification Verification   `yaml:"verification"`
	Escalation   Escalation     `yaml:"escalation"`
	Scheduler    Scheduler      `yaml:"scheduler"`
	Transport    Transport      `yaml:"transport"`
	Ticket       Ticket         `yaml:"ticket"`
	Server       Server         `yaml:"server"`
	Log          Log            `yaml:"log"`
	Telemetry    Telemetry      `yaml:"telemetry"`
}

type Router struct {
	MaxActive       int      `yaml:"max_active"`
	MaxWaiting      int      `yaml:"max_waiting"`
	MaxAttempts     int      `yaml:"max_attempts"`
	AckTimeout      Duration `yaml:"ack_timeout"`
	StallTimeout    Duration `yaml:"stall_timeout"`
	StaleAfter      Duration `yaml:"stale_after"`
	MaxPayloadBytes int      `yaml:"max_payload_bytes"`
	MaxSummaryBytes int      `yaml:"max_summary_bytes"`
}

type WorkerConfig struct {
	ID            string   `yaml:"id"`
	Capabilities  []string `yaml:"capabilities"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	Endpoint      string   `yaml:"endpoint,omitempty"`
}

type Queue struct {
	BaseDelay       Duration `yaml:"base_delay"`
	MaxDelay        Duration `yaml:"max_delay"`
	MaxRetries      int      `yaml:"max_retries"`
	BreakerFailures int      `yaml:"breaker_failures"`
	ProbeInterval   Duration `yaml:"probe_interval"`
	FlushInterval   Duration `yaml:"flush_interval"`
	BatchSize       int      `yaml:"batch_size"`
}

type Verification struct {
	ConfirmDelay         Duration `yaml:"confirm_delay"`
	QuietWindow          Duration `yaml:"quiet_window"`
	RetryDelay           Duration `yaml:"retry_delay"`
	MaxRestarts          int      `yaml:"max_restarts"`
	MaxIdenticalFailures int      `yaml:"max_identical_failures"`
}

type Escalation struct {
	Coordinator string   `yaml:"coordinator"`
	Cooldown    Duration `yaml:"cooldown"`
	ShortSLA    Duration `yaml:"short_sla"`
	NormalSLA   Duration `yaml:"normal_sla"`
}

type Scheduler struct {
	Tick Duration `yaml:"tick"`
}

type Transport struct {
	Kind    string   `yaml:"kind"`
	AgentID string   `yaml:"agent_id"`
	Timeout Duration `yaml:"timeout"`
}

type Ticket struct {
	Kind          string  `yaml:"kind"`
	TokenEnv      string  `yaml:"token_env,omitempty"`
	BaseURL       string  `yaml:"base_url,omitempty"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

type Server struct {
	Addr         string `yaml:"addr"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	DevAuth      bool   `yaml:"dev_auth"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Telemetry struct {
	Metrics      bool   `yaml:"metrics"`
	Tracing      string `yaml:"tracing"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Router.MaxActive <= 0 {
		return fmt.Errorf("config.router.max_active must be positive")
	}
	if c.Router.MaxWaiting <= 0 {
		return fmt.Errorf("config.router.max_waiting must be positive")
	}
	if c.Router.MaxAttempts <= 0 {
		return fmt.Errorf("config.router.max_attempts must be positive")
	}
	if c.Router.AckTimeout <= 0 || c.Router.StallTimeout <= 0 {
		return fmt.Errorf("config.router timeouts must be positive")
	}
	seen := map[string]bool{}
	for i, w := range c.Workers {
		if w.ID == "" {
			return fmt.Errorf("config.workers[%d].id is required", i)
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate worker id %s", w.ID)
		}
		seen[w.ID] = true
		if w.MaxConcurrent <= 0 {
			return fmt.Errorf("worker %s max_concurrent must be positive", w.ID)
		}
		if len(w.Capabilities) == 0 {
			return fmt.Errorf("worker %s has no capabilities", w.ID)
		}
		for _, capability := range w.Capabilities {
			if !domain.Kind(capability).Valid() {
				return fmt.Errorf("worker %s has unknown capability %s", w.ID, capability)
			}
		}
	}
	if c.Queue.BaseDelay <= 0 || c.Queue.MaxDelay < c.Queue.BaseDelay {
		return fmt.Errorf("config.queue.base_delay must be positive and not exceed max_delay")
	}
	if c.Queue.MaxRetries <= 0 {
		return fmt.Errorf("config.queue.max_retries must be positive")
	}
	if c.Queue.BreakerFailures <= 0 {
		return fmt.Errorf("config.queue.breaker_failures must be positive")
	}
	if c.Queue.ProbeInterval <= 0 {
		return fmt.Errorf("config.queue.probe_interval must be positive")
	}
	if c.Verification.ConfirmDelay < 0 || c.Verification.QuietWindow <= 0 {
		return fmt.Errorf("config.verification delays are invalid")
	}
	if c.Verification.MaxRestarts < 0 || c.Verification.MaxIdenticalFailures <= 0 {
		return fmt.Errorf("config.verification bounds are invalid")
	}
	if c.Escalation.Coordinator == "" {
		return fmt.Errorf("config.escalation.coordinator is required")
	}
	switch c.Transport.Kind {
	case "mailbox", "http":
	default:
		return fmt.Errorf("config.transport.kind must be mailbox or http")
	}
	if c.Transport.AgentID == "" {
		return fmt.Errorf("config.transport.agent_id is required")
	}
	switch c.Ticket.Kind {
	case "memory", "github", "none":
	default:
		return fmt.Errorf("config.ticket.kind must be memory, github or none")
	}
	switch c.Telemetry.Tracing {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("config.telemetry.tracing must be none, stdout or otlp")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the effective config.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

const defaultTemplate = `router:
  max_active: 20
  max_waiting: 500
  max_attempts: 3
  ack_timeout: 30s
  stall_timeout: 10m
  stale_after: 72h
  max_payload_bytes: 65536
  max_summary_bytes: 2000

workers: []

queue:
  base_delay: 1s
  max_delay: 5m
  max_retries: 8
  breaker_failures: 3
  probe_interval: 5m
  flush_interval: 2s
  batch_size: 50

verification:
  confirm_delay: 15s
  quiet_window: 45s
  retry_delay: 30s
  max_restarts: 5
  max_identical_failures: 3

escalation:
  coordinator: coordinator
  cooldown: 15m
  short_sla: 1h
  normal_sla: 24h

scheduler:
  tick: 1s

transport:
  kind: mailbox
  agent_id: integrator
  timeout: 10s

ticket:
  kind: memory
  token_env: GITHUB_TOKEN
  rate_per_second: 1

server:
  addr: ":8080"
  jwt_secret_env: FLEETLINE_JWT_SECRET
  dev_auth: true

log:
  level: info
  format: text

telemetry:
  metrics: true
  tracing: none
`
