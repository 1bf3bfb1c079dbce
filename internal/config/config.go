package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ladder/internal/domain"
)

// Config models ladder.yml.
type Config struct {
	Organization struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"organization"`
	Agents        []AgentConfig            `yaml:"agents"`
	Authority     map[string]AuthorityRule `yaml:"authority"`
	Escalation    EscalationConfig         `yaml:"escalation"`
	Consensus     ConsensusConfig          `yaml:"consensus"`
	Bus           BusConfig                `yaml:"bus"`
	Runtime       RuntimeConfig            `yaml:"runtime"`
	Notifications NotificationsConfig      `yaml:"notifications"`
}

type AgentConfig struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Role      string            `yaml:"role"`
	Level     int               `yaml:"level"`
	ReportsTo string            `yaml:"reports_to,omitempty"`
	Available *bool             `yaml:"available,omitempty"`
	Profile   map[string]string `yaml:"profile,omitempty"`
}

// Agent converts the roster entry into a directory record.
func (a AgentConfig) Agent() domain.Agent {
	available := true
	if a.Available != nil {
		available = *a.Available
	}
	name := a.Name
	if name == "" {
		name = a.ID
	}
	return domain.Agent{
		ID:        a.ID,
		Name:      name,
		Role:      domain.Role(a.Role),
		Level:     a.Level,
		ReportsTo: a.ReportsTo,
		Available: available,
		Profile:   a.Profile,
	}
}

type AuthorityRule struct {
	Description string `yaml:"description,omitempty"`
	MinLevel    int    `yaml:"min_level"`
	Provisional bool   `yaml:"provisional,omitempty"`
	// ProvisionalFloor is the lowest level that may act provisionally; zero means MinLevel-1.
	ProvisionalFloor int `yaml:"provisional_floor,omitempty"`
}

type EscalationConfig struct {
	// Timeouts maps authority level to the holder response window.
	Timeouts        map[int]time.Duration `yaml:"timeouts"`
	DefaultTimeout  time.Duration         `yaml:"default_timeout"`
	SweepInterval   time.Duration         `yaml:"sweep_interval"`
	RepeatWindow    time.Duration         `yaml:"repeat_window"`
	RepeatThreshold int                   `yaml:"repeat_threshold"`
}

// TimeoutFor returns the holder window for an authority level.
func (c EscalationConfig) TimeoutFor(level int) time.Duration {
	if d, ok := c.Timeouts[level]; ok && d > 0 {
		return d
	}
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return 24 * time.Hour
}

type ConsensusConfig struct {
	MaxRounds     int           `yaml:"max_rounds"`
	ReviewTimeout time.Duration `yaml:"review_timeout"`
}

type BusConfig struct {
	Redelivery    time.Duration `yaml:"redelivery"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type RuntimeConfig struct {
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	// ResponseWindow bounds how long an assignee has to acknowledge a task_assignment.
	ResponseWindow time.Duration `yaml:"response_window"`
}

type NotificationsConfig struct {
	Log      bool            `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Format         string   `yaml:"format,omitempty"`
	RatePerSecond  float64  `yaml:"rate_per_second,omitempty"`
	Burst          int      `yaml:"burst,omitempty"`
}

// Load reads and validates ladder.yml from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ladder config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ladder.yml")
}

// Validate checks the roster, matrix and timing sections.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("config.agents is required")
	}
	ids := map[string]AgentConfig{}
	roots := 0
	for _, a := range c.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("config.agents contains empty id")
		}
		if domain.IsSystemAddress(a.ID) {
			return fmt.Errorf("agent id %s uses reserved prefix %s", a.ID, domain.SystemPrefix)
		}
		if _, dup := ids[a.ID]; dup {
			return fmt.Errorf("agent %s declared twice", a.ID)
		}
		if !domain.Role(a.Role).Valid() {
			return fmt.Errorf("agent %s has invalid role %q", a.ID, a.Role)
		}
		if a.Level < domain.MinLevel || a.Level > domain.MaxLevel {
			return fmt.Errorf("agent %s level %d outside %d..%d", a.ID, a.Level, domain.MinLevel, domain.MaxLevel)
		}
		if a.ReportsTo == "" {
			roots++
		}
		ids[a.ID] = a
	}
	if roots != 1 {
		return fmt.Errorf("config.agents must have exactly one root, found %d", roots)
	}
	for _, a := range c.Agents {
		if a.ReportsTo == "" {
			continue
		}
		if _, ok := ids[a.ReportsTo]; !ok {
			return fmt.Errorf("agent %s reports to unknown agent %s", a.ID, a.ReportsTo)
		}
	}
	for category, rule := range c.Authority {
		if strings.TrimSpace(category) == "" {
			return fmt.Errorf("config.authority contains empty category")
		}
		if rule.MinLevel < domain.MinLevel || rule.MinLevel > domain.MaxLevel {
			return fmt.Errorf("authority %s min_level %d outside %d..%d", category, rule.MinLevel, domain.MinLevel, domain.MaxLevel)
		}
		if rule.ProvisionalFloor < 0 || rule.ProvisionalFloor > rule.MinLevel {
			return fmt.Errorf("authority %s provisional_floor %d must be between 0 and min_level", category, rule.ProvisionalFloor)
		}
	}
	for level, d := range c.Escalation.Timeouts {
		if level < domain.MinLevel || level > domain.MaxLevel {
			return fmt.Errorf("escalation timeout for unknown level %d", level)
		}
		if d <= 0 {
			return fmt.Errorf("escalation timeout for level %d must be positive", level)
		}
	}
	if c.Escalation.RepeatThreshold < 0 {
		return fmt.Errorf("escalation.repeat_threshold must not be negative")
	}
	if c.Consensus.MaxRounds < 0 {
		return fmt.Errorf("consensus.max_rounds must not be negative")
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("notifications.webhooks[%d].url is required", i)
		}
		if _, err := domain.CodecFor(hook.Format); err != nil {
			return fmt.Errorf("notifications.webhooks[%d]: %w", i, err)
		}
	}
	return nil
}

// ApplyDefaults fills zero-valued timing fields.
func (c *Config) ApplyDefaults() {
	if c.Escalation.RepeatWindow == 0 {
		c.Escalation.RepeatWindow = 7 * 24 * time.Hour
	}
	if c.Escalation.RepeatThreshold == 0 {
		c.Escalation.RepeatThreshold = 3
	}
	if c.Escalation.SweepInterval == 0 {
		c.Escalation.SweepInterval = time.Minute
	}
	if c.Consensus.MaxRounds == 0 {
		c.Consensus.MaxRounds = 2
	}
	if c.Consensus.ReviewTimeout == 0 {
		c.Consensus.ReviewTimeout = 30 * time.Minute
	}
	if c.Bus.Redelivery == 0 {
		c.Bus.Redelivery = 30 * time.Second
	}
	if c.Bus.SweepInterval == 0 {
		c.Bus.SweepInterval = time.Second
	}
	if c.Runtime.ReceiveTimeout == 0 {
		c.Runtime.ReceiveTimeout = 5 * time.Second
	}
	if c.Runtime.ResponseWindow == 0 {
		c.Runtime.ResponseWindow = 15 * time.Minute
	}
}

// Categories returns the configured authority categories sorted by name.
func (c *Config) Categories() []string {
	out := make([]string, 0, len(c.Authority))
	for k := range c.Authority {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `organization:
  id: marketing
  name: Marketing Department

agents:
  - id: owner
    name: Business Owner
    role: human
    level: 5
  - id: cmo
    name: Chief Marketing Officer
    role: executive
    level: 4
    reports_to: owner
  - id: content-manager
    name: Content Manager
    role: management
    level: 3
    reports_to: cmo
  - id: growth-manager
    name: Growth Manager
    role: management
    level: 3
    reports_to: cmo
  - id: copywriter
    name: Copywriter
    role: specialist
    level: 2
    reports_to: content-manager
    profile:
      tone: playful
  - id: seo-specialist
    name: SEO Specialist
    role: specialist
    level: 2
    reports_to: content-manager
    profile:
      tone: precise
  - id: social-specialist
    name: Social Media Specialist
    role: specialist
    level: 1
    reports_to: growth-manager

authority:
  content_draft:
    description: "Drafting and revising content"
    min_level: 1
  content_strategy:
    description: "Campaign themes and tactics"
    min_level: 3
    provisional: true
  campaign_launch:
    description: "Publishing a campaign"
    min_level: 3
  budget_allocation:
    description: "Moving spend between channels"
    min_level: 4
  brand_guidelines:
    description: "Changing brand voice or identity"
    min_level: 5

escalation:
  timeouts:
    1: 4h
    2: 4h
    3: 8h
    4: 24h
    5: 48h
  sweep_interval: 1m
  repeat_window: 168h
  repeat_threshold: 3

consensus:
  max_rounds: 2
  review_timeout: 30m

bus:
  redelivery: 30s
  sweep_interval: 1s

runtime:
  receive_timeout: 5s
  response_window: 15m

notifications:
  log: true
  webhooks: []
`
