package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models signalbox.yml.
type Config struct {
	Engine   Engine      `yaml:"engine"`
	Hub      Hub         `yaml:"hub"`
	Feed     Feed        `yaml:"feed"`
	Topology Topology    `yaml:"topology"`
	Trains   []SeedTrain `yaml:"trains"`
	Server   Server      `yaml:"server"`
	Auth     Auth        `yaml:"auth"`
	Store    Store       `yaml:"store"`
	Mirror   Mirror      `yaml:"mirror"`
	Webhooks []Webhook   `yaml:"webhooks"`
	RBAC     RBAC        `yaml:"rbac"`
}

type Engine struct {
	Tick           time.Duration `yaml:"tick"`
	NearRadius     float64       `yaml:"near_radius"`
	ApproachRadius float64       `yaml:"approach_radius"`
	TicketTimeout  time.Duration `yaml:"ticket_timeout"`
	AuditCapacity  int           `yaml:"audit_capacity"`
	MaxSpeed       float64       `yaml:"max_speed"`
}

type Hub struct {
	QueueSize       int           `yaml:"queue_size"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
}

type Feed struct {
	// Step is the fraction of a route segment a running train covers per tick.
	Step float64 `yaml:"step"`
}

type Topology struct {
	Tracks []Track `yaml:"tracks"`
}

type Track struct {
	ID         string     `yaml:"id"`
	From       [2]float64 `yaml:"from"`
	To         [2]float64 `yaml:"to"`
	SpeedLimit float64    `yaml:"speed_limit"`
}

type SeedTrain struct {
	ID       string       `yaml:"id"`
	Name     string       `yaml:"name"`
	Priority string       `yaml:"priority"`
	Speed    float64      `yaml:"speed"`
	MaxSpeed float64      `yaml:"max_speed"`
	Loop     bool         `yaml:"loop"`
	Route    [][2]float64 `yaml:"route"`
}

type Server struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
}

type Auth struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	DevLogin  bool          `yaml:"dev_login"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type Store struct {
	// Path to the SQLite file. Empty keeps tickets and audit in memory only.
	Path string `yaml:"path"`
}

type Mirror struct {
	// RedisURL enables the snapshot mirror, e.g. redis://localhost:6379/0.
	RedisURL string        `yaml:"redis_url"`
	Key      string        `yaml:"key"`
	Channel  string        `yaml:"channel"`
	TTL      time.Duration `yaml:"ttl"`
}

type Webhook struct {
	ID      string   `yaml:"id"`
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret"`
	Actions []string `yaml:"actions"`
}

type RBAC struct {
	Roles map[string]RBACRole `yaml:"roles"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// RolePermissions flattens the role table for auth.NewPolicy.
func (r RBAC) RolePermissions() map[string][]string {
	out := make(map[string][]string, len(r.Roles))
	for name, role := range r.Roles {
		out[name] = append([]string(nil), role.Permissions...)
	}
	return out
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.Tick <= 0 {
		return fmt.Errorf("config.engine.tick must be positive")
	}
	if c.Engine.NearRadius <= 0 {
		return fmt.Errorf("config.engine.near_radius must be positive")
	}
	if c.Engine.ApproachRadius <= c.Engine.NearRadius {
		return fmt.Errorf("config.engine.approach_radius must be greater than near_radius")
	}
	if c.Engine.TicketTimeout < 0 {
		return fmt.Errorf("config.engine.ticket_timeout must not be negative")
	}
	if c.Engine.MaxSpeed <= 0 {
		return fmt.Errorf("config.engine.max_speed must be positive")
	}
	if c.Hub.QueueSize <= 0 {
		return fmt.Errorf("config.hub.queue_size must be positive")
	}
	if c.Hub.PingInterval <= 0 || c.Hub.LivenessTimeout <= c.Hub.PingInterval {
		return fmt.Errorf("config.hub.liveness_timeout must exceed ping_interval")
	}
	if c.Feed.Step < 0 || c.Feed.Step > 1 {
		return fmt.Errorf("config.feed.step must be within (0,1]")
	}
	if len(c.Topology.Tracks) == 0 {
		return fmt.Errorf("config.topology.tracks is required")
	}
	tracks := map[string]bool{}
	for _, t := range c.Topology.Tracks {
		if t.ID == "" {
			return fmt.Errorf("config.topology.tracks contains empty id")
		}
		if tracks[t.ID] {
			return fmt.Errorf("track %s defined twice", t.ID)
		}
		tracks[t.ID] = true
	}
	trains := map[string]bool{}
	for _, t := range c.Trains {
		if t.ID == "" {
			return fmt.Errorf("config.trains contains empty id")
		}
		if trains[t.ID] {
			return fmt.Errorf("train %s defined twice", t.ID)
		}
		trains[t.ID] = true
		switch t.Priority {
		case "", "low", "medium", "high":
		default:
			return fmt.Errorf("train %s has unknown priority %s", t.ID, t.Priority)
		}
		if len(t.Route) == 0 {
			return fmt.Errorf("train %s has empty route", t.ID)
		}
		if t.Speed < 0 || t.Speed > c.Engine.MaxSpeed {
			return fmt.Errorf("train %s speed out of range", t.ID)
		}
	}
	if c.Auth.DevLogin && c.Auth.JWTSecret == "" {
		return fmt.Errorf("config.auth.dev_login requires jwt_secret")
	}
	if c.Mirror.RedisURL != "" && (c.Mirror.Key == "" || c.Mirror.Channel == "") {
		return fmt.Errorf("config.mirror.key and channel are required when redis_url is set")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		for _, required := range []string{"operator", "supervisor"} {
			if _, ok := c.RBAC.Roles[required]; !ok {
				return fmt.Errorf("config.rbac.roles must include %s", required)
			}
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

// Path returns the config file path for a directory.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "signalbox.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration: the five-block demo topology
// with three seed trains.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config from raw YAML bytes over the defaults, then
// validates it. Keys absent from data keep their default values.
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

const defaultTemplate = `engine:
  tick: 1s
  near_radius: 0.5
  approach_radius: 1.0
  ticket_timeout: 5m
  audit_capacity: 1000
  max_speed: 200

hub:
  queue_size: 8
  ping_interval: 15s
  liveness_timeout: 45s

feed:
  step: 1

topology:
  tracks:
    - {id: B1, from: [20.0, 74.5], to: [20.0, 75.0], speed_limit: 80}
    - {id: B2, from: [20.0, 75.0], to: [20.0, 75.5], speed_limit: 80}
    - {id: B3, from: [20.0, 75.5], to: [20.0, 76.0], speed_limit: 80}
    - {id: B4, from: [19.8, 75.5], to: [20.0, 75.0], speed_limit: 60}
    - {id: B5, from: [20.0, 75.0], to: [20.2, 74.5], speed_limit: 60}

trains:
  - id: T1
    name: Express 101
    priority: high
    speed: 60
    max_speed: 80
    loop: true
    route: [[20.0, 74.5], [20.0, 75.0], [20.0, 75.5], [20.0, 76.0]]
  - id: T2
    name: Freight 202
    priority: medium
    speed: 50
    max_speed: 60
    loop: true
    route: [[19.8, 75.5], [20.0, 75.0], [20.2, 74.5], [20.4, 74.0]]
  - id: T3
    name: Local 303
    priority: low
    speed: 45
    max_speed: 70
    loop: true
    route: [[20.1, 74.0], [20.0, 74.5], [20.0, 75.0], [20.0, 75.5]]

server:
  addr: 127.0.0.1:8080
  base_path: /v1

auth:
  jwt_secret: ""
  issuer: signalbox
  audience: signalbox
  dev_login: false
  token_ttl: 12h

store:
  path: ""

mirror:
  redis_url: ""
  key: signalbox:snapshot
  channel: signalbox:snapshots
  ttl: 30s

webhooks: []

rbac:
  roles:
    viewer:
      description: "Read-only dashboards"
      permissions: []
    operator:
      description: "Acts on recommendations and trains"
      permissions: [recommendation.accept, recommendation.escalate, train.control]
    supervisor:
      description: "Signs off escalated tickets"
      permissions: [recommendation.accept, recommendation.escalate, train.control, ticket.approve, ticket.reject, simulation.inject]
`
