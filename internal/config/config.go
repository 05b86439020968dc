package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"Enclosure-Core/internal/bus"
	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/internal/runlevel"
	"Enclosure-Core/internal/scheduler"
	"Enclosure-Core/internal/signal"
	"Enclosure-Core/pkg/logger"
)

// EnvPath names the environment variable consulted when no path is given.
const EnvPath = "ENCLOSURE_CONFIG"

// Config is the root of the configuration file.
type Config struct {
	Daemon   DaemonConfig    `yaml:"daemon"`
	Bus      BusConfig       `yaml:"bus"`
	Logging  LoggingConfig   `yaml:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Alerts   AlertsConfig    `yaml:"alerts"`
	Plugins  []PluginConfig  `yaml:"plugins"`
	Triggers []TriggerConfig `yaml:"triggers"`
	Bindings []BindingConfig `yaml:"bindings"`
	Schedule []ScheduleEntry `yaml:"schedule"`
}

// DaemonConfig controls the main loop.
type DaemonConfig struct {
	TickActive      time.Duration `yaml:"tick_active"`
	TickPaused      time.Duration `yaml:"tick_paused"`
	StartupDeadline time.Duration `yaml:"startup_deadline"`
	StallPolicy     string        `yaml:"stall_policy"`
	SignalBudget    int           `yaml:"signal_budget"`
	InboundBatch    int           `yaml:"inbound_batch"`
	Location        string        `yaml:"location"`
}

// BusConfig selects the bus driver.
type BusConfig struct {
	Driver         string          `yaml:"driver"`
	InboxHint      int             `yaml:"inbox_hint"`
	OutboxSize     int             `yaml:"outbox_size"`
	PublishTimeout time.Duration   `yaml:"publish_timeout"`
	Retry          RetryConfig     `yaml:"retry"`
	Redis          RedisConfig     `yaml:"redis"`
	RabbitMQ       RabbitMQConfig  `yaml:"rabbitmq"`
	WebSocket      WebSocketConfig `yaml:"websocket"`
}

type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Durable  bool   `yaml:"durable"`
}

type WebSocketConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// LoggingConfig mirrors logger.Config.
type LoggingConfig struct {
	Level   string      `yaml:"level"`
	Format  string      `yaml:"format"`
	Outputs []string    `yaml:"outputs"`
	Audit   AuditConfig `yaml:"audit"`
}

type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig enables the HTTP endpoint serving /metrics, /live and
// /ready. An empty address disables it.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// AlertsConfig controls where stall and overflow alerts go besides the
// audit log.
type AlertsConfig struct {
	Publish bool   `yaml:"publish"`
	Subject string `yaml:"subject"`
}

// PluginConfig declares one plugin instance.
type PluginConfig struct {
	ID       string            `yaml:"id"`
	Kind     string            `yaml:"kind"`
	Runlevel runlevel.Runlevel `yaml:"runlevel"`
	Requires []Requirement     `yaml:"requires"`
	Config   map[string]any    `yaml:"config"`
}

// Requirement holds a plugin out of running until another plugin's
// attribute is concrete, and equal to Value when Value is set.
type Requirement struct {
	Plugin    string `yaml:"plugin"`
	Attribute string `yaml:"attribute"`
	Value     any    `yaml:"value"`
}

// TriggerConfig maps bus subjects onto signals routed through a binding.
type TriggerConfig struct {
	Name     string       `yaml:"name"`
	Subject  string       `yaml:"subject"`
	Subjects []string     `yaml:"subjects"`
	Binding  string       `yaml:"binding"`
	Rules    []RuleConfig `yaml:"rules"`
}

type RuleConfig struct {
	Match     string         `yaml:"match"`
	Signal    *signal.Signal `yaml:"signal"`
	Namespace string         `yaml:"namespace"`
}

// BindingConfig lists the targets of a binding, in delivery order.
type BindingConfig struct {
	Name    string   `yaml:"name"`
	Targets []string `yaml:"targets"`
}

// ScheduleEntry seeds the scheduler. Exactly one of In, Every and At is set.
type ScheduleEntry struct {
	Key    string         `yaml:"key"`
	Target string         `yaml:"target"`
	Signal *signal.Signal `yaml:"signal"`
	In     time.Duration  `yaml:"in"`
	Every  time.Duration  `yaml:"every"`
	At     string         `yaml:"at"`
}

// Load reads the configuration at path, or at $ENCLOSURE_CONFIG when path
// is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "configuration path is empty")
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "load "+envFile)
		}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "read configuration")
	}
	return Parse(content, filepath.Dir(path))
}

// Parse expands ${VAR} references, decodes content, applies defaults and
// validates the result. Relative paths are resolved against baseDir.
func Parse(content []byte, baseDir string) (*Config, error) {
	expanded := os.ExpandEnv(string(content))
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "parse configuration")
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Daemon.TickActive <= 0 {
		c.Daemon.TickActive = 10 * time.Millisecond
	}
	if c.Daemon.TickPaused <= 0 {
		c.Daemon.TickPaused = time.Second
	}
	if c.Daemon.StallPolicy == "" {
		c.Daemon.StallPolicy = string(runlevel.PolicyExit)
	}
	if c.Daemon.SignalBudget == 0 {
		c.Daemon.SignalBudget = signal.DefaultBudget
	}
	if c.Daemon.InboundBatch <= 0 {
		c.Daemon.InboundBatch = 256
	}
	if c.Daemon.Location == "" {
		c.Daemon.Location = "Local"
	}

	if c.Bus.Driver == "" {
		c.Bus.Driver = bus.DriverMemory
	}
	if c.Bus.InboxHint <= 0 {
		c.Bus.InboxHint = 1024
	}
	if c.Bus.OutboxSize <= 0 {
		c.Bus.OutboxSize = 256
	}
	if c.Bus.PublishTimeout <= 0 {
		c.Bus.PublishTimeout = 5 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	} else if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Alerts.Subject == "" {
		c.Alerts.Subject = "enclosure/alert"
	}

	for i := range c.Plugins {
		if rl, err := runlevel.Parse(string(c.Plugins[i].Runlevel)); err == nil {
			c.Plugins[i].Runlevel = rl
		}
	}
	for i := range c.Triggers {
		if c.Triggers[i].Subject != "" {
			c.Triggers[i].Subjects = append([]string{c.Triggers[i].Subject}, c.Triggers[i].Subjects...)
			c.Triggers[i].Subject = ""
		}
		for j := range c.Triggers[i].Rules {
			if c.Triggers[i].Rules[j].Signal == nil {
				c.Triggers[i].Rules[j].Signal = signal.New()
			}
		}
	}
	for i := range c.Schedule {
		if c.Schedule[i].Signal == nil {
			c.Schedule[i].Signal = signal.New()
		}
	}
}

// Validate checks the parts of the configuration that do not need the
// plugin kinds. Binding targets and trigger bindings are resolved by the
// daemon once every plugin is known.
func (c *Config) Validate() error {
	if _, err := runlevel.ParsePolicy(c.Daemon.StallPolicy); err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "daemon.stall_policy")
	}
	if c.Daemon.StartupDeadline < 0 {
		return xerrors.New(xerrors.CodeConfiguration, "daemon.startup_deadline must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	ids := make(map[string]bool, len(c.Plugins))
	for i, p := range c.Plugins {
		if p.ID == "" || p.Kind == "" {
			return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("plugins[%d]: id and kind are required", i))
		}
		if strings.ContainsAny(p.ID, "/*") {
			return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("plugin id %q must not contain '/' or '*'", p.ID))
		}
		if ids[p.ID] {
			return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("plugin %s declared twice", p.ID))
		}
		ids[p.ID] = true
		if _, err := runlevel.Parse(string(p.Runlevel)); err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, "plugin "+p.ID)
		}
	}
	for _, p := range c.Plugins {
		for _, r := range p.Requires {
			if !ids[r.Plugin] || r.Attribute == "" {
				return xerrors.New(xerrors.CodeConfiguration,
					fmt.Sprintf("plugin %s requires %s.%s, which is not declared", p.ID, r.Plugin, r.Attribute))
			}
		}
	}

	for i, s := range c.Schedule {
		if s.Key == "" || s.Target == "" {
			return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("schedule[%d]: key and target are required", i))
		}
		set := 0
		for _, on := range []bool{s.In > 0, s.Every > 0, s.At != ""} {
			if on {
				set++
			}
		}
		if set != 1 {
			return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("schedule %s: exactly one of in, every, at is required", s.Key))
		}
		if s.At != "" {
			if _, err := scheduler.ParseDaily(s.At); err != nil {
				return xerrors.Wrap(xerrors.CodeConfiguration, err, "schedule "+s.Key)
			}
		}
	}
	return nil
}

// Location resolves daemon.location.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Daemon.Location)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "daemon.location")
	}
	return loc, nil
}

// BusOptions converts the bus section for bus.New.
func (c *Config) BusOptions() bus.Config {
	return bus.Config{
		Driver:    c.Bus.Driver,
		InboxHint: c.Bus.InboxHint,
		Retry: bus.RetryConfig{
			InitialInterval: c.Bus.Retry.InitialInterval,
			MaxInterval:     c.Bus.Retry.MaxInterval,
			MaxElapsedTime:  c.Bus.Retry.MaxElapsedTime,
		},
		Redis: bus.RedisConfig{
			Address:  c.Bus.Redis.Address,
			Password: c.Bus.Redis.Password,
			DB:       c.Bus.Redis.DB,
		},
		RabbitMQ: bus.RabbitMQConfig{
			URL:      c.Bus.RabbitMQ.URL,
			Exchange: c.Bus.RabbitMQ.Exchange,
			Durable:  c.Bus.RabbitMQ.Durable,
		},
		WebSocket: bus.WebSocketConfig{
			URL:    c.Bus.WebSocket.URL,
			Header: c.Bus.WebSocket.Headers,
		},
	}
}

// LoggerOptions converts the logging section for logger.Init.
func (c *Config) LoggerOptions() logger.Config {
	return logger.Config{
		Level:       c.Logging.Level,
		Format:      c.Logging.Format,
		OutputPaths: c.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    c.Logging.Audit.Enabled,
			Path:       c.Logging.Audit.Path,
			MaxSizeMB:  c.Logging.Audit.MaxSizeMB,
			MaxBackups: c.Logging.Audit.MaxBackups,
			MaxAgeDays: c.Logging.Audit.MaxAgeDays,
		},
	}
}

// Recurrence returns the start time and recurrence of a schedule entry.
func (s ScheduleEntry) Recurrence(now time.Time, loc *time.Location) (time.Time, scheduler.Recurrence, error) {
	switch {
	case s.In > 0:
		return now.Add(s.In), scheduler.Once(), nil
	case s.Every > 0:
		return now.Add(s.Every), scheduler.Every(s.Every), nil
	default:
		rec, err := scheduler.ParseDaily(s.At)
		if err != nil {
			return time.Time{}, scheduler.Recurrence{}, err
		}
		return rec.NextDaily(now, loc), rec, nil
	}
}
