// Package config loads the optional YAML configuration file. Values given on
// the command line or in the environment are merged on top by the commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dukex/conductor/pkg/dispatch"
	"github.com/dukex/conductor/pkg/notify"
	"github.com/dukex/conductor/pkg/queue"
	"github.com/dukex/conductor/pkg/schedule"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	ResultsQueue  string             `validate:"required"                                            yaml:"results_queue"`
	Agents        map[string]string  `validate:"required,min=1,dive,keys,required,endkeys,required" yaml:"agents"`
	Webhooks      WebhookConfig      `yaml:"webhooks"`
	Notifications NotificationConfig `yaml:"notifications"`
	Bridge        BridgeConfig       `yaml:"bridge"`
	Schedules     []schedule.Job     `validate:"dive"                                                yaml:"schedules"`
}

// WebhookConfig holds the HMAC secrets. A per-source secret overrides the
// shared one.
type WebhookConfig struct {
	SharedSecret string            `yaml:"shared_secret"`
	Secrets      map[string]string `validate:"dive,keys,required,endkeys,required" yaml:"secrets"`
}

type NotificationConfig struct {
	Targets     []string      `validate:"dive,http_url" yaml:"targets"`
	Timeout     time.Duration `validate:"gte=0"         yaml:"timeout"`
	Concurrency int           `validate:"gte=0"         yaml:"concurrency"`
}

type BridgeConfig struct {
	PollInterval time.Duration `validate:"gte=0" yaml:"poll_interval"`
	AwaitTimeout time.Duration `validate:"gte=0" yaml:"await_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ResultsQueue: queue.ResultsTopic,
		Agents:       queue.DefaultAgentTopics(),
		Webhooks:     WebhookConfig{Secrets: map[string]string{}},
		Notifications: NotificationConfig{
			Timeout:     notify.DefaultTimeout,
			Concurrency: notify.DefaultConcurrency,
		},
		Bridge: BridgeConfig{
			PollInterval: dispatch.DefaultPollInterval,
			AwaitTimeout: dispatch.DefaultAwaitTimeout,
		},
	}
}

// Load reads the file at path over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes data over the defaults. A file that lists agents replaces the
// default agent topics instead of extending them.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	defaultAgents := cfg.Agents
	cfg.Agents = nil

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if len(cfg.Agents) == 0 {
		cfg.Agents = defaultAgents
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	names := make(map[string]struct{}, len(c.Schedules))

	for _, job := range c.Schedules {
		if _, ok := names[job.Name]; ok {
			return fmt.Errorf("%w: duplicate schedule %s", ErrInvalidConfig, job.Name)
		}

		names[job.Name] = struct{}{}
	}

	return nil
}

// SetAgents replaces the agent topics, used when AGENT_QUEUES is given.
func (c *Config) SetAgents(agents map[string]string) {
	if len(agents) > 0 {
		c.Agents = agents
	}
}
