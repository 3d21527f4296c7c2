// Package config loads the agent configuration file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	LogLevel  string `mapstructure:"log_level"  validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=text json"`
	AgentID   string `mapstructure:"agent_id"`

	// StoreURL selects the command store: memory://, file://<dir> or redis://<addr>.
	StoreURL string `mapstructure:"store_url" validate:"required"`

	// Entities are the entity topic ids served by this agent; the first is the device.
	Entities []string `mapstructure:"entities" validate:"min=1,dive,required,excludesall=+#"`
	Root     string   `mapstructure:"root"     validate:"excludesall=+#"`

	WorkflowDir string        `mapstructure:"workflow_dir"`
	ScriptDir   string        `mapstructure:"script_dir"`
	Concurrency int           `mapstructure:"concurrency" validate:"min=1,max=64"`
	KillDelay   time.Duration `mapstructure:"kill_delay"  validate:"min=0"`

	MaxCompositeDepth     int  `mapstructure:"max_composite_depth"    validate:"min=1,max=10"`
	AdvertiseCapabilities bool `mapstructure:"advertise_capabilities"`

	// RebootCommand is run by the restart builtin; the first element is the program.
	RebootCommand []string `mapstructure:"reboot_command" validate:"min=1"`

	API    APIConfig    `mapstructure:"api"`
	Bridge BridgeConfig `mapstructure:"bridge"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address" validate:"required_if=Enabled true"`
}

type BridgeConfig struct {
	Brokers       []string `mapstructure:"brokers"        validate:"dive,hostname_port"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	OutTopic      string   `mapstructure:"out_topic"`
	InTopic       string   `mapstructure:"in_topic"`
}

// Enabled reports whether commands are mirrored to Kafka.
func (b BridgeConfig) Enabled() bool {
	return len(b.Brokers) > 0
}

func defaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("store_url", "file:///var/lib/edge-agent")
	v.SetDefault("entities", []string{"te/device/main//"})
	v.SetDefault("root", "te")
	v.SetDefault("workflow_dir", "/etc/edge-agent/operations")
	v.SetDefault("script_dir", "/usr/lib/edge-agent/scripts")
	v.SetDefault("concurrency", 4)
	v.SetDefault("kill_delay", 5*time.Second)
	v.SetDefault("max_composite_depth", 3)
	v.SetDefault("advertise_capabilities", true)
	v.SetDefault("reboot_command", []string{"systemctl", "reboot"})
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.address", "127.0.0.1:8088")
	v.SetDefault("bridge.consumer_group", "edge-agent")
	v.SetDefault("bridge.out_topic", "edge.commands.out")
	v.SetDefault("bridge.in_topic", "edge.commands.in")
}

// Load reads path (YAML or TOML, by extension) over the defaults. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	if path != "" {
		v.SetConfigFile(path)

		err := v.ReadInConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config

	err := v.Unmarshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return nil
}
