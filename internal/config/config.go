// Package config loads the bridge configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"owntracks/db-bridge/internal/spill"
	"owntracks/db-bridge/internal/store"
	"owntracks/db-bridge/internal/subscriber"
)

// Config groups the settings for every component of the bridge.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	// HTTPPort serves /metrics, /healthz, and /readyz.
	HTTPPort string `mapstructure:"http_port"`

	MQTT     subscriber.Config `mapstructure:"mqtt"`
	Database store.Config      `mapstructure:"database"`
	Spill    spill.Config      `mapstructure:"spill"`
}

// Load reads configuration from the given YAML file, applying defaults first
// and O2DB_* environment variables last. A missing file is not an error; the
// defaults and environment must then supply everything required.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("http_port", ":8000")
	// Empty defaults keep these keys known to viper so that environment-only
	// deployments can still set them.
	v.SetDefault("mqtt.host", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.ca", "")
	v.SetDefault("mqtt.tls", false)
	v.SetDefault("database.host", "")
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.topic", "owntracks/#")
	v.SetDefault("mqtt.client_id_prefix", "o2db")
	v.SetDefault("mqtt.keepalive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.connect_max_elapsed", 30*time.Second)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.query_timeout", 5*time.Second)
	v.SetDefault("database.connect_max_elapsed", 30*time.Second)
	v.SetDefault("spill.enabled", true)
	v.SetDefault("spill.path", "data/spill.db")

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("O2DB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host is required")
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("database.dbname is required")
	}
	return nil
}
