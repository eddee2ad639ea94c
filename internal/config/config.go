package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// ErrNoSecret: without the identity-signing secret no connection can be
// authenticated, so starting up would only produce a useless server.
var ErrNoSecret = errors.New("auth_secret is required")

type Config struct {
	Mode      string `mapstructure:"mode"`
	Port      int    `mapstructure:"port"`
	ReadLimit int64  `mapstructure:"read_limit"`

	AuthSecret string `mapstructure:"auth_secret"`
	DBPath     string `mapstructure:"db_path"`
	RedisAddr  string `mapstructure:"redis_addr"`

	EnableClusterAdapter bool `mapstructure:"enable_cluster_adapter"`
	EnableGroupLock      bool `mapstructure:"enable_group_lock"`
	EnableSnapshotStore  bool `mapstructure:"enable_snapshot_store"`
	AllowPollingFallback bool `mapstructure:"allow_polling_fallback"`

	GroupLockTTL    time.Duration `mapstructure:"group_lock_ttl"`
	SnapshotTTL     time.Duration `mapstructure:"snapshot_ttl"`
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace"`
	ReconnectSLOMs  int64         `mapstructure:"reconnect_slo_ms"`

	RejectionLogThreshold int `mapstructure:"rejection_log_threshold"`
}

func (c *Config) ReconnectSLO() time.Duration {
	return time.Duration(c.ReconnectSLOMs) * time.Millisecond
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("db_path", "unison.db")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("enable_cluster_adapter", true)
	v.SetDefault("enable_group_lock", true)
	v.SetDefault("enable_snapshot_store", true)
	v.SetDefault("allow_polling_fallback", false)
	v.SetDefault("group_lock_ttl", "5s")
	v.SetDefault("snapshot_ttl", "6h")
	v.SetDefault("disconnect_grace", "30s")
	v.SetDefault("reconnect_slo_ms", 2000)
	v.SetDefault("rejection_log_threshold", 50)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.AuthSecret == "" {
		cfg.AuthSecret = os.Getenv("AUTH_SECRET")
	}
	if cfg.AuthSecret == "" {
		return nil, ErrNoSecret
	}
	return &cfg, nil
}
