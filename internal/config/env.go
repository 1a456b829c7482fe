package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "GIFTWATCH"

// envOverrides holds secrets and deployment-specific values that are
// usually injected by the service manager rather than written to disk.
type envOverrides struct {
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	StorageDriver string `envconfig:"STORAGE_DRIVER"`
	StorageDSN    string `envconfig:"STORAGE_DSN"`
	StoragePath   string `envconfig:"STORAGE_PATH"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	OpsToken      string `envconfig:"OPS_TOKEN"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
}

// ApplyEnv overlays GIFTWATCH_* environment variables onto cfg.
// Only non-empty variables override.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, env.TelegramToken)
	set(&cfg.Ops.Token, env.OpsToken)
	set(&cfg.Logging.Level, env.LogLevel)
	if env.StorageDriver != "" || env.StorageDSN != "" || env.StoragePath != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		set(&cfg.Storage.Driver, env.StorageDriver)
		set(&cfg.Storage.DSN, env.StorageDSN)
		set(&cfg.Storage.Path, env.StoragePath)
	}
	if env.RedisAddr != "" || env.RedisPassword != "" {
		if cfg.Redis == nil {
			cfg.Redis = &RedisConfig{}
		}
		set(&cfg.Redis.Addr, env.RedisAddr)
		set(&cfg.Redis.Password, env.RedisPassword)
	}
	return nil
}
