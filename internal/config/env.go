package config

import "strings"

// Secrets can be supplied through the environment instead of the config file.
// Non-empty variables win over file values.
const (
	EnvLogLevel      = "POSTDECK_LOG_LEVEL"
	EnvStorageDSN    = "POSTDECK_STORAGE_DSN"
	EnvRedisPassword = "POSTDECK_REDIS_PASSWORD"
	EnvFTPPassword   = "POSTDECK_FTP_PASSWORD"
	EnvOpsToken      = "POSTDECK_OPS_TOKEN"
	EnvTelegramToken = "POSTDECK_TELEGRAM_TOKEN"
)

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get(EnvStorageDSN); ok {
		cfg.Storage.DSN = v
	}
	if v, ok := get(EnvRedisPassword); ok {
		cfg.Queue.Redis.Password = v
	}
	if v, ok := get(EnvFTPPassword); ok {
		cfg.Media.FTP.Password = v
	}
	if v, ok := get(EnvOpsToken); ok {
		cfg.Ops.Token = v
	}
	if v, ok := get(EnvTelegramToken); ok {
		if cfg.Platforms == nil {
			cfg.Platforms = map[string]PlatformConfig{}
		}
		p := cfg.Platforms["telegram"]
		p.Token = v
		cfg.Platforms["telegram"] = p
	}
}
