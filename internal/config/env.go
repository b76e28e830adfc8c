package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays the deployment variables on cfg. A set variable wins
// over the file value.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: not an integer: %q", key, v))
			return
		}
		*dst = n
	}

	str("DB_HOST", &cfg.Database.Host)
	num("DB_PORT", &cfg.Database.Port)
	str("DB_NAME", &cfg.Database.Name)
	str("DB_USER", &cfg.Database.User)
	if v, ok := lookup("DB_PASSWORD"); ok && v != "" {
		cfg.Database.Password = v
	}
	str("DB_SSLMODE", &cfg.Database.SSLMode)

	str("SMTP_SERVER", &cfg.SMTP.Server)
	num("SMTP_PORT", &cfg.SMTP.Port)
	str("EMAIL_USER", &cfg.SMTP.User)
	if v, ok := lookup("EMAIL_PASSWORD"); ok && v != "" {
		cfg.SMTP.Password = v
	}
	str("FROM_EMAIL", &cfg.SMTP.From)
	if v, ok := lookup("TO_EMAILS"); ok && strings.TrimSpace(v) != "" {
		cfg.SMTP.Bcc = SplitList(v)
	}

	num("CHECK_INTERVAL", &cfg.Monitor.CheckInterval)
	num("MAX_CONSECUTIVE_ERRORS", &cfg.Monitor.MaxConsecutiveErrors)

	str("STORAGE_DRIVER", &cfg.Storage.Driver)
	str("STORAGE_PATH", &cfg.Storage.Path)
	str("REDIS_ADDR", &cfg.Storage.Addr)
	str("LOG_LEVEL", &cfg.Logging.Level)

	if len(errs) > 0 {
		return fmt.Errorf("environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ApplyDefaults fills the values the deployment has always assumed.
func ApplyDefaults(cfg *Config) {
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.SMTP.Server == "" {
		cfg.SMTP.Server = "smtp.gmail.com"
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.Monitor.CheckInterval == 0 {
		cfg.Monitor.CheckInterval = 300
	}
	if cfg.Monitor.MaxConsecutiveErrors == 0 {
		cfg.Monitor.MaxConsecutiveErrors = 5
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Path == "" && cfg.Storage.Driver != "redis" {
		cfg.Storage.Path = "./alertwatch.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Observability.Addr == "" {
		cfg.Observability.Addr = "127.0.0.1:9464"
	}
}
