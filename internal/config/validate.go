package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate reports every problem it finds in one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(cfg.Database.Name) == "" {
		add("database.name (DB_NAME) is required")
	}
	if strings.TrimSpace(cfg.Database.User) == "" {
		add("database.user (DB_USER) is required")
	}
	if cfg.Database.Port < 0 || cfg.Database.Port > 65535 {
		add("database.port out of range: %d", cfg.Database.Port)
	}
	if cfg.SMTP.Port < 0 || cfg.SMTP.Port > 65535 {
		add("smtp.port out of range: %d", cfg.SMTP.Port)
	}
	if cfg.Monitor.CheckInterval < 0 {
		add("monitor.check_interval must be >= 0")
	}
	if cfg.Monitor.MaxConsecutiveErrors < 0 {
		add("monitor.max_consecutive_errors must be >= 0")
	}
	if cfg.Dispatch.ConfidenceThreshold < 0 || cfg.Dispatch.ConfidenceThreshold > 100 {
		add("dispatch.confidence_threshold must be within 0..100")
	}

	for path, raw := range map[string]string{
		"database.reconnect_max":     cfg.Database.ReconnectMax,
		"dispatch.retry_base":        cfg.Dispatch.RetryBase,
		"dispatch.retry_max_delay":   cfg.Dispatch.RetryMaxDelay,
		"dispatch.send_timeout":      cfg.Dispatch.SendTimeout,
		"dispatch.webhook_timeout":   cfg.Dispatch.WebhookTimeout,
		"monitor.fast_interval":      cfg.Monitor.FastInterval,
		"monitor.grace_period":       cfg.Monitor.GracePeriod,
		"storage.busy_timeout":       cfg.Storage.BusyTimeout,
		"observability.read_timeout": cfg.Observability.ReadTimeout,
		"observability.idle_timeout": cfg.Observability.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if raw := strings.TrimSpace(cfg.Storage.DeliveryRetention); raw != "" && raw != "-1" {
		if _, err := ParseDurationField("storage.delivery_retention", raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file", "bolt", "bbolt":
	case "redis":
		if strings.TrimSpace(cfg.Storage.Addr) == "" {
			add("storage.addr (REDIS_ADDR) is required for the redis driver")
		}
	case "none":
		add("storage.driver none is not allowed: cursors must be persisted")
	default:
		add("unknown storage.driver %q", cfg.Storage.Driver)
	}

	if o := cfg.Observability; o.Enabled && !o.AllowInsecure && strings.TrimSpace(o.Token) == "" && !loopback(o.Addr) {
		add("observability.addr %q is not loopback; set a token or allow_insecure", o.Addr)
	}
	return errors.Join(errs...)
}

func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
