package config

import (
	"reflect"
	"sort"
	"strings"

	logx "alertwatch/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and log fields
// describing the new values. Passwords and tokens are reported only as
// "set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID || oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", set(newCfg.Telegram.Token)),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
		)
	}

	od, nd := oldCfg.Database, newCfg.Database
	dbPassChanged := od.Password != nd.Password
	od.Password, nd.Password = "", ""
	if dbPassChanged || !reflect.DeepEqual(od, nd) {
		changed = append(changed, "database")
		attrs = append(attrs,
			logx.String("database.host", newCfg.Database.Host),
			logx.Int("database.port", newCfg.Database.Port),
			logx.String("database.name", newCfg.Database.Name),
			logx.String("database.user", newCfg.Database.User),
			logx.Bool("database.password_set", set(newCfg.Database.Password)),
		)
	}

	om, nm := oldCfg.SMTP, newCfg.SMTP
	mailPassChanged := om.Password != nm.Password
	om.Password, nm.Password = "", ""
	if mailPassChanged || !reflect.DeepEqual(om, nm) {
		changed = append(changed, "smtp")
		attrs = append(attrs,
			logx.String("smtp.server", newCfg.SMTP.Server),
			logx.Int("smtp.port", newCfg.SMTP.Port),
			logx.String("smtp.user", newCfg.SMTP.User),
			logx.Bool("smtp.password_set", set(newCfg.SMTP.Password)),
			logx.Int("smtp.bcc_count", len(newCfg.SMTP.Bcc)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.Int("dispatch.retry_max", newCfg.Dispatch.RetryMax),
			logx.Int("dispatch.confidence_threshold", newCfg.Dispatch.ConfidenceThreshold),
		)
	}

	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.Int("monitor.check_interval", newCfg.Monitor.CheckInterval),
			logx.String("monitor.schedule", newCfg.Monitor.Schedule),
			logx.Int("monitor.workers", newCfg.Monitor.Workers),
			logx.Int("monitor.max_consecutive_errors", newCfg.Monitor.MaxConsecutiveErrors),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	ost.Password, nst.Password = "", ""
	if !reflect.DeepEqual(ost, nst) || oldCfg.Storage.Password != newCfg.Storage.Password {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", set(newCfg.Storage.Path)),
			logx.Bool("storage.addr_set", set(newCfg.Storage.Addr)),
		)
	}

	oo, no := oldCfg.Observability, newCfg.Observability
	tokenChanged := oo.Token != no.Token
	oo.Token, no.Token = "", ""
	if tokenChanged || !reflect.DeepEqual(oo, no) {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", newCfg.Observability.Enabled),
			logx.String("observability.addr", newCfg.Observability.Addr),
			logx.Bool("observability.pprof", newCfg.Observability.Pprof),
			logx.Bool("observability.token_set", set(newCfg.Observability.Token)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// Restartable lists changed sections that only take effect on restart.
// logging and dispatch are applied live.
func Restartable(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "logging", "dispatch":
		default:
			out = append(out, s)
		}
	}
	return out
}
