package app

import (
	"fmt"
	"strings"
	"time"

	"alertwatch/internal/alertstore"
	"alertwatch/internal/config"
	"alertwatch/internal/dispatch"
	"alertwatch/internal/monitor"
	"alertwatch/internal/observability"
	"alertwatch/internal/storage"
	logx "alertwatch/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config, telegramReady bool) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			// Without a bot there is nowhere to send.
			Enabled:    cfg.Logging.Telegram.Enabled && telegramReady,
			ChatID:     cfg.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapAlertstoreConfig(cfg *config.Config) alertstore.Config {
	db := cfg.Database
	return alertstore.Config{
		Host:         db.Host,
		Port:         db.Port,
		Name:         db.Name,
		User:         db.User,
		Password:     db.Password,
		SSLMode:      db.SSLMode,
		MaxOpenConns: db.MaxOpenConns,
		MaxIdleConns: db.MaxIdleConns,
		ReconnectMax: db.ReconnectMax,
		BatchLimit:   db.BatchLimit,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	out := storage.Config{Driver: driver, Path: path}
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "redis":
		out.Addr = strings.TrimSpace(sc.Addr)
		out.Password = sc.Password
		out.DB = sc.DB
		out.Prefix = sc.Prefix
	case "file", "bolt", "bbolt":
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}

	switch raw := strings.TrimSpace(sc.DeliveryRetention); raw {
	case "-1":
		out.DeliveryRetention = -1
	default:
		d, err := config.ParseDurationField("storage.delivery_retention", raw)
		if err != nil {
			return storage.Config{}, err
		}
		out.DeliveryRetention = d
	}
	return out, nil
}

func mapSMTPConfig(cfg *config.Config) dispatch.SMTPConfig {
	return dispatch.SMTPConfig{
		Host:               cfg.SMTP.Server,
		Port:               cfg.SMTP.Port,
		Username:           cfg.SMTP.User,
		Password:           cfg.SMTP.Password,
		From:               cfg.SMTP.From,
		Bcc:                cfg.SMTP.Bcc,
		InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	out := dispatch.Config{
		RatePerSec:          dc.RatePerSec,
		RetryMax:            dc.RetryMax,
		ConfidenceThreshold: dc.ConfidenceThreshold,
		DashboardURL:        strings.TrimSpace(dc.DashboardURL),
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("dispatch.retry_base", dc.RetryBase); err != nil {
		return dispatch.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("dispatch.retry_max_delay", dc.RetryMaxDelay); err != nil {
		return dispatch.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("dispatch.send_timeout", dc.SendTimeout); err != nil {
		return dispatch.Config{}, err
	}
	if out.RetryMax == 0 {
		out.RetryMax = 3
	}
	return out, nil
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	mc := cfg.Monitor
	out := monitor.Config{
		Schedule:             strings.TrimSpace(mc.Schedule),
		CheckInterval:        time.Duration(mc.CheckInterval) * time.Second,
		Workers:              mc.Workers,
		MaxConsecutiveErrors: mc.MaxConsecutiveErrors,
		QueueSize:            mc.QueueSize,
	}
	var err error
	if out.FastInterval, err = config.ParseDurationField("monitor.fast_interval", mc.FastInterval); err != nil {
		return monitor.Config{}, err
	}
	if out.GracePeriod, err = config.ParseDurationField("monitor.grace_period", mc.GracePeriod); err != nil {
		return monitor.Config{}, err
	}
	if out.Schedule != "" {
		if _, err := monitor.ParseSchedule(out.Schedule); err != nil {
			return monitor.Config{}, fmt.Errorf("monitor.schedule: %w", err)
		}
	}
	return out, nil
}

func mapObservabilityConfig(cfg *config.Config) (observability.Config, error) {
	oc := cfg.Observability
	out := observability.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("observability.read_timeout", oc.ReadTimeout, 10*time.Second); err != nil {
		return observability.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("observability.idle_timeout", oc.IdleTimeout, 60*time.Second); err != nil {
		return observability.Config{}, err
	}
	return out, nil
}

// validate runs the checks a reload must pass before it is committed.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMonitorConfig(cfg); err != nil {
		return err
	}
	_, err := mapObservabilityConfig(cfg)
	return err
}
