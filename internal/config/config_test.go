package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestEnvOnlyDeployment(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join(t.TempDir(), "missing.json"), env(map[string]string{
		"DB_HOST":                "db",
		"DB_PORT":                "5433",
		"DB_NAME":                "monitoring",
		"DB_USER":                "svc",
		"DB_PASSWORD":            "p@ss",
		"EMAIL_USER":             "alerts@example.org",
		"EMAIL_PASSWORD":         "app-pass",
		"TO_EMAILS":              "ops@example.org, ,gis@example.org",
		"CHECK_INTERVAL":         "120",
		"MAX_CONSECUTIVE_ERRORS": "7",
		"LOG_LEVEL":              "debug",
	}))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "db", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "p@ss", cfg.Database.Password)
	assert.Equal(t, "smtp.gmail.com", cfg.SMTP.Server)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Equal(t, []string{"ops@example.org", "gis@example.org"}, cfg.SMTP.Bcc)
	assert.Equal(t, 120, cfg.Monitor.CheckInterval)
	assert.Equal(t, 7, cfg.Monitor.MaxConsecutiveErrors)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Same(t, cfg, m.Get())
}

func TestEnvOverridesFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "alertwatch.yaml")
	write(t, path, `
database:
  host: file-host
  name: monitoring
  user: svc
smtp:
  server: mail.example.org
  port: 465
monitor:
  schedule: "*/5 * * * *"
storage:
  driver: bolt
  path: ./state.bolt
`)
	m := NewConfigManager(path, env(map[string]string{"DB_HOST": "env-host", "STORAGE_DRIVER": "file"}))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "env-host", cfg.Database.Host)
	assert.Equal(t, "mail.example.org", cfg.SMTP.Server)
	assert.Equal(t, 465, cfg.SMTP.Port)
	assert.Equal(t, "*/5 * * * *", cfg.Monitor.Schedule)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, "./state.bolt", cfg.Storage.Path)
}

func TestStrictDecoding(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	vars := env(map[string]string{"DB_NAME": "m", "DB_USER": "u"})

	unknown := filepath.Join(dir, "unknown.json")
	write(t, unknown, `{"database": {"hostname": "x"}}`)
	_, err := NewConfigManager(unknown, vars).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")

	trailing := filepath.Join(dir, "trailing.json")
	write(t, trailing, `{"logging": {"level": "info"}} {}`)
	_, err = NewConfigManager(trailing, vars).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")

	badEnv := NewConfigManager("", env(map[string]string{"DB_PORT": "five"}))
	_, err = badEnv.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_PORT")
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ok := func() *Config {
		c := &Config{Database: DatabaseConfig{Name: "m", User: "u"}}
		ApplyDefaults(c)
		return c
	}
	require.NoError(t, Validate(ok()))

	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"missing db name", func(c *Config) { c.Database.Name = "" }, "DB_NAME"},
		{"bad duration", func(c *Config) { c.Monitor.GracePeriod = "soon" }, "monitor.grace_period"},
		{"negative duration", func(c *Config) { c.Dispatch.RetryBase = "-1s" }, "dispatch.retry_base"},
		{"storage none", func(c *Config) { c.Storage.Driver = "none" }, "must be persisted"},
		{"redis without addr", func(c *Config) { c.Storage.Driver = "redis" }, "REDIS_ADDR"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "unknown storage.driver"},
		{"threshold", func(c *Config) { c.Dispatch.ConfidenceThreshold = 101 }, "confidence_threshold"},
		{"public metrics", func(c *Config) {
			c.Observability.Enabled = true
			c.Observability.Addr = "0.0.0.0:9464"
		}, "not loopback"},
	}
	for _, tt := range tests {
		c := ok()
		tt.mut(c)
		err := Validate(c)
		require.Error(t, err, tt.name)
		assert.Contains(t, err.Error(), tt.want, tt.name)
	}

	c := ok()
	c.Observability = ObservabilityConfig{Enabled: true, Addr: "0.0.0.0:9464", Token: "t"}
	assert.NoError(t, Validate(c))
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	a := &Config{SMTP: SMTPConfig{Server: "s", Password: "old-secret"}}
	b := &Config{SMTP: SMTPConfig{Server: "s", Password: "new-secret"}, Logging: LoggingConfig{Level: "debug"}}

	changed, attrs := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"logging", "smtp"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"smtp"}, Restartable(changed))

	changed, _ = SummarizeConfigChange(a, a)
	assert.Empty(t, changed)
}

func TestWatchPublishesValidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alertwatch.json")
	write(t, path, `{"database": {"name": "m", "user": "u"}, "logging": {"level": "info"}}`)

	m := NewConfigManager(path, env(nil))
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	var validated atomic.Int32
	m.SetValidator(func(_ context.Context, c *Config) error {
		validated.Add(1)
		if c.Logging.Level == "trace" {
			return assert.AnError
		}
		return nil
	})
	updates := m.Subscribe(1)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher time to register before writing.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		write(t, path, `{"database": {"name": "m", "user": "u"}, "logging": {"level": "debug"}}`)
		select {
		case cfg := <-updates:
			assert.Equal(t, "debug", cfg.Logging.Level)
			assert.Equal(t, "debug", m.Get().Logging.Level)
			assert.Positive(t, validated.Load())
			cancel()
			<-done
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	t.Fatal("no config update published")
}

func TestYAMLNonStringKeys(t *testing.T) {
	t.Parallel()
	j, format, err := coerceToJSONBytes("x.yml", []byte("logging:\n  level: warn\n1: one\n"))
	require.NoError(t, err)
	assert.Equal(t, "yaml", format)
	assert.True(t, strings.Contains(string(j), `"1":"one"`))

	raw, format, err := coerceToJSONBytes("x.json", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, "json", format)
	assert.Equal(t, `{"a":1}`, string(raw))
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{"", 0, true},
		{"90", 90 * time.Second, true},
		{" 2m ", 2 * time.Minute, true},
		{"1h30m", 90 * time.Minute, true},
		{"-5", 0, false},
		{"-1s", 0, false},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("monitor.fast_interval", tt.raw)
		if !tt.ok {
			require.Error(t, err, tt.raw)
			assert.Contains(t, err.Error(), "monitor.fast_interval")
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}

	d, err := ParseDurationOrDefault("dispatch.send_timeout", "0", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
}
