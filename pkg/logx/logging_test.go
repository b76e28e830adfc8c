package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type captureSender struct {
	mu    sync.Mutex
	lines []string
	chats []int64
	got   chan struct{}
}

func (c *captureSender) SendText(_ context.Context, chatID int64, _ int, text string) error {
	c.mu.Lock()
	c.lines = append(c.lines, text)
	c.chats = append(c.chats, chatID)
	c.mu.Unlock()
	select {
	case c.got <- struct{}{}:
	default:
	}
	return nil
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatOpsLine(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"error","time":"x","message":"cycle failed","comp":"monitor.slow","consecutive":4,"err":"dial tcp: refused"}` + "\n")
	got := formatOpsLine(line)
	if !strings.HasPrefix(got, "[ERROR] monitor.slow: cycle failed\n") {
		t.Fatalf("unexpected header: %q", got)
	}
	// Keys are sorted, so the body is stable.
	if !strings.HasSuffix(got, "\n- consecutive=4\n- err=dial tcp: refused") {
		t.Fatalf("unexpected body: %q", got)
	}
	if strings.Contains(got, "time=") {
		t.Fatalf("time should be dropped: %q", got)
	}

	raw := formatOpsLine([]byte("  not json  "))
	if raw != "not json" {
		t.Fatalf("raw = %q", raw)
	}
}

func TestFormatOpsLineMasksSecrets(t *testing.T) {
	t.Parallel()
	got := formatOpsLine([]byte(`{"level":"warn","message":"reload","smtp.password":"hunter2","observability.token_set":true}`))
	if strings.Contains(got, "hunter2") {
		t.Fatalf("secret leaked: %q", got)
	}
	if !strings.Contains(got, "- smtp.password=***") || !strings.Contains(got, "- observability.token_set=true") {
		t.Fatalf("unexpected rendering: %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestTelegramSinkRespectsMinLevel(t *testing.T) {
	sender := &captureSender{got: make(chan struct{}, 4)}
	svc, log := New(Config{
		Level:   "debug",
		Console: false,
		File:    FileConfig{Enabled: true, Path: t.TempDir() + "/test.log"},
		Telegram: TelegramConfig{
			Enabled:    true,
			ChatID:     42,
			MinLevel:   "warn",
			RatePerSec: 100,
		},
	}, sender)
	defer svc.Close()

	log.Info("quiet")
	log.Warn("budget low", Int("consecutive_errors", 4))

	select {
	case <-sender.got:
	case <-time.After(2 * time.Second):
		t.Fatal("telegram sink never received the warning")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.lines) != 1 {
		t.Fatalf("lines = %d, want 1: %v", len(sender.lines), sender.lines)
	}
	if !strings.Contains(sender.lines[0], "budget low") || sender.chats[0] != 42 {
		t.Fatalf("unexpected delivery %q to %d", sender.lines[0], sender.chats[0])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.With(String("comp", "x")).Error("dropped", Err(nil))
	Nop().Info("dropped")
}
