package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender delivers one rendered log line to an operator chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, threadID int, text string) error
}

const (
	maxOpsText    = 3500
	maxOpsValue   = 600
	opsSendLimit  = 10 * time.Second
	opsFlushLimit = 3 * time.Second
)

type opsItem struct {
	chatID   int64
	threadID int
	text     string
}

// opsSink mirrors warnings and errors into a chat. It never blocks the
// caller: lines over the rate or past a full queue are dropped.
type opsSink struct {
	sender Sender
	queue  chan opsItem

	mu       sync.Mutex
	enabled  bool
	chatID   int64
	threadID int
	minLevel zerolog.Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc

	once sync.Once
	wg   sync.WaitGroup
}

func newOpsSink(sender Sender) *opsSink {
	return &opsSink{sender: sender, queue: make(chan opsItem, 256), minLevel: zerolog.WarnLevel}
}

func (o *opsSink) target(chatID int64, threadID int) {
	o.mu.Lock()
	o.chatID = chatID
	if threadID != 0 {
		o.threadID = threadID
	}
	o.mu.Unlock()
}

// configure applies cfg and reports whether the sink should be attached.
func (o *opsSink) configure(cfg TelegramConfig) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.RatePerSec)
	o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ChatID != 0 {
		o.chatID = cfg.ChatID
	}
	if cfg.ThreadID != 0 {
		o.threadID = cfg.ThreadID
	}
	o.enabled = cfg.Enabled && o.sender != nil
	if !o.enabled {
		return false
	}
	if o.chatID == 0 {
		fmt.Fprintln(os.Stderr, "logx: telegram logging enabled but telegram.chat_id is not set")
	}
	o.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		o.cancel = cancel
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.run(ctx)
		}()
	})
	return true
}

func (o *opsSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.flush()
			return
		case it := <-o.queue:
			o.send(context.Background(), it)
		}
	}
}

// flush sends what is still queued, so the last lines before shutdown
// (often the reason for it) reach the chat.
func (o *opsSink) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), opsFlushLimit)
	defer cancel()
	for {
		select {
		case it := <-o.queue:
			o.send(ctx, it)
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (o *opsSink) send(parent context.Context, it opsItem) {
	ctx, cancel := context.WithTimeout(parent, opsSendLimit)
	defer cancel()
	_ = o.sender.SendText(ctx, it.chatID, it.threadID, it.text)
}

func (o *opsSink) close() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.enabled = false
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		o.wg.Wait()
	}
}

func (o *opsSink) Write(p []byte) (int, error) {
	return o.WriteLevel(zerolog.InfoLevel, p)
}

func (o *opsSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	enabled, chatID, threadID := o.enabled, o.chatID, o.threadID
	minLevel, lim := o.minLevel, o.limiter
	o.mu.Unlock()

	if !enabled || chatID == 0 || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	text := formatOpsLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case o.queue <- opsItem{chatID: chatID, threadID: threadID, text: text}:
	default:
	}
	return len(p), nil
}

// formatOpsLine renders a zerolog JSON line as
//
//	[WARN] comp: message
//	- key=value
//
// with keys sorted and secrets masked. Non-JSON input is sent trimmed.
func formatOpsLine(p []byte) string {
	line := bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(line, &m); err != nil {
		return truncate(string(line), maxOpsText)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)
	comp, _ := m["comp"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	if comp != "" {
		b.WriteString(comp + ": ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "comp":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if secretKey(k) {
			v = "***"
		}
		b.WriteString("\n- " + k + "=" + truncate(v, maxOpsValue))
	}
	return truncate(b.String(), maxOpsText)
}

// secretKey matches credential-looking keys. "*_set" flags are booleans
// and stay visible.
func secretKey(k string) bool {
	k = strings.ToLower(k)
	if strings.HasSuffix(k, "_set") {
		return false
	}
	for _, s := range []string{"password", "token", "secret"} {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
