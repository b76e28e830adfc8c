// Package dispatch renders alert batches and delivers them over email and
// webhook.
//
// Channels run independently: a failing email does not stop the webhook and
// vice versa. Every send passes one shared rate limiter and is retried with
// jittered exponential backoff before it counts as failed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"alertwatch/internal/alert"
	"alertwatch/internal/eventbus"
	"alertwatch/internal/failure"
	logx "alertwatch/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Channel names a delivery path.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

// Config controls rendering, rate limiting and retries.
type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// SendTimeout bounds each webhook attempt.
	SendTimeout time.Duration

	ConfidenceThreshold int
	DashboardURL        string
}

// Result is the outcome of one Dispatch.
type Result struct {
	DispatchID string
	// Acknowledged is set when the subscriber has opted out of the kind or
	// of every channel: nothing is sent and the batch is consumed.
	Acknowledged bool
	Attempted    []Channel
	Succeeded    []Channel
	// Skipped maps a channel to its configuration gap.
	Skipped map[Channel]error
	// Err joins the transient failures of attempted channels.
	Err error
}

// Qualifies reports whether the cursor may advance past the batch.
func (r Result) Qualifies() bool { return r.Acknowledged || len(r.Succeeded) > 0 }

// Summary renders "email=ok webhook=failed" for logs and the journal.
func (r Result) Summary() string {
	if r.Acknowledged {
		return "acknowledged"
	}
	state := map[Channel]string{}
	for _, c := range r.Attempted {
		state[c] = "failed"
	}
	for _, c := range r.Succeeded {
		state[c] = "ok"
	}
	for c := range r.Skipped {
		state[c] = "skipped"
	}
	parts := make([]string, 0, len(state))
	for c, s := range state {
		parts = append(parts, string(c)+"="+s)
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func (r *Result) skip(c Channel, err error) {
	if r.Skipped == nil {
		r.Skipped = map[Channel]error{}
	}
	r.Skipped[c] = err
}

// Event is published on the bus for every channel outcome.
type Event struct {
	DispatchID string  `json:"dispatch_id"`
	Subscriber string  `json:"subscriber"`
	Kind       string  `json:"kind"`
	Channel    Channel `json:"channel,omitempty"`
	Count      int     `json:"count"`
	Error      string  `json:"error,omitempty"`
}

const (
	EventSent    = "dispatch.sent"
	EventFailed  = "dispatch.failed"
	EventSkipped = "dispatch.skipped"
)

type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	mailer Mailer
	poster Poster
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, mailer Mailer, poster Poster, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		mailer: mailer,
		poster: poster,
		bus:    bus,
		log:    log.With(logx.String("comp", "dispatch")),
		now:    time.Now,
	}
	d.Apply(cfg)
	return d
}

// Apply swaps rate and retry settings; in-flight sends keep their snapshot.
func (d *Dispatcher) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = defaultConfidenceThreshold
	}
	d.mu.Lock()
	d.cfg = cfg
	// Burst equals the per-second rate so a single batch is not throttled.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

// Dispatch delivers a non-empty batch over every channel enabled in setting.
func (d *Dispatcher) Dispatch(ctx context.Context, b alert.Batch, setting alert.NotificationSetting) Result {
	res := Result{DispatchID: uuid.NewString()}
	if b.Empty() {
		return res
	}
	log := d.log.With(
		logx.String("dispatch_id", res.DispatchID),
		logx.String("subscriber", b.Subscriber.ID),
		logx.String("kind", b.Kind.String()),
		logx.Int("count", b.Len()),
	)

	if !setting.KindEnabled(b.Kind) || (!setting.EmailEnabled && !setting.PushEnabled) {
		res.Acknowledged = true
		log.Info("subscriber opted out, batch acknowledged without sending")
		d.publish(EventSkipped, res.DispatchID, b, "", errors.New("opted out"))
		return res
	}

	cfg, lim := d.snapshot()
	var errs []error

	if setting.EmailEnabled {
		err := d.sendEmail(ctx, cfg, lim, res.DispatchID, b, setting)
		errs = d.record(&res, ChannelEmail, err, b, log, errs)
	}
	if setting.PushEnabled {
		err := d.sendWebhooks(ctx, cfg, lim, res.DispatchID, b, setting)
		errs = d.record(&res, ChannelWebhook, err, b, log, errs)
	}
	res.Err = errors.Join(errs...)
	return res
}

func (d *Dispatcher) record(res *Result, c Channel, err error, b alert.Batch, log logx.Logger, errs []error) []error {
	switch {
	case err == nil:
		res.Attempted = append(res.Attempted, c)
		res.Succeeded = append(res.Succeeded, c)
		log.Info("batch delivered", logx.String("channel", string(c)))
		d.publish(EventSent, res.DispatchID, b, c, nil)
	case failure.IsConfig(err):
		res.skip(c, err)
		log.Warn("channel skipped", logx.String("channel", string(c)), logx.Err(err))
		d.publish(EventSkipped, res.DispatchID, b, c, err)
	default:
		res.Attempted = append(res.Attempted, c)
		log.Error("channel failed", logx.String("channel", string(c)), logx.Err(err))
		d.publish(EventFailed, res.DispatchID, b, c, err)
		errs = append(errs, fmt.Errorf("%s: %w", c, err))
	}
	return errs
}

func (d *Dispatcher) sendEmail(ctx context.Context, cfg Config, lim *rate.Limiter, id string, b alert.Batch, s alert.NotificationSetting) error {
	if d.mailer == nil {
		return failure.Config(errors.New("email transport not configured"))
	}
	to := s.RecipientsFor(b.Subscriber)
	if len(to) == 0 {
		return failure.Config(errors.New("no email recipients"))
	}
	subject, body, err := FormatEmail(b, cfg.ConfidenceThreshold, cfg.DashboardURL)
	if err != nil {
		return failure.Config(fmt.Errorf("render email: %w", err))
	}
	e := Email{To: to, Subject: subject, HTML: body, DeliveryID: id}
	return d.withRetry(ctx, cfg, lim, 0, func(c context.Context) error { return d.mailer.Send(c, e) })
}

// sendWebhooks posts one body per alert in ascending order and stops at the
// first failure so receivers never see a gap followed by newer alerts.
func (d *Dispatcher) sendWebhooks(ctx context.Context, cfg Config, lim *rate.Limiter, id string, b alert.Batch, s alert.NotificationSetting) error {
	if d.poster == nil {
		return failure.Config(errors.New("webhook transport not configured"))
	}
	url := strings.TrimSpace(s.WebhookURL)
	if url == "" {
		return failure.Config(errors.New("no webhook url"))
	}
	for _, r := range b.Records {
		p := NewWebhookPayload(r, d.now())
		err := d.withRetry(ctx, cfg, lim, cfg.SendTimeout, func(c context.Context) error { return d.poster.Post(c, url, id, p) })
		if err != nil {
			return fmt.Errorf("alert %s: %w", r.ID(), err)
		}
	}
	return nil
}

// withRetry retries transient failures only. Config gaps return at once.
// A positive timeout bounds each attempt. Mail passes zero: a relay that is
// slow to acknowledge DATA may still deliver, so abandoning the attempt and
// resending would duplicate the email.
func (d *Dispatcher) withRetry(ctx context.Context, cfg Config, lim *rate.Limiter, timeout time.Duration, send func(context.Context) error) error {
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return failure.Transient(err)
			}
		}
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		err := send(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if failure.IsConfig(err) {
			return err
		}
		lastErr = err
		d.log.Debug("send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt >= attempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return failure.Transient(ctx.Err())
		}
	}
	return lastErr
}

func (d *Dispatcher) publish(typ, id string, b alert.Batch, c Channel, err error) {
	if d.bus == nil {
		return
	}
	ev := Event{DispatchID: id, Subscriber: b.Subscriber.ID, Kind: b.Kind.String(), Channel: c, Count: b.Len()}
	if err != nil {
		ev.Error = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: ev})
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1), jittered
// to 0.7..1.3 and capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	dl := base
	for i := 1; i < attempt; i++ {
		dl *= 2
		if dl >= maxD {
			dl = maxD
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	dl = time.Duration(float64(dl) * j)
	if dl < 0 {
		return 0
	}
	if dl > maxD {
		dl = maxD
	}
	return dl
}

// SendTest delivers a test message to sub over every enabled channel,
// ignoring the per-kind toggles.
func (d *Dispatcher) SendTest(ctx context.Context, sub alert.Subscriber, kind alert.Kind, setting alert.NotificationSetting) Result {
	res := Result{DispatchID: uuid.NewString()}
	cfg, lim := d.snapshot()
	b := alert.Batch{Subscriber: sub, Kind: kind, Trigger: alert.TriggerManual, DetectedAt: d.now()}
	log := d.log.With(logx.String("dispatch_id", res.DispatchID), logx.String("subscriber", sub.ID), logx.Bool("test", true))
	var errs []error

	if setting.EmailEnabled {
		var err error
		switch {
		case d.mailer == nil:
			err = failure.Config(errors.New("email transport not configured"))
		default:
			subject, body, ferr := FormatTestEmail(sub, kind, cfg.DashboardURL)
			if ferr != nil {
				err = failure.Config(ferr)
				break
			}
			e := Email{To: setting.RecipientsFor(sub), Subject: subject, HTML: body, DeliveryID: res.DispatchID}
			err = d.withRetry(ctx, cfg, lim, 0, func(c context.Context) error { return d.mailer.Send(c, e) })
		}
		errs = d.record(&res, ChannelEmail, err, b, log, errs)
	}
	if setting.PushEnabled {
		var err error
		url := strings.TrimSpace(setting.WebhookURL)
		switch {
		case d.poster == nil:
			err = failure.Config(errors.New("webhook transport not configured"))
		case url == "":
			err = failure.Config(errors.New("no webhook url"))
		default:
			p := WebhookPayload{
				Type:      kind.WebhookType(),
				Timestamp: d.now().UTC().Format(time.RFC3339),
				Data:      WebhookData{AlertID: "test", Test: true},
			}
			err = d.withRetry(ctx, cfg, lim, cfg.SendTimeout, func(c context.Context) error { return d.poster.Post(c, url, res.DispatchID, p) })
		}
		errs = d.record(&res, ChannelWebhook, err, b, log, errs)
	}
	res.Err = errors.Join(errs...)
	return res
}
