package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"alertwatch/internal/alert"
	"alertwatch/internal/eventbus"
	"alertwatch/internal/failure"
	logx "alertwatch/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func fp(v float64) *float64 { return &v }

var day = time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)

func hazardRec(id int64, cat alert.Severity) alert.Record {
	return alert.Record{
		Kind: alert.KindPointHazard, AreaID: "aoi-1", AreaName: "Block A", AlertDate: day,
		Hazard: &alert.PointHazard{ID: id, Category: cat, Distance: fp(850), Location: alert.Point{Lat: -1.25, Lng: 116.5}, Satellite: "NOAA20"},
	}
}

func lossRec(id string, conf int) alert.Record {
	return alert.Record{
		Kind: alert.KindAreaLoss, AreaID: "aoi-1", AreaName: "Block A", AlertDate: day, Confidence: intp(conf),
		Loss: &alert.AreaLoss{ID: id, EventID: "ev-" + id, AreaHa: fp(3.256), Centroid: &alert.Point{Lat: -1.25, Lng: 116.5}},
	}
}

var subscriber = alert.Subscriber{ID: "7", Email: "owner@example.org", Name: "Ana"}

func hazardBatch(recs ...alert.Record) alert.Batch {
	return alert.Batch{Subscriber: subscriber, Kind: alert.KindPointHazard, Records: recs, Trigger: alert.TriggerScheduled, DetectedAt: day}
}

func fastConfig() Config {
	return Config{RatePerSec: 1000, RetryMax: 1, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond, SendTimeout: 5 * time.Second}
}

func TestSubjectMarksHighPriority(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Environmental Alert [HIGH PRIORITY] - 1 New Hotspot Alert(s)",
		Subject(hazardBatch(hazardRec(101, alert.SeverityDanger)), 80))
	assert.Equal(t, "Environmental Alert - 2 New Hotspot Alert(s)",
		Subject(hazardBatch(hazardRec(102, alert.SeverityCaution), hazardRec(103, alert.SeveritySafe)), 80))

	loss := alert.Batch{Subscriber: subscriber, Kind: alert.KindAreaLoss, Records: []alert.Record{lossRec("DF-9", 79)}}
	assert.Equal(t, "Environmental Alert - 1 New Deforestation Alert(s)", Subject(loss, 80))
	loss.Records = append(loss.Records, lossRec("DF-10", 80))
	assert.Equal(t, "Environmental Alert [HIGH PRIORITY] - 2 New Deforestation Alert(s)", Subject(loss, 80))
}

func TestFormatEmailBody(t *testing.T) {
	t.Parallel()
	_, body, err := FormatEmail(hazardBatch(hazardRec(101, alert.SeverityDanger)), 0, "https://dash.example.org/signin")
	require.NoError(t, err)
	assert.Contains(t, body, "#d9534f")
	assert.Contains(t, body, "-1.2500, 116.5000")
	assert.Contains(t, body, "scheduled check")
	assert.Contains(t, body, `href="https://dash.example.org/signin"`)
	assert.Contains(t, body, "1 alert(s) require immediate attention")

	b := alert.Batch{Subscriber: subscriber, Kind: alert.KindAreaLoss, Records: []alert.Record{lossRec("DF-10", 90)}, Trigger: alert.TriggerRealtime}
	_, body, err = FormatEmail(b, 80, "")
	require.NoError(t, err)
	assert.Contains(t, body, "ev-DF-10")
	assert.Contains(t, body, "3.26")
	assert.Contains(t, body, "real-time change detection")
	assert.NotContains(t, body, "Dashboard:")
}

func TestFormatEmailEscapesStoreText(t *testing.T) {
	t.Parallel()
	r := hazardRec(1, alert.SeveritySafe)
	r.AreaName = `<script>alert(1)</script>`
	_, body, err := FormatEmail(hazardBatch(r), 80, "")
	require.NoError(t, err)
	assert.NotContains(t, body, "<script>")
}

func TestWebhookPayloadShape(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(NewWebhookPayload(hazardRec(101, alert.SeverityDanger), now))
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "hotspot_alert", got["type"])
	assert.Equal(t, "2024-08-01T10:00:00Z", got["timestamp"])
	data := got["data"].(map[string]any)
	assert.Equal(t, float64(101), data["alert_id"])
	assert.Equal(t, "DANGER", data["category"])
	assert.Equal(t, "2024-08-01", data["alert_date"])
	assert.NotNil(t, data["coordinates"])
	assert.NotContains(t, data, "event_id")

	raw, err = json.Marshal(NewWebhookPayload(lossRec("DF-10", 90), now))
	require.NoError(t, err)
	got = nil
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "deforestation_alert", got["type"])
	data = got["data"].(map[string]any)
	assert.Equal(t, "DF-10", data["alert_id"])
	assert.Equal(t, "ev-DF-10", data["event_id"])
	assert.NotNil(t, data["centroid"])
}

type hookRecorder struct {
	mu       sync.Mutex
	ids      []string
	delivery []string
	failOn   string
}

func (h *hookRecorder) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p struct {
			Data struct {
				AlertID json.RawMessage `json:"alert_id"`
			} `json:"data"`
		}
		_ = json.Unmarshal(body, &p)
		id := strings.Trim(string(p.Data.AlertID), `"`)
		h.mu.Lock()
		defer h.mu.Unlock()
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		if id == h.failOn {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		h.ids = append(h.ids, id)
		h.delivery = append(h.delivery, r.Header.Get(DeliveryHeader))
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDispatchBothChannels(t *testing.T) {
	smtp := newSMTPServer(t)
	cfg := smtp.config()
	cfg.Bcc = []string{"ops@example.org"}
	hooks := &hookRecorder{}
	srv := hooks.server(t)

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	d := New(fastConfig(), NewSMTPMailer(cfg), NewWebhookClient(5*time.Second), bus, logx.Nop())
	setting := alert.DefaultSetting()
	setting.WebhookURL = srv.URL

	res := d.Dispatch(context.Background(), hazardBatch(hazardRec(102, alert.SeverityCaution), hazardRec(103, alert.SeverityDanger)), setting)
	require.NoError(t, res.Err)
	assert.True(t, res.Qualifies())
	assert.ElementsMatch(t, []Channel{ChannelEmail, ChannelWebhook}, res.Succeeded)
	assert.Equal(t, "email=ok webhook=ok", res.Summary())

	msgs := smtp.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Environmental Alert [HIGH PRIORITY] - 2 New Hotspot Alert(s)", msgs[0].Header.Get("Subject"))
	assert.Equal(t, "alerts@example.org", msgs[0].Header.Get("From"))
	assert.Equal(t, res.DispatchID, msgs[0].Header.Get(DeliveryHeader))
	assert.Empty(t, msgs[0].Header.Get("Bcc"))
	assert.Contains(t, msgs[0].Body, "Hotspot Alerts (2 new)")
	assert.ElementsMatch(t, []string{"owner@example.org", "ops@example.org"}, smtp.recipients()[0])

	hooks.mu.Lock()
	assert.Equal(t, []string{"102", "103"}, hooks.ids)
	assert.Equal(t, []string{res.DispatchID, res.DispatchID}, hooks.delivery)
	hooks.mu.Unlock()

	sent := 0
	for len(events) > 0 {
		if ev := <-events; ev.Type == EventSent {
			sent++
		}
	}
	assert.Equal(t, 2, sent)
}

func TestDispatchSMTPFailureDoesNotQualify(t *testing.T) {
	smtp := newSMTPServer(t)
	smtp.setRejectData(true)
	d := New(fastConfig(), NewSMTPMailer(smtp.config()), NewWebhookClient(time.Second), nil, logx.Nop())

	// No webhook URL: the webhook channel is a config gap, not an attempt.
	res := d.Dispatch(context.Background(), hazardBatch(hazardRec(102, alert.SeveritySafe)), alert.DefaultSetting())
	assert.False(t, res.Qualifies())
	require.Error(t, res.Err)
	assert.True(t, failure.IsTransient(res.Err))
	assert.Equal(t, []Channel{ChannelEmail}, res.Attempted)
	assert.Contains(t, res.Skipped, ChannelWebhook)
	assert.Equal(t, "email=failed webhook=skipped", res.Summary())
}

func TestDispatchPartialSuccessQualifies(t *testing.T) {
	smtp := newSMTPServer(t)
	hooks := &hookRecorder{failOn: "103"}
	srv := hooks.server(t)
	d := New(fastConfig(), NewSMTPMailer(smtp.config()), NewWebhookClient(time.Second), nil, logx.Nop())
	setting := alert.DefaultSetting()
	setting.WebhookURL = srv.URL

	res := d.Dispatch(context.Background(), hazardBatch(hazardRec(102, alert.SeveritySafe), hazardRec(103, alert.SeveritySafe), hazardRec(104, alert.SeveritySafe)), setting)
	assert.True(t, res.Qualifies())
	assert.Error(t, res.Err)
	assert.Equal(t, []Channel{ChannelEmail}, res.Succeeded)

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	assert.Equal(t, []string{"102"}, hooks.ids, "webhook stops at the first failing alert")
}

func TestDispatchConfigGapsOnly(t *testing.T) {
	d := New(fastConfig(), NewSMTPMailer(SMTPConfig{Host: "smtp.example.org"}), NewWebhookClient(time.Second), nil, logx.Nop())
	res := d.Dispatch(context.Background(), hazardBatch(hazardRec(1, alert.SeveritySafe)), alert.DefaultSetting())
	assert.False(t, res.Qualifies())
	assert.NoError(t, res.Err)
	assert.Empty(t, res.Attempted)
	assert.Len(t, res.Skipped, 2)
}

func TestDispatchOptOutAcknowledges(t *testing.T) {
	d := New(fastConfig(), nil, nil, nil, logx.Nop())
	setting := alert.DefaultSetting()
	setting.PointHazardEnabled = false
	res := d.Dispatch(context.Background(), hazardBatch(hazardRec(1, alert.SeveritySafe)), setting)
	assert.True(t, res.Acknowledged)
	assert.True(t, res.Qualifies())
	assert.Empty(t, res.Attempted)
}

type flakyMailer struct {
	fails int
	calls int
}

func (m *flakyMailer) Send(context.Context, Email) error {
	m.calls++
	if m.calls <= m.fails {
		return failure.Transient(errors.New("421 try again"))
	}
	return nil
}

func TestDispatchRetriesTransientSends(t *testing.T) {
	m := &flakyMailer{fails: 1}
	d := New(fastConfig(), m, nil, nil, logx.Nop())
	setting := alert.DefaultSetting()
	setting.PushEnabled = false
	res := d.Dispatch(context.Background(), hazardBatch(hazardRec(1, alert.SeveritySafe)), setting)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, m.calls)
	assert.True(t, res.Qualifies())
}

func TestSendTestUsesSameChannels(t *testing.T) {
	smtp := newSMTPServer(t)
	hooks := &hookRecorder{}
	srv := hooks.server(t)
	d := New(fastConfig(), NewSMTPMailer(smtp.config()), NewWebhookClient(time.Second), nil, logx.Nop())
	setting := alert.DefaultSetting()
	setting.AreaLossEnabled = false
	setting.WebhookURL = srv.URL

	res := d.SendTest(context.Background(), subscriber, alert.KindAreaLoss, setting)
	require.NoError(t, res.Err)
	assert.Len(t, res.Succeeded, 2)
	msgs := smtp.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Test Notification - Deforestation", msgs[0].Header.Get("Subject"))
	hooks.mu.Lock()
	assert.Equal(t, []string{"test"}, hooks.ids)
	hooks.mu.Unlock()
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
	first := retryDelay(cfg, 1)
	assert.GreaterOrEqual(t, first, 70*time.Millisecond)
	assert.LessOrEqual(t, first, 130*time.Millisecond)
}
