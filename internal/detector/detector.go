// Package detector turns a subscriber's cursor into the ordered batch of
// alerts not yet delivered to them.
package detector

import (
	"context"
	"fmt"
	"time"

	"alertwatch/internal/alert"
	logx "alertwatch/pkg/logx"
)

// Source is the read side of the alert store.
type Source interface {
	AlertsSince(ctx context.Context, subscriberID string, kind alert.Kind, watermark string) ([]alert.Record, error)
}

// Cursors provides the watermark, bootstrapping it when absent.
type Cursors interface {
	Get(ctx context.Context, subscriber string, kind alert.Kind) (string, error)
}

type Detector struct {
	src     Source
	cursors Cursors
	log     logx.Logger
	now     func() time.Time
}

func New(src Source, cursors Cursors, log logx.Logger) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{src: src, cursors: cursors, log: log.With(logx.String("comp", "detector")), now: time.Now}
}

// Detect returns the alerts of kind newer than sub's cursor, ascending by
// the kind's ordering. An empty batch is not an error.
//
// The source is trusted for scoping only: rows at or below the watermark,
// rows of the wrong variant and duplicate ids are dropped here.
func (d *Detector) Detect(ctx context.Context, sub alert.Subscriber, kind alert.Kind, trigger alert.Trigger) (alert.Batch, error) {
	b := alert.Batch{Subscriber: sub, Kind: kind, Trigger: trigger, DetectedAt: d.now()}
	if !kind.Valid() {
		return b, fmt.Errorf("detect: invalid kind %v", kind)
	}

	wm, err := d.cursors.Get(ctx, sub.ID, kind)
	if err != nil {
		return b, err
	}
	b.Watermark = wm

	recs, err := d.src.AlertsSince(ctx, sub.ID, kind, wm)
	if err != nil {
		return b, err
	}

	seen := make(map[string]struct{}, len(recs))
	out := recs[:0]
	stale, invalid := 0, 0
	for _, r := range recs {
		if r.Kind != kind || r.Validate() != nil {
			invalid++
			continue
		}
		id := r.ID()
		if !kind.Less(wm, id) {
			stale++
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, r)
	}
	if stale > 0 || invalid > 0 {
		d.log.Warn("dropped rows from alert source",
			logx.String("subscriber", sub.ID), logx.String("kind", kind.String()),
			logx.Int("stale", stale), logx.Int("invalid", invalid), logx.String("watermark", wm))
	}
	alert.SortRecords(kind, out)
	b.Records = out
	return b, nil
}
