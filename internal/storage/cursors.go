package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"alertwatch/internal/alert"
	"alertwatch/internal/failure"
	logx "alertwatch/pkg/logx"
)

// Bootstrapper supplies the starting watermark for a cursor seen for the
// first time. alertstore.Store implements it.
type Bootstrapper interface {
	MaxID(ctx context.Context, kind alert.Kind) (string, error)
}

// Cursors is the per-(subscriber, kind) watermark API used by the detector
// and the monitor. Updates to one key are serialized in process; the
// backend makes the compare-and-set atomic across processes.
type Cursors struct {
	store Store
	boot  Bootstrapper
	log   logx.Logger

	locks sync.Map // Key -> *sync.Mutex
}

func NewCursors(store Store, boot Bootstrapper, log logx.Logger) *Cursors {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cursors{store: store, boot: boot, log: log.With(logx.String("comp", "storage.cursors"))}
}

func keyOf(subscriber string, kind alert.Kind) Key {
	return Key{Subscriber: subscriber, Kind: kind.String()}
}

func (c *Cursors) lock(k Key) func() {
	v, _ := c.locks.LoadOrStore(k, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Get returns the stored watermark. A missing cursor is bootstrapped to the
// current maximum id of the kind, so the backlog at first sight is skipped.
func (c *Cursors) Get(ctx context.Context, subscriber string, kind alert.Kind) (string, error) {
	if subscriber == "" || !kind.Valid() {
		return "", fmt.Errorf("invalid cursor key %q/%s", subscriber, kind)
	}
	k := keyOf(subscriber, kind)
	unlock := c.lock(k)
	defer unlock()

	v, ok, err := c.store.LoadCursor(ctx, k)
	if err != nil {
		return "", failure.Transient(fmt.Errorf("load cursor %s: %w", k, err))
	}
	if ok {
		return v, nil
	}

	if c.boot == nil {
		return "", errors.New("cursor bootstrap source not configured")
	}
	start, err := c.boot.MaxID(ctx, kind)
	if err != nil {
		return "", failure.Transient(fmt.Errorf("bootstrap cursor %s: %w", k, err))
	}
	if start == "" {
		start = kind.ZeroID()
	}
	stored, _, err := c.store.AdvanceCursor(ctx, k, start, kind.Less)
	if err != nil {
		return "", failure.Transient(fmt.Errorf("persist cursor %s: %w", k, err))
	}
	c.log.Info("cursor bootstrapped", logx.String("key", k.String()), logx.String("value", stored))
	return stored, nil
}

// Advance raises the watermark to id. A value at or below the stored one
// is ignored and reported with advanced=false.
func (c *Cursors) Advance(ctx context.Context, subscriber string, kind alert.Kind, id string) (stored string, advanced bool, err error) {
	if subscriber == "" || !kind.Valid() {
		return "", false, fmt.Errorf("invalid cursor key %q/%s", subscriber, kind)
	}
	if id == "" {
		return "", false, errors.New("advance cursor: empty id")
	}
	k := keyOf(subscriber, kind)
	unlock := c.lock(k)
	defer unlock()

	stored, advanced, err = c.store.AdvanceCursor(ctx, k, id, kind.Less)
	if err != nil {
		return "", false, failure.Transient(fmt.Errorf("advance cursor %s: %w", k, err))
	}
	if !advanced {
		c.log.Debug("cursor advance ignored", logx.String("key", k.String()),
			logx.String("stored", stored), logx.String("offered", id))
	}
	return stored, advanced, nil
}

// Record appends one dispatch outcome to the delivery journal.
func (c *Cursors) Record(ctx context.Context, rec DeliveryRecord) error {
	if err := c.store.AppendDelivery(ctx, rec); err != nil {
		return failure.Transient(fmt.Errorf("append delivery: %w", err))
	}
	return nil
}
