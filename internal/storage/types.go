package storage

import (
	"errors"
	"time"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrDisabled = errors.New("storage disabled: cursors must be persisted")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file at Path
//   - "file": snapshot + journal files next to Path
//   - "redis": server at Addr, keys under Prefix
//   - "bolt": bbolt database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Addr     string // redis only
	Password string // redis only
	DB       int    // redis only
	Prefix   string // redis only; default "alertwatch:"

	// DeliveryRetention bounds how long delivery records are kept.
	// 0 keeps the backend default (30 days); negative keeps forever.
	DeliveryRetention time.Duration
}

// Key identifies one cursor.
type Key struct {
	Subscriber string `json:"subscriber"`
	Kind       string `json:"kind"`
}

func (k Key) String() string { return k.Subscriber + "/" + k.Kind }

// LessFunc reports whether a sorts strictly before b.
type LessFunc func(a, b string) bool

// DeliveryRecord is one dispatch outcome.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	At         time.Time `json:"at"`
	DispatchID string    `json:"dispatch_id"`
	Subscriber string    `json:"subscriber"`
	Kind       string    `json:"kind"`
	FirstID    string    `json:"first_id,omitempty"`
	LastID     string    `json:"last_id,omitempty"`
	Count      int       `json:"count"`
	Channels   string    `json:"channels,omitempty"` // e.g. "email=ok webhook=failed"
	Advanced   bool      `json:"advanced"`
	Error      string    `json:"error,omitempty"`
}

const defaultDeliveryRetention = 30 * 24 * time.Hour

func retentionOf(cfg Config) time.Duration {
	switch {
	case cfg.DeliveryRetention < 0:
		return 0
	case cfg.DeliveryRetention == 0:
		return defaultDeliveryRetention
	default:
		return cfg.DeliveryRetention
	}
}
