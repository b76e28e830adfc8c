package storage

import (
	"context"
	"errors"
	"strings"

	logx "alertwatch/pkg/logx"
)

// Store is the persistence API behind Cursors.
type Store interface {
	LoadCursor(ctx context.Context, key Key) (value string, ok bool, err error)
	// AdvanceCursor stores value when key is absent or less(current, value),
	// atomically with respect to other writers of the same backend.
	// It returns the value held after the call.
	AdvanceCursor(ctx context.Context, key Key, value string, less LessFunc) (stored string, advanced bool, err error)
	AppendDelivery(ctx context.Context, rec DeliveryRecord) error
	Close() error
}

// Open initializes the configured store. Cursor storage cannot be disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	case "bolt", "bbolt":
		return openBolt(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
