package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	logx "alertwatch/pkg/logx"

	"github.com/go-redis/redis/v8"
)

// redisStore keeps one string key per cursor and appends deliveries to a
// capped stream, so several alertwatch replicas can share watermarks.
type redisStore struct {
	c      *redis.Client
	log    logx.Logger
	prefix string
	maxLen int64
}

// Each retry means another writer committed, so this bounds the number of
// concurrent writers per key that can be outrun.
const redisAdvanceRetries = 64

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "alertwatch:"
	}
	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	log.Debug("redis store opened", logx.String("addr", addr), logx.String("prefix", prefix))
	return &redisStore{c: c, log: log, prefix: prefix, maxLen: 100_000}, nil
}

func (s *redisStore) cursorKey(k Key) string {
	return s.prefix + "cursor:" + k.Subscriber + ":" + k.Kind
}

func (s *redisStore) Close() error { return s.c.Close() }

func (s *redisStore) LoadCursor(ctx context.Context, key Key) (string, bool, error) {
	v, err := s.c.Get(ctx, s.cursorKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// AdvanceCursor is an optimistic WATCH/MULTI compare-and-set. A concurrent
// writer aborts the transaction and the comparison is retried.
func (s *redisStore) AdvanceCursor(ctx context.Context, key Key, value string, less LessFunc) (string, bool, error) {
	rk := s.cursorKey(key)
	for i := 0; i < redisAdvanceRetries; i++ {
		var (
			stored   string
			advanced bool
		)
		err := s.c.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, rk).Result()
			switch {
			case err == redis.Nil:
			case err != nil:
				return err
			default:
				if !less(cur, value) {
					stored = cur
					return nil
				}
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, rk, value, 0)
				return nil
			})
			if err != nil {
				return err
			}
			stored, advanced = value, true
			return nil
		}, rk)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return "", false, err
		}
		return stored, advanced, nil
	}
	return "", false, errors.New("redis cursor update contended: " + key.String())
}

func (s *redisStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.c.XAdd(ctx, &redis.XAddArgs{
		Stream: s.prefix + "deliveries",
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"subscriber": r.Subscriber,
			"kind":       r.Kind,
			"data":       string(b),
		},
	}).Err()
}
