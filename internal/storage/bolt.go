package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "alertwatch/pkg/logx"

	bolt "go.etcd.io/bbolt"
)

var (
	boltCursorsBucket    = []byte("cursors")
	boltDeliveriesBucket = []byte("deliveries")
)

// boltStore is a single-file embedded store. Update transactions are
// serialized by bbolt, so the cursor compare-and-set needs no extra lock.
type boltStore struct {
	db        *bolt.DB
	log       logx.Logger
	retention time.Duration
}

func openBolt(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./alertwatch.bolt"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{boltCursorsBucket, boltDeliveriesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("bolt store opened", logx.String("path", path))
	return &boltStore{db: db, log: log, retention: retentionOf(cfg)}, nil
}

func (s *boltStore) Close() error { return s.db.Close() }

func (s *boltStore) LoadCursor(ctx context.Context, key Key) (v string, ok bool, err error) {
	_ = ctx
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltCursorsBucket).Get([]byte(key.String()))
		if raw != nil {
			v, ok = string(raw), true
		}
		return nil
	})
	return v, ok, err
}

func (s *boltStore) AdvanceCursor(ctx context.Context, key Key, value string, less LessFunc) (stored string, advanced bool, err error) {
	_ = ctx
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltCursorsBucket)
		k := []byte(key.String())
		if raw := b.Get(k); raw != nil {
			cur := string(raw)
			if !less(cur, value) {
				stored = cur
				return nil
			}
		}
		if err := b.Put(k, []byte(value)); err != nil {
			return err
		}
		stored, advanced = value, true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return stored, advanced, nil
}

// AppendDelivery keys records by sequence so a cursor walk is
// chronological; expired records are dropped from the front.
func (s *boltStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	val, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltDeliveriesBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var k [8]byte
		binary.BigEndian.PutUint64(k[:], seq)
		if err := b.Put(k[:], val); err != nil {
			return err
		}
		if s.retention > 0 && seq%500 == 0 {
			return pruneBolt(b, time.Now().Add(-s.retention))
		}
		return nil
	})
}

func pruneBolt(b *bolt.Bucket, before time.Time) error {
	var stale [][]byte
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var r DeliveryRecord
		if err := json.Unmarshal(v, &r); err == nil && !r.At.Before(before) {
			break
		}
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *boltStore) countDeliveries(key Key) (n int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltDeliveriesBucket).ForEach(func(_, v []byte) error {
			var r DeliveryRecord
			if json.Unmarshal(v, &r) == nil && r.Subscriber == key.Subscriber && r.Kind == key.Kind {
				n++
			}
			return nil
		})
	})
	return n, err
}
