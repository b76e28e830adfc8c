package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "alertwatch/pkg/logx"
)

// fileStore keeps cursors without a database.
//
// Files:
//   - <prefix>.deliveries.jsonl        (append-only JSON Lines)
//   - <prefix>.cursors.snapshot.json   (periodic snapshot)
//   - <prefix>.cursors.journal.jsonl   (append-only journal, fsynced per write)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	deliveryFile *os.File

	snapshotPath string
	journalFile  *os.File
	cursors      map[Key]string

	writes       int
	compactEvery int
}

type cursorRecord struct {
	Subscriber string `json:"subscriber"`
	Kind       string `json:"kind"`
	Value      string `json:"value"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	deliveryPath := prefix + ".deliveries.jsonl"
	snapPath := prefix + ".cursors.snapshot.json"
	journalPath := prefix + ".cursors.journal.jsonl"

	df, err := os.OpenFile(deliveryPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	cursors := map[Key]string{}
	if err := loadCursorSnapshot(snapPath, cursors); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = df.Close()
		return nil, err
	}
	if err := replayCursorJournal(journalPath, cursors); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = df.Close()
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("cursors", len(cursors)))
	return &fileStore{
		log:          log,
		deliveryFile: df,
		snapshotPath: snapPath,
		journalFile:  jf,
		cursors:      cursors,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.deliveryFile != nil {
		err1 = s.deliveryFile.Close()
		s.deliveryFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) LoadCursor(ctx context.Context, key Key) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return "", false, ErrClosed
	}
	v, ok := s.cursors[key]
	return v, ok, nil
}

func (s *fileStore) AdvanceCursor(ctx context.Context, key Key, value string, less LessFunc) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return "", false, ErrClosed
	}
	if cur, ok := s.cursors[key]; ok && !less(cur, value) {
		return cur, false, nil
	}

	// Journal first; memory only changes once the write is durable.
	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(cursorRecord{Subscriber: key.Subscriber, Kind: key.Kind, Value: value}); err != nil {
		return "", false, err
	}
	if err := s.journalFile.Sync(); err != nil {
		return "", false, err
	}
	s.cursors[key] = value

	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("cursor compact failed", logx.Err(err))
		}
	}
	return value, true, nil
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveryFile == nil {
		return ErrClosed
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	return json.NewEncoder(s.deliveryFile).Encode(r)
}

func (s *fileStore) compactLocked() error {
	snap := make([]cursorRecord, 0, len(s.cursors))
	for k, v := range s.cursors {
		snap = append(snap, cursorRecord{Subscriber: k.Subscriber, Kind: k.Kind, Value: v})
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadCursorSnapshot(path string, out map[Key]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var recs []cursorRecord
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return err
	}
	for _, r := range recs {
		out[Key{Subscriber: r.Subscriber, Kind: r.Kind}] = r.Value
	}
	return nil
}

// replayCursorJournal applies records in order. A torn final line (crash
// mid-write) is skipped; every earlier record was fsynced.
func replayCursorJournal(path string, out map[Key]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r cursorRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Subscriber == "" || r.Kind == "" {
			continue
		}
		out[Key{Subscriber: r.Subscriber, Kind: r.Kind}] = r.Value
	}
	return sc.Err()
}
