package storage

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"alertwatch/internal/alert"
	logx "alertwatch/pkg/logx"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	mr := miniredis.RunT(t)

	cfgs := map[string]Config{
		"sqlite": {Driver: "sqlite", Path: filepath.Join(dir, "a.db")},
		"file":   {Driver: "file", Path: filepath.Join(dir, "a.json")},
		"bolt":   {Driver: "bolt", Path: filepath.Join(dir, "a.bolt")},
		"redis":  {Driver: "redis", Addr: mr.Addr()},
	}
	out := map[string]Store{}
	for name, cfg := range cfgs {
		st, err := Open(cfg, logx.Nop())
		require.NoError(t, err, name)
		t.Cleanup(func() { _ = st.Close() })
		out[name] = st
	}
	return out
}

func TestStoreAdvanceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	less := alert.KindAreaLoss.Less
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			k := Key{Subscriber: "7", Kind: "area_loss"}

			_, ok, err := st.LoadCursor(ctx, k)
			require.NoError(t, err)
			assert.False(t, ok)

			v, adv, err := st.AdvanceCursor(ctx, k, "DF-9", less)
			require.NoError(t, err)
			assert.True(t, adv)
			assert.Equal(t, "DF-9", v)

			v, adv, err = st.AdvanceCursor(ctx, k, "DF-10", less)
			require.NoError(t, err)
			assert.True(t, adv)
			assert.Equal(t, "DF-10", v)

			v, adv, err = st.AdvanceCursor(ctx, k, "DF-8", less)
			require.NoError(t, err)
			assert.False(t, adv)
			assert.Equal(t, "DF-10", v)

			v, adv, err = st.AdvanceCursor(ctx, k, "DF-10", less)
			require.NoError(t, err)
			assert.False(t, adv)
			assert.Equal(t, "DF-10", v)

			got, ok, err := st.LoadCursor(ctx, k)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "DF-10", got)

			other, ok, err := st.LoadCursor(ctx, Key{Subscriber: "8", Kind: "area_loss"})
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Empty(t, other)

			require.NoError(t, st.AppendDelivery(ctx, DeliveryRecord{
				DispatchID: "d-1", Subscriber: "7", Kind: "area_loss",
				FirstID: "DF-9", LastID: "DF-10", Count: 2, Channels: "email=ok", Advanced: true,
			}))
		})
	}
}

func TestStoreConcurrentAdvanceKeepsMaximum(t *testing.T) {
	ctx := context.Background()
	less := alert.KindPointHazard.Less
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			k := Key{Subscriber: "1", Kind: "point_hazard"}
			var wg sync.WaitGroup
			for i := 1; i <= 20; i++ {
				wg.Add(1)
				go func(v int) {
					defer wg.Done()
					_, _, err := st.AdvanceCursor(ctx, k, strconv.Itoa(v), less)
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()
			got, ok, err := st.LoadCursor(ctx, k)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "20", got)
		})
	}
}

func TestFileStoreReplaysJournalAndSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cursors.json")
	less := alert.KindPointHazard.Less

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	fs := st.(*fileStore)
	fs.compactEvery = 3

	for i, sub := range []string{"a", "b", "c", "d"} {
		_, _, err := st.AdvanceCursor(ctx, Key{Subscriber: sub, Kind: "point_hazard"}, strconv.Itoa(100+i), less)
		require.NoError(t, err)
	}
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	for i, sub := range []string{"a", "b", "c", "d"} {
		v, ok, err := st.LoadCursor(ctx, Key{Subscriber: sub, Kind: "point_hazard"})
		require.NoError(t, err)
		require.True(t, ok, sub)
		assert.Equal(t, strconv.Itoa(100+i), v)
	}
}

func TestSQLiteAndBoltPersistAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, cfg := range []Config{
		{Driver: "sqlite", Path: filepath.Join(dir, "x.db")},
		{Driver: "bolt", Path: filepath.Join(dir, "x.bolt")},
	} {
		k := Key{Subscriber: "9", Kind: "point_hazard"}
		st, err := Open(cfg, logx.Nop())
		require.NoError(t, err)
		_, _, err = st.AdvanceCursor(ctx, k, "101", alert.KindPointHazard.Less)
		require.NoError(t, err)
		require.NoError(t, st.AppendDelivery(ctx, DeliveryRecord{DispatchID: "x", Subscriber: "9", Kind: "point_hazard", Count: 1}))
		require.NoError(t, st.Close())

		st, err = Open(cfg, logx.Nop())
		require.NoError(t, err)
		v, ok, err := st.LoadCursor(ctx, k)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "101", v)

		var n int
		switch s := st.(type) {
		case *sqliteStore:
			n, err = s.countDeliveries(ctx, k)
		case *boltStore:
			n, err = s.countDeliveries(k)
		}
		require.NoError(t, err)
		assert.Equal(t, 1, n, cfg.Driver)
		require.NoError(t, st.Close())
	}
}

func TestOpenRejectsDisabledAndUnknown(t *testing.T) {
	_, err := Open(Config{Driver: "none"}, logx.Nop())
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = Open(Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
}
