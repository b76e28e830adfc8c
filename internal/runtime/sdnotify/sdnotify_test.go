package sdnotify

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "alertwatch/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	buf := make([]byte, 1024)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestReadyAndStopping(t *testing.T) {
	conn := listen(t)
	n := New(logx.Nop())

	require.True(t, n.Ready("monitoring 3 subscribers"))
	assert.Equal(t, "READY=1\nSTATUS=monitoring 3 subscribers", read(t, conn))

	require.True(t, n.Stopping())
	assert.Equal(t, "STOPPING=1", read(t, conn))
}

func TestWatchdogPingsWhileHealthy(t *testing.T) {
	conn := listen(t)
	t.Setenv("WATCHDOG_USEC", "40000")
	n := New(logx.Nop())

	var healthy atomic.Bool
	healthy.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Watchdog(ctx, healthy.Load)
	}()

	assert.True(t, strings.HasPrefix(read(t, conn), "WATCHDOG=1"))
	cancel()
	<-done
}

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	n := New(logx.Nop())
	assert.False(t, n.Ready("x"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Watchdog(context.Background(), nil)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog should return without WATCHDOG_USEC")
	}
}
