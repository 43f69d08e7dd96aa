package sdnotify

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "newsbot/pkg/logx"
)

func listen(t *testing.T) *net.UnixConn {
	t.Helper()
	dir, err := os.MkdirTemp("", "sd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram unavailable: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

func TestStateReachesSocket(t *testing.T) {
	conn := listen(t)
	n := New(logx.Nop())

	n.Ready()
	if got := read(t, conn); got != "READY=1" {
		t.Fatalf("got %q", got)
	}
	n.Status("3 tasks live")
	if got := read(t, conn); got != "STATUS=3 tasks live" {
		t.Fatalf("got %q", got)
	}
	n.Stopping()
	if got := read(t, conn); got != "STOPPING=1" {
		t.Fatalf("got %q", got)
	}
}

func TestWatchdogPings(t *testing.T) {
	conn := listen(t)
	t.Setenv("WATCHDOG_USEC", "20000")
	t.Setenv("WATCHDOG_PID", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(logx.Nop()).Watchdog(ctx)
		close(done)
	}()
	if got := read(t, conn); got != "WATCHDOG=1" {
		t.Fatalf("got %q", got)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("watchdog did not stop")
	}
}

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	n := New(logx.Nop())
	n.Ready()

	done := make(chan struct{})
	go func() {
		n.Watchdog(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Watchdog without WATCHDOG_USEC should return")
	}
}
