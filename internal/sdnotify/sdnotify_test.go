package sdnotify

import (
	"net"
	"path/filepath"
	"testing"
	"time"
)

func listenNotify(t *testing.T) (*net.UnixConn, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, path
}

func recvDatagram(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read datagram: %v", err)
	}
	return string(buf[:n])
}

func TestLifecycleMessages(t *testing.T) {
	conn, path := listenNotify(t)
	t.Setenv("NOTIFY_SOCKET", path)

	if err := Ready(); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if got := recvDatagram(t, conn); got != "READY=1" {
		t.Fatalf("wrong ready payload: %q", got)
	}

	if err := Watchdog(); err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
	if got := recvDatagram(t, conn); got != "WATCHDOG=1" {
		t.Fatalf("wrong watchdog payload: %q", got)
	}

	if err := Stopping(); err != nil {
		t.Fatalf("Stopping: %v", err)
	}
	if got := recvDatagram(t, conn); got != "STOPPING=1" {
		t.Fatalf("wrong stopping payload: %q", got)
	}
}

func TestStatusCarriesMessage(t *testing.T) {
	conn, path := listenNotify(t)
	t.Setenv("NOTIFY_SOCKET", path)

	if err := Status("cycle 3: orders=1/1 drifted=0"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got := recvDatagram(t, conn); got != "STATUS=cycle 3: orders=1/1 drifted=0" {
		t.Fatalf("wrong status payload: %q", got)
	}
}

func TestNoSocketIsNoOp(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	if err := Ready(); err != nil {
		t.Fatalf("Ready outside systemd should be a no-op, got %v", err)
	}
	if err := Status("anything"); err != nil {
		t.Fatalf("Status outside systemd should be a no-op, got %v", err)
	}
}
