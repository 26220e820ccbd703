// Package sdnotify reports agent lifecycle to systemd over the
// NOTIFY_SOCKET datagram protocol. Plain stdlib, no cgo. Outside
// systemd every call is a silent no-op, so the agent runs unchanged
// in a container or a test.
package sdnotify

import (
	"net"
	"os"
)

// Ready reports startup complete; systemd holds dependent units until
// this arrives when Type=notify.
func Ready() error {
	return notify("READY=1")
}

// Watchdog pets the watchdog timer. The agent sends one per completed
// cycle, so a wedged cycle eventually trips WatchdogSec.
func Watchdog() error {
	return notify("WATCHDOG=1")
}

// Stopping announces graceful shutdown before the queue drain starts.
func Stopping() error {
	return notify("STOPPING=1")
}

// Status publishes a one-line summary shown by systemctl status. The
// agent updates it with the per-cycle counters after every cycle.
func Status(msg string) error {
	return notify("STATUS=" + msg)
}

func notify(state string) error {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return nil
	}

	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Write([]byte(state))
	return err
}
