package main

import (
	"net"
	"os"
)

// notifySystemd sends READY=1 over NOTIFY_SOCKET, the sd_notify wire
// protocol systemd's Type=notify services use, matching the
// specification's "systemd notify in the reference implementation"
// readiness signal for the image manager's first completed pass. It is a
// silent no-op when NOTIFY_SOCKET is unset (not running under systemd).
func notifySystemd() {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}

	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return
	}
	defer conn.Close()

	_, _ = conn.Write([]byte("READY=1"))
}
