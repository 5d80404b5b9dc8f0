//go:build linux

package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// sdNotifyReady tells systemd the service is ready and dependent services can now be started
// https://www.freedesktop.org/software/systemd/man/sd_notify.html
const sdNotifyReady = "READY=1"

// notifyReady signals readiness to systemd along with a status line naming
// the number of queues being served.
func notifyReady(l *logrus.Logger, queues int) {
	sockName := os.Getenv("NOTIFY_SOCKET")
	if sockName == "" {
		l.Debugln("NOTIFY_SOCKET systemd env var not set, not sending ready signal")
		return
	}

	conn, err := net.DialTimeout("unixgram", sockName, time.Second)
	if err != nil {
		l.WithError(err).Error("failed to connect to systemd notification socket")
		return
	}
	defer conn.Close()

	if err = conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		l.WithError(err).Error("failed to set the write deadline for the systemd notification socket")
		return
	}

	msg := fmt.Sprintf("%s\nSTATUS=Serving %d queues", sdNotifyReady, queues)
	if _, err = conn.Write([]byte(msg)); err != nil {
		l.WithError(err).Error("failed to signal the systemd notification socket")
		return
	}

	l.WithField("queues", queues).Debugln("notified systemd the service is ready")
}
