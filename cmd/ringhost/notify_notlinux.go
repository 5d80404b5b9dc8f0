//go:build !linux

package main

import "github.com/sirupsen/logrus"

func notifyReady(_ *logrus.Logger, _ int) {
	// No init service to notify
}
