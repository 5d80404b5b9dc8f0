package main

import (
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) record(level string, v ...any) error {
	r.lines = append(r.lines, level+": "+fmt.Sprint(v...))
	return nil
}

func (r *recordingLogger) Error(v ...any) error   { return r.record("error", v...) }
func (r *recordingLogger) Warning(v ...any) error { return r.record("warning", v...) }
func (r *recordingLogger) Info(v ...any) error    { return r.record("info", v...) }

func (r *recordingLogger) Errorf(format string, a ...any) error {
	return r.record("error", fmt.Sprintf(format, a...))
}

func (r *recordingLogger) Warningf(format string, a ...any) error {
	return r.record("warning", fmt.Sprintf(format, a...))
}

func (r *recordingLogger) Infof(format string, a ...any) error {
	return r.record("info", fmt.Sprintf(format, a...))
}

func TestLogHook(t *testing.T) {
	rl := &recordingLogger{}
	l := logrus.New()
	l.SetLevel(logrus.TraceLevel)
	l.Formatter = &logrus.TextFormatter{DisableTimestamp: true, DisableColors: true}

	logger = rl
	t.Cleanup(func() { logger = nil })
	hookLogger(l)

	l.Error("broken")
	l.Warn("careful")
	l.Debug("details")
	l.Trace("noise")

	assert.Equal(t, []string{
		"error: level=error msg=broken\n",
		"warning: level=warning msg=careful\n",
		"info: level=debug msg=details\n",
	}, rl.lines)
}
