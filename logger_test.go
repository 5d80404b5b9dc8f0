package ringhost

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ringhost/config"
	"github.com/slackhq/ringhost/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLogger(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)

	require.NoError(t, c.LoadString("logging: {level: debug, format: json, disable_timestamp: true}"))
	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.DebugLevel, l.Level)
	if assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter) {
		assert.True(t, l.Formatter.(*logrus.JSONFormatter).DisableTimestamp)
	}

	require.NoError(t, c.ReloadConfigString("logging: {level: WARN, timestamp_format: 2006}"))
	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.WarnLevel, l.Level)
	if assert.IsType(t, &logrus.TextFormatter{}, l.Formatter) {
		f := l.Formatter.(*logrus.TextFormatter)
		assert.True(t, f.FullTimestamp)
		assert.Equal(t, "2006", f.TimestampFormat)
	}
}

func TestConfigLogger_Invalid(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)

	require.NoError(t, c.LoadString("logging: {level: loud}"))
	assert.ErrorContains(t, configLogger(l, c), "possible levels")

	require.NoError(t, c.ReloadConfigString("logging: {format: xml}"))
	assert.EqualError(t, configLogger(l, c), "unknown log format `xml`. possible formats: [text json]")
}
