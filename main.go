package ringhost

import (
	"context"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ringhost/config"
	"github.com/slackhq/ringhost/sshd"
	"github.com/slackhq/ringhost/util"
	"go.yaml.in/yaml/v3"
	"golang.org/x/sync/errgroup"
)

func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (retcon *Control, reterr error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically cancel the context if Main returns an error, to signal all created goroutines to quit.
	defer func() {
		if reterr != nil {
			cancel()
		}
	}()

	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	cfg, err := parseDeviceConfig(c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to load the device config", err)
	}

	ssh, err := sshd.NewSSHServer(l.WithField("subsystem", "sshd"))
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Error while creating SSH server", err)
	}
	wireSSHReload(l, ssh, c)
	var sshStart func()
	if c.GetBool("sshd.enabled", false) {
		sshStart, err = configSSH(l, ssh, c)
		if err != nil {
			l.WithError(err).Warn("Failed to configure sshd, ssh debugging will not be available")
			sshStart = nil
		}
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
	// All non system modifying configuration consumption should live above this line
	// memory, eventfds, anything modifying the system should be below
	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

	if configTest {
		return nil, nil
	}

	c.CatchHUP(ctx)

	device, err := newDevice(l, cfg, metrics.DefaultRegistry)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to create the device", err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	ctrl := &Control{
		device:     device,
		l:          l,
		ctx:        ctx,
		cancel:     cancel,
		eg:         eg,
		ssh:        ssh,
		sshStart:   sshStart,
		statsStart: statsStart,
	}
	attachCommands(l, c, ssh, ctrl)

	return ctrl, nil
}
