package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/MimeLyc/strproc/internal/config"
	"github.com/MimeLyc/strproc/internal/jobs"
	"github.com/MimeLyc/strproc/pkg/icron"
	"github.com/MimeLyc/strproc/pkg/log"
)

func scheduleAction(ctx context.Context, cmd *cli.Command) error {
	settings, err := scheduleSettings(cmd)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd, config.WithRuntimeSettings(settings))
	if err != nil {
		return err
	}

	if cmd.Bool("save") {
		path := cmd.String("settings")
		if path == "" {
			path = config.DefaultRuntimeSettingsFile
		}
		settings.APIURL = cfg.API.URL
		settings.Transport = cfg.Channel.Transport
		if err := config.WriteRuntimeSettingsFile(path, settings); err != nil {
			return err
		}
		log.Info("Saved schedule to %s", path)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := newSession(cfg, func(snap jobs.Snapshot) {
		if snap.State.Terminal() {
			log.Info("Scheduled job %s %s: %s", snap.JobID, snap.State, snap.AssembledText)
		}
	})
	if err != nil {
		return err
	}
	defer sess.close()

	if err := sess.connect(ctx); err != nil {
		return err
	}

	c := icron.New()
	if _, err := c.AddFunc(settings.CronExpr, func() { runScheduled(ctx, sess, settings.Input) }); err != nil {
		return err
	}
	if info, err := icron.GetTriggerInfo(settings.CronExpr, time.Now()); err == nil {
		log.Info("Schedule %s", info)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// runScheduled submits input and blocks until the job ends, so the scheduler
// skips ticks while it is active.
func runScheduled(ctx context.Context, sess *session, input string) {
	if err := sess.submit(ctx, input); err != nil {
		if errors.Is(err, jobs.ErrJobActive) {
			log.Warn("Previous job still active, skipping")
			return
		}
		log.Error("Scheduled submission failed: %v", err)
		return
	}
	if _, err := sess.wait(ctx); err != nil {
		log.Warn("Stopped waiting for scheduled job: %v", err)
	}
}

// scheduleSettings merges --settings with the command line; flags win.
func scheduleSettings(cmd *cli.Command) (config.RuntimeSettings, error) {
	var settings config.RuntimeSettings
	if path := cmd.String("settings"); path != "" {
		loaded, err := config.LoadRuntimeSettingsFile(path)
		switch {
		case err == nil:
			settings = loaded
		case errors.Is(err, os.ErrNotExist) && cmd.Bool("save"):
		default:
			return settings, err
		}
	}

	if expr := cmd.String("cron"); expr != "" {
		settings.CronExpr = expr
	}
	if input := strings.Join(cmd.Args().Slice(), " "); input != "" {
		settings.Input = input
	}
	if err := settings.Validate(); err != nil {
		return settings, cli.Exit(err.Error(), 2)
	}
	return settings, nil
}
