package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/MimeLyc/strproc/pkg/log"
)

func main() {
	// stdout carries job results
	log.GetLogger().SetOutput(os.Stderr)

	err := newApp().Run(context.Background(), os.Args)
	if err != nil {
		log.Error("%v", err)
	}
	closeLogFile()
	if err != nil {
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "strproc",
		Usage: "Submit strings to the processing backend and follow the streamed result",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "api-url",
				Usage: "backend base URL (overrides STRPROC_API_URL)",
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "notification transport: sse or ws (overrides CHANNEL_TRANSPORT)",
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "bearer token (overrides AUTH_TOKEN)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error (overrides LOG_LEVEL)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Process one input; Ctrl-C cancels the job, a second Ctrl-C aborts",
				ArgsUsage: "<input>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "quiet",
						Usage: "do not render progress",
					},
				},
				Action: runAction,
			},
			{
				Name:   "serve",
				Usage:  "Run the reference processing backend",
				Action: serveAction,
			},
			{
				Name:      "schedule",
				Usage:     "Submit an input on a cron schedule",
				ArgsUsage: "[input]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "cron",
						Usage: "cron expression, e.g. \"*/5 * * * *\" or @hourly",
					},
					&cli.StringFlag{
						Name:  "settings",
						Usage: "settings file to load the schedule from",
					},
					&cli.BoolFlag{
						Name:  "save",
						Usage: "write the effective schedule to --settings",
					},
				},
				Action: scheduleAction,
			},
		},
	}
}
