package main

import (
	"context"
	"net/http"

	"github.com/urfave/cli/v3"
	"golang.org/x/oauth2"

	"github.com/MimeLyc/strproc/internal/api"
	"github.com/MimeLyc/strproc/internal/channel"
	"github.com/MimeLyc/strproc/internal/config"
	"github.com/MimeLyc/strproc/internal/credential"
	"github.com/MimeLyc/strproc/internal/idempotency"
	"github.com/MimeLyc/strproc/internal/jobs"
	"github.com/MimeLyc/strproc/pkg/log"
)

func loadConfig(cmd *cli.Command, extra ...config.Option) (*config.Config, error) {
	opts := append([]config.Option{
		config.WithAPIURL(cmd.String("api-url")),
		config.WithTransport(cmd.String("transport")),
		config.WithToken(cmd.String("token")),
	}, extra...)

	cfg, err := config.NewFromEnv(opts...)
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if flag := cmd.String("log-level"); flag != "" {
		level = flag
	}
	if cfg.LogFile != "" && logFile == nil {
		fl, err := log.NewFileLogger(cfg.LogFile, log.ParseLevel(level))
		if err != nil {
			return nil, err
		}
		logFile = fl
		log.SetLogger(fl.Logger)
	}
	log.GetLogger().SetLevel(log.ParseLevel(level))
	return cfg, nil
}

// logFile is open while LOG_FILE is in use; main closes it.
var logFile *log.FileLogger

func closeLogFile() {
	if logFile != nil {
		_ = logFile.Close()
	}
}

func credentialsFor(cfg *config.Config) credential.Provider {
	switch {
	case cfg.Auth.TokenFile != "":
		return credential.File{Path: cfg.Auth.TokenFile}
	case cfg.Auth.Token != "":
		return credential.FromTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Auth.Token}))
	default:
		// the backend scopes notifications by token, so each process gets its own
		token := idempotency.UUIDGenerator{}.Next()
		log.Info("No token configured, using session token %s", token)
		return credential.Static(token)
	}
}

// session wires the notification channel and the job machine for one
// process.
type session struct {
	manager  *channel.Manager
	machine  *jobs.Machine
	terminal chan jobs.Snapshot
}

func newSession(cfg *config.Config, onChange func(jobs.Snapshot)) (*session, error) {
	creds := credentialsFor(cfg)

	channelURL, err := cfg.ChannelURL()
	if err != nil {
		return nil, err
	}
	var transport channel.Transport
	switch cfg.Channel.Transport {
	case config.TransportWebSocket:
		transport = channel.NewWebSocketTransport(channelURL)
	default:
		transport = channel.NewSSETransport(channelURL)
	}

	client := api.NewClient(cfg.API.URL, creds,
		api.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout()}),
		api.WithRetries(cfg.API.SubmitRetries),
	)

	s := &session{
		manager:  channel.NewManager(transport, creds, channel.WithPolicy(cfg.Backoff())),
		machine:  jobs.NewMachine(client, client),
		terminal: make(chan jobs.Snapshot, 1),
	}
	s.machine.Bind(s.manager)
	s.machine.Subscribe(func(snap jobs.Snapshot) {
		if onChange != nil {
			onChange(snap)
		}
		if snap.State == jobs.StateCompleted || snap.State == jobs.StateCancelled {
			select {
			case s.terminal <- snap:
			default:
			}
		}
	})
	s.manager.OnStateChange(func(state channel.ConnState, err error) {
		switch {
		case err != nil:
			log.Warn("Notification channel %s: %v", state, err)
		default:
			log.Info("Notification channel %s", state)
		}
	})
	return s, nil
}

func (s *session) connect(ctx context.Context) error {
	return s.manager.Connect(ctx)
}

func (s *session) close() {
	s.manager.Disconnect()
}

// submit starts a job, discarding any outcome left over from a previous one.
func (s *session) submit(ctx context.Context, input string) error {
	select {
	case <-s.terminal:
	default:
	}
	return s.machine.Submit(ctx, input)
}

// wait blocks until the current job completes or is cancelled.
func (s *session) wait(ctx context.Context) (jobs.Snapshot, error) {
	select {
	case snap := <-s.terminal:
		return snap, nil
	case <-ctx.Done():
		return s.machine.Snapshot(), ctx.Err()
	}
}
