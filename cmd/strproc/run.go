package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/MimeLyc/strproc/internal/errors"
	"github.com/MimeLyc/strproc/internal/jobs"
	"github.com/MimeLyc/strproc/pkg/log"
)

var errAborted = errors.New("aborted")

func runAction(ctx context.Context, cmd *cli.Command) error {
	input := strings.Join(cmd.Args().Slice(), " ")
	if input == "" {
		return cli.Exit("run needs an input string", 2)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	bar := &progressBar{w: os.Stderr, quiet: cmd.Bool("quiet")}
	sess, err := newSession(cfg, bar.render)
	if err != nil {
		return err
	}
	defer sess.close()

	if err := sess.connect(ctx); err != nil {
		return failure(err)
	}
	if err := sess.submit(ctx, input); err != nil {
		return failure(err)
	}

	// from here on an interrupt cancels the job instead of the process
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var final jobs.Snapshot
	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(done)
		snap, err := sess.wait(gctx)
		final = snap
		return err
	})

	g.Go(func() error {
		interrupts := 0
		for {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return nil
			case <-sigs:
				interrupts++
				if interrupts > 1 {
					return errAborted
				}
				fmt.Fprintln(os.Stderr, "\nCancelling, press Ctrl-C again to abort")
				if err := sess.machine.Cancel(gctx); err != nil {
					log.Warn("Cancel: %v", err)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, errAborted) {
			return cli.Exit("aborted", 130)
		}
		return err
	}
	return report(os.Stdout, final)
}

func report(w io.Writer, snap jobs.Snapshot) error {
	switch snap.State {
	case jobs.StateCompleted:
		_, err := fmt.Fprintln(w, snap.AssembledText)
		return err
	case jobs.StateCancelled:
		return cli.Exit("job cancelled", 130)
	default:
		if snap.LastError != nil {
			return failure(snap.LastError)
		}
		return fmt.Errorf("job ended in state %s", snap.State)
	}
}

// failure turns err into an exit error whose code identifies the error type.
func failure(err error) error {
	log.Debug("%v", err)
	msg := err.Error()
	var typed *apperrors.Error
	if errors.As(err, &typed) {
		msg = typed.UserMessage()
	}
	return cli.Exit(msg, exitCodeFor(apperrors.TypeOf(err)))
}

func exitCodeFor(t apperrors.ErrorType) int {
	switch t {
	case apperrors.ErrValidation, apperrors.ErrConfig:
		return 2
	case apperrors.ErrConnection:
		return 3
	case apperrors.ErrSubmission:
		return 4
	case apperrors.ErrCancellation:
		return 5
	default:
		return 1
	}
}

// progressBar redraws one status line per snapshot.
type progressBar struct {
	w     io.Writer
	quiet bool

	mu   sync.Mutex
	last string
}

const barWidth = 30

func (p *progressBar) render(snap jobs.Snapshot) {
	if p.quiet {
		return
	}
	line := formatProgress(snap)

	p.mu.Lock()
	defer p.mu.Unlock()
	if line == p.last {
		return
	}
	p.last = line
	fmt.Fprintf(p.w, "\r\033[K%s", line)
	if snap.State.Terminal() {
		fmt.Fprintln(p.w)
	}
}

func formatProgress(snap jobs.Snapshot) string {
	filled := snap.Progress * barWidth / 100
	bar := strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled)

	line := fmt.Sprintf("[%s] %3d%% %-10s", bar, snap.Progress, snap.State)
	if snap.ExpectedLength > 0 {
		line += fmt.Sprintf(" %d/%d", snap.ReceivedCount, snap.ExpectedLength)
	} else if snap.ReceivedCount > 0 {
		line += fmt.Sprintf(" %d", snap.ReceivedCount)
	}
	if snap.LastError != nil {
		line += " ! " + snap.LastError.Error()
	}
	return line
}
