package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/strproc/pkg/log"
)

// Standard five-field expressions plus descriptors such as @hourly.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func Parse(expr string) (cron.Schedule, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// New returns a scheduler using the package parser. A tick is skipped while
// the previous run of the same entry is still going.
func New(opts ...cron.Option) *cron.Cron {
	logger := cron.VerbosePrintfLogger(printfLogger{})
	base := []cron.Option{
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	}
	return cron.New(append(base, opts...)...)
}

type printfLogger struct{}

func (printfLogger) Printf(format string, args ...any) {
	log.Debug(format, args...)
}

type TriggerInfo struct {
	Next       time.Time
	Last       time.Time
	Expression string

	TimeSinceLast time.Duration
	TimeUntilNext time.Duration
}

func (i TriggerInfo) String() string {
	if i.Last.IsZero() {
		return fmt.Sprintf("%q next at %s (in %s)", i.Expression, i.Next.Format(time.RFC3339), i.TimeUntilNext.Round(time.Second))
	}
	return fmt.Sprintf("%q next at %s (in %s), last at %s", i.Expression,
		i.Next.Format(time.RFC3339), i.TimeUntilNext.Round(time.Second), i.Last.Format(time.RFC3339))
}

// GetTriggerInfo reports the triggers of expr around refTime. Last is zero
// when no trigger happened in the preceding year.
func GetTriggerInfo(expr string, refTime time.Time) (*TriggerInfo, error) {
	schedule, err := Parse(expr)
	if err != nil {
		return nil, err
	}

	info := &TriggerInfo{
		Expression: expr,
		Next:       schedule.Next(refTime),
	}
	info.TimeUntilNext = info.Next.Sub(refTime)

	// walk back an hour at a time until the following trigger is not later
	// than refTime, then walk forward to the latest such trigger
	for i := 1; i <= 366*24; i++ {
		candidate := schedule.Next(refTime.Add(-time.Duration(i) * time.Hour))
		if candidate.After(refTime) {
			continue
		}
		for {
			next := schedule.Next(candidate)
			if next.After(refTime) {
				break
			}
			candidate = next
		}
		info.Last = candidate
		info.TimeSinceLast = refTime.Sub(candidate)
		break
	}

	return info, nil
}
