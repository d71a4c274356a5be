package backoff

import (
	"fmt"
	"strings"
	"time"
)

// DefaultSchedule is the reconnect schedule used by the notification channel.
var DefaultSchedule = []time.Duration{
	0,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	15 * time.Second,
}

// Policy maps a reconnect attempt number to a wait duration.
// Attempts past the end of the schedule reuse the last entry.
type Policy struct {
	schedule []time.Duration
}

// New builds a Policy from the given schedule. An empty schedule falls back
// to DefaultSchedule.
func New(schedule ...time.Duration) (Policy, error) {
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	for i, d := range schedule {
		if d < 0 {
			return Policy{}, fmt.Errorf("backoff schedule entry %d is negative: %s", i, d)
		}
	}
	cp := make([]time.Duration, len(schedule))
	copy(cp, schedule)
	return Policy{schedule: cp}, nil
}

// Default returns a Policy over DefaultSchedule.
func Default() Policy {
	p, _ := New()
	return p
}

// Delay returns schedule[min(attempt, len-1)].
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.schedule) == 0 {
		return Default().Delay(attempt)
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(p.schedule) {
		attempt = len(p.schedule) - 1
	}
	return p.schedule[attempt]
}

// Len is the number of distinct entries in the schedule.
func (p Policy) Len() int {
	if len(p.schedule) == 0 {
		return len(DefaultSchedule)
	}
	return len(p.schedule)
}

func (p Policy) String() string {
	parts := make([]string, 0, p.Len())
	for i := range p.Len() {
		parts = append(parts, p.Delay(i).String())
	}
	return strings.Join(parts, ",")
}

// Parse reads a comma separated list of durations, e.g. "0s,2s,5s".
func Parse(raw string) (Policy, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Default(), nil
	}
	fields := strings.Split(raw, ",")
	schedule := make([]time.Duration, 0, len(fields))
	for _, f := range fields {
		d, err := time.ParseDuration(strings.TrimSpace(f))
		if err != nil {
			return Policy{}, fmt.Errorf("invalid backoff entry %q: %w", f, err)
		}
		schedule = append(schedule, d)
	}
	return New(schedule...)
}
