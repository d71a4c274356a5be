package processor

import (
	"context"
	"encoding/base64"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MimeLyc/strproc/internal/backoff"
	"github.com/MimeLyc/strproc/internal/channel"
	"github.com/MimeLyc/strproc/pkg/log"
)

// Process computes the job result: every distinct rune of input in sorted
// order followed by its count, then "/" and the base64 encoding of input.
//
//	Process("hello") == "e1h1l2o1/aGVsbG8="
func Process(input string) string {
	counts := make(map[rune]int)
	for _, r := range input {
		counts[r]++
	}
	runes := make([]rune, 0, len(counts))
	for r := range counts {
		runes = append(runes, r)
	}
	slices.Sort(runes)

	var b strings.Builder
	for _, r := range runes {
		b.WriteRune(r)
		b.WriteString(strconv.Itoa(counts[r]))
	}
	b.WriteByte('/')
	b.WriteString(base64.StdEncoding.EncodeToString([]byte(input)))
	return b.String()
}

// StreamExecutor returns an Executor that announces the result length and
// then publishes the result one rune at a time, pausing delay between
// fragments. Terminal events are left to the queue.
func StreamExecutor(pub Publisher, delay time.Duration) Executor {
	return func(ctx context.Context, job *Job) error {
		result := Process(job.Input)

		length, err := channel.NewEvent(channel.EventMessageLength, channel.LengthPayload{
			JobID: job.ID,
			Total: utf8.RuneCountInString(result),
		})
		if err != nil {
			return fmt.Errorf("encode length: %w", err)
		}
		pub.Publish(job.Owner, length)
		log.Debug("Job %s streaming %d fragments", job.ID, utf8.RuneCountInString(result))

		for _, r := range result {
			if err := backoff.Sleep(ctx, delay); err != nil {
				return err
			}

			frag, err := channel.NewEvent(channel.EventReceiveNotification, channel.FragmentPayload{
				JobID:    job.ID,
				Fragment: string(r),
			})
			if err != nil {
				return fmt.Errorf("encode fragment: %w", err)
			}
			pub.Publish(job.Owner, frag)
		}
		return nil
	}
}
