package stream

import "strings"

// Assembler accumulates ordered result fragments and derives progress from an
// announced total length. It is not safe for concurrent use; the owning
// state machine serialises access.
type Assembler struct {
	text     strings.Builder
	expected int
	received int
	progress int
}

// ApplyLength records the total number of fragments to expect. Non-positive
// totals mean "not known yet" and never replace a learned total.
func (a *Assembler) ApplyLength(total int) {
	if total <= 0 {
		return
	}
	a.expected = total
	a.recompute()
}

// ApplyFragment appends text and bumps the received count.
func (a *Assembler) ApplyFragment(text string) {
	a.text.WriteString(text)
	a.received++
	a.recompute()
}

// Complete pins progress at 100.
func (a *Assembler) Complete() {
	a.progress = 100
}

// Clear drops all accumulated state.
func (a *Assembler) Clear() {
	a.text.Reset()
	a.expected = 0
	a.received = 0
	a.progress = 0
}

func (a *Assembler) Text() string  { return a.text.String() }
func (a *Assembler) Progress() int { return a.progress }
func (a *Assembler) Received() int { return a.received }
func (a *Assembler) Expected() int { return a.expected }

// recompute keeps progress = floor(received*100/expected), clamped to
// [last value, 100].
func (a *Assembler) recompute() {
	if a.expected <= 0 {
		return
	}
	p := a.received * 100 / a.expected
	if p > 100 {
		p = 100
	}
	if p > a.progress {
		a.progress = p
	}
}
