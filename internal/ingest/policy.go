package ingest

import (
	"fmt"
	"strings"
	"time"
)

// PollPolicy bounds how long and how often the extraction endpoint is queried
type PollPolicy struct {
	MaxAttempts           int
	Interval              time.Duration
	ImmediateFirstAttempt bool
}

var (
	// StandardPolicy waits before every query: 30 x 10s, about five minutes
	StandardPolicy = PollPolicy{MaxAttempts: 30, Interval: 10 * time.Second}

	// QuickPolicy queries at once, then every 3s: 40 attempts, about two minutes
	QuickPolicy = PollPolicy{MaxAttempts: 40, Interval: 3 * time.Second, ImmediateFirstAttempt: true}

	// checkOncePolicy is a single immediate query
	checkOncePolicy = PollPolicy{MaxAttempts: 1, ImmediateFirstAttempt: true}
)

// PolicyByName resolves a named profile ("standard" or "quick")
func PolicyByName(name string) (PollPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "standard":
		return StandardPolicy, nil
	case "quick":
		return QuickPolicy, nil
	}
	return PollPolicy{}, fmt.Errorf("unknown poll profile %q", name)
}

// Validate checks that the policy can run
func (p PollPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("poll policy: max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.Interval < 0 {
		return fmt.Errorf("poll policy: interval must not be negative, got %s", p.Interval)
	}
	return nil
}

// Budget is the longest a poll may run: Interval*MaxAttempts, plus one
// Interval for the leading wait when the first attempt is delayed. A zero
// budget (zero interval) leaves the poll bounded by attempts only.
func (p PollPolicy) Budget() time.Duration {
	budget := p.Interval * time.Duration(p.MaxAttempts)
	if !p.ImmediateFirstAttempt {
		budget += p.Interval
	}
	return budget
}

// delayBefore returns the wait preceding the given 1-based attempt
func (p PollPolicy) delayBefore(attempt int) time.Duration {
	if attempt == 1 && p.ImmediateFirstAttempt {
		return 0
	}
	return p.Interval
}

func (p PollPolicy) String() string {
	return fmt.Sprintf("%d x %s (immediate=%t)", p.MaxAttempts, p.Interval, p.ImmediateFirstAttempt)
}
