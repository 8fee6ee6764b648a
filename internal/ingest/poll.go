package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/receipt-ingest/internal/expense"
)

// errBudgetExhausted marks a query cut short by the poll deadline
var errBudgetExhausted = errors.New("poll budget exhausted")

// Progress describes the query about to run
type Progress struct {
	ReceiptID   int64
	Attempt     int // 1-based
	MaxAttempts int
	StartedAt   time.Time
	Now         time.Time
}

// Elapsed is the time since polling began
func (p Progress) Elapsed() time.Duration {
	return p.Now.Sub(p.StartedAt)
}

// Outcome is the result of a finished poll. A nil Extraction means the
// budget ran out before the backend produced one.
type Outcome struct {
	ReceiptID  int64
	Extraction *expense.Extraction
	Attempts   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// TimedOut reports whether the poll ended without an extraction
func (o Outcome) TimedOut() bool {
	return o.Extraction == nil
}

// Err returns ErrExtractionTimeout for a poll that ran out, nil otherwise
func (o Outcome) Err() error {
	if o.TimedOut() {
		return fmt.Errorf("receipt %d after %d queries: %w", o.ReceiptID, o.Attempts, ErrExtractionTimeout)
	}
	return nil
}

// Elapsed is the wall time the poll took
func (o Outcome) Elapsed() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// Poller queries the extraction endpoint under a PollPolicy
type Poller struct {
	backend Backend
	clock   Clock
	logger  *slog.Logger
}

// NewPoller creates a Poller. Nil clock or logger use the defaults.
func NewPoller(backend Backend, clock Clock, logger *slog.Logger) *Poller {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{backend: backend, clock: clock, logger: logger}
}

// Poll queries until an extraction exists, the policy's attempts or budget
// run out, the context is cancelled, or a query fails for a reason other
// than not-ready. Running out is not an error: the Outcome reports TimedOut.
// observe, if non-nil, is called before every query.
func (p *Poller) Poll(ctx context.Context, receiptID int64, policy PollPolicy, observe func(Progress)) (Outcome, error) {
	if err := policy.Validate(); err != nil {
		return Outcome{}, err
	}

	started := p.clock.Now()
	out := Outcome{ReceiptID: receiptID, StartedAt: started}
	var deadline time.Time
	if budget := policy.Budget(); budget > 0 {
		deadline = started.Add(budget)
	}

	logger := p.logger.With("receipt_id", receiptID)
	logger.Debug("Polling for extraction", "policy", policy.String())

loop:
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if delay := policy.delayBefore(attempt); delay > 0 {
			if err := p.sleep(ctx, delay); err != nil {
				out.FinishedAt = p.clock.Now()
				return out, fmt.Errorf("polling receipt %d: %w", receiptID, err)
			}
		}
		if !deadline.IsZero() && !p.clock.Now().Before(deadline) {
			break
		}

		out.Attempts = attempt
		if observe != nil {
			observe(Progress{
				ReceiptID:   receiptID,
				Attempt:     attempt,
				MaxAttempts: policy.MaxAttempts,
				StartedAt:   started,
				Now:         p.clock.Now(),
			})
		}

		extraction, err := p.query(ctx, receiptID, deadline)
		switch {
		case err == nil:
			out.Extraction = extraction
			out.FinishedAt = p.clock.Now()
			logger.Info("Extraction ready", "attempt", attempt, "elapsed", out.Elapsed())
			return out, nil
		case errors.Is(err, expense.ErrNotReady):
			logger.Debug("Extraction not ready", "attempt", attempt)
		case ctx.Err() != nil:
			out.FinishedAt = p.clock.Now()
			return out, fmt.Errorf("polling receipt %d: %w", receiptID, ctx.Err())
		case errors.Is(err, errBudgetExhausted):
			break loop
		default:
			out.FinishedAt = p.clock.Now()
			logger.Error("Extraction query failed", "attempt", attempt, "error", err)
			return out, newError(ErrExtractionQueryFailed, "poll", transportMessage("check the receipt recognition status", err), err)
		}
	}

	out.FinishedAt = p.clock.Now()
	logger.Info("Extraction polling budget exhausted", "attempts", out.Attempts, "elapsed", out.Elapsed())
	return out, nil
}

// query runs one extraction lookup bounded by the poll deadline
func (p *Poller) query(ctx context.Context, receiptID int64, deadline time.Time) (*expense.Extraction, error) {
	if deadline.IsZero() {
		return p.backend.GetExtraction(ctx, receiptID)
	}
	remaining := deadline.Sub(p.clock.Now())
	if remaining <= 0 {
		return nil, errBudgetExhausted
	}

	qctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	extraction, err := p.backend.GetExtraction(qctx, receiptID)
	if err != nil && ctx.Err() == nil && errors.Is(qctx.Err(), context.DeadlineExceeded) {
		return nil, errBudgetExhausted
	}
	return extraction, err
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(d):
		return nil
	}
}
