package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zombor/receipt-ingest/internal/expense"
)

// DraftCoordinator owns the draft expense id for one form. The id is created
// at most once per session and stays fixed until Reset.
type DraftCoordinator struct {
	backend Backend
	clock   Clock
	logger  *slog.Logger

	mu sync.Mutex
	id int64
}

// NewDraftCoordinator creates a DraftCoordinator. Nil clock or logger use the defaults.
func NewDraftCoordinator(backend Backend, clock Clock, logger *slog.Logger) *DraftCoordinator {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DraftCoordinator{backend: backend, clock: clock, logger: logger}
}

// ID returns the current draft id, or 0 if none exists
func (d *DraftCoordinator) ID() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// Adopt binds the coordinator to an existing expense, for edit mode
func (d *DraftCoordinator) Adopt(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.id = id
}

// Reset forgets the draft so the next EnsureDraft creates a new one
func (d *DraftCoordinator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.id = 0
}

// EnsureDraft returns the draft id, creating the draft with placeholder
// values if none exists yet. Concurrent callers share a single creation.
func (d *DraftCoordinator) EnsureDraft(ctx context.Context, current expense.Fields) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.id != 0 {
		return d.id, nil
	}

	id, err := d.backend.CreateExpense(ctx, d.placeholder(current))
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("creating draft: %w", ctx.Err())
		}
		d.logger.Error("Failed to create draft", "error", err)
		return 0, newError(ErrDraftCreationFailed, "create draft", transportMessage("create the expense draft", err), err)
	}

	d.id = id
	d.logger.Info("Draft created", "expense_id", id)
	return id, nil
}

// UpdateDraft writes fields to the draft and returns the canonical record.
// The record's id is authoritative and replaces the local one.
func (d *DraftCoordinator) UpdateDraft(ctx context.Context, fields expense.Fields) (*expense.Draft, error) {
	id := d.ID()
	if id == 0 {
		return nil, fmt.Errorf("updating draft: %w", ErrNoDraft)
	}

	draft, err := d.backend.UpdateExpense(ctx, id, fields)
	if err != nil {
		return nil, fmt.Errorf("updating draft: %w", err)
	}

	if draft.ID != 0 && draft.ID != id {
		d.mu.Lock()
		if d.id == id {
			d.id = draft.ID
		}
		d.mu.Unlock()
	}
	return draft, nil
}

// placeholder builds the creation payload: the form's date when it has a
// valid one, otherwise today, and empty values everywhere else.
func (d *DraftCoordinator) placeholder(current expense.Fields) expense.Fields {
	date, ok := expense.NormalizeDate(current.ReceiptDate)
	if !ok {
		date = d.clock.Now().Format(expense.DateLayout)
	}
	return expense.Fields{
		ReceiptDate: date,
		Amount:      expense.Amount(0),
	}
}

// isCancelled reports whether err stems from the caller cancelling
func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
