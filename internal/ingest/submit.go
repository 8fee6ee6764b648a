package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zombor/receipt-ingest/internal/expense"
)

// receiptField keys the missing-receipt problem in a ValidationError
const receiptField = "receipt"

// SubmitRequest carries everything a submission needs
type SubmitRequest struct {
	Fields      expense.Fields
	HasReceipt  bool
	RequestNote string
}

// Submitter validates a form and moves its expense out of DRAFT. The draft
// itself is created and written through the form's DraftCoordinator.
type Submitter struct {
	backend        Backend
	drafts         *DraftCoordinator
	requireReceipt bool
	logger         *slog.Logger
}

// NewSubmitter creates a Submitter. With requireReceipt set, forms without an
// uploaded receipt fail validation.
func NewSubmitter(backend Backend, drafts *DraftCoordinator, requireReceipt bool, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{backend: backend, drafts: drafts, requireReceipt: requireReceipt, logger: logger}
}

// Validate checks fields locally and returns them normalized
func (s *Submitter) Validate(fields expense.Fields, hasReceipt bool) (expense.Fields, error) {
	out := fields.Clone()
	problems := map[string]string{}

	if strings.TrimSpace(out.ReceiptDate) == "" {
		problems[FieldDate.String()] = "Enter the receipt date."
	} else if date, ok := expense.NormalizeDate(out.ReceiptDate); ok {
		out.ReceiptDate = date
	} else {
		problems[FieldDate.String()] = "Enter the receipt date as YYYY-MM-DD."
	}

	out.Merchant = strings.TrimSpace(out.Merchant)
	if out.Merchant == "" {
		problems[FieldMerchant.String()] = "Enter the merchant."
	}

	switch {
	case out.Amount == nil:
		problems[FieldAmount.String()] = "Enter the amount."
	case *out.Amount < 0:
		problems[FieldAmount.String()] = "The amount cannot be negative."
	}

	if strings.TrimSpace(string(out.Category)) == "" {
		problems[FieldCategory.String()] = "Choose a category."
	} else if category, ok := expense.ParseCategory(string(out.Category)); ok {
		out.Category = category
	} else {
		problems[FieldCategory.String()] = fmt.Sprintf("Unknown category %q.", out.Category)
	}

	out.Description = strings.TrimSpace(out.Description)

	if s.requireReceipt && !hasReceipt {
		problems[receiptField] = "Attach a receipt before submitting."
	}

	if len(problems) > 0 {
		return fields, &ValidationError{Fields: problems}
	}
	return out, nil
}

// Submit validates, writes the final fields, and submits the expense. A
// form without a draft gets one first; it stays bound to the coordinator
// when a later step fails, so a retry reuses it. It returns the record the
// backend reports afterwards.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*expense.Draft, error) {
	fields, err := s.Validate(req.Fields, req.HasReceipt)
	if err != nil {
		return nil, err
	}

	fail := func(id int64, err error) error {
		if ctx.Err() != nil {
			return fmt.Errorf("submitting expense: %w", ctx.Err())
		}
		s.logger.Error("Expense submission failed", "expense_id", id, "error", err)
		return newError(ErrSubmissionFailed, "submit", transportMessage("submit the expense", err), err)
	}

	id, err := s.drafts.EnsureDraft(ctx, fields)
	if err != nil {
		return nil, fail(0, err)
	}
	if _, err := s.drafts.UpdateDraft(ctx, fields); err != nil {
		return nil, fail(id, err)
	}
	id = s.drafts.ID()

	record, err := s.backend.SubmitExpense(ctx, id, strings.TrimSpace(req.RequestNote))
	if err != nil {
		return nil, fail(id, err)
	}
	if record.Status == expense.StatusDraft {
		return nil, fail(id, fmt.Errorf("expense %d is still in %s after submit", id, record.Status))
	}

	s.logger.Info("Expense submitted", "expense_id", id, "status", record.Status)
	return record, nil
}
