// Package ingest drives a receipt from image selection to a submitted expense:
// draft creation, upload, bounded extraction polling, merging the result into
// the form, and submission.
package ingest

import (
	"context"

	"github.com/zombor/receipt-ingest/internal/expense"
	"github.com/zombor/receipt-ingest/internal/gateway"
)

// Backend is the part of the expense REST surface the pipeline uses.
// *expense.Client implements it.
type Backend interface {
	CreateExpense(ctx context.Context, fields expense.Fields) (int64, error)
	UpdateExpense(ctx context.Context, id int64, fields expense.Fields) (*expense.Draft, error)
	GetExpense(ctx context.Context, id int64) (*expense.Draft, error)
	SubmitExpense(ctx context.Context, id int64, requestNote string) (*expense.Draft, error)
	UploadReceipt(ctx context.Context, expenseID int64, img expense.Image, opts ...gateway.Option) (int64, error)
	GetReceipt(ctx context.Context, id int64) (*expense.Receipt, error)
	GetExtraction(ctx context.Context, receiptID int64) (*expense.Extraction, error)
}

var _ Backend = (*expense.Client)(nil)
