package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/zombor/receipt-ingest/internal/expense"
	"github.com/zombor/receipt-ingest/internal/gateway"
)

// DefaultUploadTimeout bounds a single upload; phone photos on slow links take a while
const DefaultUploadTimeout = 300 * time.Second

// Uploader sends a receipt image bound to a draft
type Uploader struct {
	backend Backend
	timeout time.Duration
	logger  *slog.Logger
}

// NewUploader creates an Uploader. A non-positive timeout uses DefaultUploadTimeout.
func NewUploader(backend Backend, timeout time.Duration, logger *slog.Logger) *Uploader {
	if timeout <= 0 {
		timeout = DefaultUploadTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{backend: backend, timeout: timeout, logger: logger}
}

// Timeout returns the per-upload timeout
func (u *Uploader) Timeout() time.Duration {
	return u.timeout
}

// Upload validates img and sends it bound to draftID, returning the receipt
// id. Invalid input fails before any network call.
func (u *Uploader) Upload(ctx context.Context, draftID int64, img expense.Image) (int64, error) {
	img, err := prepareImage(draftID, img)
	if err != nil {
		return 0, err
	}

	logger := u.logger.With("expense_id", draftID, "filename", img.Filename)
	logger.Info("Uploading receipt", "size", len(img.Data), "content_type", img.ContentType)

	id, err := u.backend.UploadReceipt(ctx, draftID, img, gateway.WithTimeout(u.timeout))
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("uploading receipt: %w", ctx.Err())
		}
		logger.Error("Receipt upload failed", "error", err)
		return 0, newError(ErrUploadTransportFailed, "upload", transportMessage("upload the receipt", err), err)
	}

	logger.Info("Receipt uploaded", "receipt_id", id)
	return id, nil
}

// prepareImage checks the upload input and fills in the name and type
func prepareImage(draftID int64, img expense.Image) (expense.Image, error) {
	invalid := func(msg string) error {
		return &Error{Kind: ErrInvalidUploadInput, Op: "upload", UserMessage: msg}
	}
	if draftID <= 0 {
		return img, invalid("The expense draft is not ready yet. Please try again.")
	}
	if len(img.Data) == 0 {
		return img, invalid("Please choose a receipt image.")
	}
	if len(img.Data) > expense.MaxImageSize {
		return img, invalid(fmt.Sprintf("The receipt image is too large (limit %d MB).", expense.MaxImageSize>>20))
	}

	img.Filename = strings.TrimSpace(filepath.Base(img.Filename))
	if img.Filename == "" || img.Filename == "." || img.Filename == string(filepath.Separator) {
		img.Filename = "receipt"
	}
	if strings.TrimSpace(img.ContentType) == "" {
		img.ContentType = expense.DetectContentType(img.Filename, img.Data)
	}
	if !expense.SupportedContentType(img.ContentType) {
		return img, invalid("Unsupported file type. Please choose a JPEG, PNG, HEIC, or PDF receipt.")
	}
	return img, nil
}
