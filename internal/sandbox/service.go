package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/zombor/receipt-ingest/internal/expense"
	"github.com/zombor/receipt-ingest/internal/scanning"
)

var (
	// ErrInvalidInput is returned for requests the backend refuses to store
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotDraft is returned when a non-draft expense is modified or submitted
	ErrNotDraft = errors.New("expense is not a draft")
	// ErrTooLarge is returned for receipt images over expense.MaxImageSize
	ErrTooLarge = errors.New("receipt image too large")
	// ErrUnsupportedType is returned for receipt images that cannot be scanned
	ErrUnsupportedType = errors.New("unsupported receipt type")
	// ErrClosed is returned once the service has shut down
	ErrClosed = errors.New("service closed")
)

// DefaultScanTimeout bounds a single scanner call
const DefaultScanTimeout = 3 * time.Minute

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service implements the expense backend operations
type Service struct {
	store       Store
	scanner     scanning.Scanner
	storage     Storage
	timeSource  TimeSource
	delay       time.Duration
	scanTimeout time.Duration
	logger      *slog.Logger

	// mu serializes read-modify-write cycles on expenses
	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new Service whose scans start after delay
func NewService(store Store, scanner scanning.Scanner, storage Storage, delay time.Duration) *Service {
	return NewServiceWithDeps(store, scanner, storage, delay, defaultTimeSource{}, nil)
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(store Store, scanner scanning.Scanner, storage Storage, delay time.Duration, timeSrc TimeSource, logger *slog.Logger) *Service {
	if timeSrc == nil {
		timeSrc = defaultTimeSource{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:       store,
		scanner:     scanner,
		storage:     storage,
		timeSource:  timeSrc,
		delay:       delay,
		scanTimeout: DefaultScanTimeout,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// sanitizeFilename strips special characters and truncates long phone-generated names
func sanitizeFilename(filename string) string {
	filename = filepath.Base(filename)
	ext := strings.ToLower(filepath.Ext(filename))
	if unsafeChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	base = unsafeChars.ReplaceAllString(base, "")
	base = strings.TrimSpace(whitespace.ReplaceAllString(base, " "))
	base = strings.ReplaceAll(base, " ", "_")

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}
	return base + ext
}

// normalizeFields validates the stored shape of fields. Blank values are
// allowed on drafts; present values must be well formed.
func normalizeFields(f expense.Fields) (expense.Fields, error) {
	f = f.Clone()
	f.Merchant = strings.TrimSpace(f.Merchant)
	f.Description = strings.TrimSpace(f.Description)
	if f.ReceiptDate != "" {
		d, ok := expense.NormalizeDate(f.ReceiptDate)
		if !ok {
			return f, fmt.Errorf("%w: receiptDate %q", ErrInvalidInput, f.ReceiptDate)
		}
		f.ReceiptDate = d
	}
	if f.Category != "" {
		c, ok := expense.ParseCategory(string(f.Category))
		if !ok {
			return f, fmt.Errorf("%w: category %q", ErrInvalidInput, f.Category)
		}
		f.Category = c
	}
	if f.Amount != nil && *f.Amount < 0 {
		return f, fmt.Errorf("%w: amount must not be negative", ErrInvalidInput)
	}
	return f, nil
}

// CreateExpense stores a new draft expense
func (s *Service) CreateExpense(fields expense.Fields) (*expense.Draft, error) {
	fields, err := normalizeFields(fields)
	if err != nil {
		return nil, err
	}
	now := expense.Timestamp{Time: s.timeSource.Now()}
	draft := &expense.Draft{
		Status:    expense.StatusDraft,
		Fields:    fields,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateExpense(draft); err != nil {
		return nil, fmt.Errorf("creating expense: %w", err)
	}
	s.logger.Info("Expense created", "expense_id", draft.ID)
	return draft, nil
}

// UpdateExpense replaces the fields of a draft expense
func (s *Service) UpdateExpense(id int64, fields expense.Fields) (*expense.Draft, error) {
	fields, err := normalizeFields(fields)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	draft, err := s.draftLocked(id)
	if err != nil {
		return nil, err
	}
	draft.Fields = fields
	draft.UpdatedAt = expense.Timestamp{Time: s.timeSource.Now()}
	if err := s.store.SaveExpense(draft); err != nil {
		return nil, fmt.Errorf("updating expense: %w", err)
	}
	return draft, nil
}

// GetExpense retrieves an expense
func (s *Service) GetExpense(id int64) (*expense.Draft, error) {
	draft, err := s.store.GetExpense(id)
	if err != nil {
		return nil, fmt.Errorf("getting expense: %w", err)
	}
	return draft, nil
}

// ListExpenses returns every expense
func (s *Service) ListExpenses() ([]*expense.Draft, error) {
	expenses, err := s.store.ListExpenses()
	if err != nil {
		return nil, fmt.Errorf("listing expenses: %w", err)
	}
	return expenses, nil
}

// SubmitExpense moves a complete draft to SUBMITTED
func (s *Service) SubmitExpense(id int64, requestNote string) (*expense.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, err := s.draftLocked(id)
	if err != nil {
		return nil, err
	}
	if missing := missingFields(draft.Fields); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidInput, strings.Join(missing, ", "))
	}
	draft.Status = expense.StatusSubmitted
	draft.RequestNote = strings.TrimSpace(requestNote)
	draft.UpdatedAt = expense.Timestamp{Time: s.timeSource.Now()}
	if err := s.store.SaveExpense(draft); err != nil {
		return nil, fmt.Errorf("submitting expense: %w", err)
	}
	s.logger.Info("Expense submitted", "expense_id", id)
	return draft, nil
}

func missingFields(f expense.Fields) []string {
	var missing []string
	if f.ReceiptDate == "" {
		missing = append(missing, "receiptDate")
	}
	if f.Merchant == "" {
		missing = append(missing, "merchant")
	}
	if f.Amount == nil {
		missing = append(missing, "amount")
	}
	if f.Category == "" {
		missing = append(missing, "category")
	}
	return missing
}

// draftLocked loads an expense that may still be changed
func (s *Service) draftLocked(id int64) (*expense.Draft, error) {
	draft, err := s.store.GetExpense(id)
	if err != nil {
		return nil, fmt.Errorf("getting expense: %w", err)
	}
	if draft.Status != expense.StatusDraft {
		return nil, fmt.Errorf("expense %d is %s: %w", id, draft.Status, ErrNotDraft)
	}
	return draft, nil
}

// UploadReceipt stores a receipt image, binds it to the expense, and
// schedules its extraction. The new receipt supersedes any earlier one.
func (s *Service) UploadReceipt(expenseID int64, filename string, contentType string, data []byte) (*StoredReceipt, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty receipt", ErrInvalidInput)
	}
	if len(data) > expense.MaxImageSize {
		return nil, ErrTooLarge
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = expense.DetectContentType(filename, data)
	}
	if !expense.SupportedContentType(contentType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	draft, err := s.draftLocked(expenseID)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	cleanFilename := sanitizeFilename(filename)

	savedPath, err := s.storage.Save(fmt.Sprintf("%d_%s_%s", expenseID, hash[:12], cleanFilename), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	now := s.timeSource.Now()
	receipt := &StoredReceipt{
		Receipt: expense.Receipt{
			ExpenseID:  expenseID,
			FileHash:   hash,
			MimeType:   contentType,
			UploadedAt: expense.Timestamp{Time: now},
		},
		Filename:    cleanFilename,
		StoragePath: savedPath,
	}
	if err := s.store.CreateReceipt(receipt); err != nil {
		s.removeFile(savedPath)
		return nil, fmt.Errorf("saving receipt: %w", err)
	}

	draft.HasReceipt = true
	draft.ReceiptID = &receipt.ID
	draft.UpdatedAt = expense.Timestamp{Time: now}
	if err := s.store.SaveExpense(draft); err != nil {
		if derr := s.store.DeleteReceipt(receipt.ID); derr != nil {
			s.logger.Warn("Failed to remove unbound receipt", "receipt_id", receipt.ID, "error", derr)
		}
		s.removeFile(savedPath)
		return nil, fmt.Errorf("binding receipt: %w", err)
	}

	s.logger.Info("Receipt uploaded",
		"expense_id", expenseID,
		"receipt_id", receipt.ID,
		"content_type", contentType,
		"file_size", len(data),
	)

	s.wg.Add(1)
	go s.extract(receipt.ID, data, contentType)

	return receipt, nil
}

// removeFile deletes a stored image that no receipt refers to
func (s *Service) removeFile(path string) {
	if err := s.storage.Delete(path); err != nil {
		s.logger.Warn("Failed to remove receipt file", "path", path, "error", err)
	}
}

// GetReceipt retrieves receipt metadata
func (s *Service) GetReceipt(id int64) (*StoredReceipt, error) {
	receipt, err := s.store.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// GetReceiptImage retrieves the image data for a receipt
func (s *Service) GetReceiptImage(id int64) ([]byte, string, error) {
	receipt, err := s.store.GetReceipt(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt: %w", err)
	}
	data, err := s.storage.Get(receipt.StoragePath)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}
	return data, receipt.MimeType, nil
}

// GetExtraction retrieves the extraction for a receipt. It returns
// ErrNotFound until the scanner has finished.
func (s *Service) GetExtraction(receiptID int64) (*expense.Extraction, error) {
	if _, err := s.store.GetReceipt(receiptID); err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	extraction, err := s.store.GetExtraction(receiptID)
	if err != nil {
		return nil, fmt.Errorf("getting extraction: %w", err)
	}
	return extraction, nil
}

// extract runs the scanner for one receipt and stores what it found. A failed
// scan leaves no extraction behind, so clients keep seeing "not ready".
func (s *Service) extract(receiptID int64, data []byte, contentType string) {
	defer s.wg.Done()
	logger := s.logger.With("receipt_id", receiptID, "scanner", s.scanner.Name())

	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			return
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.scanTimeout)
	defer cancel()

	started := time.Now()
	result, err := s.scanner.ScanReceipt(ctx, data, contentType)
	if err != nil {
		logger.Error("Failed to scan receipt",
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		return
	}

	extraction := &expense.Extraction{
		ReceiptID:            receiptID,
		ModelName:            result.Model,
		ExtractedDate:        result.Date,
		ExtractedAmount:      result.Amount,
		ExtractedMerchant:    result.Merchant,
		ExtractedCategory:    result.Category,
		ExtractedDescription: result.Description,
		Confidence:           result.Confidence,
		ExtractedJSON:        result.Raw,
		CreatedAt:            expense.Timestamp{Time: s.timeSource.Now()},
	}
	if extraction.ModelName == "" {
		extraction.ModelName = s.scanner.Name()
	}
	if err := s.store.SaveExtraction(extraction); err != nil {
		logger.Error("Failed to save extraction", "error", err)
		return
	}
	logger.Info("Receipt extracted",
		"confidence", extraction.Confidence,
		"duration", time.Since(started),
	)
}

// Wait blocks until every scheduled extraction has finished
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close stops pending extractions and waits for running ones to return
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}
