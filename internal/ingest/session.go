package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-ingest/internal/expense"
)

// errStale marks a result that arrived after its attempt was superseded
var errStale = errors.New("attempt superseded")

// Config tunes a Session
type Config struct {
	Policy                 PollPolicy
	UploadTimeout          time.Duration
	LowConfidenceThreshold float64
	RequireReceipt         bool
}

// DefaultConfig returns the standard polling profile and limits
func DefaultConfig() Config {
	return Config{
		Policy:                 StandardPolicy,
		UploadTimeout:          DefaultUploadTimeout,
		LowConfidenceThreshold: DefaultLowConfidenceThreshold,
	}
}

// View is a snapshot of the form for rendering
type View struct {
	AttemptID     string
	State         State
	FailedAt      State // stage that failed, when State is StateFailed
	DraftID       int64
	ReceiptID     int64
	HasReceipt    bool
	Receipt       *expense.Receipt // metadata of the receipt a loaded draft already had
	Fields        expense.Fields
	Locked        FieldSet
	Editable      bool
	OCRApplied    bool
	Applied       FieldSet
	Confidence    float64
	ModelName     string
	LowConfidence bool
	Attempt       int
	MaxAttempts   int
	Elapsed       time.Duration
	Message       string
	Err           error          // set on failure, validation problems, and ErrExtractionTimeout
	Record        *expense.Draft // set once submitted
}

// Attempt is one run of the ingestion pipeline
type Attempt struct {
	ID string

	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
	state  State
	err    error
}

// Done is closed when the attempt has settled
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Cancel stops the attempt; the form returns to DRAFT_READY
func (a *Attempt) Cancel() {
	a.cancel()
}

// Wait blocks until the attempt settles and returns the state it left the
// form in. The error is set for failures and cancellation.
func (a *Attempt) Wait() (State, error) {
	<-a.done
	return a.state, a.err
}

// Session is the ingestion pipeline bound to one expense form. At most one
// attempt runs at a time; selecting a new image cancels the previous one and
// results of superseded attempts are discarded.
type Session struct {
	cfg    Config
	clock  Clock
	logger *slog.Logger
	newID  func() string

	backend   Backend
	drafts    *DraftCoordinator
	uploader  *Uploader
	poller    *Poller
	merger    Merger
	submitter *Submitter

	// control serializes the operations that start or stop attempts
	control sync.Mutex

	mu         sync.Mutex
	observers  []func(View)
	closed     bool
	state      State
	failedAt   State
	draftID    int64
	fields     expense.Fields
	locks      FieldSet
	receiptID  int64
	hasReceipt bool
	receipt    *expense.Receipt
	merge      *MergeResult
	progress   Progress
	polled     bool
	pollEnd    time.Time
	message    string
	err        error
	record     *expense.Draft
	gen        uint64
	current    *Attempt
}

// NewSession creates a Session with the system clock and default logger
func NewSession(backend Backend, cfg Config) *Session {
	return NewSessionWithDeps(backend, cfg, nil, nil, nil)
}

// NewSessionWithDeps creates a Session with injected dependencies. Nil
// values use the defaults.
func NewSessionWithDeps(backend Backend, cfg Config, clock Clock, logger *slog.Logger, newID func() string) *Session {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if newID == nil {
		newID = uuid.NewString
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = StandardPolicy
	}

	s := &Session{
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		newID:    newID,
		backend:  backend,
		drafts:   NewDraftCoordinator(backend, clock, logger),
		uploader: NewUploader(backend, cfg.UploadTimeout, logger),
		poller:   NewPoller(backend, clock, logger),
		merger:   NewMerger(cfg.LowConfidenceThreshold),
	}
	s.submitter = NewSubmitter(backend, s.drafts, cfg.RequireReceipt, logger)
	s.fields = s.blankFields()
	return s
}

// OnChange registers fn to receive a View after every change. Views from
// different goroutines may be delivered concurrently.
func (s *Session) OnChange(fn func(View)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers[:len(s.observers):len(s.observers)], fn)
}

// View returns the current snapshot
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Fields returns a copy of the form values
func (s *Session) Fields() expense.Fields {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fields.Clone()
}

// SelectImage starts ingesting img: ensure the draft, upload, poll, merge.
// A running attempt is cancelled and awaited first. The returned Attempt
// settles in APPLIED, TIMED_OUT, ERROR, or back in DRAFT_READY on cancel.
func (s *Session) SelectImage(ctx context.Context, img expense.Image) (*Attempt, error) {
	s.control.Lock()
	defer s.control.Unlock()

	if err := s.interrupt(); err != nil {
		return nil, err
	}
	a, actx, err := s.begin(ctx, StateDraftPending, "Preparing expense draft...")
	if err != nil {
		return nil, err
	}

	go s.run(actx, a, func(ctx context.Context) error {
		return s.ingest(ctx, a, img)
	})
	return a, nil
}

// CheckExtraction queries once more for an extraction that finished after
// polling gave up. Only valid in TIMED_OUT.
func (s *Session) CheckExtraction(ctx context.Context) (*Attempt, error) {
	s.control.Lock()
	defer s.control.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.state != StateTimedOut || s.receiptID == 0 {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: no pending extraction in %s", ErrIllegalTransition, state)
	}
	receiptID := s.receiptID
	s.resetProgressLocked()
	s.mu.Unlock()

	a, actx, err := s.begin(ctx, StatePolling, "Checking receipt recognition...")
	if err != nil {
		return nil, err
	}

	go s.run(actx, a, func(ctx context.Context) error {
		return s.poll(ctx, a, receiptID, checkOncePolicy)
	})
	return a, nil
}

// Edit applies fn to the form values. Every field fn changes is locked
// against later extraction results. Rejected while an attempt or
// submission is running. fn runs with the session locked and must not call
// back into the session.
func (s *Session) Edit(fn func(f *expense.Fields)) error {
	s.mu.Lock()
	if err := s.editableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	after := s.fields.Clone()
	fn(&after)
	s.locks |= changedFields(s.fields, after)
	s.fields = after
	s.publishLocked()
	return nil
}

// Lock marks fields as user-owned without changing them. Unlike Edit it is
// allowed while an attempt runs, so it applies to the pending result.
func (s *Session) Lock(fields ...Field) error {
	return s.setLocks(func(locks FieldSet) FieldSet {
		for _, f := range fields {
			locks = locks.With(f)
		}
		return locks
	})
}

// Unlock lets extraction results overwrite fields again
func (s *Session) Unlock(fields ...Field) error {
	return s.setLocks(func(locks FieldSet) FieldSet {
		for _, f := range fields {
			locks = locks.Without(f)
		}
		return locks
	})
}

// UnlockAll releases every field lock
func (s *Session) UnlockAll() error {
	return s.setLocks(func(FieldSet) FieldSet { return 0 })
}

func (s *Session) setLocks(update func(FieldSet) FieldSet) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.state == StateSubmitted:
		s.mu.Unlock()
		return ErrAlreadySubmitted
	}
	s.locks = update(s.locks)
	s.publishLocked()
	return nil
}

// Load binds the session to an existing draft expense for editing
func (s *Session) Load(ctx context.Context, id int64) error {
	s.control.Lock()
	defer s.control.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: load in %s", ErrIllegalTransition, state)
	}
	s.mu.Unlock()

	record, err := s.backend.GetExpense(ctx, id)
	if err != nil {
		return fmt.Errorf("loading expense %d: %w", id, err)
	}
	if record.Status != "" && record.Status != expense.StatusDraft {
		return fmt.Errorf("loading expense %d in %s: %w", id, record.Status, ErrAlreadySubmitted)
	}
	var receipt *expense.Receipt
	if record.ReceiptID != nil {
		receipt, err = s.backend.GetReceipt(ctx, *record.ReceiptID)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("loading expense %d: %w", id, ctx.Err())
			}
			s.logger.Warn("Failed to fetch receipt metadata", "expense_id", id, "receipt_id", *record.ReceiptID, "error", err)
			receipt = nil
		}
	}
	s.drafts.Adopt(id)

	s.mu.Lock()
	s.draftID = id
	s.fields = record.Fields.Clone()
	s.hasReceipt = record.HasReceipt
	if record.ReceiptID != nil {
		s.receiptID = *record.ReceiptID
	}
	s.receipt = receipt
	s.transitionLocked(StateDraftReady, "Draft loaded.")
	s.publishLocked()
	return nil
}

// Submit validates the form and submits its expense, cancelling any running
// attempt first. Validation problems leave the state unchanged.
func (s *Session) Submit(ctx context.Context, requestNote string) (*expense.Draft, error) {
	s.control.Lock()

	s.mu.Lock()
	_, verr := s.submitter.Validate(s.fields, s.hasReceipt)
	if verr != nil {
		s.err = verr
		s.message = UserMessage(verr)
		s.publishLocked()
		s.control.Unlock()
		return nil, verr
	}
	s.mu.Unlock()

	if err := s.interrupt(); err != nil {
		s.control.Unlock()
		return nil, err
	}

	s.mu.Lock()
	if err := s.transitionLocked(StateSubmitting, "Submitting expense..."); err != nil {
		s.mu.Unlock()
		s.control.Unlock()
		return nil, err
	}
	s.gen++
	s.current = nil
	s.err = nil
	req := SubmitRequest{
		Fields:      s.fields.Clone(),
		HasReceipt:  s.hasReceipt,
		RequestNote: requestNote,
	}
	s.publishLocked()
	s.control.Unlock()

	record, err := s.submitter.Submit(ctx, req)
	draftID := s.drafts.ID()
	if err != nil {
		s.mu.Lock()
		s.draftID = draftID
		s.failedAt = StateSubmitting
		s.err = err
		s.transitionLocked(StateFailed, UserMessage(err))
		s.publishLocked()
		return nil, err
	}

	if record.ID != 0 && record.ID != draftID {
		s.drafts.Adopt(record.ID)
		draftID = record.ID
	}

	s.mu.Lock()
	s.draftID = draftID
	s.record = record
	s.fields = record.Fields.Clone()
	s.hasReceipt = s.hasReceipt || record.HasReceipt
	s.transitionLocked(StateSubmitted, "Expense submitted for approval.")
	s.publishLocked()
	return record, nil
}

// Reset cancels any running attempt and clears the form, forgetting the draft
func (s *Session) Reset() error {
	s.control.Lock()
	defer s.control.Unlock()

	s.mu.Lock()
	if s.state == StateSubmitting {
		s.mu.Unlock()
		return ErrFormBusy
	}
	prev := s.current
	s.mu.Unlock()
	if prev != nil {
		prev.cancel()
		<-prev.done
	}
	s.drafts.Reset()

	s.mu.Lock()
	s.gen++
	s.current = nil
	s.state = StateIdle
	s.failedAt = StateIdle
	s.draftID = 0
	s.fields = s.blankFields()
	s.locks = 0
	s.receiptID = 0
	s.hasReceipt = false
	s.receipt = nil
	s.merge = nil
	s.resetProgressLocked()
	s.message = ""
	s.err = nil
	s.record = nil
	s.publishLocked()
	return nil
}

// Close cancels any running attempt and waits for it to settle. Later
// attempts are refused.
func (s *Session) Close() error {
	s.control.Lock()
	defer s.control.Unlock()

	s.mu.Lock()
	s.closed = true
	prev := s.current
	s.mu.Unlock()
	if prev != nil {
		prev.cancel()
		<-prev.done
	}
	return nil
}

// interrupt refuses new work in closed or submitted forms, then cancels and
// awaits the running attempt
func (s *Session) interrupt() error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.state == StateSubmitted:
		s.mu.Unlock()
		return ErrAlreadySubmitted
	case s.state == StateSubmitting:
		s.mu.Unlock()
		return ErrFormBusy
	}
	prev := s.current
	s.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}
	return nil
}

// begin moves to the first state of a new attempt and makes it current
func (s *Session) begin(parent context.Context, first State, message string) (*Attempt, context.Context, error) {
	s.mu.Lock()
	if err := s.transitionLocked(first, message); err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	s.gen++
	ctx, cancel := context.WithCancel(parent)
	a := &Attempt{
		ID:     s.newID(),
		gen:    s.gen,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.current = a
	s.err = nil
	s.publishLocked()

	s.logger.Info("Ingestion attempt started", "attempt", a.ID, "state", first)
	return a, ctx, nil
}

// run executes an attempt body and settles the attempt
func (s *Session) run(ctx context.Context, a *Attempt, body func(ctx context.Context) error) {
	defer close(a.done)
	defer a.cancel()

	err := body(ctx)
	s.conclude(ctx, a, err)
}

// ingest is the full pipeline for one selected image
func (s *Session) ingest(ctx context.Context, a *Attempt, img expense.Image) error {
	draftID, err := s.drafts.EnsureDraft(ctx, s.Fields())
	if err != nil {
		return err
	}
	if err := s.advance(ctx, a, StateDraftReady, "Draft ready.", func() { s.draftID = draftID }); err != nil {
		return err
	}
	if err := s.advance(ctx, a, StateUploading, "Uploading receipt...", nil); err != nil {
		return err
	}

	receiptID, err := s.uploader.Upload(ctx, draftID, img)
	if err != nil {
		return err
	}
	err = s.advance(ctx, a, StatePolling, "Reading receipt...", func() {
		s.receiptID = receiptID
		s.hasReceipt = true
		s.receipt = nil
		s.merge = nil
		s.resetProgressLocked()
	})
	if err != nil {
		return err
	}
	return s.poll(ctx, a, receiptID, s.cfg.Policy)
}

// poll waits for the extraction of receiptID and applies it to the form.
// The form must already be in POLLING.
func (s *Session) poll(ctx context.Context, a *Attempt, receiptID int64, policy PollPolicy) error {
	outcome, err := s.poller.Poll(ctx, receiptID, policy, func(p Progress) {
		s.mu.Lock()
		if !s.isCurrentLocked(a) {
			s.mu.Unlock()
			return
		}
		s.progress = p
		s.polled = true
		s.publishLocked()
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.checkLocked(ctx, a); err != nil {
		s.mu.Unlock()
		s.logger.Info("Discarding extraction result", "attempt", a.ID, "receipt_id", receiptID, "reason", err)
		return err
	}
	s.pollEnd = outcome.FinishedAt

	if outcome.TimedOut() {
		s.transitionLocked(StateTimedOut, "Receipt uploaded, but recognition is taking longer than expected. Fill in the fields yourself or check again later.")
		s.err = outcome.Err()
		a.state = StateTimedOut
		s.publishLocked()
		s.logger.Info("Extraction timed out", "attempt", a.ID, "receipt_id", receiptID, "attempts", outcome.Attempts)
		return nil
	}

	result := s.merger.Merge(s.fields, s.locks, *outcome.Extraction)
	s.fields = result.Fields
	s.merge = &result
	s.transitionLocked(StateApplied, appliedMessage(result))
	a.state = StateApplied
	s.publishLocked()

	s.logger.Info("Extraction applied",
		"attempt", a.ID,
		"receipt_id", receiptID,
		"applied", result.Applied.String(),
		"confidence", result.Confidence,
		"model", result.ModelName,
	)
	return nil
}

// advance moves a still-current attempt to next, running mutate under the lock
func (s *Session) advance(ctx context.Context, a *Attempt, next State, message string, mutate func()) error {
	s.mu.Lock()
	if err := s.checkLocked(ctx, a); err != nil {
		s.mu.Unlock()
		return err
	}
	if mutate != nil {
		mutate()
	}
	if err := s.transitionLocked(next, message); err != nil {
		s.mu.Unlock()
		return err
	}
	s.publishLocked()
	return nil
}

// conclude settles an attempt that ended with err; nil means the body
// already settled it
func (s *Session) conclude(ctx context.Context, a *Attempt, err error) {
	if err == nil {
		return
	}

	s.mu.Lock()
	switch {
	case !s.isCurrentLocked(a):
		a.state, a.err = s.state, errStale
		s.mu.Unlock()
		return

	case ctx.Err() != nil || isCancelled(err):
		next := StateIdle
		if s.draftID != 0 {
			next = StateDraftReady
		}
		if s.state.InFlight() {
			s.transitionLocked(next, "Cancelled.")
		}
		a.state, a.err = s.state, context.Canceled
		s.logger.Info("Ingestion attempt cancelled", "attempt", a.ID, "state", s.state)

	default:
		s.failedAt = s.state
		s.err = err
		s.transitionLocked(StateFailed, failureMessage(err))
		a.state, a.err = StateFailed, err
		s.logger.Error("Ingestion attempt failed", "attempt", a.ID, "stage", s.failedAt, "error", err)
	}
	s.publishLocked()
}

func (s *Session) resetProgressLocked() {
	s.progress = Progress{}
	s.polled = false
	s.pollEnd = time.Time{}
}

func (s *Session) isCurrentLocked(a *Attempt) bool {
	return s.current == a && s.gen == a.gen
}

// checkLocked fails if a was cancelled or superseded
func (s *Session) checkLocked(ctx context.Context, a *Attempt) error {
	if !s.isCurrentLocked(a) {
		return errStale
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (s *Session) editableLocked() error {
	switch {
	case s.closed:
		return ErrSessionClosed
	case s.state == StateSubmitted:
		return ErrAlreadySubmitted
	case s.state.Busy():
		return fmt.Errorf("%w: %s", ErrFormBusy, s.state)
	}
	return nil
}

func (s *Session) transitionLocked(next State, message string) error {
	if !s.state.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.state, next)
	}
	s.state = next
	s.message = message
	return nil
}

// publishLocked releases s.mu and hands the current view to observers
func (s *Session) publishLocked() {
	view := s.viewLocked()
	observers := s.observers
	s.mu.Unlock()

	for _, fn := range observers {
		fn(view)
	}
}

func (s *Session) viewLocked() View {
	v := View{
		State:      s.state,
		DraftID:    s.draftID,
		ReceiptID:  s.receiptID,
		HasReceipt: s.hasReceipt,
		Receipt:    s.receipt,
		Fields:     s.fields.Clone(),
		Locked:     s.locks,
		Editable:   s.editableLocked() == nil,
		Message:    s.message,
		Err:        s.err,
		Record:     s.record,
	}
	if s.current != nil {
		v.AttemptID = s.current.ID
	}
	if s.state == StateFailed {
		v.FailedAt = s.failedAt
	}
	if s.merge != nil {
		v.OCRApplied = s.merge.OCRApplied
		v.Applied = s.merge.Applied
		v.Confidence = s.merge.Confidence
		v.ModelName = s.merge.ModelName
		v.LowConfidence = s.merge.LowConfidence
	}
	if s.polled {
		v.Attempt = s.progress.Attempt
		v.MaxAttempts = s.progress.MaxAttempts
		end := s.pollEnd
		if s.state == StatePolling || end.IsZero() {
			end = s.clock.Now()
		}
		v.Elapsed = end.Sub(s.progress.StartedAt)
		if s.state == StatePolling {
			v.Message = fmt.Sprintf("Reading receipt... attempt %d/%d, %s elapsed",
				v.Attempt, v.MaxAttempts, v.Elapsed.Round(time.Second))
		}
	}
	return v
}

// blankFields is an empty form dated today
func (s *Session) blankFields() expense.Fields {
	return expense.Fields{ReceiptDate: s.clock.Now().Format(expense.DateLayout)}
}

// changedFields reports which fields differ between before and after
func changedFields(before, after expense.Fields) FieldSet {
	var changed FieldSet
	if before.ReceiptDate != after.ReceiptDate {
		changed = changed.With(FieldDate)
	}
	if before.Merchant != after.Merchant {
		changed = changed.With(FieldMerchant)
	}
	if (before.Amount == nil) != (after.Amount == nil) ||
		(before.Amount != nil && *before.Amount != *after.Amount) {
		changed = changed.With(FieldAmount)
	}
	if before.Category != after.Category {
		changed = changed.With(FieldCategory)
	}
	if before.Description != after.Description {
		changed = changed.With(FieldDescription)
	}
	return changed
}

func appliedMessage(r MergeResult) string {
	pct := r.Confidence * 100
	if r.LowConfidence {
		return fmt.Sprintf("Receipt recognized with low confidence (%.0f%%). Please check the fields.", pct)
	}
	return fmt.Sprintf("Receipt recognized (%.0f%% confidence).", pct)
}

func failureMessage(err error) string {
	msg := UserMessage(err)
	var perr *Error
	if errors.As(err, &perr) && !perr.Retryable() {
		return msg
	}
	return msg + " Select the image again to retry."
}
