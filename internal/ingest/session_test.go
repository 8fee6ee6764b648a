package ingest

import (
	"context"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-ingest/internal/expense"
)

// viewRecorder collects every published view
type viewRecorder struct {
	mu    sync.Mutex
	views []View
}

func (r *viewRecorder) record(v View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
}

func (r *viewRecorder) Views() []View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]View(nil), r.views...)
}

// firstCallBlocks blocks only the first call of a hook
func firstCallBlocks(entered chan<- struct{}, release <-chan struct{}) func(ctx context.Context, call int) error {
	block := blockUntil(entered, release)
	return func(ctx context.Context, call int) error {
		if call > 1 {
			return nil
		}
		return block(ctx, call)
	}
}

var _ = Describe("Session", func() {
	var (
		clock    *fakeClock
		backend  *mockBackend
		cfg      Config
		session  *Session
		recorder *viewRecorder
		ctx      context.Context
	)

	BeforeEach(func() {
		clock = newFakeClock()
		backend = newMockBackend(clock)
		cfg = Config{Policy: QuickPolicy}
		recorder = &viewRecorder{}
		ctx = context.Background()
	})

	JustBeforeEach(func() {
		session = NewSessionWithDeps(backend, cfg, clock, nil, nil)
		session.OnChange(recorder.record)
	})

	AfterEach(func() {
		Expect(session.Close()).To(Succeed())
	})

	selectAndWait := func(img expense.Image) (*Attempt, State, error) {
		a, err := session.SelectImage(ctx, img)
		Expect(err).NotTo(HaveOccurred())
		state, err := a.Wait()
		return a, state, err
	}

	It("starts idle with today's date", func() {
		v := session.View()
		Expect(v.State).To(Equal(StateIdle))
		Expect(v.Fields.ReceiptDate).To(Equal("2024-05-01"))
		Expect(v.Editable).To(BeTrue())
	})

	Describe("a recognized receipt", func() {
		BeforeEach(func() {
			backend.setExtractionFor(51, sampleExtraction())
			backend.readyAfter = 1
		})

		It("creates the draft, uploads, polls, and fills the form", func() {
			a, state, err := selectAndWait(sampleImage())
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(StateApplied))
			Expect(a.ID).To(HaveLen(36))

			v := session.View()
			Expect(v.State).To(Equal(StateApplied))
			Expect(v.DraftID).To(Equal(int64(101)))
			Expect(v.ReceiptID).To(Equal(int64(51)))
			Expect(v.HasReceipt).To(BeTrue())
			Expect(v.OCRApplied).To(BeTrue())
			Expect(v.Confidence).To(BeNumerically("~", 0.92))
			Expect(v.ModelName).To(Equal("qwen2.5-vl"))
			Expect(v.Fields.Merchant).To(Equal("Cafe Bene"))
			Expect(*v.Fields.Amount).To(Equal(4500))
			Expect(v.Fields.Category).To(Equal(expense.CategoryFood))
			Expect(v.Fields.ReceiptDate).To(Equal("2024-04-28"))
			Expect(v.Attempt).To(Equal(2))
			Expect(v.MaxAttempts).To(Equal(40))
			Expect(v.Message).To(ContainSubstring("92%"))

			uploads := backend.Uploads()
			Expect(uploads).To(HaveLen(1))
			Expect(uploads[0].expenseID).To(Equal(int64(101)))
		})

		It("publishes every stage in order", func() {
			_, _, err := selectAndWait(sampleImage())
			Expect(err).NotTo(HaveOccurred())

			var states []State
			for _, v := range recorder.Views() {
				if len(states) == 0 || states[len(states)-1] != v.State {
					states = append(states, v.State)
				}
			}
			Expect(states).To(Equal([]State{StateDraftPending, StateDraftReady, StateUploading, StatePolling, StateApplied}))
		})

		It("keeps fields the user edited", func() {
			Expect(session.Edit(func(f *expense.Fields) { f.Merchant = "My Cafe" })).To(Succeed())
			Expect(session.View().Locked.Has(FieldMerchant)).To(BeTrue())

			_, _, err := selectAndWait(sampleImage())
			Expect(err).NotTo(HaveOccurred())

			v := session.View()
			Expect(v.Fields.Merchant).To(Equal("My Cafe"))
			Expect(*v.Fields.Amount).To(Equal(4500))
			Expect(v.Applied.Has(FieldMerchant)).To(BeFalse())
		})

		It("overwrites edits once unlocked", func() {
			Expect(session.Edit(func(f *expense.Fields) { f.Merchant = "My Cafe" })).To(Succeed())
			Expect(session.UnlockAll()).To(Succeed())

			_, _, err := selectAndWait(sampleImage())
			Expect(err).NotTo(HaveOccurred())
			Expect(session.View().Fields.Merchant).To(Equal("Cafe Bene"))
		})

		It("applies a lock set while polling", func() {
			entered := make(chan struct{}, 1)
			release := make(chan struct{})
			backend.uploadHook = firstCallBlocks(entered, release)
			Expect(session.Edit(func(f *expense.Fields) { f.Merchant = "My Cafe" })).To(Succeed())
			Expect(session.UnlockAll()).To(Succeed())

			a, err := session.SelectImage(ctx, sampleImage())
			Expect(err).NotTo(HaveOccurred())
			Eventually(entered).Should(Receive())
			Expect(session.Lock(FieldMerchant)).To(Succeed())
			close(release)

			state, err := a.Wait()
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(StateApplied))
			Expect(session.View().Fields.Merchant).To(Equal("My Cafe"))
		})

		It("refuses lock changes once closed", func() {
			Expect(session.Close()).To(Succeed())
			Expect(session.Lock(FieldMerchant)).To(MatchError(ErrSessionClosed))
			Expect(session.Unlock(FieldMerchant)).To(MatchError(ErrSessionClosed))
			Expect(session.UnlockAll()).To(MatchError(ErrSessionClosed))
			Expect(session.Edit(func(f *expense.Fields) {})).To(MatchError(ErrSessionClosed))
		})

		When("confidence is low", func() {
			BeforeEach(func() {
				ex := sampleExtraction()
				ex.Confidence = 0.55
				backend.setExtractionFor(51, ex)
			})

			It("flags the result for review", func() {
				_, _, err := selectAndWait(sampleImage())
				Expect(err).NotTo(HaveOccurred())
				v := session.View()
				Expect(v.LowConfidence).To(BeTrue())
				Expect(v.Message).To(ContainSubstring("low confidence"))
			})
		})
	})

	Describe("polling that runs out", func() {
		It("leaves the form to the user with the receipt attached", func() {
			Expect(session.Edit(func(f *expense.Fields) { f.Merchant = "Typed" })).To(Succeed())

			_, state, err := selectAndWait(sampleImage())
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(StateTimedOut))

			v := session.View()
			Expect(v.Fields.Merchant).To(Equal("Typed"))
			Expect(v.HasReceipt).To(BeTrue())
			Expect(v.OCRApplied).To(BeFalse())
			Expect(v.Editable).To(BeTrue())
			Expect(v.Message).To(ContainSubstring("longer than expected"))
			Expect(v.Err).To(MatchError(ErrExtractionTimeout))
			Expect(v.Elapsed).To(BeNumerically("<=", QuickPolicy.Budget()))
		})

		It("picks up a late extraction on request", func() {
			_, state, _ := selectAndWait(sampleImage())
			Expect(state).To(Equal(StateTimedOut))

			backend.setExtractionFor(51, sampleExtraction())
			a, err := session.CheckExtraction(ctx)
			Expect(err).NotTo(HaveOccurred())
			state, err = a.Wait()
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(StateApplied))
			Expect(session.View().Fields.Merchant).To(Equal("Cafe Bene"))
			Expect(backend.Uploads()).To(HaveLen(1))
			Expect(session.View().Err).NotTo(HaveOccurred())
		})

		It("stays timed out when the late check finds nothing", func() {
			selectAndWait(sampleImage())
			a, err := session.CheckExtraction(ctx)
			Expect(err).NotTo(HaveOccurred())
			state, err := a.Wait()
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(StateTimedOut))
		})
	})

	It("refuses a late check when nothing timed out", func() {
		_, err := session.CheckExtraction(ctx)
		Expect(err).To(MatchError(ErrIllegalTransition))
	})

	Describe("a failed upload", func() {
		BeforeEach(func() {
			backend.uploadErr = serverError()
		})

		It("reports the stage and keeps the draft", func() {
			_, state, err := selectAndWait(sampleImage())
			Expect(state).To(Equal(StateFailed))
			Expect(err).To(MatchError(ErrUploadTransportFailed))

			v := session.View()
			Expect(v.FailedAt).To(Equal(StateUploading))
			Expect(v.DraftID).To(Equal(int64(101)))
			Expect(v.HasReceipt).To(BeFalse())
			Expect(v.Message).To(ContainSubstring("Select the image again"))
			Expect(v.Err).To(MatchError(ErrUploadTransportFailed))
		})

		It("can be retried against the same draft", func() {
			selectAndWait(sampleImage())
			backend.uploadErr = nil

			_, state, err := selectAndWait(sampleImage())
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(StateTimedOut))
			Expect(backend.Created()).To(HaveLen(1))
			Expect(session.View().DraftID).To(Equal(int64(101)))
		})
	})

	Describe("a failed draft creation", func() {
		BeforeEach(func() {
			backend.createErr = serverError()
		})

		It("fails before uploading", func() {
			_, state, err := selectAndWait(sampleImage())
			Expect(state).To(Equal(StateFailed))
			Expect(err).To(MatchError(ErrDraftCreationFailed))
			Expect(session.View().FailedAt).To(Equal(StateDraftPending))
			Expect(session.View().DraftID).To(BeZero())
			Expect(backend.Uploads()).To(BeEmpty())
		})
	})

	It("rejects invalid images without uploading", func() {
		_, state, err := selectAndWait(expense.Image{Filename: "empty.jpg"})
		Expect(state).To(Equal(StateFailed))
		Expect(err).To(MatchError(ErrInvalidUploadInput))
		Expect(backend.Uploads()).To(BeEmpty())
		Expect(session.View().Message).NotTo(ContainSubstring("Select the image again"))
	})

	It("reuses one draft across attempts until reset", func() {
		for i := 0; i < 3; i++ {
			_, _, err := selectAndWait(sampleImage())
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(backend.Created()).To(HaveLen(1))
		for _, call := range backend.Uploads() {
			Expect(call.expenseID).To(Equal(int64(101)))
		}

		Expect(session.Reset()).To(Succeed())
		Expect(session.View().State).To(Equal(StateIdle))
		Expect(session.View().DraftID).To(BeZero())

		_, _, err := selectAndWait(sampleImage())
		Expect(err).NotTo(HaveOccurred())
		Expect(session.View().DraftID).To(Equal(int64(102)))
	})

	Describe("selecting a new image mid-flight", func() {
		var (
			entered chan struct{}
			release chan struct{}
		)

		BeforeEach(func() {
			entered = make(chan struct{}, 1)
			release = make(chan struct{})
		})

		It("cancels the running upload and starts over", func() {
			backend.uploadHook = firstCallBlocks(entered, release)

			first, err := session.SelectImage(ctx, sampleImage())
			Expect(err).NotTo(HaveOccurred())
			Eventually(entered).Should(Receive())

			v := session.View()
			Expect(v.State).To(Equal(StateUploading))
			Expect(v.Editable).To(BeFalse())
			Expect(session.Edit(func(f *expense.Fields) { f.Merchant = "x" })).To(MatchError(ErrFormBusy))

			second, err := session.SelectImage(ctx, expense.Image{Filename: "second.png", Data: []byte("\x89PNG\r\n\x1a\n")})
			Expect(err).NotTo(HaveOccurred())

			state, err := first.Wait()
			Expect(err).To(MatchError(context.Canceled))
			Expect(state).To(Equal(StateDraftReady))

			state, err = second.Wait()
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(StateTimedOut))
			Expect(backend.Created()).To(HaveLen(1))
			Expect(backend.Uploads()).To(HaveLen(2))
		})

		It("discards an extraction that arrives after it was superseded", func() {
			stale := sampleExtraction()
			stale.ExtractedMerchant = "Old"
			fresh := sampleExtraction()
			fresh.ExtractedMerchant = "New"

			backend.extractionHook = func(ctx context.Context, receiptID int64, call int) (*expense.Extraction, error) {
				if receiptID == 51 {
					// answers only once the attempt has been superseded
					entered <- struct{}{}
					<-ctx.Done()
					ex := stale
					return &ex, nil
				}
				ex := fresh
				return &ex, nil
			}

			first, err := session.SelectImage(ctx, sampleImage())
			Expect(err).NotTo(HaveOccurred())
			Eventually(entered).Should(Receive())

			seconds := make(chan *Attempt, 1)
			go func() {
				defer GinkgoRecover()
				a, err := session.SelectImage(ctx, sampleImage())
				Expect(err).NotTo(HaveOccurred())
				seconds <- a
			}()

			state, err := first.Wait()
			Expect(err).To(MatchError(context.Canceled))
			Expect(state).To(Equal(StateDraftReady))

			var second *Attempt
			Eventually(seconds).Should(Receive(&second))
			state, err = second.Wait()
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(StateApplied))
			Expect(session.View().Fields.Merchant).To(Equal("New"))

			for _, v := range recorder.Views() {
				Expect(v.Fields.Merchant).NotTo(Equal("Old"))
			}
		})

		It("settles back to draft ready when cancelled", func() {
			backend.uploadHook = firstCallBlocks(entered, release)

			a, err := session.SelectImage(ctx, sampleImage())
			Expect(err).NotTo(HaveOccurred())
			Eventually(entered).Should(Receive())

			a.Cancel()
			state, err := a.Wait()
			Expect(err).To(MatchError(context.Canceled))
			Expect(state).To(Equal(StateDraftReady))
			Expect(session.Edit(func(f *expense.Fields) { f.Merchant = "x" })).To(Succeed())
		})

		It("refuses new work after Close", func() {
			backend.uploadHook = firstCallBlocks(entered, release)

			a, err := session.SelectImage(ctx, sampleImage())
			Expect(err).NotTo(HaveOccurred())
			Eventually(entered).Should(Receive())

			Expect(session.Close()).To(Succeed())
			Eventually(a.Done()).Should(BeClosed())

			_, err = session.SelectImage(ctx, sampleImage())
			Expect(err).To(MatchError(ErrSessionClosed))
		})
	})

	Describe("Submit", func() {
		fill := func() {
			Expect(session.Edit(func(f *expense.Fields) {
				f.Category = expense.CategorySupplies
				f.Description = "Paper"
			})).To(Succeed())
		}

		BeforeEach(func() {
			backend.setExtractionFor(51, sampleExtraction())
		})

		It("submits the applied draft", func() {
			_, _, err := selectAndWait(sampleImage())
			Expect(err).NotTo(HaveOccurred())

			record, err := session.Submit(ctx, "team lunch")
			Expect(err).NotTo(HaveOccurred())
			Expect(record.Status).To(Equal(expense.StatusSubmitted))

			v := session.View()
			Expect(v.State).To(Equal(StateSubmitted))
			Expect(v.Record.ID).To(Equal(int64(101)))
			Expect(v.Editable).To(BeFalse())
			Expect(backend.Expense(101).Merchant).To(Equal("Cafe Bene"))
			Expect(backend.submitted).To(Equal([]string{"team lunch"}))

			_, err = session.SelectImage(ctx, sampleImage())
			Expect(err).To(MatchError(ErrAlreadySubmitted))
			Expect(session.Edit(func(f *expense.Fields) { f.Merchant = "late" })).To(MatchError(ErrAlreadySubmitted))
		})

		It("validates locally without touching the backend or the state", func() {
			_, err := session.Submit(ctx, "")
			Expect(err).To(MatchError(ErrValidationFailed))
			Expect(session.View().State).To(Equal(StateIdle))
			Expect(session.View().Err).To(MatchError(ErrValidationFailed))
			Expect(backend.Created()).To(BeEmpty())
			Expect(backend.submitCalls).To(BeZero())
		})

		It("creates the expense when no image was chosen", func() {
			Expect(session.Edit(func(f *expense.Fields) {
				f.Merchant = "Office Mart"
				f.Amount = expense.Amount(12000)
			})).To(Succeed())
			fill()

			record, err := session.Submit(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(record.Merchant).To(Equal("Office Mart"))
			Expect(session.View().DraftID).To(Equal(record.ID))
		})

		When("a receipt is required", func() {
			BeforeEach(func() {
				cfg.RequireReceipt = true
			})

			It("refuses a form without one", func() {
				Expect(session.Edit(func(f *expense.Fields) {
					f.Merchant = "Office Mart"
					f.Amount = expense.Amount(12000)
				})).To(Succeed())
				fill()

				_, err := session.Submit(ctx, "")
				var verr *ValidationError
				Expect(errors.As(err, &verr)).To(BeTrue())
				Expect(verr.Fields).To(HaveKey("receipt"))
			})
		})

		When("the backend fails", func() {
			It("moves to error and allows a retry", func() {
				_, _, err := selectAndWait(sampleImage())
				Expect(err).NotTo(HaveOccurred())

				backend.submitErr = serverError()
				_, err = session.Submit(ctx, "")
				Expect(err).To(MatchError(ErrSubmissionFailed))
				Expect(session.View().State).To(Equal(StateFailed))
				Expect(session.View().FailedAt).To(Equal(StateSubmitting))

				backend.submitErr = nil
				_, err = session.Submit(ctx, "")
				Expect(err).NotTo(HaveOccurred())
				Expect(session.View().State).To(Equal(StateSubmitted))
			})

			It("reuses the draft it created for a form without an image", func() {
				Expect(session.Edit(func(f *expense.Fields) {
					f.Merchant = "Cafe"
					f.Amount = expense.Amount(100)
					f.Category = expense.CategoryFood
				})).To(Succeed())

				backend.submitErr = serverError()
				_, err := session.Submit(ctx, "")
				Expect(err).To(MatchError(ErrSubmissionFailed))
				v := session.View()
				Expect(v.State).To(Equal(StateFailed))
				Expect(v.DraftID).NotTo(BeZero())
				Expect(backend.Expense(v.DraftID).Status).To(Equal(expense.StatusDraft))

				backend.submitErr = nil
				record, err := session.Submit(ctx, "")
				Expect(err).NotTo(HaveOccurred())
				Expect(record.ID).To(Equal(v.DraftID))
				Expect(backend.Created()).To(HaveLen(1))
			})
		})

		It("cancels a running attempt first", func() {
			entered := make(chan struct{}, 1)
			release := make(chan struct{})
			backend.uploadHook = firstCallBlocks(entered, release)
			Expect(session.Edit(func(f *expense.Fields) {
				f.Merchant = "Office Mart"
				f.Amount = expense.Amount(12000)
			})).To(Succeed())
			fill()

			a, err := session.SelectImage(ctx, sampleImage())
			Expect(err).NotTo(HaveOccurred())
			Eventually(entered).Should(Receive())

			_, err = session.Submit(ctx, "")
			Expect(err).NotTo(HaveOccurred())

			_, aerr := a.Wait()
			Expect(aerr).To(MatchError(context.Canceled))
			Expect(session.View().State).To(Equal(StateSubmitted))
		})
	})

	Describe("Load", func() {
		var id int64

		BeforeEach(func() {
			var err error
			id, err = backend.CreateExpense(context.Background(), expense.Fields{
				ReceiptDate: "2024-04-01",
				Merchant:    "Existing",
				Amount:      expense.Amount(3000),
				Category:    expense.CategoryOther,
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("edits an existing draft", func() {
			Expect(session.Load(ctx, id)).To(Succeed())
			v := session.View()
			Expect(v.State).To(Equal(StateDraftReady))
			Expect(v.DraftID).To(Equal(id))
			Expect(v.Fields.Merchant).To(Equal("Existing"))

			_, _, err := selectAndWait(sampleImage())
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.Created()).To(HaveLen(1))
			Expect(backend.Uploads()[0].expenseID).To(Equal(id))
		})

		When("the draft already has a receipt", func() {
			var receiptID int64

			BeforeEach(func() {
				var err error
				receiptID, err = backend.UploadReceipt(context.Background(), id, sampleImage())
				Expect(err).NotTo(HaveOccurred())
			})

			It("fetches the receipt metadata", func() {
				Expect(session.Load(ctx, id)).To(Succeed())
				v := session.View()
				Expect(v.ReceiptID).To(Equal(receiptID))
				Expect(v.HasReceipt).To(BeTrue())
				Expect(v.Receipt).NotTo(BeNil())
				Expect(v.Receipt.ExpenseID).To(Equal(id))
			})

			It("still loads when the metadata is unavailable", func() {
				backend.receiptErr = serverError()
				Expect(session.Load(ctx, id)).To(Succeed())
				v := session.View()
				Expect(v.ReceiptID).To(Equal(receiptID))
				Expect(v.Receipt).To(BeNil())
				Expect(backend.receiptCalls).To(Equal(1))
			})
		})

		It("refuses submitted expenses", func() {
			_, err := backend.SubmitExpense(ctx, id, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(session.Load(ctx, id)).To(MatchError(ErrAlreadySubmitted))
			Expect(session.View().State).To(Equal(StateIdle))
		})
	})
})
