package ingest

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-ingest/internal/expense"
)

func validFields() expense.Fields {
	return expense.Fields{
		ReceiptDate: "2024-04-28",
		Merchant:    "Cafe Bene",
		Amount:      expense.Amount(4500),
		Category:    expense.CategoryFood,
		Description: "Coffee",
	}
}

var _ = Describe("Submitter", func() {
	var (
		backend   *mockBackend
		drafts    *DraftCoordinator
		submitter *Submitter
		ctx       context.Context
		draftID   int64
	)

	BeforeEach(func() {
		backend = newMockBackend(nil)
		drafts = NewDraftCoordinator(backend, newFakeClock(), nil)
		submitter = NewSubmitter(backend, drafts, false, nil)
		ctx = context.Background()

		var err error
		draftID, err = backend.CreateExpense(ctx, expense.Fields{ReceiptDate: "2024-05-01", Amount: expense.Amount(0)})
		Expect(err).NotTo(HaveOccurred())
		drafts.Adopt(draftID)
	})

	Describe("Validate", func() {
		It("reports every missing field", func() {
			_, err := submitter.Validate(expense.Fields{}, false)
			Expect(err).To(MatchError(ErrValidationFailed))

			var verr *ValidationError
			Expect(errors.As(err, &verr)).To(BeTrue())
			Expect(verr.Fields).To(HaveKey("receiptDate"))
			Expect(verr.Fields).To(HaveKey("merchant"))
			Expect(verr.Fields).To(HaveKey("amount"))
			Expect(verr.Fields).To(HaveKey("category"))
			Expect(verr.Fields).NotTo(HaveKey("description"))
		})

		It("rejects negative amounts and unknown categories", func() {
			fields := validFields()
			fields.Amount = expense.Amount(-1)
			fields.Category = "lodging"
			_, err := submitter.Validate(fields, true)

			var verr *ValidationError
			Expect(errors.As(err, &verr)).To(BeTrue())
			Expect(verr.Fields).To(HaveLen(2))
		})

		It("accepts a zero amount", func() {
			fields := validFields()
			fields.Amount = expense.Amount(0)
			_, err := submitter.Validate(fields, false)
			Expect(err).NotTo(HaveOccurred())
		})

		It("normalizes dates, categories, and whitespace", func() {
			fields := validFields()
			fields.ReceiptDate = "2024.04.28"
			fields.Category = "교통비"
			fields.Merchant = "  Taxi Co "
			out, err := submitter.Validate(fields, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.ReceiptDate).To(Equal("2024-04-28"))
			Expect(out.Category).To(Equal(expense.CategoryTransport))
			Expect(out.Merchant).To(Equal("Taxi Co"))
		})

		When("a receipt is required", func() {
			BeforeEach(func() {
				submitter = NewSubmitter(backend, drafts, true, nil)
			})

			It("rejects a form without one", func() {
				_, err := submitter.Validate(validFields(), false)
				var verr *ValidationError
				Expect(errors.As(err, &verr)).To(BeTrue())
				Expect(verr.Fields).To(HaveKey("receipt"))
			})
		})
	})

	Describe("Submit", func() {
		It("makes no backend call when validation fails", func() {
			_, err := submitter.Submit(ctx, SubmitRequest{})
			Expect(err).To(MatchError(ErrValidationFailed))
			Expect(backend.updated).To(BeEmpty())
			Expect(backend.submitCalls).To(BeZero())
		})

		It("writes the fields and submits the draft", func() {
			record, err := submitter.Submit(ctx, SubmitRequest{Fields: validFields(), RequestNote: " team lunch "})
			Expect(err).NotTo(HaveOccurred())
			Expect(record.Status).To(Equal(expense.StatusSubmitted))
			Expect(record.Merchant).To(Equal("Cafe Bene"))
			Expect(backend.updated).To(HaveLen(1))
			Expect(backend.submitted).To(Equal([]string{"team lunch"}))
		})

		When("no draft exists", func() {
			BeforeEach(func() {
				drafts.Reset()
			})

			It("creates the draft through the coordinator before submitting", func() {
				record, err := submitter.Submit(ctx, SubmitRequest{Fields: validFields()})
				Expect(err).NotTo(HaveOccurred())
				Expect(record.ID).NotTo(Equal(draftID))
				Expect(record.Merchant).To(Equal("Cafe Bene"))
				Expect(drafts.ID()).To(Equal(record.ID))

				created := backend.Created()
				Expect(created).To(HaveLen(2))
				Expect(created[1].ReceiptDate).To(Equal("2024-04-28"))
				Expect(created[1].Merchant).To(BeEmpty())
				Expect(backend.updated).To(HaveLen(1))
			})

			It("keeps the created draft when the submission fails", func() {
				backend.submitErr = serverError()
				_, err := submitter.Submit(ctx, SubmitRequest{Fields: validFields()})
				Expect(err).To(MatchError(ErrSubmissionFailed))
				created := drafts.ID()
				Expect(created).NotTo(BeZero())

				backend.submitErr = nil
				record, err := submitter.Submit(ctx, SubmitRequest{Fields: validFields()})
				Expect(err).NotTo(HaveOccurred())
				Expect(record.ID).To(Equal(created))
				Expect(backend.Created()).To(HaveLen(2))
			})

			It("reports a failed creation as a submission failure", func() {
				backend.createErr = serverError()
				_, err := submitter.Submit(ctx, SubmitRequest{Fields: validFields()})
				Expect(err).To(MatchError(ErrSubmissionFailed))
				Expect(drafts.ID()).To(BeZero())
				Expect(backend.submitCalls).To(BeZero())
			})
		})

		When("the backend rejects the submission", func() {
			BeforeEach(func() {
				backend.submitErr = serverError()
			})

			It("returns a submission failure", func() {
				_, err := submitter.Submit(ctx, SubmitRequest{Fields: validFields()})
				Expect(err).To(MatchError(ErrSubmissionFailed))
				Expect(UserMessage(err)).To(ContainSubstring("submit the expense"))
			})
		})

		When("the record is still a draft afterwards", func() {
			BeforeEach(func() {
				backend.staysDraft = true
			})

			It("returns a submission failure", func() {
				_, err := submitter.Submit(ctx, SubmitRequest{Fields: validFields()})
				Expect(err).To(MatchError(ErrSubmissionFailed))
			})
		})
	})
})
