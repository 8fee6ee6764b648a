package ingest

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-ingest/internal/expense"
)

var _ = Describe("Merger", func() {
	var (
		merger  Merger
		current expense.Fields
		locked  FieldSet
		ex      expense.Extraction
		result  MergeResult
	)

	BeforeEach(func() {
		merger = NewMerger(0)
		current = expense.Fields{ReceiptDate: "2024-05-01"}
		locked = 0
		ex = sampleExtraction()
	})

	JustBeforeEach(func() {
		result = merger.Merge(current, locked, ex)
	})

	When("the form is untouched", func() {
		It("takes every extracted value", func() {
			Expect(result.Fields.ReceiptDate).To(Equal("2024-04-28"))
			Expect(result.Fields.Merchant).To(Equal("Cafe Bene"))
			Expect(*result.Fields.Amount).To(Equal(4500))
			Expect(result.Fields.Category).To(Equal(expense.CategoryFood))
			Expect(result.Fields.Description).To(Equal("Coffee"))
			Expect(result.Applied).To(Equal(NewFieldSet(AllFields...)))
		})

		It("reports the extraction metadata", func() {
			Expect(result.OCRApplied).To(BeTrue())
			Expect(result.Confidence).To(BeNumerically("~", 0.92))
			Expect(result.ModelName).To(Equal("qwen2.5-vl"))
			Expect(result.LowConfidence).To(BeFalse())
		})

		It("does not modify the input", func() {
			Expect(current.Merchant).To(BeEmpty())
			Expect(current.Amount).To(BeNil())
		})
	})

	When("the user edited a field", func() {
		BeforeEach(func() {
			current.Merchant = "My Cafe"
			locked = NewFieldSet(FieldMerchant)
		})

		It("keeps the edit and fills the rest", func() {
			Expect(result.Fields.Merchant).To(Equal("My Cafe"))
			Expect(result.Applied.Has(FieldMerchant)).To(BeFalse())
			Expect(*result.Fields.Amount).To(Equal(4500))
		})
	})

	When("a locked field was cleared", func() {
		BeforeEach(func() {
			current.Merchant = "  "
			locked = NewFieldSet(FieldMerchant)
		})

		It("fills it", func() {
			Expect(result.Fields.Merchant).To(Equal("Cafe Bene"))
		})
	})

	When("a field holds a value the user did not enter", func() {
		BeforeEach(func() {
			current.Merchant = "Earlier OCR"
		})

		It("is overwritten", func() {
			Expect(result.Fields.Merchant).To(Equal("Cafe Bene"))
		})
	})

	When("extracted values are absent", func() {
		BeforeEach(func() {
			current = expense.Fields{
				ReceiptDate: "2024-05-01",
				Merchant:    "Kept",
				Amount:      expense.Amount(1200),
				Category:    expense.CategoryTransport,
				Description: "Taxi",
			}
			ex = expense.Extraction{ExtractedAmount: expense.Amount(0), ExtractedDate: "someday", ExtractedCategory: "lodging", Confidence: 0.4}
		})

		It("never clears the form", func() {
			Expect(result.Fields).To(Equal(current))
			Expect(result.Applied).To(BeZero())
		})

		It("still flags the low confidence", func() {
			Expect(result.OCRApplied).To(BeTrue())
			Expect(result.LowConfidence).To(BeTrue())
		})
	})

	When("the date uses another layout", func() {
		BeforeEach(func() {
			ex.ExtractedDate = "2024/04/28"
		})

		It("is normalized", func() {
			Expect(result.Fields.ReceiptDate).To(Equal("2024-04-28"))
		})
	})

	Describe("merging the same extraction twice", func() {
		It("leaves the fields of the first merge unchanged", func() {
			again := merger.Merge(result.Fields, locked, ex)
			Expect(again.Fields).To(Equal(result.Fields))
		})

		It("gives the same result from the same starting fields", func() {
			again := merger.Merge(current, locked, ex)
			Expect(again).To(Equal(result))
		})

		When("a user edit is locked", func() {
			BeforeEach(func() {
				current.Merchant = "My Cafe"
				current.Amount = expense.Amount(5000)
				locked = NewFieldSet(FieldMerchant, FieldAmount)
			})

			It("keeps the edits on every pass", func() {
				again := merger.Merge(result.Fields, locked, ex)
				Expect(again.Fields).To(Equal(result.Fields))
				Expect(again.Fields.Merchant).To(Equal("My Cafe"))
				Expect(*again.Fields.Amount).To(Equal(5000))
			})
		})
	})

	DescribeTable("low confidence threshold",
		func(threshold, confidence float64, low bool) {
			ex := sampleExtraction()
			ex.Confidence = confidence
			Expect(NewMerger(threshold).Merge(expense.Fields{}, 0, ex).LowConfidence).To(Equal(low))
		},
		Entry("default flags 0.55", 0.0, 0.55, true),
		Entry("default accepts 0.7", 0.0, 0.7, false),
		Entry("custom 0.5 accepts 0.55", 0.5, 0.55, false),
		Entry("out of range uses default", 1.5, 0.6, true),
	)
})

var _ = Describe("FieldSet", func() {
	It("adds and removes members", func() {
		s := NewFieldSet(FieldDate, FieldAmount)
		Expect(s.Has(FieldDate)).To(BeTrue())
		Expect(s.Has(FieldMerchant)).To(BeFalse())
		s = s.Without(FieldDate).With(FieldCategory)
		Expect(s.Fields()).To(Equal([]Field{FieldAmount, FieldCategory}))
		Expect(s.String()).To(Equal("[amount category]"))
	})
})
