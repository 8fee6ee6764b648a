package ingest

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-ingest/internal/expense"
	"github.com/zombor/receipt-ingest/internal/gateway"
)

var _ = Describe("Uploader", func() {
	var (
		backend  *mockBackend
		uploader *Uploader
		ctx      context.Context
	)

	BeforeEach(func() {
		backend = newMockBackend(nil)
		uploader = NewUploader(backend, 0, nil)
		ctx = context.Background()
	})

	It("defaults the timeout", func() {
		Expect(uploader.Timeout()).To(Equal(DefaultUploadTimeout))
	})

	DescribeTable("invalid input fails before any network call",
		func(draftID int64, img expense.Image) {
			_, err := uploader.Upload(ctx, draftID, img)
			Expect(err).To(MatchError(ErrInvalidUploadInput))
			Expect(UserMessage(err)).NotTo(BeEmpty())

			var perr *Error
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.Retryable()).To(BeFalse())
			Expect(backend.Uploads()).To(BeEmpty())
		},
		Entry("no draft", int64(0), sampleImage()),
		Entry("empty file", int64(101), expense.Image{Filename: "r.jpg"}),
		Entry("unsupported type", int64(101), expense.Image{Filename: "notes.txt", Data: []byte("hello world")}),
		Entry("too large", int64(101), expense.Image{Filename: "r.jpg", Data: make([]byte, expense.MaxImageSize+1)}),
	)

	It("fills in the content type and sends the timeout", func() {
		id, err := uploader.Upload(ctx, 101, expense.Image{Filename: "dir/IMG_0001.HEIC", Data: []byte("heic")})
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal(int64(51)))

		calls := backend.Uploads()
		Expect(calls).To(HaveLen(1))
		Expect(calls[0].expenseID).To(Equal(int64(101)))
		Expect(calls[0].image.Filename).To(Equal("IMG_0001.HEIC"))
		Expect(calls[0].image.ContentType).To(Equal("image/heic"))
		Expect(calls[0].opts).To(Equal(1))
	})

	It("sniffs files without a known extension", func() {
		_, err := uploader.Upload(ctx, 101, expense.Image{Filename: "scan", Data: []byte("\x89PNG\r\n\x1a\n0000")})
		Expect(err).NotTo(HaveOccurred())
		Expect(backend.Uploads()[0].image.ContentType).To(Equal("image/png"))
	})

	When("the transport fails", func() {
		BeforeEach(func() {
			backend.uploadErr = &gateway.Error{Kind: gateway.KindServer, StatusCode: 503}
		})

		It("returns a retryable upload failure", func() {
			_, err := uploader.Upload(ctx, 101, sampleImage())
			Expect(err).To(MatchError(ErrUploadTransportFailed))

			var perr *Error
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.StatusCode).To(Equal(503))
			Expect(perr.Retryable()).To(BeTrue())
		})
	})

	When("the caller cancels", func() {
		It("returns the cancellation, not an upload failure", func() {
			cctx, cancel := context.WithCancel(ctx)
			backend.uploadHook = func(ctx context.Context, call int) error {
				cancel()
				return ctx.Err()
			}
			_, err := uploader.Upload(cctx, 101, sampleImage())
			Expect(err).To(MatchError(context.Canceled))
			Expect(errors.Is(err, ErrUploadTransportFailed)).To(BeFalse())
		})
	})
})
