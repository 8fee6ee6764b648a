package scanning

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func sampleJPEG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.White)
	var buf bytes.Buffer
	Expect(jpeg.Encode(&buf, img, nil)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("toPNG", func() {
	It("converts JPEG", func() {
		out, err := toPNG(sampleJPEG(), "image/jpeg")
		Expect(err).NotTo(HaveOccurred())
		_, err = png.Decode(bytes.NewReader(out))
		Expect(err).NotTo(HaveOccurred())
	})

	It("passes PNG through", func() {
		var buf bytes.Buffer
		Expect(png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2)))).To(Succeed())
		out, err := toPNG(buf.Bytes(), "image/png; charset=binary")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(buf.Bytes()))
	})

	It("rejects data it cannot decode", func() {
		_, err := toPNG([]byte("plain text"), "image/jpeg")
		Expect(err).To(MatchError(ErrUnsupportedFormat))
	})

	It("detects HEIC by brand", func() {
		data := append([]byte{0, 0, 0, 24}, []byte("ftypheic")...)
		Expect(isHEIC(data, "application/octet-stream")).To(BeTrue())
		Expect(isHEIC([]byte("short"), "image/jpeg")).To(BeFalse())
		Expect(isHEIC(nil, "image/HEIF")).To(BeFalse())
		Expect(isHEIC(nil, "image/heif")).To(BeTrue())
	})
})

var _ = Describe("Static", func() {
	It("returns a copy of its result", func() {
		amount := 4500
		s := NewStatic(Result{Merchant: "Cafe", Amount: &amount})
		res, err := s.ScanReceipt(context.Background(), []byte("x"), "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Model).To(Equal("static"))
		*res.Amount = 1
		Expect(amount).To(Equal(4500))
	})

	It("fails when asked to", func() {
		s := NewFailing(ErrUnsupportedFormat)
		_, err := s.ScanReceipt(context.Background(), []byte("x"), "image/png")
		Expect(err).To(MatchError(ErrUnsupportedFormat))
	})
})
