package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// ErrUnsupportedFormat means the receipt could not be decoded as an image
var ErrUnsupportedFormat = errors.New("unsupported receipt format")

// extractionPrompt is shared by every model backend
const extractionPrompt = `You are reading a receipt submitted as a business expense. Read all of the text and extract:

1. merchant: the business name, usually the largest text at the top.
2. date: the transaction date as YYYY-MM-DD.
3. amount: the final total paid as a whole number with no currency symbol or separators (for "₩4,500" return 4500).
4. category: exactly one of "food" (meals, cafes, groceries), "transport" (taxi, train, fuel, parking), "supplies" (office or equipment purchases), or "other".
5. description: a short summary of what was bought, at most ten words.
6. confidence: a number between 0 and 1 for how sure you are of the fields above.

Return ONLY a JSON object in exactly this shape:
{"merchant": "", "date": "YYYY-MM-DD", "amount": 0, "category": "", "description": "", "confidence": 0.0}

Use null for any field you cannot find. Do not wrap the JSON in markdown.`

// toPNG renders a receipt as PNG: the first page of a PDF, or the decoded
// image for JPEG, GIF, HEIC, and HEIF. PNG input is returned unchanged.
func toPNG(data []byte, contentType string) ([]byte, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	var (
		img image.Image
		err error
	)
	switch {
	case mimeType == "application/pdf":
		img, err = renderFirstPage(data)
	case isHEIC(data, mimeType):
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			err = fmt.Errorf("decoding HEIC: %w", err)
		}
	case mimeType == "image/png":
		return data, nil
	default:
		img, _, err = image.Decode(bytes.NewReader(data))
		if errors.Is(err, image.ErrFormat) {
			err = fmt.Errorf("%w: %s", ErrUnsupportedFormat, mimeType)
		}
	}
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// renderFirstPage rasterizes page one of a PDF; receipts are single page
func renderFirstPage(data []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return nil, fmt.Errorf("%w: PDF has no pages", ErrUnsupportedFormat)
	}
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// isHEIC checks the MIME type, then the ftyp box brand
func isHEIC(data []byte, mimeType string) bool {
	if strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif") {
		return true
	}
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}
