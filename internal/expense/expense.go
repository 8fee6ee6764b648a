// Package expense holds the expense, receipt, and extraction records exchanged
// with the backend, plus a thin client for its REST surface.
package expense

import (
	"fmt"
	"strings"
	"time"
)

// Status is the approval status of an expense
type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusSubmitted       Status = "SUBMITTED"
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
	StatusRequestMoreInfo Status = "REQUEST_MORE_INFO"
)

// Category classifies an expense
type Category string

const (
	CategoryFood      Category = "food"
	CategoryTransport Category = "transport"
	CategorySupplies  Category = "supplies"
	CategoryOther     Category = "other"
)

// categoryAliases maps accepted spellings, including the Korean UI labels, to categories
var categoryAliases = map[string]Category{
	"food":      CategoryFood,
	"meal":      CategoryFood,
	"식비":        CategoryFood,
	"transport": CategoryTransport,
	"교통비":       CategoryTransport,
	"supplies":  CategorySupplies,
	"비품":        CategorySupplies,
	"other":     CategoryOther,
	"기타":        CategoryOther,
}

// ParseCategory resolves s to a category; ok is false for blank or unknown input
func ParseCategory(s string) (Category, bool) {
	c, ok := categoryAliases[strings.ToLower(strings.TrimSpace(s))]
	return c, ok
}

// Valid reports whether c is one of the known categories
func (c Category) Valid() bool {
	switch c {
	case CategoryFood, CategoryTransport, CategorySupplies, CategoryOther:
		return true
	}
	return false
}

// DateLayout is the wire format for receipt dates
const DateLayout = "2006-01-02"

var dateLayouts = []string{
	DateLayout,
	"2006/01/02",
	"2006.01.02",
	"01/02/2006",
}

// NormalizeDate parses s in any accepted layout and returns it as YYYY-MM-DD
func NormalizeDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.Format(DateLayout), true
		}
	}
	return "", false
}

// Amount returns a pointer to v, for building Fields literals
func Amount(v int) *int {
	return &v
}

// Fields are the user-editable values of an expense
type Fields struct {
	ReceiptDate string   `json:"receiptDate,omitempty"`
	Merchant    string   `json:"merchant"`
	Amount      *int     `json:"amount,omitempty"` // nil means absent
	Category    Category `json:"category"`
	Description string   `json:"description"`
}

// Clone returns a deep copy of f
func (f Fields) Clone() Fields {
	if f.Amount != nil {
		f.Amount = Amount(*f.Amount)
	}
	return f
}

// Equal reports whether f and other hold the same values
func (f Fields) Equal(other Fields) bool {
	if (f.Amount == nil) != (other.Amount == nil) {
		return false
	}
	if f.Amount != nil && *f.Amount != *other.Amount {
		return false
	}
	return f.ReceiptDate == other.ReceiptDate &&
		f.Merchant == other.Merchant &&
		f.Category == other.Category &&
		f.Description == other.Description
}

// Draft is an expense record as known to the backend
type Draft struct {
	ID     int64  `json:"id"`
	Status Status `json:"status"`
	Fields
	HasReceipt  bool      `json:"hasReceipt"`
	ReceiptID   *int64    `json:"receiptId,omitempty"`
	RequestNote string    `json:"requestNote,omitempty"`
	CreatedAt   Timestamp `json:"createdAt"`
	UpdatedAt   Timestamp `json:"updatedAt"`
}

// Receipt is an uploaded receipt image bound to an expense
type Receipt struct {
	ID         int64     `json:"id"`
	ExpenseID  int64     `json:"expenseId"`
	FileHash   string    `json:"fileHash"`
	MimeType   string    `json:"mimeType"`
	UploadedAt Timestamp `json:"createdAt"`
}

// Extraction is the structured OCR output for a receipt
type Extraction struct {
	ReceiptID            int64     `json:"receiptId"`
	ModelName            string    `json:"modelName"`
	ExtractedDate        string    `json:"extractedDate,omitempty"`
	ExtractedAmount      *int      `json:"extractedAmount,omitempty"`
	ExtractedMerchant    string    `json:"extractedMerchant,omitempty"`
	ExtractedCategory    string    `json:"extractedCategory,omitempty"`
	ExtractedDescription string    `json:"extractedDescription,omitempty"`
	Confidence           float64   `json:"confidence"`
	ExtractedJSON        string    `json:"extractedJson,omitempty"`
	CreatedAt            Timestamp `json:"createdAt"`
}

// Image is a receipt payload selected by the user
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Timestamp accepts both RFC 3339 and zone-less local date-times on the wire
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// UnmarshalJSON implements json.Unmarshaler
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("parsing timestamp %q", s)
}

// MarshalJSON implements json.Marshaler
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.Format(time.RFC3339Nano) + `"`), nil
}
