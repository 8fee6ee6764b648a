package ingest

import (
	"strings"

	"github.com/zombor/receipt-ingest/internal/expense"
)

// Field names a user-editable expense field
type Field uint8

const (
	FieldDate Field = 1 << iota
	FieldMerchant
	FieldAmount
	FieldCategory
	FieldDescription
)

// AllFields lists every form field in display order
var AllFields = []Field{FieldDate, FieldMerchant, FieldAmount, FieldCategory, FieldDescription}

func (f Field) String() string {
	switch f {
	case FieldDate:
		return "receiptDate"
	case FieldMerchant:
		return "merchant"
	case FieldAmount:
		return "amount"
	case FieldCategory:
		return "category"
	case FieldDescription:
		return "description"
	}
	return "unknown"
}

// FieldSet is a set of fields
type FieldSet uint8

// NewFieldSet returns a set holding fields
func NewFieldSet(fields ...Field) FieldSet {
	var s FieldSet
	for _, f := range fields {
		s = s.With(f)
	}
	return s
}

func (s FieldSet) Has(f Field) bool {
	return s&FieldSet(f) != 0
}

func (s FieldSet) With(f Field) FieldSet {
	return s | FieldSet(f)
}

func (s FieldSet) Without(f Field) FieldSet {
	return s &^ FieldSet(f)
}

// Fields returns the members in display order
func (s FieldSet) Fields() []Field {
	var out []Field
	for _, f := range AllFields {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func (s FieldSet) String() string {
	names := make([]string, 0, len(AllFields))
	for _, f := range s.Fields() {
		names = append(names, f.String())
	}
	return "[" + strings.Join(names, " ") + "]"
}

// DefaultLowConfidenceThreshold flags extractions below 70% for review
const DefaultLowConfidenceThreshold = 0.7

// MergeResult is the form state after applying an extraction
type MergeResult struct {
	Fields        expense.Fields
	Applied       FieldSet // fields overwritten from the extraction
	OCRApplied    bool
	Confidence    float64
	ModelName     string
	LowConfidence bool
}

// Merger folds extracted values into the form
type Merger struct {
	LowConfidenceThreshold float64
}

// NewMerger creates a Merger. A threshold outside (0, 1] uses the default.
func NewMerger(threshold float64) Merger {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultLowConfidenceThreshold
	}
	return Merger{LowConfidenceThreshold: threshold}
}

// Merge applies ex to current. A present extracted value wins unless the
// field is locked by a user edit and already holds a value; absent extracted
// values never clear a field. A zero amount counts as absent.
func (m Merger) Merge(current expense.Fields, locked FieldSet, ex expense.Extraction) MergeResult {
	out := current.Clone()
	var applied FieldSet

	take := func(f Field, empty bool, set func()) {
		if locked.Has(f) && !empty {
			return
		}
		set()
		applied = applied.With(f)
	}

	if date, ok := expense.NormalizeDate(ex.ExtractedDate); ok {
		take(FieldDate, strings.TrimSpace(out.ReceiptDate) == "", func() { out.ReceiptDate = date })
	}
	if merchant := strings.TrimSpace(ex.ExtractedMerchant); merchant != "" {
		take(FieldMerchant, strings.TrimSpace(out.Merchant) == "", func() { out.Merchant = merchant })
	}
	if ex.ExtractedAmount != nil && *ex.ExtractedAmount != 0 {
		amount := *ex.ExtractedAmount
		take(FieldAmount, out.Amount == nil || *out.Amount == 0, func() { out.Amount = expense.Amount(amount) })
	}
	if category, ok := expense.ParseCategory(ex.ExtractedCategory); ok {
		take(FieldCategory, out.Category == "", func() { out.Category = category })
	}
	if description := strings.TrimSpace(ex.ExtractedDescription); description != "" {
		take(FieldDescription, strings.TrimSpace(out.Description) == "", func() { out.Description = description })
	}

	return MergeResult{
		Fields:        out,
		Applied:       applied,
		OCRApplied:    true,
		Confidence:    ex.Confidence,
		ModelName:     ex.ModelName,
		LowConfidence: ex.Confidence < m.threshold(),
	}
}

func (m Merger) threshold() float64 {
	if m.LowConfidenceThreshold <= 0 {
		return DefaultLowConfidenceThreshold
	}
	return m.LowConfidenceThreshold
}
