// Package scanning reads structured expense data out of receipt images with
// a vision language model.
package scanning

import "context"

// Result is what a model read from a receipt. Empty values mean the model
// could not find the field.
type Result struct {
	Merchant    string
	Date        string // YYYY-MM-DD
	Amount      *int   // whole currency units
	Category    string // food, transport, supplies, other
	Description string
	Confidence  float64 // 0..1
	Model       string
	Raw         string // model output as returned
}

// Scanner extracts expense data from a receipt image or PDF
type Scanner interface {
	ScanReceipt(ctx context.Context, data []byte, contentType string) (*Result, error)
	// Name identifies the model, recorded with every extraction
	Name() string
	Close() error
}
