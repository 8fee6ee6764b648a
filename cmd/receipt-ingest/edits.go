package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zombor/receipt-ingest/internal/expense"
)

// fieldFlags are form values typed on the command line. Each one set counts
// as a user edit and locks the field against OCR overwrite.
type fieldFlags struct {
	date        string
	merchant    string
	amount      string
	category    string
	description string
}

// edit turns the flags into a form edit; ok is false when none were given
func (f fieldFlags) edit() (fn func(*expense.Fields), ok bool, err error) {
	var (
		date     string
		amount   *int
		category expense.Category
	)

	if f.date != "" {
		d, valid := expense.NormalizeDate(f.date)
		if !valid {
			return nil, false, fmt.Errorf("invalid --date %q: use YYYY-MM-DD", f.date)
		}
		date = d
	}
	if f.amount != "" {
		n, err := strconv.Atoi(strings.ReplaceAll(strings.TrimSpace(f.amount), ",", ""))
		if err != nil || n < 0 {
			return nil, false, fmt.Errorf("invalid --amount %q: use a whole, non-negative number", f.amount)
		}
		amount = expense.Amount(n)
	}
	if f.category != "" {
		c, valid := expense.ParseCategory(f.category)
		if !valid {
			return nil, false, fmt.Errorf("invalid --category %q: use food, transport, supplies or other", f.category)
		}
		category = c
	}

	if f == (fieldFlags{}) {
		return nil, false, nil
	}

	return func(fields *expense.Fields) {
		if date != "" {
			fields.ReceiptDate = date
		}
		if f.merchant != "" {
			fields.Merchant = strings.TrimSpace(f.merchant)
		}
		if amount != nil {
			fields.Amount = expense.Amount(*amount)
		}
		if category != "" {
			fields.Category = category
		}
		if f.description != "" {
			fields.Description = strings.TrimSpace(f.description)
		}
	}, true, nil
}
