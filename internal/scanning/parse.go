package scanning

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/zombor/receipt-ingest/internal/expense"
)

// ErrNoJSON means the model answered without a JSON object
var ErrNoJSON = errors.New("no JSON object in model output")

// modelOutput is the shape the prompt asks for. Amount and confidence are
// kept raw because models return numbers, strings, and nulls interchangeably.
type modelOutput struct {
	Merchant    string          `json:"merchant"`
	Date        string          `json:"date"`
	Amount      json.RawMessage `json:"amount"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Confidence  json.RawMessage `json:"confidence"`
}

// parseResult turns raw model output into a Result
func parseResult(text string) (*Result, error) {
	body, err := extractJSON(text)
	if err != nil {
		return nil, err
	}

	var out modelOutput
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshaling model output: %w", err)
	}

	res := &Result{
		Merchant:    strings.TrimSpace(out.Merchant),
		Description: strings.TrimSpace(out.Description),
		Raw:         text,
	}
	if date, ok := expense.NormalizeDate(out.Date); ok {
		res.Date = date
	}
	if category, ok := expense.ParseCategory(out.Category); ok {
		res.Category = string(category)
	}
	if amount, ok := parseAmount(out.Amount); ok {
		res.Amount = &amount
	}

	if confidence, ok := parseNumber(out.Confidence); ok {
		res.Confidence = clamp(confidence)
	} else {
		res.Confidence = coverage(res)
	}
	return res, nil
}

// extractJSON strips code fences and surrounding prose from model output
func extractJSON(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end < start {
		return nil, ErrNoJSON
	}
	return []byte(text[start : end+1]), nil
}

// parseAmount reads a non-negative whole amount from a number or a string
// such as "4,500원" or "$12.00"
func parseAmount(raw json.RawMessage) (int, bool) {
	v, ok := parseNumber(raw)
	if !ok || v < 0 || v > math.MaxInt32 {
		return 0, false
	}
	return int(math.Round(v)), true
}

func parseNumber(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	s = strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			return r
		}
		return -1
	}, s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1 && v <= 100:
		// percent
		return v / 100
	case v > 1:
		return 1
	}
	return v
}

// coverage estimates confidence as the share of key fields that were found
func coverage(r *Result) float64 {
	found := 0
	for _, ok := range []bool{r.Merchant != "", r.Date != "", r.Amount != nil, r.Category != ""} {
		if ok {
			found++
		}
	}
	return float64(found) / 4
}
