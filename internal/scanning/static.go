package scanning

import (
	"context"
	"fmt"
)

// Static returns a fixed result for every receipt. It backs the sandbox when
// no model is configured and keeps end-to-end tests deterministic.
type Static struct {
	result Result
	err    error
}

// NewStatic creates a Static scanner answering with result
func NewStatic(result Result) *Static {
	if result.Model == "" {
		result.Model = "static"
	}
	return &Static{result: result}
}

// NewFailing creates a Static scanner that fails every scan with err
func NewFailing(err error) *Static {
	return &Static{result: Result{Model: "static"}, err: err}
}

// Name implements Scanner
func (s *Static) Name() string {
	return s.result.Model
}

// ScanReceipt implements Scanner
func (s *Static) ScanReceipt(ctx context.Context, data []byte, contentType string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, fmt.Errorf("static scan: %w", s.err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty receipt", ErrUnsupportedFormat)
	}
	res := s.result
	if res.Amount != nil {
		amount := *res.Amount
		res.Amount = &amount
	}
	return &res, nil
}

// Close implements Scanner
func (s *Static) Close() error {
	return nil
}
