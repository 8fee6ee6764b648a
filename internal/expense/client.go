package expense

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/zombor/receipt-ingest/internal/gateway"
)

const (
	expensesPath = "/receipt/expenses"
	receiptsPath = "/receipt/receipts"
)

var (
	// ErrNotReady means the extraction for a receipt does not exist yet
	ErrNotReady = errors.New("extraction not ready")
	// ErrMissingID means a create/upload response carried no usable identifier
	ErrMissingID = errors.New("response carried no identifier")
)

// Client wraps the backend's expense and receipt endpoints
type Client struct {
	gw gateway.Gateway
}

// NewClient creates a new Client on top of gw
func NewClient(gw gateway.Gateway) *Client {
	return &Client{gw: gw}
}

// ParseID extracts an identifier returned under either "result" or "id".
// Both numeric and numeric-string encodings are accepted.
func ParseID(body []byte) (int64, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return 0, fmt.Errorf("decoding identifier: %w", err)
	}
	for _, raw := range []json.RawMessage{envelope.Result, envelope.ID} {
		if id, ok := parseRawID(raw); ok {
			return id, nil
		}
	}
	return 0, ErrMissingID
}

func parseRawID(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if id, err := n.Int64(); err == nil && id > 0 {
			return id, true
		}
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// CreateExpense creates a draft expense and returns its backend-assigned id
func (c *Client) CreateExpense(ctx context.Context, fields Fields) (int64, error) {
	resp, err := c.gw.Post(ctx, expensesPath+"/", fields)
	if err != nil {
		return 0, fmt.Errorf("creating expense: %w", err)
	}
	id, err := ParseID(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("creating expense: %w", err)
	}
	return id, nil
}

// UpdateExpense replaces the fields of an expense and returns the canonical record
func (c *Client) UpdateExpense(ctx context.Context, id int64, fields Fields) (*Draft, error) {
	resp, err := c.gw.Put(ctx, expensePath(id), fields)
	if err != nil {
		return nil, fmt.Errorf("updating expense %d: %w", id, err)
	}
	if draft, ok := decodeDraft(resp); ok {
		return draft, nil
	}
	return c.GetExpense(ctx, id)
}

// GetExpense fetches an expense
func (c *Client) GetExpense(ctx context.Context, id int64) (*Draft, error) {
	resp, err := c.gw.Get(ctx, expensePath(id))
	if err != nil {
		return nil, fmt.Errorf("getting expense %d: %w", id, err)
	}
	var draft Draft
	if err := resp.Decode(&draft); err != nil {
		return nil, fmt.Errorf("getting expense %d: %w", id, err)
	}
	if draft.ID == 0 {
		draft.ID = id
	}
	return &draft, nil
}

// SubmitExpense moves an expense out of DRAFT and returns the canonical record
func (c *Client) SubmitExpense(ctx context.Context, id int64, requestNote string) (*Draft, error) {
	var body any
	if requestNote != "" {
		body = map[string]string{"requestNote": requestNote}
	}
	resp, err := c.gw.Post(ctx, expensePath(id)+"/submit", body)
	if err != nil {
		return nil, fmt.Errorf("submitting expense %d: %w", id, err)
	}
	if draft, ok := decodeDraft(resp); ok {
		return draft, nil
	}
	return c.GetExpense(ctx, id)
}

// UploadReceipt binds an image to an expense and returns the receipt id
func (c *Client) UploadReceipt(ctx context.Context, expenseID int64, img Image, opts ...gateway.Option) (int64, error) {
	body := &gateway.Multipart{}
	body.AddField("expenseId", strconv.FormatInt(expenseID, 10))
	body.AddFile(gateway.FilePart{
		Field:       "file",
		Filename:    img.Filename,
		ContentType: img.ContentType,
		Data:        img.Data,
	})

	resp, err := c.gw.Post(ctx, receiptsPath+"/upload", body, opts...)
	if err != nil {
		return 0, fmt.Errorf("uploading receipt: %w", err)
	}
	id, err := ParseID(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("uploading receipt: %w", err)
	}
	return id, nil
}

// GetReceipt fetches receipt metadata
func (c *Client) GetReceipt(ctx context.Context, id int64) (*Receipt, error) {
	resp, err := c.gw.Get(ctx, receiptPath(id))
	if err != nil {
		return nil, fmt.Errorf("getting receipt %d: %w", id, err)
	}
	var receipt Receipt
	if err := resp.Decode(&receipt); err != nil {
		return nil, fmt.Errorf("getting receipt %d: %w", id, err)
	}
	return &receipt, nil
}

// GetExtraction fetches the extraction for a receipt. A 404 or an empty body
// yields ErrNotReady; every other failure is returned as is.
func (c *Client) GetExtraction(ctx context.Context, receiptID int64) (*Extraction, error) {
	resp, err := c.gw.Get(ctx, receiptPath(receiptID)+"/extraction")
	if err != nil {
		if gateway.IsStatus(err, http.StatusNotFound) {
			return nil, ErrNotReady
		}
		return nil, fmt.Errorf("getting extraction for receipt %d: %w", receiptID, err)
	}
	if resp.Empty() {
		return nil, ErrNotReady
	}
	var extraction Extraction
	if err := resp.Decode(&extraction); err != nil {
		return nil, fmt.Errorf("getting extraction for receipt %d: %w", receiptID, err)
	}
	if extraction.ReceiptID == 0 {
		extraction.ReceiptID = receiptID
	}
	return &extraction, nil
}

// decodeDraft returns the record carried by resp, if it carries one
func decodeDraft(resp *gateway.Response) (*Draft, bool) {
	if resp.Empty() {
		return nil, false
	}
	var draft Draft
	if err := json.Unmarshal(resp.Body, &draft); err != nil {
		return nil, false
	}
	if draft.ID == 0 || draft.Status == "" {
		return nil, false
	}
	return &draft, true
}

func expensePath(id int64) string {
	return expensesPath + "/" + strconv.FormatInt(id, 10)
}

func receiptPath(id int64) string {
	return receiptsPath + "/" + strconv.FormatInt(id, 10)
}
